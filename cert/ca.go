// Package cert manages the proxy's root certificate authority and the leaf
// certificates it issues for intercepted TLS tunnels.
package cert

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
)

// CA issues certificates used to terminate client TLS sessions.
type CA interface {
	GetRootCA() *x509.Certificate
	GetCert(commonName string) (*tls.Certificate, error)
}

// Quota is implemented by a CA that caps the number of leaf certificates it
// will issue. The proxy consults it before intercepting a tunnel so that an
// exhausted CA degrades to plain tunneling.
type Quota interface {
	CanIssue(commonName string) bool
}

var (
	// ErrIssuanceExhausted is returned by GetCert once the issuance cap has
	// been reached for a host that has no cached certificate.
	ErrIssuanceExhausted = errors.New("certificate issuance limit reached")

	// ErrCAUnavailable wraps every failure to load or regenerate the root CA.
	ErrCAUnavailable = errors.New("certificate authority unavailable")

	errEmptyCommonName = errors.New("empty common name")
)
