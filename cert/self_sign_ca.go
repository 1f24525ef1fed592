package cert

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"github.com/golang/groupcache/singleflight"
)

// DefaultMaxIssuance is the number of distinct leaf certificates a CA issues
// over its lifetime. The counter is never reset: a long-running proxy that
// has seen this many hosts stops intercepting new ones.
const DefaultMaxIssuance = 1000

const (
	keyFileName  = "private.key"
	certFileName = "cert.crt"

	rootValidity    = 10 * 365 * 24 * time.Hour
	leafValidity    = 7 * 24 * time.Hour
	leafRenewBefore = time.Hour
	clockSkew       = time.Hour
)

// Root subject fields.
const (
	rootCommonName   = "AnimeGamesProxy"
	rootOrganization = "AnimeGames"
	rootCountry      = "US"
	rootLocality     = "Local"
)

// SelfSignCA is a CA backed by a self-signed root stored on disk.
type SelfSignCA struct {
	PrivateKey  crypto.Signer
	RootCert    *x509.Certificate
	StorePath   string
	MaxIssuance int

	leafKey *ecdsa.PrivateKey
	cache   *lru.Cache
	cacheMu sync.Mutex
	group   *singleflight.Group

	issueMu sync.Mutex
	issued  int
}

// NewSelfSignCA loads the CA stored under path, creating it when needed.
// An empty path selects the default data directory.
func NewSelfSignCA(path string) (*SelfSignCA, error) {
	return LoadOrCreate(path, DefaultMaxIssuance)
}

// LoadOrCreate reads private.key and cert.crt from path. If either is
// missing or unusable both are regenerated, persisted and read again; a
// failure of that second read is returned wrapped in ErrCAUnavailable.
func LoadOrCreate(path string, maxIssuance int) (*SelfSignCA, error) {
	storePath, err := getStorePath(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCAUnavailable, err)
	}

	ca, err := newSelfSignCA(storePath, maxIssuance)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCAUnavailable, err)
	}

	err = ca.load()
	if err == nil {
		slog.Info("loaded CA", "path", storePath)
		return ca, nil
	}

	slog.Error("CA unusable, regenerating", "path", storePath, "error", err)
	if err := ca.create(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCAUnavailable, err)
	}
	if err := ca.load(); err != nil {
		return nil, fmt.Errorf("%w: reload after regenerate: %w", ErrCAUnavailable, err)
	}
	return ca, nil
}

// NewSelfSignCAMemory creates a throwaway CA that is never written to disk.
func NewSelfSignCAMemory() (*SelfSignCA, error) {
	ca, err := newSelfSignCA("", DefaultMaxIssuance)
	if err != nil {
		return nil, err
	}
	key, root, err := generateRoot()
	if err != nil {
		return nil, err
	}
	ca.PrivateKey = key
	ca.RootCert = root
	return ca, nil
}

func newSelfSignCA(storePath string, maxIssuance int) (*SelfSignCA, error) {
	if maxIssuance <= 0 {
		maxIssuance = DefaultMaxIssuance
	}
	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate leaf key: %w", err)
	}
	return &SelfSignCA{
		StorePath:   storePath,
		MaxIssuance: maxIssuance,
		leafKey:     leafKey,
		cache:       lru.New(maxIssuance),
		group:       new(singleflight.Group),
	}, nil
}

// DefaultDataDir returns the directory holding proxy state,
// $XDG_DATA_HOME/anime-games-proxy or $HOME/.local/share/anime-games-proxy.
func DefaultDataDir() (string, error) {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "anime-games-proxy"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("locate home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "anime-games-proxy"), nil
}

func getStorePath(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	dataDir, err := DefaultDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, "ca"), nil
}

// KeyFile is the path of the PEM private key.
func (ca *SelfSignCA) KeyFile() string {
	return filepath.Join(ca.StorePath, keyFileName)
}

// CertFile is the path of the PEM root certificate.
func (ca *SelfSignCA) CertFile() string {
	return filepath.Join(ca.StorePath, certFileName)
}

func (ca *SelfSignCA) load() error {
	keyPEM, err := os.ReadFile(ca.KeyFile())
	if err != nil {
		return err
	}
	certPEM, err := os.ReadFile(ca.CertFile())
	if err != nil {
		return err
	}
	return ca.loadPEM(certPEM, keyPEM)
}

func (ca *SelfSignCA) loadPEM(certPEM, keyPEM []byte) error {
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return fmt.Errorf("parse key pair: %w", err)
	}
	root, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return fmt.Errorf("parse root certificate: %w", err)
	}
	if !root.IsCA {
		return errors.New("root certificate is not a CA")
	}
	if err := root.CheckSignatureFrom(root); err != nil {
		return fmt.Errorf("root self-signature: %w", err)
	}
	signer, ok := pair.PrivateKey.(crypto.Signer)
	if !ok {
		return errors.New("private key cannot sign")
	}

	ca.PrivateKey = signer
	ca.RootCert = root
	return nil
}

func (ca *SelfSignCA) create() error {
	key, root, err := generateRoot()
	if err != nil {
		return err
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}

	if err := os.MkdirAll(ca.StorePath, 0o755); err != nil {
		return fmt.Errorf("create CA directory: %w", err)
	}

	keyOut, err := os.OpenFile(ca.KeyFile(), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer keyOut.Close()
	if err := pem.Encode(keyOut, &pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	slog.Info("wrote private key", "path", ca.KeyFile())

	certOut, err := os.OpenFile(ca.CertFile(), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer certOut.Close()
	if err := ca.saveCertTo(certOut, root); err != nil {
		return fmt.Errorf("write certificate: %w", err)
	}
	slog.Info("wrote certificate", "path", ca.CertFile())
	return nil
}

func (*SelfSignCA) saveCertTo(out io.Writer, root *x509.Certificate) error {
	return pem.Encode(out, &pem.Block{Type: "CERTIFICATE", Bytes: root.Raw})
}

func generateRoot() (*ecdsa.PrivateKey, *x509.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate root key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   rootCommonName,
			Organization: []string{rootOrganization},
			Country:      []string{rootCountry},
			Locality:     []string{rootLocality},
		},
		NotBefore:             now.Add(-clockSkew),
		NotAfter:              now.Add(rootValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("create root certificate: %w", err)
	}
	root, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("parse root certificate: %w", err)
	}
	return key, root, nil
}

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	return serial, nil
}

// GetRootCA returns the root certificate.
func (ca *SelfSignCA) GetRootCA() *x509.Certificate {
	return ca.RootCert
}

// RootPEM returns the PEM encoding of the root certificate.
func (ca *SelfSignCA) RootPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.RootCert.Raw})
}

// Issued returns how many leaf certificates have been signed so far.
func (ca *SelfSignCA) Issued() int {
	ca.issueMu.Lock()
	defer ca.issueMu.Unlock()
	return ca.issued
}

// CanIssue implements Quota.
func (ca *SelfSignCA) CanIssue(commonName string) bool {
	if _, ok := ca.cached(commonName); ok {
		return true
	}
	ca.issueMu.Lock()
	defer ca.issueMu.Unlock()
	return ca.issued < ca.MaxIssuance
}

// GetCert returns a leaf certificate for commonName, issuing one if no fresh
// certificate is cached. Concurrent calls for the same name share a single
// issuance.
func (ca *SelfSignCA) GetCert(commonName string) (*tls.Certificate, error) {
	if commonName == "" {
		return nil, errEmptyCommonName
	}
	if c, ok := ca.cached(commonName); ok {
		slog.Debug("GetCert cache hit", "commonName", commonName)
		return c, nil
	}

	val, err := ca.group.Do(commonName, func() (any, error) {
		if c, ok := ca.cached(commonName); ok {
			return c, nil
		}
		if err := ca.reserve(); err != nil {
			return nil, err
		}
		c, err := ca.DummyCert(commonName)
		if err != nil {
			ca.release()
			return nil, err
		}
		ca.cacheMu.Lock()
		ca.cache.Add(commonName, c)
		ca.cacheMu.Unlock()
		return c, nil
	})
	if err != nil {
		return nil, err
	}

	c, ok := val.(*tls.Certificate)
	if !ok {
		return nil, errors.New("issued value is not a tls.Certificate")
	}
	return c, nil
}

func (ca *SelfSignCA) cached(commonName string) (*tls.Certificate, bool) {
	ca.cacheMu.Lock()
	defer ca.cacheMu.Unlock()

	val, ok := ca.cache.Get(commonName)
	if !ok {
		return nil, false
	}
	c, ok := val.(*tls.Certificate)
	if !ok || c.Leaf == nil || time.Until(c.Leaf.NotAfter) < leafRenewBefore {
		ca.cache.Remove(commonName)
		return nil, false
	}
	return c, true
}

func (ca *SelfSignCA) reserve() error {
	ca.issueMu.Lock()
	defer ca.issueMu.Unlock()
	if ca.issued >= ca.MaxIssuance {
		return ErrIssuanceExhausted
	}
	ca.issued++
	return nil
}

func (ca *SelfSignCA) release() {
	ca.issueMu.Lock()
	defer ca.issueMu.Unlock()
	ca.issued--
}

// DummyCert signs a new leaf certificate for commonName without touching the
// cache or the issuance counter.
func (ca *SelfSignCA) DummyCert(commonName string) (*tls.Certificate, error) {
	if ca.PrivateKey == nil || ca.RootCert == nil {
		return nil, errors.New("CA not loaded")
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   commonName,
			Organization: []string{rootOrganization},
		},
		NotBefore:             now.Add(-clockSkew),
		NotAfter:              now.Add(leafValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	if ip := net.ParseIP(commonName); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{commonName}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, ca.RootCert, &ca.leafKey.PublicKey, ca.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("sign leaf for %s: %w", commonName, err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse leaf for %s: %w", commonName, err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{der, ca.RootCert.Raw},
		PrivateKey:  ca.leafKey,
		Leaf:        leaf,
	}, nil
}

// LeafKey returns the private key shared by all issued leaf certificates.
func (ca *SelfSignCA) LeafKey() crypto.Signer {
	return ca.leafKey
}
