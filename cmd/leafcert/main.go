// Command leafcert prints a leaf certificate and key for a host, signed by
// the proxy's on-disk CA. It is meant for testing clients against the CA
// without running the proxy.
package main

import (
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/anime-games-proxy/agproxy/cert"
)

type Config struct {
	commonName string
	dataDir    string
}

func loadConfig() *Config {
	config := new(Config)
	flag.StringVar(&config.commonName, "commonName", "", "server commonName")
	flag.StringVar(&config.dataDir, "data_dir", "", "directory holding the ca directory")
	flag.Parse() //revive:disable-line:deep-exit -- ok for cmd/*
	return config
}

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	config := loadConfig()
	if config.commonName == "" {
		slog.Error("commonName required")
		os.Exit(2)
	}

	caPath := ""
	if config.dataDir != "" {
		caPath = filepath.Join(config.dataDir, "ca")
	}
	ca, err := cert.NewSelfSignCA(caPath)
	if err != nil {
		slog.Error("failed to load CA", "error", err)
		os.Exit(1)
	}

	if err := writeLeaf(os.Stdout, ca, config.commonName); err != nil {
		slog.Error("failed to issue certificate", "error", err)
		os.Exit(1)
	}
}

func writeLeaf(out io.Writer, ca *cert.SelfSignCA, commonName string) error {
	tlsCert, err := ca.DummyCert(commonName)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "%v-cert.pem\n", commonName)
	if err := pem.Encode(out, &pem.Block{Type: "CERTIFICATE", Bytes: tlsCert.Certificate[0]}); err != nil {
		return err
	}

	fmt.Fprintf(out, "\n%v-key.pem\n", commonName)
	keyBytes, err := x509.MarshalPKCS8PrivateKey(ca.LeafKey())
	if err != nil {
		return err
	}
	return pem.Encode(out, &pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes})
}
