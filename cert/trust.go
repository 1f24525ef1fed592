package cert

import (
	"context"
	"crypto/sha1" //nolint:gosec // registry key names are SHA-1 thumbprints
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"golang.org/x/text/encoding/unicode"
)

const (
	registryHeader = "Windows Registry Editor Version 5.00"
	registryKey    = `HKEY_CURRENT_USER\Software\Microsoft\SystemCertificates\My\Certificates\`

	// hexLineWidth is where regedit-style hex blobs are wrapped.
	hexLineWidth = 78
)

// Fingerprint returns the upper-case hex SHA-1 thumbprint of c.
func Fingerprint(c *x509.Certificate) string {
	sum := sha1.Sum(c.Raw) //nolint:gosec
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// ParseCertificateFile decodes a certificate stored as PEM or raw DER.
func ParseCertificateFile(data []byte) (*x509.Certificate, error) {
	if block, _ := pem.Decode(data); block != nil {
		if block.Type != "CERTIFICATE" {
			return nil, fmt.Errorf("unexpected PEM block %q", block.Type)
		}
		data = block.Bytes
	}
	c, err := x509.ParseCertificate(data)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	return c, nil
}

// RegistryScript renders a .reg script that imports c into the current
// user's certificate store. The script is UTF-16LE with a byte order mark,
// which is what regedit expects.
func RegistryScript(c *x509.Certificate) ([]byte, error) {
	var b strings.Builder
	b.WriteString(registryHeader)
	b.WriteString("\n\n[")
	b.WriteString(registryKey)
	b.WriteString(Fingerprint(c))
	b.WriteString("]\n\n\"Blob\"=hex:")
	b.WriteString(wrapHex(c.Raw))
	b.WriteString("\n\n\n")

	enc := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewEncoder()
	out, err := enc.Bytes([]byte(b.String()))
	if err != nil {
		return nil, fmt.Errorf("encode registry script: %w", err)
	}
	return out, nil
}

func wrapHex(der []byte) string {
	pairs := make([]string, len(der))
	for i, v := range der {
		pairs[i] = fmt.Sprintf("%02x", v)
	}
	joined := strings.Join(pairs, ",")

	var b strings.Builder
	for len(joined) > hexLineWidth {
		b.WriteString(joined[:hexLineWidth])
		b.WriteString("\\\n  ")
		joined = joined[hexLineWidth:]
	}
	b.WriteString(joined)
	return b.String()
}

// Installer imports a certificate into a Wine prefix via regedit.
type Installer struct {
	// Command is the wine executable. Defaults to "wine".
	Command string
	// WinePrefix is exported as WINEPREFIX when set.
	WinePrefix string

	Stdout io.Writer
	Stderr io.Writer
}

// Install imports the certificate at certPath and returns its fingerprint.
func (in *Installer) Install(ctx context.Context, certPath string) (string, error) {
	logger := slog.Default().With("in", "cert.Installer.Install", "cert", certPath)

	data, err := os.ReadFile(certPath)
	if err != nil {
		return "", err
	}
	c, err := ParseCertificateFile(data)
	if err != nil {
		return "", err
	}
	fingerprint := Fingerprint(c)
	logger.Info("certificate fingerprint", "sha1", fingerprint)

	script, err := RegistryScript(c)
	if err != nil {
		return "", err
	}

	f, err := os.CreateTemp("", "agproxy-*.reg")
	if err != nil {
		return "", err
	}
	defer os.Remove(f.Name())
	if _, err := f.Write(script); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	logger.Debug("registry file created", "path", f.Name())

	command := in.Command
	if command == "" {
		command = "wine"
	}
	cmd := exec.CommandContext(ctx, command, "regedit", f.Name())
	cmd.Env = os.Environ()
	if in.WinePrefix != "" {
		cmd.Env = append(cmd.Env, "WINEPREFIX="+in.WinePrefix)
		logger.Info("using wine prefix", "prefix", in.WinePrefix)
	}
	cmd.Stdout = in.Stdout
	cmd.Stderr = in.Stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("regedit exited with status %d", exitErr.ExitCode())
		}
		return "", fmt.Errorf("run %s regedit: %w", command, err)
	}

	logger.Info("certificate installed", "key", registryKey+fingerprint)
	return fingerprint, nil
}
