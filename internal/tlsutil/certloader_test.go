package tlsutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/dskow/bank-gateway/internal/config"
)

var testLogger = slog.New(slog.DiscardHandler)

// generateTestCert creates a self-signed cert/key pair for commonName and
// writes them to dir. Returns the file paths.
func generateTestCert(t *testing.T, dir, commonName string) (certFile, keyFile string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create cert: %v", err)
	}

	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	if err := os.WriteFile(certFile, certPEM, 0o644); err != nil {
		t.Fatalf("write cert: %v", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(keyFile, keyPEM, 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}

	return certFile, keyFile
}

func commonName(t *testing.T, cl *CertLoader) string {
	t.Helper()
	cert, err := cl.GetCertificate(&tls.ClientHelloInfo{})
	if err != nil || cert == nil {
		t.Fatalf("GetCertificate: %v", err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatalf("parse leaf: %v", err)
	}
	return leaf.Subject.CommonName
}

func TestCertLoader_InitialLoad(t *testing.T) {
	certFile, keyFile := generateTestCert(t, t.TempDir(), "gateway-a")

	cl, err := New(certFile, keyFile, testLogger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer cl.Stop()

	if got := commonName(t, cl); got != "gateway-a" {
		t.Errorf("CommonName = %q, want gateway-a", got)
	}
}

func TestCertLoader_InvalidCert(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")

	os.WriteFile(certFile, []byte("invalid"), 0o644)
	os.WriteFile(keyFile, []byte("invalid"), 0o644)

	if _, err := New(certFile, keyFile, testLogger); err == nil {
		t.Fatal("expected error for invalid cert")
	}
}

func TestCertLoader_Reload(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := generateTestCert(t, dir, "gateway-a")

	cl, err := New(certFile, keyFile, testLogger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer cl.Stop()

	generateTestCert(t, dir, "gateway-b")
	if err := cl.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if got := commonName(t, cl); got != "gateway-b" {
		t.Errorf("CommonName = %q, want gateway-b", got)
	}
}

func TestCertLoader_FailedReloadKeepsCurrent(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := generateTestCert(t, dir, "gateway-a")

	cl, err := New(certFile, keyFile, testLogger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer cl.Stop()

	os.WriteFile(certFile, []byte("truncated"), 0o644)
	if err := cl.Reload(); err == nil {
		t.Fatal("expected reload error")
	}
	if got := commonName(t, cl); got != "gateway-a" {
		t.Errorf("CommonName = %q, want gateway-a", got)
	}
}

func TestCertLoader_WatchesFiles(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := generateTestCert(t, dir, "gateway-a")

	cl, err := New(certFile, keyFile, testLogger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer cl.Stop()

	generateTestCert(t, dir, "gateway-b")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if commonName(t, cl) == "gateway-b" {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("certificate was not reloaded after the files changed")
}

func TestCertLoader_StopNoLeak(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	certFile, keyFile := generateTestCert(t, t.TempDir(), "gateway-a")
	cl, err := New(certFile, keyFile, testLogger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	cl.Stop()
	cl.Stop()
}

func TestServerConfig(t *testing.T) {
	certFile, keyFile := generateTestCert(t, t.TempDir(), "gateway-a")
	cl, err := New(certFile, keyFile, testLogger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer cl.Stop()

	tests := map[string]uint16{
		"":    tls.VersionTLS12,
		"1.2": tls.VersionTLS12,
		"1.3": tls.VersionTLS13,
	}
	for v, want := range tests {
		tc := ServerConfig(config.TLSConfig{Enabled: true, MinVersion: v}, cl)
		if tc.MinVersion != want {
			t.Errorf("MinVersion(%q) = %x, want %x", v, tc.MinVersion, want)
		}
		if cert, _ := tc.GetCertificate(&tls.ClientHelloInfo{}); cert == nil {
			t.Errorf("MinVersion(%q): GetCertificate returned nil", v)
		}
	}
}
