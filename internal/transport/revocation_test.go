package transport

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeTestCRL produces a PEM CRL bundle revoking the given serials.
func writeTestCRL(t *testing.T, path string, serials ...int64) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	now := time.Now()
	caTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test-issuer"},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create issuer cert: %v", err)
	}
	ca, err := x509.ParseCertificate(caDER)
	if err != nil {
		t.Fatalf("parse issuer cert: %v", err)
	}

	var entries []x509.RevocationListEntry
	for _, s := range serials {
		entries = append(entries, x509.RevocationListEntry{
			SerialNumber:   big.NewInt(s),
			RevocationTime: now,
		})
	}
	crlDER, err := x509.CreateRevocationList(rand.Reader, &x509.RevocationList{
		Number:                    big.NewInt(1),
		ThisUpdate:                now,
		NextUpdate:                now.Add(time.Hour),
		RevokedCertificateEntries: entries,
	}, ca, key)
	if err != nil {
		t.Fatalf("create crl: %v", err)
	}

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create crl file: %v", err)
	}
	defer f.Close()
	if err := pem.Encode(f, &pem.Block{Type: "X509 CRL", Bytes: crlDER}); err != nil {
		t.Fatalf("encode crl: %v", err)
	}
}

func TestLoadRevokedSerials(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bundle.crl")
	writeTestCRL(t, path, 7, 1234)

	revoked, err := loadRevokedSerials(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(revoked) != 2 {
		t.Fatalf("revoked set = %v", revoked)
	}
	if _, ok := revoked["7"]; !ok {
		t.Fatal("serial 7 missing from revoked set")
	}
}

func TestLoadRevokedSerials_Garbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bundle.crl")
	os.WriteFile(path, []byte("not a crl"), 0644)

	if _, err := loadRevokedSerials(path); err == nil {
		t.Fatal("garbage bundle should fail to parse")
	}
}

func TestRevocationVerifier(t *testing.T) {
	verify := revocationVerifier(map[string]struct{}{"7": {}})

	revokedChain := [][]*x509.Certificate{{
		{SerialNumber: big.NewInt(7)},
		{SerialNumber: big.NewInt(1)},
	}}
	if err := verify(nil, revokedChain); !errors.Is(err, errCertRevoked) {
		t.Fatalf("revoked chain: err = %v, want errCertRevoked", err)
	}

	cleanChain := [][]*x509.Certificate{{
		{SerialNumber: big.NewInt(8)},
	}}
	if err := verify(nil, cleanChain); err != nil {
		t.Fatalf("clean chain: %v", err)
	}

	if err := verify(nil, nil); err != nil {
		t.Fatalf("empty input: %v", err)
	}
}
