package transport

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

var errCertRevoked = errors.New("transport: peer certificate revoked")

// loadRevokedSerials parses a CRL bundle (PEM "X509 CRL" blocks, or a single
// DER list) into the set of revoked serial numbers. The bundle is maintained
// by the platform cert tooling; the daemon only reads it.
func loadRevokedSerials(path string) (map[string]struct{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	revoked := map[string]struct{}{}
	rest := data
	parsedAny := false
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "X509 CRL" {
			continue
		}
		list, err := x509.ParseRevocationList(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse crl: %w", err)
		}
		parsedAny = true
		for _, entry := range list.RevokedCertificateEntries {
			revoked[entry.SerialNumber.String()] = struct{}{}
		}
	}

	if !parsedAny {
		list, err := x509.ParseRevocationList(data)
		if err != nil {
			return nil, fmt.Errorf("parse crl: %w", err)
		}
		for _, entry := range list.RevokedCertificateEntries {
			revoked[entry.SerialNumber.String()] = struct{}{}
		}
	}
	return revoked, nil
}

// revocationVerifier returns a VerifyPeerCertificate callback that rejects
// any verified chain containing a revoked serial. It runs in addition to the
// standard chain verification.
func revocationVerifier(revoked map[string]struct{}) func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
		if len(verifiedChains) == 0 {
			// Chain verification was skipped; fall back to the presented leaf.
			if len(rawCerts) == 0 {
				return nil
			}
			leaf, err := x509.ParseCertificate(rawCerts[0])
			if err != nil {
				return fmt.Errorf("parse peer certificate: %w", err)
			}
			if _, bad := revoked[leaf.SerialNumber.String()]; bad {
				return fmt.Errorf("%w: serial %s", errCertRevoked, leaf.SerialNumber)
			}
			return nil
		}
		for _, chain := range verifiedChains {
			for _, cert := range chain {
				if _, bad := revoked[cert.SerialNumber.String()]; bad {
					return fmt.Errorf("%w: serial %s", errCertRevoked, cert.SerialNumber)
				}
			}
		}
		return nil
	}
}
