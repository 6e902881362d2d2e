// Package certs is the narrow contract with the platform certificate
// selection helper. The daemon never inspects key material itself.
package certs

import (
	"context"
	"errors"
	"os"
)

// ErrNoCredentials is returned when no usable client certificate exists.
var ErrNoCredentials = errors.New("certs: no client credentials available")

// Credentials locates an mTLS client identity on disk.
type Credentials struct {
	CertFile string
	KeyFile  string
	Engine   string // optional crypto engine name, e.g. a TPM provider
}

// Selector picks the client credentials for a direct (mTLS) connection.
type Selector interface {
	Select(ctx context.Context) (*Credentials, error)
}

// FileSelector serves fixed paths from configuration. It fails fast with
// ErrNoCredentials when either file is missing; the orchestrator then makes
// the direct attempt without a client certificate.
type FileSelector struct {
	CertFile string
	KeyFile  string
}

func (s *FileSelector) Select(ctx context.Context) (*Credentials, error) {
	if s.CertFile == "" || s.KeyFile == "" {
		return nil, ErrNoCredentials
	}
	if _, err := os.Stat(s.CertFile); err != nil {
		return nil, ErrNoCredentials
	}
	if _, err := os.Stat(s.KeyFile); err != nil {
		return nil, ErrNoCredentials
	}
	return &Credentials{CertFile: s.CertFile, KeyFile: s.KeyFile}, nil
}

// StaticSelector returns fixed credentials; used by tests.
type StaticSelector struct {
	Creds *Credentials
	Err   error
}

func (s *StaticSelector) Select(ctx context.Context) (*Credentials, error) {
	return s.Creds, s.Err
}
