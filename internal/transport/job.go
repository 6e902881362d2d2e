package transport

import (
	"bytes"

	"github.com/oriys/pulsar/internal/certs"
)

// Job describes a single HTTPS transfer attempt. A Job is created per
// attempt and discarded on completion.
type Job struct {
	URL string

	// Exactly one sink. FilePath wins when both are set.
	FilePath string
	Memory   *bytes.Buffer

	// HeaderPath, when set, receives the full response headers (one per
	// line). Resumable downloads parse Content-Length back out of it.
	HeaderPath string

	PostBody []byte
	Headers  []string // extra request headers, "Name: value"

	// TLS enables mTLS with the given client credentials.
	TLS *certs.Credentials

	// RangeFrom > 0 resumes from the given byte offset.
	RangeFrom int64

	// MaxSpeed caps the transfer in bytes/s. 0 means unlimited.
	MaxSpeed int64

	// VerifyRevocation requests that peer certificates be checked against
	// the configured CRL bundle during the handshake.
	VerifyRevocation bool

	// HashParam, when non-empty, is the expected SHA256 hex digest of the
	// finished file sink; a mismatch discards the download.
	HashParam string

	// TraceTag labels progress samples for this transfer.
	TraceTag string
}

// Result is what one transfer attempt produced.
type Result struct {
	Status     Status
	HTTPStatus int
	Bytes      int64
}

// Failed reports whether the attempt produced neither a transport success
// nor an HTTP 2xx.
func (r Result) Failed() bool {
	return r.Status != StatusOK || r.HTTPStatus < 200 || r.HTTPStatus >= 300
}
