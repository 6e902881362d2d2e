package transport

import "fmt"

// Status is the transport-level outcome of one transfer, independent of the
// HTTP status. Values below 90 follow the curl numbering the flashing and
// telemetry tooling already understands; daemon-specific outcomes start at 90.
type Status int

const (
	StatusOK                  Status = 0
	StatusUnsupportedProtocol Status = 1
	StatusURLMalformed        Status = 3
	StatusDNS                 Status = 6
	StatusConnect             Status = 7
	StatusWrite               Status = 23
	StatusTimeout             Status = 28
	StatusRangeError          Status = 33 // server cannot serve the requested range
	StatusTLSHandshake        Status = 35
	StatusBadResume           Status = 36 // resume offset does not match server content
	StatusRecv                Status = 56
	StatusTLSCertProblem      Status = 58
	StatusTLSPeerCert         Status = 60 // peer certificate expired or revoked

	StatusBlocked       Status = 90 // DWNL_BLOCK: requested transport is blocked
	StatusSigningFailed Status = 91 // CODEBIG_SIGNING_FAILED
	StatusUnpauseFail   Status = 92 // DWNL_UNPAUSE_FAIL: resume failed, handle closed
	StatusLowBandwidth  Status = 93 // CURL_LOW_BANDWIDTH analogue
	StatusAborted       Status = 94 // stopped by caller or force-exit
)

var statusNames = map[Status]string{
	StatusOK:                  "OK",
	StatusUnsupportedProtocol: "UNSUPPORTED_PROTOCOL",
	StatusURLMalformed:        "URL_MALFORMED",
	StatusDNS:                 "DNS_FAILED",
	StatusConnect:             "CONNECT_FAILED",
	StatusWrite:               "WRITE_FAILED",
	StatusTimeout:             "TIMEOUT",
	StatusRangeError:          "RANGE_ERROR",
	StatusTLSHandshake:        "TLS_HANDSHAKE_FAILED",
	StatusBadResume:           "BAD_RESUME",
	StatusRecv:                "RECV_FAILED",
	StatusTLSCertProblem:      "TLS_CERT_PROBLEM",
	StatusTLSPeerCert:         "TLS_PEER_CERT",
	StatusBlocked:             "DWNL_BLOCK",
	StatusSigningFailed:       "CODEBIG_SIGNING_FAILED",
	StatusUnpauseFail:         "DWNL_UNPAUSE_FAIL",
	StatusLowBandwidth:        "CURL_LOW_BANDWIDTH",
	StatusAborted:             "ABORTED",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Connectivity reports whether the failure is a network-level one: DNS,
// connect, timeout or a broken receive. The orchestrator falls back to the
// other transport on these.
func (s Status) Connectivity() bool {
	switch s {
	case StatusDNS, StatusConnect, StatusTimeout, StatusRecv:
		return true
	}
	return false
}

// TLS reports whether the failure is in the tls-error family. These statuses
// are not part of Connectivity.
func (s Status) TLS() bool {
	switch s {
	case StatusTLSHandshake, StatusTLSCertProblem, StatusTLSPeerCert:
		return true
	}
	return false
}

// RangeRejected reports whether a resumed transfer must be restarted from
// scratch.
func (s Status) RangeRejected() bool {
	return s == StatusRangeError || s == StatusBadResume
}
