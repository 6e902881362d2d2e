// Package xconf queries the cloud configuration service for firmware offers
// and caches its responses on disk.
package xconf

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrCacheMiss means no usable cached response exists.
var ErrCacheMiss = errors.New("xconf: cache miss")

// WrongModelMessage is surfaced verbatim to IPC clients when the offer does
// not match the device model.
const WrongModelMessage = "Firmware validation failed - not for this device model"

// Spec is the parsed cloud response. Once parsed, fields are read-only.
type Spec struct {
	CloudFWFile         string   `json:"firmwareFilename"`
	CloudFWLocation     string   `json:"firmwareLocation"`
	CloudFWLocationIPv6 string   `json:"ipv6FirmwareLocation"`
	CloudFWVersion      string   `json:"firmwareVersion"`
	CloudProto          string   `json:"firmwareDownloadProtocol"` // "http" or "tftp"
	RebootImmediately   bool     `json:"rebootImmediately"`
	DelayDownload       int      `json:"delayDownload"` // seconds
	PeripheralFirmwares []string `json:"peripheralFirmwares"`
	DLCertBundle        string   `json:"dlCertBundle"`
	CloudPDRIVersion    string   `json:"pdriVersion"`
	CloudFWHash         string   `json:"firmwareHash"` // optional SHA256 of the offered image
}

// Parse decodes a raw cloud response body.
func Parse(raw []byte) (*Spec, error) {
	var s Spec
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("xconf: parse response: %w", err)
	}
	return &s, nil
}

// Offered reports whether the cloud offered any firmware at all. An empty
// version means "no update offered".
func (s *Spec) Offered() bool {
	return s.CloudFWVersion != ""
}

// ForModel reports whether the offer targets the given device model. The
// model string must appear in the cloud firmware file name.
func (s *Spec) ForModel(model string) bool {
	return model != "" && strings.Contains(s.CloudFWFile, model)
}

// DownloadURL composes the artifact URL for the offered image.
func (s *Spec) DownloadURL() string {
	if s.CloudFWLocation == "" || s.CloudFWFile == "" {
		return ""
	}
	return strings.TrimSuffix(s.CloudFWLocation, "/") + "/" + s.CloudFWFile
}

// UpdateDetails renders the pipe-delimited key:value summary handed to IPC
// clients. Field order is fixed; missing fields use N/A except Protocol
// (HTTP), Reboot (false) and Delay (0).
func (s *Spec) UpdateDetails() string {
	na := func(v string) string {
		if v == "" {
			return "N/A"
		}
		return v
	}
	proto := "HTTP"
	if s.CloudProto != "" {
		proto = strings.ToUpper(s.CloudProto)
	}
	peripherals := "N/A"
	if len(s.PeripheralFirmwares) > 0 {
		peripherals = strings.Join(s.PeripheralFirmwares, ",")
	}

	parts := []string{
		"File:" + na(s.CloudFWFile),
		"Location:" + na(s.CloudFWLocation),
		"IPv6Location:" + na(s.CloudFWLocationIPv6),
		"Version:" + na(s.CloudFWVersion),
		"Protocol:" + proto,
		"Reboot:" + strconv.FormatBool(s.RebootImmediately),
		"Delay:" + strconv.Itoa(s.DelayDownload),
		"PDRI:" + na(s.CloudPDRIVersion),
		"Peripherals:" + peripherals,
		"CertBundle:" + na(s.DLCertBundle),
	}
	return strings.Join(parts, "|")
}
