package device

import (
	"encoding/json"
	"fmt"
	"strings"
)

// queryBody is the cloud query payload. The cloud consumes the field set
// as-is; names and presence must stay exactly as below.
type queryBody struct {
	EstbMac             string   `json:"eStbMac"`
	FirmwareVersion     string   `json:"firmwareVersion"`
	Env                 string   `json:"env"`
	Model               string   `json:"model"`
	Timezone            string   `json:"timezone"`
	Capabilities        []string `json:"capabilities"`
	Experience          string   `json:"experience"`
	AccountID           string   `json:"accountID"`
	PartnerID           string   `json:"partnerId"`
	OsClass             string   `json:"osClass"`
	SerialNumber        string   `json:"serialNumber"`
	MigrationReady      string   `json:"migrationReady"`
	Rcdl                string   `json:"rcdl"`
	AdditionalFwVerInfo string   `json:"additionalFwVerInfo"`
}

// BuildQueryBody produces the JSON body for the cloud query. It fails with
// ErrConfigMissing when a required identity field never resolved.
func (f *Facade) BuildQueryBody() ([]byte, error) {
	if f.info.Model == "" {
		return nil, fmt.Errorf("%w: model", ErrConfigMissing)
	}
	if f.info.EstbMac == "" {
		return nil, fmt.Errorf("%w: eSTB mac", ErrConfigMissing)
	}
	if f.image.CurrentImageName == "" {
		return nil, fmt.Errorf("%w: current image", ErrConfigMissing)
	}

	settings := f.GetRfc()

	body := queryBody{
		EstbMac:         f.info.EstbMac,
		FirmwareVersion: f.image.CurrentImageName,
		Env:             strings.ToUpper(f.info.BuildType),
		Model:           f.info.Model,
		Timezone:        f.info.Timezone,
		Capabilities:    splitCapabilities(f.info.Capabilities),
		Experience:      f.info.Experience,
		AccountID:       f.info.AccountID,
		PartnerID:       f.info.PartnerID,
		OsClass:         f.info.OsClass,
		SerialNumber:    f.info.SerialNumber,
		MigrationReady:  "false",
		Rcdl:            boolString(settings.IncrementalCDL),
		AdditionalFwVerInfo: additionalFwVerInfo(f.image.CurrentImageName),
	}
	return json.Marshal(body)
}

func splitCapabilities(s string) []string {
	if s == "" {
		return []string{"RCDL", "supportsFullHttpUrl"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// additionalFwVerInfo carries the PDRI image identifier when the running
// image name embeds one.
func additionalFwVerInfo(image string) string {
	if i := strings.Index(image, "_PDRI_"); i >= 0 {
		return image[i+1:]
	}
	return ""
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
