// Package device reads the device identity, running image and remote-config
// values, and formats the cloud query payload. Identity is populated once at
// start-up and treated as immutable; remote config is re-read on demand.
package device

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/oriys/pulsar/internal/config"
	"github.com/oriys/pulsar/internal/logging"
	"github.com/oriys/pulsar/internal/redstate"
	"github.com/oriys/pulsar/internal/rfc"
)

// ErrConfigMissing is returned when a required identity field cannot be
// resolved.
var ErrConfigMissing = errors.New("device: required identity field missing")

// Build types recognized in device.properties.
const (
	BuildUnknown = "unknown"
	BuildDev     = "dev"
	BuildVbn     = "vbn"
	BuildQa      = "qa"
	BuildProd    = "prod"
)

// DeviceInfo is the immutable device identity.
type DeviceInfo struct {
	Model           string
	Manufacturer    string
	SerialNumber    string
	EstbMac         string
	BuildType       string // unknown|dev|vbn|qa|prod
	ImageDwlPath    string
	PersistentPath  string
	Capabilities    string // comma-separated capability strings
	PartnerID       string
	Experience      string
	AccountID       string
	Timezone        string
	OsClass         string
	MaintenanceMode bool
	SwOptOut        bool
}

// ImageDetails names the firmware image currently running.
type ImageDetails struct {
	CurrentImageName string
}

// RfcSettings is the remote-config snapshot the daemon consumes. The daemon
// never writes any of these.
type RfcSettings struct {
	ThrottleEnabled bool
	TopSpeed        int64 // bytes/s; 0 with background mode means stop
	IncrementalCDL  bool
	MTLS            bool
	DebugServices   bool
	ManageNotify    bool
	AutoExcluded    bool
}

// Facade exposes device identity, image, remote config and the cloud query
// payload to the rest of the daemon.
type Facade struct {
	cfg   *config.Config
	store rfc.Store
	red   *redstate.Flag

	info  DeviceInfo
	image ImageDetails
}

// refresher is implemented by stores that re-read a backing file.
type refresher interface {
	Refresh() error
}

// New loads the device identity and running image. A missing properties file
// yields an empty identity; individual operations fail with ErrConfigMissing
// when they need a field that never resolved.
func New(cfg *config.Config, store rfc.Store, red *redstate.Flag) *Facade {
	f := &Facade{cfg: cfg, store: store, red: red}
	f.loadProperties()
	f.loadImage()
	return f
}

func (f *Facade) loadProperties() {
	props, err := readProperties(f.cfg.Device.PropertiesFile)
	if err != nil {
		logging.Op().Warn("device properties unavailable", "path", f.cfg.Device.PropertiesFile, "error", err)
		props = map[string]string{}
	}

	f.info = DeviceInfo{
		Model:           props["MODEL_NUM"],
		Manufacturer:    props["MFG_NAME"],
		SerialNumber:    props["SERIAL_NUMBER"],
		EstbMac:         props["ESTB_MAC"],
		BuildType:       normalizeBuildType(props["BUILD_TYPE"]),
		ImageDwlPath:    f.cfg.Device.ImageDwlPath,
		PersistentPath:  f.cfg.Device.PersistentPath,
		Capabilities:    props["CAPABILITIES"],
		PartnerID:       props["PARTNER_ID"],
		Experience:      props["EXPERIENCE"],
		AccountID:       props["ACCOUNT_ID"],
		Timezone:        props["TIMEZONE"],
		OsClass:         props["OS_CLASS"],
		MaintenanceMode: propBool(props["MAINTENANCE_MODE"]),
		SwOptOut:        propBool(props["SW_OPTOUT"]),
	}
}

func (f *Facade) loadImage() {
	data, err := os.ReadFile(f.cfg.Device.VersionFile)
	if err != nil {
		logging.Op().Warn("version file unavailable", "path", f.cfg.Device.VersionFile, "error", err)
		return
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if name, ok := strings.CutPrefix(line, "imagename:"); ok {
			f.image.CurrentImageName = strings.TrimSpace(name)
			return
		}
	}
	// No imagename: tag; first non-empty line is the image name.
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			f.image.CurrentImageName = line
			return
		}
	}
}

// GetDeviceInfo returns the identity snapshot.
func (f *Facade) GetDeviceInfo() DeviceInfo {
	return f.info
}

// GetImage returns the running-image details.
func (f *Facade) GetImage() ImageDetails {
	return f.image
}

// GetRfc returns a fresh remote-config snapshot.
func (f *Facade) GetRfc() RfcSettings {
	if r, ok := f.store.(refresher); ok {
		if err := r.Refresh(); err != nil {
			logging.Op().Debug("rfc refresh failed, serving last snapshot", "error", err)
		}
	}

	top, _ := strconv.ParseInt(f.rfcValue(rfc.KeyThrottleTop), 10, 64)
	return RfcSettings{
		ThrottleEnabled: propBool(f.rfcValue(rfc.KeyThrottleEnable)),
		TopSpeed:        top,
		IncrementalCDL:  propBool(f.rfcValue(rfc.KeyIncrementalCDL)),
		MTLS:            propBool(f.rfcValue(rfc.KeyMTLS)),
		DebugServices:   propBool(f.rfcValue(rfc.KeyDebugServices)),
		ManageNotify:    propBool(f.rfcValue(rfc.KeyManageNotify)),
		AutoExcluded:    propBool(f.rfcValue(rfc.KeyAutoExcluded)),
	}
}

func (f *Facade) rfcValue(name string) string {
	v, _ := f.store.Get(name)
	return v
}

func normalizeBuildType(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case BuildDev:
		return BuildDev
	case BuildVbn:
		return BuildVbn
	case BuildQa:
		return BuildQa
	case BuildProd:
		return BuildProd
	default:
		return BuildUnknown
	}
}

func propBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes"
}

func readProperties(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	props := map[string]string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		props[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return props, nil
}
