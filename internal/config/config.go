package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DeviceConfig holds device identity sources and writable paths.
type DeviceConfig struct {
	PropertiesFile string `json:"properties_file" yaml:"properties_file"` // key=value identity file, read once at start-up
	VersionFile    string `json:"version_file" yaml:"version_file"`       // running image name
	ImageDwlPath   string `json:"image_dwl_path" yaml:"image_dwl_path"`   // difw: where images are downloaded
	PersistentPath string `json:"persistent_path" yaml:"persistent_path"` // survives reboot
	OptOutFile     string `json:"optout_file" yaml:"optout_file"`         // software upgrade opt-out
	OsReleaseFile  string `json:"os_release_file" yaml:"os_release_file"` // presence = non-embedded image
}

// RfcConfig holds the remote-config value source.
type RfcConfig struct {
	StoreFile string `json:"store_file" yaml:"store_file"` // key=value store written by the RFC agent
}

// XconfConfig holds cloud-query endpoints and the response cache location.
type XconfConfig struct {
	XconfHost       string `json:"xconf_host" yaml:"xconf_host"`
	DevXconfURL     string `json:"dev_xconf_url" yaml:"dev_xconf_url"`
	BootstrapURL    string `json:"bootstrap_url" yaml:"bootstrap_url"`
	AutoExcludeURL  string `json:"auto_exclude_url" yaml:"auto_exclude_url"`
	RecoveryURL     string `json:"recovery_url" yaml:"recovery_url"`
	OverrideFile    string `json:"override_file" yaml:"override_file"` // local URL override, non-production
	CacheBodyFile   string `json:"cache_body_file" yaml:"cache_body_file"`
	CacheStatusFile string `json:"cache_status_file" yaml:"cache_status_file"`
}

// TransportConfig holds HTTPS engine settings.
type TransportConfig struct {
	ConnectTimeout   time.Duration `json:"connect_timeout" yaml:"connect_timeout"`
	QueryTimeout     time.Duration `json:"query_timeout" yaml:"query_timeout"` // whole-request budget for memory sinks
	LowSpeedLimit    int64         `json:"low_speed_limit" yaml:"low_speed_limit"`
	LowSpeedWindow   time.Duration `json:"low_speed_window" yaml:"low_speed_window"`
	CABundle         string        `json:"ca_bundle" yaml:"ca_bundle"`
	CertFile         string        `json:"cert_file" yaml:"cert_file"` // default mTLS client cert
	KeyFile          string        `json:"key_file" yaml:"key_file"`
	VerifyRevocation bool          `json:"verify_revocation" yaml:"verify_revocation"` // check peer certs against the CRL bundle
	CRLFile          string        `json:"crl_file" yaml:"crl_file"`
	SignerHelper     string        `json:"signer_helper" yaml:"signer_helper"` // codebig signing helper binary
	ProgressInterval time.Duration `json:"progress_interval" yaml:"progress_interval"`
}

// DownloadConfig holds retry/fallback and bookkeeping file locations.
type DownloadConfig struct {
	DirectMaxAttempts int           `json:"direct_max_attempts" yaml:"direct_max_attempts"`
	DirectRetryDelay  time.Duration `json:"direct_retry_delay" yaml:"direct_retry_delay"`
	SignedMaxAttempts int           `json:"signed_max_attempts" yaml:"signed_max_attempts"`
	SignedRetryDelay  time.Duration `json:"signed_retry_delay" yaml:"signed_retry_delay"`
	PreferSignedFile  string        `json:"prefer_signed_file" yaml:"prefer_signed_file"` // sticky: prefer SIGNED after a SIGNED success
	BlockSignedFile   string        `json:"block_signed_file" yaml:"block_signed_file"`   // sticky: block SIGNED after a SIGNED failure
	PreferSignedTTL   time.Duration `json:"prefer_signed_ttl" yaml:"prefer_signed_ttl"`
	BlockSignedTTL    time.Duration `json:"block_signed_ttl" yaml:"block_signed_ttl"`
	PeripheralsFile   string        `json:"peripherals_file" yaml:"peripherals_file"` // downloaded-peripheral-versions CSV
	FlashHelper       string        `json:"flash_helper" yaml:"flash_helper"`
}

// IPCConfig holds the local bus listener settings.
type IPCConfig struct {
	Mode       string `json:"mode" yaml:"mode"` // unix (default), tcp, vsock
	SocketPath string `json:"socket_path" yaml:"socket_path"`
	TCPAddr    string `json:"tcp_addr" yaml:"tcp_addr"`
	VsockPort  uint32 `json:"vsock_port" yaml:"vsock_port"`
}

// DaemonConfig holds daemon-process settings.
type DaemonConfig struct {
	HTTPAddr string `json:"http_addr" yaml:"http_addr"` // debug HTTP: /metrics, /healthz, /state
	PidFile  string `json:"pid_file" yaml:"pid_file"`
	LogLevel string `json:"log_level" yaml:"log_level"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Exporter    string  `json:"exporter" yaml:"exporter"` // otlp-http, stdout
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`
	ServiceName string  `json:"service_name" yaml:"service_name"`
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Namespace string `json:"namespace" yaml:"namespace"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // text, json
}

// ProgressConfig holds the transfer-progress trace settings.
type ProgressConfig struct {
	File    string `json:"file" yaml:"file"`
	Console bool   `json:"console" yaml:"console"`
}

// ObservabilityConfig groups all observability settings.
type ObservabilityConfig struct {
	Tracing  TracingConfig  `json:"tracing" yaml:"tracing"`
	Metrics  MetricsConfig  `json:"metrics" yaml:"metrics"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
	Progress ProgressConfig `json:"progress" yaml:"progress"`
}

// Config is the central configuration record embedding all component configs.
// Every value the daemon once carried as a compile-time constant lives here.
type Config struct {
	Device        DeviceConfig        `json:"device" yaml:"device"`
	Rfc           RfcConfig           `json:"rfc" yaml:"rfc"`
	Xconf         XconfConfig         `json:"xconf" yaml:"xconf"`
	Transport     TransportConfig     `json:"transport" yaml:"transport"`
	Download      DownloadConfig      `json:"download" yaml:"download"`
	IPC           IPCConfig           `json:"ipc" yaml:"ipc"`
	Daemon        DaemonConfig        `json:"daemon" yaml:"daemon"`
	Observability ObservabilityConfig `json:"observability" yaml:"observability"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			PropertiesFile: "/etc/device.properties",
			VersionFile:    "/version.txt",
			ImageDwlPath:   "/opt/CDL",
			PersistentPath: "/opt/fwdnld",
			OptOutFile:     "/opt/maintenance_mgr_record.conf",
			OsReleaseFile:  "/etc/os-release",
		},
		Rfc: RfcConfig{
			StoreFile: "/opt/secure/RFC/rfc.properties",
		},
		Xconf: XconfConfig{
			CacheBodyFile:   "/opt/fwdnld/xconf_response.json",
			CacheStatusFile: "/opt/fwdnld/xconf_response.http",
		},
		Transport: TransportConfig{
			ConnectTimeout:   30 * time.Second,
			QueryTimeout:     2 * time.Minute,
			LowSpeedLimit:    100,
			LowSpeedWindow:   30 * time.Second,
			ProgressInterval: 5 * time.Second,
		},
		Download: DownloadConfig{
			DirectMaxAttempts: 3,
			DirectRetryDelay:  60 * time.Second,
			SignedMaxAttempts: 3,
			SignedRetryDelay:  10 * time.Second,
			PreferSignedFile:  "/tmp/.xconfssrdownloadurl",
			BlockSignedFile:   "/tmp/.lastcodebigfail",
			PreferSignedTTL:   24 * time.Hour,
			BlockSignedTTL:    30 * time.Minute,
			PeripheralsFile:   "/opt/fwdnld/peripheral_versions.csv",
		},
		IPC: IPCConfig{
			Mode:       "unix",
			SocketPath: "/tmp/pulsar.sock",
			TCPAddr:    "127.0.0.1:9207",
			VsockPort:  9207,
		},
		Daemon: DaemonConfig{
			HTTPAddr: "127.0.0.1:9208",
			PidFile:  "/var/run/pulsar.pid",
			LogLevel: "info",
		},
		Observability: ObservabilityConfig{
			Tracing: TracingConfig{
				Enabled:     false,
				Exporter:    "otlp-http",
				Endpoint:    "localhost:4318",
				ServiceName: "pulsar",
				SampleRate:  1.0,
			},
			Metrics: MetricsConfig{
				Enabled:   true,
				Namespace: "pulsar",
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "text",
			},
			Progress: ProgressConfig{
				File: "/opt/fwdnld/curl_progress",
			},
		},
	}
}

// LoadFromFile reads configuration from a JSON or YAML file (by extension)
// on top of the defaults.
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse json config: %w", err)
		}
	}
	return cfg, nil
}

// LoadFromEnv overrides config values from PULSAR_* environment variables.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("PULSAR_DEVICE_PROPERTIES"); v != "" {
		cfg.Device.PropertiesFile = v
	}
	if v := os.Getenv("PULSAR_VERSION_FILE"); v != "" {
		cfg.Device.VersionFile = v
	}
	if v := os.Getenv("PULSAR_IMAGE_DWL_PATH"); v != "" {
		cfg.Device.ImageDwlPath = v
	}
	if v := os.Getenv("PULSAR_RFC_STORE"); v != "" {
		cfg.Rfc.StoreFile = v
	}
	if v := os.Getenv("PULSAR_XCONF_HOST"); v != "" {
		cfg.Xconf.XconfHost = v
	}
	if v := os.Getenv("PULSAR_IPC_MODE"); v != "" {
		cfg.IPC.Mode = v
	}
	if v := os.Getenv("PULSAR_IPC_SOCKET"); v != "" {
		cfg.IPC.SocketPath = v
	}
	if v := os.Getenv("PULSAR_HTTP_ADDR"); v != "" {
		cfg.Daemon.HTTPAddr = v
	}
	if v := os.Getenv("PULSAR_PID_FILE"); v != "" {
		cfg.Daemon.PidFile = v
	}
	if v := os.Getenv("PULSAR_LOG_LEVEL"); v != "" {
		cfg.Daemon.LogLevel = v
	}
	if v := os.Getenv("PULSAR_VSOCK_PORT"); v != "" {
		if p, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.IPC.VsockPort = uint32(p)
		}
	}
	if v := os.Getenv("PULSAR_TRACING_ENABLED"); v != "" {
		cfg.Observability.Tracing.Enabled = envBool(v)
	}
	if v := os.Getenv("PULSAR_TRACING_ENDPOINT"); v != "" {
		cfg.Observability.Tracing.Endpoint = v
	}
	if v := os.Getenv("PULSAR_METRICS_ENABLED"); v != "" {
		cfg.Observability.Metrics.Enabled = envBool(v)
	}
	if v := os.Getenv("PULSAR_LOG_FORMAT"); v != "" {
		cfg.Observability.Logging.Format = v
	}
}

func envBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes"
}
