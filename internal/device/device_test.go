package device

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/oriys/pulsar/internal/config"
	"github.com/oriys/pulsar/internal/rfc"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func testConfig(t *testing.T, buildType string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Device.PropertiesFile = writeFile(t, dir, "device.properties",
		"MODEL_NUM=AX013AN\n"+
			"MFG_NAME=Arris\n"+
			"SERIAL_NUMBER=S0123456789\n"+
			"ESTB_MAC=AA:BB:CC:DD:EE:FF\n"+
			"BUILD_TYPE="+buildType+"\n"+
			"PARTNER_ID=global\n"+
			"TIMEZONE=US/Eastern\n")
	cfg.Device.VersionFile = writeFile(t, dir, "version.txt",
		"imagename:AX013AN_4.1p5s1_PROD_sey\nBUILD_TIME=2025-11-02\n")
	cfg.Xconf.OverrideFile = filepath.Join(dir, "swupdate.conf")
	return cfg
}

func TestFacade_Identity(t *testing.T) {
	cfg := testConfig(t, "prod")
	f := New(cfg, rfc.MapStore{}, nil)

	info := f.GetDeviceInfo()
	if info.Model != "AX013AN" {
		t.Fatalf("model = %q", info.Model)
	}
	if info.BuildType != BuildProd {
		t.Fatalf("build type = %q", info.BuildType)
	}
	if got := f.GetImage().CurrentImageName; got != "AX013AN_4.1p5s1_PROD_sey" {
		t.Fatalf("image = %q", got)
	}
}

func TestBuildQueryBody_Fields(t *testing.T) {
	cfg := testConfig(t, "prod")
	f := New(cfg, rfc.MapStore{rfc.KeyIncrementalCDL: "true"}, nil)

	raw, err := f.BuildQueryBody()
	if err != nil {
		t.Fatalf("build query body: %v", err)
	}

	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}

	for _, field := range []string{
		"eStbMac", "firmwareVersion", "env", "model", "timezone",
		"capabilities", "experience", "accountID", "partnerId", "osClass",
		"serialNumber", "migrationReady", "rcdl", "additionalFwVerInfo",
	} {
		if _, ok := body[field]; !ok {
			t.Fatalf("query body missing field %q", field)
		}
	}

	if body["eStbMac"] != "AA:BB:CC:DD:EE:FF" {
		t.Fatalf("eStbMac = %v", body["eStbMac"])
	}
	if body["model"] != "AX013AN" {
		t.Fatalf("model = %v", body["model"])
	}
	if body["env"] != "PROD" {
		t.Fatalf("env = %v", body["env"])
	}
	if body["rcdl"] != "true" {
		t.Fatalf("rcdl = %v", body["rcdl"])
	}
}

func TestBuildQueryBody_ConfigMissing(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Device.PropertiesFile = filepath.Join(t.TempDir(), "absent.properties")
	cfg.Device.VersionFile = filepath.Join(t.TempDir(), "absent-version.txt")
	f := New(cfg, rfc.MapStore{}, nil)

	if _, err := f.BuildQueryBody(); !errors.Is(err, ErrConfigMissing) {
		t.Fatalf("expected ErrConfigMissing, got %v", err)
	}
}

func TestGetServerURL_OverrideWinsOnNonProd(t *testing.T) {
	cfg := testConfig(t, "vbn")
	writeFile(t, filepath.Dir(cfg.Xconf.OverrideFile), "swupdate.conf", "https://test.example.net/update\n")
	f := New(cfg, rfc.MapStore{}, nil)

	if url := f.GetServerURL(); url != "https://test.example.net/update" {
		t.Fatalf("url = %q", url)
	}
}

func TestGetServerURL_OverrideIgnoredOnProd(t *testing.T) {
	cfg := testConfig(t, "prod")
	writeFile(t, filepath.Dir(cfg.Xconf.OverrideFile), "swupdate.conf", "https://test.example.net/update\n")
	cfg.Xconf.XconfHost = "xconf.example.com"
	f := New(cfg, rfc.MapStore{}, nil)

	if url := f.GetServerURL(); url != "https://xconf.example.com/xconf/swu/stb/" {
		t.Fatalf("url = %q", url)
	}
}

func TestGetServerURL_BootstrapBeatsHost(t *testing.T) {
	cfg := testConfig(t, "prod")
	cfg.Xconf.XconfHost = "xconf.example.com"
	store := rfc.MapStore{rfc.KeyBootstrapURL: "https://bootstrap.example.com/"}
	f := New(cfg, store, nil)

	if url := f.GetServerURL(); url != "https://bootstrap.example.com/xconf/swu/stb" {
		t.Fatalf("url = %q", url)
	}
}

func TestGetServerURL_AutoExcludeNonProdOnly(t *testing.T) {
	store := rfc.MapStore{
		rfc.KeyAutoExcluded:   "true",
		rfc.KeyAutoExcludeURL: "https://exclude.example.com/swu",
	}

	cfg := testConfig(t, "qa")
	f := New(cfg, store, nil)
	if url := f.GetServerURL(); url != "https://exclude.example.com/swu" {
		t.Fatalf("qa url = %q", url)
	}

	cfg = testConfig(t, "prod")
	cfg.Xconf.XconfHost = "xconf.example.com"
	f = New(cfg, store, nil)
	if url := f.GetServerURL(); url != "https://xconf.example.com/xconf/swu/stb/" {
		t.Fatalf("prod url = %q", url)
	}
}

func TestGetServerURL_Exhaustion(t *testing.T) {
	cfg := testConfig(t, "prod")
	f := New(cfg, rfc.MapStore{}, nil)

	if url := f.GetServerURL(); url != "" {
		t.Fatalf("expected empty url on exhaustion, got %q", url)
	}
}

func TestGetRfc_Snapshot(t *testing.T) {
	cfg := testConfig(t, "prod")
	store := rfc.MapStore{
		rfc.KeyThrottleEnable: "true",
		rfc.KeyThrottleTop:    "128000",
		rfc.KeyMTLS:           "true",
	}
	f := New(cfg, store, nil)

	settings := f.GetRfc()
	if !settings.ThrottleEnabled || settings.TopSpeed != 128000 || !settings.MTLS {
		t.Fatalf("settings = %+v", settings)
	}
	if settings.DebugServices || settings.AutoExcluded {
		t.Fatalf("unset flags should be false: %+v", settings)
	}
}
