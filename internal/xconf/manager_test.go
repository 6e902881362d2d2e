package xconf

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/oriys/pulsar/internal/config"
	"github.com/oriys/pulsar/internal/device"
	"github.com/oriys/pulsar/internal/eventbus"
	"github.com/oriys/pulsar/internal/fwstate"
	"github.com/oriys/pulsar/internal/rfc"
	"github.com/oriys/pulsar/internal/transport"
)

// fakeExecutor scripts transfer results and records calls.
type fakeExecutor struct {
	calls  int
	body   string
	result transport.Result
}

func (f *fakeExecutor) Execute(ctx context.Context, job *transport.Job) (transport.Result, error) {
	f.calls++
	if f.body != "" && job.Memory != nil {
		job.Memory.WriteString(f.body)
	}
	return f.result, nil
}

func testManager(t *testing.T, model string, exec Executor) (*Manager, *config.Config) {
	t.Helper()
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Device.PropertiesFile = filepath.Join(dir, "device.properties")
	os.WriteFile(cfg.Device.PropertiesFile,
		[]byte("MODEL_NUM="+model+"\nESTB_MAC=AA:BB:CC:00:11:22\nBUILD_TYPE=prod\n"), 0644)
	cfg.Device.VersionFile = filepath.Join(dir, "version.txt")
	os.WriteFile(cfg.Device.VersionFile, []byte("imagename:"+model+"_1.0\n"), 0644)
	cfg.Xconf.CacheBodyFile = filepath.Join(dir, "response.json")
	cfg.Xconf.CacheStatusFile = filepath.Join(dir, "response.http")
	cfg.Xconf.XconfHost = "xconf.example.com"

	facade := device.New(cfg, rfc.MapStore{}, nil)
	return NewManager(cfg.Xconf, facade, exec, fwstate.New(), eventbus.New(0)), cfg
}

const offerJSON = `{
	"firmwareFilename": "MyModel_2.0p3.bin",
	"firmwareLocation": "https://cdn.example.com/fw",
	"firmwareVersion": "MyModel_2.0p3",
	"firmwareDownloadProtocol": "http",
	"rebootImmediately": false,
	"delayDownload": 5
}`

func TestCheckForUpdate_CacheHit(t *testing.T) {
	exec := &fakeExecutor{}
	m, cfg := testManager(t, "MyModel", exec)

	if err := os.WriteFile(cfg.Xconf.CacheBodyFile, []byte(offerJSON), 0644); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	res := m.CheckForUpdate(context.Background())
	if res.Outcome != UpdateAvailable {
		t.Fatalf("outcome = %v (%s)", res.Outcome, res.Message)
	}
	if res.Spec.CloudFWVersion != "MyModel_2.0p3" {
		t.Fatalf("version = %q", res.Spec.CloudFWVersion)
	}
	if exec.calls != 0 {
		t.Fatalf("cache hit must not touch the network, got %d calls", exec.calls)
	}
}

func TestCheckForUpdate_WrongModel(t *testing.T) {
	m, cfg := testManager(t, "MyModel", &fakeExecutor{})

	cached := strings.ReplaceAll(offerJSON, "MyModel", "OtherModel")
	os.WriteFile(cfg.Xconf.CacheBodyFile, []byte(cached), 0644)

	res := m.CheckForUpdate(context.Background())
	if res.Outcome != UpdateNotAvailable {
		t.Fatalf("outcome = %v", res.Outcome)
	}
	if res.Message != WrongModelMessage {
		t.Fatalf("message = %q, want %q", res.Message, WrongModelMessage)
	}
}

func TestCheckForUpdate_FreshQueryPopulatesCache(t *testing.T) {
	exec := &fakeExecutor{
		body:   strings.ReplaceAll(offerJSON, "MyModel", "AX013AN"),
		result: transport.Result{Status: transport.StatusOK, HTTPStatus: 200},
	}
	m, cfg := testManager(t, "AX013AN", exec)

	res := m.CheckForUpdate(context.Background())
	if res.Outcome != UpdateAvailable {
		t.Fatalf("outcome = %v (%s)", res.Outcome, res.Message)
	}
	if exec.calls != 1 {
		t.Fatalf("expected one cloud query, got %d", exec.calls)
	}

	// The cache now serves the same spec without network activity.
	res2 := m.CheckForUpdate(context.Background())
	if res2.Outcome != UpdateAvailable || exec.calls != 1 {
		t.Fatalf("second check should be a cache hit (calls=%d)", exec.calls)
	}
	if res2.Spec.CloudFWVersion != res.Spec.CloudFWVersion {
		t.Fatalf("cached spec differs: %q vs %q", res2.Spec.CloudFWVersion, res.Spec.CloudFWVersion)
	}

	// Status file holds three ASCII digits plus newline.
	data, err := os.ReadFile(cfg.Xconf.CacheStatusFile)
	if err != nil {
		t.Fatalf("read status file: %v", err)
	}
	if string(data) != "200\n" {
		t.Fatalf("status file = %q", string(data))
	}
}

func TestCheckForUpdate_404(t *testing.T) {
	exec := &fakeExecutor{result: transport.Result{Status: transport.StatusOK, HTTPStatus: 404}}
	m, _ := testManager(t, "MyModel", exec)

	res := m.CheckForUpdate(context.Background())
	if res.Outcome != UpdateNotAvailable {
		t.Fatalf("outcome = %v", res.Outcome)
	}
}

func TestCheckForUpdate_NetworkError(t *testing.T) {
	exec := &fakeExecutor{result: transport.Result{Status: transport.StatusDNS}}
	m, _ := testManager(t, "MyModel", exec)

	res := m.CheckForUpdate(context.Background())
	if res.Outcome != UpdateError {
		t.Fatalf("outcome = %v", res.Outcome)
	}
}

func TestCheckForUpdate_EmptyVersionIsNoOffer(t *testing.T) {
	m, cfg := testManager(t, "MyModel", &fakeExecutor{})
	os.WriteFile(cfg.Xconf.CacheBodyFile, []byte(`{"firmwareFilename":"x","firmwareVersion":""}`), 0644)

	res := m.CheckForUpdate(context.Background())
	if res.Outcome != UpdateNotAvailable {
		t.Fatalf("outcome = %v", res.Outcome)
	}
}

func TestCache_UnparseableIsMiss(t *testing.T) {
	dir := t.TempDir()
	c := NewCache(filepath.Join(dir, "body"), filepath.Join(dir, "status"))

	os.WriteFile(filepath.Join(dir, "body"), []byte("{not json"), 0644)
	if _, err := c.Load(); err != ErrCacheMiss {
		t.Fatalf("expected cache miss, got %v", err)
	}
}

func TestCache_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	c := NewCache(filepath.Join(dir, "body"), filepath.Join(dir, "status"))

	if err := c.Store([]byte(offerJSON), 200); err != nil {
		t.Fatalf("store: %v", err)
	}
	spec, err := c.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	fresh, _ := Parse([]byte(offerJSON))
	if !reflect.DeepEqual(spec, fresh) {
		t.Fatalf("cached spec differs from fresh parse: %+v vs %+v", spec, fresh)
	}
	if c.Status() != 200 {
		t.Fatalf("status = %d", c.Status())
	}
}

func TestUpdateDetails_Format(t *testing.T) {
	spec, err := Parse([]byte(offerJSON))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	got := spec.UpdateDetails()
	want := "File:MyModel_2.0p3.bin|Location:https://cdn.example.com/fw|IPv6Location:N/A|" +
		"Version:MyModel_2.0p3|Protocol:HTTP|Reboot:false|Delay:5|PDRI:N/A|Peripherals:N/A|CertBundle:N/A"
	if got != want {
		t.Fatalf("update details:\n got %s\nwant %s", got, want)
	}
}

func TestUpdateDetails_Defaults(t *testing.T) {
	spec := &Spec{}
	got := spec.UpdateDetails()
	want := "File:N/A|Location:N/A|IPv6Location:N/A|Version:N/A|Protocol:HTTP|" +
		"Reboot:false|Delay:0|PDRI:N/A|Peripherals:N/A|CertBundle:N/A"
	if got != want {
		t.Fatalf("defaults:\n got %s\nwant %s", got, want)
	}
}

func TestDownloadURL(t *testing.T) {
	spec, _ := Parse([]byte(offerJSON))
	if url := spec.DownloadURL(); url != "https://cdn.example.com/fw/MyModel_2.0p3.bin" {
		t.Fatalf("url = %q", url)
	}
	if url := (&Spec{}).DownloadURL(); url != "" {
		t.Fatalf("empty spec url = %q", url)
	}
}
