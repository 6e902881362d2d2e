package upgrade

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/oriys/pulsar/internal/appmode"
	"github.com/oriys/pulsar/internal/config"
	"github.com/oriys/pulsar/internal/device"
	"github.com/oriys/pulsar/internal/eventbus"
	"github.com/oriys/pulsar/internal/flash"
	"github.com/oriys/pulsar/internal/fwstate"
	"github.com/oriys/pulsar/internal/redstate"
	"github.com/oriys/pulsar/internal/rfc"
	"github.com/oriys/pulsar/internal/transport"
	"github.com/oriys/pulsar/internal/xconf"
)

// fakeExec pretends every transfer succeeds and records the jobs.
type fakeExec struct {
	jobs   []*transport.Job
	result transport.Result
	fail   bool
}

func (f *fakeExec) Execute(ctx context.Context, job *transport.Job) (transport.Result, error) {
	f.jobs = append(f.jobs, job)
	if f.fail {
		return transport.Result{Status: transport.StatusDNS}, nil
	}
	if job.FilePath != "" {
		os.WriteFile(job.FilePath, []byte("image-bytes"), 0644)
	}
	if f.result.HTTPStatus != 0 {
		return f.result, nil
	}
	return transport.Result{Status: transport.StatusOK, HTTPStatus: 200}, nil
}

type testRig struct {
	pipeline *Pipeline
	exec     *fakeExec
	flasher  *flash.RecorderFlasher
	state    *fwstate.Machine
	bus      *eventbus.Bus
	cfg      *config.Config
	fwEvents chan string
}

func newRig(t *testing.T, model, currentImage string) *testRig {
	t.Helper()
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Device.PropertiesFile = filepath.Join(dir, "device.properties")
	os.WriteFile(cfg.Device.PropertiesFile,
		[]byte("MODEL_NUM="+model+"\nESTB_MAC=AA:BB:CC:00:11:22\nBUILD_TYPE=prod\n"), 0644)
	cfg.Device.VersionFile = filepath.Join(dir, "version.txt")
	os.WriteFile(cfg.Device.VersionFile, []byte("imagename:"+currentImage+"\n"), 0644)
	cfg.Device.ImageDwlPath = filepath.Join(dir, "difw")
	os.MkdirAll(cfg.Device.ImageDwlPath, 0755)
	cfg.Device.OptOutFile = filepath.Join(dir, "optout.conf")
	cfg.Device.OsReleaseFile = filepath.Join(dir, "os-release")
	cfg.Download.PeripheralsFile = filepath.Join(dir, "peripherals.csv")
	cfg.Xconf.CacheBodyFile = filepath.Join(dir, "response.json")
	cfg.Xconf.CacheStatusFile = filepath.Join(dir, "response.http")

	bus := eventbus.New(0)
	bus.Start()
	t.Cleanup(bus.Stop)

	fwEvents := make(chan string, 16)
	bus.Subscribe(eventbus.FWStateEvent, func(ev eventbus.Event) { fwEvents <- ev.Value })

	red := redstate.New(bus)
	facade := device.New(cfg, rfc.MapStore{}, red)
	state := fwstate.New()
	exec := &fakeExec{}
	flasher := &flash.RecorderFlasher{}
	mgr := xconf.NewManager(cfg.Xconf, facade, exec, state, bus)

	p := New(cfg, facade, mgr, exec, flasher, state, bus, red, &appmode.Latches{})
	return &testRig{pipeline: p, exec: exec, flasher: flasher, state: state, bus: bus, cfg: cfg, fwEvents: fwEvents}
}

func offer(file, version string) *xconf.Spec {
	return &xconf.Spec{
		CloudFWFile:     file,
		CloudFWLocation: "https://cdn.example.com/fw",
		CloudFWVersion:  version,
	}
}

func TestCheckAndMaybeTrigger_WrongModel(t *testing.T) {
	rig := newRig(t, "MyModel", "MyModel_1.0")

	msg, err := rig.pipeline.CheckAndMaybeTrigger(context.Background(),
		offer("OtherModel_2.0.bin", "OtherModel_2.0"), TriggerApp, Options{})
	if err == nil {
		t.Fatal("wrong model must fail")
	}
	if msg != xconf.WrongModelMessage {
		t.Fatalf("message = %q", msg)
	}
	if len(rig.exec.jobs) != 0 {
		t.Fatal("no download may start for a wrong-model offer")
	}
}

func TestCheckAndMaybeTrigger_InProgressGuard(t *testing.T) {
	rig := newRig(t, "MyModel", "MyModel_1.0")
	rig.state.Set(fwstate.Init)

	_, err := rig.pipeline.CheckAndMaybeTrigger(context.Background(),
		offer("MyModel_2.0.bin", "MyModel_2.0"), TriggerApp, Options{})
	if !errors.Is(err, ErrInProgress) {
		t.Fatalf("err = %v, want ErrInProgress", err)
	}
}

func TestCheckAndMaybeTrigger_AlreadyCurrent(t *testing.T) {
	rig := newRig(t, "MyModel", "MyModel_2.0")

	msg, err := rig.pipeline.CheckAndMaybeTrigger(context.Background(),
		offer("MyModel_2.0.bin", "MyModel_2.0"), TriggerApp, Options{})
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if !strings.Contains(msg, "already") {
		t.Fatalf("message = %q", msg)
	}
	if len(rig.exec.jobs) != 0 {
		t.Fatal("no download warranted for the running version")
	}
}

func TestCheckAndMaybeTrigger_DownloadAndFlash(t *testing.T) {
	rig := newRig(t, "MyModel", "MyModel_1.0")

	_, err := rig.pipeline.CheckAndMaybeTrigger(context.Background(),
		offer("MyModel_2.0.bin", "MyModel_2.0"), TriggerApp, Options{})
	if err != nil {
		t.Fatalf("upgrade: %v", err)
	}

	if len(rig.exec.jobs) != 1 {
		t.Fatalf("downloads = %d, want 1", len(rig.exec.jobs))
	}
	wantSink := filepath.Join(rig.cfg.Device.ImageDwlPath, "MyModel_2.0.bin")
	if rig.exec.jobs[0].FilePath != wantSink {
		t.Fatalf("sink = %q, want %q", rig.exec.jobs[0].FilePath, wantSink)
	}
	if len(rig.flasher.Requests) != 1 || rig.flasher.Requests[0].ImagePath != wantSink {
		t.Fatalf("flash requests = %+v", rig.flasher.Requests)
	}
	if got := rig.state.Snapshot(); got != fwstate.FlashComplete {
		t.Fatalf("state = %s, want FLASH_COMPLETE", got)
	}
}

func TestCheckAndMaybeTrigger_DownloadOnlySkipsFlash(t *testing.T) {
	rig := newRig(t, "MyModel", "MyModel_1.0")

	_, err := rig.pipeline.CheckAndMaybeTrigger(context.Background(),
		offer("MyModel_2.0.bin", "MyModel_2.0"), TriggerApp, Options{DownloadOnly: true})
	if err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	if len(rig.flasher.Requests) != 0 {
		t.Fatalf("download-only must not flash, got %+v", rig.flasher.Requests)
	}
	if got := rig.state.Snapshot(); got != fwstate.Complete {
		t.Fatalf("state = %s, want COMPLETE", got)
	}
}

func TestCheckAndMaybeTrigger_PDRIFollowsPCI(t *testing.T) {
	rig := newRig(t, "MyModel", "MyModel_1.0")

	spec := offer("MyModel_2.0.bin", "MyModel_2.0")
	spec.CloudPDRIVersion = "MyModel_PDRI_2.0"

	_, err := rig.pipeline.CheckAndMaybeTrigger(context.Background(), spec, TriggerApp, Options{})
	if err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	if len(rig.exec.jobs) != 2 {
		t.Fatalf("downloads = %d, want PCI + PDRI", len(rig.exec.jobs))
	}
	if !strings.HasSuffix(rig.exec.jobs[1].FilePath, "MyModel_PDRI_2.0.bin") {
		t.Fatalf("pdri sink = %q, want .bin suffix enforced", rig.exec.jobs[1].FilePath)
	}
	if len(rig.flasher.Requests) != 2 || !rig.flasher.Requests[1].PDRI {
		t.Fatalf("flash requests = %+v", rig.flasher.Requests)
	}
}

func TestCheckAndMaybeTrigger_ImmediateRebootSkipsPDRI(t *testing.T) {
	rig := newRig(t, "MyModel", "MyModel_1.0")

	spec := offer("MyModel_2.0.bin", "MyModel_2.0")
	spec.CloudPDRIVersion = "MyModel_PDRI_2.0"
	spec.RebootImmediately = true

	_, err := rig.pipeline.CheckAndMaybeTrigger(context.Background(), spec, TriggerApp, Options{})
	if err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	if len(rig.exec.jobs) != 1 {
		t.Fatalf("downloads = %d, want PCI only", len(rig.exec.jobs))
	}
}

func TestCheckAndMaybeTrigger_OptOut(t *testing.T) {
	rig := newRig(t, "MyModel", "MyModel_1.0")

	// Maintenance mode with IGNORE_UPDATE and a non-critical trigger.
	os.WriteFile(rig.cfg.Device.PropertiesFile,
		[]byte("MODEL_NUM=MyModel\nESTB_MAC=AA:BB:CC:00:11:22\nBUILD_TYPE=prod\nMAINTENANCE_MODE=true\n"), 0644)
	os.WriteFile(rig.cfg.Device.OptOutFile, []byte("softwareoptout=IGNORE_UPDATE\n"), 0644)

	// Re-load identity with maintenance mode set.
	red := redstate.New(rig.bus)
	facade := device.New(rig.cfg, rfc.MapStore{}, red)
	mgr := xconf.NewManager(rig.cfg.Xconf, facade, rig.exec, rig.state, rig.bus)
	p := New(rig.cfg, facade, mgr, rig.exec, rig.flasher, rig.state, rig.bus, red, &appmode.Latches{})

	msg, err := p.CheckAndMaybeTrigger(context.Background(),
		offer("MyModel_2.0.bin", "MyModel_2.0"), TriggerScheduled, Options{})
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if !strings.Contains(msg, "opt-out") {
		t.Fatalf("message = %q", msg)
	}
	if len(rig.exec.jobs) != 0 {
		t.Fatal("opt-out must prevent the download")
	}

	// A critical update overrides IGNORE_UPDATE.
	_, err = p.CheckAndMaybeTrigger(context.Background(),
		offer("MyModel_2.0.bin", "MyModel_2.0"), TriggerScheduled, Options{Critical: true})
	if err != nil {
		t.Fatalf("critical upgrade: %v", err)
	}
	if len(rig.exec.jobs) == 0 {
		t.Fatal("critical upgrade must download")
	}
}

func TestPeripherals_DedupAndRecord(t *testing.T) {
	rig := newRig(t, "MyModel", "MyModel_1.0")

	// Non-embedded image marker.
	os.WriteFile(rig.cfg.Device.OsReleaseFile, []byte("ID=mane\n"), 0644)
	// One peripheral already recorded.
	os.WriteFile(rig.cfg.Download.PeripheralsFile, []byte("remote_xr11_2.0.tgz\n"), 0644)

	spec := offer("MyModel_2.0.bin", "MyModel_2.0")
	spec.PeripheralFirmwares = []string{
		"remote_xr11_2.0",  // already downloaded
		"remote_xr11_1.5",  // superseded by 2.0
		"camera_front_3.1", // new
	}

	rig.pipeline.downloadPeripherals(context.Background(), spec)

	if len(rig.exec.jobs) != 1 {
		t.Fatalf("peripheral downloads = %d, want 1", len(rig.exec.jobs))
	}
	if !strings.HasSuffix(rig.exec.jobs[0].FilePath, "camera_front_3.1.tgz") {
		t.Fatalf("downloaded %q", rig.exec.jobs[0].FilePath)
	}

	data, _ := os.ReadFile(rig.cfg.Download.PeripheralsFile)
	if !strings.Contains(string(data), "camera_front_3.1.tgz") {
		t.Fatalf("peripheral log missing new item:\n%s", data)
	}
	if !strings.Contains(string(data), "remote_xr11_2.0.tgz") {
		t.Fatal("peripheral log must stay append-only")
	}
}

func TestPeripherals_SkippedOnEmbeddedImage(t *testing.T) {
	rig := newRig(t, "MyModel", "MyModel_1.0")
	// No os-release file: embedded image.

	spec := offer("MyModel_2.0.bin", "MyModel_2.0")
	spec.PeripheralFirmwares = []string{"remote_xr11_2.0"}

	rig.pipeline.downloadPeripherals(context.Background(), spec)

	if len(rig.exec.jobs) != 0 {
		t.Fatal("embedded image must not download peripherals")
	}
}
