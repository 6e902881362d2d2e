// Package upgrade composes cloud query, trigger checks, resumable download
// and flashing into the PCI/PDRI/peripheral upgrade pipeline.
package upgrade

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/oriys/pulsar/internal/appmode"
	"github.com/oriys/pulsar/internal/config"
	"github.com/oriys/pulsar/internal/device"
	"github.com/oriys/pulsar/internal/download"
	"github.com/oriys/pulsar/internal/eventbus"
	"github.com/oriys/pulsar/internal/flash"
	"github.com/oriys/pulsar/internal/fwstate"
	"github.com/oriys/pulsar/internal/ipc"
	"github.com/oriys/pulsar/internal/logging"
	"github.com/oriys/pulsar/internal/metrics"
	"github.com/oriys/pulsar/internal/observability"
	"github.com/oriys/pulsar/internal/redstate"
	"github.com/oriys/pulsar/internal/transport"
	"github.com/oriys/pulsar/internal/xconf"
)

// Trigger types classifying the upgrade origin.
const (
	TriggerBootup    = 1
	TriggerScheduled = 2
	TriggerRemote    = 3
	TriggerApp       = 4
	TriggerDelayed   = 5
	TriggerStateRed  = 6
)

// ErrInProgress means another upgrade cycle holds the state machine.
var ErrInProgress = errors.New("upgrade: another upgrade is in progress")

// Executor runs one prepared transfer through retry/fallback.
type Executor interface {
	Execute(ctx context.Context, job *transport.Job) (transport.Result, error)
}

// Pipeline is the upgrade composition root.
type Pipeline struct {
	cfg     *config.Config
	facade  *device.Facade
	mgr     *xconf.Manager
	exec    Executor
	flasher flash.Flasher
	state   *fwstate.Machine
	bus     *eventbus.Bus
	red     *redstate.Flag
	latches *appmode.Latches
}

// New wires the pipeline.
func New(cfg *config.Config, facade *device.Facade, mgr *xconf.Manager, exec Executor,
	flasher flash.Flasher, state *fwstate.Machine, bus *eventbus.Bus,
	red *redstate.Flag, latches *appmode.Latches) *Pipeline {
	return &Pipeline{
		cfg:     cfg,
		facade:  facade,
		mgr:     mgr,
		exec:    exec,
		flasher: flasher,
		state:   state,
		bus:     bus,
		red:     red,
		latches: latches,
	}
}

// CheckForUpdate answers "is a newer image available".
func (p *Pipeline) CheckForUpdate(ctx context.Context) *xconf.CheckResult {
	return p.mgr.CheckForUpdate(ctx)
}

// DownloadFirmware downloads the offered image without flashing it.
func (p *Pipeline) DownloadFirmware(ctx context.Context, imageName string) (*ipc.DownloadReply, *ipc.ErrorReply) {
	res := p.mgr.CheckForUpdate(ctx)
	switch res.Outcome {
	case xconf.UpdateNotAvailable:
		return nil, &ipc.ErrorReply{Code: ipc.CodeUpdateNotAvailable, Message: res.Message}
	case xconf.UpdateError:
		return nil, &ipc.ErrorReply{Code: ipc.CodeUpdateError, Message: res.Message}
	}
	spec := res.Spec
	if imageName != "" && imageName != spec.CloudFWFile {
		logging.Op().Warn("requested image differs from cloud offer, downloading offer",
			"requested", imageName, "offered", spec.CloudFWFile)
	}

	msg, err := p.CheckAndMaybeTrigger(ctx, spec, TriggerApp, Options{DownloadOnly: true})
	if err != nil {
		if errors.Is(err, ErrInProgress) {
			return nil, &ipc.ErrorReply{Code: ipc.CodeUpdateError, Message: err.Error()}
		}
		return nil, &ipc.ErrorReply{Code: ipc.CodeUpdateError, Message: msg}
	}
	return &ipc.DownloadReply{
		DownloadedVersion: spec.CloudFWVersion,
		DownloadPath:      filepath.Join(p.cfg.Device.ImageDwlPath, spec.CloudFWFile),
	}, nil
}

// UpdateFirmware downloads and flashes the offered image.
func (p *Pipeline) UpdateFirmware(ctx context.Context, req *ipc.UpdateRequest) *ipc.UpdateReply {
	res := p.mgr.CheckForUpdate(ctx)
	if res.Outcome != xconf.UpdateAvailable {
		return &ipc.UpdateReply{Success: false, Message: res.Message}
	}

	trigger := req.TriggerType
	if trigger == 0 {
		trigger = TriggerApp
	}
	msg, err := p.CheckAndMaybeTrigger(ctx, res.Spec, trigger, Options{
		DownloadOnly: req.DownloadOnly,
		Critical:     req.Critical,
	})
	if err != nil {
		return &ipc.UpdateReply{Success: false, Message: msg}
	}
	return &ipc.UpdateReply{Success: true, Message: msg}
}

// Options modulate one upgrade cycle.
type Options struct {
	// DownloadOnly disables flashing of both the PCI and PDRI images.
	DownloadOnly bool
	// Critical overrides an IGNORE_UPDATE opt-out.
	Critical bool
}

// CheckAndMaybeTrigger runs the full §PCI→PDRI→peripheral cycle for an
// already-validated offer. The returned message is client-facing.
func (p *Pipeline) CheckAndMaybeTrigger(ctx context.Context, spec *xconf.Spec, trigger int, opts Options) (string, error) {
	ctx, span := observability.StartSpan(ctx, "upgrade.cycle",
		observability.AttrUpgrade.String("PCI"))
	defer span.End()

	if p.state.Busy() {
		return ErrInProgress.Error(), ErrInProgress
	}

	model := p.facade.GetDeviceInfo().Model
	if !spec.ForModel(model) {
		p.bus.Publish(eventbus.FWStateEvent, eventbus.FWStateFailed)
		return xconf.WrongModelMessage, errors.New("upgrade: wrong model")
	}

	if !p.upgradeWarranted(spec, trigger) {
		return "device already runs the offered image", nil
	}

	if p.facade.GetDeviceInfo().MaintenanceMode {
		switch readOptOut(p.cfg.Device.OptOutFile) {
		case OptOutIgnore:
			if !opts.Critical {
				return "upgrade ignored per opt-out", nil
			}
		case OptOutEnforce:
			if trigger != TriggerApp {
				p.bus.Publish(eventbus.FWStateEvent, eventbus.FWStateOnHoldForOptout)
				return "upgrade on hold for opt-out", nil
			}
		}
	}

	if msg, err := p.upgradePCI(ctx, spec, opts); err != nil {
		return msg, err
	}

	if !spec.RebootImmediately && spec.CloudPDRIVersion != "" {
		if msg, err := p.upgradePDRI(ctx, spec, opts); err != nil {
			return msg, err
		}
	}

	p.downloadPeripherals(ctx, spec)

	return "firmware upgrade completed", nil
}

// upgradeWarranted computes whether the offer actually moves the device
// forward for this trigger type.
func (p *Pipeline) upgradeWarranted(spec *xconf.Spec, trigger int) bool {
	current := p.facade.GetImage().CurrentImageName
	if current == "" {
		return true
	}
	if spec.CloudFWVersion == current {
		return false
	}
	if strings.TrimSuffix(spec.CloudFWFile, filepath.Ext(spec.CloudFWFile)) == current {
		// Same image under its file name; a delayed trigger still re-runs
		// the cycle to pick up a previously interrupted flash.
		return trigger == TriggerDelayed || trigger == TriggerStateRed
	}
	return true
}

// upgradePCI downloads and (unless download-only) flashes the primary image.
func (p *Pipeline) upgradePCI(ctx context.Context, spec *xconf.Spec, opts Options) (string, error) {
	url := spec.DownloadURL()
	if url == "" {
		return "offer carries no download location", errors.New("upgrade: no download url")
	}
	sink := filepath.Join(p.cfg.Device.ImageDwlPath, spec.CloudFWFile)

	p.setState(fwstate.Init)
	p.setState(fwstate.InProgress)
	p.bus.Publish(eventbus.FWStateEvent, eventbus.FWStateDownloading)
	p.bus.Publish(eventbus.ImgDwlEvent, eventbus.ImgDwlInProgress)
	p.bus.Publish(eventbus.MaintEvent, eventbus.MaintFwdownloadInProgress)

	start := time.Now()
	res, err := p.exec.Execute(ctx, &transport.Job{
		URL:              url,
		FilePath:         sink,
		HashParam:        spec.CloudFWHash,
		VerifyRevocation: p.cfg.Transport.VerifyRevocation,
		TraceTag:         "pci",
	})
	if err != nil {
		p.failDownload()
		if errors.Is(err, download.ErrForceExit) {
			return "download stopped by throttle policy", err
		}
		return "download failed: " + err.Error(), err
	}
	if res.Status == transport.StatusBlocked {
		p.failDownload()
		return "all transports blocked", errors.New("upgrade: transports blocked")
	}
	if res.Failed() {
		p.failDownload()
		metrics.Download("PCI", "", "failed")
		return fmt.Sprintf("download failed: %s (http %d)", res.Status, res.HTTPStatus), errors.New("upgrade: download failed")
	}

	metrics.Download("PCI", "", "ok")
	metrics.ObserveTransfer("PCI", time.Since(start))
	p.setState(fwstate.Complete)
	p.bus.Publish(eventbus.FWStateEvent, eventbus.FWStateDownloadComplete)
	p.bus.Publish(eventbus.ImgDwlEvent, eventbus.ImgDwlComplete)
	p.bus.Publish(eventbus.MaintEvent, eventbus.MaintFwdownloadComplete)
	if p.red.Active() {
		p.red.Downloaded()
	}

	if opts.DownloadOnly {
		return "image downloaded", nil
	}
	return p.flashImage(ctx, flash.Request{
		ImagePath: sink,
		ImageName: spec.CloudFWFile,
		Reboot:    spec.RebootImmediately,
	})
}

// upgradePDRI downloads and flashes the platform-data image offered next to
// the PCI one.
func (p *Pipeline) upgradePDRI(ctx context.Context, spec *xconf.Spec, opts Options) (string, error) {
	file := spec.CloudPDRIVersion
	if !strings.HasSuffix(file, ".bin") {
		file += ".bin"
	}
	url := strings.TrimSuffix(spec.CloudFWLocation, "/") + "/" + file
	sink := filepath.Join(p.cfg.Device.ImageDwlPath, file)

	logging.Op().Info("pdri image offered", "file", file)
	res, err := p.exec.Execute(ctx, &transport.Job{
		URL:              url,
		FilePath:         sink,
		VerifyRevocation: p.cfg.Transport.VerifyRevocation,
		TraceTag:         "pdri",
	})
	if err != nil {
		return "pdri download failed", err
	}
	if res.Failed() {
		metrics.Download("PDRI", "", "failed")
		// A missing PDRI artifact does not fail the completed PCI upgrade.
		logging.Op().Warn("pdri download failed",
			"status", res.Status.String(), "http", res.HTTPStatus)
		return "firmware upgrade completed (pdri unavailable)", nil
	}
	metrics.Download("PDRI", "", "ok")

	if opts.DownloadOnly {
		return "images downloaded", nil
	}
	return p.flashImage(ctx, flash.Request{
		ImagePath: sink,
		ImageName: file,
		PDRI:      true,
	})
}

func (p *Pipeline) flashImage(ctx context.Context, req flash.Request) (string, error) {
	p.setState(fwstate.FlashInProgress)
	if err := p.flasher.Flash(ctx, req); err != nil {
		p.setState(fwstate.FlashFailed)
		p.bus.Publish(eventbus.FWStateEvent, eventbus.FWStateFailed)
		metrics.Flash("failed")
		return "flash failed: " + err.Error(), err
	}
	p.setState(fwstate.FlashComplete)
	metrics.Flash("ok")
	if p.red.Active() && !req.PDRI {
		p.red.Complete()
	}
	return "image flashed", nil
}

func (p *Pipeline) failDownload() {
	p.setState(fwstate.Failed)
	p.bus.Publish(eventbus.FWStateEvent, eventbus.FWStateFailed)
	p.bus.Publish(eventbus.ImgDwlEvent, eventbus.ImgDwlFailed)
	p.bus.Publish(eventbus.MaintEvent, eventbus.MaintFwdownloadError)
}

func (p *Pipeline) setState(s fwstate.State) {
	if err := p.state.Set(s); err != nil {
		logging.Op().Warn("state transition rejected", "error", err)
	}
}
