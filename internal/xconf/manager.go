package xconf

import (
	"bytes"
	"context"
	"errors"

	"github.com/oriys/pulsar/internal/config"
	"github.com/oriys/pulsar/internal/device"
	"github.com/oriys/pulsar/internal/eventbus"
	"github.com/oriys/pulsar/internal/fwstate"
	"github.com/oriys/pulsar/internal/logging"
	"github.com/oriys/pulsar/internal/metrics"
	"github.com/oriys/pulsar/internal/observability"
	"github.com/oriys/pulsar/internal/transport"
)

// Outcome classifies a cloud-query result for the IPC surface.
type Outcome int

const (
	UpdateAvailable Outcome = iota
	UpdateNotAvailable
	UpdateError
)

func (o Outcome) String() string {
	switch o {
	case UpdateAvailable:
		return "UPDATE_AVAILABLE"
	case UpdateNotAvailable:
		return "UPDATE_NOT_AVAILABLE"
	default:
		return "UPDATE_ERROR"
	}
}

// CheckResult is what a check-for-update cycle produced.
type CheckResult struct {
	Outcome Outcome
	Spec    *Spec
	Message string
}

// Executor runs a prepared transfer through retry/fallback. Satisfied by
// fallback.Orchestrator.
type Executor interface {
	Execute(ctx context.Context, job *transport.Job) (transport.Result, error)
}

// Manager answers "is a newer firmware image available" with cache-first
// semantics.
type Manager struct {
	facade *device.Facade
	exec   Executor
	cache  *Cache
	state  *fwstate.Machine
	bus    *eventbus.Bus
}

// NewManager wires the cloud-query manager.
func NewManager(cfg config.XconfConfig, facade *device.Facade, exec Executor, state *fwstate.Machine, bus *eventbus.Bus) *Manager {
	return &Manager{
		facade: facade,
		exec:   exec,
		cache:  NewCache(cfg.CacheBodyFile, cfg.CacheStatusFile),
		state:  state,
		bus:    bus,
	}
}

// Cache exposes the response cache (used by CacheResponse and tests).
func (m *Manager) Cache() *Cache { return m.cache }

// CacheResponse persists a raw cloud response for later cache hits.
func (m *Manager) CacheResponse(raw []byte, httpStatus int) error {
	return m.cache.Store(raw, httpStatus)
}

// CheckForUpdate returns the current firmware offer. The cache is consulted
// first; a fresh query runs only on a miss.
func (m *Manager) CheckForUpdate(ctx context.Context) *CheckResult {
	ctx, span := observability.StartSpan(ctx, "xconf.check_for_update")
	defer span.End()

	if spec, err := m.cache.Load(); err == nil {
		logging.Op().Info("serving firmware offer from response cache")
		metrics.CloudQuery("cache_hit")
		return m.validate(spec)
	}

	m.setState(fwstate.XconfInit)
	m.setState(fwstate.XconfInProgress)
	m.bus.Publish(eventbus.FWStateEvent, eventbus.FWStateRequesting)

	result := m.query(ctx)
	if result.Outcome == UpdateError {
		m.setState(fwstate.XconfFailed)
	} else {
		m.setState(fwstate.XconfComplete)
	}
	metrics.CloudQuery(result.Outcome.String())
	return result
}

func (m *Manager) query(ctx context.Context) *CheckResult {
	url := m.facade.GetServerURL()
	if url == "" {
		return &CheckResult{Outcome: UpdateError, Message: "no cloud server url resolvable"}
	}

	body, err := m.facade.BuildQueryBody()
	if err != nil {
		if errors.Is(err, device.ErrConfigMissing) {
			return &CheckResult{Outcome: UpdateError, Message: err.Error()}
		}
		return &CheckResult{Outcome: UpdateError, Message: "query body: " + err.Error()}
	}

	var buf bytes.Buffer
	job := &transport.Job{
		URL:      url,
		Memory:   &buf,
		PostBody: body,
		Headers:  []string{"Accept: application/json"},
		TraceTag: "xconf",
	}

	res, err := m.exec.Execute(ctx, job)
	if err != nil {
		return &CheckResult{Outcome: UpdateError, Message: "network error: " + err.Error()}
	}

	switch {
	case res.Status == transport.StatusBlocked:
		return &CheckResult{Outcome: UpdateError, Message: "all transports blocked"}
	case res.HTTPStatus == 404:
		return &CheckResult{Outcome: UpdateNotAvailable, Message: "no update offered"}
	case res.Failed():
		logging.Op().Error("cloud query failed",
			"status", res.Status.String(), "http", res.HTTPStatus)
		return &CheckResult{Outcome: UpdateError, Message: "network error"}
	case buf.Len() == 0:
		return &CheckResult{Outcome: UpdateError, Message: "empty cloud response"}
	}

	raw := buf.Bytes()
	spec, err := Parse(raw)
	if err != nil {
		return &CheckResult{Outcome: UpdateError, Message: err.Error()}
	}

	checked := m.validate(spec)
	if checked.Outcome == UpdateAvailable {
		if err := m.cache.Store(raw, res.HTTPStatus); err != nil {
			logging.Op().Warn("response cache write failed", "error", err)
		}
	}
	return checked
}

// validate applies the offer invariants: an empty version is no offer, and
// the device model must appear in the offered file name.
func (m *Manager) validate(spec *Spec) *CheckResult {
	if !spec.Offered() {
		return &CheckResult{Outcome: UpdateNotAvailable, Spec: spec, Message: "no update offered"}
	}
	model := m.facade.GetDeviceInfo().Model
	if !spec.ForModel(model) {
		logging.Op().Warn("offer rejected: wrong model", "file", spec.CloudFWFile, "model", model)
		return &CheckResult{Outcome: UpdateNotAvailable, Spec: spec, Message: WrongModelMessage}
	}
	return &CheckResult{Outcome: UpdateAvailable, Spec: spec}
}

func (m *Manager) setState(s fwstate.State) {
	if err := m.state.Set(s); err != nil {
		logging.Op().Debug("state transition rejected", "error", err)
	}
}
