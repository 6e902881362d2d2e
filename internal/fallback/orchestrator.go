// Package fallback drives transfer attempts through the retry table and
// swaps between the direct (mTLS) and signed (codebig) transports.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/oriys/pulsar/internal/certs"
	"github.com/oriys/pulsar/internal/config"
	"github.com/oriys/pulsar/internal/logging"
	"github.com/oriys/pulsar/internal/metrics"
	"github.com/oriys/pulsar/internal/observability"
	"github.com/oriys/pulsar/internal/redstate"
	"github.com/oriys/pulsar/internal/signing"
	"github.com/oriys/pulsar/internal/transport"
)

// httpCertRejected is the non-standard status the cloud returns when the
// client certificate is not in the server allowlist.
const httpCertRejected = 495

// Kind selects the transport path.
type Kind int

const (
	Direct Kind = iota // mTLS with device client certificate
	Signed             // URL and auth header from the signing helper
)

func (k Kind) String() string {
	if k == Signed {
		return "SIGNED"
	}
	return "DIRECT"
}

func (k Kind) other() Kind {
	if k == Direct {
		return Signed
	}
	return Direct
}

// Policy is one row of the retry table.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration
}

// Performer runs a single prepared transfer attempt. The resumable
// downloader satisfies it for file sinks; tests substitute fakes.
type Performer interface {
	Download(ctx context.Context, job *transport.Job) (transport.Result, error)
}

// Orchestrator owns the retry table and the transport choice.
type Orchestrator struct {
	performer Performer
	signer    signing.Signer
	certSel   certs.Selector
	red       *redstate.Flag
	markers   *Markers
	policies  map[Kind]Policy

	// sleep is swapped out by tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds the orchestrator with the retry table from config.
func New(cfg config.DownloadConfig, performer Performer, signer signing.Signer, certSel certs.Selector, red *redstate.Flag) *Orchestrator {
	return &Orchestrator{
		performer: performer,
		signer:    signer,
		certSel:   certSel,
		red:       red,
		markers: NewMarkers(cfg.PreferSignedFile, cfg.BlockSignedFile,
			cfg.PreferSignedTTL, cfg.BlockSignedTTL),
		policies: map[Kind]Policy{
			Direct: {MaxAttempts: cfg.DirectMaxAttempts, Delay: cfg.DirectRetryDelay},
			Signed: {MaxAttempts: cfg.SignedMaxAttempts, Delay: cfg.SignedRetryDelay},
		},
		sleep: sleepCtx,
	}
}

// Markers exposes the sticky marker set (the pipeline consults it for
// observability output).
func (o *Orchestrator) Markers() *Markers { return o.markers }

// Execute runs the job to completion across retries and transport fallback.
// With both transports blocked it returns DWNL_BLOCK without network I/O.
func (o *Orchestrator) Execute(ctx context.Context, job *transport.Job) (transport.Result, error) {
	start := Direct
	if o.markers.PreferSigned() {
		start = Signed
	}
	if o.blocked(start) {
		start = start.other()
		if o.blocked(start) {
			logging.Op().Warn("both transports blocked", "url", job.URL)
			return transport.Result{Status: transport.StatusBlocked}, nil
		}
	}

	res, terminal, err := o.run(ctx, start, job)
	if err != nil || terminal || !res.Failed() {
		return res, err
	}

	if o.shouldFallback(start, res) {
		next := start.other()
		// A prefer-SIGNED marker steers the initial choice only; DIRECT is
		// always available as the fallback target when SIGNED is broken.
		if next == Signed && o.blocked(next) {
			return res, nil
		}
		metrics.Fallback(start.String(), next.String())
		logging.Op().Warn("switching transport", "from", start.String(), "to", next.String(),
			"status", res.Status.String(), "http", res.HTTPStatus)
		res, _, err = o.run(ctx, next, job)
	}
	return res, err
}

// run drives one transport kind through its retry policy. terminal means no
// fallback may follow (404, 495, abort).
func (o *Orchestrator) run(ctx context.Context, kind Kind, job *transport.Job) (res transport.Result, terminal bool, err error) {
	policy := o.policies[kind]
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		attemptJob, status := o.prepare(kind, job)
		if status != transport.StatusOK {
			res = transport.Result{Status: status}
			if status == transport.StatusSigningFailed {
				// Do not retry within SIGNED on a signing failure.
				o.markers.MarkSignedFailure()
				return res, false, nil
			}
			return res, false, nil
		}

		res, err = o.attempt(ctx, kind, attempt, attemptJob)
		job.RangeFrom = attemptJob.RangeFrom
		if err != nil {
			return res, true, err
		}

		switch {
		case res.HTTPStatus == http.StatusNotFound:
			logging.Op().Info("cloud offered nothing (404)", "url", attemptJob.URL)
			return res, true, nil
		case res.HTTPStatus == httpCertRejected:
			o.red.Enter("client certificate rejected (495)")
			return res, true, nil
		case res.Status == transport.StatusAborted:
			return res, true, nil
		case !res.Failed():
			if kind == Signed {
				o.markers.MarkSignedSuccess()
			}
			return res, false, nil
		}

		logging.Op().Warn("transfer attempt failed",
			"transport", kind.String(), "attempt", attempt,
			"status", res.Status.String(), "http", res.HTTPStatus)
		metrics.Retry(kind.String())

		if attempt < policy.MaxAttempts {
			if serr := o.sleep(ctx, policy.Delay); serr != nil {
				return res, true, serr
			}
		}
	}

	if kind == Signed {
		o.markers.MarkSignedFailure()
	}
	return res, false, nil
}

// attempt runs one prepared transfer under its own span.
func (o *Orchestrator) attempt(ctx context.Context, kind Kind, attempt int, job *transport.Job) (transport.Result, error) {
	ctx, span := observability.StartSpan(ctx, "transfer.attempt",
		observability.AttrTransport.String(kind.String()),
		observability.AttrAttempt.Int(attempt),
		observability.AttrURL.String(job.URL))
	defer span.End()

	res, err := o.performer.Download(ctx, job)
	span.SetAttributes(observability.AttrHTTPCode.Int(res.HTTPStatus))
	switch {
	case err != nil:
		observability.SetSpanError(span, err)
	case res.Failed():
		observability.SetSpanError(span, fmt.Errorf("transfer failed: %s (http %d)", res.Status, res.HTTPStatus))
	default:
		observability.SetSpanOK(span)
	}
	return res, err
}

// prepare builds the per-attempt job for the transport kind.
func (o *Orchestrator) prepare(kind Kind, job *transport.Job) (*transport.Job, transport.Status) {
	attempt := *job

	switch kind {
	case Direct:
		if o.certSel != nil {
			creds, err := o.certSel.Select(context.Background())
			if err == nil && creds != nil {
				attempt.TLS = creds
			} else if err != nil && !errors.Is(err, certs.ErrNoCredentials) {
				logging.Op().Warn("certificate selection failed", "error", err)
			}
		}
	case Signed:
		attempt.TLS = nil
		if o.signer == nil {
			return nil, transport.StatusSigningFailed
		}
		signed, err := o.signer.Sign(context.Background(), job.URL)
		if err != nil {
			logging.Op().Error("codebig signing failed", "error", err)
			return nil, transport.StatusSigningFailed
		}
		attempt.URL = signed.URL
		if signed.AuthHeader != "" {
			attempt.Headers = append(append([]string(nil), job.Headers...),
				"Authorization: "+signed.AuthHeader)
		}
	}
	attempt.TraceTag = kind.String()
	return &attempt, transport.StatusOK
}

// shouldFallback decides whether the other transport gets a turn after this
// kind exhausted its policy.
func (o *Orchestrator) shouldFallback(kind Kind, res transport.Result) bool {
	if kind == Signed && res.Status == transport.StatusSigningFailed {
		return true
	}
	if kind != Signed && (res.Status.Connectivity() || res.HTTPStatus == 0) {
		return true
	}
	return false
}

func (o *Orchestrator) blocked(kind Kind) bool {
	switch kind {
	case Direct:
		return o.markers.PreferSigned()
	case Signed:
		return o.markers.SignedBlocked()
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
