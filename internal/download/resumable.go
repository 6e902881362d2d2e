// Package download restarts interrupted transfers from the byte offset
// already on disk and validates the final size against the advertised
// Content-Length.
package download

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"

	"github.com/oriys/pulsar/internal/appmode"
	"github.com/oriys/pulsar/internal/logging"
	"github.com/oriys/pulsar/internal/pkg/fsutil"
	"github.com/oriys/pulsar/internal/transport"
)

// ErrForceExit means the throttle latch demanded a clean process exit while
// the transfer was torn down.
var ErrForceExit = errors.New("download: force-exit latched during transfer")

// ErrDiskSpace means the sink partition cannot hold the advertised length.
var ErrDiskSpace = errors.New("download: not enough free disk space")

// ErrSizeMismatch means the file never reached Content-Length even after a
// full-download retry.
var ErrSizeMismatch = errors.New("download: size mismatch after download")

// ErrHashMismatch means the finished file does not match the job's expected
// digest; the partial artifacts are discarded.
var ErrHashMismatch = errors.New("download: artifact hash mismatch")

// Downloader wraps the transport engine for file sinks.
type Downloader struct {
	engine  *transport.Engine
	active  *transport.Active
	latches *appmode.Latches
}

// New creates a downloader. latches may be nil in tests.
func New(engine *transport.Engine, active *transport.Active, latches *appmode.Latches) *Downloader {
	return &Downloader{engine: engine, active: active, latches: latches}
}

// Download drives one resumable transfer to the job's file sink:
//
//  1. parse Content-Length from the prior attempt's header sidecar;
//  2. short-circuit when the file already has that exact size;
//  3. otherwise resume with a Range request from the on-disk offset;
//  4. when the server rejects the range, restart from scratch;
//  5. after an HTTP success, validate the on-disk size.
func (d *Downloader) Download(ctx context.Context, job *transport.Job) (transport.Result, error) {
	if job.FilePath == "" {
		res := d.perform(ctx, job, false)
		return res, d.exitErr(res)
	}

	job.HeaderPath = HeaderPath(job.FilePath)
	contentLength := ParseContentLength(job.HeaderPath)

	if contentLength > 0 {
		switch size := fsutil.Size(job.FilePath); {
		case size == contentLength:
			logging.Op().Info("download already complete", "path", job.FilePath, "size", size)
			if err := d.checkHash(job); err != nil {
				return transport.Result{Status: transport.StatusWrite}, err
			}
			return transport.Result{Status: transport.StatusOK, HTTPStatus: http.StatusOK}, nil
		case size > 0 && size < contentLength:
			if err := checkSpace(job.FilePath, contentLength-size); err != nil {
				return transport.Result{Status: transport.StatusWrite}, err
			}
			return d.resume(ctx, job, size, contentLength)
		}
	}

	if contentLength > 0 {
		if err := checkSpace(job.FilePath, contentLength); err != nil {
			return transport.Result{Status: transport.StatusWrite}, err
		}
	}
	return d.full(ctx, job, true)
}

// resume issues a ranged GET from offset and falls back to a full download
// when the server cannot serve the range.
func (d *Downloader) resume(ctx context.Context, job *transport.Job, offset, contentLength int64) (transport.Result, error) {
	job.RangeFrom = offset
	logging.Op().Info("resuming download", "path", job.FilePath, "offset", offset, "total", contentLength)

	res := d.perform(ctx, job, true)
	if err := d.exitErr(res); err != nil {
		return res, err
	}

	rangeRejected := res.Status.RangeRejected() ||
		res.HTTPStatus == http.StatusRequestedRangeNotSatisfiable ||
		(res.Status == transport.StatusOK && res.HTTPStatus == http.StatusOK)
	if rangeRejected {
		logging.Op().Warn("server rejected range, restarting full download",
			"path", job.FilePath, "status", res.Status.String(), "http", res.HTTPStatus)
		d.discard(job)
		return d.full(ctx, job, false)
	}

	if res.Failed() {
		return res, nil
	}

	if size := fsutil.Size(job.FilePath); size != contentLength {
		logging.Op().Warn("resumed file has wrong size, restarting full download",
			"path", job.FilePath, "size", size, "expected", contentLength)
		d.discard(job)
		return d.full(ctx, job, false)
	}
	if err := d.checkHash(job); err != nil {
		return res, err
	}
	return res, nil
}

// full downloads from byte zero. retryOnShort re-runs once when the final
// size disagrees with the freshly advertised Content-Length.
func (d *Downloader) full(ctx context.Context, job *transport.Job, retryOnShort bool) (transport.Result, error) {
	job.RangeFrom = 0

	res := d.perform(ctx, job, true)
	if err := d.exitErr(res); err != nil {
		return res, err
	}
	if res.Failed() {
		return res, nil
	}

	contentLength := ParseContentLength(job.HeaderPath)
	if contentLength > 0 {
		if size := fsutil.Size(job.FilePath); size != contentLength {
			d.discard(job)
			if retryOnShort {
				logging.Op().Warn("full download short, retrying once",
					"path", job.FilePath, "size", size, "expected", contentLength)
				return d.full(ctx, job, false)
			}
			return res, ErrSizeMismatch
		}
	}
	if err := d.checkHash(job); err != nil {
		return res, err
	}
	return res, nil
}

// checkHash validates the finished file against the job's hash-param. A
// mismatched artifact is discarded so the next attempt starts clean.
func (d *Downloader) checkHash(job *transport.Job) error {
	if job.HashParam == "" {
		return nil
	}
	sum, err := fsutil.HashFile(job.FilePath)
	if err != nil {
		return err
	}
	if !strings.EqualFold(sum, job.HashParam) {
		logging.Op().Error("downloaded artifact failed hash validation",
			"path", job.FilePath, "got", sum, "want", job.HashParam)
		d.discard(job)
		return ErrHashMismatch
	}
	return nil
}

func (d *Downloader) perform(ctx context.Context, job *transport.Job, track bool) transport.Result {
	h := d.engine.NewHandle(job)
	if track && d.active != nil {
		d.active.Set(h)
		defer d.active.Clear(h)
	}
	return h.Perform(ctx)
}

// exitErr translates an aborted/failed write under a latched force-exit into
// the clean-termination sentinel.
func (d *Downloader) exitErr(res transport.Result) error {
	if d.latches == nil || !d.latches.ForceExit() {
		return nil
	}
	if res.Status == transport.StatusAborted || res.Status == transport.StatusWrite {
		return ErrForceExit
	}
	return nil
}

func (d *Downloader) discard(job *transport.Job) {
	if err := os.Remove(job.FilePath); err != nil && !os.IsNotExist(err) {
		logging.Op().Warn("remove partial file failed", "path", job.FilePath, "error", err)
	}
	if err := os.Remove(job.HeaderPath); err != nil && !os.IsNotExist(err) {
		logging.Op().Warn("remove header sidecar failed", "path", job.HeaderPath, "error", err)
	}
}
