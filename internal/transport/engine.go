package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/oriys/pulsar/internal/config"
	"github.com/oriys/pulsar/internal/logging"
	"github.com/oriys/pulsar/internal/metrics"
	"golang.org/x/time/rate"
)

const copyChunk = 32 * 1024

// Engine performs HTTPS transfers. It is safe for concurrent use; each
// transfer runs through its own Handle.
type Engine struct {
	cfg config.TransportConfig
}

// NewEngine creates an engine with the given settings.
func NewEngine(cfg config.TransportConfig) *Engine {
	return &Engine{cfg: cfg}
}

// Handle is one in-flight transfer. Perform blocks the calling goroutine;
// Pause, Resume, Stop and BytesReceived may be called from any other
// goroutine while Perform runs.
type Handle struct {
	engine *Engine
	job    *Job
	id     string

	mu      sync.Mutex
	cond    *sync.Cond
	paused  bool
	stopped bool
	done    bool
	limiter *rate.Limiter
	cancel  context.CancelFunc

	bytes atomic.Int64
}

// NewHandle prepares a transfer for the given job.
func (e *Engine) NewHandle(job *Job) *Handle {
	h := &Handle{engine: e, job: job, id: uuid.NewString()[:8]}
	h.cond = sync.NewCond(&h.mu)
	if job.MaxSpeed > 0 {
		h.limiter = newLimiter(job.MaxSpeed)
	}
	if job.TraceTag != "" {
		h.id = job.TraceTag + "-" + h.id
	}
	return h
}

func newLimiter(bytesPerS int64) *rate.Limiter {
	burst := int(bytesPerS)
	if burst < 2*copyChunk {
		burst = 2 * copyChunk
	}
	return rate.NewLimiter(rate.Limit(bytesPerS), burst)
}

// ID identifies the transfer in progress traces.
func (h *Handle) ID() string { return h.id }

// BytesReceived is readable from any goroutine.
func (h *Handle) BytesReceived() int64 {
	return h.bytes.Load()
}

// Pause stops bytes from arriving. A no-op once the transfer finished.
func (h *Handle) Pause() {
	h.mu.Lock()
	if !h.done && !h.stopped {
		h.paused = true
	}
	h.mu.Unlock()
}

// Resume continues a paused transfer with a new speed limit (0 = unlimited).
// An error means the transfer can no longer be resumed; the caller must
// abort the job and close the handle.
func (h *Handle) Resume(newLimit int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done || h.stopped {
		return fmt.Errorf("transport: resume on closed handle %s", h.id)
	}
	if newLimit > 0 {
		h.limiter = newLimiter(newLimit)
	} else {
		h.limiter = nil
	}
	h.paused = false
	h.cond.Broadcast()
	return nil
}

// Stop aborts the transfer. It returns promptly even mid-transfer; no
// further progress callbacks fire after it.
func (h *Handle) Stop() {
	h.mu.Lock()
	h.stopped = true
	h.paused = false
	if h.cancel != nil {
		h.cancel()
	}
	h.cond.Broadcast()
	h.mu.Unlock()
}

// waitIfPaused parks until resumed or stopped. Returns false once stopped.
func (h *Handle) waitIfPaused() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for h.paused && !h.stopped {
		h.cond.Wait()
	}
	return !h.stopped
}

func (h *Handle) currentLimiter() *rate.Limiter {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.limiter
}

// Perform opens one connection and drives the transfer to completion,
// honoring pause/resume, the speed limit and abort.
func (h *Handle) Perform(ctx context.Context) Result {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return Result{Status: StatusAborted}
	}
	var cancel context.CancelFunc
	if h.job.FilePath == "" && h.engine.cfg.QueryTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, h.engine.cfg.QueryTimeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	h.cancel = cancel
	h.mu.Unlock()
	defer cancel()
	defer func() {
		h.mu.Lock()
		h.done = true
		h.mu.Unlock()
	}()

	client, err := h.engine.newClient(h.job)
	if err != nil {
		return Result{Status: StatusTLSCertProblem}
	}
	defer client.CloseIdleConnections()

	req, status := h.buildRequest(ctx)
	if status != StatusOK {
		return Result{Status: status}
	}

	resp, err := client.Do(req)
	if err != nil {
		st := h.mapError(err)
		h.sample(0, false, true, st.String())
		return Result{Status: st}
	}
	defer resp.Body.Close()

	if h.job.HeaderPath != "" {
		if err := writeHeaderFile(h.job.HeaderPath, resp); err != nil {
			logging.Op().Warn("header sidecar write failed", "path", h.job.HeaderPath, "error", err)
		}
	}

	if resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
		return Result{Status: StatusOK, HTTPStatus: resp.StatusCode}
	}

	sink, status := h.openSink()
	if status != StatusOK {
		return Result{Status: status, HTTPStatus: resp.StatusCode}
	}

	st := h.copyBody(ctx, sink, resp)
	if c, ok := sink.(io.Closer); ok {
		if cerr := c.Close(); cerr != nil && st == StatusOK {
			st = StatusWrite
		}
	}

	n := h.bytes.Load()
	metrics.DownloadedBytes(n)

	errText := ""
	if st != StatusOK {
		errText = st.String()
	}
	h.sample(resp.ContentLength, false, true, errText)

	return Result{Status: st, HTTPStatus: resp.StatusCode, Bytes: n}
}

func (h *Handle) buildRequest(ctx context.Context) (*http.Request, Status) {
	method := http.MethodGet
	var body io.Reader
	if len(h.job.PostBody) > 0 {
		method = http.MethodPost
		body = strings.NewReader(string(h.job.PostBody))
	}

	req, err := http.NewRequestWithContext(ctx, method, h.job.URL, body)
	if err != nil {
		return nil, StatusURLMalformed
	}
	if len(h.job.PostBody) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, hdr := range h.job.Headers {
		if name, value, ok := strings.Cut(hdr, ":"); ok {
			req.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
		}
	}
	if h.job.RangeFrom > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", h.job.RangeFrom))
	}
	return req, StatusOK
}

func (h *Handle) openSink() (io.Writer, Status) {
	if h.job.FilePath != "" {
		flags := os.O_CREATE | os.O_WRONLY
		if h.job.RangeFrom > 0 {
			flags |= os.O_APPEND
		} else {
			flags |= os.O_TRUNC
		}
		f, err := os.OpenFile(h.job.FilePath, flags, 0644)
		if err != nil {
			return nil, StatusWrite
		}
		return f, StatusOK
	}
	if h.job.Memory != nil {
		return h.job.Memory, StatusOK
	}
	return io.Discard, StatusOK
}

func (h *Handle) copyBody(ctx context.Context, sink io.Writer, resp *http.Response) Status {
	buf := make([]byte, copyChunk)

	interval := h.engine.cfg.ProgressInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	lastSample := time.Now()

	window := h.engine.cfg.LowSpeedWindow
	lowLimit := h.engine.cfg.LowSpeedLimit
	windowStart := time.Now()
	var windowBytes int64

	for {
		if !h.waitIfPaused() {
			return StatusAborted
		}

		n, err := resp.Body.Read(buf)
		if n > 0 {
			if lim := h.currentLimiter(); lim != nil {
				if werr := lim.WaitN(ctx, n); werr != nil {
					return h.mapError(werr)
				}
			}
			if _, werr := sink.Write(buf[:n]); werr != nil {
				return StatusWrite
			}
			h.bytes.Add(int64(n))
			windowBytes += int64(n)
		}

		now := time.Now()
		if now.Sub(lastSample) >= interval {
			h.sample(resp.ContentLength, false, false, "")
			lastSample = now
		}
		if lowLimit > 0 && window > 0 && h.currentLimiter() == nil {
			if elapsed := now.Sub(windowStart); elapsed >= window {
				if windowBytes < lowLimit*int64(elapsed/time.Second) {
					return StatusLowBandwidth
				}
				windowStart = now
				windowBytes = 0
			}
		}

		if err == io.EOF {
			return StatusOK
		}
		if err != nil {
			return h.mapError(err)
		}
	}
}

func (h *Handle) sample(total int64, paused, done bool, errText string) {
	h.mu.Lock()
	stopped := h.stopped
	isPaused := h.paused
	h.mu.Unlock()
	if stopped {
		return
	}

	bytes := h.bytes.Load()
	var rateBps int64
	if lim := h.currentLimiter(); lim != nil {
		rateBps = int64(lim.Limit())
	}
	logging.Progress().Log(&logging.ProgressSample{
		TransferID: h.id,
		URL:        h.job.URL,
		Bytes:      bytes,
		Total:      total,
		BytesPerS:  rateBps,
		Paused:     paused || isPaused,
		Done:       done,
		Error:      errText,
	})
}

func (h *Handle) mapError(err error) Status {
	h.mu.Lock()
	stopped := h.stopped
	h.mu.Unlock()
	if stopped || errors.Is(err, context.Canceled) {
		return StatusAborted
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return StatusTimeout
	}
	if errors.Is(err, errCertRevoked) {
		return StatusTLSPeerCert
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return StatusDNS
	}

	var certInvalid x509.CertificateInvalidError
	if errors.As(err, &certInvalid) {
		if certInvalid.Reason == x509.Expired {
			return StatusTLSPeerCert
		}
		return StatusTLSCertProblem
	}
	var unknownAuth x509.UnknownAuthorityError
	if errors.As(err, &unknownAuth) {
		return StatusTLSCertProblem
	}
	var hostnameErr x509.HostnameError
	if errors.As(err, &hostnameErr) {
		return StatusTLSCertProblem
	}
	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return StatusTLSHandshake
	}
	if strings.Contains(err.Error(), "handshake") {
		return StatusTLSHandshake
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return StatusTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Op == "dial" {
			return StatusConnect
		}
		return StatusRecv
	}
	if strings.Contains(err.Error(), "connection refused") {
		return StatusConnect
	}
	return StatusRecv
}

// newClient builds an HTTP client for one job, wiring mTLS credentials and
// the CA bundle when configured.
func (e *Engine) newClient(job *Job) (*http.Client, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if e.cfg.CABundle != "" {
		pem, err := os.ReadFile(e.cfg.CABundle)
		if err != nil {
			return nil, fmt.Errorf("read ca bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("transport: no certificates in ca bundle")
		}
		tlsCfg.RootCAs = pool
	}

	if job.TLS != nil {
		cert, err := tls.LoadX509KeyPair(job.TLS.CertFile, job.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client credentials: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	if job.VerifyRevocation || e.cfg.VerifyRevocation {
		if e.cfg.CRLFile == "" {
			logging.Op().Warn("revocation check requested but no crl bundle configured")
		} else {
			revoked, err := loadRevokedSerials(e.cfg.CRLFile)
			if err != nil {
				return nil, fmt.Errorf("load crl bundle: %w", err)
			}
			tlsCfg.VerifyPeerCertificate = revocationVerifier(revoked)
		}
	}

	connectTimeout := e.cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 30 * time.Second
	}

	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: connectTimeout,
			}).DialContext,
			TLSClientConfig:       tlsCfg,
			TLSHandshakeTimeout:   connectTimeout,
			ResponseHeaderTimeout: connectTimeout,
			DisableKeepAlives:     true,
		},
	}, nil
}

// writeHeaderFile dumps the response status line and headers, one per line.
func writeHeaderFile(path string, resp *http.Response) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\r\n", resp.Proto, resp.Status)
	if err := resp.Header.Write(&b); err != nil {
		return err
	}
	b.WriteString("\r\n")
	return os.WriteFile(path, []byte(b.String()), 0644)
}
