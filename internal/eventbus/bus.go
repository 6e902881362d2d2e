package eventbus

import (
	"sync"
	"time"

	"github.com/oriys/pulsar/internal/logging"
)

// Event names emitted by the daemon. Receivers match on the literal name.
const (
	FWStateEvent  = "FW_STATE_EVENT"
	ImgDwlEvent   = "IMG_DWL_EVENT"
	RedStateEvent = "RED_STATE_EVENT"
	MaintEvent    = "MAINT_EVENT"
	AppModeEvent  = "APP_MODE_EVENT" // input: foreground/background from the resident app
)

// FW_STATE_EVENT values.
const (
	FWStateUninitialized    = "UNINITIALIZED"
	FWStateRequesting       = "REQUESTING"
	FWStateDownloading      = "DOWNLOADING"
	FWStateDownloadComplete = "DOWNLOAD_COMPLETE"
	FWStateFailed           = "FAILED"
	FWStateOnHoldForOptout  = "ONHOLD_FOR_OPTOUT"
)

// IMG_DWL_EVENT values.
const (
	ImgDwlUninitialized = "IMAGE_FWDNLD_UNINITIALIZED"
	ImgDwlInProgress    = "IMAGE_FWDNLD_IN_PROGRESS"
	ImgDwlComplete      = "IMAGE_FWDNLD_COMPLETE"
	ImgDwlFailed        = "IMAGE_FWDNLD_FAILED"
)

// RED_STATE_EVENT values.
const (
	RedRecoveryStarted    = "RED_RECOVERY_STARTED"
	RedRecoveryDownloaded = "RED_RECOVERY_DOWNLOADED"
	RedRecoveryCompleted  = "RED_RECOVERY_COMPLETED"
)

// Maintenance-manager event values.
const (
	MaintFwdownloadInProgress = "MAINT_FWDOWNLOAD_INPROGRESS"
	MaintFwdownloadComplete   = "MAINT_FWDOWNLOAD_COMPLETE"
	MaintFwdownloadError      = "MAINT_FWDOWNLOAD_ERROR"
	MaintFwdownloadAborted    = "MAINT_FWDOWNLOAD_ABORTED"
)

// Event is one broadcast on the bus.
type Event struct {
	Name  string
	Value string
	At    time.Time
}

// Handler receives delivered events. Handlers run on the delivery worker;
// they must not block for long.
type Handler func(Event)

// Bus is the in-process event broadcast bus. Publishers never block on
// subscribers: events are queued and fanned out by a single delivery worker.
type Bus struct {
	mu      sync.Mutex
	subs    map[string][]Handler
	queue   chan Event
	stopCh  chan struct{}
	started bool
	wg      sync.WaitGroup
}

// New creates a bus with the given queue depth (defaults to 64 when <= 0).
func New(depth int) *Bus {
	if depth <= 0 {
		depth = 64
	}
	return &Bus{
		subs:   make(map[string][]Handler),
		queue:  make(chan Event, depth),
		stopCh: make(chan struct{}),
	}
}

// Subscribe registers a handler for an event name.
func (b *Bus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	b.subs[name] = append(b.subs[name], h)
	b.mu.Unlock()
}

// Publish enqueues an event. When the queue is full the event is dropped
// with a warning rather than blocking the publisher.
func (b *Bus) Publish(name, value string) {
	ev := Event{Name: name, Value: value, At: time.Now()}
	select {
	case b.queue <- ev:
	default:
		logging.Op().Warn("event bus queue full, dropping event", "name", name, "value", value)
	}
}

// Start launches the delivery worker.
func (b *Bus) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return
	}
	b.started = true

	b.wg.Add(1)
	go b.worker()
	logging.Op().Info("event bus started")
}

// Stop drains nothing and stops the worker.
func (b *Bus) Stop() {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return
	}
	b.started = false
	close(b.stopCh)
	b.mu.Unlock()

	b.wg.Wait()
	logging.Op().Info("event bus stopped")
}

func (b *Bus) worker() {
	defer b.wg.Done()
	for {
		select {
		case <-b.stopCh:
			return
		case ev := <-b.queue:
			b.mu.Lock()
			handlers := append([]Handler(nil), b.subs[ev.Name]...)
			b.mu.Unlock()

			logging.Op().Debug("event", "name", ev.Name, "value", ev.Value)
			for _, h := range handlers {
				h(ev)
			}
		}
	}
}
