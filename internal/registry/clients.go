// Package registry tracks the IPC clients allowed to talk to the daemon.
package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/oriys/pulsar/internal/logging"
	"github.com/oriys/pulsar/internal/metrics"
)

// ErrProcessMismatch means the caller identity and process name disagree
// with an existing registration.
var ErrProcessMismatch = errors.New("registry: caller/process pair conflicts with an existing registration")

// Client is one registered IPC peer.
type Client struct {
	HandlerID    uint64
	ProcessName  string
	LibVersion   string
	CallerID     string // per-connection unique caller identity
	RegisteredAt time.Time
}

// Registry owns the client set. Handler ids are monotonic and never reused.
type Registry struct {
	mu        sync.Mutex
	nextID    uint64
	byHandler map[uint64]*Client
	byCaller  map[string]*Client
	byProcess map[string]*Client
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		byHandler: map[uint64]*Client{},
		byCaller:  map[string]*Client{},
		byProcess: map[string]*Client{},
	}
}

// Register admits a client. Re-registering the same (callerID, processName)
// pair returns the existing handler id; a pair that matches an existing
// registration on only one side is rejected.
func (r *Registry) Register(processName, libVersion, callerID string) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byCaller := r.byCaller[callerID]
	byProcess := r.byProcess[processName]

	if byCaller != nil && byCaller.ProcessName == processName {
		return byCaller.HandlerID, nil
	}
	if byCaller != nil || byProcess != nil {
		return 0, ErrProcessMismatch
	}

	r.nextID++
	c := &Client{
		HandlerID:    r.nextID,
		ProcessName:  processName,
		LibVersion:   libVersion,
		CallerID:     callerID,
		RegisteredAt: time.Now(),
	}
	r.byHandler[c.HandlerID] = c
	r.byCaller[callerID] = c
	r.byProcess[processName] = c

	logging.Op().Info("client registered",
		"handler", c.HandlerID, "process", processName, "lib", libVersion)
	metrics.SetRegisteredClients(len(r.byHandler))
	return c.HandlerID, nil
}

// Unregister removes a client. The second call for the same id returns
// false.
func (r *Registry) Unregister(handlerID uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.byHandler[handlerID]
	if !ok {
		return false
	}
	r.remove(c)
	logging.Op().Info("client unregistered", "handler", handlerID, "process", c.ProcessName)
	return true
}

// Contains reports whether the handler id is registered.
func (r *Registry) Contains(handlerID uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byHandler[handlerID]
	return ok
}

// Lookup resolves a caller identity to its client, if registered.
func (r *Registry) Lookup(callerID string) (*Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byCaller[callerID]
	return c, ok
}

// DropCaller removes whatever registration the disconnected caller held.
func (r *Registry) DropCaller(callerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.byCaller[callerID]; ok {
		r.remove(c)
		logging.Op().Info("client dropped on disconnect", "handler", c.HandlerID, "process", c.ProcessName)
	}
}

// Count returns the number of registered clients.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byHandler)
}

func (r *Registry) remove(c *Client) {
	delete(r.byHandler, c.HandlerID)
	delete(r.byCaller, c.CallerID)
	delete(r.byProcess, c.ProcessName)
	metrics.SetRegisteredClients(len(r.byHandler))
}
