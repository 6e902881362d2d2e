package xconf

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/oriys/pulsar/internal/logging"
	"github.com/oriys/pulsar/internal/pkg/fsutil"
)

// Cache persists the last cloud response as two files: the raw JSON body and
// the HTTP status (three-digit ASCII plus newline). The daemon never expires
// it; operators delete it out-of-band.
type Cache struct {
	bodyPath   string
	statusPath string
}

// NewCache creates the cache over the configured file pair.
func NewCache(bodyPath, statusPath string) *Cache {
	return &Cache{bodyPath: bodyPath, statusPath: statusPath}
}

// Load returns the cached spec. Any unreadable or unparseable content is a
// cache miss, never an error surfaced to clients.
func (c *Cache) Load() (*Spec, error) {
	raw, err := os.ReadFile(c.bodyPath)
	if err != nil || len(raw) == 0 {
		return nil, ErrCacheMiss
	}
	spec, err := Parse(raw)
	if err != nil {
		logging.Op().Warn("cached response unparseable, treating as miss", "path", c.bodyPath, "error", err)
		return nil, ErrCacheMiss
	}
	return spec, nil
}

// Store writes the raw body and HTTP status atomically.
func (c *Cache) Store(raw []byte, httpStatus int) error {
	if err := fsutil.AtomicWrite(c.bodyPath, raw, 0644); err != nil {
		return fmt.Errorf("write response cache: %w", err)
	}
	status := fmt.Sprintf("%03d\n", httpStatus)
	if err := fsutil.AtomicWrite(c.statusPath, []byte(status), 0644); err != nil {
		return fmt.Errorf("write status cache: %w", err)
	}
	return nil
}

// Status returns the cached HTTP status, or 0 when absent/unparseable.
func (c *Cache) Status() int {
	data, err := os.ReadFile(c.statusPath)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return n
}
