package fallback

import (
	"time"

	"github.com/oriys/pulsar/internal/logging"
	"github.com/oriys/pulsar/internal/pkg/fsutil"
)

// Markers are the sticky transport-preference files. Their mere presence
// governs transport choice; mtime governs expiry.
type Markers struct {
	preferPath string // written after a SIGNED success; prefers SIGNED (blocks DIRECT)
	blockPath  string // written after a SIGNED failure; blocks SIGNED
	preferTTL  time.Duration
	blockTTL   time.Duration
}

// NewMarkers creates the marker set.
func NewMarkers(preferPath, blockPath string, preferTTL, blockTTL time.Duration) *Markers {
	return &Markers{
		preferPath: preferPath,
		blockPath:  blockPath,
		preferTTL:  preferTTL,
		blockTTL:   blockTTL,
	}
}

// PreferSigned reports whether a fresh prefer-SIGNED marker exists.
func (m *Markers) PreferSigned() bool {
	return m.fresh(m.preferPath, m.preferTTL)
}

// SignedBlocked reports whether a fresh block-SIGNED marker exists.
func (m *Markers) SignedBlocked() bool {
	return m.fresh(m.blockPath, m.blockTTL)
}

// MarkSignedSuccess records a completed SIGNED transfer.
func (m *Markers) MarkSignedSuccess() {
	if err := fsutil.Touch(m.preferPath); err != nil {
		logging.Op().Warn("write prefer-signed marker failed", "path", m.preferPath, "error", err)
	}
}

// MarkSignedFailure records an exhausted SIGNED attempt cycle.
func (m *Markers) MarkSignedFailure() {
	if err := fsutil.Touch(m.blockPath); err != nil {
		logging.Op().Warn("write block-signed marker failed", "path", m.blockPath, "error", err)
	}
}

func (m *Markers) fresh(path string, ttl time.Duration) bool {
	if path == "" {
		return false
	}
	age, err := fsutil.Age(path)
	if err != nil {
		return false
	}
	return age < ttl
}
