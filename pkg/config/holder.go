package config

import (
	"sync/atomic"

	"github.com/apphost/reposync/pkg/engine"
)

// Holder publishes the current configuration. Readers always see a complete
// Config; a reload swaps the whole value.
type Holder struct {
	current atomic.Pointer[loaded]
}

type loaded struct {
	cfg      *Config
	snapshot engine.Snapshot
}

// NewHolder creates a holder publishing cfg.
func NewHolder(cfg *Config) *Holder {
	h := &Holder{}
	h.Store(cfg)
	return h
}

// Load returns the current configuration.
func (h *Holder) Load() *Config {
	return h.current.Load().cfg
}

// Store publishes cfg.
func (h *Holder) Store(cfg *Config) {
	h.current.Store(&loaded{cfg: cfg, snapshot: cfg.Snapshot()})
}

// Snapshot implements engine.SnapshotSource.
func (h *Holder) Snapshot() engine.Snapshot {
	return h.current.Load().snapshot
}
