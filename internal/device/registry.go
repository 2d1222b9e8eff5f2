// Package device tracks which devices have reported telemetry at least once.
//
// The registry runs in one of three modes. Memory keeps an in-process set
// and forgets everything on restart. MySQL delegates every lookup to the
// store. Hybrid fronts the store with an in-process cache: lookups that hit
// the cache skip the database, misses that the database confirms are cached,
// and registrations write through.
package device

import (
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Mode selects the registry backend.
type Mode int

const (
	ModeMemory Mode = iota
	ModeMySQL
	ModeHybrid
)

func (m Mode) String() string {
	switch m {
	case ModeMySQL:
		return "mysql"
	case ModeHybrid:
		return "hybrid"
	default:
		return "memory"
	}
}

// Store is the persistence surface the registry needs in mysql and hybrid
// modes. *store.MySQL satisfies it.
type Store interface {
	EnsureDeviceRegistered(deviceID string) error
	DeviceExists(deviceID string) (bool, error)
	CountDevices() (int64, error)
}

// Registry answers "has this device reported before" and records first
// contact. Safe for concurrent use.
type Registry struct {
	mode  Mode
	store Store

	mu    sync.RWMutex
	cache map[string]struct{}

	group singleflight.Group
}

// New builds a registry. store may be nil in memory mode; in the other modes
// a nil store degrades to memory-only behavior with an error logged per call.
func New(mode Mode, store Store) *Registry {
	return &Registry{
		mode:  mode,
		store: store,
		cache: make(map[string]struct{}),
	}
}

// Exists reports whether the device has been registered.
func (r *Registry) Exists(deviceID string) bool {
	switch r.mode {
	case ModeMemory:
		return r.cached(deviceID)

	case ModeMySQL:
		if r.store == nil {
			slog.Error("device store not configured", "mode", r.mode)
			return false
		}
		exists, err := r.store.DeviceExists(deviceID)
		if err != nil {
			slog.Error("device lookup failed", "device_id", deviceID, "err", err)
			return false
		}
		return exists

	case ModeHybrid:
		if r.cached(deviceID) {
			return true
		}
		if r.store == nil {
			slog.Error("device store not configured", "mode", r.mode)
			return false
		}
		exists, err := r.store.DeviceExists(deviceID)
		if err != nil {
			slog.Error("device lookup failed", "device_id", deviceID, "err", err)
			return false
		}
		if exists {
			r.remember(deviceID)
		}
		return exists
	}
	return false
}

// EnsureRegistered records the device. Concurrent registrations of the same
// device collapse into a single store round-trip.
func (r *Registry) EnsureRegistered(deviceID string) {
	switch r.mode {
	case ModeMemory:
		r.remember(deviceID)

	case ModeMySQL:
		if r.store == nil {
			slog.Error("device store not configured", "mode", r.mode)
			return
		}
		r.register(deviceID)

	case ModeHybrid:
		if r.cached(deviceID) {
			return
		}
		r.remember(deviceID)
		if r.store == nil {
			slog.Error("device store not configured", "mode", r.mode)
			return
		}
		// A failed write leaves the cache entry out so the next report
		// retries instead of trusting a registration that never landed.
		if err := r.register(deviceID); err != nil {
			r.forget(deviceID)
		}
	}
}

// Count reports how many devices are registered. In mysql and hybrid modes
// the database is authoritative; the cache size stands in when the query
// fails.
func (r *Registry) Count() int64 {
	if r.mode != ModeMemory && r.store != nil {
		n, err := r.store.CountDevices()
		if err == nil {
			return n
		}
		slog.Error("device count failed", "err", err)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int64(len(r.cache))
}

// ClearCache drops the in-process set. In hybrid mode subsequent lookups
// fall through to the store again.
func (r *Registry) ClearCache() {
	r.mu.Lock()
	r.cache = make(map[string]struct{})
	r.mu.Unlock()
}

func (r *Registry) register(deviceID string) error {
	_, err, _ := r.group.Do(deviceID, func() (any, error) {
		return nil, r.store.EnsureDeviceRegistered(deviceID)
	})
	return err
}

func (r *Registry) cached(deviceID string) bool {
	r.mu.RLock()
	_, ok := r.cache[deviceID]
	r.mu.RUnlock()
	return ok
}

func (r *Registry) remember(deviceID string) {
	r.mu.Lock()
	r.cache[deviceID] = struct{}{}
	r.mu.Unlock()
}

func (r *Registry) forget(deviceID string) {
	r.mu.Lock()
	delete(r.cache, deviceID)
	r.mu.Unlock()
}
