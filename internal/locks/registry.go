package locks

import (
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/maxxentropy/claudeops/pkg/domain"
)

var (
	// ErrConflict is returned when a lock cannot be acquired because of
	// other holders.
	ErrConflict = errors.New("lock conflict")
	// ErrTimeout is returned when a blocking acquisition exceeds its
	// deadline.
	ErrTimeout = errors.New("lock timeout")
)

// Registry is the single source of truth for in-process resource locks,
// keyed by canonicalized resource path. All mutation happens under one
// registry-wide mutex; lock operations are O(active locks per resource).
//
// A Registry is constructed explicitly and passed by reference into the
// coordinator, executor and orchestrator.
type Registry struct {
	mu         sync.Mutex
	locks      map[string][]*domain.ResourceLock
	phaseLocks map[string]map[string]struct{}
}

// NewRegistry creates an empty lock registry.
func NewRegistry() *Registry {
	return &Registry{
		locks:      make(map[string][]*domain.ResourceLock),
		phaseLocks: make(map[string]map[string]struct{}),
	}
}

// CanonicalPath normalizes a resource path so equivalent spellings map
// to the same lock entry.
func CanonicalPath(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}

// CanAcquire reports whether a lock of the given kind could be acquired
// on the resource right now. Rules: multiple shared locks may coexist;
// an exclusive lock requires zero other active locks; a phase that
// already holds a lock may re-acquire or upgrade unless upgrading to
// exclusive while other phases also hold locks.
func (r *Registry) CanAcquire(path, phaseID string, kind domain.LockKind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.canAcquireLocked(CanonicalPath(path), phaseID, kind)
}

func (r *Registry) canAcquireLocked(canonical, phaseID string, kind domain.LockKind) bool {
	active := r.activeLocksLocked(canonical)
	if len(active) == 0 {
		return true
	}

	holdsAlready := false
	for _, l := range active {
		if l.OwnerPhase == phaseID {
			holdsAlready = true
			break
		}
	}
	if holdsAlready {
		// Re-acquisition and upgrades succeed unless upgrading to
		// exclusive while other phases also hold locks.
		if kind == domain.LockExclusive && len(active) > 1 {
			return false
		}
		return true
	}

	if kind == domain.LockExclusive {
		return false
	}
	for _, l := range active {
		if l.Kind != domain.LockShared {
			return false
		}
	}
	return true
}

// Acquire attempts to register a lock, returning it on success. A zero
// ttl means the lock never expires.
func (r *Registry) Acquire(path, phaseID string, kind domain.LockKind, ttl time.Duration) (*domain.ResourceLock, bool) {
	canonical := CanonicalPath(path)

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.canAcquireLocked(canonical, phaseID, kind) {
		return nil, false
	}

	// Drop any existing lock by the same phase so upgrades replace
	// rather than stack.
	r.removePhaseLockLocked(canonical, phaseID)

	lock := &domain.ResourceLock{
		ResourcePath: canonical,
		OwnerPhase:   phaseID,
		Kind:         kind,
		AcquiredAt:   time.Now(),
	}
	if ttl > 0 {
		expires := lock.AcquiredAt.Add(ttl)
		lock.ExpiresAt = &expires
	}

	r.locks[canonical] = append(r.locks[canonical], lock)
	if r.phaseLocks[phaseID] == nil {
		r.phaseLocks[phaseID] = make(map[string]struct{})
	}
	r.phaseLocks[phaseID][canonical] = struct{}{}

	return lock, true
}

// Release removes the lock held by a phase on a resource.
func (r *Registry) Release(path, phaseID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removePhaseLockLocked(CanonicalPath(path), phaseID)
}

// ReleaseAllPhaseLocks removes every lock held by a phase.
func (r *Registry) ReleaseAllPhaseLocks(phaseID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for canonical := range r.phaseLocks[phaseID] {
		r.removePhaseLockLocked(canonical, phaseID)
	}
}

// ActiveLocks returns the active locks on a resource, or every active
// lock when path is empty.
func (r *Registry) ActiveLocks(path string) []*domain.ResourceLock {
	r.mu.Lock()
	defer r.mu.Unlock()

	if path != "" {
		active := r.activeLocksLocked(CanonicalPath(path))
		out := make([]*domain.ResourceLock, len(active))
		copy(out, active)
		return out
	}

	var out []*domain.ResourceLock
	for canonical := range r.locks {
		out = append(out, r.activeLocksLocked(canonical)...)
	}
	return out
}

// PhaseLocks returns all active locks held by a phase.
func (r *Registry) PhaseLocks(phaseID string) []*domain.ResourceLock {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*domain.ResourceLock
	for canonical := range r.phaseLocks[phaseID] {
		for _, l := range r.activeLocksLocked(canonical) {
			if l.OwnerPhase == phaseID {
				out = append(out, l)
			}
		}
	}
	return out
}

// DetectConflicts returns the locks that prevent the given acquisition.
// For shared requests only exclusive holders conflict; locks held by the
// requesting phase itself never conflict.
func (r *Registry) DetectConflicts(path, phaseID string, kind domain.LockKind) []*domain.ResourceLock {
	canonical := CanonicalPath(path)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.canAcquireLocked(canonical, phaseID, kind) {
		return nil
	}

	var conflicts []*domain.ResourceLock
	for _, l := range r.activeLocksLocked(canonical) {
		if l.OwnerPhase == phaseID {
			continue
		}
		if kind == domain.LockShared && l.Kind != domain.LockExclusive {
			continue
		}
		conflicts = append(conflicts, l)
	}
	return conflicts
}

// CleanupExpiredLocks purges locks past their expiry. Invoked before any
// statistics query.
func (r *Registry) CleanupExpiredLocks() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	for canonical, locks := range r.locks {
		kept := locks[:0]
		for _, l := range locks {
			if !l.IsExpired(now) {
				kept = append(kept, l)
			}
		}
		if len(kept) == 0 {
			delete(r.locks, canonical)
		} else {
			r.locks[canonical] = kept
		}
	}

	for phaseID, paths := range r.phaseLocks {
		for canonical := range paths {
			held := false
			for _, l := range r.locks[canonical] {
				if l.OwnerPhase == phaseID {
					held = true
					break
				}
			}
			if !held {
				delete(paths, canonical)
			}
		}
		if len(paths) == 0 {
			delete(r.phaseLocks, phaseID)
		}
	}
}

// Stats summarizes the registry's current lock state.
type Stats struct {
	TotalActiveLocks int `json:"total_active_locks"`
	SharedLocks      int `json:"shared_locks"`
	ExclusiveLocks   int `json:"exclusive_locks"`
	LockedResources  int `json:"locked_resources"`
	PhasesWithLocks  int `json:"phases_with_locks"`
}

// GetStats cleans up expired locks and returns summary statistics.
func (r *Registry) GetStats() Stats {
	r.CleanupExpiredLocks()

	r.mu.Lock()
	defer r.mu.Unlock()

	stats := Stats{
		LockedResources: len(r.locks),
		PhasesWithLocks: len(r.phaseLocks),
	}
	for _, locks := range r.locks {
		for _, l := range locks {
			stats.TotalActiveLocks++
			if l.Kind == domain.LockShared {
				stats.SharedLocks++
			} else {
				stats.ExclusiveLocks++
			}
		}
	}
	return stats
}

func (r *Registry) activeLocksLocked(canonical string) []*domain.ResourceLock {
	now := time.Now()
	var active []*domain.ResourceLock
	for _, l := range r.locks[canonical] {
		if !l.IsExpired(now) {
			active = append(active, l)
		}
	}
	return active
}

func (r *Registry) removePhaseLockLocked(canonical, phaseID string) {
	locks := r.locks[canonical]
	kept := locks[:0]
	for _, l := range locks {
		if l.OwnerPhase != phaseID {
			kept = append(kept, l)
		}
	}
	if len(kept) == 0 {
		delete(r.locks, canonical)
	} else {
		r.locks[canonical] = kept
	}

	if paths, ok := r.phaseLocks[phaseID]; ok {
		delete(paths, canonical)
		if len(paths) == 0 {
			delete(r.phaseLocks, phaseID)
		}
	}
}
