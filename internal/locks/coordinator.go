package locks

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/maxxentropy/claudeops/pkg/domain"
	"github.com/maxxentropy/claudeops/pkg/ports"
)

// CoordinatorConfig controls cross-process locking and deadlock handling.
type CoordinatorConfig struct {
	// LockDir holds the flock sentinel files shared between processes.
	LockDir                 string
	LockTimeout             time.Duration
	RetryCount              int
	RetryDelay              time.Duration
	DeadlockCheckInterval   time.Duration
	Resolution              domain.ConflictResolution
	EnableDeadlockDetection bool
}

// Coordinator layers cross-process safety and deadlock handling on top
// of the in-process lock registry: flock sentinels, conflict recording,
// a wait-for graph with a background cycle detector, and pluggable
// conflict resolution.
type Coordinator struct {
	registry *Registry
	cfg      CoordinatorConfig
	metrics  ports.MetricsCollector
	logger   *zap.Logger
	bus      ports.EventBus

	mu              sync.Mutex
	waitGraph       map[string]map[string]struct{}
	resourceWaiters map[string]map[string]struct{}
	priorities      map[string]int
	conflicts       []domain.ResourceConflict
	deadlocks       []domain.Deadlock
	sentinels       map[string]map[string]*fileLock

	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
	stopped bool
}

// NewCoordinator creates a coordinator over the given registry and
// ensures the sentinel directory exists.
func NewCoordinator(registry *Registry, cfg CoordinatorConfig, metrics ports.MetricsCollector, logger *zap.Logger) (*Coordinator, error) {
	if err := os.MkdirAll(cfg.LockDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory %s: %w", cfg.LockDir, err)
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 100 * time.Millisecond
	}

	return &Coordinator{
		registry:        registry,
		cfg:             cfg,
		metrics:         metrics,
		logger:          logger,
		waitGraph:       make(map[string]map[string]struct{}),
		resourceWaiters: make(map[string]map[string]struct{}),
		priorities:      make(map[string]int),
		sentinels:       make(map[string]map[string]*fileLock),
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
	}, nil
}

// Start launches the background deadlock detector if enabled.
func (c *Coordinator) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running || c.stopped || !c.cfg.EnableDeadlockDetection {
		return
	}
	c.running = true
	go c.deadlockLoop()
}

// Stop terminates the background detector and waits for it to finish.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	wasRunning := c.running
	c.running = false
	c.mu.Unlock()

	close(c.stopCh)
	if wasRunning {
		<-c.doneCh
	}
}

// AcquireResources acquires the phase's full resource set atomically
// from the caller's perspective: resources are taken in canonical sorted
// order (a global lock order that prevents circular waits), and any
// failure rolls back every lock already taken for the phase.
func (c *Coordinator) AcquireResources(ctx context.Context, phaseID string, resources []string, kinds map[string]domain.LockKind) ([]*domain.ResourceLock, error) {
	// Canonicalize and dedupe up front: different spellings of one file
	// are one resource, and listing it twice must not make the phase
	// contend with itself. Exclusive wins when duplicate entries disagree.
	kindOf := make(map[string]domain.LockKind, len(resources))
	sorted := make([]string, 0, len(resources))
	for _, resource := range resources {
		canonical := CanonicalPath(resource)
		kind := domain.LockExclusive
		if k, ok := kinds[resource]; ok {
			kind = k
		}
		if prev, seen := kindOf[canonical]; seen {
			if prev == domain.LockExclusive || kind == domain.LockExclusive {
				kindOf[canonical] = domain.LockExclusive
			}
			continue
		}
		kindOf[canonical] = kind
		sorted = append(sorted, canonical)
	}
	sort.Strings(sorted)

	var acquired []*domain.ResourceLock
	for _, resource := range sorted {
		lock, err := c.acquireOne(ctx, phaseID, resource, kindOf[resource])
		if err != nil {
			c.ReleasePhaseResources(phaseID)
			return nil, fmt.Errorf("failed to acquire %s for phase %s: %w", resource, phaseID, err)
		}
		acquired = append(acquired, lock)
	}

	return acquired, nil
}

// ReleasePhaseResources releases every lock and sentinel held by a phase
// and removes it from the wait-for graph.
func (c *Coordinator) ReleasePhaseResources(phaseID string) {
	c.registry.ReleaseAllPhaseLocks(phaseID)

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, fl := range c.sentinels[phaseID] {
		fl.release()
	}
	delete(c.sentinels, phaseID)

	c.removeFromWaitGraphLocked(phaseID)
}

// SetEventBus wires an event bus for deadlock notifications. Optional;
// without one, deadlocks are only logged and recorded.
func (c *Coordinator) SetEventBus(bus ports.EventBus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bus = bus
}

// SetPhasePriority assigns a priority used by the preempt resolution
// policy; higher values win.
func (c *Coordinator) SetPhasePriority(phaseID string, priority int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.priorities[phaseID] = priority
}

// Conflicts returns a copy of all recorded resource conflicts.
func (c *Coordinator) Conflicts() []domain.ResourceConflict {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.ResourceConflict, len(c.conflicts))
	copy(out, c.conflicts)
	return out
}

// Deadlocks returns a copy of all detected deadlocks.
func (c *Coordinator) Deadlocks() []domain.Deadlock {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Deadlock, len(c.deadlocks))
	copy(out, c.deadlocks)
	return out
}

// CheckDeadlocks searches the wait-for graph for cycles, records any it
// finds and publishes them on the event bus.
func (c *Coordinator) CheckDeadlocks() []domain.Deadlock {
	c.mu.Lock()
	found := c.findWaitCyclesLocked()
	c.deadlocks = append(c.deadlocks, found...)
	bus := c.bus
	c.mu.Unlock()

	for _, deadlock := range found {
		c.metrics.RecordDeadlock()
		if bus == nil {
			continue
		}
		event := ports.Event{
			ID:        uuid.NewString(),
			Type:      ports.EventDeadlockDetected,
			Timestamp: deadlock.DetectedAt,
			Data: map[string]interface{}{
				"phases":    deadlock.PhasesInvolved,
				"resources": deadlock.ResourcesInvolved,
			},
		}
		if err := bus.Publish(context.Background(), ports.TopicExecution, event); err != nil {
			c.logger.Warn("deadlock event publish failed", zap.Error(err))
		}
	}
	return found
}

// Statistics summarizes coordination state on top of registry stats.
type Statistics struct {
	Registry        Stats `json:"registry"`
	ActiveConflicts int   `json:"active_conflicts"`
	TotalDeadlocks  int   `json:"total_deadlocks"`
	PhasesWaiting   int   `json:"phases_waiting"`
	WaitGraphEdges  int   `json:"wait_graph_edges"`
}

// GetStatistics returns current coordination statistics.
func (c *Coordinator) GetStatistics() Statistics {
	registryStats := c.registry.GetStats()

	c.mu.Lock()
	defer c.mu.Unlock()

	edges := 0
	for _, waiting := range c.waitGraph {
		edges += len(waiting)
	}
	return Statistics{
		Registry:        registryStats,
		ActiveConflicts: len(c.conflicts),
		TotalDeadlocks:  len(c.deadlocks),
		PhasesWaiting:   len(c.waitGraph),
		WaitGraphEdges:  edges,
	}
}

func (c *Coordinator) acquireOne(ctx context.Context, phaseID, resource string, kind domain.LockKind) (*domain.ResourceLock, error) {
	conflicts := c.registry.DetectConflicts(resource, phaseID, kind)
	if len(conflicts) == 0 {
		lock, err := c.lockNow(phaseID, resource, kind)
		if err == nil {
			return lock, nil
		}
		// Another process (or a racing phase) holds the resource.
		return c.waitAcquire(ctx, phaseID, resource, kind)
	}

	holder := conflicts[0]
	conflictType := "shared_held"
	if holder.Kind == domain.LockExclusive {
		conflictType = "exclusive_held"
	}
	conflict := domain.ResourceConflict{
		RequestingPhase:  phaseID,
		ConflictingPhase: holder.OwnerPhase,
		ResourcePath:     CanonicalPath(resource),
		ConflictType:     conflictType,
		DetectedAt:       time.Now(),
	}
	c.recordConflict(conflict)

	resolution := c.resolveConflict(conflict)
	c.metrics.RecordLockConflict(string(resolution))
	c.logger.Debug("lock conflict",
		zap.String("phase_id", phaseID),
		zap.String("resource", resource),
		zap.String("holder", holder.OwnerPhase),
		zap.String("resolution", string(resolution)))

	switch resolution {
	case domain.ResolutionWait:
		return c.waitAcquire(ctx, phaseID, resource, kind)

	case domain.ResolutionPreempt:
		c.logger.Warn("preempting lock holder",
			zap.String("resource", resource),
			zap.String("holder", holder.OwnerPhase),
			zap.String("requester", phaseID))
		c.registry.Release(resource, holder.OwnerPhase)
		c.releaseSentinel(holder.OwnerPhase, resource)
		return c.acquireOne(ctx, phaseID, resource, kind)

	case domain.ResolutionShare:
		return c.acquireOne(ctx, phaseID, resource, domain.LockShared)

	default: // defer, fail
		return nil, fmt.Errorf("resource %s held by %s: %w", resource, holder.OwnerPhase, ErrConflict)
	}
}

// resolveConflict maps the configured strategy to a concrete resolution
// for this conflict. Preempt only applies when the requester outranks
// the holder; share only applies when the holder is not exclusive.
func (c *Coordinator) resolveConflict(conflict domain.ResourceConflict) domain.ConflictResolution {
	switch c.cfg.Resolution {
	case domain.ResolutionPreempt:
		c.mu.Lock()
		reqPriority := c.priorities[conflict.RequestingPhase]
		holderPriority := c.priorities[conflict.ConflictingPhase]
		c.mu.Unlock()
		if reqPriority > holderPriority {
			return domain.ResolutionPreempt
		}
		return domain.ResolutionWait

	case domain.ResolutionShare:
		if conflict.ConflictType == "exclusive_held" {
			return domain.ResolutionWait
		}
		return domain.ResolutionShare

	case domain.ResolutionDefer:
		return domain.ResolutionDefer

	case domain.ResolutionFail:
		return domain.ResolutionFail

	default:
		return domain.ResolutionWait
	}
}

// lockNow takes the registry lock and the cross-process sentinel, or
// fails with ErrConflict leaving the phase's prior holdings intact. When
// the phase already owns a sentinel for the resource (re-acquisition or
// upgrade), the flock is converted on the existing descriptor; a second
// descriptor would conflict with our own lock.
func (c *Coordinator) lockNow(phaseID, resource string, kind domain.LockKind) (*domain.ResourceLock, error) {
	canonical := CanonicalPath(resource)

	c.mu.Lock()
	existing := c.sentinels[phaseID][canonical]
	c.mu.Unlock()

	var prior *domain.ResourceLock
	for _, held := range c.registry.ActiveLocks(resource) {
		if held.OwnerPhase == phaseID {
			prior = held
			break
		}
	}

	lock, ok := c.registry.Acquire(resource, phaseID, kind, c.cfg.LockTimeout)
	if !ok {
		return nil, ErrConflict
	}

	// On sentinel failure, a fresh acquisition is rolled back but an
	// upgrade falls back to the lock the phase held before.
	restore := func() {
		if prior != nil {
			c.registry.Acquire(resource, phaseID, prior.Kind, c.cfg.LockTimeout)
		} else {
			c.registry.Release(resource, phaseID)
		}
	}

	if existing != nil {
		held, err := existing.convert(kind)
		if err != nil {
			restore()
			return nil, err
		}
		if !held {
			restore()
			return nil, fmt.Errorf("resource %s locked by another process: %w", resource, ErrConflict)
		}

		c.mu.Lock()
		c.clearWaitLocked(phaseID, canonical)
		c.mu.Unlock()
		return lock, nil
	}

	fl, held, err := tryAcquireFileLock(c.cfg.LockDir, resource, kind)
	if err != nil {
		restore()
		return nil, err
	}
	if !held {
		restore()
		return nil, fmt.Errorf("resource %s locked by another process: %w", resource, ErrConflict)
	}

	c.mu.Lock()
	if c.sentinels[phaseID] == nil {
		c.sentinels[phaseID] = make(map[string]*fileLock)
	}
	c.sentinels[phaseID][canonical] = fl
	c.clearWaitLocked(phaseID, canonical)
	c.mu.Unlock()

	return lock, nil
}

// waitAcquire blocks in a poll loop until the lock is acquired, the
// configured timeout or retry budget is exhausted, or the context is
// cancelled. While waiting the phase appears in the wait-for graph.
func (c *Coordinator) waitAcquire(ctx context.Context, phaseID, resource string, kind domain.LockKind) (*domain.ResourceLock, error) {
	deadline := time.Now().Add(c.cfg.LockTimeout)
	attempts := 0

	for {
		if holders := c.registry.DetectConflicts(resource, phaseID, kind); len(holders) > 0 {
			c.addWaitEdges(phaseID, resource, holders)
		} else if lock, err := c.lockNow(phaseID, resource, kind); err == nil {
			return lock, nil
		}

		attempts++
		if c.cfg.RetryCount > 0 && attempts >= c.cfg.RetryCount {
			c.removeWaiter(phaseID, resource)
			return nil, fmt.Errorf("gave up on %s for phase %s after %d attempts: %w",
				resource, phaseID, attempts, ErrTimeout)
		}
		if c.cfg.LockTimeout > 0 && time.Now().After(deadline) {
			c.removeWaiter(phaseID, resource)
			return nil, fmt.Errorf("failed to acquire %s for phase %s within %s: %w",
				resource, phaseID, c.cfg.LockTimeout, ErrTimeout)
		}

		select {
		case <-ctx.Done():
			c.removeWaiter(phaseID, resource)
			return nil, ctx.Err()
		case <-time.After(c.cfg.RetryDelay):
		}
	}
}

func (c *Coordinator) recordConflict(conflict domain.ResourceConflict) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conflicts = append(c.conflicts, conflict)
	c.addWaitEdgesLocked(conflict.RequestingPhase, conflict.ResourcePath, []string{conflict.ConflictingPhase})
}

func (c *Coordinator) addWaitEdges(phaseID, resource string, holders []*domain.ResourceLock) {
	c.mu.Lock()
	defer c.mu.Unlock()
	owners := make([]string, 0, len(holders))
	for _, h := range holders {
		owners = append(owners, h.OwnerPhase)
	}
	c.addWaitEdgesLocked(phaseID, CanonicalPath(resource), owners)
}

func (c *Coordinator) addWaitEdgesLocked(phaseID, canonical string, owners []string) {
	if c.waitGraph[phaseID] == nil {
		c.waitGraph[phaseID] = make(map[string]struct{})
	}
	for _, owner := range owners {
		c.waitGraph[phaseID][owner] = struct{}{}
	}
	if c.resourceWaiters[canonical] == nil {
		c.resourceWaiters[canonical] = make(map[string]struct{})
	}
	c.resourceWaiters[canonical][phaseID] = struct{}{}
}

func (c *Coordinator) removeWaiter(phaseID, resource string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearWaitLocked(phaseID, CanonicalPath(resource))
}

func (c *Coordinator) clearWaitLocked(phaseID, canonical string) {
	delete(c.waitGraph, phaseID)
	if waiters, ok := c.resourceWaiters[canonical]; ok {
		delete(waiters, phaseID)
		if len(waiters) == 0 {
			delete(c.resourceWaiters, canonical)
		}
	}
}

func (c *Coordinator) removeFromWaitGraphLocked(phaseID string) {
	delete(c.waitGraph, phaseID)
	for _, waiting := range c.waitGraph {
		delete(waiting, phaseID)
	}
	for canonical, waiters := range c.resourceWaiters {
		delete(waiters, phaseID)
		if len(waiters) == 0 {
			delete(c.resourceWaiters, canonical)
		}
	}
}

func (c *Coordinator) releaseSentinel(phaseID, resource string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	canonical := CanonicalPath(resource)
	if fl, ok := c.sentinels[phaseID][canonical]; ok {
		fl.release()
		delete(c.sentinels[phaseID], canonical)
	}
}

// findWaitCyclesLocked runs an explicit-stack DFS over the wait-for
// graph looking for a phase reachable from itself.
func (c *Coordinator) findWaitCyclesLocked() []domain.Deadlock {
	type frame struct {
		phase string
		next  int
		succ  []string
	}

	successors := func(phase string) []string {
		out := make([]string, 0, len(c.waitGraph[phase]))
		for p := range c.waitGraph[phase] {
			out = append(out, p)
		}
		sort.Strings(out)
		return out
	}

	starts := make([]string, 0, len(c.waitGraph))
	for p := range c.waitGraph {
		starts = append(starts, p)
	}
	sort.Strings(starts)

	var found []domain.Deadlock
	visited := make(map[string]bool)

	for _, start := range starts {
		if visited[start] {
			continue
		}

		stack := []frame{{phase: start, succ: successors(start)}}
		onStack := map[string]bool{start: true}
		path := []string{start}
		visited[start] = true

		for len(stack) > 0 {
			f := &stack[len(stack)-1]
			if f.next < len(f.succ) {
				next := f.succ[f.next]
				f.next++

				if onStack[next] {
					idx := 0
					for i, p := range path {
						if p == next {
							idx = i
							break
						}
					}
					found = append(found, c.buildDeadlockLocked(path[idx:]))
					continue
				}
				if visited[next] {
					continue
				}
				visited[next] = true
				onStack[next] = true
				stack = append(stack, frame{phase: next, succ: successors(next)})
				path = append(path, next)
			} else {
				onStack[f.phase] = false
				stack = stack[:len(stack)-1]
				path = path[:len(path)-1]
			}
		}
	}

	return found
}

func (c *Coordinator) buildDeadlockLocked(cycle []string) domain.Deadlock {
	phases := make([]string, len(cycle))
	copy(phases, cycle)

	var edges []domain.WaitEdge
	var resources []string
	for _, phase := range phases {
		for canonical, waiters := range c.resourceWaiters {
			if _, ok := waiters[phase]; ok {
				edges = append(edges, domain.WaitEdge{Phase: phase, Resource: canonical})
				resources = append(resources, canonical)
				break
			}
		}
	}

	return domain.Deadlock{
		PhasesInvolved:    phases,
		ResourcesInvolved: resources,
		Cycle:             edges,
		DetectedAt:        time.Now(),
	}
}

// deadlockLoop periodically checks the wait-for graph and resolves any
// deadlock by releasing all resources of the first phase in the cycle,
// letting it retry.
func (c *Coordinator) deadlockLoop() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.cfg.DeadlockCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			for _, deadlock := range c.CheckDeadlocks() {
				c.logger.Warn("deadlock detected",
					zap.Strings("phases", deadlock.PhasesInvolved),
					zap.Strings("resources", deadlock.ResourcesInvolved))

				if len(deadlock.PhasesInvolved) > 0 {
					victim := deadlock.PhasesInvolved[0]
					c.logger.Warn("releasing deadlock victim resources",
						zap.String("phase_id", victim))
					c.ReleasePhaseResources(victim)
				}
			}
		}
	}
}
