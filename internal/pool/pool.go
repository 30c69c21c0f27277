// Package pool bounds concurrent browser usage while giving each account a
// dedicated, session-persistent browsing context. At most one instance
// exists per account; creation, lookup, and eviction all run under a single
// pool mutex so two callers can never race to create duplicates.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrUnavailable means the pool is at capacity with every instance busy.
// Callers treat it as transient: requeue or retry, never fail the task.
var ErrUnavailable = errors.New("browser pool at capacity")

// Engine creates browser sessions. Implemented by the chromedp engine.
type Engine interface {
	NewSession(ctx context.Context, accountID string, sessionBlob []byte) (Session, error)
}

// Session is the per-instance browser surface the pool manages.
type Session interface {
	ID() string
	Probe(ctx context.Context) error
	Snapshot(ctx context.Context) ([]byte, error)
	Close(ctx context.Context) error
}

// SessionStore persists session blobs across instance lifetimes.
type SessionStore interface {
	Load(ctx context.Context, accountID string) ([]byte, error)
	Save(ctx context.Context, accountID string, blob []byte) error
}

// Observer receives instance lifecycle events, used to publish pool
// membership to the fleet registry.
type Observer interface {
	InstanceCreated(instanceID, accountID string)
	InstanceDestroyed(instanceID, accountID string)
}

type noopObserver struct{}

func (noopObserver) InstanceCreated(string, string)   {}
func (noopObserver) InstanceDestroyed(string, string) {}

// Options configures a Pool.
type Options struct {
	MaxInstances int
	IdleTimeout  time.Duration
	ReapInterval time.Duration
	ProbeTimeout time.Duration
	Observer     Observer
}

// Pool manages browser instances keyed by account.
type Pool struct {
	engine   Engine
	store    SessionStore
	logger   *zap.Logger
	observer Observer

	maxInstances int
	idleTimeout  time.Duration
	reapInterval time.Duration
	probeTimeout time.Duration

	now func() time.Time

	mu        sync.Mutex
	instances map[string]*Instance
}

func New(engine Engine, store SessionStore, opts Options, logger *zap.Logger) *Pool {
	if opts.MaxInstances <= 0 {
		opts.MaxInstances = 5
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 10 * time.Minute
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = time.Minute
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 10 * time.Second
	}
	if opts.Observer == nil {
		opts.Observer = noopObserver{}
	}
	return &Pool{
		engine:       engine,
		store:        store,
		logger:       logger.Named("pool"),
		observer:     opts.Observer,
		maxInstances: opts.MaxInstances,
		idleTimeout:  opts.IdleTimeout,
		reapInterval: opts.ReapInterval,
		probeTimeout: opts.ProbeTimeout,
		now:          time.Now,
		instances:    make(map[string]*Instance),
	}
}

// Acquire returns the account's instance, creating one if needed. It returns
// ErrUnavailable when the pool is full of busy instances. The returned
// instance is NOT marked busy; use UseInstance for scoped exclusive use.
func (p *Pool) Acquire(ctx context.Context, accountID string) (*Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acquireLocked(ctx, accountID)
}

func (p *Pool) acquireLocked(ctx context.Context, accountID string) (*Instance, error) {
	if inst, ok := p.instances[accountID]; ok {
		if inst.healthy() {
			inst.lastActivity = p.now()
			return inst, nil
		}
		p.logger.Info("Recreating unhealthy instance", zap.String("account_id", accountID))
		p.destroyLocked(ctx, inst, "unhealthy")
	}

	if len(p.instances) >= p.maxInstances {
		victim := p.oldestIdleLocked()
		if victim == nil {
			return nil, ErrUnavailable
		}
		p.destroyLocked(ctx, victim, "capacity")
	}

	blob, err := p.store.Load(ctx, accountID)
	if err != nil {
		// A session store outage should not block fresh-login creation.
		p.logger.Warn("Failed to load persisted session",
			zap.String("account_id", accountID), zap.Error(err))
		blob = nil
	}

	session, err := p.engine.NewSession(ctx, accountID, blob)
	if err != nil {
		return nil, fmt.Errorf("failed to create browser instance for %s: %w", accountID, err)
	}

	inst := &Instance{
		ID:           session.ID(),
		AccountID:    accountID,
		Session:      session,
		CreatedAt:    p.now(),
		lastActivity: p.now(),
	}
	p.instances[accountID] = inst
	p.observer.InstanceCreated(inst.ID, accountID)

	p.logger.Info("Browser instance created",
		zap.String("account_id", accountID),
		zap.String("instance_id", inst.ID),
		zap.Bool("restored_session", len(blob) > 0),
		zap.Int("pool_size", len(p.instances)))
	return inst, nil
}

// oldestIdleLocked picks the non-busy instance with the oldest last activity.
// Accounts with infrequent tasks yield capacity to active ones.
func (p *Pool) oldestIdleLocked() *Instance {
	var victim *Instance
	for _, inst := range p.instances {
		if inst.busy {
			continue
		}
		if victim == nil || inst.lastActivity.Before(victim.lastActivity) {
			victim = inst
		}
	}
	return victim
}

// destroyLocked persists session state and tears the instance down. State
// saving is best effort: a hung browser must never prevent eviction.
func (p *Pool) destroyLocked(ctx context.Context, inst *Instance, reason string) {
	saveCtx, cancel := context.WithTimeout(ctx, p.probeTimeout)
	if blob, err := inst.Session.Snapshot(saveCtx); err != nil {
		p.logger.Warn("Failed to snapshot session before destroy",
			zap.String("account_id", inst.AccountID), zap.Error(err))
	} else if err := p.store.Save(saveCtx, inst.AccountID, blob); err != nil {
		p.logger.Warn("Failed to persist session before destroy",
			zap.String("account_id", inst.AccountID), zap.Error(err))
	}
	cancel()

	if err := inst.Session.Close(ctx); err != nil {
		p.logger.Warn("Error closing browser instance",
			zap.String("account_id", inst.AccountID), zap.Error(err))
	}
	delete(p.instances, inst.AccountID)
	p.observer.InstanceDestroyed(inst.ID, inst.AccountID)

	p.logger.Info("Browser instance destroyed",
		zap.String("account_id", inst.AccountID),
		zap.String("instance_id", inst.ID),
		zap.String("reason", reason),
		zap.Int("task_count", inst.taskCount))
}

// UseInstance acquires the account's instance, marks it busy, runs fn, and
// clears busy on every exit path. The task counter increments only when fn
// succeeds.
func (p *Pool) UseInstance(ctx context.Context, accountID string, fn func(*Instance) error) error {
	p.mu.Lock()
	inst, err := p.acquireLocked(ctx, accountID)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	if inst.busy {
		// Another task is driving this account's browser. Transient, the
		// caller retries like any capacity miss.
		p.mu.Unlock()
		return fmt.Errorf("instance for %s is already in use: %w", accountID, ErrUnavailable)
	}
	inst.busy = true
	p.mu.Unlock()

	err = fn(inst)

	p.mu.Lock()
	inst.busy = false
	inst.lastActivity = p.now()
	if err == nil {
		inst.taskCount++
	}
	p.mu.Unlock()
	return err
}

// Release clears the busy flag and touches activity. Only needed after a
// bare Acquire; UseInstance releases on its own.
func (p *Pool) Release(inst *Instance) {
	p.mu.Lock()
	defer p.mu.Unlock()
	inst.busy = false
	inst.lastActivity = p.now()
}

// Evict saves and destroys the account's instance if present and not busy.
func (p *Pool) Evict(ctx context.Context, accountID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	inst, ok := p.instances[accountID]
	if !ok || inst.busy {
		return false
	}
	p.destroyLocked(ctx, inst, "explicit")
	return true
}

// Run drives the background reaper until the context is cancelled: idle
// instances past the timeout are evicted, the rest get a time-bounded
// liveness probe and are evicted on failure.
func (p *Pool) Run(ctx context.Context) {
	ticker := time.NewTicker(p.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.reap(ctx)
		}
	}
}

func (p *Pool) reap(ctx context.Context) {
	// Snapshot candidates under the lock, probe outside it. A slow probe
	// must not block acquires.
	p.mu.Lock()
	type candidate struct {
		inst *Instance
		idle time.Duration
	}
	candidates := make([]candidate, 0, len(p.instances))
	for _, inst := range p.instances {
		if inst.busy {
			continue
		}
		candidates = append(candidates, candidate{inst: inst, idle: p.now().Sub(inst.lastActivity)})
	}
	p.mu.Unlock()

	for _, c := range candidates {
		var reason string
		switch {
		case !c.inst.healthy():
			reason = "unhealthy"
		case c.idle > p.idleTimeout:
			reason = "idle"
		default:
			probeCtx, cancel := context.WithTimeout(ctx, p.probeTimeout)
			err := c.inst.Session.Probe(probeCtx)
			cancel()
			if err == nil {
				continue
			}
			p.logger.Warn("Instance failed liveness probe",
				zap.String("account_id", c.inst.AccountID), zap.Error(err))
			reason = "probe_failed"
		}

		p.mu.Lock()
		// Re-check under the lock: the instance may have been acquired or
		// already destroyed while we were probing.
		if current, ok := p.instances[c.inst.AccountID]; ok && current == c.inst && !current.busy {
			p.destroyLocked(ctx, current, reason)
		}
		p.mu.Unlock()
	}
}

// Shutdown destroys every instance, persisting sessions first.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, inst := range p.instances {
		p.destroyLocked(ctx, inst, "shutdown")
	}
}

// BusyCount returns the number of instances currently in use.
func (p *Pool) BusyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	busy := 0
	for _, inst := range p.instances {
		if inst.busy {
			busy++
		}
	}
	return busy
}

// GetStats reports pool occupancy for admission control and operators.
func (p *Pool) GetStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := Stats{Total: len(p.instances), Max: p.maxInstances}
	for _, inst := range p.instances {
		if inst.busy {
			stats.Busy++
		} else {
			stats.Idle++
		}
		stats.Instances = append(stats.Instances, InstanceStats{
			InstanceID:  inst.ID,
			AccountID:   inst.AccountID,
			Busy:        inst.busy,
			TaskCount:   inst.taskCount,
			IdleSeconds: p.now().Sub(inst.lastActivity).Seconds(),
		})
	}
	return stats
}
