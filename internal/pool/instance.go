package pool

import (
	"sync/atomic"
	"time"
)

// Instance is one pooled browser session bound to an account. Lifecycle
// fields (busy, lastActivity) are guarded by the pool mutex; the unhealthy
// flag is atomic so handlers can set it without taking the pool lock.
type Instance struct {
	ID        string
	AccountID string
	Session   Session
	CreatedAt time.Time

	lastActivity time.Time
	taskCount    int
	busy         bool
	unhealthy    atomic.Bool
}

// MarkUnhealthy flags the instance for teardown on its next acquire or reap.
// Handlers call this when the browser context is no longer trustworthy.
func (i *Instance) MarkUnhealthy() {
	i.unhealthy.Store(true)
}

func (i *Instance) healthy() bool {
	return !i.unhealthy.Load()
}

// TaskCount returns the number of tasks completed on this instance.
func (i *Instance) TaskCount() int {
	return i.taskCount
}

// InstanceStats is a point-in-time view of one pooled instance.
type InstanceStats struct {
	InstanceID  string  `json:"instance_id"`
	AccountID   string  `json:"account_id"`
	Busy        bool    `json:"busy"`
	TaskCount   int     `json:"task_count"`
	IdleSeconds float64 `json:"idle_seconds"`
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Total     int             `json:"total"`
	Busy      int             `json:"busy"`
	Idle      int             `json:"idle"`
	Max       int             `json:"max"`
	Instances []InstanceStats `json:"instances"`
}
