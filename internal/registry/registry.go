// Package registry tracks live workers and their browser instances in Redis
// so operators and schedulers can see fleet membership. Entries carry a TTL
// and expire on their own when a worker dies without unregistering.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	workerKeyPrefix  = "fmd:worker:"
	browserKeyPrefix = "fmd:browser:"
	activeWorkersKey = "fmd:workers:active"

	entryTTL = time.Hour
)

// WorkerInfo is the registered state of a fleet member.
type WorkerInfo struct {
	WorkerID      string    `json:"worker_id"`
	Hostname      string    `json:"hostname"`
	QueueName     string    `json:"queue_name"`
	MaxBrowsers   int       `json:"max_browsers"`
	StartedAt     time.Time `json:"started_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// InstanceInfo is the registered state of one browser instance.
type InstanceInfo struct {
	InstanceID   string    `json:"instance_id"`
	WorkerID     string    `json:"worker_id"`
	AccountID    string    `json:"account_id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Registry publishes worker and instance liveness to Redis.
type Registry struct {
	rdb    redis.UniversalClient
	logger *zap.Logger
}

func New(rdb redis.UniversalClient, logger *zap.Logger) *Registry {
	return &Registry{rdb: rdb, logger: logger.Named("registry")}
}

func workerKey(workerID string) string {
	return workerKeyPrefix + workerID
}

func workerBrowsersKey(workerID string) string {
	return workerKeyPrefix + workerID + ":browsers"
}

func browserKey(instanceID string) string {
	return browserKeyPrefix + instanceID
}

// RegisterWorker announces a worker and adds it to the active set.
func (r *Registry) RegisterWorker(ctx context.Context, info WorkerInfo) error {
	raw, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to serialize worker info: %w", err)
	}
	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, workerKey(info.WorkerID), raw, entryTTL)
	pipe.SAdd(ctx, activeWorkersKey, info.WorkerID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to register worker: %w", err)
	}
	r.logger.Info("Worker registered", zap.String("worker_id", info.WorkerID))
	return nil
}

// Heartbeat refreshes a worker entry and its TTL.
func (r *Registry) Heartbeat(ctx context.Context, workerID string) error {
	raw, err := r.rdb.Get(ctx, workerKey(workerID)).Bytes()
	if err == redis.Nil {
		return fmt.Errorf("worker %s not registered", workerID)
	}
	if err != nil {
		return fmt.Errorf("failed to read worker entry: %w", err)
	}
	var info WorkerInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return fmt.Errorf("failed to decode worker entry: %w", err)
	}
	info.LastHeartbeat = time.Now().UTC()
	updated, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to serialize worker entry: %w", err)
	}
	if err := r.rdb.Set(ctx, workerKey(workerID), updated, entryTTL).Err(); err != nil {
		return fmt.Errorf("failed to refresh worker entry: %w", err)
	}
	return nil
}

// UnregisterWorker removes a worker and every instance it registered.
func (r *Registry) UnregisterWorker(ctx context.Context, workerID string) error {
	instanceIDs, err := r.rdb.SMembers(ctx, workerBrowsersKey(workerID)).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to list worker instances: %w", err)
	}

	pipe := r.rdb.TxPipeline()
	for _, id := range instanceIDs {
		pipe.Del(ctx, browserKey(id))
	}
	pipe.Del(ctx, workerBrowsersKey(workerID))
	pipe.Del(ctx, workerKey(workerID))
	pipe.SRem(ctx, activeWorkersKey, workerID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to unregister worker: %w", err)
	}
	r.logger.Info("Worker unregistered",
		zap.String("worker_id", workerID),
		zap.Int("instances", len(instanceIDs)))
	return nil
}

// ActiveWorkers lists registered workers, skipping entries whose TTL has
// already expired even if the active set still names them.
func (r *Registry) ActiveWorkers(ctx context.Context) ([]WorkerInfo, error) {
	ids, err := r.rdb.SMembers(ctx, activeWorkersKey).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to list active workers: %w", err)
	}
	workers := make([]WorkerInfo, 0, len(ids))
	for _, id := range ids {
		raw, err := r.rdb.Get(ctx, workerKey(id)).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read worker %s: %w", id, err)
		}
		var info WorkerInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			continue
		}
		workers = append(workers, info)
	}
	return workers, nil
}

// RegisterInstance records a browser instance under its owning worker.
func (r *Registry) RegisterInstance(ctx context.Context, info InstanceInfo) error {
	raw, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to serialize instance info: %w", err)
	}
	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, browserKey(info.InstanceID), raw, entryTTL)
	pipe.SAdd(ctx, workerBrowsersKey(info.WorkerID), info.InstanceID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to register instance: %w", err)
	}
	return nil
}

// TouchInstance refreshes last activity and TTL on an instance entry.
func (r *Registry) TouchInstance(ctx context.Context, instanceID string) error {
	raw, err := r.rdb.Get(ctx, browserKey(instanceID)).Bytes()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read instance entry: %w", err)
	}
	var info InstanceInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return fmt.Errorf("failed to decode instance entry: %w", err)
	}
	info.LastActivity = time.Now().UTC()
	updated, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to serialize instance entry: %w", err)
	}
	return r.rdb.Set(ctx, browserKey(instanceID), updated, entryTTL).Err()
}

// UnregisterInstance removes an instance entry.
func (r *Registry) UnregisterInstance(ctx context.Context, workerID, instanceID string) error {
	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, browserKey(instanceID))
	pipe.SRem(ctx, workerBrowsersKey(workerID), instanceID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to unregister instance: %w", err)
	}
	return nil
}
