// File: cmd/factory_test.go
package cmd

import (
	"net"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/MangaiYashobeam/FMD/internal/registry"
)

func TestRegistryObserverPublishesInstanceLifecycle(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	obs := &registryObserver{
		workerID: "worker-1",
		fleet:    registry.New(rdb, zap.NewNop()),
		logger:   zap.NewNop(),
	}

	obs.InstanceCreated("inst-1", "acct_1")
	require.Eventually(t, func() bool {
		return mr.Exists("fmd:browser:inst-1")
	}, time.Second, 10*time.Millisecond)

	obs.InstanceDestroyed("inst-1", "acct_1")
	require.Eventually(t, func() bool {
		return !mr.Exists("fmd:browser:inst-1")
	}, time.Second, 10*time.Millisecond)
}

func TestRegistryObserverDoesNotBlockCaller(t *testing.T) {
	// The pool invokes observers under its mutex. A listener that accepts
	// and never replies stands in for a stalled Redis; the callbacks must
	// return immediately regardless.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn
		}
	}()

	rdb := redis.NewClient(&redis.Options{Addr: ln.Addr().String()})
	obs := &registryObserver{
		workerID: "worker-1",
		fleet:    registry.New(rdb, zap.NewNop()),
		logger:   zap.NewNop(),
	}

	start := time.Now()
	obs.InstanceCreated("inst-1", "acct_1")
	obs.InstanceDestroyed("inst-1", "acct_1")
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}
