package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSession struct {
	id        string
	mu        sync.Mutex
	probeErr  error
	snapshot  []byte
	snapErr   error
	closed    bool
	probeHang time.Duration
}

func (s *fakeSession) ID() string { return s.id }

func (s *fakeSession) Probe(ctx context.Context) error {
	if s.probeHang > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.probeHang):
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.probeErr
}

func (s *fakeSession) Snapshot(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot, s.snapErr
}

func (s *fakeSession) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type fakeEngine struct {
	mu       sync.Mutex
	created  int
	lastBlob []byte
	sessions map[string]*fakeSession
	createErr error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{sessions: make(map[string]*fakeSession)}
}

func (e *fakeEngine) NewSession(ctx context.Context, accountID string, blob []byte) (Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.createErr != nil {
		return nil, e.createErr
	}
	e.created++
	e.lastBlob = blob
	s := &fakeSession{id: fmt.Sprintf("sess-%s-%d", accountID, e.created), snapshot: []byte("state:" + accountID)}
	e.sessions[accountID] = s
	return s, nil
}

type fakeStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{blobs: make(map[string][]byte)}
}

func (s *fakeStore) Load(ctx context.Context, accountID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blobs[accountID], nil
}

func (s *fakeStore) Save(ctx context.Context, accountID string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[accountID] = blob
	return nil
}

func newTestPool(t *testing.T, max int) (*Pool, *fakeEngine, *fakeStore) {
	t.Helper()
	engine := newFakeEngine()
	store := newFakeStore()
	p := New(engine, store, Options{
		MaxInstances: max,
		IdleTimeout:  10 * time.Minute,
		ProbeTimeout: 100 * time.Millisecond,
	}, zap.NewNop())
	return p, engine, store
}

func TestAcquireCreatesThenReuses(t *testing.T) {
	p, engine, _ := newTestPool(t, 3)
	ctx := context.Background()

	a, err := p.Acquire(ctx, "acct_1")
	require.NoError(t, err)
	b, err := p.Acquire(ctx, "acct_1")
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.Equal(t, 1, engine.created)
}

func TestAcquireSeedsPersistedSession(t *testing.T) {
	p, engine, store := newTestPool(t, 3)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "acct_1", []byte("saved-state")))

	_, err := p.Acquire(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, []byte("saved-state"), engine.lastBlob)
}

func TestCapacityEvictsOldestIdle(t *testing.T) {
	p, engine, store := newTestPool(t, 2)
	ctx := context.Background()

	clock := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return clock }

	_, err := p.Acquire(ctx, "acct_old")
	require.NoError(t, err)
	oldSession := engine.sessions["acct_old"]

	clock = clock.Add(time.Minute)
	_, err = p.Acquire(ctx, "acct_new")
	require.NoError(t, err)

	clock = clock.Add(time.Minute)
	_, err = p.Acquire(ctx, "acct_third")
	require.NoError(t, err)

	// Oldest idle account got evicted with its session persisted.
	assert.True(t, oldSession.closed)
	assert.Equal(t, []byte("state:acct_old"), store.blobs["acct_old"])

	stats := p.GetStats()
	assert.Equal(t, 2, stats.Total)
}

func TestAcquireUnavailableWhenAllBusy(t *testing.T) {
	p, _, _ := newTestPool(t, 1)
	ctx := context.Background()

	done := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = p.UseInstance(ctx, "acct_busy", func(*Instance) error {
			close(started)
			<-done
			return nil
		})
	}()
	<-started

	_, err := p.Acquire(ctx, "acct_other")
	assert.ErrorIs(t, err, ErrUnavailable)
	close(done)
}

func TestUseInstanceClearsBusyOnError(t *testing.T) {
	p, _, _ := newTestPool(t, 3)
	ctx := context.Background()

	handlerErr := errors.New("handler blew up")
	err := p.UseInstance(ctx, "acct_1", func(*Instance) error { return handlerErr })
	assert.ErrorIs(t, err, handlerErr)
	assert.Equal(t, 0, p.BusyCount())

	// Failed runs do not count as completed tasks.
	inst, err := p.Acquire(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, 0, inst.TaskCount())

	require.NoError(t, p.UseInstance(ctx, "acct_1", func(*Instance) error { return nil }))
	assert.Equal(t, 1, inst.TaskCount())
}

func TestUseInstanceSerializesPerAccount(t *testing.T) {
	p, _, _ := newTestPool(t, 3)
	ctx := context.Background()

	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = p.UseInstance(ctx, "acct_1", func(*Instance) error {
			close(started)
			<-done
			return nil
		})
	}()
	<-started

	err := p.UseInstance(ctx, "acct_1", func(*Instance) error { return nil })
	assert.ErrorIs(t, err, ErrUnavailable)
	close(done)
}

func TestUnhealthyInstanceRecreated(t *testing.T) {
	p, engine, store := newTestPool(t, 3)
	ctx := context.Background()

	first, err := p.Acquire(ctx, "acct_1")
	require.NoError(t, err)
	firstSession := engine.sessions["acct_1"]
	first.MarkUnhealthy()

	second, err := p.Acquire(ctx, "acct_1")
	require.NoError(t, err)

	assert.NotSame(t, first, second)
	assert.True(t, firstSession.closed)
	assert.Equal(t, 2, engine.created)
	// Save-then-destroy ran before recreation.
	assert.Equal(t, []byte("state:acct_1"), store.blobs["acct_1"])
}

func TestReapEvictsIdle(t *testing.T) {
	p, engine, _ := newTestPool(t, 3)
	ctx := context.Background()

	clock := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return clock }

	_, err := p.Acquire(ctx, "acct_1")
	require.NoError(t, err)

	clock = clock.Add(11 * time.Minute)
	p.reap(ctx)

	assert.True(t, engine.sessions["acct_1"].closed)
	assert.Equal(t, 0, p.GetStats().Total)
}

func TestReapEvictsProbeFailure(t *testing.T) {
	p, engine, _ := newTestPool(t, 3)
	ctx := context.Background()

	_, err := p.Acquire(ctx, "acct_1")
	require.NoError(t, err)
	engine.sessions["acct_1"].probeErr = errors.New("target crashed")

	p.reap(ctx)
	assert.True(t, engine.sessions["acct_1"].closed)
}

func TestReapProbeIsTimeBounded(t *testing.T) {
	p, engine, _ := newTestPool(t, 3)
	ctx := context.Background()

	_, err := p.Acquire(ctx, "acct_1")
	require.NoError(t, err)
	engine.sessions["acct_1"].probeHang = time.Minute

	start := time.Now()
	p.reap(ctx)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.True(t, engine.sessions["acct_1"].closed)
}

func TestReapSkipsBusy(t *testing.T) {
	p, engine, _ := newTestPool(t, 3)
	ctx := context.Background()

	clock := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return clock }

	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = p.UseInstance(ctx, "acct_1", func(*Instance) error {
			close(started)
			<-done
			return nil
		})
	}()
	<-started

	clock = clock.Add(time.Hour)
	p.reap(ctx)
	assert.False(t, engine.sessions["acct_1"].closed)
	close(done)
}

func TestConcurrentAcquireSingleInstancePerAccount(t *testing.T) {
	p, engine, _ := newTestPool(t, 10)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Acquire(ctx, "acct_1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, engine.created)
	assert.Equal(t, 1, p.GetStats().Total)
}

func TestShutdownPersistsAllSessions(t *testing.T) {
	p, engine, store := newTestPool(t, 3)
	ctx := context.Background()

	_, err := p.Acquire(ctx, "acct_1")
	require.NoError(t, err)
	_, err = p.Acquire(ctx, "acct_2")
	require.NoError(t, err)

	p.Shutdown(ctx)

	assert.True(t, engine.sessions["acct_1"].closed)
	assert.True(t, engine.sessions["acct_2"].closed)
	assert.Equal(t, []byte("state:acct_1"), store.blobs["acct_1"])
	assert.Equal(t, []byte("state:acct_2"), store.blobs["acct_2"])
	assert.Equal(t, 0, p.GetStats().Total)
}
