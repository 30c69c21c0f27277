package handler

import (
	"context"
	"errors"
	"testing"

	"github.com/chromedp/chromedp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/MangaiYashobeam/FMD/api/schemas"
	"github.com/MangaiYashobeam/FMD/internal/dispatcher"
	"github.com/MangaiYashobeam/FMD/internal/pool"
)

type fakeSession struct {
	runErr      error
	snapshot    []byte
	snapshotErr error
	runs        int
}

func (s *fakeSession) ID() string                      { return "sess-1" }
func (s *fakeSession) Probe(ctx context.Context) error { return nil }
func (s *fakeSession) Close(ctx context.Context) error { return nil }
func (s *fakeSession) Snapshot(ctx context.Context) ([]byte, error) {
	return s.snapshot, s.snapshotErr
}

func (s *fakeSession) Run(ctx context.Context, actions ...chromedp.Action) error {
	s.runs++
	return s.runErr
}

type fakeStore struct {
	saved    map[string][]byte
	saveErr  error
	extended []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{saved: make(map[string][]byte)}
}

func (s *fakeStore) Save(ctx context.Context, accountID string, blob []byte) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saved[accountID] = blob
	return nil
}

func (s *fakeStore) ExtendTTL(ctx context.Context, accountID string) error {
	s.extended = append(s.extended, accountID)
	return nil
}

func sessionTask(typ schemas.TaskType) *schemas.Task {
	return &schemas.Task{
		ID:        "task_0011223344556677",
		Type:      typ,
		AccountID: "acct_1",
		Data:      map[string]any{"account_id": "acct_1"},
	}
}

func instanceWith(session pool.Session) *pool.Instance {
	return &pool.Instance{ID: "inst-1", AccountID: "acct_1", Session: session}
}

func TestMuxUnregisteredTypeIsTerminal(t *testing.T) {
	mux := NewMux(zap.NewNop())

	_, err := mux.Handle(context.Background(), sessionTask(schemas.TaskPostVehicle), instanceWith(&fakeSession{}))
	require.Error(t, err)
	assert.False(t, dispatcher.IsRetryable(err))
	assert.Contains(t, err.Error(), "no handler registered")
}

func TestMuxRoutesByType(t *testing.T) {
	mux := NewMux(zap.NewNop())
	mux.Register(schemas.TaskPostVehicle, func(ctx context.Context, task *schemas.Task, session BrowserSession) (map[string]any, error) {
		return map[string]any{"posted": true}, nil
	})

	result, err := mux.Handle(context.Background(), sessionTask(schemas.TaskPostVehicle), instanceWith(&fakeSession{}))
	require.NoError(t, err)
	assert.Equal(t, true, result["posted"])
}

func TestValidateSessionReportsValid(t *testing.T) {
	store := newFakeStore()
	session := &fakeSession{snapshot: []byte(`{"cookies":[{"name":"c_user"}]}`)}
	h := NewSessionHandlers(store, "https://example.com", zap.NewNop())

	mux := NewMux(zap.NewNop())
	h.RegisterOn(mux)

	result, err := mux.Handle(context.Background(), sessionTask(schemas.TaskValidateSession), instanceWith(session))
	require.NoError(t, err)
	assert.Equal(t, true, result["session_valid"])
	assert.Equal(t, "acct_1", result["account_id"])
	assert.Equal(t, session.snapshot, store.saved["acct_1"])
}

func TestValidateSessionEmptyJarIsInvalid(t *testing.T) {
	// A logged-out browser still snapshots a well-formed state document; the
	// check must look at the cookie jar, not the blob length.
	emptyJars := map[string][]byte{
		"null cookies": []byte(`{"cookies":null,"saved_at":"2026-08-29T00:00:00Z"}`),
		"zero cookies": []byte(`{"cookies":[],"saved_at":"2026-08-29T00:00:00Z"}`),
		"no snapshot":  nil,
	}
	for name, blob := range emptyJars {
		t.Run(name, func(t *testing.T) {
			store := newFakeStore()
			h := NewSessionHandlers(store, "https://example.com", zap.NewNop())

			result, err := h.ValidateSession(context.Background(), sessionTask(schemas.TaskValidateSession), &fakeSession{snapshot: blob})
			require.NoError(t, err)
			assert.Equal(t, false, result["session_valid"])
			assert.Equal(t, 0, result["cookie_count"])
			assert.Empty(t, store.saved)
		})
	}
}

func TestValidateSessionNavigationFailureIsRetryable(t *testing.T) {
	h := NewSessionHandlers(newFakeStore(), "https://example.com", zap.NewNop())
	session := &fakeSession{runErr: errors.New("net::ERR_CONNECTION_RESET")}

	_, err := h.ValidateSession(context.Background(), sessionTask(schemas.TaskValidateSession), session)
	require.Error(t, err)
	assert.True(t, dispatcher.IsRetryable(err))
}

func TestRefreshSessionPersistsAndExtends(t *testing.T) {
	store := newFakeStore()
	session := &fakeSession{snapshot: []byte(`{"cookies":[{"name":"xs"}]}`)}
	h := NewSessionHandlers(store, "https://example.com", zap.NewNop())

	result, err := h.RefreshSession(context.Background(), sessionTask(schemas.TaskRefreshSession), session)
	require.NoError(t, err)
	assert.Equal(t, true, result["refreshed"])
	assert.Equal(t, session.snapshot, store.saved["acct_1"])
	assert.Equal(t, []string{"acct_1"}, store.extended)
}

func TestRefreshSessionEmptyJarIsTerminal(t *testing.T) {
	h := NewSessionHandlers(newFakeStore(), "https://example.com", zap.NewNop())
	session := &fakeSession{snapshot: []byte(`{"cookies":[],"saved_at":"2026-08-29T00:00:00Z"}`)}

	_, err := h.RefreshSession(context.Background(), sessionTask(schemas.TaskRefreshSession), session)
	require.Error(t, err)
	assert.False(t, dispatcher.IsRetryable(err))
	assert.Contains(t, err.Error(), "login required")
}

func TestRefreshSessionSaveFailureIsRetryable(t *testing.T) {
	store := newFakeStore()
	store.saveErr = errors.New("redis: connection refused")
	session := &fakeSession{snapshot: []byte(`{"cookies":[{"name":"xs"}]}`)}
	h := NewSessionHandlers(store, "https://example.com", zap.NewNop())

	_, err := h.RefreshSession(context.Background(), sessionTask(schemas.TaskRefreshSession), session)
	require.Error(t, err)
	assert.True(t, dispatcher.IsRetryable(err))
}
