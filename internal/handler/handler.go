// Package handler routes verified tasks to their automation implementations.
// The site-specific interaction scripts (selectors, form sequences) live
// outside this repo and register themselves on the Mux; the built-in session
// handlers cover session validation and refresh generically, since those only
// need navigation and cookie state.
package handler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/MangaiYashobeam/FMD/api/schemas"
	"github.com/MangaiYashobeam/FMD/internal/dispatcher"
	"github.com/MangaiYashobeam/FMD/internal/pool"
)

// BrowserSession is the browser surface handlers drive. Satisfied by the
// chromedp session behind a pooled instance.
type BrowserSession interface {
	Run(ctx context.Context, actions ...chromedp.Action) error
	Snapshot(ctx context.Context) ([]byte, error)
	Probe(ctx context.Context) error
}

// Func executes one task type on a browser instance.
type Func func(ctx context.Context, task *schemas.Task, session BrowserSession) (map[string]any, error)

// Mux dispatches tasks by type.
type Mux struct {
	logger   *zap.Logger
	handlers map[schemas.TaskType]Func
}

func NewMux(logger *zap.Logger) *Mux {
	return &Mux{
		logger:   logger.Named("handler"),
		handlers: make(map[schemas.TaskType]Func),
	}
}

// Register binds a task type to its implementation. Later registrations
// replace earlier ones.
func (m *Mux) Register(typ schemas.TaskType, fn Func) {
	m.handlers[typ] = fn
}

// Handle implements the dispatcher's Handler contract. An unregistered task
// type is a terminal failure: retrying cannot make an implementation appear.
func (m *Mux) Handle(ctx context.Context, task *schemas.Task, inst *pool.Instance) (map[string]any, error) {
	fn, ok := m.handlers[task.Type]
	if !ok {
		return nil, fmt.Errorf("no handler registered for task type %s", task.Type)
	}

	session, ok := inst.Session.(BrowserSession)
	if !ok {
		return nil, fmt.Errorf("instance session does not support browser automation")
	}

	m.logger.Debug("Dispatching task to handler",
		zap.String("task_id", task.ID),
		zap.String("type", string(task.Type)))
	return fn(ctx, task, session)
}

// SessionStore persists session state between handler runs.
type SessionStore interface {
	Save(ctx context.Context, accountID string, blob []byte) error
	ExtendTTL(ctx context.Context, accountID string) error
}

// SessionHandlers provides the built-in validate_session and refresh_session
// implementations.
type SessionHandlers struct {
	sessions  SessionStore
	targetURL string
	logger    *zap.Logger
}

func NewSessionHandlers(sessions SessionStore, targetURL string, logger *zap.Logger) *SessionHandlers {
	return &SessionHandlers{
		sessions:  sessions,
		targetURL: targetURL,
		logger:    logger.Named("session_handlers"),
	}
}

// RegisterOn installs the session handlers on a mux.
func (h *SessionHandlers) RegisterOn(mux *Mux) {
	mux.Register(schemas.TaskValidateSession, h.ValidateSession)
	mux.Register(schemas.TaskRefreshSession, h.RefreshSession)
}

// cookieCount reports how many cookies a persisted session blob carries. The
// blob always decodes to a non-empty JSON document, so blob length says
// nothing about whether a login survived; the jar does.
func cookieCount(blob []byte) int {
	var state struct {
		Cookies []json.RawMessage `json:"cookies"`
	}
	if err := json.Unmarshal(blob, &state); err != nil {
		return 0
	}
	return len(state.Cookies)
}

// ValidateSession navigates to the target site and checks whether the
// restored session still carries authenticated cookies. Reaching the site at
// all exercises the full cookie jar; an empty jar afterwards means the login
// is gone.
func (h *SessionHandlers) ValidateSession(ctx context.Context, task *schemas.Task, session BrowserSession) (map[string]any, error) {
	if err := session.Run(ctx,
		chromedp.Navigate(h.targetURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return nil, dispatcher.Retryable(fmt.Errorf("navigation failed: %w", err))
	}

	blob, err := session.Snapshot(ctx)
	if err != nil {
		return nil, dispatcher.Retryable(fmt.Errorf("failed to read session state: %w", err))
	}

	cookies := cookieCount(blob)
	valid := cookies > 0
	if valid {
		if err := h.sessions.Save(ctx, task.AccountID, blob); err != nil {
			h.logger.Warn("Failed to persist validated session",
				zap.String("account_id", task.AccountID), zap.Error(err))
		}
	}

	return map[string]any{
		"session_valid": valid,
		"cookie_count":  cookies,
		"account_id":    task.AccountID,
	}, nil
}

// RefreshSession re-navigates the target site to renew rolling cookies and
// persists the refreshed state with a fresh TTL.
func (h *SessionHandlers) RefreshSession(ctx context.Context, task *schemas.Task, session BrowserSession) (map[string]any, error) {
	if err := session.Run(ctx,
		chromedp.Navigate(h.targetURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return nil, dispatcher.Retryable(fmt.Errorf("navigation failed: %w", err))
	}

	blob, err := session.Snapshot(ctx)
	if err != nil {
		return nil, dispatcher.Retryable(fmt.Errorf("failed to snapshot refreshed session: %w", err))
	}
	if cookieCount(blob) == 0 {
		return nil, fmt.Errorf("refresh produced no cookies, login required")
	}

	if err := h.sessions.Save(ctx, task.AccountID, blob); err != nil {
		return nil, dispatcher.Retryable(fmt.Errorf("failed to persist refreshed session: %w", err))
	}
	if err := h.sessions.ExtendTTL(ctx, task.AccountID); err != nil {
		h.logger.Warn("Failed to extend session ttl",
			zap.String("account_id", task.AccountID), zap.Error(err))
	}

	return map[string]any{
		"refreshed":  true,
		"account_id": task.AccountID,
	}, nil
}
