// Package browser wraps chromedp behind the Engine used by the instance
// pool. The engine owns a single browser process via an exec allocator; each
// account gets an isolated session (browser context) seeded with that
// account's persisted cookies.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MangaiYashobeam/FMD/internal/config"
)

// sessionState is the persisted session blob shape.
type sessionState struct {
	Cookies []*network.Cookie `json:"cookies"`
	SavedAt time.Time         `json:"saved_at"`
}

// Engine manages the browser process and creates isolated per-account
// sessions.
type Engine struct {
	logger *zap.Logger
	cfg    config.BrowserConfig

	allocatorCtx    context.Context
	allocatorCancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewEngine starts the allocator for the browser executable.
func NewEngine(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*Engine, error) {
	e := &Engine{
		logger:   logger.Named("browser"),
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}

	e.allocatorCtx, e.allocatorCancel = chromedp.NewExecAllocator(ctx, e.allocatorOptions()...)

	e.logger.Info("Browser engine initialized", zap.Bool("headless", cfg.Headless))
	return e, nil
}

func (e *Engine) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)

	if e.cfg.Headless {
		opts = append(opts, chromedp.Headless)
	}

	opts = append(opts,
		// Automation detection evasion
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),

		// Stability in containerized environments
		chromedp.Flag("disable-background-networking", true),
		chromedp.Flag("disable-sync", true),
		chromedp.Flag("metrics-recording-only", true),
		chromedp.Flag("disable-default-apps", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("disable-hang-monitor", true),
		chromedp.Flag("disable-prompt-on-repost", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-gpu", e.cfg.Headless),

		chromedp.Flag("ignore-certificate-errors", e.cfg.IgnoreTLSErrors),
	)

	for _, arg := range e.cfg.Args {
		opts = append(opts, chromedp.Flag(arg, true))
	}

	return opts
}

// newSessionContext derives a browser context from the allocator. The
// session's lifetime is bound to the engine, never to the caller: pooled
// instances must outlive the task that happened to create them.
func (e *Engine) newSessionContext() (context.Context, context.CancelFunc) {
	return chromedp.NewContext(e.allocatorCtx,
		chromedp.WithLogf(e.logger.Sugar().Debugf),
		chromedp.WithErrorf(e.logger.Sugar().Errorf),
	)
}

// NewSession creates an isolated browser context for the account. A non-nil
// sessionBlob seeds the context with previously persisted cookies; a nil blob
// starts cold. The parent context bounds only the creation work itself.
func (e *Engine) NewSession(parent context.Context, accountID string, sessionBlob []byte) (*Session, error) {
	ctx, cancel := e.newSessionContext()

	initCtx := ctx
	if dl, ok := parent.Deadline(); ok {
		var initCancel context.CancelFunc
		initCtx, initCancel = context.WithDeadline(ctx, dl)
		defer initCancel()
	}

	if err := chromedp.Run(initCtx, chromedp.Navigate("about:blank")); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize browser context: %w", err)
	}

	if len(sessionBlob) > 0 {
		if err := seedSession(initCtx, sessionBlob); err != nil {
			// A corrupt or stale blob means a fresh login, not a dead
			// instance.
			e.logger.Warn("Failed to restore session state, starting cold",
				zap.String("account_id", accountID), zap.Error(err))
		}
	}

	s := &Session{
		id:        uuid.New().String(),
		accountID: accountID,
		ctx:       ctx,
		cancel:    cancel,
		engine:    e,
		logger:    e.logger.With(zap.String("account_id", accountID)),
	}

	e.mu.Lock()
	e.sessions[s.id] = s
	e.mu.Unlock()

	return s, nil
}

func (e *Engine) unregister(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, sessionID)
}

// Shutdown closes all live sessions concurrently and then stops the browser
// process. Individual session closes are time-bounded so one hung tab cannot
// stall shutdown.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.logger.Info("Shutting down browser engine")

	e.mu.Lock()
	toClose := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		toClose = append(toClose, s)
	}
	e.sessions = make(map[string]*Session)
	e.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range toClose {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			closeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			if err := s.Close(closeCtx); err != nil {
				e.logger.Warn("Error closing browser session during shutdown",
					zap.String("session_id", s.id), zap.Error(err))
			}
		}(s)
	}
	wg.Wait()

	if e.allocatorCancel != nil {
		e.allocatorCancel()
	}

	e.logger.Info("Browser engine shutdown complete")
	return nil
}

// Session is one isolated browser context bound to a single account.
type Session struct {
	id        string
	accountID string
	ctx       context.Context
	cancel    context.CancelFunc
	engine    *Engine
	logger    *zap.Logger

	closeOnce sync.Once
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) AccountID() string {
	return s.accountID
}

// Context returns the chromedp context for running task actions.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Run executes chromedp actions in this session, bounded by deadline.
func (s *Session) Run(deadline context.Context, actions ...chromedp.Action) error {
	runCtx := s.ctx
	if dl, ok := deadline.Deadline(); ok {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithDeadline(s.ctx, dl)
		defer cancel()
	}
	return chromedp.Run(runCtx, actions...)
}

// Probe checks liveness by evaluating document.readyState. The caller bounds
// the probe with its context deadline.
func (s *Session) Probe(deadline context.Context) error {
	var state string
	if err := s.Run(deadline, chromedp.Evaluate("document.readyState", &state)); err != nil {
		return fmt.Errorf("liveness probe failed: %w", err)
	}
	if state == "" {
		return fmt.Errorf("liveness probe returned empty readyState")
	}
	return nil
}

// Snapshot captures the current cookie jar as a persistable session blob.
func (s *Session) Snapshot(deadline context.Context) ([]byte, error) {
	var cookies []*network.Cookie
	err := s.Run(deadline, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = storage.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot session: %w", err)
	}

	blob, err := json.Marshal(sessionState{Cookies: cookies, SavedAt: time.Now().UTC()})
	if err != nil {
		return nil, fmt.Errorf("failed to serialize session state: %w", err)
	}
	return blob, nil
}

// Close tears down the browser context. Safe to call more than once.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.engine.unregister(s.id)
		s.cancel()
	})
	return nil
}

// seedSession installs persisted cookies into a fresh browser context.
func seedSession(ctx context.Context, blob []byte) error {
	var state sessionState
	if err := json.Unmarshal(blob, &state); err != nil {
		return fmt.Errorf("invalid session blob: %w", err)
	}
	if len(state.Cookies) == 0 {
		return nil
	}

	params := make([]*network.CookieParam, 0, len(state.Cookies))
	for _, c := range state.Cookies {
		p := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
			SameSite: c.SameSite,
		}
		if c.Expires > 0 {
			expires := cdp.TimeSinceEpoch(time.Unix(int64(c.Expires), 0))
			p.Expires = &expires
		}
		params = append(params, p)
	}

	return chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return storage.SetCookies(params).Do(ctx)
	}))
}
