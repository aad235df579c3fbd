package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"rointe_sync/internal/auth"
	"rointe_sync/internal/command"
	"rointe_sync/internal/config"
	"rointe_sync/internal/logger"
	"rointe_sync/internal/models"
	"rointe_sync/internal/realtime"
	"rointe_sync/internal/repository"
	"rointe_sync/internal/rest"
	"rointe_sync/internal/retry"
	"rointe_sync/internal/store"

	"golang.org/x/sync/errgroup"
)

var (
	// ErrNotLoggedIn is returned by Start when no session exists.
	ErrNotLoggedIn = errors.New("not logged in")
	// ErrEngineClosed is returned by operations after Shutdown.
	ErrEngineClosed = errors.New("engine closed")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("engine already started")
)

// Identity is the session side of *auth.Manager.
type Identity interface {
	Login(ctx context.Context, email, password string) error
	Restore(ctx context.Context, email string) (bool, error)
	Logout(ctx context.Context) error
	HasSession() bool
	UserID() string
	Close(ctx context.Context) error
}

// Discoverer fetches the full device tree. *rest.Client implements it.
type Discoverer interface {
	Discover(ctx context.Context) (models.FleetSnapshot, error)
}

// Stream is the realtime subscription. *realtime.Client implements it.
type Stream interface {
	Run(ctx context.Context) error
	Shutdown(ctx context.Context) error
	Status() realtime.Status
	OnResync(fn func(ctx context.Context, gap time.Duration))
	Resume()
}

// Commander issues user commands. *command.Dispatcher implements it.
type Commander interface {
	SetMode(ctx context.Context, deviceID string, mode models.Mode) error
	SetHVACMode(ctx context.Context, deviceID string, h models.HVACMode) error
	SetTemperature(ctx context.Context, deviceID string, value float64) error
	SetScheduleMode(ctx context.Context, deviceID string, auto bool) error
}

// Task is a long-running job run alongside the stream, e.g. a state mirror.
type Task func(ctx context.Context) error

// Engine ties the session, discovery, the live stream and the command path
// to one device store.
type Engine struct {
	identity Identity
	api      Discoverer
	store    *store.Store
	stream   Stream
	commands Commander
	log      *logger.Logger
	now      func() time.Time

	discoveryInterval time.Duration

	mu            sync.Mutex
	degraded      bool
	lastDiscovery time.Time
	discoveryErr  error
	streamErr     error
	started       bool
	closed        bool
	tasks         map[string]Task
	cancel        context.CancelFunc
	group         *errgroup.Group
	done          chan struct{}
	runErr        error
}

// NewEngine builds the full client stack from configuration.
func NewEngine(cfg *config.Config, repos *repository.Repository, log *logger.Logger) (*Engine, error) {
	mgr := auth.NewManager(auth.Config{
		LoginURL:     cfg.Auth.LoginURL,
		SignInURL:    cfg.Auth.SignInURL,
		RefreshURL:   cfg.Auth.RefreshURL,
		APIKey:       cfg.Auth.APIKey,
		EmailDomain:  cfg.Auth.FirebaseEmailDomain,
		UserAgent:    cfg.Rest.UserAgent,
		Origin:       cfg.Rest.Origin,
		ExpiryMargin: cfg.Auth.ExpiryMargin,
		Timeout:      cfg.Auth.Timeout,
		Retry:        retryConfig(cfg.Auth.Retry),
	}, repos.Credentials, &http.Client{}, log)

	api, err := rest.NewClient(rest.Config{
		BaseURL:   cfg.Rest.BaseURL,
		Timeout:   cfg.Rest.Timeout,
		UserAgent: cfg.Rest.UserAgent,
		Origin:    cfg.Rest.Origin,
		Retry:     retryConfig(cfg.Rest.Retry),
	}, mgr, nil, log)
	if err != nil {
		return nil, err
	}

	st := store.New(log)
	stream := realtime.NewClient(realtime.Config{
		URL:            cfg.Realtime.URL,
		Origin:         cfg.Realtime.Origin,
		Keepalive:      cfg.Realtime.Keepalive,
		IdleTimeout:    cfg.Realtime.IdleTimeout,
		RequestTimeout: cfg.Realtime.RequestTimeout,
		BackoffInitial: cfg.Realtime.Backoff.Initial,
		BackoffMax:     cfg.Realtime.Backoff.Max,
		BackoffJitter:  cfg.Realtime.Backoff.Jitter,
		StableAfter:    cfg.Realtime.StableAfter,
		ResyncGap:      cfg.Realtime.ResyncGap,
	}, mgr, st, log)
	dispatcher := command.NewDispatcher(st, api, repos.Commands, log)

	return newEngine(mgr, api, st, stream, dispatcher, cfg.Discovery.Interval, log), nil
}

func newEngine(identity Identity, api Discoverer, st *store.Store, stream Stream, commands Commander, interval time.Duration, log *logger.Logger) *Engine {
	e := &Engine{
		identity:          identity,
		api:               api,
		store:             st,
		stream:            stream,
		commands:          commands,
		log:               log.Named("engine"),
		now:               time.Now,
		discoveryInterval: interval,
		tasks:             make(map[string]Task),
		done:              make(chan struct{}),
	}
	stream.OnResync(func(ctx context.Context, gap time.Duration) {
		e.log.Infow("resync_discovery", "gap", gap)
		_ = e.Discover(ctx)
	})
	return e
}

func retryConfig(rc config.RetryConfig) retry.Config {
	c := retry.DefaultConfig()
	if rc.MaxAttempts > 0 {
		c.MaxAttempts = rc.MaxAttempts
	}
	if rc.InitialDelay > 0 {
		c.InitialDelay = rc.InitialDelay
	}
	if rc.MaxDelay > 0 {
		c.MaxDelay = rc.MaxDelay
	}
	return c
}

// Login exchanges credentials for a session.
func (e *Engine) Login(ctx context.Context, email, password string) error {
	if e.isClosed() {
		return ErrEngineClosed
	}
	if err := e.identity.Login(ctx, email, password); err != nil {
		return err
	}
	// a stream parked on a rejected session picks the new one up
	e.stream.Resume()
	return nil
}

// Authenticate restores the stored session for email and falls back to a
// password login when there is none.
func (e *Engine) Authenticate(ctx context.Context, email, password string) error {
	ok, err := e.identity.Restore(ctx, email)
	if err == nil && ok {
		e.log.Infow("session_restored", "user_id", e.identity.UserID())
		return nil
	}
	if err != nil && !errors.Is(err, auth.ErrReauthRequired) {
		return err
	}
	if password == "" {
		return fmt.Errorf("no stored session for %s and no password: %w", email, auth.ErrReauthRequired)
	}
	return e.Login(ctx, email, password)
}

// Logout ends the session and forgets the stored refresh token.
func (e *Engine) Logout(ctx context.Context) error {
	return e.identity.Logout(ctx)
}

// HasSession reports whether a login or restore succeeded.
func (e *Engine) HasSession() bool { return e.identity.HasSession() }

// Discover fetches the device tree and merges it into the store. On failure
// the current tree is kept and the engine reports degraded connectivity.
func (e *Engine) Discover(ctx context.Context) error {
	if e.isClosed() {
		return ErrEngineClosed
	}
	snap, err := e.api.Discover(ctx)
	e.mu.Lock()
	if err != nil {
		e.degraded = true
		e.discoveryErr = err
		e.mu.Unlock()
		e.log.Warnw("discovery_failed", "err", err, "kept_devices", e.store.Len())
		return err
	}
	e.degraded = false
	e.discoveryErr = nil
	e.lastDiscovery = e.now()
	e.mu.Unlock()

	e.store.ApplySnapshot(snap)
	e.log.Infow("discovery_applied", "installations", len(snap.Installations), "devices", len(snap.Devices()))
	return nil
}

// Attach registers a task to run while the engine is started. Call before Start.
func (e *Engine) Attach(name string, t Task) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tasks[name] = t
}

// Start discovers the fleet if the store is empty, then runs the realtime
// stream, periodic discovery and attached tasks until Shutdown.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	switch {
	case e.closed:
		e.mu.Unlock()
		return ErrEngineClosed
	case e.started:
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	e.mu.Unlock()

	if !e.identity.HasSession() {
		return ErrNotLoggedIn
	}
	if e.store.Len() == 0 {
		if err := e.Discover(ctx); err != nil {
			return fmt.Errorf("initial discovery: %w", err)
		}
	}

	e.mu.Lock()
	if e.closed || e.started {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g, gctx := errgroup.WithContext(runCtx)
	e.started = true
	e.cancel = cancel
	e.group = g
	tasks := make(map[string]Task, len(e.tasks))
	for k, v := range e.tasks {
		tasks[k] = v
	}
	e.mu.Unlock()

	g.Go(func() error {
		err := e.stream.Run(gctx)
		if err != nil {
			e.mu.Lock()
			e.streamErr = err
			e.mu.Unlock()
			e.log.Errorw("stream_stopped", "err", err)
		}
		return err
	})
	if e.discoveryInterval > 0 {
		g.Go(func() error { return e.discoveryLoop(gctx) })
	}
	for name, t := range tasks {
		name, t := name, t
		g.Go(func() error {
			err := t(gctx)
			if err != nil && gctx.Err() == nil {
				e.log.Errorw("task_failed", "task", name, "err", err)
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		})
	}

	go func() {
		err := g.Wait()
		e.mu.Lock()
		e.runErr = err
		e.mu.Unlock()
		close(e.done)
	}()
	e.log.Infow("engine_started", "devices", e.store.Len(), "tasks", len(tasks))
	return nil
}

func (e *Engine) discoveryLoop(ctx context.Context) error {
	t := time.NewTicker(e.discoveryInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			_ = e.Discover(ctx)
		}
	}
}

// Done is closed once every started task has returned.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Err returns the error that stopped the engine, if any.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runErr
}

// Shutdown stops the stream for good, cancels every task and waits for them.
// Subscribers see their channels closed. The engine cannot be restarted.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	started := e.started
	cancel := e.cancel
	e.mu.Unlock()

	err := e.stream.Shutdown(ctx)
	if !started {
		close(e.done)
	} else {
		cancel()
		select {
		case <-e.done:
		case <-ctx.Done():
			err = errors.Join(err, fmt.Errorf("engine shutdown: %w", ctx.Err()))
		}
	}
	if cerr := e.identity.Close(ctx); cerr != nil {
		err = errors.Join(err, fmt.Errorf("session close: %w", cerr))
	}
	e.store.Close()
	e.log.Infow("engine_stopped")
	return err
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Tree returns a copy of the device graph.
func (e *Engine) Tree() []models.Installation { return e.store.Tree() }

// Devices returns a copy of every device.
func (e *Engine) Devices() []models.Device { return e.store.Devices() }

// Device returns one device by id.
func (e *Engine) Device(id string) (models.Device, bool) { return e.store.Get(id) }

// Subscribe streams device changes until cancel is called or the engine shuts down.
func (e *Engine) Subscribe(buffer int) (<-chan models.DeviceChanged, func()) {
	return e.store.Subscribe(buffer)
}

func (e *Engine) SetMode(ctx context.Context, deviceID string, mode models.Mode) error {
	if e.isClosed() {
		return ErrEngineClosed
	}
	return e.commands.SetMode(ctx, deviceID, mode)
}

func (e *Engine) SetHVACMode(ctx context.Context, deviceID string, h models.HVACMode) error {
	if e.isClosed() {
		return ErrEngineClosed
	}
	return e.commands.SetHVACMode(ctx, deviceID, h)
}

func (e *Engine) SetTemperature(ctx context.Context, deviceID string, value float64) error {
	if e.isClosed() {
		return ErrEngineClosed
	}
	return e.commands.SetTemperature(ctx, deviceID, value)
}

func (e *Engine) SetScheduleMode(ctx context.Context, deviceID string, auto bool) error {
	if e.isClosed() {
		return ErrEngineClosed
	}
	return e.commands.SetScheduleMode(ctx, deviceID, auto)
}
