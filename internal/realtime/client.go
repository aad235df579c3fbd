package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"rointe_sync/internal/auth"
	"rointe_sync/internal/logger"
	"rointe_sync/internal/models"
	"rointe_sync/internal/retry"

	"github.com/gorilla/websocket"
)

// State is the connection state of the realtime client.
type State int

const (
	Disconnected State = iota
	Connecting
	Subscribed
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Subscribed:
		return "subscribed"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// StateChange is reported on every transition.
type StateChange struct {
	From State
	To   State
	Err  error
	At   time.Time
}

// ErrClosed is returned by Run after Shutdown.
var ErrClosed = errors.New("realtime client closed")

// maxRedirects bounds consecutive server redirects before the client falls
// back to the configured URL and backs off.
const maxRedirects = 3

// TokenSource supplies connection credentials. *auth.Manager implements it.
type TokenSource interface {
	GetValidToken(ctx context.Context) (models.Token, error)
	ForceRefresh(ctx context.Context, stale models.Token) (models.Token, error)
}

// Sink receives routed deltas. *store.Store implements it.
type Sink interface {
	ApplyPatch(deviceID string, patch models.Patch) (bool, error)
	LookupBySerial(serial string) (string, bool)
	DevicesInZone(zoneID string) []string
	Serials() []string
	ZoneIDs() []string
}

type Config struct {
	URL            string
	Origin         string
	Keepalive      time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	BackoffJitter  float64
	StableAfter    time.Duration
	ResyncGap      time.Duration
}

// Status is a point-in-time view of the connection.
type Status struct {
	State         State     `json:"-"`
	StateName     string    `json:"state"`
	Reconnects    int       `json:"reconnects"`
	LastConnected time.Time `json:"last_connected"`
	LastError     string    `json:"last_error,omitempty"`
	AwaitingLogin bool      `json:"awaiting_login,omitempty"`
}

// Client keeps one authenticated listen session open and reconnects with
// backoff. It is single-use: after Shutdown it cannot be started again.
type Client struct {
	cfg     Config
	tokens  TokenSource
	sink    Sink
	dialer  *websocket.Dialer
	backoff *retry.Backoff
	log     *logger.Logger
	now     func() time.Time

	onState  func(StateChange)
	onResync func(ctx context.Context, gap time.Duration)

	mu            sync.Mutex
	state         State
	host          string
	needRefresh   bool
	reconnects    int
	lastConnected time.Time
	lastErr       error
	running       bool
	awaitingLogin bool

	resume   chan struct{}
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewClient(cfg Config, tokens TokenSource, sink Sink, log *logger.Logger) *Client {
	if cfg.Keepalive <= 0 {
		cfg.Keepalive = 25 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 90 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = time.Second
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		cfg.BackoffMax = 60 * time.Second
	}
	if cfg.StableAfter <= 0 {
		cfg.StableAfter = 30 * time.Second
	}
	return &Client{
		cfg:     cfg,
		tokens:  tokens,
		sink:    sink,
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.RequestTimeout, Proxy: http.ProxyFromEnvironment},
		backoff: retry.NewBackoff(cfg.BackoffInitial, cfg.BackoffMax, cfg.BackoffJitter),
		log:     log.Named("realtime"),
		now:     time.Now,
		resume:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// OnStateChange registers a callback for transitions. Call before Run.
func (c *Client) OnStateChange(fn func(StateChange)) { c.onState = fn }

// OnResync registers the hook run after a reconnect whose gap exceeded the
// resync threshold. Call before Run.
func (c *Client) OnResync(fn func(ctx context.Context, gap time.Duration)) { c.onResync = fn }

// State returns the current state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns connection statistics.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		State:         c.state,
		StateName:     c.state.String(),
		Reconnects:    c.reconnects,
		LastConnected: c.lastConnected,
		AwaitingLogin: c.awaitingLogin,
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	return st
}

// Run drives the connect/subscribe/reconnect loop until ctx ends or Shutdown
// is called. When the session is rejected for good the client stays
// Disconnected until Resume reports a new login.
func (c *Client) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.state == Closed || c.running {
		c.mu.Unlock()
		return ErrClosed
	}
	c.running = true
	c.mu.Unlock()
	defer close(c.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	var (
		disconnectedAt time.Time
		redirects      int
	)
	for {
		if ctx.Err() != nil {
			c.setState(Closed, nil)
			return nil
		}

		c.setState(Connecting, nil)
		res := c.session(ctx, disconnectedAt)

		if ctx.Err() != nil {
			c.setState(Closed, nil)
			return nil
		}
		if isFatal(res.err) {
			c.mu.Lock()
			c.awaitingLogin = true
			c.mu.Unlock()
			c.setState(Disconnected, res.err)
			c.log.Errorw("realtime_login_required", "err", res.err)
			if !c.awaitLogin(ctx) {
				c.setState(Closed, nil)
				return nil
			}
			c.log.Infow("realtime_login_resumed")
			c.backoff.Reset()
			continue
		}

		c.setState(Disconnected, res.err)
		if !res.subscribedAt.IsZero() {
			redirects = 0
			disconnectedAt = c.now()
			if disconnectedAt.Sub(res.subscribedAt) >= c.cfg.StableAfter {
				c.backoff.Reset()
			}
		} else if disconnectedAt.IsZero() {
			disconnectedAt = c.now()
		}

		switch {
		case res.redirect:
			redirects++
			if redirects <= maxRedirects {
				continue
			}
			c.log.Warnw("realtime_redirect_loop", "redirects", redirects)
			redirects = 0
			c.resetHost()
		case res.subscribedAt.IsZero():
			c.resetHost()
		}
		delay := c.backoff.Next()
		c.log.Infow("realtime_reconnect_scheduled", "delay", delay, "attempt", c.backoff.Attempt(), "err", res.err)
		if err := retry.Sleep(ctx, delay); err != nil {
			c.setState(Closed, nil)
			return nil
		}
	}
}

// Resume wakes a client waiting for a new login. It is a no-op otherwise.
func (c *Client) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.awaitingLogin {
		return
	}
	select {
	case c.resume <- struct{}{}:
	default:
	}
}

func (c *Client) awaitLogin(ctx context.Context) bool {
	defer func() {
		c.mu.Lock()
		c.awaitingLogin = false
		c.mu.Unlock()
	}()
	select {
	case <-c.resume:
		return true
	case <-ctx.Done():
		return false
	}
}

// resetHost drops a host learned from the server so the next dial uses the
// configured URL.
func (c *Client) resetHost() {
	c.mu.Lock()
	c.host = ""
	c.mu.Unlock()
}

// Shutdown stops the client for good: it closes the connection, cancels any
// pending reconnect and waits for Run to return.
func (c *Client) Shutdown(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stop) })

	c.mu.Lock()
	running := c.running
	c.mu.Unlock()

	if running {
		select {
		case <-c.done:
		case <-ctx.Done():
			return fmt.Errorf("realtime shutdown: %w", ctx.Err())
		}
	}
	c.setState(Closed, nil)
	return nil
}

func (c *Client) setState(to State, err error) {
	c.mu.Lock()
	from := c.state
	if from == Closed || (from == to && err == nil) {
		c.mu.Unlock()
		return
	}
	c.state = to
	if err != nil {
		c.lastErr = err
	}
	switch to {
	case Subscribed:
		c.lastConnected = c.now()
	case Connecting:
		if from == Disconnected && !c.lastConnected.IsZero() {
			c.reconnects++
		}
	}
	cb := c.onState
	c.mu.Unlock()

	c.log.Infow("realtime_state", "from", from.String(), "to", to.String(), "err", err)
	if cb != nil {
		cb(StateChange{From: from, To: to, Err: err, At: c.now()})
	}
}

// isFatal reports errors that a reconnect cannot fix.
func isFatal(err error) bool {
	return errors.Is(err, auth.ErrReauthRequired) || errors.Is(err, auth.ErrInvalidCredentials)
}
