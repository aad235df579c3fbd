package auth

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"rointe_sync/internal/logger"
	"rointe_sync/internal/models"
	"rointe_sync/internal/repository"
	"rointe_sync/internal/retry"

	"golang.org/x/sync/singleflight"
)

const refreshKey = "refresh"

// Config holds the identity endpoints and timing knobs.
type Config struct {
	LoginURL     string
	SignInURL    string
	RefreshURL   string
	APIKey       string
	EmailDomain  string
	UserAgent    string
	Origin       string
	ExpiryMargin time.Duration
	Timeout      time.Duration
	Retry        retry.Config
}

// Manager owns the session: it logs in, keeps one current token and renews it
// before expiry. Concurrent renewals collapse into a single network exchange.
type Manager struct {
	cfg   Config
	http  *http.Client
	store repository.CredentialStore
	log   *logger.Logger
	now   func() time.Time

	mu           sync.RWMutex
	account      string
	userID       string
	refreshToken string
	token        models.Token

	sf singleflight.Group

	life     context.Context
	stop     context.CancelFunc
	lifeMu   sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

func NewManager(cfg Config, store repository.CredentialStore, client *http.Client, log *logger.Logger) *Manager {
	if client == nil {
		client = &http.Client{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.EmailDomain == "" {
		cfg.EmailDomain = "rointe.com"
	}
	life, stop := context.WithCancel(context.Background())
	return &Manager{
		cfg:   cfg,
		http:  client,
		store: store,
		log:   log.Named("auth"),
		now:   time.Now,
		life:  life,
		stop:  stop,
	}
}

// Close cancels any renewal in flight and waits for it to finish. Token
// requests after Close fail with Unavailable.
func (m *Manager) Close(ctx context.Context) error {
	m.lifeMu.Lock()
	m.closed = true
	m.lifeMu.Unlock()
	m.stop()

	done := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) track() bool {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	if m.closed {
		return false
	}
	m.inflight.Add(1)
	return true
}

// Login performs the full credential exchange and persists the refresh token.
// The password is used for this call only.
func (m *Manager) Login(ctx context.Context, email, password string) error {
	if email == "" || password == "" {
		return newError(InvalidCredentials, "email and password are required")
	}

	userID, err := m.restLogin(ctx, email, password)
	if err != nil {
		m.log.Warnw("login_failed", "stage", "rest", "err", err)
		return asAuthError(err)
	}
	g, err := m.signIn(ctx, userID)
	if err != nil {
		m.log.Warnw("login_failed", "stage", "identity", "err", err)
		return asAuthError(err)
	}

	account := repository.AccountKey(email)
	m.mu.Lock()
	m.account = account
	m.userID = userID
	m.applyGrantLocked(g)
	tok := m.token
	m.mu.Unlock()

	if err := m.persist(ctx, account, userID, g.refreshToken); err != nil {
		m.log.Errorw("credential_save_failed", "err", err)
	}
	m.log.Infow("login_ok", "user_id", userID, "token", tok.Fingerprint(), "expires_at", tok.ExpiresAt)
	return nil
}

// Restore loads a persisted session for email. It reports false when none is stored.
// The token is renewed lazily on first use.
func (m *Manager) Restore(ctx context.Context, email string) (bool, error) {
	if m.store == nil {
		return false, nil
	}
	cred, err := m.store.Load(ctx, email)
	if err != nil {
		return false, asAuthError(err)
	}
	if cred == nil || cred.RefreshToken == "" {
		return false, nil
	}

	m.mu.Lock()
	m.account = cred.Account
	m.userID = cred.UserID
	m.refreshToken = cred.RefreshToken
	m.token = models.Token{}
	m.mu.Unlock()

	m.log.Infow("session_restored", "user_id", cred.UserID)
	return true, nil
}

// GetValidToken returns a token valid for at least the expiry margin, refreshing if needed.
func (m *Manager) GetValidToken(ctx context.Context) (models.Token, error) {
	m.mu.RLock()
	tok := m.token
	m.mu.RUnlock()

	if tok.Valid(m.now(), m.cfg.ExpiryMargin) {
		return tok, nil
	}
	return m.refresh(ctx, "")
}

// ForceRefresh renews the token after the server rejected stale. If another
// caller already replaced stale, the newer token is returned without a network call.
func (m *Manager) ForceRefresh(ctx context.Context, stale models.Token) (models.Token, error) {
	return m.refresh(ctx, stale.IDToken)
}

// Invalidate drops the in-memory token so the next use refreshes.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.token = models.Token{}
	m.mu.Unlock()
}

// UserID returns the vendor user id of the session, empty before login.
func (m *Manager) UserID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.userID
}

// HasSession reports whether a refresh token is held.
func (m *Manager) HasSession() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.refreshToken != ""
}

// Logout forgets the session and removes the stored credential.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	account := m.account
	m.account, m.userID, m.refreshToken = "", "", ""
	m.token = models.Token{}
	m.mu.Unlock()

	if m.store == nil || account == "" {
		return nil
	}
	if err := m.store.Delete(ctx, account); err != nil {
		return asAuthError(err)
	}
	m.log.Infow("logout_ok")
	return nil
}

// refresh coalesces renewals. The exchange runs on the manager's lifetime
// context, not the caller's, so one cancelled caller cannot fail the others
// and Close still stops it.
func (m *Manager) refresh(ctx context.Context, stale string) (models.Token, error) {
	ch := m.sf.DoChan(refreshKey, func() (any, error) {
		if !m.track() {
			return models.Token{}, newError(Unavailable, "session manager closed")
		}
		defer m.inflight.Done()
		return m.doRefresh(m.life, stale)
	})
	select {
	case <-ctx.Done():
		return models.Token{}, newError(Unavailable, "refresh: %w", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return models.Token{}, res.Err
		}
		return res.Val.(models.Token), nil
	}
}

func (m *Manager) doRefresh(ctx context.Context, stale string) (models.Token, error) {
	m.mu.RLock()
	current := m.token
	rt := m.refreshToken
	account := m.account
	m.mu.RUnlock()

	// someone else already renewed
	if current.Valid(m.now(), m.cfg.ExpiryMargin) && (stale == "" || current.IDToken != stale) {
		return current, nil
	}
	if rt == "" {
		return models.Token{}, newError(ReauthRequired, "no session")
	}

	g, err := m.exchangeRefresh(ctx, rt)
	if ctx.Err() != nil {
		return models.Token{}, newError(Unavailable, "session manager closed")
	}
	if err != nil {
		err = asAuthError(err)
		if errors.Is(err, ErrReauthRequired) {
			m.mu.Lock()
			m.refreshToken = ""
			m.token = models.Token{}
			m.mu.Unlock()
			if m.store != nil && account != "" {
				if derr := m.store.Delete(ctx, account); derr != nil {
					m.log.Errorw("credential_delete_failed", "err", derr)
				}
			}
		}
		m.log.Warnw("token_refresh_failed", "err", err)
		return models.Token{}, err
	}

	m.mu.Lock()
	m.applyGrantLocked(g)
	tok := m.token
	userID := m.userID
	m.mu.Unlock()

	if g.refreshToken != rt {
		if err := m.persist(ctx, account, userID, g.refreshToken); err != nil {
			m.log.Errorw("credential_save_failed", "err", err)
		}
	}
	m.log.Infow("token_refreshed", "token", tok.Fingerprint(), "expires_at", tok.ExpiresAt)
	return tok, nil
}

func (m *Manager) applyGrantLocked(g grant) {
	if g.userID != "" && m.userID == "" {
		m.userID = g.userID
	}
	if g.refreshToken != "" {
		m.refreshToken = g.refreshToken
	}
	m.token = models.Token{IDToken: g.idToken, UserID: m.userID, ExpiresAt: g.expiresAt}
}

func (m *Manager) persist(ctx context.Context, account, userID, refreshToken string) error {
	if m.store == nil || account == "" {
		return nil
	}
	return m.store.Save(ctx, models.Credential{
		Account:      account,
		UserID:       userID,
		RefreshToken: refreshToken,
		UpdatedAt:    m.now().UTC(),
	})
}
