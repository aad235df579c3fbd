package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"rointe_sync/internal/logger"
	"rointe_sync/internal/models"
	"rointe_sync/internal/retry"

	"github.com/golang-jwt/jwt/v5"
)

// memStore is an in-memory CredentialStore.
type memStore struct {
	mu    sync.Mutex
	creds map[string]models.Credential
}

func newMemStore() *memStore { return &memStore{creds: map[string]models.Credential{}} }

func (s *memStore) Save(_ context.Context, c models.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[c.Account] = c
	return nil
}

func (s *memStore) Load(_ context.Context, account string) (*models.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[account]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *memStore) Delete(_ context.Context, account string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.creds, account)
	return nil
}

var tokenSeq atomic.Int64

func signedToken(t *testing.T, userID string, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"exp":     exp.Unix(),
		"jti":     strconv.FormatInt(tokenSeq.Add(1), 10),
	})
	s, err := tok.SignedString([]byte("test"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

// fakeIdentity serves the vendor login plus the identity-provider endpoints.
type fakeIdentity struct {
	t             *testing.T
	loginStatus   int
	signInStatus  int
	refreshStatus int
	refreshDelay  time.Duration
	refreshCalls  atomic.Int32
	signInBody    map[string]any
	exp           time.Time
}

func (f *fakeIdentity) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/user/login", func(w http.ResponseWriter, r *http.Request) {
		if f.loginStatus != 0 {
			w.WriteHeader(f.loginStatus)
			_, _ = w.Write([]byte(`{"message":"bad login"}`))
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["push"] != "" || body["migrate"] != false {
			f.t.Errorf("unexpected login body %v", body)
		}
		_, _ = w.Write([]byte(`{"data":{"token":"rest-tok","refreshToken":"rest-rt","user":{"id":"u-42"}}}`))
	})
	mux.HandleFunc("/signin", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("key") != "api-key" {
			f.t.Errorf("missing api key")
		}
		_ = json.NewDecoder(r.Body).Decode(&f.signInBody)
		if f.signInStatus != 0 {
			w.WriteHeader(f.signInStatus)
			_, _ = w.Write([]byte(`{"error":{"code":400,"message":"INVALID_PASSWORD"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"idToken":      signedToken(f.t, "u-42", f.exp),
			"refreshToken": "fb-rt-1",
			"expiresIn":    "3600",
			"localId":      "u-42",
		})
	})
	mux.HandleFunc("/refresh", func(w http.ResponseWriter, r *http.Request) {
		f.refreshCalls.Add(1)
		if f.refreshDelay > 0 {
			time.Sleep(f.refreshDelay)
		}
		_ = r.ParseForm()
		if r.PostForm.Get("grant_type") != "refresh_token" {
			f.t.Errorf("grant_type = %q", r.PostForm.Get("grant_type"))
		}
		if f.refreshStatus != 0 {
			w.WriteHeader(f.refreshStatus)
			_, _ = w.Write([]byte(`{"error":{"code":400,"message":"TOKEN_EXPIRED"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"id_token":      signedToken(f.t, "u-42", time.Now().Add(time.Hour)),
			"refresh_token": "fb-rt-2",
			"expires_in":    "3600",
			"user_id":       "u-42",
		})
	})
	return mux
}

func newTestManager(t *testing.T, f *fakeIdentity, store *memStore) *Manager {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	cfg := Config{
		LoginURL:     srv.URL + "/api/user/login",
		SignInURL:    srv.URL + "/signin",
		RefreshURL:   srv.URL + "/refresh",
		APIKey:       "api-key",
		ExpiryMargin: time.Minute,
		Timeout:      2 * time.Second,
		Retry:        retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	}
	return NewManager(cfg, store, srv.Client(), logger.Nop())
}

func TestLogin_PersistsIdentityRefreshToken(t *testing.T) {
	f := &fakeIdentity{t: t, exp: time.Now().Add(time.Hour)}
	store := newMemStore()
	m := newTestManager(t, f, store)

	if err := m.Login(context.Background(), "Me@Example.com", "pw"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if f.signInBody["email"] != "u-42@rointe.com" || f.signInBody["password"] != "u-42" {
		t.Fatalf("derived identity = %v", f.signInBody)
	}
	cred, _ := store.Load(context.Background(), "me@example.com")
	if cred == nil || cred.RefreshToken != "fb-rt-1" || cred.UserID != "u-42" {
		t.Fatalf("stored credential = %+v", cred)
	}

	tok, err := m.GetValidToken(context.Background())
	if err != nil {
		t.Fatalf("GetValidToken: %v", err)
	}
	if tok.UserID != "u-42" || f.refreshCalls.Load() != 0 {
		t.Fatalf("token = %+v, refreshes = %d", tok, f.refreshCalls.Load())
	}
	if tok.ExpiresAt.Unix() != f.exp.Unix() {
		t.Fatalf("expiry taken from claims: got %v want %v", tok.ExpiresAt, f.exp)
	}
}

func TestLogin_InvalidCredentials(t *testing.T) {
	f := &fakeIdentity{t: t, loginStatus: http.StatusUnauthorized}
	m := newTestManager(t, f, newMemStore())

	err := m.Login(context.Background(), "me@example.com", "wrong")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err = %v, want InvalidCredentials", err)
	}
}

func TestLogin_ServerErrorIsUnavailable(t *testing.T) {
	f := &fakeIdentity{t: t, loginStatus: http.StatusBadGateway}
	m := newTestManager(t, f, newMemStore())

	err := m.Login(context.Background(), "me@example.com", "pw")
	var ae *Error
	if !errors.As(err, &ae) || ae.Kind != Unavailable {
		t.Fatalf("err = %v, want Unavailable", err)
	}
}

func TestGetValidToken_CoalescesConcurrentRefresh(t *testing.T) {
	// token already inside the expiry margin
	f := &fakeIdentity{t: t, exp: time.Now().Add(30 * time.Second), refreshDelay: 50 * time.Millisecond}
	m := newTestManager(t, f, newMemStore())
	if err := m.Login(context.Background(), "me@example.com", "pw"); err != nil {
		t.Fatalf("Login: %v", err)
	}

	const callers = 10
	var wg sync.WaitGroup
	tokens := make([]models.Token, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = m.GetValidToken(context.Background())
		}(i)
	}
	wg.Wait()

	if n := f.refreshCalls.Load(); n != 1 {
		t.Fatalf("refresh exchanges = %d, want 1", n)
	}
	for i := range tokens {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if tokens[i].IDToken != tokens[0].IDToken {
			t.Fatal("callers observed different tokens")
		}
	}
}

func TestForceRefresh_SkipsWhenAlreadyReplaced(t *testing.T) {
	f := &fakeIdentity{t: t, exp: time.Now().Add(time.Hour)}
	m := newTestManager(t, f, newMemStore())
	if err := m.Login(context.Background(), "me@example.com", "pw"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	first, _ := m.GetValidToken(context.Background())

	second, err := m.ForceRefresh(context.Background(), first)
	if err != nil {
		t.Fatalf("ForceRefresh: %v", err)
	}
	if second.IDToken == first.IDToken || f.refreshCalls.Load() != 1 {
		t.Fatalf("expected one renewal, calls=%d", f.refreshCalls.Load())
	}

	// a caller still holding the first token must not trigger another exchange
	third, err := m.ForceRefresh(context.Background(), first)
	if err != nil {
		t.Fatalf("ForceRefresh: %v", err)
	}
	if third.IDToken != second.IDToken || f.refreshCalls.Load() != 1 {
		t.Fatalf("unexpected extra renewal, calls=%d", f.refreshCalls.Load())
	}
}

func TestRefreshRejected_RequiresReauth(t *testing.T) {
	f := &fakeIdentity{t: t, exp: time.Now().Add(10 * time.Second), refreshStatus: http.StatusBadRequest}
	store := newMemStore()
	m := newTestManager(t, f, store)
	if err := m.Login(context.Background(), "me@example.com", "pw"); err != nil {
		t.Fatalf("Login: %v", err)
	}

	_, err := m.GetValidToken(context.Background())
	if !errors.Is(err, ErrReauthRequired) {
		t.Fatalf("err = %v, want ReauthRequired", err)
	}
	if m.HasSession() {
		t.Fatal("session must be dropped after a rejected refresh")
	}
	if c, _ := store.Load(context.Background(), "me@example.com"); c != nil {
		t.Fatal("rejected credential must be removed from the store")
	}
	if n := f.refreshCalls.Load(); n != 1 {
		t.Fatalf("rejections must not be retried, calls = %d", n)
	}
}

func TestRefreshServerError_RetriesThenUnavailable(t *testing.T) {
	f := &fakeIdentity{t: t, exp: time.Now().Add(10 * time.Second), refreshStatus: http.StatusServiceUnavailable}
	m := newTestManager(t, f, newMemStore())
	if err := m.Login(context.Background(), "me@example.com", "pw"); err != nil {
		t.Fatalf("Login: %v", err)
	}

	_, err := m.GetValidToken(context.Background())
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want Unavailable", err)
	}
	if n := f.refreshCalls.Load(); n != 3 {
		t.Fatalf("refresh attempts = %d, want 3", n)
	}
	if !m.HasSession() {
		t.Fatal("transient failures must keep the session")
	}
}

func TestRestoreThenLogout(t *testing.T) {
	f := &fakeIdentity{t: t}
	store := newMemStore()
	_ = store.Save(context.Background(), models.Credential{Account: "me@example.com", UserID: "u-42", RefreshToken: "stored"})
	m := newTestManager(t, f, store)

	ok, err := m.Restore(context.Background(), "me@example.com")
	if err != nil || !ok {
		t.Fatalf("Restore = %v, %v", ok, err)
	}
	tok, err := m.GetValidToken(context.Background())
	if err != nil || tok.UserID != "u-42" {
		t.Fatalf("token after restore = %+v, %v", tok, err)
	}
	if c, _ := store.Load(context.Background(), "me@example.com"); c.RefreshToken != "fb-rt-2" {
		t.Fatalf("rotated refresh token not persisted: %+v", c)
	}

	if err := m.Logout(context.Background()); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if c, _ := store.Load(context.Background(), "me@example.com"); c != nil {
		t.Fatal("logout must delete the stored credential")
	}
	if _, err := m.GetValidToken(context.Background()); !errors.Is(err, ErrReauthRequired) {
		t.Fatalf("err after logout = %v", err)
	}
}

func TestGetValidToken_CallerCancellation(t *testing.T) {
	f := &fakeIdentity{t: t, exp: time.Now().Add(10 * time.Second), refreshDelay: 200 * time.Millisecond}
	m := newTestManager(t, f, newMemStore())
	if err := m.Login(context.Background(), "me@example.com", "pw"); err != nil {
		t.Fatalf("Login: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := m.GetValidToken(ctx); err == nil {
		t.Fatal("expected cancellation error")
	}

	// the detached exchange still completes for later callers
	tok, err := m.GetValidToken(context.Background())
	if err != nil || tok.IDToken == "" {
		t.Fatalf("GetValidToken = %+v, %v", tok, err)
	}
	if n := f.refreshCalls.Load(); n != 1 {
		t.Fatalf("refresh calls = %d, want 1", n)
	}
}

func TestClose_CancelsRefreshInFlight(t *testing.T) {
	f := &fakeIdentity{t: t, exp: time.Now().Add(10 * time.Second), refreshDelay: 500 * time.Millisecond}
	store := newMemStore()
	m := newTestManager(t, f, store)
	if err := m.Login(context.Background(), "me@example.com", "pw"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	saved, _ := store.Load(context.Background(), "me@example.com")

	errCh := make(chan error, 1)
	go func() {
		_, err := m.GetValidToken(context.Background())
		errCh <- err
	}()
	for f.refreshCalls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	if err := m.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if d := time.Since(start); d > 200*time.Millisecond {
		t.Fatalf("Close took %v", d)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrUnavailable) {
			t.Fatalf("waiting caller err = %v, want Unavailable", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiting caller never returned")
	}

	if _, err := m.GetValidToken(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("GetValidToken after Close = %v, want Unavailable", err)
	}
	if n := f.refreshCalls.Load(); n != 1 {
		t.Fatalf("refresh calls = %d, want 1", n)
	}
	after, _ := store.Load(context.Background(), "me@example.com")
	if after == nil || saved == nil || after.RefreshToken != saved.RefreshToken {
		t.Fatalf("stored credential changed after Close: %+v -> %+v", saved, after)
	}
}
