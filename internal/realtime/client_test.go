package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"rointe_sync/internal/auth"
	"rointe_sync/internal/logger"
	"rointe_sync/internal/models"
	"rointe_sync/internal/store"

	"github.com/gorilla/websocket"
)

// --- fakes ---

type fakeTokens struct {
	forced atomic.Int32

	mu  sync.Mutex
	err error
}

func (f *fakeTokens) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeTokens) GetValidToken(context.Context) (models.Token, error) {
	f.mu.Lock()
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return models.Token{}, err
	}
	return models.Token{IDToken: "tok-a", UserID: "u1", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (f *fakeTokens) ForceRefresh(context.Context, models.Token) (models.Token, error) {
	f.forced.Add(1)
	return models.Token{IDToken: "tok-b", UserID: "u1", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

type applied struct {
	id    string
	patch models.Patch
}

type fakeSink struct {
	serials map[string]string
	zones   map[string][]string
	patches chan applied
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		serials: map[string]string{"SN1": "d1", "SN2": "d2"},
		zones:   map[string][]string{"Z1": {"d1", "d2"}},
		patches: make(chan applied, 16),
	}
}

func (s *fakeSink) ApplyPatch(id string, p models.Patch) (bool, error) {
	s.patches <- applied{id: id, patch: p}
	return true, nil
}

func (s *fakeSink) LookupBySerial(serial string) (string, bool) {
	id, ok := s.serials[serial]
	return id, ok
}

func (s *fakeSink) DevicesInZone(z string) []string { return s.zones[z] }
func (s *fakeSink) Serials() []string               { return []string{"SN1", "SN2"} }
func (s *fakeSink) ZoneIDs() []string               { return []string{"Z1"} }

// fakeRTDB speaks enough of the realtime protocol to subscribe a client.
type fakeRTDB struct {
	t           *testing.T
	authReplies []string
	// when set, every connection is redirected to this host
	redirectTo string
	conns      atomic.Int32

	mu      sync.Mutex
	auths   int
	tokens  []string
	listens []string
	current *websocket.Conn
	writeMu sync.Mutex
}

func (f *fakeRTDB) handler(w http.ResponseWriter, r *http.Request) {
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	f.conns.Add(1)
	if f.redirectTo != "" {
		f.send(conn, `{"t":"c","d":{"t":"r","d":"`+f.redirectTo+`"}}`)
		return
	}
	f.mu.Lock()
	f.current = conn
	f.mu.Unlock()

	f.send(conn, `{"t":"c","d":{"t":"h","d":{"ts":1,"v":"5","h":"","s":"sess"}}}`)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if string(data) == keepaliveFrame {
			continue
		}
		var env envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		var dm dataMessage
		if json.Unmarshal(env.D, &dm) != nil {
			continue
		}
		switch dm.A {
		case actionAuth:
			var body map[string]string
			_ = json.Unmarshal(dm.B, &body)
			f.mu.Lock()
			status := "ok"
			if f.auths < len(f.authReplies) {
				status = f.authReplies[f.auths]
			}
			f.auths++
			f.tokens = append(f.tokens, body["cred"])
			f.mu.Unlock()
			f.reply(conn, dm.R, status)
		case actionListen:
			var body map[string]string
			_ = json.Unmarshal(dm.B, &body)
			f.mu.Lock()
			f.listens = append(f.listens, body["p"])
			f.mu.Unlock()
			f.reply(conn, dm.R, "ok")
		}
	}
}

func (f *fakeRTDB) send(conn *websocket.Conn, msg string) {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	_ = conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

func (f *fakeRTDB) reply(conn *websocket.Conn, r int64, status string) {
	b, _ := json.Marshal(map[string]any{"t": "d", "d": map[string]any{"r": r, "b": map[string]any{"s": status, "d": map[string]any{}}}})
	f.send(conn, string(b))
}

func (f *fakeRTDB) push(path, data string) {
	f.mu.Lock()
	conn := f.current
	f.mu.Unlock()
	f.send(conn, `{"t":"d","d":{"a":"d","b":{"p":"`+path+`","d":`+data+`}}}`)
}

func (f *fakeRTDB) drop() {
	f.mu.Lock()
	conn := f.current
	f.mu.Unlock()
	_ = conn.Close()
}

func (f *fakeRTDB) listenCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listens)
}

func newTestClient(t *testing.T, srv *httptest.Server, tokens TokenSource, sink Sink) (*Client, chan StateChange) {
	t.Helper()
	return newTestClientWith(t, srv, tokens, sink, nil)
}

func newTestClientWith(t *testing.T, srv *httptest.Server, tokens TokenSource, sink Sink, tune func(*Config)) (*Client, chan StateChange) {
	t.Helper()
	cfg := Config{
		URL:            "ws" + strings.TrimPrefix(srv.URL, "http") + "/.ws?v=5&ns=test",
		Keepalive:      50 * time.Millisecond,
		IdleTimeout:    2 * time.Second,
		RequestTimeout: time.Second,
		BackoffInitial: 10 * time.Millisecond,
		BackoffMax:     50 * time.Millisecond,
		StableAfter:    time.Hour,
		ResyncGap:      time.Nanosecond,
	}
	if tune != nil {
		tune(&cfg)
	}
	c := NewClient(cfg, tokens, sink, logger.Nop())
	states := make(chan StateChange, 64)
	c.OnStateChange(func(sc StateChange) {
		select {
		case states <- sc:
		default:
		}
	})
	return c, states
}

func waitState(t *testing.T, ch <-chan StateChange, want State) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case sc := <-ch:
			if sc.To == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

func nextPatch(t *testing.T, ch <-chan applied) applied {
	t.Helper()
	select {
	case a := <-ch:
		return a
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for patch")
	}
	return applied{}
}

func startRun(c *Client) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- c.Run(context.Background()) }()
	return errc
}

// --- tests ---

func TestClient_SubscribesAndRoutesPushes(t *testing.T) {
	rtdb := &fakeRTDB{t: t}
	srv := httptest.NewServer(http.HandlerFunc(rtdb.handler))
	defer srv.Close()

	sink := newFakeSink()
	c, states := newTestClient(t, srv, &fakeTokens{}, sink)
	errc := startRun(c)

	waitState(t, states, Subscribed)
	deadline := time.Now().Add(2 * time.Second)
	for rtdb.listenCount() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	rtdb.mu.Lock()
	listens := strings.Join(rtdb.listens, ",")
	rtdb.mu.Unlock()
	if listens != "/devices/SN1,/devices/SN2,/zones/Z1/data" {
		t.Fatalf("listens = %s", listens)
	}

	rtdb.push("/devices/SN1", `{"data":{"temp":22.5,"last_sync_datetime_app":1700000000000}}`)
	a := nextPatch(t, sink.patches)
	if a.id != "d1" || a.patch.Fields[models.FieldTargetTemperature] != 22.5 || a.patch.Timestamp != 1700000000000 {
		t.Fatalf("device push applied as %+v", a)
	}

	rtdb.push("/zones/Z1/data", `{"power":1}`)
	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		a := nextPatch(t, sink.patches)
		if a.patch.Fields[models.FieldPower] != false {
			t.Fatalf("zone push fields = %v", a.patch.Fields)
		}
		got[a.id] = true
	}
	if !got["d1"] || !got["d2"] {
		t.Fatalf("zone fan-out reached %v", got)
	}

	// unknown serials are ignored
	rtdb.push("/devices/NOPE", `{"data":{"temp":10}}`)
	select {
	case a := <-sink.patches:
		t.Fatalf("unexpected patch %+v", a)
	case <-time.After(50 * time.Millisecond):
	}

	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("run: %v", err)
	}
	if c.State() != Closed {
		t.Fatalf("state = %s", c.State())
	}
}

func TestClient_AuthRejectedForcesRefresh(t *testing.T) {
	rtdb := &fakeRTDB{t: t, authReplies: []string{"expired_token", "ok"}}
	srv := httptest.NewServer(http.HandlerFunc(rtdb.handler))
	defer srv.Close()

	tokens := &fakeTokens{}
	c, states := newTestClient(t, srv, tokens, newFakeSink())
	errc := startRun(c)
	defer func() {
		_ = c.Shutdown(context.Background())
		<-errc
	}()

	waitState(t, states, Subscribed)
	if n := tokens.forced.Load(); n != 1 {
		t.Fatalf("forced refreshes = %d, want 1", n)
	}
	rtdb.mu.Lock()
	defer rtdb.mu.Unlock()
	if len(rtdb.tokens) != 2 || rtdb.tokens[0] != "tok-a" || rtdb.tokens[1] != "tok-b" {
		t.Fatalf("tokens presented = %v", rtdb.tokens)
	}
}

func TestClient_ReconnectsAndResyncs(t *testing.T) {
	rtdb := &fakeRTDB{t: t}
	srv := httptest.NewServer(http.HandlerFunc(rtdb.handler))
	defer srv.Close()

	c, states := newTestClient(t, srv, &fakeTokens{}, newFakeSink())
	resynced := make(chan time.Duration, 1)
	c.OnResync(func(_ context.Context, gap time.Duration) { resynced <- gap })
	errc := startRun(c)
	defer func() {
		_ = c.Shutdown(context.Background())
		<-errc
	}()

	waitState(t, states, Subscribed)
	rtdb.drop()
	waitState(t, states, Disconnected)
	waitState(t, states, Subscribed)

	select {
	case gap := <-resynced:
		if gap <= 0 {
			t.Fatalf("gap = %v", gap)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("resync hook not called")
	}
	if st := c.Status(); st.Reconnects != 1 || st.StateName != "subscribed" {
		t.Fatalf("status = %+v", st)
	}
}

func TestClient_ReauthRequiredWaitsForLogin(t *testing.T) {
	rtdb := &fakeRTDB{t: t}
	srv := httptest.NewServer(http.HandlerFunc(rtdb.handler))
	defer srv.Close()

	tokens := &fakeTokens{}
	tokens.setErr(auth.ErrReauthRequired)
	c, states := newTestClient(t, srv, tokens, newFakeSink())

	// a Resume before the client is waiting is ignored
	c.Resume()
	errc := startRun(c)

	waitState(t, states, Disconnected)
	st := c.Status()
	if !st.AwaitingLogin || !strings.Contains(st.LastError, "reauth") {
		t.Fatalf("status = %+v", st)
	}
	select {
	case err := <-errc:
		t.Fatalf("Run returned %v while waiting for login", err)
	case <-time.After(100 * time.Millisecond):
	}
	if n := rtdb.conns.Load(); n != 0 {
		t.Fatalf("dialed %d times without a session", n)
	}

	tokens.setErr(nil)
	c.Resume()
	waitState(t, states, Subscribed)
	if c.Status().AwaitingLogin {
		t.Fatal("still awaiting login after resume")
	}

	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestClient_ShutdownWhileAwaitingLogin(t *testing.T) {
	tokens := &fakeTokens{}
	tokens.setErr(auth.ErrInvalidCredentials)
	c := NewClient(Config{URL: "ws://127.0.0.1:1/.ws"}, tokens, newFakeSink(), logger.Nop())
	errc := startRun(c)

	deadline := time.Now().Add(2 * time.Second)
	for !c.Status().AwaitingLogin && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("run: %v", err)
	}
	if c.State() != Closed {
		t.Fatalf("state = %s", c.State())
	}
}

func TestClient_RunAfterShutdown(t *testing.T) {
	c := NewClient(Config{URL: "ws://127.0.0.1:1/.ws"}, &fakeTokens{}, newFakeSink(), logger.Nop())
	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.Run(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestClient_StaleDeltaAfterReconnectIsDropped(t *testing.T) {
	rtdb := &fakeRTDB{t: t}
	srv := httptest.NewServer(http.HandlerFunc(rtdb.handler))
	defer srv.Close()

	st := store.New(logger.Nop())
	zone := &models.Zone{ID: "Z1", Name: "Utility", InstallationID: "i1"}
	zone.Devices = []*models.Device{{ID: "d1", Name: "Rad. 6062EC", ZoneID: "Z1"}}
	st.ApplySnapshot(models.FleetSnapshot{
		Installations: []*models.Installation{{ID: "i1", Name: "Utility", Zones: []*models.Zone{zone}}},
		Patches: map[string]models.Patch{"d1": {Timestamp: 1000, Fields: map[models.Field]any{
			models.FieldSerialNumber:      "SN1",
			models.FieldTargetTemperature: 7.0,
		}}},
	})
	events, cancel := st.Subscribe(8)
	defer cancel()

	c, states := newTestClient(t, srv, &fakeTokens{}, st)
	errc := startRun(c)
	defer func() {
		_ = c.Shutdown(context.Background())
		<-errc
	}()

	nextTarget := func() float64 {
		t.Helper()
		select {
		case ev := <-events:
			return ev.Device.State.TargetTemperature
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for change")
		}
		return 0
	}

	waitState(t, states, Subscribed)
	rtdb.push("/devices/SN1", `{"data":{"temp":20,"last_sync_datetime_device":2000}}`)
	if got := nextTarget(); got != 20 {
		t.Fatalf("target = %v, want 20", got)
	}

	rtdb.drop()
	waitState(t, states, Disconnected)
	waitState(t, states, Subscribed)

	rtdb.push("/devices/SN1", `{"data":{"temp":10,"last_sync_datetime_device":1500}}`)
	rtdb.push("/devices/SN1", `{"data":{"temp":22,"last_sync_datetime_device":3000}}`)
	if got := nextTarget(); got != 22 {
		t.Fatalf("target = %v, want 22 (stale delta must not surface)", got)
	}
	if st.Dropped() < 1 {
		t.Fatalf("dropped = %d, want the stale delta counted", st.Dropped())
	}
	if d, _ := st.Get("d1"); d.State.TargetTemperature != 22 {
		t.Fatalf("store target = %v", d.State.TargetTemperature)
	}
}

func TestClient_BackoffResetsAfterStableSession(t *testing.T) {
	rtdb := &fakeRTDB{t: t}
	srv := httptest.NewServer(http.HandlerFunc(rtdb.handler))
	defer srv.Close()

	c, states := newTestClientWith(t, srv, &fakeTokens{}, newFakeSink(), func(cfg *Config) {
		cfg.StableAfter = 200 * time.Millisecond
	})
	errc := startRun(c)
	defer func() {
		_ = c.Shutdown(context.Background())
		<-errc
	}()

	bounce := func() {
		t.Helper()
		rtdb.drop()
		waitState(t, states, Disconnected)
		waitState(t, states, Subscribed)
	}

	waitState(t, states, Subscribed)
	bounce()
	bounce()
	if n := c.backoff.Attempt(); n != 2 {
		t.Fatalf("attempts after two short sessions = %d, want 2", n)
	}

	time.Sleep(300 * time.Millisecond)
	bounce()
	if n := c.backoff.Attempt(); n != 1 {
		t.Fatalf("attempts after a stable session = %d, want 1", n)
	}
}

func TestClient_ShutdownDuringReconnectDelay(t *testing.T) {
	rtdb := &fakeRTDB{t: t}
	srv := httptest.NewServer(http.HandlerFunc(rtdb.handler))
	defer srv.Close()

	c, states := newTestClientWith(t, srv, &fakeTokens{}, newFakeSink(), func(cfg *Config) {
		cfg.BackoffInitial = 10 * time.Second
		cfg.BackoffMax = 10 * time.Second
	})
	errc := startRun(c)

	waitState(t, states, Subscribed)
	rtdb.drop()
	waitState(t, states, Disconnected)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	start := time.Now()
	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if d := time.Since(start); d > 500*time.Millisecond {
		t.Fatalf("shutdown took %v", d)
	}
	if err := <-errc; err != nil {
		t.Fatalf("run: %v", err)
	}
	if c.State() != Closed {
		t.Fatalf("state = %s", c.State())
	}
	if n := rtdb.conns.Load(); n != 1 {
		t.Fatalf("connections = %d, want 1", n)
	}
}

func TestClient_IdleConnectionReconnects(t *testing.T) {
	rtdb := &fakeRTDB{t: t}
	srv := httptest.NewServer(http.HandlerFunc(rtdb.handler))
	defer srv.Close()

	c, states := newTestClientWith(t, srv, &fakeTokens{}, newFakeSink(), func(cfg *Config) {
		cfg.IdleTimeout = 150 * time.Millisecond
		cfg.Keepalive = time.Hour
	})
	errc := startRun(c)
	defer func() {
		_ = c.Shutdown(context.Background())
		<-errc
	}()

	waitState(t, states, Subscribed)
	deadline := time.After(3 * time.Second)
	for idle := false; !idle; {
		select {
		case sc := <-states:
			idle = sc.To == Disconnected && errors.Is(sc.Err, errIdle)
		case <-deadline:
			t.Fatal("silent server never timed out")
		}
	}
	waitState(t, states, Subscribed)
	if n := rtdb.conns.Load(); n < 2 {
		t.Fatalf("connections = %d, want a reconnect", n)
	}
}

func TestClient_FollowsRedirect(t *testing.T) {
	target := &fakeRTDB{t: t}
	tsrv := httptest.NewServer(http.HandlerFunc(target.handler))
	defer tsrv.Close()

	origin := &fakeRTDB{t: t, redirectTo: strings.TrimPrefix(tsrv.URL, "http://")}
	osrv := httptest.NewServer(http.HandlerFunc(origin.handler))
	defer osrv.Close()

	c, states := newTestClient(t, osrv, &fakeTokens{}, newFakeSink())
	errc := startRun(c)
	defer func() {
		_ = c.Shutdown(context.Background())
		<-errc
	}()

	waitState(t, states, Subscribed)
	if n := origin.conns.Load(); n != 1 {
		t.Fatalf("origin connections = %d, want 1", n)
	}
	if target.conns.Load() != 1 || target.listenCount() == 0 {
		t.Fatalf("target connections = %d, listens = %d", target.conns.Load(), target.listenCount())
	}
	if c.backoff.Attempt() != 0 {
		t.Fatalf("redirect consumed a backoff attempt")
	}
}

func TestClient_RedirectLoopBacksOff(t *testing.T) {
	loop := &fakeRTDB{t: t}
	srv := httptest.NewServer(http.HandlerFunc(loop.handler))
	defer srv.Close()
	loop.redirectTo = strings.TrimPrefix(srv.URL, "http://")

	c, _ := newTestClientWith(t, srv, &fakeTokens{}, newFakeSink(), func(cfg *Config) {
		cfg.BackoffInitial = 2 * time.Second
		cfg.BackoffMax = 2 * time.Second
	})
	errc := startRun(c)
	defer func() {
		_ = c.Shutdown(context.Background())
		<-errc
	}()

	deadline := time.Now().Add(time.Second)
	for c.backoff.Attempt() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if c.backoff.Attempt() != 1 {
		t.Fatalf("attempts = %d, want 1", c.backoff.Attempt())
	}
	if n := loop.conns.Load(); n != maxRedirects+1 {
		t.Fatalf("connections before backing off = %d, want %d", n, maxRedirects+1)
	}
	c.mu.Lock()
	host := c.host
	c.mu.Unlock()
	if host != "" {
		t.Fatalf("host override = %q, want the configured URL", host)
	}
}
