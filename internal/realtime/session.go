package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"rointe_sync/internal/models"

	"github.com/gorilla/websocket"
)

var (
	errAuthRejected = errors.New("realtime auth rejected")
	errIdle         = errors.New("realtime connection idle")
	errServerReset  = errors.New("realtime server requested reset")
	errServerClosed = errors.New("realtime server closed the connection")
)

// sessionResult describes how one connection ended.
type sessionResult struct {
	err          error
	subscribedAt time.Time
	redirect     bool
}

// conn serializes writes and hands read frames to the session loop.
type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	frames  chan string
	readErr chan error
	timeout time.Duration
}

func (c *conn) write(msg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.timeout))
	return c.ws.WriteMessage(websocket.TextMessage, msg)
}

func (c *conn) readLoop(done <-chan struct{}, idle time.Duration) {
	for {
		_ = c.ws.SetReadDeadline(time.Now().Add(idle))
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			var ne interface{ Timeout() bool }
			if errors.As(err, &ne) && ne.Timeout() {
				err = errIdle
			}
			c.readErr <- err
			return
		}
		select {
		case c.frames <- string(data):
		case <-done:
			return
		}
	}
}

// session runs one connection from dial to close.
func (c *Client) session(ctx context.Context, disconnectedAt time.Time) sessionResult {
	c.mu.Lock()
	forceRefresh := c.needRefresh
	c.mu.Unlock()

	tok, err := c.token(ctx, forceRefresh)
	if err != nil {
		return sessionResult{err: err}
	}

	target, err := c.endpoint()
	if err != nil {
		return sessionResult{err: err}
	}
	header := http.Header{}
	if c.cfg.Origin != "" {
		header.Set("Origin", c.cfg.Origin)
	}

	ws, resp, err := c.dialer.DialContext(ctx, target, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return sessionResult{err: fmt.Errorf("dial: %w", err)}
	}

	cn := &conn{ws: ws, frames: make(chan string, 64), readErr: make(chan error, 1), timeout: c.cfg.RequestTimeout}
	sctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		_ = ws.Close()
		wg.Wait()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		cn.readLoop(sctx.Done(), c.cfg.IdleTimeout)
	}()
	// unblock the reader on cancellation
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-sctx.Done()
		_ = ws.Close()
	}()

	s := &session{client: c, conn: cn, nextReq: 1, waiting: map[int64]chan responseBody{}}
	return s.run(sctx, tok, disconnectedAt, &wg)
}

func (c *Client) token(ctx context.Context, force bool) (models.Token, error) {
	tok, err := c.tokens.GetValidToken(ctx)
	if err != nil || !force {
		return tok, err
	}
	tok, err = c.tokens.ForceRefresh(ctx, tok)
	if err != nil {
		return tok, err
	}
	c.mu.Lock()
	c.needRefresh = false
	c.mu.Unlock()
	return tok, nil
}

// endpoint applies a server-assigned host to the configured URL.
func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse realtime url: %w", err)
	}
	c.mu.Lock()
	if c.host != "" {
		u.Host = c.host
	}
	c.mu.Unlock()
	return u.String(), nil
}

type session struct {
	client  *Client
	conn    *conn
	asm     frameAssembler
	nextReq int64
	waiting map[int64]chan responseBody
	mu      sync.Mutex
}

func (s *session) run(ctx context.Context, tok models.Token, disconnectedAt time.Time, wg *sync.WaitGroup) sessionResult {
	c := s.client
	var res sessionResult

	// handshake first
	if err := s.awaitHandshake(ctx); err != nil {
		res.err = err
		var redirect *redirectError
		if errors.As(err, &redirect) {
			res.redirect = true
		}
		return res
	}

	// the rest of the setup needs responses, so the read loop must already run
	loopErr := make(chan sessionResult, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		loopErr <- s.loop(ctx)
	}()

	if err := s.setup(ctx, tok); err != nil {
		if errors.Is(err, errAuthRejected) {
			c.mu.Lock()
			c.needRefresh = true
			c.mu.Unlock()
		}
		res.err = err
		return res
	}

	res.subscribedAt = c.now()
	c.setState(Subscribed, nil)
	c.log.Infow("realtime_subscribed", "devices", len(c.sink.Serials()), "zones", len(c.sink.ZoneIDs()), "token", tok.Fingerprint())

	if !disconnectedAt.IsZero() {
		if gap := res.subscribedAt.Sub(disconnectedAt); gap > c.cfg.ResyncGap && c.onResync != nil {
			c.log.Infow("realtime_resync", "gap", gap)
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.onResync(ctx, gap)
			}()
		}
	}

	keepalive := time.NewTicker(c.cfg.Keepalive)
	defer keepalive.Stop()
	for {
		select {
		case <-ctx.Done():
			res.err = ctx.Err()
			return res
		case r := <-loopErr:
			r.subscribedAt = res.subscribedAt
			if errors.Is(r.err, errAuthRejected) {
				c.mu.Lock()
				c.needRefresh = true
				c.mu.Unlock()
			}
			return r
		case <-keepalive.C:
			if err := s.conn.write([]byte(keepaliveFrame)); err != nil {
				res.err = fmt.Errorf("keepalive: %w", err)
				return res
			}
		}
	}
}

type redirectError struct{ host string }

func (e *redirectError) Error() string { return "realtime redirect to " + e.host }

func (s *session) awaitHandshake(ctx context.Context) error {
	timer := time.NewTimer(s.client.cfg.RequestTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return errors.New("handshake timeout")
		case err := <-s.conn.readErr:
			return fmt.Errorf("read: %w", err)
		case frame := <-s.conn.frames:
			msg, ok, err := s.asm.Add(frame)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg), &env); err != nil || env.T != typeControl {
				continue
			}
			done, err := s.handleControl(env.D)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
}

// handleControl processes a control message and reports whether it was the handshake.
func (s *session) handleControl(raw json.RawMessage) (bool, error) {
	c := s.client
	var cm controlMessage
	if err := json.Unmarshal(raw, &cm); err != nil {
		return false, nil
	}
	switch cm.T {
	case controlHandshake:
		var h handshake
		if err := json.Unmarshal(cm.D, &h); err == nil && h.H != "" {
			c.mu.Lock()
			c.host = h.H
			c.mu.Unlock()
		}
		return true, nil
	case controlRedirect:
		var host string
		if err := json.Unmarshal(cm.D, &host); err == nil && host != "" {
			c.mu.Lock()
			c.host = host
			c.mu.Unlock()
			return false, &redirectError{host: host}
		}
	case controlShutdown:
		var reason string
		_ = json.Unmarshal(cm.D, &reason)
		return false, fmt.Errorf("%w: %s", errServerClosed, reason)
	case controlReset:
		return false, errServerReset
	}
	return false, nil
}

func (s *session) setup(ctx context.Context, tok models.Token) error {
	stats, err := statsRequest(s.reqID())
	if err != nil {
		return err
	}
	if err := s.conn.write(stats); err != nil {
		return fmt.Errorf("send stats: %w", err)
	}

	resp, err := s.request(ctx, func(r int64) ([]byte, error) { return authRequest(r, tok.IDToken) })
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if resp.S != "ok" {
		return fmt.Errorf("%w: %s", errAuthRejected, resp.S)
	}

	paths := make([]string, 0)
	for _, serial := range s.client.sink.Serials() {
		paths = append(paths, devicePath(serial))
	}
	for _, zone := range s.client.sink.ZoneIDs() {
		paths = append(paths, zonePath(zone))
	}
	for _, p := range paths {
		msg, err := listenRequest(s.reqID(), p)
		if err != nil {
			return err
		}
		if err := s.conn.write(msg); err != nil {
			return fmt.Errorf("listen %s: %w", p, err)
		}
	}
	return nil
}

func (s *session) reqID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.nextReq
	s.nextReq++
	return r
}

// request sends a message built for a fresh request id and waits for its response.
func (s *session) request(ctx context.Context, build func(r int64) ([]byte, error)) (responseBody, error) {
	r := s.reqID()
	msg, err := build(r)
	if err != nil {
		return responseBody{}, err
	}
	ch := make(chan responseBody, 1)
	s.mu.Lock()
	s.waiting[r] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.waiting, r)
		s.mu.Unlock()
	}()

	if err := s.conn.write(msg); err != nil {
		return responseBody{}, err
	}
	timer := time.NewTimer(s.client.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return responseBody{}, ctx.Err()
	case <-timer.C:
		return responseBody{}, errors.New("request timeout")
	case resp := <-ch:
		return resp, nil
	}
}

// loop consumes frames until the connection fails.
func (s *session) loop(ctx context.Context) sessionResult {
	for {
		select {
		case <-ctx.Done():
			return sessionResult{err: ctx.Err()}
		case err := <-s.conn.readErr:
			if errors.Is(err, errIdle) {
				return sessionResult{err: err}
			}
			return sessionResult{err: fmt.Errorf("read: %w", err)}
		case frame := <-s.conn.frames:
			msg, ok, err := s.asm.Add(frame)
			if err != nil {
				return sessionResult{err: err}
			}
			if !ok {
				continue
			}
			if err := s.dispatch(msg); err != nil {
				var redirect *redirectError
				return sessionResult{err: err, redirect: errors.As(err, &redirect)}
			}
		}
	}
}

func (s *session) dispatch(msg string) error {
	var env envelope
	if err := json.Unmarshal([]byte(msg), &env); err != nil {
		s.client.log.Debugw("realtime_bad_frame", "err", err)
		return nil
	}
	if env.T == typeControl {
		_, err := s.handleControl(env.D)
		return err
	}
	if env.T != typeData {
		return nil
	}

	var dm dataMessage
	if err := json.Unmarshal(env.D, &dm); err != nil {
		return nil
	}
	if dm.R != 0 {
		var rb responseBody
		_ = json.Unmarshal(dm.B, &rb)
		s.mu.Lock()
		ch, ok := s.waiting[dm.R]
		s.mu.Unlock()
		if ok {
			ch <- rb
		} else if rb.S != "" && rb.S != "ok" {
			s.client.log.Warnw("realtime_request_failed", "r", dm.R, "status", rb.S)
		}
		return nil
	}

	switch dm.A {
	case actionPut, actionMerge:
		var pb pushBody
		if err := json.Unmarshal(dm.B, &pb); err != nil {
			return nil
		}
		s.client.route(pb)
	case actionAuthRevoked:
		return fmt.Errorf("%w: revoked", errAuthRejected)
	case actionListenRevoke:
		var pb pushBody
		_ = json.Unmarshal(dm.B, &pb)
		return fmt.Errorf("%w: listen on %s revoked", errAuthRejected, pb.P)
	}
	return nil
}

// route applies one push to the store. Zone pushes fan out to every device in the zone.
func (c *Client) route(pb pushBody) {
	rt, err := parsePath(pb.P)
	if err != nil {
		c.log.Debugw("realtime_unroutable", "path", pb.P)
		return
	}
	raw, ok := fieldsAt(rt.rest, pb.D)
	if !ok {
		return
	}
	patch := models.DecodeVendorFields(raw)
	if patch.Empty() {
		return
	}

	var targets []string
	switch rt.kind {
	case "device":
		id, ok := c.sink.LookupBySerial(rt.id)
		if !ok {
			c.log.Debugw("realtime_unknown_device", "serial", rt.id)
			return
		}
		targets = []string{id}
	case "zone":
		targets = c.sink.DevicesInZone(rt.id)
	}
	for _, id := range targets {
		if _, err := c.sink.ApplyPatch(id, patch); err != nil {
			c.log.Debugw("realtime_apply_failed", "device_id", id, "err", err)
		}
	}
}
