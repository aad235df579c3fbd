package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"rointe_sync/internal/auth"
	"rointe_sync/internal/logger"
	"rointe_sync/internal/models"
	"rointe_sync/internal/retry"
)

// installationCookie is set by the vendor on /installations and must be replayed.
const installationCookie = "installation_default"

const maxErrorBody = 4 << 10

// TokenSource supplies the session token. *auth.Manager implements it.
type TokenSource interface {
	GetValidToken(ctx context.Context) (models.Token, error)
	ForceRefresh(ctx context.Context, stale models.Token) (models.Token, error)
}

type Config struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
	Origin    string
	Retry     retry.Config
}

// Client talks to the vendor REST API.
type Client struct {
	cfg    Config
	base   *url.URL
	http   *http.Client
	tokens TokenSource
	log    *logger.Logger
}

func NewClient(cfg Config, tokens TokenSource, transport http.RoundTripper, log *logger.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse rest base url: %w", err)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return &Client{
		cfg:    cfg,
		base:   base,
		http:   &http.Client{Jar: jar, Transport: transport},
		tokens: tokens,
		log:    log.Named("rest"),
	}, nil
}

// Discover fetches the installation tree with every device's current state.
func (c *Client) Discover(ctx context.Context) (models.FleetSnapshot, error) {
	var env installationsEnvelope
	if err := c.do(ctx, http.MethodGet, "/installations", nil, &env); err != nil {
		return models.FleetSnapshot{}, err
	}
	snap := buildSnapshot(env, c.log)
	snap.FetchedAt = time.Now().UTC()
	c.ensureInstallationCookie(snap)

	c.log.Infow("discovery_ok", "installations", len(snap.Installations), "devices", len(snap.Patches))
	return snap, nil
}

// SendCommand posts a vendor control patch for one device.
func (c *Client) SendCommand(ctx context.Context, deviceID string, patch map[string]any) error {
	body := make(map[string]any, len(patch)+1)
	for k, v := range patch {
		body[k] = v
	}
	body["deviceId"] = deviceID
	if err := c.do(ctx, http.MethodPost, "/device/control", body, nil); err != nil {
		return err
	}
	c.log.Debugw("command_sent", "device_id", deviceID, "keys", len(patch))
	return nil
}

// do runs a request under the retry policy. A 401/403 triggers exactly one
// forced token refresh and one immediate repeat.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return &Error{Kind: BadRequest, Err: err}
		}
		payload = b
	}

	reauthed := false
	err := retry.Do(ctx, c.cfg.Retry, func(attempt int) error {
		tok, err := c.tokens.GetValidToken(ctx)
		if err != nil {
			return retry.Permanent(tokenError(err))
		}

		err = c.attempt(ctx, method, path, payload, tok, out)
		var apiErr *Error
		if errors.As(err, &apiErr) && apiErr.Kind == Unauthorized && !reauthed {
			reauthed = true
			c.log.Infow("rest_reauth", "path", path, "status", apiErr.Status)
			if tok, err = c.tokens.ForceRefresh(ctx, tok); err != nil {
				return retry.Permanent(tokenError(err))
			}
			err = c.attempt(ctx, method, path, payload, tok, out)
		}
		if err == nil {
			return nil
		}
		if errors.As(err, &apiErr) && apiErr.Kind.Retryable() {
			c.log.Warnw("rest_retry", "path", path, "attempt", attempt, "err", err)
			return err
		}
		return retry.Permanent(err)
	})
	return err
}

func (c *Client) attempt(ctx context.Context, method, path string, payload []byte, tok models.Token, out any) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, c.base.String()+path, body)
	if err != nil {
		return &Error{Kind: BadRequest, Err: err}
	}
	c.setHeaders(req, tok)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(ctx, err)
	}
	defer resp.Body.Close()

	if err := statusError(resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Kind: Decode, Status: resp.StatusCode, Err: err}
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request, tok models.Token) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("token", tok.IDToken)
	req.Header.Set("Authorization", "Bearer "+tok.IDToken)
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	if c.cfg.Origin != "" {
		req.Header.Set("Origin", c.cfg.Origin)
		req.Header.Set("Referer", strings.TrimRight(c.cfg.Origin, "/")+"/")
	}
}

// ensureInstallationCookie falls back to the first installation id when the
// server did not set the cookie itself.
func (c *Client) ensureInstallationCookie(snap models.FleetSnapshot) {
	for _, ck := range c.http.Jar.Cookies(c.base) {
		if ck.Name == installationCookie {
			return
		}
	}
	if len(snap.Installations) == 0 {
		return
	}
	c.http.Jar.SetCookies(c.base, []*http.Cookie{{Name: installationCookie, Value: snap.Installations[0].ID, Path: "/"}})
}

func statusError(resp *http.Response) error {
	code := resp.StatusCode
	if code >= 200 && code < 300 {
		return nil
	}
	msg := readErrorBody(resp.Body)
	e := &Error{Status: code, Err: errors.New(msg)}
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		e.Kind = Unauthorized
	case code == http.StatusTooManyRequests || code == http.StatusTeapot:
		e.Kind = RateLimited
		e.retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	case code >= 500:
		e.Kind = ServerError
	default:
		e.Kind = BadRequest
	}
	return e
}

func transportError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return &Error{Kind: Unavailable, Err: ctx.Err()}
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return &Error{Kind: Timeout, Err: err}
	}
	return &Error{Kind: Unavailable, Err: err}
}

func tokenError(err error) error {
	if errors.Is(err, auth.ErrUnavailable) {
		return &Error{Kind: Unavailable, Err: err}
	}
	return &Error{Kind: Unauthorized, Err: err}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func readErrorBody(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	s := strings.TrimSpace(string(b))
	if s == "" {
		return "empty response"
	}
	return s
}
