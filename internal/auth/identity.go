package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"rointe_sync/internal/retry"

	"github.com/golang-jwt/jwt/v5"
)

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 4 << 10

type restLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Push     string `json:"push"`
	Migrate  bool   `json:"migrate"`
}

type restLoginResponse struct {
	Data struct {
		Token        string `json:"token"`
		RefreshToken string `json:"refreshToken"`
		User         struct {
			ID json.RawMessage `json:"id"`
		} `json:"user"`
	} `json:"data"`
}

type signInRequest struct {
	Email             string `json:"email"`
	Password          string `json:"password"`
	ReturnSecureToken bool   `json:"returnSecureToken"`
}

type signInResponse struct {
	IDToken      string `json:"idToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    string `json:"expiresIn"`
	LocalID      string `json:"localId"`
}

type refreshResponse struct {
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    string `json:"expires_in"`
	UserID       string `json:"user_id"`
}

type identityError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// idTokenClaims are the claims read from the identity-provider ID token.
type idTokenClaims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id"`
}

// grant is the outcome of a sign-in or refresh.
type grant struct {
	idToken      string
	refreshToken string
	userID       string
	expiresAt    time.Time
}

// restLogin exchanges the account password for the vendor user id.
func (m *Manager) restLogin(ctx context.Context, email, password string) (string, error) {
	body, err := json.Marshal(restLoginRequest{Email: email, Password: password})
	if err != nil {
		return "", err
	}

	var out restLoginResponse
	err = retry.Do(ctx, m.cfg.Retry, func(int) error {
		req, err := http.NewRequest(http.MethodPost, m.cfg.LoginURL, bytes.NewReader(body))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		m.browserHeaders(req)
		req.Header.Set("Referer", strings.TrimRight(m.cfg.Origin, "/")+"/login")
		return m.doJSON(ctx, req, &out, InvalidCredentials)
	})
	if err != nil {
		return "", err
	}

	uid := decodeUserID(out.Data.User.ID)
	if uid == "" {
		return "", newError(Unavailable, "login response carried no user id")
	}
	return uid, nil
}

// signIn obtains the identity-provider tokens for the derived account.
func (m *Manager) signIn(ctx context.Context, userID string) (grant, error) {
	body, err := json.Marshal(signInRequest{
		Email:             userID + "@" + m.cfg.EmailDomain,
		Password:          userID,
		ReturnSecureToken: true,
	})
	if err != nil {
		return grant{}, err
	}

	var out signInResponse
	err = retry.Do(ctx, m.cfg.Retry, func(int) error {
		req, err := http.NewRequest(http.MethodPost, m.withKey(m.cfg.SignInURL), bytes.NewReader(body))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		return m.doJSON(ctx, req, &out, InvalidCredentials)
	})
	if err != nil {
		return grant{}, err
	}
	return m.buildGrant(out.IDToken, out.RefreshToken, out.ExpiresIn, out.LocalID)
}

// exchangeRefresh renews the ID token with the stored refresh token.
func (m *Manager) exchangeRefresh(ctx context.Context, refreshToken string) (grant, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	encoded := form.Encode()

	var out refreshResponse
	err := retry.Do(ctx, m.cfg.Retry, func(int) error {
		req, err := http.NewRequest(http.MethodPost, m.withKey(m.cfg.RefreshURL), strings.NewReader(encoded))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return m.doJSON(ctx, req, &out, ReauthRequired)
	})
	if err != nil {
		return grant{}, err
	}
	if out.RefreshToken == "" {
		out.RefreshToken = refreshToken
	}
	return m.buildGrant(out.IDToken, out.RefreshToken, out.ExpiresIn, out.UserID)
}

// doJSON runs one attempt. Client errors map to rejectKind and are permanent;
// server and network errors are retryable and surface as Unavailable.
func (m *Manager) doJSON(ctx context.Context, req *http.Request, out any, rejectKind Kind) error {
	reqCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	resp, err := m.http.Do(req.WithContext(reqCtx))
	if err != nil {
		if ctx.Err() != nil {
			return retry.Permanent(newError(Unavailable, "%s: %w", req.URL.Path, ctx.Err()))
		}
		return newError(Unavailable, "%s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return newError(Unavailable, "decode %s: %w", req.URL.Path, err)
		}
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return newError(Unavailable, "%s: status %d", req.URL.Path, resp.StatusCode)
	default:
		return retry.Permanent(newError(rejectKind, "%s: status %d: %s", req.URL.Path, resp.StatusCode, errorMessage(resp.Body)))
	}
}

func (m *Manager) buildGrant(idToken, refreshToken, expiresIn, userID string) (grant, error) {
	if idToken == "" {
		return grant{}, newError(Unavailable, "identity response carried no id token")
	}
	g := grant{idToken: idToken, refreshToken: refreshToken, userID: userID}

	var claims idTokenClaims
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, &claims); err == nil {
		if claims.ExpiresAt != nil {
			g.expiresAt = claims.ExpiresAt.Time
		}
		if claims.UserID != "" {
			g.userID = claims.UserID
		} else if g.userID == "" {
			g.userID = claims.Subject
		}
	}
	if g.expiresAt.IsZero() {
		secs, err := strconv.Atoi(expiresIn)
		if err != nil || secs <= 0 {
			secs = 3600
		}
		g.expiresAt = m.now().Add(time.Duration(secs) * time.Second)
	}
	return g, nil
}

func (m *Manager) browserHeaders(req *http.Request) {
	if m.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", m.cfg.UserAgent)
	}
	if m.cfg.Origin != "" {
		req.Header.Set("Origin", m.cfg.Origin)
	}
}

func (m *Manager) withKey(endpoint string) string {
	if m.cfg.APIKey == "" {
		return endpoint
	}
	sep := "?"
	if strings.Contains(endpoint, "?") {
		sep = "&"
	}
	return endpoint + sep + "key=" + url.QueryEscape(m.cfg.APIKey)
}

func decodeUserID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func errorMessage(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	var ie identityError
	if err := json.Unmarshal(b, &ie); err == nil && ie.Error.Message != "" {
		return ie.Error.Message
	}
	return strings.TrimSpace(string(b))
}

// asAuthError normalizes any failure into *Error.
func asAuthError(err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return &Error{Kind: Unavailable, Err: fmt.Errorf("%w", err)}
}
