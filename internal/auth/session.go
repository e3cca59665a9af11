// Package auth owns the access token and the single in-flight refresh.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/sync/singleflight"

	"github.com/and161185/learnlog/internal/errs"
	"github.com/and161185/learnlog/internal/model"
	"github.com/and161185/learnlog/internal/telemetry"
)

// Backend paths.
const (
	LoginPath   = "/api/auth/login"
	RefreshPath = "/api/auth/token"
	LogoutPath  = "/api/auth/logout"

	// CookiesKey is where the refresh cookies are kept in the store.
	CookiesKey = "auth/cookies"

	refreshKey     = "refresh"
	defaultTimeout = 15 * time.Second
	maxBody        = 1 << 20
)

// State is the session state.
type State int

const (
	StateLoggedOut State = iota
	StateLoggedIn
)

func (s State) String() string {
	if s == StateLoggedIn {
		return "logged_in"
	}
	return "logged_out"
}

// KV is the persistence the session needs for its refresh cookies.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Options configure a Session.
type Options struct {
	BaseURL    string
	HTTPClient *http.Client // its Jar is replaced; nil uses a fresh client
	Store      KV           // optional; enables refresh across processes
	Timeout    time.Duration
	Logger     *zap.Logger
	Metrics    *telemetry.Metrics
	Now        func() time.Time
}

// Session holds the current access token. Safe for concurrent use.
type Session struct {
	base    *url.URL
	hc      *http.Client
	jar     *cookiejar.Jar
	store   KV
	timeout time.Duration
	log     *zap.Logger
	metrics *telemetry.Metrics
	now     func() time.Time

	mu        sync.RWMutex
	token     string
	expiresAt time.Time
	epoch     uint64 // bumped on every new token

	refresh singleflight.Group
}

// New creates a logged-out session and restores persisted refresh cookies, if any.
func New(ctx context.Context, opts Options) (*Session, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}
	hc := &http.Client{}
	if opts.HTTPClient != nil {
		c := *opts.HTTPClient
		hc = &c
	}
	hc.Jar = jar

	s := &Session{
		base:    base,
		hc:      hc,
		jar:     jar,
		store:   opts.Store,
		timeout: opts.Timeout,
		log:     opts.Logger,
		metrics: opts.Metrics,
		now:     opts.Now,
	}
	if s.timeout <= 0 {
		s.timeout = defaultTimeout
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if err := s.loadCookies(ctx); err != nil {
		s.log.Warn("restore auth cookies", zap.Error(err))
	}
	return s, nil
}

// Token returns the current access token or "". It never blocks on a refresh.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// State reports whether a token is held.
func (s *Session) State() State {
	if s.Token() == "" {
		return StateLoggedOut
	}
	return StateLoggedIn
}

// ExpiresAt returns the expiry of the current token, or the zero time.
func (s *Session) ExpiresAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expiresAt
}

// Login exchanges credentials for a token. Every failure is an Auth-kind error
// matching errs.ErrLoginFailed.
func (s *Session) Login(ctx context.Context, username, password string) (model.Tokens, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	form := url.Values{"username": {username}, "password": {password}}
	tr, err := s.postToken(ctx, LoginPath, form)
	if err != nil {
		s.log.Info("login failed", zap.String("username", username), zap.Error(err))
		return model.Tokens{}, loginError(err)
	}
	tokens := s.setToken(tr)
	s.saveCookies(ctx)
	s.log.Info("logged in", zap.String("username", username), zap.Time("expires_at", tokens.ExpiresAt))
	return tokens, nil
}

// Refresh obtains a new token using the refresh cookie. Concurrent callers share
// one request; the request is not cancelled when the first caller gives up.
//
// A transport failure returns a Network-kind error and keeps the session. Any
// response other than 2xx clears the session and returns errs.ErrSessionExpired.
func (s *Session) Refresh(ctx context.Context) (string, error) {
	ch := s.refresh.DoChan(refreshKey, func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		return s.doRefresh(rctx)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (s *Session) doRefresh(ctx context.Context) (string, error) {
	start := s.currentEpoch()
	tr, err := s.postToken(ctx, RefreshPath, nil)
	if err == nil {
		tokens := s.setToken(tr)
		s.saveCookies(ctx)
		s.metrics.RecordRefresh(ctx, "ok")
		s.log.Debug("token refreshed", zap.Time("expires_at", tokens.ExpiresAt))
		return tokens.AccessToken, nil
	}

	if errs.KindOf(err) == errs.KindNetwork {
		s.metrics.RecordRefresh(ctx, "network")
		s.log.Warn("token refresh unreachable", zap.Error(err))
		return "", err
	}

	s.metrics.RecordRefresh(ctx, "expired")
	if tok, renewed := s.expireUnlessRenewed(start); renewed {
		// a login completed while the refresh was in flight
		s.log.Debug("token refresh rejected after a new login", zap.Error(err))
		return tok, nil
	}
	s.log.Info("token refresh rejected", zap.Error(err))
	if lerr := s.postLogout(ctx); lerr != nil {
		s.log.Debug("logout after failed refresh", zap.Error(lerr))
	}
	s.deleteCookies(ctx)
	return "", fmt.Errorf("%w: %w", errs.ErrSessionExpired, err)
}

// Logout invalidates the server-side session (best effort) and clears local state.
func (s *Session) Logout(ctx context.Context) error {
	lctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	err := s.postLogout(lctx)
	if err != nil {
		s.log.Warn("server logout failed", zap.Error(err))
	}
	s.Expire()
	s.refresh.Forget(refreshKey)
	s.deleteCookies(ctx)
	return err
}

// Expire drops the token without contacting the server.
func (s *Session) Expire() {
	s.mu.Lock()
	s.token = ""
	s.expiresAt = time.Time{}
	s.mu.Unlock()
}

func (s *Session) currentEpoch() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epoch
}

// expireUnlessRenewed drops the token unless a new one was set after epoch, in
// which case that token is returned.
func (s *Session) expireUnlessRenewed(epoch uint64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch && s.token != "" {
		return s.token, true
	}
	s.token = ""
	s.expiresAt = time.Time{}
	return "", false
}

func (s *Session) setToken(tr model.TokenRead) model.Tokens {
	exp := tokenExpiry(tr.Token)
	if exp.IsZero() && tr.ExpiresIn > 0 {
		exp = s.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	s.mu.Lock()
	s.token = tr.Token
	s.expiresAt = exp
	s.epoch++
	s.mu.Unlock()
	return model.Tokens{AccessToken: tr.Token, TokenType: tr.TokenType, ExpiresAt: exp}
}

// tokenExpiry reads the exp claim without verifying the signature; the client
// has no key and only uses it for display.
func tokenExpiry(tok string) time.Time {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok, &claims); err != nil || claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

func (s *Session) postToken(ctx context.Context, path string, form url.Values) (model.TokenRead, error) {
	status, body, err := s.post(ctx, path, form)
	if err != nil {
		return model.TokenRead{}, errs.ClassifyTransport(err)
	}
	if status < 200 || status > 299 {
		return model.TokenRead{}, errs.Classify(status, body, nil)
	}
	var tr model.TokenRead
	if err := json.Unmarshal(body, &tr); err != nil || tr.Token == "" {
		return model.TokenRead{}, errs.Classify(status, body, errors.New("malformed token response"))
	}
	return tr, nil
}

func (s *Session) postLogout(ctx context.Context) error {
	status, body, err := s.post(ctx, LogoutPath, nil)
	if err != nil {
		return errs.ClassifyTransport(err)
	}
	if status < 200 || status > 299 {
		return errs.Classify(status, body, nil)
	}
	return nil
}

func (s *Session) post(ctx context.Context, path string, form url.Values) (int, []byte, error) {
	var body io.Reader = http.NoBody
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint(path), body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.hc.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, bytes.TrimSpace(b), nil
}

func (s *Session) endpoint(path string) string { return s.base.String() + path }

func loginError(err error) error {
	var apiErr *errs.APIError
	if !errors.As(err, &apiErr) {
		return &errs.APIError{Kind: errs.KindAuth, Message: errs.ErrLoginFailed.Error(), Cause: errs.ErrLoginFailed}
	}
	return &errs.APIError{
		Kind:        errs.KindAuth,
		Status:      apiErr.Status,
		Message:     apiErr.Message,
		FieldErrors: apiErr.FieldErrors,
		Cause:       errors.Join(errs.ErrLoginFailed, apiErr.Cause),
	}
}
