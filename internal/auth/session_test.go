package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/learnlog/internal/errs"
	"github.com/and161185/learnlog/internal/model"
	"github.com/and161185/learnlog/internal/storage"
	"github.com/and161185/learnlog/internal/telemetry"
)

// fakeAuth is a minimal auth backend: one user, one refresh cookie value.
type fakeAuth struct {
	refreshCalls  atomic.Int32
	logoutCalls   atomic.Int32
	rejectRefresh atomic.Bool
	gate          chan struct{} // when non-nil, refresh blocks until closed
	seq           atomic.Int32
}

func (f *fakeAuth) token() string {
	n := f.seq.Add(1)
	claims := jwt.RegisteredClaims{
		Subject:   "u1",
		ID:        strconv.Itoa(int(n)),
		ExpiresAt: jwt.NewNumericDate(time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)),
	}
	tok, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("k"))
	return tok
}

func (f *fakeAuth) writeToken(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{Name: "refresh_token", Value: "r1", Path: "/api/auth", HttpOnly: true})
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"token": f.token(), "token_type": "bearer", "expires_in": 900})
}

func (f *fakeAuth) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case LoginPath:
		_ = r.ParseForm()
		if r.PostForm.Get("username") != "ann" || r.PostForm.Get("password") != "pw" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"detail":"Incorrect username or password"}`))
			return
		}
		f.writeToken(w)
	case RefreshPath:
		f.refreshCalls.Add(1)
		if f.gate != nil {
			<-f.gate
		}
		c, err := r.Cookie("refresh_token")
		if err != nil || c.Value != "r1" || f.rejectRefresh.Load() {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"detail":"Invalid refresh token"}`))
			return
		}
		f.writeToken(w)
	case LogoutPath:
		f.logoutCalls.Add(1)
		http.SetCookie(w, &http.Cookie{Name: "refresh_token", Path: "/api/auth", MaxAge: -1})
		w.WriteHeader(http.StatusNoContent)
	default:
		http.NotFound(w, r)
	}
}

func newSession(t *testing.T, url string, store KV) *Session {
	t.Helper()
	s, err := New(context.Background(), Options{
		BaseURL: url,
		Store:   store,
		Timeout: 2 * time.Second,
		Logger:  zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return s
}

func TestLogin_OK(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(&fakeAuth{})
	defer srv.Close()
	s := newSession(t, srv.URL, nil)

	require.Equal(t, StateLoggedOut, s.State())
	require.Empty(t, s.Token())

	tokens, err := s.Login(context.Background(), "ann", "pw")
	require.NoError(t, err)
	require.Equal(t, StateLoggedIn, s.State())
	require.Equal(t, tokens.AccessToken, s.Token())
	require.Equal(t, "bearer", tokens.TokenType)
	require.Equal(t, time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC), s.ExpiresAt().UTC())
	require.True(t, s.HasRefreshCookie())
}

func TestLogin_Failure(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(&fakeAuth{})
	defer srv.Close()
	s := newSession(t, srv.URL, nil)

	_, err := s.Login(context.Background(), "ann", "bad")
	require.ErrorIs(t, err, errs.ErrLoginFailed)
	require.Equal(t, errs.KindAuth, errs.KindOf(err))
	require.Equal(t, StateLoggedOut, s.State())

	srv.Close()
	_, err = s.Login(context.Background(), "ann", "pw")
	require.ErrorIs(t, err, errs.ErrLoginFailed)
	require.Equal(t, errs.KindAuth, errs.KindOf(err))
}

func TestSetToken_FallsBackToExpiresIn(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s, err := New(context.Background(), Options{BaseURL: "http://x", Now: func() time.Time { return now }})
	require.NoError(t, err)

	tokens := s.setToken(model.TokenRead{Token: "opaque", TokenType: "bearer", ExpiresIn: 60})
	require.Equal(t, now.Add(time.Minute), tokens.ExpiresAt)
	require.Equal(t, "opaque", s.Token())
}

func TestRefresh_SingleFlight(t *testing.T) {
	t.Parallel()
	fa := &fakeAuth{gate: make(chan struct{})}
	srv := httptest.NewServer(fa)
	defer srv.Close()
	reader := telemetry.NewReader()
	m, err := telemetry.New(reader.Meter())
	require.NoError(t, err)
	s, err := New(context.Background(), Options{BaseURL: srv.URL, Metrics: m, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	_, err = s.Login(context.Background(), "ann", "pw")
	require.NoError(t, err)

	const n = 8
	var wg sync.WaitGroup
	tokens := make([]string, n)
	errsOut := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errsOut[i] = s.Refresh(context.Background())
		}(i)
	}
	require.Eventually(t, func() bool { return fa.refreshCalls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(fa.gate)
	wg.Wait()

	require.Equal(t, int32(1), fa.refreshCalls.Load())
	for i := 0; i < n; i++ {
		require.NoError(t, errsOut[i])
		require.Equal(t, tokens[0], tokens[i])
	}
	require.Equal(t, tokens[0], s.Token())

	totals, err := reader.Totals(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), totals["auth.refreshes.total{outcome=ok}"])
}

func TestRefresh_DetachedFromCallerCancel(t *testing.T) {
	t.Parallel()
	fa := &fakeAuth{gate: make(chan struct{})}
	srv := httptest.NewServer(fa)
	defer srv.Close()
	s := newSession(t, srv.URL, nil)
	_, err := s.Login(context.Background(), "ann", "pw")
	require.NoError(t, err)
	before := s.Token()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.Refresh(ctx)
		done <- err
	}()
	require.Eventually(t, func() bool { return fa.refreshCalls.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	// a second caller joins the same flight and sees its result
	got := make(chan string, 1)
	go func() {
		tok, _ := s.Refresh(context.Background())
		got <- tok
	}()
	time.Sleep(20 * time.Millisecond)
	close(fa.gate)
	tok := <-got
	require.NotEqual(t, before, tok)
	require.Equal(t, tok, s.Token())
	require.Equal(t, int32(1), fa.refreshCalls.Load())
}

func TestRefresh_RejectedExpiresSession(t *testing.T) {
	t.Parallel()
	fa := &fakeAuth{}
	srv := httptest.NewServer(fa)
	defer srv.Close()
	store := storage.NewMemory()
	s := newSession(t, srv.URL, store)
	_, err := s.Login(context.Background(), "ann", "pw")
	require.NoError(t, err)

	fa.rejectRefresh.Store(true)
	_, err = s.Refresh(context.Background())
	require.ErrorIs(t, err, errs.ErrSessionExpired)
	require.Equal(t, StateLoggedOut, s.State())
	require.Equal(t, int32(1), fa.logoutCalls.Load())
	require.False(t, s.HasRefreshCookie())

	_, err = store.Get(context.Background(), CookiesKey)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestRefresh_RejectedAfterConcurrentLoginKeepsNewToken(t *testing.T) {
	t.Parallel()
	fa := &fakeAuth{gate: make(chan struct{})}
	fa.rejectRefresh.Store(true)
	srv := httptest.NewServer(fa)
	defer srv.Close()
	s := newSession(t, srv.URL, nil)

	done := make(chan error, 1)
	var got string
	go func() {
		tok, err := s.Refresh(context.Background())
		got = tok
		done <- err
	}()
	require.Eventually(t, func() bool { return fa.refreshCalls.Load() == 1 }, time.Second, 5*time.Millisecond)

	_, err := s.Login(context.Background(), "ann", "pw")
	require.NoError(t, err)
	fresh := s.Token()
	close(fa.gate)

	require.NoError(t, <-done)
	require.Equal(t, fresh, got)
	require.Equal(t, fresh, s.Token())
	require.True(t, s.HasRefreshCookie())
	require.Zero(t, fa.logoutCalls.Load())
}

func TestRefresh_NetworkFailureKeepsSession(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(&fakeAuth{})
	s := newSession(t, srv.URL, nil)
	_, err := s.Login(context.Background(), "ann", "pw")
	require.NoError(t, err)
	tok := s.Token()

	srv.Close()
	_, err = s.Refresh(context.Background())
	require.Error(t, err)
	require.Equal(t, errs.KindNetwork, errs.KindOf(err))
	require.NotErrorIs(t, err, errs.ErrSessionExpired)
	require.Equal(t, tok, s.Token())
}

func TestCookies_SurviveRestart(t *testing.T) {
	t.Parallel()
	fa := &fakeAuth{}
	srv := httptest.NewServer(fa)
	defer srv.Close()
	store := storage.NewMemory()

	first := newSession(t, srv.URL, store)
	_, err := first.Login(context.Background(), "ann", "pw")
	require.NoError(t, err)

	second := newSession(t, srv.URL, store)
	require.Equal(t, StateLoggedOut, second.State())
	require.True(t, second.HasRefreshCookie())

	tok, err := second.Refresh(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, tok)
	require.Equal(t, StateLoggedIn, second.State())
}

func TestLogout(t *testing.T) {
	t.Parallel()
	fa := &fakeAuth{}
	srv := httptest.NewServer(fa)
	defer srv.Close()
	store := storage.NewMemory()
	s := newSession(t, srv.URL, store)
	_, err := s.Login(context.Background(), "ann", "pw")
	require.NoError(t, err)

	require.NoError(t, s.Logout(context.Background()))
	require.Equal(t, StateLoggedOut, s.State())
	require.Equal(t, int32(1), fa.logoutCalls.Load())
	require.False(t, s.HasRefreshCookie())

	_, err = s.Refresh(context.Background())
	require.ErrorIs(t, err, errs.ErrSessionExpired)

	// logout while the server is gone still clears local state
	_, err = s.Login(context.Background(), "ann", "pw")
	require.NoError(t, err)
	srv.Close()
	require.Error(t, s.Logout(context.Background()))
	require.Equal(t, StateLoggedOut, s.State())
}
