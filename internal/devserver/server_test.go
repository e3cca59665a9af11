package devserver

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	pkgcrypto "github.com/and161185/learnlog/internal/crypto"
	"github.com/and161185/learnlog/internal/errs"
	"github.com/and161185/learnlog/internal/limiter"
	"github.com/and161185/learnlog/internal/model"
)

type harness struct {
	t   *testing.T
	srv *Server
	ts  *httptest.Server
	hc  *http.Client
	tok string
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	opts.Logger = zaptest.NewLogger(t)
	opts.Hash = pkgcrypto.FastParams
	srv, err := New(opts)
	require.NoError(t, err)
	_, err = srv.Register("alice", "wonderland")
	require.NoError(t, err)

	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &harness{t: t, srv: srv, ts: ts, hc: &http.Client{Jar: jar}}
}

func (h *harness) do(method, path string, body any) (int, []byte) {
	h.t.Helper()
	var rd io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(h.t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, h.ts.URL+path, rd)
	require.NoError(h.t, err)
	if h.tok != "" {
		req.Header.Set("Authorization", "Bearer "+h.tok)
	}
	resp, err := h.hc.Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(h.t, err)
	return resp.StatusCode, b
}

func (h *harness) postForm(path string, form url.Values) (int, []byte) {
	h.t.Helper()
	resp, err := h.hc.PostForm(h.ts.URL+path, form)
	require.NoError(h.t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(h.t, err)
	return resp.StatusCode, b
}

func (h *harness) login() {
	h.t.Helper()
	code, body := h.postForm("/api/auth/login", url.Values{"username": {"alice"}, "password": {"wonderland"}})
	require.Equal(h.t, http.StatusOK, code, string(body))
	var tr model.TokenRead
	require.NoError(h.t, json.Unmarshal(body, &tr))
	require.Equal(h.t, "bearer", tr.TokenType)
	require.Equal(h.t, int64(900), tr.ExpiresIn)
	h.tok = tr.Token
}

func decode[T any](t *testing.T, b []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(b, &v), string(b))
	return v
}

func TestAuth_LoginRefreshLogout(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{})

	code, _ := h.do(http.MethodGet, "/api/topics/", nil)
	require.Equal(t, http.StatusUnauthorized, code)

	h.login()
	code, body := h.do(http.MethodGet, "/api/topics/", nil)
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `[]`, string(body))

	// refresh rotates the cookie; the old value is single use
	u, _ := url.Parse(h.ts.URL + "/api/auth/")
	old := h.hc.Jar.Cookies(u)
	require.Len(t, old, 1)
	code, body = h.postForm("/api/auth/token", nil)
	require.Equal(t, http.StatusOK, code, string(body))
	require.NotEqual(t, old[0].Value, h.hc.Jar.Cookies(u)[0].Value)

	replay := &http.Client{}
	req, _ := http.NewRequest(http.MethodPost, h.ts.URL+"/api/auth/token", nil)
	req.AddCookie(old[0])
	resp, err := replay.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	code, _ = h.postForm("/api/auth/logout", nil)
	require.Equal(t, http.StatusNoContent, code)
	require.Empty(t, h.hc.Jar.Cookies(u))
	code, _ = h.postForm("/api/auth/token", nil)
	require.Equal(t, http.StatusUnauthorized, code)
}

func TestAuth_LoginFailures(t *testing.T) {
	t.Parallel()
	lim := limiter.NewMemory(time.Minute, 2, time.Minute)
	h := newHarness(t, Options{Limiter: lim})

	code, body := h.postForm("/api/auth/login", url.Values{"username": {"alice"}})
	require.Equal(t, http.StatusUnprocessableEntity, code)
	apiErr := errs.Classify(code, body, nil)
	require.Equal(t, errs.KindValidation, apiErr.Kind)
	require.Equal(t, []string{"Field required"}, apiErr.FieldErrors["body.password"])

	code, body = h.postForm("/api/auth/login", url.Values{"username": {"alice"}, "password": {"nope"}})
	require.Equal(t, http.StatusUnauthorized, code)
	require.JSONEq(t, `{"detail":"Incorrect username or password"}`, string(body))

	code, _ = h.postForm("/api/auth/login", url.Values{"username": {"alice"}, "password": {"nope"}})
	require.Equal(t, http.StatusTooManyRequests, code)
	code, _ = h.postForm("/api/auth/login", url.Values{"username": {"alice"}, "password": {"wonderland"}})
	require.Equal(t, http.StatusTooManyRequests, code, "locked out even with the right password")
}

func TestAuth_ExpiredAccessToken(t *testing.T) {
	t.Parallel()
	clock := &stubClock{now: time.Now()}
	h := newHarness(t, Options{Now: clock.Now, AccessTTL: time.Minute})
	h.login()

	code, _ := h.do(http.MethodGet, "/api/topics/", nil)
	require.Equal(t, http.StatusOK, code)

	clock.Advance(2 * time.Minute)
	code, _ = h.do(http.MethodGet, "/api/topics/", nil)
	require.Equal(t, http.StatusUnauthorized, code)

	h.tok = "not-a-jwt"
	code, _ = h.do(http.MethodGet, "/api/topics/", nil)
	require.Equal(t, http.StatusUnauthorized, code)
}

func TestTopics_CRUD(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{})
	h.login()

	code, body := h.do(http.MethodPost, "/api/topics/", model.TopicCreate{Name: "Go"})
	require.Equal(t, http.StatusCreated, code, string(body))
	goTopic := decode[model.Topic](t, body)
	require.True(t, goTopic.IsRoot())

	_, body = h.do(http.MethodPost, "/api/topics/", model.TopicCreate{Name: "channels", ParentID: &goTopic.ID})
	channels := decode[model.Topic](t, body)
	_, _ = h.do(http.MethodPost, "/api/topics/", model.TopicCreate{Name: "Actors", ParentID: &goTopic.ID})
	_, _ = h.do(http.MethodPost, "/api/entries/", model.EntryCreate{Description: "select blocks", TopicID: channels.ID})

	_, body = h.do(http.MethodGet, "/api/topics/", nil)
	roots := decode[[]model.Topic](t, body)
	require.Len(t, roots, 1)
	require.Equal(t, 2, roots[0].ChildrenCount)

	_, body = h.do(http.MethodGet, "/api/topics/?parent_id="+itoa(goTopic.ID), nil)
	kids := decode[[]model.Topic](t, body)
	require.Equal(t, []string{"Actors", "channels"}, names(kids))
	require.Equal(t, 1, kids[1].EntriesCount)

	_, body = h.do(http.MethodGet, "/api/topics/?parent_id="+itoa(goTopic.ID)+"&skip=1&limit=1", nil)
	require.Equal(t, []string{"channels"}, names(decode[[]model.Topic](t, body)))

	_, body = h.do(http.MethodGet, "/api/topics/"+itoa(goTopic.ID), nil)
	full := decode[model.Topic](t, body)
	require.Len(t, full.Children, 2)

	_, body = h.do(http.MethodGet, "/api/topics/search/?q=CHAN", nil)
	require.Equal(t, []string{"channels"}, names(decode[[]model.Topic](t, body)))

	code, body = h.do(http.MethodPut, "/api/topics/"+itoa(channels.ID), model.TopicUpdate{Name: model.String("Channels")})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "Channels", decode[model.Topic](t, body).Name)

	// moving a topic under its own child is a cycle
	code, _ = h.do(http.MethodPut, "/api/topics/"+itoa(goTopic.ID), model.TopicUpdate{ParentID: &channels.ID})
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = h.do(http.MethodDelete, "/api/topics/"+itoa(goTopic.ID), nil)
	require.Equal(t, http.StatusNoContent, code)
	_, body = h.do(http.MethodGet, "/api/entries/search?q=select", nil)
	require.JSONEq(t, `[]`, string(body), "entries of deleted topics go too")
	code, _ = h.do(http.MethodGet, "/api/topics/"+itoa(channels.ID), nil)
	require.Equal(t, http.StatusNotFound, code)
}

func TestTopics_Validation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{})
	h.login()

	code, body := h.do(http.MethodPost, "/api/topics/", model.TopicCreate{Name: "  "})
	require.Equal(t, http.StatusUnprocessableEntity, code)
	require.Contains(t, errs.ValidationErrors(errs.Classify(code, body, nil)), "body.name")

	code, body = h.do(http.MethodPost, "/api/topics/", model.TopicCreate{Name: "x", ParentID: model.Int64(999)})
	require.Equal(t, http.StatusNotFound, code)
	require.JSONEq(t, `{"detail":"Parent topic not found"}`, string(body))

	code, _ = h.do(http.MethodGet, "/api/topics/?limit=lots", nil)
	require.Equal(t, http.StatusUnprocessableEntity, code)

	code, _ = h.do(http.MethodGet, "/api/topics/abc", nil)
	require.Equal(t, http.StatusUnprocessableEntity, code)

	code, _ = h.do(http.MethodGet, "/api/topics/search/", nil)
	require.Equal(t, http.StatusUnprocessableEntity, code)
}

func TestEntries_CRUDAndSearch(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{})
	h.login()

	_, body := h.do(http.MethodPost, "/api/topics/", model.TopicCreate{Name: "sql"})
	topic := decode[model.Topic](t, body)
	_, body = h.do(http.MethodPost, "/api/topics/", model.TopicCreate{Name: "go"})
	other := decode[model.Topic](t, body)

	code, body := h.do(http.MethodPost, "/api/entries/", model.EntryCreate{Description: "Window functions", TopicID: topic.ID})
	require.Equal(t, http.StatusCreated, code)
	first := decode[model.Entry](t, body)
	require.Equal(t, "sql", first.Topic.Name)
	_, body = h.do(http.MethodPost, "/api/entries/", model.EntryCreate{Description: "window frames", TopicID: topic.ID})
	second := decode[model.Entry](t, body)

	_, body = h.do(http.MethodGet, "/api/entries/search?q=WINDOW", nil)
	found := decode[[]model.Entry](t, body)
	require.Len(t, found, 2)
	require.Equal(t, second.ID, found[0].ID, "newest first")
	require.NotNil(t, found[0].Topic)

	code, body = h.do(http.MethodPut, "/api/entries/"+itoa(first.ID), model.EntryUpdate{TopicID: &other.ID})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, other.ID, decode[model.Entry](t, body).TopicID)

	_, body = h.do(http.MethodGet, "/api/entries/"+itoa(first.ID), nil)
	require.Equal(t, "Window functions", decode[model.Entry](t, body).Description)

	code, body = h.do(http.MethodPost, "/api/entries/", model.EntryCreate{})
	require.Equal(t, http.StatusUnprocessableEntity, code)
	fields := errs.ValidationErrors(errs.Classify(code, body, nil))
	require.Contains(t, fields, "body.description")
	require.Contains(t, fields, "body.topic_id")

	code, _ = h.do(http.MethodPost, "/api/entries/", model.EntryCreate{Description: "x", TopicID: 777})
	require.Equal(t, http.StatusNotFound, code)

	code, _ = h.do(http.MethodDelete, "/api/entries/"+itoa(first.ID), nil)
	require.Equal(t, http.StatusNoContent, code)
	code, _ = h.do(http.MethodDelete, "/api/entries/"+itoa(first.ID), nil)
	require.Equal(t, http.StatusNotFound, code)

	req, _ := http.NewRequest(http.MethodPost, h.ts.URL+"/api/entries/", strings.NewReader("{"))
	req.Header.Set("Authorization", "Bearer "+h.tok)
	resp, err := h.hc.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestUsersAreIsolated(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{})
	_, err := h.srv.Register("bob", "builder")
	require.NoError(t, err)
	_, err = h.srv.Register("bob", "again")
	require.ErrorIs(t, err, errs.ErrAlreadyExists)

	h.login()
	_, body := h.do(http.MethodPost, "/api/topics/", model.TopicCreate{Name: "private"})
	topic := decode[model.Topic](t, body)

	_, body = h.postForm("/api/auth/login", url.Values{"username": {"bob"}, "password": {"builder"}})
	h.tok = decode[model.TokenRead](t, body).Token
	code, _ := h.do(http.MethodGet, "/api/topics/"+itoa(topic.ID), nil)
	require.Equal(t, http.StatusNotFound, code)
}

func TestHealthAndDown(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{})

	resp, err := http.Head(h.ts.URL + "/api/health")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	h.srv.SetDown(true)
	resp, err = http.Head(h.ts.URL + "/api/health")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	code, body := h.postForm("/api/auth/login", url.Values{"username": {"alice"}, "password": {"wonderland"}})
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, errs.KindServer, errs.Classify(code, body, nil).Kind)

	h.srv.SetDown(false)
	h.login()
	require.EqualValues(t, 4, h.srv.Requests())
}

func TestRevokeSessions(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{})
	h.login()

	h.srv.RevokeSessions()
	code, _ := h.postForm("/api/auth/token", nil)
	require.Equal(t, http.StatusUnauthorized, code)
}

func TestRecover_CatchesPanic(t *testing.T) {
	t.Parallel()

	h := Recover(zaptest.NewLogger(t))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("oh no")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.JSONEq(t, `{"detail":"Internal server error"}`, rec.Body.String())
}

func TestLogging_Passthrough(t *testing.T) {
	t.Parallel()

	h := Logging(zaptest.NewLogger(t))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)
}

func itoa(id int64) string { return strconv.FormatInt(id, 10) }

type stubClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stubClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func names(ts []model.Topic) []string {
	out := make([]string, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.Name)
	}
	return out
}
