package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/learnlog/internal/app"
	"github.com/and161185/learnlog/internal/config"
	pkgcrypto "github.com/and161185/learnlog/internal/crypto"
	"github.com/and161185/learnlog/internal/devserver"
	"github.com/and161185/learnlog/internal/errs"
	"github.com/and161185/learnlog/internal/model"
	"github.com/and161185/learnlog/internal/storage"
)

type harness struct {
	t       *testing.T
	srv     *devserver.Server
	cfgPath string
	env     map[string]string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	srv, err := devserver.New(devserver.Options{Hash: pkgcrypto.FastParams, Logger: zaptest.NewLogger(t).Named("devserver")})
	require.NoError(t, err)
	_, err = srv.Register("alice", "wonderland")
	require.NoError(t, err)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	dir := t.TempDir()
	cfg := config.Default(dir)
	cfg.ServerURL = ts.URL
	cfg.ProbeInterval = config.Duration{Duration: time.Hour}
	cfg.Storage = storage.Config{Type: storage.TypeFile, Path: filepath.Join(dir, "store")}
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, config.Init(path, cfg))
	return &harness{t: t, srv: srv, cfgPath: path, env: map[string]string{}}
}

// run executes one CLI invocation and returns stdout and stderr.
func (h *harness) run(args ...string) (string, string, error) {
	h.t.Helper()
	var out, errOut bytes.Buffer
	c := &cli{
		out:    &out,
		errOut: &errOut,
		getenv: func(k string) string { return h.env[k] },
		log:    zaptest.NewLogger(h.t),
	}
	root := newRootCmd(c)
	root.SetArgs(append([]string{"--config", h.cfgPath}, args...))
	err := root.ExecuteContext(context.Background())
	if err != nil {
		c.fail(err)
	}
	return out.String(), errOut.String(), err
}

func (h *harness) mustRun(args ...string) string {
	h.t.Helper()
	out, stderr, err := h.run(args...)
	require.NoError(h.t, err, stderr)
	return out
}

func decodeOut[T any](t *testing.T, out string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(out), &v), out)
	return v
}

func TestCLI_TopicsAndEntries(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	require.Contains(t, h.mustRun("login", "-u", "alice", "-p", "wonderland"), "logged in as alice")

	goTopic := decodeOut[model.Topic](t, h.mustRun("topics", "add", "Go"))
	require.Equal(t, "Go", goTopic.Name)
	goID := strconv.FormatInt(goTopic.ID, 10)

	sub := decodeOut[model.Topic](t, h.mustRun("topics", "add", "--parent", goID, "generics"))
	require.Equal(t, &goTopic.ID, sub.ParentID)

	roots := decodeOut[[]model.Topic](t, h.mustRun("topics", "ls"))
	require.Len(t, roots, 1)
	kids := decodeOut[[]model.Topic](t, h.mustRun("topics", "ls", "--parent", goID))
	require.Len(t, kids, 1)

	subID := strconv.FormatInt(sub.ID, 10)
	entry := decodeOut[model.Entry](t, h.mustRun("entries", "add", "--topic", subID, "type", "sets", "constrain", "parameters"))
	require.Equal(t, "type sets constrain parameters", entry.Description)
	entryID := strconv.FormatInt(entry.ID, 10)

	found := decodeOut[[]model.Entry](t, h.mustRun("entries", "search", "constrain"))
	require.Len(t, found, 1)

	edited := decodeOut[model.Entry](t, h.mustRun("entries", "edit", entryID, "--topic", goID))
	require.Equal(t, goTopic.ID, edited.TopicID)

	shown := decodeOut[model.Entry](t, h.mustRun("entries", "show", entryID))
	require.Equal(t, "Go", shown.Topic.Name)

	renamed := decodeOut[model.Topic](t, h.mustRun("topics", "rename", subID, "type", "parameters"))
	require.Equal(t, "type parameters", renamed.Name)

	hits := decodeOut[[]model.Topic](t, h.mustRun("topics", "search", "param"))
	require.Len(t, hits, 1)

	require.Equal(t, "ok\n", h.mustRun("entries", "rm", entryID))
	require.Equal(t, "ok\n", h.mustRun("topics", "rm", goID))

	_, _, err := h.run("topics", "show", goID)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestCLI_OfflineQueueSurvivesRestarts(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.env[config.EnvPassphrase] = "open sesame"

	h.mustRun("login", "-u", "alice", "-p", "wonderland")
	h.mustRun("topics", "ls")

	h.srv.SetDown(true)
	require.Contains(t, h.mustRun("topics", "add", "offline", "notes"), "queued (offline)")

	// the cached listing is still served
	roots := decodeOut[[]model.Topic](t, h.mustRun("topics", "ls"))
	require.Empty(t, roots)

	st := decodeOut[app.Status](t, h.mustRun("status"))
	require.False(t, st.Online)
	require.Len(t, st.Mutations, 1)

	_, stderr, err := h.run("sync")
	require.ErrorIs(t, err, errs.ErrOffline)
	require.Contains(t, stderr, "unreachable")

	// a second queued change is dropped before it is sent
	out := h.mustRun("topics", "add", "discard", "me")
	require.Contains(t, out, "queued (offline): ")
	id := strings.TrimSpace(strings.TrimPrefix(out, "queued (offline): "))
	require.Contains(t, h.mustRun("discard", id), "discarded")
	_, _, err = h.run("discard", id)
	require.ErrorIs(t, err, errs.ErrNotFound)

	h.srv.SetDown(false)
	h.mustRun("sync")

	st = decodeOut[app.Status](t, h.mustRun("status"))
	require.True(t, st.Online)
	require.Empty(t, st.Mutations)

	// the cache may still hold the empty listing; a name search always goes out
	hits := decodeOut[[]model.Topic](t, h.mustRun("topics", "search", "offline"))
	require.Len(t, hits, 1)
}

func TestCLI_SessionExpiry(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.mustRun("login", "-u", "alice", "-p", "wonderland")
	h.mustRun("logout")

	out, stderr, err := h.run("topics", "add", "later")
	require.NoError(t, err, stderr)
	require.Contains(t, out, "queued (offline)")
	require.Contains(t, stderr, "learnlog login")

	require.Contains(t, h.mustRun("login", "-u", "alice", "-p", "wonderland"), "logged in")
	st := decodeOut[app.Status](t, h.mustRun("status"))
	require.Empty(t, st.Mutations)
	require.Equal(t, "logged_out", st.Session, "tokens are not kept between invocations")
	require.True(t, st.CanRefresh)
}

func TestCLI_Metrics(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.mustRun("login", "-u", "alice", "-p", "wonderland")

	_, stderr, err := h.run("--metrics", "topics", "ls")
	require.NoError(t, err, stderr)
	require.Contains(t, stderr, "http.requests.total{http.method=GET,http.status_class=2xx} ")
	require.Contains(t, stderr, "query.fetches.total{outcome=ok} 1")

	_, stderr, err = h.run("topics", "ls")
	require.NoError(t, err, stderr)
	require.NotContains(t, stderr, "http.requests.total")
}

func TestCLI_Errors(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	_, _, err := h.run("login", "-u", "alice", "-p", "nope")
	require.ErrorIs(t, err, errs.ErrLoginFailed)

	_, stderr, err := h.run("topics", "add", "   ")
	require.Error(t, err)
	require.Contains(t, stderr, "name: Topic name is required")

	_, _, err = h.run("topics", "show", "abc")
	require.ErrorContains(t, err, `invalid id "abc"`)

	_, _, err = h.run("entries", "add", "no topic")
	require.Contains(t, errs.ValidationErrors(err), "topic_id")

	_, _, err = h.run("topics", "mv", "1")
	require.Error(t, err)
}

func TestCLI_Config(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "learnlog.yaml")
	run := func(args ...string) (string, error) {
		var out, errOut bytes.Buffer
		c := &cli{out: &out, errOut: &errOut, getenv: func(string) string { return "" }, log: zaptest.NewLogger(t)}
		root := newRootCmd(c)
		root.SetArgs(append([]string{"--config", path}, args...))
		err := root.Execute()
		return out.String(), err
	}

	out, err := run("config", "init", "--server", "https://learn.example.com")
	require.NoError(t, err)
	require.Contains(t, out, path)
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	_, err = run("config", "init")
	require.ErrorContains(t, err, "already exists")

	out, err = run("config", "show")
	require.NoError(t, err)
	require.Contains(t, out, "server_url: https://learn.example.com")

	_, err = run("config", "init", "--server", "not a url")
	require.Error(t, err)
}

func TestCLI_Version(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	root := newRootCmd(&cli{out: &out, errOut: &out, getenv: func(string) string { return "" }})
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	require.Equal(t, "learnlog dev (unknown)\n", out.String())
}

func TestParseID(t *testing.T) {
	t.Parallel()
	id, err := parseID("42")
	require.NoError(t, err)
	require.Equal(t, int64(42), id)
	for _, bad := range []string{"", "0", "-3", "x1"} {
		_, err := parseID(bad)
		require.Error(t, err, bad)
	}
}

func TestFail_ListsFieldErrors(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	c := &cli{errOut: &buf}
	c.fail(&errs.APIError{
		Kind:        errs.KindValidation,
		Status:      422,
		Message:     "validation failed",
		FieldErrors: map[string][]string{"name": {"too short"}, "body.parent_id": {"bad", "worse"}},
	})
	require.Equal(t,
		"error: validation error (HTTP 422): validation failed\n"+
			"  body.parent_id: bad; worse\n"+
			"  name: too short\n",
		buf.String())
}
