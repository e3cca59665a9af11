// Package devserver is an in-memory implementation of the learnlog REST backend
// for local development and tests.
package devserver

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	pkgcrypto "github.com/and161185/learnlog/internal/crypto"
	"github.com/and161185/learnlog/internal/limiter"
)

// RefreshCookie is the name of the HttpOnly refresh token cookie.
const RefreshCookie = "refresh_token"

// Options configure a Server. Zero values pick defaults.
type Options struct {
	SignKey    []byte           // HS256 key; random when empty
	AccessTTL  time.Duration    // default 15m
	RefreshTTL time.Duration    // default 7 days
	Hash       pkgcrypto.Params // default pkgcrypto.DefaultParams
	Limiter    limiter.Limiter  // default 5 failures per 15m, then 15m lockout
	Logger     *zap.Logger
	Now        func() time.Time
}

// Server serves the REST contract. Safe for concurrent use.
type Server struct {
	log      *zap.Logger
	accounts *accounts
	handler  http.Handler

	down     atomic.Bool
	requests atomic.Int64

	mu     sync.Mutex
	nextID int64
	libs   map[uuid.UUID]*library
}

// New constructs a Server.
func New(opts Options) (*Server, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if len(opts.SignKey) == 0 {
		key, err := pkgcrypto.RandBytes(32)
		if err != nil {
			return nil, err
		}
		opts.SignKey = key
	}
	if opts.AccessTTL <= 0 {
		opts.AccessTTL = 15 * time.Minute
	}
	if opts.RefreshTTL <= 0 {
		opts.RefreshTTL = 7 * 24 * time.Hour
	}
	if opts.Hash == (pkgcrypto.Params{}) {
		opts.Hash = pkgcrypto.DefaultParams
	}
	if opts.Limiter == nil {
		opts.Limiter = limiter.NewMemory(15*time.Minute, 5, 15*time.Minute)
	}

	s := &Server{
		log: opts.Logger,
		accounts: &accounts{
			params:     opts.Hash,
			signKey:    opts.SignKey,
			accessTTL:  opts.AccessTTL,
			refreshTTL: opts.RefreshTTL,
			lim:        opts.Limiter,
			now:        opts.Now,
			users:      make(map[string]*user),
			refresh:    make(map[string]refreshGrant),
		},
		libs: make(map[uuid.UUID]*library),
	}
	s.handler = s.routes()
	return s, nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	mux.HandleFunc("POST /api/auth/login", s.handle(s.login))
	mux.HandleFunc("POST /api/auth/token", s.handle(s.refresh))
	mux.HandleFunc("POST /api/auth/logout", s.handle(s.logout))

	authed := func(h handlerFunc) http.Handler { return s.requireUser(s.handle(h)) }
	mux.Handle("GET /api/topics/{$}", authed(s.listTopics))
	mux.Handle("POST /api/topics/{$}", authed(s.createTopic))
	mux.Handle("GET /api/topics/search/{$}", authed(s.searchTopics))
	mux.Handle("GET /api/topics/{id}", authed(s.getTopic))
	mux.Handle("PUT /api/topics/{id}", authed(s.updateTopic))
	mux.Handle("DELETE /api/topics/{id}", authed(s.deleteTopic))

	mux.Handle("POST /api/entries/{$}", authed(s.createEntry))
	mux.Handle("GET /api/entries/search", authed(s.searchEntries))
	mux.Handle("GET /api/entries/{id}", authed(s.getEntry))
	mux.Handle("PUT /api/entries/{id}", authed(s.updateEntry))
	mux.Handle("DELETE /api/entries/{id}", authed(s.deleteEntry))

	var h http.Handler = mux
	h = s.availability(h)
	h = Logging(s.log)(h)
	h = Recover(s.log)(h)
	return h
}

// availability answers 503 while the server is marked down.
func (s *Server) availability(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requests.Add(1)
		if s.down.Load() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"detail": "Service unavailable"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.handler.ServeHTTP(w, r) }

// Register creates a user account.
func (s *Server) Register(username, password string) (uuid.UUID, error) {
	return s.accounts.Register(username, password)
}

// RevokeSessions invalidates every refresh token.
func (s *Server) RevokeSessions() { s.accounts.RevokeAll() }

// SetDown makes every request fail with 503 until called with false.
func (s *Server) SetDown(down bool) { s.down.Store(down) }

// Requests returns the number of requests received so far.
func (s *Server) Requests() int64 { return s.requests.Load() }

func (s *Server) verifyAccessToken(tok string) (uuid.UUID, error) {
	return s.accounts.verifyAccessToken(tok)
}

// withLibrary runs fn with the caller's library under the data lock.
func (s *Server) withLibrary(r *http.Request, fn func(l *library) error) error {
	uid, ok := userFrom(r.Context())
	if !ok {
		return detail(http.StatusUnauthorized, "Not authenticated")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.libs[uid]
	if !ok {
		l = newLibrary()
		s.libs[uid] = l
	}
	return fn(l)
}

func (s *Server) newID() int64 {
	s.nextID++
	return s.nextID
}
