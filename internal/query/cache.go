// Package query is a persisted, connectivity-aware query cache with an offline
// mutation queue.
package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/and161185/learnlog/internal/errs"
	"github.com/and161185/learnlog/internal/telemetry"
)

// Defaults applied when Options leave a field zero.
const (
	DefaultStaleTime   = 2 * time.Second
	DefaultGCTime      = 24 * time.Hour
	DefaultMaxAttempts = 3
)

var errClosed = errors.New("query client closed")

// Status is the lifecycle state of a query entry.
type Status int

const (
	StatusIdle Status = iota
	StatusLoading
	StatusSuccess
	StatusError
)

var statusNames = [...]string{"idle", "loading", "success", "error"}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "unknown"
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	for i, n := range statusNames {
		if n == string(b) {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown query status %q", b)
}

// Connectivity is the view of the connectivity monitor the cache needs.
type Connectivity interface {
	Online() bool
	WaitOnline(ctx context.Context) error
	Subscribe(fn func(online bool)) func()
}

// State is a read-only view of a cache entry.
type State struct {
	Key       Key
	Data      json.RawMessage
	Status    Status
	Err       error
	UpdatedAt time.Time
	StaleTime time.Duration
	GCTime    time.Duration
}

// HasData reports whether a result is retained.
func (s State) HasData() bool { return s.Data != nil }

// Options configure a Client.
type Options struct {
	StaleTime    time.Duration
	GCTime       time.Duration
	Persister    Persister
	Connectivity Connectivity
	Now          func() time.Time
	Logger       *zap.Logger
	Metrics      *telemetry.Metrics

	// ShouldPersist selects the entries written to the snapshot.
	// Nil means DefaultShouldPersist.
	ShouldPersist func(State) bool

	// MaxAttempts bounds how many times a fetch is paused and retried while offline.
	MaxAttempts int

	// ReplayRate is the number of replayed mutations per second. Zero is unlimited.
	ReplayRate float64

	// FetchTimeout bounds each fetcher call. Zero leaves it to the caller's context.
	FetchTimeout time.Duration
}

// DefaultShouldPersist keeps successes, and failures of the Network or Server
// class that still hold earlier data.
func DefaultShouldPersist(s State) bool {
	switch s.Status {
	case StatusSuccess:
		return true
	case StatusError:
		return s.HasData() && errs.IsRetryable(s.Err)
	}
	return false
}

// QueryOption overrides cache timing for one query.
type QueryOption func(*queryOptions)

type queryOptions struct {
	staleTime time.Duration
	gcTime    time.Duration
}

// WithStaleTime sets how long a result is served without refetching.
func WithStaleTime(d time.Duration) QueryOption {
	return func(o *queryOptions) { o.staleTime = d }
}

// WithGCTime sets how long a result is kept at all.
func WithGCTime(d time.Duration) QueryOption {
	return func(o *queryOptions) { o.gcTime = d }
}

type fetchFunc func(ctx context.Context) (json.RawMessage, error)

type entry struct {
	key       Key
	data      json.RawMessage
	status    Status
	err       error
	updatedAt time.Time
	staleTime time.Duration
	gcTime    time.Duration

	// gen changes whenever the entry is invalidated; results of older fetches are dropped.
	gen         uint64
	invalidated bool
	refetch     fetchFunc
}

func (e *entry) state() State {
	return State{
		Key:       e.key,
		Data:      e.data,
		Status:    e.status,
		Err:       e.err,
		UpdatedAt: e.updatedAt,
		StaleTime: e.staleTime,
		GCTime:    e.gcTime,
	}
}

// expired reports whether the retained result is older than gcTime.
func (e *entry) expired(now time.Time) bool {
	return e.data == nil || now.Sub(e.updatedAt) >= e.gcTime
}

func (e *entry) fresh(now time.Time) bool {
	return !e.invalidated && now.Sub(e.updatedAt) < e.staleTime
}

// Client owns the query cache and the mutation queue. Safe for concurrent use.
type Client struct {
	staleTime     time.Duration
	gcTime        time.Duration
	persister     Persister
	conn          Connectivity
	now           func() time.Time
	log           *zap.Logger
	metrics       *telemetry.Metrics
	shouldPersist func(State) bool
	maxAttempts   int
	fetchTimeout  time.Duration
	limiter       *rate.Limiter

	flights singleflight.Group

	mu      sync.Mutex
	entries map[string]*entry
	genSeq  uint64
	closed  bool

	// mutation queue, in submission order
	mutations []*MutationRecord
	handlers  map[string]handler
	replaying atomic.Bool
	rerun     atomic.Bool

	persistMu sync.Mutex

	bg          context.Context
	stop        context.CancelFunc
	wg          sync.WaitGroup
	unsubscribe func()
}

// New constructs a Client. When a Connectivity is given, queued mutations are
// replayed each time it turns online.
func New(opts Options) *Client {
	c := &Client{
		staleTime:     opts.StaleTime,
		gcTime:        opts.GCTime,
		persister:     opts.Persister,
		conn:          opts.Connectivity,
		now:           opts.Now,
		log:           opts.Logger,
		metrics:       opts.Metrics,
		shouldPersist: opts.ShouldPersist,
		maxAttempts:   opts.MaxAttempts,
		fetchTimeout:  opts.FetchTimeout,
		entries:       map[string]*entry{},
		handlers:      map[string]handler{},
	}
	if c.staleTime <= 0 {
		c.staleTime = DefaultStaleTime
	}
	if c.gcTime <= 0 {
		c.gcTime = DefaultGCTime
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	if c.shouldPersist == nil {
		c.shouldPersist = DefaultShouldPersist
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = DefaultMaxAttempts
	}
	limit := rate.Inf
	if opts.ReplayRate > 0 {
		limit = rate.Limit(opts.ReplayRate)
	}
	c.limiter = rate.NewLimiter(limit, 1)
	c.bg, c.stop = context.WithCancel(context.Background())

	if c.conn != nil {
		c.unsubscribe = c.conn.Subscribe(func(online bool) {
			if online {
				c.resumeInBackground()
			}
		})
	}
	return c
}

// Fetch returns the result for key, calling fetcher when nothing usable is cached.
//
// A fresh result is returned without calling fetcher. A stale one is returned
// immediately and refreshed in the background. Concurrent calls for the same key
// share one fetcher call. While offline the call waits for connectivity instead
// of failing.
func Fetch[T any](ctx context.Context, c *Client, key Key, fetcher func(context.Context) (T, error), opts ...QueryOption) (T, error) {
	var zero T
	raw, err := c.query(ctx, key, func(ctx context.Context) (json.RawMessage, error) {
		v, err := fetcher(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(v)
	}, opts...)
	if err != nil {
		return zero, err
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, fmt.Errorf("decode %s: %w", key, err)
	}
	return out, nil
}

func (c *Client) query(ctx context.Context, key Key, fn fetchFunc, opts ...QueryOption) (json.RawMessage, error) {
	o := queryOptions{staleTime: c.staleTime, gcTime: c.gcTime}
	for _, opt := range opts {
		opt(&o)
	}
	hash := key.String()
	now := c.now()

	c.mu.Lock()
	e, ok := c.entries[hash]
	if !ok {
		e = &entry{key: key, gen: c.nextGen()}
		c.entries[hash] = e
	}
	e.staleTime, e.gcTime = o.staleTime, o.gcTime
	e.refetch = fn
	if e.data != nil && e.expired(now) {
		e.data, e.status, e.err = nil, StatusIdle, nil
	}
	if e.data != nil {
		data := e.data
		fresh := e.fresh(now)
		c.mu.Unlock()
		if fresh {
			c.metrics.RecordFetch(ctx, "hit")
			return data, nil
		}
		c.metrics.RecordFetch(ctx, "stale")
		c.spawn(func(bg context.Context) { c.refetchQuietly(bg, key, hash, fn) })
		return data, nil
	}
	c.mu.Unlock()

	return c.fetch(ctx, key, hash, fn)
}

// fetch runs fn, sharing the call with concurrent fetches of the same key. The
// shared call is bound to the client, not to any caller, so a caller that gives
// up leaves the others waiting and a paused fetch resumes once back online.
func (c *Client) fetch(ctx context.Context, key Key, hash string, fn fetchFunc) (json.RawMessage, error) {
	ch := c.flights.DoChan(hash, func() (any, error) {
		if !c.acquire() {
			return nil, fmt.Errorf("query %s: %w", key, errClosed)
		}
		defer c.wg.Done()
		return c.run(c.bg, key, hash, fn)
	})
	select {
	case res := <-ch:
		if res.Shared {
			c.log.Debug("query joined in-flight fetch", zap.Stringer("key", key))
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(json.RawMessage), nil
	case <-ctx.Done():
		if c.conn != nil && !c.conn.Online() {
			c.metrics.RecordFetch(ctx, "paused")
			return nil, errors.Join(errs.ErrOffline, ctx.Err())
		}
		return nil, ctx.Err()
	}
}

// acquire registers a background task unless the client is closed.
func (c *Client) acquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.wg.Add(1)
	return true
}

func (c *Client) refetchQuietly(ctx context.Context, key Key, hash string, fn fetchFunc) {
	if _, err := c.fetch(ctx, key, hash, fn); err != nil && ctx.Err() == nil {
		c.log.Debug("background refetch failed", zap.Stringer("key", key), zap.Error(err))
	}
}

func (c *Client) run(ctx context.Context, key Key, hash string, fn fetchFunc) (json.RawMessage, error) {
	gen, ok := c.begin(hash)
	if !ok {
		return nil, fmt.Errorf("query %s: removed", key)
	}
	for attempt := 1; ; attempt++ {
		if c.conn != nil && !c.conn.Online() {
			c.log.Debug("query paused while offline", zap.Stringer("key", key))
			if err := c.conn.WaitOnline(ctx); err != nil {
				c.unpause(hash, gen)
				return nil, errors.Join(errs.ErrOffline, err)
			}
		}

		fctx, cancel := ctx, context.CancelFunc(func() {})
		if c.fetchTimeout > 0 {
			fctx, cancel = context.WithTimeout(ctx, c.fetchTimeout)
		}
		data, err := fn(fctx)
		cancel()

		if err == nil {
			c.settle(ctx, hash, gen, data, nil)
			c.metrics.RecordFetch(ctx, "ok")
			return data, nil
		}
		if errs.IsRetryable(err) && ctx.Err() == nil && c.conn != nil && !c.conn.Online() && attempt < c.maxAttempts {
			c.log.Debug("query failed while offline, pausing", zap.Stringer("key", key), zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		if ctx.Err() != nil {
			// closing; the entry keeps what it had
			c.unpause(hash, gen)
			return nil, err
		}
		c.settle(ctx, hash, gen, nil, err)
		c.metrics.RecordFetch(ctx, "error")
		return nil, err
	}
}

// begin marks the entry loading and returns its generation.
func (c *Client) begin(hash string) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[hash]
	if !ok {
		return 0, false
	}
	if e.data == nil {
		e.status = StatusLoading
	}
	return e.gen, true
}

// unpause leaves a paused entry as it was before the fetch, not failed.
func (c *Client) unpause(hash string, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[hash]; ok && e.gen == gen && e.status == StatusLoading {
		e.status = StatusIdle
	}
}

// settle stores a fetch outcome unless the entry moved to a newer generation.
func (c *Client) settle(ctx context.Context, hash string, gen uint64, data json.RawMessage, err error) {
	c.mu.Lock()
	e, ok := c.entries[hash]
	if !ok || e.gen != gen {
		c.mu.Unlock()
		c.log.Debug("dropping result of superseded fetch", zap.String("key", hash))
		return
	}
	if err == nil {
		e.data, e.status, e.err = data, StatusSuccess, nil
		e.updatedAt = c.now()
		e.invalidated = false
	} else {
		e.status, e.err = StatusError, err
	}
	persist := c.shouldPersist(e.state())
	c.mu.Unlock()

	if persist {
		c.persist(ctx)
	}
}

func (c *Client) nextGen() uint64 {
	c.genSeq++
	return c.genSeq
}

// Peek returns the cached state for key without fetching.
func (c *Client) Peek(key Key) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key.String()]
	if !ok {
		return State{}, false
	}
	return e.state(), true
}

// SetData stores v as a fresh successful result for key. In-flight fetches of
// key are superseded.
func (c *Client) SetData(ctx context.Context, key Key, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	hash := key.String()
	c.mu.Lock()
	e, ok := c.entries[hash]
	if !ok {
		e = &entry{key: key, staleTime: c.staleTime, gcTime: c.gcTime}
		c.entries[hash] = e
	}
	e.gen = c.nextGen()
	e.data, e.status, e.err = b, StatusSuccess, nil
	e.updatedAt = c.now()
	e.invalidated = false
	c.mu.Unlock()

	c.flights.Forget(hash)
	c.persist(ctx)
	return nil
}

// Invalidate marks every entry under prefix stale, drops in-flight results for
// them and refetches in the background those with a known fetcher. It returns
// the number of matched entries.
func (c *Client) Invalidate(prefix Key) int {
	type job struct {
		key  Key
		hash string
		fn   fetchFunc
	}
	var jobs []job
	c.mu.Lock()
	n := 0
	for hash, e := range c.entries {
		if !e.key.HasPrefix(prefix) {
			continue
		}
		n++
		e.gen = c.nextGen()
		e.invalidated = true
		if e.data == nil {
			e.status = StatusIdle
		}
		c.flights.Forget(hash)
		if e.refetch != nil {
			jobs = append(jobs, job{key: e.key, hash: hash, fn: e.refetch})
		}
	}
	c.mu.Unlock()

	for _, j := range jobs {
		c.spawn(func(bg context.Context) { c.refetchQuietly(bg, j.key, j.hash, j.fn) })
	}
	c.log.Debug("invalidated queries", zap.Stringer("prefix", prefix), zap.Int("count", n))
	return n
}

// Remove deletes every entry under prefix.
func (c *Client) Remove(ctx context.Context, prefix Key) int {
	c.mu.Lock()
	n := 0
	for hash, e := range c.entries {
		if e.key.HasPrefix(prefix) {
			delete(c.entries, hash)
			c.flights.Forget(hash)
			n++
		}
	}
	c.mu.Unlock()
	if n > 0 {
		c.persist(ctx)
	}
	return n
}

// GC drops entries whose result is older than their gcTime.
func (c *Client) GC() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for hash, e := range c.entries {
		if e.data != nil && e.expired(now) {
			delete(c.entries, hash)
			n++
		}
	}
	return n
}

// Len returns the number of entries.
func (c *Client) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Wait blocks until background refetches and replays have finished.
func (c *Client) Wait() { c.wg.Wait() }

// spawn runs fn in the background unless the client is closed.
func (c *Client) spawn(fn func(ctx context.Context)) {
	if !c.acquire() {
		return
	}
	go func() {
		defer c.wg.Done()
		fn(c.bg)
	}()
}

// Close stops background work and writes a final snapshot.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	c.stop()
	c.wg.Wait()
	return c.save(ctx)
}
