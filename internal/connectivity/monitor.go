// Package connectivity tracks whether the backend is believed reachable.
package connectivity

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/learnlog/internal/telemetry"
)

// HealthPath is probed with HEAD; it bypasses authentication.
const HealthPath = "/api/health"

const (
	defaultInterval = 5 * time.Second
	defaultTimeout  = 3 * time.Second
)

// Source identifies what produced a connectivity signal.
type Source int

const (
	// SourceSystem is an operating system network change.
	SourceSystem Source = iota
	// SourceProbe is the periodic health check.
	SourceProbe
	// SourceClient is a passive observation of a backend call.
	SourceClient
)

func (s Source) String() string {
	switch s {
	case SourceSystem:
		return "system"
	case SourceProbe:
		return "probe"
	case SourceClient:
		return "client"
	default:
		return "unknown"
	}
}

// Options configure a Monitor.
type Options struct {
	ServerURL  string
	Interval   time.Duration
	Timeout    time.Duration
	HTTPClient *http.Client // used for probes only; must not carry auth
	Logger     *zap.Logger
	Metrics    *telemetry.Metrics
}

type subscriber struct {
	id int
	fn func(online bool)
}

// Monitor holds the online belief. The most recent signal wins, whatever its source.
// It starts unknown, which reads as offline.
type Monitor struct {
	probeURL string
	interval time.Duration
	timeout  time.Duration
	hc       *http.Client
	log      *zap.Logger
	metrics  *telemetry.Metrics

	// notify serializes transitions so listeners observe them in order.
	notify sync.Mutex

	mu       sync.Mutex
	online   bool
	known    bool
	onlineCh chan struct{} // closed when the state becomes online
	subs     []subscriber
	nextID   int
}

// New creates a Monitor in the unknown state.
func New(opts Options) *Monitor {
	m := &Monitor{
		probeURL: strings.TrimRight(opts.ServerURL, "/") + HealthPath,
		interval: opts.Interval,
		timeout:  opts.Timeout,
		hc:       opts.HTTPClient,
		log:      opts.Logger,
		metrics:  opts.Metrics,
		onlineCh: make(chan struct{}),
	}
	if m.interval <= 0 {
		m.interval = defaultInterval
	}
	if m.timeout <= 0 {
		m.timeout = defaultTimeout
	}
	if m.hc == nil {
		m.hc = &http.Client{}
	}
	if m.log == nil {
		m.log = zap.NewNop()
	}
	return m
}

// Online reports the current belief.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Known reports whether any signal has been received yet.
func (m *Monitor) Known() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.known
}

// ReportOnline records a successful backend response.
func (m *Monitor) ReportOnline() { m.Set(true, SourceClient) }

// ReportOffline records a Network or Server class failure.
func (m *Monitor) ReportOffline() { m.Set(false, SourceClient) }

// Set records a signal. Listeners run synchronously, in subscription order, only
// when the value changes. They must not call Set themselves.
func (m *Monitor) Set(online bool, src Source) {
	m.notify.Lock()
	defer m.notify.Unlock()

	m.mu.Lock()
	m.known = true
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	if online {
		close(m.onlineCh)
	} else {
		m.onlineCh = make(chan struct{})
	}
	subs := make([]subscriber, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	m.metrics.RecordTransition(context.Background(), online, src.String())
	m.log.Info("connectivity changed", zap.Bool("online", online), zap.Stringer("source", src))
	for _, s := range subs {
		s.fn(online)
	}
}

// Subscribe registers fn for transitions and returns a function that removes it.
func (m *Monitor) Subscribe(fn func(online bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.subs = append(m.subs, subscriber{id: id, fn: fn})
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, s := range m.subs {
			if s.id == id {
				m.subs = append(m.subs[:i:i], m.subs[i+1:]...)
				return
			}
		}
	}
}

// WaitOnline blocks until the monitor reports online or ctx ends.
func (m *Monitor) WaitOnline(ctx context.Context) error {
	for {
		m.mu.Lock()
		if m.online {
			m.mu.Unlock()
			return nil
		}
		ch := m.onlineCh
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// Probe issues one HEAD request to the health endpoint and records the outcome.
// Only a 2xx answer counts as online.
func (m *Monitor) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	ok := false
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.probeURL, http.NoBody)
	if err == nil {
		var resp *http.Response
		resp, err = m.hc.Do(req)
		if err == nil {
			resp.Body.Close()
			ok = resp.StatusCode >= 200 && resp.StatusCode <= 299
		}
	}
	if err != nil {
		m.log.Debug("health probe failed", zap.Error(err))
	}
	if !ok && errors.Is(ctx.Err(), context.Canceled) {
		// cancelled by the caller, not a probe failure
		return m.Online()
	}
	m.Set(ok, SourceProbe)
	return ok
}

// Run probes immediately and then every interval until ctx ends.
func (m *Monitor) Run(ctx context.Context) error {
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		m.Probe(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
