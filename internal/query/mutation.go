package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/and161185/learnlog/internal/errs"
)

// MutationStatus is the state of a queued mutation.
type MutationStatus int

const (
	MutationPending MutationStatus = iota
	MutationPaused
	MutationSuccess
	MutationFailed
)

var mutationStatusNames = [...]string{"pending", "paused", "success", "failed"}

func (s MutationStatus) String() string {
	if int(s) < len(mutationStatusNames) {
		return mutationStatusNames[s]
	}
	return "unknown"
}

func (s MutationStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *MutationStatus) UnmarshalText(b []byte) error {
	for i, n := range mutationStatusNames {
		if n == string(b) {
			*s = MutationStatus(i)
			return nil
		}
	}
	return fmt.Errorf("unknown mutation status %q", b)
}

// MutationRecord is a submitted mutation kept until it succeeds or is discarded.
type MutationRecord struct {
	ID          uuid.UUID       `json:"id"`
	Key         string          `json:"mutation_key"`
	Payload     json.RawMessage `json:"payload"`
	SubmittedAt time.Time       `json:"submitted_at"`
	Status      MutationStatus  `json:"status"`
	Attempts    int             `json:"attempts"`
	Error       string          `json:"error,omitempty"`
}

// MutationFunc performs a mutation against the backend.
type MutationFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Handler adapts a typed function to a MutationFunc.
func Handler[P, R any](fn func(context.Context, P) (R, error)) MutationFunc {
	return func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		var p P
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		r, err := fn(ctx, p)
		if err != nil {
			return nil, err
		}
		return json.Marshal(r)
	}
}

type handler struct {
	fn          MutationFunc
	invalidates []Key
}

// MutationResult reports what happened to a submitted mutation.
type MutationResult struct {
	ID     uuid.UUID
	Status MutationStatus
	Data   json.RawMessage // set on success
}

// Queued reports whether the mutation was paused for later replay.
func (r MutationResult) Queued() bool { return r.Status == MutationPaused }

// ReplayReport summarizes one replay pass.
type ReplayReport struct {
	Skipped   bool // another pass was running
	Succeeded int
	Failed    int
	Remaining int // still paused after the pass
}

// Register binds a mutation key to its handler and to the query prefixes it affects.
// With no prefixes, every query is invalidated after a replay of this key.
func (c *Client) Register(mutationKey string, fn MutationFunc, invalidates ...Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[mutationKey] = handler{fn: fn, invalidates: invalidates}
}

// Mutate submits a mutation. When online it runs immediately. When offline, when
// the attempt fails with a retryable error, or when earlier mutations of the same
// key are still queued, it is paused and persisted; the result then has status
// MutationPaused and the error is nil. Other failures are returned.
func (c *Client) Mutate(ctx context.Context, mutationKey string, payload any) (MutationResult, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return MutationResult{}, fmt.Errorf("encode %s payload: %w", mutationKey, err)
	}
	id, err := uuid.NewV4()
	if err != nil {
		return MutationResult{}, err
	}
	rec := &MutationRecord{ID: id, Key: mutationKey, Payload: raw, SubmittedAt: c.now(), Status: MutationPending}

	c.mu.Lock()
	h, ok := c.handlers[mutationKey]
	if !ok {
		c.mu.Unlock()
		return MutationResult{}, fmt.Errorf("%w: %q", errs.ErrUnknownMutation, mutationKey)
	}
	online := c.conn == nil || c.conn.Online()
	behind := c.queuedFor(mutationKey) > 0
	if !online || behind {
		rec.Status = MutationPaused
	} else {
		rec.Attempts = 1
	}
	c.mutations = append(c.mutations, rec)
	c.mu.Unlock()

	if rec.Status == MutationPaused {
		c.log.Info("mutation queued", zap.String("mutation_key", mutationKey), zap.Stringer("id", id), zap.Bool("online", online))
		c.persist(ctx)
		if online {
			c.resumeInBackground()
		}
		return MutationResult{ID: id, Status: MutationPaused}, nil
	}

	data, err := h.fn(ctx, raw)
	switch {
	case err == nil:
		c.dropMutation(id)
		c.invalidateFor(h)
		c.persist(ctx)
		c.resumeIfQueued(mutationKey)
		return MutationResult{ID: id, Status: MutationSuccess, Data: data}, nil
	case shouldPause(err):
		c.pauseMutation(id, err)
		c.log.Info("mutation paused after failure", zap.String("mutation_key", mutationKey), zap.Error(err))
		c.persist(ctx)
		return MutationResult{ID: id, Status: MutationPaused}, nil
	default:
		c.dropMutation(id)
		c.resumeIfQueued(mutationKey)
		return MutationResult{ID: id, Status: MutationFailed}, err
	}
}

// shouldPause reports whether a failed mutation is kept for replay: retryable
// failures and an expired session, which a later login resolves.
func shouldPause(err error) bool {
	return errs.IsRetryable(err) || errors.Is(err, errs.ErrSessionExpired)
}

// ResumePaused replays paused mutations: keys in parallel, each key in
// submission order. A retryable failure stops the key's pass; any other failure
// marks the mutation failed and the pass continues. Afterwards the affected
// queries are invalidated. A call made while a pass runs returns at once with
// Skipped set.
func (c *Client) ResumePaused(ctx context.Context) (ReplayReport, error) {
	if !c.replaying.CompareAndSwap(false, true) {
		return ReplayReport{Skipped: true}, nil
	}
	defer func() {
		c.replaying.Store(false)
		if c.rerun.CompareAndSwap(true, false) {
			c.resumeInBackground()
		}
	}()

	type job struct {
		h    handler
		recs []MutationRecord
	}
	c.mu.Lock()
	var order []string
	jobs := map[string]*job{}
	inFlight := map[string]bool{}
	for _, m := range c.mutations {
		if m.Status == MutationPending {
			// a direct submission is running; its successors wait for it
			inFlight[m.Key] = true
		}
	}
	for _, m := range c.mutations {
		if m.Status != MutationPaused || inFlight[m.Key] {
			continue
		}
		h, ok := c.handlers[m.Key]
		if !ok {
			c.log.Warn("no handler for queued mutation", zap.String("mutation_key", m.Key))
			continue
		}
		j, ok := jobs[m.Key]
		if !ok {
			j = &job{h: h}
			jobs[m.Key] = j
			order = append(order, m.Key)
		}
		j.recs = append(j.recs, *m)
	}
	c.mu.Unlock()

	var report ReplayReport
	if len(order) == 0 {
		return report, nil
	}

	results := make([]ReplayReport, len(order))
	g, gctx := errgroup.WithContext(ctx)
	for i, key := range order {
		j := jobs[key]
		g.Go(func() error {
			r, err := c.replayKey(gctx, key, j.h, j.recs)
			results[i] = r
			return err
		})
	}
	err := g.Wait()

	replayed := false
	for i, key := range order {
		report.Succeeded += results[i].Succeeded
		report.Failed += results[i].Failed
		if results[i].Succeeded+results[i].Failed > 0 {
			replayed = true
			c.invalidateFor(jobs[key].h)
		}
	}
	c.mu.Lock()
	for _, m := range c.mutations {
		if m.Status == MutationPaused {
			report.Remaining++
		}
	}
	c.mu.Unlock()
	if replayed {
		c.persist(ctx)
	}
	c.log.Info("replay finished",
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
		zap.Int("remaining", report.Remaining))
	return report, err
}

func (c *Client) replayKey(ctx context.Context, key string, h handler, recs []MutationRecord) (ReplayReport, error) {
	var r ReplayReport
	for _, rec := range recs {
		if err := c.limiter.Wait(ctx); err != nil {
			return r, err
		}
		if !c.markPending(rec.ID) {
			// discarded meanwhile
			continue
		}
		_, err := h.fn(ctx, rec.Payload)
		switch {
		case err == nil:
			c.dropMutation(rec.ID)
			r.Succeeded++
			c.metrics.RecordReplay(ctx, "ok")
		case shouldPause(err):
			c.pauseMutation(rec.ID, err)
			c.metrics.RecordReplay(ctx, "paused")
			c.log.Info("replay interrupted", zap.String("mutation_key", key), zap.Error(err))
			return r, nil
		default:
			c.failMutation(rec.ID, err)
			r.Failed++
			c.metrics.RecordReplay(ctx, "failed")
			c.log.Warn("replayed mutation failed", zap.String("mutation_key", key), zap.Stringer("id", rec.ID), zap.Error(err))
		}
		// persist per record so a crash mid-pass does not replay completed work
		c.persist(ctx)
	}
	return r, nil
}

// resumeInBackground starts a replay pass. A trigger that finds a pass running
// leaves a flag that pass picks up when it ends, so triggers collapse into one
// follow-up pass and none is lost.
func (c *Client) resumeInBackground() {
	c.spawn(func(ctx context.Context) {
		report, err := c.ResumePaused(ctx)
		if err != nil && ctx.Err() == nil {
			c.log.Warn("replay paused mutations", zap.Error(err))
		}
		if !report.Skipped {
			return
		}
		c.rerun.Store(true)
		// the running pass may have ended before the flag was set
		if !c.replaying.Load() && c.rerun.CompareAndSwap(true, false) {
			c.resumeInBackground()
		}
	})
}

// resumeIfQueued starts a replay when submissions queued up behind a direct one.
func (c *Client) resumeIfQueued(key string) {
	c.mu.Lock()
	n := 0
	for _, m := range c.mutations {
		if m.Key == key && m.Status == MutationPaused {
			n++
		}
	}
	c.mu.Unlock()
	if n > 0 && (c.conn == nil || c.conn.Online()) {
		c.resumeInBackground()
	}
}

func (c *Client) invalidateFor(h handler) {
	if len(h.invalidates) == 0 {
		c.Invalidate(Key{})
		return
	}
	for _, prefix := range h.invalidates {
		c.Invalidate(prefix)
	}
}

// Mutations returns a copy of the queue in submission order.
func (c *Client) Mutations() []MutationRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]MutationRecord, 0, len(c.mutations))
	for _, m := range c.mutations {
		out = append(out, *m)
	}
	return out
}

// Discard removes a queued or failed mutation.
func (c *Client) Discard(ctx context.Context, id uuid.UUID) error {
	c.mu.Lock()
	found := false
	for _, m := range c.mutations {
		if m.ID == id && m.Status != MutationPending {
			found = true
		}
	}
	c.mu.Unlock()
	if !found {
		return fmt.Errorf("mutation %s: %w", id, errs.ErrNotFound)
	}
	c.dropMutation(id)
	c.persist(ctx)
	return nil
}

// The helpers below require c.mu not to be held.

func (c *Client) dropMutation(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, m := range c.mutations {
		if m.ID == id {
			c.mutations = append(c.mutations[:i:i], c.mutations[i+1:]...)
			return
		}
	}
}

func (c *Client) update(id uuid.UUID, fn func(*MutationRecord)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.mutations {
		if m.ID == id {
			fn(m)
			return true
		}
	}
	return false
}

func (c *Client) markPending(id uuid.UUID) bool {
	return c.update(id, func(m *MutationRecord) {
		m.Status = MutationPending
		m.Attempts++
	})
}

func (c *Client) pauseMutation(id uuid.UUID, err error) {
	c.update(id, func(m *MutationRecord) {
		m.Status = MutationPaused
		m.Error = err.Error()
	})
}

func (c *Client) failMutation(id uuid.UUID, err error) {
	c.update(id, func(m *MutationRecord) {
		m.Status = MutationFailed
		m.Error = err.Error()
	})
}

// queuedFor counts mutations of key that are paused or in flight. c.mu must be held.
func (c *Client) queuedFor(key string) int {
	n := 0
	for _, m := range c.mutations {
		if m.Key == key && (m.Status == MutationPaused || m.Status == MutationPending) {
			n++
		}
	}
	return n
}

// hasMutation reports whether id is queued. c.mu must be held.
func (c *Client) hasMutation(id uuid.UUID) bool {
	for _, m := range c.mutations {
		if m.ID == id {
			return true
		}
	}
	return false
}
