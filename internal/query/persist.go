package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/learnlog/internal/errs"
)

// SnapshotVersion is the schema version written to persisted snapshots.
// Snapshots with any other version are discarded on Restore.
const SnapshotVersion = 1

// Persister stores the serialized snapshot. Load returns errs.ErrNotFound when
// nothing was saved yet.
type Persister interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, blob []byte) error
}

// KV is the storage used by StorePersister; storage.Store implements it.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
}

// StorePersister keeps the snapshot under a fixed key of a KV store.
type StorePersister struct {
	Store KV
	Key   string
}

func (p StorePersister) Load(ctx context.Context) ([]byte, error) { return p.Store.Get(ctx, p.Key) }

func (p StorePersister) Save(ctx context.Context, blob []byte) error {
	return p.Store.Put(ctx, p.Key, blob)
}

// Snapshot is the persisted form of the cache and the mutation queue.
type Snapshot struct {
	Version   int              `json:"version"`
	SavedAt   time.Time        `json:"saved_at"`
	Queries   []QuerySnapshot  `json:"queries"`
	Mutations []MutationRecord `json:"mutations"`
}

// QuerySnapshot is one persisted cache entry.
type QuerySnapshot struct {
	Key         Key             `json:"key"`
	Data        json.RawMessage `json:"data,omitempty"`
	Status      Status          `json:"status"`
	ErrorKind   errs.Kind       `json:"error_kind,omitempty"`
	Error       string          `json:"error,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
	StaleTime   time.Duration   `json:"stale_time"`
	GCTime      time.Duration   `json:"gc_time"`
	Invalidated bool            `json:"invalidated,omitempty"`
}

// Snapshot builds the persisted form of the current state. Entries rejected by
// ShouldPersist or past their gcTime are left out.
func (c *Client) Snapshot() Snapshot {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{Version: SnapshotVersion, SavedAt: now, Queries: []QuerySnapshot{}, Mutations: []MutationRecord{}}
	for _, e := range c.entries {
		if e.expired(now) || !c.shouldPersist(e.state()) {
			continue
		}
		q := QuerySnapshot{
			Key:         e.key,
			Data:        e.data,
			Status:      e.status,
			UpdatedAt:   e.updatedAt,
			StaleTime:   e.staleTime,
			GCTime:      e.gcTime,
			Invalidated: e.invalidated,
		}
		if e.err != nil {
			q.ErrorKind = errs.KindOf(e.err)
			q.Error = e.err.Error()
		}
		snap.Queries = append(snap.Queries, q)
	}
	for _, m := range c.mutations {
		if m.Status == MutationPaused || m.Status == MutationPending || m.Status == MutationFailed {
			snap.Mutations = append(snap.Mutations, *m)
		}
	}
	return snap
}

// persist writes a snapshot, logging failures. Writers are serialized so the last
// state always wins.
func (c *Client) persist(ctx context.Context) {
	if err := c.save(context.WithoutCancel(ctx)); err != nil {
		c.log.Warn("persist query cache", zap.Error(err))
	}
}

func (c *Client) save(ctx context.Context) error {
	if c.persister == nil {
		return nil
	}
	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	blob, err := json.Marshal(c.Snapshot())
	if err != nil {
		return err
	}
	return c.persister.Save(ctx, blob)
}

// Restore loads the persisted snapshot into an empty cache. Entries past their
// gcTime are dropped; paused mutations are queued again and replayed when online.
// A snapshot with another version is discarded and errs.ErrSnapshotVersion returned.
func (c *Client) Restore(ctx context.Context) error {
	if c.persister == nil {
		return nil
	}
	blob, err := c.persister.Load(ctx)
	if errors.Is(err, errs.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(blob, &snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.Version != SnapshotVersion {
		c.log.Warn("discarding persisted cache", zap.Int("version", snap.Version), zap.Int("want", SnapshotVersion))
		return fmt.Errorf("%w: got %d, want %d", errs.ErrSnapshotVersion, snap.Version, SnapshotVersion)
	}

	now := c.now()
	restored, dropped := 0, 0
	c.mu.Lock()
	for _, q := range snap.Queries {
		e := &entry{
			key:         q.Key,
			data:        q.Data,
			status:      q.Status,
			updatedAt:   q.UpdatedAt,
			staleTime:   q.StaleTime,
			gcTime:      q.GCTime,
			invalidated: q.Invalidated,
			gen:         c.nextGen(),
		}
		if q.Error != "" {
			e.err = &errs.APIError{Kind: q.ErrorKind, Message: q.Error}
		}
		if e.expired(now) {
			dropped++
			continue
		}
		hash := q.Key.String()
		if _, exists := c.entries[hash]; !exists {
			c.entries[hash] = e
			restored++
		}
	}
	queued := 0
	for i := range snap.Mutations {
		m := snap.Mutations[i]
		if c.hasMutation(m.ID) {
			continue
		}
		if m.Status == MutationPending {
			m.Status = MutationPaused
		}
		c.mutations = append(c.mutations, &m)
		if m.Status == MutationPaused {
			queued++
		}
	}
	c.mu.Unlock()

	c.log.Info("restored query cache",
		zap.Int("queries", restored),
		zap.Int("expired", dropped),
		zap.Int("paused_mutations", queued),
		zap.Time("saved_at", snap.SavedAt))

	if queued > 0 && c.conn != nil && c.conn.Online() {
		c.resumeInBackground()
	}
	return nil
}
