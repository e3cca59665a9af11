package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/learnlog/internal/errs"
	"github.com/and161185/learnlog/internal/model"
	"github.com/and161185/learnlog/internal/query"
)

const (
	// MinEntrySearch is the shortest term that triggers an entry search.
	MinEntrySearch = 3
	// MinTopicSearch is the shortest term that triggers a topic search.
	MinTopicSearch = 2
)

// Result describes a submitted change. Exactly one of Queued or a non-nil
// value is meaningful: queued changes run when the backend is reachable again.
type Result[T any] struct {
	ID     uuid.UUID `json:"mutation_id"`
	Queued bool      `json:"queued"`
	Value  *T        `json:"value,omitempty"`
}

// Status summarizes the local view of the backend.
type Status struct {
	Server         string                 `json:"server"`
	Online         bool                   `json:"online"`
	Known          bool                   `json:"known"`
	Session        string                 `json:"session"`
	SessionExpired bool                   `json:"session_expired"`
	ExpiresAt      *time.Time             `json:"expires_at,omitempty"`
	CanRefresh     bool                   `json:"can_refresh"`
	CachedQueries  int                    `json:"cached_queries"`
	Mutations      []query.MutationRecord `json:"mutations"`
}

func invalid(field, msg string) error {
	return &errs.APIError{
		Kind:        errs.KindValidation,
		Message:     "validation failed",
		FieldErrors: map[string][]string{field: {msg}},
	}
}

// Login authenticates and replays changes that were waiting for a session.
func (a *App) Login(ctx context.Context, username, password string) (model.Tokens, error) {
	if strings.TrimSpace(username) == "" {
		return model.Tokens{}, invalid("username", "Username is required")
	}
	if password == "" {
		return model.Tokens{}, invalid("password", "Password is required")
	}
	tokens, err := a.Session.Login(ctx, username, password)
	if err != nil {
		return model.Tokens{}, err
	}
	a.expired.Store(false)
	if a.queued() > 0 {
		report, err := a.Sync(ctx)
		if err != nil {
			a.log.Warn("replay after login", zap.Error(err))
		} else {
			a.log.Info("replayed after login", zap.Int("succeeded", report.Succeeded), zap.Int("failed", report.Failed))
		}
	}
	return tokens, nil
}

// Logout ends the session. Cached data and queued changes stay.
func (a *App) Logout(ctx context.Context) error {
	return a.Session.Logout(ctx)
}

// Status reports connectivity, session and queue state.
func (a *App) Status() Status {
	st := Status{
		Server:         a.cfg.ServerURL,
		Online:         a.Monitor.Online(),
		Known:          a.Monitor.Known(),
		Session:        a.Session.State().String(),
		SessionExpired: a.SessionExpired(),
		CanRefresh:     a.Session.HasRefreshCookie(),
		CachedQueries:  a.Queries.Len(),
		Mutations:      a.Queries.Mutations(),
	}
	if exp := a.Session.ExpiresAt(); !exp.IsZero() {
		st.ExpiresAt = &exp
	}
	return st
}

// Sync replays queued changes now. It returns errs.ErrOffline when the backend
// cannot be reached.
func (a *App) Sync(ctx context.Context) (query.ReplayReport, error) {
	if !a.Monitor.Probe(ctx) {
		return query.ReplayReport{Remaining: a.queued()}, errs.ErrOffline
	}
	for {
		report, err := a.Queries.ResumePaused(ctx)
		if err != nil || !report.Skipped {
			return report, err
		}
		// a background pass is running; wait for it and go again
		select {
		case <-ctx.Done():
			return report, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (a *App) queued() int {
	n := 0
	for _, m := range a.Queries.Mutations() {
		if m.Status == query.MutationPaused {
			n++
		}
	}
	return n
}

func parentKey(parent *int64) any {
	if parent == nil {
		return nil
	}
	return *parent
}

// SubTopics lists the children of parent, or the roots when parent is nil.
func (a *App) SubTopics(ctx context.Context, parent *int64) ([]model.Topic, error) {
	return query.Fetch(ctx, a.Queries, query.Key{subTopicsKey, parentKey(parent)}, func(ctx context.Context) ([]model.Topic, error) {
		return a.Topics.List(ctx, parent, 0, 0)
	})
}

// Topic returns one topic with its children.
func (a *App) Topic(ctx context.Context, id int64) (model.Topic, error) {
	return query.Fetch(ctx, a.Queries, query.Key{topicKey, id}, func(ctx context.Context) (model.Topic, error) {
		return a.Topics.Get(ctx, id)
	})
}

// SearchTopics finds topics by name. Terms shorter than MinTopicSearch yield nothing.
func (a *App) SearchTopics(ctx context.Context, term string) ([]model.Topic, error) {
	term = strings.TrimSpace(term)
	if len([]rune(term)) < MinTopicSearch {
		return nil, nil
	}
	return query.Fetch(ctx, a.Queries, query.Key{topicSearchKey, term}, func(ctx context.Context) ([]model.Topic, error) {
		return a.Topics.Search(ctx, term, 0)
	})
}

// CreateTopic adds a topic under parent.
func (a *App) CreateTopic(ctx context.Context, name string, parent *int64) (Result[model.Topic], error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Result[model.Topic]{}, invalid("name", "Topic name is required")
	}
	start := a.now()
	res, err := mutate[model.Topic](ctx, a, TopicsMutation, TopicOp{Op: OpCreate, Create: &model.TopicCreate{Name: name, ParentID: parent}})
	if err == nil && res.Value != nil {
		a.insertCached(ctx, *res.Value, start)
	}
	return res, err
}

// insertCached places a created topic into the cached listings that show it, so
// they are current before the refetch lands. Listings fetched after since
// already include it.
func (a *App) insertCached(ctx context.Context, t model.Topic, since time.Time) {
	changed := a.updateListing(ctx, query.Key{subTopicsKey, parentKey(t.ParentID)}, t, since, true)
	if t.ParentID != nil {
		// the parent's own listing carries its children count
		st, ok := a.Queries.Peek(query.Key{topicKey, *t.ParentID})
		var parent model.Topic
		if ok && st.HasData() && json.Unmarshal(st.Data, &parent) == nil {
			changed = a.updateListing(ctx, query.Key{subTopicsKey, parentKey(parent.ParentID)}, t, since, false) || changed
		}
	}
	if changed {
		a.Queries.Invalidate(query.Key{subTopicsKey})
	}
}

func (a *App) updateListing(ctx context.Context, key query.Key, t model.Topic, since time.Time, siblings bool) bool {
	st, ok := a.Queries.Peek(key)
	if !ok || !st.HasData() || !st.UpdatedAt.Before(since) {
		return false
	}
	var list []model.Topic
	if err := json.Unmarshal(st.Data, &list); err != nil {
		a.log.Debug("cached listing unreadable", zap.Stringer("key", key), zap.Error(err))
		return false
	}
	if !siblings && len(list) == 0 {
		return false
	}
	for _, x := range list {
		if x.ID == t.ID {
			return false
		}
	}
	if err := a.Queries.SetData(ctx, key, model.InsertTopic(list, t)); err != nil {
		a.log.Debug("update cached listing", zap.Stringer("key", key), zap.Error(err))
		return false
	}
	return true
}

// RenameTopic changes a topic's name.
func (a *App) RenameTopic(ctx context.Context, id int64, name string) (Result[model.Topic], error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Result[model.Topic]{}, invalid("name", "Topic name is required")
	}
	return mutate[model.Topic](ctx, a, TopicsMutation, TopicOp{Op: OpUpdate, ID: id, Update: &model.TopicUpdate{Name: &name}})
}

// MoveTopic changes a topic's parent.
func (a *App) MoveTopic(ctx context.Context, id, parent int64) (Result[model.Topic], error) {
	if id == parent {
		return Result[model.Topic]{}, invalid("parent_id", "A topic cannot be its own parent")
	}
	return mutate[model.Topic](ctx, a, TopicsMutation, TopicOp{Op: OpUpdate, ID: id, Update: &model.TopicUpdate{ParentID: &parent}})
}

// DeleteTopic removes a topic with its subtopics and entries.
func (a *App) DeleteTopic(ctx context.Context, id int64) (Result[model.Topic], error) {
	res, err := mutate[model.Topic](ctx, a, TopicsMutation, TopicOp{Op: OpDelete, ID: id})
	if err == nil && !res.Queued {
		a.Queries.Remove(ctx, query.Key{topicKey, id})
	}
	return res, err
}

// SearchEntries finds entries by description. Terms shorter than MinEntrySearch
// yield nothing. Results are never served from cache.
func (a *App) SearchEntries(ctx context.Context, term string) ([]model.Entry, error) {
	term = strings.TrimSpace(term)
	if len([]rune(term)) < MinEntrySearch {
		return nil, nil
	}
	return query.Fetch(ctx, a.Queries, query.Key{entriesKey, term}, func(ctx context.Context) ([]model.Entry, error) {
		return a.Entries.Search(ctx, term)
	}, query.WithStaleTime(0), query.WithGCTime(0))
}

// Entry returns one entry.
func (a *App) Entry(ctx context.Context, id int64) (model.Entry, error) {
	return query.Fetch(ctx, a.Queries, query.Key{entriesKey, id}, func(ctx context.Context) (model.Entry, error) {
		return a.Entries.Get(ctx, id)
	})
}

// CreateEntry records a new entry under topicID.
func (a *App) CreateEntry(ctx context.Context, topicID int64, description string) (Result[model.Entry], error) {
	if strings.TrimSpace(description) == "" {
		return Result[model.Entry]{}, invalid("description", "Description is required")
	}
	if topicID <= 0 {
		return Result[model.Entry]{}, invalid("topic_id", "Topic is required")
	}
	return mutate[model.Entry](ctx, a, EntriesMutation, EntryOp{Op: OpCreate, Create: &model.EntryCreate{Description: description, TopicID: topicID}})
}

// UpdateEntry changes an entry. Nil fields are left as they are.
func (a *App) UpdateEntry(ctx context.Context, id int64, description *string, topicID *int64) (Result[model.Entry], error) {
	if description == nil && topicID == nil {
		return Result[model.Entry]{}, invalid("entry", "Nothing to update")
	}
	if description != nil && strings.TrimSpace(*description) == "" {
		return Result[model.Entry]{}, invalid("description", "Description is required")
	}
	if topicID != nil && *topicID <= 0 {
		return Result[model.Entry]{}, invalid("topic_id", "Topic is required")
	}
	return mutate[model.Entry](ctx, a, EntriesMutation, EntryOp{Op: OpUpdate, ID: id, Update: &model.EntryUpdate{Description: description, TopicID: topicID}})
}

// DeleteEntry removes an entry.
func (a *App) DeleteEntry(ctx context.Context, id int64) (Result[model.Entry], error) {
	res, err := mutate[model.Entry](ctx, a, EntriesMutation, EntryOp{Op: OpDelete, ID: id})
	if err == nil && !res.Queued {
		a.Queries.Remove(ctx, query.Key{entriesKey, id})
	}
	return res, err
}

// Discard drops a queued or failed change without sending it.
func (a *App) Discard(ctx context.Context, id uuid.UUID) error {
	return a.Queries.Discard(ctx, id)
}

func mutate[T any](ctx context.Context, a *App, key string, op any) (Result[T], error) {
	res, err := a.Queries.Mutate(ctx, key, op)
	if err != nil {
		return Result[T]{ID: res.ID}, err
	}
	out := Result[T]{ID: res.ID, Queued: res.Queued()}
	if len(res.Data) > 0 {
		var v T
		if err := json.Unmarshal(res.Data, &v); err != nil {
			return out, fmt.Errorf("decode %s result: %w", key, err)
		}
		out.Value = &v
	}
	return out, nil
}
