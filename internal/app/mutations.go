package app

import (
	"context"
	"fmt"

	"github.com/and161185/learnlog/internal/model"
	"github.com/and161185/learnlog/internal/query"
)

// Mutation keys. Operations sharing a key replay in submission order.
const (
	TopicsMutation  = "topics"
	EntriesMutation = "entries"
)

// Query key namespaces.
const (
	subTopicsKey   = "subTopics"
	topicKey       = "topics"
	topicSearchKey = "topicSearch"
	entriesKey     = "entries"
)

// Operation kinds carried in a mutation payload.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// TopicOp is the queued form of a topic change.
type TopicOp struct {
	Op     string             `json:"op"`
	ID     int64              `json:"id,omitempty"`
	Create *model.TopicCreate `json:"create,omitempty"`
	Update *model.TopicUpdate `json:"update,omitempty"`
}

// EntryOp is the queued form of an entry change.
type EntryOp struct {
	Op     string             `json:"op"`
	ID     int64              `json:"id,omitempty"`
	Create *model.EntryCreate `json:"create,omitempty"`
	Update *model.EntryUpdate `json:"update,omitempty"`
}

func (a *App) registerMutations() {
	a.Queries.Register(TopicsMutation, query.Handler(a.applyTopicOp),
		query.Key{subTopicsKey}, query.Key{topicKey}, query.Key{topicSearchKey}, query.Key{entriesKey})
	a.Queries.Register(EntriesMutation, query.Handler(a.applyEntryOp),
		query.Key{entriesKey}, query.Key{subTopicsKey}, query.Key{topicKey})
}

func (a *App) applyTopicOp(ctx context.Context, op TopicOp) (model.Topic, error) {
	switch {
	case op.Op == OpCreate && op.Create != nil:
		return a.Topics.Create(ctx, *op.Create)
	case op.Op == OpUpdate && op.Update != nil:
		return a.Topics.Update(ctx, op.ID, *op.Update)
	case op.Op == OpDelete:
		return model.Topic{ID: op.ID}, a.Topics.Delete(ctx, op.ID)
	default:
		return model.Topic{}, fmt.Errorf("malformed topic operation %q", op.Op)
	}
}

func (a *App) applyEntryOp(ctx context.Context, op EntryOp) (model.Entry, error) {
	switch {
	case op.Op == OpCreate && op.Create != nil:
		return a.Entries.Create(ctx, *op.Create)
	case op.Op == OpUpdate && op.Update != nil:
		return a.Entries.Update(ctx, op.ID, *op.Update)
	case op.Op == OpDelete:
		return model.Entry{ID: op.ID}, a.Entries.Delete(ctx, op.ID)
	default:
		return model.Entry{}, fmt.Errorf("malformed entry operation %q", op.Op)
	}
}
