// Package api exposes typed calls for the topics and entries REST resources.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/and161185/learnlog/internal/errs"
	"github.com/and161185/learnlog/internal/model"
)

// Caller is the transport used by the services. *client.Client implements it.
type Caller interface {
	Get(ctx context.Context, path string, query url.Values, out any) error
	Post(ctx context.Context, path string, body, out any) error
	Put(ctx context.Context, path string, body, out any) error
	Delete(ctx context.Context, path string) error
}

const (
	topicsBase  = "/api/topics"
	entriesBase = "/api/entries"

	// DefaultTopicLimit is the page size used when listing topics.
	DefaultTopicLimit = 100
	// DefaultSearchLimit is the number of topics returned by a name search.
	DefaultSearchLimit = 10
)

// wrap keeps classified errors intact and adds context to anything else.
func wrap(msg string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *errs.APIError
	if errors.As(err, &apiErr) {
		return err
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func idPath(base string, id int64) string {
	return base + "/" + strconv.FormatInt(id, 10)
}

// Topics calls /api/topics.
type Topics struct{ c Caller }

// NewTopics constructs the topics service.
func NewTopics(c Caller) *Topics { return &Topics{c: c} }

// List returns the children of parentID, or the roots when parentID is nil.
func (s *Topics) List(ctx context.Context, parentID *int64, skip, limit int) ([]model.Topic, error) {
	if limit <= 0 {
		limit = DefaultTopicLimit
	}
	q := url.Values{"skip": {strconv.Itoa(skip)}, "limit": {strconv.Itoa(limit)}}
	if parentID != nil {
		q.Set("parent_id", strconv.FormatInt(*parentID, 10))
	}
	var out []model.Topic
	if err := s.c.Get(ctx, topicsBase+"/", q, &out); err != nil {
		return nil, wrap("fetch topics", err)
	}
	return out, nil
}

// Get returns a topic with its counts and direct children.
func (s *Topics) Get(ctx context.Context, id int64) (model.Topic, error) {
	var out model.Topic
	if err := s.c.Get(ctx, idPath(topicsBase, id), nil, &out); err != nil {
		return model.Topic{}, wrap("fetch topic", err)
	}
	return out, nil
}

// Search returns topics whose name matches q.
func (s *Topics) Search(ctx context.Context, q string, limit int) ([]model.Topic, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	var out []model.Topic
	if err := s.c.Get(ctx, topicsBase+"/search/", url.Values{"q": {q}, "limit": {strconv.Itoa(limit)}}, &out); err != nil {
		return nil, wrap("search topics", err)
	}
	return out, nil
}

func (s *Topics) Create(ctx context.Context, in model.TopicCreate) (model.Topic, error) {
	var out model.Topic
	if err := s.c.Post(ctx, topicsBase+"/", in, &out); err != nil {
		return model.Topic{}, wrap("create topic", err)
	}
	return out, nil
}

func (s *Topics) Update(ctx context.Context, id int64, in model.TopicUpdate) (model.Topic, error) {
	var out model.Topic
	if err := s.c.Put(ctx, idPath(topicsBase, id), in, &out); err != nil {
		return model.Topic{}, wrap("update topic", err)
	}
	return out, nil
}

func (s *Topics) Delete(ctx context.Context, id int64) error {
	return wrap("delete topic", s.c.Delete(ctx, idPath(topicsBase, id)))
}

// Entries calls /api/entries.
type Entries struct{ c Caller }

// NewEntries constructs the entries service.
func NewEntries(c Caller) *Entries { return &Entries{c: c} }

// Search returns entries whose description matches q, each with its topic.
func (s *Entries) Search(ctx context.Context, q string) ([]model.Entry, error) {
	var out []model.Entry
	if err := s.c.Get(ctx, entriesBase+"/search", url.Values{"q": {q}}, &out); err != nil {
		return nil, wrap("search entries", err)
	}
	return out, nil
}

func (s *Entries) Get(ctx context.Context, id int64) (model.Entry, error) {
	var out model.Entry
	if err := s.c.Get(ctx, idPath(entriesBase, id), nil, &out); err != nil {
		return model.Entry{}, wrap("fetch entry", err)
	}
	return out, nil
}

func (s *Entries) Create(ctx context.Context, in model.EntryCreate) (model.Entry, error) {
	var out model.Entry
	if err := s.c.Post(ctx, entriesBase+"/", in, &out); err != nil {
		return model.Entry{}, wrap("create entry", err)
	}
	return out, nil
}

func (s *Entries) Update(ctx context.Context, id int64, in model.EntryUpdate) (model.Entry, error) {
	var out model.Entry
	if err := s.c.Put(ctx, idPath(entriesBase, id), in, &out); err != nil {
		return model.Entry{}, wrap("update entry", err)
	}
	return out, nil
}

func (s *Entries) Delete(ctx context.Context, id int64) error {
	return wrap("delete entry", s.c.Delete(ctx, idPath(entriesBase, id)))
}
