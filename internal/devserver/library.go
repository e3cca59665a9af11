package devserver

import (
	"sort"
	"strings"

	"github.com/and161185/learnlog/internal/model"
)

type topicRec struct {
	id       int64
	name     string
	parentID *int64
}

type entryRec struct {
	id          int64
	description string
	topicID     int64
}

// library is one user's topics and entries. Callers hold Server.mu.
type library struct {
	topics  map[int64]*topicRec
	entries map[int64]*entryRec
}

func newLibrary() *library {
	return &library{topics: make(map[int64]*topicRec), entries: make(map[int64]*entryRec)}
}

func (l *library) view(t *topicRec) model.Topic {
	out := model.Topic{ID: t.id, Name: t.name, ParentID: copyID(t.parentID)}
	for _, c := range l.topics {
		if c.parentID != nil && *c.parentID == t.id {
			out.ChildrenCount++
		}
	}
	for _, e := range l.entries {
		if e.topicID == t.id {
			out.EntriesCount++
		}
	}
	return out
}

// children lists the topics under parent (roots for nil) ordered by name.
func (l *library) children(parent *int64) []model.Topic {
	out := []model.Topic{}
	for _, t := range l.topics {
		if sameID(t.parentID, parent) {
			out = append(out, l.view(t))
		}
	}
	model.SortTopics(out)
	return out
}

func (l *library) detail(t *topicRec) model.Topic {
	out := l.view(t)
	out.Children = l.children(&t.id)
	return out
}

func (l *library) searchTopics(q string, limit int) []model.Topic {
	q = strings.ToLower(q)
	out := []model.Topic{}
	for _, t := range l.topics {
		if strings.Contains(strings.ToLower(t.name), q) {
			out = append(out, l.view(t))
		}
	}
	model.SortTopics(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// tree returns all topics, with override replacing the topic of the same id.
func (l *library) tree(override *topicRec) []model.Topic {
	out := make([]model.Topic, 0, len(l.topics)+1)
	for _, t := range l.topics {
		if override != nil && t.id == override.id {
			continue
		}
		out = append(out, model.Topic{ID: t.id, Name: t.name, ParentID: t.parentID})
	}
	if override != nil {
		out = append(out, model.Topic{ID: override.id, Name: override.name, ParentID: override.parentID})
	}
	return out
}

// removeTopic deletes t, its descendants and their entries.
func (l *library) removeTopic(id int64) {
	doomed := map[int64]bool{id: true}
	for grew := true; grew; {
		grew = false
		for _, t := range l.topics {
			if t.parentID != nil && doomed[*t.parentID] && !doomed[t.id] {
				doomed[t.id] = true
				grew = true
			}
		}
	}
	for tid := range doomed {
		delete(l.topics, tid)
	}
	for eid, e := range l.entries {
		if doomed[e.topicID] {
			delete(l.entries, eid)
		}
	}
}

func (l *library) entryView(e *entryRec) model.Entry {
	out := model.Entry{ID: e.id, Description: e.description, TopicID: e.topicID}
	if t, ok := l.topics[e.topicID]; ok {
		v := l.view(t)
		out.Topic = &v
	}
	return out
}

// searchEntries returns entries whose description contains q, newest first.
func (l *library) searchEntries(q string) []model.Entry {
	q = strings.ToLower(q)
	out := []model.Entry{}
	for _, e := range l.entries {
		if strings.Contains(strings.ToLower(e.description), q) {
			out = append(out, l.entryView(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

func sameID(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func copyID(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
