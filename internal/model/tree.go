package model

import (
	"fmt"
	"sort"
	"strings"
)

// ValidateTree checks that every parent reference resolves and that no cycle exists.
func ValidateTree(topics []Topic) error {
	parent := make(map[int64]*int64, len(topics))
	for _, t := range topics {
		if _, dup := parent[t.ID]; dup {
			return fmt.Errorf("topic %d: duplicate id", t.ID)
		}
		parent[t.ID] = t.ParentID
	}
	for _, t := range topics {
		if t.ParentID == nil {
			continue
		}
		if _, ok := parent[*t.ParentID]; !ok {
			return fmt.Errorf("topic %d: unknown parent %d", t.ID, *t.ParentID)
		}
	}

	// walk up from each node; a path longer than the node count means a cycle
	for _, t := range topics {
		cur := t.ParentID
		for steps := 0; cur != nil; steps++ {
			if steps > len(topics) || *cur == t.ID {
				return fmt.Errorf("topic %d: cycle in parent chain", t.ID)
			}
			cur = parent[*cur]
		}
	}
	return nil
}

// CompareTopicByName orders topics by name, case-insensitively.
func CompareTopicByName(a, b Topic) int {
	return strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name))
}

// SortTopics sorts topics in place by name.
func SortTopics(topics []Topic) {
	sort.SliceStable(topics, func(i, j int) bool {
		return CompareTopicByName(topics[i], topics[j]) < 0
	})
}

// InsertTopic returns a copy of a sibling list with t placed in name order, and
// increments the ChildrenCount of t's parent when the parent is in the list.
// t is only inserted when it shares the siblings' parent.
func InsertTopic(siblings []Topic, t Topic) []Topic {
	out := make([]Topic, 0, len(siblings)+1)
	out = append(out, siblings...)

	if len(siblings) == 0 || sameParent(siblings[0].ParentID, t.ParentID) {
		at := sort.Search(len(out), func(i int) bool { return CompareTopicByName(t, out[i]) < 0 })
		out = append(out, Topic{})
		copy(out[at+1:], out[at:])
		out[at] = t
	}

	if t.ParentID != nil {
		for i := range out {
			if out[i].ID == *t.ParentID {
				out[i].ChildrenCount++
				break
			}
		}
	}
	return out
}

func sameParent(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
