package query

import (
	"encoding/json"
	"fmt"
)

// Key identifies a query. Keys are compared structurally: two keys are equal when
// their elements encode to the same JSON, so 5 and 5.0 are the same element.
type Key []any

// String returns the canonical encoding of k.
func (k Key) String() string {
	if k == nil {
		return "[]"
	}
	b, err := json.Marshal([]any(k))
	if err != nil {
		return fmt.Sprint([]any(k))
	}
	return string(b)
}

// Equal reports structural equality.
func (k Key) Equal(o Key) bool { return len(k) == len(o) && k.HasPrefix(o) }

// HasPrefix reports whether the first len(prefix) elements of k equal prefix.
// The empty prefix matches every key.
func (k Key) HasPrefix(prefix Key) bool {
	if len(prefix) > len(k) {
		return false
	}
	for i := range prefix {
		if element(k[i]) != element(prefix[i]) {
			return false
		}
	}
	return true
}

func element(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%#v", v)
	}
	return string(b)
}
