package types

import (
	"encoding/json"
	"strings"
)

// StringSet keeps unique, trimmed strings in insertion order.
// Topics, flags and tags are stored as StringSets so duplicates never reach the database.
type StringSet struct {
	items []string
	index map[string]struct{}
}

func NewStringSet(values ...string) StringSet {
	var s StringSet
	s.Add(values...)
	return s
}

// Add inserts values that are non-empty after trimming and not already present.
// Comparison is case-insensitive; the first spelling wins.
func (s *StringSet) Add(values ...string) {
	if s.index == nil {
		s.index = make(map[string]struct{}, len(values))
	}
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		key := strings.ToLower(v)
		if _, ok := s.index[key]; ok {
			continue
		}
		s.index[key] = struct{}{}
		s.items = append(s.items, v)
	}
}

func (s StringSet) Contains(v string) bool {
	_, ok := s.index[strings.ToLower(strings.TrimSpace(v))]
	return ok
}

func (s StringSet) Len() int { return len(s.items) }

// Values returns a copy, never nil, so it encodes as an empty array.
func (s StringSet) Values() []string {
	out := make([]string, len(s.items))
	copy(out, s.items)
	return out
}

func (s StringSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Values())
}

func (s *StringSet) UnmarshalJSON(data []byte) error {
	var values []string
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	*s = NewStringSet(values...)
	return nil
}
