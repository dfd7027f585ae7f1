package tag

import (
	"sort"
	"strings"
	"sync"
)

// Set is a concurrency-safe collection of tags keyed by mangled form.
type Set struct {
	mu   sync.RWMutex
	tags map[string]Tag
}

// NewSet returns a set holding tags.
func NewSet(tags ...Tag) *Set {
	s := &Set{tags: make(map[string]Tag, len(tags))}
	for _, t := range tags {
		s.Add(t)
	}
	return s
}

// ParseSet parses each string with Parse.
func ParseSet(specs []string) (*Set, error) {
	s := NewSet()
	for _, spec := range specs {
		t, err := Parse(spec)
		if err != nil {
			return nil, err
		}
		s.Add(t)
	}
	return s, nil
}

// Add inserts t and reports whether it was new. Zero tags are ignored.
func (s *Set) Add(t Tag) bool {
	if t.IsZero() {
		return false
	}
	key := t.Mangle()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tags[key]; ok {
		return false
	}
	s.tags[key] = t
	return true
}

// Remove deletes t and reports whether it was present.
func (s *Set) Remove(t Tag) bool {
	key := t.Mangle()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tags[key]; !ok {
		return false
	}
	delete(s.tags, key)
	return true
}

// Contains reports whether t is in the set.
func (s *Set) Contains(t Tag) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tags[t.Mangle()]
	return ok
}

// Len returns the number of tags.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tags)
}

// Tags returns the tags ordered by mangled form.
func (s *Set) Tags() []Tag {
	s.mu.RLock()
	out := make([]Tag, 0, len(s.tags))
	for _, t := range s.tags {
		out = append(out, t)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// Matches reports whether any tag in the set matches published.
func (s *Set) Matches(published Tag) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tags {
		if t.Matches(published) {
			return true
		}
	}
	return false
}

// BindingKeys returns the keys a subscription queue binds with: the
// mangled form of each tag plus the broadcast key.
func (s *Set) BindingKeys() []string {
	keys := []string{Broadcast.Mangle()}
	for _, t := range s.Tags() {
		if t != Broadcast {
			keys = append(keys, t.Mangle())
		}
	}
	return keys
}

// String joins the mangled tags with commas.
func (s *Set) String() string {
	tags := s.Tags()
	parts := make([]string, len(tags))
	for i, t := range tags {
		parts[i] = t.Mangle()
	}
	return strings.Join(parts, ",")
}
