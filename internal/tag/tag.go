// Package tag defines the routing labels sessions subscribe to and the
// canonical string form used as broker header and binding keys.
package tag

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

const separator = ":"

// Reserved tag names.
const (
	BroadcastName = "broadcast"
	SenderName    = "sender"
)

// ErrInvalidTag is returned for empty names or names containing the separator.
var ErrInvalidTag = errors.New("invalid tag")

// Broadcast is attached to every broadcast message and bound by every subscriber.
var Broadcast = Tag{name: BroadcastName}

// Tag is an immutable routing label: a bare name, or a name with a value.
// The zero Tag is invalid.
type Tag struct {
	name     string
	value    string
	hasValue bool
}

func normalize(s string) string {
	// Casers carry state and are not shared between goroutines.
	return cases.Lower(language.Und).String(norm.NFC.String(strings.TrimSpace(s)))
}

func checkName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidTag)
	}
	if strings.Contains(name, separator) {
		return fmt.Errorf("%w: name %q contains %q", ErrInvalidTag, name, separator)
	}
	return nil
}

// New returns a bare tag. A bare tag matches every value of its name.
func New(name string) (Tag, error) {
	n := normalize(name)
	if err := checkName(n); err != nil {
		return Tag{}, err
	}
	return Tag{name: n}, nil
}

// NewValue returns a tag that matches only value.
func NewValue(name, value string) (Tag, error) {
	n := normalize(name)
	if err := checkName(n); err != nil {
		return Tag{}, err
	}
	v := normalize(value)
	if v == "" {
		return Tag{name: n}, nil
	}
	return Tag{name: n, value: v, hasValue: true}, nil
}

// MustNew is New for static tags; it panics on error.
func MustNew(name string) Tag {
	t, err := New(name)
	if err != nil {
		panic(err)
	}
	return t
}

// MustNewValue is NewValue for static tags; it panics on error.
func MustNewValue(name, value string) Tag {
	t, err := NewValue(name, value)
	if err != nil {
		panic(err)
	}
	return t
}

// Sender returns the tag every publish carries for its sender.
func Sender(identityHash string) Tag {
	return MustNewValue(SenderName, identityHash)
}

// Parse reads the mangled form: "name", "name:" or "name:value".
func Parse(s string) (Tag, error) {
	name, value, _ := strings.Cut(s, separator)
	return NewValue(name, value)
}

// Name returns the normalized name.
func (t Tag) Name() string { return t.name }

// Value returns the normalized value, or "" for a bare tag.
func (t Tag) Value() string { return t.value }

// HasValue reports whether t is a value tag.
func (t Tag) HasValue() bool { return t.hasValue }

// IsZero reports whether t is the zero Tag.
func (t Tag) IsZero() bool { return t.name == "" }

// Mangle returns "name:value" or "name:".
func (t Tag) Mangle() string {
	return t.name + separator + t.value
}

// String returns the mangled form.
func (t Tag) String() string { return t.Mangle() }

// Bare returns the tag without its value.
func (t Tag) Bare() Tag { return Tag{name: t.name} }

// Matches reports whether a subscription to t receives a message tagged
// with published.
func (t Tag) Matches(published Tag) bool {
	if t.name != published.name {
		return false
	}
	return !t.hasValue || (published.hasValue && t.value == published.value)
}

// Less orders tags by mangled form.
func (t Tag) Less(o Tag) bool {
	return t.Mangle() < o.Mangle()
}

// HeaderKeys returns the keys a publish tagged with t carries: the
// mangled form and, for value tags, the bare form too so bare
// subscribers match.
func (t Tag) HeaderKeys() []string {
	if !t.hasValue {
		return []string{t.Mangle()}
	}
	return []string{t.Mangle(), t.Bare().Mangle()}
}

// Mangle returns the canonical form of t.
func Mangle(t Tag) string {
	return t.Mangle()
}

// HeaderKeys returns the sorted, de-duplicated header keys for tags.
func HeaderKeys(tags ...Tag) []string {
	seen := make(map[string]struct{})
	for _, t := range tags {
		for _, k := range t.HeaderKeys() {
			seen[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
