package tag

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSet(t *testing.T) {
	s := NewSet(MustNew("odd"), MustNew("ODD"), MustNewValue("zone", "a"))
	require.Equal(t, 2, s.Len())
	require.False(t, s.Add(MustNew("odd")))
	require.False(t, s.Add(Tag{}))
	require.True(t, s.Contains(MustNewValue("Zone", "A")))

	require.Equal(t, "odd:,zone:a", s.String())

	require.True(t, s.Remove(MustNew("odd")))
	require.False(t, s.Remove(MustNew("odd")))
	require.Equal(t, 1, s.Len())
}

func TestSet_BindingKeys(t *testing.T) {
	empty := NewSet()
	require.Equal(t, []string{"broadcast:"}, empty.BindingKeys())

	s := NewSet(MustNew("odd"), Broadcast, MustNewValue("zone", "a"))
	require.Equal(t, []string{"broadcast:", "odd:", "zone:a"}, s.BindingKeys())
}

func TestSet_Matches(t *testing.T) {
	s := NewSet(MustNew("odd"))
	require.True(t, s.Matches(MustNewValue("odd", "3")))
	require.False(t, s.Matches(MustNew("even")))
}

func TestParseSet(t *testing.T) {
	s, err := ParseSet([]string{"odd", "zone:eu"})
	require.NoError(t, err)
	require.Equal(t, "odd:,zone:eu", s.String())

	_, err = ParseSet([]string{""})
	require.ErrorIs(t, err, ErrInvalidTag)
}
