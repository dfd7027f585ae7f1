package tag

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMangle(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  string
	}{
		{"odd", "", "odd:"},
		{"Region", "EU-West", "region:eu-west"},
		{"  spaced ", " v ", "spaced:v"},
		{"ÉTAT", "Prêt", "état:prêt"},
	}
	for _, tt := range tests {
		tg, err := NewValue(tt.name, tt.value)
		require.NoError(t, err)
		require.Equal(t, tt.want, Mangle(tg))
		require.Equal(t, tt.want, tg.String())
	}
}

func TestNew_Invalid(t *testing.T) {
	_, err := New("")
	require.ErrorIs(t, err, ErrInvalidTag)
	_, err = New("   ")
	require.ErrorIs(t, err, ErrInvalidTag)
	_, err = New("a:b")
	require.ErrorIs(t, err, ErrInvalidTag)
	require.Panics(t, func() { MustNew("") })
}

func TestParse(t *testing.T) {
	bare, err := Parse("Odd")
	require.NoError(t, err)
	require.False(t, bare.HasValue())
	require.Equal(t, "odd:", bare.Mangle())

	bare2, err := Parse("odd:")
	require.NoError(t, err)
	require.Equal(t, bare, bare2)

	val, err := Parse("zone:A:1")
	require.NoError(t, err)
	require.True(t, val.HasValue())
	require.Equal(t, "zone", val.Name())
	require.Equal(t, "a:1", val.Value())

	again, err := Parse(val.Mangle())
	require.NoError(t, err)
	require.Equal(t, val, again)
}

func TestEquality(t *testing.T) {
	require.Equal(t, MustNewValue("Odd", "X"), MustNewValue("odd", "x"))
	require.NotEqual(t, MustNew("odd"), MustNewValue("odd", "x"))
	require.Equal(t, MustNew("odd"), MustNewValue("odd", ""))
}

func TestMatches(t *testing.T) {
	bare := MustNew("odd")
	v1 := MustNewValue("odd", "1")
	v2 := MustNewValue("odd", "2")

	require.True(t, bare.Matches(bare))
	require.True(t, bare.Matches(v1))
	require.True(t, v1.Matches(v1))
	require.False(t, v1.Matches(v2))
	require.False(t, v1.Matches(bare))
	require.False(t, bare.Matches(MustNew("even")))
}

func TestHeaderKeys(t *testing.T) {
	require.Equal(t, []string{"odd:"}, MustNew("odd").HeaderKeys())
	require.Equal(t, []string{"odd:1", "odd:"}, MustNewValue("odd", "1").HeaderKeys())

	keys := HeaderKeys(MustNewValue("odd", "1"), MustNew("odd"), Broadcast)
	require.Equal(t, []string{"broadcast:", "odd:", "odd:1"}, keys)
}

func TestSender(t *testing.T) {
	s := Sender("AB-CD")
	require.Equal(t, "sender:ab-cd", s.Mangle())
}

func TestLess(t *testing.T) {
	require.True(t, MustNew("a").Less(MustNew("b")))
	require.True(t, MustNew("a").Less(MustNewValue("a", "x")))
	require.False(t, MustNew("b").Less(MustNew("a")))
}
