package broker

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeadersBinding(t *testing.T) {
	args := HeadersBinding(MatchAny, "broadcast:", "odd:")
	require.Equal(t, Table{XMatch: MatchAny, "broadcast:": "", "odd:": ""}, args)
}

func TestHeaderTable(t *testing.T) {
	require.Equal(t, Table{"a:": "", "b:1": ""}, HeaderTable("a:", "b:1"))
	require.Empty(t, HeaderTable())
}

func TestTable_CloneAndString(t *testing.T) {
	var nilTable Table
	require.Nil(t, nilTable.Clone())

	orig := Table{"k": "v", "n": 1}
	c := orig.Clone()
	c["k"] = "changed"
	require.Equal(t, "v", orig.String("k"))
	require.Equal(t, "", orig.String("n"))
	require.Equal(t, "", orig.String("missing"))
}

func TestValidateKind(t *testing.T) {
	require.NoError(t, ValidateKind(Fanout))
	require.NoError(t, ValidateKind(Headers))
	require.NoError(t, ValidateKind(Direct))
	require.Error(t, ValidateKind("topic"))
}
