package dbutil

import (
	"strings"
	"testing"

	"github.com/didi/gendry/builder"
	"github.com/stretchr/testify/require"
)

func TestFinalizeRewritesLimit(t *testing.T) {
	query, args, err := builder.BuildSelect("content_records", map[string]interface{}{
		"id":     "r1",
		"_limit": []uint{5, 10},
	}, []string{"id"})
	require.NoError(t, err)
	query, args = Finalize(query, args)
	require.NotContains(t, query, "`")
	require.Contains(t, query, "=$1")
	require.True(t, strings.HasSuffix(query, "LIMIT $2 OFFSET $3"), query)
	require.Len(t, args, 3)
	require.Equal(t, "r1", args[0])
	require.EqualValues(t, 10, args[1])
	require.EqualValues(t, 5, args[2])
}

func TestInIDs(t *testing.T) {
	query, args, err := InIDs("SELECT id FROM t WHERE id IN (?)", []string{"a", "b"})
	require.NoError(t, err)
	require.Equal(t, "SELECT id FROM t WHERE id IN ($1, $2)", query)
	require.Equal(t, []interface{}{"a", "b"}, args)
}
