package hashutil

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSum(t *testing.T) {
	require.Len(t, Sum("x"), 64)
	require.Equal(t, Sum("a", "b"), Sum("a", "b"))
	require.NotEqual(t, Sum("ab"), Sum("a", "b"))
}
