package db_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/markkb/internal/db"
	"github.com/xxxsen/markkb/internal/testutil"
)

func TestApplyMigrationsOnce(t *testing.T) {
	conn, cleanup := testutil.OpenTestDB(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, db.ApplyMigrations(ctx, conn))
	var n int
	require.NoError(t, conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE name = '001_init.sql'`).Scan(&n))
	require.Equal(t, 1, n)

	var exists bool
	require.NoError(t, conn.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.columns WHERE table_name = 'embedding_cache' AND column_name = 'last_hit')`).Scan(&exists))
	require.True(t, exists)
}
