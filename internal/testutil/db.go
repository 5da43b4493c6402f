package testutil

import (
	"context"
	"database/sql"
	"os"
	"strconv"
	"testing"

	"github.com/xxxsen/markkb/internal/config"
	"github.com/xxxsen/markkb/internal/db"
)

var tables = []string{"content_records", "synthesis_documents", "embeddings", "embedding_cache", "pipeline_runs"}

// OpenTestDB connects to the postgres named by TEST_DB_* and empties every
// table. Tests are skipped when TEST_DB_HOST is unset.
func OpenTestDB(t *testing.T) (*sql.DB, func()) {
	t.Helper()
	host := os.Getenv("TEST_DB_HOST")
	if host == "" {
		t.Skip("TEST_DB_HOST not set, skipping postgres test")
	}
	port := 5432
	if raw := os.Getenv("TEST_DB_PORT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			port = v
		}
	}
	conn, err := db.Open(context.Background(), config.DatabaseConfig{
		Host:     host,
		Port:     port,
		User:     envOr("TEST_DB_USER", "markkb"),
		Password: envOr("TEST_DB_PASSWORD", "markkb_pass"),
		DBName:   envOr("TEST_DB_NAME", "markkb_test"),
		SSLMode:  "disable",
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.ApplyMigrations(context.Background(), conn); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	for _, table := range tables {
		if _, err := conn.Exec("TRUNCATE TABLE " + table); err != nil {
			t.Fatalf("truncate %s: %v", table, err)
		}
	}
	return conn, func() {
		_ = conn.Close()
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
