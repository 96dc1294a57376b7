// Package testpg resolves a Postgres connection string for store tests.
package testpg

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
)

// EnvVar names the environment variable tests read a DSN from. Tests that
// need a real database skip instead of failing when it isn't set, so the
// suite runs clean in environments with no Postgres reachable.
const EnvVar = "MEMORYD_TEST_POSTGRES_URL"

// StartPostgres returns a DSN for a Postgres instance the test can use, or
// skips the test if MEMORYD_TEST_POSTGRES_URL isn't set or isn't reachable.
func StartPostgres(tb testing.TB) string {
	tb.Helper()

	dsn := os.Getenv(EnvVar)
	if dsn == "" {
		tb.Skipf("%s not set; skipping test that requires Postgres", EnvVar)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		tb.Skipf("postgres at %s unreachable: %v", EnvVar, err)
	}
	defer conn.Close(ctx)
	if err := conn.Ping(ctx); err != nil {
		tb.Skipf("postgres at %s not ready: %v", EnvVar, err)
	}

	return dsn
}
