package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parleyhq/parley/internal/adapter/postgres"
	"github.com/parleyhq/parley/internal/adapter/storetest"
	"github.com/parleyhq/parley/internal/port/taskstore"
)

// setupPool connects, runs migrations, and truncates all tables so
// every subtest starts from an empty database. Skips unless
// PARLEY_TEST_DATABASE_URL is set.
func setupPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dsn := os.Getenv("PARLEY_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("requires PARLEY_TEST_DATABASE_URL")
	}

	ctx := context.Background()

	if err := postgres.RunMigrations(ctx, dsn); err != nil {
		t.Fatalf("run migrations: %v", err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	if _, err := pool.Exec(ctx, `TRUNCATE push_configs, contexts, tasks RESTART IDENTITY CASCADE`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return pool
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) taskstore.Store {
		return postgres.NewStore(setupPool(t))
	})
}
