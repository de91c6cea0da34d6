//go:build integration

package service

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestPostgresStore runs the shared store suite against a real database.
// Run with: go test -tags=integration -timeout 180s -run TestPostgresStore ./service/...
func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			log.Printf("failed to terminate postgres container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}

	admin, err := NewPostgresStore(ctx, connStr, 2)
	require.NoError(t, err)
	defer admin.Close()

	// each subtest gets its own database so fixtures do not collide
	n := 0
	runStoreSuite(t, func(t *testing.T) Store {
		n++
		name := fmt.Sprintf("suite_%d", n)
		_, err := admin.pool.Exec(ctx, "CREATE DATABASE "+name)
		require.NoError(t, err)

		dbURL, err := withDatabase(connStr, name)
		require.NoError(t, err)

		s, err := NewPostgresStore(ctx, dbURL, 4)
		require.NoError(t, err)
		require.NoError(t, s.Migrate(ctx))
		require.NoError(t, s.Migrate(ctx), "migrations must be repeatable")
		t.Cleanup(s.Close)
		return s
	})
}

// withDatabase swaps the database name in a postgres:// URL
func withDatabase(raw, database string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	u.Path = "/" + database
	return u.String(), nil
}
