package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/nimburion/racesync/pkg/observability/logger"
	"github.com/nimburion/racesync/pkg/testutil"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestAdapter_Integration(t *testing.T) {
	testutil.RequireIntegration(t)

	ctx := context.Background()
	pgContainer, err := postgres.Run(ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("racesync"),
		postgres.WithUsername("racesync"),
		postgres.WithPassword("racesync"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	defer func() {
		if err := testcontainers.TerminateContainer(pgContainer); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	store, err := NewAdapter(Config{URL: connStr, MaxOpenConns: 10, QueryTimeout: 5 * time.Second}, logger.Nop())
	if err != nil {
		t.Fatalf("Failed to create adapter: %v", err)
	}
	defer store.Close()

	testutil.StoreContract{Store: store, Collection: "execution_locks"}.Run(t)
}
