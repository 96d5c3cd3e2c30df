//go:build integration

package integration

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/revcycle/internal/domain/claims"
	"github.com/ehr/revcycle/internal/platform/db"
	"github.com/ehr/revcycle/migrations"
)

// globalPool is shared by every test; each test works in its own tenant schema.
var globalPool *pgxpool.Pool

// TestMain connects to TEST_DATABASE_URL when set, otherwise starts a
// throwaway Postgres container.
func TestMain(m *testing.M) {
	ctx := context.Background()

	connStr := os.Getenv("TEST_DATABASE_URL")
	cleanup := func() {}
	if connStr == "" {
		var err error
		connStr, cleanup, err = startPostgresContainer(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to setup postgres container: %v\n", err)
			os.Exit(1)
		}
	}

	pool, err := db.NewPool(ctx, db.PoolConfig{URL: connStr, MaxConns: 20})
	if err != nil {
		cleanup()
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}
	globalPool = pool

	code := m.Run()
	pool.Close()
	cleanup()
	os.Exit(code)
}

func uniqueTenantID(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, strings.ReplaceAll(uuid.New().String()[:8], "-", ""))
}

// newTenant creates a migrated tenant schema and drops it when the test ends.
func newTenant(t *testing.T, prefix string) string {
	t.Helper()
	ctx := context.Background()
	tenantID := uniqueTenantID(prefix)
	if err := db.CreateTenantSchema(ctx, globalPool, tenantID, db.NewMigratorFS(globalPool, migrations.FS)); err != nil {
		t.Fatalf("create tenant schema %s: %v", tenantID, err)
	}
	t.Cleanup(func() {
		_, err := globalPool.Exec(context.Background(), fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", db.SchemaName(tenantID)))
		if err != nil {
			t.Logf("warning: failed to drop schema for %s: %v", tenantID, err)
		}
	})
	return tenantID
}

// withTenant runs fn with a tenant-scoped connection in ctx, the way the
// tenant middleware does for HTTP requests.
func withTenant(t *testing.T, tenantID string, fn func(ctx context.Context)) {
	t.Helper()
	ctx, release, err := db.WithTenantConn(context.Background(), globalPool, tenantID)
	if err != nil {
		t.Fatalf("tenant conn: %v", err)
	}
	defer release()
	fn(ctx)
}

var integrationNow = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

func newPGService(t *testing.T) *claims.Service {
	t.Helper()
	numbers, err := claims.NewSnowflakeNumbers(7)
	if err != nil {
		t.Fatal(err)
	}
	svc := claims.NewService(claims.NewPGRepository(globalPool), claims.NewPGViewRepository(globalPool), claims.DefaultRegistry(), numbers)
	svc.SetClock(func() time.Time { return integrationNow })
	return svc
}

func seedTenant(t *testing.T, tenantID string) {
	t.Helper()
	withTenant(t, tenantID, func(ctx context.Context) {
		n, err := claims.Seed(ctx, claims.NewPGRepository(globalPool), integrationNow)
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
		if n != 5 {
			t.Fatalf("expected 5 seeded claims, got %d", n)
		}
	})
}
