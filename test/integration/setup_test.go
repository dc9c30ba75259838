package integration

import (
	"context"
	"flag"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/unihealth/unihealth/internal/platform/db"
	"github.com/unihealth/unihealth/internal/platform/tree"
	"github.com/unihealth/unihealth/migrations"
)

// testDB holds the shared database for the integration tests.
type testDB struct {
	Pool    *pgxpool.Pool
	ConnStr string
}

// globalDB is nil when no database could be reached; tests then skip.
var (
	globalDB *testDB
	setupErr error
)

var testLogger = zerolog.Nop()

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		setupErr = fmt.Errorf("short mode")
		os.Exit(m.Run())
	}

	ctx := context.Background()
	tdb, cleanup, err := setupDatabase(ctx)
	if err != nil {
		setupErr = err
		os.Exit(m.Run())
	}

	globalDB = tdb
	code := m.Run()
	cleanup()
	os.Exit(code)
}

// setupDatabase connects to TEST_DATABASE_URL when set and otherwise starts
// a throwaway container. The schema is migrated once.
func setupDatabase(ctx context.Context) (*testDB, func(), error) {
	connStr := os.Getenv("TEST_DATABASE_URL")
	cleanup := func() {}
	if connStr == "" {
		var err error
		connStr, cleanup, err = startPostgresContainer(ctx)
		if err != nil {
			return nil, nil, err
		}
	}

	pool, err := db.NewPool(ctx, db.PoolConfig{
		URL:             connStr,
		MaxConns:        8,
		ApplicationName: "unihealth-integration",
	})
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	if _, err := db.NewMigrator(pool, migrations.FS, "").Up(ctx); err != nil {
		pool.Close()
		cleanup()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}

	return &testDB{Pool: pool, ConnStr: connStr}, func() {
		pool.Close()
		cleanup()
	}, nil
}

// requireDB skips the test when no database is available and empties the
// tree before handing back the pool.
func requireDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if globalDB == nil {
		t.Skipf("postgres unavailable: %v", setupErr)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := globalDB.Pool.Exec(ctx, `TRUNCATE tree_leaf`); err != nil {
		t.Fatalf("truncate tree_leaf: %v", err)
	}
	return globalDB.Pool
}

// newTree returns a PostgreSQL tree over the shared pool, closed at cleanup.
func newTree(t *testing.T) *tree.PG {
	t.Helper()
	pg := tree.NewPG(requireDB(t), testLogger)
	t.Cleanup(func() { pg.Close() })
	return pg
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}
