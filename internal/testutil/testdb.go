package testutil

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"
	"unicode"

	"wagercore/internal/config"
	"wagercore/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// OpenTestStore returns a store bound to a private schema of
// TEST_POSTGRES_DSN with every up migration applied. The schema is dropped
// when the test ends. Without the DSN the test is skipped.
func OpenTestStore(t *testing.T) *store.Store {
	t.Helper()
	cfg, err := config.LoadTest()
	if err != nil || cfg.TestPostgresDSN == "" {
		t.Skip("skip test db: TEST_POSTGRES_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	schema := schemaName(t)
	admin, err := pgxpool.New(ctx, cfg.TestPostgresDSN)
	if err != nil {
		t.Fatalf("open base db: %v", err)
	}
	defer admin.Close()
	if _, err := admin.Exec(ctx, "CREATE SCHEMA "+schema.Sanitize()); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	t.Cleanup(func() { dropSchema(cfg.TestPostgresDSN, schema) })

	st, err := store.New(withSearchPath(cfg.TestPostgresDSN, schema[0]))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(st.Close)
	if err := migrateUp(ctx, st); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return st
}

// schemaName is the test name reduced to identifier characters plus a
// timestamp, so parallel packages never share a schema.
func schemaName(t *testing.T) pgx.Identifier {
	name := strings.Map(func(r rune) rune {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			return unicode.ToLower(r)
		}
		return '_'
	}, t.Name())
	if len(name) > 40 {
		name = name[:40]
	}
	return pgx.Identifier{fmt.Sprintf("t_%s_%d", name, time.Now().UnixNano())}
}

func dropSchema(dsn string, schema pgx.Identifier) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	admin, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return
	}
	defer admin.Close()
	_, _ = admin.Exec(ctx, "DROP SCHEMA IF EXISTS "+schema.Sanitize()+" CASCADE")
}

// migrateUp applies migrations/*.up.sql in file-name order.
func migrateUp(ctx context.Context, st *store.Store) error {
	dir, err := migrationsDir()
	if err != nil {
		return err
	}
	files, err := filepath.Glob(filepath.Join(dir, "*.up.sql"))
	if err != nil {
		return err
	}
	sort.Strings(files)
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return err
		}
		if _, err := st.Pool.Exec(ctx, string(b)); err != nil {
			return fmt.Errorf("%s: %w", filepath.Base(f), err)
		}
	}
	return nil
}

func migrationsDir() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		p := filepath.Join(dir, "migrations")
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			return p, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.New("migrations directory not found above working directory")
		}
		dir = parent
	}
}

func withSearchPath(dsn, schema string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "search_path=" + url.QueryEscape(schema)
}
