package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/SoftCheck-app/agents/pkg/store"
)

type migrationDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type migratorDBCloser interface {
	migrationDB
	Close()
}

var ErrChecksumMismatch = errors.New("migration changed after it was applied")

// Testable variables for main()
var (
	logFatalf = log.Fatalf
	osArgs    = os.Args[1:]
	openDBFn  = func(ctx context.Context) (migratorDBCloser, error) {
		return store.NewPostgresPool(ctx, store.PostgresConfigFromEnv())
	}
)

type migrateOptions struct {
	ReadFile func(name string) ([]byte, error)
	Glob     func(pattern string) ([]string, error)
	Logf     func(format string, args ...any)
	// DryRun reports pending files without applying them.
	DryRun bool
}

func main() {
	fs := flag.NewFlagSet("migrator", flag.ContinueOnError)
	dir := fs.String("dir", env("MIGRATIONS_DIR", "migrations"), "directory holding *.sql migrations")
	dryRun := fs.Bool("dry-run", false, "list pending migrations without applying them")
	if err := fs.Parse(osArgs); err != nil {
		logFatalf("flags: %v", err)
		return
	}

	timeout := 60 * time.Second
	if v, err := strconv.Atoi(env("MIGRATE_TIMEOUT_SEC", "")); err == nil && v > 0 {
		timeout = time.Duration(v) * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	pool, err := openDBFn(ctx)
	if err != nil {
		logFatalf("db: %v", err)
		return
	}
	defer pool.Close()

	if _, err := runMigrations(ctx, pool, *dir, migrateOptions{Logf: log.Printf, DryRun: *dryRun}); err != nil {
		logFatalf("migration: %v", err)
	}
}

func validateMigrationPath(migrationsDir, file string) (string, error) {
	cleanDir := filepath.Clean(migrationsDir)
	cleanFile := filepath.Clean(file)
	prefix := cleanDir + string(os.PathSeparator)
	if !strings.HasPrefix(cleanFile, prefix) {
		return "", fmt.Errorf("path %q is outside migrations dir %q", file, migrationsDir)
	}
	return cleanFile, nil
}

func checksum(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// runMigrations applies every *.sql file in migrationsDir that is not yet
// recorded in schema_migrations, in lexical order, one transaction per file.
// Files already applied must still hash to their recorded checksum. It
// returns the names of the files applied (or pending, on a dry run).
func runMigrations(ctx context.Context, db migrationDB, migrationsDir string, opts migrateOptions) ([]string, error) {
	if db == nil {
		return nil, fmt.Errorf("db required")
	}
	readFile := opts.ReadFile
	if readFile == nil {
		// #nosec G304 -- migration file path is validated by validateMigrationPath before read.
		readFile = os.ReadFile
	}
	glob := opts.Glob
	if glob == nil {
		glob = filepath.Glob
	}
	logf := opts.Logf
	if logf == nil {
		logf = log.Printf
	}

	if _, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			checksum TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return nil, fmt.Errorf("create schema_migrations: %w", err)
	}

	migrationsDir = filepath.Clean(migrationsDir)
	files, err := glob(filepath.Join(migrationsDir, "*.sql"))
	if err != nil {
		return nil, fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)

	var applied []string
	for _, file := range files {
		cleanFile, err := validateMigrationPath(migrationsDir, file)
		if err != nil {
			return applied, fmt.Errorf("invalid migration path: %s", file)
		}
		name := filepath.Base(cleanFile)
		sqlBytes, err := readFile(cleanFile)
		if err != nil {
			return applied, fmt.Errorf("read migration %s: %w", name, err)
		}
		sum := checksum(sqlBytes)

		var recorded string
		err = db.QueryRow(ctx, `SELECT checksum FROM schema_migrations WHERE filename=$1`, name).Scan(&recorded)
		switch {
		case err == nil:
			// rows written before checksums were tracked carry ''
			if recorded != "" && recorded != sum {
				return applied, fmt.Errorf("%w: %s", ErrChecksumMismatch, name)
			}
			continue
		case !errors.Is(err, pgx.ErrNoRows):
			return applied, fmt.Errorf("migration lookup: %w", err)
		}

		if opts.DryRun {
			logf("pending migration %s", name)
			applied = append(applied, name)
			continue
		}
		tx, err := db.Begin(ctx)
		if err != nil {
			return applied, fmt.Errorf("begin migration tx: %w", err)
		}
		if _, err := tx.Exec(ctx, string(sqlBytes)); err != nil {
			_ = tx.Rollback(ctx)
			return applied, fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations(filename, checksum) VALUES($1, $2)`, name, sum); err != nil {
			_ = tx.Rollback(ctx)
			return applied, fmt.Errorf("mark migration %s: %w", name, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return applied, fmt.Errorf("commit migration %s: %w", name, err)
		}
		logf("applied migration %s", name)
		applied = append(applied, name)
	}

	logf("migrations: %d files, %d new", len(files), len(applied))
	return applied, nil
}

func env(name, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return fallback
}
