// Package migrations embeds the bridge schema and applies it with pgx.
package migrations

import (
	"context"
	"embed"
	"fmt"
	"io"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed *.sql
var files embed.FS

// Direction selects up or down migrations
type Direction string

const (
	Up   Direction = "up"
	Down Direction = "down"
)

func (d Direction) suffix() string {
	return "." + string(d) + ".sql"
}

// Plan returns the migration versions to run, in order. Up runs
// unapplied versions ascending; down reverts applied versions descending.
// steps <= 0 means all.
func Plan(fsys fs.FS, direction Direction, applied map[string]bool, steps int) ([]string, error) {
	if direction != Up && direction != Down {
		return nil, fmt.Errorf("invalid direction: %s (must be up or down)", direction)
	}

	names, err := fs.Glob(fsys, "*"+direction.suffix())
	if err != nil {
		return nil, fmt.Errorf("failed to find migration files: %w", err)
	}

	sort.Strings(names)
	if direction == Down {
		for i, j := 0, len(names)-1; i < j; i, j = i+1, j-1 {
			names[i], names[j] = names[j], names[i]
		}
	}

	var versions []string
	for _, name := range names {
		version := strings.TrimSuffix(name, direction.suffix())
		if direction == Up && applied[version] {
			continue
		}
		if direction == Down && !applied[version] {
			continue
		}
		if steps > 0 && len(versions) >= steps {
			break
		}
		versions = append(versions, version)
	}

	return versions, nil
}

// Apply runs the embedded migrations against pool, one transaction per file,
// and returns how many were applied.
func Apply(ctx context.Context, pool *pgxpool.Pool, direction Direction, steps int, out io.Writer) (int, error) {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := appliedVersions(ctx, pool)
	if err != nil {
		return 0, err
	}

	versions, err := Plan(files, direction, applied, steps)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, version := range versions {
		name := version + direction.suffix()
		fmt.Fprintf(out, "Running migration: %s\n", name)

		content, err := fs.ReadFile(files, name)
		if err != nil {
			return count, fmt.Errorf("failed to read migration %s: %w", name, err)
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return count, fmt.Errorf("failed to begin transaction: %w", err)
		}

		if _, err := tx.Exec(ctx, string(content)); err != nil {
			_ = tx.Rollback(ctx)
			return count, fmt.Errorf("failed to execute migration %s: %w", name, err)
		}

		if direction == Up {
			_, err = tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", version)
		} else {
			_, err = tx.Exec(ctx, "DELETE FROM schema_migrations WHERE version = $1", version)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
			return count, fmt.Errorf("failed to update migrations table: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return count, fmt.Errorf("failed to commit migration %s: %w", name, err)
		}

		fmt.Fprintf(out, "Applied migration: %s\n", version)
		count++
	}

	return count, nil
}

func appliedVersions(ctx context.Context, pool *pgxpool.Pool) (map[string]bool, error) {
	rows, err := pool.Query(ctx, "SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("failed to get applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}

	return applied, rows.Err()
}

// Files exposes the embedded SQL for inspection
func Files() fs.FS {
	return files
}
