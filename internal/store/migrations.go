package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"

	"github.com/rendis/maestro/pkg/schema"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// migrate applies all pending schema migrations in lexical order. Applied
// versions are tracked in schema_version, so re-running is a no-op.
func migrate(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "failed to create schema_version table").WithCause(err)
	}

	applied := make(map[string]bool)
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_version`)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "failed to read schema versions").WithCause(err)
	}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return schema.NewError(schema.ErrCodeStore, "failed to scan schema version").WithCause(err)
		}
		applied[v] = true
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return schema.NewError(schema.ErrCodeStore, "failed to iterate schema versions").WithCause(err)
	}
	rows.Close()

	entries, err := fs.ReadDir(migrationFiles, "migrations")
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "failed to read embedded migrations").WithCause(err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		if applied[name] {
			continue
		}

		content, err := migrationFiles.ReadFile("migrations/" + name)
		if err != nil {
			return schema.NewError(schema.ErrCodeStore, fmt.Sprintf("failed to read migration %s", name)).WithCause(err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return schema.NewError(schema.ErrCodeStore, "failed to begin migration transaction").WithCause(err)
		}

		for _, stmt := range splitStatements(string(content)) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				tx.Rollback()
				return schema.NewError(schema.ErrCodeStore, fmt.Sprintf("migration %s failed", name)).
					WithCause(err).
					WithDetails(map[string]any{"statement": stmt})
			}
		}

		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, name); err != nil {
			tx.Rollback()
			return schema.NewError(schema.ErrCodeStore, fmt.Sprintf("failed to record migration %s", name)).WithCause(err)
		}

		if err := tx.Commit(); err != nil {
			return schema.NewError(schema.ErrCodeStore, fmt.Sprintf("failed to commit migration %s", name)).WithCause(err)
		}

		logger.InfoContext(ctx, "applied migration", slog.String("migration", name))
	}

	return nil
}

// splitStatements splits a migration file into individual SQL statements.
// Comment-only fragments are dropped.
func splitStatements(content string) []string {
	var statements []string
	for _, raw := range strings.Split(content, ";") {
		stmt := strings.TrimSpace(raw)
		if stmt == "" {
			continue
		}
		meaningful := false
		for _, line := range strings.Split(stmt, "\n") {
			line = strings.TrimSpace(line)
			if line != "" && !strings.HasPrefix(line, "--") {
				meaningful = true
				break
			}
		}
		if meaningful {
			statements = append(statements, stmt)
		}
	}
	return statements
}
