package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	"github.com/qustavo/dotsql"
)

//go:embed queries/*.sql
var queriesFS embed.FS

// Queries provides access to named SQL queries loaded from embedded .sql files.
// Uses dotsql for named query management and sqlx for database operations.
// Queries are written with ? placeholders and rebound per driver on use.
type Queries struct {
	dot     *dotsql.DotSql
	db      *sqlx.DB
	dialect Dialect
}

// LoadQueries loads all .sql files from embedded filesystem and returns Queries instance.
// Named queries accessible by name (e.g., "get-audience", "list-custom-fields").
func LoadQueries(db *sqlx.DB) (*Queries, error) {
	var combinedSQL string

	err := fs.WalkDir(queriesFS, "queries", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".sql" {
			return nil
		}

		content, err := queriesFS.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}

		combinedSQL += string(content) + "\n"
		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to load query files: %w", err)
	}

	dot, err := dotsql.LoadFromString(combinedSQL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse queries: %w", err)
	}

	return &Queries{dot: dot, db: db, dialect: DialectOf(db)}, nil
}

// DB returns the underlying connection pool.
func (q *Queries) DB() *sqlx.DB { return q.db }

// Dialect returns the SQL dialect of the connection.
func (q *Queries) Dialect() Dialect { return q.dialect }

// raw returns the query text with ? placeholders, before rebinding.
func (q *Queries) raw(name string) (string, error) {
	query, err := q.dot.Raw(name)
	if err != nil {
		return "", fmt.Errorf("query not found: %s", name)
	}
	return query, nil
}

// Raw returns the named query rebound for the connection's driver.
func (q *Queries) Raw(name string) (string, error) {
	query, err := q.raw(name)
	if err != nil {
		return "", err
	}
	return q.db.Rebind(query), nil
}

// ExecContext executes a named query with placeholder conversion for database compatibility.
// Uses sqlx Rebind to convert ? placeholders to $1, $2 for PostgreSQL.
func (q *Queries) ExecContext(ctx context.Context, name string, args ...any) (sql.Result, error) {
	return q.exec(ctx, q.db, name, args...)
}

// GetContext retrieves a single row into dest using named query.
func (q *Queries) GetContext(ctx context.Context, name string, dest any, args ...any) error {
	return q.get(ctx, q.db, name, dest, args...)
}

// SelectContext retrieves multiple rows into dest slice using named query.
func (q *Queries) SelectContext(ctx context.Context, name string, dest any, args ...any) error {
	return q.sel(ctx, q.db, name, dest, args...)
}

// ExecTx executes a named query inside tx.
func (q *Queries) ExecTx(ctx context.Context, tx *sqlx.Tx, name string, args ...any) (sql.Result, error) {
	return q.exec(ctx, tx, name, args...)
}

// GetTx retrieves a single row inside tx.
func (q *Queries) GetTx(ctx context.Context, tx *sqlx.Tx, name string, dest any, args ...any) error {
	return q.get(ctx, tx, name, dest, args...)
}

func (q *Queries) exec(ctx context.Context, ext sqlx.ExtContext, name string, args ...any) (sql.Result, error) {
	query, err := q.Raw(name)
	if err != nil {
		return nil, err
	}
	return ext.ExecContext(ctx, query, args...)
}

func (q *Queries) get(ctx context.Context, ext sqlx.QueryerContext, name string, dest any, args ...any) error {
	query, err := q.Raw(name)
	if err != nil {
		return err
	}
	return sqlx.GetContext(ctx, ext, dest, query, args...)
}

func (q *Queries) sel(ctx context.Context, ext sqlx.QueryerContext, name string, dest any, args ...any) error {
	query, err := q.Raw(name)
	if err != nil {
		return err
	}
	return sqlx.SelectContext(ctx, ext, dest, query, args...)
}

// SelectIn expands slice arguments of a named query with sqlx.In before rebinding.
func (q *Queries) SelectIn(ctx context.Context, name string, dest any, args ...any) error {
	query, err := q.raw(name)
	if err != nil {
		return err
	}
	query, args, err = sqlx.In(query, args...)
	if err != nil {
		return fmt.Errorf("expand %s: %w", name, err)
	}
	return q.db.SelectContext(ctx, dest, q.db.Rebind(query), args...)
}
