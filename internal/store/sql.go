package store

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/ppiankov/threatintel/internal/model"
)

// Dialect names a database/sql driver
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLStore keeps indicators in a table with a UNIQUE natural-key constraint
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	table   string
}

// OpenSQL opens dsn with the dialect's driver and creates the table if needed.
// An empty table name uses "threats".
func OpenSQL(ctx context.Context, dialect Dialect, dsn, table string) (*SQLStore, error) {
	if table == "" {
		table = "threats"
	}
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}

	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, unavailable("open database", err)
	}
	if dialect == DialectSQLite {
		// SQLite allows a single writer
		db.SetMaxOpenConns(1)
	}

	s := &SQLStore{db: db, dialect: dialect, table: table}
	if err := s.createSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) createSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + s.table + ` (
			indicator TEXT NOT NULL,
			type      TEXT NOT NULL,
			severity  TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			UNIQUE (indicator, type, timestamp)
		)`,
		`CREATE INDEX IF NOT EXISTS ` + s.table + `_timestamp_idx ON ` + s.table + ` (timestamp DESC)`,
	}
	if s.dialect == DialectSQLite {
		stmts = append([]string{"PRAGMA busy_timeout = 5000"}, stmts...)
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return unavailable("create schema", err)
		}
	}
	return nil
}

// InsertIfAbsent relies on the UNIQUE constraint; one affected row means inserted
func (s *SQLStore) InsertIfAbsent(ctx context.Context, doc model.Indicator) (Outcome, error) {
	query := s.rebind(`
		INSERT INTO ` + s.table + ` (indicator, type, severity, timestamp)
		VALUES (?, ?, ?, ?)
		ON CONFLICT DO NOTHING`)

	res, err := s.db.ExecContext(ctx, query, doc.Indicator, doc.Type, doc.Severity, doc.Timestamp)
	if err != nil {
		return 0, unavailable("insert", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable("rows affected", err)
	}
	if n == 1 {
		return Inserted, nil
	}
	return AlreadyExists, nil
}

func (s *SQLStore) Find(ctx context.Context, f Filter) ([]model.Indicator, error) {
	var (
		where []string
		args  []any
	)
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, f.Type)
	}
	if f.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, f.Severity)
	}

	query := `SELECT indicator, type, severity, timestamp FROM ` + s.table
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, f.limit())

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, unavailable("query threats", err)
	}
	defer rows.Close()

	var docs []model.Indicator
	for rows.Next() {
		var d model.Indicator
		if err := rows.Scan(&d.Indicator, &d.Type, &d.Severity, &d.Timestamp); err != nil {
			return nil, unavailable("scan threat", err)
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate threats", err)
	}
	return docs, nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *SQLStore) Close(ctx context.Context) error {
	return s.db.Close()
}

// rebind rewrites ? placeholders as $N for postgres
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
