// Package history records the outcome of every transfer task in a SQL
// database. A postgres:// DSN selects PostgreSQL through pgx; anything else
// is treated as a SQLite file path.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/segmentio/ksuid"
	_ "modernc.org/sqlite"
)

type Status string

const (
	StatusSubmitted Status = "submitted"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

var ErrNotFound = errors.New("history: record not found")

// Record is one transfer task as stored.
type Record struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Direction  string     `json:"direction"`
	Units      int        `json:"units"`
	Status     Status     `json:"status"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

type dialect struct {
	driver   string
	dir      string
	numbered bool
}

var (
	dialectSQLite   = dialect{driver: "sqlite", dir: "sqlite"}
	dialectPostgres = dialect{driver: "pgx", dir: "postgres", numbered: true}
)

// Store is safe for concurrent use.
type Store struct {
	db      *sql.DB
	dialect dialect
}

// Open connects to dsn and applies pending migrations.
func Open(dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("history: empty dsn")
	}

	var (
		d      dialect
		source string
	)
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		d, source = dialectPostgres, dsn
	} else {
		path := strings.TrimPrefix(dsn, "sqlite://")
		// Ensure the database directory exists
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		d = dialectSQLite
		source = path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open(d.driver, source)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", d.dir, err)
	}
	// Ping makes sure the database is actually reachable and the DSN is valid
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", d.dir, err)
	}

	s := &Store{db: db, dialect: d}
	if err := s.runMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("could not migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders as $n for numbered-parameter dialects.
func (s *Store) rebind(query string) string {
	if !s.dialect.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// RecordSubmitted inserts a new submitted record and returns its id.
func (s *Store) RecordSubmitted(ctx context.Context, name, direction string, units int) (string, error) {
	id := ksuid.New().String()
	query := s.rebind(`INSERT INTO transfers (id, name, direction, units, status, error, created_at)
              VALUES (?, ?, ?, ?, ?, '', ?)`)
	if _, err := s.db.ExecContext(ctx, query, id, name, direction, units, string(StatusSubmitted), time.Now().UnixMilli()); err != nil {
		return "", fmt.Errorf("record submitted %q: %w", name, err)
	}
	return id, nil
}

// RecordFinished marks record id terminal.
func (s *Store) RecordFinished(ctx context.Context, id string, status Status, errMsg string) error {
	query := s.rebind(`UPDATE transfers SET status = ?, error = ?, finished_at = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, string(status), errMsg, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("record finished %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Get returns the record with the given id.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	query := s.rebind(`
			SELECT id, name, direction, units, status, error, created_at, finished_at
			FROM transfers
			WHERE id = ? LIMIT 1`)
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, err
}

// List returns up to limit records, newest first. limit <= 0 means 50.
func (s *Store) List(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}
	query := s.rebind(`
			SELECT id, name, direction, units, status, error, created_at, finished_at
			FROM transfers
			ORDER BY created_at DESC, id DESC
			LIMIT ?`)
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		rec      Record
		status   string
		created  int64
		finished sql.NullInt64
	)
	if err := row.Scan(&rec.ID, &rec.Name, &rec.Direction, &rec.Units, &status, &rec.Error, &created, &finished); err != nil {
		return nil, err
	}
	rec.Status = Status(status)
	rec.CreatedAt = time.UnixMilli(created).UTC()
	if finished.Valid {
		t := time.UnixMilli(finished.Int64).UTC()
		rec.FinishedAt = &t
	}
	return &rec, nil
}
