package gatherly

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteQueueStore keeps the mutation queue in a single SQLite table so that
// queued writes survive process death.
type SQLiteQueueStore struct {
	db *sql.DB
}

// NewSQLiteQueueStore opens (or creates) the queue database at dbPath.
// ":memory:" is accepted for tests.
func NewSQLiteQueueStore(ctx context.Context, dbPath string) (*SQLiteQueueStore, error) {
	dsn := dbPath
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create queue dir: %w", err)
		}
		dsn = dbPath + "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}
	// One writer keeps the auto-increment order equal to enqueue order and
	// makes ":memory:" share a single database.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping queue db: %w", err)
	}

	s := &SQLiteQueueStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init queue schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteQueueStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS mutations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		endpoint TEXT NOT NULL,
		method TEXT NOT NULL,
		body BLOB,
		created_at INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_mutations_status_created ON mutations(status, created_at, id);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *SQLiteQueueStore) Create(ctx context.Context, m QueuedMutation) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO mutations (endpoint, method, body, created_at, status, retry_count, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, m.Endpoint, m.Method, []byte(m.Body), m.CreatedAt.UnixNano(), string(m.Status), m.RetryCount, m.LastError)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

const mutationColumns = `id, endpoint, method, body, created_at, status, retry_count, last_error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMutation(r rowScanner) (QueuedMutation, error) {
	var (
		m       QueuedMutation
		body    []byte
		created int64
		status  string
	)
	if err := r.Scan(&m.ID, &m.Endpoint, &m.Method, &body, &created, &status, &m.RetryCount, &m.LastError); err != nil {
		return QueuedMutation{}, err
	}
	m.Body = body
	m.CreatedAt = time.Unix(0, created)
	m.Status = MutationStatus(status)
	return m, nil
}

func (s *SQLiteQueueStore) Get(ctx context.Context, id int64) (QueuedMutation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+mutationColumns+` FROM mutations WHERE id = ?`, id)
	m, err := scanMutation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return QueuedMutation{}, ErrNotFound
	}
	return m, err
}

func (s *SQLiteQueueStore) ListByStatus(ctx context.Context, status MutationStatus) ([]QueuedMutation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+mutationColumns+` FROM mutations
		WHERE status = ?
		ORDER BY created_at ASC, id ASC
	`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []QueuedMutation
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteQueueStore) CountByStatus(ctx context.Context, status MutationStatus) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM mutations WHERE status = ?`, string(status)).Scan(&n)
	return n, err
}

func (s *SQLiteQueueStore) Update(ctx context.Context, m QueuedMutation) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE mutations SET status = ?, retry_count = ?, last_error = ?
		WHERE id = ?
	`, string(m.Status), m.RetryCount, m.LastError, m.ID)
	if err != nil {
		return err
	}
	return requireOneRow(res)
}

func (s *SQLiteQueueStore) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM mutations WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireOneRow(res)
}

func (s *SQLiteQueueStore) DeleteAll(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM mutations`)
	return err
}

// Close closes the database connection.
func (s *SQLiteQueueStore) Close() error {
	return s.db.Close()
}

func requireOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
