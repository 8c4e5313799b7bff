package persist

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/kingrea/powermode/internal/session"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	state      BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS sessions_status ON sessions (status);
`

const sqlitePoolSize = 4

// SQLiteStore keeps sessions in one table, one row per session.
type SQLiteStore struct {
	pool   *sqlitex.Pool
	path   string
	logger *slog.Logger
}

// OpenSQLite opens or creates the database at path.
func OpenSQLite(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("persist: sqlite path is required: %w", session.ErrInvalidConfig)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    sqlitePoolSize,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("persist: open %s: %w", path, err)
	}
	store := &SQLiteStore{pool: pool, path: path, logger: logger}

	conn, err := pool.Take(context.Background())
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("persist: open %s: %w", path, err)
	}
	err = sqlitex.ExecuteScript(conn, sqliteSchema, nil)
	pool.Put(conn)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("persist: create schema: %w", err)
	}
	logger.Info("sqlite session store opened", "path", path)
	return store, nil
}

func prepareConn(conn *sqlite.Conn) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("persist: %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Save(ctx context.Context, sess session.Session) error {
	if err := checkID(sess.ID); err != nil {
		return err
	}
	blob, err := SaveState(sess)
	if err != nil {
		return err
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("persist: take connection: %w", err)
	}
	defer s.pool.Put(conn)

	updated := sess.LastActivity
	if updated.IsZero() {
		updated = time.Now()
	}
	err = sqlitex.Execute(conn, `INSERT INTO sessions (id, status, updated_at, state)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			updated_at = excluded.updated_at,
			state = excluded.state`,
		&sqlitex.ExecOptions{
			Args: []any{sess.ID, string(sess.Status), updated.UnixNano(), blob},
		})
	if err != nil {
		return fmt.Errorf("persist: save %s: %w", sess.ID, err)
	}
	s.logger.Debug("session state saved", "session", sess.ID, "bytes", len(blob))
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, id string) (session.Session, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return session.Session{}, fmt.Errorf("persist: take connection: %w", err)
	}
	defer s.pool.Put(conn)

	var blob []byte
	err = sqlitex.Execute(conn, "SELECT state FROM sessions WHERE id = ?", &sqlitex.ExecOptions{
		Args: []any{id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			blob = make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, blob)
			return nil
		},
	})
	if err != nil {
		return session.Session{}, fmt.Errorf("persist: load %s: %w", id, err)
	}
	if blob == nil {
		return session.Session{}, fmt.Errorf("persist: %s: %w", id, session.ErrStateNotFound)
	}
	return LoadState(blob)
}

func (s *SQLiteStore) List(ctx context.Context) ([]string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("persist: take connection: %w", err)
	}
	defer s.pool.Put(conn)

	var ids []string
	err = sqlitex.Execute(conn, "SELECT id FROM sessions ORDER BY id", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			ids = append(ids, stmt.ColumnText(0))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("persist: list sessions: %w", err)
	}
	return ids, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("persist: take connection: %w", err)
	}
	defer s.pool.Put(conn)
	if err := sqlitex.Execute(conn, "DELETE FROM sessions WHERE id = ?", &sqlitex.ExecOptions{Args: []any{id}}); err != nil {
		return fmt.Errorf("persist: delete %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("persist: close %s: %w", s.path, err)
	}
	s.logger.Info("sqlite session store closed", "path", s.path)
	return nil
}
