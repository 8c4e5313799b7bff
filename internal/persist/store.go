package persist

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/kingrea/powermode/internal/session"
)

// Store keeps the latest state of each session.
type Store interface {
	Save(ctx context.Context, s session.Session) error
	// Load returns session.ErrStateNotFound for unknown ids.
	Load(ctx context.Context, id string) (session.Session, error)
	List(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

const (
	DriverFile   = "file"
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// Config selects a store.
type Config struct {
	Driver string
	// Path is a directory for the file driver and a database file for
	// sqlite.
	Path   string
	Logger *slog.Logger
}

// Open builds the store named by cfg.Driver. An empty driver means
// file.
func Open(cfg Config) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", DriverFile:
		return NewFileStore(cfg.Path, cfg.Logger)
	case DriverSQLite:
		return OpenSQLite(cfg.Path, cfg.Logger)
	case DriverMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("persist: unknown driver %q: %w", cfg.Driver, session.ErrInvalidConfig)
	}
}

func checkID(id string) error {
	if id == "" || id != filepath.Base(id) || strings.HasPrefix(id, ".") {
		return fmt.Errorf("persist: invalid session id %q: %w", id, session.ErrInvalidConfig)
	}
	return nil
}
