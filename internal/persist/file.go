package persist

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/kingrea/powermode/internal/session"
)

const fileSuffix = ".state.zst"

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("persist: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("persist: zstd decoder initialization failed: " + err.Error())
	}
}

// FileStore writes one zstd-compressed blob per session.
type FileStore struct {
	dir    string
	logger *slog.Logger
}

func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("persist: file store directory is required: %w", session.ErrInvalidConfig)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("persist: create %s: %w", dir, err)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &FileStore{dir: dir, logger: logger}, nil
}

func (f *FileStore) Dir() string { return f.dir }

func (f *FileStore) path(id string) string {
	return filepath.Join(f.dir, id+fileSuffix)
}

// Save replaces the session's blob atomically: a crash leaves either
// the old or the new state, never a torn file.
func (f *FileStore) Save(ctx context.Context, s session.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkID(s.ID); err != nil {
		return err
	}
	blob, err := SaveState(s)
	if err != nil {
		return err
	}
	target := f.path(s.ID)
	tmp, err := os.CreateTemp(f.dir, "."+s.ID+".*.tmp")
	if err != nil {
		return fmt.Errorf("persist: create temporary state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(zstdEncoder.EncodeAll(blob, nil)); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("persist: write temporary state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("persist: sync temporary state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("persist: close temporary state file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("persist: rename state file into place: %w", err)
	}
	if dir, err := os.Open(f.dir); err == nil {
		_ = dir.Sync()
		dir.Close()
	}
	f.logger.Debug("session state saved", "session", s.ID, "bytes", len(blob), "path", target)
	return nil
}

func (f *FileStore) Load(ctx context.Context, id string) (session.Session, error) {
	if err := ctx.Err(); err != nil {
		return session.Session{}, err
	}
	if err := checkID(id); err != nil {
		return session.Session{}, err
	}
	data, err := os.ReadFile(f.path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return session.Session{}, fmt.Errorf("persist: %s: %w", id, session.ErrStateNotFound)
		}
		return session.Session{}, fmt.Errorf("persist: read %s: %w", id, err)
	}
	return DecodeFile(data)
}

// DecodeFile decodes the on-disk form written by FileStore.
func DecodeFile(data []byte) (session.Session, error) {
	blob, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return session.Session{}, fmt.Errorf("persist: decompress state: %w", err)
	}
	return LoadState(blob)
}

func (f *FileStore) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("persist: list %s: %w", f.dir, err)
	}
	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, fileSuffix))
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *FileStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkID(id); err != nil {
		return err
	}
	if err := os.Remove(f.path(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("persist: delete %s: %w", id, err)
	}
	return nil
}

func (f *FileStore) Close() error { return nil }
