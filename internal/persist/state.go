// Package persist turns sessions into opaque blobs and keeps them in a
// file or SQLite store for pause, resume, and crash recovery.
package persist

import (
	"errors"
	"fmt"

	"github.com/kingrea/powermode/internal/codec"
	"github.com/kingrea/powermode/internal/session"
)

// Format is the current blob layout version.
const Format = 1

var ErrFormat = errors.New("persist: unsupported state format")

type envelope struct {
	Format  int             `cbor:"format"`
	Session session.Session `cbor:"session"`
}

// SaveState encodes s. Equal sessions encode to equal bytes.
func SaveState(s session.Session) ([]byte, error) {
	data, err := codec.Marshal(envelope{Format: Format, Session: s})
	if err != nil {
		return nil, fmt.Errorf("persist: encode session %s: %w", s.ID, err)
	}
	return data, nil
}

// LoadState decodes a blob written by SaveState.
func LoadState(blob []byte) (session.Session, error) {
	var env envelope
	if err := codec.Unmarshal(blob, &env); err != nil {
		return session.Session{}, fmt.Errorf("persist: decode state: %w", err)
	}
	if env.Format != Format {
		return session.Session{}, fmt.Errorf("%w: %d", ErrFormat, env.Format)
	}
	return env.Session, nil
}
