package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kingrea/powermode/internal/logbook"
	"github.com/kingrea/powermode/internal/persist"
	"github.com/kingrea/powermode/internal/session"
)

type inspectOutput struct {
	Session      session.Session `json:"session"`
	Journal      []string        `json:"journal,omitempty"`
	JournalTotal int             `json:"journal_total,omitempty"`
}

func newInspectCmd(e *env) *cobra.Command {
	var (
		statePath string
		sessionID string
		tail      int
	)
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Decode a persisted session and print it as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if (statePath == "") == (sessionID == "") {
				return errors.New("exactly one of --state or --session is required")
			}
			var out inspectOutput
			if statePath != "" {
				s, err := decodeStateFile(statePath)
				if err != nil {
					return err
				}
				out.Session = s
			} else {
				cfg, err := e.load()
				if err != nil {
					return err
				}
				store, err := persist.Open(cfg.StoreConfig())
				if err != nil {
					return err
				}
				defer store.Close()
				s, err := store.Load(cmd.Context(), sessionID)
				if err != nil {
					return err
				}
				out.Session = s
				if tail > 0 {
					book, err := logbook.New(cfg.SessionLogPath(sessionID))
					if err != nil {
						return err
					}
					out.Journal, out.JournalTotal = book.Tail(tail)
				}
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&statePath, "state", "", "state file written by the file store, or a raw state blob")
	flags.StringVar(&sessionID, "session", "", "session id to load from the configured store")
	flags.IntVar(&tail, "tail", 0, "include the last N journal lines (with --session)")
	return cmd
}

// decodeStateFile accepts both the compressed file-store form and a
// bare state blob.
func decodeStateFile(path string) (session.Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return session.Session{}, fmt.Errorf("read state: %w", err)
	}
	s, err := persist.DecodeFile(data)
	if err == nil {
		return s, nil
	}
	s, rawErr := persist.LoadState(data)
	if rawErr != nil {
		return session.Session{}, fmt.Errorf("decode %s: %w", path, errors.Join(err, rawErr))
	}
	return s, nil
}
