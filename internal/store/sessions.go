package store

import (
	"database/sql"
	"fmt"
	"time"
)

const timeFmt = "2006-01-02T15:04:05Z"

// SessionDesc is a persisted terminal session descriptor. The daemon writes
// one on detach and on graceful shutdown; after a restart the descriptor is
// what makes a cold restore possible.
type SessionDesc struct {
	ID              string
	TabID           string
	WorkspaceID     string
	Cwd             string
	Cols            int
	Rows            int
	AltScreen       bool
	BracketedPaste  bool
	Snapshot        []byte
	Rehydrate       []byte
	ScrollbackLines int
	ViewportY       int
	SavedAt         time.Time
}

// SaveSession inserts or replaces the descriptor for d.ID.
func (s *Store) SaveSession(d *SessionDesc) error {
	_, err := s.db.Exec(`INSERT INTO sessions
		(id, tab_id, workspace_id, cwd, cols, rows, alt_screen, bracketed_paste,
		 snapshot, rehydrate, scrollback_lines, viewport_y, saved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		 tab_id = excluded.tab_id,
		 workspace_id = excluded.workspace_id,
		 cwd = excluded.cwd,
		 cols = excluded.cols,
		 rows = excluded.rows,
		 alt_screen = excluded.alt_screen,
		 bracketed_paste = excluded.bracketed_paste,
		 snapshot = excluded.snapshot,
		 rehydrate = excluded.rehydrate,
		 scrollback_lines = excluded.scrollback_lines,
		 viewport_y = excluded.viewport_y,
		 saved_at = excluded.saved_at`,
		d.ID, d.TabID, d.WorkspaceID, d.Cwd, d.Cols, d.Rows,
		boolInt(d.AltScreen), boolInt(d.BracketedPaste),
		d.Snapshot, d.Rehydrate, d.ScrollbackLines, d.ViewportY,
		time.Now().UTC().Format(timeFmt))
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// GetSession returns the descriptor for id, or nil when none is stored.
func (s *Store) GetSession(id string) (*SessionDesc, error) {
	d := &SessionDesc{}
	var altScreen, bracketedPaste int
	var savedAt string
	err := s.db.QueryRow(`SELECT id, tab_id, workspace_id, cwd, cols, rows,
		alt_screen, bracketed_paste, snapshot, rehydrate, scrollback_lines, viewport_y, saved_at
		FROM sessions WHERE id = ?`, id).Scan(
		&d.ID, &d.TabID, &d.WorkspaceID, &d.Cwd, &d.Cols, &d.Rows,
		&altScreen, &bracketedPaste, &d.Snapshot, &d.Rehydrate,
		&d.ScrollbackLines, &d.ViewportY, &savedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	d.AltScreen = altScreen != 0
	d.BracketedPaste = bracketedPaste != 0
	d.SavedAt = parseTime(savedAt)
	return d, nil
}

// ListSessions returns all stored descriptors, most recently saved first.
func (s *Store) ListSessions() ([]*SessionDesc, error) {
	rows, err := s.db.Query(`SELECT id, tab_id, workspace_id, cwd, cols, rows,
		alt_screen, bracketed_paste, snapshot, rehydrate, scrollback_lines, viewport_y, saved_at
		FROM sessions ORDER BY saved_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*SessionDesc
	for rows.Next() {
		d := &SessionDesc{}
		var altScreen, bracketedPaste int
		var savedAt string
		if err := rows.Scan(&d.ID, &d.TabID, &d.WorkspaceID, &d.Cwd, &d.Cols, &d.Rows,
			&altScreen, &bracketedPaste, &d.Snapshot, &d.Rehydrate,
			&d.ScrollbackLines, &d.ViewportY, &savedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		d.AltScreen = altScreen != 0
		d.BracketedPaste = bracketedPaste != 0
		d.SavedAt = parseTime(savedAt)
		out = append(out, d)
	}
	return out, rows.Err()
}

// DeleteSession removes the descriptor for id. Deleting a missing id is not
// an error.
func (s *Store) DeleteSession(id string) error {
	_, err := s.db.Exec("DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func parseTime(s string) time.Time {
	for _, layout := range []string{timeFmt, "2006-01-02 15:04:05", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
