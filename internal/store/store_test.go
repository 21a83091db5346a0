package store

import (
	"bytes"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndGetSession(t *testing.T) {
	s := openTestStore(t)

	d := &SessionDesc{
		ID:              "sess-1",
		TabID:           "tab-1",
		WorkspaceID:     "ws-1",
		Cwd:             "/home/user/project",
		Cols:            120,
		Rows:            40,
		BracketedPaste:  true,
		Snapshot:        []byte("line one\r\nline two\r\n\x1b[m\x1b[H$ "),
		Rehydrate:       []byte("\x1b[?2004h"),
		ScrollbackLines: 2,
		ViewportY:       7,
	}
	if err := s.SaveSession(d); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.GetSession("sess-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("got nil descriptor")
	}
	if got.Cwd != "/home/user/project" {
		t.Errorf("cwd = %q", got.Cwd)
	}
	if got.Cols != 120 || got.Rows != 40 {
		t.Errorf("size = %dx%d, want 120x40", got.Cols, got.Rows)
	}
	if !got.BracketedPaste || got.AltScreen {
		t.Errorf("modes = alt:%v paste:%v", got.AltScreen, got.BracketedPaste)
	}
	if !bytes.Equal(got.Snapshot, d.Snapshot) {
		t.Errorf("snapshot round-trip mismatch: %q", got.Snapshot)
	}
	if !bytes.Equal(got.Rehydrate, d.Rehydrate) {
		t.Errorf("rehydrate round-trip mismatch: %q", got.Rehydrate)
	}
	if got.ViewportY != 7 {
		t.Errorf("viewport_y = %d, want 7", got.ViewportY)
	}
	if got.SavedAt.IsZero() {
		t.Error("saved_at not recorded")
	}
}

func TestGetSessionNotFound(t *testing.T) {
	s := openTestStore(t)
	got, err := s.GetSession("nonexistent")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
}

func TestSaveSessionUpsert(t *testing.T) {
	s := openTestStore(t)

	first := &SessionDesc{ID: "sess-1", Cwd: "/old", Cols: 80, Rows: 24}
	if err := s.SaveSession(first); err != nil {
		t.Fatalf("save first: %v", err)
	}
	second := &SessionDesc{ID: "sess-1", Cwd: "/new", Cols: 100, Rows: 30, AltScreen: true}
	if err := s.SaveSession(second); err != nil {
		t.Fatalf("save second: %v", err)
	}

	got, err := s.GetSession("sess-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Cwd != "/new" || got.Cols != 100 || !got.AltScreen {
		t.Errorf("upsert did not replace: %+v", got)
	}

	all, err := s.ListSessions()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("list returned %d descriptors, want 1", len(all))
	}
}

func TestListSessions(t *testing.T) {
	s := openTestStore(t)

	for _, id := range []string{"a", "b", "c"} {
		if err := s.SaveSession(&SessionDesc{ID: id, Cols: 80, Rows: 24}); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}

	all, err := s.ListSessions()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("list returned %d descriptors, want 3", len(all))
	}
}

func TestDeleteSession(t *testing.T) {
	s := openTestStore(t)

	if err := s.SaveSession(&SessionDesc{ID: "sess-1", Cols: 80, Rows: 24}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.DeleteSession("sess-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, err := s.GetSession("sess-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatal("descriptor survived delete")
	}

	// Deleting again is fine.
	if err := s.DeleteSession("sess-1"); err != nil {
		t.Fatalf("delete missing: %v", err)
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	s := openTestStore(t)
	if err := s.migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}
