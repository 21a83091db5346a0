package term

import (
	"fmt"
	"strings"
	"testing"

	"github.com/charmbracelet/x/vt"
)

func TestVTermBasicOutput(t *testing.T) {
	v := NewVTerm(80, 24, 0)
	defer v.Close()

	v.Write([]byte("hello world"))
	snap := v.Snapshot()
	if !strings.Contains(string(snap), "hello world") {
		t.Errorf("snapshot missing basic output, got:\n%s", snap)
	}
}

func TestVTermScrollbackCapture(t *testing.T) {
	v := NewVTerm(80, 10, 0)
	defer v.Close()

	// Write 50 lines to a 10-row terminal — each \r\n at the bottom scrolls.
	// First scroll happens at line 9's \r\n, last at line 49's \r\n = 41 scrolls.
	for i := range 50 {
		v.Write([]byte(fmt.Sprintf("line %d\r\n", i)))
	}

	if got := v.ScrollbackLen(); got != 41 {
		t.Errorf("scrollback len = %d, want 41", got)
	}
}

func TestVTermScrollbackRingWrap(t *testing.T) {
	const ringCap = 100
	v := NewVTerm(80, 10, ringCap)
	defer v.Close()

	// Write enough lines to wrap the ring several times over.
	total := 500
	for i := range total {
		v.Write([]byte(fmt.Sprintf("line %03d\r\n", i)))
	}

	if got := v.ScrollbackLen(); got != ringCap {
		t.Errorf("scrollback len = %d, want %d (ring cap)", got, ringCap)
	}

	// 500 lines on a 10-row terminal = 491 scroll events; ring keeps the
	// last 100, so the oldest surviving scroll is index 391 = line 391.
	snap := string(v.Snapshot())
	if strings.Contains(snap, "line 390") {
		t.Error("snapshot should not contain line 390 (dropped by ring)")
	}
	if !strings.Contains(snap, "line 391") {
		t.Error("snapshot should contain line 391 (oldest surviving)")
	}
}

func TestVTermANSIColors(t *testing.T) {
	v := NewVTerm(80, 10, 0)
	defer v.Close()

	for i := range 15 {
		v.Write([]byte(fmt.Sprintf("\x1b[31mred line %d\x1b[m\r\n", i)))
	}

	snap := string(v.Snapshot())
	if !strings.Contains(snap, "\x1b[31m") {
		t.Error("snapshot missing color SGR in scrollback")
	}
}

func TestVTermCursorPosition(t *testing.T) {
	v := NewVTerm(80, 24, 0)
	defer v.Close()

	v.Write([]byte("\x1b[5;10H"))
	snap := string(v.Snapshot())

	if !strings.Contains(snap, "\x1b[5;10H") {
		t.Errorf("snapshot missing cursor restore at row 5 col 10, got:\n%s", snap)
	}
}

func TestVTermScrollbackClear(t *testing.T) {
	v := NewVTerm(80, 10, 0)
	defer v.Close()

	for i := range 20 {
		v.Write([]byte(fmt.Sprintf("line %d\r\n", i)))
	}
	if v.ScrollbackLen() == 0 {
		t.Fatal("scrollback should have lines before clear")
	}

	v.ClearScrollback()

	if got := v.ScrollbackLen(); got != 0 {
		t.Errorf("scrollback len after clear = %d, want 0", got)
	}

	// The visible grid must survive a scrollback clear.
	snap := string(v.Snapshot())
	if !strings.Contains(snap, "line 19") {
		t.Error("visible grid content lost by scrollback clear")
	}
}

func TestVTermAltScreenSuppressesScrollback(t *testing.T) {
	v := NewVTerm(80, 10, 0)
	defer v.Close()

	for i := range 15 {
		v.Write([]byte(fmt.Sprintf("line %d\r\n", i)))
	}
	sbBefore := v.ScrollbackLen()

	v.Write([]byte("\x1b[?1049h"))
	if !v.Modes().AltScreen {
		t.Fatal("alt screen mode not tracked after enter")
	}

	for i := range 20 {
		v.Write([]byte(fmt.Sprintf("alt %d\r\n", i)))
	}
	if got := v.ScrollbackLen(); got != sbBefore {
		t.Errorf("alt screen scrollback = %d, want %d (unchanged)", got, sbBefore)
	}

	v.Write([]byte("\x1b[?1049l"))
	if v.Modes().AltScreen {
		t.Error("alt screen mode should clear after exit")
	}
	if got := v.ScrollbackLen(); got != sbBefore {
		t.Errorf("after alt screen exit scrollback = %d, want %d", got, sbBefore)
	}
}

func TestVTermModesFromStream(t *testing.T) {
	v := NewVTerm(80, 24, 0)
	defer v.Close()

	v.Write([]byte("\x1b[?2004h\x1b[?1h\x1b[?1000h"))

	m := v.Modes()
	if !m.BracketedPaste || !m.AppCursor || !m.MouseNormal {
		t.Errorf("modes not tracked from stream: %+v", m)
	}

	re := string(v.Rehydrate())
	if !strings.Contains(re, "\x1b[?2004h") || !strings.Contains(re, "\x1b[?1h") {
		t.Errorf("rehydrate missing tracked modes: %q", re)
	}
	if strings.Contains(re, "1049") {
		t.Errorf("rehydrate must not carry alt screen: %q", re)
	}
}

func TestVTermResize(t *testing.T) {
	v := NewVTerm(80, 24, 0)
	defer v.Close()

	v.Write([]byte("before resize\r\n"))
	v.Resize(120, 40)
	v.Write([]byte("after resize"))

	if cols, rows := v.Size(); cols != 120 || rows != 40 {
		t.Errorf("size = %dx%d, want 120x40", cols, rows)
	}

	snap := string(v.Snapshot())
	if !strings.Contains(snap, "before resize") {
		t.Error("snapshot missing content from before resize")
	}
	if !strings.Contains(snap, "after resize") {
		t.Error("snapshot missing content from after resize")
	}
}

func TestVTermCursorVisibility(t *testing.T) {
	v := NewVTerm(80, 24, 0)
	defer v.Close()

	v.Write([]byte("\x1b[?25l"))
	snap := string(v.Snapshot())
	if !strings.Contains(snap, "\x1b[?25l") {
		t.Error("snapshot should contain cursor hide when cursor is hidden")
	}

	v.Write([]byte("\x1b[?25h"))
	snap = string(v.Snapshot())
	if !strings.Contains(snap, "\x1b[?25h") {
		t.Error("snapshot should contain cursor show when cursor is visible")
	}
}

func TestVTermRoundTrip(t *testing.T) {
	v1 := NewVTerm(80, 24, 0)
	defer v1.Close()

	for i := range 40 {
		v1.Write([]byte(fmt.Sprintf("line %02d: some content here\r\n", i)))
	}
	v1.Write([]byte("\x1b[5;10Hcursor here"))

	snap := v1.Snapshot()

	// Feed snapshot to a fresh VTerm — grid should match
	v2 := NewVTerm(80, 24, 0)
	defer v2.Close()
	v2.Write(snap)

	v1.mu.Lock()
	render1 := v1.emu.Render()
	v1.mu.Unlock()

	v2.mu.Lock()
	render2 := v2.emu.Render()
	v2.mu.Unlock()

	if render1 != render2 {
		t.Errorf("grid mismatch after round-trip\n--- v1 ---\n%s\n--- v2 ---\n%s", render1, render2)
	}
}

func TestVTermEmptySnapshot(t *testing.T) {
	v := NewVTerm(80, 24, 0)
	defer v.Close()

	snap := v.Snapshot()
	if len(snap) == 0 {
		t.Error("empty VTerm snapshot should not be zero-length")
	}
	s := string(snap)
	if !strings.Contains(s, "\x1b[H") {
		t.Error("snapshot missing home cursor")
	}
	if !strings.Contains(s, "\x1b[?25h") {
		t.Error("snapshot missing cursor visibility restore")
	}
}

func TestVTermSnapshotFormat(t *testing.T) {
	v := NewVTerm(80, 5, 0)
	defer v.Close()

	for i := range 10 {
		v.Write([]byte(fmt.Sprintf("line %d\r\n", i)))
	}

	snap := string(v.Snapshot())

	// Should contain: scrollback lines, padding, style reset, home, grid, cursor
	if !strings.Contains(snap, "\x1b[m\x1b[H") {
		t.Error("snapshot missing style reset + home cursor sequence")
	}
}

func TestVTermConcurrentWriteResize(t *testing.T) {
	v := NewVTerm(80, 24, 0)
	defer v.Close()

	done := make(chan struct{})

	go func() {
		for i := range 1000 {
			v.Write([]byte(fmt.Sprintf("line %d\r\n", i)))
		}
		close(done)
	}()

	for range 100 {
		v.Resize(80+1, 24+1)
		v.Resize(80, 24)
	}

	<-done

	snap := v.Snapshot()
	if len(snap) == 0 {
		t.Error("snapshot should not be empty after concurrent writes")
	}
}

// TestVTermWithRealVT feeds a snapshot to the upstream VT library's emulator
// and verifies it produces a correct grid. This simulates what a conformant
// display surface would do with the replay payload.
func TestVTermWithRealVT(t *testing.T) {
	v := NewVTerm(80, 24, 0)
	defer v.Close()

	for i := range 30 {
		v.Write([]byte(fmt.Sprintf("history line %d\r\n", i)))
	}
	v.Write([]byte("current prompt $ "))

	snap := v.Snapshot()

	emu := vt.NewEmulator(80, 24)
	defer emu.Close()
	emu.Write(snap)

	grid := emu.Render()
	if !strings.Contains(grid, "current prompt $") {
		t.Errorf("display surface simulation grid missing prompt content:\n%s", grid)
	}
}
