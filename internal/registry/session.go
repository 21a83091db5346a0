package registry

import (
	"log"
	"sync"
	"syscall"
	"time"

	"github.com/panemux/panemux/internal/term"
	"github.com/panemux/panemux/internal/wire"
)

// Session states.
const (
	StateRunning = "running"
	StateExited  = "exited"
	StateKilled  = "killed"
)

// Sink receives stream events for a session's live subscriber. At most one
// sink is live per session; a newer attach supersedes the old one.
type Sink interface {
	StreamData(sessionID string, p []byte)
	StreamExit(sessionID string, exitCode int, reason string)
	StreamDisconnect(sessionID, reason string)
	StreamError(sessionID, code, message string)
}

// Session is one PTY process with its server-side terminal mirror. Output is
// always fed to the mirror; the subscriber, when present, gets it too.
type Session struct {
	ID          string
	TabID       string
	WorkspaceID string
	Cwd         string
	StartedAt   time.Time

	proc  process
	vterm *term.VTerm

	mu        sync.Mutex
	sink      Sink
	state     string
	exitCode  int
	killed    bool // Kill was requested; Wait reports reason "killed"
	viewportY int

	writeCh chan []byte
	done    chan struct{}
	onExit  func(id string)
}

func newSession(id, tabID, workspaceID, cwd string, proc process, vterm *term.VTerm, queueDepth int, onExit func(id string)) *Session {
	if queueDepth <= 0 {
		queueDepth = 256
	}
	s := &Session{
		ID:          id,
		TabID:       tabID,
		WorkspaceID: workspaceID,
		Cwd:         cwd,
		StartedAt:   time.Now(),
		proc:        proc,
		vterm:       vterm,
		state:       StateRunning,
		writeCh:     make(chan []byte, queueDepth),
		done:        make(chan struct{}),
		onExit:      onExit,
	}
	go s.readPump()
	go s.writePump()
	go s.wait()
	return s
}

// readPump feeds PTY output to the terminal mirror and the subscriber.
func (s *Session) readPump() {
	buf := make([]byte, 4096)
	for {
		n, err := s.proc.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])

			// Mirror write and sink read share one critical section so
			// resume can snapshot-and-subscribe atomically against this
			// pump: a chunk lands in the snapshot or on the new stream,
			// never both.
			s.mu.Lock()
			s.vterm.Write(data)
			sink := s.sink
			s.mu.Unlock()
			if sink != nil {
				sink.StreamData(s.ID, data)
			}
		}
		if err != nil {
			return
		}
	}
}

// writePump drains the write queue into the PTY. Failures surface on the
// stream rather than failing the enqueue.
func (s *Session) writePump() {
	for {
		select {
		case data := <-s.writeCh:
			if _, err := s.proc.Write(data); err != nil {
				log.Printf("session %s: pty write: %v", s.ID, err)
				s.mu.Lock()
				sink := s.sink
				s.mu.Unlock()
				if sink != nil {
					sink.StreamError(s.ID, wire.CodeWriteFailed, err.Error())
				}
			}
		case <-s.done:
			return
		}
	}
}

// wait blocks until the process exits, then records state and notifies the
// subscriber.
func (s *Session) wait() {
	code := s.proc.Wait()
	s.proc.Close()

	s.mu.Lock()
	s.exitCode = code
	reason := wire.ReasonExited
	if s.killed {
		s.state = StateKilled
		reason = wire.ReasonKilled
	} else {
		s.state = StateExited
	}
	sink := s.sink
	s.sink = nil
	s.mu.Unlock()
	close(s.done)

	log.Printf("session %s: exited code=%d reason=%s", s.ID, code, reason)
	if sink != nil {
		sink.StreamExit(s.ID, code, reason)
	}
	if s.onExit != nil {
		s.onExit(s.ID)
	}
}

// Enqueue queues keystrokes for the PTY. A full queue is rejected rather
// than blocking the caller behind a wedged process.
func (s *Session) Enqueue(data []byte) error {
	select {
	case <-s.done:
		return errSessionDone
	default:
	}
	select {
	case s.writeCh <- data:
		return nil
	default:
		return errQueueFull
	}
}

// resume captures the reattach snapshot and installs sink as the live
// subscriber in one step. Output racing the attach is either inside the
// snapshot or delivered on the new stream, never both.
func (s *Session) resume(sink Sink) (*wire.Snapshot, int) {
	s.mu.Lock()
	snap := s.snapshot()
	viewportY := s.viewportY
	old := s.sink
	s.sink = sink
	s.mu.Unlock()
	if old != nil && old != sink {
		old.StreamDisconnect(s.ID, "superseded")
	}
	return snap, viewportY
}

// Subscribe installs sink as the session's live subscriber, disconnecting
// the previous one.
func (s *Session) Subscribe(sink Sink) {
	s.mu.Lock()
	old := s.sink
	s.sink = sink
	s.mu.Unlock()
	if old != nil && old != sink {
		old.StreamDisconnect(s.ID, "superseded")
	}
}

// Unsubscribe clears the subscriber if sink still owns the stream. A stale
// detach from a superseded subscriber is a no-op.
func (s *Session) Unsubscribe(sink Sink) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sink != sink {
		return false
	}
	s.sink = nil
	return true
}

// Kill signals SIGTERM, escalating to SIGKILL if the process lingers.
func (s *Session) Kill() {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	s.killed = true
	s.mu.Unlock()

	s.proc.Signal(syscall.SIGTERM)
	go func() {
		select {
		case <-s.done:
		case <-time.After(3 * time.Second):
			s.proc.Signal(syscall.SIGKILL)
		}
	}()
}

// Terminate asks the process to exit without marking it killed; used on
// graceful daemon shutdown, after the descriptor is persisted.
func (s *Session) Terminate() {
	s.mu.Lock()
	running := s.state == StateRunning
	s.mu.Unlock()
	if !running {
		return
	}
	s.proc.Signal(syscall.SIGTERM)
	select {
	case <-s.done:
	case <-time.After(3 * time.Second):
		s.proc.Signal(syscall.SIGKILL)
	}
}

// Resize adjusts both the PTY and the mirror.
func (s *Session) Resize(cols, rows int) {
	s.vterm.Resize(cols, rows)
	if err := s.proc.Resize(cols, rows); err != nil {
		log.Printf("session %s: resize: %v", s.ID, err)
	}
}

// State returns the current lifecycle state.
func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ExitCode is valid once State is no longer running.
func (s *Session) ExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode
}

// Attached reports whether a subscriber currently holds the stream.
func (s *Session) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sink != nil
}

// SetViewportY records the client's scroll position, reported on detach and
// returned on the next attach.
func (s *Session) SetViewportY(y int) {
	s.mu.Lock()
	s.viewportY = y
	s.mu.Unlock()
}

func (s *Session) viewport() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewportY
}

// snapshot builds the reattach payload from the terminal mirror. Called
// with mu held (the resume path).
func (s *Session) snapshot() *wire.Snapshot {
	modes := s.vterm.Modes()
	cols, rows := s.vterm.Size()
	return &wire.Snapshot{
		SnapshotANSI:       wire.EncodeData(s.vterm.Snapshot()),
		RehydrateSequences: wire.EncodeData(s.vterm.Rehydrate()),
		Cwd:                s.Cwd,
		Modes: wire.Modes{
			AlternateScreen: modes.AltScreen,
			BracketedPaste:  modes.BracketedPaste,
		},
		Cols:            cols,
		Rows:            rows,
		ScrollbackLines: s.vterm.ScrollbackLen(),
	}
}
