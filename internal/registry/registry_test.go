package registry

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/panemux/panemux/internal/store"
	"github.com/panemux/panemux/internal/wire"
)

// fakeProc stands in for a PTY-backed shell: output is pushed through a
// pipe, stdin is recorded, and exit is triggered by the test or a signal.
type fakeProc struct {
	mu       sync.Mutex
	stdin    bytes.Buffer
	outR     *io.PipeReader
	outW     *io.PipeWriter
	cols     int
	rows     int
	exitCode int
	exited   chan struct{}
	exitOnce sync.Once
	gate     chan struct{} // non-nil blocks Write until closed
}

func newFakeProc() *fakeProc {
	r, w := io.Pipe()
	return &fakeProc{outR: r, outW: w, exited: make(chan struct{})}
}

func (p *fakeProc) Read(b []byte) (int, error) { return p.outR.Read(b) }

func (p *fakeProc) Write(b []byte) (int, error) {
	p.mu.Lock()
	gate := p.gate
	p.mu.Unlock()
	if gate != nil {
		<-gate
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stdin.Write(b)
}

func (p *fakeProc) Resize(cols, rows int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cols, p.rows = cols, rows
	return nil
}

func (p *fakeProc) Signal(sig os.Signal) error {
	p.exit(1)
	return nil
}

func (p *fakeProc) Wait() int {
	<-p.exited
	return p.exitCode
}

func (p *fakeProc) Close() error { return p.outR.Close() }

func (p *fakeProc) emit(s string) { p.outW.Write([]byte(s)) }

func (p *fakeProc) exit(code int) {
	p.exitOnce.Do(func() {
		p.exitCode = code
		close(p.exited)
		p.outW.Close()
	})
}

func (p *fakeProc) stdinString() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stdin.String()
}

// fakeSink records stream events on channels so tests can wait on them.
type fakeSink struct {
	data       chan []byte
	exits      chan wire.StreamExit
	disconnect chan string
	errs       chan wire.ErrorMsg
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		data:       make(chan []byte, 64),
		exits:      make(chan wire.StreamExit, 4),
		disconnect: make(chan string, 4),
		errs:       make(chan wire.ErrorMsg, 4),
	}
}

func (f *fakeSink) StreamData(id string, p []byte) { f.data <- p }
func (f *fakeSink) StreamExit(id string, code int, reason string) {
	f.exits <- wire.StreamExit{SessionID: id, ExitCode: code, Reason: reason}
}
func (f *fakeSink) StreamDisconnect(id, reason string) { f.disconnect <- reason }
func (f *fakeSink) StreamError(id, code, msg string) {
	f.errs <- wire.ErrorMsg{SessionID: id, Code: code, Message: msg}
}

type testEnv struct {
	reg   *Registry
	st    *store.Store
	procs map[string]*fakeProc
	mu    sync.Mutex
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	env := &testEnv{st: st, procs: make(map[string]*fakeProc)}
	env.reg = New(Options{
		Shell:           "/bin/fake",
		ScrollbackLines: 100,
		WriteQueueDepth: 8,
		Spawn:           env.spawn,
	}, st)
	return env
}

// spawn hands out one fakeProc per call, remembered by cwd-independent
// spawn order under the key of the most recent Attach. Tests register the
// proc they want before attaching.
func (e *testEnv) spawn(shell, cwd string, cols, rows int) (process, error) {
	p := newFakeProc()
	p.cols, p.rows = cols, rows
	e.mu.Lock()
	e.procs[cwd] = p
	e.procs["last"] = p
	e.mu.Unlock()
	return p, nil
}

func (e *testEnv) lastProc() *fakeProc {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.procs["last"]
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func attach(t *testing.T, env *testEnv, sink Sink, req *wire.Attach) *wire.AttachResult {
	t.Helper()
	res, err := env.reg.Attach(req, sink)
	if err != nil {
		t.Fatalf("attach %s: %v", req.SessionID, err)
	}
	return res
}

func TestAttachSpawnsNewSession(t *testing.T) {
	env := newTestEnv(t)
	sink := newFakeSink()

	res := attach(t, env, sink, &wire.Attach{SessionID: "s1", Cols: 100, Rows: 30, Cwd: "/tmp"})
	if !res.IsNew || res.WasRecovered || res.IsColdRestore {
		t.Fatalf("unexpected result shape: %+v", res)
	}

	proc := env.lastProc()
	if proc.cols != 100 || proc.rows != 30 {
		t.Errorf("spawned at %dx%d, want 100x30", proc.cols, proc.rows)
	}

	// Output flows to the subscriber.
	proc.emit("hello")
	select {
	case p := <-sink.data:
		if string(p) != "hello" {
			t.Errorf("data = %q", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no stream data")
	}
}

func TestAttachRunsInitialCommands(t *testing.T) {
	env := newTestEnv(t)
	sink := newFakeSink()

	attach(t, env, sink, &wire.Attach{
		SessionID:       "s1",
		InitialCommands: []string{"cd /srv", "ls"},
	})

	proc := env.lastProc()
	waitFor(t, func() bool {
		return strings.Contains(proc.stdinString(), "cd /srv\n") &&
			strings.Contains(proc.stdinString(), "ls\n")
	}, "initial commands on stdin")
}

func TestReattachRecoversWithSnapshot(t *testing.T) {
	env := newTestEnv(t)
	first := newFakeSink()

	attach(t, env, first, &wire.Attach{SessionID: "s1", Cols: 80, Rows: 24})
	proc := env.lastProc()
	proc.emit("$ make test\r\n")
	waitFor(t, func() bool { return len(first.data) > 0 }, "output to reach mirror")

	second := newFakeSink()
	res := attach(t, env, second, &wire.Attach{SessionID: "s1", Cols: 80, Rows: 24})
	if !res.WasRecovered || res.IsNew {
		t.Fatalf("expected recovery, got %+v", res)
	}
	if res.Snapshot == nil {
		t.Fatal("recovery without snapshot")
	}
	snap := wire.DecodeData(res.Snapshot.SnapshotANSI)
	if !strings.Contains(string(snap), "make test") {
		t.Errorf("snapshot missing prior output: %q", snap)
	}

	// The first subscriber is superseded, not silently dropped.
	select {
	case reason := <-first.disconnect:
		if reason != "superseded" {
			t.Errorf("disconnect reason = %q", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("superseded subscriber never notified")
	}

	// New output only reaches the live subscriber.
	proc.emit("tail")
	select {
	case p := <-second.data:
		if string(p) != "tail" {
			t.Errorf("data = %q", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no data to new subscriber")
	}
}

func TestReattachSnapshotStreamExclusive(t *testing.T) {
	env := newTestEnv(t)
	first := newFakeSink()
	attach(t, env, first, &wire.Attach{SessionID: "s1", Cols: 80, Rows: 10})
	proc := env.lastProc()

	// Emit numbered markers continuously while the reattach races the pump.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
				proc.emit(fmt.Sprintf("m%04d\r\n", i))
			}
		}
	}()
	// Keep the superseded sink drained so the pump never backs up on it.
	go func() {
		for {
			select {
			case <-first.data:
			case <-stop:
				return
			}
		}
	}()

	second := newFakeSink()
	res := attach(t, env, second, &wire.Attach{SessionID: "s1", Cols: 80, Rows: 10})
	if res.Snapshot == nil {
		t.Fatal("recovery without snapshot")
	}
	snap := string(wire.DecodeData(res.Snapshot.SnapshotANSI))

	time.Sleep(20 * time.Millisecond)
	close(stop)

	var streamed strings.Builder
drain:
	for {
		select {
		case p := <-second.data:
			streamed.Write(p)
		case <-time.After(50 * time.Millisecond):
			break drain
		}
	}
	wg.Wait()

	// A marker both replayed by the snapshot and delivered on the new
	// stream would be applied twice by the client after restore.
	for _, m := range regexp.MustCompile(`m\d{4}`).FindAllString(streamed.String(), -1) {
		if strings.Contains(snap, m) {
			t.Fatalf("marker %s delivered in both snapshot and stream", m)
		}
	}
}

func TestWriteReachesProcess(t *testing.T) {
	env := newTestEnv(t)
	sink := newFakeSink()
	attach(t, env, sink, &wire.Attach{SessionID: "s1"})

	if err := env.reg.Write("s1", []byte("echo hi\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	proc := env.lastProc()
	waitFor(t, func() bool {
		return strings.Contains(proc.stdinString(), "echo hi\n")
	}, "keystrokes on stdin")
}

func TestWriteQueueFull(t *testing.T) {
	env := newTestEnv(t)
	env.reg.opts.WriteQueueDepth = 2
	sink := newFakeSink()
	attach(t, env, sink, &wire.Attach{SessionID: "s1"})

	proc := env.lastProc()
	gate := make(chan struct{})
	proc.mu.Lock()
	proc.gate = gate
	proc.mu.Unlock()

	// First write occupies the pump, the next two fill the queue.
	var sawFull bool
	for i := 0; i < 10; i++ {
		if err := env.reg.Write("s1", []byte("x")); errors.Is(err, errQueueFull) {
			sawFull = true
			break
		}
	}
	close(gate)
	if !sawFull {
		t.Fatal("queue never reported full")
	}
}

func TestWriteAfterExit(t *testing.T) {
	env := newTestEnv(t)
	sink := newFakeSink()
	attach(t, env, sink, &wire.Attach{SessionID: "s1"})

	env.lastProc().exit(0)
	select {
	case ev := <-sink.exits:
		if ev.Reason != wire.ReasonExited || ev.ExitCode != 0 {
			t.Errorf("exit event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no exit event")
	}

	waitFor(t, func() bool {
		return errors.Is(env.reg.Write("s1", []byte("x")), errSessionDone)
	}, "write rejection after exit")
}

func TestKillAndReattach(t *testing.T) {
	env := newTestEnv(t)
	sink := newFakeSink()
	attach(t, env, sink, &wire.Attach{SessionID: "s1", Cwd: "/work"})

	if err := env.reg.Kill("s1"); err != nil {
		t.Fatalf("kill: %v", err)
	}
	select {
	case ev := <-sink.exits:
		if ev.Reason != wire.ReasonKilled {
			t.Errorf("exit reason = %q, want killed", ev.Reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no exit event after kill")
	}

	// Dead session: plain attach refuses, allowKilled respawns at old cwd.
	if _, err := env.reg.Attach(&wire.Attach{SessionID: "s1"}, newFakeSink()); !errors.Is(err, ErrSessionKilled) {
		t.Fatalf("attach to killed session: err = %v, want ErrSessionKilled", err)
	}
	res := attach(t, env, newFakeSink(), &wire.Attach{SessionID: "s1", AllowKilled: true})
	if !res.IsNew {
		t.Fatalf("allowKilled attach should spawn fresh, got %+v", res)
	}
	env.mu.Lock()
	_, respawnedAtCwd := env.procs["/work"]
	env.mu.Unlock()
	if !respawnedAtCwd {
		t.Error("respawn did not reuse the dead session's cwd")
	}
}

func TestDetachPersistsAndColdRestore(t *testing.T) {
	env := newTestEnv(t)
	sink := newFakeSink()
	attach(t, env, sink, &wire.Attach{SessionID: "s1", Cols: 80, Rows: 24, Cwd: "/proj"})

	proc := env.lastProc()
	proc.emit("important state\r\n")
	waitFor(t, func() bool { return len(sink.data) > 0 }, "output to reach mirror")

	env.reg.Detach("s1", 12, sink)

	desc, err := env.st.GetSession("s1")
	if err != nil || desc == nil {
		t.Fatalf("descriptor not persisted: %v, %v", desc, err)
	}
	if desc.ViewportY != 12 {
		t.Errorf("viewport_y = %d, want 12", desc.ViewportY)
	}
	if !strings.Contains(string(desc.Snapshot), "important state") {
		t.Errorf("persisted snapshot missing output: %q", desc.Snapshot)
	}

	// Simulate a daemon restart: a fresh registry over the same store.
	env2 := &testEnv{st: env.st, procs: make(map[string]*fakeProc)}
	env2.reg = New(Options{Spawn: env2.spawn}, env.st)

	res, err := env2.reg.Attach(&wire.Attach{SessionID: "s1", Cols: 80, Rows: 24}, newFakeSink())
	if err != nil {
		t.Fatalf("cold attach: %v", err)
	}
	if !res.IsColdRestore {
		t.Fatalf("expected cold restore, got %+v", res)
	}
	if res.PreviousCwd != "/proj" {
		t.Errorf("previous cwd = %q", res.PreviousCwd)
	}
	if res.Snapshot == nil || !strings.Contains(string(wire.DecodeData(res.Snapshot.SnapshotANSI)), "important state") {
		t.Error("cold restore snapshot missing content")
	}
	// No process was spawned for the cold path.
	if env2.lastProc() != nil {
		t.Error("cold restore must not spawn a process")
	}

	// After the ack, attach spawns fresh and the descriptor is gone.
	if err := env2.reg.AckColdRestore("s1"); err != nil {
		t.Fatalf("ack: %v", err)
	}
	res, err = env2.reg.Attach(&wire.Attach{SessionID: "s1", Cols: 80, Rows: 24}, newFakeSink())
	if err != nil {
		t.Fatalf("attach after ack: %v", err)
	}
	if !res.IsNew {
		t.Fatalf("expected fresh spawn after ack, got %+v", res)
	}
}

func TestSkipColdRestoreSpawnsFresh(t *testing.T) {
	env := newTestEnv(t)
	if err := env.st.SaveSession(&store.SessionDesc{ID: "s1", Cwd: "/old", Cols: 80, Rows: 24}); err != nil {
		t.Fatalf("seed descriptor: %v", err)
	}

	res := attach(t, env, newFakeSink(), &wire.Attach{SessionID: "s1", SkipColdRestore: true, Cwd: "/old"})
	if !res.IsNew {
		t.Fatalf("expected fresh spawn, got %+v", res)
	}
	desc, err := env.st.GetSession("s1")
	if err != nil {
		t.Fatalf("get descriptor: %v", err)
	}
	if desc != nil {
		t.Error("skipColdRestore should consume the descriptor")
	}
}

func TestStaleDetachIsNoop(t *testing.T) {
	env := newTestEnv(t)
	first := newFakeSink()
	attach(t, env, first, &wire.Attach{SessionID: "s1"})
	second := newFakeSink()
	attach(t, env, second, &wire.Attach{SessionID: "s1"})
	<-first.disconnect

	// The superseded subscriber's late detach must not evict the new one.
	env.reg.Detach("s1", 0, first)

	env.lastProc().emit("still streaming")
	select {
	case <-second.data:
	case <-time.After(2 * time.Second):
		t.Fatal("stale detach broke the live stream")
	}
}

func TestList(t *testing.T) {
	env := newTestEnv(t)
	attach(t, env, newFakeSink(), &wire.Attach{SessionID: "live-1", Cwd: "/a"})
	if err := env.st.SaveSession(&store.SessionDesc{ID: "cold-1", Cwd: "/b", Cols: 80, Rows: 24}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	infos, err := env.reg.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	byID := make(map[string]wire.SessionInfo)
	for _, info := range infos {
		byID[info.SessionID] = info
	}
	if got := byID["live-1"]; got.State != StateRunning || !got.Attached {
		t.Errorf("live-1 = %+v", got)
	}
	if got := byID["cold-1"]; got.State != "cold" || !got.ColdRestorePending {
		t.Errorf("cold-1 = %+v", got)
	}
}

func TestShutdownPersistsRunningSessions(t *testing.T) {
	env := newTestEnv(t)
	sink := newFakeSink()
	attach(t, env, sink, &wire.Attach{SessionID: "s1", Cwd: "/proj"})
	proc := env.lastProc()
	proc.emit("work in progress\r\n")
	waitFor(t, func() bool { return len(sink.data) > 0 }, "output to reach mirror")

	env.reg.Shutdown()

	select {
	case <-proc.exited:
	default:
		t.Error("shutdown did not terminate the process")
	}
	desc, err := env.st.GetSession("s1")
	if err != nil || desc == nil {
		t.Fatalf("descriptor not persisted on shutdown: %v, %v", desc, err)
	}
	if !strings.Contains(string(desc.Snapshot), "work in progress") {
		t.Error("shutdown snapshot missing content")
	}
}

func TestProcessExitDropsDescriptor(t *testing.T) {
	env := newTestEnv(t)
	sink := newFakeSink()
	attach(t, env, sink, &wire.Attach{SessionID: "s1"})
	env.reg.Detach("s1", 0, sink)

	desc, _ := env.st.GetSession("s1")
	if desc == nil {
		t.Fatal("descriptor should exist after detach")
	}

	env.lastProc().exit(0)
	waitFor(t, func() bool {
		d, _ := env.st.GetSession("s1")
		return d == nil
	}, "descriptor removal after natural exit")
}

func TestClearScrollback(t *testing.T) {
	env := newTestEnv(t)
	sink := newFakeSink()
	attach(t, env, sink, &wire.Attach{SessionID: "s1", Cols: 80, Rows: 5})

	proc := env.lastProc()
	for i := 0; i < 20; i++ {
		proc.emit("line\r\n")
	}
	sess := env.reg.get("s1")
	waitFor(t, func() bool { return sess.vterm.ScrollbackLen() > 0 }, "scrollback to fill")

	if err := env.reg.ClearScrollback("s1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if got := sess.vterm.ScrollbackLen(); got != 0 {
		t.Errorf("scrollback after clear = %d", got)
	}
}
