package client

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/panemux/panemux/internal/term"
	"github.com/panemux/panemux/internal/wire"
)

// Controller phases.
const (
	PhaseIdle                = "idle"
	PhaseAttaching           = "attaching"
	PhaseAwaitingFirstRender = "awaitingFirstRender"
	PhaseRestoringSnapshot   = "restoringSnapshot"
	PhaseAltScreenReattach   = "altScreenReattach"
	PhaseStreaming           = "streaming"
	PhaseExited              = "exited"
	PhaseDisconnected        = "disconnected"
	PhaseColdRestored        = "coldRestored"
)

const (
	DefaultFirstRenderTimeout = 3 * time.Second
	DefaultDetachDebounce     = 200 * time.Millisecond
)

// ControllerOptions tune the controller's two timers.
type ControllerOptions struct {
	FirstRenderTimeout time.Duration
	DetachDebounce     time.Duration
}

type pendingEvent struct {
	kind     string // "data", "exit", "disconnect", "error"
	data     []byte
	exitCode int
	reason   string
	code     string
	message  string
}

// Controller drives one pane's session through attach, gated snapshot
// restoration and live streaming. All state lives on a single event loop
// goroutine; public methods post work to it and never block on it.
//
// The invariant the whole structure exists to keep: no stream event touches
// the display surface before the snapshot is fully written. Events that
// arrive earlier are queued and flushed in arrival order exactly once.
type Controller struct {
	sessionID string
	transport Transport
	surface   Surface
	opts      ControllerOptions

	mailbox   chan func()
	done      chan struct{}
	closeOnce sync.Once

	phase      string
	pending    []pendingEvent
	restoreSeq int

	attachInFlight bool
	lastRequestID  string
	remountQueued  bool

	result          *wire.AttachResult
	firstRenderSeen bool
	fallbackTimer   *time.Timer

	detachToken int

	cols, rows      int
	cwd             string
	initialCommands []string
	focused         bool
	exitReason      string
	prevCwd         string

	altScreen      bool
	bracketedPaste bool
	scan           term.ModeScanner
}

func NewController(sessionID string, t Transport, s Surface, opts ControllerOptions) *Controller {
	if opts.FirstRenderTimeout <= 0 {
		opts.FirstRenderTimeout = DefaultFirstRenderTimeout
	}
	if opts.DetachDebounce <= 0 {
		opts.DetachDebounce = DefaultDetachDebounce
	}
	c := &Controller{
		sessionID: sessionID,
		transport: t,
		surface:   s,
		opts:      opts,
		mailbox:   make(chan func(), 256),
		done:      make(chan struct{}),
		phase:     PhaseIdle,
	}
	go c.run()
	return c
}

func (c *Controller) run() {
	for {
		select {
		case fn := <-c.mailbox:
			fn()
		case <-c.done:
			return
		}
	}
}

func (c *Controller) post(fn func()) {
	select {
	case c.mailbox <- fn:
	case <-c.done:
	}
}

// Close stops the event loop. It does not detach; callers decide that via
// Unmount first.
func (c *Controller) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Mount begins an attach for the pane. A mount racing a pending debounced
// detach cancels the detach, which is what makes synchronous
// unmount/remount cycles harmless.
func (c *Controller) Mount(cols, rows int, cwd string, initialCommands []string) {
	c.post(func() {
		c.detachToken++ // cancel any pending debounced detach
		c.cols, c.rows = cols, rows
		c.cwd = cwd
		c.initialCommands = initialCommands
		c.beginAttach(false, false)
	})
}

// Unmount tears the pane down. destroyed means the pane itself is gone and
// the session should die with it; otherwise the detach is debounced so an
// immediate remount cancels it.
func (c *Controller) Unmount(destroyed bool) {
	c.post(func() {
		c.restoreSeq++
		if destroyed {
			c.transport.Kill(c.sessionID)
			c.phase = PhaseIdle
			return
		}
		c.detachToken++
		token := c.detachToken
		time.AfterFunc(c.opts.DetachDebounce, func() {
			c.post(func() {
				if token != c.detachToken {
					return // remounted in the meantime
				}
				c.transport.Detach(c.sessionID, 0)
				c.phase = PhaseIdle
			})
		})
	})
}

// NotifyFirstRender is called by the surface owner once the surface has
// completed its first paint and can process escape sequences.
func (c *Controller) NotifyFirstRender() {
	c.post(func() {
		if c.firstRenderSeen {
			return
		}
		c.firstRenderSeen = true
		c.reconcile()
	})
}

// HandleInput forwards keystrokes. A keypress on a session that exited on
// its own (not killed) restarts it in place.
func (c *Controller) HandleInput(data []byte) {
	c.post(func() {
		switch c.phase {
		case PhaseStreaming:
			c.transport.Write(c.sessionID, data)
		case PhaseExited:
			if c.exitReason != wire.ReasonKilled && c.focused {
				c.surface.Clear()
				c.beginAttach(false, true)
			}
		}
	})
}

// Resize reports new pane dimensions.
func (c *Controller) Resize(cols, rows int) {
	c.post(func() {
		c.cols, c.rows = cols, rows
		if c.phase == PhaseStreaming {
			c.transport.Resize(c.sessionID, cols, rows)
		}
	})
}

// SetFocused tracks whether the pane has input focus; restart-on-keypress
// only applies while focused.
func (c *Controller) SetFocused(focused bool) {
	c.post(func() { c.focused = focused })
}

// Retry re-attaches after a transport-level disconnect.
func (c *Controller) Retry() {
	c.post(func() {
		if c.phase == PhaseDisconnected {
			c.beginAttach(false, false)
		}
	})
}

// DiscardColdRestore is the only exit from coldRestored: acknowledge the
// stored snapshot, then attach fresh at the previous working directory.
func (c *Controller) DiscardColdRestore() {
	c.post(func() {
		if c.phase != PhaseColdRestored {
			return
		}
		c.transport.AckColdRestore(c.sessionID)
		c.surface.Clear()
		if c.prevCwd != "" {
			c.cwd = c.prevCwd
		}
		c.beginAttach(true, false)
	})
}

// Phase reports the current phase; for status surfaces and tests.
func (c *Controller) Phase() string {
	ch := make(chan string, 1)
	c.post(func() { ch <- c.phase })
	select {
	case p := <-ch:
		return p
	case <-c.done:
		return c.phase
	}
}

// Modes reports the reconciled alternate-screen / bracketed-paste state.
func (c *Controller) Modes() (altScreen, bracketedPaste bool) {
	ch := make(chan [2]bool, 1)
	c.post(func() { ch <- [2]bool{c.altScreen, c.bracketedPaste} })
	select {
	case m := <-ch:
		return m[0], m[1]
	case <-c.done:
		return false, false
	}
}

// --- transport delivery (called from the transport's read goroutine) ---

func (c *Controller) HandleAttachResult(res *wire.AttachResult) {
	c.post(func() {
		if res.RequestID != c.lastRequestID {
			return // stale response from a superseded attach
		}
		c.attachInFlight = false
		c.remountQueued = false
		c.result = res
		c.phase = PhaseAwaitingFirstRender
		if !c.firstRenderSeen {
			c.armFallbackTimer()
		}
		c.reconcile()
	})
}

func (c *Controller) HandleStreamData(sessionID string, data []byte) {
	if sessionID != c.sessionID {
		return
	}
	c.post(func() { c.deliver(pendingEvent{kind: "data", data: data}) })
}

func (c *Controller) HandleStreamExit(sessionID string, exitCode int, reason string) {
	if sessionID != c.sessionID {
		return
	}
	c.post(func() { c.deliver(pendingEvent{kind: "exit", exitCode: exitCode, reason: reason}) })
}

func (c *Controller) HandleStreamDisconnect(sessionID, reason string) {
	if sessionID != c.sessionID {
		return
	}
	c.post(func() { c.deliver(pendingEvent{kind: "disconnect", reason: reason}) })
}

func (c *Controller) HandleError(msg *wire.ErrorMsg) {
	if msg.SessionID != "" && msg.SessionID != c.sessionID {
		return
	}
	c.post(func() {
		if msg.RequestID != "" && msg.RequestID == c.lastRequestID {
			// The attach itself failed.
			c.attachInFlight = false
			if c.remountQueued {
				// A mount arrived while this attach was in flight; give it
				// its own try instead of reporting a stale failure.
				c.remountQueued = false
				c.beginAttach(false, false)
				return
			}
			c.phase = PhaseExited
			if msg.Code == wire.CodeSessionKilled {
				c.exitReason = wire.ReasonKilled
			}
			c.surface.Write([]byte(fmt.Sprintf("\r\n[attach failed: %s]\r\n", msg.Message)))
			return
		}
		c.deliver(pendingEvent{kind: "error", code: msg.Code, message: msg.Message})
	})
}

// HandleConnectionLost is invoked when the transport drops; the stream is
// gone even though the session may still be alive.
func (c *Controller) HandleConnectionLost(err error) {
	c.post(func() { c.deliver(pendingEvent{kind: "disconnect", reason: "connection lost"}) })
}

// --- event loop internals (everything below runs on the loop goroutine) ---

func (c *Controller) beginAttach(skipColdRestore, allowKilled bool) {
	if c.attachInFlight {
		// At most one attach in flight per id: the later caller queues
		// behind the earlier one and re-evaluates once it settles.
		c.remountQueued = true
		return
	}
	c.attachInFlight = true
	c.restoreSeq++
	c.result = nil
	c.pending = c.pending[:0]
	c.phase = PhaseAttaching
	c.lastRequestID = uuid.New().String()[:8]

	c.transport.Attach(&wire.Attach{
		Type:            wire.TypeAttach,
		RequestID:       c.lastRequestID,
		SessionID:       c.sessionID,
		Cols:            c.cols,
		Rows:            c.rows,
		Cwd:             c.cwd,
		InitialCommands: c.initialCommands,
		SkipColdRestore: skipColdRestore,
		AllowKilled:     allowKilled,
	})
}

func (c *Controller) armFallbackTimer() {
	if c.fallbackTimer != nil {
		c.fallbackTimer.Stop()
	}
	seq := c.restoreSeq
	c.fallbackTimer = time.AfterFunc(c.opts.FirstRenderTimeout, func() {
		c.post(func() {
			if c.firstRenderSeen || seq != c.restoreSeq || c.phase != PhaseAwaitingFirstRender {
				return
			}
			log.Printf("session %s: first render never signaled, forcing restore", c.sessionID)
			c.firstRenderSeen = true
			c.reconcile()
		})
	})
}

// reconcile joins the two independent readiness conditions: the attach
// result has arrived AND the surface has rendered once. Whichever happens
// second triggers the restoration.
func (c *Controller) reconcile() {
	if c.result == nil || !c.firstRenderSeen || c.phase != PhaseAwaitingFirstRender {
		return
	}
	if c.fallbackTimer != nil {
		c.fallbackTimer.Stop()
		c.fallbackTimer = nil
	}
	res := c.result
	c.result = nil

	switch {
	case res.IsColdRestore:
		c.applyColdRestore(res)
	case res.IsNew:
		c.altScreen = false
		c.bracketedPaste = false
		c.scan.Reset()
		c.enterStreaming()
	default:
		c.reconcileModes(res.Snapshot)
		if c.altScreen {
			c.altScreenReattach(res)
		} else {
			c.restoreSnapshot(res)
		}
	}
}

// reconcileModes prefers explicit snapshot modes and falls back to scanning
// the replayed content for the last-seen enter/exit sequences.
func (c *Controller) reconcileModes(snap *wire.Snapshot) {
	c.scan.Reset()
	if snap == nil {
		c.altScreen = false
		c.bracketedPaste = false
		return
	}
	c.scan.Scan(wire.DecodeData(snap.RehydrateSequences))
	c.scan.Scan(wire.DecodeData(snap.SnapshotANSI))
	st := c.scan.State()
	c.altScreen = st.AltScreen
	c.bracketedPaste = st.BracketedPaste
	if snap.Modes != (wire.Modes{}) {
		c.altScreen = snap.Modes.AlternateScreen
		c.bracketedPaste = snap.Modes.BracketedPaste
	}
}

// restoreSnapshot writes rehydrate sequences then the snapshot, in that
// order, each write completing before the next starts. Any failure fails
// open into streaming: a half-restored pane beats a wedged one.
func (c *Controller) restoreSnapshot(res *wire.AttachResult) {
	c.phase = PhaseRestoringSnapshot
	seq := c.restoreSeq

	if res.Snapshot != nil {
		if err := c.surface.Write(wire.DecodeData(res.Snapshot.RehydrateSequences)); err != nil {
			log.Printf("session %s: rehydrate write: %v", c.sessionID, err)
			c.enterStreaming()
			return
		}
		if seq != c.restoreSeq {
			return // invalidated mid-restore
		}
		if err := c.surface.Write(wire.DecodeData(res.Snapshot.SnapshotANSI)); err != nil {
			log.Printf("session %s: snapshot write: %v", c.sessionID, err)
			c.enterStreaming()
			return
		}
		if seq != c.restoreSeq {
			return
		}
	}
	c.enterStreaming()
}

// altScreenReattach recovers a full-screen app without replaying its frame:
// re-enter the alternate screen, restore the remaining modes, then force the
// app to repaint itself with a resize pulse.
func (c *Controller) altScreenReattach(res *wire.AttachResult) {
	c.phase = PhaseAltScreenReattach
	seq := c.restoreSeq

	if err := c.surface.Write([]byte("\x1b[?1049h")); err != nil {
		log.Printf("session %s: alt screen enter: %v", c.sessionID, err)
		c.enterStreaming()
		return
	}
	if seq != c.restoreSeq {
		return
	}
	if res.Snapshot != nil {
		rehydrate := term.FilterAltScreen(wire.DecodeData(res.Snapshot.RehydrateSequences))
		if err := c.surface.Write(rehydrate); err != nil {
			log.Printf("session %s: rehydrate write: %v", c.sessionID, err)
		}
		if seq != c.restoreSeq {
			return
		}
	}

	c.enterStreaming()

	// Resize pulse: the app sees a window change twice and redraws from
	// scratch, which beats replaying a potentially corrupt frame.
	if c.cols > 0 && c.rows > 1 {
		c.transport.Resize(c.sessionID, c.cols, c.rows-1)
		c.transport.Resize(c.sessionID, c.cols, c.rows)
	}
	c.surface.Focus()
}

// enterStreaming flips the gate and drains the queue exactly once, then
// fits the surface and reports the resulting size.
func (c *Controller) enterStreaming() {
	c.phase = PhaseStreaming
	for len(c.pending) > 0 && c.phase == PhaseStreaming {
		ev := c.pending[0]
		c.pending = c.pending[1:]
		c.apply(ev)
	}
	if c.phase != PhaseStreaming {
		return
	}
	if cols, rows := c.surface.Size(); cols > 0 && rows > 0 {
		c.cols, c.rows = cols, rows
		c.transport.Resize(c.sessionID, cols, rows)
	}
}

// deliver routes a stream event: applied live when streaming, queued while
// any restore cycle is in progress, dropped otherwise.
func (c *Controller) deliver(ev pendingEvent) {
	switch c.phase {
	case PhaseStreaming:
		c.apply(ev)
	case PhaseAttaching:
		if ev.kind == "disconnect" {
			// The in-flight request died with the stream: no result is
			// coming, so settle the attach instead of queueing behind it.
			c.attachInFlight = false
			c.remountQueued = false
			c.lastRequestID = ""
			c.apply(ev)
			return
		}
		c.pending = append(c.pending, ev)
	case PhaseAwaitingFirstRender, PhaseRestoringSnapshot, PhaseAltScreenReattach:
		c.pending = append(c.pending, ev)
	}
}

func (c *Controller) apply(ev pendingEvent) {
	switch ev.kind {
	case "data":
		c.scan.Scan(ev.data)
		st := c.scan.State()
		c.altScreen = st.AltScreen
		c.bracketedPaste = st.BracketedPaste
		if err := c.surface.Write(ev.data); err != nil {
			log.Printf("session %s: surface write: %v", c.sessionID, err)
		}

	case "exit":
		c.restoreSeq++ // a slow restore must not overwrite the exit notice
		c.phase = PhaseExited
		c.exitReason = ev.reason
		switch ev.reason {
		case wire.ReasonKilled:
			c.surface.Write([]byte("\r\n[session killed]\r\n"))
		default:
			c.surface.Write([]byte(fmt.Sprintf("\r\n[process exited with code %d — press any key to restart]\r\n", ev.exitCode)))
		}

	case "disconnect":
		c.restoreSeq++
		c.phase = PhaseDisconnected
		reason := ev.reason
		if reason == "" {
			reason = "stream closed"
		}
		c.surface.Write([]byte(fmt.Sprintf("\r\n[disconnected: %s]\r\n", reason)))

	case "error":
		// Non-fatal; surfaced inline, session stays attached.
		c.surface.Write([]byte(fmt.Sprintf("\r\n[%s: %s]\r\n", ev.code, ev.message)))
	}
}

// applyColdRestore paints the stored snapshot read-only. No live stream
// exists; the only way out is DiscardColdRestore.
func (c *Controller) applyColdRestore(res *wire.AttachResult) {
	c.phase = PhaseColdRestored
	c.prevCwd = res.PreviousCwd
	c.pending = c.pending[:0]
	if res.Snapshot != nil {
		if err := c.surface.Write(wire.DecodeData(res.Snapshot.SnapshotANSI)); err != nil {
			log.Printf("session %s: cold snapshot write: %v", c.sessionID, err)
		}
	}
	c.surface.Write([]byte("\r\n[restored from a previous run — press enter in the session list to resume fresh]\r\n"))
}
