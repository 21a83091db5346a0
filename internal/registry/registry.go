package registry

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/panemux/panemux/internal/store"
	"github.com/panemux/panemux/internal/term"
	"github.com/panemux/panemux/internal/wire"
)

var (
	errSessionDone   = errors.New("session has exited")
	errQueueFull     = errors.New("write queue full")
	ErrSessionKilled = errors.New("session was killed")
	ErrNotFound      = errors.New("session not found")
)

// Options configure a Registry.
type Options struct {
	Shell           string
	DefaultCwd      string
	ScrollbackLines int
	WriteQueueDepth int
	Spawn           Spawner // nil means SpawnPTY
}

// Registry owns every terminal session in the daemon: at most one live
// process per session id, plus the cold-restore descriptors persisted in the
// store. All per-id operations are serialized so concurrent attaches to the
// same id cannot double-spawn.
type Registry struct {
	opts  Options
	store *store.Store

	mu       sync.Mutex
	sessions map[string]*Session
	idLocks  map[string]*sync.Mutex
	closing  bool
}

func New(opts Options, st *store.Store) *Registry {
	if opts.Spawn == nil {
		opts.Spawn = SpawnPTY
	}
	if opts.Shell == "" {
		opts.Shell = "/bin/sh"
	}
	return &Registry{
		opts:     opts,
		store:    st,
		sessions: make(map[string]*Session),
		idLocks:  make(map[string]*sync.Mutex),
	}
}

// lockID serializes operations for one session id across the whole registry.
func (r *Registry) lockID(id string) func() {
	r.mu.Lock()
	l, ok := r.idLocks[id]
	if !ok {
		l = &sync.Mutex{}
		r.idLocks[id] = l
	}
	r.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (r *Registry) get(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

// Attach resolves an attach request against the live map and the store.
// Exactly one of three outcomes: reuse a live session (wasRecovered with a
// snapshot), surface a cold-restore descriptor (isColdRestore, no process),
// or spawn fresh (isNew). The caller becomes the session's subscriber except
// on the cold-restore path, where there is nothing to stream.
func (r *Registry) Attach(req *wire.Attach, sink Sink) (*wire.AttachResult, error) {
	unlock := r.lockID(req.SessionID)
	defer unlock()

	cols, rows := req.Cols, req.Rows
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}

	forceSpawn := false
	if sess := r.get(req.SessionID); sess != nil {
		switch sess.State() {
		case StateRunning:
			sess.Resize(cols, rows)
			snap, viewportY := sess.resume(sink)
			return &wire.AttachResult{
				Type:         wire.TypeAttachResult,
				RequestID:    req.RequestID,
				SessionID:    req.SessionID,
				WasRecovered: true,
				ViewportY:    viewportY,
				Snapshot:     snap,
			}, nil
		default:
			// Process is gone but no cold-restore descriptor covers it.
			// The caller must opt in to a fresh spawn under the same id,
			// which reuses the dead session's cwd.
			if !req.AllowKilled {
				return nil, ErrSessionKilled
			}
			if req.Cwd == "" {
				req.Cwd = sess.Cwd
			}
			r.reap(req.SessionID)
			forceSpawn = true
		}
	}

	if r.store != nil && !req.SkipColdRestore && !forceSpawn {
		desc, err := r.store.GetSession(req.SessionID)
		if err != nil {
			log.Printf("registry: load descriptor %s: %v", req.SessionID, err)
		}
		if desc != nil {
			return &wire.AttachResult{
				Type:          wire.TypeAttachResult,
				RequestID:     req.RequestID,
				SessionID:     req.SessionID,
				IsColdRestore: true,
				PreviousCwd:   desc.Cwd,
				ViewportY:     desc.ViewportY,
				Snapshot: &wire.Snapshot{
					SnapshotANSI:       wire.EncodeData(desc.Snapshot),
					RehydrateSequences: wire.EncodeData(desc.Rehydrate),
					Cwd:                desc.Cwd,
					Modes: wire.Modes{
						AlternateScreen: desc.AltScreen,
						BracketedPaste:  desc.BracketedPaste,
					},
					Cols:            desc.Cols,
					Rows:            desc.Rows,
					ScrollbackLines: desc.ScrollbackLines,
				},
			}, nil
		}
	}

	// Fresh spawn consumes any stored descriptor.
	if r.store != nil && (req.SkipColdRestore || forceSpawn) {
		if err := r.store.DeleteSession(req.SessionID); err != nil {
			log.Printf("registry: delete descriptor %s: %v", req.SessionID, err)
		}
	}

	cwd := req.Cwd
	if cwd == "" {
		cwd = r.opts.DefaultCwd
	}
	proc, err := r.opts.Spawn(r.opts.Shell, cwd, cols, rows)
	if err != nil {
		return nil, fmt.Errorf("spawn session %s: %w", req.SessionID, err)
	}

	vterm := term.NewVTerm(cols, rows, r.opts.ScrollbackLines)
	sess := newSession(req.SessionID, req.TabID, req.WorkspaceID, cwd, proc, vterm, r.opts.WriteQueueDepth, r.onSessionExit)
	sess.Subscribe(sink)

	r.mu.Lock()
	r.sessions[req.SessionID] = sess
	r.mu.Unlock()

	log.Printf("session %s: spawned shell=%s cwd=%s size=%dx%d", req.SessionID, r.opts.Shell, cwd, cols, rows)

	for _, cmd := range req.InitialCommands {
		if err := sess.Enqueue([]byte(cmd + "\n")); err != nil {
			log.Printf("session %s: initial command dropped: %v", req.SessionID, err)
			break
		}
	}

	return &wire.AttachResult{
		Type:      wire.TypeAttachResult,
		RequestID: req.RequestID,
		SessionID: req.SessionID,
		IsNew:     true,
	}, nil
}

// Write queues keystrokes for a session's PTY.
func (r *Registry) Write(id string, data []byte) error {
	sess := r.get(id)
	if sess == nil {
		return ErrNotFound
	}
	return sess.Enqueue(data)
}

// Resize adjusts a session's dimensions. Unknown ids are ignored: a resize
// racing a kill is not an error worth reporting.
func (r *Registry) Resize(id string, cols, rows int) {
	if sess := r.get(id); sess != nil && cols > 0 && rows > 0 {
		sess.Resize(cols, rows)
	}
}

// Detach drops sink as the session's subscriber and persists a descriptor so
// the session survives a daemon restart as a cold restore.
func (r *Registry) Detach(id string, viewportY int, sink Sink) {
	sess := r.get(id)
	if sess == nil {
		return
	}
	if !sess.Unsubscribe(sink) {
		return
	}
	sess.SetViewportY(viewportY)
	if err := r.persist(sess); err != nil {
		log.Printf("session %s: persist on detach: %v", id, err)
	}
	log.Printf("session %s: detached", id)
}

// Kill terminates a session's process and removes any stored descriptor.
func (r *Registry) Kill(id string) error {
	sess := r.get(id)
	if sess == nil {
		return ErrNotFound
	}
	sess.Kill()
	if r.store != nil {
		if err := r.store.DeleteSession(id); err != nil {
			log.Printf("session %s: delete descriptor on kill: %v", id, err)
		}
	}
	return nil
}

// ClearScrollback truncates the server-side scrollback ring.
func (r *Registry) ClearScrollback(id string) error {
	sess := r.get(id)
	if sess == nil {
		return ErrNotFound
	}
	sess.vterm.ClearScrollback()
	return nil
}

// AckColdRestore discards the stored descriptor: the client has shown the
// cold snapshot and the next attach should spawn fresh.
func (r *Registry) AckColdRestore(id string) error {
	unlock := r.lockID(id)
	defer unlock()
	if r.store == nil {
		return nil
	}
	return r.store.DeleteSession(id)
}

// List reports every live session plus cold descriptors with no live
// counterpart.
func (r *Registry) List() ([]wire.SessionInfo, error) {
	r.mu.Lock()
	live := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		live = append(live, s)
	}
	r.mu.Unlock()

	seen := make(map[string]bool, len(live))
	var out []wire.SessionInfo
	for _, s := range live {
		cols, rows := s.vterm.Size()
		info := wire.SessionInfo{
			SessionID: s.ID,
			Cwd:       s.Cwd,
			Cols:      cols,
			Rows:      rows,
			State:     s.State(),
			Attached:  s.Attached(),
		}
		if info.State != StateRunning {
			info.ExitCode = s.ExitCode()
		}
		out = append(out, info)
		seen[s.ID] = true
	}

	if r.store != nil {
		descs, err := r.store.ListSessions()
		if err != nil {
			return out, fmt.Errorf("list descriptors: %w", err)
		}
		for _, d := range descs {
			if seen[d.ID] {
				continue
			}
			out = append(out, wire.SessionInfo{
				SessionID:          d.ID,
				Cwd:                d.Cwd,
				Cols:               d.Cols,
				Rows:               d.Rows,
				State:              "cold",
				ColdRestorePending: true,
			})
		}
	}
	return out, nil
}

// DetachAll drops sink from every session it subscribes, persisting each.
// Called when a client connection dies without explicit detaches.
func (r *Registry) DetachAll(sink Sink) {
	r.mu.Lock()
	live := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		live = append(live, s)
	}
	r.mu.Unlock()

	for _, s := range live {
		if s.Unsubscribe(sink) {
			if err := r.persist(s); err != nil {
				log.Printf("session %s: persist on disconnect: %v", s.ID, err)
			}
			log.Printf("session %s: subscriber connection lost", s.ID)
		}
	}
}

// Shutdown persists a descriptor for every running session and terminates
// its process. After a restart these come back as cold restores.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	live := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		live = append(live, s)
	}
	r.mu.Unlock()

	r.mu.Lock()
	r.closing = true
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range live {
		if s.State() != StateRunning {
			continue
		}
		if err := r.persist(s); err != nil {
			log.Printf("session %s: persist on shutdown: %v", s.ID, err)
		}
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Terminate()
		}(s)
	}
	wg.Wait()
}

func (r *Registry) persist(s *Session) error {
	if r.store == nil {
		return nil
	}
	modes := s.vterm.Modes()
	cols, rows := s.vterm.Size()
	return r.store.SaveSession(&store.SessionDesc{
		ID:              s.ID,
		TabID:           s.TabID,
		WorkspaceID:     s.WorkspaceID,
		Cwd:             s.Cwd,
		Cols:            cols,
		Rows:            rows,
		AltScreen:       modes.AltScreen,
		BracketedPaste:  modes.BracketedPaste,
		Snapshot:        s.vterm.Snapshot(),
		Rehydrate:       s.vterm.Rehydrate(),
		ScrollbackLines: s.vterm.ScrollbackLen(),
		ViewportY:       s.viewport(),
	})
}

// onSessionExit drops the stored descriptor when a process ends on its own:
// there is no point cold-restoring a shell that already finished. Shutdown
// suppresses this so the descriptors it just persisted survive.
func (r *Registry) onSessionExit(id string) {
	r.mu.Lock()
	closing := r.closing
	r.mu.Unlock()
	if closing || r.store == nil {
		return
	}
	if err := r.store.DeleteSession(id); err != nil {
		log.Printf("session %s: delete descriptor on exit: %v", id, err)
	}
}

// reap removes a dead session from the live map and releases its mirror.
func (r *Registry) reap(id string) {
	r.mu.Lock()
	sess := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if sess != nil {
		sess.vterm.Close()
	}
}
