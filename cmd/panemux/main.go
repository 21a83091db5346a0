package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	xterm "golang.org/x/term"

	"github.com/panemux/panemux/internal/client"
	"github.com/panemux/panemux/internal/config"
	"github.com/panemux/panemux/internal/wire"
)

// detachKey is Ctrl-], chosen because shells and full-screen apps rarely
// bind it.
const detachKey = 0x1d

func main() {
	root := &cobra.Command{
		Use:   "panemux",
		Short: "attach to panemux terminal sessions",
	}
	root.AddCommand(attachCmd())
	root.AddCommand(listCmd())
	root.AddCommand(killCmd())
	root.AddCommand(clearCmd())
	root.AddCommand(discardCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadToken() string {
	data, err := os.ReadFile(config.TokenPath())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func socketPath(cmd *cobra.Command) string {
	if sock, _ := cmd.Flags().GetString("socket"); sock != "" {
		return sock
	}
	if sock := os.Getenv("PANEMUX_SOCKET"); sock != "" {
		return sock
	}
	return config.SocketPath()
}

// cliHandler routes daemon pushes: session-scoped events go to the
// controller, inventory answers go to the list channel.
type cliHandler struct {
	*client.Controller
	syncCh chan *wire.SessionsSync
}

func (h *cliHandler) HandleSessionsSync(sync *wire.SessionsSync) {
	select {
	case h.syncCh <- sync:
	default:
	}
}

// stdoutSurface satisfies the controller's display surface with the real
// terminal the CLI runs in.
type stdoutSurface struct{}

func (stdoutSurface) Write(p []byte) error {
	_, err := os.Stdout.Write(p)
	return err
}
func (stdoutSurface) Resize(cols, rows int) {}
func (stdoutSurface) Clear()                { os.Stdout.WriteString("\x1b[2J\x1b[H") }
func (stdoutSurface) Focus()                {}
func (stdoutSurface) Size() (int, int) {
	cols, rows, err := xterm.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return 80, 24
	}
	return cols, rows
}

func attachCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attach <session-id>",
		Short: "attach to a session, creating it if needed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID := args[0]
			cwd, _ := cmd.Flags().GetString("cwd")
			commands, _ := cmd.Flags().GetStringArray("command")

			cfg, err := config.Load(config.ConfigPath())
			if err != nil {
				return err
			}

			if !xterm.IsTerminal(int(os.Stdin.Fd())) {
				return fmt.Errorf("attach requires a terminal")
			}
			oldState, err := xterm.MakeRaw(int(os.Stdin.Fd()))
			if err != nil {
				return fmt.Errorf("raw mode: %w", err)
			}
			defer xterm.Restore(int(os.Stdin.Fd()), oldState)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			handler := &cliHandler{syncCh: make(chan *wire.SessionsSync, 1)}
			conn := client.NewConn(socketPath(cmd), loadToken(), handler)
			surface := stdoutSurface{}
			ctrl := client.NewController(sessionID, conn, surface, client.ControllerOptions{
				FirstRenderTimeout: time.Duration(cfg.Client.FirstRenderTimeoutMs) * time.Millisecond,
				DetachDebounce:     time.Duration(cfg.Client.DetachDebounceMs) * time.Millisecond,
			})
			defer ctrl.Close()
			handler.Controller = ctrl
			conn.OnConnect = ctrl.Retry

			go conn.Run(ctx)
			select {
			case <-conn.Ready():
			case <-time.After(5 * time.Second):
				return fmt.Errorf("daemon not reachable at %s — is panemuxd running?", socketPath(cmd))
			}

			cols, rows := surface.Size()
			ctrl.Mount(cols, rows, cwd, commands)
			ctrl.SetFocused(true)
			// A real terminal is already painted and ready for escapes.
			ctrl.NotifyFirstRender()

			// Propagate window size changes.
			winch := make(chan os.Signal, 1)
			signal.Notify(winch, syscall.SIGWINCH)
			defer signal.Stop(winch)
			go func() {
				for range winch {
					ctrl.Resize(surface.Size())
				}
			}()

			buf := make([]byte, 1024)
			for {
				n, err := os.Stdin.Read(buf)
				if err != nil {
					ctrl.Unmount(false)
					time.Sleep(time.Duration(cfg.Client.DetachDebounceMs)*time.Millisecond + 50*time.Millisecond)
					return nil
				}
				data := buf[:n]

				if ctrl.Phase() == client.PhaseColdRestored {
					switch data[0] {
					case 'r', 'R':
						ctrl.DiscardColdRestore()
					case 'q', 'Q', detachKey:
						return nil
					}
					continue
				}

				if idx := bytes.IndexByte(data, detachKey); idx >= 0 {
					if idx > 0 {
						ctrl.HandleInput(append([]byte(nil), data[:idx]...))
					}
					ctrl.Unmount(false)
					time.Sleep(time.Duration(cfg.Client.DetachDebounceMs)*time.Millisecond + 50*time.Millisecond)
					fmt.Print("\r\n[detached]\r\n")
					return nil
				}
				ctrl.HandleInput(append([]byte(nil), data...))
			}
		},
	}
	cmd.Flags().String("cwd", "", "working directory for a new session")
	cmd.Flags().StringArrayP("command", "c", nil, "command to run in a new session (repeatable)")
	cmd.Flags().String("socket", "", "daemon socket path")
	return cmd
}

func listCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "list sessions, including cold-restorable ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			sync, err := oneShot(cmd, func(conn *client.Conn) {
				conn.List(uuid.New().String()[:8])
			}, true)
			if err != nil {
				return err
			}
			if len(sync.Sessions) == 0 {
				fmt.Println("no sessions")
				return nil
			}
			fmt.Printf("%-20s %-10s %-9s %-8s %s\n", "SESSION", "STATE", "ATTACHED", "SIZE", "CWD")
			for _, s := range sync.Sessions {
				attached := "-"
				if s.Attached {
					attached = "yes"
				}
				fmt.Printf("%-20s %-10s %-9s %-8s %s\n",
					s.SessionID, s.State, attached, fmt.Sprintf("%dx%d", s.Cols, s.Rows), s.Cwd)
			}
			return nil
		},
	}
	cmd.Flags().String("socket", "", "daemon socket path")
	return cmd
}

func killCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kill <session-id>",
		Short: "terminate a session's process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := oneShot(cmd, func(conn *client.Conn) {
				conn.Kill(args[0])
			}, false)
			return err
		},
	}
	cmd.Flags().String("socket", "", "daemon socket path")
	return cmd
}

func clearCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clear <session-id>",
		Short: "truncate a session's scrollback",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := oneShot(cmd, func(conn *client.Conn) {
				conn.ClearScrollback(args[0])
			}, false)
			return err
		},
	}
	cmd.Flags().String("socket", "", "daemon socket path")
	return cmd
}

func discardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "discard <session-id>",
		Short: "drop a cold-restorable session's saved state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := oneShot(cmd, func(conn *client.Conn) {
				conn.AckColdRestore(args[0])
			}, false)
			return err
		},
	}
	cmd.Flags().String("socket", "", "daemon socket path")
	return cmd
}

// oneShot connects, runs send, and optionally waits for a sessions.sync
// answer before returning.
func oneShot(cmd *cobra.Command, send func(*client.Conn), wantSync bool) (*wire.SessionsSync, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	handler := &noopHandler{syncCh: make(chan *wire.SessionsSync, 1)}
	conn := client.NewConn(socketPath(cmd), loadToken(), handler)
	go conn.Run(ctx)

	select {
	case <-conn.Ready():
	case <-ctx.Done():
		return nil, fmt.Errorf("daemon not reachable at %s — is panemuxd running?", socketPath(cmd))
	}

	send(conn)
	if !wantSync {
		// Give the message a moment to flush before tearing down.
		time.Sleep(100 * time.Millisecond)
		return nil, nil
	}
	select {
	case sync := <-handler.syncCh:
		return sync, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("timed out waiting for daemon")
	}
}

// noopHandler satisfies the push interface for fire-and-forget commands.
type noopHandler struct {
	syncCh chan *wire.SessionsSync
}

func (h *noopHandler) HandleAttachResult(res *wire.AttachResult)                   {}
func (h *noopHandler) HandleStreamData(sessionID string, data []byte)              {}
func (h *noopHandler) HandleStreamExit(sessionID string, exitCode int, rsn string) {}
func (h *noopHandler) HandleStreamDisconnect(sessionID, reason string)             {}
func (h *noopHandler) HandleError(msg *wire.ErrorMsg) {
	if msg.Message != "" {
		fmt.Fprintf(os.Stderr, "daemon error: %s\n", msg.Message)
	}
}
func (h *noopHandler) HandleSessionsSync(sync *wire.SessionsSync) {
	select {
	case h.syncCh <- sync:
	default:
	}
}
func (h *noopHandler) HandleConnectionLost(err error) {}
