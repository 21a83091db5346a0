package registry

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// process is the slice of a PTY-backed shell the registry needs. The real
// implementation wraps creack/pty; tests substitute a pipe-backed fake.
type process interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Resize(cols, rows int) error
	Signal(sig os.Signal) error
	Wait() int
	Close() error
}

// Spawner starts a shell process on a PTY with the given working directory
// and dimensions.
type Spawner func(shell, cwd string, cols, rows int) (process, error)

type ptyProcess struct {
	cmd  *exec.Cmd
	ptmx *os.File
}

// SpawnPTY is the production Spawner.
func SpawnPTY(shell, cwd string, cols, rows int) (process, error) {
	cmd := exec.CommandContext(context.Background(), shell)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	if cwd != "" {
		if _, err := os.Stat(cwd); err == nil {
			cmd.Dir = cwd
		}
	}

	// Graceful termination
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 5 * time.Second

	size := &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}
	ptmx, err := pty.StartWithSize(cmd, size)
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}
	return &ptyProcess{cmd: cmd, ptmx: ptmx}, nil
}

func (p *ptyProcess) Read(b []byte) (int, error)  { return p.ptmx.Read(b) }
func (p *ptyProcess) Write(b []byte) (int, error) { return p.ptmx.Write(b) }

func (p *ptyProcess) Resize(cols, rows int) error {
	return pty.Setsize(p.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

func (p *ptyProcess) Signal(sig os.Signal) error {
	if p.cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	return p.cmd.Process.Signal(sig)
}

func (p *ptyProcess) Wait() int {
	exitCode := 0
	if err := p.cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = 1
		}
	}
	return exitCode
}

func (p *ptyProcess) Close() error {
	return p.ptmx.Close()
}
