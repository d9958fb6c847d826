// Package ptyproc spawns child processes in a pseudo-terminal and
// exposes write/resize/close plus output and exit callbacks.
package ptyproc

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// DataHandler is called for each chunk of output from the PTY, in the
// order it was read.
type DataHandler func(data []byte)

// ExitHandler is called exactly once when the child exits.
type ExitHandler func(exitCode int, signal string)

// Options configures a new Proc.
type Options struct {
	// Command is the shell command line to run (via the user's shell).
	Command    string
	WorkingDir string
	Cols       uint16
	Rows       uint16
	// RepoEnv holds repository-configured overrides (already parsed
	// from dotenv text). Protected variables in it are ignored.
	RepoEnv map[string]string
}

// Proc manages a single PTY child process.
type Proc struct {
	cmd    *exec.Cmd
	ptmx   *os.File
	onExit ExitHandler

	mu       sync.Mutex
	closed   bool
	exitOnce sync.Once
	exitCh   chan struct{}
}

// Start spawns the command in a pseudo-terminal sized to cols x rows.
// onData receives output bytes; onExit fires exactly once.
func Start(opts Options, onData DataHandler, onExit ExitHandler) (*Proc, error) {
	if opts.Command == "" {
		return nil, fmt.Errorf("command is required")
	}
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}

	// Blocked server-internal variables are unset in a shell prefix
	// because the spawn primitive merges the parent env with overrides.
	cmd := exec.Command(shell, "-c", unsetPrefix()+opts.Command)
	cmd.Dir = opts.WorkingDir
	cmd.Env = buildEnv(opts.RepoEnv)

	winSize := &pty.Winsize{Cols: opts.Cols, Rows: opts.Rows}
	if winSize.Cols == 0 {
		winSize.Cols = 80
	}
	if winSize.Rows == 0 {
		winSize.Rows = 24
	}

	ptmx, err := pty.StartWithSize(cmd, winSize)
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}

	p := &Proc{
		cmd:    cmd,
		ptmx:   ptmx,
		onExit: onExit,
		exitCh: make(chan struct{}),
	}

	go p.readOutput(onData)
	go p.waitForExit()

	slog.Debug("pty started", "pid", cmd.Process.Pid, "dir", opts.WorkingDir)

	return p, nil
}

// Write sends input bytes to the PTY.
func (p *Proc) Write(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return fmt.Errorf("pty is closed")
	}
	_, err := p.ptmx.Write(data)
	return err
}

// Resize changes the terminal dimensions.
func (p *Proc) Resize(cols, rows uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return fmt.Errorf("pty is closed")
	}
	return pty.Setsize(p.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

// Pid returns the child process id, or 0 if it never started.
func (p *Proc) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Stop terminates the child: SIGTERM, then SIGKILL after the grace
// period if it has not exited. Blocks until the child is gone or the
// kill has been sent.
func (p *Proc) Stop(grace time.Duration) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	_ = p.ptmx.Close()
	proc := p.cmd.Process
	p.mu.Unlock()

	if proc == nil {
		return
	}
	_ = proc.Signal(syscall.SIGTERM)

	select {
	case <-p.exitCh:
	case <-time.After(grace):
		_ = proc.Kill()
		<-p.exitCh
	}
}

// Done returns a channel closed when the child has exited.
func (p *Proc) Done() <-chan struct{} { return p.exitCh }

func (p *Proc) readOutput(onData DataHandler) {
	buf := make([]byte, 32*1024)
	for {
		n, err := p.ptmx.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			onData(data)
		}
		if err != nil {
			if err != io.EOF {
				slog.Debug("pty read ended", "error", err)
			}
			return
		}
	}
}

func (p *Proc) waitForExit() {
	err := p.cmd.Wait()
	exitCode := 0
	signal := ""
	if err != nil {
		var exitErr *exec.ExitError
		if ok := asExitError(err, &exitErr); ok {
			exitCode = exitErr.ExitCode()
			if ws, wsOK := exitErr.Sys().(syscall.WaitStatus); wsOK && ws.Signaled() {
				signal = ws.Signal().String()
			}
		} else {
			exitCode = -1
		}
	}
	close(p.exitCh)

	p.exitOnce.Do(func() {
		if p.onExit != nil {
			p.onExit(exitCode, signal)
		}
	})

	slog.Debug("pty exited", "pid", p.Pid(), "exit_code", exitCode, "signal", signal)
}

func asExitError(err error, target **exec.ExitError) bool {
	e, ok := err.(*exec.ExitError)
	if ok {
		*target = e
	}
	return ok
}
