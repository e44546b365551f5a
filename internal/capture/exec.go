package capture

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultArgs rotates tcpdump output into one file per window.
var DefaultArgs = []string{"-i", "{iface}", "-G", "{window}", "-w", "{dir}/slice-%Y%m%d%H%M%S.pcap"}

// ExecBackend runs the capture command as a local child process.
type ExecBackend struct {
	Command     string
	Args        []string
	Pattern     string
	StopTimeout time.Duration

	mu      sync.Mutex
	cmd     *exec.Cmd
	dir     string
	done    chan struct{}
	waitErr error
}

// NewExecBackend creates a backend running command with args. Args may use
// the {iface}, {window} and {dir} placeholders.
func NewExecBackend(command string, args []string, pattern string, stopTimeout time.Duration) *ExecBackend {
	if len(args) == 0 {
		args = DefaultArgs
	}
	if stopTimeout <= 0 {
		stopTimeout = 5 * time.Second
	}
	return &ExecBackend{Command: command, Args: args, Pattern: pattern, StopTimeout: stopTimeout}
}

// Start resets the session directory and spawns the capture command.
func (b *ExecBackend) Start(ctx context.Context, req StartRequest) (StartInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.runningLocked() {
		return StartInfo{}, fmt.Errorf("capture process %d still running", b.cmd.Process.Pid)
	}

	if err := os.RemoveAll(req.SessionDir); err != nil {
		return StartInfo{}, fmt.Errorf("failed to reset session dir: %w", err)
	}
	if err := os.MkdirAll(req.SessionDir, 0755); err != nil {
		return StartInfo{}, fmt.Errorf("failed to create session dir: %w", err)
	}

	replacer := strings.NewReplacer(
		"{iface}", req.Interface,
		"{window}", strconv.Itoa(req.WindowSeconds),
		"{dir}", req.SessionDir,
	)
	args := make([]string, len(b.Args))
	for i, a := range b.Args {
		args[i] = replacer.Replace(a)
	}

	cmd := exec.Command(b.Command, args...)
	if err := cmd.Start(); err != nil {
		return StartInfo{}, fmt.Errorf("failed to start %s: %w", b.Command, err)
	}
	done := make(chan struct{})
	b.cmd, b.dir, b.done, b.waitErr = cmd, req.SessionDir, done, nil

	go func() {
		err := cmd.Wait()
		b.mu.Lock()
		if b.cmd == cmd {
			b.waitErr = err
		}
		b.mu.Unlock()
		close(done)
	}()

	return StartInfo{PID: cmd.Process.Pid, SessionDir: req.SessionDir}, nil
}

// Stop interrupts the capture process and waits for it to flush, killing it
// after StopTimeout.
func (b *ExecBackend) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.runningLocked() {
		b.mu.Unlock()
		return nil
	}
	proc, done := b.cmd.Process, b.done
	b.mu.Unlock()

	if err := proc.Signal(os.Interrupt); err != nil {
		_ = proc.Kill()
	}
	timer := time.NewTimer(b.StopTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	if err := proc.Kill(); err != nil {
		return fmt.Errorf("failed to kill capture process %d: %w", proc.Pid, err)
	}
	<-done
	return nil
}

// Status reports whether the child is alive and the newest slice.
func (b *ExecBackend) Status(ctx context.Context) (BackendStatus, error) {
	b.mu.Lock()
	st := BackendStatus{Running: b.runningLocked(), SessionDir: b.dir}
	if b.cmd != nil && b.cmd.Process != nil {
		st.PID = b.cmd.Process.Pid
	}
	b.mu.Unlock()

	if st.SessionDir != "" {
		st.LastFile = newestFile(st.SessionDir, b.Pattern)
	}
	return st, nil
}

// ExitErr returns the error the last capture process exited with.
func (b *ExecBackend) ExitErr() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.waitErr
}

func (b *ExecBackend) runningLocked() bool {
	if b.cmd == nil || b.done == nil {
		return false
	}
	select {
	case <-b.done:
		return false
	default:
		return true
	}
}

func newestFile(dir, pattern string) string {
	if pattern == "" {
		pattern = "*"
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var newest string
	var newestMod time.Time
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if ok, _ := filepath.Match(pattern, e.Name()); !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().After(newestMod) {
			newest, newestMod = filepath.Join(dir, e.Name()), info.ModTime()
		}
	}
	return newest
}
