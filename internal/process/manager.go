package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Status represents the current state of a managed process.
type Status string

const (
	// StatusStopped means the process has not been started or has exited.
	StatusStopped Status = "stopped"

	// StatusStarting means the process is being launched.
	StatusStarting Status = "starting"

	// StatusRunning means the process is running.
	StatusRunning Status = "running"

	// StatusFailed means the process could not be started or exited with an error.
	StatusFailed Status = "failed"
)

// outputBufferSize is the buffer size for reading process stderr.
const outputBufferSize = 4096

// ErrAlreadyStarted is returned when Start is called twice on one Manager.
var ErrAlreadyStarted = errors.New("process: already started")

// Config configures a managed subprocess.
type Config struct {
	// Name is a human-readable identifier used in logs.
	Name string

	// Binary is the executable to run (resolved via PATH).
	Binary string

	// Args are the command-line arguments.
	Args []string

	// Env holds additional environment variables in "KEY=value" form.
	Env []string

	// WorkDir is the working directory. Empty means the current directory.
	WorkDir string

	// Stdin exposes a pipe to the child's standard input via Stdin().
	Stdin bool

	// Stdout exposes the child's standard output via Stdout(). When false,
	// stdout is logged at debug level like stderr.
	Stdout bool

	// GracefulTimeout is how long Stop waits after SIGTERM before SIGKILL.
	GracefulTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(name, binary string, args []string) Config {
	return Config{
		Name:            name,
		Binary:          binary,
		Args:            args,
		GracefulTimeout: 2 * time.Second,
	}
}

// Logger defines the logging interface used by the process manager.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Manager runs one child process in its own process group.
//
// A Manager is single-use: it is started once and stopped once. Callers that
// want a restart create a new Manager. Stop always reaps the whole process
// group, so shell wrappers and their children are never leaked.
type Manager struct {
	config Config
	logger Logger

	mu        sync.RWMutex
	cmd       *exec.Cmd
	status    Status
	lastError error
	startTime time.Time
	started   bool

	stdout *os.File // read end, owned by the caller while running
	stdin  *os.File // write end, owned by the caller while running

	done     chan struct{}
	stopOnce sync.Once
	stopErr  error
}

// NewManager creates a new process manager with the given configuration.
func NewManager(cfg Config) *Manager {
	if cfg.GracefulTimeout == 0 {
		cfg.GracefulTimeout = 2 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Binary
	}

	return &Manager{
		config: cfg,
		logger: noopLogger{},
		status: StatusStopped,
		done:   make(chan struct{}),
	}
}

// SetLogger sets the logger for the process manager.
func (m *Manager) SetLogger(logger Logger) {
	m.logger = logger
}

// Start launches the process.
//
// Cancelling ctx kills the process group. Returns ErrAlreadyStarted if the
// Manager has been started before.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("%s: %w", m.config.Name, ErrAlreadyStarted)
	}
	m.started = true
	m.status = StatusStarting
	m.mu.Unlock()

	if err := m.startProcess(ctx); err != nil {
		m.mu.Lock()
		m.status = StatusFailed
		m.lastError = err
		m.mu.Unlock()
		close(m.done)
		return err
	}

	go m.monitor()
	return nil
}

// startProcess creates and starts the underlying exec.Cmd.
func (m *Manager) startProcess(ctx context.Context) error {
	m.logger.Debug("starting process",
		"name", m.config.Name,
		"binary", m.config.Binary,
		"args", m.config.Args,
	)

	cmd := exec.CommandContext(ctx, m.config.Binary, m.config.Args...) //nolint:gosec // Binary comes from operator config

	// Own process group so Stop and ctx cancellation reach grandchildren.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return killGroup(cmd, syscall.SIGKILL)
	}
	cmd.WaitDelay = m.config.GracefulTimeout

	if m.config.Env != nil {
		cmd.Env = append(os.Environ(), m.config.Env...)
	}
	if m.config.WorkDir != "" {
		cmd.Dir = m.config.WorkDir
	}

	// Plain os.Pipe ends rather than exec's pipes: Wait never closes them
	// under a reader, and the stdin end supports write deadlines.
	var childEnds []*os.File
	closeChildEnds := func() {
		for _, f := range childEnds {
			f.Close()
		}
	}

	var stdoutR, stdinW *os.File
	if m.config.Stdout {
		r, w, err := os.Pipe()
		if err != nil {
			return fmt.Errorf("creating stdout pipe: %w", err)
		}
		cmd.Stdout = w
		stdoutR = r
		childEnds = append(childEnds, w)
	}
	if m.config.Stdin {
		r, w, err := os.Pipe()
		if err != nil {
			closeChildEnds()
			closeIfSet(stdoutR)
			return fmt.Errorf("creating stdin pipe: %w", err)
		}
		cmd.Stdin = r
		stdinW = w
		childEnds = append(childEnds, r)
	}

	var stdout io.ReadCloser
	if !m.config.Stdout {
		p, err := cmd.StdoutPipe()
		if err != nil {
			closeChildEnds()
			closeIfSet(stdoutR)
			closeIfSet(stdinW)
			return fmt.Errorf("creating stdout pipe: %w", err)
		}
		stdout = p
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		closeChildEnds()
		closeIfSet(stdoutR)
		closeIfSet(stdinW)
		return fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		closeChildEnds()
		closeIfSet(stdoutR)
		closeIfSet(stdinW)
		return fmt.Errorf("starting %s: %w", m.config.Name, err)
	}
	// The child holds its own copies now.
	closeChildEnds()

	m.mu.Lock()
	m.cmd = cmd
	m.stdout = stdoutR
	m.stdin = stdinW
	m.status = StatusRunning
	m.startTime = time.Now()
	m.mu.Unlock()

	if stdout != nil {
		go m.captureOutput("stdout", stdout)
	}
	go m.captureOutput("stderr", stderr)

	m.logger.Debug("process started",
		"name", m.config.Name,
		"pid", cmd.Process.Pid,
	)

	return nil
}

// captureOutput reads from a process output stream and logs it.
func (m *Manager) captureOutput(stream string, r io.Reader) {
	buf := make([]byte, outputBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			m.logger.Debug("process output",
				"name", m.config.Name,
				"stream", stream,
				"output", string(buf[:n]),
			)
		}
		if err != nil {
			return
		}
	}
}

// monitor waits for the process to exit and records the outcome.
func (m *Manager) monitor() {
	defer close(m.done)

	m.mu.RLock()
	cmd := m.cmd
	m.mu.RUnlock()

	err := cmd.Wait()

	m.mu.Lock()
	if err != nil {
		m.status = StatusFailed
		m.lastError = err
	} else {
		m.status = StatusStopped
	}
	m.mu.Unlock()

	if err != nil {
		m.logger.Debug("process exited", "name", m.config.Name, "error", err)
	} else {
		m.logger.Debug("process exited", "name", m.config.Name)
	}
}

// Stop terminates the process group and releases the pipes.
//
// It sends SIGTERM, waits up to GracefulTimeout, then sends SIGKILL. Stop is
// safe to call more than once and after the process has exited on its own.
func (m *Manager) Stop() error {
	m.stopOnce.Do(func() {
		m.stopErr = m.stop()
	})
	return m.stopErr
}

func (m *Manager) stop() error {
	m.mu.RLock()
	cmd := m.cmd
	m.mu.RUnlock()

	defer m.closePipes()

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	select {
	case <-m.done:
		return nil
	default:
	}

	m.logger.Debug("stopping process", "name", m.config.Name, "pid", cmd.Process.Pid)

	if err := killGroup(cmd, syscall.SIGTERM); err != nil {
		return fmt.Errorf("signalling %s: %w", m.config.Name, err)
	}

	select {
	case <-m.done:
		return nil
	case <-time.After(m.config.GracefulTimeout):
		m.logger.Warn("graceful shutdown timeout, sending SIGKILL",
			"name", m.config.Name,
			"timeout", m.config.GracefulTimeout,
		)
	}

	if err := killGroup(cmd, syscall.SIGKILL); err != nil {
		return fmt.Errorf("killing process group %s: %w", m.config.Name, err)
	}

	<-m.done
	return nil
}

// killGroup signals the whole process group, ignoring groups that are gone.
func killGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return nil
	}
	if err := syscall.Kill(-cmd.Process.Pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

func (m *Manager) closePipes() {
	m.mu.Lock()
	defer m.mu.Unlock()
	closeIfSet(m.stdin)
	closeIfSet(m.stdout)
}

func closeIfSet(f *os.File) {
	if f != nil {
		f.Close()
	}
}

// Stdout returns the read end of the child's standard output, or nil when
// Config.Stdout is false. It reports io.EOF once the child exits.
func (m *Manager) Stdout() *os.File {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stdout
}

// Stdin returns the write end of the child's standard input, or nil when
// Config.Stdin is false.
func (m *Manager) Stdin() *os.File {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stdin
}

// Done is closed once the process has exited and been reaped.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Status returns the current status of the managed process.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// IsRunning returns true if the process is currently running.
func (m *Manager) IsRunning() bool {
	return m.Status() == StatusRunning
}

// LastError returns the error the process exited with, if any.
func (m *Manager) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastError
}

// Uptime returns how long the process has been running.
// Returns 0 if the process is not running.
func (m *Manager) Uptime() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.status != StatusRunning {
		return 0
	}
	return time.Since(m.startTime)
}

// PID returns the process ID, or 0 if never started.
func (m *Manager) PID() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cmd != nil && m.cmd.Process != nil {
		return m.cmd.Process.Pid
	}
	return 0
}

// Stats returns statistics about the managed process.
type Stats struct {
	Name      string        `json:"name"`
	Status    Status        `json:"status"`
	PID       int           `json:"pid,omitempty"`
	Uptime    time.Duration `json:"uptime,omitempty"`
	LastError string        `json:"last_error,omitempty"`
}

// Stats returns current statistics for the process.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{
		Name:   m.config.Name,
		Status: m.status,
	}
	if m.cmd != nil && m.cmd.Process != nil {
		stats.PID = m.cmd.Process.Pid
	}
	if m.status == StatusRunning {
		stats.Uptime = time.Since(m.startTime)
	}
	if m.lastError != nil {
		stats.LastError = m.lastError.Error()
	}
	return stats
}
