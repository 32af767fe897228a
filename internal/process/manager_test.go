package process

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func TestNewManager_Defaults(t *testing.T) {
	m := NewManager(Config{
		Binary: "/bin/true",
	})

	if m.config.GracefulTimeout != 2*time.Second {
		t.Errorf("GracefulTimeout = %v, want 2s", m.config.GracefulTimeout)
	}
	if m.config.Name != "/bin/true" {
		t.Errorf("Name = %q, want binary as fallback", m.config.Name)
	}
	if m.Status() != StatusStopped {
		t.Errorf("Status() = %q, want %q", m.Status(), StatusStopped)
	}
	if m.PID() != 0 {
		t.Errorf("PID() = %d, want 0", m.PID())
	}
	if m.Uptime() != 0 {
		t.Errorf("Uptime() = %v, want 0", m.Uptime())
	}
}

func TestDefaultConfig_Function(t *testing.T) {
	cfg := DefaultConfig("capture", "/usr/bin/arecord", []string{"-f", "cd"})

	if cfg.Name != "capture" {
		t.Errorf("Name = %q, want %q", cfg.Name, "capture")
	}
	if cfg.Binary != "/usr/bin/arecord" {
		t.Errorf("Binary = %q, want %q", cfg.Binary, "/usr/bin/arecord")
	}
	if len(cfg.Args) != 2 {
		t.Errorf("len(Args) = %d, want 2", len(cfg.Args))
	}
	if cfg.GracefulTimeout == 0 {
		t.Error("GracefulTimeout = 0, want non-zero default")
	}
}

func TestManager_StopWhenNotStarted(t *testing.T) {
	m := NewManager(Config{Name: "test", Binary: "/bin/true"})

	if err := m.Stop(); err != nil {
		t.Errorf("Stop() on unstarted manager error = %v", err)
	}
}

func TestManager_StartTwice(t *testing.T) {
	m := NewManager(Config{
		Name:   "test",
		Binary: "/bin/sleep",
		Args:   []string{"10"},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := m.Start(ctx); err != nil {
		t.Fatalf("first Start() error: %v", err)
	}
	defer m.Stop()

	err := m.Start(ctx)
	if !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v, want ErrAlreadyStarted", err)
	}
}

func TestManager_StartAndStop(t *testing.T) {
	m := NewManager(Config{
		Name:            "test-sleep",
		Binary:          "/bin/sleep",
		Args:            []string{"60"},
		GracefulTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	if !m.IsRunning() {
		t.Error("IsRunning() = false after Start()")
	}
	if m.PID() == 0 {
		t.Error("PID() = 0 after Start()")
	}

	if err := m.Stop(); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}

	select {
	case <-m.Done():
	default:
		t.Fatal("Done() not closed after Stop()")
	}
	if m.IsRunning() {
		t.Error("IsRunning() = true after Stop()")
	}

	// Second Stop is a no-op.
	if err := m.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}

func TestManager_StopEscalatesToKill(t *testing.T) {
	m := NewManager(Config{
		Name:            "trap-term",
		Binary:          "/bin/sh",
		Args:            []string{"-c", "trap '' TERM; while true; do sleep 1; done"},
		GracefulTimeout: 200 * time.Millisecond,
	})

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	start := time.Now()
	if err := m.Stop(); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Stop() took %v, want prompt SIGKILL after graceful timeout", elapsed)
	}
}

func TestManager_StartWithInvalidBinary(t *testing.T) {
	m := NewManager(Config{
		Name:   "bad-binary",
		Binary: "/nonexistent/binary",
	})

	err := m.Start(context.Background())
	if err == nil {
		t.Fatal("Start() with invalid binary expected error, got nil")
	}

	if m.Status() != StatusFailed {
		t.Errorf("Status() = %q, want %q", m.Status(), StatusFailed)
	}
	select {
	case <-m.Done():
	default:
		t.Error("Done() not closed after failed Start()")
	}
}

func TestManager_Stdout(t *testing.T) {
	m := NewManager(Config{
		Name:   "echo",
		Binary: "/bin/sh",
		Args:   []string{"-c", "echo one; echo two"},
		Stdout: true,
	})

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer m.Stop()

	scanner := bufio.NewScanner(m.Stdout())
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}

	if strings.Join(lines, ",") != "one,two" {
		t.Errorf("stdout lines = %v, want [one two]", lines)
	}
}

func TestManager_StdinRoundTrip(t *testing.T) {
	m := NewManager(Config{
		Name:   "cat",
		Binary: "/bin/cat",
		Stdin:  true,
		Stdout: true,
	})

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer m.Stop()

	if _, err := m.Stdin().Write([]byte("pcm")); err != nil {
		t.Fatalf("Stdin().Write() error: %v", err)
	}
	m.Stdin().Close()

	got, err := io.ReadAll(m.Stdout())
	if err != nil {
		t.Fatalf("ReadAll(Stdout()) error: %v", err)
	}
	if string(got) != "pcm" {
		t.Errorf("stdout = %q, want %q", got, "pcm")
	}
}

func TestManager_ContextCancelKills(t *testing.T) {
	m := NewManager(Config{
		Name:   "sleep",
		Binary: "/bin/sleep",
		Args:   []string{"60"},
	})

	ctx, cancel := context.WithCancel(context.Background())
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	cancel()

	select {
	case <-m.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process still running 5s after context cancel")
	}
	if m.LastError() == nil {
		t.Error("LastError() = nil after kill, want exit error")
	}
	m.Stop()
}

func TestManager_Stats(t *testing.T) {
	m := NewManager(Config{
		Name:   "test-stats",
		Binary: "/bin/sleep",
		Args:   []string{"10"},
	})

	stats := m.Stats()
	if stats.Name != "test-stats" {
		t.Errorf("Stats().Name = %q, want %q", stats.Name, "test-stats")
	}
	if stats.Status != StatusStopped {
		t.Errorf("Stats().Status = %q, want %q", stats.Status, StatusStopped)
	}

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer m.Stop()

	stats = m.Stats()
	if stats.PID == 0 {
		t.Error("Stats().PID = 0 while running")
	}
	if stats.Status != StatusRunning {
		t.Errorf("Stats().Status = %q, want %q", stats.Status, StatusRunning)
	}
}

func TestManager_SetLogger(t *testing.T) {
	m := NewManager(Config{
		Name:   "test",
		Binary: "/bin/true",
	})

	// Should not panic
	m.SetLogger(noopLogger{})
}
