package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/nerrad567/airvinyl/internal/infrastructure/config"
	"github.com/nerrad567/airvinyl/internal/pcm"
	"github.com/nerrad567/airvinyl/internal/process"
)

// CommandSource captures audio from a subprocess writing raw PCM to stdout,
// such as arecord or sox.
type CommandSource struct {
	cfg    config.CaptureCommandConfig
	format pcm.Format
	logger Logger
}

// NewCommandSource creates a source running cfg.Binary for every Open.
func NewCommandSource(cfg config.CaptureCommandConfig, format pcm.Format, logger Logger) *CommandSource {
	return &CommandSource{cfg: cfg, format: format, logger: logger}
}

// Name implements Source.
func (s *CommandSource) Name() string { return "command:" + s.cfg.Binary }

// Format implements Source.
func (s *CommandSource) Format() pcm.Format { return s.format }

// Open starts the capture command.
//
// With a StartupGrace configured, a command that exits within the grace
// period (device busy, bad arguments) is reported as a start failure.
func (s *CommandSource) Open(ctx context.Context) (Stream, error) {
	mgr := process.NewManager(process.Config{
		Name:            "capture",
		Binary:          s.cfg.Binary,
		Args:            s.cfg.Args,
		Stdout:          true,
		GracefulTimeout: s.cfg.GracefulTimeout,
	})
	mgr.SetLogger(s.logger)

	// The capture outlives the request that started it; only Stop ends it.
	if err := mgr.Start(context.WithoutCancel(ctx)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStartFailed, err)
	}

	if s.cfg.StartupGrace > 0 {
		timer := time.NewTimer(s.cfg.StartupGrace)
		defer timer.Stop()
		select {
		case <-mgr.Done():
			mgr.Stop()
			return nil, fmt.Errorf("%w: %s exited: %v", ErrStartFailed, s.cfg.Binary, mgr.LastError())
		case <-ctx.Done():
			mgr.Stop()
			return nil, fmt.Errorf("%w: %w", ErrStartFailed, ctx.Err())
		case <-timer.C:
		}
	}

	s.logger.Info("capture started", "binary", s.cfg.Binary, "pid", mgr.PID())
	return &commandStream{mgr: mgr, stdout: mgr.Stdout()}, nil
}

type commandStream struct {
	mgr     *process.Manager
	stdout  *os.File
	stopped atomic.Bool
}

func (c *commandStream) Read(p []byte) (int, error) {
	if c.stopped.Load() {
		return 0, ErrSourceStopped
	}
	n, err := c.stdout.Read(p)
	if err != nil && c.stopped.Load() {
		return n, ErrSourceStopped
	}
	if errors.Is(err, os.ErrClosed) {
		err = ErrSourceStopped
	}
	return n, err
}

func (c *commandStream) Stop() error {
	c.stopped.Store(true)
	return c.mgr.Stop()
}
