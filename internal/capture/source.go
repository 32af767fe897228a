package capture

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/nerrad567/airvinyl/internal/infrastructure/config"
	"github.com/nerrad567/airvinyl/internal/pcm"
)

// Errors returned by capture sources.
var (
	// ErrSourceStopped is returned by Read after Stop.
	ErrSourceStopped = errors.New("capture: source stopped")

	// ErrStartFailed is returned when a source cannot be opened.
	ErrStartFailed = errors.New("capture: start failed")

	// ErrFormatMismatch is returned when the input format differs from the
	// session format. Nothing resamples.
	ErrFormatMismatch = errors.New("capture: format mismatch")

	// ErrUnsupported is returned for a backend not compiled into this binary.
	ErrUnsupported = errors.New("capture: backend not supported in this build")
)

// Source produces raw PCM audio.
//
// Each Open starts a fresh capture. Stopping the returned Stream is the
// authoritative way to halt it; a Read blocked on the stream returns once
// Stop has been called.
type Source interface {
	Open(ctx context.Context) (Stream, error)
	Name() string
	Format() pcm.Format
}

// Stream is a running capture.
type Stream interface {
	io.Reader
	Stop() error
}

// Logger defines the logging interface used by capture sources.
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

// New builds the source selected by cfg.Backend.
func New(cfg config.CaptureConfig, format pcm.Format, logger Logger) (Source, error) {
	if logger == nil {
		logger = noopLogger{}
	}
	switch cfg.Backend {
	case "command":
		return NewCommandSource(cfg.Command, format, logger), nil
	case "file":
		return NewFileSource(cfg.File, format, logger), nil
	case "portaudio":
		return NewPortAudioSource(cfg.PortAudio, format, logger)
	default:
		return nil, fmt.Errorf("capture: unknown backend %q", cfg.Backend)
	}
}
