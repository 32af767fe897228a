package transport

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"

	"github.com/nerrad567/airvinyl/internal/infrastructure/config"
	"github.com/nerrad567/airvinyl/internal/pcm"
)

// Errors returned by transport clients.
var (
	// ErrConnect is returned when a connection cannot be established.
	ErrConnect = errors.New("transport: connect failed")

	// ErrTimeout is returned when an operation exceeds its deadline.
	ErrTimeout = errors.New("transport: timeout")

	// ErrClosed is returned by operations on a torn down or failed client.
	ErrClosed = errors.New("transport: client closed")

	// ErrUnsupported is returned by best-effort operations a backend lacks.
	ErrUnsupported = errors.New("transport: operation not supported")
)

// Params fixes the stream a client carries.
type Params struct {
	Format pcm.Format

	// LatencyFrames is the desired receiver buffering, in frames.
	LatencyFrames int
}

// Metadata describes the session for receivers that display it.
type Metadata struct {
	Title     string
	Artist    string
	Album     string
	SessionID string
}

// Dialer establishes transport clients.
type Dialer interface {
	Connect(ctx context.Context, addr netip.AddrPort, params Params) (Client, error)
	Name() string
}

// Client is a connection to one receiver.
//
// A Client is driven by a single goroutine and is not safe for concurrent
// use. Every operation honours the context deadline. After any error other
// than from SetMetadata the caller should Teardown the client.
type Client interface {
	Addr() netip.AddrPort

	// SetVolume sets the level, 0–100.
	SetVolume(ctx context.Context, percent int) error

	// SetMetadata is best-effort; it may return ErrUnsupported.
	SetMetadata(ctx context.Context, md Metadata) error

	// AcceptFrames blocks until the receiver can take the next chunk.
	AcceptFrames(ctx context.Context) error

	// SendChunk forwards raw PCM. Partial chunks are valid.
	SendChunk(ctx context.Context, chunk []byte) error

	// Teardown ends the session and releases resources.
	Teardown(ctx context.Context) error
}

// Logger defines the logging interface used by transport clients.
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

// New builds the dialer selected by cfg.Backend.
func New(cfg config.TransportConfig, logger Logger) (Dialer, error) {
	if logger == nil {
		logger = noopLogger{}
	}
	switch cfg.Backend {
	case "raop_play":
		return NewRAOPDialer(cfg.RAOP, logger), nil
	case "rtp":
		return NewRTPDialer(cfg.RTP, logger), nil
	default:
		return nil, fmt.Errorf("transport: unknown backend %q", cfg.Backend)
	}
}

// wrapIOError maps deadline errors onto ErrTimeout.
func wrapIOError(op string, err error) error {
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", op, ErrTimeout, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
