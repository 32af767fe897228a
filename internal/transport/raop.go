package transport

import (
	"context"
	"fmt"
	"net/netip"
	"strconv"
	"time"

	"github.com/nerrad567/airvinyl/internal/infrastructure/config"
	"github.com/nerrad567/airvinyl/internal/pcm"
	"github.com/nerrad567/airvinyl/internal/process"
)

// RAOPDialer streams to AirPlay receivers through the raop_play binary,
// which reads PCM on stdin and handles the RTSP handshake, encryption and
// pacing itself. Volume is applied as sample gain on the way in.
type RAOPDialer struct {
	cfg    config.RAOPConfig
	logger Logger
}

// NewRAOPDialer creates a raop_play dialer.
func NewRAOPDialer(cfg config.RAOPConfig, logger Logger) *RAOPDialer {
	if cfg.Binary == "" {
		cfg.Binary = "raop_play"
	}
	return &RAOPDialer{cfg: cfg, logger: logger}
}

// Name implements Dialer.
func (d *RAOPDialer) Name() string { return "raop_play" }

// args builds the raop_play command line for addr.
func (d *RAOPDialer) args(addr netip.AddrPort, params Params) []string {
	args := []string{
		"-p", strconv.Itoa(int(addr.Port())),
		"-v", strconv.Itoa(d.cfg.DeviceVolume),
	}
	if params.LatencyFrames > 0 {
		args = append(args, "-l", strconv.Itoa(params.LatencyFrames))
	}
	if d.cfg.ALAC {
		args = append(args, "-a")
	}
	if d.cfg.Encrypt {
		args = append(args, "-e")
	}
	return append(args, addr.Addr().String(), "-")
}

// Connect starts raop_play for addr.
//
// raop_play connects before reading stdin, so an unreachable receiver shows
// up as an early exit within StartupGrace.
func (d *RAOPDialer) Connect(ctx context.Context, addr netip.AddrPort, params Params) (Client, error) {
	if err := params.Format.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnect, err)
	}
	if params.Format != pcm.CD {
		return nil, fmt.Errorf("%w: raop_play needs %s, got %s", ErrConnect, pcm.CD, params.Format)
	}

	mgr := process.NewManager(process.Config{
		Name:            "raop_play",
		Binary:          d.cfg.Binary,
		Args:            d.args(addr, params),
		Stdin:           true,
		GracefulTimeout: 2 * time.Second,
	})
	mgr.SetLogger(d.logger)

	if err := mgr.Start(context.WithoutCancel(ctx)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnect, err)
	}

	if d.cfg.StartupGrace > 0 {
		timer := time.NewTimer(d.cfg.StartupGrace)
		defer timer.Stop()
		select {
		case <-mgr.Done():
			mgr.Stop()
			return nil, fmt.Errorf("%w: raop_play exited for %s: %v", ErrConnect, addr, mgr.LastError())
		case <-ctx.Done():
			mgr.Stop()
			return nil, fmt.Errorf("%w: %s: %w", ErrConnect, addr, wrapIOError("connect", ctx.Err()))
		case <-timer.C:
		}
	}

	d.logger.Info("raop session opened", "addr", addr.String(), "pid", mgr.PID())
	return &raopClient{addr: addr, mgr: mgr, gain: 1, logger: d.logger}, nil
}

type raopClient struct {
	addr    netip.AddrPort
	mgr     *process.Manager
	logger  Logger
	gain    float64
	scratch []byte
	closed  bool
}

func (c *raopClient) Addr() netip.AddrPort { return c.addr }

// exited reports the process exit as ErrClosed, or nil while it runs.
func (c *raopClient) exited() error {
	select {
	case <-c.mgr.Done():
		if err := c.mgr.LastError(); err != nil {
			return fmt.Errorf("%w: raop_play exited: %w", ErrClosed, err)
		}
		return fmt.Errorf("%w: raop_play exited", ErrClosed)
	default:
		return nil
	}
}

func (c *raopClient) SetVolume(_ context.Context, percent int) error {
	if c.closed {
		return ErrClosed
	}
	c.gain = pcm.Gain(percent)
	return nil
}

func (c *raopClient) SetMetadata(context.Context, Metadata) error {
	return ErrUnsupported
}

// AcceptFrames only checks the process is alive; the stdin pipe applies
// backpressure once raop_play's buffer is full.
func (c *raopClient) AcceptFrames(context.Context) error {
	if c.closed {
		return ErrClosed
	}
	return c.exited()
}

func (c *raopClient) SendChunk(ctx context.Context, chunk []byte) error {
	if c.closed {
		return ErrClosed
	}
	if cap(c.scratch) < len(chunk) {
		c.scratch = make([]byte, len(chunk))
	}
	n := pcm.ApplyGain(c.scratch, chunk, c.gain)

	stdin := c.mgr.Stdin()
	if deadline, ok := ctx.Deadline(); ok {
		stdin.SetWriteDeadline(deadline)
	} else {
		stdin.SetWriteDeadline(time.Time{})
	}
	if _, err := stdin.Write(c.scratch[:n]); err != nil {
		if exitErr := c.exited(); exitErr != nil {
			return exitErr
		}
		return wrapIOError("writing to raop_play", err)
	}
	return nil
}

// Teardown closes stdin so raop_play drains and disconnects, then waits for
// it to exit until ctx expires, after which the process group is killed.
func (c *raopClient) Teardown(ctx context.Context) error {
	if c.closed {
		return nil
	}
	c.closed = true

	if err := c.mgr.Stdin().Close(); err != nil {
		c.logger.Debug("closing raop_play stdin", "error", err)
	}

	select {
	case <-c.mgr.Done():
	case <-ctx.Done():
		c.logger.Warn("raop_play did not exit in time, stopping", "addr", c.addr.String())
	}
	err := c.mgr.Stop()
	c.logger.Info("raop session closed", "addr", c.addr.String())
	return err
}
