package transport

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net"
	"net/netip"
	"time"

	"github.com/pion/rtp"

	"github.com/nerrad567/airvinyl/internal/infrastructure/config"
	"github.com/nerrad567/airvinyl/internal/pcm"
)

// RTPDialer streams uncompressed L16 audio over RTP/UDP (RFC 3551).
// Pacing happens in AcceptFrames; volume is applied as sample gain.
type RTPDialer struct {
	cfg    config.RTPConfig
	logger Logger
	now    func() time.Time
}

// NewRTPDialer creates an RTP dialer.
func NewRTPDialer(cfg config.RTPConfig, logger Logger) *RTPDialer {
	if cfg.PayloadType == 0 {
		cfg.PayloadType = 10
	}
	return &RTPDialer{cfg: cfg, logger: logger, now: time.Now}
}

// Name implements Dialer.
func (d *RTPDialer) Name() string { return "rtp" }

// Connect opens a UDP socket towards addr.
func (d *RTPDialer) Connect(ctx context.Context, addr netip.AddrPort, params Params) (Client, error) {
	if err := params.Format.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnect, err)
	}
	if d.cfg.Port != 0 {
		addr = netip.AddrPortFrom(addr.Addr(), uint16(d.cfg.Port))
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "udp", addr.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConnect, addr, err)
	}

	d.logger.Info("rtp session opened", "addr", addr.String(), "payload_type", d.cfg.PayloadType)

	return &rtpClient{
		addr:      addr,
		conn:      conn,
		params:    params,
		pt:        d.cfg.PayloadType,
		ssrc:      rand.Uint32(),
		timestamp: rand.Uint32(),
		sequencer: rtp.NewRandomSequencer(),
		gain:      1,
		now:       d.now,
		logger:    d.logger,
	}, nil
}

type rtpClient struct {
	addr   netip.AddrPort
	conn   net.Conn
	params Params
	logger Logger
	now    func() time.Time

	pt        uint8
	ssrc      uint32
	timestamp uint32
	sequencer rtp.Sequencer

	gain     float64
	metadata Metadata

	started    time.Time
	framesSent int
	scratch    []byte
	closed     bool
}

func (c *rtpClient) Addr() netip.AddrPort { return c.addr }

func (c *rtpClient) SetVolume(_ context.Context, percent int) error {
	if c.closed {
		return ErrClosed
	}
	c.gain = pcm.Gain(percent)
	return nil
}

// SetMetadata keeps the metadata for logging; plain RTP has nowhere to put it.
func (c *rtpClient) SetMetadata(_ context.Context, md Metadata) error {
	if c.closed {
		return ErrClosed
	}
	c.metadata = md
	c.logger.Debug("rtp metadata recorded", "addr", c.addr.String(), "title", md.Title)
	return nil
}

// AcceptFrames sleeps until the stream is no more than LatencyFrames ahead
// of real time.
func (c *rtpClient) AcceptFrames(ctx context.Context) error {
	if c.closed {
		return ErrClosed
	}
	if c.started.IsZero() {
		return nil
	}

	ahead := c.framesSent - c.params.LatencyFrames
	if ahead <= 0 {
		return nil
	}
	wait := c.started.Add(c.params.Format.Duration(ahead)).Sub(c.now())
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return wrapIOError("accept frames", ctx.Err())
	}
}

func (c *rtpClient) SendChunk(ctx context.Context, chunk []byte) error {
	if c.closed {
		return ErrClosed
	}
	if len(chunk) == 0 {
		return nil
	}

	if cap(c.scratch) < len(chunk) {
		c.scratch = make([]byte, len(chunk))
	}
	payload := c.scratch[:len(chunk)]
	n := pcm.ApplyGain(payload, chunk, c.gain)
	payload = payload[:n]
	pcm.SwapEndian(payload)

	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         c.started.IsZero(),
			PayloadType:    c.pt,
			SequenceNumber: c.sequencer.NextSequenceNumber(),
			Timestamp:      c.timestamp,
			SSRC:           c.ssrc,
		},
		Payload: payload,
	}
	raw, err := pkt.Marshal()
	if err != nil {
		return fmt.Errorf("marshalling rtp packet: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(deadline)
	} else {
		c.conn.SetWriteDeadline(time.Time{})
	}
	if _, err := c.conn.Write(raw); err != nil {
		return wrapIOError("sending rtp packet", err)
	}

	if c.started.IsZero() {
		c.started = c.now()
	}
	frames := c.params.Format.Frames(n)
	c.framesSent += frames
	c.timestamp += uint32(frames)
	return nil
}

func (c *rtpClient) Teardown(_ context.Context) error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.logger.Info("rtp session closed", "addr", c.addr.String(), "frames", c.framesSent)
	return c.conn.Close()
}
