package session

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/airvinyl/internal/capture"
	"github.com/nerrad567/airvinyl/internal/infrastructure/config"
	"github.com/nerrad567/airvinyl/internal/pcm"
	"github.com/nerrad567/airvinyl/internal/transport"
)

// Defaults applied to zero Config fields.
const (
	DefaultLatencyFrames   = 44100
	DefaultConnectTimeout  = 10 * time.Second
	DefaultSendTimeout     = 2 * time.Second
	DefaultControlTimeout  = 3 * time.Second
	DefaultTeardownTimeout = 5 * time.Second
	DefaultReportInterval  = 10 * time.Second

	// readerStopWait bounds how long a stop waits for the capture reader.
	readerStopWait = 2 * time.Second
)

// Session events passed to Telemetry.
const (
	EventStarted = "started"
	EventStopped = "stopped"
	EventFailed  = "failed"
)

// ErrRelayRunning is returned by a second call to Run.
var ErrRelayRunning = errors.New("session: relay already running")

// Timeouts bounds each transport operation.
type Timeouts struct {
	Connect  time.Duration
	Send     time.Duration
	Control  time.Duration
	Teardown time.Duration
}

// Config tunes a Relay.
type Config struct {
	Format         pcm.Format
	ChunkFrames    int
	LatencyFrames  int
	Timeouts       Timeouts
	ReportInterval time.Duration

	// Metadata is sent to each receiver after connecting. SessionID is
	// filled in per session.
	Metadata transport.Metadata
}

// NewConfig builds a relay Config from the loaded configuration.
func NewConfig(cfg *config.Config) Config {
	return Config{
		Format: pcm.Format{
			SampleRate:    cfg.Audio.SampleRate,
			Channels:      cfg.Audio.Channels,
			BitsPerSample: cfg.Audio.BitsPerSample,
		},
		ChunkFrames:   cfg.Audio.ChunkFrames,
		LatencyFrames: cfg.Transport.LatencyFrames,
		Timeouts: Timeouts{
			Connect:  cfg.Transport.Timeouts.Connect,
			Send:     cfg.Transport.Timeouts.Send,
			Control:  cfg.Transport.Timeouts.Control,
			Teardown: cfg.Transport.Timeouts.Teardown,
		},
		ReportInterval: cfg.GetReportInterval(),
		Metadata:       transport.Metadata{Title: "Air Vinyl", Artist: "Live input"},
	}
}

func (c Config) withDefaults() Config {
	if c.Format == (pcm.Format{}) {
		c.Format = pcm.CD
	}
	if c.ChunkFrames <= 0 || c.ChunkFrames > pcm.MaxChunkFrames {
		c.ChunkFrames = pcm.MaxChunkFrames
	}
	if c.LatencyFrames <= 0 {
		c.LatencyFrames = DefaultLatencyFrames
	}
	if c.Timeouts.Connect <= 0 {
		c.Timeouts.Connect = DefaultConnectTimeout
	}
	if c.Timeouts.Send <= 0 {
		c.Timeouts.Send = DefaultSendTimeout
	}
	if c.Timeouts.Control <= 0 {
		c.Timeouts.Control = DefaultControlTimeout
	}
	if c.Timeouts.Teardown <= 0 {
		c.Timeouts.Teardown = DefaultTeardownTimeout
	}
	if c.ReportInterval <= 0 {
		c.ReportInterval = DefaultReportInterval
	}
	return c
}

// Logger defines the logging interface used by the session package.
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

// Observer is notified after each state change. Notifications are delivered
// from a dedicated goroutine in order; a slow observer may see intermediate
// states coalesced.
type Observer interface {
	SessionChanged(st State)
}

// Metrics receives relay counters.
type Metrics interface {
	ChunkRelayed(bytes int)
	SendFailed()
	CaptureFailed()
	ClientsActive(n int)
	UpdateResult(result string)
}

// Telemetry receives relay statistics and session events for storage.
type Telemetry interface {
	RecordRelayStats(stats RelayStats)
	RecordSessionEvent(event string, st State)
}

type noopMetrics struct{}

func (noopMetrics) ChunkRelayed(int)    {}
func (noopMetrics) SendFailed()         {}
func (noopMetrics) CaptureFailed()      {}
func (noopMetrics) ClientsActive(int)   {}
func (noopMetrics) UpdateResult(string) {}

type noopTelemetry struct{}

func (noopTelemetry) RecordRelayStats(RelayStats)      {}
func (noopTelemetry) RecordSessionEvent(string, State) {}

// command is a desired state handed from Update to the relay goroutine.
type command struct {
	target *Target
	volume *int
	reply  chan error
}

// Relay is the audio relay loop. It owns the capture stream and every
// transport client; nothing else starts or stops them.
type Relay struct {
	cfg       Config
	source    capture.Source
	dialer    transport.Dialer
	logger    Logger
	metrics   Metrics
	telemetry Telemetry

	commands chan command
	done     chan struct{}
	started  atomic.Bool

	mu    sync.RWMutex
	state State

	obsMu     sync.RWMutex
	observers []Observer
	notify    chan State

	// Owned by the Run goroutine.
	reader  *captureReader
	clients map[netip.AddrPort]transport.Client
	volume  *int
	stats   RelayStats
	now     func() time.Time
}

// NewRelay creates a relay moving audio from source to clients of dialer.
func NewRelay(cfg Config, source capture.Source, dialer transport.Dialer) *Relay {
	r := &Relay{
		cfg:       cfg.withDefaults(),
		source:    source,
		dialer:    dialer,
		logger:    noopLogger{},
		metrics:   noopMetrics{},
		telemetry: noopTelemetry{},
		commands:  make(chan command),
		done:      make(chan struct{}),
		notify:    make(chan State, 1),
		clients:   make(map[netip.AddrPort]transport.Client),
		now:       time.Now,
	}
	r.state = State{Phase: PhaseIdle, Since: r.now()}
	return r
}

// SetLogger sets the logger. Call before Run.
func (r *Relay) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	r.logger = logger
}

// SetMetrics sets the metrics sink. Call before Run.
func (r *Relay) SetMetrics(m Metrics) {
	if m == nil {
		m = noopMetrics{}
	}
	r.metrics = m
}

// SetTelemetry sets the telemetry sink. Call before Run.
func (r *Relay) SetTelemetry(t Telemetry) {
	if t == nil {
		t = noopTelemetry{}
	}
	r.telemetry = t
}

// AddObserver registers an observer for state changes.
func (r *Relay) AddObserver(o Observer) {
	r.obsMu.Lock()
	r.observers = append(r.observers, o)
	r.obsMu.Unlock()
}

// State returns a snapshot of the session state.
func (r *Relay) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.Clone()
}

// Done is closed once Run has returned and every resource is released.
func (r *Relay) Done() <-chan struct{} {
	return r.done
}

// Run drives the relay until ctx is cancelled, then stops capture and tears
// down every client. It may be called once.
func (r *Relay) Run(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return ErrRelayRunning
	}
	defer close(r.done)

	dispatched := make(chan struct{})
	go r.dispatch(dispatched)
	defer func() {
		close(r.notify)
		<-dispatched
	}()
	defer r.shutdown(ctx)

	ticker := time.NewTicker(r.cfg.ReportInterval)
	defer ticker.Stop()

	r.logger.Info("relay started",
		"source", r.source.Name(),
		"transport", r.dialer.Name(),
		"format", r.cfg.Format.String(),
	)

	for {
		var chunks <-chan chunk
		if r.reader != nil {
			chunks = r.reader.out
		}

		select {
		case <-ctx.Done():
			return nil
		case cmd := <-r.commands:
			cmd.reply <- r.apply(ctx, cmd)
		case c := <-chunks:
			r.relay(ctx, c)
		case <-ticker.C:
			r.report()
		}
	}
}

// submit hands cmd to the relay and waits for its result.
func (r *Relay) submit(ctx context.Context, cmd command) error {
	select {
	case r.commands <- cmd:
	case <-r.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-cmd.reply:
		return err
	case <-r.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// apply moves the pipeline to the desired state in cmd.
func (r *Relay) apply(ctx context.Context, cmd command) error {
	if cmd.volume != nil {
		v := *cmd.volume
		r.volume = &v
	}

	prev := r.State()
	if cmd.target != nil && r.live() && prev.Target != nil && prev.Target.Addr == cmd.target.Addr {
		return r.reuse(ctx, cmd)
	}

	if r.reader != nil || len(r.clients) > 0 {
		r.logger.Info("stopping session", "session_id", prev.SessionID)
		r.teardown(ctx)
		if prev.Phase == PhaseActive {
			r.telemetry.RecordSessionEvent(EventStopped, prev)
		}
	}

	if cmd.target == nil {
		r.setState(State{Phase: PhaseIdle, Volume: r.currentVolume(), Since: r.now()})
		return nil
	}
	return r.start(ctx, cmd)
}

// currentVolume returns a copy of the sticky volume, or nil if none was set.
func (r *Relay) currentVolume() *int {
	if r.volume == nil {
		return nil
	}
	v := *r.volume
	return &v
}

// live reports whether capture is running with at least one client.
func (r *Relay) live() bool {
	return r.reader != nil && len(r.clients) > 0
}

// reuse keeps the current pipeline and only applies the volume change.
func (r *Relay) reuse(ctx context.Context, cmd command) error {
	if cmd.volume != nil {
		var failed []error
		for addr, client := range r.clients {
			if err := r.setVolume(ctx, client, *cmd.volume); err != nil {
				r.logger.Warn("volume change failed, dropping client", "addr", addr.String(), "error", err)
				failed = append(failed, err)
				r.dropClient(ctx, addr)
			}
		}
		if len(r.clients) == 0 {
			err := fmt.Errorf("%w: %w", ErrVolume, errors.Join(failed...))
			r.fail(ctx, err)
			return err
		}
	}

	r.updateState(func(s *State) {
		t := *cmd.target
		s.Target = &t
		s.Volume = r.currentVolume()
		s.Clients = len(r.clients)
	})
	return nil
}

// start builds a new pipeline for cmd.target: capture first, then the
// transport client with volume applied before the first chunk.
func (r *Relay) start(ctx context.Context, cmd command) error {
	target := *cmd.target
	r.setState(State{Phase: PhaseConnecting, Target: &target, Volume: r.currentVolume(), Since: r.now()})

	stream, err := r.source.Open(ctx)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrCaptureStart, err)
		r.metrics.CaptureFailed()
		r.fail(ctx, err)
		return err
	}

	client, err := r.connect(ctx, target)
	if err != nil {
		if stopErr := stream.Stop(); stopErr != nil {
			r.logger.Debug("stopping capture after failed connect", "error", stopErr)
		}
		r.fail(ctx, err)
		return err
	}

	sessionID := uuid.NewString()
	md := r.cfg.Metadata
	md.SessionID = sessionID
	mctx, cancel := context.WithTimeout(ctx, r.cfg.Timeouts.Control)
	if err := client.SetMetadata(mctx, md); err != nil {
		if errors.Is(err, transport.ErrUnsupported) {
			r.logger.Debug("transport does not carry metadata", "addr", target.Addr.String())
		} else {
			r.logger.Warn("failed to set metadata", "addr", target.Addr.String(), "error", err)
		}
	}
	cancel()

	r.clients[target.Addr] = client
	r.reader = startReader(stream, r.cfg.ChunkFrames*r.cfg.Format.FrameSize(), r.cfg.Format.FrameSize())
	r.stats = RelayStats{SessionID: sessionID, Target: target.Addr.String()}
	r.metrics.ClientsActive(len(r.clients))

	r.setState(State{
		Phase:     PhaseActive,
		Target:    &target,
		Volume:    r.currentVolume(),
		SessionID: sessionID,
		Since:     r.now(),
		Clients:   len(r.clients),
	})
	st := r.State()
	r.telemetry.RecordSessionEvent(EventStarted, st)
	r.logger.Info("session started",
		"session_id", sessionID,
		"device", target.DeviceID,
		"addr", target.Addr.String(),
		"source", r.source.Name(),
	)
	return nil
}

// connect dials target and applies the current volume.
func (r *Relay) connect(ctx context.Context, target Target) (transport.Client, error) {
	cctx, cancel := context.WithTimeout(ctx, r.cfg.Timeouts.Connect)
	defer cancel()

	client, err := r.dialer.Connect(cctx, target.Addr, transport.Params{
		Format:        r.cfg.Format,
		LatencyFrames: r.cfg.LatencyFrames,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConnect, target.Addr, err)
	}

	if r.volume != nil {
		if err := r.setVolume(ctx, client, *r.volume); err != nil {
			r.closeClient(ctx, client)
			return nil, fmt.Errorf("%w: setting volume on %s: %w", ErrConnect, target.Addr, err)
		}
	}
	return client, nil
}

func (r *Relay) setVolume(ctx context.Context, client transport.Client, percent int) error {
	vctx, cancel := context.WithTimeout(ctx, r.cfg.Timeouts.Control)
	defer cancel()
	return client.SetVolume(vctx, percent)
}

// relay forwards one chunk to every client.
func (r *Relay) relay(ctx context.Context, c chunk) {
	if c.err != nil {
		r.logger.Warn("capture ended", "source", r.source.Name(), "error", c.err)
		r.metrics.CaptureFailed()
		r.fail(ctx, fmt.Errorf("capture lost: %w", c.err))
		return
	}

	for addr, client := range r.clients {
		if err := r.send(ctx, client, c.data); err != nil {
			r.logger.Warn("send failed, dropping client", "addr", addr.String(), "error", err)
			r.metrics.SendFailed()
			r.stats.SendErrors++
			r.dropClient(ctx, addr)
		}
	}

	if len(r.clients) == 0 {
		r.fail(ctx, errors.New("all transport clients failed"))
		return
	}

	r.stats.Bytes += int64(len(c.data))
	r.stats.Chunks++
	r.metrics.ChunkRelayed(len(c.data))
}

func (r *Relay) send(ctx context.Context, client transport.Client, data []byte) error {
	sctx, cancel := context.WithTimeout(ctx, r.cfg.Timeouts.Send)
	defer cancel()
	if err := client.AcceptFrames(sctx); err != nil {
		return err
	}
	return client.SendChunk(sctx, data)
}

// dropClient tears down and forgets one client.
func (r *Relay) dropClient(ctx context.Context, addr netip.AddrPort) {
	client, ok := r.clients[addr]
	if !ok {
		return
	}
	delete(r.clients, addr)
	r.closeClient(ctx, client)
	r.metrics.ClientsActive(len(r.clients))
	r.updateState(func(s *State) { s.Clients = len(r.clients) })
}

func (r *Relay) closeClient(ctx context.Context, client transport.Client) {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.Timeouts.Teardown)
	defer cancel()
	if err := client.Teardown(tctx); err != nil {
		r.logger.Warn("teardown failed", "addr", client.Addr().String(), "error", err)
	}
}

// teardown stops capture first, then tears down every client.
func (r *Relay) teardown(ctx context.Context) {
	if r.reader != nil {
		if err := r.reader.stop(readerStopWait); err != nil {
			r.logger.Warn("stopping capture", "source", r.source.Name(), "error", err)
		}
		r.reader = nil
	}
	for addr, client := range r.clients {
		delete(r.clients, addr)
		r.closeClient(ctx, client)
	}
	r.metrics.ClientsActive(0)
}

// fail releases the pipeline and marks the session failed. The desired
// target is kept; no audio is relayed until the next Update.
func (r *Relay) fail(ctx context.Context, cause error) {
	r.teardown(ctx)
	r.updateState(func(s *State) {
		s.Phase = PhaseFailed
		s.Clients = 0
		s.LastError = cause.Error()
		s.Since = r.now()
	})
	st := r.State()
	r.telemetry.RecordSessionEvent(EventFailed, st)
	r.logger.Error("session failed", "session_id", st.SessionID, "error", cause)
}

// shutdown releases everything on the way out of Run.
func (r *Relay) shutdown(ctx context.Context) {
	prev := r.State()
	r.teardown(ctx)
	if prev.Phase == PhaseActive {
		r.telemetry.RecordSessionEvent(EventStopped, prev)
	}
	r.setState(State{Phase: PhaseIdle, Volume: r.currentVolume(), Since: r.now()})
	r.logger.Info("relay stopped")
}

// report flushes interval statistics.
func (r *Relay) report() {
	if !r.live() {
		return
	}
	stats := r.stats
	stats.Interval = r.cfg.ReportInterval
	stats.Clients = len(r.clients)
	r.telemetry.RecordRelayStats(stats)
	r.logger.Debug("relay stats",
		"session_id", stats.SessionID,
		"bytes", stats.Bytes,
		"chunks", stats.Chunks,
		"send_errors", stats.SendErrors,
	)
	r.stats = RelayStats{SessionID: stats.SessionID, Target: stats.Target}
}

func (r *Relay) setState(st State) {
	r.mu.Lock()
	r.state = st
	snapshot := r.state.Clone()
	r.mu.Unlock()
	r.publish(snapshot)
}

func (r *Relay) updateState(fn func(*State)) {
	r.mu.Lock()
	fn(&r.state)
	snapshot := r.state.Clone()
	r.mu.Unlock()
	r.publish(snapshot)
}

// publish queues st for observers, replacing an undelivered older state.
func (r *Relay) publish(st State) {
	if !r.started.Load() {
		return
	}
	for {
		select {
		case r.notify <- st:
			return
		default:
		}
		select {
		case <-r.notify:
		default:
		}
	}
}

func (r *Relay) dispatch(done chan<- struct{}) {
	defer close(done)
	for st := range r.notify {
		r.obsMu.RLock()
		observers := append([]Observer(nil), r.observers...)
		r.obsMu.RUnlock()
		for _, o := range observers {
			o.SessionChanged(st)
		}
	}
}
