package session

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/airvinyl/internal/capture"
	"github.com/nerrad567/airvinyl/internal/pcm"
	"github.com/nerrad567/airvinyl/internal/transport"
)

// eventLog records what the fakes were asked to do, in order.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(format string, args ...any) {
	l.mu.Lock()
	l.events = append(l.events, fmt.Sprintf(format, args...))
	l.mu.Unlock()
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *eventLog) count(event string) int {
	n := 0
	for _, e := range l.snapshot() {
		if e == event {
			n++
		}
	}
	return n
}

// index returns the position of the first occurrence of event, or -1.
func (l *eventLog) index(event string) int {
	for i, e := range l.snapshot() {
		if e == event {
			return i
		}
	}
	return -1
}

type fakeSource struct {
	log     *eventLog
	openErr error

	mu      sync.Mutex
	streams []*fakeStream
}

func (s *fakeSource) Name() string       { return "fake" }
func (s *fakeSource) Format() pcm.Format { return pcm.CD }

func (s *fakeSource) Open(context.Context) (capture.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.streams) + 1
	if s.openErr != nil {
		s.log.add("open failed")
		return nil, s.openErr
	}
	st := &fakeStream{
		id:      n,
		log:     s.log,
		data:    make(chan []byte, 16),
		fail:    make(chan error, 1),
		stopped: make(chan struct{}),
	}
	s.streams = append(s.streams, st)
	s.log.add("open %d", n)
	return st, nil
}

// stream returns the n-th opened stream, 1-based.
func (s *fakeSource) stream(t *testing.T, n int) *fakeStream {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.streams) < n {
		t.Fatalf("stream %d not opened (have %d)", n, len(s.streams))
	}
	return s.streams[n-1]
}

type fakeStream struct {
	id      int
	log     *eventLog
	data    chan []byte
	fail    chan error
	stopped chan struct{}
	once    sync.Once
	pending []byte
}

func (s *fakeStream) Read(p []byte) (int, error) {
	if len(s.pending) > 0 {
		n := copy(p, s.pending)
		s.pending = s.pending[n:]
		return n, nil
	}
	select {
	case b := <-s.data:
		n := copy(p, b)
		s.pending = b[n:]
		return n, nil
	case err := <-s.fail:
		return 0, err
	case <-s.stopped:
		return 0, capture.ErrSourceStopped
	}
}

func (s *fakeStream) Stop() error {
	s.once.Do(func() {
		s.log.add("stop %d", s.id)
		close(s.stopped)
	})
	return nil
}

func (s *fakeStream) isStopped() bool {
	select {
	case <-s.stopped:
		return true
	default:
		return false
	}
}

type fakeDialer struct {
	log *eventLog

	mu         sync.Mutex
	connectErr map[netip.AddrPort]error
	sendErr    map[netip.AddrPort]error
	volumeErr  map[netip.AddrPort]error
	clients    []*fakeClient
}

func newFakeDialer(log *eventLog) *fakeDialer {
	return &fakeDialer{
		log:        log,
		connectErr: make(map[netip.AddrPort]error),
		sendErr:    make(map[netip.AddrPort]error),
		volumeErr:  make(map[netip.AddrPort]error),
	}
}

func (d *fakeDialer) Name() string { return "fake" }

func (d *fakeDialer) Connect(_ context.Context, addr netip.AddrPort, params transport.Params) (transport.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.connectErr[addr]; err != nil {
		d.log.add("connect failed %s", addr)
		return nil, err
	}
	c := &fakeClient{
		addr:      addr,
		params:    params,
		log:       d.log,
		sendErr:   d.sendErr[addr],
		volumeErr: d.volumeErr[addr],
		sent:      make(chan int, 64),
	}
	d.clients = append(d.clients, c)
	d.log.add("connect %s", addr)
	return c, nil
}

func (d *fakeDialer) connects() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.clients)
}

// live returns the clients that have not been torn down.
func (d *fakeDialer) live() []*fakeClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*fakeClient
	for _, c := range d.clients {
		if !c.isTornDown() {
			out = append(out, c)
		}
	}
	return out
}

func (d *fakeDialer) client(t *testing.T, n int) *fakeClient {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.clients) < n {
		t.Fatalf("client %d not connected (have %d)", n, len(d.clients))
	}
	return d.clients[n-1]
}

type fakeClient struct {
	addr      netip.AddrPort
	params    transport.Params
	log       *eventLog
	sendErr   error
	volumeErr error
	sent      chan int

	mu       sync.Mutex
	volumes  []int
	torn     bool
	metadata transport.Metadata
}

func (c *fakeClient) Addr() netip.AddrPort { return c.addr }

func (c *fakeClient) SetVolume(_ context.Context, percent int) error {
	if c.volumeErr != nil {
		return c.volumeErr
	}
	c.mu.Lock()
	c.volumes = append(c.volumes, percent)
	c.mu.Unlock()
	c.log.add("volume %s %d", c.addr, percent)
	return nil
}

func (c *fakeClient) SetMetadata(_ context.Context, md transport.Metadata) error {
	c.mu.Lock()
	c.metadata = md
	c.mu.Unlock()
	c.log.add("metadata %s", c.addr)
	return transport.ErrUnsupported
}

func (c *fakeClient) AcceptFrames(context.Context) error { return nil }

func (c *fakeClient) SendChunk(_ context.Context, chunk []byte) error {
	if c.sendErr != nil {
		return c.sendErr
	}
	c.log.add("send %s", c.addr)
	select {
	case c.sent <- len(chunk):
	default:
	}
	return nil
}

func (c *fakeClient) Teardown(context.Context) error {
	c.mu.Lock()
	c.torn = true
	c.mu.Unlock()
	c.log.add("teardown %s", c.addr)
	return nil
}

func (c *fakeClient) isTornDown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.torn
}

func (c *fakeClient) volumeHistory() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.volumes...)
}

// waitSent waits for the next chunk to reach c and returns its size.
func (c *fakeClient) waitSent(t *testing.T) int {
	t.Helper()
	select {
	case n := <-c.sent:
		return n
	case <-time.After(2 * time.Second):
		t.Fatalf("no chunk reached %s", c.addr)
		return 0
	}
}

// recordingLogger keeps "level: msg" for every call.
type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordingLogger) record(level, msg string) {
	l.mu.Lock()
	l.lines = append(l.lines, level+": "+msg)
	l.mu.Unlock()
}

func (l *recordingLogger) Debug(msg string, _ ...any) { l.record("debug", msg) }
func (l *recordingLogger) Info(msg string, _ ...any)  { l.record("info", msg) }
func (l *recordingLogger) Warn(msg string, _ ...any)  { l.record("warn", msg) }
func (l *recordingLogger) Error(msg string, _ ...any) { l.record("error", msg) }

func (l *recordingLogger) count(level, msg string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, line := range l.lines {
		if line == level+": "+msg {
			n++
		}
	}
	return n
}

type recordingObserver struct {
	mu     sync.Mutex
	states []State
}

func (o *recordingObserver) SessionChanged(st State) {
	o.mu.Lock()
	o.states = append(o.states, st)
	o.mu.Unlock()
}

func (o *recordingObserver) phases() []Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Phase, len(o.states))
	for i, st := range o.states {
		out[i] = st.Phase
	}
	return out
}

type recordingTelemetry struct {
	mu     sync.Mutex
	events []string
	stats  []RelayStats
}

func (r *recordingTelemetry) RecordRelayStats(stats RelayStats) {
	r.mu.Lock()
	r.stats = append(r.stats, stats)
	r.mu.Unlock()
}

func (r *recordingTelemetry) RecordSessionEvent(event string, _ State) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *recordingTelemetry) snapshot() ([]string, []RelayStats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...), append([]RelayStats(nil), r.stats...)
}

type countingMetrics struct {
	mu      sync.Mutex
	chunks  int
	bytes   int
	sends   int
	capture int
	results map[string]int
}

func (m *countingMetrics) ChunkRelayed(n int) {
	m.mu.Lock()
	m.chunks++
	m.bytes += n
	m.mu.Unlock()
}

func (m *countingMetrics) SendFailed() {
	m.mu.Lock()
	m.sends++
	m.mu.Unlock()
}

func (m *countingMetrics) CaptureFailed() {
	m.mu.Lock()
	m.capture++
	m.mu.Unlock()
}

func (m *countingMetrics) ClientsActive(int) {}

func (m *countingMetrics) UpdateResult(result string) {
	m.mu.Lock()
	if m.results == nil {
		m.results = make(map[string]int)
	}
	m.results[result]++
	m.mu.Unlock()
}

func (m *countingMetrics) result(r string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.results[r]
}

// harness wires a running relay to fakes.
type harness struct {
	log       *eventLog
	source    *fakeSource
	dialer    *fakeDialer
	relay     *Relay
	ctrl      *Controller
	observer  *recordingObserver
	logger    *recordingLogger
	telemetry *recordingTelemetry
	metrics   *countingMetrics
	cancel    context.CancelFunc
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := &eventLog{}
	h := &harness{
		log:       log,
		source:    &fakeSource{log: log},
		dialer:    newFakeDialer(log),
		observer:  &recordingObserver{},
		logger:    &recordingLogger{},
		telemetry: &recordingTelemetry{},
		metrics:   &countingMetrics{},
	}
	h.relay = NewRelay(Config{
		Timeouts: Timeouts{
			Connect:  time.Second,
			Send:     time.Second,
			Control:  time.Second,
			Teardown: time.Second,
		},
		ReportInterval: time.Hour,
	}, h.source, h.dialer)
	h.relay.SetLogger(h.logger)
	h.relay.SetMetrics(h.metrics)
	h.relay.SetTelemetry(h.telemetry)
	h.relay.AddObserver(h.observer)
	h.ctrl = NewController(h.relay)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go h.relay.Run(ctx)
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.cancel()
	<-h.relay.Done()
}

func (h *harness) update(t *testing.T, target *Target, volume *int) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.ctrl.Update(ctx, target, volume)
}

func (h *harness) mustUpdate(t *testing.T, target *Target, volume *int) {
	t.Helper()
	if err := h.update(t, target, volume); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func target(addr string) *Target {
	ap := netip.MustParseAddrPort(addr)
	return &Target{DeviceID: "id-" + ap.Addr().String(), Name: "Speaker " + ap.Addr().String(), Addr: ap}
}

func vol(v int) *int { return &v }

// audio returns n frames of CD audio.
func audio(frames int) []byte {
	return make([]byte, frames*pcm.CD.FrameSize())
}

var errBoom = errors.New("boom")
