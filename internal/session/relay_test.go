package session

import (
	"context"
	"errors"
	"io"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/airvinyl/internal/pcm"
	"github.com/nerrad567/airvinyl/internal/transport"
)

func TestUpdate_ClearWhenIdleIsNoop(t *testing.T) {
	h := newHarness(t)

	for i := range 3 {
		if err := h.update(t, nil, nil); err != nil {
			t.Fatalf("Update(nil, nil) #%d error = %v", i, err)
		}
	}

	st := h.ctrl.State()
	if st.Phase != PhaseIdle {
		t.Errorf("Phase = %q, want %q", st.Phase, PhaseIdle)
	}
	if st.Target != nil {
		t.Errorf("Target = %v, want nil", st.Target)
	}
	if got := h.log.snapshot(); len(got) != 0 {
		t.Errorf("events = %v, want none", got)
	}
}

func TestUpdate_IdleToActiveAppliesVolumeBeforeFirstChunk(t *testing.T) {
	h := newHarness(t)
	a := target("192.168.1.20:5000")

	h.mustUpdate(t, a, vol(40))

	st := h.ctrl.State()
	if st.Phase != PhaseActive {
		t.Fatalf("Phase = %q, want %q", st.Phase, PhaseActive)
	}
	if st.SessionID == "" {
		t.Error("SessionID is empty")
	}
	if st.Clients != 1 {
		t.Errorf("Clients = %d, want 1", st.Clients)
	}
	if got := st.ActiveTarget(); got == nil || got.Addr != a.Addr {
		t.Errorf("ActiveTarget() = %v, want %v", got, a.Addr)
	}

	h.source.stream(t, 1).data <- audio(pcm.MaxChunkFrames)
	client := h.dialer.client(t, 1)
	if n := client.waitSent(t); n != pcm.MaxChunkFrames*4 {
		t.Errorf("chunk size = %d, want %d", n, pcm.MaxChunkFrames*4)
	}

	order := []string{
		"open 1",
		"connect 192.168.1.20:5000",
		"volume 192.168.1.20:5000 40",
		"metadata 192.168.1.20:5000",
		"send 192.168.1.20:5000",
	}
	for i := 1; i < len(order); i++ {
		before, after := h.log.index(order[i-1]), h.log.index(order[i])
		if before < 0 || after < 0 || before > after {
			t.Errorf("event %q (at %d) should precede %q (at %d); log = %v",
				order[i-1], before, order[i], after, h.log.snapshot())
		}
	}

	if client.params.Format != pcm.CD {
		t.Errorf("Params.Format = %v, want %v", client.params.Format, pcm.CD)
	}
	if client.params.LatencyFrames != DefaultLatencyFrames {
		t.Errorf("Params.LatencyFrames = %d, want %d", client.params.LatencyFrames, DefaultLatencyFrames)
	}
	client.mu.Lock()
	sessionID := client.metadata.SessionID
	client.mu.Unlock()
	if sessionID != st.SessionID {
		t.Errorf("metadata SessionID = %q, want %q", sessionID, st.SessionID)
	}
}

func TestUpdate_SwitchTargetLeavesOneClient(t *testing.T) {
	h := newHarness(t)
	a := target("192.168.1.20:5000")
	b := target("192.168.1.30:7000")

	h.mustUpdate(t, a, vol(30))
	h.mustUpdate(t, b, vol(60))

	live := h.dialer.live()
	if len(live) != 1 {
		t.Fatalf("live clients = %d, want 1", len(live))
	}
	if live[0].addr != b.Addr {
		t.Errorf("live client = %s, want %s", live[0].addr, b.Addr)
	}
	if got := live[0].volumeHistory(); !slices.Equal(got, []int{60}) {
		t.Errorf("volume on b = %v, want [60]", got)
	}

	stopOld := h.log.index("stop 1")
	teardownA := h.log.index("teardown 192.168.1.20:5000")
	connectB := h.log.index("connect 192.168.1.30:7000")
	if stopOld < 0 || teardownA < 0 || connectB < 0 {
		t.Fatalf("missing events in %v", h.log.snapshot())
	}
	if stopOld > teardownA {
		t.Errorf("capture stopped after teardown: %v", h.log.snapshot())
	}
	if teardownA > connectB {
		t.Errorf("b connected before a was torn down: %v", h.log.snapshot())
	}

	st := h.ctrl.State()
	if st.Phase != PhaseActive || st.Target.Addr != b.Addr {
		t.Errorf("State = %+v, want active on %s", st, b.Addr)
	}
	if *st.Volume != 60 {
		t.Errorf("Volume = %d, want 60", *st.Volume)
	}
}

func TestUpdate_SameTargetReusesConnection(t *testing.T) {
	h := newHarness(t)
	a := target("192.168.1.20:5000")

	h.mustUpdate(t, a, vol(30))
	h.mustUpdate(t, a, vol(70))
	h.mustUpdate(t, a, nil)

	if got := h.dialer.connects(); got != 1 {
		t.Errorf("connects = %d, want 1", got)
	}
	if got := h.log.count("open 1"); got != 1 {
		t.Errorf("capture opens = %d, want 1", got)
	}
	client := h.dialer.client(t, 1)
	if got := client.volumeHistory(); !slices.Equal(got, []int{30, 70}) {
		t.Errorf("volumes = %v, want [30 70]", got)
	}
	if client.isTornDown() {
		t.Error("client was torn down")
	}
	if st := h.ctrl.State(); st.Phase != PhaseActive {
		t.Errorf("Phase = %q, want %q", st.Phase, PhaseActive)
	}
}

func TestUpdate_VolumeKeptAcrossReconnect(t *testing.T) {
	h := newHarness(t)

	h.mustUpdate(t, target("192.168.1.20:5000"), vol(25))
	h.mustUpdate(t, target("192.168.1.30:5000"), nil)

	if got := h.dialer.client(t, 2).volumeHistory(); !slices.Equal(got, []int{25}) {
		t.Errorf("volume on new client = %v, want [25]", got)
	}
}

func TestUpdate_ReportedVolumeIsSticky(t *testing.T) {
	a := target("192.168.1.20:5000")
	b := target("192.168.1.30:5000")

	tests := []struct {
		name       string
		next       *Target
		wantClient int
	}{
		{name: "same target", next: a, wantClient: 1},
		{name: "switch target", next: b, wantClient: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.mustUpdate(t, a, vol(50))
			h.mustUpdate(t, tt.next, nil)

			st := h.ctrl.State()
			if st.Volume == nil || *st.Volume != 50 {
				t.Errorf("Volume = %v, want 50", st.Volume)
			}
			if got := h.dialer.client(t, tt.wantClient).volumeHistory(); !slices.Equal(got, []int{50}) {
				t.Errorf("applied volume = %v, want [50]", got)
			}
		})
	}
}

func TestUpdate_ReportedVolumeAfterClear(t *testing.T) {
	h := newHarness(t)
	h.mustUpdate(t, target("192.168.1.20:5000"), vol(35))
	h.mustUpdate(t, nil, nil)

	st := h.ctrl.State()
	if st.Volume == nil || *st.Volume != 35 {
		t.Errorf("Volume = %v, want 35", st.Volume)
	}
}

func TestUpdate_UnsupportedMetadataLogsAtDebug(t *testing.T) {
	h := newHarness(t)
	h.mustUpdate(t, target("192.168.1.20:5000"), nil)

	if got := h.logger.count("warn", "failed to set metadata"); got != 0 {
		t.Errorf("warn metadata messages = %d, want 0", got)
	}
	if got := h.logger.count("debug", "transport does not carry metadata"); got != 1 {
		t.Errorf("debug metadata messages = %d, want 1", got)
	}
}

func TestUpdate_ClearStopsEverything(t *testing.T) {
	h := newHarness(t)

	h.mustUpdate(t, target("192.168.1.20:5000"), vol(50))
	h.mustUpdate(t, nil, nil)

	if !h.source.stream(t, 1).isStopped() {
		t.Error("capture still running")
	}
	if live := h.dialer.live(); len(live) != 0 {
		t.Errorf("live clients = %d, want 0", len(live))
	}
	st := h.ctrl.State()
	if st.Phase != PhaseIdle {
		t.Errorf("Phase = %q, want %q", st.Phase, PhaseIdle)
	}
	if st.ActiveTarget() != nil {
		t.Errorf("ActiveTarget() = %v, want nil", st.ActiveTarget())
	}

	events, _ := h.telemetry.snapshot()
	if !slices.Equal(events, []string{EventStarted, EventStopped}) {
		t.Errorf("session events = %v, want [started stopped]", events)
	}
}

func TestUpdate_CaptureStartFailure(t *testing.T) {
	h := newHarness(t)
	h.source.openErr = errBoom

	err := h.update(t, target("192.168.1.20:5000"), vol(50))
	if !errors.Is(err, ErrCaptureStart) {
		t.Fatalf("Update() error = %v, want %v", err, ErrCaptureStart)
	}
	if !errors.Is(err, errBoom) {
		t.Errorf("Update() error = %v, want wrapped %v", err, errBoom)
	}
	if got := h.dialer.connects(); got != 0 {
		t.Errorf("connects = %d, want 0", got)
	}

	st := h.ctrl.State()
	if st.Phase != PhaseFailed {
		t.Errorf("Phase = %q, want %q", st.Phase, PhaseFailed)
	}
	if st.ActiveTarget() != nil {
		t.Error("failed session reports an active target")
	}
	if st.LastError == "" {
		t.Error("LastError is empty")
	}
	if got := h.metrics.result(ResultFailed); got != 1 {
		t.Errorf("failed results = %d, want 1", got)
	}
}

func TestUpdate_ConnectFailureStopsCapture(t *testing.T) {
	h := newHarness(t)
	a := target("192.168.1.20:5000")
	h.dialer.connectErr[a.Addr] = transport.ErrConnect

	err := h.update(t, a, nil)
	if !errors.Is(err, ErrConnect) {
		t.Fatalf("Update() error = %v, want %v", err, ErrConnect)
	}
	if !h.source.stream(t, 1).isStopped() {
		t.Error("capture left running after connect failure")
	}
	if st := h.ctrl.State(); st.Phase != PhaseFailed {
		t.Errorf("Phase = %q, want %q", st.Phase, PhaseFailed)
	}
}

func TestUpdate_InitialVolumeFailureIsConnectError(t *testing.T) {
	h := newHarness(t)
	a := target("192.168.1.20:5000")
	h.dialer.volumeErr[a.Addr] = transport.ErrTimeout

	err := h.update(t, a, vol(10))
	if !errors.Is(err, ErrConnect) {
		t.Fatalf("Update() error = %v, want %v", err, ErrConnect)
	}
	if !h.dialer.client(t, 1).isTornDown() {
		t.Error("client not torn down after volume failure")
	}
	if !h.source.stream(t, 1).isStopped() {
		t.Error("capture left running")
	}
}

func TestRelay_CaptureLossThenClear(t *testing.T) {
	h := newHarness(t)
	h.mustUpdate(t, target("192.168.1.20:5000"), vol(50))

	h.source.stream(t, 1).fail <- io.EOF
	waitFor(t, "failed phase", func() bool { return h.ctrl.State().Phase == PhaseFailed })

	if !h.dialer.client(t, 1).isTornDown() {
		t.Error("client not torn down after capture loss")
	}
	if st := h.ctrl.State(); st.ActiveTarget() != nil {
		t.Error("failed session reports an active target")
	}

	h.mustUpdate(t, nil, nil)
	if st := h.ctrl.State(); st.Phase != PhaseIdle {
		t.Errorf("Phase = %q, want %q", st.Phase, PhaseIdle)
	}
	if got := h.dialer.connects(); got != 1 {
		t.Errorf("connects = %d, want 1", got)
	}
}

func TestRelay_FailedSessionRecoversOnNewUpdate(t *testing.T) {
	h := newHarness(t)
	a := target("192.168.1.20:5000")
	h.mustUpdate(t, a, nil)

	h.source.stream(t, 1).fail <- errBoom
	waitFor(t, "failed phase", func() bool { return h.ctrl.State().Phase == PhaseFailed })

	h.mustUpdate(t, a, nil)
	if st := h.ctrl.State(); st.Phase != PhaseActive {
		t.Errorf("Phase = %q, want %q", st.Phase, PhaseActive)
	}
	if got := h.dialer.connects(); got != 2 {
		t.Errorf("connects = %d, want 2", got)
	}
}

func TestRelay_SendFailureDropsClient(t *testing.T) {
	h := newHarness(t)
	a := target("192.168.1.20:5000")
	h.dialer.sendErr[a.Addr] = transport.ErrClosed
	h.mustUpdate(t, a, nil)

	h.source.stream(t, 1).data <- audio(100)
	waitFor(t, "failed phase", func() bool { return h.ctrl.State().Phase == PhaseFailed })

	if !h.dialer.client(t, 1).isTornDown() {
		t.Error("failed client not torn down")
	}
	if !h.source.stream(t, 1).isStopped() {
		t.Error("capture still running with no clients")
	}
	h.metrics.mu.Lock()
	sends := h.metrics.sends
	h.metrics.mu.Unlock()
	if sends != 1 {
		t.Errorf("send failures = %d, want 1", sends)
	}
}

func TestRelay_RelaysEveryChunk(t *testing.T) {
	h := newHarness(t)
	h.mustUpdate(t, target("192.168.1.20:5000"), nil)
	client := h.dialer.client(t, 1)
	stream := h.source.stream(t, 1)

	sizes := []int{pcm.MaxChunkFrames, 10, 1}
	for _, frames := range sizes {
		stream.data <- audio(frames)
		if got := client.waitSent(t); got != frames*4 {
			t.Errorf("chunk = %d bytes, want %d", got, frames*4)
		}
	}

	waitFor(t, "metrics", func() bool {
		h.metrics.mu.Lock()
		defer h.metrics.mu.Unlock()
		return h.metrics.chunks == len(sizes)
	})
}

func TestRelay_ShutdownReleasesPipeline(t *testing.T) {
	h := newHarness(t)
	h.mustUpdate(t, target("192.168.1.20:5000"), vol(50))

	h.stop()

	if !h.source.stream(t, 1).isStopped() {
		t.Error("capture still running after shutdown")
	}
	if !h.dialer.client(t, 1).isTornDown() {
		t.Error("client not torn down after shutdown")
	}
	if st := h.ctrl.State(); st.Phase != PhaseIdle {
		t.Errorf("Phase = %q, want %q", st.Phase, PhaseIdle)
	}
	if err := h.update(t, nil, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Update() after shutdown error = %v, want %v", err, ErrClosed)
	}
}

func TestRelay_RunTwice(t *testing.T) {
	h := newHarness(t)
	// A round trip through the loop proves the harness's Run owns the relay.
	h.mustUpdate(t, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	done := make(chan error, 1)
	go func() { done <- h.relay.Run(ctx) }()

	select {
	case err := <-done:
		if !errors.Is(err, ErrRelayRunning) {
			t.Errorf("second Run() error = %v, want %v", err, ErrRelayRunning)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second Run() did not return")
	}
}

func TestRelay_ObserversSeeFinalState(t *testing.T) {
	h := newHarness(t)
	h.mustUpdate(t, target("192.168.1.20:5000"), nil)

	waitFor(t, "active notification", func() bool {
		phases := h.observer.phases()
		return len(phases) > 0 && phases[len(phases)-1] == PhaseActive
	})

	h.mustUpdate(t, nil, nil)
	waitFor(t, "idle notification", func() bool {
		phases := h.observer.phases()
		return len(phases) > 0 && phases[len(phases)-1] == PhaseIdle
	})
}

func TestRelay_ReportsStats(t *testing.T) {
	log := &eventLog{}
	source := &fakeSource{log: log}
	dialer := newFakeDialer(log)
	tel := &recordingTelemetry{}

	relay := NewRelay(Config{ReportInterval: 20 * time.Millisecond}, source, dialer)
	relay.SetTelemetry(tel)
	ctrl := NewController(relay)

	ctx, cancel := context.WithCancel(context.Background())
	go relay.Run(ctx)
	defer func() {
		cancel()
		<-relay.Done()
	}()

	if err := ctrl.Update(ctx, target("192.168.1.20:5000"), nil); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	source.stream(t, 1).data <- audio(8)
	dialer.client(t, 1).waitSent(t)

	waitFor(t, "relay stats", func() bool {
		_, stats := tel.snapshot()
		for _, s := range stats {
			if s.Bytes == 32 && s.Chunks == 1 {
				return true
			}
		}
		return false
	})
}

func TestController_InvalidVolume(t *testing.T) {
	tests := []struct {
		name   string
		volume int
	}{
		{"negative", -1},
		{"above max", 101},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			err := h.update(t, target("192.168.1.20:5000"), vol(tt.volume))
			if !errors.Is(err, ErrInvalidVolume) {
				t.Errorf("Update() error = %v, want %v", err, ErrInvalidVolume)
			}
			if got := h.ctrl.State(); got.Phase != PhaseIdle || got.Target != nil {
				t.Errorf("State = %+v, want untouched idle state", got)
			}
			if got := h.dialer.connects(); got != 0 {
				t.Errorf("connects = %d, want 0", got)
			}
		})
	}
}

func TestController_ConcurrentUpdatesKeepOnePipeline(t *testing.T) {
	h := newHarness(t)
	targets := []*Target{
		target("192.168.1.20:5000"),
		target("192.168.1.30:5000"),
		target("192.168.1.40:5000"),
		nil,
	}

	var wg sync.WaitGroup
	for i := range 40 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := h.update(t, targets[i%len(targets)], vol(i%101)); err != nil {
				t.Errorf("Update() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	st := h.ctrl.State()
	live := h.dialer.live()
	switch st.Phase {
	case PhaseActive:
		if len(live) != 1 || live[0].addr != st.Target.Addr {
			t.Errorf("active on %v with live clients %d", st.Target, len(live))
		}
	case PhaseIdle:
		if len(live) != 0 {
			t.Errorf("idle with %d live clients", len(live))
		}
	default:
		t.Errorf("Phase = %q, want active or idle", st.Phase)
	}
}

func TestController_UpdateHonoursContext(t *testing.T) {
	relay := NewRelay(Config{}, &fakeSource{log: &eventLog{}}, newFakeDialer(&eventLog{}))
	ctrl := NewController(relay)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := ctrl.Update(ctx, nil, nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Update() without running relay error = %v, want %v", err, context.DeadlineExceeded)
	}
}
