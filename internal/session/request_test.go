package session

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/nerrad567/airvinyl/internal/device"
)

type lookup map[string]device.Device

func (l lookup) Resolve(id string) (device.Device, bool) {
	d, ok := l[id]
	return d, ok
}

func strPtr(s string) *string { return &s }

func TestController_Apply(t *testing.T) {
	kitchen := device.Device{ID: "AABB@Kitchen", Name: "Kitchen", Addr: netip.MustParseAddrPort("192.168.1.20:7000")}
	devices := lookup{kitchen.ID: kitchen}

	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.ctrl.Apply(ctx, devices, Request{Device: strPtr(kitchen.ID), Volume: vol(30)}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	st := h.ctrl.State()
	want := Target{DeviceID: kitchen.ID, Name: "Kitchen", Addr: kitchen.Addr}
	if got := st.ActiveTarget(); got == nil || *got != want {
		t.Errorf("ActiveTarget() = %v, want %v", got, want)
	}

	err := h.ctrl.Apply(ctx, devices, Request{Device: strPtr("missing"), Volume: vol(80)})
	if !errors.Is(err, device.ErrDeviceNotFound) {
		t.Fatalf("Apply(unknown) error = %v, want %v", err, device.ErrDeviceNotFound)
	}
	st = h.ctrl.State()
	if st.Phase != PhaseActive || st.Volume == nil || *st.Volume != 30 {
		t.Errorf("state after unknown device = %+v, want unchanged", st)
	}
	if got := h.metrics.result(ResultInvalid); got != 1 {
		t.Errorf("invalid results = %d, want 1", got)
	}

	if err := h.ctrl.Apply(ctx, devices, Request{}); err != nil {
		t.Fatalf("Apply(empty) error = %v", err)
	}
	if st := h.ctrl.State(); st.Phase != PhaseIdle {
		t.Errorf("Phase = %q, want %q", st.Phase, PhaseIdle)
	}
}

func TestTargetOf(t *testing.T) {
	d := device.Device{ID: "AABB@Den", Addr: netip.MustParseAddrPort("10.0.0.5:5000")}
	got := TargetOf(d)
	if got.Name != "AABB@Den" {
		t.Errorf("Name = %q, want ID fallback", got.Name)
	}
	if got.DeviceID != d.ID || got.Addr != d.Addr {
		t.Errorf("TargetOf() = %+v", got)
	}
}
