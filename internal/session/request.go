package session

import (
	"context"
	"fmt"

	"github.com/nerrad567/airvinyl/internal/device"
)

// Request is a desired-state change as remote clients express it: a device
// ID rather than an address. A nil Device stops streaming.
type Request struct {
	Device *string `json:"device"`
	Volume *int    `json:"volume"`
}

// DeviceLookup finds currently registered devices.
type DeviceLookup interface {
	Resolve(id string) (device.Device, bool)
}

// TargetOf converts a registered device into a session target.
func TargetOf(d device.Device) Target {
	return Target{DeviceID: d.ID, Name: d.DisplayName(), Addr: d.Addr}
}

// Apply resolves req against devices and submits it with Update.
//
// An unknown device ID returns device.ErrDeviceNotFound and leaves the
// session untouched.
func (c *Controller) Apply(ctx context.Context, devices DeviceLookup, req Request) error {
	var target *Target
	if req.Device != nil {
		d, ok := devices.Resolve(*req.Device)
		if !ok {
			c.relay.metrics.UpdateResult(ResultInvalid)
			return fmt.Errorf("%w: %q", device.ErrDeviceNotFound, *req.Device)
		}
		t := TargetOf(d)
		target = &t
	}
	return c.Update(ctx, target, req.Volume)
}
