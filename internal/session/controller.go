package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Update results reported to Metrics.
const (
	ResultOK       = "ok"
	ResultInvalid  = "invalid"
	ResultFailed   = "failed"
	ResultCanceled = "canceled"
)

// Controller is the command surface of a streaming session.
type Controller struct {
	relay  *Relay
	logger Logger

	// updateMu serialises Update so at most one reconfiguration is in
	// flight and callers observe their changes in order.
	updateMu sync.Mutex
}

// NewController creates a controller driving relay. The relay must be
// running for Update to succeed.
func NewController(relay *Relay) *Controller {
	return &Controller{relay: relay, logger: noopLogger{}}
}

// SetLogger sets the logger.
func (c *Controller) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	c.logger = logger
}

// Update sets the desired target and volume and waits until the relay has
// applied them.
//
// A nil target stops any session. A nil volume leaves the level unchanged.
// Re-sending the current target only changes the volume; nothing
// reconnects. Capture and connect failures are returned and leave the
// session in PhaseFailed with nothing running.
func (c *Controller) Update(ctx context.Context, target *Target, volume *int) error {
	if volume != nil && (*volume < 0 || *volume > 100) {
		c.relay.metrics.UpdateResult(ResultInvalid)
		return fmt.Errorf("%w: got %d", ErrInvalidVolume, *volume)
	}

	var t *Target
	if target != nil {
		tc := *target
		t = &tc
	}
	var v *int
	if volume != nil {
		vc := *volume
		v = &vc
	}

	c.updateMu.Lock()
	defer c.updateMu.Unlock()

	c.logger.Info("session update", "target", describe(t), "volume", describeVolume(v))

	err := c.relay.submit(ctx, command{target: t, volume: v, reply: make(chan error, 1)})
	switch {
	case err == nil:
		c.relay.metrics.UpdateResult(ResultOK)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.relay.metrics.UpdateResult(ResultCanceled)
	default:
		c.relay.metrics.UpdateResult(ResultFailed)
		c.logger.Warn("session update failed", "target", describe(t), "error", err)
	}
	return err
}

// State returns a snapshot of the session state.
func (c *Controller) State() State {
	return c.relay.State()
}

func describe(t *Target) string {
	if t == nil {
		return "none"
	}
	if t.Name != "" {
		return fmt.Sprintf("%s (%s)", t.Name, t.Addr)
	}
	return t.Addr.String()
}

func describeVolume(v *int) any {
	if v == nil {
		return "unchanged"
	}
	return *v
}
