package device

import (
	"fmt"
	"net/netip"
	"strings"
)

// Device is a network audio receiver found by discovery.
//
// A Device is immutable once registered. A receiver that changes name or
// address is represented as a removal followed by a new addition.
type Device struct {
	// ID is the browser's stable identifier (the service instance name).
	ID string `json:"id"`

	// Name is the display name. It may differ from ID.
	Name string `json:"name"`

	// Addr is where the receiver accepts transport connections.
	Addr netip.AddrPort `json:"addr"`
}

// Validate checks that a device can be registered.
func (d Device) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidDevice)
	}
	if !d.Addr.IsValid() || d.Addr.Port() == 0 {
		return fmt.Errorf("%w: %q has no reachable address", ErrInvalidDevice, d.ID)
	}
	return nil
}

// DisplayName returns Name, falling back to ID.
func (d Device) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.ID
}

// String implements fmt.Stringer for log output.
func (d Device) String() string {
	return fmt.Sprintf("%s (%s)", d.DisplayName(), d.Addr)
}
