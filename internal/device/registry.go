package device

import (
	"net/netip"
	"slices"
	"strings"
	"sync"
)

// Logger defines the logging interface used by the Registry.
// This allows different logging implementations to be used.
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

// Observer is notified after the device set changes.
//
// Callbacks run on the writer's goroutine, outside the registry lock, in the
// order the changes were applied. They must not block for long.
type Observer interface {
	DeviceAdded(d Device)
	DeviceRemoved(d Device)
}

// Registry is the set of currently reachable devices keyed by ID.
//
// It is written by a single discovery feed and read concurrently by the
// API and the session controller. Reads return copies, so a caller never
// observes a partially applied change.
//
// All public methods are thread-safe.
type Registry struct {
	devices map[string]Device
	mu      sync.RWMutex // Protects devices

	observers   []Observer
	observersMu sync.RWMutex

	logger Logger
}

// NewRegistry creates an empty device registry.
func NewRegistry() *Registry {
	return &Registry{
		devices: make(map[string]Device),
		logger:  noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	r.logger = logger
}

// AddObserver registers an observer for subsequent changes.
func (r *Registry) AddObserver(o Observer) {
	r.observersMu.Lock()
	r.observers = append(r.observers, o)
	r.observersMu.Unlock()
}

// Upsert inserts d if its ID is not already present and reports whether it
// did. Repeated adds for a known ID are ignored; discovery feeds resend them.
func (r *Registry) Upsert(d Device) bool {
	r.mu.Lock()
	if _, ok := r.devices[d.ID]; ok {
		r.mu.Unlock()
		return false
	}
	r.devices[d.ID] = d
	r.mu.Unlock()

	r.logger.Info("found device", "id", d.ID, "name", d.Name, "addr", d.Addr.String())
	r.notify(func(o Observer) { o.DeviceAdded(d) })
	return true
}

// Remove deletes the device with the given ID and reports whether it was
// present.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	d, ok := r.devices[id]
	if ok {
		delete(r.devices, id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}

	r.logger.Info("lost device", "id", d.ID, "name", d.Name)
	r.notify(func(o Observer) { o.DeviceRemoved(d) })
	return true
}

// Snapshot returns a copy of every known device ordered by name, then ID.
func (r *Registry) Snapshot() []Device {
	r.mu.RLock()
	devices := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		devices = append(devices, d)
	}
	r.mu.RUnlock()

	slices.SortFunc(devices, func(a, b Device) int {
		if c := strings.Compare(a.DisplayName(), b.DisplayName()); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return devices
}

// Resolve looks a device up by ID.
func (r *Registry) Resolve(id string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices[id]
	return d, ok
}

// Get is Resolve with an error, for callers that propagate failures.
// Returns ErrDeviceNotFound if the device is not currently known.
func (r *Registry) Get(id string) (Device, error) {
	d, ok := r.Resolve(id)
	if !ok {
		return Device{}, ErrDeviceNotFound
	}
	return d, nil
}

// FindByAddr returns the device currently registered at addr.
func (r *Registry) FindByAddr(addr netip.AddrPort) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, d := range r.devices {
		if d.Addr == addr {
			return d, true
		}
	}
	return Device{}, false
}

// Count returns the number of known devices.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

func (r *Registry) notify(fn func(Observer)) {
	r.observersMu.RLock()
	observers := r.observers
	r.observersMu.RUnlock()

	for _, o := range observers {
		fn(o)
	}
}

// Stats returns registry statistics for monitoring.
type Stats struct {
	TotalDevices int
	ByPort       map[uint16]int
}

// GetStats returns current registry statistics.
func (r *Registry) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{
		TotalDevices: len(r.devices),
		ByPort:       make(map[uint16]int),
	}
	for _, d := range r.devices {
		stats.ByPort[d.Addr.Port()]++
	}
	return stats
}
