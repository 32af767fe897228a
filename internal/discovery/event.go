package discovery

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/nerrad567/airvinyl/internal/infrastructure/config"
)

// Kind is the type of a browser event.
type Kind string

const (
	// KindAdd announces a receiver.
	KindAdd Kind = "add"

	// KindRemove withdraws a receiver.
	KindRemove Kind = "remove"

	// KindMalformed carries browser output that could not be parsed.
	KindMalformed Kind = "malformed"
)

// Event is one change reported by a Browser.
//
// Add events may arrive without an address; the Feed then asks its
// Resolver. Malformed events carry the raw line and the parse error.
type Event struct {
	Kind Kind
	ID   string
	Name string

	// Host is the advertised host name, when the browser knows it.
	Host string

	// Addr is the resolved address, or the zero value.
	Addr netip.AddrPort

	Raw string
	Err error
}

// Browser produces discovery events until ctx is cancelled or its source
// ends. Browse returns nil when the source ended cleanly.
type Browser interface {
	Browse(ctx context.Context, events chan<- Event) error
	Name() string
}

// Resolver finds the address of an Add event that arrived without one.
type Resolver interface {
	Resolve(ctx context.Context, ev Event) (netip.AddrPort, error)
}

// Logger defines the logging interface used by discovery.
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

// New builds the browser selected by cfg.Backend together with its
// resolver. The resolver is nil for backends that report addresses.
func New(cfg config.DiscoveryConfig, logger Logger) (Browser, Resolver, error) {
	if logger == nil {
		logger = noopLogger{}
	}
	switch cfg.Backend {
	case "avahi":
		return NewAvahiBrowser(cfg, logger), nil, nil
	case "dnssd":
		b := NewDNSSDBrowser(cfg, logger)
		return b, NewDNSSDResolver(cfg, logger), nil
	case "zeroconf":
		return NewZeroconfBrowser(cfg, logger), nil, nil
	default:
		return nil, nil, fmt.Errorf("discovery: unknown backend %q", cfg.Backend)
	}
}
