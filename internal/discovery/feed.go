package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nerrad567/airvinyl/internal/device"
	"github.com/nerrad567/airvinyl/internal/infrastructure/config"
)

// Registry is the part of device.Registry the feed writes to.
type Registry interface {
	Upsert(d device.Device) bool
	Remove(id string) bool
}

// Metrics receives discovery counters.
type Metrics interface {
	DiscoveryEvent(kind string)
	MalformedLine()
	ResolveFailed()
	BrowserRestarted()
}

type noopMetrics struct{}

func (noopMetrics) DiscoveryEvent(string) {}
func (noopMetrics) MalformedLine()        {}
func (noopMetrics) ResolveFailed()        {}
func (noopMetrics) BrowserRestarted()     {}

// FeedConfig controls the feed's resilience.
type FeedConfig struct {
	// ResolveTimeout bounds each Resolver call.
	ResolveTimeout time.Duration

	// RestartDelay is the pause before restarting an ended browser. Zero
	// disables restarts.
	RestartDelay time.Duration

	// MaxRestarts caps restarts. 0 means unlimited.
	MaxRestarts int
}

// NewFeedConfig extracts the feed settings from cfg.
func NewFeedConfig(cfg config.DiscoveryConfig) FeedConfig {
	return FeedConfig{
		ResolveTimeout: cfg.ResolveTimeout,
		RestartDelay:   cfg.RestartDelay,
		MaxRestarts:    cfg.MaxRestarts,
	}
}

// FeedStats counts what the feed has applied and skipped.
type FeedStats struct {
	Added         int64 `json:"added"`
	Removed       int64 `json:"removed"`
	Malformed     int64 `json:"malformed"`
	ResolveFailed int64 `json:"resolve_failed"`
	Restarts      int64 `json:"restarts"`
}

// Feed applies browser events to a Registry from a single goroutine, in
// arrival order.
type Feed struct {
	browser  Browser
	resolver Resolver
	registry Registry
	cfg      FeedConfig
	logger   Logger
	metrics  Metrics

	added         atomic.Int64
	removed       atomic.Int64
	malformed     atomic.Int64
	resolveFailed atomic.Int64
	restarts      atomic.Int64
}

// NewFeed creates a feed. resolver may be nil when browser events always
// carry addresses.
func NewFeed(browser Browser, resolver Resolver, registry Registry, cfg FeedConfig) *Feed {
	return &Feed{
		browser:  browser,
		resolver: resolver,
		registry: registry,
		cfg:      cfg,
		logger:   noopLogger{},
		metrics:  noopMetrics{},
	}
}

// SetLogger sets the logger.
func (f *Feed) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	f.logger = logger
}

// SetMetrics sets the metrics sink.
func (f *Feed) SetMetrics(m Metrics) {
	if m == nil {
		m = noopMetrics{}
	}
	f.metrics = m
}

// Stats returns the feed counters.
func (f *Feed) Stats() FeedStats {
	return FeedStats{
		Added:         f.added.Load(),
		Removed:       f.removed.Load(),
		Malformed:     f.malformed.Load(),
		ResolveFailed: f.resolveFailed.Load(),
		Restarts:      f.restarts.Load(),
	}
}

// Run browses until ctx is cancelled. When the browser ends it is
// restarted after RestartDelay, up to MaxRestarts times; the registry keeps
// its last known devices meanwhile. Run returns nil on cancellation and the
// browser's last error once restarts are exhausted or disabled.
func (f *Feed) Run(ctx context.Context) error {
	for {
		err := f.browseOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}

		if err != nil {
			f.logger.Warn("browser exited", "browser", f.browser.Name(), "error", err)
		} else {
			f.logger.Warn("browser output ended", "browser", f.browser.Name())
		}

		if f.cfg.RestartDelay <= 0 {
			return err
		}
		restarts := f.restarts.Load()
		if f.cfg.MaxRestarts > 0 && restarts >= int64(f.cfg.MaxRestarts) {
			f.logger.Error("browser restart limit reached, device list is now static",
				"browser", f.browser.Name(), "restarts", restarts)
			if err == nil {
				err = fmt.Errorf("%w: %s ended after %d restarts", ErrBrowserExited, f.browser.Name(), restarts)
			}
			return err
		}

		timer := time.NewTimer(f.cfg.RestartDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		f.restarts.Add(1)
		f.metrics.BrowserRestarted()
		f.logger.Info("restarting browser", "browser", f.browser.Name(), "attempt", restarts+1)
	}
}

// browseOnce runs the browser once and applies its events until it ends.
func (f *Feed) browseOnce(ctx context.Context) error {
	bctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan Event, 16)
	errc := make(chan error, 1)
	go func() {
		defer close(events)
		errc <- f.browser.Browse(bctx, events)
	}()

	for ev := range events {
		f.apply(bctx, ev)
	}
	return <-errc
}

// apply handles one event.
func (f *Feed) apply(ctx context.Context, ev Event) {
	switch ev.Kind {
	case KindMalformed:
		f.malformed.Add(1)
		f.metrics.MalformedLine()
		f.logger.Warn("skipping malformed browser output", "browser", f.browser.Name(), "line", ev.Raw, "error", ev.Err)

	case KindRemove:
		f.metrics.DiscoveryEvent(string(KindRemove))
		if f.registry.Remove(ev.ID) {
			f.removed.Add(1)
		}

	case KindAdd:
		f.metrics.DiscoveryEvent(string(KindAdd))
		d, err := f.resolve(ctx, ev)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			f.resolveFailed.Add(1)
			f.metrics.ResolveFailed()
			f.logger.Warn("dropping unresolvable device", "id", ev.ID, "error", err)
			return
		}
		if f.registry.Upsert(d) {
			f.added.Add(1)
		}

	default:
		f.logger.Debug("ignoring event", "kind", ev.Kind, "id", ev.ID)
	}
}

// resolve builds the device for an Add event, asking the resolver when the
// event has no address.
func (f *Feed) resolve(ctx context.Context, ev Event) (device.Device, error) {
	addr := ev.Addr
	if !addr.IsValid() {
		if f.resolver == nil {
			return device.Device{}, fmt.Errorf("%w: no address and no resolver", ErrResolveFailed)
		}
		rctx := ctx
		if f.cfg.ResolveTimeout > 0 {
			var cancel context.CancelFunc
			rctx, cancel = context.WithTimeout(ctx, f.cfg.ResolveTimeout)
			defer cancel()
		}
		var err error
		addr, err = f.resolver.Resolve(rctx, ev)
		if err != nil {
			if !errors.Is(err, ErrResolveFailed) {
				err = fmt.Errorf("%w: %w", ErrResolveFailed, err)
			}
			return device.Device{}, err
		}
	}

	d := device.Device{ID: ev.ID, Name: ev.Name, Addr: addr}
	if err := d.Validate(); err != nil {
		return device.Device{}, fmt.Errorf("%w: %w", ErrResolveFailed, err)
	}
	return d, nil
}
