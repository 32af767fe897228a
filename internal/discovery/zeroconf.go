package discovery

import (
	"context"
	"fmt"
	"net/netip"
	"sort"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/nerrad567/airvinyl/internal/infrastructure/config"
)

const defaultBrowseInterval = 10 * time.Second

// ZeroconfBrowser browses mDNS in-process. mDNS has no reliable goodbye,
// so browsing runs in rounds: a receiver missing from a whole round is
// reported as removed.
type ZeroconfBrowser struct {
	service  string
	domain   string
	interval time.Duration
	logger   Logger
}

// NewZeroconfBrowser creates an in-process mDNS browser.
func NewZeroconfBrowser(cfg config.DiscoveryConfig, logger Logger) *ZeroconfBrowser {
	if logger == nil {
		logger = noopLogger{}
	}
	interval := cfg.BrowseInterval
	if interval <= 0 {
		interval = defaultBrowseInterval
	}
	domain := cfg.Domain
	if domain == "" {
		domain = "local."
	}
	return &ZeroconfBrowser{
		service:  cfg.ServiceType,
		domain:   domain,
		interval: interval,
		logger:   logger,
	}
}

// Name implements Browser.
func (b *ZeroconfBrowser) Name() string { return "zeroconf" }

// Browse implements Browser.
func (b *ZeroconfBrowser) Browse(ctx context.Context, events chan<- Event) error {
	known := make(map[string]Event)
	for {
		seen, err := b.round(ctx)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrBrowserExited, err)
		}
		if ctx.Err() != nil {
			return nil
		}

		for _, ev := range diffRound(known, seen) {
			select {
			case events <- ev:
			case <-ctx.Done():
				return nil
			}
		}
		known = seen
	}
}

// round browses for one interval and returns every receiver that answered.
func (b *ZeroconfBrowser) round(ctx context.Context) (map[string]Event, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("creating resolver: %w", err)
	}

	rctx, cancel := context.WithTimeout(ctx, b.interval)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 16)
	if err := resolver.Browse(rctx, b.service, b.domain, entries); err != nil {
		return nil, fmt.Errorf("browsing %s: %w", b.service, err)
	}

	seen := make(map[string]Event)
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				<-rctx.Done()
				return seen, nil
			}
			if ev, ok := entryEvent(entry); ok {
				seen[ev.ID] = ev
			} else if entry != nil {
				b.logger.Debug("ignoring entry without IPv4 address", "instance", entry.Instance)
			}
		case <-rctx.Done():
			return seen, nil
		}
	}
}

// entryEvent converts a browse answer to an Add event. Entries without an
// IPv4 address or port are skipped.
func entryEvent(entry *zeroconf.ServiceEntry) (Event, bool) {
	if entry == nil || entry.Instance == "" || entry.Port <= 0 || entry.Port > 65535 {
		return Event{}, false
	}
	for _, ip := range entry.AddrIPv4 {
		addr, ok := netip.AddrFromSlice(ip.To4())
		if !ok {
			continue
		}
		return Event{
			Kind: KindAdd,
			ID:   entry.Instance,
			Name: displayName(entry.Instance),
			Host: entry.HostName,
			Addr: netip.AddrPortFrom(addr, uint16(entry.Port)),
		}, true
	}
	return Event{}, false
}

// diffRound returns the events that turn known into seen: removals first,
// then additions, each ordered by ID. A receiver whose address changed is
// removed and added again.
func diffRound(known, seen map[string]Event) []Event {
	var removed, added []Event
	for id, old := range known {
		cur, ok := seen[id]
		if !ok || cur.Addr != old.Addr {
			removed = append(removed, Event{Kind: KindRemove, ID: id, Name: old.Name})
		}
	}
	for id, cur := range seen {
		old, ok := known[id]
		if !ok || old.Addr != cur.Addr {
			added = append(added, cur)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].ID < removed[j].ID })
	sort.Slice(added, func(i, j int) bool { return added[i].ID < added[j].ID })
	return append(removed, added...)
}
