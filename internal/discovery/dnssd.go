package discovery

import (
	"context"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/airvinyl/internal/infrastructure/config"
)

// Column layout of `dns-sd -B` and `dns-sd -G` output.
const (
	dnssdBrowseHeader = 4
	dnssdLookupHeader = 3
	dnssdOpStart      = 14
	dnssdOpEnd        = 17
	dnssdNameStart    = 73
	dnssdIPStart      = 69
	dnssdIPEnd        = 84
	dnssdReachedAt    = " can be reached at "
)

// NewDNSSDBrowser browses with `dns-sd -B`. Its events carry no address;
// pair it with a DNSSDResolver.
func NewDNSSDBrowser(cfg config.DiscoveryConfig, logger Logger) Browser {
	if logger == nil {
		logger = noopLogger{}
	}
	return &commandBrowser{
		name:   "dns-sd",
		binary: dnssdBinary(cfg),
		args:   []string{"-B", serviceName(cfg.ServiceType)},
		header: dnssdBrowseHeader,
		parse:  parseDNSSDBrowseLine,
		logger: logger,
	}
}

func dnssdBinary(cfg config.DiscoveryConfig) string {
	if cfg.DNSSDBinary != "" {
		return cfg.DNSSDBinary
	}
	return "dns-sd"
}

// serviceName trims "_raop._tcp" to "_raop", the form dns-sd accepts for
// both browsing and lookups.
func serviceName(serviceType string) string {
	name, _, _ := strings.Cut(serviceType, ".")
	return name
}

// parseDNSSDBrowseLine parses one line of `dns-sd -B` output:
//
//	Timestamp     A/R    Flags  if Domain               Service Type         Instance Name
//	12:00:00.123  Add        3   4 local.               _raop._tcp.          AABBCC@Kitchen
func parseDNSSDBrowseLine(line string) (Event, bool, error) {
	if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "DATE:") {
		return Event{}, false, nil
	}
	if len(line) <= dnssdNameStart {
		return Event{}, false, fmt.Errorf("%w: line too short (%d)", ErrMalformedLine, len(line))
	}

	name := strings.TrimSpace(line[dnssdNameStart:])
	if name == "" {
		return Event{}, false, fmt.Errorf("%w: empty instance name", ErrMalformedLine)
	}

	switch op := line[dnssdOpStart:dnssdOpEnd]; op {
	case "Add":
		return Event{Kind: KindAdd, ID: name, Name: displayName(name)}, true, nil
	case "Rmv":
		return Event{Kind: KindRemove, ID: name}, true, nil
	default:
		return Event{}, false, fmt.Errorf("%w: unknown op %q", ErrMalformedLine, op)
	}
}

// DNSSDResolver resolves a browsed instance with `dns-sd -L`, then its host
// with `dns-sd -G v4`.
type DNSSDResolver struct {
	binary  string
	service string
	timeout time.Duration
	logger  Logger
}

// NewDNSSDResolver creates a resolver for the configured service type.
func NewDNSSDResolver(cfg config.DiscoveryConfig, logger Logger) *DNSSDResolver {
	if logger == nil {
		logger = noopLogger{}
	}
	return &DNSSDResolver{
		binary:  dnssdBinary(cfg),
		service: serviceName(cfg.ServiceType),
		timeout: cfg.ResolveTimeout,
		logger:  logger,
	}
}

// Resolve implements Resolver.
func (r *DNSSDResolver) Resolve(ctx context.Context, ev Event) (netip.AddrPort, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	line, err := lookupLine(ctx, r.logger, r.binary, []string{"-L", ev.ID, r.service}, dnssdLookupHeader,
		func(l string) bool { return strings.Contains(l, dnssdReachedAt) })
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: looking up %q: %w", ErrResolveFailed, ev.ID, err)
	}
	host, port, err := parseDNSSDReachedAt(line)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: %q: %w", ErrResolveFailed, ev.ID, err)
	}

	line, err = lookupLine(ctx, r.logger, r.binary, []string{"-G", "v4", host}, dnssdLookupHeader, hasDNSSDAddr)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: looking up host %q: %w", ErrResolveFailed, host, err)
	}
	ip, err := parseDNSSDAddrLine(line)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: %q: %w", ErrResolveFailed, host, err)
	}

	r.logger.Debug("resolved instance", "id", ev.ID, "host", host, "addr", ip.String())
	return netip.AddrPortFrom(ip, port), nil
}

// parseDNSSDReachedAt extracts host and port from a `dns-sd -L` answer:
//
//	... AABBCC@Kitchen._raop._tcp.local. can be reached at Kitchen.local.:7000 (interface 4)
func parseDNSSDReachedAt(line string) (string, uint16, error) {
	_, tail, ok := strings.Cut(line, dnssdReachedAt)
	if !ok {
		return "", 0, fmt.Errorf("%w: no address in %q", ErrMalformedLine, line)
	}
	hostPort, _, _ := strings.Cut(tail, " ")
	i := strings.LastIndexByte(hostPort, ':')
	if i <= 0 {
		return "", 0, fmt.Errorf("%w: no port in %q", ErrMalformedLine, hostPort)
	}
	port, err := strconv.ParseUint(hostPort[i+1:], 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("%w: port %q: %v", ErrMalformedLine, hostPort[i+1:], err)
	}
	return hostPort[:i], uint16(port), nil
}

func hasDNSSDAddr(line string) bool {
	_, err := parseDNSSDAddrLine(line)
	return err == nil
}

// parseDNSSDAddrLine extracts the IPv4 address from a `dns-sd -G v4` answer.
// The address column is fixed; whitespace-separated fields are tried when
// the column does not hold one.
func parseDNSSDAddrLine(line string) (netip.Addr, error) {
	if strings.HasPrefix(line, "DATE:") {
		return netip.Addr{}, fmt.Errorf("%w: date line", ErrMalformedLine)
	}
	if len(line) >= dnssdIPEnd {
		if ip, err := netip.ParseAddr(strings.TrimSpace(line[dnssdIPStart:dnssdIPEnd])); err == nil && ip.Is4() {
			return ip, nil
		}
	}
	fields := strings.Fields(line)
	if len(fields) > 1 && (fields[1] == "Add" || fields[1] == "Rmv") {
		for _, f := range fields[2:] {
			if ip, err := netip.ParseAddr(f); err == nil && ip.Is4() {
				return ip, nil
			}
		}
	}
	return netip.Addr{}, fmt.Errorf("%w: no IPv4 address in %q", ErrMalformedLine, line)
}
