package discovery

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/nerrad567/airvinyl/internal/infrastructure/config"
)

// NewAvahiBrowser browses with `avahi-browse -p -r`, which resolves each
// service itself.
func NewAvahiBrowser(cfg config.DiscoveryConfig, logger Logger) Browser {
	binary := cfg.AvahiBinary
	if binary == "" {
		binary = "avahi-browse"
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &commandBrowser{
		name:   "avahi-browse",
		binary: binary,
		args:   []string{"-p", "-r", cfg.ServiceType},
		parse:  parseAvahiLine,
		logger: logger,
	}
}

// parseAvahiLine parses one record of `avahi-browse -p -r` output:
//
//	+;eth0;IPv4;AABBCC@Kitchen;_raop._tcp;local
//	=;eth0;IPv4;AABBCC@Kitchen;_raop._tcp;local;kitchen.local;192.168.1.20;7000;"txt"
//	-;eth0;IPv4;AABBCC@Kitchen;_raop._tcp;local
//
// "+" (seen, not yet resolved) carries nothing to apply.
func parseAvahiLine(line string) (Event, bool, error) {
	if strings.TrimSpace(line) == "" {
		return Event{}, false, nil
	}

	fields := strings.Split(line, ";")
	if len(fields) < 6 {
		return Event{}, false, fmt.Errorf("%w: %d fields", ErrMalformedLine, len(fields))
	}
	id := unescapeAvahi(fields[3])
	if id == "" {
		return Event{}, false, fmt.Errorf("%w: empty service name", ErrMalformedLine)
	}

	switch fields[0] {
	case "+":
		return Event{}, false, nil
	case "-":
		return Event{Kind: KindRemove, ID: id}, true, nil
	case "=":
		if len(fields) < 9 {
			return Event{}, false, fmt.Errorf("%w: resolved record has %d fields", ErrMalformedLine, len(fields))
		}
		ip, err := netip.ParseAddr(fields[7])
		if err != nil {
			return Event{}, false, fmt.Errorf("%w: address %q: %v", ErrMalformedLine, fields[7], err)
		}
		port, err := strconv.ParseUint(fields[8], 10, 16)
		if err != nil {
			return Event{}, false, fmt.Errorf("%w: port %q: %v", ErrMalformedLine, fields[8], err)
		}
		if ip.Is6() && ip.IsLinkLocalUnicast() && ip.Zone() == "" {
			// Unreachable without a zone; the IPv4 record will follow.
			return Event{}, false, nil
		}
		return Event{
			Kind: KindAdd,
			ID:   id,
			Name: displayName(id),
			Host: fields[6],
			Addr: netip.AddrPortFrom(ip, uint16(port)),
		}, true, nil
	default:
		return Event{}, false, fmt.Errorf("%w: unknown op %q", ErrMalformedLine, fields[0])
	}
}

// unescapeAvahi decodes the \DDD decimal escapes avahi uses in parsable
// output, e.g. "Living\032Room".
func unescapeAvahi(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+4 <= len(s) && isDigits(s[i+1:i+4]) {
			n, _ := strconv.Atoi(s[i+1 : i+4])
			if n < 256 {
				b.WriteByte(byte(n))
				i += 3
				continue
			}
		}
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return len(s) > 0
}

// displayName strips the hardware address prefix RAOP instance names carry,
// "AABBCCDDEEFF@Kitchen" becoming "Kitchen".
func displayName(instance string) string {
	if _, name, ok := strings.Cut(instance, "@"); ok && name != "" {
		return name
	}
	return instance
}
