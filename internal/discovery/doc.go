// Package discovery keeps the device registry in step with the receivers
// announced on the network.
//
// A Browser reports Add and Remove events. Three are provided:
//
//   - avahi: `avahi-browse -p -r`, which resolves addresses itself
//   - dnssd: `dns-sd -B`, resolved per device with `dns-sd -L` and `-G v4`
//   - zeroconf: in-process mDNS with round-based removal
//
// A Feed applies the events to a device.Registry from one goroutine. Lines
// the browser prints that cannot be parsed are logged, counted and skipped.
// Add events that cannot be resolved are dropped. When the browser ends
// the registry keeps its last state and the feed restarts the browser after
// a delay.
package discovery
