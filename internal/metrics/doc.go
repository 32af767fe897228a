// Package metrics exposes Prometheus metrics for discovery, the streaming
// session, the audio relay and the HTTP API.
//
// Metrics satisfies the narrow metrics interfaces of the discovery and
// session packages, so those packages never import Prometheus.
package metrics
