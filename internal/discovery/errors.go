package discovery

import "errors"

// Domain errors for the discovery package.
var (
	// ErrMalformedLine is reported for browser output that cannot be parsed.
	ErrMalformedLine = errors.New("discovery: malformed browser output")

	// ErrResolveFailed is returned when an announced receiver has no
	// usable address.
	ErrResolveFailed = errors.New("discovery: resolve failed")

	// ErrBrowserExited is returned when the browser ends with an error.
	ErrBrowserExited = errors.New("discovery: browser exited")
)
