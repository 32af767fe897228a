package session

import "errors"

// Domain errors for the session package.
var (
	// ErrCaptureStart is returned by Update when the capture source fails to start.
	ErrCaptureStart = errors.New("session: capture start failed")

	// ErrConnect is returned by Update when the transport cannot connect or
	// reject the initial volume.
	ErrConnect = errors.New("session: transport connect failed")

	// ErrInvalidVolume is returned for a volume outside 0–100.
	ErrInvalidVolume = errors.New("session: volume must be between 0 and 100")

	// ErrVolume is returned when a volume change fails on every live client.
	ErrVolume = errors.New("session: volume change failed")

	// ErrClosed is returned by Update once the relay has stopped.
	ErrClosed = errors.New("session: relay stopped")
)
