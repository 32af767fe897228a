// Package session owns the single streaming pipeline: one capture stream
// relayed to the transport client of the selected receiver.
//
// Two types split the work:
//
//   - Relay runs in its own goroutine and is the only code that opens or
//     stops capture and connects or tears down transport clients. Between
//     chunks it applies commands, forwards audio and reports statistics.
//   - Controller is the thread-safe front door. Update serialises callers,
//     hands the desired state to the relay and waits for the result, so a
//     failed capture start or connect is returned to the caller.
//
// The session moves through idle, connecting, active and failed phases. A
// failed session has a desired target but nothing running; it stays that
// way until the next Update.
//
// Usage:
//
//	relay := session.NewRelay(session.NewConfig(cfg), source, dialer)
//	go relay.Run(ctx)
//	ctrl := session.NewController(relay)
//	err := ctrl.Update(ctx, &session.Target{Addr: addr}, &volume)
package session
