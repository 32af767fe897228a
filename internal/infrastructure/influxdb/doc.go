// Package influxdb records relay telemetry in InfluxDB.
//
// It wraps the official influxdb-client-go v2 library for connection
// management, point writing, and health monitoring. Client implements
// session.Telemetry and writes two measurements:
//
//   - relay: per-interval bytes, chunks, send errors and clients, tagged by
//     session and target
//   - session: lifecycle events (started, stopped, failed)
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	relay.SetTelemetry(client)
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// The underlying write API uses non-blocking batched writes; write errors
// are delivered to the SetOnError callback.
package influxdb
