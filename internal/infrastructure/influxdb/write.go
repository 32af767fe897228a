package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/airvinyl/internal/session"
)

// Measurement names.
const (
	MeasurementRelay   = "relay"
	MeasurementSession = "session"
)

// RecordRelayStats writes one reporting interval of relay throughput.
//
// The write is non-blocking; data is batched and sent asynchronously.
//
// Example point:
//
//	relay,session_id=3f2a...,target=192.168.1.20:7000 bytes=1764000i,chunks=1253i,send_errors=0i,clients=1i,interval_s=10
func (c *Client) RecordRelayStats(stats session.RelayStats) {
	c.writePoint(MeasurementRelay,
		map[string]string{
			"session_id": stats.SessionID,
			"target":     stats.Target,
		},
		map[string]interface{}{
			"bytes":       stats.Bytes,
			"chunks":      stats.Chunks,
			"send_errors": stats.SendErrors,
			"clients":     stats.Clients,
			"interval_s":  stats.Interval.Seconds(),
		})
}

// RecordSessionEvent writes a session lifecycle event (started, stopped,
// failed) with the state it applied to.
func (c *Client) RecordSessionEvent(event string, st session.State) {
	tags := map[string]string{"event": event}
	if st.SessionID != "" {
		tags["session_id"] = st.SessionID
	}
	if st.Target != nil {
		tags["target"] = st.Target.Addr.String()
		if st.Target.DeviceID != "" {
			tags["device_id"] = st.Target.DeviceID
		}
	}

	fields := map[string]interface{}{
		"phase":   string(st.Phase),
		"clients": st.Clients,
	}
	if st.Volume != nil {
		fields["volume"] = *st.Volume
	}
	if st.LastError != "" {
		fields["error"] = st.LastError
	}

	c.writePoint(MeasurementSession, tags, fields)
}

// writePoint queues one point stamped now. Points written after Close are
// dropped.
func (c *Client) writePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, time.Now()))
}
