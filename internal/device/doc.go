// Package device provides the Device Registry for Air Vinyl.
//
// The Device Registry is the set of audio receivers currently visible on the
// network. It is fed by the discovery package and read by the HTTP API, the
// MQTT bridge and the session controller when a user picks a receiver.
//
// # Architecture
//
//	┌──────────────────┐  Upsert/Remove  ┌──────────────────┐  Snapshot/Resolve  ┌──────────────┐
//	│  discovery.Feed  │────────────────▶│     Registry     │◀───────────────────│  api / mqtt  │
//	│  (one writer)    │                 │  map + RWMutex   │                    │  (readers)   │
//	└──────────────────┘                 └────────┬─────────┘                    └──────────────┘
//	                                              │ Observer
//	                                              ▼
//	                                     websocket hub, mqtt, metrics
//
// # Usage
//
//	registry := device.NewRegistry()
//	registry.SetLogger(log)
//
//	registry.Upsert(device.Device{ID: "kitchen", Name: "Kitchen", Addr: addr})
//	if d, ok := registry.Resolve("kitchen"); ok {
//	    fmt.Println(d.Addr)
//	}
//	registry.Remove("kitchen")
//
// # Thread Safety
//
// The Registry is safe for concurrent use. Writes hold the lock only for
// the map mutation; logging and observer callbacks run after it is released.
package device
