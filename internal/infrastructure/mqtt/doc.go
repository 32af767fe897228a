// Package mqtt provides MQTT client connectivity for Air Vinyl.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for offline detection
//   - A Bridge that mirrors the session and device registry onto the bus
//
// # Topics
//
// All topics live under a configurable prefix (default "airvinyl"):
//
//	airvinyl/system/status   retained online/offline, also the LWT
//	airvinyl/state           retained session state JSON
//	airvinyl/device/{id}     retained device JSON, cleared on removal
//	airvinyl/command         {"device": id|null, "volume": 0..100}
//
// Commands are applied exactly like PUT /api: an unknown device ID leaves
// the session untouched.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	bridge := mqtt.NewBridge(client, controller, registry, byte(cfg.MQTT.QoS))
//	registry.AddObserver(bridge)
//	relay.AddObserver(bridge)
//	go bridge.Run(ctx)
package mqtt
