// Package device implements the Meross device model: request/reply
// correlation, the per-channel state cache, liveness monitoring, hub
// subdevices and the registry of live devices.
//
// # Architecture
//
//	┌───────────────────────────────────────────────────────────────────────┐
//	│                              Registry                                  │
//	│            #BASE:{uuid}            #SUB:{hubUuid}:{id}                 │
//	│                 │                          │                           │
//	│                 ▼                          ▼                           │
//	│  ┌─────────────────────────┐   ┌─────────────────────────┐            │
//	│  │  BaseDevice / HubDevice │──▶│ Subdevice (+ kind)      │            │
//	│  │                         │   │ TempHum / Thermostat /  │            │
//	│  │ • pending request table │   │ WaterLeak / Smoke       │            │
//	│  │ • state cache + events  │   └─────────────────────────┘            │
//	│  │ • heartbeat             │                                          │
//	│  └────────────┬────────────┘                                          │
//	└───────────────│───────────────────────────────────────────────────────┘
//	                ▼
//	      transport.Transport (LAN HTTP / cloud MQTT)
//
// A device is fed inbound envelopes through HandleMessage (or HandleRaw).
// Replies resolve the pending request with the same message id; pushes
// update the state cache. Every cache change is emitted as a state Event
// with its provenance: response, push or poll.
//
// # Usage
//
//	dev := device.NewBaseDevice(desc, device.Options{
//	    Codec:     codec,
//	    Transport: router,
//	    Logger:    log,
//	})
//	registry.RegisterDevice(dev)
//	dev.Connect()
//	if err := dev.WaitReady(ctx); err != nil {
//	    return err
//	}
//
//	events, cancel := dev.Subscribe(0)
//	defer cancel()
//	_ = dev.SetToggle(ctx, 0, true)
//
// # Locking
//
// Inbound traffic for a device is serialised. Code that runs while a
// message is being handled (hooks, subdevice callbacks) must not call
// Publish synchronously.
//
// # Persistence
//
// Descriptors are persisted by Repository and state events by
// StateHistoryRepository, both backed by SQLite; see migrations/.
package device
