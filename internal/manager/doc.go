// Package manager owns the live device set.
//
// It builds base devices, hubs and subdevices from descriptors declared in
// configuration or persisted in SQLite, registers them in a device.Registry
// and connects them. Inbound MQTT messages on the app reply and user push
// topics are decoded and routed to the device named by the header.
//
// Every device event passes through one pump goroutine per device, which
// records state history, writes telemetry points and then calls the
// registered sinks in order:
//
//	mgr, err := manager.New(manager.Options{
//	    Device:     device.Options{Codec: codec, Transport: router},
//	    UserID:     cfg.Meross.UserID,
//	    AppID:      appID,
//	    Devices:    cfg.Meross.Devices,
//	    Subscriber: mqttClient,
//	    Repository: device.NewSQLiteRepository(db.DB),
//	    History:    device.NewSQLiteStateHistoryRepository(db.DB),
//	})
//	mgr.AddSink(hub)
//	if err := mgr.Start(ctx); err != nil { ... }
//	defer mgr.Stop()
//
// Hub subdevices first seen in a digest are registered as they appear and
// their descriptors saved in the background.
package manager
