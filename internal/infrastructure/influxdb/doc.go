// Package influxdb mirrors device state into an InfluxDB v2 bucket for
// long-term graphs. SQLite state history serves the API; this is optional.
//
// Each capability change becomes one point tagged with device, channel,
// type and source, and each online transition one meross_online point:
//
//	meross_electricity,channel=0,device_id=#BASE:1806...,source=poll power=12.5,voltage=231.4
//	meross_online,device_id=#BASE:1806... online=true,status=1i
//
// Writes are queued on the library's batching API and never block the
// caller. Rejected batches are logged and counted.
package influxdb
