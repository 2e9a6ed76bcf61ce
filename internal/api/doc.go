// Package api serves the merossd REST API and the device event stream.
//
// Routes, all under /api/v1:
//
//	GET  /health                  component checks and stream counters
//	GET  /devices                 list, filterable by type, uuid and online
//	GET  /devices/stats           registry counts
//	GET  /devices/{id}            one device by internal id or uuid
//	GET  /devices/{id}/state      cached capability state
//	GET  /devices/{id}/history    recorded state changes, newest first
//	POST /devices/{id}/publish    raw request to the device (rate limited)
//	GET  /ws                      event stream (WebSocket)
//
// The event stream is a manager event sink. A client sends
//
//	{"op":"subscribe","id":"1","channels":["device.state_changed"],"devices":["<uuid>"]}
//
// and receives {"op":"event","channel":...,"data":{...}} frames for the
// channels and devices it named. Events to a client that is not keeping
// up are dropped and counted, never queued without bound.
//
// Device request failures map to HTTP status codes: timeouts to 504,
// transport failures and device error replies to 502, validation
// failures to 400 and unknown devices to 404.
package api
