// Package transport delivers encoded envelopes to Meross devices.
//
// Two channels exist:
//
//   - LAN HTTP: the envelope is POSTed to http://{lanIp}/config and the
//     device answers in the HTTP response body (HTTPTransport).
//   - Cloud MQTT: the envelope is published to /appliance/{uuid}/subscribe
//     and the reply arrives later on the client's reply topic
//     (MQTTTransport). Request returns a nil reply in that case.
//
// A Router picks a channel per request according to a Mode, falls back
// from LAN to MQTT when the LAN request fails, and throttles outgoing
// traffic with a token bucket. The device layer only sees the Transport
// interface.
package transport
