// Package protocol implements the Meross message envelope.
//
// Every request and reply exchanged with a device, whether over the LAN
// HTTP endpoint or relayed through the cloud MQTT broker, is a JSON object
// with a header and a payload:
//
//	{
//	  "header": {
//	    "messageId": "5e3c...",
//	    "namespace": "Appliance.System.All",
//	    "method": "GET",
//	    "payloadVersion": 1,
//	    "from": "/app/12345-0a1b.../subscribe",
//	    "timestamp": 1700000000,
//	    "sign": "9f1d..."
//	  },
//	  "payload": {}
//	}
//
// The Codec generates message ids, computes the MD5 signature from the
// shared cloud key, and decodes replies back into Message values. The
// package has no knowledge of transports or device state.
//
// # Usage
//
//	codec := protocol.NewCodec(cfg.Meross.Key, cfg.Meross.UserID, protocol.NewAppID())
//	msg, raw, err := codec.Encode(protocol.MethodGet, protocol.NamespaceSystemAll, nil, uuid)
//	reply, err := codec.Decode(body)
package protocol
