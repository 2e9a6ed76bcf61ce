// Package encryption implements the LAN payload cipher used by newer
// Meross firmware.
//
// Devices that advertise Appliance.Encrypt.Suite or Appliance.Encrypt.ECDHE
// expect the JSON envelope posted to their /config endpoint to be
// AES-256-CBC encrypted and base64 encoded. The key is derived from the
// device uuid, the shared cloud key and the device MAC address.
//
// The scheme uses a fixed all-zero IV and zero padding. Both are part of
// the device wire format and are kept as is. Zero padding cannot tell
// padding apart from plaintext that legitimately ends in 0x00 bytes;
// Decrypt trims every trailing zero byte. JSON envelopes never end in a
// zero byte so this does not affect protocol traffic.
package encryption
