package encryption

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5" //nolint:gosec // MD5 is mandated by the device key layout
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

// Domain errors for the encryption package.
var (
	// ErrInvalidKeyMaterial is returned when uuid, key or MAC are too short
	// for the fixed-offset key layout.
	ErrInvalidKeyMaterial = errors.New("encryption: invalid key material")

	// ErrInvalidCiphertext is returned when ciphertext is not a whole
	// number of AES blocks.
	ErrInvalidCiphertext = errors.New("encryption: invalid ciphertext")
)

// zeroIV is the fixed initialisation vector used by the devices.
var zeroIV = make([]byte, aes.BlockSize)

// DeriveKey computes the LAN key for a device.
//
// The key is the lowercase hex MD5 digest of
// uuid[3:22] + key[1:9] + mac + key[10:28]. The 32 ASCII bytes of the hex
// digest are used as the AES-256 key; they are not hex-decoded.
func DeriveKey(uuid, key, mac string) ([]byte, error) {
	if len(uuid) < 22 {
		return nil, fmt.Errorf("%w: uuid too short", ErrInvalidKeyMaterial)
	}
	if len(key) < 28 {
		return nil, fmt.Errorf("%w: cloud key too short", ErrInvalidKeyMaterial)
	}
	if mac == "" {
		return nil, fmt.Errorf("%w: mac address required", ErrInvalidKeyMaterial)
	}

	material := uuid[3:22] + key[1:9] + mac + key[10:28]
	sum := md5.Sum([]byte(material)) //nolint:gosec // wire format
	return []byte(hex.EncodeToString(sum[:])), nil
}

// Cipher encrypts and decrypts LAN payloads for one device.
// It is safe for concurrent use.
type Cipher struct {
	block cipher.Block
}

// NewCipher creates a Cipher from a 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", ErrInvalidKeyMaterial, KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating aes cipher: %w", err)
	}
	return &Cipher{block: block}, nil
}

// NewDeviceCipher derives the key for a device and returns its Cipher.
func NewDeviceCipher(uuid, key, mac string) (*Cipher, error) {
	k, err := DeriveKey(uuid, key, mac)
	if err != nil {
		return nil, err
	}
	return NewCipher(k)
}

// Encrypt zero-pads plaintext to a block boundary and encrypts it.
// Plaintext already on a boundary is not padded further.
func (c *Cipher) Encrypt(plaintext []byte) []byte {
	padded := zeroPad(plaintext)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(c.block, zeroIV).CryptBlocks(out, padded)
	return out
}

// Decrypt decrypts ciphertext and trims trailing zero bytes.
func (c *Cipher) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: length %d", ErrInvalidCiphertext, len(ciphertext))
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(c.block, zeroIV).CryptBlocks(out, ciphertext)
	return bytes.TrimRight(out, "\x00"), nil
}

// EncryptToBase64 encrypts plaintext and returns standard base64 text, the
// form posted to the device.
func (c *Cipher) EncryptToBase64(plaintext []byte) []byte {
	enc := c.Encrypt(plaintext)
	out := make([]byte, base64.StdEncoding.EncodedLen(len(enc)))
	base64.StdEncoding.Encode(out, enc)
	return out
}

// DecryptFromBase64 decodes base64 text from the device and decrypts it.
func (c *Cipher) DecryptFromBase64(text []byte) ([]byte, error) {
	raw := make([]byte, base64.StdEncoding.DecodedLen(len(text)))
	n, err := base64.StdEncoding.Decode(raw, bytes.TrimSpace(text))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCiphertext, err)
	}
	return c.Decrypt(raw[:n])
}

func zeroPad(b []byte) []byte {
	rem := len(b) % aes.BlockSize
	if rem == 0 && len(b) > 0 {
		out := make([]byte, len(b))
		copy(out, b)
		return out
	}
	out := make([]byte, len(b)+aes.BlockSize-rem)
	copy(out, b)
	return out
}
