// Package gatewaycrypto provides the primitive operations the
// handshake and cipher session build on: RSA-1024 OAEP, AES-128-CBC
// stream construction, HMAC-SHA1, CRC32, and secure random bytes.
//
// These are the exact algorithms the wire protocol names; no
// third-party library in the retrieved corpus implements RSA-OAEP or
// raw AES-CBC any more directly than the standard library, so this
// package is stdlib-only (see DESIGN.md).
package gatewaycrypto

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"errors"
	"hash/crc32"
)

// ErrCiphertextLength is returned when a CBC block is not a multiple
// of the AES block size, or is shorter than one block.
var ErrCiphertextLength = errors.New("gatewaycrypto: ciphertext is not a valid number of AES blocks")

// EncryptOAEP encrypts plaintext for pub using RSA-OAEP with SHA-1,
// the handshake's envelope for the session-key exchange.
func EncryptOAEP(pub *rsa.PublicKey, plaintext []byte) ([]byte, error) {
	return rsa.EncryptOAEP(sha1.New(), rand.Reader, pub, plaintext, nil)
}

// DecryptOAEP reverses EncryptOAEP using the server's private key.
func DecryptOAEP(priv *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	return rsa.DecryptOAEP(sha1.New(), rand.Reader, priv, ciphertext, nil)
}

// Sign produces an RSA-PKCS1v15 signature of the SHA-1 digest of
// message, used by the server to prove possession of its private key
// during the handshake.
func Sign(priv *rsa.PrivateKey, message []byte) ([]byte, error) {
	digest := sha1.Sum(message)
	return rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA1, digest[:])
}

// Verify checks a signature produced by Sign against pub.
func Verify(pub *rsa.PublicKey, message, signature []byte) error {
	digest := sha1.Sum(message)
	return rsa.VerifyPKCS1v15(pub, crypto.SHA1, digest[:], signature)
}

// HMACSHA1 computes the keyed digest used by the handshake to bind a
// session seed to the device's public key.
func HMACSHA1(key, message []byte) []byte {
	mac := hmac.New(sha1.New, key)
	mac.Write(message)
	return mac.Sum(nil)
}

// CRC32 is the IEEE checksum used to validate OTA chunks.
func CRC32(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// RandomBytes returns n cryptographically secure random bytes.
func RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// RandomUint16 returns a secure-random 16-bit value.
func RandomUint16() (uint16, error) {
	b, err := RandomBytes(2)
	if err != nil {
		return 0, err
	}
	return uint16(b[0])<<8 | uint16(b[1]), nil
}

// Stream is one direction of an AES-128-CBC session: it owns its own
// chaining IV, mutated per block the way CBC requires, so that an
// inbound and an outbound Stream derived from the same session key
// advance independently.
type Stream struct {
	block cipher.Block
	iv    []byte
}

// NewStream constructs a Stream from a 16-byte AES key and a 16-byte
// initial IV. The cipher session holds two of these per device: one
// decrypting the inbound direction, one encrypting the outbound.
func NewStream(key, iv []byte) (*Stream, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != aes.BlockSize {
		return nil, errors.New("gatewaycrypto: iv must be one AES block")
	}
	return &Stream{block: block, iv: append([]byte(nil), iv...)}, nil
}

// Encrypt CBC-encrypts plaintext (which must already be padded to a
// block multiple) and advances the stream's IV to the last ciphertext
// block, chaining into the next call.
func (s *Stream) Encrypt(plaintext []byte) ([]byte, error) {
	if len(plaintext)%aes.BlockSize != 0 {
		return nil, ErrCiphertextLength
	}
	ciphertext := make([]byte, len(plaintext))
	mode := cipher.NewCBCEncrypter(s.block, s.iv)
	mode.CryptBlocks(ciphertext, plaintext)
	if len(ciphertext) > 0 {
		s.iv = ciphertext[len(ciphertext)-aes.BlockSize:]
	}
	return ciphertext, nil
}

// Decrypt reverses Encrypt, chaining the IV the same way.
func (s *Stream) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrCiphertextLength
	}
	plaintext := make([]byte, len(ciphertext))
	mode := cipher.NewCBCDecrypter(s.block, s.iv)
	mode.CryptBlocks(plaintext, ciphertext)
	s.iv = append([]byte(nil), ciphertext[len(ciphertext)-aes.BlockSize:]...)
	return plaintext, nil
}

// PKCS7Pad pads data to a multiple of blockSize per PKCS#7.
func PKCS7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := make([]byte, padLen)
	for i := range padding {
		padding[i] = byte(padLen)
	}
	return append(data, padding...)
}

// PKCS7Unpad reverses PKCS7Pad, failing with an error the cipher
// session reports as CryptoError on bad padding.
func PKCS7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, ErrCiphertextLength
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, errors.New("gatewaycrypto: invalid padding")
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, errors.New("gatewaycrypto: invalid padding")
		}
	}
	return data[:len(data)-padLen], nil
}
