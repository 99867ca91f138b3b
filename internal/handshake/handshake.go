// Package handshake implements the three messages of the
// mutual-authentication exchange that run over the raw socket before
// the cipher session starts. The fourth, the device's Hello, arrives
// over the cipher session and is handled by the session package.
package handshake

import (
	"crypto/rsa"
	"fmt"
	"io"

	"devicegateway/internal/gatewaycrypto"
)

// ErrHandshake wraps any read or write failure, decryption failure,
// length mismatch, or unknown-device failure. The caller closes the
// socket on any error from PerformServer.
type ErrHandshake struct {
	Reason string
}

func (e *ErrHandshake) Error() string { return "handshake: " + e.Reason }

func fail(reason string) error { return &ErrHandshake{Reason: reason} }

const (
	nonceSize      = 40
	deviceIDSize   = 12
	sessionKeySize = 40
	rsaBlockSize   = 128 // RSA-1024 produces 128-byte blocks
)

// KeyStore resolves a device id to the device's RSA public key. It is
// the narrow slice of the attribute/device-registry collaborator the
// handshake needs; lookups that miss fail the handshake.
type KeyStore interface {
	DevicePublicKey(deviceID [deviceIDSize]byte) (*rsa.PublicKey, bool)
}

// ServerIdentity is the server's own RSA key pair; PerformServer uses
// the private key to decrypt step 3. Step 2 is bound to the device key
// with HMAC-SHA1, not signed.
type ServerIdentity struct {
	PrivateKey *rsa.PrivateKey
	PublicKey  *rsa.PublicKey
}

// Result is what a successful handshake hands back to the cipher
// session: the negotiated session key, and the device id the
// handshake validated.
type Result struct {
	DeviceID   [deviceIDSize]byte
	SessionKey [sessionKeySize]byte
}

// PerformServer runs steps 1-3 of the exchange as the server side.
// deviceID is supplied by the caller (the listener demultiplexes
// connections to an expected device id before handing the socket to
// the core); PerformServer only validates that id against the key store.
func PerformServer(conn io.ReadWriter, server ServerIdentity, keys KeyStore, deviceID [deviceIDSize]byte) (*Result, error) {
	devicePub, ok := keys.DevicePublicKey(deviceID)
	if !ok {
		return nil, fail("unknown device id")
	}

	// Step 1: device -> server, 40 random bytes, in the clear.
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(conn, nonce); err != nil {
		return nil, fail(fmt.Sprintf("reading nonce: %v", err))
	}

	// Step 2: server -> device. Server generates a 40-byte session
	// seed, binds it to the device's public key with HMAC-SHA1, and
	// RSA-OAEP-encrypts (seed || hmac) for the device.
	sessionSeed, err := gatewaycrypto.RandomBytes(nonceSize)
	if err != nil {
		return nil, fail(fmt.Sprintf("generating session seed: %v", err))
	}
	digest := gatewaycrypto.HMACSHA1(sessionSeed, devicePubBytes(devicePub))
	envelope := append(append([]byte(nil), sessionSeed...), digest...)
	ciphertext, err := gatewaycrypto.EncryptOAEP(devicePub, envelope)
	if err != nil {
		return nil, fail(fmt.Sprintf("encrypting step 2: %v", err))
	}
	if _, err := conn.Write(ciphertext); err != nil {
		return nil, fail(fmt.Sprintf("writing step 2: %v", err))
	}

	// Step 3: device -> server, RSA-OAEP(server_pub, 40-byte session
	// key chosen by the device). The server decrypts with its private
	// key to recover the actual session key used by the cipher
	// session.
	step3 := make([]byte, rsaBlockSize)
	if _, err := io.ReadFull(conn, step3); err != nil {
		return nil, fail(fmt.Sprintf("reading step 3: %v", err))
	}
	sessionKeyMaterial, err := gatewaycrypto.DecryptOAEP(server.PrivateKey, step3)
	if err != nil {
		return nil, fail(fmt.Sprintf("decrypting step 3: %v", err))
	}
	if len(sessionKeyMaterial) != sessionKeySize {
		return nil, fail("session key has unexpected length")
	}

	var result Result
	result.DeviceID = deviceID
	copy(result.SessionKey[:], sessionKeyMaterial)
	return &result, nil
}

// devicePubBytes renders a public key to bytes for binding purposes;
// the modulus alone is sufficient entropy for the handshake's HMAC
// binding and matches how the device firmware holds only the server's
// modulus, not a full DER-encoded key.
func devicePubBytes(pub *rsa.PublicKey) []byte {
	return pub.N.Bytes()
}
