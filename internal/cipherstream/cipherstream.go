// Package cipherstream implements the two duplex byte streams a
// device session runs on top of the raw socket once the handshake has
// produced a session key: one decrypting inbound frames, one
// encrypting outbound frames, each length-prefixed on the wire.
package cipherstream

import (
	"encoding/binary"
	"errors"
	"io"

	"devicegateway/internal/gatewaycrypto"
)

// ErrCrypto wraps any framing or padding failure the session must
// treat as fatal (CryptoError in the error taxonomy).
var ErrCrypto = errors.New("cipherstream: crypto error")

const blockSize = 16

// SessionKeys is the 40-byte material the handshake produces, split
// into the AES key and the two chaining IVs. The wire contract gives
// each IV only 12 bytes of entropy (16 key + 12 iv-send + 12 iv-recv
// = 40); CBC requires a full 16-byte block as its IV, so the 12-byte
// seed is right-padded with zeroes to make one block.
type SessionKeys struct {
	Key    [16]byte
	SendIV [16]byte
	RecvIV [16]byte
}

// SplitSessionKey splits the handshake's 40-byte session key into
// key | iv-send | iv-recv per the handshake's wire contract.
func SplitSessionKey(raw [40]byte) SessionKeys {
	var k SessionKeys
	copy(k.Key[:], raw[0:16])
	copy(k.SendIV[:12], raw[16:28])
	copy(k.RecvIV[:12], raw[28:40])
	return k
}

// Session is the pair of duplex streams for one device connection.
type Session struct {
	conn    io.ReadWriter
	encrypt *gatewaycrypto.Stream
	decrypt *gatewaycrypto.Stream
}

// New builds a Session from a raw connection and the session keys the
// handshake produced. sendIV and recvIV must each be one AES block
// (16 bytes); callers typically derive them by hashing or padding the
// handshake's shorter IV material.
func New(conn io.ReadWriter, key, sendIV, recvIV []byte) (*Session, error) {
	enc, err := gatewaycrypto.NewStream(key, sendIV)
	if err != nil {
		return nil, err
	}
	dec, err := gatewaycrypto.NewStream(key, recvIV)
	if err != nil {
		return nil, err
	}
	return &Session{conn: conn, encrypt: enc, decrypt: dec}, nil
}

// WriteFrame encrypts frame as one CBC message, PKCS7-padded, and
// writes it as a single 2-byte-length-prefixed unit. Send-counter
// assignment happens in the caller before this is invoked; this
// function only performs the indivisible encrypt+write step.
func (s *Session) WriteFrame(frame []byte) error {
	padded := gatewaycrypto.PKCS7Pad(frame, blockSize)
	ciphertext, err := s.encrypt.Encrypt(padded)
	if err != nil {
		return ErrCrypto
	}
	if len(ciphertext) > 0xFFFF {
		return ErrCrypto
	}
	var lenPrefix [2]byte
	binary.BigEndian.PutUint16(lenPrefix[:], uint16(len(ciphertext)))
	if _, err := s.conn.Write(lenPrefix[:]); err != nil {
		return err
	}
	if _, err := s.conn.Write(ciphertext); err != nil {
		return err
	}
	return nil
}

// ReadFrame reads one length-prefixed ciphertext frame, decrypts it
// as a single CBC message, and returns the unpadded plaintext.
func (s *Session) ReadFrame() ([]byte, error) {
	var lenPrefix [2]byte
	if _, err := io.ReadFull(s.conn, lenPrefix[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(lenPrefix[:])
	if n == 0 || n%blockSize != 0 {
		return nil, ErrCrypto
	}
	ciphertext := make([]byte, n)
	if _, err := io.ReadFull(s.conn, ciphertext); err != nil {
		return nil, err
	}
	plaintext, err := s.decrypt.Decrypt(ciphertext)
	if err != nil {
		return nil, ErrCrypto
	}
	unpadded, err := gatewaycrypto.PKCS7Unpad(plaintext, blockSize)
	if err != nil {
		return nil, ErrCrypto
	}
	return unpadded, nil
}
