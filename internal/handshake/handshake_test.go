package handshake

import (
	"crypto/rand"
	"crypto/rsa"
	"net"
	"testing"

	"devicegateway/internal/gatewaycrypto"
)

type fakeKeyStore struct {
	devices map[[deviceIDSize]byte]*rsa.PublicKey
}

func (f *fakeKeyStore) DevicePublicKey(id [deviceIDSize]byte) (*rsa.PublicKey, bool) {
	k, ok := f.devices[id]
	return k, ok
}

// deviceSide plays the device half of the handshake over conn using
// devicePriv/serverPub, so PerformServer can be exercised end to end
// without a real embedded device.
func deviceSide(t *testing.T, conn net.Conn, devicePriv *rsa.PrivateKey, serverPub *rsa.PublicKey, wantSessionKey *[40]byte) {
	t.Helper()

	nonce, err := gatewaycrypto.RandomBytes(nonceSize)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Write(nonce); err != nil {
		t.Fatal(err)
	}

	step2 := make([]byte, rsaBlockSize)
	if _, err := readFull(conn, step2); err != nil {
		t.Fatal(err)
	}
	envelope, err := gatewaycrypto.DecryptOAEP(devicePriv, step2)
	if err != nil {
		t.Fatalf("device: decrypting step2: %v", err)
	}
	if len(envelope) != nonceSize+20 {
		t.Fatalf("device: unexpected envelope length %d", len(envelope))
	}

	sessionKey, err := gatewaycrypto.RandomBytes(sessionKeySize)
	if err != nil {
		t.Fatal(err)
	}
	copy(wantSessionKey[:], sessionKey)

	step3, err := gatewaycrypto.EncryptOAEP(serverPub, sessionKey)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Write(step3); err != nil {
		t.Fatal(err)
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestPerformServerSuccess(t *testing.T) {
	devicePriv, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatal(err)
	}
	serverPriv, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatal(err)
	}

	var deviceID [deviceIDSize]byte
	copy(deviceID[:], []byte("abcdefghijkl"))

	store := &fakeKeyStore{devices: map[[deviceIDSize]byte]*rsa.PublicKey{
		deviceID: &devicePriv.PublicKey,
	}}

	serverConn, deviceConn := net.Pipe()
	defer serverConn.Close()
	defer deviceConn.Close()

	var wantSessionKey [40]byte
	done := make(chan struct{})
	go func() {
		defer close(done)
		deviceSide(t, deviceConn, devicePriv, &serverPriv.PublicKey, &wantSessionKey)
	}()

	result, err := PerformServer(serverConn, ServerIdentity{PrivateKey: serverPriv, PublicKey: &serverPriv.PublicKey}, store, deviceID)
	<-done
	if err != nil {
		t.Fatalf("PerformServer: %v", err)
	}
	if result.DeviceID != deviceID {
		t.Fatalf("got device id %x want %x", result.DeviceID, deviceID)
	}
	if result.SessionKey != wantSessionKey {
		t.Fatalf("session key mismatch")
	}
}

func TestPerformServerUnknownDevice(t *testing.T) {
	serverPriv, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatal(err)
	}
	store := &fakeKeyStore{devices: map[[deviceIDSize]byte]*rsa.PublicKey{}}

	serverConn, deviceConn := net.Pipe()
	defer serverConn.Close()
	defer deviceConn.Close()

	var deviceID [deviceIDSize]byte
	_, err = PerformServer(serverConn, ServerIdentity{PrivateKey: serverPriv, PublicKey: &serverPriv.PublicKey}, store, deviceID)
	if err == nil {
		t.Fatal("expected error for unknown device")
	}
}
