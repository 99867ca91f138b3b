package session

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devicegateway/internal/cipherstream"
	"devicegateway/internal/config"
	"devicegateway/internal/logging"
	"devicegateway/internal/wire"
)

// fakePublisher is an in-memory stand-in for the sarama-backed
// publisher, good enough to exercise Publish/Subscribe wiring without
// a broker.
type subscribeCall struct {
	name, userID, deviceIDFilter string
}

type fakePublisher struct {
	mu             sync.Mutex
	published      []PublishedEvent
	accept         bool
	subs           map[string][]Subscriber
	subscribeCalls []subscribeCall
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{accept: true, subs: make(map[string][]Subscriber)}
}

func (p *fakePublisher) Publish(isPublic bool, name, userID string, data []byte, ttl int, at time.Time, deviceID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, PublishedEvent{Name: name, IsPublic: isPublic, TTL: ttl, Data: data, PublisherID: userID, PublishedAt: at})
	return p.accept
}

func (p *fakePublisher) publishedEvents() []PublishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]PublishedEvent(nil), p.published...)
}

func (p *fakePublisher) Subscribe(name, userID, deviceIDFilter string, subscriber Subscriber) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs[name] = append(p.subs[name], subscriber)
	p.subscribeCalls = append(p.subscribeCalls, subscribeCall{name, userID, deviceIDFilter})
	return func() {}
}

// fakeAttributeStore and fakeAPI are in-memory stand-ins for the
// attribute store and upstream account API collaborators, recording
// every call so tests can assert on spark/* event handling.
type fakeAttributeStore struct {
	mu    sync.Mutex
	attrs map[string]map[string]string
}

func newFakeAttributeStore() *fakeAttributeStore {
	return &fakeAttributeStore{attrs: make(map[string]map[string]string)}
}

func (a *fakeAttributeStore) GetCoreAttributes(deviceID string) (map[string]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]string)
	for k, v := range a.attrs[deviceID] {
		out[k] = v
	}
	return out, nil
}

func (a *fakeAttributeStore) SetCoreAttribute(deviceID, key, value string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.attrs[deviceID] == nil {
		a.attrs[deviceID] = make(map[string]string)
	}
	a.attrs[deviceID][key] = value
	return nil
}

type linkDeviceCall struct {
	deviceID, claimCode, productID string
}

type fakeAPI struct {
	mu          sync.Mutex
	linkCalls   []linkDeviceCall
	safeModeIDs []string
	safeModeMsg [][]byte
}

func (a *fakeAPI) LinkDevice(deviceID, claimCode, productID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.linkCalls = append(a.linkCalls, linkDeviceCall{deviceID, claimCode, productID})
	return nil
}

func (a *fakeAPI) SafeMode(deviceID string, payload []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.safeModeIDs = append(a.safeModeIDs, deviceID)
	a.safeModeMsg = append(a.safeModeMsg, payload)
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		MessageCounterMax: 65536,
		MaxBinarySize:     4096,
		ChunkSize:         16,
		MaxChunkRetries:   2,
	}
}

// pairedSessions builds a gateway-side Session backed by a net.Pipe,
// plus a cipherstream.Session for the "device" end of the same pipe,
// with the AES key and IV roles swapped so frames line up.
func pairedSessions(t *testing.T) (*Session, *cipherstream.Session, func()) {
	t.Helper()
	return pairedSessionsWithCollaborators(t, Collaborators{Publisher: newFakePublisher()})
}

// pairedSessionsWithCollaborators is pairedSessions with caller-chosen
// collaborators, for tests that need to observe the attribute
// store/API/publisher calls a session makes.
func pairedSessionsWithCollaborators(t *testing.T, collab Collaborators) (*Session, *cipherstream.Session, func()) {
	t.Helper()
	return pairedSessionsFull(t, collab, "")
}

// pairedSessionsFull additionally sets userID before the actor loop
// starts, for tests exercising the "my devices" subscribe scope.
func pairedSessionsFull(t *testing.T, collab Collaborators, userID string) (*Session, *cipherstream.Session, func()) {
	t.Helper()
	gwConn, devConn := net.Pipe()

	key := make([]byte, 16)
	sendIV := make([]byte, 16)
	recvIV := make([]byte, 16)
	for i := range key {
		key[i] = byte(i + 1)
	}
	for i := range sendIV {
		sendIV[i] = byte(i + 100)
	}
	for i := range recvIV {
		recvIV[i] = byte(i + 200)
	}

	gwCipher, err := cipherstream.New(gwConn, key, sendIV, recvIV)
	require.NoError(t, err)
	devCipher, err := cipherstream.New(devConn, key, recvIV, sendIV)
	require.NoError(t, err)

	log := logging.New(logging.LevelError, "test")
	s := New([12]byte{1, 2, 3}, gwConn, gwCipher, testConfig(), log, collab)
	s.userID = userID
	go s.Run()

	cleanup := func() {
		s.Disconnect("test cleanup")
		_ = devConn.Close()
	}
	return s, devCipher, cleanup
}

func sendFromDevice(t *testing.T, dev *cipherstream.Session, msg wire.Message) {
	t.Helper()
	raw, err := wire.Wrap(msg)
	require.NoError(t, err)
	require.NoError(t, dev.WriteFrame(raw))
}

func recvOnDevice(t *testing.T, dev *cipherstream.Session) wire.Message {
	t.Helper()
	raw, err := dev.ReadFrame()
	require.NoError(t, err)
	msg, err := wire.Unwrap(raw)
	require.NoError(t, err)
	return msg
}

func TestPingAck(t *testing.T) {
	s, dev, cleanup := pairedSessions(t)
	defer cleanup()

	before, alive := s.Ping()
	assert.True(t, before.IsZero())
	assert.True(t, alive)

	// the device's own keepalive: an empty confirmable frame, answered
	// with an empty ack and recorded as the session's last ping.
	keepalive := wire.Message{Version: 1, Type: wire.TypeConfirmable, Code: wire.CodeEmpty, ID: 1}
	sendFromDevice(t, dev, keepalive)

	ack := recvOnDevice(t, dev)
	assert.Equal(t, wire.CodeEmpty, ack.Code)
	assert.Equal(t, byte(wire.TypeAcknowledgement), ack.Type)

	require.Eventually(t, func() bool {
		last, _ := s.Ping()
		return !last.IsZero()
	}, time.Second, time.Millisecond)

	_, alive = s.Ping()
	assert.True(t, alive)

	s.Disconnect("test")
	_, alive = s.Ping()
	assert.False(t, alive)
}

func TestDescribeRoundTrip(t *testing.T) {
	s, dev, cleanup := pairedSessions(t)
	defer cleanup()

	result := make(chan *Introspection, 1)
	errs := make(chan error, 1)
	go func() {
		intro, err := s.Describe()
		result <- intro
		errs <- err
	}()

	req := recvOnDevice(t, dev)
	assert.Equal(t, "d", req.URIPath())

	payload := []byte(`{"v":{"temp":"int32"},"f":{"led":["int32"]}}`)
	reply := wire.Message{Version: 1, Type: wire.TypeAcknowledgement, Code: wire.CodeContent, ID: req.ID, Token: req.Token, Payload: payload}
	sendFromDevice(t, dev, reply)

	require.NoError(t, <-errs)
	intro := <-result
	require.NotNil(t, intro)
	assert.Equal(t, wire.TypeInt32, intro.Variables["temp"])
}

func TestOwnershipConflict(t *testing.T) {
	s, dev, cleanup := pairedSessions(t)
	defer cleanup()

	require.NoError(t, s.takeOwnership("flasher-a"))
	err := s.send("someone-else", wire.Message{Version: 1, Type: wire.TypeNonConfirmable, Code: wire.CodeGet}, false)
	assert.ErrorIs(t, err, ErrOwnership)

	s.releaseOwnership("flasher-a")

	read := make(chan error, 1)
	go func() {
		_, err := dev.ReadFrame()
		read <- err
	}()
	err = s.send(nil, wire.Message{Version: 1, Type: wire.TypeNonConfirmable, Code: wire.CodeGet}, false)
	assert.NoError(t, err)
	require.NoError(t, <-read)
}

func TestDisconnectIdempotent(t *testing.T) {
	s, _, cleanup := pairedSessions(t)
	defer cleanup()

	s.Disconnect("first")
	s.Disconnect("second")
	assert.Equal(t, StateDisconnected, s.State())
}

func TestDeviceEventPublish(t *testing.T) {
	s, dev, cleanup := pairedSessions(t)
	defer cleanup()

	msg := wire.Message{
		Version: 1,
		Type:    wire.TypeConfirmable,
		Code:    wire.CodePost,
		ID:      uint16(s.expectedRecvCounter()),
		Token:   []byte{7},
		Options: []wire.Option{{Number: wire.OptionURIPath, Value: []byte("e")}, {Number: wire.OptionURIPath, Value: []byte("temperature")}},
		Payload: []byte("72"),
	}
	sendFromDevice(t, dev, msg)

	ack := recvOnDevice(t, dev)
	assert.Equal(t, wire.CodeChanged, ack.Code)
}

func TestGetVarRoundTrip(t *testing.T) {
	s, dev, cleanup := pairedSessions(t)
	defer cleanup()

	result := make(chan interface{}, 1)
	errs := make(chan error, 1)
	go func() {
		v, err := s.GetVar("temperature")
		result <- v
		errs <- err
	}()

	req := recvOnDevice(t, dev)
	assert.Equal(t, "v/temperature", req.URIPath())

	payload, _ := wire.EncodeValue(wire.TypeString, "72")
	reply := wire.Message{Version: 1, Type: wire.TypeAcknowledgement, Code: wire.CodeContent, ID: req.ID, Token: req.Token, Payload: payload}
	sendFromDevice(t, dev, reply)

	require.NoError(t, <-errs)
	assert.Equal(t, "72", <-result)
}

func TestSetVarRoundTrip(t *testing.T) {
	s, dev, cleanup := pairedSessions(t)
	defer cleanup()

	result := make(chan interface{}, 1)
	errs := make(chan error, 1)
	go func() {
		v, err := s.SetVar("temperature", "80")
		result <- v
		errs <- err
	}()

	req := recvOnDevice(t, dev)
	assert.Equal(t, "v/temperature", req.URIPath())
	assert.Equal(t, []byte("80"), req.Payload)

	reply := wire.Message{Version: 1, Type: wire.TypeAcknowledgement, Code: wire.CodeContent, ID: req.ID, Token: req.Token, Payload: []byte("80")}
	sendFromDevice(t, dev, reply)

	require.NoError(t, <-errs)
	assert.Equal(t, "80", <-result)
}

func TestCallFnRoundTrip(t *testing.T) {
	s, dev, cleanup := pairedSessions(t)
	defer cleanup()

	result := make(chan int32, 1)
	errs := make(chan error, 1)
	go func() {
		v, err := s.CallFn("led", "1")
		result <- v
		errs <- err
	}()

	req := recvOnDevice(t, dev)
	assert.Equal(t, "f/led", req.URIPath())

	payload, _ := wire.EncodeValue(wire.TypeInt32, int32(1))
	reply := wire.Message{Version: 1, Type: wire.TypeAcknowledgement, Code: wire.CodeContent, ID: req.ID, Token: req.Token, Payload: payload}
	sendFromDevice(t, dev, reply)

	require.NoError(t, <-errs)
	assert.Equal(t, int32(1), <-result)
}

func TestRaiseHandRoundTrip(t *testing.T) {
	s, dev, cleanup := pairedSessions(t)
	defer cleanup()

	errs := make(chan error, 1)
	go func() { errs <- s.RaiseHand(true) }()

	req := recvOnDevice(t, dev)
	assert.Equal(t, "s/raise", req.URIPath())
	assert.Equal(t, []byte{1}, req.Payload)

	reply := wire.Message{Version: 1, Type: wire.TypeAcknowledgement, Code: wire.CodeChanged, ID: req.ID, Token: req.Token}
	sendFromDevice(t, dev, reply)

	require.NoError(t, <-errs)
}

func TestSparkClaimCodeEventLinksDevice(t *testing.T) {
	attrs := newFakeAttributeStore()
	api := &fakeAPI{}
	fp := newFakePublisher()
	s, dev, cleanup := pairedSessionsWithCollaborators(t, Collaborators{
		Publisher:      fp,
		AttributeStore: attrs,
		API:            api,
	})
	defer cleanup()

	msg := wire.Message{
		Version: 1,
		Type:    wire.TypeConfirmable,
		Code:    wire.CodePost,
		ID:      uint16(s.expectedRecvCounter()),
		Token:   []byte{9},
		Options: []wire.Option{
			{Number: wire.OptionURIPath, Value: []byte("e")},
			{Number: wire.OptionURIPath, Value: []byte("spark/device/claim/code")},
		},
		Payload: []byte("ABC123"),
	}
	sendFromDevice(t, dev, msg)

	ack := recvOnDevice(t, dev)
	assert.Equal(t, wire.CodeChanged, ack.Code)

	require.Eventually(t, func() bool {
		api.mu.Lock()
		defer api.mu.Unlock()
		return len(api.linkCalls) == 1
	}, time.Second, time.Millisecond)

	attrsSeen, err := attrs.GetCoreAttributes(s.DeviceIDHex())
	require.NoError(t, err)
	assert.Equal(t, "ABC123", attrsSeen[attrClaimCode])
	assert.Equal(t, "ABC123", api.linkCalls[0].claimCode)

	assert.Empty(t, fp.publishedEvents())
}

func TestSparkSystemVersionEventRecordsAttribute(t *testing.T) {
	attrs := newFakeAttributeStore()
	s, dev, cleanup := pairedSessionsWithCollaborators(t, Collaborators{
		Publisher:      newFakePublisher(),
		AttributeStore: attrs,
	})
	defer cleanup()

	msg := wire.Message{
		Version: 1,
		Type:    wire.TypeConfirmable,
		Code:    wire.CodePost,
		ID:      uint16(s.expectedRecvCounter()),
		Token:   []byte{9},
		Options: []wire.Option{
			{Number: wire.OptionURIPath, Value: []byte("e")},
			{Number: wire.OptionURIPath, Value: []byte("spark/device/system/version")},
		},
		Payload: []byte("1.2.3"),
	}
	sendFromDevice(t, dev, msg)

	ack := recvOnDevice(t, dev)
	assert.Equal(t, wire.CodeChanged, ack.Code)

	attrsSeen, err := attrs.GetCoreAttributes(s.DeviceIDHex())
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", attrsSeen[attrSystemFirmwareVersion])
}

func TestSparkGenericEventAcknowledgedAndDropped(t *testing.T) {
	fp := newFakePublisher()
	s, dev, cleanup := pairedSessionsWithCollaborators(t, Collaborators{Publisher: fp})
	defer cleanup()

	msg := wire.Message{
		Version: 1,
		Type:    wire.TypeConfirmable,
		Code:    wire.CodePost,
		ID:      uint16(s.expectedRecvCounter()),
		Token:   []byte{9},
		Options: []wire.Option{
			{Number: wire.OptionURIPath, Value: []byte("e")},
			{Number: wire.OptionURIPath, Value: []byte("spark/something/else")},
		},
		Payload: []byte("x"),
	}
	sendFromDevice(t, dev, msg)

	ack := recvOnDevice(t, dev)
	assert.Equal(t, wire.CodeChanged, ack.Code)

	assert.Empty(t, fp.publishedEvents())
}

func TestSubscribeParsesUserScopeAndDeviceFilter(t *testing.T) {
	fp := newFakePublisher()
	s, dev, cleanup := pairedSessionsFull(t, Collaborators{Publisher: fp}, "user-1")
	defer cleanup()

	msg := wire.Message{
		Version: 1,
		Type:    wire.TypeConfirmable,
		Code:    wire.CodeGet,
		ID:      uint16(s.expectedRecvCounter()),
		Token:   []byte{9},
		Options: []wire.Option{
			{Number: wire.OptionURIPath, Value: []byte("e")},
			{Number: wire.OptionURIPath, Value: []byte("temperature")},
			{Number: wire.OptionURIQuery, Value: []byte("u")},
		},
		Payload: []byte("abcd1234"),
	}
	sendFromDevice(t, dev, msg)

	ack := recvOnDevice(t, dev)
	assert.Equal(t, wire.CodeChanged, ack.Code)

	require.Len(t, fp.subscribeCalls, 1)
	assert.Equal(t, "temperature", fp.subscribeCalls[0].name)
	assert.Equal(t, "user-1", fp.subscribeCalls[0].userID)
	assert.Equal(t, "abcd1234", fp.subscribeCalls[0].deviceIDFilter)
}

func TestSubscribeWithoutUFlagHasNoUserScope(t *testing.T) {
	fp := newFakePublisher()
	s, dev, cleanup := pairedSessionsFull(t, Collaborators{Publisher: fp}, "user-1")
	defer cleanup()

	msg := wire.Message{
		Version: 1,
		Type:    wire.TypeConfirmable,
		Code:    wire.CodeGet,
		ID:      uint16(s.expectedRecvCounter()),
		Token:   []byte{9},
		Options: []wire.Option{
			{Number: wire.OptionURIPath, Value: []byte("e")},
			{Number: wire.OptionURIPath, Value: []byte("temperature")},
		},
	}
	sendFromDevice(t, dev, msg)

	ack := recvOnDevice(t, dev)
	assert.Equal(t, wire.CodeChanged, ack.Code)

	require.Len(t, fp.subscribeCalls, 1)
	assert.Equal(t, "", fp.subscribeCalls[0].userID)
	assert.Equal(t, "", fp.subscribeCalls[0].deviceIDFilter)
}
