// Package session implements the per-device protocol machine: the
// actor that owns one connected device's counters, token table,
// introspection cache, and the routing, API, event, and flasher
// subsystems built on top of it.
package session

import (
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"devicegateway/internal/cipherstream"
	"devicegateway/internal/config"
	"devicegateway/internal/logging"
	"devicegateway/internal/wire"
)

// Conn is the raw byte transport a Session runs its cipher streams
// over; satisfied by net.Conn and by test pipes alike.
type Conn interface {
	io.Reader
	io.Writer
	io.Closer
}

// owner identifies the current exclusive writer of the session: nil
// means the session itself, any other comparable value (typically a
// *Flasher) means that value is the sole permitted writer.
type Session struct {
	id              [12]byte
	productID       uint16
	firmwareVersion uint16
	platformID      uint16

	cfg *config.Config
	log *logging.Logger

	conn   Conn
	cipher *cipherstream.Session

	countersMu  sync.Mutex
	sendCounter uint32
	recvCounter uint32

	tokenMu   sync.Mutex
	sendToken byte

	tokens *tokenTable

	introspectionMu sync.RWMutex
	introspection   *Introspection

	timesMu      sync.Mutex
	connStart    time.Time
	lastInbound  time.Time
	lastPing     time.Time

	ownerMu sync.Mutex
	owner   interface{}

	writeMu sync.Mutex

	state stateBox

	disconnectOnce sync.Once
	disconnectCh   chan struct{}

	apiCommands chan func()
	stop        chan struct{}

	attributeStore AttributeStore
	api            API
	publisher      Publisher
	firmware       FirmwareStore

	userID string // spec.md §9: never assigned by the core, external injection, defaults to ""

	subCancels   []func()
	claimCode    string

	ignoredCount int

	activeFlasherMu sync.Mutex
	activeFlasher   *Flasher
}

// Collaborators bundles the external collaborators a Session needs,
// dependency-injected rather than reached via globals (design note,
// spec.md §9).
type Collaborators struct {
	AttributeStore AttributeStore
	API            API
	Publisher      Publisher
	Firmware       FirmwareStore
}

// New constructs a Session in the HANDSHAKING state. The caller
// supplies the already-negotiated cipher session (produced by
// internal/handshake + internal/cipherstream) and the device id the
// handshake validated.
func New(deviceID [12]byte, conn Conn, cipher *cipherstream.Session, cfg *config.Config, log *logging.Logger, collab Collaborators) *Session {
	s := &Session{
		id:             deviceID,
		conn:           conn,
		cipher:         cipher,
		cfg:            cfg,
		log:            log.Sub(fmt.Sprintf("device:%s", hex.EncodeToString(deviceID[:]))),
		tokens:         newTokenTable(),
		disconnectCh:   make(chan struct{}),
		apiCommands:    make(chan func(), 32),
		stop:           make(chan struct{}),
		attributeStore: collab.AttributeStore,
		api:            collab.API,
		publisher:      collab.Publisher,
		firmware:       collab.Firmware,
		connStart:      time.Now(),
	}
	s.state.store(StateHandshaking)
	return s
}

// DeviceIDHex renders the device id as lowercase hex for logs.
func (s *Session) DeviceIDHex() string { return hex.EncodeToString(s.id[:]) }

// MarkReady transitions HANDSHAKING -> READY once the Hello exchange
// completes, recording the device's self-reported identity.
func (s *Session) MarkReady(productID, firmwareVersion, platformID uint16) {
	s.productID = productID
	s.firmwareVersion = firmwareVersion
	s.platformID = platformID
	s.state.store(StateReady)
}

// nextSendCounter increments and returns the send counter; every
// outbound non-empty message increments it first, and the value
// written into the frame is the post-increment value (spec.md §3).
func (s *Session) nextSendCounter() uint32 {
	s.countersMu.Lock()
	defer s.countersMu.Unlock()
	max := s.cfg.MessageCounterMax
	if max == 0 {
		max = 65536
	}
	s.sendCounter = (s.sendCounter + 1) % max
	return s.sendCounter
}

// expectedRecvCounter reports the counter value an inbound
// confirmable frame must carry, and advanceRecvCounter moves it
// forward by one after a frame is accepted.
func (s *Session) expectedRecvCounter() uint32 {
	s.countersMu.Lock()
	defer s.countersMu.Unlock()
	max := s.cfg.MessageCounterMax
	if max == 0 {
		max = 65536
	}
	return (s.recvCounter + 1) % max
}

func (s *Session) advanceRecvCounter() {
	s.countersMu.Lock()
	defer s.countersMu.Unlock()
	max := s.cfg.MessageCounterMax
	if max == 0 {
		max = 65536
	}
	s.recvCounter = (s.recvCounter + 1) % max
}

// nextToken returns the post-increment send token value (spec.md §9:
// _getNextToken in the source never returns its new value; callers
// there mistakenly treat the return as the token, so this
// implementation makes the return value correct).
func (s *Session) nextToken() byte {
	s.tokenMu.Lock()
	defer s.tokenMu.Unlock()
	s.sendToken++
	return s.sendToken
}

// takeOwnership gives writer exclusive ownership of the session's
// outbound stream; it fails if another writer already holds it.
func (s *Session) takeOwnership(writer interface{}) error {
	s.ownerMu.Lock()
	defer s.ownerMu.Unlock()
	if s.owner != nil {
		return ErrOwnership
	}
	s.owner = writer
	s.state.store(StateOwnedByFlasher)
	return nil
}

// releaseOwnership releases writer's ownership; a no-op if writer is
// not the current owner.
func (s *Session) releaseOwnership(writer interface{}) {
	s.ownerMu.Lock()
	defer s.ownerMu.Unlock()
	if s.owner != writer {
		return
	}
	s.owner = nil
	if s.state.load() == StateOwnedByFlasher {
		s.state.store(StateReady)
	}
}

func (s *Session) currentOwner() interface{} {
	s.ownerMu.Lock()
	defer s.ownerMu.Unlock()
	return s.owner
}

// send is the one indivisible send step: send-counter assignment,
// frame encryption and the socket write happen as a single step per
// spec.md §5, guarded by writeMu so two writers never interleave
// their halves of the step. writer identifies the caller for the
// exclusive-ownership check; pass nil for the session's own control
// traffic.
func (s *Session) send(writer interface{}, msg wire.Message, assignCounter bool) error {
	if owner := s.currentOwner(); owner != nil && owner != writer {
		return ErrOwnership
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if assignCounter {
		msg.ID = uint16(s.nextSendCounter())
	}

	raw, err := wire.Wrap(msg)
	if err != nil {
		return &ProtocolError{Reason: err.Error()}
	}
	if err := s.cipher.WriteFrame(raw); err != nil {
		return &IoError{Err: err}
	}
	return nil
}

// Disconnect tears the session down. Idempotent: the second and
// later calls are a no-op. Exactly one disconnect signal fires.
func (s *Session) Disconnect(reason string) {
	s.disconnectOnce.Do(func() {
		s.log.Info.Printf("disconnecting: %s", reason)
		s.state.store(StateDisconnected)
		close(s.stop)
		s.tokens.clear()
		s.tokens.stop()
		for _, cancel := range s.subCancels {
			cancel()
		}
		_ = s.conn.Close()
		close(s.disconnectCh)
	})
}

// Disconnected reports whether Disconnect has already fired.
func (s *Session) Disconnected() <-chan struct{} { return s.disconnectCh }

func (s *Session) State() State { return s.state.load() }

// Run is the session's actor loop: one logical thread of control
// reading decrypted frames off the socket and draining API commands,
// exactly as spec.md §5 requires. It returns once Disconnect fires.
func (s *Session) Run() {
	frames := make(chan wire.Message, 8)
	readErrs := make(chan error, 1)

	go func() {
		for {
			raw, err := s.cipher.ReadFrame()
			if err != nil {
				select {
				case readErrs <- err:
				case <-s.stop:
				}
				return
			}
			msg, err := wire.Unwrap(raw)
			if err != nil {
				select {
				case readErrs <- err:
				case <-s.stop:
				}
				return
			}
			select {
			case frames <- msg:
			case <-s.stop:
				return
			}
		}
	}()

	for {
		select {
		case msg := <-frames:
			s.handleInbound(msg)
		case err := <-readErrs:
			s.Disconnect(fmt.Sprintf("io error: %v", err))
			return
		case cmd := <-s.apiCommands:
			cmd()
		case <-s.stop:
			return
		}
	}
}

// EnqueueCommand schedules fn to run on the session's actor loop,
// the only way external callers (the API surface, publisher
// callbacks) may touch session state, per the actor model in
// spec.md §9.
func (s *Session) EnqueueCommand(fn func()) {
	select {
	case s.apiCommands <- fn:
	case <-s.stop:
	}
}
