package session

import (
	"strings"
	"time"

	"devicegateway/internal/wire"
)

// maxIgnoredFrames bounds how many unrecognized frames, counted over
// the whole life of the session, the session will shrug off before
// treating the stream as protocol garbage and disconnecting.
const maxIgnoredFrames = 3

// inboundRequestKinds are the Kinds a device sends unsolicited (as
// opposed to a response correlated by outstanding token). Built once
// from the shared descriptor table so the (code, uri) pairs never
// drift out of sync with wire.DescriptorFor.
var inboundRequestKinds = []wire.Kind{
	wire.KindHello,
	wire.KindPublicEvent,
	wire.KindPrivateEvent,
	wire.KindSubscribe,
	wire.KindGetTime,
	wire.KindRaiseYourHand,
	wire.KindUpdateAbort,
	wire.KindUpdateDone,
	wire.KindSignalStart,
	wire.KindKeyChange,
}

type requestKey struct {
	code byte
	uri  string
}

var inboundRequestTable = buildInboundRequestTable()

func buildInboundRequestTable() map[requestKey]wire.Kind {
	table := make(map[requestKey]wire.Kind, len(inboundRequestKinds))
	for _, k := range inboundRequestKinds {
		code, uri, _, ok := wire.DescriptorFor(k)
		if !ok {
			continue
		}
		table[requestKey{code, uri}] = k
	}
	return table
}

// classifyInbound matches the full URI path first (e.g. "s/raise",
// "u/done"), then its first segment, so templated paths such as
// "e/<name>" resolve to the kind registered under "e".
func classifyInbound(msg wire.Message) wire.Kind {
	path := msg.URIPath()
	if k, ok := inboundRequestTable[requestKey{msg.Code, path}]; ok {
		return k
	}
	if idx := strings.IndexByte(path, '/'); idx >= 0 {
		return inboundRequestTable[requestKey{msg.Code, path[:idx]}]
	}
	return wire.KindUnknown
}

// handleInbound is the single entry point every frame read off the
// wire passes through: counter validation, token correlation, and
// dispatch to the per-kind handlers in api.go/events.go/flasher.go.
func (s *Session) handleInbound(msg wire.Message) {
	s.timesMu.Lock()
	s.lastInbound = time.Now()
	s.timesMu.Unlock()

	if isKeepalive(msg) {
		s.handlePing(msg)
		return
	}

	if msg.Type == wire.TypeConfirmable {
		want := s.expectedRecvCounter()
		if uint32(msg.ID) != want {
			s.Disconnect("bad message counter")
			return
		}
		s.advanceRecvCounter()
	}

	if len(msg.Token) == 1 {
		if pending, ok := s.tokens.resolve(msg.Token[0]); ok {
			select {
			case pending.result <- msg:
			default:
			}
			return
		}
	}

	kind := classifyInbound(msg)
	switch kind {
	case wire.KindHello:
		s.onHello(msg)
	case wire.KindPublicEvent:
		s.onDeviceEvent(msg, true)
	case wire.KindPrivateEvent:
		s.onDeviceEvent(msg, false)
	case wire.KindSubscribe:
		s.onSubscribe(msg)
	case wire.KindGetTime:
		s.onGetTime(msg)
	case wire.KindRaiseYourHand:
		s.onRaiseYourHand(msg)
	case wire.KindUpdateAbort:
		s.onUpdateAbort(msg)
	case wire.KindUpdateDone:
		s.onUpdateDone(msg)
	case wire.KindSignalStart:
		s.onSignalStart(msg)
	case wire.KindKeyChange:
		s.onKeyChange(msg)
	default:
		s.onIgnored()
	}
}

func isKeepalive(msg wire.Message) bool {
	return msg.Code == wire.CodeEmpty && len(msg.Token) == 0 && len(msg.Options) == 0 && len(msg.Payload) == 0
}

func (s *Session) handlePing(msg wire.Message) {
	s.timesMu.Lock()
	s.lastPing = time.Now()
	s.timesMu.Unlock()

	reply := wire.Message{
		Version: 1,
		Type:    wire.TypeAcknowledgement,
		Code:    wire.CodeEmpty,
		ID:      msg.ID,
	}
	if err := s.send(nil, reply, false); err != nil {
		s.Disconnect(err.Error())
	}
}

func (s *Session) onIgnored() {
	s.ignoredCount++
	if s.ignoredCount >= maxIgnoredFrames {
		s.Disconnect("too many unrecognized frames")
	}
}
