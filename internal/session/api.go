package session

import (
	"fmt"
	"time"

	"devicegateway/internal/wire"
)

// defaultRequestTimeout bounds every gateway-initiated request that
// waits on a device reply; RaiseHand explicitly overrides it to the
// 30s ceiling spec.md calls out.
const defaultRequestTimeout = 10 * time.Second

// listenFor is the generic request/response step: allocate a token,
// register it as outstanding, send the built request, then block
// until the matching reply arrives, the token's TTL expires, or the
// session disconnects out from under the caller.
func (s *Session) listenFor(writer interface{}, kind wire.Kind, build func(token byte) wire.Message, timeout time.Duration) (wire.Message, error) {
	token := s.nextToken()
	pr := s.tokens.register(token, kind, timeout)

	msg := build(token)
	msg.Token = []byte{token}
	if err := s.send(writer, msg, true); err != nil {
		s.tokens.resolve(token)
		return wire.Message{}, err
	}

	select {
	case reply := <-pr.result:
		return reply, nil
	case <-pr.timeout:
		// Disconnect marks the state before tokens.clear closes this
		// channel, so a waiter woken by teardown reports the disconnect.
		if s.state.isDisconnected() {
			return wire.Message{}, &IoError{Err: fmt.Errorf("session disconnected while waiting for %v", kind)}
		}
		return wire.Message{}, &IoError{Err: fmt.Errorf("timed out waiting for %v", kind)}
	case <-s.disconnectCh:
		return wire.Message{}, &IoError{Err: fmt.Errorf("session disconnected while waiting for %v", kind)}
	}
}

func requestFrame(kind wire.Kind, uriOverride string, payload []byte) wire.Message {
	code, uri, _, _ := wire.DescriptorFor(kind)
	if uriOverride != "" {
		uri = uriOverride
	}
	m := wire.Message{
		Version: 1,
		Type:    wire.TypeConfirmable,
		Code:    code,
		Payload: payload,
	}
	for _, seg := range splitURI(uri) {
		m.Options = append(m.Options, wire.Option{Number: wire.OptionURIPath, Value: []byte(seg)})
	}
	return m
}

func splitURI(uri string) []string {
	var segs []string
	start := 0
	for i := 0; i < len(uri); i++ {
		if uri[i] == '/' {
			segs = append(segs, uri[start:i])
			start = i + 1
		}
	}
	segs = append(segs, uri[start:])
	return segs
}

// Describe asks the device for its variable/function introspection
// and caches the result.
func (s *Session) Describe() (*Introspection, error) {
	reply, err := s.listenFor(nil, wire.KindDescribeReturn, func(token byte) wire.Message {
		return requestFrame(wire.KindDescribe, "", nil)
	}, defaultRequestTimeout)
	if err != nil {
		return nil, err
	}
	intro, err := ParseIntrospection(reply.Payload)
	if err != nil {
		return nil, err
	}
	s.introspectionMu.Lock()
	s.introspection = intro
	s.introspectionMu.Unlock()
	return intro, nil
}

func (s *Session) cachedIntrospection() *Introspection {
	s.introspectionMu.RLock()
	defer s.introspectionMu.RUnlock()
	return s.introspection
}

// GetVar fetches a device variable, decoding it per the cached
// introspection's type for name (defaulting to string if the
// variable was never described, per spec.md §9).
func (s *Session) GetVar(name string) (interface{}, error) {
	reply, err := s.listenFor(nil, wire.KindVariableValue, func(token byte) wire.Message {
		return requestFrame(wire.KindVariableRequest, "v/"+name, nil)
	}, defaultRequestTimeout)
	if err != nil {
		return nil, err
	}
	typ := s.cachedIntrospection().VariableType(name)
	return wire.DecodeValue(typ, reply.Payload)
}

// SetVar pushes a device variable's new value, encoding it per the
// cached introspection type for name (default string if unknown, same
// as GetVar). The source sends a VariableRequest rather than a
// dedicated Set frame for this (spec.md §9); this implementation
// preserves that wire shape and returns the device's echoed value.
func (s *Session) SetVar(name string, value interface{}) (interface{}, error) {
	typ := s.cachedIntrospection().VariableType(name)
	payload, err := wire.EncodeValue(typ, value)
	if err != nil {
		return nil, &IntrospectionError{Reason: err.Error()}
	}

	reply, err := s.listenFor(nil, wire.KindVariableValue, func(token byte) wire.Message {
		return requestFrame(wire.KindVariableRequest, "v/"+name, payload)
	}, defaultRequestTimeout)
	if err != nil {
		return nil, err
	}
	return wire.DecodeValue(typ, reply.Payload)
}

// CallFn invokes a device function with the comma-separated rawArgs
// string the API surface accepts, sent as a Uri-Query with each comma
// replaced by "&" (see EncodeFunctionArgs), and returns the int32
// result code.
func (s *Session) CallFn(name, rawArgs string) (int32, error) {
	sig := s.cachedIntrospection().Function(name)
	query := EncodeFunctionArgs(sig, rawArgs)

	reply, err := s.listenFor(nil, wire.KindFunctionReturn, func(token byte) wire.Message {
		m := requestFrame(wire.KindFunctionCall, "f/"+name, nil)
		if query != "" {
			m.Options = append(m.Options, wire.Option{Number: wire.OptionURIQuery, Value: []byte(query)})
		}
		return m
	}, defaultRequestTimeout)
	if err != nil {
		return 0, err
	}
	v, err := wire.DecodeValue(wire.TypeInt32, reply.Payload)
	if err != nil {
		return 0, &IntrospectionError{Reason: err.Error()}
	}
	return v.(int32), nil
}

// RaiseHand asks the device to blink its status LED; spec.md gives
// this request the wider 30s timeout since it is a no-hurry,
// human-in-the-loop diagnostic.
func (s *Session) RaiseHand(on bool) error {
	payload := []byte{0}
	if on {
		payload[0] = 1
	}
	_, err := s.listenFor(nil, wire.KindRaiseYourHandReturn, func(token byte) wire.Message {
		return requestFrame(wire.KindRaiseYourHand, "", payload)
	}, 30*time.Second)
	return err
}

// Ping answers immediately from cached session state, with no wire
// round trip of its own: the timestamp of the device's last recorded
// keepalive ping, and whether the session is still connected.
func (s *Session) Ping() (lastPing time.Time, alive bool) {
	s.timesMu.Lock()
	lastPing = s.lastPing
	s.timesMu.Unlock()
	return lastPing, s.State() != StateDisconnected
}
