package session

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"devicegateway/internal/wire"
)

// maxEventNameBytes bounds an event name after its "/e/" or "/E/"
// routing segment is stripped (spec.md §3).
const maxEventNameBytes = 63

const (
	sparkClaimCodeEvent     = "spark/device/claim/code"
	sparkSystemVersionEvent = "spark/device/system/version"
	sparkSafeModeEvent      = "spark/device/safemode"

	attrClaimCode            = "claim_code"
	attrSystemFirmwareVersion = "system_firmware_version"
)

// onHello handles the device's initial Hello frame: it carries the
// product id, firmware version and platform id the device reports
// about itself, moving the session HANDSHAKING -> READY (spec.md
// §4.4's fourth handshake step, completed over the already-established
// cipher stream rather than the RSA exchange).
func (s *Session) onHello(msg wire.Message) {
	if len(msg.Payload) < 6 {
		s.Disconnect("malformed hello payload")
		return
	}
	productID, _ := wire.DecodeValue(wire.TypeUint16, msg.Payload[0:2])
	firmwareVersion, _ := wire.DecodeValue(wire.TypeUint16, msg.Payload[2:4])
	platformID, _ := wire.DecodeValue(wire.TypeUint16, msg.Payload[4:6])
	s.MarkReady(productID.(uint16), firmwareVersion.(uint16), platformID.(uint16))
	s.ackChanged(msg)
}

// onDeviceEvent handles an Event/PublicEvent/PrivateEvent frame
// published by the device: parse the name out of the URI-Path and the
// ttl out of the Max-Age option, then hand the record to the publisher. A device
// publishing faster than the configured rate gets EventSlowdown
// instead of EventAck (spec.md §4.7). Names starting with "spark/" are
// server-internal and never republished externally.
func (s *Session) onDeviceEvent(msg wire.Message, isPublic bool) {
	name := msg.URIPath()
	// strip the leading "e/" or "E/" routing segment, leaving the bare
	// event name the firmware published.
	if idx := strings.IndexByte(name, '/'); idx >= 0 {
		name = name[idx+1:]
	}
	if len(name) > maxEventNameBytes {
		name = name[:maxEventNameBytes]
	}
	ttl := 60
	if raw, ok := msg.Option(wire.OptionMaxAge); ok {
		if v, err := wire.DecodeValue(wire.TypeUint32, raw); err == nil {
			ttl = int(v.(uint32))
		}
	}
	if ttl < 0 {
		ttl = 0
	}

	if strings.HasPrefix(name, "spark/") {
		s.handleSparkEvent(name, msg.Payload)
		s.ackChanged(msg)
		return
	}

	now := time.Now()
	accepted := true
	if s.publisher != nil {
		accepted = s.publisher.Publish(isPublic, name, s.userID, msg.Payload, ttl, now, s.DeviceIDHex())
	}

	kind := wire.KindEventAck
	if !accepted {
		kind = wire.KindEventSlowdown
	}
	code, _, _, _ := wire.DescriptorFor(kind)
	reply := wire.Message{Version: 1, Type: wire.TypeAcknowledgement, Code: code, ID: msg.ID, Token: msg.Token}
	if err := s.send(nil, reply, false); err != nil {
		s.Disconnect(err.Error())
	}
}

// handleSparkEvent handles the three server-internal "spark/device/*"
// events spec.md §4.5 calls out by name, plus the generic "any other
// spark/* -> acknowledge and drop" fallback. None of these publish
// externally.
func (s *Session) handleSparkEvent(name string, payload []byte) {
	switch name {
	case sparkClaimCodeEvent:
		code := string(payload)
		if code == s.claimCode {
			return
		}
		s.claimCode = code
		if s.attributeStore != nil {
			_ = s.attributeStore.SetCoreAttribute(s.DeviceIDHex(), attrClaimCode, code)
		}
		if s.api != nil {
			_ = s.api.LinkDevice(s.DeviceIDHex(), code, strconv.Itoa(int(s.productID)))
		}
	case sparkSystemVersionEvent:
		if s.attributeStore != nil {
			_ = s.attributeStore.SetCoreAttribute(s.DeviceIDHex(), attrSystemFirmwareVersion, string(payload))
		}
	case sparkSafeModeEvent:
		go s.forwardSafeMode()
	default:
		// acknowledge and drop
	}
}

// forwardSafeMode issues its own Describe request on a separate
// goroutine: onDeviceEvent runs on the session's actor loop, and
// Describe's listenFor blocks waiting for a reply that the actor loop
// itself must read off the wire, so calling it inline here would
// deadlock the session against itself.
func (s *Session) forwardSafeMode() {
	if s.api == nil {
		return
	}
	intro, err := s.Describe()
	if err != nil {
		return
	}
	payload, err := json.Marshal(intro)
	if err != nil {
		return
	}
	_ = s.api.SafeMode(s.DeviceIDHex(), payload)
}

// onSubscribe registers the device's interest in events matching the
// requested name, replying SubscribeAck or SubscribeFail for an empty
// name. The "u" URI-Query flag scopes the subscription to this
// session's own user id ("my devices only"); an optional device-id
// filter rides in the request payload (spec.md §4.5).
func (s *Session) onSubscribe(msg wire.Message) {
	name := msg.URIPath()
	if idx := strings.IndexByte(name, '/'); idx >= 0 {
		name = name[idx+1:]
	}
	if name == "" {
		code, _, _, _ := wire.DescriptorFor(wire.KindSubscribeFail)
		reply := wire.Message{Version: 1, Type: wire.TypeAcknowledgement, Code: code, ID: msg.ID, Token: msg.Token}
		_ = s.send(nil, reply, false)
		return
	}

	myDevicesOnly := false
	if raw, ok := msg.Option(wire.OptionURIQuery); ok {
		myDevicesOnly = queryHasFlag(string(raw), "u")
	}
	userID := ""
	if myDevicesOnly {
		userID = s.userID
	}
	deviceIDFilter := strings.TrimSpace(string(msg.Payload))

	if s.publisher != nil {
		cancel := s.publisher.Subscribe(name, userID, deviceIDFilter, deliverFunc(s.deliverEvent))
		s.subCancels = append(s.subCancels, cancel)
	}

	code, _, _, _ := wire.DescriptorFor(wire.KindSubscribeAck)
	reply := wire.Message{Version: 1, Type: wire.TypeAcknowledgement, Code: code, ID: msg.ID, Token: msg.Token}
	_ = s.send(nil, reply, false)
}

// queryHasFlag reports whether a CoAP Uri-Query value (e.g. "u" or
// "u=1&other=2") sets flag truthily, either bare or as "flag=<v>" with
// v neither empty, "0" nor "false".
func queryHasFlag(query, flag string) bool {
	for _, part := range strings.Split(query, "&") {
		if part == flag {
			return true
		}
		if eq := strings.IndexByte(part, '='); eq >= 0 && part[:eq] == flag {
			v := part[eq+1:]
			return v != "" && v != "0" && v != "false"
		}
	}
	return false
}

// deliverFunc adapts a plain function to the Subscriber interface so
// onSubscribe doesn't need a dedicated named type per session.
type deliverFunc func(PublishedEvent)

func (f deliverFunc) Deliver(event PublishedEvent) { f(event) }

// deliverEvent runs on the publisher's own goroutine; it hands the
// delivery back onto the session's actor loop rather than writing to
// the socket directly; state-touching is only the session's to do.
func (s *Session) deliverEvent(event PublishedEvent) {
	s.EnqueueCommand(func() {
		s.sendSubscribedEvent(event)
	})
}

func (s *Session) sendSubscribedEvent(event PublishedEvent) {
	name := event.Name
	// an event addressed to a specific user is published as
	// "<userid>/<name>"; the device-facing frame strips the prefix
	// back off, per spec.md's delivery-side convention.
	if idx := strings.IndexByte(name, '/'); idx >= 0 && name[:idx] == event.PublisherID {
		name = name[idx+1:]
	}
	kind := wire.KindPrivateEvent
	if event.IsPublic {
		kind = wire.KindPublicEvent
	}
	msg := requestFrame(kind, "", event.Data)
	msg.Type = wire.TypeNonConfirmable
	msg.Options = append(msg.Options, wire.Option{Number: wire.OptionURIPath, Value: []byte(name)})
	if err := s.send(nil, msg, true); err != nil {
		s.Disconnect(err.Error())
	}
}

// onGetTime answers the device's time request with the current unix
// timestamp.
func (s *Session) onGetTime(msg wire.Message) {
	payload, _ := wire.EncodeValue(wire.TypeUint32, uint32(time.Now().Unix()))
	code, _, _, _ := wire.DescriptorFor(wire.KindGetTimeReturn)
	reply := wire.Message{Version: 1, Type: wire.TypeAcknowledgement, Code: code, ID: msg.ID, Token: msg.Token, Payload: payload}
	if err := s.send(nil, reply, false); err != nil {
		s.Disconnect(err.Error())
	}
}

// onRaiseYourHand acknowledges the device's own raise-hand signal
// (the firmware can initiate this as well as the API).
func (s *Session) onRaiseYourHand(msg wire.Message) {
	s.ackChanged(msg)
}

func (s *Session) onUpdateAbort(msg wire.Message) {
	s.abortFlash("device aborted")
	s.ackChanged(msg)
}

func (s *Session) onUpdateDone(msg wire.Message) {
	s.finishFlash()
	s.ackChanged(msg)
}

func (s *Session) onSignalStart(msg wire.Message) {
	s.ackChanged(msg)
}

func (s *Session) onKeyChange(msg wire.Message) {
	s.ackChanged(msg)
}

func (s *Session) ackChanged(msg wire.Message) {
	reply := wire.Message{Version: 1, Type: wire.TypeAcknowledgement, Code: wire.CodeChanged, ID: msg.ID, Token: msg.Token}
	if err := s.send(nil, reply, false); err != nil {
		s.Disconnect(err.Error())
	}
}
