package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sort"
)

// Message frame types (CoAP 1.0: confirmable, non-confirmable,
// acknowledgement, reset).
const (
	TypeConfirmable    = 0
	TypeNonConfirmable = 1
	TypeAcknowledgement = 2
	TypeReset          = 3
)

// Option numbers used by this protocol. Timestamp is not a standard
// CoAP option; it is assigned a private-use number the way the
// original protocol repurposes CoAP's option space.
const (
	OptionURIPath      = 11
	OptionContentFormat = 12
	OptionMaxAge       = 14
	OptionURIQuery     = 15
	OptionTimestamp    = 224
)

// Option is a single CoAP option: number plus raw value bytes.
type Option struct {
	Number uint16
	Value  []byte
}

// Message is one CoAP-like frame: the fixed 4-byte header, an
// optional token (0-8 bytes), options, and a payload.
type Message struct {
	Version byte
	Type    byte
	Code    byte
	ID      uint16
	Token   []byte
	Options []Option
	Payload []byte
}

var (
	ErrTokenTooLong   = errors.New("wire: token exceeds 8 bytes")
	ErrTruncatedFrame = errors.New("wire: truncated frame")
	ErrBadVersion     = errors.New("wire: unsupported version")
)

// Wrap serializes a Message to its wire bytes.
func Wrap(m Message) ([]byte, error) {
	if len(m.Token) > 8 {
		return nil, ErrTokenTooLong
	}

	var buf bytes.Buffer
	header := byte(1)<<6 | (m.Type&0x3)<<4 | byte(len(m.Token)&0xf)
	buf.WriteByte(header)
	buf.WriteByte(m.Code)
	var idBytes [2]byte
	binary.BigEndian.PutUint16(idBytes[:], m.ID)
	buf.Write(idBytes[:])
	buf.Write(m.Token)

	opts := append([]Option(nil), m.Options...)
	sort.SliceStable(opts, func(i, j int) bool { return opts[i].Number < opts[j].Number })

	prev := uint16(0)
	for _, opt := range opts {
		delta := opt.Number - prev
		prev = opt.Number
		writeOption(&buf, delta, opt.Value)
	}

	if len(m.Payload) > 0 {
		buf.WriteByte(0xFF)
		buf.Write(m.Payload)
	}

	return buf.Bytes(), nil
}

func writeOption(buf *bytes.Buffer, delta uint16, value []byte) {
	length := len(value)
	deltaNibble, deltaExt := splitExtended(uint32(delta))
	lengthNibble, lengthExt := splitExtended(uint32(length))

	buf.WriteByte(deltaNibble<<4 | lengthNibble)
	buf.Write(deltaExt)
	buf.Write(lengthExt)
	buf.Write(value)
}

func splitExtended(v uint32) (nibble byte, ext []byte) {
	switch {
	case v < 13:
		return byte(v), nil
	case v < 269:
		return 13, []byte{byte(v - 13)}
	default:
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, uint16(v-269))
		return 14, b
	}
}

// Unwrap parses wire bytes into a Message.
func Unwrap(raw []byte) (Message, error) {
	if len(raw) < 4 {
		return Message{}, ErrTruncatedFrame
	}

	var m Message
	m.Version = raw[0] >> 6
	if m.Version != 1 {
		return Message{}, ErrBadVersion
	}
	m.Type = (raw[0] >> 4) & 0x3
	tokenLen := int(raw[0] & 0xf)
	m.Code = raw[1]
	m.ID = binary.BigEndian.Uint16(raw[2:4])

	pos := 4
	if tokenLen > 0 {
		if len(raw) < pos+tokenLen {
			return Message{}, ErrTruncatedFrame
		}
		m.Token = append([]byte(nil), raw[pos:pos+tokenLen]...)
		pos += tokenLen
	}

	optNumber := uint16(0)
	for pos < len(raw) {
		if raw[pos] == 0xFF {
			pos++
			m.Payload = append([]byte(nil), raw[pos:]...)
			return m, nil
		}
		deltaNibble := raw[pos] >> 4
		lengthNibble := raw[pos] & 0xf
		pos++

		delta, newPos, err := readExtended(raw, pos, deltaNibble)
		if err != nil {
			return Message{}, err
		}
		pos = newPos

		length, newPos, err := readExtended(raw, pos, lengthNibble)
		if err != nil {
			return Message{}, err
		}
		pos = newPos

		if len(raw) < pos+int(length) {
			return Message{}, ErrTruncatedFrame
		}
		optNumber += uint16(delta)
		m.Options = append(m.Options, Option{
			Number: optNumber,
			Value:  append([]byte(nil), raw[pos:pos+int(length)]...),
		})
		pos += int(length)
	}

	return m, nil
}

func readExtended(raw []byte, pos int, nibble byte) (value uint32, newPos int, err error) {
	switch nibble {
	case 13:
		if len(raw) < pos+1 {
			return 0, 0, ErrTruncatedFrame
		}
		return uint32(raw[pos]) + 13, pos + 1, nil
	case 14:
		if len(raw) < pos+2 {
			return 0, 0, ErrTruncatedFrame
		}
		return uint32(binary.BigEndian.Uint16(raw[pos:pos+2])) + 269, pos + 2, nil
	default:
		return uint32(nibble), pos, nil
	}
}

// Option looks up the first option with the given number.
func (m Message) Option(number uint16) ([]byte, bool) {
	for _, o := range m.Options {
		if o.Number == number {
			return o.Value, true
		}
	}
	return nil, false
}

// URIPath reassembles the Uri-Path segments (one option per segment,
// per CoAP convention) into a single "/"-joined path.
func (m Message) URIPath() string {
	var segs [][]byte
	for _, o := range m.Options {
		if o.Number == OptionURIPath {
			segs = append(segs, o.Value)
		}
	}
	var out bytes.Buffer
	for i, s := range segs {
		if i > 0 {
			out.WriteByte('/')
		}
		out.Write(s)
	}
	return out.String()
}
