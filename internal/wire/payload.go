package wire

import (
	"encoding/binary"
	"errors"
	"math"
)

// ValueType tags the wire representation of a typed payload value.
type ValueType int

const (
	TypeBool ValueType = iota
	TypeInt8
	TypeInt16
	TypeInt32
	TypeUint8
	TypeUint16
	TypeUint32
	TypeFloat
	TypeDouble
	TypeString
	TypeBuffer
)

// ErrUnknownType is returned when decoding is asked for a ValueType
// this codec does not know how to handle.
var ErrUnknownType = errors.New("wire: unknown value type")

// EncodeValue converts a typed Go value into its little-endian wire
// encoding. Strings and buffers pass through as raw bytes.
func EncodeValue(t ValueType, v interface{}) ([]byte, error) {
	switch t {
	case TypeBool:
		b, _ := v.(bool)
		if b {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case TypeInt8:
		return []byte{byte(toInt64(v))}, nil
	case TypeUint8:
		return []byte{byte(toUint64(v))}, nil
	case TypeInt16:
		buf := make([]byte, 2)
		binary.LittleEndian.PutUint16(buf, uint16(toInt64(v)))
		return buf, nil
	case TypeUint16:
		buf := make([]byte, 2)
		binary.LittleEndian.PutUint16(buf, uint16(toUint64(v)))
		return buf, nil
	case TypeInt32:
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, uint32(toInt64(v)))
		return buf, nil
	case TypeUint32:
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, uint32(toUint64(v)))
		return buf, nil
	case TypeFloat:
		f, _ := v.(float32)
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, math.Float32bits(f))
		return buf, nil
	case TypeDouble:
		var f float64
		switch n := v.(type) {
		case float64:
			f = n
		case float32:
			f = float64(n)
		}
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, math.Float64bits(f))
		return buf, nil
	case TypeString:
		s, _ := v.(string)
		return []byte(s), nil
	case TypeBuffer:
		b, _ := v.([]byte)
		return b, nil
	default:
		return nil, ErrUnknownType
	}
}

// DecodeValue converts a little-endian wire payload back into a typed
// Go value.
func DecodeValue(t ValueType, raw []byte) (interface{}, error) {
	switch t {
	case TypeBool:
		if len(raw) < 1 {
			return nil, ErrTruncatedFrame
		}
		return raw[0] != 0, nil
	case TypeInt8:
		if len(raw) < 1 {
			return nil, ErrTruncatedFrame
		}
		return int8(raw[0]), nil
	case TypeUint8:
		if len(raw) < 1 {
			return nil, ErrTruncatedFrame
		}
		return raw[0], nil
	case TypeInt16:
		if len(raw) < 2 {
			return nil, ErrTruncatedFrame
		}
		return int16(binary.LittleEndian.Uint16(raw)), nil
	case TypeUint16:
		if len(raw) < 2 {
			return nil, ErrTruncatedFrame
		}
		return binary.LittleEndian.Uint16(raw), nil
	case TypeInt32:
		if len(raw) < 4 {
			return nil, ErrTruncatedFrame
		}
		return int32(binary.LittleEndian.Uint32(raw)), nil
	case TypeUint32:
		if len(raw) < 4 {
			return nil, ErrTruncatedFrame
		}
		return binary.LittleEndian.Uint32(raw), nil
	case TypeFloat:
		if len(raw) < 4 {
			return nil, ErrTruncatedFrame
		}
		return math.Float32frombits(binary.LittleEndian.Uint32(raw)), nil
	case TypeDouble:
		if len(raw) < 8 {
			return nil, ErrTruncatedFrame
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(raw)), nil
	case TypeString:
		return string(raw), nil
	case TypeBuffer:
		return append([]byte(nil), raw...), nil
	default:
		return nil, ErrUnknownType
	}
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	default:
		return 0
	}
}

func toUint64(v interface{}) uint64 {
	switch n := v.(type) {
	case uint:
		return uint64(n)
	case uint8:
		return uint64(n)
	case uint16:
		return uint64(n)
	case uint32:
		return uint64(n)
	case uint64:
		return n
	default:
		return 0
	}
}
