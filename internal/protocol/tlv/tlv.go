package tlv

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const HeaderLen = 7

var (
	ErrShortFieldHeader = errors.New("tlv: short field header")
	ErrShortFieldValue  = errors.New("tlv: short field value")
	ErrTypeMismatch     = errors.New("tlv: field type mismatch")
	ErrBadValueLength   = errors.New("tlv: bad value length")
)

// Type IDs for field values.
const (
	TypeU8     uint8 = 1
	TypeU16    uint8 = 2
	TypeU32    uint8 = 3
	TypeU64    uint8 = 4
	TypeBool   uint8 = 5
	TypeString uint8 = 6
	TypeBytes  uint8 = 7
)

// Field is one decoded TLV field.
type Field struct {
	ID    uint16
	Type  uint8
	Value []byte
}

func EncodeField(f Field) []byte {
	buf := make([]byte, HeaderLen+len(f.Value))
	binary.BigEndian.PutUint16(buf[0:2], f.ID)
	buf[2] = f.Type
	binary.BigEndian.PutUint32(buf[3:7], uint32(len(f.Value)))
	copy(buf[7:], f.Value)
	return buf
}

func EncodeFields(fields []Field) []byte {
	out := make([]byte, 0)
	for _, f := range fields {
		out = append(out, EncodeField(f)...)
	}
	return out
}

func DecodeFields(payload []byte) ([]Field, error) {
	fields := make([]Field, 0)
	i := 0
	for i < len(payload) {
		if len(payload)-i < HeaderLen {
			return nil, ErrShortFieldHeader
		}
		id := binary.BigEndian.Uint16(payload[i : i+2])
		typeID := payload[i+2]
		l := binary.BigEndian.Uint32(payload[i+3 : i+7])
		i += HeaderLen
		if uint32(len(payload)-i) < l {
			return nil, ErrShortFieldValue
		}
		val := make([]byte, l)
		copy(val, payload[i:i+int(l)])
		i += int(l)
		fields = append(fields, Field{ID: id, Type: typeID, Value: val})
	}
	return fields, nil
}

func GetField(fields []Field, id uint16) (Field, bool) {
	for _, f := range fields {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

// Typed constructors.

func String(id uint16, v string) Field {
	return Field{ID: id, Type: TypeString, Value: []byte(v)}
}

func Bytes(id uint16, v []byte) Field {
	buf := make([]byte, len(v))
	copy(buf, v)
	return Field{ID: id, Type: TypeBytes, Value: buf}
}

func Bool(id uint16, v bool) Field {
	b := byte(0)
	if v {
		b = 1
	}
	return Field{ID: id, Type: TypeBool, Value: []byte{b}}
}

func U8(id uint16, v uint8) Field {
	return Field{ID: id, Type: TypeU8, Value: []byte{v}}
}

func U32(id uint16, v uint32) Field {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return Field{ID: id, Type: TypeU32, Value: buf}
}

func U64(id uint16, v uint64) Field {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return Field{ID: id, Type: TypeU64, Value: buf}
}

// Typed accessors. Each checks the wire type before interpreting bytes.

func StringValue(f Field) (string, error) {
	if f.Type != TypeString {
		return "", typeErr(f, TypeString)
	}
	return string(f.Value), nil
}

func BytesValue(f Field) ([]byte, error) {
	if f.Type != TypeBytes {
		return nil, typeErr(f, TypeBytes)
	}
	out := make([]byte, len(f.Value))
	copy(out, f.Value)
	return out, nil
}

func BoolValue(f Field) (bool, error) {
	if f.Type != TypeBool {
		return false, typeErr(f, TypeBool)
	}
	if len(f.Value) != 1 {
		return false, fmt.Errorf("%w: bool field %d has %d bytes", ErrBadValueLength, f.ID, len(f.Value))
	}
	return f.Value[0] != 0, nil
}

func U8Value(f Field) (uint8, error) {
	if f.Type != TypeU8 {
		return 0, typeErr(f, TypeU8)
	}
	if len(f.Value) != 1 {
		return 0, fmt.Errorf("%w: u8 field %d has %d bytes", ErrBadValueLength, f.ID, len(f.Value))
	}
	return f.Value[0], nil
}

func U32Value(f Field) (uint32, error) {
	if f.Type != TypeU32 {
		return 0, typeErr(f, TypeU32)
	}
	if len(f.Value) != 4 {
		return 0, fmt.Errorf("%w: u32 field %d has %d bytes", ErrBadValueLength, f.ID, len(f.Value))
	}
	return binary.BigEndian.Uint32(f.Value), nil
}

func U64Value(f Field) (uint64, error) {
	if f.Type != TypeU64 {
		return 0, typeErr(f, TypeU64)
	}
	if len(f.Value) != 8 {
		return 0, fmt.Errorf("%w: u64 field %d has %d bytes", ErrBadValueLength, f.ID, len(f.Value))
	}
	return binary.BigEndian.Uint64(f.Value), nil
}

func typeErr(f Field, want uint8) error {
	return fmt.Errorf("%w: field %d got %d want %d", ErrTypeMismatch, f.ID, f.Type, want)
}
