package tlv

import (
	"encoding/binary"
	"fmt"

	"github.com/danmuck/collabctl/internal/protocol"
)

// HeaderLen is id(2) + type(1) + length(4).
const HeaderLen = 7

var (
	ErrShortFieldHeader = fmt.Errorf("%w: tlv: short field header", protocol.ErrInvalidParameters)
	ErrShortFieldValue  = fmt.Errorf("%w: tlv: short field value", protocol.ErrInvalidParameters)
	ErrTypeMismatch     = fmt.Errorf("%w: tlv: field type mismatch", protocol.ErrInvalidParameters)
	ErrInvalidLength    = fmt.Errorf("%w: tlv: invalid value length", protocol.ErrInvalidParameters)
)

// Value type ids.
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

func U8(id uint16, v uint8) Field {
	return Field{ID: id, Type: TypeU8, Value: []byte{v}}
}

func U16(id uint16, v uint16) Field {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, v)
	return Field{ID: id, Type: TypeU16, Value: buf}
}

func U32(id uint16, v uint32) Field {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return Field{ID: id, Type: TypeU32, Value: buf}
}

func String(id uint16, v string) Field {
	return Field{ID: id, Type: TypeString, Value: []byte(v)}
}

// EncodedLen is the wire size of f.
func (f Field) EncodedLen() int {
	return HeaderLen + len(f.Value)
}

func (f Field) Uint8() (uint8, error) {
	if err := MustType(f, TypeU8); err != nil {
		return 0, err
	}
	if len(f.Value) != 1 {
		return 0, fmt.Errorf("%w: field %d len=%d", ErrInvalidLength, f.ID, len(f.Value))
	}
	return f.Value[0], nil
}

func (f Field) Uint16() (uint16, error) {
	if err := MustType(f, TypeU16); err != nil {
		return 0, err
	}
	if len(f.Value) != 2 {
		return 0, fmt.Errorf("%w: field %d len=%d", ErrInvalidLength, f.ID, len(f.Value))
	}
	return binary.BigEndian.Uint16(f.Value), nil
}

func (f Field) Uint32() (uint32, error) {
	if err := MustType(f, TypeU32); err != nil {
		return 0, err
	}
	return U32FromBytes(f.Value)
}

func EncodeField(f Field) []byte {
	buf := make([]byte, f.EncodedLen())
	PutField(buf, f)
	return buf
}

// PutField writes f at the start of dst, which must hold f.EncodedLen() bytes.
func PutField(dst []byte, f Field) int {
	binary.BigEndian.PutUint16(dst[0:2], f.ID)
	dst[2] = f.Type
	binary.BigEndian.PutUint32(dst[3:7], uint32(len(f.Value)))
	copy(dst[7:], f.Value)
	return f.EncodedLen()
}

// DecodeFields parses every field in payload. Unknown ids are kept so callers
// can skip them.
func DecodeFields(payload []byte) ([]Field, error) {
	fields := make([]Field, 0, 8)
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
			return nil, fmt.Errorf("%w: field %d wants %d bytes, %d left", ErrShortFieldValue, id, l, len(payload)-i)
		}
		val := make([]byte, l)
		copy(val, payload[i:i+int(l)])
		i += int(l)
		fields = append(fields, Field{ID: id, Type: typeID, Value: val})
	}
	return fields, nil
}

func EncodeFields(fields []Field) []byte {
	out := make([]byte, 0, EncodedLen(fields))
	for _, f := range fields {
		out = append(out, EncodeField(f)...)
	}
	return out
}

func EncodedLen(fields []Field) int {
	n := 0
	for _, f := range fields {
		n += f.EncodedLen()
	}
	return n
}

// Lookup returns the first field with id and how many fields carry it.
func Lookup(fields []Field, id uint16) (Field, int) {
	var first Field
	count := 0
	for _, f := range fields {
		if f.ID != id {
			continue
		}
		if count == 0 {
			first = f
		}
		count++
	}
	return first, count
}

func MustType(f Field, expected uint8) error {
	if f.Type != expected {
		return fmt.Errorf("%w: field %d got %d want %d", ErrTypeMismatch, f.ID, f.Type, expected)
	}
	return nil
}

func U32FromBytes(b []byte) (uint32, error) {
	if len(b) != 4 {
		return 0, fmt.Errorf("%w: u32 len=%d", ErrInvalidLength, len(b))
	}
	return binary.BigEndian.Uint32(b), nil
}
