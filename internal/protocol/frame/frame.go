package frame

import (
	"encoding/binary"
	"fmt"

	"github.com/danmuck/collabctl/internal/protocol"
	"github.com/danmuck/collabctl/internal/protocol/schema"
	"github.com/danmuck/collabctl/internal/protocol/tlv"
)

const (
	Magic       uint32 = 0x44434C42
	Version     uint16 = schema.HeaderV1
	PreambleLen        = 8
	// MaxHeaderLen is the largest header the 16-bit header_len can announce.
	MaxHeaderLen = 0xFFFF
)

var (
	ErrShortPreamble     = fmt.Errorf("%w: frame: short preamble", protocol.ErrInvalidParameters)
	ErrInvalidMagic      = fmt.Errorf("%w: frame: invalid magic", protocol.ErrInvalidParameters)
	ErrHeaderLenTooSmall = fmt.Errorf("%w: frame: header_len smaller than preamble", protocol.ErrInvalidParameters)
	ErrShortHeader       = fmt.Errorf("%w: frame: header_len exceeds buffer", protocol.ErrInvalidParameters)
	ErrPayloadLenInvalid = fmt.Errorf("%w: frame: payload length does not match buffer", protocol.ErrInvalidParameters)
	ErrLengthsInvalid    = fmt.Errorf("%w: frame: inconsistent lengths", protocol.ErrInvalidParameters)
	ErrInvalidFragFlag   = fmt.Errorf("%w: frame: invalid fragment flag", protocol.ErrInvalidParameters)
	ErrPayloadTooLarge   = fmt.Errorf("%w: frame: payload too large", protocol.ErrResourceExhausted)
	ErrTotalTooLarge     = fmt.Errorf("%w: frame: total length too large", protocol.ErrResourceExhausted)
	ErrHeaderTooLarge    = fmt.Errorf("%w: frame: header too large", protocol.ErrResourceExhausted)
)

// FragFlag marks where a frame sits inside one logical message.
type FragFlag uint8

const (
	FragNone FragFlag = iota
	FragStart
	FragMid
	FragEnd
)

var fragNames = [...]string{"none", "start", "mid", "end"}

func (f FragFlag) String() string {
	if int(f) < len(fragNames) {
		return fragNames[f]
	}
	return fmt.Sprintf("unknown(%d)", uint8(f))
}

// Header is the session data header. Everything after the preamble is TLV
// encoded, so peers may append fields this version does not know.
type Header struct {
	Version    uint16
	Frag       FragFlag
	DataType   uint32
	Seq        uint32
	SubSeq     uint32
	TotalLen   uint32
	PayloadLen uint32
	// Extra holds fields unknown to this version, kept for re-encoding.
	Extra []tlv.Field
}

// Frame is one complete wire unit.
type Frame struct {
	Header  Header
	Payload []byte
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes uint32
	MaxTotalBytes   uint32
}

func DefaultLimits() Limits {
	return Limits{
		MaxPayloadBytes: 4 * 1024 * 1024,
		MaxTotalBytes:   100 * 1024 * 1024,
	}
}

func (h Header) fields() []tlv.Field {
	fields := []tlv.Field{
		tlv.U8(schema.FieldFragFlag, uint8(h.Frag)),
		tlv.U32(schema.FieldDataType, h.DataType),
		tlv.U32(schema.FieldSeq, h.Seq),
		tlv.U32(schema.FieldSubSeq, h.SubSeq),
		tlv.U32(schema.FieldTotalLen, h.TotalLen),
		tlv.U32(schema.FieldPayloadLen, h.PayloadLen),
	}
	return append(fields, h.Extra...)
}

// EncodedLen is the header size on the wire, preamble included.
func (h Header) EncodedLen() int {
	return PreambleLen + tlv.EncodedLen(h.fields())
}

// HeaderLen is the encoded size of a header without extra fields.
var HeaderLen = Header{}.EncodedLen()

// EncodeHeader packs h. Callers must keep h.EncodedLen() within MaxHeaderLen;
// Encode checks it.
func EncodeHeader(h Header) []byte {
	if h.Version == 0 {
		h.Version = Version
	}
	fields := h.fields()
	buf := make([]byte, PreambleLen+tlv.EncodedLen(fields))
	binary.BigEndian.PutUint32(buf[0:4], Magic)
	binary.BigEndian.PutUint16(buf[4:6], h.Version)
	binary.BigEndian.PutUint16(buf[6:8], uint16(len(buf)))
	i := PreambleLen
	for _, f := range fields {
		i += tlv.PutField(buf[i:], f)
	}
	return buf
}

// PeekLen reports the full frame length announced at the start of b. ok is
// false while b does not yet hold the whole header.
func PeekLen(b []byte, limits Limits) (n int, ok bool, err error) {
	if len(b) < PreambleLen {
		return 0, false, nil
	}
	headerLen, err := preamble(b)
	if err != nil {
		return 0, false, err
	}
	if len(b) < headerLen {
		return 0, false, nil
	}
	h, err := decodeFields(b[:headerLen], limits)
	if err != nil {
		return 0, false, err
	}
	return headerLen + int(h.PayloadLen), true, nil
}

// DecodeHeader decodes the header at the start of b and returns its encoded length.
func DecodeHeader(b []byte, limits Limits) (Header, int, error) {
	if len(b) < PreambleLen {
		return Header{}, 0, ErrShortPreamble
	}
	headerLen, err := preamble(b)
	if err != nil {
		return Header{}, 0, err
	}
	if headerLen > len(b) {
		return Header{}, 0, fmt.Errorf("%w: header_len=%d have=%d", ErrShortHeader, headerLen, len(b))
	}
	h, err := decodeFields(b[:headerLen], limits)
	if err != nil {
		return Header{}, 0, err
	}
	return h, headerLen, nil
}

func preamble(b []byte) (int, error) {
	if binary.BigEndian.Uint32(b[0:4]) != Magic {
		return 0, ErrInvalidMagic
	}
	headerLen := int(binary.BigEndian.Uint16(b[6:8]))
	if headerLen < PreambleLen {
		return 0, ErrHeaderLenTooSmall
	}
	return headerLen, nil
}

func decodeFields(b []byte, limits Limits) (Header, error) {
	h := Header{Version: binary.BigEndian.Uint16(b[4:6])}
	fields, err := tlv.DecodeFields(b[PreambleLen:])
	if err != nil {
		return Header{}, err
	}
	if err := schema.Validate(h.Version, fields); err != nil {
		return Header{}, err
	}
	for _, f := range fields {
		var err error
		switch f.ID {
		case schema.FieldFragFlag:
			var v uint8
			v, err = f.Uint8()
			h.Frag = FragFlag(v)
		case schema.FieldDataType:
			h.DataType, err = f.Uint32()
		case schema.FieldSeq:
			h.Seq, err = f.Uint32()
		case schema.FieldSubSeq:
			h.SubSeq, err = f.Uint32()
		case schema.FieldTotalLen:
			h.TotalLen, err = f.Uint32()
		case schema.FieldPayloadLen:
			h.PayloadLen, err = f.Uint32()
		default:
			h.Extra = append(h.Extra, f)
		}
		if err != nil {
			return Header{}, err
		}
	}
	if err := h.Validate(limits); err != nil {
		return Header{}, err
	}
	return h, nil
}

// Validate checks the header's length and fragment invariants.
func (h Header) Validate(limits Limits) error {
	if h.Frag > FragEnd {
		return fmt.Errorf("%w: %d", ErrInvalidFragFlag, uint8(h.Frag))
	}
	if limits.MaxPayloadBytes > 0 && h.PayloadLen > limits.MaxPayloadBytes {
		return fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, h.PayloadLen, limits.MaxPayloadBytes)
	}
	if limits.MaxTotalBytes > 0 && h.TotalLen > limits.MaxTotalBytes {
		return fmt.Errorf("%w: %d > %d", ErrTotalTooLarge, h.TotalLen, limits.MaxTotalBytes)
	}
	if h.TotalLen < h.PayloadLen {
		return fmt.Errorf("%w: total=%d payload=%d", ErrLengthsInvalid, h.TotalLen, h.PayloadLen)
	}
	if h.Frag == FragNone && (h.TotalLen != h.PayloadLen || h.SubSeq != 0) {
		return fmt.Errorf("%w: single frame total=%d payload=%d sub_seq=%d",
			ErrLengthsInvalid, h.TotalLen, h.PayloadLen, h.SubSeq)
	}
	return nil
}

// Encode packs one frame. PayloadLen is taken from the payload.
func Encode(f Frame, limits Limits) ([]byte, error) {
	h := f.Header
	h.PayloadLen = uint32(len(f.Payload))
	if err := h.Validate(limits); err != nil {
		return nil, err
	}
	if n := h.EncodedLen(); n > MaxHeaderLen {
		return nil, fmt.Errorf("%w: %d > %d", ErrHeaderTooLarge, n, MaxHeaderLen)
	}
	hb := EncodeHeader(h)
	out := make([]byte, len(hb)+len(f.Payload))
	copy(out, hb)
	copy(out[len(hb):], f.Payload)
	return out, nil
}

// Decode unpacks exactly one frame from b.
func Decode(b []byte, limits Limits) (Frame, error) {
	h, n, err := DecodeHeader(b, limits)
	if err != nil {
		return Frame{}, err
	}
	if len(b)-n != int(h.PayloadLen) {
		return Frame{}, fmt.Errorf("%w: payload_len=%d have=%d", ErrPayloadLenInvalid, h.PayloadLen, len(b)-n)
	}
	return Frame{Header: h, Payload: b[n:]}, nil
}
