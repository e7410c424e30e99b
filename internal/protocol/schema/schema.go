package schema

import (
	"fmt"

	logs "github.com/danmuck/collabctl/internal/logging"
	"github.com/danmuck/collabctl/internal/protocol"
	"github.com/danmuck/collabctl/internal/protocol/tlv"
)

// Header versions.
const (
	HeaderV1 uint16 = 1
)

// Header field ids.
const (
	FieldFragFlag   uint16 = 1002
	FieldDataType   uint16 = 1003
	FieldSeq        uint16 = 1004
	FieldTotalLen   uint16 = 1005
	FieldSubSeq     uint16 = 1006
	FieldPayloadLen uint16 = 1007
)

type Requirement struct {
	ID   uint16
	Type uint8
	Len  int
}

type ValidationError struct {
	Version uint16
	FieldID uint16
	Reason  string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: header_version=%d: %s", e.Version, e.Reason)
	}
	return fmt.Sprintf("schema: header_version=%d field=%d: %s", e.Version, e.FieldID, e.Reason)
}

func (e ValidationError) Unwrap() error {
	if e.FieldID == 0 {
		return protocol.ErrProtocolMismatch
	}
	return protocol.ErrInvalidParameters
}

var requirements = map[uint16][]Requirement{
	HeaderV1: {
		{FieldFragFlag, tlv.TypeU8, 1},
		{FieldDataType, tlv.TypeU32, 4},
		{FieldSeq, tlv.TypeU32, 4},
		{FieldSubSeq, tlv.TypeU32, 4},
		{FieldTotalLen, tlv.TypeU32, 4},
		{FieldPayloadLen, tlv.TypeU32, 4},
	},
}

// Required returns the field requirements for a header version.
func Required(version uint16) ([]Requirement, bool) {
	reqs, ok := requirements[version]
	return reqs, ok
}

// Validate enforces required header fields, their value types and value lengths.
// Each required field must appear exactly once. Unknown fields are ignored so
// newer peers can extend the header.
func Validate(version uint16, fields []tlv.Field) error {
	logs.Tracef("schema.Validate header_version=%d fields=%d", version, len(fields))
	reqs, ok := requirements[version]
	if !ok {
		logs.Errf("schema.Validate unsupported header_version=%d", version)
		return ValidationError{Version: version, Reason: "unsupported header version"}
	}
	for _, req := range reqs {
		f, count := tlv.Lookup(fields, req.ID)
		if count == 0 {
			logs.Errf("schema.Validate missing field header_version=%d field_id=%d", version, req.ID)
			return ValidationError{Version: version, FieldID: req.ID, Reason: "missing required field"}
		}
		if count > 1 {
			logs.Errf("schema.Validate repeated field header_version=%d field_id=%d count=%d", version, req.ID, count)
			return ValidationError{Version: version, FieldID: req.ID, Reason: "repeated required field"}
		}
		if f.Type != req.Type {
			logs.Errf(
				"schema.Validate type mismatch header_version=%d field_id=%d got=%d want=%d",
				version,
				req.ID,
				f.Type,
				req.Type,
			)
			return ValidationError{Version: version, FieldID: req.ID, Reason: "type mismatch"}
		}
		if len(f.Value) != req.Len {
			logs.Errf(
				"schema.Validate length mismatch header_version=%d field_id=%d got=%d want=%d",
				version,
				req.ID,
				len(f.Value),
				req.Len,
			)
			return ValidationError{Version: version, FieldID: req.ID, Reason: "length mismatch"}
		}
	}
	return nil
}

