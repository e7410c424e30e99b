package command

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/danmuck/collabctl/internal/protocol"
)

var (
	ErrMalformed    = fmt.Errorf("%w: command: malformed document", protocol.ErrInvalidParameters)
	ErrMissingField = fmt.Errorf("%w: command: missing required field", protocol.ErrInvalidParameters)
	ErrFieldType    = fmt.Errorf("%w: command: field type mismatch", protocol.ErrInvalidParameters)
	ErrInvalidBlob  = fmt.Errorf("%w: command: invalid parameter blob", protocol.ErrInvalidParameters)
	ErrUnknownKind  = fmt.Errorf("%w: command: unknown command kind", protocol.ErrInvalidParameters)
)

// Decode phases.
const (
	PhaseBase         = "base"
	PhaseSinkStart    = "sink_start"
	PhaseCallerInfo   = "caller_info"
	PhaseAccountInfo  = "account_info"
	PhaseNotifyResult = "notify_result"
	PhaseDisconnect   = "disconnect"
)

// DecodeError pins a decode failure to the document phase and field that
// caused it.
type DecodeError struct {
	Phase string
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("command: decode %s: %v", e.Phase, e.Err)
	}
	return fmt.Sprintf("command: decode %s.%s: %v", e.Phase, e.Field, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func decodeErr(phase, field string, err error) error {
	return &DecodeError{Phase: phase, Field: field, Err: err}
}

// jsonErr classifies an encoding/json failure for phase. field names the
// member being decoded, if any.
func jsonErr(phase, field string, err error) error {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		if field == "" {
			field = typeErr.Field
		}
		return decodeErr(phase, field, fmt.Errorf("%w: %s", ErrFieldType, typeErr.Value))
	}
	return decodeErr(phase, "", fmt.Errorf("%w: %v", ErrMalformed, err))
}
