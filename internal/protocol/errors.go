package protocol

import (
	"errors"
	"fmt"
)

// Error classes shared by every collaboration package. Package sentinels wrap
// exactly one of these so callers can branch with errors.Is.
var (
	ErrInvalidParameters = errors.New("protocol: invalid parameters")
	ErrInvalidState      = errors.New("protocol: invalid state")
	ErrProtocolMismatch  = errors.New("protocol: protocol mismatch")
	ErrPeerRejected      = errors.New("protocol: peer rejected")
	ErrResourceExhausted = errors.New("protocol: resource exhausted")
	ErrEncoding          = errors.New("protocol: encoding failed")
)

// PeerRejectedError is returned when the remote side declined the collaboration.
type PeerRejectedError struct {
	Reason string
}

func (e PeerRejectedError) Error() string {
	if e.Reason == "" {
		return ErrPeerRejected.Error()
	}
	return fmt.Sprintf("%s: %s", ErrPeerRejected.Error(), e.Reason)
}

func (e PeerRejectedError) Unwrap() error {
	return ErrPeerRejected
}

// Wire result codes carried by NotifyResult and client notifications.
const (
	ResultOK int32 = 0

	resultBase int32 = 29360128

	ResultInvalidParameters  int32 = resultBase
	ResultInvalidState       int32 = resultBase + 500
	ResultProtocolMismatch   int32 = resultBase + 501
	ResultAbilityReject      int32 = resultBase + 502
	ResultResourceExhausted  int32 = resultBase + 503
	ResultEncoding           int32 = resultBase + 504
	ResultAbilityTimeout     int32 = resultBase + 505
	ResultSessionShutdown    int32 = resultBase + 506
	ResultAlreadyInProgress  int32 = resultBase + 507
	ResultSendEventFailed    int32 = resultBase + 508
	ResultPeerVersionTooLow  int32 = resultBase + 509
	ResultStartAbilityFailed int32 = resultBase + 510
)

var resultNames = map[int32]string{
	ResultOK:                 "OK",
	ResultInvalidParameters:  "INVALID_PARAMETERS",
	ResultInvalidState:       "INVALID_STATE",
	ResultProtocolMismatch:   "PROTOCOL_MISMATCH",
	ResultAbilityReject:      "ABILITY_REJECT",
	ResultResourceExhausted:  "RESOURCE_EXHAUSTED",
	ResultEncoding:           "ENCODING",
	ResultAbilityTimeout:     "ABILITY_TIMEOUT",
	ResultSessionShutdown:    "SESSION_SHUTDOWN",
	ResultAlreadyInProgress:  "ALREADY_IN_PROGRESS",
	ResultSendEventFailed:    "SEND_EVENT_FAILED",
	ResultPeerVersionTooLow:  "PEER_VERSION_TOO_LOW",
	ResultStartAbilityFailed: "START_ABILITY_FAILED",
}

// ResultName renders a result code for logs.
func ResultName(code int32) string {
	if name, ok := resultNames[code]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", code)
}

// CodedError pins an explicit wire result code onto an error class.
type CodedError struct {
	Code int32
	Err  error
}

func (e CodedError) Error() string {
	if e.Err == nil {
		return ResultName(e.Code)
	}
	return fmt.Sprintf("%s (%s)", e.Err.Error(), ResultName(e.Code))
}

func (e CodedError) Unwrap() error {
	return e.Err
}

// ResultCode maps an error onto the wire result code.
func ResultCode(err error) int32 {
	if err == nil {
		return ResultOK
	}
	var coded CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	switch {
	case errors.Is(err, ErrPeerRejected):
		return ResultAbilityReject
	case errors.Is(err, ErrInvalidState):
		return ResultInvalidState
	case errors.Is(err, ErrProtocolMismatch):
		return ResultProtocolMismatch
	case errors.Is(err, ErrResourceExhausted):
		return ResultResourceExhausted
	case errors.Is(err, ErrEncoding):
		return ResultEncoding
	default:
		return ResultInvalidParameters
	}
}

// ResultError maps a wire result code back onto the error taxonomy.
func ResultError(code int32) error {
	var class error
	switch code {
	case ResultOK:
		return nil
	case ResultAbilityReject:
		class = ErrPeerRejected
	case ResultInvalidState, ResultSendEventFailed, ResultAlreadyInProgress:
		class = ErrInvalidState
	case ResultProtocolMismatch, ResultPeerVersionTooLow:
		class = ErrProtocolMismatch
	case ResultResourceExhausted, ResultAbilityTimeout:
		class = ErrResourceExhausted
	case ResultEncoding:
		class = ErrEncoding
	default:
		class = ErrInvalidParameters
	}
	return CodedError{Code: code, Err: class}
}
