package state

import (
	"fmt"

	"github.com/danmuck/collabctl/internal/protocol"
)

// Type names one collaboration state. Source states come first.
type Type int32

const (
	SourceGetPeerVersion Type = iota
	SourceStart
	SourceWaitResult
	SourceWaitEnd
	SinkGetVersion
	SinkStart
	SinkConnect
	SinkWaitEnd
)

var typeNames = [...]string{
	SourceGetPeerVersion: "SOURCE_GET_PEER_VERSION_STATE",
	SourceStart:          "SOURCE_START_STATE",
	SourceWaitResult:     "SOURCE_WAIT_RESULT_STATE",
	SourceWaitEnd:        "SOURCE_WAIT_END_STATE",
	SinkGetVersion:       "SINK_GET_VERSION_STATE",
	SinkStart:            "SINK_START_STATE",
	SinkConnect:          "SINK_CONNECT_STATE",
	SinkWaitEnd:          "SINK_WAIT_END_STATE",
}

func (t Type) String() string {
	if t >= 0 && int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("UNKNOWN_STATE(%d)", int32(t))
}

// IsSource reports whether t belongs to the source role.
func (t Type) IsSource() bool {
	return t >= SourceGetPeerVersion && t <= SourceWaitEnd
}

// AllTypes lists every state in declaration order.
func AllTypes() []Type {
	return []Type{
		SourceGetPeerVersion, SourceStart, SourceWaitResult, SourceWaitEnd,
		SinkGetVersion, SinkStart, SinkConnect, SinkWaitEnd,
	}
}

// EventType names one externally posted event.
type EventType int32

const (
	EventSourceGetPeerVersion EventType = iota
	EventSourceGetVersion
	EventSourceStart
	EventNotifyResult
	EventAbilityReject
	EventGetSinkVersion
	EventStartAbility
	EventNotifyPrepareResult
	EventErrorEnd
	EventEnd
)

var eventNames = [...]string{
	EventSourceGetPeerVersion: "SOURCE_GET_PEER_VERSION_EVENT",
	EventSourceGetVersion:     "SOURCE_GET_VERSION_EVENT",
	EventSourceStart:          "SOURCE_START_EVENT",
	EventNotifyResult:         "NOTIFY_RESULT_EVENT",
	EventAbilityReject:        "ABILITY_REJECT_EVENT",
	EventGetSinkVersion:       "GET_SINK_VERSION_EVENT",
	EventStartAbility:         "START_ABILITY_EVENT",
	EventNotifyPrepareResult:  "NOTIFY_PREPARE_RESULT_EVENT",
	EventErrorEnd:             "ERR_END_EVENT",
	EventEnd:                  "END_EVENT",
}

func (e EventType) String() string {
	if e >= 0 && int(e) < len(eventNames) {
		return eventNames[e]
	}
	return fmt.Sprintf("UNKNOWN_EVENT(%d)", int32(e))
}

// AllEventTypes lists every event in declaration order.
func AllEventTypes() []EventType {
	out := make([]EventType, len(eventNames))
	for i := range eventNames {
		out[i] = EventType(i)
	}
	return out
}

// ParseEventType resolves an event name such as "END_EVENT".
func ParseEventType(name string) (EventType, bool) {
	for i, n := range eventNames {
		if n == name {
			return EventType(i), true
		}
	}
	return 0, false
}

var ErrPayloadType = fmt.Errorf("%w: state: event payload type mismatch", protocol.ErrInvalidParameters)

// Event is one posted input. Its payload, when present, is either a result
// code or a text message depending on the event type.
type Event struct {
	Type    EventType
	payload any
}

// NewEvent builds an event without payload.
func NewEvent(t EventType) Event {
	return Event{Type: t}
}

// ResultEvent builds an event carrying a result code.
func ResultEvent(t EventType, code int32) Event {
	return Event{Type: t, payload: code}
}

// MessageEvent builds an event carrying a text message.
func MessageEvent(t EventType, msg string) Event {
	return Event{Type: t, payload: msg}
}

// Result returns the result-code payload.
func (e Event) Result() (int32, error) {
	code, ok := e.payload.(int32)
	if !ok {
		return 0, fmt.Errorf("%w: %s wants a result code, has %T", ErrPayloadType, e.Type, e.payload)
	}
	return code, nil
}

// Message returns the text payload.
func (e Event) Message() (string, error) {
	msg, ok := e.payload.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s wants a message, has %T", ErrPayloadType, e.Type, e.payload)
	}
	return msg, nil
}

// Payload exposes the raw payload for logging.
func (e Event) Payload() any {
	return e.payload
}

func (e Event) String() string {
	if e.payload == nil {
		return e.Type.String()
	}
	return fmt.Sprintf("%s(%v)", e.Type, e.payload)
}
