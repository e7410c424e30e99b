// Package state sequences the collaboration handshake. Each state owns a
// table from event type to handler; an event missing from the table is
// rejected without a transition. Handlers perform the side effect through
// Actions and request their own follow-up transition.
package state

import (
	"fmt"
	"sync/atomic"

	logs "github.com/danmuck/collabctl/internal/logging"
	"github.com/danmuck/collabctl/internal/observability"
	"github.com/danmuck/collabctl/internal/protocol"
)

var (
	ErrEventRejected = fmt.Errorf("%w: state: event not accepted in current state", protocol.ErrInvalidState)
	ErrNoActions     = fmt.Errorf("%w: state: machine has no actions bound", protocol.ErrInvalidParameters)
)

// Actions is implemented by the collaboration context that owns the machine.
// Every method runs on the context's event goroutine.
type Actions interface {
	ExeSrcGetPeerVersion() error
	ExeSrcGetVersion(version string) error
	ExeSrcGetPeerVersionError(result int32) error
	ExeSrcStart() error
	ExeSrcStartError(result int32) error
	ExeSrcCollabResult(result int32, reason string) error
	ExeSrcWaitResultError(result int32) error

	ExeSinkGetVersion() error
	ExeSinkGetVersionError(result int32) error
	ExeStartAbility() error
	ExeSinkStartError(result int32) error
	ExeSinkPrepareResult(result int32) error
	ExeAbilityRejectError(reason string) error
	ExeSinkConnectError(result int32) error

	ExeDisconnect() error
}

type handler func(a Actions, ev Event) error

func withResult(fn func(a Actions, code int32) error) handler {
	return func(a Actions, ev Event) error {
		code, err := ev.Result()
		if err != nil {
			return err
		}
		return fn(a, code)
	}
}

func withMessage(fn func(a Actions, msg string) error) handler {
	return func(a Actions, ev Event) error {
		msg, err := ev.Message()
		if err != nil {
			return err
		}
		return fn(a, msg)
	}
}

func plain(fn func(a Actions) error) handler {
	return func(a Actions, _ Event) error { return fn(a) }
}

var disconnect = plain(Actions.ExeDisconnect)

var tables = map[Type]map[EventType]handler{
	SourceGetPeerVersion: {
		EventSourceGetPeerVersion: plain(Actions.ExeSrcGetPeerVersion),
		EventSourceGetVersion:     withMessage(Actions.ExeSrcGetVersion),
		EventErrorEnd:             withResult(Actions.ExeSrcGetPeerVersionError),
	},
	SourceStart: {
		EventSourceStart: plain(Actions.ExeSrcStart),
		EventErrorEnd:    withResult(Actions.ExeSrcStartError),
	},
	SourceWaitResult: {
		EventNotifyResult: withResult(func(a Actions, code int32) error {
			return a.ExeSrcCollabResult(code, "")
		}),
		EventAbilityReject: withMessage(func(a Actions, reason string) error {
			return a.ExeSrcCollabResult(protocol.ResultAbilityReject, reason)
		}),
		EventErrorEnd: withResult(Actions.ExeSrcWaitResultError),
	},
	SourceWaitEnd: {
		EventErrorEnd: disconnect,
		EventEnd:      disconnect,
	},
	SinkGetVersion: {
		EventGetSinkVersion: plain(Actions.ExeSinkGetVersion),
		EventErrorEnd:       withResult(Actions.ExeSinkGetVersionError),
	},
	SinkStart: {
		EventStartAbility: plain(Actions.ExeStartAbility),
		EventErrorEnd:     withResult(Actions.ExeSinkStartError),
	},
	SinkConnect: {
		EventNotifyPrepareResult: withResult(Actions.ExeSinkPrepareResult),
		EventAbilityReject:       withMessage(Actions.ExeAbilityRejectError),
		EventErrorEnd:            withResult(Actions.ExeSinkConnectError),
	},
	SinkWaitEnd: {
		EventErrorEnd: disconnect,
		EventEnd:      disconnect,
	},
}

// Accepts reports whether state t has a handler for event e.
func Accepts(t Type, e EventType) bool {
	_, ok := tables[t][e]
	return ok
}

type state struct {
	typ      Type
	handlers map[EventType]handler
}

func newState(t Type) *state {
	h, ok := tables[t]
	if !ok {
		logs.Warnf("state.newState unknown state %s has no handlers", t)
	}
	return &state{typ: t, handlers: h}
}

// Machine holds exactly one current state. Execute and UpdateState are called
// from the owning event goroutine; GetStateType is safe from any goroutine.
type Machine struct {
	actions Actions
	current atomic.Pointer[state]
}

func NewMachine(actions Actions, initial Type) *Machine {
	m := &Machine{actions: actions}
	m.current.Store(newState(initial))
	logs.Debugf("state.NewMachine initial=%s", initial)
	return m
}

func (m *Machine) GetStateType() Type {
	return m.current.Load().typ
}

// Execute dispatches ev to the current state's handler. The machine itself
// never transitions here.
func (m *Machine) Execute(ev Event) error {
	if m == nil || m.actions == nil {
		return ErrNoActions
	}
	st := m.current.Load()
	h, ok := st.handlers[ev.Type]
	if !ok {
		logs.Infof("state.Execute %s rejected in %s", ev.Type, st.typ)
		observability.RecordEventRejected(st.typ.String(), ev.Type.String())
		return fmt.Errorf("%w: %s in %s", ErrEventRejected, ev.Type, st.typ)
	}
	if err := h(m.actions, ev); err != nil {
		logs.Errf("state.Execute state=%s event=%s failed: %v", st.typ, ev, err)
		return err
	}
	return nil
}

// UpdateState replaces the current state. Any transition is allowed.
func (m *Machine) UpdateState(next Type) {
	prev := m.current.Swap(newState(next))
	if prev != nil {
		logs.Infof("state.UpdateState %s -> %s", prev.typ, next)
		observability.RecordStateTransition(prev.typ.String(), next.String())
	}
}
