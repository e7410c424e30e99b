package state

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/danmuck/collabctl/internal/protocol"
	"github.com/danmuck/collabctl/internal/testutil/testlog"
)

// scriptedActions drives the machine the way a context would: each action
// records its call and requests the follow-up transition.
type scriptedActions struct {
	m           *Machine
	calls       []string
	sent        []string
	torndown    int
	startErr    error
	peerVersion string
}

func (a *scriptedActions) record(format string, args ...any) {
	a.calls = append(a.calls, fmt.Sprintf(format, args...))
}

func (a *scriptedActions) ExeSrcGetPeerVersion() error {
	a.record("src_get_peer_version")
	a.peerVersion = "5.1.0"
	return nil
}

func (a *scriptedActions) ExeSrcGetVersion(version string) error {
	a.record("src_get_version %s", version)
	a.m.UpdateState(SourceStart)
	return nil
}

func (a *scriptedActions) ExeSrcGetPeerVersionError(result int32) error {
	a.record("src_get_peer_version_error %d", result)
	a.torndown++
	a.m.UpdateState(SourceWaitEnd)
	return nil
}

func (a *scriptedActions) ExeSrcStart() error {
	a.record("src_start")
	if a.startErr != nil {
		return a.startErr
	}
	a.sent = append(a.sent, "SINK_START")
	a.m.UpdateState(SourceWaitResult)
	return nil
}

func (a *scriptedActions) ExeSrcStartError(result int32) error {
	a.record("src_start_error %d", result)
	a.torndown++
	a.m.UpdateState(SourceWaitEnd)
	return nil
}

func (a *scriptedActions) ExeSrcCollabResult(result int32, reason string) error {
	a.record("src_collab_result %d %q", result, reason)
	a.m.UpdateState(SourceWaitEnd)
	return nil
}

func (a *scriptedActions) ExeSrcWaitResultError(result int32) error {
	a.record("src_wait_result_error %d", result)
	a.m.UpdateState(SourceWaitEnd)
	return nil
}

func (a *scriptedActions) ExeSinkGetVersion() error {
	a.record("sink_get_version")
	a.m.UpdateState(SinkStart)
	return nil
}

func (a *scriptedActions) ExeSinkGetVersionError(result int32) error {
	a.record("sink_get_version_error %d", result)
	a.m.UpdateState(SinkWaitEnd)
	return nil
}

func (a *scriptedActions) ExeStartAbility() error {
	a.record("start_ability")
	a.m.UpdateState(SinkConnect)
	return nil
}

func (a *scriptedActions) ExeSinkStartError(result int32) error {
	a.record("sink_start_error %d", result)
	a.m.UpdateState(SinkWaitEnd)
	return nil
}

func (a *scriptedActions) ExeSinkPrepareResult(result int32) error {
	a.record("sink_prepare_result %d", result)
	a.sent = append(a.sent, fmt.Sprintf("NOTIFY_RESULT %d", result))
	a.m.UpdateState(SinkWaitEnd)
	return nil
}

func (a *scriptedActions) ExeAbilityRejectError(reason string) error {
	a.record("ability_reject %q", reason)
	a.sent = append(a.sent, fmt.Sprintf("NOTIFY_RESULT %d %s", protocol.ResultAbilityReject, reason))
	a.m.UpdateState(SinkWaitEnd)
	return nil
}

func (a *scriptedActions) ExeSinkConnectError(result int32) error {
	a.record("sink_connect_error %d", result)
	a.m.UpdateState(SinkWaitEnd)
	return nil
}

func (a *scriptedActions) ExeDisconnect() error {
	a.record("disconnect")
	if a.torndown == 0 {
		a.sent = append(a.sent, "DISCONNECT")
	}
	a.torndown++
	return nil
}

func newScripted(initial Type) (*Machine, *scriptedActions) {
	a := &scriptedActions{}
	m := NewMachine(a, initial)
	a.m = m
	return m, a
}

// sample payloads matching what each event expects
func sampleEvent(e EventType) Event {
	switch e {
	case EventSourceGetVersion, EventAbilityReject:
		return MessageEvent(e, "x")
	case EventNotifyResult, EventNotifyPrepareResult, EventErrorEnd:
		return ResultEvent(e, protocol.ResultOK)
	default:
		return NewEvent(e)
	}
}

func TestUnacceptedEventsLeaveStateUnchanged(t *testing.T) {
	testlog.Start(t)
	for _, st := range AllTypes() {
		for _, ev := range AllEventTypes() {
			if Accepts(st, ev) {
				continue
			}
			m, a := newScripted(st)
			err := m.Execute(sampleEvent(ev))
			if !errors.Is(err, ErrEventRejected) || !errors.Is(err, protocol.ErrInvalidState) {
				t.Fatalf("%s/%s: expected invalid state, got %v", st, ev, err)
			}
			if m.GetStateType() != st {
				t.Fatalf("%s/%s: state changed to %s", st, ev, m.GetStateType())
			}
			if len(a.calls) != 0 {
				t.Fatalf("%s/%s: handler ran: %v", st, ev, a.calls)
			}
		}
	}
}

func TestEveryStateAcceptsErrorEnd(t *testing.T) {
	testlog.Start(t)
	for _, st := range AllTypes() {
		if !Accepts(st, EventErrorEnd) {
			t.Fatalf("%s must accept %s", st, EventErrorEnd)
		}
	}
	if !Accepts(SourceWaitEnd, EventEnd) || !Accepts(SinkWaitEnd, EventEnd) {
		t.Fatalf("wait-end states must accept %s", EventEnd)
	}
}

func TestSourceHappyPath(t *testing.T) {
	testlog.Start(t)
	m, a := newScripted(SourceGetPeerVersion)

	steps := []struct {
		ev   Event
		want Type
	}{
		{NewEvent(EventSourceGetPeerVersion), SourceGetPeerVersion},
		{MessageEvent(EventSourceGetVersion, "5.1.0"), SourceStart},
		{NewEvent(EventSourceStart), SourceWaitResult},
		{ResultEvent(EventNotifyResult, protocol.ResultOK), SourceWaitEnd},
		{NewEvent(EventEnd), SourceWaitEnd},
	}
	for _, s := range steps {
		if err := m.Execute(s.ev); err != nil {
			t.Fatalf("%s: %v", s.ev, err)
		}
		if got := m.GetStateType(); got != s.want {
			t.Fatalf("after %s expected %s, got %s", s.ev, s.want, got)
		}
	}
	want := []string{"SINK_START", "DISCONNECT"}
	if strings.Join(a.sent, ",") != strings.Join(want, ",") {
		t.Fatalf("expected sends %v, got %v", want, a.sent)
	}
}

func TestSinkRejectionPath(t *testing.T) {
	testlog.Start(t)
	m, a := newScripted(SinkConnect)
	if err := m.Execute(MessageEvent(EventAbilityReject, "user declined")); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if m.GetStateType() != SinkWaitEnd {
		t.Fatalf("expected %s, got %s", SinkWaitEnd, m.GetStateType())
	}
	last := a.sent[len(a.sent)-1]
	if !strings.Contains(last, "user declined") || !strings.Contains(last, fmt.Sprint(protocol.ResultAbilityReject)) {
		t.Fatalf("notify result must carry the reject reason, got %q", last)
	}
}

func TestSourceAbilityRejectUsesRejectCode(t *testing.T) {
	testlog.Start(t)
	m, a := newScripted(SourceWaitResult)
	if err := m.Execute(MessageEvent(EventAbilityReject, "busy")); err != nil {
		t.Fatalf("reject: %v", err)
	}
	want := fmt.Sprintf("src_collab_result %d %q", protocol.ResultAbilityReject, "busy")
	if a.calls[0] != want {
		t.Fatalf("expected %q, got %q", want, a.calls[0])
	}
}

func TestTeardownIsIdempotent(t *testing.T) {
	testlog.Start(t)
	for _, st := range []Type{SourceWaitEnd, SinkWaitEnd} {
		m, a := newScripted(st)
		for i := 0; i < 2; i++ {
			if err := m.Execute(ResultEvent(EventErrorEnd, protocol.ResultSessionShutdown)); err != nil {
				t.Fatalf("%s err end #%d: %v", st, i, err)
			}
			if err := m.Execute(NewEvent(EventEnd)); err != nil {
				t.Fatalf("%s end #%d: %v", st, i, err)
			}
		}
		if m.GetStateType() != st {
			t.Fatalf("terminal state moved to %s", m.GetStateType())
		}
		if len(a.sent) != 1 {
			t.Fatalf("expected one disconnect, got %v", a.sent)
		}
	}
}

func TestHandlerErrorPropagatesWithoutTransition(t *testing.T) {
	testlog.Start(t)
	m, a := newScripted(SourceStart)
	a.startErr = fmt.Errorf("%w: dial failed", protocol.ErrInvalidParameters)
	err := m.Execute(NewEvent(EventSourceStart))
	if !errors.Is(err, protocol.ErrInvalidParameters) {
		t.Fatalf("expected handler error, got %v", err)
	}
	if m.GetStateType() != SourceStart {
		t.Fatalf("expected state unchanged, got %s", m.GetStateType())
	}
}

func TestPayloadTypeValidated(t *testing.T) {
	testlog.Start(t)
	m, a := newScripted(SourceWaitResult)
	err := m.Execute(MessageEvent(EventNotifyResult, "zero"))
	if !errors.Is(err, ErrPayloadType) || !errors.Is(err, protocol.ErrInvalidParameters) {
		t.Fatalf("expected payload type error, got %v", err)
	}
	if err := m.Execute(NewEvent(EventErrorEnd)); !errors.Is(err, ErrPayloadType) {
		t.Fatalf("expected missing payload error, got %v", err)
	}
	if len(a.calls) != 0 {
		t.Fatalf("handler must not run on bad payload: %v", a.calls)
	}
}

func TestNameTablesHandleUnknownValues(t *testing.T) {
	testlog.Start(t)
	if Type(99).String() != "UNKNOWN_STATE(99)" || Type(-1).String() != "UNKNOWN_STATE(-1)" {
		t.Fatalf("unexpected unknown state names")
	}
	if EventType(42).String() != "UNKNOWN_EVENT(42)" {
		t.Fatalf("unexpected unknown event name")
	}
	for _, st := range AllTypes() {
		if strings.HasPrefix(st.String(), "UNKNOWN") {
			t.Fatalf("state %d has no name", st)
		}
	}
	for _, ev := range AllEventTypes() {
		got, ok := ParseEventType(ev.String())
		if !ok || got != ev {
			t.Fatalf("event %s does not parse back", ev)
		}
	}
	m, _ := newScripted(Type(77))
	if err := m.Execute(NewEvent(EventEnd)); !errors.Is(err, ErrEventRejected) {
		t.Fatalf("unknown state must reject, got %v", err)
	}
}

func TestNilMachineOrActions(t *testing.T) {
	testlog.Start(t)
	var m *Machine
	if err := m.Execute(NewEvent(EventEnd)); !errors.Is(err, protocol.ErrInvalidParameters) {
		t.Fatalf("expected invalid parameters, got %v", err)
	}
	m = NewMachine(nil, SinkStart)
	if err := m.Execute(NewEvent(EventStartAbility)); !errors.Is(err, ErrNoActions) {
		t.Fatalf("expected ErrNoActions, got %v", err)
	}
}

func TestVersionComparison(t *testing.T) {
	testlog.Start(t)
	threshold := Version{Major: 5, Minor: 1, Feature: 0}
	cases := []struct {
		remote string
		lower  bool
	}{
		{"", true},
		{"garbage", true},
		{"5.1", true},
		{"5.-1.0", true},
		{"4.9.9", true},
		{"5.0.9", true},
		{"5.1.0", false},
		{"5.1.3", false},
		{"6.0.0", false},
	}
	for _, tc := range cases {
		if got := IsRemoteVersionLower(tc.remote, threshold); got != tc.lower {
			t.Fatalf("remote %q: expected lower=%t, got %t", tc.remote, tc.lower, got)
		}
	}
	v, err := ParseVersion(" 3.2.1 ")
	if err != nil || v.String() != "3.2.1" {
		t.Fatalf("expected 3.2.1, got %v err=%v", v, err)
	}
	if _, err := ParseVersion("1.2.x"); !errors.Is(err, ErrVersionFormat) {
		t.Fatalf("expected format error, got %v", err)
	}
}
