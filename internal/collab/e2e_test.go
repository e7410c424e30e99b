package collab

import (
	"context"
	"testing"
	"time"

	"github.com/danmuck/collabctl/internal/protocol"
	"github.com/danmuck/collabctl/internal/protocol/session"
	"github.com/danmuck/collabctl/internal/testutil/testlog"
	"github.com/danmuck/collabctl/internal/transport"
)

// pipeDialer hands the dialing adapter one end of an in-memory pipe and
// registers the other end with the peer adapter.
type pipeDialer struct {
	local string
	peer  *transport.Adapter
}

func (d *pipeDialer) Dial(context.Context, string) (session.Channel, error) {
	a, b := session.Pipe(64)
	if _, err := d.peer.Accept(b, d.local); err != nil {
		return nil, err
	}
	return a, nil
}

func adapterConfig(local string, peers map[string]string) transport.Config {
	s := session.DefaultConfig()
	s.Backoff = session.BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 1, MaxAttempts: 3}
	return transport.Config{LocalDevice: local, Peers: peers, Session: s, ListenerPoolSize: 4}
}

type devices struct {
	source, sink             *Manager
	sourceNet, sinkNet       *transport.Adapter
	sourcePlat, sinkPlatform *platform
}

func newDevices(t *testing.T) devices {
	t.Helper()
	sinkNet, err := transport.New(adapterConfig(sinkDevice, nil), nil)
	if err != nil {
		t.Fatalf("sink adapter: %v", err)
	}
	sourceNet, err := transport.New(adapterConfig(sourceDevice, map[string]string{sinkDevice: "pipe"}),
		&pipeDialer{local: sourceDevice, peer: sinkNet})
	if err != nil {
		t.Fatalf("source adapter: %v", err)
	}
	d := devices{
		sourceNet:    sourceNet,
		sinkNet:      sinkNet,
		sourcePlat:   newPlatform("5.1.0"),
		sinkPlatform: newPlatform(""),
	}
	if d.source, err = NewManager(testManagerConfig(), sourceNet, d.sourcePlat.collaborators()); err != nil {
		t.Fatalf("source manager: %v", err)
	}
	if d.sink, err = NewManager(testManagerConfig(), sinkNet, d.sinkPlatform.collaborators()); err != nil {
		t.Fatalf("sink manager: %v", err)
	}
	t.Cleanup(func() {
		_ = d.source.Close()
		_ = d.sink.Close()
		_ = sourceNet.Close()
		_ = sinkNet.Close()
	})
	return d
}

// begin runs a mission until the sink asks its platform to start the ability.
func (d devices) begin(t *testing.T) string {
	t.Helper()
	token, err := d.source.CollabMission(context.Background(), sampleMission())
	if err != nil {
		t.Fatalf("collab mission: %v", err)
	}
	req := recv(t, d.sinkPlatform.starts, "sink ability start")
	if req.CollabToken != token {
		t.Fatalf("expected sink to see token %s, got %s", token, req.CollabToken)
	}
	return token
}

func TestCollaborationAcrossTransport(t *testing.T) {
	testlog.Start(t)
	d := newDevices(t)
	token := d.begin(t)

	if err := d.sink.NotifySinkPrepareResult(token, protocol.ResultOK, 11, "collab-sock"); err != nil {
		t.Fatalf("prepare result: %v", err)
	}
	ev := recv(t, d.sourcePlat.missions, "source prepare result")
	if ev.Result != protocol.ResultOK || ev.SocketName != "collab-sock" || ev.SinkCollabSessionID != 11 {
		t.Fatalf("unexpected source mission event: %+v", ev)
	}

	if err := d.source.NotifySessionClose(token); err != nil {
		t.Fatalf("session close: %v", err)
	}
	waitUntil(t, "both sides cleaned", func() bool {
		return stateOf(d.source, token) == "gone" && stateOf(d.sink, token) == "gone"
	})
	if ev := recv(t, d.sinkPlatform.missions, "sink disconnect"); ev.Kind != MissionDisconnect {
		t.Fatalf("unexpected sink mission event: %+v", ev)
	}
	waitUntil(t, "source session released", func() bool { return len(d.sourceNet.Sessions()) == 0 })
}

func TestRejectionAcrossTransport(t *testing.T) {
	testlog.Start(t)
	d := newDevices(t)
	token := d.begin(t)

	if err := d.sink.NotifySinkRejectReason(token, "user declined"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	ev := recv(t, d.sourcePlat.missions, "source prepare result")
	if ev.Result != protocol.ResultAbilityReject || ev.Reason != "user declined" {
		t.Fatalf("expected reject reason at the source, got %+v", ev)
	}
	if err := d.source.NotifySessionClose(token); err != nil {
		t.Fatalf("session close: %v", err)
	}
	waitUntil(t, "both sides cleaned", func() bool {
		return stateOf(d.source, token) == "gone" && stateOf(d.sink, token) == "gone"
	})
}

func TestSinkEndsWhenSourceGoesAway(t *testing.T) {
	testlog.Start(t)
	d := newDevices(t)
	token := d.begin(t)
	waitUntil(t, "sink connect", func() bool { return stateOf(d.sink, token) == "SINK_CONNECT_STATE" })

	_ = d.sourceNet.Close()
	rec := recv(t, d.sinkPlatform.reports, "sink analytics")
	if rec.Result != protocol.ResultSessionShutdown || rec.FinalState != "SINK_CONNECT_STATE" {
		t.Fatalf("unexpected sink analytics: %+v", rec)
	}
	waitUntil(t, "sink cleaned", func() bool { return stateOf(d.sink, token) == "gone" })
}
