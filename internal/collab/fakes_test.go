package collab

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/collabctl/internal/collab/command"
	"github.com/danmuck/collabctl/internal/protocol/buffer"
	"github.com/danmuck/collabctl/internal/transport"
)

const (
	sourceDevice = "source-device-0001"
	sinkDevice   = "sink-device-0001"
)

// fakeTransport decodes every command a context sends.
type fakeTransport struct {
	local string
	peers map[string]bool

	mu          sync.Mutex
	peerOf      map[int32]string
	connects    int
	disconnects int
	connectErr  error
	sent        chan command.Command
}

func newFakeTransport(local string, peers ...string) *fakeTransport {
	f := &fakeTransport{
		local:  local,
		peers:  make(map[string]bool),
		peerOf: make(map[int32]string),
		sent:   make(chan command.Command, 32),
	}
	for _, p := range peers {
		f.peers[p] = true
	}
	return f
}

func (f *fakeTransport) LocalDevice() string { return f.local }

func (f *fakeTransport) HasPeer(deviceID string) bool { return f.peers[deviceID] }

func (f *fakeTransport) ConnectDevice(_ context.Context, deviceID string) (int32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return 0, f.connectErr
	}
	f.connects++
	f.peerOf[1] = deviceID
	return 1, nil
}

func (f *fakeTransport) DisconnectDevice(string) {
	f.mu.Lock()
	f.disconnects++
	f.mu.Unlock()
}

func (f *fakeTransport) SendData(_ context.Context, sessionID int32, _ uint32, buf *buffer.DataBuffer) error {
	f.mu.Lock()
	_, ok := f.peerOf[sessionID]
	f.mu.Unlock()
	if !ok {
		return errors.New("no such session")
	}
	cmd, err := command.Unmarshal(buf.Data())
	if err != nil {
		return err
	}
	f.sent <- cmd
	return nil
}

func (f *fakeTransport) PeerDevice(sessionID int32) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.peerOf[sessionID]
	return p, ok
}

func (f *fakeTransport) RegisterListener(uint32, transport.DataListener) {}

func (f *fakeTransport) inboundSession(id int32, peer string) {
	f.mu.Lock()
	f.peerOf[id] = peer
	f.mu.Unlock()
}

func (f *fakeTransport) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.disconnects
}

// platform records every collaborator call.
type platform struct {
	version  string
	startErr error

	missions chan MissionEvent
	starts   chan AbilityRequest
	reports  chan AnalyticsRecord
}

func newPlatform(version string) *platform {
	return &platform{
		version:  version,
		missions: make(chan MissionEvent, 32),
		starts:   make(chan AbilityRequest, 8),
		reports:  make(chan AnalyticsRecord, 8),
	}
}

func (p *platform) ResolvePeerVersion(context.Context, string) (string, error) {
	return p.version, nil
}

func (p *platform) StartLocalAbility(_ context.Context, req AbilityRequest) error {
	p.starts <- req
	return p.startErr
}

func (p *platform) NotifyMissionEvent(_ context.Context, ev MissionEvent) error {
	p.missions <- ev
	return nil
}

func (p *platform) ReportAnalytics(_ context.Context, rec AnalyticsRecord) {
	p.reports <- rec
}

func (p *platform) collaborators() Collaborators {
	return Collaborators{Peers: p, Starter: p, Notifier: p, Analytics: p}
}

func recv[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
	var zero T
	return zero
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// flush waits for everything already posted to the manager loop.
func flush(t *testing.T, m *Manager) {
	t.Helper()
	if err := m.do(context.Background(), func() error { return nil }); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func inbound(t *testing.T, m *Manager, sessionID int32, cmd command.Command) {
	t.Helper()
	data, err := command.Marshal(cmd)
	if err != nil {
		t.Fatalf("marshal %s: %v", cmd.Kind(), err)
	}
	m.OnDataReady(sessionID, transport.ServiceTypeCollab, mustBuffer(t, data))
}

func mustBuffer(t *testing.T, p []byte) *buffer.DataBuffer {
	t.Helper()
	buf, err := buffer.FromBytes(p)
	if err != nil {
		t.Fatalf("buffer: %v", err)
	}
	return buf
}

func stateOf(m *Manager, token string) string {
	s, ok := m.Get(token)
	if !ok {
		return "gone"
	}
	return s.State
}

func sampleMission() MissionRequest {
	return MissionRequest{
		SrcCollabSessionID: 42,
		Source: Endpoint{
			BundleName:  "com.example.notes",
			ModuleName:  "entry",
			AbilityName: "EntryAbility",
			PID:         4410,
			UID:         20010042,
			AccessToken: 537854329,
		},
		Sink: Endpoint{
			DeviceID:    sinkDevice,
			BundleName:  "com.example.notes",
			ModuleName:  "entry",
			AbilityName: "CollabAbility",
		},
		Options: ConnectOptions{
			NeedSendBigData: true,
			MessageParams:   command.Params{"doc": "draft.md"},
		},
	}
}

func testManagerConfig() Config {
	cfg := DefaultConfig()
	cfg.CollabTimeout = 2 * time.Second
	return cfg
}
