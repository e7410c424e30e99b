package collab

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/collabctl/internal/collab/command"
	"github.com/danmuck/collabctl/internal/collab/state"
	logs "github.com/danmuck/collabctl/internal/logging"
	"github.com/danmuck/collabctl/internal/observability"
	"github.com/danmuck/collabctl/internal/protocol"
	"github.com/danmuck/collabctl/internal/protocol/buffer"
	"github.com/danmuck/collabctl/internal/transport"
	"github.com/google/uuid"
)

var (
	ErrManagerClosed     = fmt.Errorf("%w: collab: manager closed", protocol.ErrInvalidState)
	ErrUnknownCollab     = fmt.Errorf("%w: collab: unknown collaboration", protocol.ErrInvalidParameters)
	ErrUnknownDevice     = fmt.Errorf("%w: collab: unknown device", protocol.ErrInvalidParameters)
	ErrAlreadyInProgress = fmt.Errorf("%w: collab: collaboration already in progress", protocol.ErrInvalidState)
)

const (
	DefaultCollabTimeout  = 20 * time.Second
	DefaultReadyTimeout   = 3 * time.Second
	DefaultEventQueueSize = 64
	DefaultReleaseDelay   = 5 * time.Second

	managerQueueSize = 256
)

type Config struct {
	MinPeerVersion state.Version
	CollabTimeout  time.Duration
	ReadyTimeout   time.Duration
	EventQueueSize int
	// ReleaseDelay applies only when ReleaseOnBackground is set.
	ReleaseDelay        time.Duration
	ReleaseOnBackground bool
}

func DefaultConfig() Config {
	return Config{
		MinPeerVersion: state.Version{Major: 5},
		CollabTimeout:  DefaultCollabTimeout,
		ReadyTimeout:   DefaultReadyTimeout,
		EventQueueSize: DefaultEventQueueSize,
		ReleaseDelay:   DefaultReleaseDelay,
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.CollabTimeout <= 0 {
		c.CollabTimeout = def.CollabTimeout
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = def.ReadyTimeout
	}
	if c.EventQueueSize <= 0 {
		c.EventQueueSize = def.EventQueueSize
	}
	if c.ReleaseDelay <= 0 {
		c.ReleaseDelay = def.ReleaseDelay
	}
	return c
}

// Manager owns every live collaboration on this device. Inbound transport
// data and context bookkeeping run on one serialized loop.
type Manager struct {
	env *env

	mu       sync.RWMutex
	contexts map[string]*Context
	timeouts map[string]*time.Timer
	releases map[string]*time.Timer

	tasks     chan func()
	stopped   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

var _ transport.DataListener = (*Manager)(nil)

// NewManager starts the manager loop and registers it for collaboration
// traffic on t.
func NewManager(cfg Config, t Transport, collaborators Collaborators) (*Manager, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: collab: nil transport", protocol.ErrInvalidParameters)
	}
	m := &Manager{
		contexts: make(map[string]*Context),
		timeouts: make(map[string]*time.Timer),
		releases: make(map[string]*time.Timer),
		tasks:    make(chan func(), managerQueueSize),
		stopped:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	m.env = &env{
		cfg:       cfg.normalized(),
		transport: t,
		collab:    collaborators.withDefaults(),
		onCleanup: func(token string) { _ = m.CleanUpSession(token) },
	}
	go m.run()
	t.RegisterListener(transport.ServiceTypeCollab, m)
	logs.Infof("collab.NewManager device=%s min_peer_version=%s timeout=%s",
		logs.Anonymize(t.LocalDevice()), m.env.cfg.MinPeerVersion, m.env.cfg.CollabTimeout)
	return m, nil
}

func (m *Manager) run() {
	defer close(m.done)
	for {
		select {
		case <-m.stopped:
			return
		case fn := <-m.tasks:
			fn()
		}
	}
}

func (m *Manager) post(fn func()) error {
	select {
	case <-m.stopped:
		return ErrManagerClosed
	default:
	}
	select {
	case m.tasks <- fn:
		return nil
	case <-m.stopped:
		return ErrManagerClosed
	}
}

// do runs fn on the manager loop and waits for its result.
func (m *Manager) do(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	if err := m.post(func() { errc <- fn() }); err != nil {
		return err
	}
	select {
	case err := <-errc:
		return err
	case <-m.done:
		return ErrManagerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) get(token string) *Context {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.contexts[strings.TrimSpace(token)]
}

func (m *Manager) lookup(token string) (*Context, error) {
	c := m.get(token)
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCollab, logs.Anonymize(token))
	}
	return c, nil
}

func (m *Manager) each(match func(*Context) bool) []*Context {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Context
	for _, c := range m.contexts {
		if match(c) {
			out = append(out, c)
		}
	}
	return out
}

// add registers c and arms its collaboration timeout. Manager loop only.
func (m *Manager) add(c *Context) {
	token := c.Token()
	m.mu.Lock()
	m.contexts[token] = c
	m.mu.Unlock()
	m.armTimeout(token)
}

func (m *Manager) armTimeout(token string) {
	t := time.AfterFunc(m.env.cfg.CollabTimeout, func() {
		_ = m.post(func() { m.onTimeout(token) })
	})
	m.mu.Lock()
	if prev, ok := m.timeouts[token]; ok {
		prev.Stop()
	}
	m.timeouts[token] = t
	m.mu.Unlock()
}

func (m *Manager) removeTimeout(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timeouts[token]; ok {
		t.Stop()
		delete(m.timeouts, token)
	}
}

func (m *Manager) onTimeout(token string) {
	m.mu.Lock()
	delete(m.timeouts, token)
	c := m.contexts[token]
	m.mu.Unlock()
	if c == nil {
		return
	}
	logs.Warnf("collab.onTimeout token=%s state=%s", logs.Anonymize(token), c.State())
	c.postErrorEnd(protocol.ResultAbilityTimeout)
}

// CollabMission starts a collaboration toward req.Sink and returns its token.
func (m *Manager) CollabMission(ctx context.Context, req MissionRequest) (string, error) {
	if err := req.validate(); err != nil {
		return "", err
	}
	if !m.env.transport.HasPeer(req.Sink.DeviceID) {
		return "", fmt.Errorf("%w: %s", ErrUnknownDevice, logs.Anonymize(req.Sink.DeviceID))
	}
	local := m.env.transport.LocalDevice()
	token := local + "_" + uuid.NewString()
	err := m.do(ctx, func() error {
		dup := m.each(func(c *Context) bool {
			info := c.Info()
			return info.Role == RoleSource && info.Source.PID == req.Source.PID &&
				info.SrcCollabSessionID == req.SrcCollabSessionID
		})
		if len(dup) > 0 {
			return protocol.CodedError{Code: protocol.ResultAlreadyInProgress, Err: ErrAlreadyInProgress}
		}
		c := newContext(m.env, sourceInfo(token, local, req), state.SourceGetPeerVersion)
		if err := c.start(); err != nil {
			return err
		}
		m.add(c)
		return c.PostEvent(state.NewEvent(state.EventSourceGetPeerVersion))
	})
	if err != nil {
		logs.Errf("collab.CollabMission sink=%s failed: %v", logs.Anonymize(req.Sink.DeviceID), err)
		return "", err
	}
	logs.Infof("collab.CollabMission token=%s sink=%s", logs.Anonymize(token), logs.Anonymize(req.Sink.DeviceID))
	return token, nil
}

// SubmitCollabEvent posts ev onto the named collaboration's queue.
func (m *Manager) SubmitCollabEvent(token string, ev state.Event) error {
	c, err := m.lookup(token)
	if err != nil {
		return err
	}
	return c.PostEvent(ev)
}

func (m *Manager) RegisterDataListener(serviceType uint32, l transport.DataListener) {
	m.env.transport.RegisterListener(serviceType, l)
}

// NotifySinkPrepareResult is called by the sink ability once it is prepared.
func (m *Manager) NotifySinkPrepareResult(token string, result, sinkCollabSessionID int32, socketName string) error {
	c, err := m.lookup(token)
	if err != nil {
		return err
	}
	c.update(func(i *Info) {
		i.SinkCollabSessionID = sinkCollabSessionID
		i.Sink.SocketName = socketName
	})
	if err := c.PostEvent(state.ResultEvent(state.EventNotifyPrepareResult, result)); err != nil {
		return err
	}
	m.removeTimeout(c.Token())
	return nil
}

// NotifySinkRejectReason is called by the sink ability when it declines.
func (m *Manager) NotifySinkRejectReason(token, reason string) error {
	c, err := m.lookup(token)
	if err != nil {
		return err
	}
	if err := c.PostEvent(state.MessageEvent(state.EventAbilityReject, reason)); err != nil {
		return err
	}
	m.removeTimeout(c.Token())
	return nil
}

// NotifyStartAbilityResult records the pid of a started sink ability, or ends
// the collaboration when the start failed.
func (m *Manager) NotifyStartAbilityResult(token string, result, pid, uid int32, accessToken uint32) error {
	c, err := m.lookup(token)
	if err != nil {
		return err
	}
	if result != protocol.ResultOK {
		return c.PostEvent(state.ResultEvent(state.EventErrorEnd, protocol.ResultStartAbilityFailed))
	}
	c.update(func(i *Info) {
		i.Sink.PID = pid
		i.Sink.UID = uid
		i.Sink.AccessToken = accessToken
	})
	return nil
}

func ownedBy(bundleName string, pid int32) func(*Context) bool {
	return func(c *Context) bool {
		info := c.Info()
		local := info.Sink
		if info.Role == RoleSource {
			local = info.Source
		}
		return local.BundleName == bundleName && local.PID == pid
	}
}

// NotifyAbilityDied ends every collaboration whose local ability is
// bundleName/pid and returns how many were ended.
func (m *Manager) NotifyAbilityDied(bundleName string, pid int32) int {
	matched := m.each(ownedBy(bundleName, pid))
	for _, c := range matched {
		logs.Infof("collab.NotifyAbilityDied token=%s bundle=%s pid=%d", logs.Anonymize(c.Token()), bundleName, pid)
		_ = c.PostEvent(state.NewEvent(state.EventEnd))
	}
	return len(matched)
}

// ReleaseAbilityLink schedules an End for collaborations whose local ability
// went to the background. It is a no-op unless ReleaseOnBackground is set.
func (m *Manager) ReleaseAbilityLink(bundleName string, pid int32) int {
	if !m.env.cfg.ReleaseOnBackground {
		logs.Debugf("collab.ReleaseAbilityLink bundle=%s pid=%d background release disabled", bundleName, pid)
		return 0
	}
	matched := m.each(ownedBy(bundleName, pid))
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range matched {
		c := c
		token := c.Token()
		if prev, ok := m.releases[token]; ok {
			prev.Stop()
		}
		m.releases[token] = time.AfterFunc(m.env.cfg.ReleaseDelay, func() {
			m.mu.Lock()
			delete(m.releases, token)
			m.mu.Unlock()
			_ = c.PostEvent(state.NewEvent(state.EventEnd))
		})
	}
	return len(matched)
}

// CancelReleaseAbilityLink stops pending releases after the ability came back
// to the foreground.
func (m *Manager) CancelReleaseAbilityLink(bundleName string, pid int32) int {
	matched := m.each(ownedBy(bundleName, pid))
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range matched {
		if t, ok := m.releases[c.Token()]; ok {
			t.Stop()
			delete(m.releases, c.Token())
			n++
		}
	}
	return n
}

func (m *Manager) NotifySessionClose(token string) error {
	c, err := m.lookup(token)
	if err != nil {
		return err
	}
	return c.PostEvent(state.NewEvent(state.EventEnd))
}

// CleanUpSession forgets the collaboration and its timers.
func (m *Manager) CleanUpSession(token string) error {
	return m.post(func() {
		m.mu.Lock()
		c := m.contexts[token]
		delete(m.contexts, token)
		for _, timers := range []map[string]*time.Timer{m.timeouts, m.releases} {
			if t, ok := timers[token]; ok {
				t.Stop()
				delete(timers, token)
			}
		}
		m.mu.Unlock()
		if c != nil {
			c.stop()
			logs.Infof("collab.CleanUpSession token=%s", logs.Anonymize(token))
		}
	})
}

// OnDataReady implements transport.DataListener.
func (m *Manager) OnDataReady(sessionID int32, _ uint32, buf *buffer.DataBuffer) {
	data := buf.Data()
	if err := m.post(func() { m.handleDataRecv(sessionID, data) }); err != nil {
		logs.Warnf("collab.OnDataReady session=%d dropped: %v", sessionID, err)
	}
}

func (m *Manager) handleDataRecv(sessionID int32, data []byte) {
	base, err := command.PeekBase(data)
	if err != nil {
		logs.Errf("collab.handleDataRecv session=%d undecodable command: %v", sessionID, err)
		return
	}
	observability.RecordCommand("in", base.Command.String())
	matched := m.each(func(c *Context) bool {
		return c.SessionID() == sessionID && c.Token() == base.CollabToken
	})
	if len(matched) > 0 {
		c := matched[0]
		if err := c.onDataRecv(base.Command, data); err != nil {
			logs.Warnf("collab.handleDataRecv token=%s %s dropped: %v", logs.Anonymize(base.CollabToken), base.Command, err)
		}
		if base.Command == command.KindNotifyResult {
			m.removeTimeout(base.CollabToken)
		}
		return
	}
	if base.Command != command.KindSinkStart {
		logs.Warnf("collab.handleDataRecv session=%d token=%s no collaboration for %s",
			sessionID, logs.Anonymize(base.CollabToken), base.Command)
		return
	}
	m.acceptSinkStart(sessionID, data)
}

// acceptSinkStart opens a sink collaboration for a SinkStart addressed to
// this device.
func (m *Manager) acceptSinkStart(sessionID int32, data []byte) {
	cmd, err := command.UnmarshalSinkStart(data)
	if err != nil {
		logs.Errf("collab.acceptSinkStart session=%d: %v", sessionID, err)
		return
	}
	if local := m.env.transport.LocalDevice(); cmd.SinkDeviceID != local {
		logs.Warnf("collab.acceptSinkStart session=%d addressed to %s, local is %s",
			sessionID, logs.Anonymize(cmd.SinkDeviceID), logs.Anonymize(local))
		return
	}
	peer, ok := m.env.transport.PeerDevice(sessionID)
	if !ok || peer != cmd.SrcDeviceID {
		logs.Warnf("collab.acceptSinkStart session=%d source %s does not match session peer %s",
			sessionID, logs.Anonymize(cmd.SrcDeviceID), logs.Anonymize(peer))
		return
	}
	if m.get(cmd.CollabToken) != nil {
		logs.Warnf("collab.acceptSinkStart token=%s already present", logs.Anonymize(cmd.CollabToken))
		return
	}
	c := newContext(m.env, sinkInfo(cmd), state.SinkGetVersion)
	c.sessionID.Store(sessionID)
	if err := c.start(); err != nil {
		logs.Errf("collab.acceptSinkStart token=%s: %v", logs.Anonymize(cmd.CollabToken), err)
		return
	}
	m.add(c)
	_ = c.PostEvent(state.NewEvent(state.EventGetSinkVersion))
}

// OnShutdown implements transport.DataListener. Sessions this device closed
// itself are ignored.
func (m *Manager) OnShutdown(sessionID int32, selfCalled bool) {
	if selfCalled {
		return
	}
	err := m.post(func() {
		for _, c := range m.each(func(c *Context) bool { return c.SessionID() == sessionID }) {
			logs.Warnf("collab.OnShutdown session=%d token=%s", sessionID, logs.Anonymize(c.Token()))
			c.postErrorEnd(protocol.ResultSessionShutdown)
		}
	})
	if err != nil {
		logs.Debugf("collab.OnShutdown session=%d: %v", sessionID, err)
	}
}

// Get returns a snapshot of one collaboration.
func (m *Manager) Get(token string) (Snapshot, bool) {
	c := m.get(token)
	if c == nil {
		return Snapshot{}, false
	}
	return c.Snapshot(), true
}

// Snapshot lists every live collaboration ordered by token.
func (m *Manager) Snapshot() []Snapshot {
	all := m.each(func(*Context) bool { return true })
	out := make([]Snapshot, 0, len(all))
	for _, c := range all {
		out = append(out, c.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out
}

// Close stops the manager loop and every collaboration.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		close(m.stopped)
		<-m.done
		m.mu.Lock()
		contexts := make([]*Context, 0, len(m.contexts))
		for token, c := range m.contexts {
			contexts = append(contexts, c)
			delete(m.contexts, token)
		}
		for _, timers := range []map[string]*time.Timer{m.timeouts, m.releases} {
			for token, t := range timers {
				t.Stop()
				delete(timers, token)
			}
		}
		m.mu.Unlock()
		for _, c := range contexts {
			c.Close()
		}
		logs.Infof("collab.Manager closed contexts=%d", len(contexts))
	})
	return nil
}
