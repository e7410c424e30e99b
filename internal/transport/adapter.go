// Package transport keeps one framed session per peer device and routes
// reassembled messages to listeners registered by service type.
package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	logs "github.com/danmuck/collabctl/internal/logging"
	"github.com/danmuck/collabctl/internal/protocol"
	"github.com/danmuck/collabctl/internal/protocol/buffer"
	"github.com/danmuck/collabctl/internal/protocol/session"
)

// Service types double as the frame data type.
const (
	ServiceTypeContinue uint32 = 0
	ServiceTypeCollab   uint32 = 1
)

var (
	ErrUnknownPeer    = fmt.Errorf("%w: transport: unknown peer device", protocol.ErrInvalidParameters)
	ErrUnknownSession = fmt.Errorf("%w: transport: unknown session", protocol.ErrInvalidParameters)
	ErrAdapterClosed  = fmt.Errorf("%w: transport: adapter closed", protocol.ErrInvalidState)
)

// DataListener observes one service type. Calls for a given session arrive in
// order and never concurrently; OnDataReady owns buf.
type DataListener interface {
	OnDataReady(sessionID int32, dataType uint32, buf *buffer.DataBuffer)
	OnShutdown(sessionID int32, selfCalled bool)
}

// Dialer opens a channel to a peer address.
type Dialer interface {
	Dial(ctx context.Context, addr string) (session.Channel, error)
}

type Config struct {
	LocalDevice      string
	Peers            map[string]string
	Session          session.Config
	ListenerPoolSize int
}

// Adapter owns sessions, their read loops, and listener dispatch.
type Adapter struct {
	cfg    Config
	dialer Dialer

	sessions *registry
	nextID   atomic.Int32

	connectMu sync.Mutex

	listenerMu sync.RWMutex
	listeners  map[uint32][]DataListener

	queueMu  sync.Mutex
	queues   map[int32]*serialQueue
	dispatch *dispatcher

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
	wg     sync.WaitGroup
}

func New(cfg Config, dialer Dialer) (*Adapter, error) {
	d, err := newDispatcher(cfg.ListenerPoolSize)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Adapter{
		cfg:       cfg,
		dialer:    dialer,
		sessions:  newRegistry(),
		listeners: make(map[uint32][]DataListener),
		queues:    make(map[int32]*serialQueue),
		dispatch:  d,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

func (a *Adapter) LocalDevice() string {
	return a.cfg.LocalDevice
}

// HasPeer reports whether deviceID has a configured dial address.
func (a *Adapter) HasPeer(deviceID string) bool {
	addr, ok := a.cfg.Peers[strings.TrimSpace(deviceID)]
	return ok && strings.TrimSpace(addr) != ""
}

func (a *Adapter) RegisterListener(serviceType uint32, l DataListener) {
	if l == nil {
		return
	}
	a.listenerMu.Lock()
	defer a.listenerMu.Unlock()
	a.listeners[serviceType] = append(a.listeners[serviceType], l)
	logs.Debugf("transport.RegisterListener service_type=%d count=%d", serviceType, len(a.listeners[serviceType]))
}

// ConnectDevice returns the session to deviceID, dialing with backoff when
// none is open. Each call must be balanced by DisconnectDevice.
func (a *Adapter) ConnectDevice(ctx context.Context, deviceID string) (int32, error) {
	if a.closed.Load() {
		return 0, ErrAdapterClosed
	}
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return 0, fmt.Errorf("%w: empty device id", ErrUnknownPeer)
	}
	logs.Infof("transport.ConnectDevice peer=%s", logs.Anonymize(deviceID))

	a.connectMu.Lock()
	defer a.connectMu.Unlock()
	if s, ok := a.sessions.ByDevice(deviceID); ok {
		s.OnConnect()
		logs.Infof("transport.ConnectDevice peer already connected session=%d", s.ID())
		return s.ID(), nil
	}
	addr, ok := a.cfg.Peers[deviceID]
	if !ok || strings.TrimSpace(addr) == "" {
		return 0, fmt.Errorf("%w: no address for %s", ErrUnknownPeer, logs.Anonymize(deviceID))
	}
	if a.dialer == nil {
		return 0, fmt.Errorf("%w: transport: no dialer configured", protocol.ErrInvalidState)
	}

	var ch session.Channel
	err := session.Retry(ctx, a.cfg.Session.Backoff, "dial "+addr, func(int) error {
		var err error
		ch, err = a.dialer.Dial(ctx, addr)
		return err
	})
	if err != nil {
		logs.Errf("transport.ConnectDevice peer=%s addr=%s failed: %v", logs.Anonymize(deviceID), addr, err)
		return 0, err
	}
	s := a.startSession(ch, deviceID, false)
	return s.ID(), nil
}

// Accept registers an inbound channel from peerDevice and starts reading it.
func (a *Adapter) Accept(ch session.Channel, peerDevice string) (int32, error) {
	if a.closed.Load() {
		return 0, ErrAdapterClosed
	}
	peerDevice = strings.TrimSpace(peerDevice)
	if peerDevice == "" {
		return 0, fmt.Errorf("%w: empty peer device", ErrUnknownPeer)
	}
	s := a.startSession(ch, peerDevice, true)
	logs.Infof("transport.Accept peer=%s session=%d remote=%s", logs.Anonymize(peerDevice), s.ID(), ch.RemoteAddr())
	return s.ID(), nil
}

func (a *Adapter) startSession(ch session.Channel, peer string, isServer bool) *session.Session {
	id := a.nextID.Add(1)
	info := session.Info{ID: id, LocalDevice: a.cfg.LocalDevice, PeerDevice: peer, IsServer: isServer}
	s := session.New(info, ch, a.cfg.Session, a.onMessage)
	a.queueMu.Lock()
	a.queues[id] = &serialQueue{}
	a.queueMu.Unlock()
	a.sessions.Upsert(s)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		err := s.Run(a.ctx)
		if err != nil {
			logs.Warnf("transport.session id=%d read loop ended: %v", id, err)
		}
		a.OnShutdown(id, false)
	}()
	return s
}

// DisconnectDevice releases one ConnectDevice reference and shuts the session
// when none remain.
func (a *Adapter) DisconnectDevice(deviceID string) {
	logs.Infof("transport.DisconnectDevice peer=%s", logs.Anonymize(deviceID))
	s, ok := a.sessions.ByDevice(deviceID)
	if !ok {
		return
	}
	if !s.OnDisconnect() {
		return
	}
	a.shutdown(s.ID(), true)
}

// OnShutdown tears down sessionID after its channel went away.
func (a *Adapter) OnShutdown(sessionID int32, selfCalled bool) {
	a.shutdown(sessionID, selfCalled)
}

func (a *Adapter) shutdown(sessionID int32, selfCalled bool) {
	s, ok := a.sessions.Remove(sessionID)
	if !ok {
		return
	}
	logs.Infof("transport.shutdown session=%d peer=%s self=%t", sessionID, logs.Anonymize(s.PeerDevice()), selfCalled)
	_ = s.Close()
	q := a.queue(sessionID)
	a.queueMu.Lock()
	delete(a.queues, sessionID)
	a.queueMu.Unlock()
	for _, l := range a.allListeners() {
		l := l
		a.dispatch.Submit(q, func() { l.OnShutdown(sessionID, selfCalled) })
	}
}

// SendData frames buf onto sessionID. The adapter takes ownership of buf.
func (a *Adapter) SendData(ctx context.Context, sessionID int32, dataType uint32, buf *buffer.DataBuffer) error {
	s, ok := a.sessions.Get(sessionID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownSession, sessionID)
	}
	return s.SendData(ctx, dataType, buf)
}

// SessionIDByDevice finds the open session to deviceID.
func (a *Adapter) SessionIDByDevice(deviceID string) (int32, bool) {
	s, ok := a.sessions.ByDevice(deviceID)
	if !ok {
		return 0, false
	}
	return s.ID(), true
}

// PeerDevice returns the peer device id of sessionID.
func (a *Adapter) PeerDevice(sessionID int32) (string, bool) {
	s, ok := a.sessions.Get(sessionID)
	if !ok {
		return "", false
	}
	return s.PeerDevice(), true
}

func (a *Adapter) Sessions() []session.Info {
	return a.sessions.List()
}

func (a *Adapter) onMessage(sessionID int32, msg session.Message) {
	a.listenerMu.RLock()
	targets := append([]DataListener(nil), a.listeners[msg.DataType]...)
	a.listenerMu.RUnlock()
	if len(targets) == 0 {
		logs.Warnf("transport.onMessage session=%d no listener for data_type=%d", sessionID, msg.DataType)
		return
	}
	q := a.queue(sessionID)
	for i, l := range targets {
		l := l
		buf := msg.Buffer
		if i > 0 {
			// additional listeners get their own copy
			buf = buffer.New(msg.Buffer.Size())
			copy(buf.Data(), msg.Buffer.Data())
		}
		a.dispatch.Submit(q, func() { l.OnDataReady(sessionID, msg.DataType, buf) })
	}
}

func (a *Adapter) queue(sessionID int32) *serialQueue {
	a.queueMu.Lock()
	defer a.queueMu.Unlock()
	q, ok := a.queues[sessionID]
	if !ok {
		q = &serialQueue{}
		a.queues[sessionID] = q
	}
	return q
}

func (a *Adapter) allListeners() []DataListener {
	a.listenerMu.RLock()
	defer a.listenerMu.RUnlock()
	var out []DataListener
	for _, ls := range a.listeners {
		out = append(out, ls...)
	}
	return out
}

// Close shuts every session and stops the listener pool.
func (a *Adapter) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, s := range a.sessions.Drain() {
		_ = s.Close()
	}
	a.cancel()
	a.wg.Wait()
	a.dispatch.Release()
	logs.Infof("transport.Close local=%s", logs.Anonymize(a.cfg.LocalDevice))
	return nil
}
