package collab

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/collabctl/internal/collab/command"
	"github.com/danmuck/collabctl/internal/collab/state"
	logs "github.com/danmuck/collabctl/internal/logging"
	"github.com/danmuck/collabctl/internal/observability"
	"github.com/danmuck/collabctl/internal/protocol"
	"github.com/danmuck/collabctl/internal/protocol/buffer"
	"github.com/danmuck/collabctl/internal/transport"
)

var (
	ErrContextNotReady = fmt.Errorf("%w: collab: context event loop not ready", protocol.ErrInvalidState)
	ErrContextClosed   = fmt.Errorf("%w: collab: context closed", protocol.ErrInvalidState)
	ErrEventQueueFull  = fmt.Errorf("%w: collab: event queue full", protocol.ErrInvalidState)
	ErrNoSession       = fmt.Errorf("%w: collab: no transport session", protocol.ErrInvalidState)
)

// Transport is the slice of transport.Adapter a collaboration uses.
type Transport interface {
	LocalDevice() string
	HasPeer(deviceID string) bool
	ConnectDevice(ctx context.Context, deviceID string) (int32, error)
	DisconnectDevice(deviceID string)
	SendData(ctx context.Context, sessionID int32, dataType uint32, buf *buffer.DataBuffer) error
	PeerDevice(sessionID int32) (string, bool)
	RegisterListener(serviceType uint32, l transport.DataListener)
}

var _ Transport = (*transport.Adapter)(nil)

// env is what a Context borrows from its Manager.
type env struct {
	cfg       Config
	transport Transport
	collab    Collaborators
	// onCleanup must not block on the context's own loop.
	onCleanup func(token string)
}

// Context is one collaboration. Everything that touches its state machine
// runs on a single event goroutine fed by a bounded queue.
type Context struct {
	env     *env
	machine *state.Machine
	created time.Time

	mu   sync.RWMutex
	info Info

	sessionID  atomic.Int32
	cleaned    atomic.Bool
	lastResult atomic.Int32
	sentBye    bool

	queue    chan func()
	ready    chan struct{}
	stopped  chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
}

func newContext(e *env, info Info, initial state.Type) *Context {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Context{
		env:     e,
		info:    info,
		created: time.Now(),
		queue:   make(chan func(), e.cfg.EventQueueSize),
		ready:   make(chan struct{}),
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	c.machine = state.NewMachine(c, initial)
	return c
}

// start launches the event goroutine and waits, at most ReadyTimeout, for it
// to accept events.
func (c *Context) start() error {
	go c.run()
	timer := time.NewTimer(c.env.cfg.ReadyTimeout)
	defer timer.Stop()
	select {
	case <-c.ready:
	case <-timer.C:
		c.stop()
		return ErrContextNotReady
	}
	observability.CollabStarted(string(c.info.Role))
	logs.Infof("collab.start token=%s role=%s state=%s",
		logs.Anonymize(c.info.CollabToken), c.info.Role, c.machine.GetStateType())
	return nil
}

func (c *Context) run() {
	defer close(c.done)
	close(c.ready)
	for {
		select {
		case <-c.stopped:
			return
		case fn := <-c.queue:
			fn()
		}
	}
}

func (c *Context) stop() {
	c.stopOnce.Do(func() {
		close(c.stopped)
		c.cancel()
	})
}

// Close stops the event goroutine and waits for it. It must not be called
// from that goroutine.
func (c *Context) Close() {
	c.stop()
	<-c.done
}

func (c *Context) enqueue(fn func()) error {
	select {
	case <-c.stopped:
		return ErrContextClosed
	default:
	}
	select {
	case c.queue <- fn:
		return nil
	case <-c.stopped:
		return ErrContextClosed
	default:
		return protocol.CodedError{Code: protocol.ResultSendEventFailed, Err: ErrEventQueueFull}
	}
}

// PostEvent queues ev for the state machine.
func (c *Context) PostEvent(ev state.Event) error {
	if err := c.enqueue(func() { c.process(ev) }); err != nil {
		logs.Warnf("collab.PostEvent token=%s event=%s dropped: %v", logs.Anonymize(c.Token()), ev, err)
		return err
	}
	return nil
}

func (c *Context) postErrorEnd(code int32) {
	_ = c.PostEvent(state.ResultEvent(state.EventErrorEnd, code))
}

// process is ProcessEvent: a failing handler ends the collaboration with the
// failure's result code.
func (c *Context) process(ev state.Event) {
	if c.cleaned.Load() {
		logs.Debugf("collab.process token=%s event=%s after cleanup", logs.Anonymize(c.Token()), ev)
		return
	}
	logs.Debugf("collab.process token=%s state=%s event=%s", logs.Anonymize(c.Token()), c.machine.GetStateType(), ev)
	err := c.machine.Execute(ev)
	if err == nil || c.cleaned.Load() {
		return
	}
	code := protocol.ResultCode(err)
	if ev.Type == state.EventErrorEnd {
		c.cleanUp(code)
		return
	}
	c.postErrorEnd(code)
}

func (c *Context) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info.CollabToken
}

func (c *Context) Info() Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info
}

func (c *Context) update(fn func(*Info)) {
	c.mu.Lock()
	fn(&c.info)
	c.mu.Unlock()
}

func (c *Context) SessionID() int32 {
	return c.sessionID.Load()
}

func (c *Context) State() state.Type {
	return c.machine.GetStateType()
}

func (c *Context) Snapshot() Snapshot {
	info := c.Info()
	return Snapshot{
		Token:               info.CollabToken,
		Role:                info.Role,
		State:               c.machine.GetStateType().String(),
		SessionID:           c.SessionID(),
		Peer:                info.Peer(),
		PeerVersion:         info.PeerVersion,
		SrcCollabSessionID:  info.SrcCollabSessionID,
		SinkCollabSessionID: info.SinkCollabSessionID,
		Source:              info.Source,
		Sink:                info.Sink,
		Created:             c.created,
	}
}

// sendCommand marshals cmd onto the context's transport session.
func (c *Context) sendCommand(cmd command.Command) error {
	sid := c.SessionID()
	if sid == 0 {
		return ErrNoSession
	}
	data, err := command.Marshal(cmd)
	if err != nil {
		return err
	}
	buf, err := buffer.FromBytes(data)
	if err != nil {
		return err
	}
	if err := c.env.transport.SendData(c.ctx, sid, transport.ServiceTypeCollab, buf); err != nil {
		logs.Errf("collab.sendCommand token=%s kind=%s session=%d failed: %v",
			logs.Anonymize(c.Token()), cmd.Kind(), sid, err)
		return err
	}
	observability.RecordCommand("out", cmd.Kind().String())
	logs.Debugf("collab.sendCommand token=%s kind=%s bytes=%d", logs.Anonymize(c.Token()), cmd.Kind(), len(data))
	return nil
}

func (c *Context) packSinkStart(id CallerIdentity) *command.SinkStart {
	info := c.Info()
	caller := command.CallerInfo{
		UID:            info.Source.UID,
		PID:            info.Source.PID,
		CallerType:     id.CallerType,
		SourceDeviceID: info.Source.DeviceID,
		CallerAppID:    id.CallerAppID,
		BundleNames:    id.BundleNames,
		Extra: command.ExtraInfo{
			AccessTokenID: info.Source.AccessToken,
			DMSVersion:    fmt.Sprint(command.DMSVersion),
		},
	}
	return &command.SinkStart{
		Base:           info.base(command.KindSinkStart),
		AppVersion:     id.AppVersion,
		SrcPID:         info.Source.PID,
		SrcUID:         info.Source.UID,
		SrcAccessToken: info.Source.AccessToken,
		StartParams:    info.Options.StartParams,
		MessageParams:  info.Options.MessageParams,
		Caller:         caller,
		Account:        id.Account,
	}
}

func (c *Context) sendNotifyResult(result int32, reason string) error {
	info := c.Info()
	return c.sendCommand(&command.NotifyResult{
		Base:                info.base(command.KindNotifyResult),
		SinkCollabSessionID: info.SinkCollabSessionID,
		Result:              result,
		SinkSocketName:      info.Sink.SocketName,
		AbilityRejectReason: reason,
	})
}

func (c *Context) sendDisconnect() error {
	return c.sendCommand(&command.Disconnect{Base: c.Info().base(command.KindDisconnect)})
}

func (c *Context) notifyClient(kind MissionEventKind, result int32, reason string) error {
	info := c.Info()
	return c.env.collab.Notifier.NotifyMissionEvent(c.ctx, MissionEvent{
		Kind:                kind,
		Role:                info.Role,
		CollabToken:         info.CollabToken,
		SrcCollabSessionID:  info.SrcCollabSessionID,
		SinkCollabSessionID: info.SinkCollabSessionID,
		Result:              result,
		SocketName:          info.Sink.SocketName,
		Reason:              reason,
	})
}

// onDataRecv handles a command that arrived on this context's session.
func (c *Context) onDataRecv(kind command.Kind, data []byte) error {
	return c.enqueue(func() {
		if c.cleaned.Load() {
			return
		}
		switch kind {
		case command.KindSinkStart:
			if _, err := command.UnmarshalSinkStart(data); err != nil {
				logs.Errf("collab.onDataRecv token=%s bad %s: %v", logs.Anonymize(c.Token()), kind, err)
				c.postErrorEnd(protocol.ResultCode(err))
				return
			}
			_ = c.PostEvent(state.NewEvent(state.EventStartAbility))
		case command.KindNotifyResult:
			cmd, err := command.UnmarshalNotifyResult(data)
			if err != nil {
				logs.Errf("collab.onDataRecv token=%s bad %s: %v", logs.Anonymize(c.Token()), kind, err)
				c.postErrorEnd(protocol.ResultCode(err))
				return
			}
			if cmd.AbilityRejectReason != "" {
				_ = c.PostEvent(state.MessageEvent(state.EventAbilityReject, cmd.AbilityRejectReason))
				return
			}
			c.update(func(i *Info) {
				i.SinkCollabSessionID = cmd.SinkCollabSessionID
				i.Sink.SocketName = cmd.SinkSocketName
			})
			_ = c.PostEvent(state.ResultEvent(state.EventNotifyResult, cmd.Result))
		case command.KindDisconnect:
			c.cleanUp(protocol.ResultOK)
		default:
			logs.Warnf("collab.onDataRecv token=%s ignoring %s", logs.Anonymize(c.Token()), kind)
		}
	})
}

// cleanUp is CleanUpSession. It runs at most once and leaves the event
// goroutine to exit after the current item.
func (c *Context) cleanUp(result int32) {
	if !c.cleaned.CompareAndSwap(false, true) {
		return
	}
	if result != protocol.ResultOK {
		c.lastResult.Store(result)
	}
	info := c.Info()
	final := c.machine.GetStateType()
	logs.Infof("collab.cleanUp token=%s role=%s state=%s result=%s",
		logs.Anonymize(info.CollabToken), info.Role, final, protocol.ResultName(c.lastResult.Load()))

	if info.Role == RoleSource && c.SessionID() != 0 {
		c.env.transport.DisconnectDevice(info.Sink.DeviceID)
	}
	if err := c.notifyClient(MissionDisconnect, c.lastResult.Load(), ""); err != nil {
		logs.Warnf("collab.cleanUp token=%s disconnect notify failed: %v", logs.Anonymize(info.CollabToken), err)
	}
	lifetime := time.Since(c.created)
	c.env.collab.Analytics.ReportAnalytics(c.ctx, AnalyticsRecord{
		CollabToken: info.CollabToken,
		Role:        info.Role,
		Peer:        info.Peer(),
		FinalState:  final.String(),
		Result:      c.lastResult.Load(),
		Duration:    lifetime,
	})
	observability.CollabFinished(string(info.Role), protocol.ResultName(c.lastResult.Load()), lifetime)
	if c.env.onCleanup != nil {
		c.env.onCleanup(info.CollabToken)
	}
	c.stop()
}
