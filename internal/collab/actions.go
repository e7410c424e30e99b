package collab

import (
	"fmt"

	"github.com/danmuck/collabctl/internal/collab/command"
	"github.com/danmuck/collabctl/internal/collab/state"
	logs "github.com/danmuck/collabctl/internal/logging"
	"github.com/danmuck/collabctl/internal/protocol"
)

var _ state.Actions = (*Context)(nil)

func (c *Context) ExeSrcGetPeerVersion() error {
	peer := c.Info().Sink.DeviceID
	version, err := c.env.collab.Peers.ResolvePeerVersion(c.ctx, peer)
	if err != nil {
		return err
	}
	return c.PostEvent(state.MessageEvent(state.EventSourceGetVersion, version))
}

func (c *Context) ExeSrcGetVersion(version string) error {
	c.update(func(i *Info) { i.PeerVersion = version })
	if floor := c.env.cfg.MinPeerVersion; state.IsRemoteVersionLower(version, floor) {
		return protocol.CodedError{
			Code: protocol.ResultPeerVersionTooLow,
			Err:  fmt.Errorf("%w: peer version %q below %s", protocol.ErrProtocolMismatch, version, floor),
		}
	}
	c.machine.UpdateState(state.SourceStart)
	return c.PostEvent(state.NewEvent(state.EventSourceStart))
}

func (c *Context) ExeSrcGetPeerVersionError(result int32) error {
	return c.exeSrcStartError(result)
}

func (c *Context) ExeSrcStart() error {
	info := c.Info()
	sid, err := c.env.transport.ConnectDevice(c.ctx, info.Sink.DeviceID)
	if err != nil {
		return err
	}
	c.sessionID.Store(sid)
	id, err := c.env.collab.Callers.LookupCallerIdentity(c.ctx, CallerQuery{
		UID:          info.Source.UID,
		BundleName:   info.Source.BundleName,
		SinkDeviceID: info.Sink.DeviceID,
	})
	if err != nil {
		return err
	}
	c.update(func(i *Info) { i.AppVersion = id.AppVersion })
	if err := c.sendCommand(c.packSinkStart(id)); err != nil {
		return err
	}
	c.machine.UpdateState(state.SourceWaitResult)
	return nil
}

func (c *Context) ExeSrcStartError(result int32) error {
	return c.exeSrcStartError(result)
}

func (c *Context) exeSrcStartError(result int32) error {
	c.lastResult.Store(result)
	if err := c.notifyClient(MissionPrepareResult, result, ""); err != nil {
		logs.Warnf("collab.ExeSrcStartError token=%s notify failed: %v", logs.Anonymize(c.Token()), err)
	}
	c.cleanUp(result)
	c.machine.UpdateState(state.SourceWaitEnd)
	return nil
}

// ExeSrcCollabResult hands the sink's answer to the local client.
func (c *Context) ExeSrcCollabResult(result int32, reason string) error {
	if result != protocol.ResultOK && result != protocol.ResultAbilityReject {
		c.postErrorEnd(result)
		return nil
	}
	c.lastResult.Store(result)
	if err := c.notifyClient(MissionPrepareResult, result, reason); err != nil {
		logs.Errf("collab.ExeSrcCollabResult token=%s notify failed: %v", logs.Anonymize(c.Token()), err)
		c.postErrorEnd(protocol.ResultCode(err))
		return nil
	}
	c.machine.UpdateState(state.SourceWaitEnd)
	return nil
}

func (c *Context) ExeSrcWaitResultError(result int32) error {
	c.lastResult.Store(result)
	if err := c.sendNotifyResult(result, ""); err != nil {
		logs.Warnf("collab.ExeSrcWaitResultError token=%s send failed: %v", logs.Anonymize(c.Token()), err)
	}
	if err := c.notifyClient(MissionPrepareResult, result, ""); err != nil {
		logs.Warnf("collab.ExeSrcWaitResultError token=%s notify failed: %v", logs.Anonymize(c.Token()), err)
	}
	c.cleanUp(result)
	c.machine.UpdateState(state.SourceWaitEnd)
	return nil
}

// ExeSinkGetVersion checks the source speaks this collaboration protocol.
func (c *Context) ExeSinkGetVersion() error {
	info := c.Info()
	if info.CollabVersion != command.ProtocolVersion {
		return protocol.CodedError{
			Code: protocol.ResultProtocolMismatch,
			Err:  fmt.Errorf("%w: collab version %d, want %d", protocol.ErrProtocolMismatch, info.CollabVersion, command.ProtocolVersion),
		}
	}
	if info.DmsVersion <= 0 {
		return protocol.CodedError{
			Code: protocol.ResultPeerVersionTooLow,
			Err:  fmt.Errorf("%w: dms version %d unknown", protocol.ErrProtocolMismatch, info.DmsVersion),
		}
	}
	c.machine.UpdateState(state.SinkStart)
	return c.PostEvent(state.NewEvent(state.EventStartAbility))
}

func (c *Context) ExeSinkGetVersionError(result int32) error {
	return c.exeSinkError(result)
}

func (c *Context) ExeStartAbility() error {
	info := c.Info()
	err := c.env.collab.Starter.StartLocalAbility(c.ctx, AbilityRequest{
		CollabToken: info.CollabToken,
		Source:      info.Source,
		Target:      info.Sink,
		Options:     info.Options,
		Caller:      info.Caller,
		Account:     info.Account,
		Foreground:  info.Options.Foreground(),
	})
	if err != nil {
		return protocol.CodedError{Code: protocol.ResultStartAbilityFailed, Err: err}
	}
	c.machine.UpdateState(state.SinkConnect)
	return nil
}

func (c *Context) ExeSinkStartError(result int32) error {
	return c.exeSinkError(result)
}

func (c *Context) ExeSinkPrepareResult(result int32) error {
	if result != protocol.ResultOK && result != protocol.ResultAbilityReject {
		c.postErrorEnd(result)
		return nil
	}
	c.lastResult.Store(result)
	if err := c.sendNotifyResult(result, ""); err != nil {
		return err
	}
	c.machine.UpdateState(state.SinkWaitEnd)
	return nil
}

// ExeAbilityRejectError forwards the local ability's refusal to the source.
func (c *Context) ExeAbilityRejectError(reason string) error {
	c.lastResult.Store(protocol.ResultAbilityReject)
	if err := c.sendNotifyResult(protocol.ResultAbilityReject, reason); err != nil {
		logs.Warnf("collab.ExeAbilityRejectError token=%s send failed: %v", logs.Anonymize(c.Token()), err)
	}
	c.machine.UpdateState(state.SinkWaitEnd)
	return nil
}

func (c *Context) ExeSinkConnectError(result int32) error {
	return c.exeSinkError(result)
}

func (c *Context) exeSinkError(result int32) error {
	c.lastResult.Store(result)
	if err := c.sendNotifyResult(result, ""); err != nil {
		logs.Warnf("collab.exeSinkError token=%s send failed: %v", logs.Anonymize(c.Token()), err)
	}
	c.cleanUp(result)
	c.machine.UpdateState(state.SinkWaitEnd)
	return nil
}

// ExeDisconnect tells the peer once and cleans up once.
func (c *Context) ExeDisconnect() error {
	if !c.sentBye && !c.cleaned.Load() {
		c.sentBye = true
		if err := c.sendDisconnect(); err != nil {
			logs.Warnf("collab.ExeDisconnect token=%s send failed: %v", logs.Anonymize(c.Token()), err)
		}
	}
	c.cleanUp(c.lastResult.Load())
	return nil
}
