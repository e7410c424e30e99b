package collab

import (
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/collabctl/internal/collab/command"
	"github.com/danmuck/collabctl/internal/protocol"
)

type Role string

const (
	RoleSource Role = "source"
	RoleSink   Role = "sink"
)

const (
	startOptionKey  = "ohos.collabrate.key.start.option"
	startBackground = "ohos.collabrate.value.background"
)

var ErrInvalidMission = fmt.Errorf("%w: collab: invalid mission request", protocol.ErrInvalidParameters)

// Endpoint identifies an ability on one device.
type Endpoint struct {
	DeviceID    string `json:"device_id"`
	BundleName  string `json:"bundle_name"`
	ModuleName  string `json:"module_name"`
	AbilityName string `json:"ability_name"`
	ServiceID   string `json:"service_id,omitempty"`
	SocketName  string `json:"socket_name,omitempty"`
	PID         int32  `json:"pid,omitempty"`
	UID         int32  `json:"uid,omitempty"`
	AccessToken uint32 `json:"access_token,omitempty"`
}

// ConnectOptions are the channel flags and parameter blobs the source asks
// the sink to honor.
type ConnectOptions struct {
	NeedSendBigData bool           `json:"need_send_big_data"`
	NeedSendStream  bool           `json:"need_send_stream"`
	NeedRecvStream  bool           `json:"need_recv_stream"`
	StartParams     command.Params `json:"start_params,omitempty"`
	MessageParams   command.Params `json:"message_params,omitempty"`
}

// Foreground reports whether the sink ability should start in the foreground.
func (o ConnectOptions) Foreground() bool {
	return o.StartParams[startOptionKey] != startBackground
}

// MissionRequest starts a collaboration from the local (source) device. The
// source device id is filled in by the Manager.
type MissionRequest struct {
	SrcCollabSessionID int32          `json:"src_collab_session_id"`
	Source             Endpoint       `json:"source"`
	Sink               Endpoint       `json:"sink"`
	Options            ConnectOptions `json:"options"`
}

func (r MissionRequest) validate() error {
	missing := func(name, v string) error {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("%w: missing %s", ErrInvalidMission, name)
		}
		return nil
	}
	checks := []struct{ name, v string }{
		{"source.bundle_name", r.Source.BundleName},
		{"source.module_name", r.Source.ModuleName},
		{"source.ability_name", r.Source.AbilityName},
		{"sink.device_id", r.Sink.DeviceID},
		{"sink.bundle_name", r.Sink.BundleName},
		{"sink.module_name", r.Sink.ModuleName},
		{"sink.ability_name", r.Sink.AbilityName},
	}
	for _, c := range checks {
		if err := missing(c.name, c.v); err != nil {
			return err
		}
	}
	return nil
}

// Info is the per-collaboration aggregate of identifiers and negotiated
// versions.
type Info struct {
	Role                Role
	CollabToken         string
	SrcCollabSessionID  int32
	SinkCollabSessionID int32
	CollabVersion       int32
	DmsVersion          int32
	AppVersion          int32
	PeerVersion         string
	Source              Endpoint
	Sink                Endpoint
	Options             ConnectOptions
	Caller              command.CallerInfo
	Account             command.AccountInfo
}

// Peer is the device on the other end of the collaboration.
func (i Info) Peer() string {
	if i.Role == RoleSource {
		return i.Sink.DeviceID
	}
	return i.Source.DeviceID
}

func (i Info) base(kind command.Kind) command.Base {
	return command.Base{
		Command:            kind,
		CollabVersion:      command.ProtocolVersion,
		DmsVersion:         command.DMSVersion,
		SrcCollabSessionID: i.SrcCollabSessionID,
		CollabToken:        i.CollabToken,
		SrcDeviceID:        i.Source.DeviceID,
		SrcBundleName:      i.Source.BundleName,
		SrcAbilityName:     i.Source.AbilityName,
		SrcModuleName:      i.Source.ModuleName,
		SrcServiceID:       i.Source.ServiceID,
		SinkDeviceID:       i.Sink.DeviceID,
		SinkBundleName:     i.Sink.BundleName,
		SinkAbilityName:    i.Sink.AbilityName,
		SinkModuleName:     i.Sink.ModuleName,
		SinkServiceID:      i.Sink.ServiceID,
		NeedSendBigData:    i.Options.NeedSendBigData,
		NeedSendStream:     i.Options.NeedSendStream,
		NeedRecvStream:     i.Options.NeedRecvStream,
	}
}

func sourceInfo(token, localDevice string, req MissionRequest) Info {
	src := req.Source
	src.DeviceID = localDevice
	return Info{
		Role:               RoleSource,
		CollabToken:        token,
		SrcCollabSessionID: req.SrcCollabSessionID,
		CollabVersion:      command.ProtocolVersion,
		DmsVersion:         command.DMSVersion,
		Source:             src,
		Sink:               req.Sink,
		Options:            req.Options,
	}
}

func sinkInfo(cmd *command.SinkStart) Info {
	return Info{
		Role:               RoleSink,
		CollabToken:        cmd.CollabToken,
		SrcCollabSessionID: cmd.SrcCollabSessionID,
		CollabVersion:      cmd.CollabVersion,
		DmsVersion:         cmd.DmsVersion,
		AppVersion:         cmd.AppVersion,
		Source: Endpoint{
			DeviceID:    cmd.SrcDeviceID,
			BundleName:  cmd.SrcBundleName,
			ModuleName:  cmd.SrcModuleName,
			AbilityName: cmd.SrcAbilityName,
			ServiceID:   cmd.SrcServiceID,
			PID:         cmd.SrcPID,
			UID:         cmd.SrcUID,
			AccessToken: cmd.SrcAccessToken,
		},
		Sink: Endpoint{
			DeviceID:    cmd.SinkDeviceID,
			BundleName:  cmd.SinkBundleName,
			ModuleName:  cmd.SinkModuleName,
			AbilityName: cmd.SinkAbilityName,
			ServiceID:   cmd.SinkServiceID,
		},
		Options: ConnectOptions{
			NeedSendBigData: cmd.NeedSendBigData,
			NeedSendStream:  cmd.NeedSendStream,
			NeedRecvStream:  cmd.NeedRecvStream,
			StartParams:     cmd.StartParams,
			MessageParams:   cmd.MessageParams,
		},
		Caller:  cmd.Caller,
		Account: cmd.Account,
	}
}

// Snapshot is a point-in-time view of one collaboration for the admin API.
type Snapshot struct {
	Token               string    `json:"token"`
	Role                Role      `json:"role"`
	State               string    `json:"state"`
	SessionID           int32     `json:"session_id"`
	Peer                string    `json:"peer"`
	PeerVersion         string    `json:"peer_version,omitempty"`
	SrcCollabSessionID  int32     `json:"src_collab_session_id"`
	SinkCollabSessionID int32     `json:"sink_collab_session_id"`
	Source              Endpoint  `json:"source"`
	Sink                Endpoint  `json:"sink"`
	Created             time.Time `json:"created"`
}
