package collab

import (
	"context"
	"fmt"
	"time"

	"github.com/danmuck/collabctl/internal/collab/command"
)

// PeerResolver looks up the software version a peer device runs.
type PeerResolver interface {
	ResolvePeerVersion(ctx context.Context, deviceID string) (string, error)
}

// AbilityRequest asks the local platform to start the sink ability.
type AbilityRequest struct {
	CollabToken string
	Source      Endpoint
	Target      Endpoint
	Options     ConnectOptions
	Caller      command.CallerInfo
	Account     command.AccountInfo
	Foreground  bool
}

// AbilityStarter starts a local ability on behalf of a remote source. The
// ability reports back through Manager.NotifySinkPrepareResult or
// Manager.NotifySinkRejectReason.
type AbilityStarter interface {
	StartLocalAbility(ctx context.Context, req AbilityRequest) error
}

type MissionEventKind int

const (
	MissionPrepareResult MissionEventKind = iota
	MissionDisconnect
)

func (k MissionEventKind) String() string {
	switch k {
	case MissionPrepareResult:
		return "prepare_result"
	case MissionDisconnect:
		return "disconnect"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// MissionEvent is delivered to the local client that owns a collaboration.
type MissionEvent struct {
	Kind                MissionEventKind
	Role                Role
	CollabToken         string
	SrcCollabSessionID  int32
	SinkCollabSessionID int32
	Result              int32
	SocketName          string
	Reason              string
}

type MissionNotifier interface {
	NotifyMissionEvent(ctx context.Context, ev MissionEvent) error
}

// AnalyticsRecord summarizes one finished collaboration.
type AnalyticsRecord struct {
	CollabToken string
	Role        Role
	Peer        string
	FinalState  string
	Result      int32
	Duration    time.Duration
}

type AnalyticsReporter interface {
	ReportAnalytics(ctx context.Context, rec AnalyticsRecord)
}

type CallerQuery struct {
	UID          int32
	BundleName   string
	SinkDeviceID string
}

// CallerIdentity is what the source attaches to SinkStart about its caller.
type CallerIdentity struct {
	AppVersion  int32
	CallerType  int32
	CallerAppID string
	BundleNames []string
	Account     command.AccountInfo
}

type CallerResolver interface {
	LookupCallerIdentity(ctx context.Context, q CallerQuery) (CallerIdentity, error)
}

// Collaborators are the platform capabilities a Manager needs. Nil members
// fall back to the logging and static implementations in this package.
type Collaborators struct {
	Peers     PeerResolver
	Starter   AbilityStarter
	Notifier  MissionNotifier
	Analytics AnalyticsReporter
	Callers   CallerResolver
}

func (c Collaborators) withDefaults() Collaborators {
	if c.Peers == nil {
		c.Peers = StaticPeerResolver{}
	}
	if c.Starter == nil {
		c.Starter = LogAbilityStarter{}
	}
	if c.Notifier == nil {
		c.Notifier = LogNotifier{}
	}
	if c.Analytics == nil {
		c.Analytics = LogAnalytics{}
	}
	if c.Callers == nil {
		c.Callers = StaticCallerResolver{}
	}
	return c
}
