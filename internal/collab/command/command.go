// Package command is the wire codec for collaboration commands exchanged
// between source and sink devices.
//
// Every command is a JSON object whose "BaseCmd" member holds the base fields
// as a nested JSON string. Base fields decode before derived fields so a
// failure is attributed to exactly one phase.
package command

import "fmt"

// Kind is the "Command" discriminator carried by every base record.
type Kind int32

const (
	KindMin          Kind = 0
	KindSinkStart    Kind = 1
	KindNotifyResult Kind = 2
	KindDisconnect   Kind = 3
	KindMax          Kind = 4
)

const (
	// ProtocolVersion is the collaboration protocol spoken by this build.
	ProtocolVersion int32 = 1
	// DMSVersion is the negotiated-feature version advertised to peers.
	DMSVersion int32 = 5
)

var kindNames = map[Kind]string{
	KindMin:          "MIN_CMD",
	KindSinkStart:    "SINK_START_CMD",
	KindNotifyResult: "NOTIFY_RESULT_CMD",
	KindDisconnect:   "DISCONNECT_CMD",
	KindMax:          "MAX_CMD",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN_CMD(%d)", int32(k))
}

// Base holds the fields every command carries.
type Base struct {
	Command            Kind
	CollabVersion      int32
	DmsVersion         int32
	SrcCollabSessionID int32
	CollabToken        string

	SrcDeviceID    string
	SrcBundleName  string
	SrcAbilityName string
	SrcModuleName  string
	SrcServiceID   string

	SinkDeviceID    string
	SinkBundleName  string
	SinkAbilityName string
	SinkModuleName  string
	SinkServiceID   string

	NeedSendBigData bool
	NeedSendStream  bool
	NeedRecvStream  bool
}

// Command is one of *SinkStart, *NotifyResult or *Disconnect.
type Command interface {
	Kind() Kind
	Header() *Base
}

// CallerInfo identifies the calling application on the source device.
type CallerInfo struct {
	UID            int32
	PID            int32
	CallerType     int32
	DUID           int32
	SourceDeviceID string
	CallerAppID    string
	BundleNames    []string
	Extra          ExtraInfo
}

// ExtraInfo is the permissive side map of CallerInfo. Only the two known keys
// survive a round trip; anything else on the wire is dropped.
type ExtraInfo struct {
	AccessTokenID uint32
	DMSVersion    string
}

// AccountInfo describes the caller's account on the source device.
type AccountInfo struct {
	AccountType     int32
	GroupIDList     []string
	ActiveAccountID string
	UserID          int32
}

// SinkStart asks the sink to start the target ability.
type SinkStart struct {
	Base
	AppVersion     int32
	SrcPID         int32
	SrcUID         int32
	SrcAccessToken uint32
	StartParams    Params
	MessageParams  Params
	Caller         CallerInfo
	Account        AccountInfo
}

func (c *SinkStart) Kind() Kind    { return KindSinkStart }
func (c *SinkStart) Header() *Base { return &c.Base }

// NotifyResult reports the sink's start result back to the source.
type NotifyResult struct {
	Base
	SinkCollabSessionID int32
	Result              int32
	SinkSocketName      string
	AbilityRejectReason string
}

func (c *NotifyResult) Kind() Kind    { return KindNotifyResult }
func (c *NotifyResult) Header() *Base { return &c.Base }

// Disconnect signals teardown and carries only base fields.
type Disconnect struct {
	Base
}

func (c *Disconnect) Kind() Kind    { return KindDisconnect }
func (c *Disconnect) Header() *Base { return &c.Base }
