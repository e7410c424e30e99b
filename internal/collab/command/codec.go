package command

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/danmuck/collabctl/internal/protocol"
)

// Wire documents. Pointer members distinguish absent from zero so required
// fields are enforced after json has checked the types. Member names are
// matched exactly; see decodeDoc.
type baseWire struct {
	Command         *int32  `json:"Command"`
	CollabVersion   *int32  `json:"CollabVersion"`
	DmsVersion      *int32  `json:"DmsVersion"`
	CollabSessionID *int32  `json:"CollabSessionId"`
	CollabToken     *string `json:"CollabToken"`
	SrcDeviceID     *string `json:"SrcDeviceId"`
	SrcBundleName   *string `json:"SrcBundleName"`
	SrcAbilityName  *string `json:"SrcAbilityName"`
	SrcModuleName   *string `json:"SrcModuleName"`
	SrcServiceID    *string `json:"SrcServiceId"`
	SinkDeviceID    *string `json:"SinkDeviceId"`
	SinkBundleName  *string `json:"SinkBundleName"`
	SinkAbilityName *string `json:"SinkAbilityName"`
	SinkModuleName  *string `json:"SinkModuleName"`
	SinkServiceID   *string `json:"SinkServiceId"`
	NeedSendBigData *bool   `json:"NeedSendBigData"`
	NeedSendStream  *bool   `json:"NeedSendStream_"`
	NeedRecvStream  *bool   `json:"NeedRecvStream"`
}

type envelopeWire struct {
	BaseCmd *string `json:"BaseCmd"`
}

type sinkStartWire struct {
	BaseCmd        *string `json:"BaseCmd"`
	AppVersion     *int32  `json:"AppVersion"`
	SrcPid         *int32  `json:"SrcPid"`
	SrcUid         *int32  `json:"SrcUid"`
	SrcAccessToken *uint32 `json:"SrcAccessToken"`
	StartParams    *string `json:"StartParams"`
	WantParams     *string `json:"WantParams"`
	CallerInfo     *string `json:"CallerInfo"`
	AccountInfo    *string `json:"AccountInfo"`
}

type callerInfoWire struct {
	Uid            *int32   `json:"Uid"`
	Pid            *int32   `json:"Pid"`
	CallerType     *int32   `json:"CallerType"`
	Duid           *int32   `json:"Duid"`
	SourceDeviceID *string  `json:"SourceDeviceId"`
	CallerAppID    *string  `json:"CallerAppId"`
	BundleNames    []string `json:"BundleNames"`
	ExtraInfo      *string  `json:"ExtraInfo"`
}

type accountInfoWire struct {
	AccountType *int32          `json:"AccountType"`
	GroupIDList []string        `json:"GroupIdList"`
	AccountID   json.RawMessage `json:"accountId,omitempty"`
	UserID      json.RawMessage `json:"userId,omitempty"`
}

type notifyResultWire struct {
	BaseCmd             *string `json:"BaseCmd"`
	SinkCollabSessionID *int32  `json:"SinkCollabSessionId"`
	Result              *int32  `json:"Result"`
	SinkSocketName      *string `json:"SinkSocketName"`
	AbilityRejectReason *string `json:"AbilityRejectReason"`
}

const (
	extraAccessTokenKey = "accessTokenID"
	extraDMSVersionKey  = "dmsVersion"
)

type required struct {
	name    string
	present bool
}

func checkRequired(phase string, fields ...required) error {
	for _, f := range fields {
		if !f.present {
			return decodeErr(phase, f.name, ErrMissingField)
		}
	}
	return nil
}

func ptr[T any](v T) *T { return &v }

func encode(v any) ([]byte, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: command: %v", protocol.ErrEncoding, err)
	}
	return out, nil
}

// Marshal encodes cmd. The base record's Command member is stamped from
// cmd.Kind().
func Marshal(cmd Command) ([]byte, error) {
	if cmd == nil {
		return nil, fmt.Errorf("%w: command: nil command", protocol.ErrInvalidParameters)
	}
	base := *cmd.Header()
	base.Command = cmd.Kind()
	baseDoc, err := marshalBase(base)
	if err != nil {
		return nil, err
	}
	switch c := cmd.(type) {
	case *SinkStart:
		return marshalSinkStart(c, baseDoc)
	case *NotifyResult:
		return encode(notifyResultWire{
			BaseCmd:             ptr(string(baseDoc)),
			SinkCollabSessionID: ptr(c.SinkCollabSessionID),
			Result:              ptr(c.Result),
			SinkSocketName:      ptr(c.SinkSocketName),
			AbilityRejectReason: ptr(c.AbilityRejectReason),
		})
	case *Disconnect:
		return encode(envelopeWire{BaseCmd: ptr(string(baseDoc))})
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, cmd.Kind())
	}
}

func marshalBase(b Base) ([]byte, error) {
	return encode(baseWire{
		Command:         ptr(int32(b.Command)),
		CollabVersion:   ptr(b.CollabVersion),
		DmsVersion:      ptr(b.DmsVersion),
		CollabSessionID: ptr(b.SrcCollabSessionID),
		CollabToken:     ptr(b.CollabToken),
		SrcDeviceID:     ptr(b.SrcDeviceID),
		SrcBundleName:   ptr(b.SrcBundleName),
		SrcAbilityName:  ptr(b.SrcAbilityName),
		SrcModuleName:   ptr(b.SrcModuleName),
		SrcServiceID:    ptr(b.SrcServiceID),
		SinkDeviceID:    ptr(b.SinkDeviceID),
		SinkBundleName:  ptr(b.SinkBundleName),
		SinkAbilityName: ptr(b.SinkAbilityName),
		SinkModuleName:  ptr(b.SinkModuleName),
		SinkServiceID:   ptr(b.SinkServiceID),
		NeedSendBigData: ptr(b.NeedSendBigData),
		NeedSendStream:  ptr(b.NeedSendStream),
		NeedRecvStream:  ptr(b.NeedRecvStream),
	})
}

func marshalSinkStart(c *SinkStart, baseDoc []byte) ([]byte, error) {
	caller, err := marshalCallerInfo(c.Caller)
	if err != nil {
		return nil, err
	}
	account, err := marshalAccountInfo(c.Account)
	if err != nil {
		return nil, err
	}
	return encode(sinkStartWire{
		BaseCmd:        ptr(string(baseDoc)),
		AppVersion:     ptr(c.AppVersion),
		SrcPid:         ptr(c.SrcPID),
		SrcUid:         ptr(c.SrcUID),
		SrcAccessToken: ptr(c.SrcAccessToken),
		StartParams:    ptr(c.StartParams.base64()),
		WantParams:     ptr(c.MessageParams.base64()),
		CallerInfo:     ptr(string(caller)),
		AccountInfo:    ptr(string(account)),
	})
}

func marshalCallerInfo(ci CallerInfo) ([]byte, error) {
	extra := map[string]any{}
	if ci.Extra.AccessTokenID != 0 {
		extra[extraAccessTokenKey] = ci.Extra.AccessTokenID
	}
	if ci.Extra.DMSVersion != "" {
		extra[extraDMSVersionKey] = ci.Extra.DMSVersion
	}
	extraDoc, err := encode(extra)
	if err != nil {
		return nil, err
	}
	names := ci.BundleNames
	if names == nil {
		names = []string{}
	}
	return encode(callerInfoWire{
		Uid:            ptr(ci.UID),
		Pid:            ptr(ci.PID),
		CallerType:     ptr(ci.CallerType),
		Duid:           ptr(ci.DUID),
		SourceDeviceID: ptr(ci.SourceDeviceID),
		CallerAppID:    ptr(ci.CallerAppID),
		BundleNames:    names,
		ExtraInfo:      ptr(string(extraDoc)),
	})
}

func marshalAccountInfo(ai AccountInfo) ([]byte, error) {
	groups := ai.GroupIDList
	if groups == nil {
		groups = []string{}
	}
	accountID, err := encode(ai.ActiveAccountID)
	if err != nil {
		return nil, err
	}
	userID, err := encode(ai.UserID)
	if err != nil {
		return nil, err
	}
	return encode(accountInfoWire{
		AccountType: ptr(ai.AccountType),
		GroupIDList: groups,
		AccountID:   accountID,
		UserID:      userID,
	})
}

func trimDoc(data []byte) []byte {
	// senders may append a NUL terminator
	return bytes.TrimRight(data, "\x00")
}

// decodeDoc fills the wire struct v from a JSON object. Members are looked up
// by their exact tag name, so "collabtoken" does not satisfy "CollabToken".
func decodeDoc(phase string, data []byte, v any) error {
	var members map[string]json.RawMessage
	if err := json.Unmarshal(trimDoc(data), &members); err != nil {
		return jsonErr(phase, "", err)
	}
	rv := reflect.ValueOf(v).Elem()
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		name, _, _ := strings.Cut(rt.Field(i).Tag.Get("json"), ",")
		raw, ok := members[name]
		if !ok {
			continue
		}
		if err := json.Unmarshal(raw, rv.Field(i).Addr().Interface()); err != nil {
			return jsonErr(phase, name, err)
		}
	}
	return nil
}

// expectKind rejects a document whose base record names another command.
func expectKind(phase string, base Base, want Kind) error {
	if base.Command != want {
		return decodeErr(phase, "Command", fmt.Errorf("%w: %s, want %s", ErrUnknownKind, base.Command, want))
	}
	return nil
}

// UnmarshalBase decodes a standalone base record.
func UnmarshalBase(data []byte) (Base, error) {
	var w baseWire
	if err := decodeDoc(PhaseBase, data, &w); err != nil {
		return Base{}, err
	}
	if err := checkRequired(PhaseBase,
		required{"Command", w.Command != nil},
		required{"CollabVersion", w.CollabVersion != nil},
		required{"DmsVersion", w.DmsVersion != nil},
		required{"CollabSessionId", w.CollabSessionID != nil},
		required{"CollabToken", w.CollabToken != nil},
		required{"SrcDeviceId", w.SrcDeviceID != nil},
		required{"SrcBundleName", w.SrcBundleName != nil},
		required{"SrcAbilityName", w.SrcAbilityName != nil},
		required{"SrcModuleName", w.SrcModuleName != nil},
		required{"SrcServiceId", w.SrcServiceID != nil},
		required{"SinkDeviceId", w.SinkDeviceID != nil},
		required{"SinkBundleName", w.SinkBundleName != nil},
		required{"SinkAbilityName", w.SinkAbilityName != nil},
		required{"SinkModuleName", w.SinkModuleName != nil},
		required{"SinkServiceId", w.SinkServiceID != nil},
		required{"NeedSendBigData", w.NeedSendBigData != nil},
		required{"NeedSendStream_", w.NeedSendStream != nil},
		required{"NeedRecvStream", w.NeedRecvStream != nil},
	); err != nil {
		return Base{}, err
	}
	return Base{
		Command:            Kind(*w.Command),
		CollabVersion:      *w.CollabVersion,
		DmsVersion:         *w.DmsVersion,
		SrcCollabSessionID: *w.CollabSessionID,
		CollabToken:        *w.CollabToken,
		SrcDeviceID:        *w.SrcDeviceID,
		SrcBundleName:      *w.SrcBundleName,
		SrcAbilityName:     *w.SrcAbilityName,
		SrcModuleName:      *w.SrcModuleName,
		SrcServiceID:       *w.SrcServiceID,
		SinkDeviceID:       *w.SinkDeviceID,
		SinkBundleName:     *w.SinkBundleName,
		SinkAbilityName:    *w.SinkAbilityName,
		SinkModuleName:     *w.SinkModuleName,
		SinkServiceID:      *w.SinkServiceID,
		NeedSendBigData:    *w.NeedSendBigData,
		NeedSendStream:     *w.NeedSendStream,
		NeedRecvStream:     *w.NeedRecvStream,
	}, nil
}

func baseFrom(phase string, baseCmd *string) (Base, error) {
	if baseCmd == nil {
		return Base{}, decodeErr(phase, "BaseCmd", ErrMissingField)
	}
	return UnmarshalBase([]byte(*baseCmd))
}

// PeekBase decodes only the nested base record of any command document.
func PeekBase(data []byte) (Base, error) {
	var env envelopeWire
	if err := decodeDoc(PhaseBase, data, &env); err != nil {
		return Base{}, err
	}
	return baseFrom(PhaseBase, env.BaseCmd)
}

// PeekKind reads only the Command discriminator from the nested base record.
func PeekKind(data []byte) (Kind, error) {
	var env envelopeWire
	if err := decodeDoc(PhaseBase, data, &env); err != nil {
		return KindMin, err
	}
	if env.BaseCmd == nil {
		return KindMin, decodeErr(PhaseBase, "BaseCmd", ErrMissingField)
	}
	var head struct {
		Command *int32 `json:"Command"`
	}
	if err := decodeDoc(PhaseBase, []byte(*env.BaseCmd), &head); err != nil {
		return KindMin, err
	}
	if head.Command == nil {
		return KindMin, decodeErr(PhaseBase, "Command", ErrMissingField)
	}
	return Kind(*head.Command), nil
}

// Unmarshal decodes any command, dispatching on the base record's kind.
func Unmarshal(data []byte) (Command, error) {
	kind, err := PeekKind(data)
	if err != nil {
		return nil, err
	}
	switch kind {
	case KindSinkStart:
		return UnmarshalSinkStart(data)
	case KindNotifyResult:
		return UnmarshalNotifyResult(data)
	case KindDisconnect:
		return UnmarshalDisconnect(data)
	default:
		return nil, decodeErr(PhaseBase, "Command", fmt.Errorf("%w: %s", ErrUnknownKind, kind))
	}
}

func UnmarshalSinkStart(data []byte) (*SinkStart, error) {
	var w sinkStartWire
	if err := decodeDoc(PhaseSinkStart, data, &w); err != nil {
		return nil, err
	}
	base, err := baseFrom(PhaseSinkStart, w.BaseCmd)
	if err != nil {
		return nil, err
	}
	if err := expectKind(PhaseSinkStart, base, KindSinkStart); err != nil {
		return nil, err
	}
	if err := checkRequired(PhaseSinkStart,
		required{"AppVersion", w.AppVersion != nil},
		required{"SrcPid", w.SrcPid != nil},
		required{"SrcUid", w.SrcUid != nil},
		required{"SrcAccessToken", w.SrcAccessToken != nil},
		required{"StartParams", w.StartParams != nil},
		required{"WantParams", w.WantParams != nil},
		required{"CallerInfo", w.CallerInfo != nil},
		required{"AccountInfo", w.AccountInfo != nil},
	); err != nil {
		return nil, err
	}
	start, err := paramsFromBase64(*w.StartParams)
	if err != nil {
		return nil, decodeErr(PhaseSinkStart, "StartParams", err)
	}
	message, err := paramsFromBase64(*w.WantParams)
	if err != nil {
		return nil, decodeErr(PhaseSinkStart, "WantParams", err)
	}
	caller, err := unmarshalCallerInfo([]byte(*w.CallerInfo))
	if err != nil {
		return nil, err
	}
	account, err := unmarshalAccountInfo([]byte(*w.AccountInfo))
	if err != nil {
		return nil, err
	}
	return &SinkStart{
		Base:           base,
		AppVersion:     *w.AppVersion,
		SrcPID:         *w.SrcPid,
		SrcUID:         *w.SrcUid,
		SrcAccessToken: *w.SrcAccessToken,
		StartParams:    start,
		MessageParams:  message,
		Caller:         caller,
		Account:        account,
	}, nil
}

func unmarshalCallerInfo(data []byte) (CallerInfo, error) {
	var w callerInfoWire
	if err := decodeDoc(PhaseCallerInfo, data, &w); err != nil {
		return CallerInfo{}, err
	}
	if err := checkRequired(PhaseCallerInfo,
		required{"SourceDeviceId", w.SourceDeviceID != nil},
		required{"CallerAppId", w.CallerAppID != nil},
		required{"Uid", w.Uid != nil},
		required{"Pid", w.Pid != nil},
		required{"CallerType", w.CallerType != nil},
		required{"Duid", w.Duid != nil},
		required{"ExtraInfo", w.ExtraInfo != nil},
	); err != nil {
		return CallerInfo{}, err
	}
	extra, err := unmarshalExtraInfo(*w.ExtraInfo)
	if err != nil {
		return CallerInfo{}, err
	}
	// an empty list decodes to nil, like an absent one
	var names []string
	if len(w.BundleNames) > 0 {
		names = w.BundleNames
	}
	return CallerInfo{
		UID:            *w.Uid,
		PID:            *w.Pid,
		CallerType:     *w.CallerType,
		DUID:           *w.Duid,
		SourceDeviceID: *w.SourceDeviceID,
		CallerAppID:    *w.CallerAppID,
		BundleNames:    names,
		Extra:          extra,
	}, nil
}

// unmarshalExtraInfo requires a JSON object but keeps only well-typed known
// keys.
func unmarshalExtraInfo(doc string) (ExtraInfo, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(doc), &raw); err != nil {
		return ExtraInfo{}, decodeErr(PhaseCallerInfo, "ExtraInfo", fmt.Errorf("%w: %v", ErrMalformed, err))
	}
	var out ExtraInfo
	if v, ok := raw[extraAccessTokenKey]; ok {
		var id uint32
		if json.Unmarshal(v, &id) == nil {
			out.AccessTokenID = id
		}
	}
	if v, ok := raw[extraDMSVersionKey]; ok {
		var s string
		if json.Unmarshal(v, &s) == nil {
			out.DMSVersion = s
		}
	}
	return out, nil
}

func unmarshalAccountInfo(data []byte) (AccountInfo, error) {
	var w accountInfoWire
	if err := decodeDoc(PhaseAccountInfo, data, &w); err != nil {
		return AccountInfo{}, err
	}
	if err := checkRequired(PhaseAccountInfo, required{"AccountType", w.AccountType != nil}); err != nil {
		return AccountInfo{}, err
	}
	out := AccountInfo{AccountType: *w.AccountType}
	if len(w.GroupIDList) > 0 {
		out.GroupIDList = w.GroupIDList
	}
	// optional ids are dropped when mistyped
	if len(w.AccountID) > 0 {
		var s string
		if json.Unmarshal(w.AccountID, &s) == nil {
			out.ActiveAccountID = s
		}
	}
	if len(w.UserID) > 0 {
		var n int32
		if json.Unmarshal(w.UserID, &n) == nil {
			out.UserID = n
		}
	}
	return out, nil
}

func UnmarshalNotifyResult(data []byte) (*NotifyResult, error) {
	var w notifyResultWire
	if err := decodeDoc(PhaseNotifyResult, data, &w); err != nil {
		return nil, err
	}
	base, err := baseFrom(PhaseNotifyResult, w.BaseCmd)
	if err != nil {
		return nil, err
	}
	if err := expectKind(PhaseNotifyResult, base, KindNotifyResult); err != nil {
		return nil, err
	}
	if err := checkRequired(PhaseNotifyResult,
		required{"SinkCollabSessionId", w.SinkCollabSessionID != nil},
		required{"Result", w.Result != nil},
		required{"SinkSocketName", w.SinkSocketName != nil},
	); err != nil {
		return nil, err
	}
	out := &NotifyResult{
		Base:                base,
		SinkCollabSessionID: *w.SinkCollabSessionID,
		Result:              *w.Result,
		SinkSocketName:      *w.SinkSocketName,
	}
	if w.AbilityRejectReason != nil {
		out.AbilityRejectReason = *w.AbilityRejectReason
	}
	return out, nil
}

func UnmarshalDisconnect(data []byte) (*Disconnect, error) {
	var w envelopeWire
	if err := decodeDoc(PhaseDisconnect, data, &w); err != nil {
		return nil, err
	}
	base, err := baseFrom(PhaseDisconnect, w.BaseCmd)
	if err != nil {
		return nil, err
	}
	if err := expectKind(PhaseDisconnect, base, KindDisconnect); err != nil {
		return nil, err
	}
	return &Disconnect{Base: base}, nil
}
