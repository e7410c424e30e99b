package collab

import (
	"context"
	"fmt"
	"strings"

	logs "github.com/danmuck/collabctl/internal/logging"
	"github.com/danmuck/collabctl/internal/protocol"
)

var ErrPeerVersionUnknown = fmt.Errorf("%w: collab: peer version unknown", protocol.ErrProtocolMismatch)

// StaticPeerResolver answers from a fixed table, then Default.
type StaticPeerResolver struct {
	Versions map[string]string
	Default  string
}

func (r StaticPeerResolver) ResolvePeerVersion(_ context.Context, deviceID string) (string, error) {
	if v, ok := r.Versions[strings.TrimSpace(deviceID)]; ok {
		return v, nil
	}
	if r.Default == "" {
		return "", fmt.Errorf("%w: %s", ErrPeerVersionUnknown, logs.Anonymize(deviceID))
	}
	return r.Default, nil
}

// LogAbilityStarter accepts every start request and only logs it. The admin
// API reports the prepare result afterwards.
type LogAbilityStarter struct{}

func (LogAbilityStarter) StartLocalAbility(_ context.Context, req AbilityRequest) error {
	logs.Infof("collab.StartLocalAbility token=%s bundle=%s ability=%s foreground=%t",
		logs.Anonymize(req.CollabToken), req.Target.BundleName, req.Target.AbilityName, req.Foreground)
	return nil
}

type LogNotifier struct{}

func (LogNotifier) NotifyMissionEvent(_ context.Context, ev MissionEvent) error {
	logs.Infof("collab.NotifyMissionEvent kind=%s role=%s token=%s result=%s reason=%q",
		ev.Kind, ev.Role, logs.Anonymize(ev.CollabToken), protocol.ResultName(ev.Result), ev.Reason)
	return nil
}

type LogAnalytics struct{}

func (LogAnalytics) ReportAnalytics(_ context.Context, rec AnalyticsRecord) {
	l := logs.With("analytics")
	l.Info().
		Str("token", logs.Anonymize(rec.CollabToken)).
		Str("role", string(rec.Role)).
		Str("peer", logs.Anonymize(rec.Peer)).
		Str("final_state", rec.FinalState).
		Str("result", protocol.ResultName(rec.Result)).
		Dur("duration", rec.Duration).
		Msg("collab finished")
}

// StaticCallerResolver reports the caller's own bundle as its only bundle.
type StaticCallerResolver struct {
	AppVersion  int32
	CallerAppID string
}

func (r StaticCallerResolver) LookupCallerIdentity(_ context.Context, q CallerQuery) (CallerIdentity, error) {
	appID := r.CallerAppID
	if appID == "" {
		appID = q.BundleName
	}
	return CallerIdentity{
		AppVersion:  r.AppVersion,
		CallerAppID: appID,
		BundleNames: []string{q.BundleName},
	}, nil
}
