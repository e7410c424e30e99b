package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/danmuck/collabctl/internal/collab"
	logs "github.com/danmuck/collabctl/internal/logging"
)

// CommandAbilityStarter launches the target ability through an external
// command. The command receives its configured arguments followed by
// --token, --source-device, --bundle, --module, --ability and, when the
// ability should come up in the background, --background.
type CommandAbilityStarter struct {
	Command []string
	Runner  CommandRunner
}

var _ collab.AbilityStarter = CommandAbilityStarter{}

func (s CommandAbilityStarter) StartLocalAbility(ctx context.Context, req collab.AbilityRequest) error {
	if len(s.Command) == 0 {
		return fmt.Errorf("%w: no ability command configured", collab.ErrInvalidMission)
	}
	runner := s.Runner
	if runner == nil {
		runner = ExecRunner{}
	}

	args := append([]string{}, s.Command[1:]...)
	args = append(args,
		"--token", req.CollabToken,
		"--source-device", req.Source.DeviceID,
		"--bundle", req.Target.BundleName,
		"--module", req.Target.ModuleName,
		"--ability", req.Target.AbilityName,
	)
	if !req.Foreground {
		args = append(args, "--background")
	}

	stdout, stderr, code, err := runner.Run(ctx, s.Command[0], args...)
	if err != nil {
		msg := strings.TrimSpace(string(stderr))
		if msg == "" {
			msg = err.Error()
		}
		logs.Warnf("tools.StartLocalAbility token=%s exit=%d: %s", logs.Anonymize(req.CollabToken), code, msg)
		return fmt.Errorf("ability command exited %d: %s", code, msg)
	}
	logs.Infof("tools.StartLocalAbility token=%s ability=%s out=%q",
		logs.Anonymize(req.CollabToken), req.Target.AbilityName, strings.TrimSpace(string(stdout)))
	return nil
}
