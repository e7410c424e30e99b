package tools

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/collabctl/internal/collab"
	"github.com/danmuck/collabctl/internal/protocol"
	"github.com/danmuck/collabctl/internal/testutil/testlog"
)

type recordingRunner struct {
	name   string
	args   []string
	stderr string
	code   int32
	err    error
}

func (r *recordingRunner) Run(_ context.Context, name string, args ...string) ([]byte, []byte, int32, error) {
	r.name = name
	r.args = args
	return []byte("started"), []byte(r.stderr), r.code, r.err
}

func abilityRequest() collab.AbilityRequest {
	return collab.AbilityRequest{
		CollabToken: "collab-source-01_tok",
		Source:      collab.Endpoint{DeviceID: "collab-source-01"},
		Target: collab.Endpoint{
			BundleName:  "com.example.notes",
			ModuleName:  "entry",
			AbilityName: "ViewerAbility",
		},
	}
}

func TestCommandAbilityStarterPassesTarget(t *testing.T) {
	testlog.Start(t)
	r := &recordingRunner{}
	s := CommandAbilityStarter{Command: []string{"launcher", "start"}, Runner: r}

	if err := s.StartLocalAbility(context.Background(), abilityRequest()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if r.name != "launcher" {
		t.Fatalf("expected launcher to run, got %q", r.name)
	}
	want := "start --token collab-source-01_tok --source-device collab-source-01 --bundle com.example.notes --module entry --ability ViewerAbility --background"
	if got := strings.Join(r.args, " "); got != want {
		t.Fatalf("unexpected args:\n got %s\nwant %s", got, want)
	}

	req := abilityRequest()
	req.Foreground = true
	if err := s.StartLocalAbility(context.Background(), req); err != nil {
		t.Fatalf("foreground start: %v", err)
	}
	if r.args[len(r.args)-1] == "--background" {
		t.Fatalf("expected no background flag for a foreground start")
	}
}

func TestCommandAbilityStarterSurfacesFailure(t *testing.T) {
	testlog.Start(t)
	r := &recordingRunner{stderr: "bundle not installed\n", code: 3, err: errors.New("exit status 3")}
	s := CommandAbilityStarter{Command: []string{"launcher"}, Runner: r}

	err := s.StartLocalAbility(context.Background(), abilityRequest())
	if err == nil || !strings.Contains(err.Error(), "exited 3: bundle not installed") {
		t.Fatalf("expected stderr in error, got %v", err)
	}

	empty := CommandAbilityStarter{}
	if err := empty.StartLocalAbility(context.Background(), abilityRequest()); !errors.Is(err, protocol.ErrInvalidParameters) {
		t.Fatalf("expected invalid parameters without a command, got %v", err)
	}
}

func TestExecRunnerExitCodes(t *testing.T) {
	testlog.Start(t)
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
	out, _, code, err := ExecRunner{}.Run(context.Background(), "sh", "-c", "echo ok")
	if err != nil || code != 0 || strings.TrimSpace(string(out)) != "ok" {
		t.Fatalf("expected clean run, out=%q code=%d err=%v", out, code, err)
	}
	_, _, code, err = ExecRunner{}.Run(context.Background(), "sh", "-c", "exit 4")
	if err == nil || code != 4 {
		t.Fatalf("expected exit 4, code=%d err=%v", code, err)
	}
	_, _, code, err = ExecRunner{}.Run(context.Background(), "collabctl-no-such-binary")
	if err == nil || code != 127 {
		t.Fatalf("expected 127 for missing binary, code=%d err=%v", code, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, code, err = ExecRunner{}.Run(ctx, "sh", "-c", "exec sleep 5")
	if !errors.Is(err, context.DeadlineExceeded) || code != ExitTimedOut {
		t.Fatalf("expected timeout exit, code=%d err=%v", code, err)
	}
}
