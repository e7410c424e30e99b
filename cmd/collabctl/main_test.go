package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/collabctl/internal/collab"
	"github.com/danmuck/collabctl/internal/config"
	"github.com/danmuck/collabctl/internal/testutil/testlog"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersionPrintsProtocolVersions(t *testing.T) {
	testlog.Start(t)
	out, err := run(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out, "collabctl version "+collabctlVersion) || !strings.Contains(out, "collab protocol 1, dms 5") {
		t.Fatalf("unexpected version output: %q", out)
	}
}

func TestConfigInitThenValidate(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "source.toml")

	if _, err := run(t, "config", "init", "--kind", "source", path); err != nil {
		t.Fatalf("config init: %v", err)
	}
	out, err := run(t, "config", "validate", path)
	if err != nil {
		t.Fatalf("config validate: %v", err)
	}
	if !strings.Contains(out, "device=collab-source-01") || !strings.Contains(out, "peers=1") {
		t.Fatalf("unexpected validate output: %q", out)
	}

	if _, err := run(t, "config", "init", "--kind", "source", path); err == nil {
		t.Fatalf("expected init to refuse an existing file")
	}
	if _, err := run(t, "config", "init", "--kind", "sink", "--force", path); err != nil {
		t.Fatalf("forced init: %v", err)
	}
	if out, _ := run(t, "--config", path, "config", "validate"); !strings.Contains(out, "device=collab-sink-01") {
		t.Fatalf("expected --config path to be validated, got %q", out)
	}
}

func TestConfigShowRejectsUnknownKind(t *testing.T) {
	testlog.Start(t)
	out, err := run(t, "config", "show", "--kind", "sink")
	if err != nil || !strings.Contains(out, "collab-sink-01") {
		t.Fatalf("expected sink template, out=%q err=%v", out, err)
	}
	if _, err := run(t, "config", "show", "--kind", "mirror"); err == nil {
		t.Fatalf("expected unknown kind to fail")
	}
}

func TestStartPostsMission(t *testing.T) {
	testlog.Start(t)
	var got collab.MissionRequest
	admin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/collabs" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"token":"collab-source-01_abc"}`))
	}))
	defer admin.Close()

	out, err := run(t, "--admin", admin.URL, "start",
		"--bundle", "com.example.notes", "--module", "entry", "--ability", "EditorAbility",
		"--pid", "4100", "--sink-device", "collab-sink-01", "--sink-ability", "ViewerAbility", "--big-data")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if strings.TrimSpace(out) != "collab-source-01_abc" {
		t.Fatalf("expected token output, got %q", out)
	}
	if got.Sink.BundleName != "com.example.notes" || got.Sink.ModuleName != "entry" {
		t.Fatalf("expected sink bundle and module to default to the source's, got %+v", got.Sink)
	}
	if got.Source.PID != 4100 || !got.Options.NeedSendBigData {
		t.Fatalf("unexpected mission body: %+v", got)
	}
}

func TestStartSurfacesAdminError(t *testing.T) {
	testlog.Start(t)
	admin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"collab: unknown device","name":"INVALID_PARAMETERS"}`))
	}))
	defer admin.Close()

	_, err := run(t, "--admin", admin.URL, "start", "--bundle", "b", "--module", "m", "--ability", "a",
		"--sink-device", "nowhere", "--sink-ability", "s")
	if err == nil || !strings.Contains(err.Error(), "unknown device") {
		t.Fatalf("expected admin error text, got %v", err)
	}
}

func TestEventAttachesOnlyGivenPayload(t *testing.T) {
	testlog.Start(t)
	var body map[string]any
	var path string
	admin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer admin.Close()

	if _, err := run(t, "--admin", admin.URL, "event", "tok-1", "ERR_END_EVENT", "--result", "29360628"); err != nil {
		t.Fatalf("event: %v", err)
	}
	if path != "/collabs/tok-1/events" {
		t.Fatalf("unexpected path %q", path)
	}
	if body["event"] != "ERR_END_EVENT" || body["result"] != float64(29360628) {
		t.Fatalf("unexpected event body: %v", body)
	}
	if _, ok := body["message"]; ok {
		t.Fatalf("expected no message payload, got %v", body)
	}
}

func TestBuildNodeServesUntilCanceled(t *testing.T) {
	testlog.Start(t)
	cfg := config.DefaultNodeConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.Channel = config.ChannelTCP
	cfg.TCPAddr = "127.0.0.1:0"

	n, err := buildNode(cfg)
	if err != nil {
		t.Fatalf("build node: %v", err)
	}
	defer n.Close()
	if n.tcp == nil {
		t.Fatalf("expected a tcp listener for the tcp channel")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("node did not stop after cancel")
	}
}
