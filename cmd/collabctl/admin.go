package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/collabctl/internal/collab"
	"github.com/spf13/cobra"
)

type adminClient struct {
	base  string
	token string
	http  *http.Client
}

func newAdminClient(opts *rootOptions) adminClient {
	return adminClient{
		base:  strings.TrimRight(strings.TrimSpace(opts.adminURL), "/"),
		token: strings.TrimSpace(opts.adminToken),
		http:  &http.Client{Timeout: 10 * time.Second},
	}
}

// do sends body as JSON and decodes a 2xx reply into out. Non-2xx replies
// surface the server's error text.
func (a adminClient) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		r = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.base+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var e struct {
			Error string `json:"error"`
			Name  string `json:"name"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = resp.Status
		}
		return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, e.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newStartCmd(opts *rootOptions) *cobra.Command {
	var req collab.MissionRequest
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a collaboration mission on a running source node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if req.Sink.BundleName == "" {
				req.Sink.BundleName = req.Source.BundleName
			}
			if req.Sink.ModuleName == "" {
				req.Sink.ModuleName = req.Source.ModuleName
			}
			var out struct {
				Token string `json:"token"`
			}
			if err := newAdminClient(opts).do(cmd.Context(), http.MethodPost, "/collabs", req, &out); err != nil {
				return fmt.Errorf("start mission: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), out.Token)
			return nil
		},
	}
	f := cmd.Flags()
	f.Int32Var(&req.SrcCollabSessionID, "session", 0, "caller-side collaboration session id")
	f.StringVar(&req.Source.BundleName, "bundle", "", "source bundle name")
	f.StringVar(&req.Source.ModuleName, "module", "", "source module name")
	f.StringVar(&req.Source.AbilityName, "ability", "", "source ability name")
	f.Int32Var(&req.Source.PID, "pid", 0, "source process id")
	f.Int32Var(&req.Source.UID, "uid", 0, "source user id")
	f.StringVar(&req.Sink.DeviceID, "sink-device", "", "sink device id")
	f.StringVar(&req.Sink.BundleName, "sink-bundle", "", "sink bundle name (defaults to --bundle)")
	f.StringVar(&req.Sink.ModuleName, "sink-module", "", "sink module name (defaults to --module)")
	f.StringVar(&req.Sink.AbilityName, "sink-ability", "", "sink ability name")
	f.BoolVar(&req.Options.NeedSendBigData, "big-data", false, "request a bulk data channel")
	f.BoolVar(&req.Options.NeedSendStream, "send-stream", false, "request an outbound stream channel")
	f.BoolVar(&req.Options.NeedRecvStream, "recv-stream", false, "request an inbound stream channel")
	_ = cmd.MarkFlagRequired("sink-device")
	_ = cmd.MarkFlagRequired("sink-ability")
	return cmd
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status [token]",
		Short: "List collaborations on a running node, or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAdminClient(opts)
			if len(args) == 1 {
				var snap collab.Snapshot
				if err := client.do(cmd.Context(), http.MethodGet, "/collabs/"+args[0], nil, &snap); err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), snap)
			}
			var list struct {
				Collabs []collab.Snapshot `json:"collabs"`
			}
			if err := client.do(cmd.Context(), http.MethodGet, "/collabs", nil, &list); err != nil {
				return err
			}
			for _, s := range list.Collabs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n", s.Token, s.Role, s.State, s.Peer)
			}
			return nil
		},
	}
}

func newEventCmd(opts *rootOptions) *cobra.Command {
	var (
		result  int32
		message string
	)
	cmd := &cobra.Command{
		Use:   "event <token> <EVENT>",
		Short: "Post a state machine event into a collaboration",
		Long: `Post a state machine event such as END_EVENT or ERR_END_EVENT into a
collaboration. --result and --message attach a payload for events that take one.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"event": args[1]}
			if cmd.Flags().Changed("result") {
				body["result"] = result
			}
			if cmd.Flags().Changed("message") {
				body["message"] = message
			}
			if err := newAdminClient(opts).do(cmd.Context(), http.MethodPost, "/collabs/"+args[0]+"/events", body, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "posted %s to %s\n", args[1], args[0])
			return nil
		},
	}
	cmd.Flags().Int32Var(&result, "result", 0, "result code payload")
	cmd.Flags().StringVar(&message, "message", "", "text payload")
	return cmd
}
