package main

import (
	"fmt"

	"github.com/danmuck/collabctl/internal/config"
	"github.com/spf13/cobra"
)

func newConfigCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Generate and check node config files",
	}

	var (
		kind  string
		force bool
	)
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write an example node config",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := opts.configPath
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.WriteTemplate(path, kind, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s config to %s\n", kindOrDefault(kind), path)
			return nil
		},
	}
	initCmd.Flags().StringVar(&kind, "kind", "node", "template kind: node, source, sink")
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print an example node config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := config.Template(kind)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), out)
			return nil
		},
	}
	showCmd.Flags().StringVar(&kind, "kind", "node", "template kind: node, source, sink")

	validateCmd := &cobra.Command{
		Use:   "validate [path]",
		Short: "Load a node config and report problems",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := opts.configPath
			if len(args) == 1 {
				path = args[0]
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s ok: device=%s channel=%s peers=%d\n",
				path, cfg.DeviceID, cfg.Channel, len(cfg.Peers))
			return nil
		},
	}

	cmd.AddCommand(initCmd, showCmd, validateCmd)
	return cmd
}

func kindOrDefault(kind string) string {
	if kind == "" {
		return "node"
	}
	return kind
}
