package main

import (
	"os"

	"github.com/spf13/cobra"
)

const (
	defaultConfigPath = "collabctl.toml"
	defaultAdminURL   = "http://127.0.0.1:7400"
	envAdminToken     = "COLLABCTL_ADMIN_TOKEN"
)

type rootOptions struct {
	configPath string
	adminURL   string
	adminToken string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "collabctl",
		Short: "Run and drive ability collaboration nodes",
		Long: `collabctl hosts a collaboration node that pairs a local ability with a
remote one, and talks to a running node's admin API to start missions,
inspect collaborations and feed platform events into them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfigPath, "node config file")
	root.PersistentFlags().StringVar(&opts.adminURL, "admin", defaultAdminURL, "admin API base URL of a running node")
	root.PersistentFlags().StringVar(&opts.adminToken, "token", os.Getenv(envAdminToken), "admin API bearer token (env "+envAdminToken+")")

	root.AddCommand(
		newServeCmd(opts),
		newStartCmd(opts),
		newStatusCmd(opts),
		newEventCmd(opts),
		newConfigCmd(opts),
		newVersionCmd(),
	)
	return root
}
