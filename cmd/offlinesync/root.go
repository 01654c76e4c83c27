package main

import (
	"github.com/spf13/cobra"
)

// cli holds the persistent flags shared by every command.
type cli struct {
	configPath string
	output     string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "offlinesync",
		Short: "Offline-first document sync client",
		Long: `offlinesync keeps a local replica of server buckets in SQLite or
PostgreSQL. Reads and writes are served locally; sync passes pull server
changes and push local ones, resolving conflicts per bucket policy.

Configuration is read from --config, or offlinesync.{yaml,json,toml} in the
working directory, with OFFLINESYNC_* environment overrides.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := c.printer(cmd)
			return err
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "config file")
	root.PersistentFlags().StringVarP(&c.output, "output", "o", formatText, "output format: text, json or yaml")
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		c.syncCmd(),
		c.getCmd(),
		c.queryCmd(),
		c.putCmd(),
		c.patchCmd(),
		c.replaceCmd(),
		c.deleteCmd(),
		c.conflictsCmd(),
		c.resolveCmd(),
		c.daemonCmd(),
	)
	return root
}

func (c *cli) printer(cmd *cobra.Command) (printer, error) {
	return newPrinter(cmd.OutOrStdout(), c.output)
}
