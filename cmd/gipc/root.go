package main

import (
	"io"

	"github.com/containerd/log"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	cfgFile string
	cfg     *cliConfig
	logFile io.Closer
}

func newRootCommand() *cobra.Command {
	var opts rootOptions
	cmd := &cobra.Command{
		Use:           "gipc",
		Short:         "Serve and exercise local message pipes",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, opts.cfgFile)
			if err != nil {
				return err
			}
			if opts.logFile, err = setupLogging(cfg.Log); err != nil {
				return err
			}
			opts.cfg = cfg
			log.G(cmd.Context()).WithField("pipe", cfg.Name).Debug("config loaded")
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if opts.logFile != nil {
				_ = opts.logFile.Close()
			}
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.cfgFile, "config", "", "config file (yaml, json or toml)")
	flags.String("name", "mynamedpipe", "pipe name")
	flags.String("namespace", "", "endpoint namespace (linux abstract socket prefix)")
	flags.String("framing", "", `message framing: "raw" or "framed"`)
	flags.String("log-level", "info", "log level")
	flags.String("log-format", "text", `log format: "text" or "json"`)
	flags.String("log-file", "", "also write logs to this file, rotated")

	cmd.AddCommand(newServeCommand(&opts), newSendCommand(&opts))
	return cmd
}
