package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marmos91/filecollection/internal/logger"
	"github.com/marmos91/filecollection/pkg/config"
)

// Set by the build (-ldflags "-X main.version=...")
var version = "dev"

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "filecollection",
		Short:         "Chunked file collections over HTTP",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to config file (default "+config.GetDefaultConfigPath()+")")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override the configured log level (DEBUG, INFO, WARN, ERROR)")

	root.AddCommand(
		newServeCommand(opts),
		newInitCommand(),
		newGCCommand(opts),
	)
	return root
}

// loadConfig loads the configuration and configures the logger from it.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}

	logger.SetLevel(cfg.Logging.Level)
	logger.SetFormat(cfg.Logging.Format)
	if err := logger.SetOutput(cfg.Logging.Output); err != nil {
		return nil, fmt.Errorf("failed to configure logging: %w", err)
	}
	return cfg, nil
}
