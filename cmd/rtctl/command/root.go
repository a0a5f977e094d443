// Package command implements the rtctl subcommands.
package command

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/OriD-19/trazor_rt/internal/logging"
	"github.com/OriD-19/trazor_rt/pkg/config"
)

// GlobalParams are the flags shared by every subcommand.
type GlobalParams struct {
	ConfigPath string
	LogLevel   string
}

func (p *GlobalParams) load() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(p.ConfigPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	level := p.LogLevel
	if level == "" {
		level = cfg.Runtime.LogLevel
	}
	log, err := logging.NewConsole(level)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, log, nil
}

// RootCommand returns the rtctl command tree.
func RootCommand() *cobra.Command {
	var params GlobalParams
	root := &cobra.Command{
		Use:          "rtctl [command]",
		Short:        "Controller for processes instrumented with the trazor runtime",
		SilenceUsage: true,
	}

	pflags := root.PersistentFlags()
	pflags.StringVarP(&params.ConfigPath, "config", "c", "", "path to a YAML configuration file")
	pflags.StringVar(&params.LogLevel, "log-level", "", "log level, overrides the configuration")

	root.AddCommand(runCommand(&params))
	root.AddCommand(decodeCommand(&params))
	root.AddCommand(signalCommands()...)
	root.AddCommand(isaCommands()...)
	return root
}
