package command

import (
	"strconv"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/OriD-19/trazor_rt/internal/controller"
)

func signalCommands() []*cobra.Command {
	pidCommand := func(use, short string, send func(int) error) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <pid>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				pid, err := strconv.Atoi(args[0])
				if err != nil || pid <= 0 {
					return errors.Errorf("invalid pid %q", args[0])
				}
				return send(pid)
			},
		}
	}
	return []*cobra.Command{
		pidCommand("pause", "Ask a traced process to pause at its next checkpoint", controller.Pause),
		pidCommand("resume", "Resume a paused traced process", controller.Resume),
		pidCommand("continue", "Continue a traced process stopped at initialization", controller.Continue),
	}
}
