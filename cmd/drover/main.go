package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	agentcmd "drover/cmd/drover/agent"
	controlcmd "drover/cmd/drover/control"
	deploycmd "drover/cmd/drover/deploy"
	"drover/cmd/drover/ui"
	"drover/internal/logging"
)

func main() {
	var debug bool

	if err := logging.Configure(logging.LevelInfo); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	root := &cobra.Command{
		Use:           "drover",
		Short:         "Cluster container deployment: control service, node agents, and deploy tooling",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := logging.LevelInfo
			if debug {
				level = logging.LevelDebug
			}
			return logging.Configure(level)
		},
	}
	root.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	root.AddCommand(controlcmd.Cmd())
	root.AddCommand(agentcmd.Cmd())
	root.AddCommand(deploycmd.Cmd())

	if err := root.Execute(); err != nil {
		ui.Configure()
		fmt.Fprintln(os.Stderr, ui.ErrorMsg("%v", err))
		os.Exit(1)
	}
}
