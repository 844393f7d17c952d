// Package agent implements the "drover agent" command: the node-side
// convergence agent.
package agent

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	agentsvc "drover/internal/agent"
	"drover/internal/deployer"
	"drover/internal/deployer/docker"
	"drover/internal/deployer/sqlite"
)

func Cmd() *cobra.Command {
	var (
		controlAddr   string
		hostname      string
		dataDir       string
		ntpPool       string
		skipClock     bool
		strictVersion bool
	)

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the convergence agent on this node",
		RunE: func(cmd *cobra.Command, args []string) error {
			if controlAddr == "" {
				return fmt.Errorf("--control is required")
			}
			if hostname == "" {
				detected, err := os.Hostname()
				if err != nil {
					return fmt.Errorf("detect hostname: %w", err)
				}
				hostname = detected
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			runtime, err := docker.NewRuntime()
			if err != nil {
				return err
			}
			defer runtime.Close()

			records, err := sqlite.Open(filepath.Join(dataDir, "applications.db"))
			if err != nil {
				return err
			}
			defer records.Close()

			var clock agentsvc.ClockChecker
			if !skipClock {
				ntpClock := agentsvc.NewNTPClock(ntpPool)
				go ntpClock.Run(ctx)
				clock = ntpClock
			}

			service := agentsvc.NewService(hostname, deployer.New(runtime, records), clock)

			policy := agentsvc.VersionPolicyWarn
			if strictVersion {
				policy = agentsvc.VersionPolicyStrict
			}
			client := agentsvc.NewClient(agentsvc.ClientConfig{
				ControlAddr:   controlAddr,
				VersionPolicy: policy,
			}, service)
			client.Start(ctx)
			defer client.Stop()

			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().StringVar(&controlAddr, "control", "", "Control service address (host:port)")
	cmd.Flags().StringVar(&hostname, "hostname", "", "Hostname to report (defaults to the system hostname)")
	cmd.Flags().StringVar(&dataDir, "data-dir", "/var/lib/drover", "Directory for agent state")
	cmd.Flags().StringVar(&ntpPool, "ntp-pool", "", "NTP pool for clock drift checks")
	cmd.Flags().BoolVar(&skipClock, "skip-clock-check", false, "Converge even without clock drift checks")
	cmd.Flags().BoolVar(&strictVersion, "strict-version", false,
		"Refuse to run against a control service with a different protocol version")
	return cmd
}
