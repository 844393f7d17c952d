// Package control implements the "drover control" command: the cluster
// control service with its agent listener and admin API.
package control

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"drover/internal/api"
	controlsvc "drover/internal/control"
)

func Cmd() *cobra.Command {
	var (
		listenAddr        string
		apiAddr           string
		evictOnDisconnect bool
	)

	cmd := &cobra.Command{
		Use:   "control",
		Short: "Run the control service",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			aggregator := controlsvc.NewAggregator()
			aggregator.Start(ctx)
			defer aggregator.Stop()

			server := controlsvc.NewServer(controlsvc.ServerConfig{
				ListenAddr:        listenAddr,
				EvictOnDisconnect: evictOnDisconnect,
			}, aggregator)
			if err := server.Start(ctx); err != nil {
				return err
			}
			defer server.Stop()

			adminAPI := api.NewServer(apiAddr, aggregator)
			if err := adminAPI.Start(ctx); err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = adminAPI.Stop(shutdownCtx)
			}()

			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", ":4524", "Address agents connect to")
	cmd.Flags().StringVar(&apiAddr, "api-listen", ":4523", "Admin API address")
	cmd.Flags().BoolVar(&evictOnDisconnect, "evict-on-disconnect", false,
		"Drop a node's reported state when its agent disconnects")
	return cmd
}
