package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/kingrea/powermode/internal/transport/broker"
)

func newBrokerCmd(e *env) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "broker",
		Short: "Serve the HTTP pub/sub broker other processes can use as a transport",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := e.load()
			if err != nil {
				return err
			}
			log, err := e.logger(cfg)
			if err != nil {
				return err
			}
			defer log.Close()

			settings, err := broker.FromAddress(addr)
			if err != nil {
				return fmt.Errorf("broker address %q: %w", addr, err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			server := broker.NewServer(settings, broker.WithLogger(log.Logger))
			if err := server.Start(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "broker listening on %s\n", server.BaseURL())
			<-ctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address host:port (default from POWERMODE_BROKER_* or 127.0.0.1)")
	return cmd
}
