package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"forgeloop/internal/server"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the local control API",
	Long: `Serves the loop operations over HTTP for scripted callers:
health, status, policy, quality-gate, iterate, iterate-parallel,
run-project, and browser-validate. Bind to loopback only.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "127.0.0.1:8787", "listen address")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	d, err := buildDeps()
	if err != nil {
		return err
	}
	defer d.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := server.New(d.store, d.pol, d.gate, d.engine, d.runner, logger)
	logger.Info("starting control server", zap.String("addr", serveAddr))
	return srv.ListenAndServe(ctx, serveAddr)
}
