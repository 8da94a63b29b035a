package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	runtimepkg "github.com/drblury/hookrelay/internal/runtime"
	configpkg "github.com/drblury/hookrelay/internal/runtime/config"
	loggingpkg "github.com/drblury/hookrelay/internal/runtime/logging"
)

var serveRoles []string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the configured roles until interrupted",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringSliceVar(&serveRoles, "roles", nil,
		"roles to run: "+configpkg.RoleAPI+", "+configpkg.RoleGateway+", "+configpkg.RoleDispatcher+" (default: from config)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	conf, err := loadConfig(serveRoles)
	if err != nil {
		return err
	}

	logger, err := loggingpkg.New(conf.LogLevel, conf.LogFormat, os.Stdout)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := runtimepkg.NewService(ctx, conf, logger, runtimepkg.Dependencies{
		Hooks: runtimepkg.LoggingHooks(logger),
	})
	if err != nil {
		logger.Error("Failed to create service", err, nil)
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Error("Failed to close service", err, nil)
		}
	}()

	if err := svc.Start(ctx); err != nil && ctx.Err() == nil {
		logger.Error("Service stopped with error", err, nil)
		return err
	}
	logger.Info("Service stopped", nil)
	return nil
}
