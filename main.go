package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"changkun.de/x/plandash/internal/logger"
	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:           "plandash",
		Short:         "Task board server for a .plan directory",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	addCommonFlags(root.PersistentFlags())

	root.AddCommand(runCmd(), migrateCmd(), envCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		logger.Fatal(logger.Main, "plandash", "error", err)
	}
}

// setup loads the configuration for cmd and initializes logging from it.
func setup(cmd *cobra.Command) (Config, error) {
	v, err := newViper()
	if err != nil {
		return Config{}, err
	}
	cfg, err := loadConfig(v, cmd.Flags())
	if err != nil {
		return cfg, err
	}
	logger.InitWriter(cmd.ErrOrStderr(), cfg.LogFormat, logger.ParseLevel(cfg.LogLevel))
	return cfg, nil
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the dashboard API and live feed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(cmd)
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg)
		},
	}
	addServerFlags(cmd.Flags())
	return cmd
}
