package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/fenland-imaging/gateway/internal/config"
	"github.com/fenland-imaging/gateway/internal/db"
	"github.com/fenland-imaging/gateway/internal/gateway"
)

// connectFromConfig loads the config file and opens the store it names.
func connectFromConfig(configPath string) (*config.Config, *gorm.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	// For sqlite the dsn is a plain file path; Connect adds the WAL options.
	dsn := cfg.DB.DSN
	if cfg.DB.Driver == db.DriverSQLite || cfg.DB.Driver == "" {
		dsn = cfg.DB.Path
	}
	gormDB, err := db.Connect(cfg.DB.Driver, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	return cfg, gormDB, nil
}

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway daemon",
		Long:  "Starts the worklist and image-storage servers, the relay bridge, the thumbnail pipeline and the admin API, and runs until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "gateway.yaml", "path to gateway config file")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	// The daemon assumes the schema exists; migrate on every start so an
	// upgrade never needs a separate step.
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}

	daemon, err := gateway.NewDaemon(gateway.DaemonOpts{
		DB:     gormDB,
		Config: cfg,
		Out:    cmd.OutOrStdout(),
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(cmd.OutOrStdout(), "\nReceived %s, shutting down...\n", sig)
		cancel()
	}()

	return daemon.Run(ctx)
}
