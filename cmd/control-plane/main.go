package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/Meesho/BharatMLStack/control-plane/internal/app"
	"github.com/Meesho/BharatMLStack/control-plane/pkg/config"
	"github.com/Meesho/BharatMLStack/control-plane/pkg/logger"
	"github.com/Meesho/BharatMLStack/control-plane/pkg/metric"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"
)

var (
	snapshotPath  string
	snapshotCodec string
)

var rootCmd = &cobra.Command{
	Use:           "control-plane",
	Short:         "Workflow supervision, health monitoring and auto-recovery",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator and its HTTP control API until SIGTERM/SIGINT",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Print the persisted state snapshot as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		return printSnapshot(cmd.Context())
	},
}

func init() {
	snapshotCmd.Flags().StringVar(&snapshotPath, "path", "", "snapshot file for the file backend (defaults to SNAPSHOT_PATH)")
	snapshotCmd.Flags().StringVar(&snapshotCodec, "codec", "", "snapshot codec, json or msgpack (defaults to SNAPSHOT_CODEC)")
	rootCmd.AddCommand(serveCmd, snapshotCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve(ctx context.Context) error {
	config.InitEnv()
	envCfg := config.Instance()
	logger.Init(envCfg.AppName, envCfg.AppLogLevel)
	metric.Init(metric.Config{
		AppName:      envCfg.AppName,
		AppEnv:       envCfg.AppEnv,
		Address:      envCfg.StatsdAddress,
		SamplingRate: envCfg.AppMetricSamplingRate,
	})
	defer metric.Close()

	rt, err := app.Build(ctx, envCfg)
	if err != nil {
		log.Error().Err(err).Msg("failed to build orchestrator")
		return err
	}
	defer rt.Close()

	server := app.NewServer(envCfg.AppPort, envCfg.AppEnv, rt.Orchestrator, rt.Idempotency)
	if err := server.Run(ctx); err != nil {
		log.Error().Err(err).Msg("control-plane exited with error")
		return err
	}
	return nil
}

func printSnapshot(ctx context.Context) error {
	config.InitEnv()
	envCfg := config.Instance()
	if snapshotPath != "" {
		envCfg.SnapshotPath = snapshotPath
	}
	if snapshotCodec != "" {
		envCfg.SnapshotCodec = snapshotCodec
	}

	store, closeStore, err := app.OpenSnapshotStore(envCfg)
	if err != nil {
		return err
	}
	defer closeStore()
	saved, err := store.Load(ctx)
	if err != nil {
		return err
	}
	out := json.NewEncoder(os.Stdout)
	out.SetIndent("", "  ")
	return out.Encode(saved)
}
