package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"kitchenpulse/internal/di"
	"kitchenpulse/pkg/config"
	"kitchenpulse/pkg/logger"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "kitchenpulse",
	Short: "Kitchen-ready estimation and restaurant rush index service",
	Long: `kitchenpulse ingests order, KDS, ready-mark and rider proximity signals,
corrects biased ready marks into kitchen-ready estimates and publishes a
per-restaurant rush index.`,
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, Kafka consumer and estimation core",
	RunE:  runServe,
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Load and validate the configuration, then exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadWithEnv(cfgFile)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "config ok: env=%s storage=%s kafka=%t clickhouse=%t\n",
			cfg.Environment, cfg.Storage.Backend, cfg.Kafka.Enabled, cfg.ClickHouse.Enabled)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config/config.yaml", "config file path")
	rootCmd.AddCommand(serveCmd, checkConfigCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithEnv(cfgFile)
	if err != nil {
		return err
	}

	app, cleanup, err := di.InitializeApp(cfg)
	if err != nil {
		return fmt.Errorf("app initialization failed: %w", err)
	}
	defer cleanup()

	// Run application (blocks until signal)
	return app.Run()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		l, _ := logger.New(&logger.Config{Level: "error", Format: "console", Output: "stderr"})
		if l != nil {
			l.Error("kitchenpulse exited", logger.Error(err))
		}
		if errors.Is(err, config.ErrInvalidConfig) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
