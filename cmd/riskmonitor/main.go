// Command riskmonitor runs the streaming market-risk evaluation engine.
// Grounded on the teacher's cmd/cryptorun/main.go: zerolog console writer
// gated on TTY detection via golang.org/x/term, a cobra root command with
// persistent flags, and a metrics registry initialized at startup.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/sawpanic/riskmonitor/internal/alert"
	"github.com/sawpanic/riskmonitor/internal/config"
	"github.com/sawpanic/riskmonitor/internal/engine"
	"github.com/sawpanic/riskmonitor/internal/httpapi"
	"github.com/sawpanic/riskmonitor/internal/obsmetrics"
)

var configPath string
var divergenceConfigPath string

func main() {
	setupLogging()

	root := &cobra.Command{
		Use:   "riskmonitor",
		Short: "Real-time market-risk monitor for perpetual-futures venues",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config/risk.yaml", "path to the risk config YAML")
	root.PersistentFlags().StringVar(&divergenceConfigPath, "divergence-config", "", "optional path to the divergence parameter YAML (yaml.v2)")

	configCmd := &cobra.Command{Use: "config", Short: "Config-related subcommands"}
	configCmd.AddCommand(validateCmd())
	root.AddCommand(runCmd(), configCmd)

	if err := root.Execute(); err != nil {
		log.Fatal().Err(err).Msg("command failed")
	}
}

func setupLogging() {
	if term.IsTerminal(int(os.Stdout.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the evaluation engine, alert worker, watchdogs and HTTP health server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the risk config without starting the engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			log.Info().Int("symbols", len(cfg.Symbols)).Msg("config valid")
			return nil
		},
	}
}

func run(parentCtx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	divCfg, err := config.LoadDivergenceConfig(divergenceConfigPath)
	if err != nil {
		return err
	}

	metrics := obsmetrics.NewRegistry()
	sender := alert.NewLogSender(nil)

	engCfg := engine.Config{
		Symbols:          cfg.Symbols,
		IntervalSeconds:  time.Duration(cfg.IntervalSeconds) * time.Second,
		WindowSeconds:    time.Duration(cfg.WindowSeconds) * time.Second,
		RegimeCadence:    time.Duration(cfg.RegimeCadenceSeconds) * time.Second,
		EarlyLevel:       cfg.EarlyAlertLevel,
		HardLevel:        cfg.HardAlertLevel,
		RiskThresholds:   cfg.RiskThresholds(),
		LiqThresholds:    cfg.LiqThresholds,
		RegimeConfig:     cfg.RegimeConfig(),
		DivergenceConfig: divCfg,
		AlertConfig:      cfg.AlertConfig(),
		FeedStaleTTL:     time.Duration(cfg.FeedStaleSeconds) * time.Second,
		FeedCheck:        time.Duration(cfg.FeedCheckSeconds) * time.Second,
		LoopStaleTTL:     time.Duration(cfg.LoopStaleSeconds) * time.Second,
		LoopCheck:        time.Duration(cfg.LoopCheckSeconds) * time.Second,
	}

	eng := engine.New(engCfg, cfg.SymbolClassMap(), sender, metrics)

	httpSrv, err := httpapi.NewServer(httpapi.DefaultConfig(), eng)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := httpSrv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server error")
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		eng.Run(ctx)
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown error")
	}

	<-done
	return nil
}
