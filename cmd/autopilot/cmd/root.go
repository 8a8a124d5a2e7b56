package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ksred/klear-autopilot/internal/app"
	"github.com/ksred/klear-autopilot/internal/config"
)

var (
	configPath string
	dbPath     string
	jsonOutput bool
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "autopilot",
	Short: "Operate the Klear autopilot trade decision engine",
	Long: `Autopilot scans instruments on a schedule, turns multi-timeframe signals
into risk-checked trade ideas, and executes the approved ones.

This CLI works directly against the autopilot database:
  - list, inspect, approve and reject trade ideas
  - show and change the daily risk budget
  - trigger a scan outside the schedule
  - run the full pipeline against synthetic markets`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		log.Logger = zerolog.New(output).With().Timestamp().Logger()
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
		if verbose || os.Getenv("DEBUG") == "true" {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// An interrupt cancels the running command's context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("AUTOPILOT_CONFIG"), "path to config file (YAML or JSON)")
	rootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "", "override the database DSN")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print JSON instead of tables")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if dbPath != "" {
		cfg.Database.DSN = dbPath
	}
	return cfg, nil
}

// openApp wires the autopilot in process. The scheduler loop is not started.
func openApp(ctx context.Context, opts ...app.Option) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a, err := app.New(ctx, cfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("open autopilot: %w", err)
	}
	return a, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
