// Command zevctl is the operator CLI for the credit engine. It opens the
// ledger store directly, using the same configuration as the server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	_ "time/tzdata"

	"github.com/spf13/cobra"

	"github.com/zeva/credit-engine/config"
	"github.com/zeva/credit-engine/ledger"
	"github.com/zeva/credit-engine/logger"
	"github.com/zeva/credit-engine/store"
)

// env is populated by the root command before any subcommand runs.
type env struct {
	cfg      *config.Config
	log      *slog.Logger
	calendar *ledger.Calendar
}

var (
	configName string
	app        env
)

var rootCmd = &cobra.Command{
	Use:           "zevctl",
	Short:         "Operate the ZEV credit ledger",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.LoadConfig(configName)
		if err != nil {
			return err
		}
		loc, err := cfg.Compliance.Location()
		if err != nil {
			return err
		}
		app = env{
			cfg:      cfg,
			log:      logger.New(cmd.ErrOrStderr(), cfg.Logging.Level),
			calendar: ledger.NewCalendar(loc),
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configName, "config", "server", "Configuration name, read from <name>.env")
}

// openStore opens the configured repository for one command.
func openStore(ctx context.Context) (store.Repository, error) {
	return store.Open(ctx, app.cfg, app.log)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
