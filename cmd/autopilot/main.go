package main

import (
	"fmt"
	"os"
	"strings"

	"paper_autopilot/internal/config"
	"paper_autopilot/internal/id"
	"paper_autopilot/internal/ledger"
	"paper_autopilot/internal/logger"
	"paper_autopilot/internal/storage"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const VersionFile = "version.latest"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfg *config.Config

	cmd := &cobra.Command{
		Use:           "autopilot",
		Short:         "Paper trading autopilot: scan, decide, manage",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return err
		}
		cfg.Version = readVersion()
		logger.Setup(cfg.LogFile, cfg.MaxLogSizeMB, cfg.MaxLogBackups, cfg.LogLevel)
		return nil
	}

	cfgFn := func() *config.Config { return cfg }
	cmd.AddCommand(
		newRunCmd(cfgFn),
		newStateCmd(cfgFn),
		newResetCmd(cfgFn),
		newBuyCmd(cfgFn),
		newStatsCmd(cfgFn),
	)
	return cmd
}

// openLedger loads the persisted document and wraps it in a Ledger that
// saves through the size-bounded gateway.
func openLedger(cfg *config.Config) *ledger.Ledger {
	startingCash := decimal.NewFromFloat(cfg.StartingCash)
	gateway := storage.NewGateway(storage.NewFileStore(cfg.StateFile, cfg.StateMaxBytes), cfg.ClosedPersistCap, startingCash)
	state := gateway.Load()

	return ledger.New(ledger.Options{
		StartingCash:     startingCash,
		CommissionRate:   decimal.NewFromFloat(cfg.CommissionRate),
		ClosedHistoryCap: cfg.ClosedHistoryCap,
		EventLogCap:      cfg.EventLogCap,
	}, state, gateway, id.NewGenerator(cfg.IDScheme))
}

func readVersion() string {
	version, err := os.ReadFile(VersionFile)
	if err != nil {
		return "v0.0.0-dev"
	}
	return strings.TrimSpace(string(version))
}

func profileOrDefault(cfg *config.Config) config.RiskProfile {
	profile, err := cfg.Profile()
	if err != nil {
		log.WithError(err).Warn("risk profile")
	}
	return profile
}
