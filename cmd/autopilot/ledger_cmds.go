package main

import (
	"context"
	"fmt"
	"time"

	"paper_autopilot/internal/config"
	"paper_autopilot/internal/decision"
	"paper_autopilot/internal/journal"
	"paper_autopilot/internal/market/alpaca"
	"paper_autopilot/internal/risk"
	"paper_autopilot/internal/watcher"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

func newStateCmd(cfgFn func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Print the persisted ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := cfgFn()
			w := offlineWatcher(cfg)
			fmt.Fprintln(cmd.OutOrStdout(), w.StatusText())
			return nil
		},
	}
}

func newResetCmd(cfgFn func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Reset the persisted ledger to starting cash",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := cfgFn()
			l := openLedger(cfg)
			l.Reset()
			if err := l.Persist(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ledger reset to %.2f\n", cfg.StartingCash)
			return nil
		},
	}
}

func newBuyCmd(cfgFn func() *config.Config) *cobra.Command {
	var price string
	cmd := &cobra.Command{
		Use:   "buy <symbol> <notional>",
		Short: "Manual paper buy against the persisted ledger",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := cfgFn()
			notional, err := decimal.NewFromString(args[1])
			if err != nil {
				return fmt.Errorf("invalid notional %q: %w", args[1], err)
			}
			p := decimal.Zero
			if price != "" {
				if p, err = decimal.NewFromString(price); err != nil {
					return fmt.Errorf("invalid price %q: %w", price, err)
				}
			} else if err := cfg.RequireMarketCredentials(); err != nil {
				return err
			}

			w := offlineWatcher(cfg)
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			res := w.ManualBuy(ctx, args[0], notional, p)
			if !res.Success {
				return fmt.Errorf("buy rejected: %s", res.Error)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "bought %s %s @ %s (SL %.2f%% / TP %.2f%%)\n",
				res.Position.Quantity, res.Position.Symbol, res.Position.EntryPrice.StringFixed(2),
				res.Position.StopLossPct, res.Position.TakeProfitPct)
			return nil
		},
	}
	cmd.Flags().StringVar(&price, "price", "", "fill price (default: latest market price)")
	return cmd
}

func newStatsCmd(cfgFn func() *config.Config) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize the closed trade journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := cfgFn()
			if cfg.JournalPath == "" {
				return fmt.Errorf("JOURNAL_PATH is not set")
			}
			j, err := journal.Open(cfg.JournalPath)
			if err != nil {
				return err
			}
			defer j.Close()

			out := cmd.OutOrStdout()
			stats, err := j.Stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "trades %d | wins %d | win rate %.1f%% | profit %s\n",
				stats.Trades, stats.Wins, stats.WinRate, stats.TotalProfit.StringFixed(2))
			for reason, n := range stats.ByReason {
				fmt.Fprintf(out, "  %-14s %d\n", reason, n)
			}

			recent, err := j.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, t := range recent {
				fmt.Fprintf(out, "%s %-8s %+7.2f%% %s\n", t.ClosedAt.Format("2006-01-02 15:04"), t.Symbol, t.ProfitPct, t.ExitReason)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "recent trades to list")
	return cmd
}

// offlineWatcher wires the persisted ledger to a live provider without
// starting any timers.
func offlineWatcher(cfg *config.Config) *watcher.Watcher {
	return watcher.New(
		watcher.OptionsFromConfig(cfg, profileOrDefault(cfg)),
		openLedger(cfg),
		alpaca.NewProvider(cfg.CooldownPeriod),
		decision.NewChannel(cfg.CandleIntervals),
		risk.NewDefaultAuditor(),
		nil,
	)
}
