package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"paper_autopilot/internal/ai"
	"paper_autopilot/internal/api"
	"paper_autopilot/internal/config"
	"paper_autopilot/internal/decision"
	"paper_autopilot/internal/journal"
	"paper_autopilot/internal/market"
	"paper_autopilot/internal/market/alpaca"
	"paper_autopilot/internal/notify"
	"paper_autopilot/internal/risk"
	"paper_autopilot/internal/telegram"
	"paper_autopilot/internal/watcher"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newRunCmd(cfgFn func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the autopilot, API and Telegram listener",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := cfgFn()
			if err := cfg.RequireMarketCredentials(); err != nil {
				return err
			}
			cfg.LogSummary()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	l := openLedger(cfg)

	notifier := notify.New(cfg.Notifier, cfg.TelegramBotToken, cfg.TelegramChatID)
	l.SetNotifier(notifier)

	if cfg.JournalPath != "" {
		j, err := journal.Open(cfg.JournalPath)
		if err != nil {
			log.WithError(err).Warn("trade journal disabled")
		} else {
			defer j.Close()
			l.SetLearner(j)
		}
	}

	provider := alpaca.NewProvider(cfg.CooldownPeriod)
	w := watcher.New(
		watcher.OptionsFromConfig(cfg, profileOrDefault(cfg)),
		l,
		provider,
		newDecider(cfg),
		risk.NewDefaultAuditor(),
		notifier,
	)

	if cfg.StreamEnabled {
		streamer := market.NewAlpacaStreamer()
		if err := streamer.Subscribe(cfg.Universe, w.OnPrice); err != nil {
			log.WithError(err).Warn("price stream disabled")
		}
		defer streamer.Close()
	}

	log.Infof("Paper Autopilot %s initialized", cfg.Version)
	notifier.NotifyText("🚀 Paper Autopilot " + cfg.Version + " online")

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		telegram.NewListener(telegram.NewClient(cfg.TelegramBotToken, cfg.TelegramChatID), w.HandleCommand).Run(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := api.NewServer(cfg.HTTPAddr, w).Run(ctx); err != nil {
			log.WithError(err).Error("API server stopped")
		}
	}()
	go func() {
		defer wg.Done()
		w.Run(ctx)
	}()

	<-ctx.Done()
	log.Info("⚠️ Shutting down: system signal received")
	wg.Wait()
	return nil
}

func newDecider(cfg *config.Config) decision.Decider {
	if cfg.Decider == "gemini" {
		if cfg.GeminiAPIKey != "" {
			return ai.NewClient(cfg.GeminiAPIKey, cfg.GeminiModel)
		}
		log.Warn("DECIDER=gemini without GEMINI_API_KEY, using channel decider")
	}
	return decision.NewChannel(cfg.CandleIntervals)
}
