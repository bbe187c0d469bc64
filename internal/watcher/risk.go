package watcher

import (
	"context"
	"errors"

	"paper_autopilot/internal/market"
	"paper_autopilot/internal/risk"

	logger "github.com/sirupsen/logrus"
)

// checkRisk re-derives exit levels for every open position and closes the
// ones that trip a rule. It returns the number of positions closed.
func (w *Watcher) checkRisk(ctx context.Context) int {
	closed := 0
	primary := w.opts.CandleIntervals[0]

	for _, pos := range w.ledger.OpenPositions() {
		if ctx.Err() != nil {
			break
		}

		bars, err := w.provider.GetCandles(ctx, pos.Symbol, primary, w.opts.CandleCount)
		if err != nil {
			if errors.Is(err, market.ErrBlocked) {
				logger.WithField("symbol", pos.Symbol).Warn("risk check: data source blocked, keeping previous levels")
			} else {
				logger.WithField("symbol", pos.Symbol).WithError(err).Debug("risk check: no candles, keeping previous levels")
			}
			bars = nil
		}

		price, err := w.latestPrice(ctx, pos.Symbol, bars)
		if err != nil {
			logger.WithField("symbol", pos.Symbol).WithError(err).Warn("risk check: no price")
			continue
		}

		sl, tp := pos.StopLossPct, pos.TakeProfitPct
		if bars != nil {
			levels := risk.Calculate(bars, pos.EntryPrice)
			sl, tp = levels.StopLossPct, levels.TakeProfitPct
		}

		pnl := pos.PnLPct(price)
		maxPnL := risk.HighWater(pos.MaxPnLPct, pnl)
		if err := w.ledger.UpdateRisk(pos.ID, sl, tp, maxPnL); err != nil {
			logger.WithField("symbol", pos.Symbol).WithError(err).Debug("risk update skipped")
			continue
		}

		logger.WithFields(logger.Fields{
			"symbol": pos.Symbol,
			"price":  price.StringFixed(2),
			"pnl":    pnl,
			"max":    maxPnL,
			"sl":     sl,
			"tp":     tp,
		}).Debug("risk check")

		reason, hit := risk.CheckExit(risk.ExitInput{
			PnLPct:        pnl,
			MaxPnLPct:     maxPnL,
			StopLossPct:   sl,
			TakeProfitPct: tp,
			Held:          w.now().Sub(pos.OpenedAt),
		}, w.opts.Profile)
		if !hit {
			continue
		}

		if _, err := w.ledger.Sell(pos.ID, price, string(reason)); err != nil {
			logger.WithField("symbol", pos.Symbol).WithError(err).Warn("risk exit failed")
			continue
		}
		closed++
	}

	if err := w.ledger.Persist(); err != nil {
		logger.WithError(err).Warn("persist after risk check failed")
	}
	return closed
}
