package watcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"paper_autopilot/internal/decision"
	"paper_autopilot/internal/ledger"
	"paper_autopilot/internal/market"
	"paper_autopilot/internal/models"
	"paper_autopilot/internal/risk"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
)

// ScanReport summarizes one cycle.
type ScanReport struct {
	Started     time.Time
	Duration    time.Duration
	Symbols     int
	Batches     int
	Evaluated   int
	Skipped     int
	Failed      int
	Opened      int
	Closed      int
	Aborted     bool
	AbortReason string
	Busy        bool
}

func (r ScanReport) log() {
	fields := logger.WithFields(logger.Fields{
		"symbols":   r.Symbols,
		"batches":   r.Batches,
		"evaluated": r.Evaluated,
		"skipped":   r.Skipped,
		"failed":    r.Failed,
		"opened":    r.Opened,
		"closed":    r.Closed,
		"took":      r.Duration.Round(time.Millisecond),
	})
	if r.Aborted {
		fields.WithField("reason", r.AbortReason).Warn("scan aborted early")
		return
	}
	fields.Info("🔎 scan complete")
}

// evaluation is the outcome of fetch-and-decide for one symbol.
type evaluation struct {
	symbol   string
	price    decimal.Decimal
	primary  []models.Bar
	decision models.Decision
	err      error
}

func (w *Watcher) scan(ctx context.Context) ScanReport {
	report := ScanReport{Started: w.now()}
	symbols := w.scanOrder()
	report.Symbols = len(symbols)

	for start := 0; start < len(symbols); start += w.opts.BatchSize {
		if blocked, until := w.provider.Blocked(); blocked {
			report.Aborted = true
			report.AbortReason = fmt.Sprintf("data source cooling down until %s", until.Format(time.Kitchen))
			go w.notifier.NotifyText("⚠️ Scan aborted: " + report.AbortReason)
			break
		}
		if err := ctx.Err(); err != nil {
			report.Aborted = true
			report.AbortReason = err.Error()
			break
		}

		end := start + w.opts.BatchSize
		if end > len(symbols) {
			end = len(symbols)
		}
		report.Batches++

		evals := w.evaluateBatch(ctx, symbols[start:end])

		var results []models.ScanResult
		for _, ev := range evals {
			switch {
			case ev.err == nil:
				report.Evaluated++
				results = append(results, models.ScanResult{
					Symbol:    ev.symbol,
					Price:     ev.price,
					Score:     ev.decision.Score,
					Verdict:   ev.decision.Verdict,
					Timestamp: w.now(),
				})
				opened, closed := w.applyVerdict(ev)
				report.Opened += opened
				report.Closed += closed
			case errors.Is(ev.err, market.ErrNoData), errors.Is(ev.err, market.ErrBlocked), errors.Is(ev.err, decision.ErrInsufficientHistory):
				report.Skipped++
				logger.WithField("symbol", ev.symbol).WithError(ev.err).Debug("symbol skipped")
			default:
				report.Failed++
				logger.WithField("symbol", ev.symbol).WithError(ev.err).Warn("symbol evaluation failed")
			}
		}

		// Partial progress is visible and durable after every batch.
		w.recordResults(results)
		if err := w.ledger.Persist(); err != nil {
			logger.WithError(err).Warn("persist after batch failed")
		}

		if end < len(symbols) && w.opts.BatchDelay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(w.opts.BatchDelay):
			}
		}
	}

	report.Duration = w.now().Sub(report.Started)
	return report
}

// scanOrder puts held symbols first, then the rest of the universe shuffled.
func (w *Watcher) scanOrder() []string {
	held := map[string]bool{}
	var order []string
	for _, p := range w.ledger.OpenPositions() {
		if !held[p.Symbol] {
			held[p.Symbol] = true
			order = append(order, p.Symbol)
		}
	}
	sort.Strings(order)

	var rest []string
	seen := map[string]bool{}
	for _, s := range w.opts.Universe {
		if held[s] || seen[s] || s == "" {
			continue
		}
		seen[s] = true
		rest = append(rest, s)
	}

	w.mu.Lock()
	w.rng.Shuffle(len(rest), func(i, j int) { rest[i], rest[j] = rest[j], rest[i] })
	w.mu.Unlock()

	if limit := w.opts.MaxSymbolsPerScan; limit > 0 {
		room := limit - len(order)
		if room < 0 {
			room = 0
		}
		if len(rest) > room {
			rest = rest[:room]
		}
	}
	return append(order, rest...)
}

// evaluateBatch fans out one goroutine per symbol and joins them all before
// returning. Results keep the batch order.
func (w *Watcher) evaluateBatch(ctx context.Context, batch []string) []evaluation {
	out := make([]evaluation, len(batch))
	var wg sync.WaitGroup
	for i, sym := range batch {
		wg.Add(1)
		go func(i int, sym string) {
			defer wg.Done()
			out[i] = w.evaluate(ctx, sym)
		}(i, sym)
	}
	wg.Wait()
	return out
}

func (w *Watcher) evaluate(ctx context.Context, symbol string) (ev evaluation) {
	ev.symbol = symbol
	defer func() {
		if r := recover(); r != nil {
			ev.err = fmt.Errorf("decision panic for %s: %v", symbol, r)
		}
	}()

	candles := make(map[string][]models.Bar, len(w.opts.CandleIntervals))
	for i, interval := range w.opts.CandleIntervals {
		bars, err := w.provider.GetCandles(ctx, symbol, interval, w.opts.CandleCount)
		if err != nil {
			if i == 0 {
				ev.err = err
				return ev
			}
			// slower intervals only confirm; the decider copes without them
			logger.WithFields(logger.Fields{"symbol": symbol, "interval": interval}).WithError(err).Debug("secondary candles unavailable")
			continue
		}
		candles[interval] = bars
	}
	ev.primary = candles[w.opts.CandleIntervals[0]]

	price, err := w.latestPrice(ctx, symbol, ev.primary)
	if err != nil {
		ev.err = err
		return ev
	}
	ev.price = price

	dec, err := w.decider.MakeDecision(ctx, symbol, candles, market.AssetType(symbol))
	if err != nil {
		ev.err = err
		return ev
	}
	dec.Symbol = symbol
	ev.decision = dec
	return ev
}

// applyVerdict routes one decision to the ledger. It runs serially after the
// batch has been joined.
func (w *Watcher) applyVerdict(ev evaluation) (opened, closed int) {
	held, isHeld := w.ledger.OpenBySymbol(ev.symbol)

	switch ev.decision.Verdict {
	case models.VerdictSell:
		if !isHeld {
			return 0, 0
		}
		if _, err := w.ledger.Sell(held.ID, ev.price, string(risk.ExitSignal)); err != nil {
			logger.WithError(err).WithField("symbol", ev.symbol).Warn("sell on signal failed")
			return 0, 0
		}
		return 0, 1

	case models.VerdictBuy:
		if !w.ledger.Autopilot() {
			return 0, 0
		}
		settings := w.Settings()
		state := w.ledger.State()
		open := state.OpenPositions()
		equity := w.ledger.Equity()

		levels := risk.Calculate(ev.primary, ev.price)
		proposed := equity.Mul(decimal.NewFromFloat(settings.MaxPositionPercent / 100)).Div(ev.price)

		audit := w.auditor.Audit(risk.AuditRequest{
			Decision:       ev.decision,
			Positions:      open,
			Cash:           state.Cash,
			Equity:         equity,
			Price:          ev.price,
			Quantity:       proposed,
			CommissionRate: w.opts.CommissionRate,
			MaxOpenTrades:  settings.MaxOpenTrades,
			MaxPositionPct: settings.MaxPositionPercent,
		})
		if !audit.Approved || !audit.AdjustedQuantity.IsPositive() {
			logger.WithFields(logger.Fields{"symbol": ev.symbol, "reason": audit.Reason}).Info("entry rejected by risk audit")
			return 0, 0
		}

		_, err := w.ledger.Buy(ledger.BuyOrder{
			Symbol:        ev.symbol,
			Price:         ev.price,
			Quantity:      audit.AdjustedQuantity,
			Decision:      ev.decision.Snapshot(),
			Source:        models.SourceAutonomous,
			Rationale:     ev.decision.Reason,
			StopLossPct:   levels.StopLossPct,
			TakeProfitPct: levels.TakeProfitPct,
		})
		if err != nil {
			logger.WithError(err).WithField("symbol", ev.symbol).Warn("autonomous buy dropped")
			return 0, 0
		}
		if isHeld {
			return 0, 0
		}
		return 1, 0
	}
	return 0, 0
}
