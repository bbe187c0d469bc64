package watcher

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"paper_autopilot/internal/ledger"
	"paper_autopilot/internal/market"
	"paper_autopilot/internal/models"
	"paper_autopilot/internal/risk"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
)

var ErrInvalidSettings = errors.New("invalid settings")

type CommandDoc struct {
	Name        string
	Description string
	Example     string
}

var commands = []CommandDoc{
	{"/status", "Cash, equity and open positions", "/status"},
	{"/autopilot", "Toggle the autonomous scan loop", "/autopilot"},
	{"/buy", "Manual paper buy for a notional amount", "/buy <symbol> <notional> [price]"},
	{"/close", "Close an open position", "/close <symbol|id>"},
	{"/settings", "Change scan interval and sizing", "/settings <interval_s> <max_pos_pct> <max_trades>"},
	{"/reset", "Reset the ledger to starting cash", "/reset"},
	{"/help", "This list", "/help"},
}

// BuyResult is the outcome of a manual buy.
type BuyResult struct {
	Success  bool             `json:"success"`
	Error    string           `json:"error,omitempty"`
	Position *models.Position `json:"position,omitempty"`
}

// ToggleAutopilot flips the autopilot flag and starts or stops the timer.
// It returns the new state.
func (w *Watcher) ToggleAutopilot() bool {
	enabled := !w.ledger.Autopilot()
	w.ledger.SetAutopilot(enabled)
	if enabled {
		w.Start()
	} else {
		w.Stop()
	}
	return enabled
}

// ApplySettings validates and applies new knobs. A running timer is
// restarted with the new interval.
func (w *Watcher) ApplySettings(s models.Settings) error {
	if s.ScanIntervalSeconds < 5 {
		return fmt.Errorf("%w: scan interval must be at least 5s", ErrInvalidSettings)
	}
	if s.MaxPositionPercent <= 0 || s.MaxPositionPercent > 100 {
		return fmt.Errorf("%w: max position percent must be in (0, 100]", ErrInvalidSettings)
	}
	if s.MaxOpenTrades < 1 {
		return fmt.Errorf("%w: max open trades must be at least 1", ErrInvalidSettings)
	}

	w.mu.Lock()
	old := w.settings
	w.settings = s
	w.mu.Unlock()

	if old.ScanIntervalSeconds != s.ScanIntervalSeconds && w.Running() {
		w.Stop()
		w.Start()
	}
	w.ledger.Log("INFO", fmt.Sprintf("Settings: interval %ds, max position %.1f%%, max trades %d",
		s.ScanIntervalSeconds, s.MaxPositionPercent, s.MaxOpenTrades))
	return nil
}

// ManualBuy opens or averages into a position for a notional amount. A zero
// price means "use the latest market price".
func (w *Watcher) ManualBuy(ctx context.Context, symbol string, notional, price decimal.Decimal) BuyResult {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" || !notional.IsPositive() {
		return BuyResult{Error: "symbol and a positive amount are required"}
	}

	primary := w.opts.CandleIntervals[0]
	bars, err := w.provider.GetCandles(ctx, symbol, primary, w.opts.CandleCount)
	if err != nil {
		logger.WithField("symbol", symbol).WithError(err).Debug("manual buy: no candles, using fallback levels")
		bars = nil
	}

	if !price.IsPositive() {
		price, err = w.latestPrice(ctx, symbol, bars)
		if err != nil {
			return BuyResult{Error: fmt.Sprintf("no price for %s: %v", symbol, err)}
		}
	}

	places := int32(6)
	if market.AssetType(symbol) == "stock" {
		places = 4
	}
	qty := notional.Div(price).RoundFloor(places)
	if !qty.IsPositive() {
		return BuyResult{Error: "amount too small for one unit"}
	}

	levels := risk.Calculate(bars, price)
	pos, err := w.ledger.Buy(ledger.BuyOrder{
		Symbol:        symbol,
		Price:         price,
		Quantity:      qty,
		Source:        models.SourceManual,
		Rationale:     "manual buy",
		StopLossPct:   levels.StopLossPct,
		TakeProfitPct: levels.TakeProfitPct,
	})
	if err != nil {
		return BuyResult{Error: err.Error()}
	}
	return BuyResult{Success: true, Position: &pos}
}

// ClosePosition closes an open position by id or symbol at the latest price.
func (w *Watcher) ClosePosition(ctx context.Context, ref string) (models.Position, error) {
	pos, ok := w.ledger.Position(ref)
	if !ok {
		pos, ok = w.ledger.OpenBySymbol(strings.ToUpper(ref))
	}
	if !ok {
		return models.Position{}, fmt.Errorf("%w: %s", ledger.ErrPositionNotFound, ref)
	}
	if !pos.Open {
		return pos, ledger.ErrPositionClosed
	}

	price, err := w.latestPrice(ctx, pos.Symbol, nil)
	if err != nil {
		return models.Position{}, fmt.Errorf("no price for %s: %w", pos.Symbol, err)
	}
	return w.ledger.Sell(pos.ID, price, string(risk.ExitManual))
}

// ResetLedger clears positions and scan results back to starting cash.
func (w *Watcher) ResetLedger() {
	w.mu.Lock()
	w.scanResults = nil
	w.mu.Unlock()
	w.ledger.Reset()
}

// HandleCommand processes inbound Telegram commands safely.
func (w *Watcher) HandleCommand(cmd string) string {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return ""
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch strings.ToLower(parts[0]) {
	case "/status":
		return w.StatusText()
	case "/autopilot":
		if w.ToggleAutopilot() {
			return "✅ AUTOPILOT ENABLED. Scanning every " + strconv.Itoa(w.Settings().ScanIntervalSeconds) + "s."
		}
		return "🛑 AUTOPILOT DISABLED. Open positions are no longer monitored."
	case "/buy":
		return w.handleBuyCommand(ctx, parts)
	case "/close":
		if len(parts) < 2 {
			return "Usage: /close <symbol|id>"
		}
		p, err := w.ClosePosition(ctx, parts[1])
		if err != nil {
			return fmt.Sprintf("⚠️ %v", err)
		}
		return fmt.Sprintf("✅ Closed %s: $%s (%+.2f%%)", p.Symbol, p.RealizedPnL.StringFixed(2), p.RealizedPnLPc)
	case "/settings":
		return w.handleSettingsCommand(parts)
	case "/reset":
		w.ResetLedger()
		return "♻️ Ledger reset."
	case "/help":
		return w.getHelp()
	default:
		return "Unknown command. Try /help."
	}
}

func (w *Watcher) handleBuyCommand(ctx context.Context, parts []string) string {
	if len(parts) < 3 {
		return "Usage: /buy <symbol> <notional> [price]"
	}
	notional, err := decimal.NewFromString(parts[2])
	if err != nil {
		return "⚠️ Invalid amount format."
	}
	price := decimal.Zero
	if len(parts) >= 4 {
		if price, err = decimal.NewFromString(parts[3]); err != nil {
			return "⚠️ Invalid price format."
		}
	}

	res := w.ManualBuy(ctx, parts[1], notional, price)
	if !res.Success {
		return "❌ " + res.Error
	}
	p := res.Position
	return fmt.Sprintf("✅ %s qty %s @ $%s (SL %.2f%% / TP %.2f%%)",
		p.Symbol, p.Quantity.String(), p.EntryPrice.StringFixed(2), p.StopLossPct, p.TakeProfitPct)
}

func (w *Watcher) handleSettingsCommand(parts []string) string {
	if len(parts) < 4 {
		s := w.Settings()
		return fmt.Sprintf("⚙️ interval %ds | max position %.1f%% | max trades %d\nUsage: /settings <interval_s> <max_pos_pct> <max_trades>",
			s.ScanIntervalSeconds, s.MaxPositionPercent, s.MaxOpenTrades)
	}
	interval, err1 := strconv.Atoi(parts[1])
	pct, err2 := strconv.ParseFloat(parts[2], 64)
	trades, err3 := strconv.Atoi(parts[3])
	if err1 != nil || err2 != nil || err3 != nil {
		return "⚠️ Invalid number format."
	}
	if err := w.ApplySettings(models.Settings{ScanIntervalSeconds: interval, MaxPositionPercent: pct, MaxOpenTrades: trades}); err != nil {
		return "⚠️ " + err.Error()
	}
	return "✅ Settings applied."
}

func (w *Watcher) getHelp() string {
	var sb strings.Builder
	sb.WriteString("🤖 *COMMANDS*\n")
	for _, c := range commands {
		sb.WriteString(fmt.Sprintf("• `%s` %s\n", c.Example, c.Description))
	}
	return sb.String()
}
