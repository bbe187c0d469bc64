package notify

import (
	"context"
	"fmt"
	"time"

	"paper_autopilot/internal/models"
	"paper_autopilot/internal/telegram"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
)

// Notifier is fire-and-forget. Implementations never return errors to the
// trading logic; failures are logged.
type Notifier interface {
	NotifyOpen(p models.Position)
	NotifyClose(p models.Position, profit decimal.Decimal, profitPct float64)
	NotifyText(text string)
}

// New selects a notifier by name. "telegram" without credentials falls back
// to the log notifier.
func New(kind, token string, chatID int64) Notifier {
	if kind == "telegram" {
		if c := telegram.NewClient(token, chatID); c != nil {
			return NewTelegram(c)
		}
	}
	return NewLog()
}

// Log is the silent variant used for headless runs.
type Log struct{}

func NewLog() Log { return Log{} }

func (Log) NotifyOpen(p models.Position) {
	logger.WithFields(logger.Fields{"symbol": p.Symbol, "qty": p.Quantity.String(), "entry": p.EntryPrice.String()}).Info("position opened")
}

func (Log) NotifyClose(p models.Position, profit decimal.Decimal, profitPct float64) {
	logger.WithFields(logger.Fields{"symbol": p.Symbol, "reason": p.ExitReason, "profit": profit.StringFixed(2), "pct": fmt.Sprintf("%+.2f", profitPct)}).Info("position closed")
}

func (Log) NotifyText(text string) {
	logger.Info(text)
}

// Sender is the subset of the Telegram client used here.
type Sender interface {
	SendMessage(ctx context.Context, text string) error
}

// Telegram pushes trade events to a chat.
type Telegram struct {
	sender  Sender
	timeout time.Duration
}

func NewTelegram(sender Sender) *Telegram {
	return &Telegram{sender: sender, timeout: 15 * time.Second}
}

func (t *Telegram) NotifyOpen(p models.Position) {
	t.send(FormatOpen(p))
}

func (t *Telegram) NotifyClose(p models.Position, profit decimal.Decimal, profitPct float64) {
	t.send(FormatClose(p, profit, profitPct))
}

func (t *Telegram) NotifyText(text string) {
	t.send(text)
}

func (t *Telegram) send(text string) {
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()
	if err := t.sender.SendMessage(ctx, text); err != nil {
		logger.WithError(err).Warn("Telegram Alert Failed")
	}
}

func FormatOpen(p models.Position) string {
	msg := fmt.Sprintf("🟢 *OPEN* %s\nQty: %s @ $%s\nSL: %.2f%% | TP: %.2f%%\nSource: %s",
		p.Symbol, p.Quantity.String(), p.EntryPrice.StringFixed(2), p.StopLossPct, p.TakeProfitPct, p.Source)
	if p.Rationale != "" {
		msg += "\n_" + p.Rationale + "_"
	}
	return msg
}

func FormatClose(p models.Position, profit decimal.Decimal, profitPct float64) string {
	icon := "✅"
	if profit.IsNegative() {
		icon = "🔴"
	}
	exit := "?"
	if p.ExitPrice != nil {
		exit = p.ExitPrice.StringFixed(2)
	}
	return fmt.Sprintf("%s *CLOSE* %s (%s)\nEntry: $%s | Exit: $%s\nP&L: $%s (%+.2f%%)",
		icon, p.Symbol, p.ExitReason, p.EntryPrice.StringFixed(2), exit, profit.StringFixed(2), profitPct)
}
