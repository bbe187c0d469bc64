package watcher

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// StatusText renders the ledger for chat and CLI output.
func (w *Watcher) StatusText() string {
	snap := w.Snapshot()

	var sb strings.Builder
	mode := "OFF 🔴"
	if snap.AutopilotEnabled {
		mode = "ON 🟢"
	}
	sb.WriteString(fmt.Sprintf("📊 *PAPER LEDGER* | Autopilot %s\n", mode))
	sb.WriteString(fmt.Sprintf("Cash: $%s | Equity: $%s\n", snap.Cash.StringFixed(2), snap.Equity.StringFixed(2)))
	sb.WriteString(fmt.Sprintf("Realized P&L: $%s\n", snap.RealizedPnL.StringFixed(2)))

	open := 0
	exposure := decimal.Zero
	for _, p := range snap.Positions {
		if !p.Open {
			continue
		}
		open++
		exposure = exposure.Add(p.CostBasis)
		held := w.now().Sub(p.OpenedAt).Round(time.Minute)
		sb.WriteString(fmt.Sprintf("• %s %s @ $%s | SL %.1f%% TP %.1f%% | max %+.2f%% | %s\n",
			p.Symbol, p.Quantity.String(), p.EntryPrice.StringFixed(2), p.StopLossPct, p.TakeProfitPct, p.MaxPnLPct, held))
	}
	if open == 0 {
		sb.WriteString("No open positions.\n")
	} else {
		sb.WriteString(fmt.Sprintf("Open: %d | Exposure: $%s\n", open, exposure.StringFixed(2)))
	}

	if snap.Scanning {
		sb.WriteString("🔎 scan in progress\n")
	}
	if n := len(snap.Logs); n > 0 {
		last := snap.Logs[n-1]
		sb.WriteString(fmt.Sprintf("Last event: %s %s", last.Time.Format("15:04:05"), last.Message))
	}
	return strings.TrimRight(sb.String(), "\n")
}
