package risk

import (
	"time"

	"paper_autopilot/internal/config"
)

// ExitReason names the rule that closed a position.
type ExitReason string

const (
	ExitStopLoss     ExitReason = "stop loss"
	ExitTakeProfit   ExitReason = "take profit"
	ExitTrailingStop ExitReason = "trailing stop"
	ExitBreakeven    ExitReason = "breakeven"
	ExitTimeout      ExitReason = "timeout"
	ExitManual       ExitReason = "manual close"
	ExitSignal       ExitReason = "sell signal"
)

const (
	breakevenArmPct   = 2.0
	breakevenFloorPct = 0.5
	timeoutMaxLossPct = -1.0
)

// ExitInput is everything the exit rules look at for one position.
type ExitInput struct {
	PnLPct        float64
	MaxPnLPct     float64 // already updated with PnLPct
	StopLossPct   float64
	TakeProfitPct float64
	Held          time.Duration
}

// CheckExit evaluates the exit rules in fixed priority order; the first
// matching rule wins.
func CheckExit(in ExitInput, p config.RiskProfile) (ExitReason, bool) {
	if in.PnLPct <= -in.StopLossPct {
		return ExitStopLoss, true
	}
	if in.PnLPct >= in.TakeProfitPct {
		return ExitTakeProfit, true
	}
	if in.MaxPnLPct > p.TrailingActivationPct && in.PnLPct < in.MaxPnLPct-p.TrailingGivebackPct {
		return ExitTrailingStop, true
	}
	if in.MaxPnLPct > breakevenArmPct && in.PnLPct < breakevenFloorPct {
		return ExitBreakeven, true
	}
	if p.TimeoutHours > 0 && in.Held > time.Duration(p.TimeoutHours*float64(time.Hour)) && in.PnLPct < timeoutMaxLossPct {
		return ExitTimeout, true
	}
	return "", false
}

// HighWater returns the new running maximum P&L percent.
func HighWater(prevMax, pnl float64) float64 {
	if pnl > prevMax {
		return pnl
	}
	return prevMax
}
