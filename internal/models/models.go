package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Source records who opened a position.
type Source string

const (
	SourceManual     Source = "manual"
	SourceAutonomous Source = "autonomous"
)

// Position is a single paper trade. While Open is true the exit fields are
// unset; once closed, ExitPrice, ExitAt and ExitReason are all populated.
//
// A symbol has at most one open Position. Repeated buys average into it.
type Position struct {
	ID         string          `json:"id"`
	Symbol     string          `json:"symbol"`
	EntryPrice decimal.Decimal `json:"entryPrice"`
	Quantity   decimal.Decimal `json:"quantity"`
	CostBasis  decimal.Decimal `json:"costBasis"` // cash debited, commission included
	OpenedAt   time.Time       `json:"openedAt"`
	Open       bool            `json:"open"`
	Source     Source          `json:"source"`
	Rationale  string          `json:"rationale,omitempty"`

	Decision *DecisionSnapshot `json:"decision,omitempty"`

	StopLossPct   float64 `json:"stopLossPct"`
	TakeProfitPct float64 `json:"takeProfitPct"`
	MaxPnLPct     float64 `json:"maxPnlPct"` // high-water mark of unrealized P&L %

	ExitPrice     *decimal.Decimal `json:"exitPrice,omitempty"`
	ExitAt        *time.Time       `json:"exitAt,omitempty"`
	ExitReason    string           `json:"exitReason,omitempty"`
	RealizedPnL   decimal.Decimal  `json:"realizedPnl"`
	RealizedPnLPc float64          `json:"realizedPnlPct"`
}

// PnLPct returns the unrealized P&L percent at price.
func (p Position) PnLPct(price decimal.Decimal) float64 {
	if p.EntryPrice.IsZero() {
		return 0
	}
	return price.Sub(p.EntryPrice).Div(p.EntryPrice).Mul(decimal.NewFromInt(100)).InexactFloat64()
}

// DecisionSnapshot is the summarized verdict that opened (or last averaged
// into) a position. Indicators and Trace are diagnostics and are the first
// thing dropped when the state has to shrink.
type DecisionSnapshot struct {
	Verdict    Verdict            `json:"verdict"`
	Score      float64            `json:"score"`
	Reason     string             `json:"reason,omitempty"`
	Indicators map[string]float64 `json:"indicators,omitempty"`
	Trace      []string           `json:"trace,omitempty"`
}

// Summary drops the trace but keeps indicator values.
func (d *DecisionSnapshot) Summary() *DecisionSnapshot {
	if d == nil {
		return nil
	}
	out := &DecisionSnapshot{Verdict: d.Verdict, Score: d.Score, Reason: d.Reason}
	if len(d.Indicators) > 0 {
		out.Indicators = make(map[string]float64, len(d.Indicators))
		for k, v := range d.Indicators {
			out.Indicators[k] = v
		}
	}
	return out
}

// Stripped keeps only verdict, score and reason.
func (d *DecisionSnapshot) Stripped() *DecisionSnapshot {
	if d == nil {
		return nil
	}
	return &DecisionSnapshot{Verdict: d.Verdict, Score: d.Score, Reason: d.Reason}
}

// LogEntry is one line of the human readable event log.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// LedgerState is the persisted document.
type LedgerState struct {
	Version          string          `json:"version"`
	SavedAt          time.Time       `json:"savedAt"`
	Positions        []Position      `json:"positions"`
	Cash             decimal.Decimal `json:"cash"`
	Logs             []LogEntry      `json:"logs"`
	RealizedPnL      decimal.Decimal `json:"realizedPnL"`
	AutopilotEnabled bool            `json:"autopilotEnabled"`
}

// OpenPositions returns copies of every open position.
func (s LedgerState) OpenPositions() []Position {
	var out []Position
	for _, p := range s.Positions {
		if p.Open {
			out = append(out, p)
		}
	}
	return out
}

// Clone returns a deep enough copy for handing to observers.
func (s LedgerState) Clone() LedgerState {
	out := s
	out.Positions = append([]Position(nil), s.Positions...)
	out.Logs = append([]LogEntry(nil), s.Logs...)
	return out
}
