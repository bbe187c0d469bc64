package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Quote is the latest tradable price for a symbol.
type Quote struct {
	Symbol    string
	Price     decimal.Decimal
	BidPrice  decimal.Decimal
	AskPrice  decimal.Decimal
	Timestamp time.Time
}

// Bar represents a candlestick for a timeframe.
type Bar struct {
	Time   time.Time       `json:"time"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume float64         `json:"volume"`
}

// Verdict is the outcome of a decision function.
type Verdict string

const (
	VerdictBuy  Verdict = "BUY"
	VerdictSell Verdict = "SELL"
	VerdictHold Verdict = "HOLD"
)

// Decision is what a Decider returns for one symbol.
type Decision struct {
	Symbol     string
	Verdict    Verdict
	Score      float64
	Reason     string
	Indicators map[string]float64
	Trace      []string
}

// Snapshot converts the decision into the form stored on a Position.
func (d Decision) Snapshot() *DecisionSnapshot {
	return &DecisionSnapshot{
		Verdict:    d.Verdict,
		Score:      d.Score,
		Reason:     d.Reason,
		Indicators: d.Indicators,
		Trace:      d.Trace,
	}
}

// ScanResult is an ephemeral, UI facing record of one evaluated symbol.
type ScanResult struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Score     float64         `json:"score"`
	Verdict   Verdict         `json:"verdict"`
	Timestamp time.Time       `json:"timestamp"`
}

// Snapshot is the full state delivered to subscribers on every mutation.
type Snapshot struct {
	Cash             decimal.Decimal `json:"cash"`
	Equity           decimal.Decimal `json:"equity"`
	RealizedPnL      decimal.Decimal `json:"realizedPnL"`
	Positions        []Position      `json:"positions"`
	Logs             []LogEntry      `json:"logs"`
	ScanResults      []ScanResult    `json:"scanResults"`
	AutopilotEnabled bool            `json:"autopilotEnabled"`
	Scanning         bool            `json:"scanning"`
	Settings         Settings        `json:"settings"`
}

// Settings are the operator tunable knobs of the autopilot.
type Settings struct {
	ScanIntervalSeconds int     `json:"scanIntervalSeconds"`
	MaxPositionPercent  float64 `json:"maxPositionPercent"`
	MaxOpenTrades       int     `json:"maxOpenTrades"`
}
