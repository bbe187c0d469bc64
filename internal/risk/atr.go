package risk

import (
	"math"

	"paper_autopilot/internal/models"

	"github.com/shopspring/decimal"
)

const (
	ATRPeriod  = 14
	MinCandles = ATRPeriod + 1

	FallbackStopLossPct   = 5.0
	FallbackTakeProfitPct = 15.0

	minStopLossPct   = 2.0
	maxStopLossPct   = 6.5
	minTakeProfitPct = 4.0
	maxTakeProfitPct = 50.0

	stopLossATRMultiple   = 2.0
	takeProfitATRMultiple = 3.5
	// MinRewardRisk is the smallest take-profit to stop-loss ratio produced.
	MinRewardRisk = 1.6
)

// Levels are the stop-loss and take-profit distances, in percent of entry.
type Levels struct {
	StopLossPct   float64
	TakeProfitPct float64
	ATRPct        float64
	Fallback      bool
}

// Calculate derives exit levels from recent volatility. With fewer than
// MinCandles bars, or a non-positive entry, it returns the fixed fallback.
func Calculate(candles []models.Bar, entry decimal.Decimal) Levels {
	if len(candles) < MinCandles || !entry.IsPositive() {
		return Levels{StopLossPct: FallbackStopLossPct, TakeProfitPct: FallbackTakeProfitPct, Fallback: true}
	}
	atr, ok := ATR(candles, ATRPeriod)
	if !ok {
		return Levels{StopLossPct: FallbackStopLossPct, TakeProfitPct: FallbackTakeProfitPct, Fallback: true}
	}
	return LevelsFromATRPct(atr / entry.InexactFloat64() * 100)
}

// LevelsFromATRPct applies the clamps to an ATR already expressed in percent.
func LevelsFromATRPct(atrPct float64) Levels {
	if math.IsNaN(atrPct) || atrPct < 0 {
		atrPct = 0
	}
	sl := clamp(atrPct*stopLossATRMultiple, minStopLossPct, maxStopLossPct)
	tp := clamp(math.Max(atrPct*takeProfitATRMultiple, sl*MinRewardRisk), minTakeProfitPct, maxTakeProfitPct)
	return Levels{StopLossPct: sl, TakeProfitPct: tp, ATRPct: atrPct}
}

// ATR returns the Wilder smoothed average true range over candles.
func ATR(candles []models.Bar, period int) (float64, bool) {
	if period <= 0 || len(candles) < period+1 {
		return 0, false
	}

	trueRanges := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		trueRanges = append(trueRanges, trueRange(candles[i], candles[i-1]))
	}

	sum := 0.0
	for i := 0; i < period; i++ {
		sum += trueRanges[i]
	}
	atr := sum / float64(period)

	for i := period; i < len(trueRanges); i++ {
		atr = (atr*float64(period-1) + trueRanges[i]) / float64(period)
	}
	return atr, true
}

func trueRange(current, previous models.Bar) float64 {
	high := current.High.InexactFloat64()
	low := current.Low.InexactFloat64()
	prevClose := previous.Close.InexactFloat64()

	return math.Max(high-low, math.Max(math.Abs(high-prevClose), math.Abs(low-prevClose)))
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}
