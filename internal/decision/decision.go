package decision

import (
	"context"
	"errors"
	"fmt"
	"math"

	"paper_autopilot/internal/models"
)

// ErrInsufficientHistory is returned when there are too few candles to score.
var ErrInsufficientHistory = errors.New("insufficient candle history")

// Decider turns candle history into a verdict. Implementations may be slow
// and must honor ctx.
type Decider interface {
	MakeDecision(ctx context.Context, symbol string, candles map[string][]models.Bar, assetType string) (models.Decision, error)
}

// Channel scores a symbol by where the last close sits in its Donchian
// channel, momentum from RSI, and the trend of a slower interval.
type Channel struct {
	Primary   string
	Secondary string
	Lookback  int
	RSIPeriod int
	BuyScore  float64
	SellScore float64
}

func NewChannel(intervals []string) *Channel {
	c := &Channel{Lookback: 20, RSIPeriod: 14, BuyScore: 70, SellScore: 30}
	if len(intervals) > 0 {
		c.Primary = intervals[0]
	}
	if len(intervals) > 1 {
		c.Secondary = intervals[1]
	}
	return c
}

func (c *Channel) MakeDecision(ctx context.Context, symbol string, candles map[string][]models.Bar, assetType string) (models.Decision, error) {
	if err := ctx.Err(); err != nil {
		return models.Decision{}, err
	}

	primary := candles[c.Primary]
	need := c.Lookback + 1
	if r := c.RSIPeriod + 2; r > need {
		need = r
	}
	if len(primary) < need {
		return models.Decision{}, fmt.Errorf("%s %s: %d/%d bars: %w", symbol, c.Primary, len(primary), need, ErrInsufficientHistory)
	}

	closes := closesOf(primary)
	last := closes[len(closes)-1]
	hi, lo := donchian(primary[len(primary)-1-c.Lookback : len(primary)-1])
	pos := 0.5
	if hi > lo {
		pos = (last - lo) / (hi - lo)
	}
	rsiNow := RSI(closes, c.RSIPeriod)

	score := 50.0
	var trace []string
	add := func(delta float64, why string) {
		score += delta
		trace = append(trace, fmt.Sprintf("%+.0f %s", delta, why))
	}

	switch {
	case last > hi:
		add(25, "breakout above channel")
	case pos >= 0.8:
		add(10, "upper channel")
	case last < lo:
		add(-25, "breakdown below channel")
	case pos <= 0.2:
		add(-15, "lower channel")
	}

	switch {
	case rsiNow >= 75:
		add(-15, "overbought")
	case rsiNow >= 50:
		add(10, "positive momentum")
	case rsiNow <= 30:
		add(-10, "weak momentum")
	}

	trend := 0.0
	if slow := candles[c.Secondary]; c.Secondary != "" && len(slow) >= c.Lookback {
		sma := mean(closesOf(slow[len(slow)-c.Lookback:]))
		slowLast := slow[len(slow)-1].Close.InexactFloat64()
		if sma > 0 {
			trend = (slowLast - sma) / sma * 100
		}
		if trend > 0 {
			add(10, c.Secondary+" uptrend")
		} else {
			add(-15, c.Secondary+" downtrend")
		}
	}

	score = math.Max(0, math.Min(100, score))
	verdict := models.VerdictHold
	switch {
	case score >= c.BuyScore:
		verdict = models.VerdictBuy
	case score <= c.SellScore:
		verdict = models.VerdictSell
	}

	return models.Decision{
		Symbol:  symbol,
		Verdict: verdict,
		Score:   score,
		Reason:  fmt.Sprintf("%s %s: channel %.0f%%, RSI %.1f", assetType, verdict, pos*100, rsiNow),
		Indicators: map[string]float64{
			"channel_high": hi,
			"channel_low":  lo,
			"channel_pos":  pos,
			"rsi":          rsiNow,
			"trend_pct":    trend,
		},
		Trace: trace,
	}, nil
}

// Intervals lists the candle intervals the decider needs.
func (c *Channel) Intervals() []string {
	out := []string{c.Primary}
	if c.Secondary != "" {
		out = append(out, c.Secondary)
	}
	return out
}

// RSI returns the last Wilder RSI value of closes.
func RSI(cl []float64, n int) float64 {
	if n < 2 {
		n = 2
	}
	if len(cl) <= n {
		return 50
	}

	gain, loss := 0.0, 0.0
	for i := 1; i <= n; i++ {
		d := cl[i] - cl[i-1]
		if d >= 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	avgG := gain / float64(n)
	avgL := loss / float64(n)

	for i := n + 1; i < len(cl); i++ {
		d := cl[i] - cl[i-1]
		g, l := 0.0, 0.0
		if d >= 0 {
			g = d
		} else {
			l = -d
		}
		avgG = (avgG*float64(n-1) + g) / float64(n)
		avgL = (avgL*float64(n-1) + l) / float64(n)
	}

	if avgL == 0 {
		if avgG == 0 {
			return 50
		}
		return 100
	}
	return 100 - 100/(1+avgG/avgL)
}

func donchian(bars []models.Bar) (hi, lo float64) {
	hi, lo = math.Inf(-1), math.Inf(1)
	for _, b := range bars {
		hi = math.Max(hi, b.High.InexactFloat64())
		lo = math.Min(lo, b.Low.InexactFloat64())
	}
	return hi, lo
}

func closesOf(bars []models.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close.InexactFloat64()
	}
	return out
}

func mean(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	s := 0.0
	for _, x := range v {
		s += x
	}
	return s / float64(len(v))
}
