package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"paper_autopilot/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func closed(id, symbol string, profit float64, reason string, at time.Time) models.Position {
	exit := decimal.NewFromInt(100)
	return models.Position{
		ID: id, Symbol: symbol, EntryPrice: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(1),
		OpenedAt: at.Add(-time.Hour), ExitAt: &at, ExitPrice: &exit, ExitReason: reason,
		RealizedPnL: decimal.NewFromFloat(profit), Source: models.SourceAutonomous,
		Decision: &models.DecisionSnapshot{Verdict: models.VerdictBuy, Score: 80},
	}
}

func TestEvaluateAndStats(t *testing.T) {
	j := newTestJournal(t)
	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, j.EvaluateClosedTrade(closed("a", "AAPL", 10, "take profit", now)))
	require.NoError(t, j.EvaluateClosedTrade(closed("b", "MSFT", -4, "stop loss", now.Add(time.Minute))))
	require.NoError(t, j.EvaluateClosedTrade(closed("c", "NVDA", 3, "trailing stop", now.Add(2*time.Minute))))
	// duplicate is ignored
	require.NoError(t, j.EvaluateClosedTrade(closed("a", "AAPL", 10, "take profit", now)))

	s, err := j.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), s.Trades)
	assert.Equal(t, int64(2), s.Wins)
	assert.InDelta(t, 66.67, s.WinRate, 0.01)
	assert.True(t, s.TotalProfit.Equal(decimal.NewFromInt(9)), s.TotalProfit.String())
	assert.Equal(t, int64(1), s.ByReason["stop loss"])

	recent, err := j.Recent(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "c", recent[0].ID)
	assert.Equal(t, int64(3600), recent[0].HeldSeconds)
}

func TestEvaluateRejectsOpenPosition(t *testing.T) {
	j := newTestJournal(t)
	err := j.EvaluateClosedTrade(models.Position{ID: "x", Symbol: "AAPL", Open: true})
	assert.Error(t, err)
}
