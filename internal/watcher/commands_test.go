package watcher

import (
	"context"
	"testing"

	"paper_autopilot/internal/ledger"
	"paper_autopilot/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManualBuy(t *testing.T) {
	w, l, p, _ := newTestWatcher(t, nil)
	p.quotes["AAPL"] = d(100)
	p.bars["AAPL"] = series(5, 100)

	res := w.ManualBuy(context.Background(), "aapl", d(550), decimal.Zero)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "AAPL", res.Position.Symbol)
	assert.True(t, res.Position.Quantity.Equal(d(5.5)), res.Position.Quantity.String())
	assert.Equal(t, models.SourceManual, res.Position.Source)
	assert.Equal(t, 5.0, res.Position.StopLossPct)
	assert.Equal(t, 15.0, res.Position.TakeProfitPct)
	assert.True(t, l.Cash().Equal(d(9450)))

	res = w.ManualBuy(context.Background(), "MSFT", d(100), d(50))
	require.True(t, res.Success, res.Error)
	assert.True(t, res.Position.EntryPrice.Equal(d(50)))
}

func TestManualBuyRejections(t *testing.T) {
	w, _, p, _ := newTestWatcher(t, nil)
	p.noData["NONE"] = true

	res := w.ManualBuy(context.Background(), "", d(100), decimal.Zero)
	assert.False(t, res.Success)

	res = w.ManualBuy(context.Background(), "NONE", d(100), decimal.Zero)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "no price")

	res = w.ManualBuy(context.Background(), "AAPL", d(50000), d(100))
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, ledger.ErrInsufficientFunds.Error())
}

func TestClosePositionBySymbolOrID(t *testing.T) {
	w, l, p, _ := newTestWatcher(t, nil)
	p.quotes["AAPL"] = d(110)
	pos, err := l.Buy(ledger.BuyOrder{Symbol: "AAPL", Price: d(100), Quantity: d(1)})
	require.NoError(t, err)

	closed, err := w.ClosePosition(context.Background(), "aapl")
	require.NoError(t, err)
	assert.Equal(t, "manual close", closed.ExitReason)
	assert.True(t, closed.RealizedPnL.Equal(d(10)))

	_, err = w.ClosePosition(context.Background(), pos.ID)
	assert.ErrorIs(t, err, ledger.ErrPositionClosed)

	_, err = w.ClosePosition(context.Background(), "MSFT")
	assert.ErrorIs(t, err, ledger.ErrPositionNotFound)
}

func TestApplySettingsValidates(t *testing.T) {
	w, _, _, _ := newTestWatcher(t, nil)

	assert.ErrorIs(t, w.ApplySettings(models.Settings{ScanIntervalSeconds: 1, MaxPositionPercent: 10, MaxOpenTrades: 3}), ErrInvalidSettings)
	assert.ErrorIs(t, w.ApplySettings(models.Settings{ScanIntervalSeconds: 30, MaxPositionPercent: 0, MaxOpenTrades: 3}), ErrInvalidSettings)
	assert.ErrorIs(t, w.ApplySettings(models.Settings{ScanIntervalSeconds: 30, MaxPositionPercent: 10, MaxOpenTrades: 0}), ErrInvalidSettings)

	s := models.Settings{ScanIntervalSeconds: 45, MaxPositionPercent: 20, MaxOpenTrades: 8}
	require.NoError(t, w.ApplySettings(s))
	assert.Equal(t, s, w.Settings())
	assert.Equal(t, s, w.Snapshot().Settings)
}

func TestHandleCommand(t *testing.T) {
	w, l, p, _ := newTestWatcher(t, nil)
	p.quotes["AAPL"] = d(100)

	out := w.HandleCommand("/buy AAPL 300 100")
	assert.Contains(t, out, "✅ AAPL qty 3")
	_, ok := l.OpenBySymbol("AAPL")
	assert.True(t, ok)

	assert.Contains(t, w.HandleCommand("/buy AAPL abc"), "Invalid amount")
	assert.Contains(t, w.HandleCommand("/buy"), "Usage")

	assert.Contains(t, w.HandleCommand("/status"), "AAPL")

	out = w.HandleCommand("/close AAPL")
	assert.Contains(t, out, "Closed AAPL")
	_, ok = l.OpenBySymbol("AAPL")
	assert.False(t, ok)

	assert.Contains(t, w.HandleCommand("/settings 2 10 5"), "at least 5s")
	assert.Contains(t, w.HandleCommand("/settings 60 12.5 4"), "applied")
	assert.Equal(t, 4, w.Settings().MaxOpenTrades)
	assert.Contains(t, w.HandleCommand("/settings"), "interval 60s")

	assert.Contains(t, w.HandleCommand("/help"), "/buy <symbol> <notional> [price]")
	assert.Contains(t, w.HandleCommand("/nope"), "Unknown command")
	assert.Empty(t, w.HandleCommand("   "))

	assert.Contains(t, w.HandleCommand("/reset"), "reset")
	assert.True(t, l.Cash().Equal(d(10000)))
	assert.Empty(t, l.State().Positions)
}

func TestToggleAutopilot(t *testing.T) {
	w, l, _, _ := newTestWatcher(t, nil)

	assert.Contains(t, w.HandleCommand("/autopilot"), "ENABLED")
	assert.True(t, l.Autopilot())
	assert.True(t, w.Running())

	assert.False(t, w.ToggleAutopilot())
	assert.False(t, l.Autopilot())
	assert.False(t, w.Running())
	w.inflight.Wait()
}
