package notify

import (
	"context"
	"errors"
	"testing"

	"paper_autopilot/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	msgs []string
	err  error
}

func (f *fakeSender) SendMessage(_ context.Context, text string) error {
	f.msgs = append(f.msgs, text)
	return f.err
}

func TestNewFallsBackToLog(t *testing.T) {
	_, ok := New("telegram", "", 0).(Log)
	assert.True(t, ok)
	_, ok = New("log", "x", 1).(Log)
	assert.True(t, ok)
}

func TestTelegramFormatsTrades(t *testing.T) {
	s := &fakeSender{}
	n := NewTelegram(s)

	p := models.Position{
		Symbol:        "AAPL",
		Quantity:      decimal.NewFromInt(3),
		EntryPrice:    decimal.NewFromInt(100),
		StopLossPct:   4,
		TakeProfitPct: 7,
		Source:        models.SourceAutonomous,
	}
	n.NotifyOpen(p)

	exit := decimal.NewFromInt(94)
	p.ExitPrice = &exit
	p.ExitReason = "stop loss"
	n.NotifyClose(p, decimal.NewFromFloat(-18.6), -6.19)

	require.Len(t, s.msgs, 2)
	assert.Contains(t, s.msgs[0], "OPEN* AAPL")
	assert.Contains(t, s.msgs[0], "SL: 4.00%")
	assert.Contains(t, s.msgs[1], "🔴")
	assert.Contains(t, s.msgs[1], "stop loss")
	assert.Contains(t, s.msgs[1], "-18.60")
}

func TestTelegramSwallowsErrors(t *testing.T) {
	s := &fakeSender{err: errors.New("boom")}
	n := NewTelegram(s)
	assert.NotPanics(t, func() { n.NotifyText("hello") })
	assert.Len(t, s.msgs, 1)
}
