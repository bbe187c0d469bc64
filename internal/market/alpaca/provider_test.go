package alpaca

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"paper_autopilot/internal/market"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimeFrame(t *testing.T) {
	tf, step, err := ParseTimeFrame("15Min")
	require.NoError(t, err)
	assert.Equal(t, marketdata.NewTimeFrame(15, marketdata.Min), tf)
	assert.Equal(t, 15*time.Minute, step)

	_, step, err = ParseTimeFrame("4Hour")
	require.NoError(t, err)
	assert.Equal(t, 4*time.Hour, step)

	for _, bad := range []string{"", "Min", "0Hour", "15Sec", "xDay"} {
		_, _, err := ParseTimeFrame(bad)
		assert.Error(t, err, bad)
	}
}

func TestClassifyThrottlingTripsCooldown(t *testing.T) {
	p := &Provider{cooldown: market.NewCooldown(), backoff: time.Minute}

	err := p.classify("AAPL", &alpaca.APIError{StatusCode: http.StatusTooManyRequests, Message: "rate limited"})
	require.ErrorIs(t, err, market.ErrBlocked)

	blocked, until := p.Blocked()
	assert.True(t, blocked)
	assert.WithinDuration(t, time.Now().Add(time.Minute), until, 5*time.Second)

	// further calls are refused before touching the network
	_, err = p.GetQuote(context.Background(), "AAPL")
	require.ErrorIs(t, err, market.ErrBlocked)
}

func TestClassifyNotFoundIsNoData(t *testing.T) {
	p := &Provider{cooldown: market.NewCooldown(), backoff: time.Minute}

	err := p.classify("ZZZZ", &alpaca.APIError{StatusCode: http.StatusNotFound})
	require.ErrorIs(t, err, market.ErrNoData)

	err = p.classify("AAPL", errors.New("connection reset"))
	require.Error(t, err)
	assert.False(t, errors.Is(err, market.ErrBlocked))
	blocked, _ := p.Blocked()
	assert.False(t, blocked)
}
