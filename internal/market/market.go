package market

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"paper_autopilot/internal/models"
)

var (
	// ErrNoData is returned when a symbol has no usable candles or quote.
	ErrNoData = errors.New("no market data")
	// ErrBlocked is returned while the upstream source is cooling down.
	ErrBlocked = errors.New("market data source temporarily blocked")
)

// Provider is the market data boundary. Implementations must be safe for
// concurrent use: a scan batch calls them from several goroutines.
type Provider interface {
	GetQuote(ctx context.Context, symbol string) (models.Quote, error)
	GetCandles(ctx context.Context, symbol, interval string, count int) ([]models.Bar, error)
	// Blocked reports whether the upstream asked us to back off, and until when.
	Blocked() (bool, time.Time)
}

// AssetType classifies a symbol for the decision function.
func AssetType(symbol string) string {
	if strings.Contains(symbol, "/") {
		return "crypto"
	}
	return "stock"
}

// Cooldown remembers an upstream block until its expiry.
type Cooldown struct {
	mu    sync.Mutex
	until time.Time
	now   func() time.Time
}

func NewCooldown() *Cooldown {
	return &Cooldown{now: time.Now}
}

// Trip blocks for d from now. A shorter trip never shortens an active block.
func (c *Cooldown) Trip(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	until := c.now().Add(d)
	if until.After(c.until) {
		c.until = until
	}
	return c.until
}

func (c *Cooldown) Blocked() (bool, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.until.IsZero() || !c.now().Before(c.until) {
		return false, time.Time{}
	}
	return true, c.until
}
