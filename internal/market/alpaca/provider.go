package alpaca

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"paper_autopilot/internal/market"
	"paper_autopilot/internal/models"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
)

// Provider implements market.Provider on top of Alpaca market data.
// Symbols containing "/" are routed to the crypto endpoints.
type Provider struct {
	mdClient *marketdata.Client
	cooldown *market.Cooldown
	backoff  time.Duration
}

// Ensure Provider implements the interface
var _ market.Provider = (*Provider)(nil)

// NewProvider returns a new Alpaca provider. Credentials are read by the SDK
// from the APCA_* environment variables.
func NewProvider(cooldown time.Duration) *Provider {
	if cooldown <= 0 {
		cooldown = time.Minute
	}
	return &Provider{
		mdClient: marketdata.NewClient(marketdata.ClientOpts{}),
		cooldown: market.NewCooldown(),
		backoff:  cooldown,
	}
}

func (p *Provider) Blocked() (bool, time.Time) {
	return p.cooldown.Blocked()
}

func (p *Provider) GetQuote(ctx context.Context, symbol string) (models.Quote, error) {
	if err := p.precheck(ctx); err != nil {
		return models.Quote{}, err
	}

	if market.AssetType(symbol) == "crypto" {
		trade, err := p.mdClient.GetLatestCryptoTrade(symbol, marketdata.GetLatestCryptoTradeRequest{})
		if err != nil {
			return models.Quote{}, p.classify(symbol, err)
		}
		if trade == nil || trade.Price <= 0 {
			return models.Quote{}, fmt.Errorf("%s: %w", symbol, market.ErrNoData)
		}
		return models.Quote{Symbol: symbol, Price: decimal.NewFromFloat(trade.Price), Timestamp: trade.Timestamp}, nil
	}

	trade, err := p.mdClient.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{})
	if err != nil {
		return models.Quote{}, p.classify(symbol, err)
	}
	if trade == nil || trade.Price <= 0 {
		return models.Quote{}, fmt.Errorf("%s: %w", symbol, market.ErrNoData)
	}
	return models.Quote{Symbol: symbol, Price: decimal.NewFromFloat(trade.Price), Timestamp: trade.Timestamp}, nil
}

func (p *Provider) GetCandles(ctx context.Context, symbol, interval string, count int) ([]models.Bar, error) {
	if err := p.precheck(ctx); err != nil {
		return nil, err
	}

	tf, step, err := ParseTimeFrame(interval)
	if err != nil {
		return nil, err
	}
	if count <= 0 {
		count = 100
	}
	// Generous lookback so weekends and closed sessions still yield count bars.
	start := time.Now().Add(-step * time.Duration(count) * 3)

	var result []models.Bar
	if market.AssetType(symbol) == "crypto" {
		bars, err := p.mdClient.GetCryptoBars(symbol, marketdata.GetCryptoBarsRequest{
			TimeFrame: tf,
			Start:     start,
		})
		if err != nil {
			return nil, p.classify(symbol, err)
		}
		for _, b := range bars {
			result = append(result, models.Bar{
				Time:   b.Timestamp,
				Open:   decimal.NewFromFloat(b.Open),
				High:   decimal.NewFromFloat(b.High),
				Low:    decimal.NewFromFloat(b.Low),
				Close:  decimal.NewFromFloat(b.Close),
				Volume: b.Volume,
			})
		}
	} else {
		bars, err := p.mdClient.GetBars(symbol, marketdata.GetBarsRequest{
			TimeFrame: tf,
			Start:     start,
		})
		if err != nil {
			return nil, p.classify(symbol, err)
		}
		for _, b := range bars {
			result = append(result, models.Bar{
				Time:   b.Timestamp,
				Open:   decimal.NewFromFloat(b.Open),
				High:   decimal.NewFromFloat(b.High),
				Low:    decimal.NewFromFloat(b.Low),
				Close:  decimal.NewFromFloat(b.Close),
				Volume: float64(b.Volume),
			})
		}
	}

	if len(result) == 0 {
		return nil, fmt.Errorf("%s %s: %w", symbol, interval, market.ErrNoData)
	}
	if len(result) > count {
		result = result[len(result)-count:]
	}
	return result, nil
}

func (p *Provider) precheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if blocked, until := p.cooldown.Blocked(); blocked {
		return fmt.Errorf("until %s: %w", until.Format(time.RFC3339), market.ErrBlocked)
	}
	return nil
}

// classify maps throttling responses onto the shared cool-down so the scan
// stops issuing new batches.
func (p *Provider) classify(symbol string, err error) error {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusTooManyRequests, http.StatusForbidden:
			until := p.cooldown.Trip(p.backoff)
			logger.WithFields(logger.Fields{
				"symbol": symbol,
				"status": apiErr.StatusCode,
				"until":  until.Format(time.RFC3339),
			}).Warn("⚠️ upstream throttling, cooling down")
			return fmt.Errorf("%s: %w", symbol, market.ErrBlocked)
		case http.StatusNotFound, http.StatusUnprocessableEntity:
			return fmt.Errorf("%s: %v: %w", symbol, err, market.ErrNoData)
		}
	}
	return fmt.Errorf("%s: %w", symbol, err)
}

// ParseTimeFrame converts strings like "15Min", "1Hour" or "1Day".
func ParseTimeFrame(interval string) (marketdata.TimeFrame, time.Duration, error) {
	units := []struct {
		suffix string
		unit   marketdata.TimeFrameUnit
		step   time.Duration
	}{
		{"Min", marketdata.Min, time.Minute},
		{"Hour", marketdata.Hour, time.Hour},
		{"Day", marketdata.Day, 24 * time.Hour},
	}

	for _, u := range units {
		if !strings.HasSuffix(interval, u.suffix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(interval, u.suffix))
		if err != nil || n <= 0 {
			return marketdata.TimeFrame{}, 0, fmt.Errorf("invalid interval %q", interval)
		}
		return marketdata.NewTimeFrame(n, u.unit), u.step * time.Duration(n), nil
	}
	return marketdata.TimeFrame{}, 0, fmt.Errorf("invalid interval %q", interval)
}
