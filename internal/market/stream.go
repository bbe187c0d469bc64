package market

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata/stream"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
)

// StreamHandler is a callback function for price updates.
type StreamHandler func(symbol string, price decimal.Decimal)

// StreamProvider defines the interface for real-time market data.
type StreamProvider interface {
	Subscribe(symbols []string, handler StreamHandler) error
	Close() error
}

// AlpacaStreamer implements StreamProvider using Alpaca's WebSocket API.
// Only equities are streamed; crypto symbols are left to polling.
type AlpacaStreamer struct {
	keyID     string
	secretKey string
	mu        sync.Mutex
	handler   StreamHandler
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewAlpacaStreamer creates a new streamer instance.
func NewAlpacaStreamer() *AlpacaStreamer {
	ctx, cancel := context.WithCancel(context.Background())
	return &AlpacaStreamer{
		keyID:     os.Getenv("APCA_API_KEY_ID"),
		secretKey: os.Getenv("APCA_API_SECRET_KEY"),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Subscribe connects to the stream in the background and forwards trades for
// the given symbols to handler.
func (s *AlpacaStreamer) Subscribe(symbols []string, handler StreamHandler) error {
	s.mu.Lock()
	s.handler = handler
	s.mu.Unlock()

	var stocks []string
	for _, sym := range symbols {
		if AssetType(sym) == "stock" {
			stocks = append(stocks, sym)
		}
	}
	if len(stocks) == 0 {
		return nil
	}

	go s.connectLoop(stocks)
	return nil
}

func (s *AlpacaStreamer) Close() error {
	s.cancel()
	return nil
}

func (s *AlpacaStreamer) onTrade(t stream.Trade) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h != nil {
		h(t.Symbol, decimal.NewFromFloat(t.Price))
	}
}

// connectLoop keeps a client connected. The SDK reconnects on its own for a
// while; once it gives up we build a new client with exponential back-off.
func (s *AlpacaStreamer) connectLoop(stocks []string) {
	backoff := 1 * time.Second
	maxBackoff := 60 * time.Second

	for s.ctx.Err() == nil {
		client := stream.NewStocksClient(
			marketdata.IEX, // free/paper feed
			stream.WithCredentials(s.keyID, s.secretKey),
			stream.WithReconnectSettings(10, 500*time.Millisecond),
			stream.WithTrades(s.onTrade, stocks...),
		)

		logger.WithField("symbols", len(stocks)).Info("🔌 connecting to Alpaca stream")
		if err := client.Connect(s.ctx); err != nil {
			logger.WithError(err).Warn("stream connection failed")
		} else {
			backoff = 1 * time.Second
			// Terminated reports when the SDK gave up reconnecting.
			if err := <-client.Terminated(); err != nil {
				logger.WithError(err).Warn("stream terminated")
			}
		}

		select {
		case <-s.ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
