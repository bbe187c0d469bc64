package watcher

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"paper_autopilot/internal/config"
	"paper_autopilot/internal/decision"
	"paper_autopilot/internal/ledger"
	"paper_autopilot/internal/market"
	"paper_autopilot/internal/models"
	"paper_autopilot/internal/notify"
	"paper_autopilot/internal/risk"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
)

// priceFreshness is how long a streamed trade is preferred over a quote.
const priceFreshness = 15 * time.Second

type Options struct {
	Universe          []string
	CandleIntervals   []string
	CandleCount       int
	BatchSize         int
	BatchDelay        time.Duration
	WatchdogTimeout   time.Duration
	MaxSymbolsPerScan int
	ScanResultCap     int
	CommissionRate    decimal.Decimal
	Profile           config.RiskProfile
	Settings          models.Settings
}

// OptionsFromConfig maps the environment config onto watcher options.
func OptionsFromConfig(cfg *config.Config, profile config.RiskProfile) Options {
	return Options{
		Universe:          cfg.Universe,
		CandleIntervals:   cfg.CandleIntervals,
		CandleCount:       cfg.CandleCount,
		BatchSize:         cfg.BatchSize,
		BatchDelay:        cfg.BatchDelay,
		WatchdogTimeout:   cfg.WatchdogTimeout,
		MaxSymbolsPerScan: cfg.MaxSymbolsPerScan,
		ScanResultCap:     cfg.ScanResultCap,
		CommissionRate:    decimal.NewFromFloat(cfg.CommissionRate),
		Profile:           profile,
		Settings: models.Settings{
			ScanIntervalSeconds: int(cfg.ScanInterval / time.Second),
			MaxPositionPercent:  cfg.MaxPositionPct,
			MaxOpenTrades:       cfg.MaxOpenTrades,
		},
	}
}

type cachedPrice struct {
	price decimal.Decimal
	at    time.Time
}

// Watcher drives the scan-decide-manage loop around a Ledger.
type Watcher struct {
	opts     Options
	ledger   *ledger.Ledger
	provider market.Provider
	decider  decision.Decider
	auditor  risk.Auditor
	notifier notify.Notifier

	mu          sync.RWMutex
	settings    models.Settings
	scanResults []models.ScanResult
	prices      map[string]cachedPrice
	subscribers map[int]func(models.Snapshot)
	nextSub     int
	stopTimer   chan struct{}
	baseCtx     context.Context
	rng         *rand.Rand

	// reentrancy guard
	guardMu     sync.Mutex
	scanning    bool
	scanStarted time.Time
	scanGen     uint64

	inflight sync.WaitGroup
	now      func() time.Time
}

func New(opts Options, l *ledger.Ledger, provider market.Provider, decider decision.Decider, auditor risk.Auditor, notifier notify.Notifier) *Watcher {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 15
	}
	if opts.WatchdogTimeout <= 0 {
		opts.WatchdogTimeout = 5 * time.Minute
	}
	if opts.CandleCount <= 0 {
		opts.CandleCount = 100
	}
	if opts.ScanResultCap <= 0 {
		opts.ScanResultCap = 100
	}
	if len(opts.CandleIntervals) == 0 {
		opts.CandleIntervals = []string{"15Min"}
	}
	if opts.Settings.ScanIntervalSeconds <= 0 {
		opts.Settings.ScanIntervalSeconds = 30
	}
	if auditor == nil {
		auditor = risk.NewDefaultAuditor()
	}
	if notifier == nil {
		notifier = notify.NewLog()
	}

	w := &Watcher{
		opts:        opts,
		ledger:      l,
		provider:    provider,
		decider:     decider,
		auditor:     auditor,
		notifier:    notifier,
		settings:    opts.Settings,
		prices:      make(map[string]cachedPrice),
		subscribers: make(map[int]func(models.Snapshot)),
		baseCtx:     context.Background(),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		now:         time.Now,
	}
	l.Subscribe(func(s models.LedgerState) { w.broadcast(w.snapshotFrom(s)) })
	return w
}

// Run starts the timer if the autopilot is enabled and blocks until ctx is
// done. In-flight scans are awaited and the ledger is persisted on exit.
func (w *Watcher) Run(ctx context.Context) {
	w.mu.Lock()
	w.baseCtx = ctx
	w.mu.Unlock()

	if w.ledger.Autopilot() {
		w.Start()
	}
	<-ctx.Done()

	w.Stop()
	w.inflight.Wait()
	if err := w.ledger.Persist(); err != nil {
		logger.WithError(err).Error("final state save failed")
	}
}

// Start begins periodic scans with one immediate scan. Calling Start while
// running is a no-op.
func (w *Watcher) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopTimer != nil {
		return
	}
	if w.baseCtx.Err() != nil {
		logger.Warn("autopilot timer not started: shutting down")
		return
	}
	interval := time.Duration(w.settings.ScanIntervalSeconds) * time.Second
	stop := make(chan struct{})
	w.stopTimer = stop
	w.inflight.Add(1)
	go w.loop(w.baseCtx, interval, stop)
	logger.WithField("interval", interval).Info("⏱️ autopilot timer started")
}

// Stop clears the timer. A scan already in flight runs to completion.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopTimer == nil {
		return
	}
	close(w.stopTimer)
	w.stopTimer = nil
	logger.Info("autopilot timer stopped")
}

func (w *Watcher) Running() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stopTimer != nil
}

func (w *Watcher) loop(ctx context.Context, interval time.Duration, stop <-chan struct{}) {
	defer w.inflight.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.spawnPoll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			w.spawnPoll(ctx)
		}
	}
}

func (w *Watcher) spawnPoll(ctx context.Context) {
	w.inflight.Add(1)
	go func() {
		defer w.inflight.Done()
		w.Poll(ctx)
	}()
}

// acquire takes the reentrancy guard. A guard held longer than the watchdog
// timeout is considered wedged and is taken over.
func (w *Watcher) acquire() (uint64, bool) {
	w.guardMu.Lock()
	defer w.guardMu.Unlock()

	if w.scanning {
		held := w.now().Sub(w.scanStarted)
		if held < w.opts.WatchdogTimeout {
			return 0, false
		}
		msg := fmt.Sprintf("Watchdog cleared a scan stuck for %s", held.Round(time.Second))
		logger.WithField("held", held.Round(time.Second)).Warn("🐕 watchdog: scan wedged, forcing guard clear")
		go w.ledger.Log("WARN", msg)
		go w.notifier.NotifyText("🐕 " + msg)
	}
	w.scanning = true
	w.scanStarted = w.now()
	w.scanGen++
	return w.scanGen, true
}

// release only clears the guard owned by gen, so a wedged scan that finally
// returns cannot unlock a newer one.
func (w *Watcher) release(gen uint64) {
	w.guardMu.Lock()
	defer w.guardMu.Unlock()
	if w.scanGen == gen {
		w.scanning = false
	}
}

func (w *Watcher) Scanning() bool {
	w.guardMu.Lock()
	defer w.guardMu.Unlock()
	return w.scanning
}

// Poll runs one guarded cycle: protect open positions, then discover.
func (w *Watcher) Poll(ctx context.Context) ScanReport {
	gen, ok := w.acquire()
	if !ok {
		logger.Debug("scan already in flight, skipping tick")
		return ScanReport{Busy: true}
	}
	defer w.release(gen)

	closed := w.checkRisk(ctx)
	report := w.scan(ctx)
	report.Closed += closed
	report.log()
	return report
}

// OnPrice feeds the streamed last-trade cache.
func (w *Watcher) OnPrice(symbol string, price decimal.Decimal) {
	w.mu.Lock()
	w.prices[symbol] = cachedPrice{price: price, at: w.now()}
	w.mu.Unlock()
}

// latestPrice prefers a fresh streamed trade, then a quote, then the last
// candle close.
func (w *Watcher) latestPrice(ctx context.Context, symbol string, bars []models.Bar) (decimal.Decimal, error) {
	w.mu.RLock()
	c, ok := w.prices[symbol]
	w.mu.RUnlock()
	if ok && w.now().Sub(c.at) < priceFreshness && c.price.IsPositive() {
		return c.price, nil
	}

	q, err := w.provider.GetQuote(ctx, symbol)
	if err == nil && q.Price.IsPositive() {
		return q.Price, nil
	}
	if len(bars) > 0 && bars[len(bars)-1].Close.IsPositive() {
		return bars[len(bars)-1].Close, nil
	}
	if err == nil {
		err = fmt.Errorf("%s: %w", symbol, market.ErrNoData)
	}
	return decimal.Zero, err
}

func (w *Watcher) Settings() models.Settings {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.settings
}

// Subscribe delivers a full snapshot on every mutation. The returned
// function removes the subscription.
func (w *Watcher) Subscribe(fn func(models.Snapshot)) func() {
	w.mu.Lock()
	id := w.nextSub
	w.nextSub++
	w.subscribers[id] = fn
	w.mu.Unlock()

	return func() {
		w.mu.Lock()
		delete(w.subscribers, id)
		w.mu.Unlock()
	}
}

// Snapshot returns the current full state.
func (w *Watcher) Snapshot() models.Snapshot {
	return w.snapshotFrom(w.ledger.State())
}

func (w *Watcher) snapshotFrom(s models.LedgerState) models.Snapshot {
	equity := s.Cash
	for _, p := range s.Positions {
		if p.Open {
			equity = equity.Add(p.CostBasis)
		}
	}

	w.mu.RLock()
	results := append([]models.ScanResult(nil), w.scanResults...)
	settings := w.settings
	w.mu.RUnlock()

	return models.Snapshot{
		Cash:             s.Cash,
		Equity:           equity,
		RealizedPnL:      s.RealizedPnL,
		Positions:        s.Positions,
		Logs:             s.Logs,
		ScanResults:      results,
		AutopilotEnabled: s.AutopilotEnabled,
		Scanning:         w.Scanning(),
		Settings:         settings,
	}
}

func (w *Watcher) broadcast(snap models.Snapshot) {
	w.mu.RLock()
	subs := make([]func(models.Snapshot), 0, len(w.subscribers))
	for _, fn := range w.subscribers {
		subs = append(subs, fn)
	}
	w.mu.RUnlock()

	for _, fn := range subs {
		fn(snap)
	}
}

func (w *Watcher) recordResults(results []models.ScanResult) {
	if len(results) == 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.scanResults = append(w.scanResults, results...)
	if over := len(w.scanResults) - w.opts.ScanResultCap; over > 0 {
		w.scanResults = append([]models.ScanResult(nil), w.scanResults[over:]...)
	}
}
