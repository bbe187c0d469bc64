package watcher

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"paper_autopilot/internal/config"
	"paper_autopilot/internal/id"
	"paper_autopilot/internal/ledger"
	"paper_autopilot/internal/market"
	"paper_autopilot/internal/models"
	"paper_autopilot/internal/risk"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func series(n int, price float64) []models.Bar {
	out := make([]models.Bar, n)
	start := time.Now().Add(-time.Duration(n) * 15 * time.Minute)
	for i := range out {
		out[i] = models.Bar{
			Time:  start.Add(time.Duration(i) * 15 * time.Minute),
			Open:  d(price),
			High:  d(price * 1.01),
			Low:   d(price * 0.99),
			Close: d(price),
		}
	}
	return out
}

type fakeProvider struct {
	mu         sync.Mutex
	bars       map[string][]models.Bar
	quotes     map[string]decimal.Decimal
	noData     map[string]bool
	blockAfter int
	calls      int
	blocked    bool
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		bars:   map[string][]models.Bar{},
		quotes: map[string]decimal.Decimal{},
		noData: map[string]bool{},
	}
}

func (f *fakeProvider) GetQuote(_ context.Context, symbol string) (models.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if q, ok := f.quotes[symbol]; ok {
		return models.Quote{Symbol: symbol, Price: q, Timestamp: time.Now()}, nil
	}
	return models.Quote{}, fmt.Errorf("%s: %w", symbol, market.ErrNoData)
}

func (f *fakeProvider) GetCandles(_ context.Context, symbol, _ string, _ int) ([]models.Bar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.blockAfter > 0 && f.calls >= f.blockAfter {
		f.blocked = true
	}
	if f.noData[symbol] {
		return nil, fmt.Errorf("%s: %w", symbol, market.ErrNoData)
	}
	if b, ok := f.bars[symbol]; ok {
		return b, nil
	}
	return series(30, 100), nil
}

func (f *fakeProvider) Blocked() (bool, time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.blocked {
		return true, time.Now().Add(time.Minute)
	}
	return false, time.Time{}
}

type fakeDecider struct {
	mu      sync.Mutex
	verdict map[string]models.Verdict
	seen    []string
}

func (f *fakeDecider) MakeDecision(_ context.Context, symbol string, _ map[string][]models.Bar, _ string) (models.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, symbol)
	v, ok := f.verdict[symbol]
	if !ok {
		v = models.VerdictHold
	}
	score := 50.0
	if v == models.VerdictBuy {
		score = 90
	}
	return models.Decision{Symbol: symbol, Verdict: v, Score: score, Reason: "test"}, nil
}

type textNotifier struct{ texts chan string }

func newTextNotifier() *textNotifier { return &textNotifier{texts: make(chan string, 8)} }

func (n *textNotifier) NotifyOpen(models.Position)                            {}
func (n *textNotifier) NotifyClose(models.Position, decimal.Decimal, float64) {}
func (n *textNotifier) NotifyText(text string)                                { n.texts <- text }

func (n *textNotifier) next(t *testing.T) string {
	t.Helper()
	select {
	case s := <-n.texts:
		return s
	case <-time.After(time.Second):
		t.Fatal("no notification sent")
		return ""
	}
}

func newTestWatcher(t *testing.T, universe []string) (*Watcher, *ledger.Ledger, *fakeProvider, *fakeDecider) {
	t.Helper()
	l := ledger.New(ledger.Options{StartingCash: d(10000), CommissionRate: decimal.Zero},
		models.LedgerState{Cash: d(10000)}, nil, id.NewULID())
	p := newFakeProvider()
	dec := &fakeDecider{verdict: map[string]models.Verdict{}}
	w := New(Options{
		Universe:        universe,
		CandleIntervals: []string{"15Min"},
		BatchSize:       15,
		Profile:         config.DefaultProfiles()["balanced"],
		Settings:        models.Settings{ScanIntervalSeconds: 3600, MaxPositionPercent: 10, MaxOpenTrades: 5},
	}, l, p, dec, nil, nil)
	return w, l, p, dec
}

func symbols(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("SYM%02d", i)
	}
	return out
}

func TestScanSkipsSymbolsWithoutData(t *testing.T) {
	universe := symbols(15)
	w, _, p, _ := newTestWatcher(t, universe)
	p.noData["SYM03"] = true
	p.noData["SYM07"] = true
	p.noData["SYM11"] = true

	report := w.Poll(context.Background())

	assert.False(t, report.Busy)
	assert.False(t, report.Aborted)
	assert.Equal(t, 15, report.Symbols)
	assert.Equal(t, 1, report.Batches)
	assert.Equal(t, 12, report.Evaluated)
	assert.Equal(t, 3, report.Skipped)
	assert.Zero(t, report.Failed)
	assert.Len(t, w.Snapshot().ScanResults, 12)
}

func TestMonitorClosesOnStopLoss(t *testing.T) {
	w, l, p, _ := newTestWatcher(t, nil)
	pos, err := l.Buy(ledger.BuyOrder{Symbol: "AAPL", Price: d(100), Quantity: d(1), StopLossPct: 5, TakeProfitPct: 15})
	require.NoError(t, err)

	// too few candles for ATR keeps the 5% / 15% fallback
	p.bars["AAPL"] = series(5, 100)
	p.quotes["AAPL"] = d(94)

	report := w.Poll(context.Background())
	assert.Equal(t, 1, report.Closed)

	closed, ok := l.Position(pos.ID)
	require.True(t, ok)
	assert.False(t, closed.Open)
	assert.Equal(t, string(risk.ExitStopLoss), closed.ExitReason)
	assert.True(t, closed.RealizedPnL.Equal(d(-6)), closed.RealizedPnL.String())
	assert.True(t, l.Cash().Equal(d(9994)), l.Cash().String())
}

func TestMonitorTracksHighWaterMark(t *testing.T) {
	w, l, p, _ := newTestWatcher(t, nil)
	pos, err := l.Buy(ledger.BuyOrder{Symbol: "AAPL", Price: d(100), Quantity: d(1), StopLossPct: 5, TakeProfitPct: 15})
	require.NoError(t, err)
	p.bars["AAPL"] = series(5, 100)

	p.quotes["AAPL"] = d(101.5)
	w.Poll(context.Background())
	p.quotes["AAPL"] = d(101)
	w.Poll(context.Background())

	got, _ := l.Position(pos.ID)
	assert.True(t, got.Open)
	assert.InDelta(t, 1.5, got.MaxPnLPct, 1e-9)
}

func TestGuardRejectsOverlappingPoll(t *testing.T) {
	w, _, _, dec := newTestWatcher(t, symbols(3))

	gen, ok := w.acquire()
	require.True(t, ok)

	report := w.Poll(context.Background())
	assert.True(t, report.Busy)
	assert.Empty(t, dec.seen)

	w.release(gen)
	report = w.Poll(context.Background())
	assert.False(t, report.Busy)
	assert.Len(t, dec.seen, 3)
}

func TestWatchdogTakesOverWedgedScan(t *testing.T) {
	w, _, _, _ := newTestWatcher(t, nil)
	notifier := newTextNotifier()
	w.notifier = notifier
	base := time.Now()
	w.now = func() time.Time { return base }

	stale, ok := w.acquire()
	require.True(t, ok)

	w.now = func() time.Time { return base.Add(4 * time.Minute) }
	_, ok = w.acquire()
	assert.False(t, ok)

	w.now = func() time.Time { return base.Add(6 * time.Minute) }
	fresh, ok := w.acquire()
	require.True(t, ok)
	assert.NotEqual(t, stale, fresh)
	assert.Contains(t, notifier.next(t), "Watchdog cleared a scan stuck for 6m0s")

	// the wedged scan finishing late must not clear the new guard
	w.release(stale)
	assert.True(t, w.Scanning())
	w.release(fresh)
	assert.False(t, w.Scanning())
}

func TestScanAbortsWhenSourceBlocks(t *testing.T) {
	w, _, p, _ := newTestWatcher(t, symbols(6))
	notifier := newTextNotifier()
	w.notifier = notifier
	w.opts.BatchSize = 2
	p.blockAfter = 2

	report := w.Poll(context.Background())

	assert.True(t, report.Aborted)
	assert.Contains(t, report.AbortReason, "cooling down")
	assert.Equal(t, 1, report.Batches)
	assert.Equal(t, 2, report.Evaluated)
	assert.Contains(t, notifier.next(t), "Scan aborted: data source cooling down")
}

func TestScanOrderPutsHeldSymbolsFirst(t *testing.T) {
	w, l, _, _ := newTestWatcher(t, []string{"A", "B", "C", "D", "E", "ZZZ"})
	_, err := l.Buy(ledger.BuyOrder{Symbol: "ZZZ", Price: d(10), Quantity: d(1)})
	require.NoError(t, err)
	_, err = l.Buy(ledger.BuyOrder{Symbol: "OFFLIST", Price: d(10), Quantity: d(1)})
	require.NoError(t, err)

	order := w.scanOrder()
	require.Len(t, order, 7)
	assert.Equal(t, []string{"OFFLIST", "ZZZ"}, order[:2])
	assert.ElementsMatch(t, []string{"A", "B", "C", "D", "E"}, order[2:])

	w.opts.MaxSymbolsPerScan = 3
	order = w.scanOrder()
	assert.Len(t, order, 3)
	assert.Equal(t, []string{"OFFLIST", "ZZZ"}, order[:2])
}

func TestBuyVerdictOpensOnlyWithAutopilot(t *testing.T) {
	w, l, p, dec := newTestWatcher(t, []string{"AAPL"})
	dec.verdict["AAPL"] = models.VerdictBuy
	p.quotes["AAPL"] = d(100)

	report := w.Poll(context.Background())
	assert.Zero(t, report.Opened)
	assert.Empty(t, l.OpenPositions())

	l.SetAutopilot(true)
	report = w.Poll(context.Background())
	assert.Equal(t, 1, report.Opened)

	pos, ok := l.OpenBySymbol("AAPL")
	require.True(t, ok)
	assert.Equal(t, models.SourceAutonomous, pos.Source)
	assert.True(t, pos.Quantity.Equal(d(10)), pos.Quantity.String())
	require.NotNil(t, pos.Decision)
	assert.Equal(t, models.VerdictBuy, pos.Decision.Verdict)
	assert.Greater(t, pos.StopLossPct, 0.0)
}

func TestBuyVerdictRespectsMaxOpenTrades(t *testing.T) {
	w, l, p, dec := newTestWatcher(t, []string{"NEW"})
	require.NoError(t, w.ApplySettings(models.Settings{ScanIntervalSeconds: 60, MaxPositionPercent: 10, MaxOpenTrades: 1}))
	_, err := l.Buy(ledger.BuyOrder{Symbol: "HELD", Price: d(10), Quantity: d(1)})
	require.NoError(t, err)
	p.quotes["HELD"] = d(10)
	p.bars["HELD"] = series(5, 10)
	dec.verdict["NEW"] = models.VerdictBuy
	l.SetAutopilot(true)

	report := w.Poll(context.Background())
	assert.Zero(t, report.Opened)
	_, ok := l.OpenBySymbol("NEW")
	assert.False(t, ok)
}

func TestSellVerdictClosesHeldPosition(t *testing.T) {
	w, l, p, dec := newTestWatcher(t, nil)
	pos, err := l.Buy(ledger.BuyOrder{Symbol: "AAPL", Price: d(100), Quantity: d(1), StopLossPct: 5, TakeProfitPct: 15})
	require.NoError(t, err)
	p.bars["AAPL"] = series(5, 100)
	p.quotes["AAPL"] = d(101)
	dec.verdict["AAPL"] = models.VerdictSell

	report := w.Poll(context.Background())
	assert.Equal(t, 1, report.Closed)

	got, _ := l.Position(pos.ID)
	assert.False(t, got.Open)
	assert.Equal(t, string(risk.ExitSignal), got.ExitReason)
}

func TestSubscribersReceiveSnapshots(t *testing.T) {
	w, l, _, _ := newTestWatcher(t, nil)

	var mu sync.Mutex
	var got []models.Snapshot
	unsubscribe := w.Subscribe(func(s models.Snapshot) {
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
	})

	_, err := l.Buy(ledger.BuyOrder{Symbol: "AAPL", Price: d(100), Quantity: d(2)})
	require.NoError(t, err)

	mu.Lock()
	require.NotEmpty(t, got)
	last := got[len(got)-1]
	mu.Unlock()
	assert.True(t, last.Cash.Equal(d(9800)))
	assert.True(t, last.Equity.Equal(d(10000)))
	assert.Len(t, last.Positions, 1)

	unsubscribe()
	n := len(got)
	l.Log("INFO", "after unsubscribe")
	assert.Len(t, got, n)
}

func TestLatestPricePrefersFreshStream(t *testing.T) {
	w, _, p, _ := newTestWatcher(t, nil)
	p.quotes["AAPL"] = d(100)

	w.OnPrice("AAPL", d(101))
	price, err := w.latestPrice(context.Background(), "AAPL", nil)
	require.NoError(t, err)
	assert.True(t, price.Equal(d(101)))

	w.now = func() time.Time { return time.Now().Add(time.Minute) }
	price, err = w.latestPrice(context.Background(), "AAPL", nil)
	require.NoError(t, err)
	assert.True(t, price.Equal(d(100)))

	price, err = w.latestPrice(context.Background(), "MSFT", series(3, 50))
	require.NoError(t, err)
	assert.True(t, price.Equal(d(50)))

	_, err = w.latestPrice(context.Background(), "MSFT", nil)
	assert.ErrorIs(t, err, market.ErrNoData)
}

func TestScanResultsAreCapped(t *testing.T) {
	w, _, _, _ := newTestWatcher(t, symbols(15))
	w.opts.ScanResultCap = 20

	w.Poll(context.Background())
	w.Poll(context.Background())
	assert.Len(t, w.Snapshot().ScanResults, 20)

	w.ResetLedger()
	assert.Empty(t, w.Snapshot().ScanResults)
}

func TestStartStop(t *testing.T) {
	w, _, _, _ := newTestWatcher(t, nil)
	assert.False(t, w.Running())

	w.Start()
	w.Start()
	assert.True(t, w.Running())

	w.Stop()
	assert.False(t, w.Running())
	w.inflight.Wait()
	assert.False(t, w.Scanning())
}

func TestRunStopsOnContextCancel(t *testing.T) {
	w, l, _, _ := newTestWatcher(t, nil)
	l.SetAutopilot(true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	require.Eventually(t, w.Running, time.Second, 10*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, w.Running())

	// late toggles after shutdown must not restart the timer
	w.Start()
	assert.False(t, w.Running())
}

func TestPyramidingDoesNotTripTrailingStop(t *testing.T) {
	w, l, p, _ := newTestWatcher(t, nil)
	pos, err := l.Buy(ledger.BuyOrder{Symbol: "ABC", Price: d(100), Quantity: d(1), StopLossPct: 5, TakeProfitPct: 15})
	require.NoError(t, err)
	p.bars["ABC"] = series(5, 100)
	p.quotes["ABC"] = d(105)

	w.Poll(context.Background())
	got, _ := l.Position(pos.ID)
	require.InDelta(t, 5.0, got.MaxPnLPct, 1e-9)

	_, err = l.Buy(ledger.BuyOrder{Symbol: "ABC", Price: d(105), Quantity: d(1), StopLossPct: 5, TakeProfitPct: 15})
	require.NoError(t, err)

	report := w.Poll(context.Background())
	assert.Zero(t, report.Closed)
	got, _ = l.Position(pos.ID)
	assert.True(t, got.Open, got.ExitReason)
	assert.True(t, got.EntryPrice.Equal(d(102.5)))
}

func TestStatusTextListsPositions(t *testing.T) {
	w, l, _, _ := newTestWatcher(t, nil)
	_, err := l.Buy(ledger.BuyOrder{Symbol: "AAPL", Price: d(100), Quantity: d(2), StopLossPct: 5, TakeProfitPct: 15})
	require.NoError(t, err)

	text := w.StatusText()
	assert.Contains(t, text, "Cash: $9800.00")
	assert.Contains(t, text, "AAPL")
	assert.Contains(t, text, "Open: 1")
	assert.True(t, strings.HasPrefix(text, "📊"))
}
