package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"paper_autopilot/internal/id"
	"paper_autopilot/internal/models"
	"paper_autopilot/internal/notify"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrPositionClosed    = errors.New("position already closed")
	ErrPositionNotFound  = errors.New("position not found")
	ErrInvalidOrder      = errors.New("invalid order")
)

// Persister writes the ledger document. It is called with the ledger lock
// held and may trim the state in place when the store runs out of room.
type Persister interface {
	Save(state *models.LedgerState) error
}

// Learner receives every closed trade. Failures are logged and ignored.
type Learner interface {
	EvaluateClosedTrade(p models.Position) error
}

// Observer is called after every mutation with a copy of the state.
type Observer func(state models.LedgerState)

type Options struct {
	StartingCash     decimal.Decimal
	CommissionRate   decimal.Decimal
	ClosedHistoryCap int
	EventLogCap      int
}

// Ledger is the sole owner of cash, positions and realized P&L.
type Ledger struct {
	mu    sync.Mutex
	state models.LedgerState
	opts  Options

	ids       id.Generator
	store     Persister
	learner   Learner
	notifier  notify.Notifier
	observers []Observer

	now func() time.Time
}

// New builds a ledger around a previously loaded state. A nil store
// disables persistence.
func New(opts Options, initial models.LedgerState, store Persister, ids id.Generator) *Ledger {
	if opts.ClosedHistoryCap <= 0 {
		opts.ClosedHistoryCap = 500
	}
	if opts.EventLogCap <= 0 {
		opts.EventLogCap = 200
	}
	if ids == nil {
		ids = id.NewULID()
	}
	l := &Ledger{
		state:    initial,
		opts:     opts,
		ids:      ids,
		store:    store,
		notifier: notify.NewLog(),
		now:      time.Now,
	}
	if l.state.Positions == nil {
		l.state.Positions = []models.Position{}
	}
	return l
}

// SetLearner attaches the closed trade collaborator.
func (l *Ledger) SetLearner(learner Learner) {
	l.mu.Lock()
	l.learner = learner
	l.mu.Unlock()
}

func (l *Ledger) SetNotifier(n notify.Notifier) {
	l.mu.Lock()
	if n != nil {
		l.notifier = n
	}
	l.mu.Unlock()
}

// Subscribe registers an observer. Observers run outside the lock.
func (l *Ledger) Subscribe(fn Observer) {
	l.mu.Lock()
	l.observers = append(l.observers, fn)
	l.mu.Unlock()
}

// BuyOrder is a request to open or average into a position.
type BuyOrder struct {
	Symbol        string
	Price         decimal.Decimal
	Quantity      decimal.Decimal
	Decision      *models.DecisionSnapshot
	Source        models.Source
	Rationale     string
	StopLossPct   float64
	TakeProfitPct float64
}

// Buy debits cost plus commission and opens a position, or averages into
// the open position for the same symbol.
func (l *Ledger) Buy(o BuyOrder) (models.Position, error) {
	if o.Symbol == "" || !o.Price.IsPositive() || !o.Quantity.IsPositive() {
		return models.Position{}, fmt.Errorf("%w: %s qty=%s price=%s", ErrInvalidOrder, o.Symbol, o.Quantity, o.Price)
	}

	l.mu.Lock()
	cost := o.Price.Mul(o.Quantity)
	total := cost.Add(cost.Mul(l.opts.CommissionRate))
	if l.state.Cash.LessThan(total) {
		l.appendLog("WARN", fmt.Sprintf("Buy %s rejected: need %s, have %s", o.Symbol, total.StringFixed(2), l.state.Cash.StringFixed(2)))
		snap := l.commitLocked()
		l.mu.Unlock()
		l.publish(snap)
		return models.Position{}, fmt.Errorf("%w: %s needs %s", ErrInsufficientFunds, o.Symbol, total.StringFixed(2))
	}

	l.state.Cash = l.state.Cash.Sub(total)

	var pos models.Position
	added := false
	if i := l.openIndex(o.Symbol); i >= 0 {
		p := &l.state.Positions[i]
		newQty := p.Quantity.Add(o.Quantity)
		oldEntry := p.EntryPrice
		p.EntryPrice = p.EntryPrice.Mul(p.Quantity).Add(o.Price.Mul(o.Quantity)).Div(newQty)
		p.MaxPnLPct = rebaseHighWater(oldEntry, p.EntryPrice, p.MaxPnLPct)
		p.Quantity = newQty
		p.CostBasis = p.CostBasis.Add(total)
		p.StopLossPct = o.StopLossPct
		p.TakeProfitPct = o.TakeProfitPct
		if o.Decision != nil {
			p.Decision = o.Decision
		}
		if o.Rationale != "" {
			p.Rationale = o.Rationale
		}
		pos = *p
		l.appendLog("INFO", fmt.Sprintf("Added %s %s @ %s (avg %s, qty %s)", o.Quantity, o.Symbol, o.Price, p.EntryPrice.StringFixed(4), newQty))
	} else {
		source := o.Source
		if source == "" {
			source = models.SourceManual
		}
		pos = models.Position{
			ID:            l.ids.New(),
			Symbol:        o.Symbol,
			EntryPrice:    o.Price,
			Quantity:      o.Quantity,
			CostBasis:     total,
			OpenedAt:      l.now(),
			Open:          true,
			Source:        source,
			Rationale:     o.Rationale,
			Decision:      o.Decision,
			StopLossPct:   o.StopLossPct,
			TakeProfitPct: o.TakeProfitPct,
		}
		l.state.Positions = append(l.state.Positions, pos)
		added = true
		l.appendLog("INFO", fmt.Sprintf("Opened %s %s @ %s (SL %.2f%%, TP %.2f%%)", o.Quantity, o.Symbol, o.Price, o.StopLossPct, o.TakeProfitPct))
	}

	snap := l.commitLocked()
	notifier := l.notifier
	l.mu.Unlock()

	if added {
		go safely("notify open", func() { notifier.NotifyOpen(pos) })
	}
	l.publish(snap)
	return pos, nil
}

// Sell closes a position at price. Closing a closed position changes nothing
// and returns ErrPositionClosed.
func (l *Ledger) Sell(positionID string, price decimal.Decimal, reason string) (models.Position, error) {
	if !price.IsPositive() {
		return models.Position{}, fmt.Errorf("%w: price %s", ErrInvalidOrder, price)
	}

	l.mu.Lock()
	i := l.index(positionID)
	if i < 0 {
		l.mu.Unlock()
		return models.Position{}, fmt.Errorf("%w: %s", ErrPositionNotFound, positionID)
	}
	p := &l.state.Positions[i]
	if !p.Open {
		closed := *p
		l.mu.Unlock()
		return closed, ErrPositionClosed
	}

	gross := price.Mul(p.Quantity)
	proceeds := gross.Sub(gross.Mul(l.opts.CommissionRate))
	profit := proceeds.Sub(p.CostBasis)
	pct := 0.0
	if p.CostBasis.IsPositive() {
		pct = profit.Div(p.CostBasis).Mul(decimal.NewFromInt(100)).InexactFloat64()
	}

	now := l.now()
	exitPrice := price
	p.Open = false
	p.ExitPrice = &exitPrice
	p.ExitAt = &now
	p.ExitReason = reason
	p.RealizedPnL = profit
	p.RealizedPnLPc = pct

	l.state.Cash = l.state.Cash.Add(proceeds)
	l.state.RealizedPnL = l.state.RealizedPnL.Add(profit)
	closed := *p

	level := "INFO"
	if profit.IsNegative() {
		level = "WARN"
	}
	l.appendLog(level, fmt.Sprintf("Closed %s @ %s: %s (%s, %+.2f%%)", closed.Symbol, price, reason, profit.StringFixed(2), pct))
	l.trimClosedLocked()

	snap := l.commitLocked()
	notifier, learner := l.notifier, l.learner
	l.mu.Unlock()

	go safely("notify close", func() { notifier.NotifyClose(closed, profit, pct) })
	if learner != nil {
		safely("learner", func() {
			if err := learner.EvaluateClosedTrade(closed); err != nil {
				logger.WithError(err).WithField("symbol", closed.Symbol).Warn("learning collaborator failed")
			}
		})
	}
	l.publish(snap)
	return closed, nil
}

// UpdateRisk refreshes the volatility derived levels and the high-water
// mark of an open position. It does not persist; callers batch a Persist.
func (l *Ledger) UpdateRisk(positionID string, stopLossPct, takeProfitPct, maxPnLPct float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	i := l.index(positionID)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrPositionNotFound, positionID)
	}
	p := &l.state.Positions[i]
	if !p.Open {
		return ErrPositionClosed
	}
	p.StopLossPct = stopLossPct
	p.TakeProfitPct = takeProfitPct
	p.MaxPnLPct = maxPnLPct
	return nil
}

// Reset returns the ledger to an empty book with the starting cash.
func (l *Ledger) Reset() {
	l.mu.Lock()
	l.state = models.LedgerState{
		Version:   l.state.Version,
		Positions: []models.Position{},
		Cash:      l.opts.StartingCash,
		Logs:      []models.LogEntry{},
	}
	l.appendLog("INFO", fmt.Sprintf("Ledger reset to %s", l.opts.StartingCash.StringFixed(2)))
	snap := l.commitLocked()
	l.mu.Unlock()
	l.publish(snap)
}

func (l *Ledger) SetAutopilot(enabled bool) {
	l.mu.Lock()
	l.state.AutopilotEnabled = enabled
	state := "disabled"
	if enabled {
		state = "enabled"
	}
	l.appendLog("INFO", "Autopilot "+state)
	snap := l.commitLocked()
	l.mu.Unlock()
	l.publish(snap)
}

// Log records an operator visible event and persists it.
func (l *Ledger) Log(level, message string) {
	l.mu.Lock()
	l.appendLog(level, message)
	snap := l.commitLocked()
	l.mu.Unlock()
	l.publish(snap)
}

// Persist writes the current state and notifies observers.
func (l *Ledger) Persist() error {
	l.mu.Lock()
	err := l.saveLocked()
	snap := l.state.Clone()
	l.mu.Unlock()
	l.publish(snap)
	return err
}

func (l *Ledger) Autopilot() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.AutopilotEnabled
}

func (l *Ledger) Cash() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.Cash
}

// Equity is cash plus the cost basis of every open position.
func (l *Ledger) Equity() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.equityLocked()
}

func (l *Ledger) State() models.LedgerState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.Clone()
}

func (l *Ledger) OpenPositions() []models.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.OpenPositions()
}

func (l *Ledger) Position(positionID string) (models.Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i := l.index(positionID); i >= 0 {
		return l.state.Positions[i], true
	}
	return models.Position{}, false
}

// OpenBySymbol returns the open position for symbol, if any.
func (l *Ledger) OpenBySymbol(symbol string) (models.Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i := l.openIndex(symbol); i >= 0 {
		return l.state.Positions[i], true
	}
	return models.Position{}, false
}

func (l *Ledger) equityLocked() decimal.Decimal {
	eq := l.state.Cash
	for _, p := range l.state.Positions {
		if p.Open {
			eq = eq.Add(p.CostBasis)
		}
	}
	return eq
}

func (l *Ledger) index(positionID string) int {
	for i := range l.state.Positions {
		if l.state.Positions[i].ID == positionID {
			return i
		}
	}
	return -1
}

func (l *Ledger) openIndex(symbol string) int {
	for i := range l.state.Positions {
		if l.state.Positions[i].Open && l.state.Positions[i].Symbol == symbol {
			return i
		}
	}
	return -1
}

func (l *Ledger) appendLog(level, message string) {
	entry := models.LogEntry{Time: l.now(), Level: level, Message: message}
	l.state.Logs = append(l.state.Logs, entry)
	if over := len(l.state.Logs) - l.opts.EventLogCap; over > 0 {
		l.state.Logs = append([]models.LogEntry(nil), l.state.Logs[over:]...)
	}

	fields := logger.WithField("component", "ledger")
	switch level {
	case "WARN":
		fields.Warn(message)
	case "ERROR", "CRITICAL":
		fields.Error(message)
	default:
		fields.Info(message)
	}
}

// trimClosedLocked drops the oldest closed records beyond the history cap.
func (l *Ledger) trimClosedLocked() {
	var closed []int
	for i, p := range l.state.Positions {
		if !p.Open {
			closed = append(closed, i)
		}
	}
	over := len(closed) - l.opts.ClosedHistoryCap
	if over <= 0 {
		return
	}
	sort.SliceStable(closed, func(a, b int) bool {
		return exitTime(l.state.Positions[closed[a]]).Before(exitTime(l.state.Positions[closed[b]]))
	})
	drop := make(map[int]bool, over)
	for _, i := range closed[:over] {
		drop[i] = true
	}
	kept := l.state.Positions[:0]
	for i, p := range l.state.Positions {
		if !drop[i] {
			kept = append(kept, p)
		}
	}
	l.state.Positions = kept
}

func exitTime(p models.Position) time.Time {
	if p.ExitAt != nil {
		return *p.ExitAt
	}
	return p.OpenedAt
}

// commitLocked persists and returns a copy for observers.
func (l *Ledger) commitLocked() models.LedgerState {
	_ = l.saveLocked()
	return l.state.Clone()
}

func (l *Ledger) saveLocked() error {
	if l.store == nil {
		return nil
	}
	if err := l.store.Save(&l.state); err != nil {
		logger.WithError(err).Error("failed to persist ledger")
		return err
	}
	return nil
}

func (l *Ledger) publish(snap models.LedgerState) {
	l.mu.Lock()
	observers := append([]Observer(nil), l.observers...)
	l.mu.Unlock()
	for _, fn := range observers {
		fn(snap)
	}
}

// rebaseHighWater re-expresses a high-water P&L percent measured against
// oldEntry so it is relative to newEntry. The result is never negative.
func rebaseHighWater(oldEntry, newEntry decimal.Decimal, maxPnLPct float64) float64 {
	if maxPnLPct <= 0 || !newEntry.IsPositive() {
		return 0
	}
	peak := oldEntry.Mul(decimal.NewFromFloat(1 + maxPnLPct/100))
	rebased := peak.Div(newEntry).Sub(decimal.NewFromInt(1)).Mul(decimal.NewFromInt(100)).InexactFloat64()
	if rebased < 0 {
		return 0
	}
	return rebased
}

// safely runs a collaborator call and turns a panic into a log line.
func safely(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.WithField("collaborator", what).Errorf("recovered from panic: %v", r)
		}
	}()
	fn()
}
