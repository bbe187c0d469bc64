package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"paper_autopilot/internal/models"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
)

// SchemaVersion is stamped into every written document.
const SchemaVersion = "2.1"

// ErrEmergencyWriteFailed is returned when even the trimmed document could
// not be stored. It needs operator attention and is not retried.
var ErrEmergencyWriteFailed = errors.New("emergency state write failed")

// Gateway serializes ledger state into a Store under a size budget.
type Gateway struct {
	store        Store
	closedCap    int
	startingCash decimal.Decimal
	now          func() time.Time
}

func NewGateway(store Store, closedCap int, startingCash decimal.Decimal) *Gateway {
	if closedCap < 0 {
		closedCap = 0
	}
	return &Gateway{store: store, closedCap: closedCap, startingCash: startingCash, now: time.Now}
}

// Save writes the compact document. On a quota error it trims the in-memory
// state (event log cleared, diagnostics stripped) and retries exactly once
// with open positions and balances only.
func (g *Gateway) Save(state *models.LedgerState) error {
	state.Version = SchemaVersion
	doc := g.compact(state)

	err := g.write(doc)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrQuotaExceeded) {
		return err
	}

	logger.WithError(err).Warn("state store full, switching to emergency write")

	state.Logs = []models.LogEntry{}
	for i := range state.Positions {
		state.Positions[i].Decision = state.Positions[i].Decision.Stripped()
	}

	emergency := models.LedgerState{
		Version:          SchemaVersion,
		SavedAt:          g.now(),
		Positions:        state.OpenPositions(),
		Cash:             state.Cash,
		Logs:             []models.LogEntry{},
		RealizedPnL:      state.RealizedPnL,
		AutopilotEnabled: state.AutopilotEnabled,
	}
	if emergency.Positions == nil {
		emergency.Positions = []models.Position{}
	}

	if err := g.write(emergency); err != nil {
		logger.WithError(err).Error("🚨 CRITICAL: emergency state write failed, ledger is not persisted")
		state.Logs = append(state.Logs, models.LogEntry{
			Time:    g.now(),
			Level:   "CRITICAL",
			Message: fmt.Sprintf("Emergency state write failed: %v", err),
		})
		return fmt.Errorf("%w: %v", ErrEmergencyWriteFailed, err)
	}
	return nil
}

// compact keeps open positions with summarized snapshots and the most recent
// closed positions without any snapshot.
func (g *Gateway) compact(state *models.LedgerState) models.LedgerState {
	doc := models.LedgerState{
		Version:          SchemaVersion,
		SavedAt:          g.now(),
		Positions:        []models.Position{},
		Cash:             state.Cash,
		Logs:             state.Logs,
		RealizedPnL:      state.RealizedPnL,
		AutopilotEnabled: state.AutopilotEnabled,
	}
	if doc.Logs == nil {
		doc.Logs = []models.LogEntry{}
	}

	var closed []models.Position
	for _, p := range state.Positions {
		if p.Open {
			p.Decision = p.Decision.Summary()
			doc.Positions = append(doc.Positions, p)
			continue
		}
		p.Decision = nil
		closed = append(closed, p)
	}

	sort.SliceStable(closed, func(i, j int) bool {
		return exitTime(closed[i]).Before(exitTime(closed[j]))
	})
	if len(closed) > g.closedCap {
		closed = closed[len(closed)-g.closedCap:]
	}
	doc.Positions = append(doc.Positions, closed...)
	return doc
}

func (g *Gateway) write(doc models.LedgerState) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	return g.store.Write(b)
}

func exitTime(p models.Position) time.Time {
	if p.ExitAt != nil {
		return *p.ExitAt
	}
	return p.OpenedAt
}
