package storage

import (
	"encoding/json"
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"paper_autopilot/internal/models"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
)

// flexTime accepts the date shapes older writers produced. Anything it
// cannot parse becomes the zero time and is repaired later.
type flexTime struct{ time.Time }

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func (t *flexTime) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		return nil
	}
	for _, layout := range timeLayouts {
		if v, err := time.Parse(layout, s); err == nil {
			t.Time = v
			return nil
		}
	}
	// epoch milliseconds
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil && ms > 0 {
		t.Time = time.UnixMilli(ms).UTC()
	}
	return nil
}

type rawPosition struct {
	models.Position
	Open     *bool     `json:"open"`
	OpenedAt flexTime  `json:"openedAt"`
	ExitAt   *flexTime `json:"exitAt"`
}

type rawLog struct {
	models.LogEntry
	Time flexTime `json:"time"`
}

// rawState defers every record and money field so one bad value costs that
// value only, not the whole document.
type rawState struct {
	Version          string            `json:"version"`
	SavedAt          flexTime          `json:"savedAt"`
	Positions        []json.RawMessage `json:"positions"`
	Cash             json.RawMessage   `json:"cash"`
	Logs             []json.RawMessage `json:"logs"`
	RealizedPnL      json.RawMessage   `json:"realizedPnL"`
	AutopilotEnabled bool              `json:"autopilotEnabled"`
}

// quarantiner is implemented by stores that can set an unreadable document
// aside before it is overwritten.
type quarantiner interface {
	Quarantine() (string, error)
}

// Load reads the persisted ledger. A missing or corrupt document yields an
// empty ledger holding the starting cash; a corrupt one is set aside first.
func (g *Gateway) Load() models.LedgerState {
	b, err := g.store.Read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Info("State file missing, starting with an empty ledger")
		} else {
			logger.WithError(err).Warn("failed to read state, starting with an empty ledger")
		}
		return g.empty()
	}

	var raw rawState
	if err := json.Unmarshal(b, &raw); err != nil {
		logger.WithError(err).Error("state document is corrupt, starting with an empty ledger")
		if q, ok := g.store.(quarantiner); ok {
			if path, qerr := q.Quarantine(); qerr != nil {
				logger.WithError(qerr).Error("could not set corrupt state aside")
			} else {
				logger.WithField("path", path).Warn("corrupt state kept for inspection")
			}
		}
		return g.empty()
	}

	s := g.decode(raw)
	if migrateState(&s) {
		logger.WithField("version", s.Version).Info("state migrated")
	}
	return s
}

func (g *Gateway) empty() models.LedgerState {
	return models.LedgerState{
		Version:   SchemaVersion,
		Positions: []models.Position{},
		Cash:      g.startingCash,
		Logs:      []models.LogEntry{},
	}
}

func (g *Gateway) decode(raw rawState) models.LedgerState {
	s := models.LedgerState{
		Version:          raw.Version,
		SavedAt:          raw.SavedAt.Time,
		Positions:        []models.Position{},
		Logs:             []models.LogEntry{},
		RealizedPnL:      decimalOr(raw.RealizedPnL, "realizedPnL", decimal.Zero),
		AutopilotEnabled: raw.AutopilotEnabled,
	}
	cashDefault := decimal.Zero
	if len(raw.Positions) == 0 {
		cashDefault = g.startingCash
	}
	s.Cash = decimalOr(raw.Cash, "cash", cashDefault)

	fallback := s.SavedAt
	if fallback.IsZero() {
		fallback = g.now()
	}

	for i, msg := range raw.Positions {
		var rp rawPosition
		if err := json.Unmarshal(msg, &rp); err != nil {
			logger.WithError(err).WithField("index", i).Warn("skipping unreadable position record")
			continue
		}
		p := rp.Position
		p.OpenedAt = rp.OpenedAt.Time
		p.ExitAt = nil
		if rp.ExitAt != nil && !rp.ExitAt.IsZero() {
			t := rp.ExitAt.Time
			p.ExitAt = &t
		}
		if rp.Open != nil {
			p.Open = *rp.Open
		} else {
			// older writers omitted the flag; a record without exit data is open
			p.Open = p.ExitAt == nil && p.ExitPrice == nil && p.ExitReason == ""
		}
		if p.OpenedAt.IsZero() {
			p.OpenedAt = fallback
		}
		s.Positions = append(s.Positions, p)
	}

	for _, msg := range raw.Logs {
		var rl rawLog
		if err := json.Unmarshal(msg, &rl); err != nil {
			continue
		}
		e := rl.LogEntry
		e.Time = rl.Time.Time
		if e.Time.IsZero() {
			e.Time = fallback
		}
		s.Logs = append(s.Logs, e)
	}
	return s
}

// decimalOr parses a JSON number or numeric string, returning def when the
// field is absent or unreadable.
func decimalOr(msg json.RawMessage, field string, def decimal.Decimal) decimal.Decimal {
	if len(msg) == 0 || string(msg) == "null" {
		return def
	}
	var v decimal.Decimal
	if err := json.Unmarshal(msg, &v); err != nil {
		logger.WithError(err).WithField("field", field).Warn("unreadable amount in state, using default")
		return def
	}
	return v
}

// versionBefore compares dotted major.minor versions numerically. Empty or
// unparseable versions sort before everything.
func versionBefore(v, than string) bool {
	a, okA := parseVersion(v)
	b, _ := parseVersion(than)
	if !okA {
		return true
	}
	if a[0] != b[0] {
		return a[0] < b[0]
	}
	return a[1] < b[1]
}

func parseVersion(v string) ([2]int, bool) {
	var out [2]int
	parts := strings.SplitN(strings.TrimPrefix(strings.TrimSpace(v), "v"), ".", 3)
	if len(parts) == 0 || parts[0] == "" {
		return out, false
	}
	for i := 0; i < len(parts) && i < 2; i++ {
		n, err := strconv.Atoi(parts[i])
		if err != nil {
			return out, false
		}
		out[i] = n
	}
	return out, true
}

// migrateState handles schema evolution and repairs records that break the
// ledger invariants. Returns true if anything changed.
func migrateState(s *models.LedgerState) bool {
	updated := false

	if versionBefore(s.Version, "2.0") {
		logger.WithField("from", s.Version).Info("Migrating state schema to 2.0")
		for i := range s.Positions {
			p := &s.Positions[i]
			// Records from 1.x carried no cost basis.
			if p.CostBasis.IsZero() {
				p.CostBasis = p.EntryPrice.Mul(p.Quantity)
			}
			if p.Source == "" {
				p.Source = models.SourceManual
			}
		}
		s.Version = "2.0"
		updated = true
	}

	if versionBefore(s.Version, SchemaVersion) {
		s.Version = SchemaVersion
		updated = true
	}

	if repairPositions(s) {
		updated = true
	}
	if s.Cash.IsNegative() {
		logger.WithField("cash", s.Cash.String()).Warn("negative cash in state, clamping to zero")
		s.Cash = decimal.Zero
		updated = true
	}
	return updated
}

func repairPositions(s *models.LedgerState) bool {
	updated := false
	openBySymbol := map[string]int{}
	kept := make([]models.Position, 0, len(s.Positions))

	for _, p := range s.Positions {
		if !p.Open {
			if p.ExitAt == nil || p.ExitPrice == nil || p.ExitReason == "" {
				if p.ExitAt == nil {
					t := p.OpenedAt
					p.ExitAt = &t
				}
				if p.ExitPrice == nil {
					price := p.EntryPrice
					p.ExitPrice = &price
				}
				if p.ExitReason == "" {
					p.ExitReason = "unknown"
				}
				updated = true
			}
			kept = append(kept, p)
			continue
		}

		if !p.Quantity.IsPositive() || p.Symbol == "" {
			logger.WithFields(logger.Fields{"id": p.ID, "symbol": p.Symbol}).Warn("dropping open position with invalid quantity")
			updated = true
			continue
		}
		p.ExitAt, p.ExitPrice, p.ExitReason = nil, nil, ""

		if i, ok := openBySymbol[p.Symbol]; ok {
			first := &kept[i]
			qty := first.Quantity.Add(p.Quantity)
			first.EntryPrice = first.EntryPrice.Mul(first.Quantity).Add(p.EntryPrice.Mul(p.Quantity)).Div(qty)
			first.Quantity = qty
			first.CostBasis = first.CostBasis.Add(p.CostBasis)
			logger.WithField("symbol", p.Symbol).Warn("merged duplicate open position")
			updated = true
			continue
		}
		openBySymbol[p.Symbol] = len(kept)
		kept = append(kept, p)
	}

	s.Positions = kept
	return updated
}
