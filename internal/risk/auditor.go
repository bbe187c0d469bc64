package risk

import (
	"fmt"

	"paper_autopilot/internal/models"

	"github.com/shopspring/decimal"
)

// AuditRequest is a proposed entry plus the ledger it would land in.
type AuditRequest struct {
	Decision       models.Decision
	Positions      []models.Position // open positions
	Cash           decimal.Decimal
	Equity         decimal.Decimal
	Price          decimal.Decimal
	Quantity       decimal.Decimal
	CommissionRate decimal.Decimal
	MaxOpenTrades  int
	MaxPositionPct float64
}

// AuditResult approves or rejects a trade and may shrink it.
type AuditResult struct {
	Approved         bool
	AdjustedQuantity decimal.Decimal
	Reason           string
}

// Auditor gates every autonomous entry.
type Auditor interface {
	Audit(req AuditRequest) AuditResult
}

// DefaultAuditor enforces the open trade limit and per-position equity cap.
type DefaultAuditor struct {
	// QuantityPlaces rounds the adjusted quantity down. Zero means whole units.
	QuantityPlaces int32
	// CryptoPlaces is used for symbols containing "/".
	CryptoPlaces int32
}

func NewDefaultAuditor() *DefaultAuditor {
	return &DefaultAuditor{QuantityPlaces: 0, CryptoPlaces: 6}
}

func (a *DefaultAuditor) Audit(req AuditRequest) AuditResult {
	if req.Decision.Verdict != models.VerdictBuy {
		return reject("verdict %s is not an entry", req.Decision.Verdict)
	}
	if !req.Price.IsPositive() {
		return reject("invalid price %s", req.Price)
	}

	existing := decimal.Zero
	held := false
	for _, p := range req.Positions {
		if p.Symbol == req.Decision.Symbol && p.Open {
			held = true
			existing = p.CostBasis
		}
	}
	if !held && req.MaxOpenTrades > 0 && len(req.Positions) >= req.MaxOpenTrades {
		return reject("max open trades reached (%d)", req.MaxOpenTrades)
	}

	qty := req.Quantity
	if req.MaxPositionPct > 0 && req.Equity.IsPositive() {
		budget := req.Equity.Mul(decimal.NewFromFloat(req.MaxPositionPct / 100)).Sub(existing)
		if !budget.IsPositive() {
			return reject("position cap reached for %s", req.Decision.Symbol)
		}
		qty = decimal.Min(qty, budget.Div(req.Price))
	}

	// Leave room for the buy-side commission.
	unitCost := req.Price.Mul(decimal.NewFromInt(1).Add(req.CommissionRate))
	qty = decimal.Min(qty, req.Cash.Div(unitCost))

	places := a.QuantityPlaces
	if isCrypto(req.Decision.Symbol) {
		places = a.CryptoPlaces
	}
	qty = qty.RoundFloor(places)
	if !qty.IsPositive() {
		return reject("adjusted quantity rounds to zero")
	}

	res := AuditResult{Approved: true, AdjustedQuantity: qty}
	if !qty.Equal(req.Quantity) {
		res.Reason = fmt.Sprintf("resized %s -> %s", req.Quantity, qty)
	}
	return res
}

func reject(format string, args ...any) AuditResult {
	return AuditResult{Approved: false, AdjustedQuantity: decimal.Zero, Reason: fmt.Sprintf(format, args...)}
}

func isCrypto(symbol string) bool {
	for _, c := range symbol {
		if c == '/' {
			return true
		}
	}
	return false
}
