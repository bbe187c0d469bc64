package journal

import (
	"context"
	"fmt"
	"time"

	"paper_autopilot/internal/models"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// Trade is one closed position as recorded for later review.
type Trade struct {
	ID          string          `gorm:"primaryKey;type:varchar(40)"`
	Symbol      string          `gorm:"type:varchar(20);not null;index"`
	Source      string          `gorm:"type:varchar(20)"`
	EntryPrice  decimal.Decimal `gorm:"type:numeric(30,10)"`
	ExitPrice   decimal.Decimal `gorm:"type:numeric(30,10)"`
	Quantity    decimal.Decimal `gorm:"type:numeric(30,10)"`
	Profit      decimal.Decimal `gorm:"type:numeric(30,10)"`
	ProfitPct   float64
	ExitReason  string `gorm:"type:varchar(40);index"`
	Verdict     string `gorm:"type:varchar(10)"`
	Score       float64
	OpenedAt    time.Time `gorm:"index"`
	ClosedAt    time.Time `gorm:"index"`
	HeldSeconds int64
	CreatedAt   time.Time `gorm:"autoCreateTime"`
}

func (Trade) TableName() string {
	return "closed_trades"
}

// Stats summarizes the journal.
type Stats struct {
	Trades      int64
	Wins        int64
	WinRate     float64
	TotalProfit decimal.Decimal
	ByReason    map[string]int64
}

// Journal is the learning collaborator backed by sqlite.
type Journal struct {
	db *gorm.DB
}

// Open connects to (and migrates) the sqlite database at path.
func Open(path string) (*Journal, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if err := db.AutoMigrate(&Trade{}); err != nil {
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// EvaluateClosedTrade records a closed position. Recording the same
// position twice keeps the first row.
func (j *Journal) EvaluateClosedTrade(p models.Position) error {
	if p.Open || p.ExitAt == nil || p.ExitPrice == nil {
		return fmt.Errorf("position %s is not closed", p.ID)
	}

	t := Trade{
		ID:          p.ID,
		Symbol:      p.Symbol,
		Source:      string(p.Source),
		EntryPrice:  p.EntryPrice,
		ExitPrice:   *p.ExitPrice,
		Quantity:    p.Quantity,
		Profit:      p.RealizedPnL,
		ProfitPct:   p.RealizedPnLPc,
		ExitReason:  p.ExitReason,
		OpenedAt:    p.OpenedAt,
		ClosedAt:    *p.ExitAt,
		HeldSeconds: int64(p.ExitAt.Sub(p.OpenedAt).Seconds()),
	}
	if p.Decision != nil {
		t.Verdict = string(p.Decision.Verdict)
		t.Score = p.Decision.Score
	}

	if err := j.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&t).Error; err != nil {
		return fmt.Errorf("record trade %s: %w", p.Symbol, err)
	}
	logger.WithFields(logger.Fields{"symbol": p.Symbol, "reason": p.ExitReason}).Debug("trade journaled")
	return nil
}

// Recent returns the latest closed trades, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Trade, error) {
	var out []Trade
	err := j.db.WithContext(ctx).Order("closed_at desc").Limit(limit).Find(&out).Error
	return out, err
}

func (j *Journal) Stats(ctx context.Context) (Stats, error) {
	var trades []Trade
	if err := j.db.WithContext(ctx).Select("profit", "exit_reason").Find(&trades).Error; err != nil {
		return Stats{}, err
	}

	s := Stats{TotalProfit: decimal.Zero, ByReason: map[string]int64{}}
	for _, t := range trades {
		s.Trades++
		if t.Profit.IsPositive() {
			s.Wins++
		}
		s.TotalProfit = s.TotalProfit.Add(t.Profit)
		s.ByReason[t.ExitReason]++
	}
	if s.Trades > 0 {
		s.WinRate = float64(s.Wins) / float64(s.Trades) * 100
	}
	return s, nil
}
