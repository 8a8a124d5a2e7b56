package migrations

import (
	"github.com/ksred/klear-autopilot/internal/types"
	"gorm.io/gorm"
)

func CreateTradeIdeas(db *gorm.DB) error {
	if err := db.AutoMigrate(&types.TradeIdea{}); err != nil {
		return err
	}

	// At most one non-terminal idea per instrument. Both sqlite and postgres
	// accept partial indexes with this syntax.
	return db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_trade_ideas_active_instrument
		ON trade_ideas (instrument)
		WHERE state IN ('PENDING', 'APPROVED', 'EXECUTING')`).Error
}
