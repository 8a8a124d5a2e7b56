package migrations

import (
	"github.com/ksred/klear-autopilot/internal/types"
	"gorm.io/gorm"
)

func CreateRiskTables(db *gorm.DB) error {
	if err := db.AutoMigrate(&types.RiskBudget{}); err != nil {
		return err
	}
	return db.AutoMigrate(&types.Position{})
}
