package migrations

import (
	"github.com/ksred/klear-autopilot/internal/types"
	"gorm.io/gorm"
)

func CreateIdeaTransitions(db *gorm.DB) error {
	return db.AutoMigrate(&types.Transition{})
}
