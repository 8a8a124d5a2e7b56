package migrations

import (
	"fmt"

	"gorm.io/gorm"
)

type step struct {
	name string
	run  func(*gorm.DB) error
}

var steps = []step{
	{"001_create_trade_ideas", CreateTradeIdeas},
	{"002_create_idea_transitions", CreateIdeaTransitions},
	{"003_create_risk_tables", CreateRiskTables},
}

// Run applies every migration in order. Each step is idempotent.
func Run(db *gorm.DB) error {
	for _, s := range steps {
		if err := s.run(db); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return nil
}
