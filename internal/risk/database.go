package risk

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/ksred/klear-autopilot/internal/types"
)

// Database is the gorm-backed BudgetStore.
type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) LoadBudget(ctx context.Context, accountID string) (*types.RiskBudget, error) {
	var b types.RiskBudget
	if err := d.db.WithContext(ctx).Where("account_id = ?", accountID).First(&b).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &b, nil
}

func (d *Database) SaveBudget(ctx context.Context, b *types.RiskBudget) error {
	return d.db.WithContext(ctx).Save(b).Error
}

func (d *Database) OpenPosition(ctx context.Context, p *types.Position) error {
	return d.db.WithContext(ctx).Create(p).Error
}

// ClosePosition stamps the position closed. Closing twice returns
// ErrPositionNotFound.
func (d *Database) ClosePosition(ctx context.Context, ideaID string, closedAt time.Time, pnl float64) (*types.Position, error) {
	res := d.db.WithContext(ctx).
		Model(&types.Position{}).
		Where("idea_id = ? AND closed_at IS NULL", ideaID).
		Updates(map[string]interface{}{
			"closed_at":   closedAt.UTC(),
			"realized_pl": pnl,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrPositionNotFound
	}

	var p types.Position
	if err := d.db.WithContext(ctx).Where("idea_id = ?", ideaID).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func (d *Database) OpenPositions(ctx context.Context, accountID string) ([]types.Position, error) {
	var out []types.Position
	err := d.db.WithContext(ctx).
		Where("account_id = ? AND closed_at IS NULL", accountID).
		Order("opened_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}
