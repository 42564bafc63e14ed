package db

import (
	"context"

	"github.com/pkg/errors"
	"github.com/scalarorg/oracle-bridge/pkg/db/models"
	"gorm.io/gorm/clause"
)

func (db *DatabaseAdapter) SaveCheckpoint(ctx context.Context, checkpoint *models.BridgeCheckpoint) error {
	err := db.Client.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns:   []clause.Column{{Name: "chain_id"}, {Name: "connector_address"}},
			DoUpdates: clause.AssignmentColumns([]string{"last_block", "low_water_mark", "updated_at"}),
		},
	).Create(checkpoint).Error
	if err != nil {
		return errors.Wrapf(err, "failed to save checkpoint for chain %d", checkpoint.ChainID)
	}
	return nil
}

// GetCheckpoint returns the stored checkpoint, or nil when the connector was
// never processed on this chain.
func (db *DatabaseAdapter) GetCheckpoint(ctx context.Context, chainID uint64, connector string) (*models.BridgeCheckpoint, error) {
	var checkpoints []models.BridgeCheckpoint
	err := db.Client.WithContext(ctx).
		Where("chain_id = ? AND connector_address = ?", chainID, connector).
		Limit(1).
		Find(&checkpoints).Error
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get checkpoint for chain %d", chainID)
	}
	if len(checkpoints) == 0 {
		return nil, nil
	}
	return &checkpoints[0], nil
}
