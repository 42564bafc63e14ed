package db

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/scalarorg/oracle-bridge/pkg/db/models"
	"github.com/scalarorg/oracle-bridge/pkg/types"
	"gorm.io/gorm"
)

func (db *DatabaseAdapter) FindCallbackTxs(ctx context.Context, contractRequestID string) ([]models.CallbackTx, error) {
	var txs []models.CallbackTx
	err := db.Client.WithContext(ctx).
		Where("contract_request_id = ?", contractRequestID).
		Order("id ASC").
		Find(&txs).Error
	if err != nil {
		return nil, errors.Wrapf(err, "failed to find callback txs for %s", contractRequestID)
	}
	return txs, nil
}

// AddCallbackTx stores a callback attempt without touching its query.
func (db *DatabaseAdapter) AddCallbackTx(ctx context.Context, callbackTx *models.CallbackTx) error {
	if err := db.Client.WithContext(ctx).Create(callbackTx).Error; err != nil {
		return errors.Wrapf(err, "failed to create callback tx for %s", callbackTx.ContractRequestID)
	}
	return nil
}

// FindUnconfirmedCallbackTxs lists sent callbacks of an instance that have not
// been seen in a block yet.
func (db *DatabaseAdapter) FindUnconfirmedCallbackTxs(ctx context.Context, instance types.Instance) ([]models.CallbackTx, error) {
	var txs []models.CallbackTx
	err := db.Client.WithContext(ctx).
		Where("tx_confirmed = ? AND superseded = ? AND tx_hash <> '' AND oar_address = ? AND callback_from_address = ?",
			false, false, instance.OAR.Hex(), instance.CallbackFrom.Hex()).
		Order("id ASC").
		Find(&txs).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to find unconfirmed callback txs")
	}
	return txs, nil
}

// ConfirmCallbackTx marks a callback as included. A request keeps at most one
// confirmed callback, so the call reports false when another row already is.
func (db *DatabaseAdapter) ConfirmCallbackTx(ctx context.Context, txHash string, blockHash string) (bool, error) {
	confirmed := false
	err := db.Client.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var callbackTx models.CallbackTx
		result := tx.Where("tx_hash = ?", txHash).Order("id DESC").Limit(1).Find(&callbackTx)
		if result.Error != nil {
			return errors.Wrapf(result.Error, "failed to find callback tx %s", txHash)
		}
		if result.RowsAffected == 0 {
			return errors.Errorf("callback tx %s not found", txHash)
		}
		if callbackTx.TxConfirmed {
			confirmed = true
			return nil
		}
		var count int64
		err := tx.Model(&models.CallbackTx{}).
			Where("contract_request_id = ? AND tx_confirmed = ?", callbackTx.ContractRequestID, true).
			Count(&count).Error
		if err != nil {
			return errors.Wrap(err, "failed to count confirmed callback txs")
		}
		if count > 0 {
			return nil
		}
		err = tx.Model(&models.CallbackTx{}).Where("id = ?", callbackTx.ID).Updates(map[string]any{
			"tx_confirmed":         true,
			"confirmed_block_hash": blockHash,
		}).Error
		if err != nil {
			return errors.Wrapf(err, "failed to confirm callback tx %s", txHash)
		}
		confirmed = true
		return nil
	})
	return confirmed, err
}

// HasConfirmedCallback reports whether any callback of the request is confirmed.
func (db *DatabaseAdapter) HasConfirmedCallback(ctx context.Context, contractRequestID string) (bool, error) {
	var count int64
	err := db.Client.WithContext(ctx).Model(&models.CallbackTx{}).
		Where("contract_request_id = ? AND tx_confirmed = ?", contractRequestID, true).
		Count(&count).Error
	if err != nil {
		return false, errors.Wrap(err, "failed to count confirmed callback txs")
	}
	return count > 0, nil
}

func (db *DatabaseAdapter) TouchCallbackTx(ctx context.Context, id uint, at time.Time) error {
	err := db.Client.WithContext(ctx).Model(&models.CallbackTx{}).
		Where("id = ?", id).
		Update("last_checked_at", at).Error
	if err != nil {
		return errors.Wrapf(err, "failed to touch callback tx %d", id)
	}
	return nil
}

// SupersedeCallbackTx retires a stuck callback once a replacement was sent.
func (db *DatabaseAdapter) SupersedeCallbackTx(ctx context.Context, id uint) error {
	err := db.Client.WithContext(ctx).Model(&models.CallbackTx{}).
		Where("id = ? AND tx_confirmed = ?", id, false).
		Update("superseded", true).Error
	if err != nil {
		return errors.Wrapf(err, "failed to supersede callback tx %d", id)
	}
	return nil
}
