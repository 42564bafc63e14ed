package db

import (
	"context"

	"github.com/pkg/errors"
	"github.com/scalarorg/oracle-bridge/pkg/db/models"
	bridgeErrors "github.com/scalarorg/oracle-bridge/pkg/errors"
	"github.com/scalarorg/oracle-bridge/pkg/types"
	"gorm.io/gorm"
)

const MAX_RETRY_COUNT = 3

// CreateQuery inserts a new active query. It fails with ErrDuplicateRequest
// when an active record for the same contract request id already exists.
func (db *DatabaseAdapter) CreateQuery(ctx context.Context, query *models.Query) error {
	if query.ProofType == "" {
		query.ProofType = types.NO_PROOF
	}
	query.QueryActive = true
	return db.Client.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		err := tx.Model(&models.Query{}).
			Where("contract_request_id = ? AND query_active = ?", query.ContractRequestID, true).
			Count(&count).Error
		if err != nil {
			return errors.Wrap(err, "failed to count active queries")
		}
		if count > 0 {
			return bridgeErrors.Wrap(bridgeErrors.KindDuplicateRequest, "CreateQuery", bridgeErrors.ErrDuplicateRequest, query.ContractRequestID)
		}
		if err := tx.Create(query).Error; err != nil {
			return errors.Wrapf(err, "failed to create query %s", query.ContractRequestID)
		}
		return nil
	})
}

// FindLatestQuery returns the most recent query for a contract request id, or
// nil when there is none.
func (db *DatabaseAdapter) FindLatestQuery(ctx context.Context, contractRequestID string) (*models.Query, error) {
	var queries []models.Query
	err := db.Client.WithContext(ctx).
		Where("contract_request_id = ?", contractRequestID).
		Order("created_at DESC, id DESC").
		Limit(1).
		Find(&queries).Error
	if err != nil {
		return nil, errors.Wrapf(err, "failed to find query %s", contractRequestID)
	}
	if len(queries) == 0 {
		return nil, nil
	}
	return &queries[0], nil
}

func (db *DatabaseAdapter) FindQueryByOracleID(ctx context.Context, oracleRequestID string) (*models.Query, error) {
	var queries []models.Query
	err := db.Client.WithContext(ctx).
		Where("oracle_request_id = ?", oracleRequestID).
		Order("id DESC").
		Limit(1).
		Find(&queries).Error
	if err != nil {
		return nil, errors.Wrapf(err, "failed to find query by oracle id %s", oracleRequestID)
	}
	if len(queries) == 0 {
		return nil, nil
	}
	return &queries[0], nil
}

// FindPendingQueries returns the queries of an instance that are still active
// or never completed their callback, oldest first.
func (db *DatabaseAdapter) FindPendingQueries(ctx context.Context, instance types.Instance) ([]models.Query, error) {
	var queries []models.Query
	err := db.Client.WithContext(ctx).
		Where("(callback_complete = ? OR query_active = ?) AND oar_address = ? AND callback_from_address = ?",
			false, true, instance.OAR.Hex(), instance.CallbackFrom.Hex()).
		Order("created_at ASC, id ASC").
		Find(&queries).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to find pending queries")
	}
	return queries, nil
}

// MarkCallbackSuccess stores the callback transaction and completes the query.
func (db *DatabaseAdapter) MarkCallbackSuccess(ctx context.Context, queryID uint, callbackTx *models.CallbackTx) error {
	return db.Client.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(callbackTx).Error; err != nil {
			return errors.Wrap(err, "failed to create callback tx")
		}
		err := tx.Model(&models.Query{}).Where("id = ?", queryID).Updates(map[string]any{
			"query_active":      false,
			"callback_complete": true,
		}).Error
		if err != nil {
			return errors.Wrapf(err, "failed to complete query %d", queryID)
		}
		return nil
	})
}

// MarkCallbackFailure closes the query without completing it and pushes the
// retry counter to the ceiling. callbackTx is stored when the failed send
// produced a transaction hash.
func (db *DatabaseAdapter) MarkCallbackFailure(ctx context.Context, queryID uint, callbackError bool, callbackTx *models.CallbackTx) error {
	return db.Client.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if callbackTx != nil {
			if err := tx.Create(callbackTx).Error; err != nil {
				return errors.Wrap(err, "failed to create failed callback tx")
			}
		}
		err := tx.Model(&models.Query{}).Where("id = ?", queryID).Updates(map[string]any{
			"query_active":      false,
			"callback_complete": false,
			"callback_error":    callbackError,
			"retry_count":       MAX_RETRY_COUNT,
		}).Error
		if err != nil {
			return errors.Wrapf(err, "failed to mark query %d failed", queryID)
		}
		return nil
	})
}

// CloseQuery deactivates a query that can no longer be answered.
func (db *DatabaseAdapter) CloseQuery(ctx context.Context, queryID uint) error {
	err := db.Client.WithContext(ctx).Model(&models.Query{}).
		Where("id = ?", queryID).
		Update("query_active", false).Error
	if err != nil {
		return errors.Wrapf(err, "failed to close query %d", queryID)
	}
	return nil
}

type QueryStats struct {
	Total     int64 `json:"total"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Confirmed int64 `json:"confirmed"`
}

func (db *DatabaseAdapter) CountQueries(ctx context.Context) (*QueryStats, error) {
	stats := &QueryStats{}
	client := db.Client.WithContext(ctx)
	counts := []struct {
		target *int64
		model  any
		where  string
		args   []any
	}{
		{&stats.Total, &models.Query{}, "1 = 1", nil},
		{&stats.Active, &models.Query{}, "query_active = ?", []any{true}},
		{&stats.Completed, &models.Query{}, "callback_complete = ?", []any{true}},
		{&stats.Failed, &models.Query{}, "callback_error = ?", []any{true}},
		{&stats.Confirmed, &models.CallbackTx{}, "tx_confirmed = ?", []any{true}},
	}
	for _, c := range counts {
		if err := client.Model(c.model).Where(c.where, c.args...).Count(c.target).Error; err != nil {
			return nil, errors.Wrap(err, "failed to count queries")
		}
	}
	return stats, nil
}
