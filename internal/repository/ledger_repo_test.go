package repository

import (
	"context"
	"testing"
	"time"

	"settlement/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func captureBatch(orderID string, total int64) []*model.LedgerEntry {
	escrowAccount := model.EscrowAccount(orderID)
	return []*model.LedgerEntry{
		{
			AccountID:      escrowAccount,
			Amount:         total,
			Currency:       "NGN",
			Kind:           model.EntryKindCapture,
			RelatedOrderID: orderID,
			IdempotencyKey: model.BatchIdempotencyKey("cap", orderID, escrowAccount),
			ActorKind:      model.ActorCaptureWebhook,
		},
		{
			AccountID:      model.AccountPlatform,
			Amount:         -total,
			Currency:       "NGN",
			Kind:           model.EntryKindCapture,
			RelatedOrderID: orderID,
			IdempotencyKey: model.BatchIdempotencyKey("cap", orderID, model.AccountPlatform),
			ActorKind:      model.ActorCaptureWebhook,
		},
	}
}

func TestLedgerRepository_AppendBatch(t *testing.T) {
	ctx := context.Background()

	t.Run("balanced batch is persisted atomically", func(t *testing.T) {
		db := newTestDB(t)
		repo := NewLedgerRepository(db)

		applied, isNew, err := repo.AppendBatch(ctx, nil, captureBatch("O1", 10000))
		require.NoError(t, err)
		assert.True(t, isNew)
		assert.Len(t, applied, 2)
		for _, e := range applied {
			assert.NotEmpty(t, e.EntryNo)
			assert.NotZero(t, e.ID)
		}

		balance, err := repo.BalanceOf(ctx, model.EscrowAccount("O1"), nil)
		require.NoError(t, err)
		assert.Equal(t, int64(10000), balance)
	})

	t.Run("imbalanced batch is rejected without writes", func(t *testing.T) {
		db := newTestDB(t)
		repo := NewLedgerRepository(db)

		entries := captureBatch("O1", 10000)
		entries[1].Amount = -9999

		_, _, err := repo.AppendBatch(ctx, nil, entries)
		assert.ErrorIs(t, err, ErrImbalancedBatch)

		var count int64
		require.NoError(t, db.Model(&model.LedgerEntry{}).Count(&count).Error)
		assert.Zero(t, count)
	})

	t.Run("per currency balance check", func(t *testing.T) {
		db := newTestDB(t)
		repo := NewLedgerRepository(db)

		// 两个币种各自平衡才合法
		entries := captureBatch("O1", 5000)
		entries[1].Currency = "USD"

		_, _, err := repo.AppendBatch(ctx, nil, entries)
		assert.ErrorIs(t, err, ErrImbalancedBatch)
	})

	t.Run("replay of a whole batch is a no-op returning prior result", func(t *testing.T) {
		db := newTestDB(t)
		repo := NewLedgerRepository(db)

		first, isNew, err := repo.AppendBatch(ctx, nil, captureBatch("O1", 10000))
		require.NoError(t, err)
		require.True(t, isNew)

		second, isNew, err := repo.AppendBatch(ctx, nil, captureBatch("O1", 10000))
		require.NoError(t, err)
		assert.False(t, isNew)
		require.Len(t, second, 2)
		assert.Equal(t, first[0].EntryNo, second[0].EntryNo)

		var count int64
		require.NoError(t, db.Model(&model.LedgerEntry{}).Count(&count).Error)
		assert.Equal(t, int64(2), count)
	})

	t.Run("partial key overlap is rejected", func(t *testing.T) {
		db := newTestDB(t)
		repo := NewLedgerRepository(db)

		_, _, err := repo.AppendBatch(ctx, nil, captureBatch("O1", 10000))
		require.NoError(t, err)

		// 同一订单派生出不同账户组合的批次，说明键派生逻辑被破坏
		entries := captureBatch("O1", 10000)
		entries[1].IdempotencyKey = model.BatchIdempotencyKey("cap", "O1", "store:S9")
		_, _, err = repo.AppendBatch(ctx, nil, entries)
		assert.ErrorIs(t, err, ErrDuplicateIdempotencyKey)
	})

	t.Run("empty batch is rejected", func(t *testing.T) {
		db := newTestDB(t)
		repo := NewLedgerRepository(db)

		_, _, err := repo.AppendBatch(ctx, nil, nil)
		assert.ErrorIs(t, err, ErrEmptyBatch)
	})
}

func TestLedgerRepository_BalanceOf_AsOf(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repo := NewLedgerRepository(db)

	_, _, err := repo.AppendBatch(ctx, nil, captureBatch("O1", 10000))
	require.NoError(t, err)

	cut := time.Now().Add(time.Minute)

	// 截止时间之后的批次不计入
	later := captureBatch("O2", 7000)
	_, _, err = repo.AppendBatch(ctx, nil, later)
	require.NoError(t, err)
	require.NoError(t, db.Model(&model.LedgerEntry{}).
		Where("related_order_id = ?", "O2").
		UpdateColumn("created_at", time.Now().Add(2*time.Minute)).Error)

	balance, err := repo.BalanceOf(ctx, model.AccountPlatform, &cut)
	require.NoError(t, err)
	assert.Equal(t, int64(-10000), balance)

	balance, err = repo.BalanceOf(ctx, model.AccountPlatform, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(-17000), balance)
}

func TestLedgerRepository_ListAllOrdered_InTransaction(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repo := NewLedgerRepository(db)

	_, _, err := repo.AppendBatch(ctx, nil, captureBatch("O1", 10000))
	require.NoError(t, err)
	_, _, err = repo.AppendBatch(ctx, nil, captureBatch("O2", 5000))
	require.NoError(t, err)

	// 扫描必须走传入的事务连接：测试库只有一个连接，
	// 事务内的扫描若另开连接会在这里卡死
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		var afterID int64
		var total int
		for {
			entries, err := repo.ListAllOrdered(ctx, tx, afterID, 3)
			require.NoError(t, err)
			if len(entries) == 0 {
				break
			}
			for _, e := range entries {
				assert.Greater(t, e.ID, afterID)
				afterID = e.ID
			}
			total += len(entries)
		}
		assert.Equal(t, 4, total)
		return nil
	}))
}

func TestLedgerRepository_ListByAccount(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repo := NewLedgerRepository(db)

	_, _, err := repo.AppendBatch(ctx, nil, captureBatch("O1", 10000))
	require.NoError(t, err)
	_, _, err = repo.AppendBatch(ctx, nil, captureBatch("O2", 5000))
	require.NoError(t, err)

	entries, total, err := repo.ListByAccount(ctx, model.AccountPlatform, nil, nil, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, entries, 2)

	entries, total, err = repo.ListByAccount(ctx, model.EscrowAccount("O1"), nil, nil, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(10000), entries[0].Amount)
}
