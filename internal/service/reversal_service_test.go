package service

import (
	"context"
	"testing"
	"time"

	"settlement/internal/model"
	"settlement/internal/repository"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// seedReleasedOrder 预置一笔已结算订单：入账批次 + 结算批次都在账上，
// 锁已是 RELEASED，佣金条目带费率快照
func seedReleasedOrder(t *testing.T, db *gorm.DB) *model.EscrowLock {
	t.Helper()
	ctx := context.Background()

	escrow := &model.EscrowLock{
		OrderID:     "O1",
		State:       model.EscrowStateReleased,
		StoreID:     "S1",
		RiderID:     "R1",
		StoreType:   "FOOD",
		OrderTotal:  10000,
		DeliveryFee: 800,
		Currency:    "NGN",
		LockedAt:    time.Now(),
	}
	require.NoError(t, repository.NewEscrowRepository(db).Create(ctx, nil, escrow))

	escrowAccount := model.EscrowAccount("O1")
	capture := []*model.LedgerEntry{
		{AccountID: escrowAccount, Amount: 10800, Currency: "NGN", Kind: model.EntryKindCapture,
			RelatedOrderID: "O1", IdempotencyKey: model.BatchIdempotencyKey("cap", "O1", escrowAccount),
			ActorKind: model.ActorCaptureWebhook},
		{AccountID: model.AccountPlatform, Amount: -10800, Currency: "NGN", Kind: model.EntryKindCapture,
			RelatedOrderID: "O1", IdempotencyKey: model.BatchIdempotencyKey("cap", "O1", model.AccountPlatform),
			ActorKind: model.ActorCaptureWebhook},
	}
	payout := []*model.LedgerEntry{
		{AccountID: escrowAccount, Amount: -10800, Currency: "NGN", Kind: model.EntryKindPayout,
			RelatedOrderID: "O1", IdempotencyKey: model.BatchIdempotencyKey("pay", "O1", escrowAccount),
			ActorKind: model.ActorPayoutJob},
		{AccountID: model.AccountPlatform, Amount: 1500, Currency: "NGN", Kind: model.EntryKindCommission,
			RelatedOrderID: "O1", IdempotencyKey: model.BatchIdempotencyKey("pay", "O1", model.AccountPlatform),
			ActorKind: model.ActorPayoutJob, RateVersion: "v2", RateBps: 1500},
		{AccountID: model.StoreAccount("S1"), Amount: 8500, Currency: "NGN", Kind: model.EntryKindPayout,
			RelatedOrderID: "O1", IdempotencyKey: model.BatchIdempotencyKey("pay", "O1", model.StoreAccount("S1")),
			ActorKind: model.ActorPayoutJob},
		{AccountID: model.RiderAccount("R1"), Amount: 800, Currency: "NGN", Kind: model.EntryKindPayout,
			RelatedOrderID: "O1", IdempotencyKey: model.BatchIdempotencyKey("pay", "O1", model.RiderAccount("R1")),
			ActorKind: model.ActorPayoutJob},
	}

	ledgerRepo := repository.NewLedgerRepository(db)
	walletSvc := NewWalletService(db)
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		for _, batch := range [][]*model.LedgerEntry{capture, payout} {
			applied, _, err := ledgerRepo.AppendBatch(ctx, tx, batch)
			if err != nil {
				return err
			}
			if err := walletSvc.Apply(ctx, tx, applied); err != nil {
				return err
			}
		}
		return nil
	}))

	return escrow
}

func TestReversalService_HandleRefund(t *testing.T) {
	ctx := context.Background()

	t.Run("refund before release reverses escrow", func(t *testing.T) {
		db := newTestDB(t)
		rdb, rmock := redismock.NewClientMock()
		rmock.ExpectSetNX("settle:lock:order:O1", "req-1", 30*time.Second).SetVal(true)
		rmock.ExpectSetNX("settle:lock:order:O1", "req-2", 30*time.Second).SetVal(true)

		captureSvc := NewCaptureService(db, rdb, testConfig())
		_, err := captureSvc.HandleCapture(ctx, foodCapture("O1", "req-1"))
		require.NoError(t, err)

		svc := NewReversalService(db, rdb, testConfig())
		result, err := svc.HandleRefund(ctx, &RefundRequest{RequestID: "req-2", OrderID: "O1", Reason: "买家取消"})
		require.NoError(t, err)
		assert.Equal(t, ReversalModeReversal, result.Mode)
		assert.Equal(t, int64(10800), result.Amount)

		escrow, err := repository.NewEscrowRepository(db).GetByOrderID(ctx, "O1")
		require.NoError(t, err)
		assert.Equal(t, model.EscrowStateReversed, escrow.State)

		// 托管账户清零，钱包总净额保持为零
		ledgerRepo := repository.NewLedgerRepository(db)
		escrowBal, err := ledgerRepo.BalanceOf(ctx, model.EscrowAccount("O1"), nil)
		require.NoError(t, err)
		assert.Zero(t, escrowBal)
		assert.Zero(t, walletNet(t, db))
		assert.Equal(t, int64(1), countOutbox(t, db, model.EventEscrowReversed))
	})

	t.Run("repeated refund is a no-op", func(t *testing.T) {
		db := newTestDB(t)
		rdb, rmock := redismock.NewClientMock()
		rmock.ExpectSetNX("settle:lock:order:O1", "req-1", 30*time.Second).SetVal(true)
		rmock.ExpectSetNX("settle:lock:order:O1", "req-2", 30*time.Second).SetVal(true)

		captureSvc := NewCaptureService(db, rdb, testConfig())
		_, err := captureSvc.HandleCapture(ctx, foodCapture("O1", "req-1"))
		require.NoError(t, err)

		svc := NewReversalService(db, rdb, testConfig())
		_, err = svc.HandleRefund(ctx, &RefundRequest{RequestID: "req-2", OrderID: "O1"})
		require.NoError(t, err)
		before := countEntries(t, db)

		// REVERSED 状态下的重放不再加锁，直接幂等返回
		result, err := svc.HandleRefund(ctx, &RefundRequest{RequestID: "req-3", OrderID: "O1"})
		require.NoError(t, err)
		assert.NotEmpty(t, result.Message)
		assert.Equal(t, before, countEntries(t, db))
		assert.Equal(t, int64(1), countOutbox(t, db, model.EventEscrowReversed))
	})

	t.Run("refund while claimed asks caller to retry", func(t *testing.T) {
		db := newTestDB(t)
		rdb, rmock := redismock.NewClientMock()
		rmock.ExpectSetNX("settle:lock:order:O1", "req-1", 30*time.Second).SetVal(true)

		escrow := &model.EscrowLock{
			OrderID:    "O1",
			State:      model.EscrowStateClaimed,
			StoreID:    "S1",
			StoreType:  "FOOD",
			OrderTotal: 10000,
			Currency:   "NGN",
			LockedAt:   time.Now(),
		}
		require.NoError(t, repository.NewEscrowRepository(db).Create(ctx, nil, escrow))

		svc := NewReversalService(db, rdb, testConfig())
		_, err := svc.HandleRefund(ctx, &RefundRequest{RequestID: "req-1", OrderID: "O1"})
		assert.ErrorIs(t, err, repository.ErrEscrowStateInvalid)
	})

	t.Run("clawback after release", func(t *testing.T) {
		db := newTestDB(t)
		rdb, rmock := redismock.NewClientMock()
		rmock.ExpectSetNX("settle:lock:order:O1", "req-1", 30*time.Second).SetVal(true)
		seedReleasedOrder(t, db)

		svc := NewReversalService(db, rdb, testConfig())
		result, err := svc.HandleRefund(ctx, &RefundRequest{RequestID: "req-1", OrderID: "O1", Reason: "拒付"})
		require.NoError(t, err)
		assert.Equal(t, ReversalModeClawback, result.Mode)
		assert.Equal(t, int64(10800), result.Amount)

		// 锁保持 RELEASED，追回以追加条目的形式留在账上
		escrow, err := repository.NewEscrowRepository(db).GetByOrderID(ctx, "O1")
		require.NoError(t, err)
		assert.Equal(t, model.EscrowStateReleased, escrow.State)

		// 各方分成全额追回：卖家/骑手清零，平台拿回总额再退掉佣金
		ledgerRepo := repository.NewLedgerRepository(db)
		storeBal, err := ledgerRepo.BalanceOf(ctx, model.StoreAccount("S1"), nil)
		require.NoError(t, err)
		assert.Zero(t, storeBal)
		riderBal, err := ledgerRepo.BalanceOf(ctx, model.RiderAccount("R1"), nil)
		require.NoError(t, err)
		assert.Zero(t, riderBal)
		platformBal, err := ledgerRepo.BalanceOf(ctx, model.AccountPlatform, nil)
		require.NoError(t, err)
		assert.Zero(t, platformBal)

		assert.Zero(t, walletNet(t, db))
		assert.Equal(t, int64(1), countOutbox(t, db, model.EventPayoutClawback))
	})

	t.Run("repeated clawback is a no-op", func(t *testing.T) {
		db := newTestDB(t)
		rdb, rmock := redismock.NewClientMock()
		rmock.ExpectSetNX("settle:lock:order:O1", "req-1", 30*time.Second).SetVal(true)
		rmock.ExpectSetNX("settle:lock:order:O1", "req-2", 30*time.Second).SetVal(true)
		seedReleasedOrder(t, db)

		svc := NewReversalService(db, rdb, testConfig())
		_, err := svc.HandleRefund(ctx, &RefundRequest{RequestID: "req-1", OrderID: "O1"})
		require.NoError(t, err)
		before := countEntries(t, db)

		result, err := svc.HandleRefund(ctx, &RefundRequest{RequestID: "req-2", OrderID: "O1"})
		require.NoError(t, err)
		assert.Equal(t, ReversalModeClawback, result.Mode)
		assert.NotEmpty(t, result.Message)
		assert.Equal(t, before, countEntries(t, db))
		assert.Equal(t, int64(1), countOutbox(t, db, model.EventPayoutClawback))
	})

	t.Run("unknown order", func(t *testing.T) {
		db := newTestDB(t)
		rdb, _ := redismock.NewClientMock()

		svc := NewReversalService(db, rdb, testConfig())
		_, err := svc.HandleRefund(ctx, &RefundRequest{RequestID: "req-1", OrderID: "missing"})
		assert.ErrorIs(t, err, repository.ErrEscrowNotFound)
	})
}
