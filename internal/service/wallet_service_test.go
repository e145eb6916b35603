package service

import (
	"context"
	"testing"
	"time"

	"settlement/internal/model"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestWalletService_GetWallet(t *testing.T) {
	db := newTestDB(t)
	svc := NewWalletService(db)

	// 无记录按零余额返回，不报错
	wallet, err := svc.GetWallet(context.Background(), model.StoreAccount("missing"))
	require.NoError(t, err)
	assert.Zero(t, wallet.Available)
	assert.Zero(t, wallet.Pending)
}

func TestWalletService_Rebuild(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	// 预置一笔完整生命周期：入账 + 结算，再叠加一笔仅入账后冲正的订单
	seedReleasedOrder(t, db)

	rdb, rmock := redismock.NewClientMock()
	rmock.ExpectSetNX("settle:lock:order:O2", "req-1", 30*time.Second).SetVal(true)
	rmock.ExpectSetNX("settle:lock:order:O2", "req-2", 30*time.Second).SetVal(true)

	captureSvc := NewCaptureService(db, rdb, testConfig())
	req := foodCapture("O2", "req-1")
	_, err := captureSvc.HandleCapture(ctx, req)
	require.NoError(t, err)

	reversalSvc := NewReversalService(db, rdb, testConfig())
	_, err = reversalSvc.HandleRefund(ctx, &RefundRequest{RequestID: "req-2", OrderID: "O2"})
	require.NoError(t, err)

	svc := NewWalletService(db)
	before, err := svc.ListWallets(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, before)

	snapshot := make(map[string][2]int64, len(before))
	for _, w := range before {
		snapshot[w.AccountID] = [2]int64{w.Available, w.Pending}
	}

	// 全量重建必须收敛到与增量更新完全一致的余额
	require.NoError(t, svc.Rebuild(ctx))

	after, err := svc.ListWallets(ctx)
	require.NoError(t, err)
	require.Len(t, after, len(before))
	for _, w := range after {
		want, ok := snapshot[w.AccountID]
		require.True(t, ok, "重建后出现多余钱包: %s", w.AccountID)
		assert.Equal(t, want[0], w.Available, "available 不一致: %s", w.AccountID)
		assert.Equal(t, want[1], w.Pending, "pending 不一致: %s", w.AccountID)
	}
	assert.Zero(t, walletNet(t, db))
}

func TestWalletService_ApplyCreatesWallet(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	svc := NewWalletService(db)

	entries := []*model.LedgerEntry{
		{AccountID: model.StoreAccount("S9"), Amount: 500, Currency: "NGN", Kind: model.EntryKindPayout},
	}
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return svc.Apply(ctx, tx, entries)
	}))

	wallet, err := svc.GetWallet(ctx, model.StoreAccount("S9"))
	require.NoError(t, err)
	assert.Equal(t, int64(500), wallet.Available)
	assert.Zero(t, wallet.Pending)
}
