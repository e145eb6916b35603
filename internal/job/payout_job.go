package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"settlement/internal/commission"
	"settlement/internal/config"
	"settlement/internal/model"
	"settlement/internal/repository"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ============================================================================
// 结算任务
// ============================================================================
//
// 每个周期把 UNLOCKED（已确认妥投）的托管资金结算给卖家/骑手/平台。
//
// 并发模型：
//   - 周期级：payout_job_run 租约行保证同一 period_key 至多一个运行，
//     cron 重叠触发或多副本部署时，抢不到租约的触发静默退出
//   - 订单级：UNLOCKED -> CLAIMED 条件转移保证同一订单不会被并发结算
//
// 幂等性：结算批次的幂等键由订单ID确定性派生，崩溃后重试同一订单时
// 分类账追加是无操作重放，不会产生双重打款。
//
// 单笔失败互相隔离：某个订单结算失败只释放它自己的认领，
// 不影响同批其他订单，下个周期自动重试。
//
// ============================================================================

type PayoutJob struct {
	db         *gorm.DB
	cfg        *config.Config
	engine     *commission.Engine
	ledgerRepo *repository.LedgerRepository
	escrowRepo *repository.EscrowRepository
	runRepo    *repository.PayoutRunRepository
	walletRepo *repository.WalletRepository
	outboxRepo *repository.OutboxRepository
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
}

func NewPayoutJob(db *gorm.DB, cfg *config.Config) *PayoutJob {
	interval := time.Duration(cfg.Business.PayoutIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	batchSize := cfg.Business.PayoutBatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	return &PayoutJob{
		db:         db,
		cfg:        cfg,
		engine:     commission.NewEngine(cfg.Business.Commission),
		ledgerRepo: repository.NewLedgerRepository(db),
		escrowRepo: repository.NewEscrowRepository(db),
		runRepo:    repository.NewPayoutRunRepository(db),
		walletRepo: repository.NewWalletRepository(db),
		outboxRepo: repository.NewOutboxRepository(db),
		stopCh:     make(chan struct{}),
		interval:   interval,
		batchSize:  batchSize,
	}
}

// CurrentPeriodKey 默认按 UTC 自然日划分结算周期
func CurrentPeriodKey() string {
	return time.Now().UTC().Format("2006-01-02")
}

func (j *PayoutJob) Start(ctx context.Context) {
	log.Println("[PayoutJob] 结算任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[PayoutJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[PayoutJob] 任务停止")
			return
		case <-ticker.C:
			if _, err := j.RunOnce(ctx, CurrentPeriodKey()); err != nil {
				if errors.Is(err, repository.ErrLeaseConflict) {
					// 并发触发下的正常现象，低频日志即可
					log.Printf("[PayoutJob] 本周期已有运行，跳过")
					continue
				}
				log.Printf("[PayoutJob] 运行失败: %v", err)
			}
		}
	}
}

func (j *PayoutJob) Stop() {
	close(j.stopCh)
}

// RunOnce 执行一次结算运行（cron tick 或看板手动触发共用）
func (j *PayoutJob) RunOnce(ctx context.Context, periodKey string) (*model.PayoutJobRun, error) {
	leaseStale := time.Duration(j.cfg.Business.LeaseStaleSec) * time.Second
	claimStale := time.Duration(j.cfg.Business.ClaimStaleSec) * time.Second

	run, err := j.runRepo.Acquire(ctx, periodKey, uuid.NewString(), time.Now().Add(-leaseStale))
	if err != nil {
		return nil, err
	}

	// 回收死任务遗留的认领，让这些订单重新进入扫描
	if reset, err := j.escrowRepo.ResetStaleClaims(ctx, time.Now().Add(-claimStale)); err != nil {
		log.Printf("[PayoutJob] 回收过期认领失败: %v", err)
	} else if reset > 0 {
		log.Printf("[PayoutJob] 回收过期认领 %d 笔", reset)
	}

	locks, err := j.escrowRepo.ListEligible(ctx, j.batchSize)
	if err != nil {
		// 扫描本身失败，整个运行作废
		_ = j.runRepo.Complete(ctx, run.ID, model.PayoutRunStatusFailed, 0, 0, 0, err.Error())
		return nil, fmt.Errorf("扫描可结算订单失败: %w", err)
	}

	released, failed := 0, 0
	for _, escrow := range locks {
		// 认领失败说明订单已被冲正或被其他运行处理，跳过
		claimed, err := j.escrowRepo.Claim(ctx, escrow.OrderID)
		if err != nil {
			log.Printf("[PayoutJob] 认领失败: orderID=%s, err=%v", escrow.OrderID, err)
			failed++
			continue
		}
		if !claimed {
			continue
		}

		if err := j.settleOrder(ctx, escrow); err != nil {
			log.Printf("[PayoutJob] 结算失败: orderID=%s, err=%v", escrow.OrderID, err)
			// 释放认领，下个周期重试；失败订单不影响同批其他订单
			if relErr := j.escrowRepo.ReleaseClaim(ctx, escrow.OrderID); relErr != nil {
				log.Printf("[PayoutJob] 释放认领失败: orderID=%s, err=%v", escrow.OrderID, relErr)
			}
			failed++
			continue
		}
		released++
	}

	remark := ""
	if failed > 0 {
		remark = fmt.Sprintf("%d 笔结算失败，等待下个周期重试", failed)
	}
	if err := j.runRepo.Complete(ctx, run.ID, model.PayoutRunStatusSucceeded, len(locks), released, failed, remark); err != nil {
		log.Printf("[PayoutJob] 收尾失败: runID=%d, err=%v", run.ID, err)
	}

	if len(locks) > 0 {
		log.Printf("[PayoutJob] 运行完成: period=%s, scanned=%d, released=%d, failed=%d",
			periodKey, len(locks), released, failed)
	}

	run.Status = model.PayoutRunStatusSucceeded
	run.OrdersScanned = len(locks)
	run.OrdersReleased = released
	run.OrdersFailed = failed
	return run, nil
}

// settleOrder 单笔订单的分成与打款，整体在一个事务内完成
func (j *PayoutJob) settleOrder(ctx context.Context, escrow *model.EscrowLock) error {
	split, err := j.engine.ComputeSplit(escrow.OrderTotal, escrow.DeliveryFee, escrow.StoreType, j.engine.CurrentVersion())
	if err != nil {
		return fmt.Errorf("计算分成失败: %w", err)
	}

	total := escrow.OrderTotal + escrow.DeliveryFee
	escrowAccount := model.EscrowAccount(escrow.OrderID)
	storeAccount := model.StoreAccount(escrow.StoreID)

	// 结算批次：托管出账，平台佣金、卖家净得、骑手配送费入账，批次和为零
	entries := []*model.LedgerEntry{
		{
			AccountID:      escrowAccount,
			Amount:         -total,
			Currency:       escrow.Currency,
			Kind:           model.EntryKindPayout,
			RelatedOrderID: escrow.OrderID,
			IdempotencyKey: model.BatchIdempotencyKey("pay", escrow.OrderID, escrowAccount),
			ActorKind:      model.ActorPayoutJob,
			RateVersion:    split.Version,
			RateBps:        split.RateBps,
		},
		{
			AccountID:      model.AccountPlatform,
			Amount:         split.PlatformFee,
			Currency:       escrow.Currency,
			Kind:           model.EntryKindCommission,
			RelatedOrderID: escrow.OrderID,
			IdempotencyKey: model.BatchIdempotencyKey("pay", escrow.OrderID, model.AccountPlatform),
			ActorKind:      model.ActorPayoutJob,
			RateVersion:    split.Version,
			RateBps:        split.RateBps,
		},
		{
			AccountID:      storeAccount,
			Amount:         split.SellerNet,
			Currency:       escrow.Currency,
			Kind:           model.EntryKindPayout,
			RelatedOrderID: escrow.OrderID,
			IdempotencyKey: model.BatchIdempotencyKey("pay", escrow.OrderID, storeAccount),
			ActorKind:      model.ActorPayoutJob,
			RateVersion:    split.Version,
			RateBps:        split.RateBps,
		},
	}
	if split.RiderFee > 0 {
		riderAccount := model.RiderAccount(escrow.RiderID)
		entries = append(entries, &model.LedgerEntry{
			AccountID:      riderAccount,
			Amount:         split.RiderFee,
			Currency:       escrow.Currency,
			Kind:           model.EntryKindPayout,
			RelatedOrderID: escrow.OrderID,
			IdempotencyKey: model.BatchIdempotencyKey("pay", escrow.OrderID, riderAccount),
			ActorKind:      model.ActorPayoutJob,
			RateVersion:    split.Version,
			RateBps:        split.RateBps,
		})
	}

	return j.db.Transaction(func(tx *gorm.DB) error {
		applied, isNew, err := j.ledgerRepo.AppendBatch(ctx, tx, entries)
		if err != nil {
			return fmt.Errorf("追加结算条目失败: %w", err)
		}
		if isNew {
			// 投影与账本同事务推进
			for _, e := range applied {
				if err := j.walletRepo.EnsureExists(ctx, tx, e.AccountID, e.Currency); err != nil {
					return err
				}
				if err := j.walletRepo.AddToBucket(ctx, tx, e.AccountID, model.EntryBucket(e.Kind, e.Amount), e.Amount); err != nil {
					return err
				}
			}
		}

		if err := j.escrowRepo.TransitionState(ctx, tx, escrow.OrderID, model.EscrowStateClaimed, model.EscrowStateReleased, nil); err != nil {
			return fmt.Errorf("标记 RELEASED 失败: %w", err)
		}

		payload, _ := json.Marshal(map[string]interface{}{
			"order_id":     escrow.OrderID,
			"store_id":     escrow.StoreID,
			"rider_id":     escrow.RiderID,
			"platform_fee": split.PlatformFee,
			"seller_net":   split.SellerNet,
			"rider_fee":    split.RiderFee,
			"currency":     escrow.Currency,
		})
		return j.outboxRepo.Create(ctx, tx, &model.OutboxMessage{
			MessageKey: escrow.OrderID,
			Topic:      j.cfg.Kafka.Topic.PayoutEvent,
			EventType:  model.EventPayoutReleased,
			Payload:    string(payload),
			Status:     model.OutboxStatusPending,
		})
	})
}
