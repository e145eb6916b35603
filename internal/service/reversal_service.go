package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"settlement/internal/config"
	"settlement/internal/infrastructure/lock"
	"settlement/internal/model"
	"settlement/internal/repository"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// 冲正方式
const (
	ReversalModeReversal = "REVERSAL" // 结算前：冲正托管，锁转 REVERSED
	ReversalModeClawback = "CLAWBACK" // 结算后：追回已打款资金，锁状态不变
)

// ReversalService 退款 / 拒付处理
//
// 【关键点】冲正永远不改写历史条目，只追加新条目：
//   - 结算前：REVERSAL 批次把托管资金退回清算账户，锁转 REVERSED，
//     该订单从此不可能再被结算
//   - 结算后：REFUND 批次从平台/卖家/骑手账户追回各自分成，
//     托管锁保持 RELEASED，追回事实完整留在账上
type ReversalService struct {
	db          *gorm.DB
	redisClient *redis.Client
	cfg         *config.Config
	ledgerRepo  *repository.LedgerRepository
	escrowRepo  *repository.EscrowRepository
	walletSvc   *WalletService
	outboxRepo  *repository.OutboxRepository
}

func NewReversalService(db *gorm.DB, redisClient *redis.Client, cfg *config.Config) *ReversalService {
	return &ReversalService{
		db:          db,
		redisClient: redisClient,
		cfg:         cfg,
		ledgerRepo:  repository.NewLedgerRepository(db),
		escrowRepo:  repository.NewEscrowRepository(db),
		walletSvc:   NewWalletService(db),
		outboxRepo:  repository.NewOutboxRepository(db),
	}
}

type RefundRequest struct {
	RequestID string `json:"request_id" binding:"required"`
	OrderID   string `json:"order_id" binding:"required"`
	Reason    string `json:"reason"`
}

type RefundResult struct {
	OrderID string `json:"order_id"`
	Mode    string `json:"mode"`
	Amount  int64  `json:"amount"`
	Message string `json:"message,omitempty"`
}

// HandleRefund 处理退款/拒付回调
func (s *ReversalService) HandleRefund(ctx context.Context, req *RefundRequest) (*RefundResult, error) {
	escrow, err := s.escrowRepo.GetByOrderID(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}

	if escrow.State == model.EscrowStateReversed {
		return &RefundResult{
			OrderID: req.OrderID,
			Mode:    ReversalModeReversal,
			Amount:  escrow.OrderTotal + escrow.DeliveryFee,
			Message: "已冲正，请勿重复操作",
		}, nil
	}

	orderLock := lock.NewOrderLock(s.redisClient, req.OrderID, req.RequestID)
	if err := orderLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer orderLock.Unlock(ctx)

	// 获取锁后重读状态
	escrow, err = s.escrowRepo.GetByOrderID(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}

	switch escrow.State {
	case model.EscrowStateHeld, model.EscrowStateLockedForReview, model.EscrowStateUnlocked:
		return s.reverseBeforeRelease(ctx, escrow)
	case model.EscrowStateReversed:
		return &RefundResult{
			OrderID: req.OrderID,
			Mode:    ReversalModeReversal,
			Amount:  escrow.OrderTotal + escrow.DeliveryFee,
			Message: "已冲正，请勿重复操作",
		}, nil
	case model.EscrowStateClaimed:
		// 结算任务正在处理该订单，让回调方稍后重试，
		// 结算完成后会走追回路径
		return nil, fmt.Errorf("%w: 订单结算处理中", repository.ErrEscrowStateInvalid)
	case model.EscrowStateReleased:
		return s.clawbackAfterRelease(ctx, escrow)
	default:
		return nil, fmt.Errorf("%w: 当前状态 %s", repository.ErrEscrowStateInvalid, escrow.State)
	}
}

// reverseBeforeRelease 结算前冲正
func (s *ReversalService) reverseBeforeRelease(ctx context.Context, escrow *model.EscrowLock) (*RefundResult, error) {
	total := escrow.OrderTotal + escrow.DeliveryFee
	escrowAccount := model.EscrowAccount(escrow.OrderID)

	entries := []*model.LedgerEntry{
		{
			AccountID:      escrowAccount,
			Amount:         -total,
			Currency:       escrow.Currency,
			Kind:           model.EntryKindReversal,
			RelatedOrderID: escrow.OrderID,
			IdempotencyKey: model.BatchIdempotencyKey("rev", escrow.OrderID, escrowAccount),
			ActorKind:      model.ActorRefundWebhook,
		},
		{
			AccountID:      model.AccountPlatform,
			Amount:         total,
			Currency:       escrow.Currency,
			Kind:           model.EntryKindReversal,
			RelatedOrderID: escrow.OrderID,
			IdempotencyKey: model.BatchIdempotencyKey("rev", escrow.OrderID, model.AccountPlatform),
			ActorKind:      model.ActorRefundWebhook,
		},
	}

	fromState := escrow.State
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.escrowRepo.TransitionState(ctx, tx, escrow.OrderID, fromState, model.EscrowStateReversed, nil); err != nil {
			return err
		}

		applied, isNew, err := s.ledgerRepo.AppendBatch(ctx, tx, entries)
		if err != nil {
			return fmt.Errorf("追加冲正条目失败: %w", err)
		}
		if isNew {
			if err := s.walletSvc.Apply(ctx, tx, applied); err != nil {
				return err
			}
		}

		return s.emitEvent(ctx, tx, escrow.OrderID, model.EventEscrowReversed, map[string]interface{}{
			"order_id": escrow.OrderID,
			"amount":   total,
		})
	})
	if err != nil {
		return nil, err
	}

	log.Printf("[ReversalService] 结算前冲正: orderID=%s, amount=%d", escrow.OrderID, total)
	return &RefundResult{OrderID: escrow.OrderID, Mode: ReversalModeReversal, Amount: total}, nil
}

// clawbackAfterRelease 结算后追回
// 追回金额以订单结算时快照在分类账上的佣金条目为准，
// 不重新计算分成，避免费率调整后追回金额与打款金额不一致
func (s *ReversalService) clawbackAfterRelease(ctx context.Context, escrow *model.EscrowLock) (*RefundResult, error) {
	orderEntries, err := s.ledgerRepo.ListByOrder(ctx, escrow.OrderID)
	if err != nil {
		return nil, fmt.Errorf("查询订单条目失败: %w", err)
	}

	var platformFee int64
	for _, e := range orderEntries {
		if e.Kind == model.EntryKindCommission {
			platformFee += e.Amount
		}
	}

	total := escrow.OrderTotal + escrow.DeliveryFee
	sellerNet := escrow.OrderTotal - platformFee

	entries := []*model.LedgerEntry{
		{
			AccountID:      model.AccountPlatform,
			Amount:         total,
			Currency:       escrow.Currency,
			Kind:           model.EntryKindRefund,
			RelatedOrderID: escrow.OrderID,
			IdempotencyKey: model.BatchIdempotencyKey("cb-clr", escrow.OrderID, model.AccountPlatform),
			ActorKind:      model.ActorRefundWebhook,
		},
		{
			AccountID:      model.AccountPlatform,
			Amount:         -platformFee,
			Currency:       escrow.Currency,
			Kind:           model.EntryKindRefund,
			RelatedOrderID: escrow.OrderID,
			IdempotencyKey: model.BatchIdempotencyKey("cb-fee", escrow.OrderID, model.AccountPlatform),
			ActorKind:      model.ActorRefundWebhook,
		},
		{
			AccountID:      model.StoreAccount(escrow.StoreID),
			Amount:         -sellerNet,
			Currency:       escrow.Currency,
			Kind:           model.EntryKindRefund,
			RelatedOrderID: escrow.OrderID,
			IdempotencyKey: model.BatchIdempotencyKey("cb", escrow.OrderID, model.StoreAccount(escrow.StoreID)),
			ActorKind:      model.ActorRefundWebhook,
		},
	}
	if escrow.DeliveryFee > 0 {
		entries = append(entries, &model.LedgerEntry{
			AccountID:      model.RiderAccount(escrow.RiderID),
			Amount:         -escrow.DeliveryFee,
			Currency:       escrow.Currency,
			Kind:           model.EntryKindRefund,
			RelatedOrderID: escrow.OrderID,
			IdempotencyKey: model.BatchIdempotencyKey("cb", escrow.OrderID, model.RiderAccount(escrow.RiderID)),
			ActorKind:      model.ActorRefundWebhook,
		})
	}

	var alreadyDone bool
	err = s.db.Transaction(func(tx *gorm.DB) error {
		_, isNew, err := s.ledgerRepo.AppendBatch(ctx, tx, entries)
		if err != nil {
			return fmt.Errorf("追加追回条目失败: %w", err)
		}
		if !isNew {
			alreadyDone = true
			return nil
		}
		if err := s.walletSvc.Apply(ctx, tx, entries); err != nil {
			return err
		}

		return s.emitEvent(ctx, tx, escrow.OrderID, model.EventPayoutClawback, map[string]interface{}{
			"order_id": escrow.OrderID,
			"amount":   total,
		})
	})
	if err != nil {
		return nil, err
	}

	if alreadyDone {
		return &RefundResult{OrderID: escrow.OrderID, Mode: ReversalModeClawback, Amount: total, Message: "已追回，请勿重复操作"}, nil
	}

	log.Printf("[ReversalService] 结算后追回: orderID=%s, amount=%d", escrow.OrderID, total)
	return &RefundResult{OrderID: escrow.OrderID, Mode: ReversalModeClawback, Amount: total}, nil
}

func (s *ReversalService) emitEvent(ctx context.Context, tx *gorm.DB, orderID, eventType string, body map[string]interface{}) error {
	payload, _ := json.Marshal(body)
	topic := s.cfg.Kafka.Topic.EscrowEvent
	if eventType == model.EventPayoutClawback {
		topic = s.cfg.Kafka.Topic.PayoutEvent
	}
	return s.outboxRepo.Create(ctx, tx, &model.OutboxMessage{
		MessageKey: orderID,
		Topic:      topic,
		EventType:  eventType,
		Payload:    string(payload),
		Status:     model.OutboxStatusPending,
	})
}
