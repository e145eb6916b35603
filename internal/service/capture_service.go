package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"settlement/internal/commission"
	"settlement/internal/config"
	"settlement/internal/infrastructure/lock"
	"settlement/internal/model"
	"settlement/internal/repository"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// CaptureService 支付捕获入账
// 支付渠道确认扣款成功后回调到这里：创建 CAPTURE 分类账批次
// （托管账户入账，平台清算账户出账）并建立 HELD 状态的托管锁
type CaptureService struct {
	db          *gorm.DB
	redisClient *redis.Client
	cfg         *config.Config
	ledgerRepo  *repository.LedgerRepository
	escrowRepo  *repository.EscrowRepository
	walletSvc   *WalletService
	outboxRepo  *repository.OutboxRepository
}

func NewCaptureService(db *gorm.DB, redisClient *redis.Client, cfg *config.Config) *CaptureService {
	return &CaptureService{
		db:          db,
		redisClient: redisClient,
		cfg:         cfg,
		ledgerRepo:  repository.NewLedgerRepository(db),
		escrowRepo:  repository.NewEscrowRepository(db),
		walletSvc:   NewWalletService(db),
		outboxRepo:  repository.NewOutboxRepository(db),
	}
}

type CaptureRequest struct {
	RequestID   string `json:"request_id" binding:"required"`
	OrderID     string `json:"order_id" binding:"required"`
	StoreID     string `json:"store_id" binding:"required"`
	RiderID     string `json:"rider_id"`
	StoreType   string `json:"store_type" binding:"required"`
	OrderTotal  int64  `json:"order_total" binding:"gte=0"` // 全额优惠券订单允许为零
	DeliveryFee int64  `json:"delivery_fee" binding:"gte=0"`
	Currency    string `json:"currency" binding:"required"`
}

type CaptureResult struct {
	OrderID string `json:"order_id"`
	State   string `json:"state"`
	Held    int64  `json:"held"` // 托管总额 = 商品金额 + 配送费
	Message string `json:"message,omitempty"`
}

// HandleCapture 处理支付捕获回调
// 同一订单的重复回调返回首次结果，不产生新条目
func (s *CaptureService) HandleCapture(ctx context.Context, req *CaptureRequest) (*CaptureResult, error) {
	if req.OrderTotal < 0 || req.DeliveryFee < 0 {
		return nil, commission.ErrInvalidAmount
	}
	if req.DeliveryFee > 0 && req.RiderID == "" {
		return nil, errors.New("有配送费的订单必须指定骑手")
	}

	// 幂等校验
	existing, err := s.escrowRepo.GetByOrderID(ctx, req.OrderID)
	if err != nil && !errors.Is(err, repository.ErrEscrowNotFound) {
		return nil, fmt.Errorf("查询托管锁失败: %w", err)
	}
	if existing != nil {
		return s.priorResult(existing), nil
	}

	// 订单锁串行化回调重放
	orderLock := lock.NewOrderLock(s.redisClient, req.OrderID, req.RequestID)
	if err := orderLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer orderLock.Unlock(ctx)

	// 获取锁后再次检查幂等
	existing, err = s.escrowRepo.GetByOrderID(ctx, req.OrderID)
	if err != nil && !errors.Is(err, repository.ErrEscrowNotFound) {
		return nil, fmt.Errorf("查询托管锁失败: %w", err)
	}
	if existing != nil {
		return s.priorResult(existing), nil
	}

	total := req.OrderTotal + req.DeliveryFee
	now := time.Now()

	// 捕获批次：托管账户入账，平台清算账户记对应出账，批次和为零
	entries := []*model.LedgerEntry{
		{
			AccountID:      model.EscrowAccount(req.OrderID),
			Amount:         total,
			Currency:       req.Currency,
			Kind:           model.EntryKindCapture,
			RelatedOrderID: req.OrderID,
			IdempotencyKey: model.BatchIdempotencyKey("cap", req.OrderID, model.EscrowAccount(req.OrderID)),
			ActorKind:      model.ActorCaptureWebhook,
		},
		{
			AccountID:      model.AccountPlatform,
			Amount:         -total,
			Currency:       req.Currency,
			Kind:           model.EntryKindCapture,
			RelatedOrderID: req.OrderID,
			IdempotencyKey: model.BatchIdempotencyKey("cap", req.OrderID, model.AccountPlatform),
			ActorKind:      model.ActorCaptureWebhook,
		},
	}

	escrowLock := &model.EscrowLock{
		OrderID:     req.OrderID,
		State:       model.EscrowStateHeld,
		StoreID:     req.StoreID,
		RiderID:     req.RiderID,
		StoreType:   req.StoreType,
		OrderTotal:  req.OrderTotal,
		DeliveryFee: req.DeliveryFee,
		Currency:    req.Currency,
		LockedAt:    now,
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		applied, isNew, err := s.ledgerRepo.AppendBatch(ctx, tx, entries)
		if err != nil {
			return fmt.Errorf("追加捕获条目失败: %w", err)
		}
		if isNew {
			if err := s.walletSvc.Apply(ctx, tx, applied); err != nil {
				return err
			}
		}

		if err := s.escrowRepo.Create(ctx, tx, escrowLock); err != nil {
			return fmt.Errorf("创建托管锁失败: %w", err)
		}

		payload, _ := json.Marshal(map[string]interface{}{
			"order_id": req.OrderID,
			"store_id": req.StoreID,
			"held":     total,
			"currency": req.Currency,
			"held_at":  now.Format(time.RFC3339),
		})
		outboxMsg := &model.OutboxMessage{
			MessageKey: req.OrderID,
			Topic:      s.cfg.Kafka.Topic.EscrowEvent,
			EventType:  model.EventEscrowHeld,
			Payload:    string(payload),
			Status:     model.OutboxStatusPending,
		}
		return s.outboxRepo.Create(ctx, tx, outboxMsg)
	})
	if err != nil {
		return nil, err
	}

	log.Printf("[CaptureService] 捕获入托管: orderID=%s, held=%d %s", req.OrderID, total, req.Currency)

	return &CaptureResult{
		OrderID: req.OrderID,
		State:   model.EscrowStateHeld,
		Held:    total,
	}, nil
}

func (s *CaptureService) priorResult(lock *model.EscrowLock) *CaptureResult {
	return &CaptureResult{
		OrderID: lock.OrderID,
		State:   lock.State,
		Held:    lock.OrderTotal + lock.DeliveryFee,
		Message: "订单已入账",
	}
}
