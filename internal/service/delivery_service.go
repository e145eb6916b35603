package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"settlement/internal/config"
	"settlement/internal/model"
	"settlement/internal/repository"

	"gorm.io/gorm"
)

// ErrForbidden 非授权操作者尝试执行管理动作
// 返回前不允许产生任何状态变化或分类账写入
var ErrForbidden = errors.New("无权执行该操作")

// DeliveryService 妥投确认流程
// OTP 校验服务逐次上报校验结果，这里负责托管锁的解锁与失败计数。
// 失败次数超限的订单进入 LOCKED_FOR_REVIEW，从结算扫描中剔除，
// 只能由管理角色人工解锁重新武装校验
type DeliveryService struct {
	db         *gorm.DB
	cfg        *config.Config
	escrowRepo *repository.EscrowRepository
	outboxRepo *repository.OutboxRepository
}

func NewDeliveryService(db *gorm.DB, cfg *config.Config) *DeliveryService {
	return &DeliveryService{
		db:         db,
		cfg:        cfg,
		escrowRepo: repository.NewEscrowRepository(db),
		outboxRepo: repository.NewOutboxRepository(db),
	}
}

type OtpResult struct {
	OrderID  string `json:"order_id"`
	State    string `json:"state"`
	Attempts int    `json:"otp_attempts"`
	Message  string `json:"message,omitempty"`
}

// RecordOtpResult 记录一次 OTP 校验结果
func (s *DeliveryService) RecordOtpResult(ctx context.Context, orderID string, success bool) (*OtpResult, error) {
	escrow, err := s.escrowRepo.GetByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	// 已解锁订单的重复成功上报按幂等处理
	if success && escrow.State == model.EscrowStateUnlocked {
		return &OtpResult{OrderID: orderID, State: escrow.State, Attempts: escrow.OtpAttempts, Message: "已确认妥投"}, nil
	}
	if escrow.State != model.EscrowStateHeld {
		return nil, fmt.Errorf("%w: 当前状态 %s", repository.ErrEscrowStateInvalid, escrow.State)
	}

	if success {
		err = s.db.Transaction(func(tx *gorm.DB) error {
			if err := s.escrowRepo.TransitionState(ctx, tx, orderID, model.EscrowStateHeld, model.EscrowStateUnlocked, nil); err != nil {
				return err
			}
			return s.emitEvent(ctx, tx, orderID, model.EventEscrowUnlocked, map[string]interface{}{
				"order_id": orderID,
			})
		})
		if err != nil {
			return nil, err
		}
		log.Printf("[DeliveryService] 妥投确认，托管解锁: orderID=%s", orderID)
		return &OtpResult{OrderID: orderID, State: model.EscrowStateUnlocked, Attempts: escrow.OtpAttempts}, nil
	}

	// 失败计数
	escrow, err = s.escrowRepo.IncrementOtpAttempts(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if escrow.OtpAttempts < s.cfg.Business.OtpMaxAttempts {
		return &OtpResult{OrderID: orderID, State: escrow.State, Attempts: escrow.OtpAttempts, Message: "校验失败"}, nil
	}

	// 超限，转人工处理
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.escrowRepo.TransitionState(ctx, tx, orderID, model.EscrowStateHeld, model.EscrowStateLockedForReview, nil); err != nil {
			// 并发回调可能已经转过去了，按幂等处理
			if errors.Is(err, repository.ErrEscrowStateInvalid) {
				return nil
			}
			return err
		}
		return s.emitEvent(ctx, tx, orderID, model.EventEscrowLockedForReview, map[string]interface{}{
			"order_id": orderID,
			"attempts": escrow.OtpAttempts,
		})
	})
	if err != nil {
		return nil, err
	}

	log.Printf("[DeliveryService] OTP 失败超限，转人工处理: orderID=%s, attempts=%d", orderID, escrow.OtpAttempts)
	return &OtpResult{OrderID: orderID, State: model.EscrowStateLockedForReview, Attempts: escrow.OtpAttempts, Message: "失败次数超限，等待人工处理"}, nil
}

// AdminUnlock 人工解锁：LOCKED_FOR_REVIEW -> HELD，重置失败计数
// 只有管理角色可以执行；非授权调用不产生任何副作用
func (s *DeliveryService) AdminUnlock(ctx context.Context, orderID, actorKind string) (*OtpResult, error) {
	if !model.IsPrivilegedActor(actorKind) {
		return nil, ErrForbidden
	}

	err := s.escrowRepo.TransitionState(ctx, nil, orderID, model.EscrowStateLockedForReview, model.EscrowStateHeld, map[string]interface{}{
		"otp_attempts": 0,
	})
	if err != nil {
		return nil, err
	}

	log.Printf("[DeliveryService] 人工解锁: orderID=%s, actor=%s", orderID, actorKind)
	return &OtpResult{OrderID: orderID, State: model.EscrowStateHeld, Attempts: 0, Message: "已重新武装校验"}, nil
}

func (s *DeliveryService) emitEvent(ctx context.Context, tx *gorm.DB, orderID, eventType string, body map[string]interface{}) error {
	payload, _ := json.Marshal(body)
	return s.outboxRepo.Create(ctx, tx, &model.OutboxMessage{
		MessageKey: orderID,
		Topic:      s.cfg.Kafka.Topic.EscrowEvent,
		EventType:  eventType,
		Payload:    string(payload),
		Status:     model.OutboxStatusPending,
	})
}
