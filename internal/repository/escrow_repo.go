package repository

import (
	"context"
	"errors"
	"time"

	"settlement/internal/model"

	"gorm.io/gorm"
)

var (
	ErrEscrowNotFound     = errors.New("托管锁不存在")
	ErrEscrowStateInvalid = errors.New("托管锁状态不允许该操作")
)

type EscrowRepository struct {
	db *gorm.DB
}

func NewEscrowRepository(db *gorm.DB) *EscrowRepository {
	return &EscrowRepository{db: db}
}

func (r *EscrowRepository) Create(ctx context.Context, tx *gorm.DB, lock *model.EscrowLock) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(lock).Error
}

func (r *EscrowRepository) GetByOrderID(ctx context.Context, orderID string) (*model.EscrowLock, error) {
	var lock model.EscrowLock
	err := r.db.WithContext(ctx).Where("order_id = ?", orderID).First(&lock).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEscrowNotFound
		}
		return nil, err
	}
	return &lock, nil
}

// TransitionState 条件状态转移
// WHERE state = fromState 保证"检查+更新"原子执行：两个并发调用者
// 只有一个能改到行，另一个 RowsAffected = 0 返回状态错误
func (r *EscrowRepository) TransitionState(ctx context.Context, tx *gorm.DB, orderID, fromState, toState string, extra map[string]interface{}) error {
	if !model.CanEscrowTransition(fromState, toState) {
		return ErrEscrowStateInvalid
	}

	if tx == nil {
		tx = r.db
	}

	updates := map[string]interface{}{
		"state": toState,
	}

	now := time.Now()
	switch toState {
	case model.EscrowStateUnlocked:
		updates["unlocked_at"] = &now
	case model.EscrowStateClaimed:
		updates["claimed_at"] = &now
	case model.EscrowStateReleased:
		updates["released_at"] = &now
	case model.EscrowStateReversed:
		updates["reversed_at"] = &now
	}
	for k, v := range extra {
		updates[k] = v
	}

	result := tx.WithContext(ctx).
		Model(&model.EscrowLock{}).
		Where("order_id = ? AND state = ?", orderID, fromState).
		Updates(updates)

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrEscrowStateInvalid
	}
	return nil
}

// IncrementOtpAttempts 累加 OTP 失败次数，返回累加后的锁
// 只在 HELD 状态下计数，条件更新防止并发回调重复累加后丢失更新
func (r *EscrowRepository) IncrementOtpAttempts(ctx context.Context, orderID string) (*model.EscrowLock, error) {
	result := r.db.WithContext(ctx).
		Model(&model.EscrowLock{}).
		Where("order_id = ? AND state = ?", orderID, model.EscrowStateHeld).
		UpdateColumn("otp_attempts", gorm.Expr("otp_attempts + 1"))
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, ErrEscrowStateInvalid
	}
	return r.GetByOrderID(ctx, orderID)
}

// Claim 结算任务认领订单：UNLOCKED -> CLAIMED 的条件转移
// 认领成功才允许处理，保证同一订单不会被两个 worker 同时结算
func (r *EscrowRepository) Claim(ctx context.Context, orderID string) (bool, error) {
	now := time.Now()
	result := r.db.WithContext(ctx).
		Model(&model.EscrowLock{}).
		Where("order_id = ? AND state = ?", orderID, model.EscrowStateUnlocked).
		Updates(map[string]interface{}{
			"state":      model.EscrowStateClaimed,
			"claimed_at": &now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// ReleaseClaim 单笔结算失败时释放认领，订单回到 UNLOCKED 等待下个周期重试
func (r *EscrowRepository) ReleaseClaim(ctx context.Context, orderID string) error {
	result := r.db.WithContext(ctx).
		Model(&model.EscrowLock{}).
		Where("order_id = ? AND state = ?", orderID, model.EscrowStateClaimed).
		Updates(map[string]interface{}{
			"state":      model.EscrowStateUnlocked,
			"claimed_at": nil,
		})
	return result.Error
}

// ResetStaleClaims 回收死任务遗留的认领
// 运行中途崩溃的任务会留下 CLAIMED 记录，超过时限后整体回退 UNLOCKED，
// 保证没有订单被已死的运行永久占用
func (r *EscrowRepository) ResetStaleClaims(ctx context.Context, staleBefore time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&model.EscrowLock{}).
		Where("state = ? AND claimed_at < ?", model.EscrowStateClaimed, staleBefore).
		Updates(map[string]interface{}{
			"state":      model.EscrowStateUnlocked,
			"claimed_at": nil,
		})
	return result.RowsAffected, result.Error
}

// ListEligible 扫描可结算订单（UNLOCKED）
// LOCKED_FOR_REVIEW / HELD / 终态订单天然不在扫描范围内
func (r *EscrowRepository) ListEligible(ctx context.Context, limit int) ([]*model.EscrowLock, error) {
	var locks []*model.EscrowLock
	err := r.db.WithContext(ctx).
		Where("state = ?", model.EscrowStateUnlocked).
		Order("unlocked_at ASC").
		Limit(limit).
		Find(&locks).Error
	return locks, err
}
