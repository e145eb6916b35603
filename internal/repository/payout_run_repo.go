package repository

import (
	"context"
	"errors"
	"log"
	"time"

	"settlement/internal/model"
	"settlement/pkg/idgen"

	"gorm.io/gorm"
)

var (
	// ErrLeaseConflict 该周期已有运行中的任务 —— 并发触发的正常现象，
	// 调用方静默退出即可
	ErrLeaseConflict = errors.New("该结算周期已有运行中的任务")
	ErrRunNotFound   = errors.New("结算运行记录不存在")
)

type PayoutRunRepository struct {
	db *gorm.DB
}

func NewPayoutRunRepository(db *gorm.DB) *PayoutRunRepository {
	return &PayoutRunRepository{db: db}
}

// Acquire 获取指定周期的运行租约
//
// 两步走：
//  1. 回收过期租约：started_at 早于 staleBefore 的 RUNNING 记录视为
//     持有者已崩溃，标记 FAILED 并清空 active_period（接管路径）
//  2. 插入新的 RUNNING 记录。active_period 上的唯一索引保证同一周期
//     并发插入只有一个成功，撞键的一方收到 ErrLeaseConflict
//
// 这里不需要额外的进程内互斥或 Redis 锁：唯一索引就是仲裁者，
// 多实例部署下同样成立。
func (r *PayoutRunRepository) Acquire(ctx context.Context, periodKey, lockToken string, staleBefore time.Time) (*model.PayoutJobRun, error) {
	// 过期租约接管
	reclaimed := r.db.WithContext(ctx).
		Model(&model.PayoutJobRun{}).
		Where("active_period = ? AND status = ? AND started_at < ?",
			periodKey, model.PayoutRunStatusRunning, staleBefore).
		Updates(map[string]interface{}{
			"status":        model.PayoutRunStatusFailed,
			"active_period": nil,
			"completed_at":  time.Now(),
			"remark":        "租约过期，被新运行接管",
		})
	if reclaimed.Error != nil {
		return nil, reclaimed.Error
	}
	if reclaimed.RowsAffected > 0 {
		log.Printf("[PayoutRunRepository] 接管过期租约: periodKey=%s", periodKey)
	}

	activePeriod := periodKey
	run := &model.PayoutJobRun{
		RunNo:        idgen.GenerateRunNo(),
		PeriodKey:    periodKey,
		ActivePeriod: &activePeriod,
		Status:       model.PayoutRunStatusRunning,
		LockToken:    lockToken,
		StartedAt:    time.Now(),
	}

	if err := r.db.WithContext(ctx).Create(run).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrLeaseConflict
		}
		return nil, err
	}

	return run, nil
}

// Complete 结束一次运行，释放租约（active_period 置空）并写入统计
func (r *PayoutRunRepository) Complete(ctx context.Context, runID int64, status string, scanned, released, failed int, remark string) error {
	now := time.Now()
	result := r.db.WithContext(ctx).
		Model(&model.PayoutJobRun{}).
		Where("id = ? AND status = ?", runID, model.PayoutRunStatusRunning).
		Updates(map[string]interface{}{
			"status":          status,
			"active_period":   nil,
			"completed_at":    &now,
			"orders_scanned":  scanned,
			"orders_released": released,
			"orders_failed":   failed,
			"remark":          remark,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		// 租约已被接管（本运行被判定为过期），结果不再可信，只记录不覆盖
		return ErrRunNotFound
	}
	return nil
}

// GetRunning 查询某周期当前持有租约的运行（看板展示）
func (r *PayoutRunRepository) GetRunning(ctx context.Context, periodKey string) (*model.PayoutJobRun, error) {
	var run model.PayoutJobRun
	err := r.db.WithContext(ctx).
		Where("active_period = ? AND status = ?", periodKey, model.PayoutRunStatusRunning).
		First(&run).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return &run, nil
}

// ListHistory 运行历史，按开始时间倒序
func (r *PayoutRunRepository) ListHistory(ctx context.Context, page, pageSize int) ([]*model.PayoutJobRun, int64, error) {
	var runs []*model.PayoutJobRun
	var total int64

	query := r.db.WithContext(ctx).Model(&model.PayoutJobRun{})

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Order("started_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&runs).Error

	return runs, total, err
}
