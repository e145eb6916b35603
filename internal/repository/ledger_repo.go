package repository

import (
	"context"
	"errors"
	"time"

	"settlement/internal/model"
	"settlement/pkg/idgen"

	"gorm.io/gorm"
)

var (
	// ErrImbalancedBatch 批次借贷不平 —— 程序缺陷，必须整批拒绝，绝不允许部分落库
	ErrImbalancedBatch = errors.New("分类账批次按币种求和不为零")
	// ErrDuplicateIdempotencyKey 批次幂等键部分撞库 —— 正常重试场景下整批的键
	// 要么全部存在要么全部不存在，出现部分存在说明键派生逻辑有问题
	ErrDuplicateIdempotencyKey = errors.New("幂等键部分重复")
	ErrEmptyBatch              = errors.New("分类账批次为空")
)

// LedgerRepository 分类账仓储
// 【重要】对外只有追加和查询，没有任何 update/delete 接口，
// 条目不可变性在仓储层强制保证
type LedgerRepository struct {
	db *gorm.DB
}

func NewLedgerRepository(db *gorm.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// AppendBatch 原子追加一批条目：要么全部落库，要么一条不写
//
// 返回值 applied = false 表示这批条目之前已经写入过（幂等重放），
// 此时返回库中已有的条目，调用方把它当作成功处理即可，不要重复
// 执行后续副作用。
func (r *LedgerRepository) AppendBatch(ctx context.Context, tx *gorm.DB, entries []*model.LedgerEntry) ([]*model.LedgerEntry, bool, error) {
	if len(entries) == 0 {
		return nil, false, ErrEmptyBatch
	}
	if tx == nil {
		tx = r.db
	}

	// 复式记账校验：按币种求和必须为零
	sums := make(map[string]int64)
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		sums[e.Currency] += e.Amount
		keys = append(keys, e.IdempotencyKey)
	}
	for _, sum := range sums {
		if sum != 0 {
			return nil, false, ErrImbalancedBatch
		}
	}

	// 幂等重放检测
	var existing []*model.LedgerEntry
	err := tx.WithContext(ctx).
		Where("idempotency_key IN ?", keys).
		Order("id ASC").
		Find(&existing).Error
	if err != nil {
		return nil, false, err
	}
	if len(existing) == len(entries) {
		// 整批已写入过，无操作返回先前结果
		return existing, false, nil
	}
	if len(existing) > 0 {
		return nil, false, ErrDuplicateIdempotencyKey
	}

	for _, e := range entries {
		if e.EntryNo == "" {
			e.EntryNo = idgen.GenerateEntryNo()
		}
	}

	if err := tx.WithContext(ctx).Create(&entries).Error; err != nil {
		// 并发重放时可能绕过上面的检测直接撞唯一索引，同样按重放处理
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			var prior []*model.LedgerEntry
			qerr := tx.WithContext(ctx).
				Where("idempotency_key IN ?", keys).
				Order("id ASC").
				Find(&prior).Error
			if qerr == nil && len(prior) == len(entries) {
				return prior, false, nil
			}
			return nil, false, ErrDuplicateIdempotencyKey
		}
		return nil, false, err
	}

	return entries, true, nil
}

// BalanceOf 账户截至某时刻的净额
// 用于审计与对账，热路径的余额读取走钱包投影
func (r *LedgerRepository) BalanceOf(ctx context.Context, accountID string, asOf *time.Time) (int64, error) {
	var balance int64
	query := r.db.WithContext(ctx).
		Model(&model.LedgerEntry{}).
		Where("account_id = ?", accountID)
	if asOf != nil {
		query = query.Where("created_at <= ?", *asOf)
	}
	err := query.Select("COALESCE(SUM(amount), 0)").Scan(&balance).Error
	return balance, err
}

// ListByAccount 按账户和时间范围查询条目（审计看板）
func (r *LedgerRepository) ListByAccount(ctx context.Context, accountID string, from, to *time.Time, page, pageSize int) ([]*model.LedgerEntry, int64, error) {
	var entries []*model.LedgerEntry
	var total int64

	query := r.db.WithContext(ctx).Model(&model.LedgerEntry{}).Where("account_id = ?", accountID)
	if from != nil {
		query = query.Where("created_at >= ?", *from)
	}
	if to != nil {
		query = query.Where("created_at <= ?", *to)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Order("id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&entries).Error

	return entries, total, err
}

// ListByOrder 查询某订单关联的全部条目
func (r *LedgerRepository) ListByOrder(ctx context.Context, orderID string) ([]*model.LedgerEntry, error) {
	var entries []*model.LedgerEntry
	err := r.db.WithContext(ctx).
		Where("related_order_id = ?", orderID).
		Order("id ASC").
		Find(&entries).Error
	return entries, err
}

// ListAllOrdered 按写入顺序遍历全量分类账（投影重建）
// 重建在单事务内清零后重放，扫描必须走同一个事务：
// 否则重建期间并发落库的条目会在增量更新之外再被重放一次
func (r *LedgerRepository) ListAllOrdered(ctx context.Context, tx *gorm.DB, afterID int64, limit int) ([]*model.LedgerEntry, error) {
	if tx == nil {
		tx = r.db
	}
	var entries []*model.LedgerEntry
	err := tx.WithContext(ctx).
		Where("id > ?", afterID).
		Order("id ASC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}
