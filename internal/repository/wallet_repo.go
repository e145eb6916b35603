package repository

import (
	"context"
	"errors"

	"settlement/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type WalletRepository struct {
	db *gorm.DB
}

func NewWalletRepository(db *gorm.DB) *WalletRepository {
	return &WalletRepository{db: db}
}

func (r *WalletRepository) GetByAccountID(ctx context.Context, accountID string) (*model.Wallet, error) {
	var wallet model.Wallet
	err := r.db.WithContext(ctx).Where("account_id = ?", accountID).First(&wallet).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, gorm.ErrRecordNotFound
		}
		return nil, err
	}
	return &wallet, nil
}

// EnsureExists 不存在则创建零余额钱包行
func (r *WalletRepository) EnsureExists(ctx context.Context, tx *gorm.DB, accountID, currency string) error {
	if tx == nil {
		tx = r.db
	}
	wallet := &model.Wallet{
		AccountID: accountID,
		Currency:  currency,
	}
	return tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}},
			DoNothing: true,
		}).
		Create(wallet).Error
}

// AddToBucket 把金额增量记入指定桶
// gorm.Expr 原地加减，避免读-改-写丢失更新
func (r *WalletRepository) AddToBucket(ctx context.Context, tx *gorm.DB, accountID, bucket string, delta int64) error {
	if tx == nil {
		tx = r.db
	}

	column := "available"
	if bucket == model.BucketPending {
		column = "pending"
	}

	result := tx.WithContext(ctx).
		Model(&model.Wallet{}).
		Where("account_id = ?", accountID).
		UpdateColumn(column, gorm.Expr(column+" + ?", delta))
	return result.Error
}

// ResetAll 清空全部投影（重建前置步骤），只在重建事务内调用
func (r *WalletRepository) ResetAll(ctx context.Context, tx *gorm.DB) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).
		Model(&model.Wallet{}).
		Where("1 = 1").
		Updates(map[string]interface{}{
			"available": 0,
			"pending":   0,
		}).Error
}

// ListAll 全部钱包（对账校验用）
func (r *WalletRepository) ListAll(ctx context.Context) ([]*model.Wallet, error) {
	var wallets []*model.Wallet
	err := r.db.WithContext(ctx).Order("account_id ASC").Find(&wallets).Error
	return wallets, err
}
