package service

import (
	"context"
	"errors"
	"fmt"
	"log"

	"settlement/internal/model"
	"settlement/internal/repository"

	"gorm.io/gorm"
)

// WalletService 钱包投影维护
// 投影更新只依赖条目类型和金额（model.EntryBucket），不携带隐藏状态，
// 所以增量更新和全量重建必然收敛到相同余额
type WalletService struct {
	db         *gorm.DB
	walletRepo *repository.WalletRepository
	ledgerRepo *repository.LedgerRepository
}

func NewWalletService(db *gorm.DB) *WalletService {
	return &WalletService{
		db:         db,
		walletRepo: repository.NewWalletRepository(db),
		ledgerRepo: repository.NewLedgerRepository(db),
	}
}

// Apply 把一批已落库的分类账条目增量记入投影
// 必须与分类账追加同事务调用，保证投影不会领先或落后于账本半个批次
func (s *WalletService) Apply(ctx context.Context, tx *gorm.DB, entries []*model.LedgerEntry) error {
	for _, e := range entries {
		if err := s.walletRepo.EnsureExists(ctx, tx, e.AccountID, e.Currency); err != nil {
			return fmt.Errorf("创建钱包失败: %w", err)
		}
		bucket := model.EntryBucket(e.Kind, e.Amount)
		if err := s.walletRepo.AddToBucket(ctx, tx, e.AccountID, bucket, e.Amount); err != nil {
			return fmt.Errorf("更新钱包失败: %w", err)
		}
	}
	return nil
}

// GetWallet 查询账户钱包，无记录视为零余额
func (s *WalletService) GetWallet(ctx context.Context, accountID string) (*model.Wallet, error) {
	wallet, err := s.walletRepo.GetByAccountID(ctx, accountID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &model.Wallet{AccountID: accountID}, nil
		}
		return nil, err
	}
	return wallet, nil
}

// Rebuild 从全量分类账重建投影（审计对账 / 灾难恢复）
// 单事务内清零后按条目写入顺序重放，重建期间的读只会看到旧投影或新投影
func (s *WalletService) Rebuild(ctx context.Context) error {
	const pageSize = 500

	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.walletRepo.ResetAll(ctx, tx); err != nil {
			return fmt.Errorf("清零投影失败: %w", err)
		}

		var afterID int64
		for {
			entries, err := s.ledgerRepo.ListAllOrdered(ctx, tx, afterID, pageSize)
			if err != nil {
				return fmt.Errorf("遍历分类账失败: %w", err)
			}
			if len(entries) == 0 {
				break
			}
			if err := s.Apply(ctx, tx, entries); err != nil {
				return err
			}
			afterID = entries[len(entries)-1].ID
		}
		return nil
	})
	if err != nil {
		return err
	}

	log.Println("[WalletService] 投影重建完成")
	return nil
}

// ListWallets 全部钱包快照（对账看板）
func (s *WalletService) ListWallets(ctx context.Context) ([]*model.Wallet, error) {
	return s.walletRepo.ListAll(ctx)
}
