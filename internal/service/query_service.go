package service

import (
	"context"
	"errors"
	"time"

	"settlement/internal/model"
	"settlement/internal/repository"

	"gorm.io/gorm"
)

// QueryService 看板只读查询
// 审计 / 佣金 / 钱包 / 结算任务各页面的数据源，纯读不引入新不变量
type QueryService struct {
	ledgerRepo *repository.LedgerRepository
	escrowRepo *repository.EscrowRepository
	runRepo    *repository.PayoutRunRepository
	walletSvc  *WalletService
}

func NewQueryService(db *gorm.DB) *QueryService {
	return &QueryService{
		ledgerRepo: repository.NewLedgerRepository(db),
		escrowRepo: repository.NewEscrowRepository(db),
		runRepo:    repository.NewPayoutRunRepository(db),
		walletSvc:  NewWalletService(db),
	}
}

// LedgerEntries 按账户和时间范围查询分类账
func (s *QueryService) LedgerEntries(ctx context.Context, accountID string, from, to *time.Time, page, pageSize int) ([]*model.LedgerEntry, int64, error) {
	return s.ledgerRepo.ListByAccount(ctx, accountID, from, to, page, pageSize)
}

// Balance 账户截至某时刻的分类账净额（对账用）
func (s *QueryService) Balance(ctx context.Context, accountID string, asOf *time.Time) (int64, error) {
	return s.ledgerRepo.BalanceOf(ctx, accountID, asOf)
}

// WalletOf 钱包余额快照
func (s *QueryService) WalletOf(ctx context.Context, accountID string) (*model.Wallet, error) {
	return s.walletSvc.GetWallet(ctx, accountID)
}

// EscrowState 订单托管锁状态
func (s *QueryService) EscrowState(ctx context.Context, orderID string) (*model.EscrowLock, error) {
	return s.escrowRepo.GetByOrderID(ctx, orderID)
}

// PayoutRunStatus 运行历史 + 当前周期租约状态
type PayoutRunStatus struct {
	CurrentPeriod string                `json:"current_period"`
	CurrentLease  *model.PayoutJobRun   `json:"current_lease,omitempty"`
	Runs          []*model.PayoutJobRun `json:"runs"`
	Total         int64                 `json:"total"`
}

// PayoutRuns 结算任务看板数据
func (s *QueryService) PayoutRuns(ctx context.Context, currentPeriod string, page, pageSize int) (*PayoutRunStatus, error) {
	runs, total, err := s.runRepo.ListHistory(ctx, page, pageSize)
	if err != nil {
		return nil, err
	}

	current, err := s.runRepo.GetRunning(ctx, currentPeriod)
	if err != nil && !errors.Is(err, repository.ErrRunNotFound) {
		return nil, err
	}

	return &PayoutRunStatus{
		CurrentPeriod: currentPeriod,
		CurrentLease:  current,
		Runs:          runs,
		Total:         total,
	}, nil
}
