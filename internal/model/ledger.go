package model

import (
	"fmt"
	"time"
)

// ============================================================================
// 分类账条目
// ============================================================================

// 条目类型常量
const (
	EntryKindCapture    = "CAPTURE"    // 支付捕获，资金入托管
	EntryKindCommission = "COMMISSION" // 平台佣金
	EntryKindPayout     = "PAYOUT"     // 结算打款
	EntryKindRefund     = "REFUND"     // 退款 / 已结算后的追回
	EntryKindReversal   = "REVERSAL"   // 结算前冲正
)

// 操作者类型常量（封闭集合）
// 每一笔影响分类账的操作都必须标记是谁做的，便于审计追溯
const (
	ActorCaptureWebhook = "CAPTURE_WEBHOOK" // 支付捕获回调
	ActorRefundWebhook  = "REFUND_WEBHOOK"  // 退款/拒付回调
	ActorPayoutJob      = "PAYOUT_JOB"      // 结算定时任务
	ActorAdmin          = "ADMIN"           // 管理员操作
	ActorOps            = "OPS"             // 运维操作
)

// IsPrivilegedActor 判断操作者是否具备管理权限
// 只有管理权限才能对 LOCKED_FOR_REVIEW 的订单执行人工解锁
func IsPrivilegedActor(actor string) bool {
	return actor == ActorAdmin || actor == ActorOps
}

// 账户ID的构造函数
// 账户空间：platform | store:<storeId> | rider:<riderId> | escrow:<orderId>
const AccountPlatform = "platform"

func StoreAccount(storeID string) string {
	return fmt.Sprintf("store:%s", storeID)
}

func RiderAccount(riderID string) string {
	return fmt.Sprintf("rider:%s", riderID)
}

func EscrowAccount(orderID string) string {
	return fmt.Sprintf("escrow:%s", orderID)
}

// LedgerEntry 分类账条目表
// 整个结算系统唯一的资金事实来源
//
// 【重要】分类账设计原则：
// 1. 只追加，不修改，不删除 —— 仓储层不提供任何 update/delete 接口
// 2. 每个业务事件产生的一批条目，按币种求和必须为零（复式记账）
// 3. 纠错通过追加 REVERSAL/REFUND 条目完成，绝不改写历史
// 4. 金额使用有符号整数最小货币单位，禁止浮点数
type LedgerEntry struct {
	ID             int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	EntryNo        string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"entry_no"`         // 条目号（全局唯一）
	AccountID      string    `gorm:"type:varchar(128);index;not null" json:"account_id"`            // 账户ID
	Amount         int64     `gorm:"not null" json:"amount"`                                        // 金额（正数入账，负数出账）
	Currency       string    `gorm:"type:varchar(8);not null" json:"currency"`                      // 币种
	Kind           string    `gorm:"type:varchar(20);index;not null" json:"kind"`                   // 条目类型
	RelatedOrderID string    `gorm:"type:varchar(64);index;not null" json:"related_order_id"`       // 关联订单ID
	IdempotencyKey string    `gorm:"type:varchar(128);uniqueIndex;not null" json:"idempotency_key"` // 幂等键
	ActorKind      string    `gorm:"type:varchar(32);not null" json:"actor_kind"`                   // 操作者类型
	RateVersion    string    `gorm:"type:varchar(32)" json:"rate_version,omitempty"`                // 计算分成时使用的费率版本快照
	RateBps        int64     `gorm:"not null;default:0" json:"rate_bps,omitempty"`                  // 费率快照（基点）
	CreatedAt      time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (LedgerEntry) TableName() string {
	return "ledger_entry"
}

// BatchIdempotencyKey 生成一批条目中单个条目的幂等键
// 由订单ID + 业务前缀 + 账户 确定性派生，重复处理同一订单时键必然冲突，
// 这是结算任务可安全重试的基础
func BatchIdempotencyKey(prefix, orderID, accountID string) string {
	return fmt.Sprintf("%s:%s:%s", prefix, orderID, accountID)
}
