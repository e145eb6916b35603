package model

import (
	"time"
)

// Wallet 钱包投影表
// 按账户物化的余额视图，完全由分类账条目推导，随时可以整体重建。
// 它只是读缓存，绝不是资金事实来源 —— 对账以分类账为准。
type Wallet struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	AccountID string    `gorm:"type:varchar(128);uniqueIndex;not null" json:"account_id"`
	Available int64     `gorm:"not null;default:0" json:"available"` // 已结算可用余额
	Pending   int64     `gorm:"not null;default:0" json:"pending"`   // 托管中 / 未达结算条件的余额
	Currency  string    `gorm:"type:varchar(8);not null" json:"currency"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Wallet) TableName() string {
	return "wallet"
}

// EntryBucket 返回某条分类账条目应计入的钱包桶
// 规则只依赖条目类型和金额符号，不依赖任何隐藏状态，
// 因此投影既能增量更新，也能从完整分类账确定性重建
//
//	CAPTURE / REVERSAL       -> pending（资金进出托管）
//	COMMISSION / REFUND      -> available（佣金与已结算资金的退款/追回）
//	PAYOUT 负数（托管出账）   -> pending
//	PAYOUT 非负（收款方入账） -> available
const (
	BucketAvailable = "available"
	BucketPending   = "pending"
)

func EntryBucket(kind string, amount int64) string {
	switch kind {
	case EntryKindCapture, EntryKindReversal:
		return BucketPending
	case EntryKindPayout:
		if amount < 0 {
			return BucketPending
		}
		return BucketAvailable
	default:
		return BucketAvailable
	}
}
