package model

import (
	"time"
)

// 托管锁状态常量
const (
	EscrowStateHeld            = "HELD"              // 资金已捕获，等待妥投确认
	EscrowStateLockedForReview = "LOCKED_FOR_REVIEW" // OTP 失败次数超限，等待人工处理
	EscrowStateUnlocked        = "UNLOCKED"          // 妥投已确认，可进入结算
	EscrowStateClaimed         = "CLAIMED"           // 已被某次结算运行认领（中间态）
	EscrowStateReleased        = "RELEASED"          // 资金已结算打款（终态）
	EscrowStateReversed        = "REVERSED"          // 结算前已冲正退款（终态）
)

// ValidEscrowTransitions 托管锁状态机
//
//	HELD -> UNLOCKED            妥投 OTP 校验成功
//	HELD -> LOCKED_FOR_REVIEW   OTP 失败次数超限
//	HELD -> REVERSED            妥投前退款/取消
//	LOCKED_FOR_REVIEW -> HELD   管理员人工解锁（重置失败计数）
//	LOCKED_FOR_REVIEW -> REVERSED
//	UNLOCKED -> CLAIMED         结算任务认领
//	UNLOCKED -> REVERSED        结算认领前仍可被拒付冲正
//	CLAIMED -> RELEASED         结算完成
//	CLAIMED -> UNLOCKED         单笔结算失败，释放认领，下个周期重试
//
// RELEASED / REVERSED 是终态。已 RELEASED 的订单发生拒付时，
// 不再改写锁状态，而是追加追回（clawback）分类账条目。
var ValidEscrowTransitions = map[string][]string{
	EscrowStateHeld:            {EscrowStateUnlocked, EscrowStateLockedForReview, EscrowStateReversed},
	EscrowStateLockedForReview: {EscrowStateHeld, EscrowStateReversed},
	EscrowStateUnlocked:        {EscrowStateClaimed, EscrowStateReversed},
	EscrowStateClaimed:         {EscrowStateReleased, EscrowStateUnlocked},
}

func CanEscrowTransition(currentState, targetState string) bool {
	allowed, exists := ValidEscrowTransitions[currentState]
	if !exists {
		return false
	}
	for _, s := range allowed {
		if s == targetState {
			return true
		}
	}
	return false
}

// EscrowLock 订单托管锁表
// 支付捕获成功时创建（HELD），由妥投 OTP 流程和结算任务推进状态
type EscrowLock struct {
	ID          int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderID     string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"order_id"`
	State       string     `gorm:"type:varchar(20);index;not null" json:"state"`
	StoreID     string     `gorm:"type:varchar(64);not null" json:"store_id"`    // 卖家店铺ID
	RiderID     string     `gorm:"type:varchar(64)" json:"rider_id"`             // 骑手ID（无配送时为空）
	StoreType   string     `gorm:"type:varchar(32);not null" json:"store_type"`  // 店铺类型，决定佣金费率
	OrderTotal  int64      `gorm:"not null" json:"order_total"`                  // 商品金额（最小货币单位）
	DeliveryFee int64      `gorm:"not null;default:0" json:"delivery_fee"`       // 配送费（归骑手）
	Currency    string     `gorm:"type:varchar(8);not null" json:"currency"`
	OtpAttempts int        `gorm:"not null;default:0" json:"otp_attempts"`       // OTP 失败次数
	LockedAt    time.Time  `gorm:"not null" json:"locked_at"`
	UnlockedAt  *time.Time `json:"unlocked_at"`
	ClaimedAt   *time.Time `json:"claimed_at"`                                   // 认领时间，用于死任务的认领回收
	ReleasedAt  *time.Time `json:"released_at"`
	ReversedAt  *time.Time `json:"reversed_at"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (EscrowLock) TableName() string {
	return "escrow_lock"
}
