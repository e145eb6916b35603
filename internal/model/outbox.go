package model

import (
	"time"
)

const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSent    = "SENT"
	OutboxStatusFailed  = "FAILED"
)

// 对外通知事件类型
// 引擎只负责把事件写进 outbox，邮件/短信等触达由外部通知服务消费完成，
// 结算流程不依赖通知投递是否成功
const (
	EventEscrowHeld            = "escrow.held"
	EventEscrowUnlocked        = "escrow.unlocked"
	EventEscrowLockedForReview = "escrow.locked_for_review"
	EventEscrowReversed        = "escrow.reversed"
	EventPayoutReleased        = "payout.released"
	EventPayoutClawback        = "payout.clawback"
)

// OutboxMessage 事务性发件箱
// 与分类账写入同事务落库，由 OutboxSender 异步投递到 Kafka
type OutboxMessage struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	MessageKey string    `gorm:"type:varchar(64);not null" json:"message_key"`
	Topic      string    `gorm:"type:varchar(64);not null" json:"topic"`
	EventType  string    `gorm:"type:varchar(64);not null" json:"event_type"`
	Payload    string    `gorm:"type:text;not null" json:"payload"`
	Status     string    `gorm:"type:varchar(20);index;not null;default:PENDING" json:"status"`
	RetryCount int       `gorm:"not null;default:0" json:"retry_count"`
	CreatedAt  time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (OutboxMessage) TableName() string {
	return "outbox_message"
}
