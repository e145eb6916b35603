package model

import (
	"time"
)

// 结算运行状态常量
const (
	PayoutRunStatusRunning   = "RUNNING"
	PayoutRunStatusSucceeded = "SUCCEEDED"
	PayoutRunStatusFailed    = "FAILED"
)

// PayoutJobRun 结算任务运行记录表，同时充当运行租约
//
// 【关键点】同一 period_key 同一时刻最多只能有一条 RUNNING 记录，
// 这是多实例 / cron 重叠触发下"至多一个并发运行"的唯一保证。
//
// MySQL 不支持部分唯一索引，所以用 active_period 列实现：
//   - 运行中：active_period = period_key，唯一索引保证互斥
//   - 终态：active_period = NULL，唯一索引允许任意多个 NULL
//
// 插入时撞唯一键 == 租约冲突，本次触发直接退出。
// 持有租约的进程崩溃时，RUNNING 记录会过期（started_at 超过租约时限），
// 下一次触发先把过期记录标记为 FAILED 再接管。
type PayoutJobRun struct {
	ID             int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	RunNo          string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"run_no"`
	PeriodKey      string     `gorm:"type:varchar(64);index;not null" json:"period_key"`
	ActivePeriod   *string    `gorm:"type:varchar(64);uniqueIndex" json:"-"` // 运行中 = period_key，终态 = NULL
	Status         string     `gorm:"type:varchar(20);index;not null" json:"status"`
	LockToken      string     `gorm:"type:varchar(64);not null" json:"lock_token"` // 租约持有者标识
	StartedAt      time.Time  `gorm:"not null" json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at"`
	OrdersScanned  int        `gorm:"not null;default:0" json:"orders_scanned"`
	OrdersReleased int        `gorm:"not null;default:0" json:"orders_released"`
	OrdersFailed   int        `gorm:"not null;default:0" json:"orders_failed"`
	Remark         string     `gorm:"type:varchar(256)" json:"remark"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (PayoutJobRun) TableName() string {
	return "payout_job_run"
}
