package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ============================================================================
// 分布式锁
// ============================================================================
//
// 结算引擎里真正需要互斥的只有两处：
//   1. 同一周期至多一次结算运行 —— 由 payout_job_run 表的租约行保证（见仓储层）
//   2. 同一订单的回调处理不允许并发 —— 由这里的订单锁保证
//
// 订单锁针对的场景：支付渠道/退款渠道的回调重放，同一订单的捕获和退款
// 回调可能在毫秒级内重复到达。幂等键能兜底，但先用锁把并发序列化，
// 可以避免一堆事务在唯一索引上排队回滚。
//
// 加锁：SET key value NX EX timeout
//   - NX 保证互斥；EX 防止持有者崩溃后死锁
//   - value 为请求标识，释放时校验持有者，避免误删他人的锁
// 释放：Lua 脚本保证"校验+删除"原子执行
//
// ============================================================================

var (
	ErrLockFailed = errors.New("获取分布式锁失败")
)

// DistributedLock 分布式锁
type DistributedLock struct {
	client     *redis.Client
	key        string
	value      string
	expiration time.Duration
}

// NewDistributedLock 创建分布式锁
func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock 尝试获取锁（非阻塞）
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	success, err := l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
	if err != nil {
		return false, err
	}
	return success, nil
}

// Lock 阻塞式获取锁（带重试）
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		success, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if success {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
			// 继续重试
		}
	}
	return ErrLockFailed
}

// Unlock 释放锁
// Lua 脚本先校验 value 再删除，防止释放已被他人接管的锁
func (l *DistributedLock) Unlock(ctx context.Context) error {
	script := `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`
	_, err := l.client.Eval(ctx, script, []string{l.key}, l.value).Result()
	return err
}

// NewOrderLock 创建订单维度的结算操作锁
// 同一订单的捕获/退款/妥投回调串行处理，不同订单互不影响
func NewOrderLock(client *redis.Client, orderID, requestID string) *DistributedLock {
	key := fmt.Sprintf("settle:lock:order:%s", orderID)
	// value 使用 requestID，便于追踪是哪个请求持有锁
	return NewDistributedLock(client, key, requestID, 30*time.Second)
}
