package job

import (
	"context"
	"log"
	"time"

	"settlement/internal/config"
	"settlement/internal/infrastructure/mq"
	"settlement/internal/model"
	"settlement/internal/repository"

	"gorm.io/gorm"
)

// OutboxSender 事务性发件箱投递任务
// 结算事件先与账务写入同事务落库，再由这里异步投递到 Kafka。
// 投递失败重试，超过次数上限标记 FAILED 等人工处理，
// 通知是否送达不影响结算流程本身
type OutboxSender struct {
	db         *gorm.DB
	outboxRepo *repository.OutboxRepository
	cfg        *config.Config
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
	maxRetry   int
}

func NewOutboxSender(db *gorm.DB, cfg *config.Config) *OutboxSender {
	return &OutboxSender{
		db:         db,
		outboxRepo: repository.NewOutboxRepository(db),
		cfg:        cfg,
		stopCh:     make(chan struct{}),
		interval:   200 * time.Millisecond,
		batchSize:  100,
		maxRetry:   5,
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	log.Println("[OutboxSender] 事件投递任务启动")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[OutboxSender] 收到停止信号，任务退出")
			return
		case <-s.stopCh:
			log.Println("[OutboxSender] 任务停止")
			return
		case <-ticker.C:
			s.processPendingMessages(ctx)
		}
	}
}

func (s *OutboxSender) Stop() {
	close(s.stopCh)
}

func (s *OutboxSender) processPendingMessages(ctx context.Context) {
	messages, err := s.outboxRepo.GetPendingMessages(ctx, s.batchSize)
	if err != nil {
		log.Printf("[OutboxSender] 查询待发送消息失败: %v", err)
		return
	}

	for _, msg := range messages {
		if err := mq.SendMessage(msg.Topic, msg.MessageKey, msg.Payload); err != nil {
			log.Printf("[OutboxSender] 发送失败: id=%d, event=%s, err=%v", msg.ID, msg.EventType, err)
			if msg.RetryCount+1 >= s.maxRetry {
				if err := s.outboxRepo.MarkAsFailed(ctx, msg.ID); err != nil {
					log.Printf("[OutboxSender] 标记失败状态出错: id=%d, err=%v", msg.ID, err)
				}
			} else {
				if err := s.outboxRepo.IncrementRetryCount(ctx, msg.ID); err != nil {
					log.Printf("[OutboxSender] 累加重试次数出错: id=%d, err=%v", msg.ID, err)
				}
			}
			continue
		}

		if err := s.outboxRepo.UpdateStatus(ctx, msg.ID, model.OutboxStatusSent); err != nil {
			log.Printf("[OutboxSender] 更新消息状态失败: id=%d, err=%v", msg.ID, err)
		}
	}
}
