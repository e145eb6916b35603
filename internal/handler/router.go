package handler

import (
	"settlement/internal/config"
	"settlement/internal/job"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// SetupRouter 配置路由
func SetupRouter(db *gorm.DB, rdb *redis.Client, cfg *config.Config, payoutJob *job.PayoutJob) *gin.Engine {
	// 设置 gin 为发布模式（减少日志输出）
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	// 注册中间件
	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	// 创建处理器
	h := NewHandler(db, rdb, cfg, payoutJob)

	// API 路由组
	api := r.Group("/api/v1")
	{
		// 外部回调
		api.POST("/capture", h.Capture)
		api.POST("/refund", h.Refund)
		api.POST("/delivery/otp", h.DeliveryOtp)

		// 管理操作
		api.POST("/escrow/unlock", h.AdminUnlock)
		api.POST("/payout/trigger", h.TriggerPayout)
		api.POST("/wallet/rebuild", h.RebuildWallets)

		// 看板只读
		ledger := api.Group("/ledger")
		{
			ledger.GET("/entries", h.ListLedgerEntries)
			ledger.GET("/balance", h.GetBalance)
		}
		api.GET("/wallet", h.GetWallet)
		api.GET("/escrow/state", h.GetEscrowState)
		api.GET("/payout/runs", h.ListPayoutRuns)
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
