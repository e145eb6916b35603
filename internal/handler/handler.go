package handler

import (
	"errors"
	"strconv"
	"time"

	"settlement/internal/commission"
	"settlement/internal/config"
	"settlement/internal/job"
	"settlement/internal/model"
	"settlement/internal/repository"
	"settlement/internal/service"
	"settlement/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	captureService  *service.CaptureService
	deliveryService *service.DeliveryService
	reversalService *service.ReversalService
	walletService   *service.WalletService
	queryService    *service.QueryService
	payoutJob       *job.PayoutJob
}

// NewHandler 创建处理器实例
func NewHandler(db *gorm.DB, rdb *redis.Client, cfg *config.Config, payoutJob *job.PayoutJob) *Handler {
	return &Handler{
		captureService:  service.NewCaptureService(db, rdb, cfg),
		deliveryService: service.NewDeliveryService(db, cfg),
		reversalService: service.NewReversalService(db, rdb, cfg),
		walletService:   service.NewWalletService(db),
		queryService:    service.NewQueryService(db),
		payoutJob:       payoutJob,
	}
}

// ============================================================
// 外部回调接口（支付 / 退款 / OTP 渠道）
// ============================================================

// Capture 支付捕获回调
// POST /api/v1/capture
func (h *Handler) Capture(c *gin.Context) {
	var req service.CaptureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.captureService.HandleCapture(c.Request.Context(), &req)
	if err != nil {
		switch {
		case errors.Is(err, commission.ErrInvalidAmount):
			response.BusinessError(c, response.CodeInvalidAmount, err.Error())
		case errors.Is(err, repository.ErrImbalancedBatch):
			response.BusinessError(c, response.CodeImbalancedBatch, err.Error())
		case errors.Is(err, repository.ErrDuplicateIdempotencyKey):
			response.BusinessError(c, response.CodeDuplicateRequest, err.Error())
		default:
			response.ServerError(c, err.Error())
		}
		return
	}

	response.Success(c, result)
}

// Refund 退款/拒付回调
// POST /api/v1/refund
func (h *Handler) Refund(c *gin.Context) {
	var req service.RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.reversalService.HandleRefund(c.Request.Context(), &req)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrEscrowNotFound):
			response.BusinessError(c, response.CodeEscrowNotFound, err.Error())
		case errors.Is(err, repository.ErrEscrowStateInvalid):
			response.BusinessError(c, response.CodeEscrowStateInvalid, err.Error())
		case errors.Is(err, repository.ErrImbalancedBatch):
			response.BusinessError(c, response.CodeImbalancedBatch, err.Error())
		case errors.Is(err, repository.ErrDuplicateIdempotencyKey):
			response.BusinessError(c, response.CodeDuplicateRequest, err.Error())
		default:
			response.ServerError(c, err.Error())
		}
		return
	}

	response.Success(c, result)
}

// OtpResultRequest OTP 校验结果上报
type OtpResultRequest struct {
	OrderID string `json:"order_id" binding:"required"`
	Success *bool  `json:"success" binding:"required"`
}

// DeliveryOtp OTP 校验结果回调
// POST /api/v1/delivery/otp
func (h *Handler) DeliveryOtp(c *gin.Context) {
	var req OtpResultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.deliveryService.RecordOtpResult(c.Request.Context(), req.OrderID, *req.Success)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrEscrowNotFound):
			response.BusinessError(c, response.CodeEscrowNotFound, err.Error())
		case errors.Is(err, repository.ErrEscrowStateInvalid):
			response.BusinessError(c, response.CodeEscrowStateInvalid, err.Error())
		default:
			response.ServerError(c, err.Error())
		}
		return
	}

	response.Success(c, result)
}

// ============================================================
// 管理接口
// ============================================================

// AdminUnlock 人工解锁 LOCKED_FOR_REVIEW 订单
// POST /api/v1/escrow/unlock
// 操作角色由上游身份服务写入 X-Actor-Role 头
func (h *Handler) AdminUnlock(c *gin.Context) {
	var req struct {
		OrderID string `json:"order_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	actor := c.GetHeader("X-Actor-Role")
	result, err := h.deliveryService.AdminUnlock(c.Request.Context(), req.OrderID, actor)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrForbidden):
			response.Forbidden(c, err.Error())
		case errors.Is(err, repository.ErrEscrowNotFound):
			response.BusinessError(c, response.CodeEscrowNotFound, err.Error())
		case errors.Is(err, repository.ErrEscrowStateInvalid):
			response.BusinessError(c, response.CodeEscrowStateInvalid, err.Error())
		default:
			response.ServerError(c, err.Error())
		}
		return
	}

	response.Success(c, result)
}

// TriggerPayout 手动触发一次结算运行
// POST /api/v1/payout/trigger
func (h *Handler) TriggerPayout(c *gin.Context) {
	var req struct {
		PeriodKey string `json:"period_key"`
	}
	_ = c.ShouldBindJSON(&req)
	if req.PeriodKey == "" {
		req.PeriodKey = job.CurrentPeriodKey()
	}

	run, err := h.payoutJob.RunOnce(c.Request.Context(), req.PeriodKey)
	if err != nil {
		if errors.Is(err, repository.ErrLeaseConflict) {
			response.BusinessError(c, response.CodeLeaseConflict, err.Error())
			return
		}
		response.BusinessError(c, response.CodeSettlementFailed, err.Error())
		return
	}

	response.Success(c, run)
}

// RebuildWallets 从分类账重建钱包投影（对账 / 恢复）
// POST /api/v1/wallet/rebuild
// 与人工解锁同级的管理操作，只允许管理角色触发
func (h *Handler) RebuildWallets(c *gin.Context) {
	if !model.IsPrivilegedActor(c.GetHeader("X-Actor-Role")) {
		response.Forbidden(c, "无权执行该操作")
		return
	}

	if err := h.walletService.Rebuild(c.Request.Context()); err != nil {
		response.ServerError(c, err.Error())
		return
	}
	response.Success(c, gin.H{"message": "投影重建完成"})
}

// ============================================================
// 看板只读接口
// ============================================================

// ListLedgerEntries 分类账查询
// GET /api/v1/ledger/entries?account_id=xxx&from=...&to=...&page=1&page_size=20
func (h *Handler) ListLedgerEntries(c *gin.Context) {
	accountID := c.Query("account_id")
	if accountID == "" {
		response.ParamError(c, "account_id 参数不能为空")
		return
	}

	from, ok := parseTimeParam(c, "from")
	if !ok {
		return
	}
	to, ok := parseTimeParam(c, "to")
	if !ok {
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	entries, total, err := h.queryService.LedgerEntries(c.Request.Context(), accountID, from, to, page, pageSize)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"list":      entries,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// GetBalance 账户分类账净额
// GET /api/v1/ledger/balance?account_id=xxx&as_of=...
func (h *Handler) GetBalance(c *gin.Context) {
	accountID := c.Query("account_id")
	if accountID == "" {
		response.ParamError(c, "account_id 参数不能为空")
		return
	}

	asOf, ok := parseTimeParam(c, "as_of")
	if !ok {
		return
	}

	balance, err := h.queryService.Balance(c.Request.Context(), accountID, asOf)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"account_id": accountID,
		"balance":    balance,
	})
}

// GetWallet 钱包余额快照
// GET /api/v1/wallet?account_id=xxx
func (h *Handler) GetWallet(c *gin.Context) {
	accountID := c.Query("account_id")
	if accountID == "" {
		response.ParamError(c, "account_id 参数不能为空")
		return
	}

	wallet, err := h.queryService.WalletOf(c.Request.Context(), accountID)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, wallet)
}

// GetEscrowState 订单托管锁状态
// GET /api/v1/escrow/state?order_id=xxx
func (h *Handler) GetEscrowState(c *gin.Context) {
	orderID := c.Query("order_id")
	if orderID == "" {
		response.ParamError(c, "order_id 参数不能为空")
		return
	}

	escrow, err := h.queryService.EscrowState(c.Request.Context(), orderID)
	if err != nil {
		if errors.Is(err, repository.ErrEscrowNotFound) {
			response.BusinessError(c, response.CodeEscrowNotFound, err.Error())
			return
		}
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, escrow)
}

// ListPayoutRuns 结算任务运行历史与当前租约
// GET /api/v1/payout/runs?page=1&page_size=20
func (h *Handler) ListPayoutRuns(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	status, err := h.queryService.PayoutRuns(c.Request.Context(), job.CurrentPeriodKey(), page, pageSize)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, status)
}

func parseTimeParam(c *gin.Context, name string) (*time.Time, bool) {
	raw := c.Query(name)
	if raw == "" {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		response.ParamError(c, name+" 参数格式错误，应为 RFC3339")
		return nil, false
	}
	return &t, true
}
