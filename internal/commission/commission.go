package commission

import (
	"errors"

	"settlement/internal/config"
)

// ============================================================================
// 佣金分成引擎
// ============================================================================
//
// 纯函数：给定 (订单金额, 配送费, 店铺类型, 费率版本)，输出确定的分成。
// 不做任何 I/O，不依赖当前时间，结果可复现。
//
// 费率以基点（bps，1% = 100）配置并按版本保存。调用方必须把返回的
// 版本号和费率快照写到分类账条目上，之后调整费率不会改变历史分成。
//
// 金额全部是最小货币单位整数，平台费向下取整，余数归卖家，
// 保证 platformFee + sellerNet == orderTotal 恒成立。
//
// ============================================================================

var (
	// ErrInvalidAmount 负数金额 —— 退款后的调整走 REVERSAL/REFUND 条目，
	// 不允许进入分成计算
	ErrInvalidAmount  = errors.New("金额不能为负数")
	ErrUnknownVersion = errors.New("未知的费率版本")
)

// Split 一笔订单的分成结果
type Split struct {
	PlatformFee int64  `json:"platform_fee"` // 平台佣金
	SellerNet   int64  `json:"seller_net"`   // 卖家净得
	RiderFee    int64  `json:"rider_fee"`    // 骑手配送费（原样透传，与商品分成互不重叠）
	RateBps     int64  `json:"rate_bps"`     // 使用的费率快照
	Version     string `json:"version"`      // 使用的费率版本
}

// Engine 分成引擎
type Engine struct {
	cfg config.CommissionConfig
}

func NewEngine(cfg config.CommissionConfig) *Engine {
	return &Engine{cfg: cfg}
}

// CurrentVersion 当前生效的费率版本
func (e *Engine) CurrentVersion() string {
	return e.cfg.CurrentVersion
}

// RateFor 查询某版本下店铺类型的费率（基点）
// 未配置的店铺类型使用该版本的默认费率
func (e *Engine) RateFor(storeType, version string) (int64, error) {
	table, ok := e.cfg.Versions[version]
	if !ok {
		return 0, ErrUnknownVersion
	}
	if bps, ok := table.Rates[storeType]; ok {
		return bps, nil
	}
	return table.DefaultBps, nil
}

// ComputeSplit 计算一笔订单的分成
// orderTotal 为零时返回全零分成（合法场景，如全额优惠券订单）
func (e *Engine) ComputeSplit(orderTotal, deliveryFee int64, storeType, version string) (*Split, error) {
	if orderTotal < 0 || deliveryFee < 0 {
		return nil, ErrInvalidAmount
	}

	bps, err := e.RateFor(storeType, version)
	if err != nil {
		return nil, err
	}

	platformFee := orderTotal * bps / 10000
	return &Split{
		PlatformFee: platformFee,
		SellerNet:   orderTotal - platformFee,
		RiderFee:    deliveryFee,
		RateBps:     bps,
		Version:     version,
	}, nil
}
