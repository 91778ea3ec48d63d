package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PresaleStatus 预售状态（由配置与计数器推导，不单独存储）
type PresaleStatus string

const (
	StatusNotStarted     PresaleStatus = "Not started"
	StatusActive         PresaleStatus = "Active"
	StatusEnded          PresaleStatus = "Ended"
	StatusHardcapReached PresaleStatus = "Hardcap reached"
	StatusUnknown        PresaleStatus = ""
)

// PresaleConfig 预售合约配置快照，每次拉取整体替换
type PresaleConfig struct {
	Owner           string          `json:"owner"`
	StartTime       int64           `json:"start_time"` // unix 秒
	EndTime         int64           `json:"end_time"`   // unix 秒
	TokenPrice      decimal.Decimal `json:"token_price"`
	SoftCap         decimal.Decimal `json:"soft_cap"`
	HardCap         decimal.Decimal `json:"hard_cap"`
	MinContribution decimal.Decimal `json:"min_contribution"`
	MaxContribution decimal.Decimal `json:"max_contribution"`
	TokenAddress    string          `json:"token_address"`
	TokensDeposited decimal.Decimal `json:"tokens_deposited"`
}

// PresaleCounters 预售实时计数器
type PresaleCounters struct {
	TokensSold     decimal.Decimal `json:"tokens_sold"`
	TotalRaised    decimal.Decimal `json:"total_raised"`
	SoftCapReached bool            `json:"soft_cap_reached"`
	Finalized      bool            `json:"finalized"`
}

// PresaleSnapshot 状态仓库对外发布的只读元组
type PresaleSnapshot struct {
	Config    *PresaleConfig   `json:"config,omitempty"`
	Counters  *PresaleCounters `json:"counters,omitempty"`
	Status    PresaleStatus    `json:"status"`
	Loading   bool             `json:"loading"`
	Error     string           `json:"error,omitempty"`
	UpdatedAt time.Time        `json:"updated_at"`
	Sequence  uint64           `json:"sequence"`
}

// Ready 是否已有可展示的数据
func (s *PresaleSnapshot) Ready() bool {
	return s != nil && s.Config != nil && s.Counters != nil
}

// Progress 已售代币占硬顶的百分比
func (s *PresaleSnapshot) Progress() decimal.Decimal {
	if !s.Ready() || s.Config.HardCap.IsZero() {
		return decimal.Zero
	}
	return s.Counters.TokensSold.Div(s.Config.HardCap).Mul(decimal.NewFromInt(100))
}

// CountdownPhase 倒计时阶段
type CountdownPhase string

const (
	PhaseUntilStart CountdownPhase = "until_start"
	PhaseUntilEnd   CountdownPhase = "until_end"
	PhaseFinished   CountdownPhase = "finished"
)

// Countdown 计算距开始或结束的剩余时间
func Countdown(cfg *PresaleConfig, now time.Time) (time.Duration, CountdownPhase) {
	if cfg == nil {
		return 0, PhaseFinished
	}

	start := time.Unix(cfg.StartTime, 0)
	end := time.Unix(cfg.EndTime, 0)

	switch {
	case now.Before(start):
		return start.Sub(now), PhaseUntilStart
	case now.Before(end):
		return end.Sub(now), PhaseUntilEnd
	default:
		return 0, PhaseFinished
	}
}

// Eligibility 地址的领取/退款资格
type Eligibility struct {
	Address      string          `json:"address"`
	Contribution decimal.Decimal `json:"contribution"`
	HasWithdrawn bool            `json:"has_withdrawn"`
	CanClaim     bool            `json:"can_claim"`
	CanWithdraw  bool            `json:"can_withdraw"`
}
