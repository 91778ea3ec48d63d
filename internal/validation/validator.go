package validation

import (
	"fmt"
	"strings"

	"presale/internal/contract"
	"presale/internal/errors"
	"presale/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Validator 写操作前的本地预检，合约仍是最终裁决方
type Validator struct {
	logger       *logrus.Logger
	strictMode   bool // 严格模式下预售状态与限额问题作为错误，否则只作为警告
	errorHandler *errors.ErrorHandler
	rules        map[string]ValidationRule
}

// ValidationRule 验证规则接口
type ValidationRule interface {
	Validate(input *ContributionInput) error
	Name() string
	Description() string
	// Advisory 为 true 时非严格模式下降级为警告
	Advisory() bool
}

// ContributionInput 待检查的认购请求
type ContributionInput struct {
	Amount   decimal.Decimal
	Snapshot models.PresaleSnapshot
}

// ValidationResult 验证结果
type ValidationResult struct {
	Valid          bool                   `json:"valid"`
	Errors         []*errors.PresaleError `json:"errors,omitempty"`
	Warnings       []string               `json:"warnings,omitempty"`
	DataType       string                 `json:"data_type"`
	Amount         decimal.Decimal        `json:"amount"`
	EstimateTokens decimal.Decimal        `json:"estimate_tokens"`
}

// FirstError 第一个错误，没有时返回 nil
func (r *ValidationResult) FirstError() error {
	if len(r.Errors) == 0 {
		return nil
	}
	return r.Errors[0]
}

// NewValidator 创建验证器
func NewValidator(logger *logrus.Logger, strictMode bool) *Validator {
	v := &Validator{
		logger:       logger,
		strictMode:   strictMode,
		errorHandler: errors.NewErrorHandler(logger),
		rules:        make(map[string]ValidationRule),
	}

	v.AddRule(NewPositiveAmountRule())
	v.AddRule(NewActiveStatusRule())
	v.AddRule(NewContributionLimitRule())
	return v
}

// AddRule 添加验证规则
func (v *Validator) AddRule(rule ValidationRule) {
	v.rules[rule.Name()] = rule
	v.logger.Debugf("已注册验证规则: %s", rule.Name())
}

// ValidateContribution 解析金额并依次执行所有规则
func (v *Validator) ValidateContribution(amount string, snapshot models.PresaleSnapshot) *ValidationResult {
	result := &ValidationResult{Valid: true, DataType: "contribution"}

	parsed, err := contract.ParseAmount(amount)
	if err != nil {
		result.Valid = false
		result.Errors = append(result.Errors, errors.NewValidationError(fmt.Sprintf("Invalid amount: %s", amount)))
		return result
	}
	result.Amount = parsed
	if snapshot.Ready() {
		result.EstimateTokens = contract.EstimateTokens(parsed, snapshot.Config.TokenPrice)
	}

	input := &ContributionInput{Amount: parsed, Snapshot: snapshot}
	for _, name := range []string{"positive_amount", "active_status", "contribution_limit"} {
		rule, ok := v.rules[name]
		if !ok {
			continue
		}
		if err := rule.Validate(input); err != nil {
			if rule.Advisory() && !v.strictMode {
				result.Warnings = append(result.Warnings, errors.UserMessage(err))
				continue
			}
			result.Valid = false
			if pe, ok := errors.As(err); ok {
				result.Errors = append(result.Errors, pe)
			} else {
				result.Errors = append(result.Errors, errors.NewValidationError(err.Error()))
			}
		}
	}

	if !result.Valid {
		v.errorHandler.HandleError("validation", result.FirstError())
	}
	return result
}

// ValidateAddress 检查地址格式
func (v *Validator) ValidateAddress(addr string) error {
	if !isValidAddress(addr) {
		return errors.NewValidationError(fmt.Sprintf("Invalid address: %s", addr))
	}
	return nil
}

// isValidAddress 0x 前缀的40位十六进制；混合大小写时必须符合 EIP-55 校验和
func isValidAddress(addr string) bool {
	if !common.IsHexAddress(addr) || !strings.HasPrefix(addr, "0x") {
		return false
	}
	body := addr[2:]
	if body == strings.ToLower(body) || body == strings.ToUpper(body) {
		return true
	}
	return common.HexToAddress(addr).Hex() == addr
}

// PositiveAmountRule 金额必须大于0
type PositiveAmountRule struct{}

func NewPositiveAmountRule() *PositiveAmountRule { return &PositiveAmountRule{} }

func (r *PositiveAmountRule) Name() string        { return "positive_amount" }
func (r *PositiveAmountRule) Description() string { return "认购金额必须大于0" }
func (r *PositiveAmountRule) Advisory() bool      { return false }

func (r *PositiveAmountRule) Validate(input *ContributionInput) error {
	if !input.Amount.IsPositive() {
		return errors.NewValidationError("Amount must be greater than 0")
	}
	return nil
}

// ActiveStatusRule 预售必须处于进行中
type ActiveStatusRule struct{}

func NewActiveStatusRule() *ActiveStatusRule { return &ActiveStatusRule{} }

func (r *ActiveStatusRule) Name() string        { return "active_status" }
func (r *ActiveStatusRule) Description() string { return "预售必须处于进行中" }
func (r *ActiveStatusRule) Advisory() bool      { return true }

func (r *ActiveStatusRule) Validate(input *ContributionInput) error {
	if !input.Snapshot.Ready() {
		return errors.NewValidationError("Presale information is not loaded yet")
	}
	if input.Snapshot.Status != models.StatusActive {
		return errors.NewValidationError(fmt.Sprintf("Presale is not active (%s)", input.Snapshot.Status))
	}
	return nil
}

// ContributionLimitRule 金额必须在 [minContribution, maxContribution] 内，上限为0表示不限
type ContributionLimitRule struct{}

func NewContributionLimitRule() *ContributionLimitRule { return &ContributionLimitRule{} }

func (r *ContributionLimitRule) Name() string        { return "contribution_limit" }
func (r *ContributionLimitRule) Description() string { return "认购金额必须在最小与最大认购额之间" }
func (r *ContributionLimitRule) Advisory() bool      { return true }

func (r *ContributionLimitRule) Validate(input *ContributionInput) error {
	if !input.Snapshot.Ready() {
		return nil
	}
	cfg := input.Snapshot.Config
	if input.Amount.LessThan(cfg.MinContribution) {
		return errors.NewValidationError(fmt.Sprintf("Minimum contribution is %s", cfg.MinContribution))
	}
	if cfg.MaxContribution.IsPositive() && input.Amount.GreaterThan(cfg.MaxContribution) {
		return errors.NewValidationError(fmt.Sprintf("Maximum contribution is %s", cfg.MaxContribution))
	}
	return nil
}

// GetValidationStats 获取验证统计信息
func (v *Validator) GetValidationStats() map[string]interface{} {
	names := make([]string, 0, len(v.rules))
	for name := range v.rules {
		names = append(names, name)
	}
	return map[string]interface{}{
		"strict_mode":   v.strictMode,
		"rules":         names,
		"total_rules":   len(v.rules),
		"error_handler": v.errorHandler.GetStats(),
	}
}

// SetStrictMode 设置严格模式
func (v *Validator) SetStrictMode(strict bool) {
	v.strictMode = strict
	v.logger.Infof("验证器严格模式已设置为: %v", strict)
}
