package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorType 错误类型
type ErrorType int

const (
	// 钱包相关错误
	ErrorTypeNoProvider ErrorType = iota
	ErrorTypeUserRejected
	ErrorTypeNoAccounts
	ErrorTypeChainSwitch
	ErrorTypeNotConnected
	ErrorTypeWrongChain
	ErrorTypeProvider

	// 合约相关错误
	ErrorTypeRPC
	ErrorTypeContractRevert
	ErrorTypeMethodUnavailable

	// 输入与配置错误
	ErrorTypeValidation
	ErrorTypeConfig
)

// ErrorSeverity 错误严重级别
type ErrorSeverity int

const (
	SeverityLow ErrorSeverity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// PresaleError 自定义错误类型
type PresaleError struct {
	Type      ErrorType              `json:"type"`
	Severity  ErrorSeverity          `json:"severity"`
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Reason    string                 `json:"reason,omitempty"` // 回滚原因或钱包返回的原始消息
	Timestamp time.Time              `json:"timestamp"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Cause     error                  `json:"cause,omitempty"`
	Component string                 `json:"component"`
	TxHash    *string                `json:"tx_hash,omitempty"`
}

// Error 实现error接口
func (e *PresaleError) Error() string {
	switch {
	case e.Reason != "":
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Reason)
	case e.Cause != nil:
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	default:
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
}

// Unwrap 支持errors.Unwrap
func (e *PresaleError) Unwrap() error {
	return e.Cause
}

// WithContext 添加上下文信息
func (e *PresaleError) WithContext(key string, value interface{}) *PresaleError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithComponent 标记出错组件
func (e *PresaleError) WithComponent(component string) *PresaleError {
	e.Component = component
	return e
}

// WithTxHash 添加交易哈希
func (e *PresaleError) WithTxHash(txHash string) *PresaleError {
	e.TxHash = &txHash
	return e
}

// NewPresaleError 创建新的错误
func NewPresaleError(errorType ErrorType, code, message string) *PresaleError {
	return &PresaleError{
		Type:      errorType,
		Severity:  defaultSeverity(errorType),
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// WrapError 包装现有错误
func WrapError(err error, errorType ErrorType, code, message string) *PresaleError {
	e := NewPresaleError(errorType, code, message)
	e.Cause = err
	return e
}

// defaultSeverity 各类型的默认严重级别
func defaultSeverity(errorType ErrorType) ErrorSeverity {
	switch errorType {
	case ErrorTypeNoProvider, ErrorTypeUserRejected, ErrorTypeNoAccounts,
		ErrorTypeNotConnected, ErrorTypeWrongChain, ErrorTypeValidation:
		return SeverityLow
	case ErrorTypeMethodUnavailable:
		return SeverityHigh
	case ErrorTypeConfig:
		return SeverityCritical
	default:
		return SeverityMedium
	}
}

// NewNoProviderError 未检测到钱包
func NewNoProviderError() *PresaleError {
	return NewPresaleError(ErrorTypeNoProvider, "NO_PROVIDER", "未检测到钱包提供者")
}

// NewUserRejectedError 用户在钱包中拒绝了请求
func NewUserRejectedError(cause error) *PresaleError {
	return WrapError(cause, ErrorTypeUserRejected, "USER_REJECTED", "用户拒绝了钱包请求")
}

// NewNoAccountsError 钱包未授权任何账户
func NewNoAccountsError() *PresaleError {
	return NewPresaleError(ErrorTypeNoAccounts, "NO_ACCOUNTS", "钱包未返回任何账户")
}

// NewChainSwitchError 切换或添加网络失败
func NewChainSwitchError(reason string, cause error) *PresaleError {
	e := WrapError(cause, ErrorTypeChainSwitch, "CHAIN_SWITCH_FAILED", "切换网络失败")
	e.Reason = reason
	return e
}

// NewNotConnectedError 钱包未连接
func NewNotConnectedError() *PresaleError {
	return NewPresaleError(ErrorTypeNotConnected, "NOT_CONNECTED", "钱包未连接")
}

// NewWrongChainError 钱包不在目标网络
func NewWrongChainError(current, target string) *PresaleError {
	return NewPresaleError(ErrorTypeWrongChain, "WRONG_CHAIN", "钱包不在目标网络").
		WithContext("current_chain", current).
		WithContext("target_chain", target)
}

// NewProviderError 钱包请求失败（非拒绝类）
func NewProviderError(method string, cause error) *PresaleError {
	return WrapError(cause, ErrorTypeProvider, "PROVIDER_REQUEST_FAILED", "钱包请求失败").
		WithContext("method", method)
}

// NewReceiptTimeoutError 交易已提交，超时前未查到回执；交易仍可能被打包
func NewReceiptTimeoutError(txHash string, cause error) *PresaleError {
	e := WrapError(cause, ErrorTypeProvider, "TX_RECEIPT_TIMEOUT", "等待交易打包超时")
	e.Reason = "Transaction submitted but not yet confirmed: " + txHash
	return e.WithContext("method", "eth_getTransactionReceipt").WithTxHash(txHash)
}

// NewRPCError 只读调用失败（网络或ABI不匹配）
func NewRPCError(method string, cause error) *PresaleError {
	return WrapError(cause, ErrorTypeRPC, "RPC_CALL_FAILED", "合约读取失败").
		WithContext("method", method)
}

// NewContractRevertError 写操作被链上回滚
func NewContractRevertError(method, reason string, cause error) *PresaleError {
	e := WrapError(cause, ErrorTypeContractRevert, "CONTRACT_REVERTED", "合约调用被回滚")
	e.Reason = reason
	return e.WithContext("method", method)
}

// NewMethodUnavailableError 合约未暴露所需函数
func NewMethodUnavailableError(method string) *PresaleError {
	return NewPresaleError(ErrorTypeMethodUnavailable, "METHOD_UNAVAILABLE", "合约中不存在该函数").
		WithContext("method", method)
}

// NewValidationError 输入校验失败
func NewValidationError(reason string) *PresaleError {
	e := NewPresaleError(ErrorTypeValidation, "VALIDATION_FAILED", "输入校验失败")
	e.Reason = reason
	return e
}

// NewConfigError 配置无效
func NewConfigError(reason string, cause error) *PresaleError {
	e := WrapError(cause, ErrorTypeConfig, "CONFIG_INVALID", "配置无效")
	e.Reason = reason
	return e
}

// As 提取PresaleError
func As(err error) (*PresaleError, bool) {
	var pe *PresaleError
	if stderrors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsType 判断错误链中是否包含指定类型
func IsType(err error, errorType ErrorType) bool {
	pe, ok := As(err)
	return ok && pe.Type == errorType
}

// UserMessage 面向用户展示的错误文本
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	pe, ok := As(err)
	if !ok {
		return err.Error()
	}

	switch pe.Type {
	case ErrorTypeNoProvider:
		return "No wallet detected. Please install MetaMask or another Ethereum wallet."
	case ErrorTypeUserRejected:
		return "Request was rejected in the wallet."
	case ErrorTypeNoAccounts:
		return "The wallet did not authorize any account. Please unlock it and try again."
	case ErrorTypeChainSwitch:
		return "Failed to switch network: " + pe.reasonOrCause()
	case ErrorTypeNotConnected:
		return "Please connect your wallet first."
	case ErrorTypeWrongChain:
		return "Please switch to the correct network."
	case ErrorTypeRPC:
		return "Failed to fetch presale information. Please try again later."
	case ErrorTypeContractRevert:
		return pe.reasonOrCause()
	case ErrorTypeMethodUnavailable:
		return fmt.Sprintf("%v function not found in the contract", pe.Context["method"])
	case ErrorTypeValidation:
		return pe.Reason
	default:
		return pe.reasonOrCause()
	}
}

// reasonOrCause 优先返回结构化原因
func (e *PresaleError) reasonOrCause() string {
	if e.Reason != "" {
		return e.Reason
	}
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return e.Message
}

// 错误类型字符串映射
var errorTypeNames = map[ErrorType]string{
	ErrorTypeNoProvider:        "NoProvider",
	ErrorTypeUserRejected:      "UserRejected",
	ErrorTypeNoAccounts:        "NoAccounts",
	ErrorTypeChainSwitch:       "ChainSwitch",
	ErrorTypeNotConnected:      "NotConnected",
	ErrorTypeWrongChain:        "WrongChain",
	ErrorTypeProvider:          "Provider",
	ErrorTypeRPC:               "Rpc",
	ErrorTypeContractRevert:    "ContractRevert",
	ErrorTypeMethodUnavailable: "MethodUnavailable",
	ErrorTypeValidation:        "Validation",
	ErrorTypeConfig:            "Config",
}

// String 返回错误类型的字符串表示
func (et ErrorType) String() string {
	if name, exists := errorTypeNames[et]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", et)
}

// 严重级别字符串映射
var severityNames = map[ErrorSeverity]string{
	SeverityLow:      "Low",
	SeverityMedium:   "Medium",
	SeverityHigh:     "High",
	SeverityCritical: "Critical",
}

// String 返回严重级别的字符串表示
func (es ErrorSeverity) String() string {
	if name, exists := severityNames[es]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", es)
}

// ErrorStats 错误统计
type ErrorStats struct {
	TotalErrors       int                   `json:"total_errors"`
	ErrorsByType      map[ErrorType]int     `json:"errors_by_type"`
	ErrorsBySeverity  map[ErrorSeverity]int `json:"errors_by_severity"`
	ErrorsByComponent map[string]int        `json:"errors_by_component"`
	RecentErrors      []*PresaleError       `json:"recent_errors"`
	LastError         *PresaleError         `json:"last_error"`
	LastErrorTime     time.Time             `json:"last_error_time"`
}

// NewErrorStats 创建错误统计
func NewErrorStats() *ErrorStats {
	return &ErrorStats{
		ErrorsByType:      make(map[ErrorType]int),
		ErrorsBySeverity:  make(map[ErrorSeverity]int),
		ErrorsByComponent: make(map[string]int),
		RecentErrors:      make([]*PresaleError, 0),
	}
}

// maxRecentErrors 保留的最近错误数量
const maxRecentErrors = 100

// RecordError 记录错误
func (es *ErrorStats) RecordError(err *PresaleError) {
	es.TotalErrors++
	es.ErrorsByType[err.Type]++
	es.ErrorsBySeverity[err.Severity]++
	if err.Component != "" {
		es.ErrorsByComponent[err.Component]++
	}

	es.LastError = err
	es.LastErrorTime = err.Timestamp

	es.RecentErrors = append(es.RecentErrors, err)
	if len(es.RecentErrors) > maxRecentErrors {
		es.RecentErrors = es.RecentErrors[1:]
	}
}
