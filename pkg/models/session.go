package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// WalletSession 本地钱包连接状态
type WalletSession struct {
	SessionID     string `json:"session_id,omitempty"`
	Address       string `json:"address,omitempty"`  // EIP-55 校验和地址，未连接时为空
	ChainID       string `json:"chain_id,omitempty"` // 0x 前缀小写十六进制
	IsTargetChain bool   `json:"is_target_chain"`
	WalletName    string `json:"wallet_name,omitempty"`
}

// IsConnected 是否已连接账户
func (w WalletSession) IsConnected() bool {
	return w.Address != ""
}

// 会话事件类型
const (
	SessionEventConnected       = "connected"
	SessionEventAccountsChanged = "accounts_changed"
	SessionEventChainChanged    = "chain_changed"
	SessionEventChainSwitched   = "chain_switched"
	SessionEventDisconnected    = "disconnected"
)

// SessionEvent 会话变化事件
type SessionEvent struct {
	Type      string        `json:"type"`
	Session   WalletSession `json:"session"`
	Timestamp time.Time     `json:"timestamp"`
}

// 交易记录状态
const (
	TxStatusSuccess  = "success"
	TxStatusReverted = "reverted"
	TxStatusRejected = "rejected"
	TxStatusFailed   = "failed"
	TxStatusPending  = "pending" // 已提交但在超时前未查到回执
)

// TxRecord 写操作结果记录
type TxRecord struct {
	ID          string          `json:"id"`
	Operation   string          `json:"operation"`
	Method      string          `json:"method"`
	From        string          `json:"from"`
	TxHash      string          `json:"tx_hash,omitempty"`
	Value       decimal.Decimal `json:"value"`
	Status      string          `json:"status"`
	BlockNumber uint64          `json:"block_number,omitempty"`
	GasUsed     uint64          `json:"gas_used,omitempty"`
	Error       string          `json:"error,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}
