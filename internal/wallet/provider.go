package wallet

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/rpc"
)

// EventName 钱包事件名
type EventName string

const (
	EventAccountsChanged EventName = "accountsChanged"
	EventChainChanged    EventName = "chainChanged"
	EventDisconnect      EventName = "disconnect"
)

// Event 钱包推送的事件
type Event struct {
	Name     EventName
	Accounts []string // accountsChanged
	ChainID  string   // chainChanged
	Err      error    // disconnect
}

// RequestArguments 钱包请求参数
type RequestArguments struct {
	Method string        `json:"method"`
	Params []interface{} `json:"params,omitempty"`
}

// Provider 统一的钱包能力接口
type Provider interface {
	Request(ctx context.Context, args RequestArguments) (json.RawMessage, error)
	// Subscribe 返回的订阅可重复取消
	Subscribe(name EventName, ch chan<- Event) event.Subscription
}

// Flagged 暴露布尔能力标记的提供者（如 isMetaMask）
type Flagged interface {
	Flag(name string) bool
}

// 钱包与JSON-RPC错误码
const (
	CodeUserRejected      = 4001
	CodeUnauthorized      = 4100
	CodeUnsupportedMethod = 4200
	CodeDisconnected      = 4900
	CodeChainDisconnected = 4901
	CodeUnrecognizedChain = 4902
	CodeMethodNotFound    = -32601
)

// ProviderError 钱包返回的结构化错误
type ProviderError struct {
	Code    int
	Message string
	Data    interface{}
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// ErrorCode 实现 rpc.Error
func (e *ProviderError) ErrorCode() int { return e.Code }

// ErrorData 实现 rpc.DataError
func (e *ProviderError) ErrorData() interface{} { return e.Data }

var (
	_ rpc.Error     = (*ProviderError)(nil)
	_ rpc.DataError = (*ProviderError)(nil)
)

// ErrorCode 提取错误码；部分钱包把真实错误码包在 data.originalError 中
func ErrorCode(err error) (int, bool) {
	var rpcErr rpc.Error
	if !stderrors.As(err, &rpcErr) {
		return 0, false
	}

	code := rpcErr.ErrorCode()
	var dataErr rpc.DataError
	if stderrors.As(err, &dataErr) {
		if nested, ok := nestedCode(dataErr.ErrorData()); ok {
			return nested, true
		}
	}
	return code, true
}

func nestedCode(data interface{}) (int, bool) {
	m, ok := data.(map[string]interface{})
	if !ok {
		return 0, false
	}
	original, ok := m["originalError"].(map[string]interface{})
	if !ok {
		return 0, false
	}
	switch code := original["code"].(type) {
	case float64:
		return int(code), true
	case int:
		return code, true
	}
	return 0, false
}

// HasCode 判断错误是否带指定错误码
func HasCode(err error, code int) bool {
	c, ok := ErrorCode(err)
	return ok && c == code
}

// ErrorMessage 钱包错误的原始消息
func ErrorMessage(err error) string {
	var pe *ProviderError
	if stderrors.As(err, &pe) {
		return pe.Message
	}
	var rpcErr rpc.Error
	if stderrors.As(err, &rpcErr) {
		return rpcErr.Error()
	}
	if err != nil {
		return err.Error()
	}
	return ""
}

// Emitter 按事件名分发的订阅源，供提供者实现复用
type Emitter struct {
	mu    sync.Mutex
	feeds map[EventName]*event.Feed
}

func (e *Emitter) feed(name EventName) *event.Feed {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.feeds == nil {
		e.feeds = make(map[EventName]*event.Feed)
	}
	f, ok := e.feeds[name]
	if !ok {
		f = new(event.Feed)
		e.feeds[name] = f
	}
	return f
}

// Subscribe 订阅指定事件
func (e *Emitter) Subscribe(name EventName, ch chan<- Event) event.Subscription {
	return e.feed(name).Subscribe(ch)
}

// Emit 推送事件，返回接收者数量
func (e *Emitter) Emit(ev Event) int {
	return e.feed(ev.Name).Send(ev)
}

// call 发起请求并解码结果
func call(ctx context.Context, p Provider, result interface{}, method string, params ...interface{}) error {
	raw, err := p.Request(ctx, RequestArguments{Method: method, Params: params})
	if err != nil {
		return err
	}
	if result == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("解析 %s 返回值失败: %w", method, err)
	}
	return nil
}
