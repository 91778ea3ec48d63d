// Package wallettest 提供内存中的钱包提供者，用于会话与合约写入测试
package wallettest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"presale/internal/wallet"

	"github.com/ethereum/go-ethereum/event"
)

// Handler 自定义方法处理函数
type Handler func(params []interface{}) (interface{}, error)

// FakeProvider 模拟注入式钱包
type FakeProvider struct {
	mu          sync.Mutex
	accounts    []string
	chainID     string
	flags       map[string]bool
	knownChains map[string]bool
	errors      map[string]error
	handlers    map[string]Handler
	calls       []wallet.RequestArguments

	// IgnoreSwitch 为true时切换请求返回成功但链ID不变
	IgnoreSwitch bool

	emitter wallet.Emitter
}

// NewFakeProvider 创建模拟钱包，当前链默认视为已知网络
func NewFakeProvider(chainID string, accounts ...string) *FakeProvider {
	return &FakeProvider{
		accounts:    accounts,
		chainID:     strings.ToLower(chainID),
		flags:       make(map[string]bool),
		knownChains: map[string]bool{strings.ToLower(chainID): true},
		errors:      make(map[string]error),
		handlers:    make(map[string]Handler),
	}
}

// WithFlags 设置能力标记
func (f *FakeProvider) WithFlags(flags ...string) *FakeProvider {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, flag := range flags {
		f.flags[flag] = true
	}
	return f
}

// Flag 实现 wallet.Flagged
func (f *FakeProvider) Flag(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flags[name]
}

// FailWith 让指定方法返回错误
func (f *FakeProvider) FailWith(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errors, method)
		return
	}
	f.errors[method] = err
}

// Handle 注册自定义方法处理
func (f *FakeProvider) Handle(method string, h Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = h
}

// Calls 已收到的请求方法名
func (f *FakeProvider) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	methods := make([]string, len(f.calls))
	for i, c := range f.calls {
		methods[i] = c.Method
	}
	return methods
}

// Requests 已收到的完整请求
func (f *FakeProvider) Requests() []wallet.RequestArguments {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wallet.RequestArguments(nil), f.calls...)
}

// ChainID 当前链ID
func (f *FakeProvider) ChainID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chainID
}

// Request 实现 wallet.Provider
func (f *FakeProvider) Request(ctx context.Context, args wallet.RequestArguments) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.calls = append(f.calls, args)
	if err, ok := f.errors[args.Method]; ok {
		f.mu.Unlock()
		return nil, err
	}
	if h, ok := f.handlers[args.Method]; ok {
		f.mu.Unlock()
		result, err := h(args.Params)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)
	}

	var (
		result  interface{}
		emitted *wallet.Event
	)
	switch args.Method {
	case "eth_requestAccounts", "eth_accounts":
		result = append([]string{}, f.accounts...)
	case "eth_chainId":
		result = f.chainID
	case "wallet_switchEthereumChain":
		target := strings.ToLower(paramField(args.Params, "chainId"))
		if !f.knownChains[target] {
			f.mu.Unlock()
			return nil, &wallet.ProviderError{Code: wallet.CodeUnrecognizedChain, Message: "Unrecognized chain ID " + target}
		}
		if !f.IgnoreSwitch && f.chainID != target {
			f.chainID = target
			emitted = &wallet.Event{Name: wallet.EventChainChanged, ChainID: target}
		}
	case "wallet_addEthereumChain":
		chainID := strings.ToLower(paramField(args.Params, "chainId"))
		if chainID == "" {
			f.mu.Unlock()
			return nil, &wallet.ProviderError{Code: -32602, Message: "missing chainId"}
		}
		f.knownChains[chainID] = true
	default:
		f.mu.Unlock()
		return nil, &wallet.ProviderError{Code: wallet.CodeUnsupportedMethod, Message: fmt.Sprintf("method %s not supported", args.Method)}
	}
	f.mu.Unlock()

	if emitted != nil {
		f.emitter.Emit(*emitted)
	}
	return json.Marshal(result)
}

// Subscribe 实现 wallet.Provider
func (f *FakeProvider) Subscribe(name wallet.EventName, ch chan<- wallet.Event) event.Subscription {
	return f.emitter.Subscribe(name, ch)
}

// SetAccounts 修改授权账户并推送 accountsChanged
func (f *FakeProvider) SetAccounts(accounts ...string) {
	f.mu.Lock()
	f.accounts = accounts
	f.mu.Unlock()
	f.emitter.Emit(wallet.Event{Name: wallet.EventAccountsChanged, Accounts: accounts})
}

// SetChain 修改当前链并推送 chainChanged
func (f *FakeProvider) SetChain(chainID string) {
	chainID = strings.ToLower(chainID)
	f.mu.Lock()
	f.chainID = chainID
	f.knownChains[chainID] = true
	f.mu.Unlock()
	f.emitter.Emit(wallet.Event{Name: wallet.EventChainChanged, ChainID: chainID})
}

// EmitDisconnect 推送 disconnect
func (f *FakeProvider) EmitDisconnect() {
	f.emitter.Emit(wallet.Event{
		Name: wallet.EventDisconnect,
		Err:  &wallet.ProviderError{Code: wallet.CodeDisconnected, Message: "disconnected"},
	})
}

// paramField 从第一个参数中读取字段，参数按JSON编码后解析
func paramField(params []interface{}, field string) string {
	if len(params) == 0 {
		return ""
	}
	data, err := json.Marshal(params[0])
	if err != nil {
		return ""
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return ""
	}
	s, _ := m[field].(string)
	return s
}

// DecodeParam 把第一个参数解码为目标结构
func DecodeParam(params []interface{}, out interface{}) error {
	if len(params) == 0 {
		return fmt.Errorf("缺少参数")
	}
	data, err := json.Marshal(params[0])
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
