package wallet

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"presale/internal/config"
	"presale/internal/retry"

	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"
)

// RPCProvider 通过JSON-RPC端点访问的钱包（签名服务、Frame、节点托管账户等）。
// 端点不推送事件，账户与链的变化通过轮询检测。
type RPCProvider struct {
	client       *rpc.Client
	url          string
	flags        map[string]bool
	pollInterval time.Duration
	logger       *logrus.Entry
	emitter      Emitter

	mu           sync.Mutex
	accounts     []string
	chainID      string
	primed       bool
	disconnected bool

	quit      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// DialRPCProvider 连接钱包端点并启动事件轮询
func DialRPCProvider(ctx context.Context, url string, flags []string, pollInterval time.Duration, logger *logrus.Logger) (*RPCProvider, error) {
	var client *rpc.Client
	err := retry.Dial(ctx, url, func() error {
		var err error
		client, err = rpc.DialContext(ctx, url)
		return err
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("连接钱包端点 %s 失败: %w", url, err)
	}

	p := NewRPCProvider(client, url, flags, pollInterval, logger)
	p.Start()
	return p, nil
}

// NewRPCProvider 包装已有的RPC客户端，需要调用Start开始轮询
func NewRPCProvider(client *rpc.Client, url string, flags []string, pollInterval time.Duration, logger *logrus.Logger) *RPCProvider {
	flagSet := make(map[string]bool, len(flags))
	for _, f := range flags {
		flagSet[f] = true
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}

	return &RPCProvider{
		client:       client,
		url:          url,
		flags:        flagSet,
		pollInterval: pollInterval,
		logger: logger.WithFields(logrus.Fields{
			"component": "rpc_provider",
			"url":       url,
		}),
		quit: make(chan struct{}),
	}
}

// Flag 实现 Flagged
func (p *RPCProvider) Flag(name string) bool {
	return p.flags[name]
}

// URL 端点地址
func (p *RPCProvider) URL() string {
	return p.url
}

// Request 实现 Provider
func (p *RPCProvider) Request(ctx context.Context, args RequestArguments) (json.RawMessage, error) {
	var result json.RawMessage
	err := p.client.CallContext(ctx, &result, args.Method, args.Params...)
	if err != nil && args.Method == "eth_requestAccounts" && HasCode(err, CodeMethodNotFound) {
		// 节点类端点不支持授权请求，已解锁的账户即授权账户
		err = p.client.CallContext(ctx, &result, "eth_accounts")
	}
	if err != nil {
		return nil, normalizeError(err)
	}
	return result, nil
}

// normalizeError 把传输层返回的错误统一为 ProviderError
func normalizeError(err error) error {
	var pe *ProviderError
	if stderrors.As(err, &pe) {
		return pe
	}

	var rpcErr rpc.Error
	if stderrors.As(err, &rpcErr) {
		normalized := &ProviderError{Code: rpcErr.ErrorCode(), Message: rpcErr.Error()}
		var dataErr rpc.DataError
		if stderrors.As(err, &dataErr) {
			normalized.Data = dataErr.ErrorData()
		}
		return normalized
	}
	return err
}

// Subscribe 实现 Provider
func (p *RPCProvider) Subscribe(name EventName, ch chan<- Event) event.Subscription {
	return p.emitter.Subscribe(name, ch)
}

// Start 启动轮询
func (p *RPCProvider) Start() {
	p.wg.Add(1)
	go p.pollLoop()
}

// Close 停止轮询并关闭连接
func (p *RPCProvider) Close() {
	p.closeOnce.Do(func() {
		close(p.quit)
		p.wg.Wait()
		p.client.Close()
	})
}

func (p *RPCProvider) pollLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	p.poll()
	for {
		select {
		case <-ticker.C:
			p.poll()
		case <-p.quit:
			return
		}
	}
}

// poll 比较账户与链ID，变化时推送事件；首次轮询只记录基线
func (p *RPCProvider) poll() {
	ctx, cancel := context.WithTimeout(context.Background(), p.pollInterval)
	defer cancel()

	var accounts []string
	accErr := p.client.CallContext(ctx, &accounts, "eth_accounts")
	var chainID string
	chainErr := p.client.CallContext(ctx, &chainID, "eth_chainId")

	if err := transportError(accErr, chainErr); err != nil {
		p.mu.Lock()
		already := p.disconnected
		p.disconnected = true
		p.mu.Unlock()

		if !already {
			p.logger.WithError(err).Warn("钱包端点不可达")
			p.emitter.Emit(Event{Name: EventDisconnect, Err: &ProviderError{Code: CodeDisconnected, Message: err.Error()}})
		}
		return
	}
	if accErr != nil || chainErr != nil {
		return
	}

	chainID = strings.ToLower(chainID)

	p.mu.Lock()
	primed := p.primed
	wasDisconnected := p.disconnected
	accountsChanged := primed && !sameAccounts(p.accounts, accounts)
	chainChanged := primed && p.chainID != chainID
	p.accounts = accounts
	p.chainID = chainID
	p.primed = true
	p.disconnected = false
	p.mu.Unlock()

	if wasDisconnected {
		p.logger.Info("钱包端点已恢复")
	}
	if chainChanged {
		p.emitter.Emit(Event{Name: EventChainChanged, ChainID: chainID})
	}
	if accountsChanged {
		p.emitter.Emit(Event{Name: EventAccountsChanged, Accounts: accounts})
	}
}

// transportError 返回非JSON-RPC层面的错误（连接失败、超时）
func transportError(errs ...error) error {
	for _, err := range errs {
		if err == nil {
			continue
		}
		var rpcErr rpc.Error
		if !stderrors.As(err, &rpcErr) {
			return err
		}
	}
	return nil
}

func sameAccounts(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !strings.EqualFold(a[i], b[i]) {
			return false
		}
	}
	return true
}

// RegistryFromConfig 按配置连接所有注入点；连接失败的注入点会被跳过
func RegistryFromConfig(ctx context.Context, cfg *config.WalletConfig, logger *logrus.Logger) (*Registry, func()) {
	registry := NewRegistry()
	var providers []*RPCProvider

	for _, inj := range cfg.Injections {
		p, err := DialRPCProvider(ctx, inj.URL, inj.Flags, cfg.PollDuration(), logger)
		if err != nil {
			logger.WithError(err).WithField("path", inj.Path).Warn("钱包注入点不可用")
			continue
		}
		registry.Register(inj.Path, p)
		providers = append(providers, p)
	}

	closeAll := func() {
		for _, p := range providers {
			p.Close()
		}
	}
	return registry, closeAll
}
