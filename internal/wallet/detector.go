package wallet

import (
	"reflect"
	"sync"

	"github.com/sirupsen/logrus"
)

// 注入点路径
const (
	PathEthereum       = "ethereum"
	PathLegacyWeb3     = "web3.currentProvider"
	PathBinanceChain   = "BinanceChain"
	PathTrustWallet    = "trustwallet"
	PathCoinbaseWallet = "coinbaseWalletExtension"
)

// UnknownWallet 无法识别能力标记时的钱包名
const UnknownWallet = "Unknown Wallet"

// Environment 可探测的注入点集合
type Environment interface {
	Lookup(path string) (Provider, bool)
}

// Registry 进程内的注入点注册表
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry 创建注册表
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register 在路径上挂载提供者，已有的会被替换
// p 为nil（包括带类型的nil指针）时不挂载，并移除路径上已有的提供者
func (r *Registry) Register(path string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if isNilProvider(p) {
		delete(r.providers, path)
		return
	}
	r.providers[path] = p
}

func isNilProvider(p Provider) bool {
	if p == nil {
		return true
	}
	v := reflect.ValueOf(p)
	switch v.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Func, reflect.Chan, reflect.Slice, reflect.Interface:
		return v.IsNil()
	}
	return false
}

// Unregister 移除路径上的提供者
func (r *Registry) Unregister(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.providers, path)
}

// Lookup 实现 Environment
func (r *Registry) Lookup(path string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[path]
	return p, ok
}

// Paths 已注册的路径
func (r *Registry) Paths() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	paths := make([]string, 0, len(r.providers))
	for path := range r.providers {
		paths = append(paths, path)
	}
	return paths
}

// ProviderHandle 探测结果
type ProviderHandle struct {
	Provider   Provider
	WalletName string
	Source     string // 命中的策略
}

// Strategy 一种探测方式；支持新钱包只需增加策略
type Strategy interface {
	Name() string
	Detect(env Environment) (Provider, bool)
}

type pathStrategy struct {
	path string
}

// PathStrategy 按注入点路径探测
func PathStrategy(path string) Strategy {
	return pathStrategy{path: path}
}

func (s pathStrategy) Name() string { return s.path }

func (s pathStrategy) Detect(env Environment) (Provider, bool) {
	return env.Lookup(s.path)
}

// DefaultStrategies 默认探测顺序：通用注入对象、旧版web3、各钱包专属命名空间
func DefaultStrategies() []Strategy {
	return []Strategy{
		PathStrategy(PathEthereum),
		PathStrategy(PathLegacyWeb3),
		PathStrategy(PathBinanceChain),
		PathStrategy(PathTrustWallet),
		PathStrategy(PathCoinbaseWallet),
	}
}

// walletFlag 能力标记与钱包名，顺序即优先级
type walletFlag struct {
	flags []string
	name  string
}

// Brave 同时声明 isMetaMask，必须排在 MetaMask 之前
var walletFlags = []walletFlag{
	{[]string{"isBraveWallet"}, "Brave Wallet"},
	{[]string{"isTrust", "isTrustWallet"}, "Trust Wallet"},
	{[]string{"isCoinbaseWallet"}, "Coinbase Wallet"},
	{[]string{"isTokenPocket"}, "TokenPocket"},
	{[]string{"isBinance"}, "Binance Wallet"},
	{[]string{"isMetaMask"}, "MetaMask"},
}

// WalletName 根据能力标记识别钱包
func WalletName(p Provider) string {
	flagged, ok := p.(Flagged)
	if !ok {
		return UnknownWallet
	}
	for _, wf := range walletFlags {
		for _, flag := range wf.flags {
			if flagged.Flag(flag) {
				return wf.name
			}
		}
	}
	return UnknownWallet
}

// Detector 钱包提供者探测器
type Detector struct {
	env        Environment
	strategies []Strategy
	logger     *logrus.Entry
}

// NewDetector 创建探测器，strategies 为空时使用默认顺序
func NewDetector(env Environment, strategies []Strategy, logger *logrus.Logger) *Detector {
	if len(strategies) == 0 {
		strategies = DefaultStrategies()
	}
	return &Detector{
		env:        env,
		strategies: strategies,
		logger:     logger.WithField("component", "provider_detector"),
	}
}

// Detect 按优先级返回第一个可用的提供者，没有时返回nil
func (d *Detector) Detect() *ProviderHandle {
	for _, s := range d.strategies {
		p, ok := s.Detect(d.env)
		if !ok {
			continue
		}

		handle := &ProviderHandle{
			Provider:   p,
			WalletName: WalletName(p),
			Source:     s.Name(),
		}
		d.logger.WithFields(logrus.Fields{
			"source":      handle.Source,
			"wallet_name": handle.WalletName,
		}).Debug("检测到钱包提供者")
		return handle
	}

	d.logger.Debug("未检测到钱包提供者")
	return nil
}
