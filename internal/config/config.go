package config

import (
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"presale/internal/logging"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config 主配置
type Config struct {
	Chain    *ChainConfig       `mapstructure:"chain"`
	Contract *ContractConfig    `mapstructure:"contract"`
	RPC      *RPCConfig         `mapstructure:"rpc"`
	Store    *StoreConfig       `mapstructure:"store"`
	Wallet   *WalletConfig      `mapstructure:"wallet"`
	Output   *OutputConfig      `mapstructure:"output"`
	API      *APIConfig         `mapstructure:"api"`
	Logging  *logging.LogConfig `mapstructure:"logging"`
}

// ChainConfig 目标链参数，json标签与wallet_addEthereumChain的参数一致
type ChainConfig struct {
	ChainID           string          `mapstructure:"chain_id" json:"chainId"`
	ChainName         string          `mapstructure:"chain_name" json:"chainName"`
	NativeCurrency    *NativeCurrency `mapstructure:"native_currency" json:"nativeCurrency"`
	RPCURLs           []string        `mapstructure:"rpc_urls" json:"rpcUrls"`
	BlockExplorerURLs []string        `mapstructure:"block_explorer_urls" json:"blockExplorerUrls,omitempty"`
}

// NativeCurrency 原生代币
type NativeCurrency struct {
	Name     string `mapstructure:"name" json:"name"`
	Symbol   string `mapstructure:"symbol" json:"symbol"`
	Decimals int    `mapstructure:"decimals" json:"decimals"`
}

// ContractConfig 预售合约配置
type ContractConfig struct {
	Address       string   `mapstructure:"address"`
	ABIPath       string   `mapstructure:"abi_path"`       // 为空时使用内置ABI
	ClaimMethod   string   `mapstructure:"claim_method"`   // 领取代币的函数名
	RefundMethod  string   `mapstructure:"refund_method"`  // 退款函数名，为空时按探测列表查找
	RefundMethods []string `mapstructure:"refund_methods"` // 退款函数探测顺序
	Decimals      int32    `mapstructure:"decimals"`
}

// RPCConfig 只读RPC配置
type RPCConfig struct {
	Nodes               []*NodeConfig `mapstructure:"nodes"`
	Timeout             string        `mapstructure:"timeout"`
	HealthCheckInterval string        `mapstructure:"health_check_interval"`
}

// NodeConfig 节点配置
type NodeConfig struct {
	Name      string `mapstructure:"name"`
	URL       string `mapstructure:"url"`
	Type      string `mapstructure:"type"`
	RateLimit int    `mapstructure:"rate_limit"` // 每秒请求数，0表示不限
	Priority  int    `mapstructure:"priority"`
}

// StoreConfig 状态仓库配置
type StoreConfig struct {
	RefreshInterval string `mapstructure:"refresh_interval"`
	CacheEnabled    bool   `mapstructure:"cache_enabled"`
	CachePath       string `mapstructure:"cache_path"`
}

// WalletConfig 钱包配置
type WalletConfig struct {
	PollInterval        string             `mapstructure:"poll_interval"`
	RequestTimeout      string             `mapstructure:"request_timeout"`
	ReceiptPollInterval string             `mapstructure:"receipt_poll_interval"`
	ReceiptTimeout      string             `mapstructure:"receipt_timeout"`
	Injections          []*InjectionConfig `mapstructure:"injections"`
}

// InjectionConfig 注入点配置：在路径上挂载一个JSON-RPC钱包端点
type InjectionConfig struct {
	Path  string   `mapstructure:"path"`  // 如 ethereum、BinanceChain、web3.currentProvider
	URL   string   `mapstructure:"url"`   // 钱包签名端点
	Flags []string `mapstructure:"flags"` // 能力标记，如 isMetaMask
}

// KafkaConfig Kafka配置
type KafkaConfig struct {
	Brokers []string          `mapstructure:"brokers"`
	Topics  map[string]string `mapstructure:"topics"`
}

// OutputConfig 输出配置
type OutputConfig struct {
	Format    string       `mapstructure:"format"` // none, file, kafka, kafka_async
	Directory string       `mapstructure:"directory"`
	Kafka     *KafkaConfig `mapstructure:"kafka"`
}

// APIConfig HTTP API配置
type APIConfig struct {
	Port          int  `mapstructure:"port"`
	EnableMetrics bool `mapstructure:"enable_metrics"`
}

// LoadConfig 加载配置（自动检测配置源）
func LoadConfig(configPath string) (*Config, error) {
	// 首先尝试从环境变量获取数据库配置
	dbDSN := os.Getenv("PRESALE_DB_DSN")
	if dbDSN != "" {
		logger := logrus.New()
		dbConfig, err := NewDatabaseConfig(dbDSN, logger)
		if err != nil {
			return nil, fmt.Errorf("连接数据库失败: %w", err)
		}
		defer dbConfig.Close()

		config, err := dbConfig.LoadConfig()
		if err != nil {
			return nil, fmt.Errorf("从数据库加载配置失败: %w", err)
		}

		logger.Info("已从数据库加载配置")
		return config, nil
	}

	if configPath == "" {
		config := GetDefaultConfig()
		return config, config.Validate()
	}

	return LoadConfigFromFile(configPath)
}

// LoadConfigFromFile 从文件加载配置
func LoadConfigFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("PRESALE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// GetDefaultConfig 获取默认配置（BSC测试网上的预售合约）
func GetDefaultConfig() *Config {
	return &Config{
		Chain: &ChainConfig{
			ChainID:   "0x61",
			ChainName: "BSC Testnet",
			NativeCurrency: &NativeCurrency{
				Name:     "Binance Chain Native Token",
				Symbol:   "tBNB",
				Decimals: 18,
			},
			RPCURLs:           []string{"https://bsc-testnet-rpc.publicnode.com"},
			BlockExplorerURLs: []string{"https://testnet.bscscan.com"},
		},
		Contract: &ContractConfig{
			Address:       "0xB3B2BFd67C157D1B52030b0168b3E219480fE60A",
			ClaimMethod:   "claimTokens",
			RefundMethods: []string{"withdrawContribution", "claimRefund", "withdraw"},
			Decimals:      18,
		},
		RPC: &RPCConfig{
			Nodes: []*NodeConfig{
				{
					Name:      "publicnode",
					URL:       "https://bsc-testnet-rpc.publicnode.com",
					Type:      "public",
					RateLimit: 20,
					Priority:  1,
				},
			},
			Timeout:             "15s",
			HealthCheckInterval: "30s",
		},
		Store: &StoreConfig{
			RefreshInterval: "30s",
			CacheEnabled:    true,
			CachePath:       "./data/presale.db",
		},
		Wallet: &WalletConfig{
			PollInterval:        "2s",
			RequestTimeout:      "5m",
			ReceiptPollInterval: "3s",
			ReceiptTimeout:      "10m",
			Injections: []*InjectionConfig{
				{
					Path:  "ethereum",
					URL:   "http://127.0.0.1:1248",
					Flags: []string{"isMetaMask"},
				},
			},
		},
		Output: &OutputConfig{
			Format:    "none",
			Directory: "./outputs",
			Kafka: &KafkaConfig{
				Brokers: []string{"localhost:9092"},
				Topics:  DefaultKafkaTopics(),
			},
		},
		API: &APIConfig{
			Port:          8080,
			EnableMetrics: true,
		},
		Logging: &logging.LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// DefaultKafkaTopics 默认Kafka主题
func DefaultKafkaTopics() map[string]string {
	return map[string]string{
		"snapshots":      "presale_snapshots",
		"session_events": "presale_session_events",
		"transactions":   "presale_transactions",
	}
}

// ApplyDefaults 用默认值补齐缺失的配置段与字段
func (c *Config) ApplyDefaults() {
	d := GetDefaultConfig()

	if c.Chain == nil {
		c.Chain = d.Chain
	}
	if c.Chain.NativeCurrency == nil {
		c.Chain.NativeCurrency = d.Chain.NativeCurrency
	}
	if c.Contract == nil {
		c.Contract = d.Contract
	}
	if c.Contract.ClaimMethod == "" {
		c.Contract.ClaimMethod = d.Contract.ClaimMethod
	}
	if len(c.Contract.RefundMethods) == 0 {
		c.Contract.RefundMethods = d.Contract.RefundMethods
	}
	if c.Contract.Decimals == 0 {
		c.Contract.Decimals = d.Contract.Decimals
	}
	if c.RPC == nil {
		c.RPC = &RPCConfig{}
	}
	if len(c.RPC.Nodes) == 0 && len(c.Chain.RPCURLs) > 0 {
		// 没有单独配置只读节点时复用链参数中的RPC
		for i, url := range c.Chain.RPCURLs {
			c.RPC.Nodes = append(c.RPC.Nodes, &NodeConfig{
				Name:     fmt.Sprintf("chain_rpc_%d", i),
				URL:      url,
				Type:     "public",
				Priority: i + 1,
			})
		}
	}
	if c.RPC.Timeout == "" {
		c.RPC.Timeout = d.RPC.Timeout
	}
	if c.RPC.HealthCheckInterval == "" {
		c.RPC.HealthCheckInterval = d.RPC.HealthCheckInterval
	}
	if c.Store == nil {
		c.Store = d.Store
	}
	if c.Store.RefreshInterval == "" {
		c.Store.RefreshInterval = d.Store.RefreshInterval
	}
	if c.Wallet == nil {
		c.Wallet = d.Wallet
	}
	if c.Wallet.PollInterval == "" {
		c.Wallet.PollInterval = d.Wallet.PollInterval
	}
	if c.Wallet.RequestTimeout == "" {
		c.Wallet.RequestTimeout = d.Wallet.RequestTimeout
	}
	if c.Wallet.ReceiptPollInterval == "" {
		c.Wallet.ReceiptPollInterval = d.Wallet.ReceiptPollInterval
	}
	if c.Wallet.ReceiptTimeout == "" {
		c.Wallet.ReceiptTimeout = d.Wallet.ReceiptTimeout
	}
	if c.Output == nil {
		c.Output = d.Output
	}
	if c.Output.Format == "" {
		c.Output.Format = d.Output.Format
	}
	if c.Output.Kafka != nil && len(c.Output.Kafka.Topics) == 0 {
		c.Output.Kafka.Topics = DefaultKafkaTopics()
	}
	if c.API == nil {
		c.API = d.API
	}
	if c.Logging == nil {
		c.Logging = d.Logging
	}
}

// Validate 校验配置并规范化链ID
func (c *Config) Validate() error {
	if c.Chain == nil || c.Contract == nil || c.RPC == nil ||
		c.Store == nil || c.Wallet == nil || c.Output == nil {
		return fmt.Errorf("配置不完整，请先调用 ApplyDefaults")
	}

	chainID, err := NormalizeChainID(c.Chain.ChainID)
	if err != nil {
		return err
	}
	c.Chain.ChainID = chainID

	if c.Chain.ChainName == "" {
		return fmt.Errorf("chain.chain_name 不能为空")
	}
	if len(c.Chain.RPCURLs) == 0 {
		return fmt.Errorf("chain.rpc_urls 至少需要一个地址")
	}
	if !common.IsHexAddress(c.Contract.Address) {
		return fmt.Errorf("无效的合约地址: %s", c.Contract.Address)
	}
	if c.Contract.Decimals < 0 || c.Contract.Decimals > 36 {
		return fmt.Errorf("无效的代币精度: %d", c.Contract.Decimals)
	}
	if len(c.RPC.Nodes) == 0 {
		return fmt.Errorf("rpc.nodes 至少需要一个节点")
	}
	for _, node := range c.RPC.Nodes {
		if node.URL == "" {
			return fmt.Errorf("节点 %s 缺少URL", node.Name)
		}
		if node.RateLimit < 0 {
			return fmt.Errorf("节点 %s 的速率限制不能为负数", node.Name)
		}
	}

	durations := map[string]string{
		"rpc.timeout":                  c.RPC.Timeout,
		"rpc.health_check_interval":    c.RPC.HealthCheckInterval,
		"store.refresh_interval":       c.Store.RefreshInterval,
		"wallet.poll_interval":         c.Wallet.PollInterval,
		"wallet.request_timeout":       c.Wallet.RequestTimeout,
		"wallet.receipt_poll_interval": c.Wallet.ReceiptPollInterval,
		"wallet.receipt_timeout":       c.Wallet.ReceiptTimeout,
	}
	for key, value := range durations {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%s 不是有效的时间间隔: %w", key, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s 必须大于0", key)
		}
	}

	for _, inj := range c.Wallet.Injections {
		if inj.Path == "" || inj.URL == "" {
			return fmt.Errorf("钱包注入点需要 path 和 url")
		}
	}

	switch c.Output.Format {
	case "none", "file":
	case "kafka", "kafka_async":
		if c.Output.Kafka == nil || len(c.Output.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka 输出需要至少一个broker")
		}
	default:
		return fmt.Errorf("不支持的输出格式: %s", c.Output.Format)
	}

	return nil
}

// NormalizeChainID 把十进制或十六进制链ID统一成小写0x形式
func NormalizeChainID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("chain.chain_id 不能为空")
	}

	base := 10
	if strings.HasPrefix(id, "0x") || strings.HasPrefix(id, "0X") {
		id, base = id[2:], 16
	}

	n, ok := new(big.Int).SetString(id, base)
	if !ok || n.Sign() <= 0 {
		return "", fmt.Errorf("无效的链ID: %s", id)
	}
	return hexutil.EncodeBig(n), nil
}

// RefreshIntervalDuration 刷新间隔
func (s *StoreConfig) RefreshIntervalDuration() time.Duration {
	return parseDurationOr(s.RefreshInterval, 30*time.Second)
}

// TimeoutDuration 只读调用超时
func (r *RPCConfig) TimeoutDuration() time.Duration {
	return parseDurationOr(r.Timeout, 15*time.Second)
}

// HealthCheckDuration 节点健康检查间隔
func (r *RPCConfig) HealthCheckDuration() time.Duration {
	return parseDurationOr(r.HealthCheckInterval, 30*time.Second)
}

// PollDuration 钱包事件轮询间隔
func (w *WalletConfig) PollDuration() time.Duration {
	return parseDurationOr(w.PollInterval, 2*time.Second)
}

// RequestTimeoutDuration 钱包请求超时（包含用户确认时间）
func (w *WalletConfig) RequestTimeoutDuration() time.Duration {
	return parseDurationOr(w.RequestTimeout, 5*time.Minute)
}

// ReceiptPollDuration 交易回执轮询间隔
func (w *WalletConfig) ReceiptPollDuration() time.Duration {
	return parseDurationOr(w.ReceiptPollInterval, 3*time.Second)
}

// ReceiptTimeoutDuration 等待上链的最长时间
func (w *WalletConfig) ReceiptTimeoutDuration() time.Duration {
	return parseDurationOr(w.ReceiptTimeout, 10*time.Minute)
}

func parseDurationOr(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
