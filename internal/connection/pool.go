package connection

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"presale/internal/config"
	"presale/internal/metrics"
	"presale/internal/retry"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Backend 单个只读节点所需的能力，*ethclient.Client 实现该接口
type Backend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	ChainID(ctx context.Context) (*big.Int, error)
	Close()
}

// ConnectionPool 只读RPC节点池，按优先级选择健康节点
// 每次调用只发往一个节点，失败不在其他节点上重试
type ConnectionPool struct {
	nodes       []*config.NodeConfig
	pools       []*NodePool
	chainID     *big.Int
	logger      *logrus.Logger
	mu          sync.RWMutex
	healthCheck time.Duration
	quit        chan struct{}
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

// NodePool 单个节点的客户端、限流器与健康状态
type NodePool struct {
	nodeConfig *config.NodeConfig
	client     Backend
	limiter    *rate.Limiter
	logger     *logrus.Logger
	mu         sync.Mutex
	isHealthy  bool
	lastCheck  time.Time
	calls      uint64
	errors     uint64
}

// NewConnectionPool 创建连接池，chainID 为空时不校验节点所在链
func NewConnectionPool(nodes []*config.NodeConfig, chainID string, healthCheck time.Duration, logger *logrus.Logger) *ConnectionPool {
	if healthCheck <= 0 {
		healthCheck = 30 * time.Second
	}

	var expected *big.Int
	if chainID != "" {
		if normalized, err := config.NormalizeChainID(chainID); err == nil {
			expected, _ = new(big.Int).SetString(normalized[2:], 16)
		}
	}

	return &ConnectionPool{
		nodes:       nodes,
		chainID:     expected,
		logger:      logger,
		healthCheck: healthCheck,
		quit:        make(chan struct{}),
	}
}

// Initialize 连接所有配置的节点并启动健康检查
func (cp *ConnectionPool) Initialize(ctx context.Context) error {
	for _, node := range cp.nodes {
		var client *ethclient.Client
		err := retry.Dial(ctx, node.Name, func() error {
			var err error
			client, err = ethclient.DialContext(ctx, node.URL)
			return err
		}, cp.logger)
		if err != nil {
			cp.logger.Warnf("初始化节点 %s 失败: %v", node.Name, err)
			continue
		}

		if err := cp.AddNode(ctx, node, client); err != nil {
			cp.logger.Warnf("节点 %s 校验失败: %v", node.Name, err)
			client.Close()
			continue
		}
	}

	cp.mu.RLock()
	count := len(cp.pools)
	cp.mu.RUnlock()
	if count == 0 {
		return fmt.Errorf("没有可用的节点")
	}

	cp.wg.Add(1)
	go cp.healthChecker()
	return nil
}

// AddNode 加入一个已连接的节点，加入前校验链ID
func (cp *ConnectionPool) AddNode(ctx context.Context, node *config.NodeConfig, client Backend) error {
	pool := NewNodePool(node, client, cp.logger)
	if err := pool.check(ctx, cp.chainID); err != nil {
		return err
	}

	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.pools = append(cp.pools, pool)
	sort.SliceStable(cp.pools, func(i, j int) bool {
		return cp.pools[i].nodeConfig.Priority < cp.pools[j].nodeConfig.Priority
	})
	cp.logger.Infof("节点 %s 已加入连接池", node.Name)
	return nil
}

// NewNodePool 创建节点，RateLimit 为0时不限流
func NewNodePool(nodeConfig *config.NodeConfig, client Backend, logger *logrus.Logger) *NodePool {
	limit := rate.Inf
	burst := 1
	if nodeConfig.RateLimit > 0 {
		limit = rate.Limit(nodeConfig.RateLimit)
		burst = nodeConfig.RateLimit
	}

	return &NodePool{
		nodeConfig: nodeConfig,
		client:     client,
		limiter:    rate.NewLimiter(limit, burst),
		logger:     logger,
		isHealthy:  true,
	}
}

// check 查询链ID并更新健康状态
func (np *NodePool) check(ctx context.Context, expected *big.Int) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	id, err := np.client.ChainID(ctx)
	if err == nil && expected != nil && id.Cmp(expected) != 0 {
		err = fmt.Errorf("节点链ID %s 与目标链 %s 不一致", id, expected)
	}

	np.mu.Lock()
	np.isHealthy = err == nil
	np.lastCheck = time.Now()
	np.mu.Unlock()
	return err
}

// IsHealthy 节点是否健康
func (np *NodePool) IsHealthy() bool {
	np.mu.Lock()
	defer np.mu.Unlock()
	return np.isHealthy
}

// observe 记录调用结果；只有传输层错误会把节点标记为不健康
func (np *NodePool) observe(err error) {
	metrics.RecordRPCCall(np.nodeConfig.Name, err)

	np.mu.Lock()
	defer np.mu.Unlock()
	np.calls++
	if err == nil || errors.Is(err, ethereum.NotFound) {
		return
	}
	np.errors++

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	if np.isHealthy {
		np.logger.Warnf("节点 %s 调用失败，标记为不健康: %v", np.nodeConfig.Name, err)
	}
	np.isHealthy = false
}

// pick 选择优先级最高的健康节点
func (cp *ConnectionPool) pick() (*NodePool, error) {
	cp.mu.RLock()
	defer cp.mu.RUnlock()

	for _, pool := range cp.pools {
		if pool.IsHealthy() {
			return pool, nil
		}
	}
	return nil, fmt.Errorf("没有可用的健康节点")
}

// CallContract 在选中的节点上执行只读调用
func (cp *ConnectionPool) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	pool, err := cp.pick()
	if err != nil {
		return nil, err
	}
	if err := pool.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("节点 %s 限流等待失败: %w", pool.nodeConfig.Name, err)
	}

	out, err := pool.client.CallContract(ctx, call, blockNumber)
	pool.observe(err)
	return out, err
}

// TransactionReceipt 查询交易回执，未打包时返回 ethereum.NotFound
func (cp *ConnectionPool) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	pool, err := cp.pick()
	if err != nil {
		return nil, err
	}
	if err := pool.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("节点 %s 限流等待失败: %w", pool.nodeConfig.Name, err)
	}

	receipt, err := pool.client.TransactionReceipt(ctx, txHash)
	pool.observe(err)
	return receipt, err
}

// healthChecker 健康检查器
func (cp *ConnectionPool) healthChecker() {
	defer cp.wg.Done()

	ticker := time.NewTicker(cp.healthCheck)
	defer ticker.Stop()

	for {
		select {
		case <-cp.quit:
			return
		case <-ticker.C:
			cp.CheckHealth(context.Background())
		}
	}
}

// CheckHealth 立即检查所有节点
func (cp *ConnectionPool) CheckHealth(ctx context.Context) {
	cp.mu.RLock()
	pools := append([]*NodePool(nil), cp.pools...)
	cp.mu.RUnlock()

	for _, pool := range pools {
		if err := pool.check(ctx, cp.chainID); err != nil {
			cp.logger.Warnf("节点 %s 健康检查失败: %v", pool.nodeConfig.Name, err)
		} else {
			cp.logger.Debugf("节点 %s 健康检查通过", pool.nodeConfig.Name)
		}
	}
}

// GetStats 获取连接池统计信息
func (cp *ConnectionPool) GetStats() map[string]interface{} {
	cp.mu.RLock()
	defer cp.mu.RUnlock()

	stats := make(map[string]interface{})
	for _, pool := range cp.pools {
		pool.mu.Lock()
		stats[pool.nodeConfig.Name] = map[string]interface{}{
			"url":        pool.nodeConfig.URL,
			"priority":   pool.nodeConfig.Priority,
			"rate_limit": pool.nodeConfig.RateLimit,
			"is_healthy": pool.isHealthy,
			"calls":      pool.calls,
			"errors":     pool.errors,
			"last_check": pool.lastCheck.Format(time.RFC3339),
		}
		pool.mu.Unlock()
	}
	return stats
}

// Close 停止健康检查并关闭所有客户端，可重复调用
func (cp *ConnectionPool) Close() error {
	cp.closeOnce.Do(func() {
		close(cp.quit)
		cp.wg.Wait()

		cp.mu.Lock()
		defer cp.mu.Unlock()
		for _, pool := range cp.pools {
			pool.client.Close()
		}
		cp.pools = nil
		cp.logger.Info("连接池已关闭")
	})
	return nil
}
