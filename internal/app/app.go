package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"presale/internal/config"
	"presale/internal/connection"
	"presale/internal/contract"
	"presale/internal/metrics"
	"presale/internal/output"
	"presale/internal/progress"
	"presale/internal/shutdown"
	"presale/internal/store"
	"presale/internal/validation"
	"presale/internal/wallet"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// App 组装好的运行时组件
type App struct {
	Config    *config.Config
	Logger    *logrus.Logger
	Pool      *connection.ConnectionPool
	Reader    *contract.Reader
	Store     *store.Store
	Cache     *progress.Manager // 未启用缓存时为nil
	Session   *wallet.ChainSession
	Writer    *contract.Writer
	Output    output.Output
	Forwarder *output.Forwarder
	Validator *validation.Validator
	Settings  *config.DatabaseConfig // 未设置 PRESALE_DB_DSN 时为nil
	Shutdown  *shutdown.GracefulShutdown

	closeWallets func()
}

// Options 组装选项
type Options struct {
	StrictValidation bool
	ShutdownTimeout  time.Duration
}

// New 按配置组装所有组件，不启动定时刷新
// 任一步失败时关闭已创建的资源
func New(ctx context.Context, cfg *config.Config, logger *logrus.Logger, opts Options) (*App, error) {
	a := &App{
		Config:       cfg,
		Logger:       logger,
		Shutdown:     shutdown.NewGracefulShutdown(opts.ShutdownTimeout, logger),
		closeWallets: func() {},
	}

	if err := a.build(ctx, opts); err != nil {
		a.Shutdown.Shutdown()
		_ = a.Shutdown.Wait()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, opts Options) error {
	cfg := a.Config
	metrics.Init(cfg.API.EnableMetrics)

	// 只读节点
	a.Pool = connection.NewConnectionPool(cfg.RPC.Nodes, cfg.Chain.ChainID, cfg.RPC.HealthCheckDuration(), a.Logger)
	a.Shutdown.Register("rpc_pool", shutdown.OrderCloseRPC, func(context.Context) error {
		return a.Pool.Close()
	})
	if err := a.Pool.Initialize(ctx); err != nil {
		return fmt.Errorf("初始化节点连接池失败: %w", err)
	}

	contractABI, err := contract.LoadABI(cfg.Contract.ABIPath)
	if err != nil {
		return fmt.Errorf("加载合约ABI失败: %w", err)
	}
	a.Reader = contract.NewReader(a.Pool, common.HexToAddress(cfg.Contract.Address), contractABI, cfg.Contract.Decimals, a.Logger)

	// 状态仓库与快照缓存
	a.Store = store.NewStore(a.Reader, cfg.Store.RefreshIntervalDuration(), cfg.RPC.TimeoutDuration(), a.Logger)
	a.Shutdown.Register("presale_refresh", shutdown.OrderStopRefresh, func(context.Context) error {
		a.Store.Close()
		return nil
	})
	if cfg.Store.CacheEnabled {
		cache, err := progress.NewManager(cfg.Store.CachePath, a.Logger)
		if err != nil {
			a.Logger.Warnf("初始化快照缓存失败: %v，将不使用缓存", err)
		} else {
			a.Cache = cache
			a.Store.SetCache(cache)
			a.Shutdown.Register("snapshot_cache", shutdown.OrderCloseSnapshot, func(context.Context) error {
				return cache.Close()
			})
			if a.Store.WarmStart() {
				a.Logger.Info("已从缓存恢复预售快照")
			}
		}
	}

	// 钱包会话
	registry, closeWallets := wallet.RegistryFromConfig(ctx, cfg.Wallet, a.Logger)
	a.closeWallets = closeWallets
	detector := wallet.NewDetector(registry, wallet.DefaultStrategies(), a.Logger)
	a.Session = wallet.NewChainSession(detector, cfg.Chain, cfg.Wallet.RequestTimeoutDuration(), a.Logger)
	a.Shutdown.Register("wallet_session", shutdown.OrderCloseSession, func(context.Context) error {
		a.Session.Close()
		a.closeWallets()
		return nil
	})

	// 写操作
	a.Writer = contract.NewWriter(a.Reader, a.Session, a.Pool, contract.NewWriterConfig(cfg.Contract, cfg.Wallet), a.Logger)
	a.Writer.SetRefresher(a.Store)
	if a.Cache != nil {
		a.Writer.AddRecorder(a.Cache)
	}

	// 输出
	a.Output, err = output.NewOutput(cfg.Output, a.Logger)
	if err != nil {
		return fmt.Errorf("创建输出器失败: %w", err)
	}
	a.Writer.AddRecorder(a.Output)
	a.Shutdown.Register("outputs", shutdown.OrderFlushOutputs, func(context.Context) error {
		if a.Forwarder != nil {
			a.Forwarder.Stop()
		}
		return a.Output.Close()
	})

	a.Validator = validation.NewValidator(a.Logger, opts.StrictValidation)

	if dsn := os.Getenv("PRESALE_DB_DSN"); dsn != "" {
		settings, err := config.NewDatabaseConfig(dsn, a.Logger)
		if err != nil {
			a.Logger.Warnf("连接配置数据库失败: %v，配置管理接口不可用", err)
		} else {
			a.Settings = settings
			a.Shutdown.Register("settings_db", shutdown.OrderCloseSnapshot, func(context.Context) error {
				return settings.Close()
			})
		}
	}

	return nil
}

// Run 先订阅输出转发，再恢复钱包会话并启动定时刷新，随停机上下文结束
func (a *App) Run() {
	ctx := a.Shutdown.Context()
	a.Forwarder = output.NewForwarder(a.Output, a.Store, a.Session, a.Logger)

	restoreCtx, cancel := context.WithTimeout(ctx, a.Config.Wallet.RequestTimeoutDuration())
	if session, err := a.Session.Restore(restoreCtx); err != nil {
		a.Logger.Warnf("恢复钱包会话失败: %v", err)
	} else if session.IsConnected() {
		a.Logger.Infof("已恢复钱包会话: %s", session.Address)
	}
	cancel()

	a.Store.Start(ctx)
}

// Close 按停机顺序释放所有组件
func (a *App) Close() error {
	a.Shutdown.Shutdown()
	return a.Shutdown.Wait()
}
