package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// 停机顺序，数字越小越早执行
const (
	OrderStopServer    = 10 // 停止接受HTTP请求
	OrderStopRefresh   = 20 // 停止定时刷新
	OrderCloseSession  = 30 // 断开钱包会话与钱包连接
	OrderFlushOutputs  = 40 // 停止转发并刷新输出器
	OrderCloseRPC      = 50 // 关闭只读节点连接池
	OrderCloseSnapshot = 60 // 关闭快照缓存
)

// GracefulShutdown 优雅停机管理器
type GracefulShutdown struct {
	logger         *logrus.Logger
	timeout        time.Duration
	shutdownFuncs  []ShutdownFunc
	mu             sync.Mutex
	signalChan     chan os.Signal
	ctx            context.Context
	cancel         context.CancelFunc
	done           chan struct{}
	isShuttingDown bool
	err            error
}

// ShutdownFunc 停机处理函数
type ShutdownFunc struct {
	Name  string
	Func  func(ctx context.Context) error
	Order int
}

// NewGracefulShutdown 创建优雅停机管理器
func NewGracefulShutdown(timeout time.Duration, logger *logrus.Logger) *GracefulShutdown {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &GracefulShutdown{
		logger:     logger,
		timeout:    timeout,
		signalChan: make(chan os.Signal, 1),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Register 注册停机处理函数，同一顺序按注册先后执行
func (gs *GracefulShutdown) Register(name string, order int, fn func(ctx context.Context) error) {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	gs.shutdownFuncs = append(gs.shutdownFuncs, ShutdownFunc{Name: name, Func: fn, Order: order})
	gs.logger.Debugf("注册停机处理函数: %s (order: %d)", name, order)
}

// Start 开始监听 SIGINT 与 SIGTERM，收到信号后执行停机
func (gs *GracefulShutdown) Start() {
	signal.Notify(gs.signalChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-gs.signalChan:
			gs.logger.Infof("收到停机信号: %v", sig)
			gs.Shutdown()
		case <-gs.ctx.Done():
		}
	}()
	gs.logger.Info("优雅停机管理器已启动，监听信号: SIGINT, SIGTERM")
}

// Context 停机开始时取消的上下文，长时间运行的任务以此为父上下文
func (gs *GracefulShutdown) Context() context.Context {
	return gs.ctx
}

// Done 停机完成后关闭
func (gs *GracefulShutdown) Done() <-chan struct{} {
	return gs.done
}

// Wait 等待停机完成，返回各处理函数的错误
func (gs *GracefulShutdown) Wait() error {
	<-gs.done
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.err
}

// Shutdown 执行停机，重复调用只执行一次
func (gs *GracefulShutdown) Shutdown() {
	gs.mu.Lock()
	if gs.isShuttingDown {
		gs.mu.Unlock()
		return
	}
	gs.isShuttingDown = true
	funcs := append([]ShutdownFunc(nil), gs.shutdownFuncs...)
	gs.mu.Unlock()

	signal.Stop(gs.signalChan)
	gs.cancel()

	err := gs.run(funcs)

	gs.mu.Lock()
	gs.err = err
	gs.mu.Unlock()
	close(gs.done)
}

// run 按顺序执行停机函数，超时后跳过剩余的函数
func (gs *GracefulShutdown) run(funcs []ShutdownFunc) error {
	gs.logger.Info("开始优雅停机流程...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), gs.timeout)
	defer shutdownCancel()

	sort.SliceStable(funcs, func(i, j int) bool {
		return funcs[i].Order < funcs[j].Order
	})

	var errs []error
	for i, fn := range funcs {
		if shutdownCtx.Err() != nil {
			gs.logger.Warnf("停机超时，跳过剩余 %d 个处理", len(funcs)-i)
			errs = append(errs, fmt.Errorf("停机超时: %w", shutdownCtx.Err()))
			break
		}

		start := time.Now()
		if err := fn.Func(shutdownCtx); err != nil {
			gs.logger.Errorf("停机处理 '%s' 失败 (耗时: %v): %v", fn.Name, time.Since(start), err)
			errs = append(errs, fmt.Errorf("%s: %w", fn.Name, err))
			continue
		}
		gs.logger.Debugf("停机处理 '%s' 完成 (耗时: %v)", fn.Name, time.Since(start))
	}

	if len(errs) > 0 {
		gs.logger.Errorf("停机过程中发生 %d 个错误", len(errs))
		return errors.Join(errs...)
	}
	gs.logger.Info("优雅停机流程完成")
	return nil
}

// IsShuttingDown 是否正在停机
func (gs *GracefulShutdown) IsShuttingDown() bool {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.isShuttingDown
}

// GetRegisteredFunctions 已注册的停机函数名称
func (gs *GracefulShutdown) GetRegisteredFunctions() []string {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	names := make([]string, len(gs.shutdownFuncs))
	for i, fn := range gs.shutdownFuncs {
		names[i] = fn.Name
	}
	return names
}
