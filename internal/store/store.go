// Package store 预售状态仓库：进程内唯一的读模型缓存
package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"presale/internal/contract"
	perrors "presale/internal/errors"
	"presale/internal/metrics"
	"presale/pkg/models"

	"github.com/ethereum/go-ethereum/event"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const refreshKey = "refresh"

// Source 预售配置与计数器的来源，contract.Reader 实现该接口
type Source interface {
	GetConfig(ctx context.Context) (*models.PresaleConfig, error)
	GetCounters(ctx context.Context) (*models.PresaleCounters, error)
}

// Cache 快照持久化
type Cache interface {
	SaveSnapshot(snapshot *models.PresaleSnapshot) error
	LoadSnapshot() (*models.PresaleSnapshot, error)
}

// Store 预售状态仓库
// 配置与计数器作为一个不可变元组整体发布；过期的刷新结果按序号丢弃
type Store struct {
	source     Source
	interval   time.Duration
	timeout    time.Duration
	logger     *logrus.Logger
	errHandler *perrors.ErrorHandler
	cache      Cache
	now        func() time.Time

	group   singleflight.Group
	nextSeq atomic.Uint64

	mu        sync.RWMutex
	config    *models.PresaleConfig
	counters  *models.PresaleCounters
	errMsg    string
	updatedAt time.Time
	published uint64
	inflight  int

	// sendMu 串行化发布，保证订阅方收到的序号不回退
	sendMu sync.Mutex
	feed   event.Feed
	scope  event.SubscriptionScope

	runMu   sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewStore 创建状态仓库，初始为加载中
func NewStore(source Source, interval, timeout time.Duration, logger *logrus.Logger) *Store {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &Store{
		source:     source,
		interval:   interval,
		timeout:    timeout,
		logger:     logger,
		errHandler: perrors.NewErrorHandler(logger),
		now:        time.Now,
	}
}

// SetClock 替换时间来源
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// SetCache 设置快照缓存，每次成功发布后写入
func (s *Store) SetCache(cache Cache) {
	s.cache = cache
}

// WarmStart 从缓存恢复上次发布的数据，直到首次刷新完成前仍处于加载中
func (s *Store) WarmStart() bool {
	if s.cache == nil {
		return false
	}

	snap, err := s.cache.LoadSnapshot()
	if err != nil {
		s.logger.Warnf("读取快照缓存失败: %v", err)
		return false
	}
	if !snap.Ready() {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.published > 0 {
		return false
	}
	s.config = snap.Config
	s.counters = snap.Counters
	s.updatedAt = snap.UpdatedAt
	s.logger.Infof("已从缓存恢复预售快照（%s）", snap.UpdatedAt.Format(time.RFC3339))
	return true
}

// Refresh 刷新状态；已有刷新在进行时合并到该次刷新
func (s *Store) Refresh(ctx context.Context) error {
	return s.do(ctx)
}

// ForceRefresh 忽略进行中的刷新，立即发起新的拉取
func (s *Store) ForceRefresh(ctx context.Context) error {
	s.group.Forget(refreshKey)
	return s.do(ctx)
}

func (s *Store) do(ctx context.Context) error {
	// 拉取与调用方解耦，调用方放弃等待时结果仍会按序号发布
	fetchCtx := context.WithoutCancel(ctx)
	ch := s.group.DoChan(refreshKey, func() (interface{}, error) {
		return nil, s.fetch(fetchCtx)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fetch 并发拉取配置与计数器，并以一次加锁整体发布
func (s *Store) fetch(ctx context.Context) error {
	seq := s.nextSeq.Add(1)
	start := time.Now()

	s.mu.Lock()
	s.inflight++
	s.mu.Unlock()
	s.emit()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var (
		cfg      *models.PresaleConfig
		counters *models.PresaleCounters
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		cfg, err = s.source.GetConfig(gctx)
		return err
	})
	g.Go(func() (err error) {
		counters, err = s.source.GetCounters(gctx)
		return err
	})
	err := g.Wait()

	s.mu.Lock()
	s.inflight--
	if seq <= s.published {
		snap := s.snapshotLocked()
		s.mu.Unlock()

		metrics.RecordStaleDiscard()
		s.logger.Debugf("丢弃过期的刷新结果 #%d（已发布 #%d）", seq, snap.Sequence)
		s.emit()
		return err
	}

	s.published = seq
	if err != nil {
		s.errMsg = s.errHandler.HandleError("presale_store", err)
	} else {
		s.config = cfg
		s.counters = counters
		s.errMsg = ""
		s.updatedAt = s.now()
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if err != nil {
		metrics.RecordRefresh("error", time.Since(start))
	} else {
		metrics.RecordRefresh("success", time.Since(start))
		s.logger.Debugf("预售状态已刷新 #%d，状态 %s", seq, snap.Status)
		if s.cache != nil {
			if cerr := s.cache.SaveSnapshot(&snap); cerr != nil {
				s.logger.Warnf("写入快照缓存失败: %v", cerr)
			}
		}
	}

	s.emit()
	return err
}

// emit 在发布锁内取最新快照再推送；并发刷新先拿到锁的一方不会推送更新后才产生的旧帧
func (s *Store) emit() {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	s.feed.Send(s.Snapshot())
}

// snapshotLocked 构造快照，状态在读取时推导；调用方持有锁
func (s *Store) snapshotLocked() models.PresaleSnapshot {
	return models.PresaleSnapshot{
		Config:    s.config,
		Counters:  s.counters,
		Status:    contract.GetStatus(s.config, s.counters, s.now()),
		Loading:   s.inflight > 0 || s.published == 0,
		Error:     s.errMsg,
		UpdatedAt: s.updatedAt,
		Sequence:  s.published,
	}
}

// Snapshot 当前快照
func (s *Store) Snapshot() models.PresaleSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// Subscribe 订阅快照发布；慢速接收方会阻塞刷新，应使用带缓冲的通道
// 推送按发生顺序送达，Sequence 单调不减，同一序号可能重复出现（如加载中与完成两帧）
func (s *Store) Subscribe(ch chan<- models.PresaleSnapshot) event.Subscription {
	return s.scope.Track(s.feed.Subscribe(ch))
}

// Start 启动定时刷新，立即执行一次
func (s *Store) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.loop(ctx, s.done)
	s.logger.Infof("预售状态定时刷新已启动，间隔 %s", s.interval)
}

func (s *Store) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if err := s.Refresh(ctx); err != nil && ctx.Err() == nil {
			s.logger.Debugf("定时刷新失败: %v", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stop 停止定时刷新，可重复调用
func (s *Store) Stop() {
	s.runMu.Lock()
	if !s.running {
		s.runMu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.runMu.Unlock()

	cancel()
	<-done
	s.logger.Info("预售状态定时刷新已停止")
}

// Close 停止刷新并关闭所有订阅
func (s *Store) Close() {
	s.Stop()
	s.scope.Close()
}

// Errors 错误统计
func (s *Store) Errors() perrors.ErrorStats {
	return s.errHandler.GetStats()
}
