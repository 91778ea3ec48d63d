package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	perrors "presale/internal/errors"
	"presale/internal/store"
	"presale/pkg/models"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatedSource 第 n 次拉取返回 StartTime=n 的配置与 TokensSold=n 的计数器
// 为某次拉取设置闸门后，该次拉取会阻塞到闸门关闭
type gatedSource struct {
	mu            sync.Mutex
	configCalls   int
	counterCalls  int
	configGates   map[int]chan struct{}
	counterGates  map[int]chan struct{}
	counterErrors map[int]error
	started       chan int
}

func newGatedSource() *gatedSource {
	return &gatedSource{
		configGates:   make(map[int]chan struct{}),
		counterGates:  make(map[int]chan struct{}),
		counterErrors: make(map[int]error),
		started:       make(chan int, 64),
	}
}

func (g *gatedSource) GetConfig(ctx context.Context) (*models.PresaleConfig, error) {
	g.mu.Lock()
	g.configCalls++
	n := g.configCalls
	gate := g.configGates[n]
	g.mu.Unlock()

	g.started <- n
	if gate != nil {
		<-gate
	}
	return &models.PresaleConfig{
		StartTime: int64(n),
		EndTime:   time.Now().Add(time.Hour).Unix(),
		HardCap:   decimal.NewFromInt(1000),
	}, nil
}

func (g *gatedSource) GetCounters(ctx context.Context) (*models.PresaleCounters, error) {
	g.mu.Lock()
	g.counterCalls++
	n := g.counterCalls
	gate := g.counterGates[n]
	err := g.counterErrors[n]
	g.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return &models.PresaleCounters{TokensSold: decimal.NewFromInt(int64(n))}, nil
}

func (g *gatedSource) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.configCalls
}

func waitStarted(t *testing.T, src *gatedSource, n int) {
	t.Helper()
	for {
		select {
		case got := <-src.started:
			if got == n {
				return
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("拉取 #%d 未开始", n)
		}
	}
}

func newStore(src store.Source) *store.Store {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return store.NewStore(src, time.Hour, time.Second, logger)
}

func TestStore_InitialSnapshotIsLoading(t *testing.T) {
	s := newStore(newGatedSource())

	snap := s.Snapshot()
	assert.True(t, snap.Loading)
	assert.False(t, snap.Ready())
	assert.Equal(t, models.StatusUnknown, snap.Status)
	assert.Zero(t, snap.Sequence)
}

func TestStore_Refresh(t *testing.T) {
	src := newGatedSource()
	s := newStore(src)

	require.NoError(t, s.Refresh(context.Background()))

	snap := s.Snapshot()
	assert.False(t, snap.Loading)
	assert.True(t, snap.Ready())
	assert.Empty(t, snap.Error)
	assert.Equal(t, uint64(1), snap.Sequence)
	assert.Equal(t, models.StatusActive, snap.Status)
	assert.False(t, snap.UpdatedAt.IsZero())
}

// 刷新A先开始，刷新B后开始且先完成，A最后完成：发布结果为B
func TestStore_StaleRefreshDiscarded(t *testing.T) {
	src := newGatedSource()
	gateA := make(chan struct{})
	src.configGates[1] = gateA
	s := newStore(src)

	doneA := make(chan error, 1)
	go func() { doneA <- s.ForceRefresh(context.Background()) }()
	waitStarted(t, src, 1)

	require.NoError(t, s.ForceRefresh(context.Background()))
	afterB := s.Snapshot()
	require.True(t, afterB.Ready())
	assert.Equal(t, int64(2), afterB.Config.StartTime)
	assert.True(t, afterB.Loading, "A仍在进行中")

	close(gateA)
	require.NoError(t, <-doneA)

	final := s.Snapshot()
	assert.Equal(t, int64(2), final.Config.StartTime)
	assert.Equal(t, afterB.Sequence, final.Sequence)
	assert.False(t, final.Loading)
}

func TestStore_ConcurrentRefreshCoalesces(t *testing.T) {
	src := newGatedSource()
	gate := make(chan struct{})
	src.configGates[1] = gate
	s := newStore(src)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		errs <- s.Refresh(context.Background())
	}()
	waitStarted(t, src, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		errs <- s.Refresh(context.Background())
	}()
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.NoError(t, <-errs)
	assert.NoError(t, <-errs)
	assert.Equal(t, 1, src.calls())
	assert.Equal(t, uint64(1), s.Snapshot().Sequence)
}

// 配置已返回而计数器未返回时，观察者看到的仍是上一轮的完整元组
func TestStore_AtomicPublish(t *testing.T) {
	src := newGatedSource()
	s := newStore(src)

	published := make(chan models.PresaleSnapshot, 64)
	sub := s.Subscribe(published)
	defer sub.Unsubscribe()

	require.NoError(t, s.Refresh(context.Background()))

	gate := make(chan struct{})
	src.mu.Lock()
	src.counterGates[2] = gate
	src.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- s.Refresh(context.Background()) }()
	waitStarted(t, src, 2)
	time.Sleep(20 * time.Millisecond)

	mid := s.Snapshot()
	assert.Equal(t, int64(1), mid.Config.StartTime)
	assert.Equal(t, int64(1), mid.Counters.TokensSold.IntPart())
	assert.True(t, mid.Loading)

	close(gate)
	require.NoError(t, <-done)

	final := s.Snapshot()
	assert.Equal(t, int64(2), final.Config.StartTime)
	assert.Equal(t, int64(2), final.Counters.TokensSold.IntPart())

	close(published)
	count := 0
	for snap := range published {
		count++
		if snap.Ready() {
			assert.Equal(t, snap.Config.StartTime, snap.Counters.TokensSold.IntPart(), "部分更新的快照: %+v", snap)
		}
	}
	// 每次刷新发布开始与结束两个快照
	assert.Equal(t, 4, count)
}

// 并发刷新时订阅方收到的序号不回退，最后一帧即最终状态
func TestStore_SubscribersSeeOrderedSequences(t *testing.T) {
	src := newGatedSource()
	s := newStore(src)

	published := make(chan models.PresaleSnapshot, 128)
	sub := s.Subscribe(published)
	defer sub.Unsubscribe()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.ForceRefresh(context.Background()))
		}()
	}
	wg.Wait()

	final := s.Snapshot()
	sub.Unsubscribe()
	close(published)

	var (
		last  uint64
		frame models.PresaleSnapshot
		count int
	)
	for frame = range published {
		count++
		assert.GreaterOrEqual(t, frame.Sequence, last, "序号回退")
		last = frame.Sequence
	}
	require.NotZero(t, count)
	assert.Equal(t, final.Sequence, frame.Sequence)
	assert.False(t, frame.Loading)
}

func TestStore_ErrorKeepsPreviousData(t *testing.T) {
	src := newGatedSource()
	src.counterErrors[2] = perrors.NewRPCError("tokensSold", errors.New("connection reset"))
	s := newStore(src)

	require.NoError(t, s.Refresh(context.Background()))

	err := s.Refresh(context.Background())
	require.Error(t, err)

	snap := s.Snapshot()
	assert.Equal(t, "Failed to fetch presale information. Please try again later.", snap.Error)
	require.True(t, snap.Ready())
	assert.Equal(t, int64(1), snap.Config.StartTime)
	assert.Equal(t, int64(1), snap.Counters.TokensSold.IntPart())
	assert.False(t, snap.Loading)
	assert.Equal(t, 1, s.Errors().TotalErrors)

	require.NoError(t, s.Refresh(context.Background()))
	snap = s.Snapshot()
	assert.Empty(t, snap.Error)
	assert.Equal(t, int64(3), snap.Config.StartTime)
}

func TestStore_StatusDerivedAtReadTime(t *testing.T) {
	src := newGatedSource()
	s := newStore(src)
	require.NoError(t, s.Refresh(context.Background()))
	assert.Equal(t, models.StatusActive, s.Snapshot().Status)

	s.SetClock(func() time.Time { return time.Now().Add(2 * time.Hour) })
	assert.Equal(t, models.StatusEnded, s.Snapshot().Status)
}

func TestStore_StartStop(t *testing.T) {
	src := newGatedSource()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	s := store.NewStore(src, 10*time.Millisecond, time.Second, logger)

	s.Start(context.Background())
	s.Start(context.Background())

	assert.Eventually(t, func() bool { return src.calls() >= 3 }, 2*time.Second, 5*time.Millisecond)

	s.Stop()
	s.Stop()
	time.Sleep(20 * time.Millisecond)
	stopped := src.calls()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, stopped, src.calls())

	s.Close()
}

type memoryCache struct {
	mu    sync.Mutex
	saved *models.PresaleSnapshot
}

func (m *memoryCache) SaveSnapshot(snap *models.PresaleSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *snap
	m.saved = &copied
	return nil
}

func (m *memoryCache) LoadSnapshot() (*models.PresaleSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saved == nil {
		return nil, errors.New("empty")
	}
	return m.saved, nil
}

func TestStore_WarmStart(t *testing.T) {
	cache := &memoryCache{}

	first := newStore(newGatedSource())
	first.SetCache(cache)
	assert.False(t, first.WarmStart())
	require.NoError(t, first.Refresh(context.Background()))
	require.NotNil(t, cache.saved)

	second := newStore(newGatedSource())
	second.SetCache(cache)
	require.True(t, second.WarmStart())

	snap := second.Snapshot()
	assert.True(t, snap.Ready())
	assert.True(t, snap.Loading)
	assert.Equal(t, int64(1), snap.Config.StartTime)
}
