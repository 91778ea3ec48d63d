package output

import (
	"sync"

	"presale/pkg/models"

	"github.com/ethereum/go-ethereum/event"
	"github.com/sirupsen/logrus"
)

// SnapshotFeed 快照发布源
type SnapshotFeed interface {
	Subscribe(ch chan<- models.PresaleSnapshot) event.Subscription
}

// SessionFeed 会话事件源
type SessionFeed interface {
	Subscribe(ch chan<- models.SessionEvent) event.Subscription
}

// Forwarder 把快照与会话事件转发到输出器
// 只转发已完成的刷新结果，每个序号只写一次
type Forwarder struct {
	out    Output
	logger *logrus.Logger

	snapshots chan models.PresaleSnapshot
	events    chan models.SessionEvent
	subs      []event.Subscription
	quit      chan struct{}
	wg        sync.WaitGroup
	stopOnce  sync.Once

	lastSeq uint64
}

// NewForwarder 创建转发器，feed 为 nil 时跳过对应的订阅
func NewForwarder(out Output, snapshots SnapshotFeed, sessions SessionFeed, logger *logrus.Logger) *Forwarder {
	f := &Forwarder{
		out:       out,
		logger:    logger,
		snapshots: make(chan models.PresaleSnapshot, 64),
		events:    make(chan models.SessionEvent, 64),
		quit:      make(chan struct{}),
	}
	if snapshots != nil {
		f.subs = append(f.subs, snapshots.Subscribe(f.snapshots))
	}
	if sessions != nil {
		f.subs = append(f.subs, sessions.Subscribe(f.events))
	}

	f.wg.Add(1)
	go f.loop()
	return f
}

func (f *Forwarder) loop() {
	defer f.wg.Done()

	for {
		select {
		case snap := <-f.snapshots:
			if snap.Loading || !snap.Ready() || snap.Sequence <= f.lastSeq {
				continue
			}
			f.lastSeq = snap.Sequence
			if err := f.out.WriteSnapshot(&snap); err != nil {
				f.logger.Warnf("输出快照 #%d 失败: %v", snap.Sequence, err)
			}
		case ev := <-f.events:
			if err := f.out.WriteSessionEvent(&ev); err != nil {
				f.logger.Warnf("输出会话事件 %s 失败: %v", ev.Type, err)
			}
		case <-f.quit:
			return
		}
	}
}

// Stop 取消订阅并停止转发，可重复调用
func (f *Forwarder) Stop() {
	f.stopOnce.Do(func() {
		for _, sub := range f.subs {
			sub.Unsubscribe()
		}
		close(f.quit)
		f.wg.Wait()
	})
}
