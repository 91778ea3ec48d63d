package wallet

import (
	"context"
	"sync"
	"time"

	"presale/internal/config"
	perrors "presale/internal/errors"
	"presale/internal/metrics"
	"presale/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// State 会话状态
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnectedTarget
	StateConnectedWrongChain
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnectedTarget:
		return "connected_target"
	case StateConnectedWrongChain:
		return "connected_wrong_chain"
	default:
		return "unknown"
	}
}

// eventBuffer 每个连接的事件缓冲
const eventBuffer = 16

// connection 一次连接持有的订阅与事件循环
type connection struct {
	handle *ProviderHandle
	subs   []event.Subscription
	events chan Event
	quit   chan struct{}
	done   chan struct{}
	once   sync.Once
}

// teardown 取消订阅并停止事件循环，重复调用无副作用
func (c *connection) teardown() {
	c.once.Do(func() {
		for _, sub := range c.subs {
			sub.Unsubscribe()
		}
		close(c.quit)
	})
}

// ChainSession 钱包连接生命周期
type ChainSession struct {
	detector       *Detector
	target         *config.ChainConfig
	requestTimeout time.Duration
	logger         *logrus.Entry
	errHandler     *perrors.ErrorHandler

	// opMu 串行化 Connect/Restore/SwitchToTargetChain
	opMu sync.Mutex

	mu      sync.RWMutex
	state   State
	session models.WalletSession
	lastErr string
	conn    *connection

	feed  event.Feed
	scope event.SubscriptionScope
}

// NewChainSession 创建会话
func NewChainSession(detector *Detector, target *config.ChainConfig, requestTimeout time.Duration, logger *logrus.Logger) *ChainSession {
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	return &ChainSession{
		detector:       detector,
		target:         target,
		requestTimeout: requestTimeout,
		logger:         logger.WithField("component", "chain_session"),
		errHandler:     perrors.NewErrorHandler(logger),
	}
}

// Connect 请求账户授权并根据链ID进入相应的已连接状态
func (s *ChainSession) Connect(ctx context.Context) (models.WalletSession, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	return s.connect(ctx, "eth_requestAccounts", true)
}

// Restore 检查钱包是否已授权过账户，不弹出授权提示；未授权时保持断开且不返回错误
func (s *ChainSession) Restore(ctx context.Context) (models.WalletSession, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	session, err := s.connect(ctx, "eth_accounts", false)
	if perrors.IsType(err, perrors.ErrorTypeNoAccounts) || perrors.IsType(err, perrors.ErrorTypeNoProvider) {
		s.mu.Lock()
		s.lastErr = ""
		s.mu.Unlock()
		return models.WalletSession{}, nil
	}
	return session, err
}

func (s *ChainSession) connect(ctx context.Context, accountsMethod string, prompt bool) (models.WalletSession, error) {
	// 每次连接重新探测，本次调用内只使用这一个句柄
	handle := s.detector.Detect()
	if handle == nil {
		return models.WalletSession{}, s.fail(perrors.NewNoProviderError())
	}

	s.mu.Lock()
	previous := s.state
	s.state = StateConnecting
	s.mu.Unlock()

	var accounts []string
	if err := s.request(ctx, handle.Provider, &accounts, accountsMethod); err != nil {
		if HasCode(err, CodeUserRejected) {
			return models.WalletSession{}, s.failFrom(previous, perrors.NewUserRejectedError(err))
		}
		return models.WalletSession{}, s.failFrom(previous, perrors.NewProviderError(accountsMethod, err))
	}
	if len(accounts) == 0 {
		return models.WalletSession{}, s.failFrom(previous, perrors.NewNoAccountsError())
	}
	if !common.IsHexAddress(accounts[0]) {
		return models.WalletSession{}, s.failFrom(previous, perrors.NewProviderError(accountsMethod,
			perrors.NewValidationError("钱包返回了无效地址: "+accounts[0])))
	}

	chainID, err := s.chainID(ctx, handle.Provider)
	if err != nil {
		return models.WalletSession{}, s.failFrom(previous, perrors.NewProviderError("eth_chainId", err))
	}

	conn := s.subscribe(handle)

	s.mu.Lock()
	old := s.conn
	s.conn = conn
	s.session = models.WalletSession{
		SessionID:  uuid.NewString(),
		Address:    common.HexToAddress(accounts[0]).Hex(),
		ChainID:    chainID,
		WalletName: handle.WalletName,
	}
	s.applyChainLocked(chainID)
	s.lastErr = ""
	snapshot := s.session
	state := s.state
	s.mu.Unlock()

	if old != nil {
		old.teardown()
	}
	go s.run(conn)

	s.logger.WithFields(logrus.Fields{
		"address":     snapshot.Address,
		"chain_id":    snapshot.ChainID,
		"wallet_name": snapshot.WalletName,
		"state":       state.String(),
		"prompted":    prompt,
	}).Info("钱包已连接")
	s.publish(models.SessionEventConnected, snapshot)

	return snapshot, nil
}

// subscribe 为一次连接建立三个事件订阅
func (s *ChainSession) subscribe(handle *ProviderHandle) *connection {
	conn := &connection{
		handle: handle,
		events: make(chan Event, eventBuffer),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, name := range []EventName{EventAccountsChanged, EventChainChanged, EventDisconnect} {
		conn.subs = append(conn.subs, handle.Provider.Subscribe(name, conn.events))
	}
	return conn
}

// run 连接的事件循环，按到达顺序处理
func (s *ChainSession) run(conn *connection) {
	defer close(conn.done)

	for {
		select {
		case ev := <-conn.events:
			s.handleEvent(conn, ev)
		case <-conn.quit:
			return
		}
	}
}

func (s *ChainSession) handleEvent(conn *connection, ev Event) {
	if !s.isCurrent(conn) {
		return
	}

	switch ev.Name {
	case EventAccountsChanged:
		if len(ev.Accounts) == 0 || !common.IsHexAddress(ev.Accounts[0]) {
			s.logger.Info("钱包不再授权任何账户")
			s.reset(conn)
			return
		}

		address := common.HexToAddress(ev.Accounts[0]).Hex()
		s.mu.Lock()
		if s.conn != conn {
			s.mu.Unlock()
			return
		}
		s.session.Address = address
		s.mu.Unlock()

		s.reverify(conn, ev.ChainID)
		s.logger.WithField("address", address).Info("钱包账户已切换")
		s.publish(models.SessionEventAccountsChanged, s.Snapshot())

	case EventChainChanged:
		s.reverify(conn, ev.ChainID)
		snapshot := s.Snapshot()
		s.logger.WithFields(logrus.Fields{
			"chain_id":        snapshot.ChainID,
			"is_target_chain": snapshot.IsTargetChain,
		}).Info("钱包网络已变化")
		s.publish(models.SessionEventChainChanged, snapshot)

	case EventDisconnect:
		s.logger.WithError(ev.Err).Warn("钱包断开连接")
		s.reset(conn)
	}
}

// reverify 向钱包重新查询链ID；查询失败时退回事件携带的值
func (s *ChainSession) reverify(conn *connection, hint string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout)
	defer cancel()

	chainID, err := s.chainID(ctx, conn.handle.Provider)
	if err != nil {
		normalized, nerr := config.NormalizeChainID(hint)
		if nerr != nil {
			s.logger.WithError(err).WithField("hint", hint).Warn("重新校验网络失败")
			return
		}
		chainID = normalized
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != conn {
		return
	}
	s.applyChainLocked(chainID)
}

// applyChainLocked 更新链ID与状态，调用方持有写锁
func (s *ChainSession) applyChainLocked(chainID string) {
	s.session.ChainID = chainID
	s.session.IsTargetChain = chainID == s.target.ChainID
	if s.session.IsTargetChain {
		s.state = StateConnectedTarget
	} else {
		s.state = StateConnectedWrongChain
	}
}

// reset 回到断开状态并拆除连接
func (s *ChainSession) reset(conn *connection) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.state = StateDisconnected
	s.session = models.WalletSession{}
	s.mu.Unlock()

	conn.teardown()
	s.publish(models.SessionEventDisconnected, models.WalletSession{})
}

func (s *ChainSession) isCurrent(conn *connection) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn == conn
}

// SwitchToTargetChain 切换到目标网络，钱包不认识该网络时先添加；最终以链ID复核结果
func (s *ChainSession) SwitchToTargetChain(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()

	var p Provider
	if conn != nil {
		p = conn.handle.Provider
	} else if handle := s.detector.Detect(); handle != nil {
		p = handle.Provider
	} else {
		return s.fail(perrors.NewNoProviderError())
	}

	target := s.target.ChainID
	switchParams := map[string]string{"chainId": target}

	err := s.request(ctx, p, nil, "wallet_switchEthereumChain", switchParams)
	if err != nil && HasCode(err, CodeUnrecognizedChain) {
		s.logger.WithField("chain_id", target).Info("钱包未识别目标网络，尝试添加")
		if addErr := s.request(ctx, p, nil, "wallet_addEthereumChain", s.target); addErr != nil {
			return s.fail(perrors.NewChainSwitchError(ErrorMessage(addErr), addErr))
		}
		err = s.request(ctx, p, nil, "wallet_switchEthereumChain", switchParams)
	}
	if err != nil {
		return s.fail(perrors.NewChainSwitchError(ErrorMessage(err), err))
	}

	chainID, err := s.chainID(ctx, p)
	if err != nil {
		return s.fail(perrors.NewChainSwitchError(ErrorMessage(err), err))
	}
	if chainID != target {
		return s.fail(perrors.NewChainSwitchError("wallet is still on chain "+chainID, nil).
			WithContext("current_chain", chainID).
			WithContext("target_chain", target))
	}

	s.mu.Lock()
	if s.conn != nil && s.conn == conn {
		s.applyChainLocked(chainID)
	}
	s.lastErr = ""
	snapshot := s.session
	s.mu.Unlock()

	s.logger.WithField("chain_id", chainID).Info("已切换到目标网络")
	s.publish(models.SessionEventChainSwitched, snapshot)
	return nil
}

// Disconnect 本地断开（钱包端的授权不受影响）
func (s *ChainSession) Disconnect() {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()

	if conn != nil {
		s.reset(conn)
	}
}

// Close 拆除连接并关闭所有会话订阅
func (s *ChainSession) Close() {
	s.Disconnect()
	s.scope.Close()
}

// Snapshot 当前会话副本
func (s *ChainSession) Snapshot() models.WalletSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session
}

// State 当前状态
func (s *ChainSession) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// IsConnected 是否已连接
func (s *ChainSession) IsConnected() bool {
	return s.Snapshot().IsConnected()
}

// Address 当前地址，未连接时为空
func (s *ChainSession) Address() string {
	return s.Snapshot().Address
}

// IsTargetChain 是否在目标网络
func (s *ChainSession) IsTargetChain() bool {
	return s.Snapshot().IsTargetChain
}

// LastError 最近一次操作失败的用户可见消息
func (s *ChainSession) LastError() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Target 目标链参数
func (s *ChainSession) Target() *config.ChainConfig {
	return s.target
}

// Subscribe 订阅会话变化；慢速接收方会阻塞事件循环，应使用带缓冲的通道
func (s *ChainSession) Subscribe(ch chan<- models.SessionEvent) event.Subscription {
	return s.scope.Track(s.feed.Subscribe(ch))
}

// Signer 返回可发送交易的提供者与当前会话，要求已连接到目标网络
func (s *ChainSession) Signer() (Provider, models.WalletSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch {
	case s.conn == nil || s.state == StateDisconnected || s.state == StateConnecting:
		return nil, models.WalletSession{}, perrors.NewNotConnectedError()
	case s.state == StateConnectedWrongChain:
		return nil, s.session, perrors.NewWrongChainError(s.session.ChainID, s.target.ChainID)
	}
	return s.conn.handle.Provider, s.session, nil
}

func (s *ChainSession) publish(eventType string, session models.WalletSession) {
	metrics.RecordSessionEvent(eventType)
	s.feed.Send(models.SessionEvent{
		Type:      eventType,
		Session:   session,
		Timestamp: time.Now(),
	})
}

// fail 记录错误，状态不变
func (s *ChainSession) fail(err *perrors.PresaleError) error {
	msg := s.errHandler.HandleError("chain_session", err)
	s.mu.Lock()
	s.lastErr = msg
	s.mu.Unlock()
	return err
}

// failFrom 连接失败时恢复到连接前的状态
func (s *ChainSession) failFrom(previous State, err *perrors.PresaleError) error {
	s.mu.Lock()
	if s.state == StateConnecting {
		s.state = previous
		if s.conn == nil {
			s.state = StateDisconnected
		}
	}
	s.mu.Unlock()
	return s.fail(err)
}

// request 带超时地发起钱包请求
func (s *ChainSession) request(ctx context.Context, p Provider, result interface{}, method string, params ...interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()
	return call(ctx, p, result, method, params...)
}

func (s *ChainSession) chainID(ctx context.Context, p Provider) (string, error) {
	var chainID string
	if err := s.request(ctx, p, &chainID, "eth_chainId"); err != nil {
		return "", err
	}
	normalized, err := config.NormalizeChainID(chainID)
	if err != nil {
		return "", err
	}
	return normalized, nil
}
