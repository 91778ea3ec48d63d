package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	perrors "presale/internal/errors"
	"presale/internal/metrics"
	"presale/internal/validation"
	"presale/pkg/models"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// PresaleState 预售状态仓库
type PresaleState interface {
	Snapshot() models.PresaleSnapshot
	ForceRefresh(ctx context.Context) error
	Errors() perrors.ErrorStats
}

// WalletSession 钱包会话
type WalletSession interface {
	Snapshot() models.WalletSession
	Connect(ctx context.Context) (models.WalletSession, error)
	SwitchToTargetChain(ctx context.Context) error
	Disconnect()
	LastError() string
}

// Presale 合约读写操作
type Presale interface {
	Contribute(ctx context.Context, amount decimal.Decimal) (*models.TxRecord, error)
	ClaimTokens(ctx context.Context, address string) (*models.TxRecord, error)
	WithdrawContribution(ctx context.Context, address string) (*models.TxRecord, error)
	Eligibility(ctx context.Context, address string) (*models.Eligibility, error)
}

// AllocationReader 按地址查询可领取的代币数量
type AllocationReader interface {
	GetUserTokenAllocation(ctx context.Context, address string) (decimal.Decimal, error)
}

// TxHistory 交易记录
type TxHistory interface {
	RecentTransactions(limit int) ([]*models.TxRecord, error)
}

// Deps 服务器依赖，History 与 Nodes 可为空
type Deps struct {
	State     PresaleState
	Session   WalletSession
	Presale   Presale
	Reader    AllocationReader
	Validator *validation.Validator
	History   TxHistory
	Nodes     func() map[string]interface{}
	Settings  *ConfigManager
}

// Server API服务器
type Server struct {
	deps          Deps
	logger        *logrus.Logger
	logManager    *LogManager
	server        *http.Server
	router        *gin.Engine
	port          int
	enableMetrics bool
	startedAt     time.Time
	now           func() time.Time
}

// NewServer 创建API服务器，并把日志接入内存日志环
func NewServer(deps Deps, logger *logrus.Logger, port int, enableMetrics bool) *Server {
	logManager := NewLogManager(1000)
	logger.AddHook(NewLogHook(logManager))

	s := &Server{
		deps:          deps,
		logger:        logger,
		logManager:    logManager,
		port:          port,
		enableMetrics: enableMetrics,
		startedAt:     time.Now(),
		now:           time.Now,
	}
	s.router = s.buildRouter()
	return s
}

// Handler 路由处理器
func (s *Server) Handler() http.Handler {
	return s.router
}

// Logs 内存日志环
func (s *Server) Logs() *LogManager {
	return s.logManager
}

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})
	router.Use(gin.Recovery())
	router.Use(metrics.GinMiddleware())

	s.setupRoutes(router)
	return router
}

// Start 启动API服务器，阻塞直到服务器关闭
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infof("API服务器启动在端口 %d", s.port)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop 停止API服务器
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// setupRoutes 设置路由
func (s *Server) setupRoutes(router *gin.Engine) {
	router.GET("/health", s.healthCheck)
	if s.enableMetrics {
		router.GET("/metrics", gin.WrapH(metrics.Handler()))
	}

	api := router.Group("/api/v1")
	{
		// 预售状态
		api.GET("/presale", s.getPresale)
		api.POST("/presale/refresh", s.refreshPresale)
		api.POST("/presale/validate", s.validateContribution)

		// 钱包会话
		api.GET("/session", s.getSession)
		api.POST("/session/connect", s.connect)
		api.POST("/session/switch-chain", s.switchChain)
		api.POST("/session/disconnect", s.disconnect)

		// 地址查询
		api.GET("/eligibility/:address", s.getEligibility)
		api.GET("/allocation/:address", s.getAllocation)

		// 写操作
		api.POST("/contribute", s.contribute)
		api.POST("/claim", s.claim)
		api.POST("/withdraw", s.withdraw)

		api.GET("/transactions", s.getTransactions)
		api.GET("/stats", s.getStats)
		api.GET("/nodes", s.getNodes)

		// 日志管理
		api.GET("/logs", s.getLogs)
		api.DELETE("/logs", s.clearLogs)

		if s.deps.Settings != nil {
			s.deps.Settings.Register(api.Group("/config"))
		}
	}
}

func (s *Server) writeError(c *gin.Context, err error) {
	status, body := errorBody(err)
	c.JSON(status, body)
}

// errorBody 按错误类型选择HTTP状态码，响应体给出面向用户的消息
func errorBody(err error) (int, gin.H) {
	status := http.StatusInternalServerError
	body := gin.H{"error": perrors.UserMessage(err)}

	if pe, ok := perrors.As(err); ok {
		body["type"] = pe.Type.String()
		if pe.TxHash != nil {
			body["tx_hash"] = *pe.TxHash
		}
		switch pe.Type {
		case perrors.ErrorTypeValidation:
			status = http.StatusBadRequest
		case perrors.ErrorTypeNotConnected, perrors.ErrorTypeNoAccounts:
			status = http.StatusUnauthorized
		case perrors.ErrorTypeUserRejected, perrors.ErrorTypeWrongChain:
			status = http.StatusForbidden
		case perrors.ErrorTypeMethodUnavailable:
			status = http.StatusNotImplemented
		case perrors.ErrorTypeNoProvider:
			status = http.StatusServiceUnavailable
		case perrors.ErrorTypeContractRevert:
			status = http.StatusUnprocessableEntity
		case perrors.ErrorTypeRPC, perrors.ErrorTypeProvider, perrors.ErrorTypeChainSwitch:
			status = http.StatusBadGateway
		}
	}
	return status, body
}

// healthCheck 健康检查
func (s *Server) healthCheck(c *gin.Context) {
	snap := s.deps.State.Snapshot()
	status := "healthy"
	if snap.Error != "" {
		status = "degraded"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    status,
		"timestamp": s.now().Unix(),
		"service":   "presale-api",
		"sequence":  snap.Sequence,
	})
}

// presaleView 快照加上展示用的派生字段
func (s *Server) presaleView(snap models.PresaleSnapshot) gin.H {
	view := gin.H{"snapshot": snap}
	if snap.Ready() {
		remaining, phase := models.Countdown(snap.Config, s.now())
		view["progress"] = snap.Progress().StringFixed(2)
		view["countdown"] = gin.H{
			"phase":   phase,
			"seconds": int64(remaining / time.Second),
		}
	}
	return view
}

func (s *Server) getPresale(c *gin.Context) {
	c.JSON(http.StatusOK, s.presaleView(s.deps.State.Snapshot()))
}

// refreshPresale 强制刷新；失败时仍返回当前快照，其中保留上一次的数据
func (s *Server) refreshPresale(c *gin.Context) {
	if err := s.deps.State.ForceRefresh(c.Request.Context()); err != nil {
		view := s.presaleView(s.deps.State.Snapshot())
		view["error"] = perrors.UserMessage(err)
		c.JSON(http.StatusBadGateway, view)
		return
	}
	c.JSON(http.StatusOK, s.presaleView(s.deps.State.Snapshot()))
}

type amountRequest struct {
	Amount string `json:"amount" binding:"required"`
}

type addressRequest struct {
	Address string `json:"address"`
}

func (s *Server) validateContribution(c *gin.Context) {
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求参数错误", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.deps.Validator.ValidateContribution(req.Amount, s.deps.State.Snapshot()))
}

func (s *Server) sessionView() gin.H {
	view := gin.H{"session": s.deps.Session.Snapshot()}
	if msg := s.deps.Session.LastError(); msg != "" {
		view["last_error"] = msg
	}
	return view
}

func (s *Server) getSession(c *gin.Context) {
	c.JSON(http.StatusOK, s.sessionView())
}

func (s *Server) connect(c *gin.Context) {
	if _, err := s.deps.Session.Connect(c.Request.Context()); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.sessionView())
}

func (s *Server) switchChain(c *gin.Context) {
	if err := s.deps.Session.SwitchToTargetChain(c.Request.Context()); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.sessionView())
}

func (s *Server) disconnect(c *gin.Context) {
	s.deps.Session.Disconnect()
	c.JSON(http.StatusOK, s.sessionView())
}

func (s *Server) getEligibility(c *gin.Context) {
	address := c.Param("address")
	if err := s.deps.Validator.ValidateAddress(address); err != nil {
		s.writeError(c, err)
		return
	}

	eligibility, err := s.deps.Presale.Eligibility(c.Request.Context(), address)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, eligibility)
}

func (s *Server) getAllocation(c *gin.Context) {
	address := c.Param("address")
	if err := s.deps.Validator.ValidateAddress(address); err != nil {
		s.writeError(c, err)
		return
	}

	allocation, err := s.deps.Reader.GetUserTokenAllocation(c.Request.Context(), address)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": address, "allocation": allocation})
}

// contribute 先做本地预检，再发送交易
func (s *Server) contribute(c *gin.Context) {
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求参数错误", "message": err.Error()})
		return
	}

	check := s.deps.Validator.ValidateContribution(req.Amount, s.deps.State.Snapshot())
	if !check.Valid {
		s.writeError(c, check.FirstError())
		return
	}

	record, err := s.deps.Presale.Contribute(c.Request.Context(), check.Amount)
	s.writeTx(c, record, err, check.Warnings)
}

func (s *Server) claim(c *gin.Context) {
	address, ok := s.bindAddress(c)
	if !ok {
		return
	}
	record, err := s.deps.Presale.ClaimTokens(c.Request.Context(), address)
	s.writeTx(c, record, err, nil)
}

func (s *Server) withdraw(c *gin.Context) {
	address, ok := s.bindAddress(c)
	if !ok {
		return
	}
	record, err := s.deps.Presale.WithdrawContribution(c.Request.Context(), address)
	s.writeTx(c, record, err, nil)
}

// bindAddress 请求体中的地址，缺省为当前连接的账户
func (s *Server) bindAddress(c *gin.Context) (string, bool) {
	var req addressRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "请求参数错误", "message": err.Error()})
			return "", false
		}
	}
	if req.Address == "" {
		req.Address = s.deps.Session.Snapshot().Address
	}
	if req.Address == "" {
		s.writeError(c, perrors.NewNotConnectedError())
		return "", false
	}
	return req.Address, true
}

func (s *Server) writeTx(c *gin.Context, record *models.TxRecord, err error, warnings []string) {
	if err != nil {
		status, body := errorBody(err)
		if record != nil {
			body["transaction"] = record
		}
		c.JSON(status, body)
		return
	}
	body := gin.H{"transaction": record}
	if len(warnings) > 0 {
		body["warnings"] = warnings
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) getTransactions(c *gin.Context) {
	if s.deps.History == nil {
		c.JSON(http.StatusOK, gin.H{"transactions": []*models.TxRecord{}, "total": 0})
		return
	}

	limit := 50
	if v, err := strconv.Atoi(c.Query("limit")); err == nil && v > 0 {
		limit = v
	}

	records, err := s.deps.History.RecentTransactions(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "读取交易记录失败", "message": err.Error()})
		return
	}
	if records == nil {
		records = []*models.TxRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"transactions": records, "total": len(records)})
}

func (s *Server) getStats(c *gin.Context) {
	snap := s.deps.State.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"uptime":        s.now().Sub(s.startedAt).Round(time.Second).String(),
		"sequence":      snap.Sequence,
		"updated_at":    snap.UpdatedAt,
		"refresh_stats": s.deps.State.Errors(),
		"validation":    s.deps.Validator.GetValidationStats(),
	})
}

// getNodes 获取只读节点状态
func (s *Server) getNodes(c *gin.Context) {
	if s.deps.Nodes == nil {
		c.JSON(http.StatusOK, gin.H{"nodes": gin.H{}, "total": 0})
		return
	}
	nodes := s.deps.Nodes()
	c.JSON(http.StatusOK, gin.H{"nodes": nodes, "total": len(nodes)})
}

// getLogs 获取日志
func (s *Server) getLogs(c *gin.Context) {
	level := c.Query("level")
	component := c.Query("component")

	page := 1
	if p, err := strconv.Atoi(c.Query("page")); err == nil && p > 0 {
		page = p
	}
	pageSize := 20
	if ps, err := strconv.Atoi(c.Query("pageSize")); err == nil && ps > 0 {
		pageSize = ps
	}

	logs, total := s.logManager.GetLogsWithPagination(LogFilter{Level: level, Component: component}, page, pageSize)

	c.JSON(http.StatusOK, gin.H{
		"logs":      logs,
		"total":     total,
		"page":      page,
		"pageSize":  pageSize,
		"level":     level,
		"component": component,
	})
}

// clearLogs 清空日志
func (s *Server) clearLogs(c *gin.Context) {
	s.logManager.ClearLogs()
	c.JSON(http.StatusOK, gin.H{"message": "日志已清空"})
}
