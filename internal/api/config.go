package api

import (
	"net/http"

	"presale/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// SettingsStore 数据库中的运行配置，*config.DatabaseConfig 实现该接口
type SettingsStore interface {
	ListSettings() ([]config.Setting, error)
	UpdateSetting(key, value string) error
	ListRPCNodes() ([]*config.NodeConfig, error)
	AddRPCNode(node *config.NodeConfig) error
	SetRPCNodeActive(name string, active bool) error
	ListKafkaTopics() (map[string]string, error)
}

// ConfigManager 配置管理接口，修改在服务重启后生效
type ConfigManager struct {
	store  SettingsStore
	logger *logrus.Logger
}

// NewConfigManager 创建配置管理器
func NewConfigManager(store SettingsStore, logger *logrus.Logger) *ConfigManager {
	return &ConfigManager{
		store:  store,
		logger: logger,
	}
}

// Register 注册配置管理路由
func (cm *ConfigManager) Register(group *gin.RouterGroup) {
	group.GET("/settings", cm.GetSettings)
	group.PUT("/settings", cm.UpdateSetting)
	group.GET("/nodes", cm.GetNodes)
	group.POST("/nodes", cm.AddNode)
	group.PUT("/nodes/:name", cm.UpdateNode)
	group.GET("/kafka-topics", cm.GetKafkaTopics)
}

// GetSettings 获取所有键值配置
func (cm *ConfigManager) GetSettings(c *gin.Context) {
	settings, err := cm.store.ListSettings()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "获取配置失败",
			"message": err.Error(),
		})
		return
	}
	if settings == nil {
		settings = []config.Setting{}
	}

	c.JSON(http.StatusOK, gin.H{"settings": settings})
}

// UpdateSetting 更新键值配置
func (cm *ConfigManager) UpdateSetting(c *gin.Context) {
	var req struct {
		Key   string `json:"key" binding:"required"`
		Value string `json:"value" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "请求参数错误",
			"message": err.Error(),
		})
		return
	}

	if err := cm.store.UpdateSetting(req.Key, req.Value); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "更新配置失败",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "配置更新成功，重启后生效",
		"setting": gin.H{"key": req.Key, "value": req.Value},
	})
}

// GetNodes 获取数据库中的只读节点
func (cm *ConfigManager) GetNodes(c *gin.Context) {
	nodes, err := cm.store.ListRPCNodes()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "获取节点配置失败",
			"message": err.Error(),
		})
		return
	}
	if nodes == nil {
		nodes = []*config.NodeConfig{}
	}

	c.JSON(http.StatusOK, gin.H{"nodes": nodes})
}

// AddNode 添加只读节点
func (cm *ConfigManager) AddNode(c *gin.Context) {
	var req struct {
		Name      string `json:"name" binding:"required"`
		URL       string `json:"url" binding:"required"`
		NodeType  string `json:"node_type"`
		RateLimit int    `json:"rate_limit"`
		Priority  int    `json:"priority"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "请求参数错误",
			"message": err.Error(),
		})
		return
	}

	node := &config.NodeConfig{
		Name:      req.Name,
		URL:       req.URL,
		Type:      req.NodeType,
		RateLimit: req.RateLimit,
		Priority:  req.Priority,
	}
	if err := cm.store.AddRPCNode(node); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "添加节点失败",
			"message": err.Error(),
		})
		return
	}

	cm.logger.Infof("已添加只读节点 %s", req.Name)
	c.JSON(http.StatusOK, gin.H{
		"message": "节点添加成功",
		"node":    node,
	})
}

// UpdateNode 启用或停用节点
func (cm *ConfigManager) UpdateNode(c *gin.Context) {
	var req struct {
		IsActive *bool `json:"is_active" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "请求参数错误",
			"message": err.Error(),
		})
		return
	}

	if err := cm.store.SetRPCNodeActive(c.Param("name"), *req.IsActive); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "更新节点失败",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "节点更新成功"})
}

// GetKafkaTopics 获取Kafka主题配置
func (cm *ConfigManager) GetKafkaTopics(c *gin.Context) {
	topics, err := cm.store.ListKafkaTopics()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "获取Kafka主题配置失败",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"topics": topics})
}
