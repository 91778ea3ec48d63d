package config

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// DatabaseConfig 数据库配置管理器
type DatabaseConfig struct {
	DB     *sql.DB
	logger *logrus.Logger
}

// NewDatabaseConfig 创建数据库配置管理器
func NewDatabaseConfig(dsn string, logger *logrus.Logger) (*DatabaseConfig, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	// 测试连接
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("数据库连接测试失败: %w", err)
	}

	return newDatabaseConfig(db, logger), nil
}

func newDatabaseConfig(db *sql.DB, logger *logrus.Logger) *DatabaseConfig {
	return &DatabaseConfig{
		DB:     db,
		logger: logger,
	}
}

// LoadConfig 从数据库加载完整配置，未出现的键使用默认值
func (dc *DatabaseConfig) LoadConfig() (*Config, error) {
	config := GetDefaultConfig()

	settings, err := dc.loadSettings()
	if err != nil {
		return nil, fmt.Errorf("加载预售配置失败: %w", err)
	}
	if err := applySettings(config, settings); err != nil {
		return nil, err
	}

	nodes, err := dc.loadRPCNodes()
	if err != nil {
		return nil, fmt.Errorf("加载RPC节点失败: %w", err)
	}
	if len(nodes) > 0 {
		config.RPC.Nodes = nodes
	}

	if strings.HasPrefix(config.Output.Format, "kafka") {
		topics, err := dc.loadKafkaTopics()
		if err != nil {
			return nil, err
		}
		if len(topics) > 0 {
			config.Output.Kafka.Topics = topics
		}
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	dc.logger.WithFields(logrus.Fields{
		"chain_id": config.Chain.ChainID,
		"contract": config.Contract.Address,
		"nodes":    len(config.RPC.Nodes),
	}).Debug("数据库配置已加载")

	return config, nil
}

// loadSettings 读取键值配置
func (dc *DatabaseConfig) loadSettings() (map[string]string, error) {
	query := `SELECT config_key, config_value FROM presale_config WHERE is_active = true`
	rows, err := dc.DB.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	settings := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		settings[key] = value
	}

	return settings, rows.Err()
}

// applySettings 把键值配置写入配置结构
func applySettings(config *Config, settings map[string]string) error {
	for key, value := range settings {
		switch key {
		case "chain_id":
			config.Chain.ChainID = value
		case "chain_name":
			config.Chain.ChainName = value
		case "native_currency":
			var currency NativeCurrency
			if err := json.Unmarshal([]byte(value), &currency); err != nil {
				return fmt.Errorf("解析 native_currency 失败: %w", err)
			}
			config.Chain.NativeCurrency = &currency
		case "rpc_urls":
			if err := json.Unmarshal([]byte(value), &config.Chain.RPCURLs); err != nil {
				return fmt.Errorf("解析 rpc_urls 失败: %w", err)
			}
		case "block_explorer_urls":
			if err := json.Unmarshal([]byte(value), &config.Chain.BlockExplorerURLs); err != nil {
				return fmt.Errorf("解析 block_explorer_urls 失败: %w", err)
			}
		case "contract_address":
			config.Contract.Address = value
		case "claim_method":
			config.Contract.ClaimMethod = value
		case "refund_method":
			config.Contract.RefundMethod = value
		case "refund_methods":
			config.Contract.RefundMethods = splitList(value)
		case "refresh_interval":
			config.Store.RefreshInterval = value
		case "cache_enabled":
			config.Store.CacheEnabled = strings.ToLower(value) == "true"
		case "output_format":
			config.Output.Format = value
		case "kafka_brokers":
			var brokers []string
			if err := json.Unmarshal([]byte(value), &brokers); err == nil {
				config.Output.Kafka.Brokers = brokers
			}
		case "api_port":
			if v, err := strconv.Atoi(value); err == nil {
				config.API.Port = v
			}
		}
	}
	return nil
}

// loadRPCNodes 加载只读节点
func (dc *DatabaseConfig) loadRPCNodes() ([]*NodeConfig, error) {
	query := `SELECT name, url, node_type, rate_limit, priority FROM rpc_nodes WHERE is_active = true ORDER BY priority`
	rows, err := dc.DB.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []*NodeConfig
	for rows.Next() {
		var node NodeConfig
		if err := rows.Scan(&node.Name, &node.URL, &node.Type, &node.RateLimit, &node.Priority); err != nil {
			return nil, err
		}
		nodes = append(nodes, &node)
	}

	return nodes, rows.Err()
}

// loadKafkaTopics 加载Kafka主题配置
func (dc *DatabaseConfig) loadKafkaTopics() (map[string]string, error) {
	query := `SELECT data_type, topic_name FROM kafka_topics WHERE is_active = true`
	rows, err := dc.DB.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	topics := make(map[string]string)
	for rows.Next() {
		var dataType, topicName string
		if err := rows.Scan(&dataType, &topicName); err != nil {
			return nil, err
		}
		topics[dataType] = topicName
	}

	return topics, rows.Err()
}

// Setting 一条键值配置
type Setting struct {
	Key      string `json:"key"`
	Value    string `json:"value"`
	IsActive bool   `json:"is_active"`
}

// ListSettings 列出所有键值配置，包括已停用的
func (dc *DatabaseConfig) ListSettings() ([]Setting, error) {
	query := `SELECT config_key, config_value, is_active FROM presale_config ORDER BY config_key`
	rows, err := dc.DB.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var settings []Setting
	for rows.Next() {
		var s Setting
		if err := rows.Scan(&s.Key, &s.Value, &s.IsActive); err != nil {
			return nil, err
		}
		settings = append(settings, s)
	}
	return settings, rows.Err()
}

// UpdateSetting 写入键值配置，键不存在时插入；重启后生效
func (dc *DatabaseConfig) UpdateSetting(key, value string) error {
	probe := GetDefaultConfig()
	if err := applySettings(probe, map[string]string{key: value}); err != nil {
		return err
	}

	query := `INSERT INTO presale_config (config_key, config_value, is_active) VALUES ($1, $2, true)
		ON CONFLICT (config_key) DO UPDATE SET config_value = EXCLUDED.config_value, is_active = true`
	if _, err := dc.DB.Exec(query, key, value); err != nil {
		return fmt.Errorf("更新配置 %s 失败: %w", key, err)
	}
	dc.logger.Infof("配置 %s 已更新", key)
	return nil
}

// ListRPCNodes 列出启用的只读节点
func (dc *DatabaseConfig) ListRPCNodes() ([]*NodeConfig, error) {
	return dc.loadRPCNodes()
}

// AddRPCNode 添加只读节点
func (dc *DatabaseConfig) AddRPCNode(node *NodeConfig) error {
	if node.Name == "" || node.URL == "" {
		return fmt.Errorf("节点需要 name 和 url")
	}
	query := `INSERT INTO rpc_nodes (name, url, node_type, rate_limit, priority, is_active) VALUES ($1, $2, $3, $4, $5, true)`
	if _, err := dc.DB.Exec(query, node.Name, node.URL, node.Type, node.RateLimit, node.Priority); err != nil {
		return fmt.Errorf("添加节点失败: %w", err)
	}
	return nil
}

// SetRPCNodeActive 启用或停用节点
func (dc *DatabaseConfig) SetRPCNodeActive(name string, active bool) error {
	res, err := dc.DB.Exec(`UPDATE rpc_nodes SET is_active = $1 WHERE name = $2`, active, name)
	if err != nil {
		return fmt.Errorf("更新节点失败: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("节点不存在: %s", name)
	}
	return nil
}

// ListKafkaTopics 列出启用的Kafka主题映射
func (dc *DatabaseConfig) ListKafkaTopics() (map[string]string, error) {
	return dc.loadKafkaTopics()
}

func splitList(value string) []string {
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

// Close 关闭数据库连接
func (dc *DatabaseConfig) Close() error {
	if dc.DB != nil {
		return dc.DB.Close()
	}
	return nil
}
