package progress

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"presale/pkg/models"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	// 默认数据库路径
	DefaultDBPath = "./data/presale.db"

	// 存储桶名称
	SnapshotBucket    = "snapshot"
	TransactionBucket = "transactions"
	StatsBucket       = "stats"

	// 快照键
	LatestSnapshotKey = "latest"
	StartTimeKey      = "start_time"
	LastUpdateTimeKey = "last_update_time"
	TotalSavesKey     = "total_saves"

	// 保留的交易记录数量
	maxTransactions = 500
)

// SyncInfo 同步进度信息
type SyncInfo struct {
	LastSequence   uint64    `json:"last_sequence"`
	StartTime      time.Time `json:"start_time"`
	LastUpdateTime time.Time `json:"last_update_time"`
	TotalSaves     uint64    `json:"total_saves"`
	Transactions   int       `json:"transactions"`
}

// Manager 基于BoltDB的快照缓存与交易记录
type Manager struct {
	db     *bolt.DB
	logger *logrus.Logger
	dbPath string
	mu     sync.RWMutex

	// 内存缓存
	info *SyncInfo
}

// NewManager 创建快照缓存
func NewManager(dbPath string, logger *logrus.Logger) (*Manager, error) {
	if dbPath == "" {
		dbPath = DefaultDBPath
	}

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("打开快照数据库失败: %w", err)
	}

	manager := &Manager{
		db:     db,
		logger: logger,
		dbPath: dbPath,
		info:   &SyncInfo{},
	}

	if err := manager.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化数据库失败: %w", err)
	}

	if err := manager.loadInfo(); err != nil {
		logger.Warnf("加载同步信息失败: %v", err)
	}

	logger.Infof("快照缓存已初始化，数据库路径: %s", dbPath)
	return manager, nil
}

// initDB 初始化数据库结构
func (m *Manager) initDB() error {
	return m.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{SnapshotBucket, TransactionBucket, StatsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("创建存储桶 %s 失败: %w", name, err)
			}
		}
		return nil
	})
}

// loadInfo 加载同步信息
func (m *Manager) loadInfo() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.db.View(func(tx *bolt.Tx) error {
		stats := tx.Bucket([]byte(StatsBucket))
		if data := stats.Get([]byte(StartTimeKey)); data != nil {
			_ = json.Unmarshal(data, &m.info.StartTime)
		}
		if data := stats.Get([]byte(LastUpdateTimeKey)); data != nil {
			_ = json.Unmarshal(data, &m.info.LastUpdateTime)
		}
		if data := stats.Get([]byte(TotalSavesKey)); len(data) == 8 {
			m.info.TotalSaves = binary.BigEndian.Uint64(data)
		}

		if data := tx.Bucket([]byte(SnapshotBucket)).Get([]byte(LatestSnapshotKey)); data != nil {
			var snap models.PresaleSnapshot
			if err := json.Unmarshal(data, &snap); err == nil {
				m.info.LastSequence = snap.Sequence
			}
		}

		m.info.Transactions = countKeys(tx.Bucket([]byte(TransactionBucket)))
		return nil
	})
}

func countKeys(bucket *bolt.Bucket) int {
	n := 0
	c := bucket.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		n++
	}
	return n
}

// SaveSnapshot 保存最近一次发布的快照
func (m *Manager) SaveSnapshot(snapshot *models.PresaleSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("序列化快照失败: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if m.info.StartTime.IsZero() {
		m.info.StartTime = now
	}
	m.info.LastUpdateTime = now
	m.info.LastSequence = snapshot.Sequence
	m.info.TotalSaves++

	return m.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(SnapshotBucket)).Put([]byte(LatestSnapshotKey), data); err != nil {
			return fmt.Errorf("保存快照失败: %w", err)
		}

		stats := tx.Bucket([]byte(StatsBucket))
		if startData, err := json.Marshal(m.info.StartTime); err == nil {
			stats.Put([]byte(StartTimeKey), startData)
		}
		if updateData, err := json.Marshal(now); err == nil {
			stats.Put([]byte(LastUpdateTimeKey), updateData)
		}

		countData := make([]byte, 8)
		binary.BigEndian.PutUint64(countData, m.info.TotalSaves)
		return stats.Put([]byte(TotalSavesKey), countData)
	})
}

// LoadSnapshot 读取缓存的快照
func (m *Manager) LoadSnapshot() (*models.PresaleSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var snap *models.PresaleSnapshot
	err := m.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(SnapshotBucket)).Get([]byte(LatestSnapshotKey))
		if data == nil {
			return fmt.Errorf("没有缓存的快照")
		}
		snap = &models.PresaleSnapshot{}
		return json.Unmarshal(data, snap)
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// WriteTransaction 追加交易记录，超过上限时删除最早的记录
func (m *Manager) WriteTransaction(record *models.TxRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化交易记录失败: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(TransactionBucket))
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}

		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		if err := bucket.Put(key, data); err != nil {
			return fmt.Errorf("保存交易记录失败: %w", err)
		}

		var keys [][]byte
		c := bucket.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for len(keys) > maxTransactions {
			if err := bucket.Delete(keys[0]); err != nil {
				return err
			}
			keys = keys[1:]
		}
		m.info.Transactions = len(keys)
		return nil
	})
}

// RecentTransactions 最近的交易记录，按时间倒序
func (m *Manager) RecentTransactions(limit int) ([]*models.TxRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var records []*models.TxRecord
	err := m.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(TransactionBucket)).Cursor()
		for k, v := c.Last(); k != nil && (limit <= 0 || len(records) < limit); k, v = c.Prev() {
			var record models.TxRecord
			if err := json.Unmarshal(v, &record); err != nil {
				m.logger.Warnf("解析交易记录失败: %v", err)
				continue
			}
			records = append(records, &record)
		}
		return nil
	})
	return records, err
}

// Reset 清空快照、交易记录与统计
func (m *Manager) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.info = &SyncInfo{}

	return m.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{SnapshotBucket, TransactionBucket, StatsBucket} {
			if err := tx.DeleteBucket([]byte(name)); err != nil && err != bolt.ErrBucketNotFound {
				return fmt.Errorf("清空存储桶 %s 失败: %w", name, err)
			}
			if _, err := tx.CreateBucket([]byte(name)); err != nil {
				return fmt.Errorf("重建存储桶 %s 失败: %w", name, err)
			}
		}
		return nil
	})
}

// GetInfo 获取同步信息副本
func (m *Manager) GetInfo() *SyncInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info := *m.info
	return &info
}

// GetDBPath 获取数据库路径
func (m *Manager) GetDBPath() string {
	return m.dbPath
}

// GetStats 获取统计信息
func (m *Manager) GetStats() map[string]interface{} {
	info := m.GetInfo()

	stats := map[string]interface{}{
		"last_sequence":    info.LastSequence,
		"total_saves":      info.TotalSaves,
		"transactions":     info.Transactions,
		"start_time":       info.StartTime.Format(time.RFC3339),
		"last_update_time": info.LastUpdateTime.Format(time.RFC3339),
	}
	if !info.StartTime.IsZero() {
		stats["running_duration"] = time.Since(info.StartTime).String()
	}
	return stats
}

// Close 关闭数据库
func (m *Manager) Close() error {
	if m.db != nil {
		m.logger.Info("关闭快照缓存")
		return m.db.Close()
	}
	return nil
}
