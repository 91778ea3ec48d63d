package api

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// LogEntry 日志条目
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// LogFilter 日志过滤条件，空字段不过滤
type LogFilter struct {
	Level     string
	Component string
}

func (f LogFilter) match(entry LogEntry) bool {
	if f.Level != "" && entry.Level != f.Level {
		return false
	}
	if f.Component != "" && entry.Component != f.Component {
		return false
	}
	return true
}

// LogManager 固定容量的日志环，按写入顺序保存最近的日志
type LogManager struct {
	logs    []LogEntry
	next    int
	full    bool
	maxLogs int
	mu      sync.RWMutex
}

// NewLogManager 创建日志管理器
func NewLogManager(maxLogs int) *LogManager {
	if maxLogs <= 0 {
		maxLogs = 1000
	}
	return &LogManager{
		logs:    make([]LogEntry, maxLogs),
		maxLogs: maxLogs,
	}
}

// AddLog 添加日志，满时覆盖最旧的一条
func (lm *LogManager) AddLog(entry *logrus.Entry) {
	fields := make(map[string]interface{}, len(entry.Data))
	component := ""
	for k, v := range entry.Data {
		if k == "component" {
			component, _ = v.(string)
			continue
		}
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		fields[k] = v
	}

	logEntry := LogEntry{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Component: component,
		Message:   entry.Message,
	}
	if len(fields) > 0 {
		logEntry.Fields = fields
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()

	lm.logs[lm.next] = logEntry
	lm.next = (lm.next + 1) % lm.maxLogs
	if lm.next == 0 {
		lm.full = true
	}
}

// ordered 从旧到新的日志副本，调用方需持有读锁
func (lm *LogManager) ordered() []LogEntry {
	if !lm.full {
		return append([]LogEntry(nil), lm.logs[:lm.next]...)
	}
	out := make([]LogEntry, 0, lm.maxLogs)
	out = append(out, lm.logs[lm.next:]...)
	return append(out, lm.logs[:lm.next]...)
}

// GetLogsWithPagination 按条件过滤后分页，最新的日志在前
func (lm *LogManager) GetLogsWithPagination(filter LogFilter, page, pageSize int) ([]LogEntry, int) {
	lm.mu.RLock()
	all := lm.ordered()
	lm.mu.RUnlock()

	filtered := make([]LogEntry, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		if filter.match(all[i]) {
			filtered = append(filtered, all[i])
		}
	}

	total := len(filtered)
	start := (page - 1) * pageSize
	if start >= total {
		return []LogEntry{}, total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return filtered[start:end], total
}

// Len 当前保存的日志数量
func (lm *LogManager) Len() int {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	if lm.full {
		return lm.maxLogs
	}
	return lm.next
}

// ClearLogs 清空日志
func (lm *LogManager) ClearLogs() {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.logs = make([]LogEntry, lm.maxLogs)
	lm.next = 0
	lm.full = false
}

// LogHook 把日志写入日志环的 logrus 钩子
type LogHook struct {
	manager *LogManager
}

// NewLogHook 创建日志钩子
func NewLogHook(manager *LogManager) *LogHook {
	return &LogHook{manager: manager}
}

// Fire 实现 logrus.Hook 接口
func (h *LogHook) Fire(entry *logrus.Entry) error {
	h.manager.AddLog(entry)
	return nil
}

// Levels 实现 logrus.Hook 接口
func (h *LogHook) Levels() []logrus.Level {
	return logrus.AllLevels
}
