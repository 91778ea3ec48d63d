package errors

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrorHandler 错误处理器：在触发操作的组件边界上回收错误，转换为用户可见消息
type ErrorHandler struct {
	logger    *logrus.Logger
	stats     *ErrorStats
	mu        sync.RWMutex
	callbacks []ErrorCallback
}

// ErrorCallback 错误回调函数
type ErrorCallback func(err *PresaleError)

// NewErrorHandler 创建错误处理器
func NewErrorHandler(logger *logrus.Logger) *ErrorHandler {
	return &ErrorHandler{
		logger:    logger,
		stats:     NewErrorStats(),
		callbacks: make([]ErrorCallback, 0),
	}
}

// HandleError 记录错误并返回面向用户的消息；错误从不终止进程
func (eh *ErrorHandler) HandleError(component string, err error) string {
	if err == nil {
		return ""
	}

	presaleErr, ok := As(err)
	if !ok {
		presaleErr = WrapError(err, ErrorTypeProvider, "UNKNOWN_ERROR", "未知错误")
	}
	if presaleErr.Component == "" {
		presaleErr.Component = component
	}

	eh.mu.Lock()
	eh.stats.RecordError(presaleErr)
	eh.mu.Unlock()

	eh.log(presaleErr)
	eh.executeCallbacks(presaleErr)

	return UserMessage(presaleErr)
}

// log 根据严重级别选择日志级别
func (eh *ErrorHandler) log(err *PresaleError) {
	entry := eh.logger.WithFields(logrus.Fields{
		"error_type": err.Type.String(),
		"error_code": err.Code,
		"component":  err.Component,
		"context":    err.Context,
	})
	if err.TxHash != nil {
		entry = entry.WithField("tx_hash", *err.TxHash)
	}

	switch err.Severity {
	case SeverityLow:
		entry.Debug(err.Error())
	case SeverityMedium:
		entry.Warn(err.Error())
	default:
		entry.Error(err.Error())
	}
}

// executeCallbacks 执行错误回调
func (eh *ErrorHandler) executeCallbacks(err *PresaleError) {
	eh.mu.RLock()
	callbacks := make([]ErrorCallback, len(eh.callbacks))
	copy(callbacks, eh.callbacks)
	eh.mu.RUnlock()

	for _, callback := range callbacks {
		func(cb ErrorCallback) {
			defer func() {
				if r := recover(); r != nil {
					eh.logger.Errorf("错误回调执行时发生panic: %v", r)
				}
			}()
			cb(err)
		}(callback)
	}
}

// AddCallback 添加错误回调
func (eh *ErrorHandler) AddCallback(callback ErrorCallback) {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.callbacks = append(eh.callbacks, callback)
}

// GetStats 获取错误统计信息副本
func (eh *ErrorHandler) GetStats() ErrorStats {
	eh.mu.RLock()
	defer eh.mu.RUnlock()

	stats := *eh.stats
	stats.RecentErrors = append([]*PresaleError(nil), eh.stats.RecentErrors...)
	return stats
}

// ClearStats 清除统计信息
func (eh *ErrorHandler) ClearStats() {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.stats = NewErrorStats()
}
