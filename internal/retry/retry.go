package retry

import (
	"context"
	stderrors "errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Policy 退避策略
type Policy struct {
	Attempts int           // 总尝试次数，含第一次
	Initial  time.Duration // 第一次重试前的等待
	Max      time.Duration // 单次等待上限
	Factor   float64       // 每次重试等待的放大倍数
	Jitter   float64       // 等待时间的随机浮动比例，0 表示不浮动
}

// DialPolicy 连接只读节点与钱包端点时使用。
// 只用于拨号；合约读写失败不自动重试，由刷新定时器在下一个周期自然重试。
var DialPolicy = Policy{
	Attempts: 3,
	Initial:  500 * time.Millisecond,
	Max:      10 * time.Second,
	Factor:   2,
	Jitter:   0.2,
}

// Delay 第 attempt 次失败后的等待时间，attempt 从1开始
func (p Policy) Delay(attempt int, random func() float64) time.Duration {
	delay := float64(p.Initial)
	for i := 1; i < attempt; i++ {
		delay *= p.Factor
		if delay >= float64(p.Max) {
			break
		}
	}
	if p.Max > 0 && delay > float64(p.Max) {
		delay = float64(p.Max)
	}

	if p.Jitter > 0 && random != nil {
		spread := delay * p.Jitter
		delay += (random()*2 - 1) * spread
	}
	if delay < 0 {
		return p.Initial
	}
	return time.Duration(delay)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent 标记为不可重试的错误
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// 拨号时可以等一等再试的错误特征
var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"temporary failure",
	"service unavailable",
	"too many requests",
	"429",
	"rate limit",
	"no such host",
	"network is unreachable",
	"broken pipe",
	"eof",
}

// IsTransient 是否为网络类的暂时性错误
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var perm *permanentError
	if stderrors.As(err, &perm) {
		return false
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// Do 按策略执行 fn，遇到非暂时性错误立即返回
func Do(ctx context.Context, p Policy, operation string, fn func() error, logger *logrus.Logger) error {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	random := rand.New(rand.NewSource(time.Now().UnixNano())).Float64

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			if attempt > 1 {
				logger.Debugf("%s 在第 %d 次尝试后成功", operation, attempt)
			}
			return nil
		}

		if !IsTransient(err) {
			return err
		}
		if attempt >= p.Attempts {
			logger.Warnf("%s 尝试 %d 次后仍失败: %v", operation, attempt, err)
			return fmt.Errorf("重试 %d 次后失败: %w", attempt, err)
		}

		delay := p.Delay(attempt, random)
		logger.Debugf("%s 第 %d 次失败: %v，%v 后重试", operation, attempt, err, delay)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// Dial 以拨号策略连接 target
func Dial(ctx context.Context, target string, fn func() error, logger *logrus.Logger) error {
	return Do(ctx, DialPolicy, "连接 "+target, fn, logger)
}
