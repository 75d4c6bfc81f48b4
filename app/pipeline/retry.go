package pipeline

import (
	"context"
	"time"

	"avatar-studio/app/config"

	"go.uber.org/zap"
)

// RetryConfig 单次调用内不可变的重试配置
type RetryConfig struct {
	MaxRetries         int
	RetryDelay         time.Duration
	ExponentialBackoff bool
	// Logger 为空时不记录重试日志
	Logger *zap.Logger
}

// DefaultRetryConfig 1 次初始调用 + 3 次重试，1s 起指数退避
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:         3,
		RetryDelay:         time.Second,
		ExponentialBackoff: true,
	}
}

// RetryConfigFrom 从配置文件转换
func RetryConfigFrom(c config.RetryConfig, log *zap.Logger) RetryConfig {
	return RetryConfig{
		MaxRetries:         c.MaxRetries,
		RetryDelay:         c.RetryDelay(),
		ExponentialBackoff: c.ExponentialBackoff,
		Logger:             log,
	}
}

// Backoff 第 attempt 次失败（从 0 开始）后的等待时间
func (c RetryConfig) Backoff(attempt int) time.Duration {
	if !c.ExponentialBackoff {
		return c.RetryDelay
	}
	return c.RetryDelay * time.Duration(1<<uint(attempt))
}

// WithRetry 最多执行 MaxRetries+1 次；不可重试的错误立即返回，次数用尽返回最后一次的错误
func WithRetry[T any](ctx context.Context, cfg RetryConfig, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	for attempt := 0; attempt <= maxRetries; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !IsRetryable(err) || attempt == maxRetries {
			break
		}

		wait := cfg.Backoff(attempt)
		if cfg.Logger != nil {
			cfg.Logger.Warn("操作失败，准备重试",
				zap.Int("attempt", attempt+1),
				zap.Int("max_attempts", maxRetries+1),
				zap.Duration("wait", wait),
				zap.Error(err))
		}

		if err := sleep(ctx, wait); err != nil {
			return zero, err
		}
	}

	return zero, lastErr
}

// sleep 可被 ctx 打断的等待
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
