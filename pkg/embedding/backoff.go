package embedding

import (
	"context"
	"time"
)

// backoffDelay 计算第 attempt 次重试前的指数退避时间，上限 5 秒。
func backoffDelay(attempt int, base time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	d := base << uint(attempt)
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}

// sleepWithContext 等待指定时间，ctx 取消时提前返回其错误。
func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
