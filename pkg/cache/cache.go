// Package cache 定义了一个可注入的 TTL 缓存抽象。
// 状态机等组件只依赖该接口：生产环境注入 Redis 实现，
// 测试环境注入带确定性时钟的内存实现。
package cache

import (
	"context"
	"time"
)

// Cache 是带 TTL 的键值缓存接口。
type Cache interface {
	// Get 返回 key 对应的值；第二个返回值表示是否命中（过期视为未命中）。
	Get(ctx context.Context, key string) (string, bool, error)
	// Set 写入 key，ttl <= 0 表示不过期。
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Invalidate 删除 key，key 不存在不算错误。
	Invalidate(ctx context.Context, key string) error
}
