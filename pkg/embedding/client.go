package embedding

import (
	"context"
	"strings"
	"time"

	"clinical-rag-go/internal/config"
	"clinical-rag-go/internal/model"
	"clinical-rag-go/pkg/log"
)

// Client 在 Provider 之上提供带重试与降级语义的 embedding 生成：
// 空输入短路为 nil，不发起网络调用；可重试错误按指数退避重试；
// 终态错误降级为对应位置的 nil 并记录日志，永远不会让失败冒泡成 panic/错误。
type Client struct {
	provider   Provider
	dims       int
	batchLimit int
	maxRetries int
	baseDelay  time.Duration
}

// NewClient 创建一个 embedding 客户端。
func NewClient(provider Provider, cfg config.EmbeddingConfig) *Client {
	batchLimit := cfg.BatchLimit
	if batchLimit <= 0 {
		batchLimit = 100 // 供应商单次请求的输入条数上限
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	dims := cfg.Dimensions
	if dims <= 0 {
		dims = provider.Dimensions()
	}
	return &Client{
		provider:   provider,
		dims:       dims,
		batchLimit: batchLimit,
		maxRetries: maxRetries,
		baseDelay:  500 * time.Millisecond,
	}
}

// Dimensions 返回配置的向量维度。
func (c *Client) Dimensions() int { return c.dims }

// ProviderName 返回底层 Provider 的名称。
func (c *Client) ProviderName() string { return c.provider.Name() }

// EmbedOne 为单条文本生成向量，空白输入或生成失败时返回 nil。
func (c *Client) EmbedOne(ctx context.Context, text string) model.Vector {
	return c.EmbedMany(ctx, []string{text})[0]
}

// EmbedMany 为一批文本生成向量。返回值与输入等长且顺序一致：
// 空白输入与失败输入对应位置为 nil。
func (c *Client) EmbedMany(ctx context.Context, texts []string) []model.Vector {
	results := make([]model.Vector, len(texts))

	// 过滤空白输入，只有非空文本才发往供应商
	indices := make([]int, 0, len(texts))
	inputs := make([]string, 0, len(texts))
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			continue
		}
		indices = append(indices, i)
		inputs = append(inputs, text)
	}
	if len(inputs) == 0 {
		return results
	}

	// 按供应商批次上限拆分，内部批次之间串行
	for start := 0; start < len(inputs); start += c.batchLimit {
		end := start + c.batchLimit
		if end > len(inputs) {
			end = len(inputs)
		}

		vectors, err := c.callWithRetry(ctx, inputs[start:end])
		if err != nil {
			// embedding 失败不中断管道，对应位置保持 nil
			log.Errorf("[EmbeddingClient] 批次向量化失败 (size=%d): %v", end-start, err)
			continue
		}

		for j, vec := range vectors {
			if len(vec) == 0 {
				continue
			}
			if c.dims > 0 && len(vec) != c.dims {
				// 维度不一致只告警，不视为失败
				log.Warnf("[EmbeddingClient] 向量维度不匹配: 期望 %d, 实际 %d", c.dims, len(vec))
			}
			results[indices[start+j]] = model.Vector(vec)
		}
	}
	return results
}

// callWithRetry 调用 Provider 并在可重试错误上按指数退避重试。
func (c *Client) callWithRetry(ctx context.Context, inputs []string) ([][]float32, error) {
	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		vectors, err := c.provider.CreateEmbeddings(ctx, inputs)
		if err == nil {
			return vectors, nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return nil, err
		}
		if attempt == c.maxRetries-1 {
			break
		}
		delay := backoffDelay(attempt, c.baseDelay)
		log.Warnf("[EmbeddingClient] 第 %d 次调用失败, %v 后重试: %v", attempt+1, delay, err)
		if err := sleepWithContext(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}
