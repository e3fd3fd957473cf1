package embedding

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"clinical-rag-go/internal/model"
	"clinical-rag-go/pkg/log"

	"github.com/panjf2000/ants/v2"
)

const (
	// 估算每个成功向量化的文本平均消耗的 token 数
	assumedTokensPerText = 500
	// 每 1K token 的估算费用（美元）
	costPer1KTokens = 0.0001
	// 默认按约 4 字符 = 1 token 估算
	charsPerToken = 4
)

// ProgressUpdate 在每个并发"波次"完成后上报一次进度。
type ProgressUpdate struct {
	Completed    int `json:"completed"`
	Total        int `json:"total"`
	Percentage   int `json:"percentage"`
	CurrentBatch int `json:"currentBatch"`
	TotalBatches int `json:"totalBatches"`
}

// ProgressFunc 是进度回调，按调用逐次注入，避免全局事件总线。
type ProgressFunc func(ProgressUpdate)

// BatchStats 汇总一次批量向量化的统计信息。
type BatchStats struct {
	TotalTexts      int           `json:"totalTexts"`
	Successful      int           `json:"successful"`
	Failed          int           `json:"failed"`
	Retries         int           `json:"retries"`
	EstimatedTokens int           `json:"estimatedTokens"`
	EstimatedCost   float64       `json:"estimatedCost"`
	Duration        time.Duration `json:"duration"`
}

// BatchResult 是批量向量化的完整结果，Embeddings 与输入等长且顺序一致。
type BatchResult struct {
	Embeddings []model.Vector
	Stats      BatchStats
}

// BatchOptions 配置批量向量化行为。
type BatchOptions struct {
	BatchSize   int
	Concurrency int
	MaxRetries  int
	BaseDelay   time.Duration
}

// BatchEmbedder 以有界并发驱动 Client 处理大量分块：
// 固定大小分批，每波最多 Concurrency 个批次同时在途，
// 各批次只写结果数组中互不重叠的下标区间，完成顺序不影响输出顺序。
type BatchEmbedder struct {
	client *Client
	opts   BatchOptions
}

// NewBatchEmbedder 创建一个批量向量化器。
func NewBatchEmbedder(client *Client, opts BatchOptions) *BatchEmbedder {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 3
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 500 * time.Millisecond
	}
	return &BatchEmbedder{client: client, opts: opts}
}

// BatchEmbed 为全部文本生成向量。失败的批次在退避重试耗尽后整批置 nil，
// 单条失败由 Client 内部降级，两种情况都不会让调用方收到错误。
func (b *BatchEmbedder) BatchEmbed(ctx context.Context, texts []string, onProgress ProgressFunc) BatchResult {
	start := time.Now()
	embeddings := make([]model.Vector, len(texts))
	stats := BatchStats{TotalTexts: len(texts)}
	if len(texts) == 0 {
		stats.Duration = time.Since(start)
		return BatchResult{Embeddings: embeddings, Stats: stats}
	}

	type batchRange struct{ start, end int }
	var batches []batchRange
	for i := 0; i < len(texts); i += b.opts.BatchSize {
		end := i + b.opts.BatchSize
		if end > len(texts) {
			end = len(texts)
		}
		batches = append(batches, batchRange{start: i, end: end})
	}
	totalBatches := len(batches)

	pool, err := ants.NewPool(b.opts.Concurrency)
	if err != nil {
		// 池创建失败时退化为串行执行
		log.Warnf("[BatchEmbedder] 创建协程池失败, 退化为串行执行: %v", err)
		pool = nil
	} else {
		defer pool.Release()
	}

	var retryCount int64
	completed := 0

	// 按波次推进：一波提交 Concurrency 个批次，整波完成后统一上报进度
	for waveStart := 0; waveStart < totalBatches; waveStart += b.opts.Concurrency {
		waveEnd := waveStart + b.opts.Concurrency
		if waveEnd > totalBatches {
			waveEnd = totalBatches
		}

		var wg sync.WaitGroup
		for bi := waveStart; bi < waveEnd; bi++ {
			br := batches[bi]
			wg.Add(1)
			run := func() {
				defer wg.Done()
				retries := b.embedBatchWithRetry(ctx, texts[br.start:br.end], embeddings[br.start:br.end])
				atomic.AddInt64(&retryCount, int64(retries))
			}
			if pool != nil {
				if err := pool.Submit(run); err != nil {
					// 提交失败时就地执行，保证该批次不丢
					run()
				}
			} else {
				run()
			}
		}
		wg.Wait()

		completed = batches[waveEnd-1].end
		if onProgress != nil {
			onProgress(ProgressUpdate{
				Completed:    completed,
				Total:        len(texts),
				Percentage:   completed * 100 / len(texts),
				CurrentBatch: waveEnd,
				TotalBatches: totalBatches,
			})
		}
	}

	for _, vec := range embeddings {
		if vec != nil {
			stats.Successful++
		} else {
			stats.Failed++
		}
	}
	stats.Retries = int(retryCount)
	stats.EstimatedTokens = stats.Successful * assumedTokensPerText
	stats.EstimatedCost = float64(stats.EstimatedTokens) / 1000 * costPer1KTokens
	stats.Duration = time.Since(start)

	log.Infof("[BatchEmbedder] 批量向量化完成: 总数=%d, 成功=%d, 失败=%d, 重试=%d, 耗时=%v",
		stats.TotalTexts, stats.Successful, stats.Failed, stats.Retries, stats.Duration)
	return BatchResult{Embeddings: embeddings, Stats: stats}
}

// embedBatchWithRetry 处理单个批次并就地写入 out（与 batch 等长的切片窗口）。
// 整批颗粒无收（所有非空输入都为 nil）视为批次失败，按退避重试；
// 返回实际发生的重试次数。
func (b *BatchEmbedder) embedBatchWithRetry(ctx context.Context, batch []string, out []model.Vector) int {
	retries := 0
	for attempt := 0; attempt < b.opts.MaxRetries; attempt++ {
		vectors := b.client.EmbedMany(ctx, batch)

		succeeded := false
		hasInput := false
		for i, vec := range vectors {
			out[i] = vec
			if vec != nil {
				succeeded = true
			}
			if strings.TrimSpace(batch[i]) != "" {
				hasInput = true
			}
		}
		// 全空输入的批次没有可重试的东西
		if succeeded || !hasInput {
			return retries
		}

		if attempt == b.opts.MaxRetries-1 {
			break
		}
		retries++
		delay := backoffDelay(attempt, b.opts.BaseDelay)
		log.Warnf("[BatchEmbedder] 批次整体失败, %v 后第 %d 次重试", delay, retries)
		if err := sleepWithContext(ctx, delay); err != nil {
			return retries
		}
	}
	log.Errorf("[BatchEmbedder] 批次在 %d 次尝试后仍然失败, 整批置空 (size=%d)", b.opts.MaxRetries, len(batch))
	return retries
}

// EmbedWithFallback 处理超过供应商单次 token 上限的超长分块：
// 按 token 上限硬切成若干段，逐段向量化，再按维度取平均得到单一向量。
// 任何一段都没能向量化时返回 nil。
func (b *BatchEmbedder) EmbedWithFallback(ctx context.Context, text string, maxTokens int) model.Vector {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if maxTokens <= 0 {
		maxTokens = 8000
	}

	maxChars := maxTokens * charsPerToken
	runes := []rune(text)
	if len(runes) <= maxChars {
		return b.client.EmbedOne(ctx, text)
	}

	var pieces []string
	for i := 0; i < len(runes); i += maxChars {
		end := i + maxChars
		if end > len(runes) {
			end = len(runes)
		}
		pieces = append(pieces, string(runes[i:end]))
	}

	vectors := b.client.EmbedMany(ctx, pieces)

	dims := b.client.Dimensions()
	sum := make([]float64, dims)
	used := 0
	for _, vec := range vectors {
		if vec == nil {
			continue
		}
		used++
		for i, val := range vec {
			sum[i%dims] += float64(val)
		}
	}
	if used == 0 {
		log.Errorf("[BatchEmbedder] 超长分块的全部 %d 段向量化均失败", len(pieces))
		return nil
	}

	result := make(model.Vector, dims)
	for i := range sum {
		result[i] = float32(sum[i] / float64(used))
	}
	log.Infof("[BatchEmbedder] 超长分块按 %d 段取平均完成向量化 (成功 %d 段)", len(pieces), used)
	return result
}
