// Package pipeline 实现了文档处理管道：
// 校验 -> 切分 -> 向量化 -> 存储，各阶段的状态流转交给 status.Tracker 统一管理。
package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"clinical-rag-go/internal/config"
	"clinical-rag-go/internal/model"
	"clinical-rag-go/internal/repository"
	"clinical-rag-go/internal/splitter"
	"clinical-rag-go/internal/status"
	"clinical-rag-go/pkg/embedding"
	"clinical-rag-go/pkg/es"
	"clinical-rag-go/pkg/log"
	"clinical-rag-go/pkg/tasks"
)

// TextLoader 按文档 ID 加载原始文本，生产环境由对象存储实现。
type TextLoader func(ctx context.Context, documentID string) (string, error)

// Processor 是文档处理任务的执行器，实现了 kafka.TaskProcessor。
type Processor struct {
	docRepo     repository.DocumentRepository
	chunkRepo   repository.ChunkRepository
	tracker     *status.Tracker
	splitter    *splitter.Splitter
	embedClient *embedding.Client
	embedder    *embedding.BatchEmbedder
	index       es.Index // 可为 nil：未配置服务端向量检索
	loadText    TextLoader
	cfg         config.PipelineConfig
}

// NewProcessor 创建一个文档处理器。
func NewProcessor(
	docRepo repository.DocumentRepository,
	chunkRepo repository.ChunkRepository,
	tracker *status.Tracker,
	split *splitter.Splitter,
	embedClient *embedding.Client,
	embedder *embedding.BatchEmbedder,
	index es.Index,
	loadText TextLoader,
	cfg config.PipelineConfig,
) *Processor {
	return &Processor{
		docRepo:     docRepo,
		chunkRepo:   chunkRepo,
		tracker:     tracker,
		splitter:    split,
		embedClient: embedClient,
		embedder:    embedder,
		index:       index,
		loadText:    loadText,
		cfg:         cfg,
	}
}

// Process 执行一个完整的文档处理任务。
// 任何不可恢复的错误都会把文档置为 error 状态并返回该错误，
// 单个分块向量化失败不算不可恢复：失败分块被跳过并计入元数据。
func (p *Processor) Process(ctx context.Context, task tasks.DocumentProcessingTask) error {
	return p.ProcessWithEvents(ctx, task, nil)
}

// ProcessWithEvents 与 Process 相同，额外接收本次调用的阶段回调。
func (p *Processor) ProcessWithEvents(ctx context.Context, task tasks.DocumentProcessingTask, events *Events) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout())
	defer cancel()

	start := time.Now()
	log.Infof("[Pipeline] 开始处理文档, docID: %s, orgID: %s", task.DocumentID, task.OrgID)

	// 看门狗与阶段序列并行：截止时间一到立即强制 error 终态，
	// 不等待在途的存储调用结束。慢速阶段随后的 storing/ready 流转
	// 会被状态机拒绝（error 是终态，last-writer-wins）。
	runDone := make(chan struct{})
	watchdogDone := make(chan struct{})
	var timedOut atomic.Bool
	go func() {
		defer close(watchdogDone)
		select {
		case <-runDone:
		case <-ctx.Done():
			select {
			case <-runDone:
				return
			default:
			}
			timedOut.Store(true)
			msg := fmt.Sprintf("处理超时: %v", ctx.Err())
			log.Errorf("[Pipeline] 看门狗触发, docID: %s, %s", task.DocumentID, msg)
			if recordErr := p.tracker.RecordError(context.Background(), task.DocumentID, task.OrgID, msg); recordErr != nil {
				log.Errorf("[Pipeline] 记录超时状态失败, docID: %s, 错误: %v", task.DocumentID, recordErr)
			}
		}
	}()

	err := p.run(ctx, task, start, events)
	close(runDone)
	<-watchdogDone
	if timedOut.Load() {
		err = fmt.Errorf("处理超时: %w", ctx.Err())
	}
	if err != nil {
		log.Errorf("[Pipeline] 文档处理失败, docID: %s, 错误: %v", task.DocumentID, err)
		if recordErr := p.tracker.RecordError(context.Background(), task.DocumentID, task.OrgID, err.Error()); recordErr != nil {
			log.Errorf("[Pipeline] 记录错误状态失败, docID: %s, 错误: %v", task.DocumentID, recordErr)
		}
		events.failed(task.DocumentID, err)
		return err
	}
	events.complete(task.DocumentID, model.StatusReady)
	return nil
}

func (p *Processor) run(ctx context.Context, task tasks.DocumentProcessingTask, start time.Time, events *Events) error {
	// 阶段一：校验
	if err := p.tracker.Transition(ctx, task.DocumentID, task.OrgID, model.StatusValidating, status.Meta{Message: "校验文档"}); err != nil {
		return err
	}
	doc, err := p.docRepo.FindByID(task.DocumentID, task.OrgID)
	if err != nil {
		return fmt.Errorf("文档不存在: %w", err)
	}
	text, err := p.loadText(ctx, doc.ID)
	if err != nil {
		return fmt.Errorf("加载文档文本失败: %w", err)
	}
	if text == "" {
		return fmt.Errorf("文档内容为空, 无法处理")
	}
	events.documentLoaded(doc.ID, len(text))

	if err := p.tracker.Transition(ctx, task.DocumentID, task.OrgID, model.StatusProcessing, status.Meta{}); err != nil {
		return err
	}

	// 阶段二：切分
	if err := p.tracker.Transition(ctx, task.DocumentID, task.OrgID, model.StatusChunking, status.Meta{}); err != nil {
		return err
	}
	pieces := p.splitter.Split(text)
	if len(pieces) == 0 {
		return fmt.Errorf("切分结果为空")
	}
	log.Infof("[Pipeline] 切分完成, docID: %s, 分块数: %d", doc.ID, len(pieces))
	events.chunkingComplete(doc.ID, len(pieces))

	// 重新处理时清掉旧分块，保证 (document_id, chunk_index) 不冲突
	if err := p.chunkRepo.DeleteByDocument(doc.ID, doc.OrgID); err != nil {
		return fmt.Errorf("清理历史分块失败: %w", err)
	}
	if p.index != nil {
		if err := p.index.DeleteByDocument(ctx, doc.ID, doc.OrgID); err != nil {
			log.Warnf("[Pipeline] 清理历史索引失败, docID: %s, 错误: %v", doc.ID, err)
		}
	}

	chunks := make([]*model.Chunk, len(pieces))
	for i, piece := range pieces {
		chunks[i] = &model.Chunk{
			ID:         uuid.New().String(),
			DocumentID: doc.ID,
			ChunkIndex: piece.Index,
			OrgID:      doc.OrgID,
			Content:    piece.Content,
			TokenCount: piece.TokenCount,
			Metadata: model.ChunkMetadata{
				Section:       piece.Section,
				Keywords:      piece.Keywords,
				HasStructured: piece.HasStructured,
			},
		}
	}
	if err := p.chunkRepo.BatchCreate(chunks); err != nil {
		return fmt.Errorf("写入分块失败: %w", err)
	}

	// 阶段三：向量化
	if err := p.tracker.Transition(ctx, task.DocumentID, task.OrgID, model.StatusEmbedding, status.Meta{TotalChunks: len(chunks)}); err != nil {
		return err
	}
	embeddings, stats := p.embedChunks(ctx, task, chunks, events)
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("处理超时: %w", err)
	}
	succeeded := 0
	for _, vec := range embeddings {
		if vec != nil {
			succeeded++
		}
	}
	events.embeddingComplete(doc.ID, succeeded, len(chunks)-succeeded)

	// 阶段四：存储
	if err := p.tracker.Transition(ctx, task.DocumentID, task.OrgID, model.StatusStoring, status.Meta{TotalChunks: len(chunks)}); err != nil {
		return err
	}
	stored, embedFailed, storeErrors := p.storeEmbeddings(ctx, doc, chunks, embeddings)
	events.storageComplete(doc.ID, stored)

	metadata := model.JSONMap{
		"totalChunks":      len(chunks),
		"storedCount":      stored,
		"failedEmbeddings": embedFailed,
		"storeErrors":      storeErrors,
		"retries":          stats.Retries,
		"estimatedTokens":  stats.EstimatedTokens,
		"estimatedCost":    stats.EstimatedCost,
		"model":            p.embedClient.ProviderName(),
		"durationMs":       time.Since(start).Milliseconds(),
	}
	if err := p.docRepo.UpdateMetadata(doc.ID, doc.OrgID, metadata); err != nil {
		log.Warnf("[Pipeline] 更新处理元数据失败, docID: %s, 错误: %v", doc.ID, err)
	}

	// 部分分块失败不阻塞 ready，失败信息留在元数据里
	if err := p.tracker.Transition(ctx, task.DocumentID, task.OrgID, model.StatusReady, status.Meta{
		ProcessedChunks: stored,
		TotalChunks:     len(chunks),
	}); err != nil {
		return err
	}
	log.Infof("[Pipeline] 文档处理完成, docID: %s, 分块数: %d, 已存储: %d, 向量化失败: %d, 写回失败: %d, 耗时: %v",
		doc.ID, len(chunks), stored, embedFailed, storeErrors, time.Since(start))
	return nil
}

// embedChunks 批量向量化分块内容。
// 超长分块不进批量通道，单独走切段取平均的降级路径；
// 批量阶段后仍没有向量的分块也逐个走一次降级路径再放弃。
func (p *Processor) embedChunks(ctx context.Context, task tasks.DocumentProcessingTask, chunks []*model.Chunk, events *Events) ([]model.Vector, embedding.BatchStats) {
	maxTokens := p.cfg.MaxChunkTokens
	texts := make([]string, len(chunks))
	oversized := make(map[int]bool)
	for i, chunk := range chunks {
		if maxTokens > 0 && chunk.TokenCount > maxTokens {
			oversized[i] = true
			continue // 留空串，批量通道会跳过
		}
		texts[i] = chunk.Content
	}

	result := p.embedder.BatchEmbed(ctx, texts, func(update embedding.ProgressUpdate) {
		p.tracker.UpdateProgress(ctx, task.DocumentID, task.OrgID, update.Completed, update.Total)
		events.embeddingProgress(task.DocumentID, update.Completed, update.Total)
	})

	for i := range chunks {
		if result.Embeddings[i] != nil {
			continue
		}
		if oversized[i] {
			log.Warnf("[Pipeline] 分块超长, 走降级向量化, docID: %s, chunkIndex: %d, tokens: %d",
				task.DocumentID, chunks[i].ChunkIndex, chunks[i].TokenCount)
		} else {
			log.Warnf("[Pipeline] 分块批量向量化失败, 单独重试一次, docID: %s, chunkIndex: %d",
				task.DocumentID, chunks[i].ChunkIndex)
		}
		result.Embeddings[i] = p.embedder.EmbedWithFallback(ctx, chunks[i].Content, maxTokens)
	}
	return result.Embeddings, result.Stats
}

// storeEmbeddings 把向量写回 MySQL（权威副本）并同步到 Elasticsearch（检索副本）。
// 返回成功存储数、向量化失败数与写回失败数，两类失败分开统计。
func (p *Processor) storeEmbeddings(ctx context.Context, doc *model.Document, chunks []*model.Chunk, embeddings []model.Vector) (stored, embedFailed, storeErrors int) {
	updates := make([]repository.EmbeddingUpdate, 0, len(chunks))
	esChunks := make([]model.EsChunk, 0, len(chunks))
	for i, chunk := range chunks {
		if embeddings[i] == nil {
			embedFailed++
			continue
		}
		updates = append(updates, repository.EmbeddingUpdate{
			ChunkID:   chunk.ID,
			Embedding: embeddings[i],
		})
		esChunks = append(esChunks, model.EsChunk{
			ChunkRef:     model.ChunkRef(chunk.DocumentID, chunk.ChunkIndex),
			ChunkID:      chunk.ID,
			DocumentID:   chunk.DocumentID,
			ChunkIndex:   chunk.ChunkIndex,
			OrgID:        chunk.OrgID,
			Content:      chunk.Content,
			Vector:       embeddings[i],
			Section:      chunk.Metadata.Section,
			PageNumber:   chunk.Metadata.PageNumber,
			ModelVersion: p.embedClient.ProviderName(),
		})
	}

	results, errs := p.chunkRepo.UpdateEmbeddings(doc.OrgID, updates)
	for _, r := range results {
		if r.Updated {
			stored++
		} else {
			storeErrors++
		}
	}
	for _, msg := range errs {
		log.Errorf("[Pipeline] 写回向量失败, docID: %s, 错误: %s", doc.ID, msg)
	}
	p.tracker.UpdateProgress(ctx, doc.ID, doc.OrgID, stored, len(chunks))

	if p.index != nil && len(esChunks) > 0 {
		if err := p.index.IndexChunks(ctx, esChunks); err != nil {
			// ES 只是检索副本，索引失败不影响权威数据
			log.Errorf("[Pipeline] 同步 Elasticsearch 失败, docID: %s, 错误: %v", doc.ID, err)
		}
	}
	return stored, embedFailed, storeErrors
}
