// Package service 提供了检索相关的业务逻辑。
package service

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"clinical-rag-go/internal/model"
	"clinical-rag-go/internal/repository"
	"clinical-rag-go/pkg/embedding"
	"clinical-rag-go/pkg/es"
	"clinical-rag-go/pkg/log"
)

const (
	defaultMaxResults       = 10
	defaultMaxContextChunks = 5
	defaultSnippetLength    = 200
)

// SearchOptions 配置一次相似度检索。
type SearchOptions struct {
	OrgID         string
	DocumentIDs   []string // 非空时把检索限定到这些文档
	MinSimilarity float64
	MaxResults    int
	Sections      []string
}

// RagOptions 配置一次 RAG 检索。
// MaxContextChunks 限制参与上下文拼接的结果条数，引用列表覆盖全部结果。
type RagOptions struct {
	SearchOptions
	MaxContextChunks int
	SnippetLength    int
}

// SearchService 接口定义了相似度检索操作。
type SearchService interface {
	SimilaritySearch(ctx context.Context, queryEmbedding model.Vector, opts SearchOptions) ([]model.SearchResult, error)
	RagSearch(ctx context.Context, query string, opts RagOptions) (*model.RagResult, error)
}

// searchService 是 SearchService 的实现。
// 首选路径走 Elasticsearch 的服务端 knn；索引不可用（未配置或查询报错）时
// 退回进程内余弦相似度计算。
type searchService struct {
	index       es.Index // 可为 nil：表示没有服务端向量检索能力
	chunkRepo   repository.ChunkRepository
	docRepo     repository.DocumentRepository
	embedClient *embedding.Client
}

// NewSearchService 创建一个 SearchService 实例。
func NewSearchService(index es.Index, chunkRepo repository.ChunkRepository, docRepo repository.DocumentRepository, embedClient *embedding.Client) SearchService {
	return &searchService{
		index:       index,
		chunkRepo:   chunkRepo,
		docRepo:     docRepo,
		embedClient: embedClient,
	}
}

// SimilaritySearch 在 org 下 ready 文档的已向量化分块上做余弦相似度检索，
// 结果按相似度降序排列。
func (s *searchService) SimilaritySearch(ctx context.Context, queryEmbedding model.Vector, opts SearchOptions) ([]model.SearchResult, error) {
	if len(queryEmbedding) == 0 {
		return nil, fmt.Errorf("查询向量为空")
	}
	if opts.OrgID == "" {
		return nil, fmt.Errorf("缺少 orgID")
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = defaultMaxResults
	}
	if opts.MinSimilarity < 0 {
		opts.MinSimilarity = 0
	}

	// 只有 ready 文档的分块参与检索
	readyIDs, err := s.docRepo.FindReadyIDs(opts.OrgID, opts.DocumentIDs)
	if err != nil {
		return nil, fmt.Errorf("查询可检索文档失败: %w", err)
	}
	if len(readyIDs) == 0 {
		return []model.SearchResult{}, nil
	}

	if s.index != nil {
		results, err := s.knnSearch(ctx, queryEmbedding, opts, readyIDs)
		if err == nil {
			return results, nil
		}
		// 服务端检索失败时退回进程内计算，而不是让查询失败
		log.Warnf("[SearchService] 服务端向量检索失败, 退回进程内计算: %v", err)
	}
	return s.manualSearch(ctx, queryEmbedding, opts, readyIDs)
}

// knnSearch 走 Elasticsearch 的 dense_vector knn。
func (s *searchService) knnSearch(ctx context.Context, queryEmbedding model.Vector, opts SearchOptions, readyIDs []string) ([]model.SearchResult, error) {
	hits, err := s.index.KnnSearch(ctx, es.KnnQuery{
		Vector:        queryEmbedding,
		K:             opts.MaxResults,
		NumCandidates: opts.MaxResults * 10,
		OrgID:         opts.OrgID,
		DocumentIDs:   readyIDs,
		Sections:      opts.Sections,
	})
	if err != nil {
		return nil, err
	}

	docIDs := make([]string, 0, len(hits))
	for _, hit := range hits {
		docIDs = append(docIDs, hit.Chunk.DocumentID)
	}
	names, err := s.docRepo.FindNames(opts.OrgID, docIDs)
	if err != nil {
		log.Warnf("[SearchService] 批量查询文档名失败: %v", err)
		names = map[string]string{}
	}

	results := make([]model.SearchResult, 0, len(hits))
	for _, hit := range hits {
		// ES 对 cosine 的打分是 (1+cos)/2，换算回余弦后裁剪到 [0,1]
		similarity := clamp01(hit.Score*2 - 1)
		if similarity < opts.MinSimilarity {
			continue
		}
		results = append(results, model.SearchResult{
			ChunkID:      hit.Chunk.ChunkID,
			DocumentID:   hit.Chunk.DocumentID,
			DocumentName: names[hit.Chunk.DocumentID],
			Content:      hit.Chunk.Content,
			Similarity:   similarity,
			Section:      hit.Chunk.Section,
			PageNumber:   hit.Chunk.PageNumber,
			Metadata: model.ChunkMetadata{
				Section:    hit.Chunk.Section,
				PageNumber: hit.Chunk.PageNumber,
			},
		})
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	if len(results) > opts.MaxResults {
		results = results[:opts.MaxResults]
	}
	return results, nil
}

// manualSearch 取回全部符合条件的分块并在进程内计算余弦相似度。
func (s *searchService) manualSearch(_ context.Context, queryEmbedding model.Vector, opts SearchOptions, readyIDs []string) ([]model.SearchResult, error) {
	chunks, err := s.chunkRepo.FindEmbedded(opts.OrgID, readyIDs, opts.Sections)
	if err != nil {
		return nil, fmt.Errorf("查询候选分块失败: %w", err)
	}

	docIDs := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		docIDs = append(docIDs, chunk.DocumentID)
	}
	names, err := s.docRepo.FindNames(opts.OrgID, docIDs)
	if err != nil {
		log.Warnf("[SearchService] 批量查询文档名失败: %v", err)
		names = map[string]string{}
	}

	results := make([]model.SearchResult, 0, len(chunks))
	for _, chunk := range chunks {
		similarity := clamp01(CosineSimilarity(queryEmbedding, chunk.Embedding))
		if similarity < opts.MinSimilarity {
			continue
		}
		results = append(results, model.SearchResult{
			ChunkID:      chunk.ID,
			DocumentID:   chunk.DocumentID,
			DocumentName: names[chunk.DocumentID],
			Content:      chunk.Content,
			Similarity:   similarity,
			Section:      chunk.Metadata.Section,
			PageNumber:   chunk.Metadata.PageNumber,
			Metadata:     chunk.Metadata,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	if len(results) > opts.MaxResults {
		results = results[:opts.MaxResults]
	}
	return results, nil
}

// RagSearch 先向量化查询，再做相似度检索，并拼装上下文与引用。
func (s *searchService) RagSearch(ctx context.Context, query string, opts RagOptions) (*model.RagResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("查询内容为空")
	}

	queryEmbedding := s.embedClient.EmbedOne(ctx, query)
	if queryEmbedding == nil {
		return nil, fmt.Errorf("查询向量化失败")
	}

	results, err := s.SimilaritySearch(ctx, queryEmbedding, opts.SearchOptions)
	if err != nil {
		return nil, err
	}

	maxContext := opts.MaxContextChunks
	if maxContext <= 0 {
		maxContext = defaultMaxContextChunks
	}
	snippetLen := opts.SnippetLength
	if snippetLen <= 0 {
		snippetLen = defaultSnippetLength
	}

	// 上下文与引用分别基于独立的结果切片：
	// 上下文只取前 maxContext 条，引用覆盖全部结果。
	contextResults := results
	if len(contextResults) > maxContext {
		contextResults = contextResults[:maxContext]
	}

	var sb strings.Builder
	for i, r := range contextResults {
		header := r.DocumentName
		if r.Section != "" {
			header = fmt.Sprintf("%s Section: %s", r.DocumentName, r.Section)
		}
		sb.WriteString(fmt.Sprintf("[%d] [%s]\n%s\n\n", i+1, header, r.Content))
	}

	citations := make([]model.Citation, 0, len(results))
	for i, r := range results {
		citations = append(citations, model.Citation{
			Index:        i + 1,
			DocumentID:   r.DocumentID,
			DocumentName: r.DocumentName,
			Section:      r.Section,
			PageNumber:   r.PageNumber,
			Snippet:      truncate(r.Content, snippetLen),
		})
	}

	return &model.RagResult{
		Results:   results,
		Context:   strings.TrimRight(sb.String(), "\n"),
		Citations: citations,
	}, nil
}

// CosineSimilarity 计算两个向量的余弦相似度 dot(a,b)/(‖a‖·‖b‖)。
// 任一向量的范数为零或长度不一致时返回 0。
func CosineSimilarity(a, b model.Vector) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func truncate(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "..."
}
