package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"clinical-rag-go/internal/config"
	"clinical-rag-go/internal/middleware"
	"clinical-rag-go/internal/service"
	"clinical-rag-go/pkg/embedding"
	"clinical-rag-go/pkg/log"
)

// SearchHandler 结构体定义了检索相关的处理器。
type SearchHandler struct {
	searchService service.SearchService
	embedClient   *embedding.Client
	cfg           config.SearchConfig
}

// NewSearchHandler 创建一个新的 SearchHandler 实例，
// cfg 提供请求未显式指定时的检索默认参数。
func NewSearchHandler(searchService service.SearchService, embedClient *embedding.Client, cfg config.SearchConfig) *SearchHandler {
	return &SearchHandler{
		searchService: searchService,
		embedClient:   embedClient,
		cfg:           cfg,
	}
}

// SemanticSearch 是处理语义检索请求的 Gin 处理函数。
func (h *SearchHandler) SemanticSearch(c *gin.Context) {
	orgID := middleware.OrgID(c)
	query := c.Query("query")
	log.Infof("[SearchHandler] 收到语义检索请求, orgID: %s, query: %s", orgID, query)

	if strings.TrimSpace(query) == "" {
		log.Warnf("[SearchHandler] 检索请求失败: query 参数为空")
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的查询参数"})
		return
	}
	opts := h.parseSearchOptions(c, orgID)

	queryEmbedding := h.embedClient.EmbedOne(c.Request.Context(), query)
	if queryEmbedding == nil {
		log.Errorf("[SearchHandler] 查询向量化失败, query: %s", query)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "查询向量化失败"})
		return
	}

	results, err := h.searchService.SimilaritySearch(c.Request.Context(), queryEmbedding, opts)
	if err != nil {
		log.Errorf("[SearchHandler] 语义检索服务返回错误, error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "检索失败"})
		return
	}

	log.Infof("[SearchHandler] 语义检索成功, query: '%s', 返回 %d 条结果", query, len(results))
	c.JSON(http.StatusOK, gin.H{"code": 200, "data": results, "message": "success"})
}

type ragRequest struct {
	Query            string   `json:"query" binding:"required"`
	DocumentIDs      []string `json:"documentIds"`
	Sections         []string `json:"sections"`
	MinSimilarity    float64  `json:"minSimilarity"`
	MaxResults       int      `json:"maxResults"`
	MaxContextChunks int      `json:"maxContextChunks"`
}

// RagSearch 是处理 RAG 检索请求的 Gin 处理函数。
func (h *SearchHandler) RagSearch(c *gin.Context) {
	orgID := middleware.OrgID(c)

	var req ragRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warnf("[SearchHandler] RAG 请求参数无效: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的请求参数"})
		return
	}
	log.Infof("[SearchHandler] 收到 RAG 检索请求, orgID: %s, query: %s", orgID, req.Query)

	// 请求未显式指定的参数回落到配置里的检索默认值
	if req.MinSimilarity <= 0 {
		req.MinSimilarity = h.cfg.MinSimilarity
	}
	if req.MaxResults <= 0 {
		req.MaxResults = h.cfg.MaxResults
	}
	if req.MaxContextChunks <= 0 {
		req.MaxContextChunks = h.cfg.MaxContextChunks
	}

	result, err := h.searchService.RagSearch(c.Request.Context(), req.Query, service.RagOptions{
		SearchOptions: service.SearchOptions{
			OrgID:         orgID,
			DocumentIDs:   req.DocumentIDs,
			Sections:      req.Sections,
			MinSimilarity: req.MinSimilarity,
			MaxResults:    req.MaxResults,
		},
		MaxContextChunks: req.MaxContextChunks,
	})
	if err != nil {
		log.Errorf("[SearchHandler] RAG 检索服务返回错误, error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "检索失败"})
		return
	}

	log.Infof("[SearchHandler] RAG 检索成功, query: '%s', 返回 %d 条结果", req.Query, len(result.Results))
	c.JSON(http.StatusOK, gin.H{"code": 200, "data": result, "message": "success"})
}

func (h *SearchHandler) parseSearchOptions(c *gin.Context, orgID string) service.SearchOptions {
	opts := service.SearchOptions{
		OrgID:         orgID,
		MinSimilarity: h.cfg.MinSimilarity,
		MaxResults:    h.cfg.MaxResults,
	}

	if ids := c.Query("documentIds"); ids != "" {
		opts.DocumentIDs = strings.Split(ids, ",")
	}
	if sections := c.Query("sections"); sections != "" {
		opts.Sections = strings.Split(sections, ",")
	}
	if raw := c.Query("minSimilarity"); raw != "" {
		if minSim, err := strconv.ParseFloat(raw, 64); err == nil {
			opts.MinSimilarity = minSim
		}
	}
	if raw := c.Query("maxResults"); raw != "" {
		if maxResults, err := strconv.Atoi(raw); err == nil && maxResults > 0 {
			opts.MaxResults = maxResults
		}
	}
	return opts
}
