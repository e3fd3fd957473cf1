package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinical-rag-go/internal/config"
	"clinical-rag-go/internal/middleware"
	"clinical-rag-go/internal/model"
	"clinical-rag-go/internal/service"
	"clinical-rag-go/pkg/embedding"
)

// testSearchService 是 service.SearchService 的 stub。
type testSearchService struct {
	results     []model.SearchResult
	lastOpts    service.SearchOptions
	lastRagOpts service.RagOptions
}

func (s *testSearchService) SimilaritySearch(_ context.Context, _ model.Vector, opts service.SearchOptions) ([]model.SearchResult, error) {
	s.lastOpts = opts
	return s.results, nil
}

func (s *testSearchService) RagSearch(_ context.Context, query string, opts service.RagOptions) (*model.RagResult, error) {
	s.lastOpts = opts.SearchOptions
	s.lastRagOpts = opts
	return &model.RagResult{
		Results: s.results,
		Context: "[1] context built from " + query,
	}, nil
}

func newSearchTestRouter(svc *testSearchService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	embedClient := embedding.NewClient(embedding.NewMockProvider(4), config.EmbeddingConfig{Dimensions: 4})
	h := NewSearchHandler(svc, embedClient, config.SearchConfig{
		MinSimilarity:    0.3,
		MaxResults:       10,
		MaxContextChunks: 5,
	})

	api := r.Group("/api/v1")
	api.Use(middleware.OrgScope())
	{
		api.GET("/search/semantic", h.SemanticSearch)
		api.POST("/search/rag", h.RagSearch)
	}
	return r
}

func TestSemanticSearch(t *testing.T) {
	svc := &testSearchService{results: []model.SearchResult{
		{ChunkID: "c1", DocumentID: "d1", Content: "chest pain", Similarity: 0.92},
	}}
	r := newSearchTestRouter(svc)

	w := doRequest(r, http.MethodGet, "/api/v1/search/semantic?query=chest+pain&maxResults=5&minSimilarity=0.5", "org1", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Code int                  `json:"code"`
		Data []model.SearchResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "c1", resp.Data[0].ChunkID)

	assert.Equal(t, "org1", svc.lastOpts.OrgID)
	assert.Equal(t, 5, svc.lastOpts.MaxResults)
	assert.InDelta(t, 0.5, svc.lastOpts.MinSimilarity, 1e-9)
}

func TestSemanticSearchConfigDefaults(t *testing.T) {
	svc := &testSearchService{}
	r := newSearchTestRouter(svc)

	// 请求不带检索参数时使用配置里的默认值
	w := doRequest(r, http.MethodGet, "/api/v1/search/semantic?query=pain", "org1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 10, svc.lastOpts.MaxResults)
	assert.InDelta(t, 0.3, svc.lastOpts.MinSimilarity, 1e-9)
}

func TestSemanticSearchEmptyQuery(t *testing.T) {
	r := newSearchTestRouter(&testSearchService{})
	w := doRequest(r, http.MethodGet, "/api/v1/search/semantic?query=", "org1", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSemanticSearchDocumentFilter(t *testing.T) {
	svc := &testSearchService{}
	r := newSearchTestRouter(svc)

	w := doRequest(r, http.MethodGet, "/api/v1/search/semantic?query=pain&documentIds=d1,d2&sections=PLAN", "org1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"d1", "d2"}, svc.lastOpts.DocumentIDs)
	assert.Equal(t, []string{"PLAN"}, svc.lastOpts.Sections)
}

func TestRagSearchEndpoint(t *testing.T) {
	svc := &testSearchService{results: []model.SearchResult{
		{ChunkID: "c1", DocumentID: "d1", Content: "chest pain", Similarity: 0.92},
	}}
	r := newSearchTestRouter(svc)

	w := doRequest(r, http.MethodPost, "/api/v1/search/rag", "org1",
		`{"query":"what was the chief complaint","maxResults":3}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Data model.RagResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp.Data.Context, "what was the chief complaint")
	assert.Equal(t, "org1", svc.lastOpts.OrgID)
	assert.Equal(t, 3, svc.lastOpts.MaxResults)
}

func TestRagSearchConfigDefaults(t *testing.T) {
	svc := &testSearchService{}
	r := newSearchTestRouter(svc)

	w := doRequest(r, http.MethodPost, "/api/v1/search/rag", "org1", `{"query":"follow-up plan"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 10, svc.lastRagOpts.MaxResults)
	assert.InDelta(t, 0.3, svc.lastRagOpts.MinSimilarity, 1e-9)
	assert.Equal(t, 5, svc.lastRagOpts.MaxContextChunks)
}

func TestRagSearchMissingQuery(t *testing.T) {
	r := newSearchTestRouter(&testSearchService{})
	w := doRequest(r, http.MethodPost, "/api/v1/search/rag", "org1", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
