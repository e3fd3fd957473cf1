// Package es 提供了与 Elasticsearch 交互的客户端功能。
// Elasticsearch 承担服务端向量检索（dense_vector + cosine knn）的角色；
// 它不可用时由上层退回进程内余弦计算。
package es

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"clinical-rag-go/internal/config"
	"clinical-rag-go/internal/model"
	"clinical-rag-go/pkg/log"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

// KnnQuery 描述一次服务端向量检索请求。
type KnnQuery struct {
	Vector        model.Vector
	K             int
	NumCandidates int
	OrgID         string
	DocumentIDs   []string // 限定的文档范围（已经过 ready 过滤）
	Sections      []string
}

// KnnHit 是服务端向量检索的单条命中，Score 为 ES 原始分数。
type KnnHit struct {
	Chunk model.EsChunk
	Score float64
}

// Index 定义了向量索引的操作接口，检索服务与处理管道都依赖该接口。
type Index interface {
	IndexChunks(ctx context.Context, chunks []model.EsChunk) error
	KnnSearch(ctx context.Context, query KnnQuery) ([]KnnHit, error)
	DeleteByDocument(ctx context.Context, documentID, orgID string) error
}

// client 是 Index 接口的 go-elasticsearch 实现。
type client struct {
	es        *elasticsearch.Client
	indexName string
}

// Init 初始化 Elasticsearch 客户端并确保分块索引存在。
func Init(esCfg config.ElasticsearchConfig, dims int) (Index, error) {
	cfg := elasticsearch.Config{
		Addresses: []string{esCfg.Addresses},
		Username:  esCfg.Username,
		Password:  esCfg.Password,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	esClient, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	c := &client{es: esClient, indexName: esCfg.IndexName}
	if err := c.createIndexIfNotExists(dims); err != nil {
		return nil, err
	}
	return c, nil
}

// createIndexIfNotExists 检查索引是否存在，如果不存在则按配置维度创建。
func (c *client) createIndexIfNotExists(dims int) error {
	res, err := c.es.Indices.Exists([]string{c.indexName})
	if err != nil {
		log.Errorf("检查索引是否存在时出错: %v", err)
		return err
	}
	if !res.IsError() && res.StatusCode == http.StatusOK {
		log.Infof("索引 '%s' 已存在", c.indexName)
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		log.Errorf("检查索引 '%s' 是否存在时收到意外的状态码: %d", c.indexName, res.StatusCode)
		return fmt.Errorf("检查索引是否存在时收到意外的状态码: %d", res.StatusCode)
	}

	// dense_vector 使用 cosine 相似度，维度跟随 embedding 配置
	mapping := fmt.Sprintf(`{
		"mappings": {
			"properties": {
				"chunk_ref": { "type": "keyword" },
				"chunk_id": { "type": "keyword" },
				"document_id": { "type": "keyword" },
				"chunk_index": { "type": "integer" },
				"org_id": { "type": "keyword" },
				"content": { "type": "text" },
				"vector": {
					"type": "dense_vector",
					"dims": %d,
					"index": true,
					"similarity": "cosine"
				},
				"section": { "type": "keyword" },
				"page_number": { "type": "integer" },
				"model_version": { "type": "keyword" }
			}
		}
	}`, dims)

	res, err = c.es.Indices.Create(
		c.indexName,
		c.es.Indices.Create.WithBody(strings.NewReader(mapping)),
	)
	if err != nil {
		log.Errorf("创建索引 '%s' 失败: %v", c.indexName, err)
		return err
	}
	if res.IsError() {
		log.Errorf("创建索引 '%s' 时 Elasticsearch 返回错误: %s", c.indexName, res.String())
		return errors.New("创建索引时 Elasticsearch 返回错误")
	}

	log.Infof("索引 '%s' 创建成功", c.indexName)
	return nil
}

// IndexChunks 将分块逐条索引到 Elasticsearch，文档 ID 使用 chunk_ref 保证幂等覆盖。
func (c *client) IndexChunks(ctx context.Context, chunks []model.EsChunk) error {
	for _, chunk := range chunks {
		docBytes, err := json.Marshal(chunk)
		if err != nil {
			return err
		}

		req := esapi.IndexRequest{
			Index:      c.indexName,
			DocumentID: chunk.ChunkRef,
			Body:       bytes.NewReader(docBytes),
			Refresh:    "true",
		}

		res, err := req.Do(ctx, c.es)
		if err != nil {
			return err
		}
		if res.IsError() {
			body := res.String()
			res.Body.Close()
			log.Errorf("索引分块到 Elasticsearch 出错: %s", body)
			return errors.New("failed to index chunk")
		}
		res.Body.Close()
	}
	return nil
}

// KnnSearch 执行服务端 knn 检索，按 org_id 与文档范围过滤。
func (c *client) KnnSearch(ctx context.Context, query KnnQuery) ([]KnnHit, error) {
	filters := []map[string]interface{}{
		{"term": map[string]interface{}{"org_id": query.OrgID}},
	}
	if len(query.DocumentIDs) > 0 {
		filters = append(filters, map[string]interface{}{
			"terms": map[string]interface{}{"document_id": query.DocumentIDs},
		})
	}
	if len(query.Sections) > 0 {
		filters = append(filters, map[string]interface{}{
			"terms": map[string]interface{}{"section": query.Sections},
		})
	}

	esQuery := map[string]interface{}{
		"knn": map[string]interface{}{
			"field":          "vector",
			"query_vector":   query.Vector,
			"k":              query.K,
			"num_candidates": query.NumCandidates,
			"filter": map[string]interface{}{
				"bool": map[string]interface{}{"filter": filters},
			},
		},
		"size": query.K,
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(esQuery); err != nil {
		return nil, fmt.Errorf("failed to encode es query: %w", err)
	}

	res, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(c.indexName),
		c.es.Search.WithBody(&buf),
	)
	if err != nil {
		return nil, fmt.Errorf("elasticsearch search failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("elasticsearch returned an error: %s", res.String())
	}

	var esResponse struct {
		Hits struct {
			Hits []struct {
				Source model.EsChunk `json:"_source"`
				Score  float64       `json:"_score"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&esResponse); err != nil {
		return nil, fmt.Errorf("failed to decode es response: %w", err)
	}

	hits := make([]KnnHit, 0, len(esResponse.Hits.Hits))
	for _, hit := range esResponse.Hits.Hits {
		hits = append(hits, KnnHit{Chunk: hit.Source, Score: hit.Score})
	}
	return hits, nil
}

// DeleteByDocument 删除文档在索引中的全部分块（文档删除、重处理前的清理）。
func (c *client) DeleteByDocument(ctx context.Context, documentID, orgID string) error {
	query := fmt.Sprintf(`{
		"query": {
			"bool": {
				"filter": [
					{ "term": { "document_id": %q } },
					{ "term": { "org_id": %q } }
				]
			}
		}
	}`, documentID, orgID)

	res, err := c.es.DeleteByQuery(
		[]string{c.indexName},
		strings.NewReader(query),
		c.es.DeleteByQuery.WithContext(ctx),
		c.es.DeleteByQuery.WithRefresh(true),
	)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		log.Errorf("按文档删除索引分块出错: %s", res.String())
		return errors.New("failed to delete chunks from index")
	}
	return nil
}
