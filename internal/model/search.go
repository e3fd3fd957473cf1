package model

import "fmt"

// SearchResult 定义了单条相似度检索结果，仅在查询期间存在，不落库。
type SearchResult struct {
	ChunkID      string        `json:"chunkId"`
	DocumentID   string        `json:"documentId"`
	DocumentName string        `json:"documentName"`
	Content      string        `json:"content"`
	Similarity   float64       `json:"similarity"` // 余弦相似度，裁剪到 [0,1]
	Section      string        `json:"section,omitempty"`
	PageNumber   int           `json:"pageNumber,omitempty"`
	Metadata     ChunkMetadata `json:"metadata"`
}

// Citation 是 RAG 检索返回的引用条目，Snippet 为截断后的片段。
type Citation struct {
	Index        int    `json:"index"`
	DocumentID   string `json:"documentId"`
	DocumentName string `json:"documentName"`
	Section      string `json:"section,omitempty"`
	PageNumber   int    `json:"pageNumber,omitempty"`
	Snippet      string `json:"snippet"`
}

// RagResult 是 RAG 检索的完整返回：结果列表、拼接后的上下文与引用列表。
// Context 只由前 maxContextChunks 条结果构建，Citations 覆盖全部结果。
type RagResult struct {
	Results   []SearchResult `json:"results"`
	Context   string         `json:"context"`
	Citations []Citation     `json:"citations"`
}

// EsChunk 定义了存储在 Elasticsearch 中的分块文档结构。
type EsChunk struct {
	ChunkRef     string `json:"chunk_ref"` // 唯一标识：documentID_chunkIndex
	ChunkID      string `json:"chunk_id"`
	DocumentID   string `json:"document_id"`
	ChunkIndex   int    `json:"chunk_index"`
	OrgID        string `json:"org_id"`
	Content      string `json:"content"`
	Vector       Vector `json:"vector"`
	Section      string `json:"section,omitempty"`
	PageNumber   int    `json:"page_number,omitempty"`
	ModelVersion string `json:"model_version"`
}

// ChunkRef 按约定拼出 ES 文档 ID。
func ChunkRef(documentID string, chunkIndex int) string {
	return fmt.Sprintf("%s_%d", documentID, chunkIndex)
}

// StatusSnapshot 是状态查询接口返回的当前处理状态快照。
type StatusSnapshot struct {
	DocumentID string           `json:"documentId"`
	Status     ProcessingStatus `json:"status"`
	Progress   int              `json:"progress"`
	Error      string           `json:"error,omitempty"`
}
