package model

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// Vector 是定长 embedding 向量，在 MySQL 中以 JSON 数组形式存储。
// 这里是向量的权威副本，Elasticsearch 中的是用于 knn 检索的冗余副本。
type Vector []float32

// Value 实现 driver.Valuer。
func (v Vector) Value() (driver.Value, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// Scan 实现 sql.Scanner。
func (v *Vector) Scan(value interface{}) error {
	if value == nil {
		*v = nil
		return nil
	}
	data, ok := value.([]byte)
	if !ok {
		s, ok := value.(string)
		if !ok {
			return errors.New("Vector: 不支持的数据库列类型")
		}
		data = []byte(s)
	}
	return json.Unmarshal(data, v)
}

// ChunkMetadata 是分块的元数据。已知字段显式建模，
// Extra 保留上游透传数据的开放扩展空间。
type ChunkMetadata struct {
	Section       string                 `json:"section,omitempty"`
	PageNumber    int                    `json:"page_number,omitempty"`
	Keywords      []string               `json:"keywords,omitempty"`
	HasStructured bool                   `json:"has_structured,omitempty"`
	Extra         map[string]interface{} `json:"extra,omitempty"`
}

// Value 实现 driver.Valuer。
func (m ChunkMetadata) Value() (driver.Value, error) {
	return json.Marshal(m)
}

// Scan 实现 sql.Scanner。
func (m *ChunkMetadata) Scan(value interface{}) error {
	if value == nil {
		*m = ChunkMetadata{}
		return nil
	}
	data, ok := value.([]byte)
	if !ok {
		s, ok := value.(string)
		if !ok {
			return errors.New("ChunkMetadata: 不支持的数据库列类型")
		}
		data = []byte(s)
	}
	return json.Unmarshal(data, m)
}

// Chunk 对应于数据库中的 chunks 表。
// (document_id, chunk_index) 在同一文档内唯一且连续；
// Embedding 为空表示该分块尚未向量化，不参与检索。
type Chunk struct {
	ID         string        `gorm:"type:varchar(36);primaryKey" json:"id"`
	DocumentID string        `gorm:"type:varchar(36);not null;uniqueIndex:idx_chunks_doc_index;column:document_id" json:"documentId"`
	ChunkIndex int           `gorm:"not null;uniqueIndex:idx_chunks_doc_index;column:chunk_index" json:"chunkIndex"`
	OrgID      string        `gorm:"type:varchar(36);not null;index:idx_chunks_org;column:org_id" json:"orgId"`
	Content    string        `gorm:"type:text;not null" json:"content"`
	TokenCount int           `gorm:"not null;column:token_count" json:"tokenCount"`
	Embedding  Vector        `gorm:"type:json" json:"embedding,omitempty"`
	Metadata   ChunkMetadata `gorm:"type:json" json:"metadata"`
	CreatedAt  time.Time     `gorm:"autoCreateTime" json:"createdAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Chunk) TableName() string {
	return "chunks"
}
