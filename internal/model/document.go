// Package model 定义了与数据库表对应的 Go 结构体以及服务间传递的 DTO。
package model

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// ProcessingStatus 表示文档处理状态机中的一个状态。
type ProcessingStatus string

const (
	StatusUploaded   ProcessingStatus = "uploaded"
	StatusValidating ProcessingStatus = "validating"
	StatusProcessing ProcessingStatus = "processing"
	StatusChunking   ProcessingStatus = "chunking"
	StatusEmbedding  ProcessingStatus = "embedding"
	StatusStoring    ProcessingStatus = "storing"
	StatusReady      ProcessingStatus = "ready"
	StatusError      ProcessingStatus = "error"
)

// IsTerminal 判断状态是否为终态（ready / error）。
func (s ProcessingStatus) IsTerminal() bool {
	return s == StatusReady || s == StatusError
}

// Valid 判断字符串是否是一个已定义的处理状态。
func (s ProcessingStatus) Valid() bool {
	switch s {
	case StatusUploaded, StatusValidating, StatusProcessing, StatusChunking,
		StatusEmbedding, StatusStoring, StatusReady, StatusError:
		return true
	}
	return false
}

// JSONMap 是一个以 JSON 形式落库的自由扩展字典。
type JSONMap map[string]interface{}

// Value 实现 driver.Valuer，将字典序列化为 JSON 存储。
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan 实现 sql.Scanner，从 JSON 列反序列化。
func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}
	data, ok := value.([]byte)
	if !ok {
		s, ok := value.(string)
		if !ok {
			return errors.New("JSONMap: 不支持的数据库列类型")
		}
		data = []byte(s)
	}
	return json.Unmarshal(data, m)
}

// Document 对应于数据库中的 documents 表。
// OrgID 在创建后不可变，所有读写必须携带匹配的 OrgID（租户隔离）。
type Document struct {
	ID                 string           `gorm:"type:varchar(36);primaryKey" json:"id"`
	OrgID              string           `gorm:"type:varchar(36);not null;index:idx_documents_org;column:org_id" json:"orgId"`
	Name               string           `gorm:"type:varchar(255);not null" json:"name"`
	SourceObject       string           `gorm:"type:varchar(255);column:source_object" json:"sourceObject"`
	ProcessingStatus   ProcessingStatus `gorm:"type:varchar(16);not null;default:'uploaded';column:processing_status" json:"processingStatus"`
	ProcessingMetadata JSONMap          `gorm:"type:json;column:processing_metadata" json:"processingMetadata"`
	ErrorMessage       string           `gorm:"type:text;column:error_message" json:"errorMessage,omitempty"`
	Version            int              `gorm:"not null;default:1" json:"version"`
	UploadedBy         string           `gorm:"type:varchar(36);column:uploaded_by" json:"uploadedBy"`
	CreatedAt          time.Time        `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt          time.Time        `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Document) TableName() string {
	return "documents"
}
