// Package repository 定义了与数据库进行数据交换的接口和实现。
// 所有查询都以 org_id 为作用域：租户不匹配时一律按"记录不存在"处理，
// 绝不向调用方泄露其他租户数据的存在性。
package repository

import (
	"gorm.io/gorm"

	"clinical-rag-go/internal/model"
)

// DocumentRepository 接口定义了文档相关的数据持久化操作。
type DocumentRepository interface {
	Create(doc *model.Document) error
	FindByID(documentID, orgID string) (*model.Document, error)
	UpdateStatus(documentID, orgID string, status model.ProcessingStatus, errorMessage string) error
	UpdateMetadata(documentID, orgID string, metadata model.JSONMap) error
	FindReadyIDs(orgID string, documentIDs []string) ([]string, error)
	FindNames(orgID string, documentIDs []string) (map[string]string, error)
	Delete(documentID, orgID string) error
}

// documentRepository 是 DocumentRepository 接口的 GORM 实现。
type documentRepository struct {
	db *gorm.DB
}

// NewDocumentRepository 创建一个新的 DocumentRepository 实例。
func NewDocumentRepository(db *gorm.DB) DocumentRepository {
	return &documentRepository{db: db}
}

// Create 在数据库中创建一条文档记录。
func (r *documentRepository) Create(doc *model.Document) error {
	return r.db.Create(doc).Error
}

// FindByID 按 (id, org_id) 检索文档，org 不匹配时返回 gorm.ErrRecordNotFound。
func (r *documentRepository) FindByID(documentID, orgID string) (*model.Document, error) {
	var doc model.Document
	err := r.db.Where("id = ? AND org_id = ?", documentID, orgID).First(&doc).Error
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// UpdateStatus 更新文档的处理状态。errorMessage 为空时会清空旧的错误信息，
// 保证从 error 重试成功后不残留历史报错。
func (r *documentRepository) UpdateStatus(documentID, orgID string, status model.ProcessingStatus, errorMessage string) error {
	result := r.db.Model(&model.Document{}).
		Where("id = ? AND org_id = ?", documentID, orgID).
		Updates(map[string]interface{}{
			"processing_status": status,
			"error_message":     errorMessage,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// UpdateMetadata 覆盖文档的处理统计元数据。
func (r *documentRepository) UpdateMetadata(documentID, orgID string, metadata model.JSONMap) error {
	result := r.db.Model(&model.Document{}).
		Where("id = ? AND org_id = ?", documentID, orgID).
		Update("processing_metadata", metadata)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// FindReadyIDs 返回 org 下处于 ready 状态的文档 ID。
// documentIDs 非空时在其中过滤，用于把检索范围限定到指定文档。
func (r *documentRepository) FindReadyIDs(orgID string, documentIDs []string) ([]string, error) {
	var ids []string
	query := r.db.Model(&model.Document{}).
		Where("org_id = ? AND processing_status = ?", orgID, model.StatusReady)
	if len(documentIDs) > 0 {
		query = query.Where("id IN ?", documentIDs)
	}
	err := query.Pluck("id", &ids).Error
	return ids, err
}

// FindNames 批量查询文档名，返回 documentID -> name 的映射。
func (r *documentRepository) FindNames(orgID string, documentIDs []string) (map[string]string, error) {
	names := make(map[string]string)
	if len(documentIDs) == 0 {
		return names, nil
	}
	var docs []model.Document
	err := r.db.Select("id", "name").
		Where("org_id = ? AND id IN ?", orgID, documentIDs).
		Find(&docs).Error
	if err != nil {
		return nil, err
	}
	for _, doc := range docs {
		names[doc.ID] = doc.Name
	}
	return names, nil
}

// Delete 删除文档记录本身；分块的级联删除由 ChunkRepository 负责。
func (r *documentRepository) Delete(documentID, orgID string) error {
	result := r.db.Where("id = ? AND org_id = ?", documentID, orgID).Delete(&model.Document{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
