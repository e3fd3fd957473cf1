package repository

import (
	"errors"

	"gorm.io/gorm"

	"clinical-rag-go/internal/model"
)

// EmbeddingUpdate 描述一次按分块写入向量的请求。
type EmbeddingUpdate struct {
	ChunkID   string
	Embedding model.Vector
}

// EmbeddingUpdateResult 是批量写入向量时单个分块的结果。
// 批量写入不要求整体事务化：部分成功是预期内的结果，逐条上报。
type EmbeddingUpdateResult struct {
	ChunkID string
	Updated bool
	Err     string
}

// ChunkRepository 接口定义了对 chunks 表的数据操作。
type ChunkRepository interface {
	BatchCreate(chunks []*model.Chunk) error
	FindByDocument(documentID, orgID string) ([]*model.Chunk, error)
	FindNeedingEmbedding(documentID, orgID string) ([]*model.Chunk, error)
	FindEmbedded(orgID string, documentIDs []string, sections []string) ([]*model.Chunk, error)
	UpdateEmbedding(chunkID, orgID string, embedding model.Vector) error
	UpdateEmbeddings(orgID string, updates []EmbeddingUpdate) ([]EmbeddingUpdateResult, []string)
	DeleteByDocument(documentID, orgID string) error
	Exists(documentID, orgID string, chunkIndex int) (bool, error)
}

// chunkRepository 是 ChunkRepository 接口的 GORM 实现。
type chunkRepository struct {
	db *gorm.DB
}

// NewChunkRepository 创建一个新的 ChunkRepository 实例。
func NewChunkRepository(db *gorm.DB) ChunkRepository {
	return &chunkRepository{db: db}
}

// BatchCreate 批量创建分块记录。
func (r *chunkRepository) BatchCreate(chunks []*model.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	return r.db.CreateInBatches(chunks, 100).Error // 每100条记录一批
}

// FindByDocument 返回文档的全部分块，按 chunk_index 升序。
func (r *chunkRepository) FindByDocument(documentID, orgID string) ([]*model.Chunk, error) {
	var chunks []*model.Chunk
	err := r.db.Where("document_id = ? AND org_id = ?", documentID, orgID).
		Order("chunk_index asc").
		Find(&chunks).Error
	return chunks, err
}

// FindNeedingEmbedding 返回文档中尚未写入向量的分块。
func (r *chunkRepository) FindNeedingEmbedding(documentID, orgID string) ([]*model.Chunk, error) {
	var chunks []*model.Chunk
	err := r.db.Where("document_id = ? AND org_id = ? AND embedding IS NULL", documentID, orgID).
		Order("chunk_index asc").
		Find(&chunks).Error
	return chunks, err
}

// FindEmbedded 返回 org 下已向量化的分块，供进程内余弦相似度兜底检索使用。
// documentIDs / sections 非空时作为附加过滤条件。
func (r *chunkRepository) FindEmbedded(orgID string, documentIDs []string, sections []string) ([]*model.Chunk, error) {
	var chunks []*model.Chunk
	query := r.db.Where("org_id = ? AND embedding IS NOT NULL", orgID)
	if len(documentIDs) > 0 {
		query = query.Where("document_id IN ?", documentIDs)
	}
	if len(sections) > 0 {
		query = query.Where("JSON_UNQUOTE(JSON_EXTRACT(metadata, '$.section')) IN ?", sections)
	}
	err := query.Find(&chunks).Error
	return chunks, err
}

// UpdateEmbedding 写入单个分块的向量。
func (r *chunkRepository) UpdateEmbedding(chunkID, orgID string, embedding model.Vector) error {
	result := r.db.Model(&model.Chunk{}).
		Where("id = ? AND org_id = ?", chunkID, orgID).
		Update("embedding", embedding)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// UpdateEmbeddings 批量写入向量，逐条执行并返回每条的结果与聚合错误列表。
// 部分失败不会回滚已成功的条目。
func (r *chunkRepository) UpdateEmbeddings(orgID string, updates []EmbeddingUpdate) ([]EmbeddingUpdateResult, []string) {
	results := make([]EmbeddingUpdateResult, 0, len(updates))
	var errs []string
	for _, u := range updates {
		err := r.UpdateEmbedding(u.ChunkID, orgID, u.Embedding)
		if err != nil {
			results = append(results, EmbeddingUpdateResult{ChunkID: u.ChunkID, Err: err.Error()})
			errs = append(errs, u.ChunkID+": "+err.Error())
			continue
		}
		results = append(results, EmbeddingUpdateResult{ChunkID: u.ChunkID, Updated: true})
	}
	return results, errs
}

// DeleteByDocument 删除文档的全部分块记录（文档删除、重处理前的级联清理）。
func (r *chunkRepository) DeleteByDocument(documentID, orgID string) error {
	return r.db.Where("document_id = ? AND org_id = ?", documentID, orgID).Delete(&model.Chunk{}).Error
}

// Exists 判断 (document, chunk_index) 的分块是否已存在，用于幂等重处理。
func (r *chunkRepository) Exists(documentID, orgID string, chunkIndex int) (bool, error) {
	var chunk model.Chunk
	err := r.db.Select("id").
		Where("document_id = ? AND org_id = ? AND chunk_index = ?", documentID, orgID, chunkIndex).
		First(&chunk).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
