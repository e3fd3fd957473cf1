package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"clinical-rag-go/internal/config"
	"clinical-rag-go/internal/model"
	"clinical-rag-go/internal/repository"
	"clinical-rag-go/internal/status"
	"clinical-rag-go/pkg/es"
	"clinical-rag-go/pkg/kafka"
	"clinical-rag-go/pkg/log"
	"clinical-rag-go/pkg/storage"
	"clinical-rag-go/pkg/tasks"
)

// DocumentService 接口定义了文档生命周期相关的操作。
type DocumentService interface {
	UploadDocument(ctx context.Context, orgID, name, content, uploadedBy string) (*model.Document, error)
	TriggerProcessing(ctx context.Context, documentID, orgID string) error
	GetStatus(ctx context.Context, documentID, orgID string) (model.StatusSnapshot, error)
	GetDocument(ctx context.Context, documentID, orgID string) (*model.Document, error)
	DeleteDocument(ctx context.Context, documentID, orgID string) error
}

// documentService 是 DocumentService 的实现。
type documentService struct {
	docRepo   repository.DocumentRepository
	chunkRepo repository.ChunkRepository
	tracker   *status.Tracker
	index     es.Index // 可为 nil
	bucket    string
}

// NewDocumentService 创建一个 DocumentService 实例。
func NewDocumentService(docRepo repository.DocumentRepository, chunkRepo repository.ChunkRepository, tracker *status.Tracker, index es.Index, cfg config.MinIOConfig) DocumentService {
	return &documentService{
		docRepo:   docRepo,
		chunkRepo: chunkRepo,
		tracker:   tracker,
		index:     index,
		bucket:    cfg.BucketName,
	}
}

// UploadDocument 保存文档文本并创建 uploaded 状态的文档记录，不触发处理。
func (s *documentService) UploadDocument(ctx context.Context, orgID, name, content, uploadedBy string) (*model.Document, error) {
	if orgID == "" {
		return nil, fmt.Errorf("缺少 orgID")
	}
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("文档名不能为空")
	}
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("文档内容不能为空")
	}

	doc := &model.Document{
		ID:               uuid.New().String(),
		OrgID:            orgID,
		Name:             name,
		ProcessingStatus: model.StatusUploaded,
		Version:          1,
		UploadedBy:       uploadedBy,
	}
	if err := storage.SaveDocumentText(ctx, s.bucket, doc.ID, content); err != nil {
		return nil, fmt.Errorf("保存文档文本失败: %w", err)
	}
	doc.SourceObject = doc.ID
	if err := s.docRepo.Create(doc); err != nil {
		return nil, fmt.Errorf("创建文档记录失败: %w", err)
	}
	log.Infof("[DocumentService] 文档已上传, docID: %s, orgID: %s, name: %s", doc.ID, orgID, name)
	return doc, nil
}

// TriggerProcessing 把文档处理任务投递到 Kafka，由消费端异步执行管道。
// error 状态的文档会先被重置回 uploaded 再投递，支持失败重跑。
func (s *documentService) TriggerProcessing(ctx context.Context, documentID, orgID string) error {
	doc, err := s.docRepo.FindByID(documentID, orgID)
	if err != nil {
		return err
	}
	switch doc.ProcessingStatus {
	case model.StatusUploaded:
		// 直接投递
	case model.StatusError, model.StatusReady:
		if err := s.tracker.Reset(ctx, documentID, orgID); err != nil {
			return fmt.Errorf("重置文档状态失败: %w", err)
		}
	default:
		return fmt.Errorf("文档正在处理中, 当前状态: %s", doc.ProcessingStatus)
	}

	if err := kafka.ProduceDocumentTask(tasks.DocumentProcessingTask{
		DocumentID: documentID,
		OrgID:      orgID,
		Name:       doc.Name,
	}); err != nil {
		return fmt.Errorf("投递处理任务失败: %w", err)
	}
	log.Infof("[DocumentService] 处理任务已投递, docID: %s, orgID: %s", documentID, orgID)
	return nil
}

// GetStatus 返回文档当前的处理状态快照。
func (s *documentService) GetStatus(ctx context.Context, documentID, orgID string) (model.StatusSnapshot, error) {
	return s.tracker.Current(ctx, documentID, orgID)
}

// GetDocument 返回文档元信息。
func (s *documentService) GetDocument(_ context.Context, documentID, orgID string) (*model.Document, error) {
	return s.docRepo.FindByID(documentID, orgID)
}

// DeleteDocument 删除文档及其全部派生数据：分块、索引、原始文本。
func (s *documentService) DeleteDocument(ctx context.Context, documentID, orgID string) error {
	if _, err := s.docRepo.FindByID(documentID, orgID); err != nil {
		return err
	}
	if err := s.chunkRepo.DeleteByDocument(documentID, orgID); err != nil {
		return fmt.Errorf("删除分块失败: %w", err)
	}
	if s.index != nil {
		if err := s.index.DeleteByDocument(ctx, documentID, orgID); err != nil {
			log.Warnf("[DocumentService] 删除索引副本失败, docID: %s, 错误: %v", documentID, err)
		}
	}
	if err := storage.DeleteDocumentText(ctx, s.bucket, documentID); err != nil {
		log.Warnf("[DocumentService] 删除原始文本失败, docID: %s, 错误: %v", documentID, err)
	}
	if err := s.docRepo.Delete(documentID, orgID); err != nil {
		return fmt.Errorf("删除文档记录失败: %w", err)
	}
	log.Infof("[DocumentService] 文档已删除, docID: %s, orgID: %s", documentID, orgID)
	return nil
}
