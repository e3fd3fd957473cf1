// Package handler 提供了 HTTP 接口层的 Gin 处理器。
package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"clinical-rag-go/internal/middleware"
	"clinical-rag-go/internal/service"
	"clinical-rag-go/pkg/log"
)

// DocumentHandler 结构体定义了文档相关的处理器。
type DocumentHandler struct {
	documentService service.DocumentService
}

// NewDocumentHandler 创建一个新的 DocumentHandler 实例。
func NewDocumentHandler(documentService service.DocumentService) *DocumentHandler {
	return &DocumentHandler{
		documentService: documentService,
	}
}

type uploadRequest struct {
	Name       string `json:"name" binding:"required"`
	Content    string `json:"content" binding:"required"`
	UploadedBy string `json:"uploadedBy"`
}

// Upload 是处理文档上传请求的 Gin 处理函数。
func (h *DocumentHandler) Upload(c *gin.Context) {
	orgID := middleware.OrgID(c)

	var req uploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warnf("[DocumentHandler] 上传请求参数无效: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的请求参数"})
		return
	}

	doc, err := h.documentService.UploadDocument(c.Request.Context(), orgID, req.Name, req.Content, req.UploadedBy)
	if err != nil {
		log.Errorf("[DocumentHandler] 文档上传失败, orgID: %s, 错误: %v", orgID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "文档上传失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 200, "data": doc, "message": "success"})
}

// Process 是触发文档处理的 Gin 处理函数。
func (h *DocumentHandler) Process(c *gin.Context) {
	orgID := middleware.OrgID(c)
	documentID := c.Param("id")
	log.Infof("[DocumentHandler] 收到处理请求, docID: %s, orgID: %s", documentID, orgID)

	if err := h.documentService.TriggerProcessing(c.Request.Context(), documentID, orgID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "文档不存在"})
			return
		}
		log.Errorf("[DocumentHandler] 触发处理失败, docID: %s, 错误: %v", documentID, err)
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"code": 202, "message": "处理任务已提交"})
}

// Status 是查询文档处理状态的 Gin 处理函数。
func (h *DocumentHandler) Status(c *gin.Context) {
	orgID := middleware.OrgID(c)
	documentID := c.Param("id")

	snapshot, err := h.documentService.GetStatus(c.Request.Context(), documentID, orgID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "文档不存在"})
			return
		}
		log.Errorf("[DocumentHandler] 查询状态失败, docID: %s, 错误: %v", documentID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "查询状态失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 200, "data": snapshot, "message": "success"})
}

// Get 是查询文档元信息的 Gin 处理函数。
func (h *DocumentHandler) Get(c *gin.Context) {
	orgID := middleware.OrgID(c)
	documentID := c.Param("id")

	doc, err := h.documentService.GetDocument(c.Request.Context(), documentID, orgID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "文档不存在"})
			return
		}
		log.Errorf("[DocumentHandler] 查询文档失败, docID: %s, 错误: %v", documentID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "查询文档失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 200, "data": doc, "message": "success"})
}

// Delete 是删除文档的 Gin 处理函数。
func (h *DocumentHandler) Delete(c *gin.Context) {
	orgID := middleware.OrgID(c)
	documentID := c.Param("id")
	log.Infof("[DocumentHandler] 收到删除请求, docID: %s, orgID: %s", documentID, orgID)

	if err := h.documentService.DeleteDocument(c.Request.Context(), documentID, orgID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "文档不存在"})
			return
		}
		log.Errorf("[DocumentHandler] 删除文档失败, docID: %s, 错误: %v", documentID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "删除文档失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 200, "message": "success"})
}
