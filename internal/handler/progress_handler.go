package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"clinical-rag-go/internal/service"
	"clinical-rag-go/internal/status"
	"clinical-rag-go/pkg/log"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许所有来源
	},
}

// 进度推送的轮询间隔
const progressPollInterval = 500 * time.Millisecond

// ProgressHandler 通过 WebSocket 推送文档处理进度。
type ProgressHandler struct {
	documentService service.DocumentService
	tracker         *status.Tracker
}

// NewProgressHandler 创建一个新的 ProgressHandler。
func NewProgressHandler(documentService service.DocumentService, tracker *status.Tracker) *ProgressHandler {
	return &ProgressHandler{
		documentService: documentService,
		tracker:         tracker,
	}
}

// Handle 处理一个传入的进度订阅连接。
// 连接建立后持续推送状态快照，文档进入终态后推送最后一帧并关闭连接。
func (h *ProgressHandler) Handle(c *gin.Context) {
	documentID := c.Param("id")
	orgID := c.GetHeader("X-Org-ID")
	if orgID == "" {
		orgID = c.Query("orgId") // 浏览器端 WebSocket 无法自定义请求头
	}
	if orgID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少 org 标识"})
		return
	}

	// 先确认文档存在，再升级连接
	if _, err := h.documentService.GetDocument(c.Request.Context(), documentID, orgID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "文档不存在"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	defer conn.Close()
	log.Infof("[ProgressHandler] 进度订阅已建立, docID: %s, orgID: %s", documentID, orgID)

	ticker := time.NewTicker(progressPollInterval)
	defer ticker.Stop()

	var lastStatus string
	lastProgress := -1
	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-ticker.C:
		}

		snapshot, err := h.tracker.Current(c.Request.Context(), documentID, orgID)
		if err != nil {
			log.Warnf("[ProgressHandler] 查询状态失败, docID: %s, 错误: %v", documentID, err)
			return
		}
		// 状态和进度都没变就不推送
		if string(snapshot.Status) == lastStatus && snapshot.Progress == lastProgress {
			continue
		}
		lastStatus = string(snapshot.Status)
		lastProgress = snapshot.Progress

		if err := conn.WriteJSON(snapshot); err != nil {
			log.Warnf("[ProgressHandler] 推送进度失败, docID: %s, 错误: %v", documentID, err)
			return
		}
		if snapshot.Status.IsTerminal() {
			log.Infof("[ProgressHandler] 文档进入终态, 关闭进度订阅, docID: %s, status: %s", documentID, snapshot.Status)
			return
		}
	}
}
