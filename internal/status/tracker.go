// Package status 实现了文档处理状态机：
// 校验状态流转、推导进度百分比、在终态向订阅方发出完成信号。
// 状态读取经过一层可注入的 TTL 缓存（默认 5 秒），写入同时落库与回填缓存，
// 缓存窗口内的并发读取得到一致视图。
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"clinical-rag-go/internal/model"
	"clinical-rag-go/internal/repository"
	"clinical-rag-go/pkg/cache"
	"clinical-rag-go/pkg/log"
)

// 默认的状态缓存时长
const defaultCacheTTL = 5 * time.Second

// allowedTransitions 定义了状态机的全部合法边。
// ready -> processing 用于重新处理，error -> processing 用于失败重试。
var allowedTransitions = map[model.ProcessingStatus][]model.ProcessingStatus{
	model.StatusUploaded:   {model.StatusValidating, model.StatusError},
	model.StatusValidating: {model.StatusProcessing, model.StatusError},
	model.StatusProcessing: {model.StatusChunking, model.StatusError},
	model.StatusChunking:   {model.StatusEmbedding, model.StatusError},
	model.StatusEmbedding:  {model.StatusStoring, model.StatusError},
	model.StatusStoring:    {model.StatusReady, model.StatusError},
	model.StatusReady:      {model.StatusProcessing, model.StatusError},
	model.StatusError:      {model.StatusProcessing},
}

// progressBase 是各状态的基础进度。embedding / storing 在
// [基础值, 基础值+20] 区间内按 processed/total 插值。
var progressBase = map[model.ProcessingStatus]int{
	model.StatusUploaded:   0,
	model.StatusValidating: 5,
	model.StatusProcessing: 10,
	model.StatusChunking:   25,
	model.StatusEmbedding:  40,
	model.StatusStoring:    70,
	model.StatusReady:      100,
	model.StatusError:      0,
}

// Meta 是流转时附带的进度与说明信息。
type Meta struct {
	ProcessedChunks int
	TotalChunks     int
	Message         string
}

// CompleteSignal 在文档进入终态（ready / error）时发给订阅方。
type CompleteSignal struct {
	DocumentID string
	OrgID      string
	Status     model.ProcessingStatus
	Error      string
}

// Subscriber 是终态信号的回调。
type Subscriber func(CompleteSignal)

// snapshot 是缓存中的状态快照。
type snapshot struct {
	Status   model.ProcessingStatus `json:"status"`
	Progress int                    `json:"progress"`
	Error    string                 `json:"error,omitempty"`
}

// Tracker 是经过校验的文档处理状态机。
type Tracker struct {
	docRepo  repository.DocumentRepository
	cache    cache.Cache
	cacheTTL time.Duration

	mu          sync.Mutex
	subscribers []Subscriber
}

// NewTracker 创建一个状态机实例。
func NewTracker(docRepo repository.DocumentRepository, statusCache cache.Cache) *Tracker {
	return &Tracker{
		docRepo:  docRepo,
		cache:    statusCache,
		cacheTTL: defaultCacheTTL,
	}
}

// Subscribe 注册一个终态信号订阅者。
func (t *Tracker) Subscribe(fn Subscriber) {
	t.mu.Lock()
	t.subscribers = append(t.subscribers, fn)
	t.mu.Unlock()
}

// ValidateTransition 判断 current -> next 是否是合法边。
func ValidateTransition(current, next model.ProcessingStatus) bool {
	for _, s := range allowedTransitions[current] {
		if s == next {
			return true
		}
	}
	return false
}

// ProgressFor 返回指定状态的进度百分比。
// embedding / storing 按 processed/total 在基础值之上插值最多 20 个点。
func ProgressFor(status model.ProcessingStatus, processed, total int) int {
	base, ok := progressBase[status]
	if !ok {
		return 0
	}
	if status == model.StatusEmbedding || status == model.StatusStoring {
		if total > 0 {
			frac := float64(processed) / float64(total)
			if frac > 1 {
				frac = 1
			}
			return base + int(frac*20)
		}
	}
	return base
}

// Transition 将文档流转到 next 状态。
// 非法流转会被拒绝并自动记录一次 error 流转；目标状态与当前状态相同时幂等成功，
// 不重复发出终态信号。
func (t *Tracker) Transition(ctx context.Context, documentID, orgID string, next model.ProcessingStatus, meta Meta) error {
	if !next.Valid() {
		return fmt.Errorf("未知的目标状态: %s", next)
	}

	current, err := t.currentStatus(ctx, documentID, orgID)
	if err != nil {
		return fmt.Errorf("读取当前状态失败: %w", err)
	}

	// 幂等：重复流转到当前状态视为无操作
	if current == next {
		log.Debugf("[StatusTracker] 文档 %s 已处于 %s, 忽略重复流转", documentID, next)
		return nil
	}

	if !ValidateTransition(current, next) {
		msg := fmt.Sprintf("无效的状态流转: %s -> %s", current, next)
		log.Warnf("[StatusTracker] 文档 %s %s", documentID, msg)
		// 非法流转本身作为一次 error 流转落库，调用方始终能读到终态；
		// 文档已处于 error 时复用 RecordError 的保护，不重复发终态信号
		if err := t.RecordError(ctx, documentID, orgID, msg); err != nil {
			log.Errorf("[StatusTracker] 记录 error 状态失败 (document=%s): %v", documentID, err)
		}
		return fmt.Errorf("%s", msg)
	}

	errorMessage := ""
	if next == model.StatusError {
		errorMessage = meta.Message
	}
	if err := t.docRepo.UpdateStatus(documentID, orgID, next, errorMessage); err != nil {
		return fmt.Errorf("持久化状态 %s 失败: %w", next, err)
	}

	t.writeCache(ctx, documentID, orgID, snapshot{
		Status:   next,
		Progress: ProgressFor(next, meta.ProcessedChunks, meta.TotalChunks),
		Error:    errorMessage,
	})

	log.Infof("[StatusTracker] 文档 %s 状态流转: %s -> %s", documentID, current, next)

	if next.IsTerminal() {
		t.emit(CompleteSignal{DocumentID: documentID, OrgID: orgID, Status: next, Error: errorMessage})
	}
	return nil
}

// RecordError 将文档直接置为 error 终态并记录原因。
// 文档已处于 error 时仅更新错误信息，不重复发出终态信号（last-writer-wins）。
func (t *Tracker) RecordError(ctx context.Context, documentID, orgID, message string) error {
	current, err := t.currentStatus(ctx, documentID, orgID)
	if err != nil {
		return fmt.Errorf("读取当前状态失败: %w", err)
	}
	if current == model.StatusError {
		if err := t.docRepo.UpdateStatus(documentID, orgID, model.StatusError, message); err != nil {
			return err
		}
		t.writeCache(ctx, documentID, orgID, snapshot{Status: model.StatusError, Error: message})
		return nil
	}
	t.recordErrorState(ctx, documentID, orgID, message)
	return nil
}

// Reset 将文档重置回 uploaded，供重试流程使用。
func (t *Tracker) Reset(ctx context.Context, documentID, orgID string) error {
	if err := t.docRepo.UpdateStatus(documentID, orgID, model.StatusUploaded, ""); err != nil {
		return fmt.Errorf("重置状态失败: %w", err)
	}
	return t.cache.Invalidate(ctx, t.cacheKey(documentID, orgID))
}

// UpdateProgress 刷新 embedding / storing 阶段的插值进度。
// 只更新缓存中的快照，不触发状态流转（同状态自环不是合法边）。
func (t *Tracker) UpdateProgress(ctx context.Context, documentID, orgID string, processed, total int) {
	current, err := t.currentStatus(ctx, documentID, orgID)
	if err != nil {
		log.Warnf("[StatusTracker] 刷新进度时读取状态失败: %v", err)
		return
	}
	if current != model.StatusEmbedding && current != model.StatusStoring {
		return
	}
	t.writeCache(ctx, documentID, orgID, snapshot{
		Status:   current,
		Progress: ProgressFor(current, processed, total),
	})
}

// Current 返回文档的当前状态快照（缓存优先）。
func (t *Tracker) Current(ctx context.Context, documentID, orgID string) (model.StatusSnapshot, error) {
	key := t.cacheKey(documentID, orgID)
	if raw, ok, err := t.cache.Get(ctx, key); err == nil && ok {
		var snap snapshot
		if err := json.Unmarshal([]byte(raw), &snap); err == nil {
			return model.StatusSnapshot{
				DocumentID: documentID,
				Status:     snap.Status,
				Progress:   snap.Progress,
				Error:      snap.Error,
			}, nil
		}
	}

	doc, err := t.docRepo.FindByID(documentID, orgID)
	if err != nil {
		return model.StatusSnapshot{}, err
	}
	snap := snapshot{
		Status:   doc.ProcessingStatus,
		Progress: ProgressFor(doc.ProcessingStatus, 0, 0),
		Error:    doc.ErrorMessage,
	}
	t.writeCache(ctx, documentID, orgID, snap)
	return model.StatusSnapshot{
		DocumentID: documentID,
		Status:     snap.Status,
		Progress:   snap.Progress,
		Error:      snap.Error,
	}, nil
}

// currentStatus 读取当前状态：缓存命中则直接返回，否则回源数据库并回填。
func (t *Tracker) currentStatus(ctx context.Context, documentID, orgID string) (model.ProcessingStatus, error) {
	snap, err := t.Current(ctx, documentID, orgID)
	if err != nil {
		return "", err
	}
	return snap.Status, nil
}

// recordErrorState 落库并缓存一次 error 流转，然后发出终态信号。
func (t *Tracker) recordErrorState(ctx context.Context, documentID, orgID, message string) {
	if err := t.docRepo.UpdateStatus(documentID, orgID, model.StatusError, message); err != nil {
		log.Errorf("[StatusTracker] 记录 error 状态失败 (document=%s): %v", documentID, err)
		return
	}
	t.writeCache(ctx, documentID, orgID, snapshot{Status: model.StatusError, Error: message})
	t.emit(CompleteSignal{DocumentID: documentID, OrgID: orgID, Status: model.StatusError, Error: message})
}

func (t *Tracker) writeCache(ctx context.Context, documentID, orgID string, snap snapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := t.cache.Set(ctx, t.cacheKey(documentID, orgID), string(data), t.cacheTTL); err != nil {
		log.Warnf("[StatusTracker] 写入状态缓存失败: %v", err)
	}
}

// cacheKey 按 (org, document) 生成缓存键，不同文档互不影响。
func (t *Tracker) cacheKey(documentID, orgID string) string {
	return "docstatus:" + orgID + ":" + documentID
}

func (t *Tracker) emit(signal CompleteSignal) {
	t.mu.Lock()
	subs := make([]Subscriber, len(t.subscribers))
	copy(subs, t.subscribers)
	t.mu.Unlock()
	for _, fn := range subs {
		fn(signal)
	}
}
