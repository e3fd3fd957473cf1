package pipeline

import "clinical-rag-go/internal/model"

// Events 是单次处理调用的阶段回调，由调用方按需注入，
// 不使用全局事件总线。所有字段都是可选的，nil 回调直接跳过。
type Events struct {
	DocumentLoaded    func(documentID string, chars int)
	ChunkingComplete  func(documentID string, chunks int)
	EmbeddingProgress func(documentID string, completed, total int)
	EmbeddingComplete func(documentID string, succeeded, failed int)
	StorageComplete   func(documentID string, stored int)
	Complete          func(documentID string, final model.ProcessingStatus)
	Failed            func(documentID string, err error)
}

func (e *Events) documentLoaded(documentID string, chars int) {
	if e == nil || e.DocumentLoaded == nil {
		return
	}
	e.DocumentLoaded(documentID, chars)
}

func (e *Events) chunkingComplete(documentID string, chunks int) {
	if e == nil || e.ChunkingComplete == nil {
		return
	}
	e.ChunkingComplete(documentID, chunks)
}

func (e *Events) embeddingProgress(documentID string, completed, total int) {
	if e == nil || e.EmbeddingProgress == nil {
		return
	}
	e.EmbeddingProgress(documentID, completed, total)
}

func (e *Events) embeddingComplete(documentID string, succeeded, failed int) {
	if e == nil || e.EmbeddingComplete == nil {
		return
	}
	e.EmbeddingComplete(documentID, succeeded, failed)
}

func (e *Events) storageComplete(documentID string, stored int) {
	if e == nil || e.StorageComplete == nil {
		return
	}
	e.StorageComplete(documentID, stored)
}

func (e *Events) complete(documentID string, final model.ProcessingStatus) {
	if e == nil || e.Complete == nil {
		return
	}
	e.Complete(documentID, final)
}

func (e *Events) failed(documentID string, err error) {
	if e == nil || e.Failed == nil {
		return
	}
	e.Failed(documentID, err)
}
