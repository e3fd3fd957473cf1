package status

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"clinical-rag-go/internal/model"
	"clinical-rag-go/pkg/cache"
)

// testDocRepo 是 DocumentRepository 的内存实现，记录全部状态写入。
type testDocRepo struct {
	docs      map[string]*model.Document
	statusLog []model.ProcessingStatus
}

func newTestDocRepo(docs ...*model.Document) *testDocRepo {
	r := &testDocRepo{docs: make(map[string]*model.Document)}
	for _, doc := range docs {
		r.docs[doc.ID] = doc
	}
	return r
}

func (r *testDocRepo) Create(doc *model.Document) error {
	r.docs[doc.ID] = doc
	return nil
}

func (r *testDocRepo) FindByID(documentID, orgID string) (*model.Document, error) {
	doc, ok := r.docs[documentID]
	if !ok || doc.OrgID != orgID {
		return nil, gorm.ErrRecordNotFound
	}
	return doc, nil
}

func (r *testDocRepo) UpdateStatus(documentID, orgID string, status model.ProcessingStatus, errorMessage string) error {
	doc, err := r.FindByID(documentID, orgID)
	if err != nil {
		return err
	}
	doc.ProcessingStatus = status
	doc.ErrorMessage = errorMessage
	r.statusLog = append(r.statusLog, status)
	return nil
}

func (r *testDocRepo) UpdateMetadata(documentID, orgID string, metadata model.JSONMap) error {
	doc, err := r.FindByID(documentID, orgID)
	if err != nil {
		return err
	}
	doc.ProcessingMetadata = metadata
	return nil
}

func (r *testDocRepo) FindReadyIDs(orgID string, documentIDs []string) ([]string, error) {
	var ids []string
	for _, doc := range r.docs {
		if doc.OrgID == orgID && doc.ProcessingStatus == model.StatusReady {
			ids = append(ids, doc.ID)
		}
	}
	return ids, nil
}

func (r *testDocRepo) FindNames(orgID string, documentIDs []string) (map[string]string, error) {
	names := make(map[string]string)
	for _, doc := range r.docs {
		if doc.OrgID == orgID {
			names[doc.ID] = doc.Name
		}
	}
	return names, nil
}

func (r *testDocRepo) Delete(documentID, orgID string) error {
	if _, err := r.FindByID(documentID, orgID); err != nil {
		return err
	}
	delete(r.docs, documentID)
	return nil
}

func newTestTracker(docs ...*model.Document) (*Tracker, *testDocRepo) {
	repo := newTestDocRepo(docs...)
	return NewTracker(repo, cache.NewMemoryCache()), repo
}

func testDoc(id, orgID string, st model.ProcessingStatus) *model.Document {
	return &model.Document{ID: id, OrgID: orgID, Name: "doc-" + id, ProcessingStatus: st}
}

func TestValidateTransition(t *testing.T) {
	valid := []struct{ from, to model.ProcessingStatus }{
		{model.StatusUploaded, model.StatusValidating},
		{model.StatusValidating, model.StatusProcessing},
		{model.StatusProcessing, model.StatusChunking},
		{model.StatusChunking, model.StatusEmbedding},
		{model.StatusEmbedding, model.StatusStoring},
		{model.StatusStoring, model.StatusReady},
		{model.StatusReady, model.StatusProcessing},
		{model.StatusError, model.StatusProcessing},
		{model.StatusUploaded, model.StatusError},
		{model.StatusStoring, model.StatusError},
	}
	for _, tc := range valid {
		assert.True(t, ValidateTransition(tc.from, tc.to), "%s -> %s should be valid", tc.from, tc.to)
	}

	invalid := []struct{ from, to model.ProcessingStatus }{
		{model.StatusUploaded, model.StatusEmbedding},
		{model.StatusValidating, model.StatusReady},
		{model.StatusChunking, model.StatusStoring},
		{model.StatusReady, model.StatusValidating},
		{model.StatusError, model.StatusError},
		{model.StatusEmbedding, model.StatusChunking},
	}
	for _, tc := range invalid {
		assert.False(t, ValidateTransition(tc.from, tc.to), "%s -> %s should be invalid", tc.from, tc.to)
	}
}

func TestProgressFor(t *testing.T) {
	assert.Equal(t, 0, ProgressFor(model.StatusUploaded, 0, 0))
	assert.Equal(t, 5, ProgressFor(model.StatusValidating, 0, 0))
	assert.Equal(t, 10, ProgressFor(model.StatusProcessing, 0, 0))
	assert.Equal(t, 25, ProgressFor(model.StatusChunking, 0, 0))
	assert.Equal(t, 40, ProgressFor(model.StatusEmbedding, 0, 0))
	assert.Equal(t, 70, ProgressFor(model.StatusStoring, 0, 0))
	assert.Equal(t, 100, ProgressFor(model.StatusReady, 0, 0))
	assert.Equal(t, 0, ProgressFor(model.StatusError, 0, 0))

	// embedding / storing 按完成比例插值
	assert.Equal(t, 50, ProgressFor(model.StatusEmbedding, 5, 10))
	assert.Equal(t, 60, ProgressFor(model.StatusEmbedding, 10, 10))
	assert.Equal(t, 80, ProgressFor(model.StatusStoring, 5, 10))
	assert.Equal(t, 90, ProgressFor(model.StatusStoring, 10, 10))
	// 超额完成数被钳制
	assert.Equal(t, 60, ProgressFor(model.StatusEmbedding, 20, 10))
}

func TestTransitionHappyPath(t *testing.T) {
	tracker, repo := newTestTracker(testDoc("d1", "org1", model.StatusUploaded))
	ctx := context.Background()

	sequence := []model.ProcessingStatus{
		model.StatusValidating,
		model.StatusProcessing,
		model.StatusChunking,
		model.StatusEmbedding,
		model.StatusStoring,
		model.StatusReady,
	}
	for _, next := range sequence {
		require.NoError(t, tracker.Transition(ctx, "d1", "org1", next, Meta{}))
	}

	assert.Equal(t, sequence, repo.statusLog)
	snap, err := tracker.Current(ctx, "d1", "org1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusReady, snap.Status)
	assert.Equal(t, 100, snap.Progress)
}

func TestTransitionSameStateIsIdempotent(t *testing.T) {
	tracker, repo := newTestTracker(testDoc("d1", "org1", model.StatusChunking))
	ctx := context.Background()

	require.NoError(t, tracker.Transition(ctx, "d1", "org1", model.StatusChunking, Meta{}))
	assert.Empty(t, repo.statusLog, "same-state transition must not write")
}

func TestTransitionInvalidEdgeRecordsError(t *testing.T) {
	tracker, repo := newTestTracker(testDoc("d1", "org1", model.StatusUploaded))
	ctx := context.Background()

	var signals []CompleteSignal
	tracker.Subscribe(func(s CompleteSignal) { signals = append(signals, s) })

	err := tracker.Transition(ctx, "d1", "org1", model.StatusEmbedding, Meta{})
	require.Error(t, err)

	// 非法流转落库为 error 终态并发出信号
	assert.Equal(t, model.StatusError, repo.docs["d1"].ProcessingStatus)
	assert.Contains(t, repo.docs["d1"].ErrorMessage, "uploaded -> embedding")
	require.Len(t, signals, 1)
	assert.Equal(t, model.StatusError, signals[0].Status)
}

func TestTransitionUnknownStatusRejected(t *testing.T) {
	tracker, repo := newTestTracker(testDoc("d1", "org1", model.StatusUploaded))

	err := tracker.Transition(context.Background(), "d1", "org1", model.ProcessingStatus("bogus"), Meta{})
	require.Error(t, err)
	assert.Empty(t, repo.statusLog)
}

func TestTerminalSignalEmittedOnce(t *testing.T) {
	tracker, _ := newTestTracker(testDoc("d1", "org1", model.StatusStoring))
	ctx := context.Background()

	var signals []CompleteSignal
	tracker.Subscribe(func(s CompleteSignal) { signals = append(signals, s) })

	require.NoError(t, tracker.Transition(ctx, "d1", "org1", model.StatusReady, Meta{}))
	// 重复流转到 ready 是幂等无操作，不得再次发信号
	require.NoError(t, tracker.Transition(ctx, "d1", "org1", model.StatusReady, Meta{}))

	require.Len(t, signals, 1)
	assert.Equal(t, "d1", signals[0].DocumentID)
	assert.Equal(t, "org1", signals[0].OrgID)
	assert.Equal(t, model.StatusReady, signals[0].Status)
}

func TestInvalidEdgeFromErrorDoesNotReEmit(t *testing.T) {
	tracker, repo := newTestTracker(testDoc("d1", "org1", model.StatusEmbedding))
	ctx := context.Background()

	var signals []CompleteSignal
	tracker.Subscribe(func(s CompleteSignal) { signals = append(signals, s) })

	require.NoError(t, tracker.RecordError(ctx, "d1", "org1", "embedding provider unreachable"))
	require.Len(t, signals, 1)

	// error 终态下的非法流转只更新错误信息，不再发终态信号
	err := tracker.Transition(ctx, "d1", "org1", model.StatusReady, Meta{})
	require.Error(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, model.StatusError, repo.docs["d1"].ProcessingStatus)
	assert.Contains(t, repo.docs["d1"].ErrorMessage, "error -> ready")
}

func TestRecordError(t *testing.T) {
	tracker, repo := newTestTracker(testDoc("d1", "org1", model.StatusEmbedding))
	ctx := context.Background()

	var signals []CompleteSignal
	tracker.Subscribe(func(s CompleteSignal) { signals = append(signals, s) })

	require.NoError(t, tracker.RecordError(ctx, "d1", "org1", "embedding provider unreachable"))
	assert.Equal(t, model.StatusError, repo.docs["d1"].ProcessingStatus)
	assert.Equal(t, "embedding provider unreachable", repo.docs["d1"].ErrorMessage)
	require.Len(t, signals, 1)

	// 已处于 error 时仅更新错误信息，不重复发信号
	require.NoError(t, tracker.RecordError(ctx, "d1", "org1", "second failure"))
	assert.Equal(t, "second failure", repo.docs["d1"].ErrorMessage)
	assert.Len(t, signals, 1)
}

func TestUpdateProgressInterpolates(t *testing.T) {
	tracker, _ := newTestTracker(testDoc("d1", "org1", model.StatusChunking))
	ctx := context.Background()

	require.NoError(t, tracker.Transition(ctx, "d1", "org1", model.StatusEmbedding, Meta{TotalChunks: 10}))

	tracker.UpdateProgress(ctx, "d1", "org1", 5, 10)
	snap, err := tracker.Current(ctx, "d1", "org1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusEmbedding, snap.Status)
	assert.Equal(t, 50, snap.Progress)

	tracker.UpdateProgress(ctx, "d1", "org1", 10, 10)
	snap, err = tracker.Current(ctx, "d1", "org1")
	require.NoError(t, err)
	assert.Equal(t, 60, snap.Progress)
}

func TestUpdateProgressIgnoredOutsideInterpolatingStates(t *testing.T) {
	tracker, _ := newTestTracker(testDoc("d1", "org1", model.StatusChunking))
	ctx := context.Background()

	tracker.UpdateProgress(ctx, "d1", "org1", 5, 10)
	snap, err := tracker.Current(ctx, "d1", "org1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusChunking, snap.Status)
	assert.Equal(t, 25, snap.Progress)
}

func TestCurrentUsesCacheWithinTTL(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	repo := newTestDocRepo(testDoc("d1", "org1", model.StatusChunking))
	tracker := NewTracker(repo, cache.NewMemoryCacheWithClock(clock))
	ctx := context.Background()

	snap, err := tracker.Current(ctx, "d1", "org1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusChunking, snap.Status)

	// 缓存窗口内绕过 Tracker 改库，读取仍返回缓存视图
	repo.docs["d1"].ProcessingStatus = model.StatusReady
	now = now.Add(4 * time.Second)
	snap, err = tracker.Current(ctx, "d1", "org1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusChunking, snap.Status)

	// 缓存过期后回源数据库
	now = now.Add(2 * time.Second)
	snap, err = tracker.Current(ctx, "d1", "org1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusReady, snap.Status)
}

func TestCurrentUnknownDocument(t *testing.T) {
	tracker, _ := newTestTracker()
	_, err := tracker.Current(context.Background(), "missing", "org1")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestCurrentOrgScoped(t *testing.T) {
	tracker, _ := newTestTracker(testDoc("d1", "org1", model.StatusReady))
	_, err := tracker.Current(context.Background(), "d1", "org2")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestReset(t *testing.T) {
	tracker, repo := newTestTracker(testDoc("d1", "org1", model.StatusError))
	ctx := context.Background()

	require.NoError(t, tracker.Reset(ctx, "d1", "org1"))
	assert.Equal(t, model.StatusUploaded, repo.docs["d1"].ProcessingStatus)

	snap, err := tracker.Current(ctx, "d1", "org1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusUploaded, snap.Status)
	assert.Equal(t, 0, snap.Progress)
}

func TestRetryAfterError(t *testing.T) {
	tracker, repo := newTestTracker(testDoc("d1", "org1", model.StatusError))
	ctx := context.Background()

	// error -> processing 是重试的合法边
	require.NoError(t, tracker.Transition(ctx, "d1", "org1", model.StatusProcessing, Meta{}))
	assert.Equal(t, model.StatusProcessing, repo.docs["d1"].ProcessingStatus)
	assert.Empty(t, repo.docs["d1"].ErrorMessage, "retry must clear the error message")
}

func TestReprocessAfterReady(t *testing.T) {
	tracker, repo := newTestTracker(testDoc("d1", "org1", model.StatusReady))
	require.NoError(t, tracker.Transition(context.Background(), "d1", "org1", model.StatusProcessing, Meta{}))
	assert.Equal(t, model.StatusProcessing, repo.docs["d1"].ProcessingStatus)
}
