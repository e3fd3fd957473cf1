package embedding

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinical-rag-go/internal/config"
)

// testProvider implements Provider with scripted per-call errors.
type testProvider struct {
	dims  int
	calls int32
	// errs[i] 是第 i+1 次调用返回的错误，越界后调用成功
	errs []error
}

func (p *testProvider) Name() string    { return "test" }
func (p *testProvider) Dimensions() int { return p.dims }

func (p *testProvider) CreateEmbeddings(_ context.Context, inputs []string) ([][]float32, error) {
	call := atomic.AddInt32(&p.calls, 1)
	if int(call) <= len(p.errs) && p.errs[call-1] != nil {
		return nil, p.errs[call-1]
	}
	vectors := make([][]float32, len(inputs))
	for i := range inputs {
		vec := make([]float32, p.dims)
		// 首分量编码调用内位置，便于断言顺序
		vec[0] = float32(i + 1)
		vectors[i] = vec
	}
	return vectors, nil
}

func newTestClient(provider Provider, dims int) *Client {
	c := NewClient(provider, config.EmbeddingConfig{Dimensions: dims, MaxRetries: 3})
	c.baseDelay = time.Millisecond // 测试不等真实退避
	return c
}

func TestEmbedManyBlankInputs(t *testing.T) {
	provider := &testProvider{dims: 4}
	c := newTestClient(provider, 4)

	results := c.EmbedMany(context.Background(), []string{"", "  ", "\n"})
	require.Len(t, results, 3)
	for _, vec := range results {
		assert.Nil(t, vec)
	}
	assert.Equal(t, int32(0), provider.calls, "blank inputs must not reach the provider")
}

func TestEmbedManyPreservesOrder(t *testing.T) {
	provider := &testProvider{dims: 4}
	c := newTestClient(provider, 4)

	results := c.EmbedMany(context.Background(), []string{"first", "", "second", "   ", "third"})
	require.Len(t, results, 5)
	assert.Nil(t, results[1])
	assert.Nil(t, results[3])
	// 非空输入按压缩后的位置编码首分量
	require.NotNil(t, results[0])
	require.NotNil(t, results[2])
	require.NotNil(t, results[4])
	assert.Equal(t, float32(1), results[0][0])
	assert.Equal(t, float32(2), results[2][0])
	assert.Equal(t, float32(3), results[4][0])
}

func TestEmbedManyRetriesTransientError(t *testing.T) {
	provider := &testProvider{
		dims: 4,
		errs: []error{
			&APIError{StatusCode: http.StatusTooManyRequests, Code: "rate_limit_exceeded"},
			&APIError{StatusCode: http.StatusServiceUnavailable},
		},
	}
	c := newTestClient(provider, 4)

	results := c.EmbedMany(context.Background(), []string{"text"})
	require.NotNil(t, results[0])
	assert.Equal(t, int32(3), provider.calls, "two transient failures then success")
}

func TestEmbedManyTerminalErrorYieldsNil(t *testing.T) {
	provider := &testProvider{
		dims: 4,
		errs: []error{&APIError{StatusCode: http.StatusUnauthorized, Code: "invalid_api_key"}},
	}
	c := newTestClient(provider, 4)

	results := c.EmbedMany(context.Background(), []string{"text"})
	assert.Nil(t, results[0])
	assert.Equal(t, int32(1), provider.calls, "terminal errors must not be retried")
}

func TestEmbedManyExhaustsRetries(t *testing.T) {
	transient := &APIError{StatusCode: http.StatusInternalServerError}
	provider := &testProvider{dims: 4, errs: []error{transient, transient, transient}}
	c := newTestClient(provider, 4)

	results := c.EmbedMany(context.Background(), []string{"text"})
	assert.Nil(t, results[0])
	assert.Equal(t, int32(3), provider.calls)
}

func TestEmbedOne(t *testing.T) {
	provider := &testProvider{dims: 4}
	c := newTestClient(provider, 4)

	assert.Nil(t, c.EmbedOne(context.Background(), "  "))
	vec := c.EmbedOne(context.Background(), "text")
	require.NotNil(t, vec)
	assert.Len(t, vec, 4)
}

func TestEmbedManyInternalBatching(t *testing.T) {
	provider := &testProvider{dims: 4}
	c := NewClient(provider, config.EmbeddingConfig{Dimensions: 4, BatchLimit: 2})
	c.baseDelay = time.Millisecond

	results := c.EmbedMany(context.Background(), []string{"a", "b", "c", "d", "e"})
	require.Len(t, results, 5)
	for _, vec := range results {
		assert.NotNil(t, vec)
	}
	assert.Equal(t, int32(3), provider.calls, "5 inputs with batch limit 2 means 3 provider calls")
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(&APIError{StatusCode: http.StatusTooManyRequests}))
	assert.True(t, IsRetryable(&APIError{StatusCode: http.StatusInternalServerError}))
	assert.True(t, IsRetryable(&APIError{StatusCode: http.StatusServiceUnavailable}))
	assert.True(t, IsRetryable(&APIError{StatusCode: http.StatusBadRequest, Code: "timeout"}))
	assert.False(t, IsRetryable(&APIError{StatusCode: http.StatusUnauthorized}))
	assert.False(t, IsRetryable(errors.New("plain error")))
	assert.False(t, IsRetryable(nil))
}

func TestOpenAIProviderParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"embedding":[0.1,0.2]},{"embedding":[0.3,0.4]}]}`))
	}))
	defer srv.Close()

	p := newOpenAIProvider(config.EmbeddingConfig{
		APIKey:     "test-key",
		BaseURL:    srv.URL,
		Model:      "test-model",
		Dimensions: 2,
	})
	vectors, err := p.CreateEmbeddings(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Equal(t, []float32{0.1, 0.2}, vectors[0])
	assert.Equal(t, []float32{0.3, 0.4}, vectors[1])
}

func TestOpenAIProviderMapsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"code":"rate_limit_exceeded","message":"slow down"}}`))
	}))
	defer srv.Close()

	p := newOpenAIProvider(config.EmbeddingConfig{APIKey: "k", BaseURL: srv.URL, Dimensions: 2})
	_, err := p.CreateEmbeddings(context.Background(), []string{"a"})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	assert.Equal(t, "rate_limit_exceeded", apiErr.Code)
	assert.True(t, IsRetryable(err))
}

func TestMockProviderDeterministic(t *testing.T) {
	p := NewMockProvider(8)
	first, err := p.CreateEmbeddings(context.Background(), []string{"clinical note"})
	require.NoError(t, err)
	second, err := p.CreateEmbeddings(context.Background(), []string{"clinical note"})
	require.NoError(t, err)
	assert.Equal(t, first, second)

	other, err := p.CreateEmbeddings(context.Background(), []string{"different note"})
	require.NoError(t, err)
	assert.NotEqual(t, first[0], other[0])
	require.Len(t, first[0], 8)
	for _, v := range first[0] {
		assert.GreaterOrEqual(t, v, float32(-1))
		assert.LessOrEqual(t, v, float32(1))
	}
}
