// Package embedding provides clients for generating text embeddings.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"clinical-rag-go/internal/config"
	"clinical-rag-go/pkg/log"
)

// Provider 是 embedding 供应商的能力接口。
// 真实实现与确定性 stub 在构造期选定，调用方不做空值判断。
type Provider interface {
	Name() string
	Dimensions() int
	// CreateEmbeddings 为一批文本生成向量，输入输出按位置一一对应。
	CreateEmbeddings(ctx context.Context, inputs []string) ([][]float32, error)
}

// NewProvider 根据配置选择 Provider 实现：
// 未配置 APIKey 时返回确定性的 mock 实现，便于无凭证环境运行与测试。
func NewProvider(cfg config.EmbeddingConfig) Provider {
	if cfg.APIKey == "" {
		log.Warnf("[Embedding] 未配置 API Key, 使用 mock embedding provider")
		return NewMockProvider(cfg.Dimensions)
	}
	return newOpenAIProvider(cfg)
}

// APIError 携带供应商返回的状态码与错误码，用于可重试性判定。
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("embedding api error [%d %s]: %s", e.StatusCode, e.Code, e.Message)
}

// retryableCodes 是供应商返回的可重试瞬时错误码。
var retryableCodes = map[string]bool{
	"rate_limit_exceeded": true,
	"server_error":        true,
	"timeout":             true,
}

// IsRetryable 判断错误是否属于可重试集合：限流、服务端不可用、超时。
// 其余错误一律视为终态，不再重试。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusServiceUnavailable:
			return true
		}
		return retryableCodes[apiErr.Code]
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// openAIProvider 调用 OpenAI 兼容的 /embeddings 接口。
type openAIProvider struct {
	cfg    config.EmbeddingConfig
	client *http.Client
}

func newOpenAIProvider(cfg config.EmbeddingConfig) *openAIProvider {
	timeout := 30 * time.Second
	if cfg.TimeoutSecond > 0 {
		timeout = time.Duration(cfg.TimeoutSecond) * time.Second
	}
	return &openAIProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

func (p *openAIProvider) Name() string { return "openai" }

func (p *openAIProvider) Dimensions() int { return p.cfg.Dimensions }

type embeddingRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	// 部分供应商返回单向量形式
	Embedding []float32 `json:"embedding"`
}

type embeddingErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// CreateEmbeddings calls the OpenAI-compatible API to get vectors for the given texts.
func (p *openAIProvider) CreateEmbeddings(ctx context.Context, inputs []string) ([][]float32, error) {
	reqBody := embeddingRequest{
		Model:      p.cfg.Model,
		Input:      inputs,
		Dimensions: p.cfg.Dimensions,
	}

	reqBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/embeddings", bytes.NewReader(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call embedding api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp embeddingErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Code:       errResp.Error.Code,
			Message:    errResp.Error.Message,
		}
	}

	var embResp embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&embResp); err != nil {
		return nil, fmt.Errorf("failed to decode embedding response: %w", err)
	}

	// 单向量响应形式兜底
	if len(embResp.Data) == 0 && len(embResp.Embedding) > 0 {
		return [][]float32{embResp.Embedding}, nil
	}
	if len(embResp.Data) != len(inputs) {
		return nil, fmt.Errorf("embedding count mismatch: expected %d, got %d", len(inputs), len(embResp.Data))
	}

	vectors := make([][]float32, len(embResp.Data))
	for i, d := range embResp.Data {
		vectors[i] = d.Embedding
	}
	return vectors, nil
}
