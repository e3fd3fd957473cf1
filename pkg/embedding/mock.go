package embedding

import (
	"context"
	"hash/fnv"
	"math/rand"
)

// MockProvider 是 Provider 的确定性 stub 实现：
// 向量由输入文本的 FNV 哈希播种生成，同一文本永远得到同一向量，
// 使管道测试在没有网络与凭证的环境下可复现。
type MockProvider struct {
	dims int
}

// NewMockProvider 创建一个指定维度的 mock provider。
func NewMockProvider(dims int) *MockProvider {
	if dims <= 0 {
		dims = 1536
	}
	return &MockProvider{dims: dims}
}

func (p *MockProvider) Name() string { return "mock" }

func (p *MockProvider) Dimensions() int { return p.dims }

// CreateEmbeddings 为每个输入生成一个伪随机但确定的向量。
func (p *MockProvider) CreateEmbeddings(_ context.Context, inputs []string) ([][]float32, error) {
	vectors := make([][]float32, len(inputs))
	for i, text := range inputs {
		vectors[i] = p.vectorFor(text)
	}
	return vectors, nil
}

func (p *MockProvider) vectorFor(text string) []float32 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))

	vec := make([]float32, p.dims)
	for i := range vec {
		vec[i] = rng.Float32()*2 - 1
	}
	return vec
}
