package airouter

import (
	"context"
	"strings"
	"time"
)

// Request 是一次 AI 补全请求。
type Request struct {
	Model       string  `json:"model,omitempty"`
	Prompt      string  `json:"prompt"`
	System      string  `json:"system,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// Response 是一次非流式补全的结果。
type Response struct {
	Provider   string `json:"provider"`
	Model      string `json:"model"`
	Content    string `json:"content"`
	TokensUsed int64  `json:"tokens_used"`
}

// Chunk 是流式响应中的一个增量片段。Err 非 nil 表示流异常终止，
// 之后不会再有片段。
type Chunk struct {
	Content string `json:"content"`
	Done    bool   `json:"done"`
	Err     error  `json:"-"`
}

// Provider 是单个 AI 后端的抽象。
type Provider interface {
	// Name 返回稳定的 Provider 标识
	Name() string

	// Execute 执行一次非流式补全
	Execute(ctx context.Context, req Request) (*Response, error)

	// Stream 执行流式补全。返回的通道在流结束或 ctx 取消后关闭。
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
}

// ===== 🔧 内置回显 Provider =====

// EchoProvider 把 prompt 原样返回，用于开发与测试环境。
type EchoProvider struct {
	// ProviderName 覆盖默认名称
	ProviderName string

	// Latency 每次调用的模拟延迟
	Latency time.Duration
}

// Name 实现 Provider.Name
func (p *EchoProvider) Name() string {
	if p.ProviderName != "" {
		return p.ProviderName
	}
	return "echo"
}

// Execute 实现 Provider.Execute
func (p *EchoProvider) Execute(ctx context.Context, req Request) (*Response, error) {
	if p.Latency > 0 {
		select {
		case <-time.After(p.Latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &Response{
		Provider:   p.Name(),
		Model:      "echo",
		Content:    req.Prompt,
		TokensUsed: int64(len(strings.Fields(req.Prompt))),
	}, nil
}

// Stream 实现 Provider.Stream：按词逐个吐出。
func (p *EchoProvider) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	words := strings.Fields(req.Prompt)
	out := make(chan Chunk, len(words)+1)
	go func() {
		defer close(out)
		for i, w := range words {
			if p.Latency > 0 {
				select {
				case <-time.After(p.Latency):
				case <-ctx.Done():
					out <- Chunk{Err: ctx.Err()}
					return
				}
			}
			chunk := w
			if i < len(words)-1 {
				chunk += " "
			}
			select {
			case out <- Chunk{Content: chunk}:
			case <-ctx.Done():
				out <- Chunk{Err: ctx.Err()}
				return
			}
		}
		out <- Chunk{Done: true}
	}()
	return out, nil
}
