package airouter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPProviderConfig HTTP Provider 配置
type HTTPProviderConfig struct {
	// Name Provider 标识
	Name string `yaml:"name" json:"name"`

	// Kind 协议方言：openai 或 anthropic
	Kind string `yaml:"kind" json:"kind"`

	// BaseURL API 基地址
	BaseURL string `yaml:"base_url" json:"base_url"`

	// APIKey 鉴权密钥
	APIKey string `yaml:"api_key" json:"api_key"`

	// Model 默认模型
	Model string `yaml:"model" json:"model"`

	// Timeout 单次请求超时
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// NewHTTPProvider 按协议方言创建 HTTP Provider。
func NewHTTPProvider(config HTTPProviderConfig) (Provider, error) {
	if config.Name == "" || config.BaseURL == "" {
		return nil, fmt.Errorf("http provider requires name and base_url")
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	// 不设 client 级超时：流式响应的读取时长由调用方 context 决定
	client := &http.Client{}
	switch config.Kind {
	case "openai", "":
		return &openAIProvider{config: config, client: client}, nil
	case "anthropic":
		return &anthropicProvider{config: config, client: client}, nil
	default:
		return nil, fmt.Errorf("unknown http provider kind %q", config.Kind)
	}
}

// ===== 🤖 OpenAI 方言 =====

type openAIProvider struct {
	config HTTPProviderConfig
	client *http.Client
}

func (p *openAIProvider) Name() string { return p.config.Name }

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int64 `json:"total_tokens"`
	} `json:"usage"`
}

func (p *openAIProvider) buildRequest(req Request, stream bool) openAIRequest {
	model := req.Model
	if model == "" {
		model = p.config.Model
	}
	var messages []openAIMessage
	if req.System != "" {
		messages = append(messages, openAIMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, openAIMessage{Role: "user", Content: req.Prompt})
	return openAIRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}
}

// Execute 实现 Provider.Execute
func (p *openAIProvider) Execute(ctx context.Context, req Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	body := p.buildRequest(req, false)
	resp, err := p.post(ctx, "/chat/completions", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var decoded openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return nil, fmt.Errorf("empty choices in response")
	}
	return &Response{
		Provider:   p.config.Name,
		Model:      body.Model,
		Content:    decoded.Choices[0].Message.Content,
		TokensUsed: decoded.Usage.TotalTokens,
	}, nil
}

// Stream 实现 Provider.Stream：SSE 逐行解析 delta。
func (p *openAIProvider) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	resp, err := p.post(ctx, "/chat/completions", p.buildRequest(req, true))
	if err != nil {
		return nil, err
	}

	out := make(chan Chunk, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			data, ok := sseData(scanner.Text())
			if !ok {
				continue
			}
			if data == "[DONE]" {
				out <- Chunk{Done: true}
				return
			}
			var decoded openAIResponse
			if err := json.Unmarshal([]byte(data), &decoded); err != nil {
				continue
			}
			if len(decoded.Choices) == 0 {
				continue
			}
			delta := decoded.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			select {
			case out <- Chunk{Content: delta}:
			case <-ctx.Done():
				out <- Chunk{Err: ctx.Err()}
				return
			}
		}
		if err := scanner.Err(); err != nil {
			// 取消传播到 HTTP 连接后 Read 返回 ctx 错误
			out <- Chunk{Err: err}
			return
		}
		out <- Chunk{Done: true}
	}()
	return out, nil
}

func (p *openAIProvider) post(ctx context.Context, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(p.config.BaseURL, "/")+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	}
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("provider %s returned %d: %s", p.config.Name, resp.StatusCode, bytes.TrimSpace(msg))
	}
	return resp, nil
}

// ===== 🧠 Anthropic 方言 =====

type anthropicProvider struct {
	config HTTPProviderConfig
	client *http.Client
}

func (p *anthropicProvider) Name() string { return p.config.Name }

type anthropicRequest struct {
	Model     string             `json:"model"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	MaxTokens int                `json:"max_tokens"`
	Stream    bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Text string `json:"text"`
	} `json:"delta"`
}

func (p *anthropicProvider) buildRequest(req Request, stream bool) anthropicRequest {
	model := req.Model
	if model == "" {
		model = p.config.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return anthropicRequest{
		Model:     model,
		System:    req.System,
		Messages:  []anthropicMessage{{Role: "user", Content: req.Prompt}},
		MaxTokens: maxTokens,
		Stream:    stream,
	}
}

// Execute 实现 Provider.Execute
func (p *anthropicProvider) Execute(ctx context.Context, req Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	body := p.buildRequest(req, false)
	resp, err := p.post(ctx, "/v1/messages", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var decoded anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	var content strings.Builder
	for _, block := range decoded.Content {
		content.WriteString(block.Text)
	}
	return &Response{
		Provider:   p.config.Name,
		Model:      body.Model,
		Content:    content.String(),
		TokensUsed: decoded.Usage.InputTokens + decoded.Usage.OutputTokens,
	}, nil
}

// Stream 实现 Provider.Stream
func (p *anthropicProvider) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	resp, err := p.post(ctx, "/v1/messages", p.buildRequest(req, true))
	if err != nil {
		return nil, err
	}

	out := make(chan Chunk, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			data, ok := sseData(scanner.Text())
			if !ok {
				continue
			}
			var event anthropicStreamEvent
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				continue
			}
			switch event.Type {
			case "content_block_delta":
				if event.Delta.Text == "" {
					continue
				}
				select {
				case out <- Chunk{Content: event.Delta.Text}:
				case <-ctx.Done():
					out <- Chunk{Err: ctx.Err()}
					return
				}
			case "message_stop":
				out <- Chunk{Done: true}
				return
			}
		}
		if err := scanner.Err(); err != nil {
			out <- Chunk{Err: err}
			return
		}
		out <- Chunk{Done: true}
	}()
	return out, nil
}

func (p *anthropicProvider) post(ctx context.Context, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(p.config.BaseURL, "/")+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("anthropic-version", "2023-06-01")
	if p.config.APIKey != "" {
		httpReq.Header.Set("x-api-key", p.config.APIKey)
	}
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("provider %s returned %d: %s", p.config.Name, resp.StatusCode, bytes.TrimSpace(msg))
	}
	return resp, nil
}

// sseData 从一行 SSE 文本中提取 data 字段。
func sseData(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "data:") {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(line, "data:")), true
}
