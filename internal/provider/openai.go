package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
)

// 课程助教的系统提示：只给提示，不给答案
const systemPrompt = "You are a supply chain course assistant. " +
	"Use the provided context to give helpful hints for the assignment question, but do NOT solve it directly. " +
	"Encourage the student to think and guide them to the right concepts or formulas. " +
	"If the student asks for a solution, only provide hints and steps, not the final answer."

// OpenAI OpenAI 兼容的聊天补全客户端
type OpenAI struct {
	baseURL   string
	apiKey    string
	model     string
	maxTokens int
	client    *http.Client
}

// NewOpenAI 创建 OpenAI 客户端
//
// client 的超时由调用方通过 ctx 控制，这里不再设置。
func NewOpenAI(baseURL, apiKey, model string, maxTokens int) *OpenAI {
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	if model == "" {
		model = "gpt-3.5-turbo"
	}
	if maxTokens <= 0 {
		maxTokens = 1000
	}
	return &OpenAI{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		model:     model,
		maxTokens: maxTokens,
		client:    &http.Client{},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Generate 执行一次聊天补全调用
func (o *OpenAI) Generate(ctx context.Context, prompt, caseContext string) (*Result, error) {
	system := systemPrompt
	if caseContext != "" {
		system += "\nCase Context: " + caseContext
	}

	body, _ := json.Marshal(chatRequest{
		Model: o.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: prompt},
		},
		MaxTokens:   o.maxTokens,
		Temperature: 0.7,
	})

	httpReq, err := http.NewRequestWithContext(ctx, "POST", o.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: KindMalformed, Message: "build request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindTimeout, Message: "read response", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, respBody)
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, &Error{Kind: KindUnknown, Message: "decode response", Err: err}
	}
	if len(chatResp.Choices) == 0 {
		return nil, &Error{Kind: KindUnknown, Message: "empty choices"}
	}

	return &Result{
		Text:       strings.TrimSpace(chatResp.Choices[0].Message.Content),
		TokensUsed: chatResp.Usage.TotalTokens,
	}, nil
}

// classifyStatus 按状态码分类上游错误
func classifyStatus(status int, body []byte) *Error {
	msg := fmt.Sprintf("status %d", status)
	if len(body) > 0 && len(body) < 512 {
		msg += ": " + strings.TrimSpace(string(body))
	}
	switch {
	case status == http.StatusTooManyRequests:
		return &Error{Kind: KindRateLimited, Message: msg}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &Error{Kind: KindAuth, Message: msg}
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return &Error{Kind: KindMalformed, Message: msg}
	case status >= 500:
		// 5xx 按瞬时故障处理，走重试
		return &Error{Kind: KindTimeout, Message: msg}
	default:
		return &Error{Kind: KindUnknown, Message: msg}
	}
}

// classifyTransport 按传输层错误分类
func classifyTransport(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Message: "request timed out", Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, Message: "network timeout", Err: err}
	}
	// 连接被拒、连接重置等按瞬时网络故障处理
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &Error{Kind: KindTimeout, Message: "network error", Err: err}
	}
	return &Error{Kind: KindUnknown, Message: "transport error", Err: err}
}
