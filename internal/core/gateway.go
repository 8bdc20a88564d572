package core

import (
	"context"
	"time"

	"github.com/xiaopang/casegate/internal/logger"
	"github.com/xiaopang/casegate/internal/model"
	"github.com/xiaopang/casegate/internal/provider"
	"github.com/xiaopang/casegate/internal/store"
)

// 重试耗尽后的降级回复（确定性文案，不抛错）
const (
	fallbackRateLimited = "The assistant is receiving too many requests right now. Please try again in a few minutes."
	fallbackGeneric     = "Unable to process your question right now. Please try again later."
)

// CallResult 一次逻辑调用的结果
//
// Committed 表示上游产生了需要计入配额的成本：成功调用，或者
// 失败但上游已部分计费。完全未完成的调用 Committed=false，
// 预留应全额释放。
type CallResult struct {
	Text       string
	TokensUsed int
	Degraded   bool
	Committed  bool
	Attempts   int
}

// Gateway 上游调用网关
//
// 封装单次逻辑调用：每次尝试单独超时，瞬时故障指数退避重试，
// 重试耗尽返回降级回复。终止类错误（认证、请求格式）立即返回 error。
type Gateway struct {
	prov              provider.Provider
	store             *store.Store
	attemptCeiling    int
	perAttemptTimeout time.Duration
	backoffBase       time.Duration
	log               *logger.Logger
}

// NewGateway 创建网关
func NewGateway(prov provider.Provider, s *store.Store, attemptCeiling int, perAttemptTimeout time.Duration) *Gateway {
	if attemptCeiling <= 0 {
		attemptCeiling = 3
	}
	if perAttemptTimeout <= 0 {
		perAttemptTimeout = 30 * time.Second
	}
	return &Gateway{
		prov:              prov,
		store:             s,
		attemptCeiling:    attemptCeiling,
		perAttemptTimeout: perAttemptTimeout,
		backoffBase:       time.Second,
		log:               logger.With("gateway"),
	}
}

// Call 执行一次逻辑调用
//
// 每次尝试（无论成败）都会写一条请求日志。返回 error 仅在终止类
// 失败时发生；重试耗尽不是 error，而是 Degraded=true 的降级结果。
// 终止类失败时 result 不为 nil，携带之前尝试已被上游计费的成本。
func (g *Gateway) Call(ctx context.Context, email, prompt, caseContext string) (*CallResult, error) {
	var lastErr error
	billedTokens := 0

	for attempt := 1; attempt <= g.attemptCeiling; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, g.perAttemptTimeout)
		start := time.Now()
		res, err := g.prov.Generate(attemptCtx, prompt, caseContext)
		cancel()
		latency := time.Since(start)

		if err == nil {
			g.logAttempt(email, model.OutcomeSuccess, attempt, res.TokensUsed, latency, "")
			return &CallResult{
				Text:       res.Text,
				TokensUsed: res.TokensUsed,
				Committed:  true,
				Attempts:   attempt,
			}, nil
		}

		lastErr = err
		billedTokens += provider.TokensBilled(err)
		g.logAttempt(email, model.OutcomeFailure, attempt, 0, latency, err.Error())

		if !provider.IsRetryable(err) {
			g.log.Warn("terminal provider error", "email", email, "attempt", attempt, "kind", provider.KindOf(err), "err", err)
			// 之前的失败尝试可能已被上游部分计费，随 error 一并带回，
			// 结算时和重试耗尽路径同等处理
			return &CallResult{
				TokensUsed: billedTokens,
				Committed:  billedTokens > 0,
				Attempts:   attempt,
			}, err
		}

		if attempt < g.attemptCeiling {
			// 指数退避：1s、2s、4s…，等待期间响应取消
			delay := g.backoffBase << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				// 调用方已放弃，按未完成处理
				g.log.Warn("call cancelled during backoff", "email", email, "attempt", attempt)
				return g.fallback(email, lastErr, billedTokens, attempt), nil
			}
		}
	}

	g.log.Warn("retries exhausted", "email", email, "attempts", g.attemptCeiling, "err", lastErr)
	return g.fallback(email, lastErr, billedTokens, g.attemptCeiling), nil
}

// fallback 构造降级结果
//
// 上游完全没有成功完成调用，所以不计成本——除非失败尝试已被
// 上游部分计费（billedTokens>0），这部分要如实计入。
func (g *Gateway) fallback(email string, lastErr error, billedTokens, attempts int) *CallResult {
	text := fallbackGeneric
	if provider.KindOf(lastErr) == provider.KindRateLimited {
		text = fallbackRateLimited
	}

	g.logAttempt(email, model.OutcomeFallback, attempts, billedTokens, 0, "")

	return &CallResult{
		Text:       text,
		TokensUsed: billedTokens,
		Degraded:   true,
		Committed:  billedTokens > 0,
		Attempts:   attempts,
	}
}

func (g *Gateway) logAttempt(email, outcome string, attempt, tokens int, latency time.Duration, errMsg string) {
	if g.store == nil {
		return
	}
	err := g.store.SaveLog(&model.RequestLog{
		Email:         email,
		Outcome:       outcome,
		Attempt:       attempt,
		TokensCharged: tokens,
		LatencyMs:     latency.Milliseconds(),
		Error:         errMsg,
	})
	if err != nil {
		g.log.Warn("save request log failed", "email", email, "err", err)
	}
}
