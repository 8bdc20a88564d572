package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xiaopang/casegate/internal/logger"
	"github.com/xiaopang/casegate/internal/model"
	"github.com/xiaopang/casegate/internal/store"
)

// Result 一次准入流程的最终结果
//
// 所有失败都在这里收敛为四种对外结果之一，上游或存储的原始
// 错误不会穿透到 UI 层。
type Result struct {
	Outcome    string // model.ResultSuccess / ResultRateLimited / ResultDegraded / ResultUnavailable
	Text       string
	Degraded   bool
	RetryAfter time.Duration
}

// Pipeline 准入流水线
//
// 编排：身份 → 窗口滚动 → 配额预留 → 上游调用 → 结算 → 回复。
// 自身无状态，顺序保证：预留先于上游调用，结算后于调用结束且
// 先于返回——即使调用方中途断开，结算也会执行完毕。
type Pipeline struct {
	ledger  *Ledger
	gateway *Gateway
	store   *store.Store
	timeout time.Duration // 整条流水线的硬上限
	log     *logger.Logger
}

// NewPipeline 创建准入流水线
func NewPipeline(ledger *Ledger, gateway *Gateway, s *store.Store) *Pipeline {
	// 上限取 尝试上限×单次超时 加退避余量
	timeout := time.Duration(gateway.attemptCeiling)*gateway.perAttemptTimeout +
		time.Duration(1<<gateway.attemptCeiling)*gateway.backoffBase
	return &Pipeline{
		ledger:  ledger,
		gateway: gateway,
		store:   s,
		timeout: timeout,
		log:     logger.With("pipeline"),
	}
}

// Handle 处理一次学生提问
//
// 学生身份已在外层校验，这里直接作为配额归属键使用。
func (p *Pipeline) Handle(ctx context.Context, email, question, caseContext string) *Result {
	start := time.Now()

	p.ledger.Rollover(email)

	token, err := p.ledger.CheckAndReserve(email, 0)
	if err != nil {
		return p.denied(email, err, start)
	}

	// 预留一旦成立就必须被结算。reconciled 防止双重结算；
	// defer 兜底覆盖 panic 和提前返回，保证预留不悬空。
	reconciled := false
	defer func() {
		if !reconciled {
			_ = p.ledger.Reconcile(token, 0, false)
		}
	}()

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	res, err := p.gateway.Call(callCtx, email, question, caseContext)

	if err != nil {
		// 终止类失败：用户侧只看到降级回复。预留释放，但之前尝试
		// 已被上游计费的部分照常结转，和重试耗尽路径一致
		reconciled = true
		billed, committed := 0, false
		if res != nil {
			billed, committed = res.TokensUsed, res.Committed
		}
		if rerr := p.ledger.Reconcile(token, billed, committed); rerr != nil {
			p.log.Error("post-call reconcile failed", "email", email, "err", rerr)
		}
		return &Result{
			Outcome:  model.ResultDegraded,
			Text:     fallbackGeneric,
			Degraded: true,
		}
	}

	reconciled = true
	if rerr := p.ledger.Reconcile(token, res.TokensUsed, res.Committed); rerr != nil {
		p.log.Error("post-call reconcile failed", "email", email, "err", rerr)
	}

	if res.Degraded {
		return &Result{
			Outcome:  model.ResultDegraded,
			Text:     res.Text,
			Degraded: true,
		}
	}

	// 成功路径顺带保存问答记录，失败不影响回复
	if serr := p.store.SaveChat(&model.ChatRecord{
		Email:    email,
		Question: question,
		Answer:   res.Text,
	}); serr != nil {
		p.log.Warn("save chat failed", "email", email, "err", serr)
	}

	p.log.Info("request served", "email", email, "attempts", res.Attempts,
		"tokens", res.TokensUsed, "latency", time.Since(start).Round(time.Millisecond))

	return &Result{
		Outcome: model.ResultSuccess,
		Text:    res.Text,
	}
}

// denied 把预留失败收敛为对外结果并记录审计日志
func (p *Pipeline) denied(email string, err error, start time.Time) *Result {
	var denial *store.QuotaExceededError
	if errors.As(err, &denial) {
		p.logDenial(email, denial, start)

		var msg string
		if denial.Dimension == store.DimensionDailyTokens {
			msg = fmt.Sprintf("Daily token limit reached. Please try again in %s.", humanDuration(denial.RetryAfter))
		} else {
			msg = fmt.Sprintf("Hourly question limit reached. Please try again in %s.", humanDuration(denial.RetryAfter))
		}
		return &Result{
			Outcome:    model.ResultRateLimited,
			Text:       msg,
			RetryAfter: denial.RetryAfter,
		}
	}

	// 存储不可用：fail closed，返回通用不可用结果
	return &Result{
		Outcome: model.ResultUnavailable,
		Text:    "The assistant is temporarily unavailable. Please try again later.",
	}
}

func (p *Pipeline) logDenial(email string, denial *store.QuotaExceededError, start time.Time) {
	err := p.store.SaveLog(&model.RequestLog{
		Email:     email,
		Outcome:   model.OutcomeDenied,
		LatencyMs: time.Since(start).Milliseconds(),
		Error:     denial.Dimension,
	})
	if err != nil {
		p.log.Warn("save denial log failed", "email", email, "err", err)
	}
}

// humanDuration 面向用户的等待时间描述
func humanDuration(d time.Duration) string {
	if d < time.Minute {
		return "a minute"
	}
	if d < time.Hour {
		return fmt.Sprintf("%d minutes", int(d.Minutes())+1)
	}
	return fmt.Sprintf("%d hours", int(d.Hours())+1)
}
