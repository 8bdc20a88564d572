package core

import (
	"context"
	"testing"
	"time"

	"github.com/xiaopang/casegate/internal/model"
	"github.com/xiaopang/casegate/internal/provider"
	"github.com/xiaopang/casegate/internal/store"
)

func newTestPipeline(t *testing.T, prov provider.Provider, limits model.QuotaLimits) (*Pipeline, *Ledger, *store.Store) {
	t.Helper()
	s := tempStore(t)
	ledger := NewLedger(s, limits)
	gateway := newTestGateway(t, prov, s)
	return NewPipeline(ledger, gateway, s), ledger, s
}

func TestPipeline_SuccessChargesActualCost(t *testing.T) {
	limits := model.QuotaLimits{MaxQueriesPerHour: 100, MaxTokensPerDay: 500000, EstimatedTokens: 10000}
	prov := &fakeProvider{script: []fakeCall{
		{res: &provider.Result{Text: "think about holding cost", TokensUsed: 1234}},
	}}
	p, ledger, s := newTestPipeline(t, prov, limits)

	res := p.Handle(context.Background(), "alice@example.com", "What is EOQ?", "")
	if res.Outcome != model.ResultSuccess {
		t.Fatalf("expected success, got %s (%q)", res.Outcome, res.Text)
	}
	if res.Text != "think about holding cost" {
		t.Errorf("unexpected text: %q", res.Text)
	}

	status, err := ledger.UsageStatus("alice@example.com")
	if err != nil {
		t.Fatalf("UsageStatus failed: %v", err)
	}
	if status.DayTokens != 1234 {
		t.Errorf("expected actual cost 1234 charged, got %d", status.DayTokens)
	}
	if status.HourQueries != 1 {
		t.Errorf("expected 1 query charged, got %d", status.HourQueries)
	}

	chats, _ := s.GetChatsByEmail("alice@example.com")
	if len(chats) != 1 {
		t.Fatalf("expected chat record saved, got %d", len(chats))
	}
}

func TestPipeline_ExhaustionReleasesReservation(t *testing.T) {
	// 重试耗尽且上游零计费：降级回复，配额计数保持不变，
	// 预留已全额释放（后续请求仍有满额预算）。
	limits := model.QuotaLimits{MaxQueriesPerHour: 1, MaxTokensPerDay: 500000, EstimatedTokens: 10000}
	prov := &fakeProvider{script: []fakeCall{
		{err: transientErr(provider.KindRateLimited)},
	}}
	p, ledger, _ := newTestPipeline(t, prov, limits)

	res := p.Handle(context.Background(), "bob@example.com", "q", "")
	if res.Outcome != model.ResultDegraded || !res.Degraded {
		t.Fatalf("expected degraded result, got %+v", res)
	}
	if res.Text != fallbackRateLimited {
		t.Errorf("expected rate-limited fallback, got %q", res.Text)
	}

	status, _ := ledger.UsageStatus("bob@example.com")
	if status.HourQueries != 0 || status.DayTokens != 0 {
		t.Errorf("uncompleted call must not consume quota, got queries=%d tokens=%d",
			status.HourQueries, status.DayTokens)
	}

	// 预留释放后，MaxQueriesPerHour=1 的预算应完整可用
	token, err := ledger.CheckAndReserve("bob@example.com", 0)
	if err != nil {
		t.Fatalf("budget should be fully restored: %v", err)
	}
	ledger.Reconcile(token, 0, false)
}

func TestPipeline_TerminalErrorYieldsDegraded(t *testing.T) {
	limits := model.QuotaLimits{MaxQueriesPerHour: 100, MaxTokensPerDay: 500000, EstimatedTokens: 100}
	prov := &fakeProvider{script: []fakeCall{
		{err: transientErr(provider.KindAuth)},
	}}
	p, ledger, _ := newTestPipeline(t, prov, limits)

	res := p.Handle(context.Background(), "carol@example.com", "q", "")
	if res.Outcome != model.ResultDegraded {
		t.Fatalf("terminal provider error must surface as degraded, got %s", res.Outcome)
	}
	if res.Text != fallbackGeneric {
		t.Errorf("expected generic fallback, got %q", res.Text)
	}

	status, _ := ledger.UsageStatus("carol@example.com")
	if status.HourQueries != 0 || status.DayTokens != 0 {
		t.Errorf("terminal failure must not consume quota, got %+v", status)
	}
}

func TestPipeline_TerminalAfterBilledAttemptCharges(t *testing.T) {
	// 部分计费后终止类失败：降级回复，但已计费的 token 照常入账，
	// 不会因为最后一击是终止类就整单免费
	limits := model.QuotaLimits{MaxQueriesPerHour: 100, MaxTokensPerDay: 500000, EstimatedTokens: 100}
	prov := &fakeProvider{script: []fakeCall{
		{err: &provider.Error{Kind: provider.KindTimeout, Message: "cut off", TokensBilled: 40}},
		{err: transientErr(provider.KindMalformed)},
	}}
	p, ledger, _ := newTestPipeline(t, prov, limits)

	res := p.Handle(context.Background(), "gail@example.com", "q", "")
	if res.Outcome != model.ResultDegraded {
		t.Fatalf("expected degraded result, got %s", res.Outcome)
	}

	status, _ := ledger.UsageStatus("gail@example.com")
	if status.DayTokens != 40 {
		t.Errorf("billed tokens must be charged, got %d", status.DayTokens)
	}
}

func TestPipeline_QuotaDenial(t *testing.T) {
	limits := model.QuotaLimits{MaxQueriesPerHour: 1, MaxTokensPerDay: 500000, EstimatedTokens: 100}
	prov := &fakeProvider{script: []fakeCall{
		{res: &provider.Result{Text: "hint", TokensUsed: 50}},
	}}
	p, _, s := newTestPipeline(t, prov, limits)

	if res := p.Handle(context.Background(), "dan@example.com", "q1", ""); res.Outcome != model.ResultSuccess {
		t.Fatalf("first request should pass, got %s", res.Outcome)
	}

	res := p.Handle(context.Background(), "dan@example.com", "q2", "")
	if res.Outcome != model.ResultRateLimited {
		t.Fatalf("second request should be rate limited, got %s", res.Outcome)
	}
	if res.RetryAfter <= 0 {
		t.Errorf("expected positive retry-after, got %v", res.RetryAfter)
	}

	// 拒绝本身要有审计日志
	logs, _ := s.QueryLogs(&model.LogQuery{Email: "dan@example.com", Outcome: model.OutcomeDenied})
	if len(logs) != 1 {
		t.Errorf("expected 1 denial log, got %d", len(logs))
	}
}

func TestPipeline_DenialMentionsWait(t *testing.T) {
	limits := model.QuotaLimits{MaxQueriesPerHour: 1, MaxTokensPerDay: 500000}
	prov := &fakeProvider{script: []fakeCall{
		{res: &provider.Result{Text: "hint", TokensUsed: 10}},
	}}
	p, _, _ := newTestPipeline(t, prov, limits)

	p.Handle(context.Background(), "erin@example.com", "q1", "")
	res := p.Handle(context.Background(), "erin@example.com", "q2", "")
	if res.Outcome != model.ResultRateLimited {
		t.Fatalf("expected rate limited, got %s", res.Outcome)
	}
	if res.Text == "" {
		t.Error("denial must carry a user-facing message")
	}
}

func TestPipeline_StoreFailureIsUnavailable(t *testing.T) {
	// 存储不可用时 fail closed：请求被拒绝为 unavailable，
	// 绝不放行无计量的上游调用。
	limits := model.QuotaLimits{MaxQueriesPerHour: 100, MaxTokensPerDay: 500000, EstimatedTokens: 100}
	prov := &fakeProvider{script: []fakeCall{
		{res: &provider.Result{Text: "hint", TokensUsed: 10}},
	}}
	p, _, s := newTestPipeline(t, prov, limits)
	s.Close()

	res := p.Handle(context.Background(), "frank@example.com", "q", "")
	if res.Outcome != model.ResultUnavailable {
		t.Fatalf("expected unavailable when store is down, got %s", res.Outcome)
	}
	if prov.calls != 0 {
		t.Errorf("provider must not be called without a reservation, got %d calls", prov.calls)
	}
}

func TestHumanDuration(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want string
	}{
		{30 * time.Second, "a minute"},
		{5 * time.Minute, "6 minutes"},
		{90 * time.Minute, "2 hours"},
	}
	for _, c := range cases {
		if got := humanDuration(c.d); got != c.want {
			t.Errorf("humanDuration(%v) = %q, want %q", c.d, got, c.want)
		}
	}
}
