package model

import "time"

// QuotaLimits 配额限制
type QuotaLimits struct {
	MaxQueriesPerHour int `json:"max_queries_per_hour"` // 每小时查询数，0=无限
	MaxTokensPerDay   int `json:"max_tokens_per_day"`   // 每日 token 数，0=无限
	EstimatedTokens   int `json:"estimated_tokens"`     // 单次请求预估 token 数
}

// ReservationToken 在途配额预留
//
// 由 Reserve 返回，必须通过 Reconcile 结算（确认或释放），不能悬空。
type ReservationToken struct {
	ID              string    `json:"id"`
	Email           string    `json:"email"`
	EstimatedTokens int       `json:"estimated_tokens"`
	CreatedAt       time.Time `json:"created_at"`
}

// 请求日志 outcome 取值
const (
	OutcomeSuccess  = "success"  // 上游调用成功
	OutcomeFailure  = "failure"  // 单次尝试失败
	OutcomeFallback = "fallback" // 重试耗尽，返回降级回复
	OutcomeDenied   = "denied"   // 配额拒绝，未调用上游
)

// RequestLog 请求日志（只追加，不修改）
type RequestLog struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	Timestamp     time.Time `json:"timestamp"`
	Outcome       string    `json:"outcome"`
	Attempt       int       `json:"attempt"`
	TokensCharged int       `json:"tokens_charged"`
	LatencyMs     int64     `json:"latency_ms"`
	Error         string    `json:"error,omitempty"`
}

// LogQuery 日志查询参数
type LogQuery struct {
	Email     string    `form:"email"`
	Outcome   string    `form:"outcome"`
	StartTime time.Time `form:"start_time"`
	EndTime   time.Time `form:"end_time"`
	Limit     int       `form:"limit"`
	Offset    int       `form:"offset"`
}

// UsageStatus 单个学生的当前配额状态
type UsageStatus struct {
	Email             string `json:"email"`
	HourQueries       int    `json:"hour_queries"`
	MaxQueriesPerHour int    `json:"max_queries_per_hour"`
	DayTokens         int    `json:"day_tokens"`
	MaxTokensPerDay   int    `json:"max_tokens_per_day"`
	HourResetSeconds  int64  `json:"hour_reset_seconds"`
	DayResetSeconds   int64  `json:"day_reset_seconds"`
}

// OverviewStats 管理端总览
type OverviewStats struct {
	DistinctUsersToday int `json:"distinct_users_today"`
	TotalRequestsToday int `json:"total_requests_today"`
	DeniedToday        int `json:"denied_today"`
	FallbacksToday     int `json:"fallbacks_today"`
}

// DailyStats 每日统计汇总
type DailyStats struct {
	Date          string  `json:"date"`
	TotalRequests int     `json:"total_requests"`
	SuccessRate   float64 `json:"success_rate"`
	TotalTokens   int64   `json:"total_tokens"`
	AvgLatency    float64 `json:"avg_latency_ms"`
}
