package model

// ChatRequest 学生提问请求
type ChatRequest struct {
	Email    string `json:"email" binding:"required"`
	Question string `json:"question" binding:"required"`
	Context  string `json:"context,omitempty"` // 作业题目上下文，由内容层提供
	Section  string `json:"section,omitempty"`
}

// 聊天结果 outcome 取值（对外只暴露这四种）
const (
	ResultSuccess     = "success"
	ResultRateLimited = "rate_limited"
	ResultDegraded    = "degraded"
	ResultUnavailable = "unavailable"
)

// ChatResponse 聊天回复
type ChatResponse struct {
	Answer            string `json:"answer"`
	Degraded          bool   `json:"degraded"`
	Outcome           string `json:"outcome"`
	RetryAfterSeconds int64  `json:"retry_after_seconds,omitempty"`
}

// RegisterRequest 学生注册请求
type RegisterRequest struct {
	Name       string `json:"name" binding:"required"`
	Email      string `json:"email" binding:"required"`
	RollNumber string `json:"roll_number,omitempty"`
}

// AnswerRequest 作业答案提交
type AnswerRequest struct {
	Email       string `json:"email" binding:"required"`
	QuestionIdx int    `json:"question_idx"`
	Answer      string `json:"answer" binding:"required"`
	Section     string `json:"section,omitempty"`
}

// GradeRequest 评分提交（管理端）
type GradeRequest struct {
	Email       string `json:"email" binding:"required"`
	QuestionIdx int    `json:"question_idx"`
	Grade       string `json:"grade" binding:"required"`
	Section     string `json:"section,omitempty"`
}

// LoginRequest 管理员登录请求
type LoginRequest struct {
	Password string `json:"password" binding:"required"`
}

// LoginResponse 管理员登录响应
type LoginResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

// ErrorResponse 错误响应
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail 错误详情
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}
