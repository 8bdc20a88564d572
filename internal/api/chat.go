package api

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xiaopang/casegate/internal/core"
	"github.com/xiaopang/casegate/internal/model"
	"github.com/xiaopang/casegate/internal/store"
)

// ChatHandler 学生端处理器
type ChatHandler struct {
	pipeline *core.Pipeline
	store    *store.Store
}

// NewChatHandler 创建学生端处理器
func NewChatHandler(pipeline *core.Pipeline, s *store.Store) *ChatHandler {
	return &ChatHandler{
		pipeline: pipeline,
		store:    s,
	}
}

// Chat 学生提问
func (h *ChatHandler) Chat(c *gin.Context) {
	var req model.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, model.ErrorResponse{
			Error: model.ErrorDetail{
				Message: "Invalid request: " + err.Error(),
				Type:    "invalid_request_error",
			},
		})
		return
	}

	result := h.pipeline.Handle(c.Request.Context(), req.Email, req.Question, req.Context)

	resp := model.ChatResponse{
		Answer:   result.Text,
		Degraded: result.Degraded,
		Outcome:  result.Outcome,
	}

	switch result.Outcome {
	case model.ResultRateLimited:
		resp.RetryAfterSeconds = int64(result.RetryAfter.Seconds())
		c.Header("Retry-After", retryAfterHeader(result.RetryAfter))
		c.JSON(429, resp)
	case model.ResultUnavailable:
		c.JSON(503, resp)
	default:
		// success 和 degraded 都返回 200，degraded 标志告知内容层
		c.JSON(200, resp)
	}
}

// RegisterStudent 学生注册
func (h *ChatHandler) RegisterStudent(c *gin.Context) {
	var req model.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, model.ErrorResponse{
			Error: model.ErrorDetail{
				Message: "Invalid request: " + err.Error(),
				Type:    "invalid_request_error",
			},
		})
		return
	}

	student := &model.Student{
		Email:      req.Email,
		Name:       req.Name,
		RollNumber: req.RollNumber,
	}
	if err := h.store.SaveStudent(student); err != nil {
		c.JSON(500, model.ErrorResponse{
			Error: model.ErrorDetail{
				Message: "Failed to save student",
				Type:    "internal_error",
			},
		})
		return
	}

	c.JSON(201, gin.H{"message": "Student registered"})
}

// SaveAnswer 提交作业答案
func (h *ChatHandler) SaveAnswer(c *gin.Context) {
	var req model.AnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, model.ErrorResponse{
			Error: model.ErrorDetail{
				Message: "Invalid request: " + err.Error(),
				Type:    "invalid_request_error",
			},
		})
		return
	}

	answer := &model.Answer{
		Email:       req.Email,
		QuestionIdx: req.QuestionIdx,
		Answer:      req.Answer,
		Section:     req.Section,
	}
	if err := h.store.SaveAnswer(answer); err != nil {
		c.JSON(500, model.ErrorResponse{
			Error: model.ErrorDetail{
				Message: "Failed to save answer",
				Type:    "internal_error",
			},
		})
		return
	}

	c.JSON(201, gin.H{"message": "Answer submitted"})
}

// GetChats 获取学生的问答记录
func (h *ChatHandler) GetChats(c *gin.Context) {
	email := c.Query("email")
	if email == "" {
		c.JSON(400, model.ErrorResponse{
			Error: model.ErrorDetail{
				Message: "email is required",
				Type:    "invalid_request_error",
			},
		})
		return
	}

	chats, err := h.store.GetChatsByEmail(email)
	if err != nil {
		c.JSON(500, model.ErrorResponse{
			Error: model.ErrorDetail{
				Message: "Failed to load chats",
				Type:    "internal_error",
			},
		})
		return
	}

	c.JSON(200, gin.H{"data": chats})
}

// retryAfterHeader Retry-After 头的取值（秒，向上取整到至少 1）
func retryAfterHeader(d time.Duration) string {
	secs := int64(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}
