package api

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xiaopang/casegate/internal/core"
	"github.com/xiaopang/casegate/internal/model"
	"github.com/xiaopang/casegate/internal/store"
)

// AdminHandler 管理 API 处理器
//
// 只读聚合视图：所有数据来自 Usage Store，不直接改配额。
type AdminHandler struct {
	sessions *core.SessionManager
	ledger   *core.Ledger
	store    *store.Store
}

// NewAdminHandler 创建管理处理器
func NewAdminHandler(sessions *core.SessionManager, ledger *core.Ledger, s *store.Store) *AdminHandler {
	return &AdminHandler{
		sessions: sessions,
		ledger:   ledger,
		store:    s,
	}
}

// Login 管理员登录
func (h *AdminHandler) Login(c *gin.Context) {
	var req model.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, model.ErrorResponse{
			Error: model.ErrorDetail{
				Message: "Invalid request: " + err.Error(),
				Type:    "invalid_request_error",
			},
		})
		return
	}

	session, err := h.sessions.Authenticate(req.Password)
	if err != nil {
		// 统一的失败消息，不泄露口令哪部分错了
		c.JSON(401, model.ErrorResponse{
			Error: model.ErrorDetail{
				Message: "Invalid credentials",
				Type:    "authentication_error",
				Code:    "invalid_credentials",
			},
		})
		return
	}

	c.JSON(200, model.LoginResponse{
		Token:     session.Token,
		ExpiresAt: session.ExpiresAt.Format(time.RFC3339),
	})
}

// Logout 管理员注销
func (h *AdminHandler) Logout(c *gin.Context) {
	if token, ok := c.Get("session_token"); ok {
		h.sessions.Logout(token.(string))
	}
	c.JSON(200, gin.H{"message": "Logged out"})
}

// Overview 今日总览
func (h *AdminHandler) Overview(c *gin.Context) {
	stats, err := h.store.Overview()
	if err != nil {
		c.JSON(500, model.ErrorResponse{
			Error: model.ErrorDetail{
				Message: err.Error(),
				Type:    "internal_error",
			},
		})
		return
	}
	c.JSON(200, gin.H{"data": stats})
}

// Stats 每日统计
func (h *AdminHandler) Stats(c *gin.Context) {
	days := 7
	if d := c.Query("days"); d != "" {
		if _, err := fmt.Sscanf(d, "%d", &days); err != nil || days <= 0 {
			days = 7
		}
	}

	stats, err := h.store.GetDailyStats(days)
	if err != nil {
		c.JSON(500, model.ErrorResponse{
			Error: model.ErrorDetail{
				Message: err.Error(),
				Type:    "internal_error",
			},
		})
		return
	}
	c.JSON(200, gin.H{"data": stats})
}

// Logs 查询请求日志
func (h *AdminHandler) Logs(c *gin.Context) {
	var query model.LogQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(400, model.ErrorResponse{
			Error: model.ErrorDetail{
				Message: "Invalid query: " + err.Error(),
				Type:    "invalid_request_error",
			},
		})
		return
	}

	logs, err := h.store.QueryLogs(&query)
	if err != nil {
		c.JSON(500, model.ErrorResponse{
			Error: model.ErrorDetail{
				Message: err.Error(),
				Type:    "internal_error",
			},
		})
		return
	}
	c.JSON(200, gin.H{"data": logs})
}

// Usage 单个学生的配额状态
func (h *AdminHandler) Usage(c *gin.Context) {
	email := strings.TrimSpace(c.Param("email"))
	if email == "" {
		c.JSON(400, model.ErrorResponse{
			Error: model.ErrorDetail{
				Message: "email is required",
				Type:    "invalid_request_error",
			},
		})
		return
	}

	status, err := h.ledger.UsageStatus(email)
	if err != nil {
		c.JSON(500, model.ErrorResponse{
			Error: model.ErrorDetail{
				Message: "Failed to load usage",
				Type:    "internal_error",
			},
		})
		return
	}
	c.JSON(200, gin.H{"data": status})
}

// Students 列出所有学生
func (h *AdminHandler) Students(c *gin.Context) {
	students, err := h.store.ListStudents()
	if err != nil {
		c.JSON(500, model.ErrorResponse{
			Error: model.ErrorDetail{
				Message: err.Error(),
				Type:    "internal_error",
			},
		})
		return
	}
	c.JSON(200, gin.H{"data": students})
}

// Submissions 列出所有作业提交，附带每题当前最新评分
func (h *AdminHandler) Submissions(c *gin.Context) {
	subs, err := h.store.ListSubmissions()
	if err != nil {
		c.JSON(500, model.ErrorResponse{
			Error: model.ErrorDetail{
				Message: err.Error(),
				Type:    "internal_error",
			},
		})
		return
	}
	c.JSON(200, gin.H{"data": subs})
}

// SaveGrade 保存评分
func (h *AdminHandler) SaveGrade(c *gin.Context) {
	var req model.GradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, model.ErrorResponse{
			Error: model.ErrorDetail{
				Message: "Invalid request: " + err.Error(),
				Type:    "invalid_request_error",
			},
		})
		return
	}

	grade := &model.Grade{
		Email:       req.Email,
		QuestionIdx: req.QuestionIdx,
		Grade:       req.Grade,
		Section:     req.Section,
	}
	if err := h.store.SaveGrade(grade); err != nil {
		c.JSON(500, model.ErrorResponse{
			Error: model.ErrorDetail{
				Message: "Failed to save grade",
				Type:    "internal_error",
			},
		})
		return
	}

	c.JSON(201, gin.H{"message": "Grade saved"})
}

// Grades 某个学生的评分记录
func (h *AdminHandler) Grades(c *gin.Context) {
	email := strings.TrimSpace(c.Param("email"))
	if email == "" {
		c.JSON(400, model.ErrorResponse{
			Error: model.ErrorDetail{
				Message: "email is required",
				Type:    "invalid_request_error",
			},
		})
		return
	}

	grades, err := h.store.GetGradesByEmail(email)
	if err != nil {
		c.JSON(500, model.ErrorResponse{
			Error: model.ErrorDetail{
				Message: err.Error(),
				Type:    "internal_error",
			},
		})
		return
	}
	c.JSON(200, gin.H{"data": grades})
}

// Export 导出全部数据为 CSV
//
// 每条提交一行：学生信息、答案、当前最新评分、该生的问答记录
// （JSON 聚合到一列）。
func (h *AdminHandler) Export(c *gin.Context) {
	subs, err := h.store.ListSubmissions()
	if err != nil {
		c.JSON(500, model.ErrorResponse{
			Error: model.ErrorDetail{
				Message: err.Error(),
				Type:    "internal_error",
			},
		})
		return
	}

	students, err := h.store.ListStudents()
	if err != nil {
		c.JSON(500, model.ErrorResponse{
			Error: model.ErrorDetail{
				Message: err.Error(),
				Type:    "internal_error",
			},
		})
		return
	}
	names := make(map[string]string, len(students))
	for _, st := range students {
		names[st.Email] = st.Name
	}

	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Header("Content-Disposition", `attachment; filename="submissions_export.csv"`)

	w := csv.NewWriter(c.Writer)
	w.Write([]string{"email", "name", "question_idx", "answer", "answer_submitted_at",
		"latest_grade", "grade_graded_at", "chat_history_json"})

	chatCache := make(map[string]string)
	for _, sub := range subs {
		chatJSON, ok := chatCache[sub.Email]
		if !ok {
			chats, cerr := h.store.GetChatsByEmail(sub.Email)
			if cerr != nil {
				chats = nil
			}
			type chatLine struct {
				Q  string `json:"q"`
				A  string `json:"bot"`
				At string `json:"at"`
			}
			lines := make([]chatLine, 0, len(chats))
			for _, ch := range chats {
				lines = append(lines, chatLine{Q: ch.Question, A: ch.Answer, At: ch.CreatedAt.Format(time.RFC3339)})
			}
			raw, _ := json.Marshal(lines)
			chatJSON = string(raw)
			chatCache[sub.Email] = chatJSON
		}

		w.Write([]string{
			sub.Email,
			names[sub.Email],
			fmt.Sprintf("%d", sub.QuestionIdx),
			sub.Answer.Answer,
			sub.SubmittedAt.Format(time.RFC3339),
			sub.LatestGrade,
			sub.GradedAt,
			chatJSON,
		})
	}
	w.Flush()
}
