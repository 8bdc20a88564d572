package model

import "time"

// Student 学生身份（email 唯一，创建后不变）
type Student struct {
	Email      string    `json:"email"`
	Name       string    `json:"name"`
	RollNumber string    `json:"roll_number,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ChatRecord 保存的问答记录
type ChatRecord struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	Question  string    `json:"question"`
	Answer    string    `json:"answer"`
	Section   string    `json:"section"`
	CreatedAt time.Time `json:"created_at"`
}

// Answer 学生提交的作业答案
type Answer struct {
	ID          int64     `json:"id"`
	Email       string    `json:"email"`
	QuestionIdx int       `json:"question_idx"`
	Answer      string    `json:"answer"`
	Section     string    `json:"section"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Grade 教师评分（只追加，最新一条为准）
type Grade struct {
	ID          int64     `json:"id"`
	Email       string    `json:"email"`
	QuestionIdx int       `json:"question_idx"`
	Grade       string    `json:"grade"`
	Section     string    `json:"section"`
	GradedAt    time.Time `json:"graded_at"`
}

// Submission 管理端的提交视图：答案附带当前最新评分
type Submission struct {
	Answer
	LatestGrade string    `json:"latest_grade"`
	GradedAt    string    `json:"graded_at"`
}
