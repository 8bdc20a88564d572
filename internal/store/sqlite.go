package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xiaopang/casegate/internal/model"
	_ "github.com/mattn/go-sqlite3"
)

const (
	hourWindow = time.Hour
	dayWindow  = 24 * time.Hour
)

// 配额超限维度
const (
	DimensionHourlyQueries = "hourly_queries"
	DimensionDailyTokens   = "daily_tokens"
)

// QuotaExceededError 配额拒绝，携带超限维度和重试等待时间
type QuotaExceededError struct {
	Dimension  string
	RetryAfter time.Duration
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded: %s (retry after %s)", e.Dimension, e.RetryAfter.Round(time.Second))
}

// Store 数据存储
//
// 唯一允许修改 QuotaCounter 的组件。单个 email 的计数更新通过
// immediate 事务串行化，多个并发实例共享同一数据库时保证仍成立。
type Store struct {
	db  *sql.DB
	now func() time.Time // 可注入时钟，便于窗口边界测试
}

// New 创建存储实例
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	store := &Store{db: db, now: time.Now}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

// migrate 数据库迁移
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS quota_counters (
		email TEXT PRIMARY KEY,
		hour_start DATETIME NOT NULL,
		hour_queries INTEGER NOT NULL DEFAULT 0,
		day_start DATETIME NOT NULL,
		day_tokens INTEGER NOT NULL DEFAULT 0,
		reserved_queries INTEGER NOT NULL DEFAULT 0,
		reserved_tokens INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS request_logs (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		outcome TEXT NOT NULL,
		attempt INTEGER DEFAULT 0,
		tokens_charged INTEGER DEFAULT 0,
		latency_ms INTEGER DEFAULT 0,
		error TEXT
	);

	CREATE TABLE IF NOT EXISTS students (
		email TEXT PRIMARY KEY,
		name TEXT,
		roll_number TEXT DEFAULT '',
		created_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS chats (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		email TEXT NOT NULL,
		question TEXT,
		bot_response TEXT,
		section TEXT DEFAULT '',
		created_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS answers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		email TEXT NOT NULL,
		question_idx INTEGER,
		answer TEXT,
		section TEXT DEFAULT '',
		submitted_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS grades (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		email TEXT NOT NULL,
		question_idx INTEGER,
		grade TEXT,
		section TEXT DEFAULT '',
		graded_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_logs_timestamp ON request_logs(timestamp);
	CREATE INDEX IF NOT EXISTS idx_logs_email ON request_logs(email);
	CREATE INDEX IF NOT EXISTS idx_chats_email ON chats(email);
	CREATE INDEX IF NOT EXISTS idx_answers_email ON answers(email);
	CREATE INDEX IF NOT EXISTS idx_grades_email ON grades(email);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close 关闭数据库
func (s *Store) Close() error {
	return s.db.Close()
}

// === 配额计数 ===

// counterRow 内部计数行
type counterRow struct {
	hourStart       time.Time
	hourQueries     int
	dayStart        time.Time
	dayTokens       int
	reservedQueries int
	reservedTokens  int
}

// loadCounter 读取计数行，不存在时返回以 now 为窗口起点的零值行（惰性创建）
func loadCounter(tx *sql.Tx, email string, now time.Time) (*counterRow, error) {
	row := tx.QueryRow(`
		SELECT hour_start, hour_queries, day_start, day_tokens, reserved_queries, reserved_tokens
		FROM quota_counters WHERE email = ?
	`, email)

	var c counterRow
	err := row.Scan(&c.hourStart, &c.hourQueries, &c.dayStart, &c.dayTokens, &c.reservedQueries, &c.reservedTokens)
	if errors.Is(err, sql.ErrNoRows) {
		return &counterRow{hourStart: now, dayStart: now}, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// rollover 滚动窗口：窗口自首次请求起算，过期即清零并以 now 重新起算
func (c *counterRow) rollover(now time.Time) {
	if now.Sub(c.hourStart) >= hourWindow {
		c.hourStart = now
		c.hourQueries = 0
	}
	if now.Sub(c.dayStart) >= dayWindow {
		c.dayStart = now
		c.dayTokens = 0
	}
}

// saveCounter 写回计数行
func saveCounter(tx *sql.Tx, email string, c *counterRow, now time.Time) error {
	_, err := tx.Exec(`
		INSERT INTO quota_counters (email, hour_start, hour_queries, day_start, day_tokens, reserved_queries, reserved_tokens, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(email) DO UPDATE SET
			hour_start = excluded.hour_start,
			hour_queries = excluded.hour_queries,
			day_start = excluded.day_start,
			day_tokens = excluded.day_tokens,
			reserved_queries = excluded.reserved_queries,
			reserved_tokens = excluded.reserved_tokens,
			updated_at = excluded.updated_at
	`, email, c.hourStart, c.hourQueries, c.dayStart, c.dayTokens, c.reservedQueries, c.reservedTokens, now)
	return err
}

// Reserve 原子地检查并预留配额
//
// 同一 email 的并发预留由 immediate 事务串行化：两个并发请求的
// 合计成本超出预算时不会同时成功。拒绝返回 *QuotaExceededError；
// 存储不可用时返回普通 error，调用方必须按拒绝处理（fail closed）。
func (s *Store) Reserve(email string, estimatedTokens int, limits model.QuotaLimits) (*model.ReservationToken, error) {
	email = normalizeEmail(email)
	now := s.now()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin reserve: %w", err)
	}
	defer tx.Rollback()

	c, err := loadCounter(tx, email, now)
	if err != nil {
		return nil, fmt.Errorf("load counter: %w", err)
	}
	c.rollover(now)

	// 预算检查把在途预留也算进去，避免并发请求合计超限。
	// 两个维度同时超限时按每日 token 维度报告（更昂贵的资源）。
	hourExceeded := limits.MaxQueriesPerHour > 0 &&
		c.hourQueries+c.reservedQueries+1 > limits.MaxQueriesPerHour
	dayExceeded := limits.MaxTokensPerDay > 0 &&
		c.dayTokens+c.reservedTokens+estimatedTokens > limits.MaxTokensPerDay

	if dayExceeded || hourExceeded {
		// 拒绝前仍把窗口滚动结果落盘
		if err := saveCounter(tx, email, c, now); err != nil {
			return nil, fmt.Errorf("save counter: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit reserve: %w", err)
		}

		denial := &QuotaExceededError{}
		if dayExceeded {
			denial.Dimension = DimensionDailyTokens
			denial.RetryAfter = c.dayStart.Add(dayWindow).Sub(now)
		} else {
			denial.Dimension = DimensionHourlyQueries
			denial.RetryAfter = c.hourStart.Add(hourWindow).Sub(now)
		}
		if denial.RetryAfter < time.Second {
			denial.RetryAfter = time.Second
		}
		return nil, denial
	}

	c.reservedQueries++
	c.reservedTokens += estimatedTokens
	if err := saveCounter(tx, email, c, now); err != nil {
		return nil, fmt.Errorf("save counter: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit reserve: %w", err)
	}

	return &model.ReservationToken{
		ID:              uuid.New().String(),
		Email:           email,
		EstimatedTokens: estimatedTokens,
		CreatedAt:       now,
	}, nil
}

// Reconcile 结算预留
//
// committed=true 时把实际成本计入计数（实际值可高于、等于或低于
// 预估值）；committed=false 表示调用未抵达上游，预留全额释放，
// 查询名额退还。预留量在两种情况下都会清除，token 不会悬空。
func (s *Store) Reconcile(token *model.ReservationToken, actualTokens int, committed bool) error {
	if token == nil {
		return nil
	}
	now := s.now()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin reconcile: %w", err)
	}
	defer tx.Rollback()

	c, err := loadCounter(tx, token.Email, now)
	if err != nil {
		return fmt.Errorf("load counter: %w", err)
	}

	c.reservedQueries--
	if c.reservedQueries < 0 {
		c.reservedQueries = 0
	}
	c.reservedTokens -= token.EstimatedTokens
	if c.reservedTokens < 0 {
		c.reservedTokens = 0
	}

	if committed {
		c.rollover(now)
		c.hourQueries++
		c.dayTokens += actualTokens
	}

	if err := saveCounter(tx, token.Email, c, now); err != nil {
		return fmt.Errorf("save counter: %w", err)
	}
	return tx.Commit()
}

// RolloverIfExpired 惰性滚动过期窗口，可与 Reserve 并发调用
func (s *Store) RolloverIfExpired(email string) error {
	email = normalizeEmail(email)
	now := s.now()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin rollover: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(`SELECT count(*) FROM quota_counters WHERE email = ?`, email)
	var exists int
	if err := row.Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		// 无计数行即无窗口可滚动
		return tx.Commit()
	}

	c, err := loadCounter(tx, email, now)
	if err != nil {
		return err
	}
	c.rollover(now)
	if err := saveCounter(tx, email, c, now); err != nil {
		return err
	}
	return tx.Commit()
}

// UsageStatus 查询单个学生的配额状态
func (s *Store) UsageStatus(email string, limits model.QuotaLimits) (*model.UsageStatus, error) {
	email = normalizeEmail(email)
	now := s.now()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	c, err := loadCounter(tx, email, now)
	if err != nil {
		return nil, err
	}
	c.rollover(now)
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &model.UsageStatus{
		Email:             email,
		HourQueries:       c.hourQueries,
		MaxQueriesPerHour: limits.MaxQueriesPerHour,
		DayTokens:         c.dayTokens,
		MaxTokensPerDay:   limits.MaxTokensPerDay,
		HourResetSeconds:  int64(c.hourStart.Add(hourWindow).Sub(now).Seconds()),
		DayResetSeconds:   int64(c.dayStart.Add(dayWindow).Sub(now).Seconds()),
	}, nil
}

// === 请求日志 ===

// SaveLog 保存请求日志
func (s *Store) SaveLog(log *model.RequestLog) error {
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	if log.Timestamp.IsZero() {
		log.Timestamp = s.now()
	}
	_, err := s.db.Exec(`
		INSERT INTO request_logs (id, email, timestamp, outcome, attempt, tokens_charged, latency_ms, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, log.ID, log.Email, log.Timestamp, log.Outcome, log.Attempt, log.TokensCharged, log.LatencyMs, log.Error)
	return err
}

// QueryLogs 查询日志
func (s *Store) QueryLogs(query *model.LogQuery) ([]*model.RequestLog, error) {
	sqlStr := "SELECT id, email, timestamp, outcome, attempt, tokens_charged, latency_ms, COALESCE(error, '') FROM request_logs WHERE 1=1"
	args := []any{}

	if query.Email != "" {
		sqlStr += " AND email = ?"
		args = append(args, normalizeEmail(query.Email))
	}
	if query.Outcome != "" {
		sqlStr += " AND outcome = ?"
		args = append(args, query.Outcome)
	}
	if !query.StartTime.IsZero() {
		sqlStr += " AND timestamp >= ?"
		args = append(args, query.StartTime)
	}
	if !query.EndTime.IsZero() {
		sqlStr += " AND timestamp <= ?"
		args = append(args, query.EndTime)
	}

	sqlStr += " ORDER BY timestamp DESC"

	if query.Limit > 0 {
		sqlStr += fmt.Sprintf(" LIMIT %d", query.Limit)
	} else {
		sqlStr += " LIMIT 100"
	}
	if query.Offset > 0 {
		sqlStr += fmt.Sprintf(" OFFSET %d", query.Offset)
	}

	rows, err := s.db.Query(sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*model.RequestLog
	for rows.Next() {
		var log model.RequestLog
		if err := rows.Scan(&log.ID, &log.Email, &log.Timestamp, &log.Outcome,
			&log.Attempt, &log.TokensCharged, &log.LatencyMs, &log.Error); err != nil {
			return nil, err
		}
		logs = append(logs, &log)
	}
	return logs, rows.Err()
}

// Overview 管理端总览统计（今日）
func (s *Store) Overview() (*model.OverviewStats, error) {
	dayAgo := s.now().Add(-dayWindow)

	var stats model.OverviewStats
	err := s.db.QueryRow(`
		SELECT
			COUNT(DISTINCT email),
			COUNT(*),
			SUM(CASE WHEN outcome = 'denied' THEN 1 ELSE 0 END),
			SUM(CASE WHEN outcome = 'fallback' THEN 1 ELSE 0 END)
		FROM request_logs
		WHERE timestamp >= ?
	`, dayAgo).Scan(&stats.DistinctUsersToday, &stats.TotalRequestsToday,
		&nullInt{&stats.DeniedToday}, &nullInt{&stats.FallbacksToday})
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

// GetDailyStats 获取每日统计
func (s *Store) GetDailyStats(days int) ([]*model.DailyStats, error) {
	rows, err := s.db.Query(`
		SELECT
			date(timestamp) as date,
			COUNT(*) as total_requests,
			ROUND(SUM(CASE WHEN outcome = 'success' THEN 1 ELSE 0 END) * 100.0 / COUNT(*), 2) as success_rate,
			SUM(tokens_charged) as total_tokens,
			ROUND(AVG(latency_ms), 2) as avg_latency
		FROM request_logs
		WHERE timestamp >= date('now', ?)
		GROUP BY date(timestamp)
		ORDER BY date DESC
	`, fmt.Sprintf("-%d days", days))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []*model.DailyStats
	for rows.Next() {
		var d model.DailyStats
		if err := rows.Scan(&d.Date, &d.TotalRequests, &d.SuccessRate, &d.TotalTokens, &d.AvgLatency); err != nil {
			return nil, err
		}
		stats = append(stats, &d)
	}
	return stats, rows.Err()
}

// CleanOldLogs 清理过期日志
func (s *Store) CleanOldLogs(retentionDays int) (int64, error) {
	result, err := s.db.Exec(`
		DELETE FROM request_logs
		WHERE timestamp < date('now', ?)
	`, fmt.Sprintf("-%d days", retentionDays))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// === 学生与提交 ===

// SaveStudent 保存学生信息（存在则覆盖）
func (s *Store) SaveStudent(student *model.Student) error {
	email := normalizeEmail(student.Email)
	created := student.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO students (email, name, roll_number, created_at)
		VALUES (?, ?, ?, ?)
	`, email, student.Name, student.RollNumber, created)
	return err
}

// GetStudent 获取学生信息
func (s *Store) GetStudent(email string) (*model.Student, error) {
	row := s.db.QueryRow(`
		SELECT email, name, COALESCE(roll_number, ''), created_at
		FROM students WHERE email = ?
	`, normalizeEmail(email))

	var st model.Student
	if err := row.Scan(&st.Email, &st.Name, &st.RollNumber, &st.CreatedAt); err != nil {
		return nil, err
	}
	return &st, nil
}

// ListStudents 列出所有学生
func (s *Store) ListStudents() ([]*model.Student, error) {
	rows, err := s.db.Query(`
		SELECT email, name, COALESCE(roll_number, ''), created_at
		FROM students ORDER BY email
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var students []*model.Student
	for rows.Next() {
		var st model.Student
		if err := rows.Scan(&st.Email, &st.Name, &st.RollNumber, &st.CreatedAt); err != nil {
			return nil, err
		}
		students = append(students, &st)
	}
	return students, rows.Err()
}

// SaveChat 保存问答记录
func (s *Store) SaveChat(chat *model.ChatRecord) error {
	created := chat.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	_, err := s.db.Exec(`
		INSERT INTO chats (email, question, bot_response, section, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, normalizeEmail(chat.Email), chat.Question, chat.Answer, chat.Section, created)
	return err
}

// GetChatsByEmail 获取学生的问答记录
func (s *Store) GetChatsByEmail(email string) ([]*model.ChatRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, email, question, bot_response, COALESCE(section, ''), created_at
		FROM chats WHERE email = ? ORDER BY created_at
	`, normalizeEmail(email))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chats []*model.ChatRecord
	for rows.Next() {
		var c model.ChatRecord
		if err := rows.Scan(&c.ID, &c.Email, &c.Question, &c.Answer, &c.Section, &c.CreatedAt); err != nil {
			return nil, err
		}
		chats = append(chats, &c)
	}
	return chats, rows.Err()
}

// SaveAnswer 保存作业答案
func (s *Store) SaveAnswer(a *model.Answer) error {
	submitted := a.SubmittedAt
	if submitted.IsZero() {
		submitted = s.now()
	}
	_, err := s.db.Exec(`
		INSERT INTO answers (email, question_idx, answer, section, submitted_at)
		VALUES (?, ?, ?, ?, ?)
	`, normalizeEmail(a.Email), a.QuestionIdx, a.Answer, a.Section, submitted)
	return err
}

// ListAnswers 列出所有提交（管理端）
func (s *Store) ListAnswers() ([]*model.Answer, error) {
	rows, err := s.db.Query(`
		SELECT id, email, question_idx, answer, COALESCE(section, ''), submitted_at
		FROM answers ORDER BY email, submitted_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var answers []*model.Answer
	for rows.Next() {
		var a model.Answer
		if err := rows.Scan(&a.ID, &a.Email, &a.QuestionIdx, &a.Answer, &a.Section, &a.SubmittedAt); err != nil {
			return nil, err
		}
		answers = append(answers, &a)
	}
	return answers, rows.Err()
}

// ListSubmissions 提交视图：每条答案附带该题当前最新评分
func (s *Store) ListSubmissions() ([]*model.Submission, error) {
	rows, err := s.db.Query(`
		SELECT a.id, a.email, a.question_idx, a.answer, COALESCE(a.section, ''), a.submitted_at,
			COALESCE((SELECT g.grade FROM grades g
				WHERE g.email = a.email AND g.question_idx = a.question_idx
				ORDER BY g.graded_at DESC LIMIT 1), ''),
			COALESCE((SELECT CAST(g.graded_at AS TEXT) FROM grades g
				WHERE g.email = a.email AND g.question_idx = a.question_idx
				ORDER BY g.graded_at DESC LIMIT 1), '')
		FROM answers a ORDER BY a.email, a.submitted_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*model.Submission
	for rows.Next() {
		var sub model.Submission
		if err := rows.Scan(&sub.ID, &sub.Email, &sub.QuestionIdx, &sub.Answer.Answer, &sub.Section,
			&sub.SubmittedAt, &sub.LatestGrade, &sub.GradedAt); err != nil {
			return nil, err
		}
		subs = append(subs, &sub)
	}
	return subs, rows.Err()
}

// === 评分 ===

// SaveGrade 保存评分（只追加，改分即新增一条）
func (s *Store) SaveGrade(g *model.Grade) error {
	graded := g.GradedAt
	if graded.IsZero() {
		graded = s.now()
	}
	_, err := s.db.Exec(`
		INSERT INTO grades (email, question_idx, grade, section, graded_at)
		VALUES (?, ?, ?, ?, ?)
	`, normalizeEmail(g.Email), g.QuestionIdx, g.Grade, g.Section, graded)
	return err
}

// GetGradesByEmail 获取学生的全部评分记录（按时间升序）
func (s *Store) GetGradesByEmail(email string) ([]*model.Grade, error) {
	rows, err := s.db.Query(`
		SELECT id, email, question_idx, grade, COALESCE(section, ''), graded_at
		FROM grades WHERE email = ? ORDER BY graded_at
	`, normalizeEmail(email))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var grades []*model.Grade
	for rows.Next() {
		var g model.Grade
		if err := rows.Scan(&g.ID, &g.Email, &g.QuestionIdx, &g.Grade, &g.Section, &g.GradedAt); err != nil {
			return nil, err
		}
		grades = append(grades, &g)
	}
	return grades, rows.Err()
}

// GetLatestGrade 获取某题的当前评分，未评过返回空串
func (s *Store) GetLatestGrade(email string, questionIdx int) (string, error) {
	row := s.db.QueryRow(`
		SELECT grade FROM grades
		WHERE email = ? AND question_idx = ?
		ORDER BY graded_at DESC LIMIT 1
	`, normalizeEmail(email), questionIdx)

	var grade string
	if err := row.Scan(&grade); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return grade, nil
}

// normalizeEmail 身份键统一小写去空白
func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// nullInt 把 SUM 的 NULL 扫描为 0
type nullInt struct {
	v *int
}

func (n *nullInt) Scan(src any) error {
	if src == nil {
		*n.v = 0
		return nil
	}
	switch x := src.(type) {
	case int64:
		*n.v = int(x)
	case int:
		*n.v = x
	case float64:
		*n.v = int(x)
	default:
		return fmt.Errorf("unsupported sum type %T", src)
	}
	return nil
}
