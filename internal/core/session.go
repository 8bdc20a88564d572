package core

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/xiaopang/casegate/internal/logger"
	"github.com/xiaopang/casegate/internal/model"
)

// ErrAuthFailed 管理员认证失败（不区分失败原因）
var ErrAuthFailed = errors.New("authentication failed")

// SessionManager 管理员会话管理
//
// 会话只存内存，进程重启即全部失效。过期会话等同于未认证，
// 读取操作不会静默续期；Touch 按滑动窗口延长，但受绝对最大
// 生存期约束。
type SessionManager struct {
	mu          sync.Mutex
	password    string
	sessions    map[string]*model.AdminSession
	lifetime    time.Duration
	maxLifetime time.Duration
	now         func() time.Time
	log         *logger.Logger
	done        chan struct{}
	stopOnce    sync.Once
}

// NewSessionManager 创建会话管理器并启动过期清理
func NewSessionManager(password string, lifetime, maxLifetime time.Duration) *SessionManager {
	sm := newSessionManager(password, lifetime, maxLifetime)
	go sm.cleanup()
	return sm
}

// newSessionManager 不带清理 goroutine 的构造（测试用）
func newSessionManager(password string, lifetime, maxLifetime time.Duration) *SessionManager {
	if lifetime <= 0 {
		lifetime = 30 * time.Minute
	}
	if maxLifetime < lifetime {
		maxLifetime = 8 * lifetime
	}
	return &SessionManager{
		password:    password,
		sessions:    make(map[string]*model.AdminSession),
		lifetime:    lifetime,
		maxLifetime: maxLifetime,
		now:         time.Now,
		log:         logger.With("session"),
		done:        make(chan struct{}),
	}
}

// Authenticate 校验管理员口令并创建会话
//
// 口令比较为常数时间，失败不泄露任何细节，但记录时间和来源
// 供审计（不记录口令内容）。
func (m *SessionManager) Authenticate(password string) (*model.AdminSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.password == "" ||
		subtle.ConstantTimeCompare([]byte(password), []byte(m.password)) != 1 {
		m.log.Warn("admin login failed", "at", m.now().Format(time.RFC3339))
		return nil, ErrAuthFailed
	}

	now := m.now()
	session := &model.AdminSession{
		Token:     newSessionToken(),
		CreatedAt: now,
		ExpiresAt: now.Add(m.lifetime),
		LastSeen:  now,
	}
	m.sessions[session.Token] = session
	m.log.Info("admin login", "expires_at", session.ExpiresAt.Format(time.RFC3339))
	return session, nil
}

// Validate 校验会话是否有效
//
// 过期会话当场删除并返回 false（等同于未认证），不做任何续期。
func (m *SessionManager) Validate(token string) (*model.AdminSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[token]
	if !ok {
		return nil, false
	}
	if !m.now().Before(session.ExpiresAt) {
		delete(m.sessions, token)
		return nil, false
	}
	return session, true
}

// Touch 滑动延长会话，受绝对最大生存期约束
func (m *SessionManager) Touch(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[token]
	if !ok {
		return
	}
	now := m.now()
	if !now.Before(session.ExpiresAt) {
		delete(m.sessions, token)
		return
	}

	session.LastSeen = now
	expires := now.Add(m.lifetime)
	if hardCap := session.CreatedAt.Add(m.maxLifetime); expires.After(hardCap) {
		expires = hardCap
	}
	session.ExpiresAt = expires
}

// Logout 显式注销会话
func (m *SessionManager) Logout(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, token)
}

// ActiveCount 当前有效会话数
func (m *SessionManager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	count := 0
	for _, s := range m.sessions {
		if now.Before(s.ExpiresAt) {
			count++
		}
	}
	return count
}

// Stop 停止过期清理，可重复调用
func (m *SessionManager) Stop() {
	m.stopOnce.Do(func() { close(m.done) })
}

// cleanup 定期清扫过期会话，Stop 后退出
func (m *SessionManager) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.mu.Lock()
			now := m.now()
			for token, s := range m.sessions {
				if !now.Before(s.ExpiresAt) {
					delete(m.sessions, token)
				}
			}
			m.mu.Unlock()
		case <-m.done:
			return
		}
	}
}

// newSessionToken 生成会话令牌
func newSessionToken() string {
	b := make([]byte, 24)
	rand.Read(b)
	return "cgs-" + hex.EncodeToString(b)
}
