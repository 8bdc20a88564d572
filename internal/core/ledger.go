package core

import (
	"errors"
	"fmt"

	"github.com/xiaopang/casegate/internal/logger"
	"github.com/xiaopang/casegate/internal/model"
	"github.com/xiaopang/casegate/internal/store"
)

// ErrStoreUnavailable 存储不可用
//
// 配额状态读不到时一律拒绝请求，绝不放行无计量的调用。
var ErrStoreUnavailable = errors.New("usage store unavailable")

// Ledger 配额账本
//
// 纯策略层：把配置的限额翻译成准入决定，自身不持有计数状态，
// 所有计数都走 Store 的原子原语。可安全地多实例并发运行。
type Ledger struct {
	store  *store.Store
	limits model.QuotaLimits
	log    *logger.Logger
}

// NewLedger 创建配额账本
func NewLedger(s *store.Store, limits model.QuotaLimits) *Ledger {
	return &Ledger{
		store:  s,
		limits: limits,
		log:    logger.With("ledger"),
	}
}

// Limits 返回配置的限额
func (l *Ledger) Limits() model.QuotaLimits {
	return l.limits
}

// CheckAndReserve 检查并预留配额
//
// 无历史计数的身份按满额预算处理（惰性创建）。拒绝返回
// *store.QuotaExceededError，携带超限维度和重试等待时间；
// 存储故障包装为 ErrStoreUnavailable（fail closed）。
func (l *Ledger) CheckAndReserve(email string, estimatedTokens int) (*model.ReservationToken, error) {
	if estimatedTokens <= 0 {
		estimatedTokens = l.limits.EstimatedTokens
	}

	token, err := l.store.Reserve(email, estimatedTokens, l.limits)
	if err != nil {
		var denial *store.QuotaExceededError
		if errors.As(err, &denial) {
			l.log.Info("reservation denied", "email", email, "dimension", denial.Dimension, "retry_after", denial.RetryAfter)
			return nil, denial
		}
		l.log.Error("store unreachable, failing closed", "email", email, "err", err)
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return token, nil
}

// Reconcile 结算预留（实际成本或全额释放）
func (l *Ledger) Reconcile(token *model.ReservationToken, actualTokens int, committed bool) error {
	if token == nil {
		return nil
	}
	if err := l.store.Reconcile(token, actualTokens, committed); err != nil {
		// 结算失败会导致预留悬空，必须可见
		l.log.Error("reconcile failed", "email", token.Email, "reservation", token.ID, "err", err)
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Rollover 惰性滚动过期窗口
func (l *Ledger) Rollover(email string) {
	if err := l.store.RolloverIfExpired(email); err != nil {
		l.log.Warn("rollover failed", "email", email, "err", err)
	}
}

// UsageStatus 查询配额状态
func (l *Ledger) UsageStatus(email string) (*model.UsageStatus, error) {
	status, err := l.store.UsageStatus(email, l.limits)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return status, nil
}
