package model

import "time"

// AdminSession 管理员会话
//
// 仅存在于内存中，进程重启即失效。ExpiresAt 随活动滑动延长，
// 但不超过 CreatedAt + 绝对最大生存期。
type AdminSession struct {
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	LastSeen  time.Time `json:"last_seen"`
}
