package models

import (
	"time"

	"github.com/google/uuid"
)

// RefreshToken — серверная запись refresh-токена.
// В БД хранится только хэш секрета; сам секрет отдаётся клиенту один раз.
// Запись никогда не удаляется при отзыве — только помечается Revoked,
// физическую очистку просроченных строк выполняет отдельный фоновый процесс.
type RefreshToken struct {
	RefreshTokenHash string
	UserID           uuid.UUID
	CreatedAt        time.Time
	ExpiresAt        time.Time
	Revoked          bool
}
