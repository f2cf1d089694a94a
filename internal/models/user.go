package models

import (
	"time"

	"github.com/google/uuid"
)

// User — учётная запись, по которой выполняется вход.
//
// AuthProvider определяет способ аутентификации: "local" — пароль хранится
// у нас (PasswordHash непустой), иное значение — внешний провайдер и вход
// по паролю для такой записи невозможен.
type User struct {
	ID           uuid.UUID
	Email        string
	PasswordHash string
	AuthProvider string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
