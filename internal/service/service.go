// service содержит бизнес-логику жизненного цикла первичных кредов:
// вход по email+паролю под контролем стража неудачных попыток,
// выпуск/проверку access-токенов, ротацию и отзыв refresh-токенов.
//
// Основные аспекты:
//   - Пакет не хранит состояние запроса внутри Service; экземпляр Service
//     безопасен для конкурентного использования из разных горутин при условии,
//     что переданное хранилище (storage.Storage) потокобезопасно.
//   - Все сбои хранилища фатальны для запроса и не ретраятся локально;
//     единственное исключение — страж попыток, который деградирует fail-open
//     внутри пакета lockout.
//   - Сообщения об ошибках аутентификации не раскрывают существование
//     учётной записи: несуществующий email, чужой провайдер и неверный
//     пароль неразличимы для клиента.
package service

import (
	"errors"

	"github.com/lenderdesk/pricing-platform/auth-service/internal/config"
	"github.com/lenderdesk/pricing-platform/auth-service/internal/lockout"
	"github.com/lenderdesk/pricing-platform/auth-service/internal/storage"
)

var (
	// ErrInvalidCredentials — пара логин/пароль неверна, пользователь не найден
	// или учётная запись использует внешний провайдер. Единое сообщение —
	// защита от энумерации. Транспорт: HTTP 401.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrAccountLocked — идентификатор заблокирован по превышению числа
	// неудачных попыток. Транспорт: HTTP 429.
	ErrAccountLocked = errors.New("too many failed login attempts")

	// ErrInvalidToken — токен (access/refresh) некорректен по формату/подписи
	// или отсутствует в хранилище. Транспорт: HTTP 401.
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenExpired — срок действия токена истёк.
	// Транспорт: HTTP 401.
	ErrTokenExpired = errors.New("token expired")

	// ErrTokenRevoked — токен отозван (logout/rotation/compromise) и недействителен
	// независимо от срока. Транспорт: HTTP 401.
	ErrTokenRevoked = errors.New("token revoked")

	// ErrWrongTokenKind — подпись корректна, но claim kind не "access"
	// (например, предъявлен чужой тип токена). Транспорт: HTTP 401.
	ErrWrongTokenKind = errors.New("wrong token kind")

	// ErrRefreshTokenCollision — исчерпаны попытки сгенерировать уникальный refresh-токен
	// (редкий случай коллизий при сохранении хэша в БД после нескольких ретраев).
	// Транспорт: HTTP 500.
	ErrRefreshTokenCollision = errors.New("refresh token collision")

	// ErrInvalidEmail — e-mail имеет некорректный формат.
	// Транспорт: HTTP 400.
	ErrInvalidEmail = errors.New("invalid email format")
)

// Service описывает бизнес-логику выпуска и отзыва кредов.
type Service struct {
	storage storage.Storage
	cfg     config.AuthConfig
	guard   *lockout.Guard // может быть nil, если страж не сконфигурирован
}

// New создаёт новый экземпляр Service.
func New(storage storage.Storage, cfg config.AuthConfig) *Service {
	return &Service{
		storage: storage,
		cfg:     cfg,
	}
}

// SetLoginGuard устанавливает стража неудачных попыток входа (опционально).
func (s *Service) SetLoginGuard(g *lockout.Guard) {
	s.guard = g
}
