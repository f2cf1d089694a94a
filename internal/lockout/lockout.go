// lockout реализует распределённый счётчик неудачных попыток входа
// поверх разделяемого TTL-кэша.
//
// Ключ ведётся по введённому идентификатору (email), а не по адресу клиента:
// так счётчик работает и для несуществующих учётных записей и мешает
// перебору/энумерации. Окно фиксированное: TTL выставляется на первой
// попытке и перезаводится ровно в момент достижения порога, чтобы блокировка
// отсчитывалась от сработавшей попытки, а не от первой в окне.
//
// Политика fail-open: при недоступности кэша все операции ведут себя так,
// будто попыток не было. Доступность входа важнее строгого соблюдения
// блокировки; сбой фиксируется в логе и никогда не отдаётся вызывающему.
package lockout

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/lenderdesk/pricing-platform/auth-service/internal/cache"
	"github.com/lenderdesk/pricing-platform/auth-service/internal/config"
	"github.com/lenderdesk/pricing-platform/auth-service/internal/pkg/log"
	"github.com/lenderdesk/pricing-platform/auth-service/internal/pkg/redact"
)

const keyPrefix = "lockout:login:"

// Guard — распределённый страж попыток входа.
type Guard struct {
	cache cache.Cache
	cfg   config.LockoutConfig
}

// New создаёт Guard поверх переданного кэша.
func New(c cache.Cache, cfg config.LockoutConfig) *Guard {
	return &Guard{cache: c, cfg: cfg}
}

func key(identifier string) string {
	return keyPrefix + identifier
}

// Check возвращает (заблокирован ли идентификатор, сколько попыток осталось).
// Отсутствующий счётчик означает полный запас попыток.
func (g *Guard) Check(ctx context.Context, identifier string) (bool, int) {
	const op = "lockout.Check"

	val, ok, err := g.cache.Get(ctx, key(identifier))
	if err != nil {
		g.failOpen(ctx, op, identifier, err)
		return false, g.cfg.MaxAttempts
	}

	if !ok {
		return false, g.cfg.MaxAttempts
	}

	attempts, err := strconv.Atoi(val)
	if err != nil {
		g.failOpen(ctx, op, identifier, err)
		return false, g.cfg.MaxAttempts
	}

	if attempts >= g.cfg.MaxAttempts {
		return true, 0
	}

	return false, g.cfg.MaxAttempts - attempts
}

// Increment фиксирует неудачную попытку и возвращает текущее значение счётчика.
// Первая попытка создаёт ключ с TTL окна; достижение порога перезаводит TTL,
// чтобы длительность блокировки отсчитывалась от сработавшей попытки.
func (g *Guard) Increment(ctx context.Context, identifier string) int {
	const op = "lockout.Increment"

	k := key(identifier)

	_, ok, err := g.cache.Get(ctx, k)
	if err != nil {
		g.failOpen(ctx, op, identifier, err)
		return 0
	}

	if !ok {
		if err := g.cache.SetWithTTL(ctx, k, "1", g.cfg.Window); err != nil {
			g.failOpen(ctx, op, identifier, err)
			return 0
		}

		return 1
	}

	count, err := g.cache.Incr(ctx, k)
	if err != nil {
		g.failOpen(ctx, op, identifier, err)
		return 0
	}

	// Между Incr и Expire есть небольшое окно гонки; оно осознанно допустимо.
	if count == int64(g.cfg.MaxAttempts) {
		if err := g.cache.Expire(ctx, k, g.cfg.Window); err != nil {
			g.failOpen(ctx, op, identifier, err)
		}
	}

	return int(count)
}

// Reset удаляет счётчик; вызывается при успешной аутентификации.
func (g *Guard) Reset(ctx context.Context, identifier string) {
	const op = "lockout.Reset"

	if err := g.cache.Delete(ctx, key(identifier)); err != nil {
		g.failOpen(ctx, op, identifier, err)
	}
}

// LockoutTTL возвращает остаток времени блокировки (0 — блокировки нет).
func (g *Guard) LockoutTTL(ctx context.Context, identifier string) time.Duration {
	const op = "lockout.LockoutTTL"

	ttl, err := g.cache.TTL(ctx, key(identifier))
	if err != nil {
		g.failOpen(ctx, op, identifier, err)
		return 0
	}

	return ttl
}

func (g *Guard) failOpen(ctx context.Context, op, identifier string, err error) {
	log.From(ctx).Warn("lockout_cache_unavailable",
		slog.String("op", op),
		slog.String("identifier", redact.Email(identifier)),
		slog.String("err", err.Error()),
	)
}
