// upstream реализует брокер делегированных кредов для вызовов внешнего
// прайсинг-авторити: получение, кэширование и обновление bearer-токенов
// по OAuth 2.0 (гранты password, client_credentials и refresh_token).
//
// Конкурентная модель: горячий путь (свежий токен в кэше) безлоковый;
// медленный путь (refresh/получение) сериализован мьютексом на процесс,
// с повторной проверкой кэша под мьютексом. Это исключает лавину
// одинаковых запросов к авторити внутри процесса; дубли между процессами,
// разделяющими кэш, допустимы — кэш сходится к одному валидному токену.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lenderdesk/pricing-platform/auth-service/internal/cache"
	"github.com/lenderdesk/pricing-platform/auth-service/internal/config"
	"github.com/lenderdesk/pricing-platform/auth-service/internal/pkg/log"
	"github.com/lenderdesk/pricing-platform/auth-service/internal/pkg/redact"
)

// Буфер свежести: токен считается годным, пока до истечения больше 5 минут.
// Буфер применяется только при чтении; в кэше записи живут полный срок,
// который сообщило авторити.
const tokenExpiryBuffer = 5 * time.Minute

// Ключи кэша брокера (фиксированное пространство имён сервиса).
const (
	accessTokenKey   = "pricing:access_token"
	accessExpiryKey  = "pricing:token_expiry"
	refreshTokenKey  = "pricing:refresh_token"
	refreshExpiryKey = "pricing:refresh_expiry"
)

// Значения по умолчанию из контракта авторити: отсутствующий token_type
// означает "bearer", отсутствующий refresh_token_expires_in — 57599 секунд.
// Литералы зафиксированы интероп-тестами.
const (
	defaultTokenType        = "bearer"
	defaultExpiresIn        = int64(3600)
	defaultRefreshExpiresIn = int64(57599)
)

const egressIPURL = "https://api.ipify.org?format=json"

// environmentScopes — scope-URL авторити по окружению, если scope
// не задан в конфигурации явно.
var environmentScopes = map[string]string{
	"dev":        "https://api.lender.example/pricing-int",
	"staging":    "https://api.lender.example/pricing-stg",
	"production": "https://api.lender.example/pricing",
}

var (
	// ErrNotConfigured — не заданы обязательные креды клиента.
	ErrNotConfigured = errors.New("pricing authority credentials not configured")

	// ErrUnavailable — сетевой сбой или таймаут при обращении к авторити;
	// вызов безопасно повторять.
	ErrUnavailable = errors.New("pricing authority unavailable")

	// ErrRejected — авторити ответило не-200; безопасное сообщение
	// прикладывается к ошибке через Classify.
	ErrRejected = errors.New("pricing authority rejected the request")
)

// tokenResponse — успешный ответ токен-эндпоинта авторити.
type tokenResponse struct {
	AccessToken           string `json:"access_token"`
	TokenType             string `json:"token_type"`
	ExpiresIn             int64  `json:"expires_in"`
	RefreshToken          string `json:"refresh_token"`
	RefreshTokenExpiresIn int64  `json:"refresh_token_expires_in"`
}

// Broker выдаёт валидный bearer-токен авторити, получая и обновляя его
// по мере необходимости. Безопасен для конкурентного использования.
type Broker struct {
	cfg   config.UpstreamConfig
	env   string // окружение процесса; egress-прокси включается только в local
	cache cache.Cache
	httpc *http.Client
	retry retryPolicy
	ipURL string
	now   func() time.Time

	mu sync.Mutex // сериализует медленный путь (refresh/получение)
}

// New создаёт брокер поверх разделяемого кэша.
func New(cfg config.UpstreamConfig, env string, c cache.Cache) *Broker {
	transport := http.DefaultTransport
	if cfg.ProxyURL != "" && env == "local" {
		if proxyURL, err := url.Parse(cfg.ProxyURL); err == nil {
			transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
		}
	}

	return &Broker{
		cfg:   cfg,
		env:   env,
		cache: c,
		httpc: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		retry: defaultRetryPolicy(),
		ipURL: egressIPURL,
		now:   time.Now,
	}
}

// IsConfigured сообщает, заданы ли обязательные креды клиента.
// Username/Password опциональны: без них используется грант client_credentials.
func (b *Broker) IsConfigured() bool {
	return b.cfg.ClientID != "" && b.cfg.ClientSecret != ""
}

func (b *Broker) validateCredentials() error {
	var missing []string
	if b.cfg.ClientID == "" {
		missing = append(missing, "UPSTREAM_CLIENT_ID")
	}
	if b.cfg.ClientSecret == "" {
		missing = append(missing, "UPSTREAM_CLIENT_SECRET")
	}

	if len(missing) > 0 {
		return fmt.Errorf("%w: set %s", ErrNotConfigured, strings.Join(missing, ", "))
	}

	return nil
}

// grantType выбирает грант по наличию кредов пользователя.
func (b *Broker) grantType() string {
	if b.cfg.Username != "" && b.cfg.Password != "" {
		return "password"
	}

	return "client_credentials"
}

// scopeURL возвращает явный scope из конфигурации либо выводит его из окружения.
func (b *Broker) scopeURL() string {
	if b.cfg.Scope != "" {
		return b.cfg.Scope
	}

	if scope, ok := environmentScopes[b.cfg.Environment]; ok {
		return scope
	}

	return environmentScopes["dev"]
}

// GetAccessToken возвращает действующий access-токен авторити.
//
// Порядок:
//  1. безлоковое чтение кэша — горячий путь;
//  2. мьютекс + повторная проверка кэша (другой вызов мог успеть обновить);
//  3. refresh-грант по кэшированному refresh-токену;
//  4. при его отсутствии или неудаче — очистка кэша и полное получение
//     по сконфигурированному гранту.
//
// Неудача refresh наружу не отдаётся — ошибкой завершается только
// неудача полного получения.
func (b *Broker) GetAccessToken(ctx context.Context) (string, error) {
	const op = "upstream.GetAccessToken"

	if token, ok := b.cachedAccessToken(ctx); ok {
		return token, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if token, ok := b.cachedAccessToken(ctx); ok {
		return token, nil
	}

	lg := log.From(ctx)

	if refreshToken, ok := b.cachedRefreshToken(ctx); ok {
		tr, err := b.refreshAccessToken(ctx, refreshToken)
		if err == nil {
			b.cacheTokens(ctx, tr)
			return tr.AccessToken, nil
		}

		lg.Warn("upstream_refresh_failed_reauth",
			slog.String("op", op),
			slog.String("err", err.Error()),
		)
		b.clearCachedTokens(ctx)
	}

	tr, err := b.acquireToken(ctx)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	b.cacheTokens(ctx, tr)
	return tr.AccessToken, nil
}

// AuthorizationHeader возвращает заголовок авторизации с действующим токеном.
func (b *Broker) AuthorizationHeader(ctx context.Context) (map[string]string, error) {
	token, err := b.GetAccessToken(ctx)
	if err != nil {
		return nil, err
	}

	return map[string]string{"Authorization": "Bearer " + token}, nil
}

// Invalidate сбрасывает все кэшированные креды; следующий GetAccessToken
// гарантированно пойдёт к авторити. Вызывается после отказа авторити
// принять ранее выданный токен.
func (b *Broker) Invalidate(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.clearCachedTokens(ctx)
}

// acquireToken выполняет полное получение токена по сконфигурированному гранту.
func (b *Broker) acquireToken(ctx context.Context) (*tokenResponse, error) {
	const op = "upstream.acquireToken"

	if err := b.validateCredentials(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	lg := log.From(ctx)
	grantType := b.grantType()

	form := url.Values{}
	form.Set("grant_type", grantType)
	form.Set("client_id", b.cfg.ClientID)
	form.Set("client_secret", b.cfg.ClientSecret)
	form.Set("scope", b.scopeURL())

	if grantType == "password" {
		form.Set("username", b.cfg.Username)
		form.Set("password", b.cfg.Password)
	}

	lg.Info(fmt.Sprintf("Acquiring pricing authority token using %s grant", grantType))
	lg.Info(fmt.Sprintf("Sending OAuth request to: %s", b.cfg.TokenURL),
		slog.String("client_id", redact.ClientID(b.cfg.ClientID)),
		slog.String("scope", redact.Scope(b.scopeURL())),
	)

	tr, err := b.doTokenRequest(ctx, form)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	lg.Info("Successfully acquired pricing authority access token")
	return tr, nil
}

// refreshAccessToken обменивает refresh-токен на новую пару токенов.
func (b *Broker) refreshAccessToken(ctx context.Context, refreshToken string) (*tokenResponse, error) {
	const op = "upstream.refreshAccessToken"

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", b.cfg.ClientID)
	form.Set("client_secret", b.cfg.ClientSecret)
	form.Set("refresh_token", refreshToken)

	tr, err := b.doTokenRequest(ctx, form)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	// Авторити может не вернуть новый refresh-токен — старый остаётся в силе.
	if tr.RefreshToken == "" {
		tr.RefreshToken = refreshToken
	}

	log.From(ctx).Info("Successfully refreshed pricing authority access token")
	return tr, nil
}

// doTokenRequest выполняет form-urlencoded POST к токен-эндпоинту
// с политикой повторов на rate-limit ответах.
func (b *Broker) doTokenRequest(ctx context.Context, form url.Values) (*tokenResponse, error) {
	const op = "upstream.doTokenRequest"

	lg := log.From(ctx)

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.TokenURL, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := b.httpc.Do(req)
		if err != nil {
			lg.Error(fmt.Sprintf("Network error during pricing authority token request: %v", err))
			return nil, fmt.Errorf("%s: %w", op, ErrUnavailable)
		}

		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("%s: %w", op, ErrUnavailable)
		}

		if resp.StatusCode == http.StatusTooManyRequests && attempt+1 < b.retry.maxAttempts {
			delay := b.retry.backoff(attempt)
			lg.Warn(fmt.Sprintf("Pricing authority rate limited the request, retrying in %s", delay))
			if err := b.retry.sleep(ctx, delay); err != nil {
				return nil, fmt.Errorf("%s: %w", op, ErrUnavailable)
			}
			continue
		}

		if resp.StatusCode != http.StatusOK {
			message := classifyResponse(resp.StatusCode, body)
			lg.Error(message)
			return nil, fmt.Errorf("%s: %s: %w", op, message, ErrRejected)
		}

		var tr tokenResponse
		if err := json.Unmarshal(body, &tr); err != nil {
			return nil, fmt.Errorf("%s: malformed token response: %w", op, ErrRejected)
		}
		if tr.AccessToken == "" {
			return nil, fmt.Errorf("%s: missing access_token in response: %w", op, ErrRejected)
		}

		applyDefaults(&tr)
		return &tr, nil
	}
}

// applyDefaults подставляет контрактные значения по умолчанию
// для полей, которые авторити может опустить.
func applyDefaults(tr *tokenResponse) {
	if tr.TokenType == "" {
		tr.TokenType = defaultTokenType
	}
	if tr.ExpiresIn == 0 {
		tr.ExpiresIn = defaultExpiresIn
	}
	if tr.RefreshTokenExpiresIn == 0 {
		tr.RefreshTokenExpiresIn = defaultRefreshExpiresIn
	}
}

// cachedAccessToken читает access-токен из кэша и проверяет его свежесть
// с учётом буфера. Ошибки кэша трактуются как промах и логируются.
func (b *Broker) cachedAccessToken(ctx context.Context) (string, bool) {
	token, ok := b.cachedValue(ctx, accessTokenKey)
	if !ok {
		return "", false
	}

	expiry, ok := b.cachedUnix(ctx, accessExpiryKey)
	if !ok {
		return "", false
	}

	if b.now().Unix() >= expiry-int64(tokenExpiryBuffer.Seconds()) {
		return "", false
	}

	return token, true
}

// cachedRefreshToken читает refresh-токен из кэша; буфер свежести
// к refresh-токенам не применяется.
func (b *Broker) cachedRefreshToken(ctx context.Context) (string, bool) {
	token, ok := b.cachedValue(ctx, refreshTokenKey)
	if !ok {
		return "", false
	}

	expiry, ok := b.cachedUnix(ctx, refreshExpiryKey)
	if !ok {
		return "", false
	}

	if b.now().Unix() >= expiry {
		return "", false
	}

	return token, true
}

func (b *Broker) cachedValue(ctx context.Context, key string) (string, bool) {
	v, ok, err := b.cache.Get(ctx, key)
	if err != nil {
		log.From(ctx).Warn("upstream_cache_read_failed",
			slog.String("key", key),
			slog.String("err", err.Error()),
		)
		return "", false
	}

	return v, ok
}

func (b *Broker) cachedUnix(ctx context.Context, key string) (int64, bool) {
	v, ok := b.cachedValue(ctx, key)
	if !ok {
		return 0, false
	}

	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}

	return n, true
}

// cacheTokens записывает токены в кэш на полный срок жизни, который
// сообщило авторити. Ошибки кэша не фатальны: токен уже получен и будет
// возвращён вызывающему, пострадает только повторное использование.
func (b *Broker) cacheTokens(ctx context.Context, tr *tokenResponse) {
	lg := log.From(ctx)
	now := b.now()

	accessTTL := time.Duration(tr.ExpiresIn) * time.Second
	accessExpiry := strconv.FormatInt(now.Add(accessTTL).Unix(), 10)

	if err := b.cache.SetWithTTL(ctx, accessTokenKey, tr.AccessToken, accessTTL); err != nil {
		lg.Warn("upstream_cache_write_failed", slog.String("err", err.Error()))
		return
	}
	if err := b.cache.SetWithTTL(ctx, accessExpiryKey, accessExpiry, accessTTL); err != nil {
		lg.Warn("upstream_cache_write_failed", slog.String("err", err.Error()))
		return
	}

	if tr.RefreshToken == "" {
		return
	}

	refreshTTL := time.Duration(tr.RefreshTokenExpiresIn) * time.Second
	refreshExpiry := strconv.FormatInt(now.Add(refreshTTL).Unix(), 10)

	if err := b.cache.SetWithTTL(ctx, refreshTokenKey, tr.RefreshToken, refreshTTL); err != nil {
		lg.Warn("upstream_cache_write_failed", slog.String("err", err.Error()))
		return
	}
	if err := b.cache.SetWithTTL(ctx, refreshExpiryKey, refreshExpiry, refreshTTL); err != nil {
		lg.Warn("upstream_cache_write_failed", slog.String("err", err.Error()))
	}
}

func (b *Broker) clearCachedTokens(ctx context.Context) {
	err := b.cache.Delete(ctx,
		accessTokenKey,
		accessExpiryKey,
		refreshTokenKey,
		refreshExpiryKey,
	)
	if err != nil {
		log.From(ctx).Warn("upstream_cache_clear_failed", slog.String("err", err.Error()))
	}
}
