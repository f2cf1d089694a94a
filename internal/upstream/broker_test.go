package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/lenderdesk/pricing-platform/auth-service/internal/cache"
	"github.com/lenderdesk/pricing-platform/auth-service/internal/config"
)

// newTestCache поднимает miniredis и оборачивает его в кэш брокера.
func newTestCache(t *testing.T) (cache.Cache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := cache.NewFromClient(rdb)
	t.Cleanup(func() { _ = c.Close() })

	return c, mr
}

func testUpstreamConfig(tokenURL string) config.UpstreamConfig {
	return config.UpstreamConfig{
		TokenURL:     tokenURL,
		ClientID:     "test-client-id",
		ClientSecret: "test-client-secret",
		Username:     "svc-user",
		Password:     "svc-pass",
		Environment:  "dev",
		Timeout:      5 * time.Second,
	}
}

func newTestBroker(t *testing.T, tokenURL string) (*Broker, *miniredis.Miniredis) {
	t.Helper()

	c, mr := newTestCache(t)
	b := New(testUpstreamConfig(tokenURL), "dev", c)
	// повторы без реальных задержек
	b.retry.sleep = func(_ context.Context, _ time.Duration) error { return nil }

	return b, mr
}

func writeTokenResponse(t *testing.T, w http.ResponseWriter, access, refresh string) {
	t.Helper()

	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(map[string]any{
		"access_token":             access,
		"token_type":               "bearer",
		"expires_in":               3600,
		"refresh_token":            refresh,
		"refresh_token_expires_in": 57599,
	})
	require.NoError(t, err)
}

func TestBroker_GetAccessToken_AcquiresAndCaches(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "password", r.Form.Get("grant_type"))
		require.Equal(t, "test-client-id", r.Form.Get("client_id"))
		require.Equal(t, "svc-user", r.Form.Get("username"))
		require.Equal(t, "https://api.lender.example/pricing-int", r.Form.Get("scope"))
		writeTokenResponse(t, w, "access-1", "refresh-1")
	}))
	defer srv.Close()

	b, _ := newTestBroker(t, srv.URL)
	ctx := context.Background()

	token, err := b.GetAccessToken(ctx)
	require.NoError(t, err)
	require.Equal(t, "access-1", token)

	// повторный вызов идёт из кэша, к авторити не ходим
	token, err = b.GetAccessToken(ctx)
	require.NoError(t, err)
	require.Equal(t, "access-1", token)
	require.Equal(t, int64(1), calls.Load())
}

func TestBroker_GetAccessToken_ClientCredentialsWhenNoUserCreds(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "client_credentials", r.Form.Get("grant_type"))
		require.Empty(t, r.Form.Get("username"))
		writeTokenResponse(t, w, "access-cc", "")
	}))
	defer srv.Close()

	c, _ := newTestCache(t)
	cfg := testUpstreamConfig(srv.URL)
	cfg.Username = ""
	cfg.Password = ""
	b := New(cfg, "dev", c)

	token, err := b.GetAccessToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, "access-cc", token)
}

func TestBroker_GetAccessToken_NotConfigured(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(t)
	b := New(config.UpstreamConfig{TokenURL: "http://unused", Timeout: time.Second}, "dev", c)

	_, err := b.GetAccessToken(context.Background())
	require.ErrorIs(t, err, ErrNotConfigured)
	require.Contains(t, err.Error(), "UPSTREAM_CLIENT_ID")
	require.Contains(t, err.Error(), "UPSTREAM_CLIENT_SECRET")
	require.False(t, b.IsConfigured())
}

func TestBroker_GetAccessToken_FreshnessBuffer(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		writeTokenResponse(t, w, fmt.Sprintf("access-%d", n), "")
	}))
	defer srv.Close()

	b, _ := newTestBroker(t, srv.URL)
	ctx := context.Background()

	base := time.Now()
	b.now = func() time.Time { return base }

	token, err := b.GetAccessToken(ctx)
	require.NoError(t, err)
	require.Equal(t, "access-1", token)

	// за 4 минуты до истечения токен формально жив, но внутри буфера —
	// брокер обязан получить новый
	b.now = func() time.Time { return base.Add(3600*time.Second - 4*time.Minute) }

	token, err = b.GetAccessToken(ctx)
	require.NoError(t, err)
	require.Equal(t, "access-2", token)
	require.Equal(t, int64(2), calls.Load())
}

func TestBroker_GetAccessToken_RefreshGrant(t *testing.T) {
	t.Parallel()

	var grants []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		mu.Lock()
		grants = append(grants, r.Form.Get("grant_type"))
		n := len(grants)
		mu.Unlock()

		if r.Form.Get("grant_type") == "refresh_token" {
			require.Equal(t, "refresh-1", r.Form.Get("refresh_token"))
		}
		writeTokenResponse(t, w, fmt.Sprintf("access-%d", n), "")
	}))
	defer srv.Close()

	b, _ := newTestBroker(t, srv.URL)
	ctx := context.Background()

	base := time.Now()
	b.now = func() time.Time { return base }

	// первое получение кладёт refresh-токен в кэш вручную: авторити выше
	// не возвращает refresh, поэтому сажаем его отдельно
	b.cacheTokens(ctx, &tokenResponse{
		AccessToken:           "stale-access",
		ExpiresIn:             1, // истечёт мгновенно с учётом буфера
		RefreshToken:          "refresh-1",
		RefreshTokenExpiresIn: 57599,
	})

	token, err := b.GetAccessToken(ctx)
	require.NoError(t, err)
	require.Equal(t, "access-1", token)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"refresh_token"}, grants)
}

func TestBroker_GetAccessToken_RefreshFailureFallsBack(t *testing.T) {
	t.Parallel()

	var grants []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		grant := r.Form.Get("grant_type")
		mu.Lock()
		grants = append(grants, grant)
		mu.Unlock()

		if grant == "refresh_token" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"MSIS9312: Code was already redeemed."}`))
			return
		}
		writeTokenResponse(t, w, "access-full", "refresh-new")
	}))
	defer srv.Close()

	b, _ := newTestBroker(t, srv.URL)
	ctx := context.Background()

	base := time.Now()
	b.now = func() time.Time { return base }

	b.cacheTokens(ctx, &tokenResponse{
		AccessToken:           "stale-access",
		ExpiresIn:             1,
		RefreshToken:          "refresh-dead",
		RefreshTokenExpiresIn: 57599,
	})

	token, err := b.GetAccessToken(ctx)
	require.NoError(t, err)
	require.Equal(t, "access-full", token)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"refresh_token", "password"}, grants)
}

func TestBroker_GetAccessToken_SingleFlight(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond) // растягиваем окно гонки
		writeTokenResponse(t, w, "access-sf", "refresh-sf")
	}))
	defer srv.Close()

	b, _ := newTestBroker(t, srv.URL)
	ctx := context.Background()

	const workers = 16
	var wg sync.WaitGroup
	errs := make([]error, workers)
	tokens := make([]string, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = b.GetAccessToken(ctx)
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, "access-sf", tokens[i])
	}
	require.Equal(t, int64(1), calls.Load())
}

func TestBroker_Invalidate(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := calls.Add(1)
		writeTokenResponse(t, w, fmt.Sprintf("access-%d", n), fmt.Sprintf("refresh-%d", n))
	}))
	defer srv.Close()

	b, _ := newTestBroker(t, srv.URL)
	ctx := context.Background()

	token, err := b.GetAccessToken(ctx)
	require.NoError(t, err)
	require.Equal(t, "access-1", token)

	b.Invalidate(ctx)

	// после инвалидации нет ни access-, ни refresh-токена:
	// следующее получение — полный грант
	token, err = b.GetAccessToken(ctx)
	require.NoError(t, err)
	require.Equal(t, "access-2", token)
	require.Equal(t, int64(2), calls.Load())
}

func TestBroker_GetAccessToken_RetriesOnRateLimit(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		writeTokenResponse(t, w, "access-after-429", "")
	}))
	defer srv.Close()

	b, _ := newTestBroker(t, srv.URL)

	token, err := b.GetAccessToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, "access-after-429", token)
	require.Equal(t, int64(3), calls.Load())
}

func TestBroker_GetAccessToken_RateLimitExhausted(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	b, _ := newTestBroker(t, srv.URL)

	_, err := b.GetAccessToken(context.Background())
	require.ErrorIs(t, err, ErrRejected)
	require.Equal(t, int64(3), calls.Load())
}

func TestBroker_GetAccessToken_RejectedCarriesSafeMessage(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_client","error_description":"MSIS9605: Invalid client."}`))
	}))
	defer srv.Close()

	b, _ := newTestBroker(t, srv.URL)

	_, err := b.GetAccessToken(context.Background())
	require.ErrorIs(t, err, ErrRejected)
	require.Contains(t, err.Error(), "Invalid pricing authority client ID or secret")
	// сырая диагностика авторити наружу не протекает
	require.NotContains(t, err.Error(), "MSIS9605")
}

func TestBroker_GetAccessToken_NetworkErrorUnavailable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // соединение будет отклонено

	b, _ := newTestBroker(t, srv.URL)

	_, err := b.GetAccessToken(context.Background())
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestBroker_AuthorizationHeader(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeTokenResponse(t, w, "access-hdr", "")
	}))
	defer srv.Close()

	b, _ := newTestBroker(t, srv.URL)

	hdr, err := b.AuthorizationHeader(context.Background())
	require.NoError(t, err)
	require.Equal(t, map[string]string{"Authorization": "Bearer access-hdr"}, hdr)
}

func TestBroker_TokenResponseDefaults(t *testing.T) {
	t.Parallel()

	tr := &tokenResponse{AccessToken: "a"}
	applyDefaults(tr)
	require.Equal(t, "bearer", tr.TokenType)
	require.Equal(t, int64(3600), tr.ExpiresIn)
	require.Equal(t, int64(57599), tr.RefreshTokenExpiresIn)

	tr = &tokenResponse{AccessToken: "a", TokenType: "Bearer", ExpiresIn: 120, RefreshTokenExpiresIn: 600}
	applyDefaults(tr)
	require.Equal(t, "Bearer", tr.TokenType)
	require.Equal(t, int64(120), tr.ExpiresIn)
	require.Equal(t, int64(600), tr.RefreshTokenExpiresIn)
}

func TestBroker_TestConnection(t *testing.T) {
	t.Parallel()

	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeTokenResponse(t, w, "access-diag", "")
	}))
	defer tokenSrv.Close()

	ipSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"ip":"203.0.113.42"}`))
	}))
	defer ipSrv.Close()

	b, _ := newTestBroker(t, tokenSrv.URL)
	b.ipURL = ipSrv.URL

	report := b.TestConnection(context.Background())
	require.True(t, report.Success)
	require.Empty(t, report.Error)
	require.Equal(t, "203.*.*.*", report.OutgoingIP)
	require.Equal(t, tokenSrv.URL, report.Endpoint)
	require.Equal(t, "password", report.GrantType)
	require.Contains(t, report.ClientID, "***")
	require.Contains(t, report.Scope, "***")
	require.NotEmpty(t, report.Logs)
	require.Contains(t, report.Logs, "Successfully acquired pricing authority access token")
}

func TestBroker_TestConnection_Failure(t *testing.T) {
	t.Parallel()

	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"MSIS7065","error_description":"MSIS7065: bad creds"}`))
	}))
	defer tokenSrv.Close()

	ipSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"ip":"198.51.100.7"}`))
	}))
	defer ipSrv.Close()

	b, _ := newTestBroker(t, tokenSrv.URL)
	b.ipURL = ipSrv.URL

	report := b.TestConnection(context.Background())
	require.False(t, report.Success)
	require.Contains(t, report.Error, "Invalid pricing authority username or password")
	require.Equal(t, "198.*.*.*", report.OutgoingIP)
	require.NotEmpty(t, report.Logs)
}

// TestConnection ходит в обход кэша и не трогает рабочие токены.
func TestBroker_TestConnection_BypassesCache(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := calls.Add(1)
		writeTokenResponse(t, w, fmt.Sprintf("access-%d", n), "")
	}))
	defer tokenSrv.Close()

	ipSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"ip":"192.0.2.1"}`))
	}))
	defer ipSrv.Close()

	b, _ := newTestBroker(t, tokenSrv.URL)
	b.ipURL = ipSrv.URL
	ctx := context.Background()

	token, err := b.GetAccessToken(ctx)
	require.NoError(t, err)
	require.Equal(t, "access-1", token)

	report := b.TestConnection(ctx)
	require.True(t, report.Success)
	require.Equal(t, int64(2), calls.Load())

	// рабочий кэш не пострадал
	token, err = b.GetAccessToken(ctx)
	require.NoError(t, err)
	require.Equal(t, "access-1", token)
}

func TestBroker_ScopeURL(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(t)

	cfg := testUpstreamConfig("http://unused")
	cfg.Environment = "production"
	b := New(cfg, "dev", c)
	require.Equal(t, "https://api.lender.example/pricing", b.scopeURL())

	cfg.Environment = "staging"
	b = New(cfg, "dev", c)
	require.Equal(t, "https://api.lender.example/pricing-stg", b.scopeURL())

	cfg.Environment = "nonsense"
	b = New(cfg, "dev", c)
	require.Equal(t, "https://api.lender.example/pricing-int", b.scopeURL())

	cfg.Scope = "https://override.example/custom"
	b = New(cfg, "dev", c)
	require.Equal(t, "https://override.example/custom", b.scopeURL())
}
