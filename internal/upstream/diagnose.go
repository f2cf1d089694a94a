package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/lenderdesk/pricing-platform/auth-service/internal/pkg/log"
	"github.com/lenderdesk/pricing-platform/auth-service/internal/pkg/redact"
)

// ConnectionReport — результат диагностической проверки связи с авторити.
// Идентификаторы клиента и IP замаскированы и пригодны для показа оператору.
type ConnectionReport struct {
	Success    bool     `json:"success"`
	OutgoingIP string   `json:"outgoing_ip"`
	Endpoint   string   `json:"endpoint"`
	ClientID   string   `json:"client_id"`
	Scope      string   `json:"scope"`
	GrantType  string   `json:"grant_type"`
	Error      string   `json:"error,omitempty"`
	Logs       []string `json:"logs"`
}

// TestConnection выполняет полное получение токена в обход кэша и собирает
// отчёт: замаскированный egress-IP, параметры запроса и журнал шагов.
// Кэш намеренно не трогается — диагностика не влияет на рабочие токены.
func (b *Broker) TestConnection(ctx context.Context) ConnectionReport {
	capture := log.NewCapture()
	lg := slog.New(capture)
	ctx = log.Into(ctx, lg)

	report := ConnectionReport{
		OutgoingIP: b.egressIP(ctx),
		Endpoint:   b.cfg.TokenURL,
		ClientID:   redact.ClientID(b.cfg.ClientID),
		Scope:      redact.Scope(b.scopeURL()),
		GrantType:  b.grantType(),
	}

	lg.Info(fmt.Sprintf("Egress IP (masked): %s", report.OutgoingIP))

	if _, err := b.acquireToken(ctx); err != nil {
		report.Error = err.Error()
	} else {
		report.Success = true
	}

	report.Logs = capture.Lines()
	return report
}

// egressIP определяет внешний IP процесса через публичный сервис
// и маскирует его до первого октета. Сбой определения не фатален.
func (b *Broker) egressIP(ctx context.Context) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.ipURL, nil)
	if err != nil {
		return redact.IP("")
	}

	resp, err := b.httpc.Do(req)
	if err != nil {
		log.From(ctx).Warn("egress_ip_lookup_failed", slog.String("err", err.Error()))
		return redact.IP("")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return redact.IP("")
	}

	var payload struct {
		IP string `json:"ip"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return redact.IP("")
	}

	return redact.IP(payload.IP)
}
