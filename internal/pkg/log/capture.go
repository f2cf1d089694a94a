package log

import (
	"context"
	"log/slog"
	"sync"
)

// CaptureHandler — slog.Handler, собирающий сообщения в упорядоченный список.
// Используется диагностикой подключения к внешнему авторити: оператор получает
// человекочитаемую хронологию попытки вместо разбора серверных логов.
// Записывается только текст сообщения, атрибуты не рендерятся.
type CaptureHandler struct {
	mu    sync.Mutex
	lines []string
}

// NewCapture создаёт пустой обработчик-накопитель.
func NewCapture() *CaptureHandler {
	return &CaptureHandler{}
}

func (h *CaptureHandler) Enabled(_ context.Context, _ slog.Level) bool { return true }

func (h *CaptureHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lines = append(h.lines, r.Message)
	return nil
}

func (h *CaptureHandler) WithAttrs(_ []slog.Attr) slog.Handler { return h }

func (h *CaptureHandler) WithGroup(_ string) slog.Handler { return h }

// Lines возвращает копию накопленных сообщений в порядке записи.
func (h *CaptureHandler) Lines() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]string, len(h.lines))
	copy(out, h.lines)
	return out
}
