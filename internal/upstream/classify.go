package upstream

import (
	"encoding/json"
	"fmt"
	"strings"
)

// errorMapping — строка таблицы известных кодов ошибок авторити.
type errorMapping struct {
	code    string
	message string
}

// errorMessages — таблица соответствия кодов SSO прайсинг-авторити
// стабильным безопасным сообщениям. Таблица данных, а не ветвление:
// новый код добавляется строкой, без правок в местах вызова.
// Коды MSIS* авторити кладёт в error_description, стандартные OAuth-коды — в error.
var errorMessages = []errorMapping{
	{"MSIS7065", "Invalid pricing authority username or password. Please verify credentials."},
	{"MSIS9605", "Invalid pricing authority client ID or secret. Please verify OAuth credentials."},
	{"MSIS9611", "Invalid pricing authority scope value. Please verify environment configuration."},
	{"invalid_grant", "Pricing authority OAuth credentials expired or already used. Please contact support."},
	{"invalid_client", "Invalid pricing authority OAuth client credentials."},
}

// Classify отображает код/описание ошибки авторити в стабильное безопасное
// сообщение. Совпадение — точное по коду либо по подстроке в описании.
// Для неизвестного кода с непустым описанием возвращается обёртка с самим
// описанием, без описания — обёртка с кодом.
func Classify(code, description string) string {
	for _, m := range errorMessages {
		if m.code == code || (description != "" && strings.Contains(description, m.code)) {
			return m.message
		}
	}

	if description != "" {
		return fmt.Sprintf("pricing authority OAuth error: %s", description)
	}

	if code == "" {
		code = "unknown error"
	}

	return fmt.Sprintf("pricing authority OAuth error: %s", code)
}

// oauthErrorBody — тело ошибки токен-эндпоинта (RFC 6749 §5.2).
type oauthErrorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// classifyResponse разбирает тело не-200 ответа и возвращает безопасное
// сообщение. Нечитаемое тело сводится к сообщению с HTTP-статусом.
func classifyResponse(statusCode int, body []byte) string {
	var eb oauthErrorBody
	if err := json.Unmarshal(body, &eb); err != nil || (eb.Error == "" && eb.ErrorDescription == "") {
		return fmt.Sprintf("pricing authority OAuth request failed with status %d", statusCode)
	}

	return Classify(eb.Error, eb.ErrorDescription)
}
