// redact содержит помощники маскирования чувствительных значений в логах
// и диагностических отчётах. Правила согласованы с тем, что допустимо
// показывать оператору: домен e-mail, первый октет IP, префикс client id.
package redact

import "strings"

// Email маскирует локальную часть адреса, сохраняя домен.
func Email(s string) string {
	parts := strings.Split(s, "@")
	if len(parts) != 2 {
		return "***"
	}

	local, domain := parts[0], parts[1]
	if r := []rune(local); len(r) > 2 {
		local = string(r[:2]) + "***"
	} else {
		local = "***"
	}

	return local + "@" + domain
}

// IP оставляет только первый октет адреса.
func IP(s string) string {
	if s == "" {
		return "Unknown"
	}

	octets := strings.Split(s, ".")
	if len(octets) != 4 {
		return "***"
	}

	return octets[0] + ".*.*.*"
}

// ClientID показывает первые 20 символов идентификатора клиента.
func ClientID(s string) string {
	if r := []rune(s); len(r) > 20 {
		return string(r[:20]) + "***"
	}

	return "***"
}

// Scope показывает первые 30 символов scope-значения.
func Scope(s string) string {
	if r := []rune(s); len(r) > 30 {
		return string(r[:30]) + "***"
	}

	return "***"
}

func Token() string    { return "[REDACTED_TOKEN]" }
func Password() string { return "[REDACTED_PASSWORD]" }
