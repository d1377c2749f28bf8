package audit

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const redactedPlaceholder = "[REDACTED]"

// sensitiveKeys — значения под этими именами редактируются целиком,
// независимо от содержимого.
var sensitiveKeys = []string{
	"password", "secret", "token", "api_key", "credential", "bearer", "private_key",
}

var (
	// PEM-блоки приватных ключей вырезаются полностью
	rePEMBlock = regexp.MustCompile(`(?s)-----BEGIN [A-Z ]*PRIVATE KEY-----.*?-----END [A-Z ]*PRIVATE KEY-----`)

	// JWT: три base64url-сегмента через точки
	reJWT = regexp.MustCompile(`\beyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\b`)

	// 16-значные последовательности, похожие на номер карты (с пробелами/дефисами)
	reCardNumber = regexp.MustCompile(`\b(\d{4})[ -]?\d{4}[ -]?\d{4}[ -]?(\d{4})\b`)

	// Длинные алфавитно-цифровые токены (ключи API и т.п.)
	reLongToken = regexp.MustCompile(`\b[A-Za-z0-9_-]{32,}\b`)

	reEmail = regexp.MustCompile(`\b([A-Za-z0-9._%+-])([A-Za-z0-9._%+-]*)@([A-Za-z0-9.-]+\.[A-Za-z]{2,})\b`)
)

// Sanitizer приводит произвольный details-payload к виду, безопасному для
// персистентного журнала: структурная редакция по именам ключей, паттерны
// секретов внутри строк, усечение длинного свободного текста.
type Sanitizer struct {
	maxTextLen int
}

func NewSanitizer(maxTextLen int) *Sanitizer {
	if maxTextLen <= 0 {
		maxTextLen = 100
	}
	return &Sanitizer{maxTextLen: maxTextLen}
}

// Sanitize возвращает очищенную копию; вход не модифицируется.
// Запускается безусловно на каждом payload перед записью.
func (s *Sanitizer) Sanitize(details map[string]interface{}) map[string]interface{} {
	if details == nil {
		return nil
	}
	out := make(map[string]interface{}, len(details))
	for k, v := range details {
		if isSensitiveKey(k) {
			out[k] = redactedPlaceholder
			continue
		}
		out[k] = s.sanitizeValue(v)
	}
	return out
}

func (s *Sanitizer) sanitizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return s.Sanitize(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = s.sanitizeValue(item)
		}
		return out
	case []string:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = s.SanitizeString(item)
		}
		return out
	case string:
		return s.SanitizeString(val)
	default:
		return val
	}
}

// SanitizeString редактирует секреты, встроенные в обычный текст.
// Порядок проходов важен: PEM и JWT до общего правила длинных токенов,
// номера карт до него же (иначе токен-маска съест цифры).
func (s *Sanitizer) SanitizeString(in string) string {
	out := rePEMBlock.ReplaceAllString(in, "[PEM PRIVATE KEY REMOVED]")
	out = reJWT.ReplaceAllString(out, "[JWT REDACTED]")
	out = reCardNumber.ReplaceAllString(out, "$1********$2")
	out = reLongToken.ReplaceAllString(out, redactedPlaceholder)
	out = reEmail.ReplaceAllString(out, "$1****@$3")
	return s.truncate(out)
}

func (s *Sanitizer) truncate(in string) string {
	if utf8.RuneCountInString(in) <= s.maxTextLen {
		return in
	}
	runes := []rune(in)
	return string(runes[:s.maxTextLen]) + "...[truncated]"
}

func isSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, sk := range sensitiveKeys {
		if strings.Contains(k, sk) {
			return true
		}
	}
	return false
}
