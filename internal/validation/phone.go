// Package validation содержит функции валидации и нормализации входных данных.
package validation

import (
	"strings"
	"unicode"
)

// PhoneFormat описывает телефонный план страны.
type PhoneFormat struct {
	CountryCode    string
	TrunkPrefix    string
	NationalLength int
	LeadingDigits  string
}

// Nigeria описывает телефонный план, с которым работает платёжный шлюз.
var Nigeria = PhoneFormat{
	CountryCode:    "234",
	TrunkPrefix:    "0",
	NationalLength: 10,
	LeadingDigits:  "789",
}

// NormalizePhone приводит номер к международному виду по плану Nigeria.
func NormalizePhone(raw string) (string, bool) {
	return Nigeria.Normalize(raw)
}

// Normalize приводит номер к международному виду. Второе значение false означает,
// что формат не распознан и возвращена очищенная, но не изменённая строка.
//
// Номер, уже начинающийся с кода страны, сохраняет исходную форму: с "+" или без него.
func (f PhoneFormat) Normalize(raw string) (string, bool) {
	cleaned := cleanPhone(raw)

	hasPlus := strings.HasPrefix(cleaned, "+")
	digits := strings.TrimPrefix(cleaned, "+")
	if !isDigits(digits) {
		return cleaned, false
	}

	internationalLength := len(f.CountryCode) + f.NationalLength
	if strings.HasPrefix(digits, f.CountryCode) && len(digits) >= internationalLength {
		if hasPlus {
			return "+" + digits, true
		}
		return digits, true
	}

	if hasPlus {
		return cleaned, false
	}

	if strings.HasPrefix(digits, f.TrunkPrefix) && len(digits) == len(f.TrunkPrefix)+f.NationalLength {
		return "+" + f.CountryCode + digits[len(f.TrunkPrefix):], true
	}

	if len(digits) == f.NationalLength && strings.ContainsRune(f.LeadingDigits, rune(digits[0])) {
		return "+" + f.CountryCode + digits, true
	}

	return cleaned, false
}

func cleanPhone(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, ch := range raw {
		if unicode.IsSpace(ch) {
			continue
		}
		switch ch {
		case '(', ')', '-', '.':
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
