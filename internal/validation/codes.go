// Package validation содержит функции валидации входных данных.
package validation

import "strings"

const (
	// CodeAlphabet содержит символы реферальных кодов и кодов ваучеров.
	CodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	// CodeLength задаёт длину случайной части кода.
	CodeLength = 8
	// VoucherPrefix предшествует случайной части кода ваучера.
	VoucherPrefix = "V-"
)

// NormalizeCode приводит введённый код к верхнему регистру и убирает пробелы по краям.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// IsValidReferralCode проверяет, что код состоит из CodeLength символов алфавита кодов.
func IsValidReferralCode(code string) bool {
	if len(code) != CodeLength {
		return false
	}

	for i := 0; i < len(code); i++ {
		if strings.IndexByte(CodeAlphabet, code[i]) < 0 {
			return false
		}
	}

	return true
}

// IsValidVoucherCode проверяет формат кода ваучера: префикс V- и реферальный формат после него.
func IsValidVoucherCode(code string) bool {
	rest, ok := strings.CutPrefix(code, VoucherPrefix)
	if !ok {
		return false
	}
	return IsValidReferralCode(rest)
}
