// Package validation содержит функции валидации входных данных.
package validation

// MaxPrincipalLength ограничивает длину идентификатора учётной записи.
const MaxPrincipalLength = 128

// IsValidPrincipal проверяет синтаксис идентификатора учётной записи:
// латинские буквы, цифры и символы '.', '-', '_'. Точка не может стоять
// первой или последней (адрес контракта записывается как "адрес.имя").
func IsValidPrincipal(p string) bool {
	if p == "" || len(p) > MaxPrincipalLength {
		return false
	}
	if p[0] == '.' || p[len(p)-1] == '.' {
		return false
	}

	dots := 0
	for i := 0; i < len(p); i++ {
		ch := p[i]
		switch {
		case ch >= 'A' && ch <= 'Z', ch >= 'a' && ch <= 'z', ch >= '0' && ch <= '9':
		case ch == '-' || ch == '_':
		case ch == '.':
			dots++
			if dots > 1 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
