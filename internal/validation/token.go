// Package validation содержит функции валидации входных данных.
package validation

// PlayTokenLength — длина игрового токена: 32 случайных байта в base64url.
const PlayTokenLength = 43

// IsValidPlayToken проверяет формат игрового токена: фиксированная длина
// и URL-safe-алфавит base64. Позволяет отсеять мусор до обращения к БД.
func IsValidPlayToken(token string) bool {
	if len(token) != PlayTokenLength {
		return false
	}

	for i := 0; i < len(token); i++ {
		c := token[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_':
		default:
			return false
		}
	}

	return true
}
