package commerce

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// SignatureHeader — заголовок вебхука с HMAC-подписью тела запроса.
const SignatureHeader = "X-CC-Webhook-Signature"

// Sign возвращает hex-представление HMAC-SHA256 от body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// ValidSignature проверяет подпись сырого тела вебхука. Подпись обязана
// считаться по байтам до разбора JSON: повторная сериализация её ломает.
// Сравнение выполняется за постоянное время.
func ValidSignature(secret string, body []byte, signature string) bool {
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)

	return hmac.Equal(mac.Sum(nil), got)
}
