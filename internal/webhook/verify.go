// Package webhook проверяет подписи уведомлений провайдера и приводит
// их к доменным событиям (domain.DeliveryEvent, domain.ReplyEvent).
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// MaxSkew: допустимое расхождение timestamp подписи с текущим временем.
const MaxSkew = 15 * time.Minute

// Verify проверяет подпись: HMAC-SHA256(key, timestamp+token) в hex.
// timestamp: unix-секунды, отличающиеся от now не больше чем на MaxSkew.
func Verify(key, timestamp, token, signature string, now time.Time) bool {
	if key == "" || timestamp == "" || token == "" || signature == "" {
		return false
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	skew := now.Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > MaxSkew {
		return false
	}

	expected := Sign(key, timestamp, token)
	return hmac.Equal([]byte(signature), []byte(expected))
}

// Sign вычисляет подпись для пары timestamp и token.
func Sign(key, timestamp, token string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(timestamp))
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}
