// ids.go — генерация номеров заказов и токенов доступа трекера.
package service

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"
)

// Алфавит Crockford base32: без I, L, O, U.
const crockfordAlphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

const (
	orderIDPrefix = "RG"
	orderIDLength = 8
	tokenBytes    = 32
)

// newOrderID генерирует номер заказа вида RG7K3M9Q2X.
// Номер не содержит "-", поэтому ссылка {orderId}-{token} разбирается
// по первому дефису.
func newOrderID() (string, error) {
	buf := make([]byte, orderIDLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("генерация номера заказа: %w", err)
	}
	var b strings.Builder
	b.WriteString(orderIDPrefix)
	for _, v := range buf {
		b.WriteByte(crockfordAlphabet[int(v)%len(crockfordAlphabet)])
	}
	return b.String(), nil
}

// newAccessToken генерирует секрет ссылки трекера: 32 случайных байта
// в base64url без выравнивания.
func newAccessToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("генерация токена доступа: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// tokensEqual сравнивает токены за время, не зависящее от совпадающего префикса.
func tokensEqual(stored, supplied string) bool {
	return subtle.ConstantTimeCompare([]byte(stored), []byte(supplied)) == 1
}

// ParseTrackerRef разбирает "{orderId}-{accessToken}" по первому дефису.
// Токен может содержать "-", номер заказа — нет.
func ParseTrackerRef(ref string) (orderID, token string, ok bool) {
	orderID, token, found := strings.Cut(ref, "-")
	if !found || orderID == "" || token == "" {
		return "", "", false
	}
	return orderID, token, true
}
