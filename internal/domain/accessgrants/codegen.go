package accessgrants

import (
	"crypto/rand"
	"fmt"
	"net/url"
	"strings"
)

const CodeLength = 8

// Alfabeto de 32 símbolos: mayúsculas + dígitos sin los ambiguos 0/O y 1/I.
// 32^8 ≈ 2^40 valores; fuerza bruta dentro de la ventana de 24h no es viable
// con rate limiting razonable.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// NewCode genera un código de acceso con crypto/rand.
// 256 % 32 == 0, así que indexar el alfabeto byte a byte no sesga la distribución.
func NewCode() (string, error) {
	buf := make([]byte, CodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("accessgrants: read entropy: %w", err)
	}

	out := make([]byte, CodeLength)
	for i, b := range buf {
		out[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(out), nil
}

// NormalizeCode deja el input del doctor listo para lookup (trim + mayúsculas).
func NormalizeCode(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

// ValidCode chequea largo y alfabeto sin tocar el store.
func ValidCode(code string) bool {
	if len(code) != CodeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		if !strings.ContainsRune(codeAlphabet, rune(code[i])) {
			return false
		}
	}
	return true
}

// QRPayload arma el payload escaneable para method=qr. Es una URL del portal
// con el código embebido; el render del PNG es un tema de presentación.
func QRPayload(publicBaseURL, code string) string {
	base := strings.TrimRight(strings.TrimSpace(publicBaseURL), "/")
	if base == "" {
		base = "https://portal.local"
	}
	return base + "/doctor/access?code=" + url.QueryEscape(code)
}

// CodeFromQRPayload recupera el código desde un payload de QRPayload.
// Propiedad requerida: decode(encode(code)) == code.
func CodeFromQRPayload(payload string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(payload))
	if err != nil {
		return "", ErrInvalidInput
	}
	code := NormalizeCode(u.Query().Get("code"))
	if !ValidCode(code) {
		return "", ErrInvalidInput
	}
	return code, nil
}
