package accessgrants

import "time"

// Method define cómo se entrega el código al doctor.
// @Enum otp, qr
type Method string

const (
	MethodOTP Method = "otp"
	MethodQR  Method = "qr"
)

type State string

const (
	StateActive   State = "active"
	StateConsumed State = "consumed"
	StateExpired  State = "expired"
	StateRevoked  State = "revoked"
)

const (
	// TTL fijo de 24h desde la emisión.
	GrantTTL = 24 * time.Hour

	// Retención para auditoría antes de que el reaper purgue terminales.
	RetentionWindow = 30 * 24 * time.Hour
)

// Grant es una credencial de un solo uso, acotada en el tiempo,
// que autoriza UNA lectura del snapshot del paciente. Code es la PK.
type Grant struct {
	Code string

	PatientID string

	Method Method
	State  State

	CreatedAt time.Time
	ExpiresAt time.Time

	ConsumedAt *time.Time
	RevokedAt  *time.Time
}

// Terminal indica si el grant ya no puede transicionar.
// active -> {consumed, expired, revoked}; los tres son finales.
func (g Grant) Terminal() bool {
	return g.State != StateActive
}

// ExpiredAt es la regla única de expiración (lazy-check y reaper deben coincidir).
// Borde inclusivo: now == ExpiresAt cuenta como expirado.
// Skew negativo entre nodos: si now quedó antes de CreatedAt, se evalúa contra CreatedAt.
func (g Grant) ExpiredAt(now time.Time) bool {
	if now.Before(g.CreatedAt) {
		now = g.CreatedAt
	}
	return !now.Before(g.ExpiresAt)
}
