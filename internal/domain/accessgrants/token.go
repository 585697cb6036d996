package accessgrants

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Sesión de doctor tras verificar un código: corta, porque el código ya fue
// consumido y no hay forma de renovarla.
const doctorTokenTTL = 2 * time.Hour

var ErrTokenSecretMissing = errors.New("doctor token secret not configured")

// TokenIssuer firma los tokens de sesión de doctor (HS256).
type TokenIssuer struct {
	secret []byte
	now    func() time.Time
}

func NewTokenIssuer(secret string) (*TokenIssuer, error) {
	if secret == "" {
		return nil, ErrTokenSecretMissing
	}
	return &TokenIssuer{
		secret: []byte(secret),
		now:    time.Now,
	}, nil
}

// DoctorToken emite un JWT de solo lectura ligado al paciente verificado.
func (t *TokenIssuer) DoctorToken(patientID string) (string, error) {
	now := t.now().UTC()

	claims := jwt.MapClaims{
		"jti":         uuid.NewString(),
		"patient_id":  patientID,
		"access_type": "doctor",
		"iat":         now.Unix(),
		"exp":         now.Add(doctorTokenTTL).Unix(),
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}
