package auth

import "context"

// AuthVerifier verifica el token de sesión del paciente contra el servicio
// de auth del portal y devuelve claims o error.
type AuthVerifier interface {
	Verify(ctx context.Context, token string) (Claims, error)
}
