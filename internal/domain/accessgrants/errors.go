package accessgrants

import "errors"

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrForbidden    = errors.New("forbidden")

	// Estados del grant en verificación. Nunca cruzan el borde HTTP tal cual:
	// el handler los colapsa en una única denegación opaca.
	ErrNotFound    = errors.New("grant not found")
	ErrAlreadyUsed = errors.New("grant already used")
	ErrExpired     = errors.New("grant expired")
	ErrRevoked     = errors.New("grant revoked")

	// Emisión. Estos sí se distinguen hacia afuera (no filtran nada del keyspace).
	ErrDuplicateCode       = errors.New("code already in use")
	ErrRateLimited         = errors.New("too many active codes")
	ErrIssuanceExhausted   = errors.New("could not allocate a unique code")
	ErrStoreUnavailable    = errors.New("grant store unavailable")
	ErrSnapshotUnavailable = errors.New("patient snapshot unavailable")
)
