package accessgrants

import (
	"context"
	"time"
)

// Repository es el contrato del store de grants. GetAndConsume es LA operación
// crítica: debe ser linealizable por código en cualquier backend (mutex
// in-memory, UPDATE condicional en Postgres, script Lua en Redis).
type Repository interface {
	// Create falla con ErrDuplicateCode si un grant activo no expirado
	// ya ocupa ese código. El issuer reintenta generación, no el caller.
	Create(ctx context.Context, g Grant) error

	// GetAndConsume resuelve en un solo paso atómico:
	//   - sin grant            => ErrNotFound
	//   - consumed             => ErrAlreadyUsed
	//   - revoked              => ErrRevoked
	//   - vencido (lazy)       => marca expired y devuelve ErrExpired
	//   - active dentro de ventana => transición a consumed, setea ConsumedAt
	// Bajo N llamadas concurrentes sobre el mismo código: exactamente un
	// éxito, el resto ErrAlreadyUsed. Nunca dos éxitos.
	GetAndConsume(ctx context.Context, code string, now time.Time) (Grant, error)

	// GetByCode lee sin consumir (ownership check, auditoría).
	GetByCode(ctx context.Context, code string) (Grant, error)

	// Revoke es idempotente; sobre estados terminales no hace nada.
	Revoke(ctx context.Context, code string, now time.Time) (Grant, error)

	// ListByPatient devuelve los grants del paciente, más recientes primero.
	ListByPatient(ctx context.Context, patientID string, limit int) ([]Grant, error)

	// CountActiveByPatient cuenta grants activos y no vencidos (cap de emisión).
	CountActiveByPatient(ctx context.Context, patientID string, now time.Time) (int, error)

	// ExpireStale pasa a expired todo grant activo ya vencido. Lo usa el reaper.
	ExpireStale(ctx context.Context, now time.Time) (int, error)

	// PurgeBefore borra grants terminales creados antes del corte de retención.
	PurgeBefore(ctx context.Context, cutoff time.Time) (int, error)
}
