package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"patient-record-access/internal/domain/accessgrants"
)

const pgUniqueViolation = "23505"

const grantColumns = `code, patient_id, method, state, created_at, expires_at, consumed_at, revoked_at`

type GrantsRepo struct {
	db *sql.DB
}

func NewGrantsRepo(db *sql.DB) *GrantsRepo {
	return &GrantsRepo{db: db}
}

func (r *GrantsRepo) Create(ctx context.Context, g accessgrants.Grant) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO access_grants (`+grantColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`,
		g.Code,
		g.PatientID,
		string(g.Method),
		string(g.State),
		g.CreatedAt,
		g.ExpiresAt,
		toNullTime(g.ConsumedAt),
		toNullTime(g.RevokedAt),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return accessgrants.ErrDuplicateCode
		}
		return storeErr("create", err)
	}
	return nil
}

// GetAndConsume resuelve el consumo en un solo UPDATE condicional: la fila
// solo transiciona si sigue activa y dentro de ventana, así que bajo
// concurrencia exactamente un caller recibe la fila (row-level CAS).
// El borde es inclusivo: expires_at == now cuenta como vencido.
func (r *GrantsRepo) GetAndConsume(ctx context.Context, code string, now time.Time) (accessgrants.Grant, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE access_grants
		SET state = 'consumed', consumed_at = $2
		WHERE code = $1 AND state = 'active' AND expires_at > $2
		RETURNING `+grantColumns+`
	`, code, now)

	g, err := scanGrant(row)
	if err == nil {
		return g, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return accessgrants.Grant{}, storeErr("consume", err)
	}

	// No hubo transición: clasificar por qué. Todos los estados que podemos
	// observar acá son terminales (o vencidos), así que la lectura posterior
	// no pierde ninguna carrera relevante.
	g, err = r.GetByCode(ctx, code)
	if err != nil {
		return accessgrants.Grant{}, err
	}

	switch g.State {
	case accessgrants.StateConsumed:
		return accessgrants.Grant{}, accessgrants.ErrAlreadyUsed
	case accessgrants.StateRevoked:
		return accessgrants.Grant{}, accessgrants.ErrRevoked
	case accessgrants.StateExpired:
		return accessgrants.Grant{}, accessgrants.ErrExpired
	}

	// Sigue 'active' pero vencido: lazy-expiry, best effort.
	_, _ = r.db.ExecContext(ctx, `
		UPDATE access_grants SET state = 'expired'
		WHERE code = $1 AND state = 'active'
	`, code)
	return accessgrants.Grant{}, accessgrants.ErrExpired
}

func (r *GrantsRepo) GetByCode(ctx context.Context, code string) (accessgrants.Grant, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+grantColumns+`
		FROM access_grants
		WHERE code = $1
	`, code)

	g, err := scanGrant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return accessgrants.Grant{}, accessgrants.ErrNotFound
	}
	if err != nil {
		return accessgrants.Grant{}, storeErr("get", err)
	}
	return g, nil
}

func (r *GrantsRepo) Revoke(ctx context.Context, code string, now time.Time) (accessgrants.Grant, error) {
	// Solo transiciona desde 'active'; si ya es terminal queda como está.
	_, err := r.db.ExecContext(ctx, `
		UPDATE access_grants
		SET state = 'revoked', revoked_at = $2
		WHERE code = $1 AND state = 'active'
	`, code, now)
	if err != nil {
		return accessgrants.Grant{}, storeErr("revoke", err)
	}
	return r.GetByCode(ctx, code)
}

func (r *GrantsRepo) ListByPatient(ctx context.Context, patientID string, limit int) ([]accessgrants.Grant, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+grantColumns+`
		FROM access_grants
		WHERE patient_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, patientID, limit)
	if err != nil {
		return nil, storeErr("list", err)
	}
	defer rows.Close()

	out := make([]accessgrants.Grant, 0)
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, storeErr("list scan", err)
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list rows", err)
	}
	return out, nil
}

func (r *GrantsRepo) CountActiveByPatient(ctx context.Context, patientID string, now time.Time) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM access_grants
		WHERE patient_id = $1 AND state = 'active' AND expires_at > $2
	`, patientID, now).Scan(&count)
	if err != nil {
		return 0, storeErr("count active", err)
	}
	return count, nil
}

func (r *GrantsRepo) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE access_grants SET state = 'expired'
		WHERE state = 'active' AND expires_at <= $1
	`, now)
	if err != nil {
		return 0, storeErr("expire stale", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *GrantsRepo) PurgeBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM access_grants
		WHERE state <> 'active' AND created_at < $1
	`, cutoff)
	if err != nil {
		return 0, storeErr("purge", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGrant(row rowScanner) (accessgrants.Grant, error) {
	var g accessgrants.Grant
	var method, state string
	var consumedAt, revokedAt sql.NullTime

	if err := row.Scan(
		&g.Code,
		&g.PatientID,
		&method,
		&state,
		&g.CreatedAt,
		&g.ExpiresAt,
		&consumedAt,
		&revokedAt,
	); err != nil {
		return accessgrants.Grant{}, err
	}

	g.Method = accessgrants.Method(method)
	g.State = accessgrants.State(state)
	if consumedAt.Valid {
		t := consumedAt.Time
		g.ConsumedAt = &t
	}
	if revokedAt.Valid {
		t := revokedAt.Time
		g.RevokedAt = &t
	}
	return g, nil
}

func toNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
