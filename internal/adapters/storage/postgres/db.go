package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"patient-record-access/internal/domain/accessgrants"
)

// Open abre un pool a Postgres usando pgx (database/sql).
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// EnsureSchema crea la tabla de grants si no existe. El índice secundario
// (patient_id, state) soporta el cap de emisión y el listado de revocación.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	const ddl = `
		CREATE TABLE IF NOT EXISTS access_grants (
			code        TEXT PRIMARY KEY,
			patient_id  TEXT NOT NULL,
			method      TEXT NOT NULL,
			state       TEXT NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL,
			expires_at  TIMESTAMPTZ NOT NULL,
			consumed_at TIMESTAMPTZ,
			revoked_at  TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS access_grants_patient_state_idx
			ON access_grants (patient_id, state);
	`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// storeErr marca fallas de infraestructura como transitorias, distintas de
// los estados terminales del grant.
func storeErr(op string, err error) error {
	return fmt.Errorf("postgres %s: %w", op, errors.Join(accessgrants.ErrStoreUnavailable, err))
}
