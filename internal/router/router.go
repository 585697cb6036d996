package router

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"time"

	patmem "patient-record-access/internal/adapters/patients/memory"
	"patient-record-access/internal/adapters/patients/portalapi"
	mem "patient-record-access/internal/adapters/storage/memory"
	pg "patient-record-access/internal/adapters/storage/postgres"
	rds "patient-record-access/internal/adapters/storage/redis"
	"patient-record-access/internal/domain/accessgrants"
	"patient-record-access/internal/middleware"
	"patient-record-access/internal/platform/logger"
	"patient-record-access/internal/ports/auth"
	"patient-record-access/internal/ports/patients"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

type Options struct {
	AuthVerifier auth.AuthVerifier // puede ser nil (modo dev)

	// Opcional: si viene, usa Postgres. Si no, prueba DB_DSN / REDIS_URL
	// por env y cae a in-memory.
	DB *sql.DB

	// Opcional: repo ya construido (main lo comparte con el reaper).
	Grants accessgrants.Repository

	// Opcional: proveedor de snapshots. Si es nil se usa el cliente HTTP
	// (PATIENTS_BASE_URL) o, en dev, un directorio in-memory vacío.
	Patients patients.SnapshotProvider

	Logger logger.Logger
}

func NewRouter(opts Options) http.Handler {
	log := opts.Logger
	if log == nil {
		log = logger.NewFromEnv()
	}

	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Use(middleware.AuthContext(opts.AuthVerifier))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	grantsRepo := opts.Grants
	if grantsRepo == nil {
		grantsRepo = BuildGrantsRepo(opts.DB, log)
	}
	provider := buildSnapshotProvider(opts, log)

	// El secret puede faltar en dev: se emite la respuesta sin doctor token.
	var tokens *accessgrants.TokenIssuer
	if t, err := accessgrants.NewTokenIssuer(os.Getenv("DOCTOR_TOKEN_SECRET")); err == nil {
		tokens = t
	} else {
		log.Warn("doctor token disabled", map[string]any{"err": err.Error()})
	}

	grantsSvc := accessgrants.NewService(grantsRepo, provider, tokens, os.Getenv("PUBLIC_BASE_URL"))
	accessgrants.RegisterRoutes(r, grantsSvc, log)

	return r
}

// BuildGrantsRepo elige backend: DB explícita > DB_DSN > REDIS_URL > in-memory.
// Lo usa main para compartir el mismo repo entre el router y el reaper.
func BuildGrantsRepo(db *sql.DB, log logger.Logger) accessgrants.Repository {
	if db == nil {
		if dsn := os.Getenv("DB_DSN"); dsn != "" {
			opened, err := pg.Open(dsn)
			if err != nil {
				log.Warn("postgres unavailable, falling back", map[string]any{"err": err.Error()})
			} else {
				db = opened
			}
		}
	}
	if db != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := pg.EnsureSchema(ctx, db); err != nil {
			log.Error("postgres schema", map[string]any{"err": err.Error()})
		}
		return pg.NewGrantsRepo(db)
	}

	if url := os.Getenv("REDIS_URL"); url != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rdb, err := rds.Open(ctx, url)
		if err != nil {
			log.Warn("redis unavailable, falling back", map[string]any{"err": err.Error()})
		} else {
			return rds.NewGrantsRepo(rdb)
		}
	}

	return mem.NewGrantsRepo()
}

func buildSnapshotProvider(opts Options, log logger.Logger) patients.SnapshotProvider {
	if opts.Patients != nil {
		return opts.Patients
	}

	if base := os.Getenv("PATIENTS_BASE_URL"); base != "" {
		p, err := portalapi.NewProvider(portalapi.Config{
			BaseURL: base,
			APIKey:  os.Getenv("PATIENTS_API_KEY"),
		})
		if err == nil {
			return p
		}
		log.Warn("patients provider misconfigured, using empty dev directory", map[string]any{"err": err.Error()})
	}

	return patmem.NewDirectory()
}
