package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"patient-record-access/internal/adapters/auth/portalauth"
	"patient-record-access/internal/domain/accessgrants"
	"patient-record-access/internal/platform/logger"
	"patient-record-access/internal/ports/auth"
	"patient-record-access/internal/router"
)

func main() {
	// .env local para dev; en deploy las vars vienen del entorno.
	_ = godotenv.Load()

	log := logger.NewFromEnv()

	addr := ":8080"
	if v := os.Getenv("PORT"); v != "" {
		addr = ":" + v
	}

	var verifier auth.AuthVerifier
	if base := os.Getenv("AUTH_BASE_URL"); base != "" {
		client := portalauth.NewClient(portalauth.Config{
			BaseURL: base,
			APIKey:  os.Getenv("AUTH_API_KEY"),
		})
		verifier = portalauth.NewVerifier(client)
	} else {
		log.Warn("auth verifier not configured, running in dev mode", nil)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	grantsRepo := router.BuildGrantsRepo(nil, log)

	reaper := accessgrants.NewReaper(grantsRepo, log, 15*time.Minute)
	go reaper.Run(ctx)

	r := router.NewRouter(router.Options{
		AuthVerifier: verifier,
		Grants:       grantsRepo,
		Logger:       log,
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("starting server", map[string]any{"addr": addr})
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("server error", map[string]any{"err": err.Error()})
		os.Exit(1)
	}
}
