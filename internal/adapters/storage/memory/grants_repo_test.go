package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"patient-record-access/internal/domain/accessgrants"
)

func activeGrant(code, patientID string, now time.Time) accessgrants.Grant {
	return accessgrants.Grant{
		Code:      code,
		PatientID: patientID,
		Method:    accessgrants.MethodOTP,
		State:     accessgrants.StateActive,
		CreatedAt: now,
		ExpiresAt: now.Add(accessgrants.GrantTTL),
	}
}

func TestGrantsRepo_Create_DuplicateCode(t *testing.T) {
	repo := NewGrantsRepo()
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	if err := repo.Create(context.Background(), activeGrant("CODE1234", "p1", now)); err != nil {
		t.Fatalf("Create error: %v", err)
	}
	err := repo.Create(context.Background(), activeGrant("CODE1234", "p2", now))
	if !errors.Is(err, accessgrants.ErrDuplicateCode) {
		t.Fatalf("expected ErrDuplicateCode, got %v", err)
	}
}

// La propiedad central del subsistema: N consumos concurrentes del mismo
// código => exactamente un éxito, N-1 ErrAlreadyUsed. Nunca dos éxitos.
func TestGrantsRepo_GetAndConsume_ConcurrentSingleWinner(t *testing.T) {
	repo := NewGrantsRepo()
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	if err := repo.Create(context.Background(), activeGrant("CODE1234", "p1", now)); err != nil {
		t.Fatalf("Create error: %v", err)
	}

	const callers = 64
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		used      int
		others    []error
	)

	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := repo.GetAndConsume(context.Background(), "CODE1234", now.Add(time.Hour))

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, accessgrants.ErrAlreadyUsed):
				used++
			default:
				others = append(others, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if successes != 1 {
		t.Fatalf("expected exactly 1 success, got %d", successes)
	}
	if used != callers-1 {
		t.Fatalf("expected %d ErrAlreadyUsed, got %d (others: %v)", callers-1, used, others)
	}

	g, err := repo.GetByCode(context.Background(), "CODE1234")
	if err != nil {
		t.Fatalf("GetByCode error: %v", err)
	}
	if g.State != accessgrants.StateConsumed || g.ConsumedAt == nil {
		t.Fatalf("expected consumed grant with ConsumedAt, got %+v", g)
	}
}

func TestGrantsRepo_GetAndConsume_LazyExpiry(t *testing.T) {
	repo := NewGrantsRepo()
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	if err := repo.Create(context.Background(), activeGrant("CODE1234", "p1", now)); err != nil {
		t.Fatalf("Create error: %v", err)
	}

	// Borde inclusivo.
	_, err := repo.GetAndConsume(context.Background(), "CODE1234", now.Add(accessgrants.GrantTTL))
	if !errors.Is(err, accessgrants.ErrExpired) {
		t.Fatalf("expected ErrExpired at boundary, got %v", err)
	}

	// Quedó marcado expired, no solo rechazado.
	g, err := repo.GetByCode(context.Background(), "CODE1234")
	if err != nil {
		t.Fatalf("GetByCode error: %v", err)
	}
	if g.State != accessgrants.StateExpired {
		t.Fatalf("expected expired state after lazy check, got %s", g.State)
	}
}

func TestGrantsRepo_GetAndConsume_NegativeSkew(t *testing.T) {
	repo := NewGrantsRepo()
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	if err := repo.Create(context.Background(), activeGrant("CODE1234", "p1", now)); err != nil {
		t.Fatalf("Create error: %v", err)
	}

	// Reloj del verificador atrasado respecto del emisor: el grant sigue vigente.
	g, err := repo.GetAndConsume(context.Background(), "CODE1234", now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("expected success under small negative skew, got %v", err)
	}
	if g.State != accessgrants.StateConsumed {
		t.Fatalf("expected consumed, got %s", g.State)
	}
}

func TestGrantsRepo_Revoke_IdempotentAndTerminal(t *testing.T) {
	repo := NewGrantsRepo()
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	if err := repo.Create(context.Background(), activeGrant("CODE1234", "p1", now)); err != nil {
		t.Fatalf("Create error: %v", err)
	}

	g1, err := repo.Revoke(context.Background(), "CODE1234", now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Revoke error: %v", err)
	}
	if g1.State != accessgrants.StateRevoked {
		t.Fatalf("expected revoked, got %s", g1.State)
	}

	g2, err := repo.Revoke(context.Background(), "CODE1234", now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("Revoke #2 error: %v", err)
	}
	if !g2.RevokedAt.Equal(*g1.RevokedAt) {
		t.Fatalf("second revoke must not move RevokedAt")
	}

	// Un consumed no se puede revocar (terminal se queda terminal).
	if err := repo.Create(context.Background(), activeGrant("CODE5678", "p1", now)); err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if _, err := repo.GetAndConsume(context.Background(), "CODE5678", now.Add(time.Minute)); err != nil {
		t.Fatalf("GetAndConsume error: %v", err)
	}
	g3, err := repo.Revoke(context.Background(), "CODE5678", now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("Revoke consumed error: %v", err)
	}
	if g3.State != accessgrants.StateConsumed {
		t.Fatalf("expected consumed to stay consumed, got %s", g3.State)
	}
}

func TestGrantsRepo_CountActive_SkipsExpired(t *testing.T) {
	repo := NewGrantsRepo()
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	g := activeGrant("CODE1234", "p1", now.Add(-48*time.Hour))
	g.ExpiresAt = now.Add(-24 * time.Hour)
	if err := repo.Create(context.Background(), g); err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if err := repo.Create(context.Background(), activeGrant("CODE5678", "p1", now)); err != nil {
		t.Fatalf("Create error: %v", err)
	}

	count, err := repo.CountActiveByPatient(context.Background(), "p1", now)
	if err != nil {
		t.Fatalf("CountActiveByPatient error: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 active (el vencido no cuenta), got %d", count)
	}
}

func TestGrantsRepo_ExpireStale_And_PurgeBefore(t *testing.T) {
	repo := NewGrantsRepo()
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	stale := activeGrant("STALE234", "p1", now.Add(-48*time.Hour))
	stale.ExpiresAt = now.Add(-24 * time.Hour)
	if err := repo.Create(context.Background(), stale); err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if err := repo.Create(context.Background(), activeGrant("FRESH234", "p1", now)); err != nil {
		t.Fatalf("Create error: %v", err)
	}

	expired, err := repo.ExpireStale(context.Background(), now)
	if err != nil {
		t.Fatalf("ExpireStale error: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expected 1 expired, got %d", expired)
	}

	// El expirado quedó fuera de retención => se purga; el activo se queda.
	purged, err := repo.PurgeBefore(context.Background(), now)
	if err != nil {
		t.Fatalf("PurgeBefore error: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected 1 purged, got %d", purged)
	}
	if _, err := repo.GetByCode(context.Background(), "STALE234"); !errors.Is(err, accessgrants.ErrNotFound) {
		t.Fatalf("expected purged grant gone, got %v", err)
	}
	if _, err := repo.GetByCode(context.Background(), "FRESH234"); err != nil {
		t.Fatalf("expected fresh grant to remain: %v", err)
	}

	// Tras la purga el código queda libre para reuso.
	if err := repo.Create(context.Background(), activeGrant("STALE234", "p2", now)); err != nil {
		t.Fatalf("expected code reusable after purge: %v", err)
	}
}

func TestGrantsRepo_ListByPatient_NewestFirstWithLimit(t *testing.T) {
	repo := NewGrantsRepo()
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	codes := []string{"CODEA234", "CODEB234", "CODEC234"}
	for i, code := range codes {
		if err := repo.Create(context.Background(), activeGrant(code, "p1", base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("Create error: %v", err)
		}
	}
	if err := repo.Create(context.Background(), activeGrant("OTHER234", "p2", base)); err != nil {
		t.Fatalf("Create error: %v", err)
	}

	items, err := repo.ListByPatient(context.Background(), "p1", 2)
	if err != nil {
		t.Fatalf("ListByPatient error: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected limit 2, got %d", len(items))
	}
	if items[0].Code != "CODEC234" || items[1].Code != "CODEB234" {
		t.Fatalf("expected newest first, got %s %s", items[0].Code, items[1].Code)
	}
}
