package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"patient-record-access/internal/domain/accessgrants"
)

// grantEntry lleva su propio mutex: consumir el código A no bloquea al código B.
type grantEntry struct {
	mu sync.Mutex
	g  accessgrants.Grant
}

type grantsRepo struct {
	mu     sync.RWMutex // protege solo la estructura del mapa
	byCode map[string]*grantEntry
}

func NewGrantsRepo() accessgrants.Repository {
	return &grantsRepo{
		byCode: make(map[string]*grantEntry),
	}
}

func (r *grantsRepo) Create(ctx context.Context, g accessgrants.Grant) error {
	if g.Code == "" {
		return accessgrants.ErrInvalidInput
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Un código no se reusa mientras exista un grant que lo referencie;
	// recién se libera cuando la purga de retención lo borra.
	if _, exists := r.byCode[g.Code]; exists {
		return accessgrants.ErrDuplicateCode
	}
	r.byCode[g.Code] = &grantEntry{g: g}
	return nil
}

func (r *grantsRepo) GetAndConsume(ctx context.Context, code string, now time.Time) (accessgrants.Grant, error) {
	r.mu.RLock()
	e, ok := r.byCode[code]
	r.mu.RUnlock()
	if !ok {
		return accessgrants.Grant{}, accessgrants.ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.g.State {
	case accessgrants.StateConsumed:
		return accessgrants.Grant{}, accessgrants.ErrAlreadyUsed
	case accessgrants.StateRevoked:
		return accessgrants.Grant{}, accessgrants.ErrRevoked
	case accessgrants.StateExpired:
		return accessgrants.Grant{}, accessgrants.ErrExpired
	}

	// Lazy-expiry: misma regla que el reaper.
	if e.g.ExpiredAt(now) {
		e.g.State = accessgrants.StateExpired
		return accessgrants.Grant{}, accessgrants.ErrExpired
	}

	consumedAt := now
	e.g.State = accessgrants.StateConsumed
	e.g.ConsumedAt = &consumedAt
	return e.g, nil
}

func (r *grantsRepo) GetByCode(ctx context.Context, code string) (accessgrants.Grant, error) {
	r.mu.RLock()
	e, ok := r.byCode[code]
	r.mu.RUnlock()
	if !ok {
		return accessgrants.Grant{}, accessgrants.ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.g, nil
}

func (r *grantsRepo) Revoke(ctx context.Context, code string, now time.Time) (accessgrants.Grant, error) {
	r.mu.RLock()
	e, ok := r.byCode[code]
	r.mu.RUnlock()
	if !ok {
		return accessgrants.Grant{}, accessgrants.ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Idempotente: sobre un estado terminal no hay transición.
	if e.g.Terminal() {
		return e.g, nil
	}

	revokedAt := now
	e.g.State = accessgrants.StateRevoked
	e.g.RevokedAt = &revokedAt
	return e.g, nil
}

func (r *grantsRepo) ListByPatient(ctx context.Context, patientID string, limit int) ([]accessgrants.Grant, error) {
	r.mu.RLock()
	entries := make([]*grantEntry, 0, len(r.byCode))
	for _, e := range r.byCode {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]accessgrants.Grant, 0)
	for _, e := range entries {
		e.mu.Lock()
		g := e.g
		e.mu.Unlock()
		if g.PatientID == patientID {
			out = append(out, g)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *grantsRepo) CountActiveByPatient(ctx context.Context, patientID string, now time.Time) (int, error) {
	r.mu.RLock()
	entries := make([]*grantEntry, 0, len(r.byCode))
	for _, e := range r.byCode {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	count := 0
	for _, e := range entries {
		e.mu.Lock()
		g := e.g
		e.mu.Unlock()
		if g.PatientID == patientID && g.State == accessgrants.StateActive && !g.ExpiredAt(now) {
			count++
		}
	}
	return count, nil
}

func (r *grantsRepo) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	r.mu.RLock()
	entries := make([]*grantEntry, 0, len(r.byCode))
	for _, e := range r.byCode {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	expired := 0
	for _, e := range entries {
		e.mu.Lock()
		if e.g.State == accessgrants.StateActive && e.g.ExpiredAt(now) {
			e.g.State = accessgrants.StateExpired
			expired++
		}
		e.mu.Unlock()
	}
	return expired, nil
}

func (r *grantsRepo) PurgeBefore(ctx context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	purged := 0
	for code, e := range r.byCode {
		e.mu.Lock()
		gone := e.g.Terminal() && e.g.CreatedAt.Before(cutoff)
		e.mu.Unlock()
		if gone {
			delete(r.byCode, code)
			purged++
		}
	}
	return purged, nil
}
