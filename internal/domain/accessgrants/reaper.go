package accessgrants

import (
	"context"
	"time"

	"patient-record-access/internal/platform/logger"
)

// Reaper barre periódicamente el store: pasa a expired los grants activos
// vencidos y purga los terminales fuera de la ventana de retención.
// Es oportunista: el lazy-check de GetAndConsume aplica la misma regla
// (Grant.ExpiredAt), así que nunca compiten por el resultado.
type Reaper struct {
	repo     Repository
	log      logger.Logger
	interval time.Duration
	now      func() time.Time
}

func NewReaper(repo Repository, log logger.Logger, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Reaper{
		repo:     repo,
		log:      log,
		interval: interval,
		now:      time.Now,
	}
}

// Run bloquea hasta que el contexto se cancele. Pensado para correr en una
// goroutine propia desde main.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	now := r.now().UTC()

	expired, err := r.repo.ExpireStale(ctx, now)
	if err != nil {
		r.log.Warn("reaper expire sweep failed", map[string]any{"err": err.Error()})
		return
	}

	purged, err := r.repo.PurgeBefore(ctx, now.Add(-RetentionWindow))
	if err != nil {
		r.log.Warn("reaper purge sweep failed", map[string]any{"err": err.Error()})
		return
	}

	if expired > 0 || purged > 0 {
		r.log.Info("reaper sweep", map[string]any{"expired": expired, "purged": purged})
	}
}
