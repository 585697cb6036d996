package memory

import (
	"context"
	"sync"

	"patient-record-access/internal/ports/patients"
)

// Directory es un SnapshotProvider in-memory, seedable, para modo dev y tests.
type Directory struct {
	mu   sync.RWMutex
	byID map[string]patients.Snapshot
}

func NewDirectory() *Directory {
	return &Directory{
		byID: make(map[string]patients.Snapshot),
	}
}

// Register altas/actualiza el snapshot de un paciente.
func (d *Directory) Register(snap patients.Snapshot) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byID[snap.ID] = snap
}

func (d *Directory) GetSnapshot(ctx context.Context, patientID string) (patients.Snapshot, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	snap, ok := d.byID[patientID]
	if !ok {
		return patients.Snapshot{}, patients.ErrPatientNotFound
	}
	return snap, nil
}
