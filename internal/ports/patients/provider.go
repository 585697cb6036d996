package patients

import "context"

// SnapshotProvider es el proveedor externo de datos de paciente.
// Este servicio solo LEE la proyección; nunca muta historias clínicas.
type SnapshotProvider interface {
	GetSnapshot(ctx context.Context, patientID string) (Snapshot, error)
}
