package patients

import "errors"

var ErrPatientNotFound = errors.New("patient not found")

// Snapshot es la proyección read-only que ve el doctor tras verificar un código.
// Mismo shape que expone el backend del portal (sin password ni campos internos).
type Snapshot struct {
	ID               string          `json:"id"`
	FullName         string          `json:"full_name"`
	Email            string          `json:"email"`
	DateOfBirth      string          `json:"date_of_birth"`
	BloodGroup       string          `json:"blood_group"`
	Phone            string          `json:"phone"`
	EmergencyContact string          `json:"emergency_contact"`
	Allergies        []string        `json:"allergies"`
	Medications      []string        `json:"medications"`
	MedicalRecords   []MedicalRecord `json:"medical_records"`
}

// MedicalRecord es una entrada del historial, tal como la devuelve el proveedor.
type MedicalRecord struct {
	ID            string `json:"id"`
	Condition     string `json:"condition"`
	DiagnosisDate string `json:"diagnosis_date"`
	Treatment     string `json:"treatment"`
	DoctorName    string `json:"doctor_name"`
	Hospital      string `json:"hospital"`
	Notes         string `json:"notes"`
	AddedAt       string `json:"added_at"`
}
