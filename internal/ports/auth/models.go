package auth

// Claims representa la información extraída del token de sesión del paciente.
type Claims struct {
	PatientID string
	Email     string
}
