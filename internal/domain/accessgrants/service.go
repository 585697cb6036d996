package accessgrants

import (
	"context"
	"errors"
	"strings"
	"time"

	"patient-record-access/internal/ports/patients"
)

const (
	// Cap de grants activos por paciente. El 6to intento devuelve ErrRateLimited.
	MaxActivePerPatient = 5

	// Reintentos de generación ante colisión de código.
	// Con 32^8 de keyspace esto no debería agotarse nunca; si pasa,
	// ErrIssuanceExhausted es una señal operacional, no un error de usuario.
	maxCodeAttempts = 5

	// Tope del listado de historial por paciente.
	accessLogLimit = 50
)

type Service struct {
	repo     Repository
	patients patients.SnapshotProvider
	tokens   *TokenIssuer

	// Base pública del portal para armar el payload QR.
	publicBaseURL string

	now func() time.Time
}

func NewService(repo Repository, provider patients.SnapshotProvider, tokens *TokenIssuer, publicBaseURL string) *Service {
	return &Service{
		repo:          repo,
		patients:      provider,
		tokens:        tokens,
		publicBaseURL: strings.TrimSpace(publicBaseURL),
		now:           time.Now,
	}
}

type IssueResult struct {
	Grant     Grant
	QRPayload string // solo para method=qr
}

// Issue crea un grant activo con TTL fijo, ligado al paciente emisor.
func (s *Service) Issue(ctx context.Context, patientID string, method Method) (IssueResult, error) {
	patientID = strings.TrimSpace(patientID)
	if patientID == "" {
		return IssueResult{}, ErrInvalidInput
	}
	if method != MethodOTP && method != MethodQR {
		return IssueResult{}, ErrInvalidInput
	}

	now := s.now().UTC()

	active, err := s.repo.CountActiveByPatient(ctx, patientID, now)
	if err != nil {
		return IssueResult{}, err
	}
	if active >= MaxActivePerPatient {
		return IssueResult{}, ErrRateLimited
	}

	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := NewCode()
		if err != nil {
			return IssueResult{}, err
		}

		g := Grant{
			Code:      code,
			PatientID: patientID,
			Method:    method,
			State:     StateActive,
			CreatedAt: now,
			ExpiresAt: now.Add(GrantTTL),
		}

		err = s.repo.Create(ctx, g)
		if errors.Is(err, ErrDuplicateCode) {
			continue
		}
		if err != nil {
			return IssueResult{}, err
		}

		out := IssueResult{Grant: g}
		if method == MethodQR {
			out.QRPayload = QRPayload(s.publicBaseURL, code)
		}
		return out, nil
	}

	return IssueResult{}, ErrIssuanceExhausted
}

type VerifyResult struct {
	Grant    Grant
	Snapshot patients.Snapshot

	// Token de sesión de doctor (corto) para que el portal muestre el
	// historial sin re-verificar el código.
	DoctorToken string
}

// Verify consume el código (una sola vez, atómico en el store) y devuelve el
// snapshot del paciente. Los errores de estado son internos: el handler los
// colapsa en una denegación genérica.
func (s *Service) Verify(ctx context.Context, rawCode string) (VerifyResult, error) {
	code := NormalizeCode(rawCode)
	if !ValidCode(code) {
		// No vale la pena ir al store; externamente es indistinguible de NotFound.
		return VerifyResult{}, ErrNotFound
	}

	g, err := s.repo.GetAndConsume(ctx, code, s.now().UTC())
	if err != nil {
		return VerifyResult{}, err
	}

	snap, err := s.patients.GetSnapshot(ctx, g.PatientID)
	if err != nil {
		// El grant ya quedó consumido; esto es una falla del proveedor,
		// no una denegación. Se reporta como transitoria.
		return VerifyResult{}, errors.Join(ErrSnapshotUnavailable, err)
	}

	out := VerifyResult{Grant: g, Snapshot: snap}
	if s.tokens != nil {
		token, err := s.tokens.DoctorToken(g.PatientID)
		if err != nil {
			return VerifyResult{}, err
		}
		out.DoctorToken = token
	}
	return out, nil
}

// Revoke invalida anticipadamente un grant del propio paciente. Idempotente.
func (s *Service) Revoke(ctx context.Context, patientID, rawCode string) (Grant, error) {
	patientID = strings.TrimSpace(patientID)
	code := NormalizeCode(rawCode)
	if patientID == "" || !ValidCode(code) {
		return Grant{}, ErrInvalidInput
	}

	g, err := s.repo.GetByCode(ctx, code)
	if err != nil {
		return Grant{}, err
	}
	if g.PatientID != patientID {
		return Grant{}, ErrForbidden
	}

	return s.repo.Revoke(ctx, code, s.now().UTC())
}

// ListByPatient devuelve el historial de códigos del paciente (más recientes primero).
func (s *Service) ListByPatient(ctx context.Context, patientID string) ([]Grant, error) {
	patientID = strings.TrimSpace(patientID)
	if patientID == "" {
		return nil, ErrInvalidInput
	}
	return s.repo.ListByPatient(ctx, patientID, accessLogLimit)
}
