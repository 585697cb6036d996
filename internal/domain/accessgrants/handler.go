package accessgrants

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"patient-record-access/internal/middleware"
	"patient-record-access/internal/platform/logger"

	"github.com/go-chi/chi/v5"
	qrcode "github.com/skip2/go-qrcode"
)

const qrImageSize = 256

func RegisterRoutes(r chi.Router, svc *Service, log logger.Logger) {
	// Lado paciente (requiere sesión)
	r.Route("/patient/access-codes", func(pr chi.Router) {
		pr.Post("/", issueHandler(svc, log))
		pr.Get("/", listCodesHandler(svc))
		pr.Post("/{code}/revoke", revokeHandler(svc, log))
	})

	// Lado doctor: anónimo a propósito, el código ES la credencial.
	r.Post("/doctor/verify-access", verifyHandler(svc, log))
}

type issueRequest struct {
	Method string `json:"method"`
}

type issueResponse struct {
	Code      string    `json:"code"`
	Method    Method    `json:"method"`
	ExpiresAt time.Time `json:"expires_at"`
	QRPayload string    `json:"qr_payload,omitempty"`
	QRImage   string    `json:"qr_code,omitempty"` // data URL PNG, igual que el backend original
}

type grantResponse struct {
	Code       string     `json:"code"`
	PatientID  string     `json:"patient_id"`
	Method     Method     `json:"method"`
	State      State      `json:"state"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	ConsumedAt *time.Time `json:"consumed_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

type verifyRequest struct {
	AccessCode string `json:"access_code"`
}

func issueHandler(svc *Service, log logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := middleware.GetClaims(r.Context())
		if !ok || strings.TrimSpace(claims.PatientID) == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		var req issueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}

		res, err := svc.Issue(r.Context(), claims.PatientID, Method(strings.ToLower(strings.TrimSpace(req.Method))))
		if err != nil {
			switch {
			case errors.Is(err, ErrInvalidInput):
				http.Error(w, "method must be otp or qr", http.StatusBadRequest)
			case errors.Is(err, ErrRateLimited):
				http.Error(w, "too many active access codes, revoke one or wait", http.StatusTooManyRequests)
			case errors.Is(err, ErrIssuanceExhausted), errors.Is(err, ErrStoreUnavailable):
				log.Error("issue failed", map[string]any{"err": err.Error()})
				http.Error(w, "service unavailable, retry later", http.StatusServiceUnavailable)
			default:
				log.Error("issue failed", map[string]any{"err": err.Error()})
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
			return
		}

		out := issueResponse{
			Code:      res.Grant.Code,
			Method:    res.Grant.Method,
			ExpiresAt: res.Grant.ExpiresAt,
			QRPayload: res.QRPayload,
		}
		if res.Grant.Method == MethodQR {
			img, err := qrImageDataURL(res.QRPayload)
			if err != nil {
				log.Error("qr render failed", map[string]any{"err": err.Error()})
				http.Error(w, "internal error", http.StatusInternalServerError)
				return
			}
			out.QRImage = img
		}

		writeJSON(w, http.StatusCreated, out)
	}
}

func listCodesHandler(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := middleware.GetClaims(r.Context())
		if !ok || strings.TrimSpace(claims.PatientID) == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		items, err := svc.ListByPatient(r.Context(), claims.PatientID)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		out := make([]grantResponse, 0, len(items))
		for _, g := range items {
			out = append(out, toGrantResponse(g))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func revokeHandler(svc *Service, log logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := middleware.GetClaims(r.Context())
		if !ok || strings.TrimSpace(claims.PatientID) == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		code := chi.URLParam(r, "code")
		g, err := svc.Revoke(r.Context(), claims.PatientID, code)
		if err != nil {
			switch {
			case errors.Is(err, ErrInvalidInput):
				http.Error(w, err.Error(), http.StatusBadRequest)
			case errors.Is(err, ErrForbidden):
				http.Error(w, "forbidden", http.StatusForbidden)
			case errors.Is(err, ErrNotFound):
				http.Error(w, "not found", http.StatusNotFound)
			case errors.Is(err, ErrStoreUnavailable):
				log.Error("revoke failed", map[string]any{"err": err.Error()})
				http.Error(w, "service unavailable, retry later", http.StatusServiceUnavailable)
			default:
				log.Error("revoke failed", map[string]any{"err": err.Error()})
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
			return
		}

		writeJSON(w, http.StatusOK, toGrantResponse(g))
	}
}

func verifyHandler(svc *Service, log logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req verifyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}

		res, err := svc.Verify(r.Context(), req.AccessCode)
		if err != nil {
			switch {
			case errors.Is(err, ErrStoreUnavailable), errors.Is(err, ErrSnapshotUnavailable):
				log.Error("verify infra failure", map[string]any{"err": err.Error()})
				http.Error(w, "service unavailable, retry later", http.StatusServiceUnavailable)
			default:
				// El motivo real (not found / usado / vencido / revocado) queda
				// SOLO en logs: hacia afuera una única denegación opaca, para
				// no habilitar enumeración del keyspace.
				log.Warn("verification denied", map[string]any{"reason": err.Error()})
				http.Error(w, "invalid or expired code", http.StatusForbidden)
			}
			return
		}

		log.Info("access code consumed", map[string]any{
			"patient_id": res.Grant.PatientID,
			"method":     string(res.Grant.Method),
		})

		writeJSON(w, http.StatusOK, map[string]any{
			"token":   res.DoctorToken,
			"patient": res.Snapshot,
		})
	}
}

func toGrantResponse(g Grant) grantResponse {
	return grantResponse{
		Code:       g.Code,
		PatientID:  g.PatientID,
		Method:     g.Method,
		State:      g.State,
		CreatedAt:  g.CreatedAt,
		ExpiresAt:  g.ExpiresAt,
		ConsumedAt: g.ConsumedAt,
		RevokedAt:  g.RevokedAt,
	}
}

func qrImageDataURL(payload string) (string, error) {
	png, err := qrcode.Encode(payload, qrcode.Medium, qrImageSize)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

// writeJSON está duplicado a propósito respecto de otros módulos:
// todavía no amerita un helper compartido.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
