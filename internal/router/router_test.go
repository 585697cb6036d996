package router_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	patmem "patient-record-access/internal/adapters/patients/memory"
	"patient-record-access/internal/domain/accessgrants"
	"patient-record-access/internal/ports/patients"
	"patient-record-access/internal/router"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	t.Setenv("DOCTOR_TOKEN_SECRET", "router-test-secret")

	dir := patmem.NewDirectory()
	dir.Register(patients.Snapshot{
		ID:               "patient-1",
		FullName:         "Jane Roe",
		Email:            "jane@example.com",
		DateOfBirth:      "1990-04-02",
		BloodGroup:       "A+",
		Phone:            "+1-555-0100",
		EmergencyContact: "John Roe +1-555-0101",
		Allergies:        []string{"penicillin"},
		Medications:      []string{"metformin"},
	})

	ts := httptest.NewServer(router.NewRouter(router.Options{
		AuthVerifier: nil, // modo dev: X-Debug-Patient-ID
		Patients:     dir,
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestHTTP_EndToEnd_OTPFlow(t *testing.T) {
	ts := newTestServer(t)

	// 1) Paciente emite un código OTP
	st, body := doReq(t, ts.URL, "POST", "/patient/access-codes", "patient-1", map[string]any{
		"method": "otp",
	})
	if st != http.StatusCreated {
		t.Fatalf("expected 201 issue, got %d body=%s", st, string(body))
	}
	var issued struct {
		Code      string `json:"code"`
		Method    string `json:"method"`
		ExpiresAt string `json:"expires_at"`
	}
	_ = json.Unmarshal(body, &issued)
	if issued.Code == "" || issued.Method != "otp" || issued.ExpiresAt == "" {
		t.Fatalf("unexpected issue response: %s", string(body))
	}

	// 2) Doctor verifica con el código en minúsculas (anónimo)
	st, body = doReq(t, ts.URL, "POST", "/doctor/verify-access", "", map[string]any{
		"access_code": strings.ToLower(issued.Code),
	})
	if st != http.StatusOK {
		t.Fatalf("expected 200 verify, got %d body=%s", st, string(body))
	}
	var verified struct {
		Token   string            `json:"token"`
		Patient patients.Snapshot `json:"patient"`
	}
	_ = json.Unmarshal(body, &verified)
	if verified.Token == "" {
		t.Fatalf("expected doctor token in response: %s", string(body))
	}
	if verified.Patient.FullName != "Jane Roe" || verified.Patient.BloodGroup != "A+" {
		t.Fatalf("unexpected snapshot: %s", string(body))
	}

	// 3) Segundo intento con el mismo código: denegación opaca
	st, body = doReq(t, ts.URL, "POST", "/doctor/verify-access", "", map[string]any{
		"access_code": issued.Code,
	})
	if st != http.StatusForbidden {
		t.Fatalf("expected 403 on reuse, got %d body=%s", st, string(body))
	}
	if !strings.Contains(string(body), "invalid or expired code") {
		t.Fatalf("expected generic denial body, got %s", string(body))
	}

	// 4) El historial del paciente muestra el grant consumido
	st, body = doReq(t, ts.URL, "GET", "/patient/access-codes", "patient-1", nil)
	if st != http.StatusOK {
		t.Fatalf("expected 200 list, got %d body=%s", st, string(body))
	}
	var items []struct {
		Code  string `json:"code"`
		State string `json:"state"`
	}
	_ = json.Unmarshal(body, &items)
	if len(items) != 1 || items[0].Code != issued.Code || items[0].State != "consumed" {
		t.Fatalf("unexpected listing: %s", string(body))
	}
}

func TestHTTP_DenialsAreIndistinguishable(t *testing.T) {
	ts := newTestServer(t)

	// Código inexistente vs código ya usado: misma respuesta externa.
	_, issuedBody := doReq(t, ts.URL, "POST", "/patient/access-codes", "patient-1", map[string]any{"method": "otp"})
	var issued struct {
		Code string `json:"code"`
	}
	_ = json.Unmarshal(issuedBody, &issued)
	if st, _ := doReq(t, ts.URL, "POST", "/doctor/verify-access", "", map[string]any{"access_code": issued.Code}); st != http.StatusOK {
		t.Fatalf("first verify: got %d", st)
	}

	stUsed, bodyUsed := doReq(t, ts.URL, "POST", "/doctor/verify-access", "", map[string]any{"access_code": issued.Code})
	stMissing, bodyMissing := doReq(t, ts.URL, "POST", "/doctor/verify-access", "", map[string]any{"access_code": "ZZZZ9999"})

	if stUsed != http.StatusForbidden || stMissing != http.StatusForbidden {
		t.Fatalf("expected 403/403, got %d/%d", stUsed, stMissing)
	}
	if string(bodyUsed) != string(bodyMissing) {
		t.Fatalf("denial bodies differ: %q vs %q", string(bodyUsed), string(bodyMissing))
	}
}

func TestHTTP_QRIssue_ReturnsScannablePayload(t *testing.T) {
	ts := newTestServer(t)

	st, body := doReq(t, ts.URL, "POST", "/patient/access-codes", "patient-1", map[string]any{
		"method": "qr",
	})
	if st != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", st, string(body))
	}

	var issued struct {
		Code      string `json:"code"`
		QRPayload string `json:"qr_payload"`
		QRImage   string `json:"qr_code"`
	}
	_ = json.Unmarshal(body, &issued)

	if !strings.HasPrefix(issued.QRImage, "data:image/png;base64,") {
		t.Fatalf("expected png data url, got %q", issued.QRImage)
	}

	// El payload del QR decodifica de vuelta al mismo código.
	code, err := accessgrants.CodeFromQRPayload(issued.QRPayload)
	if err != nil || code != issued.Code {
		t.Fatalf("qr payload round trip failed: %q %v", issued.QRPayload, err)
	}

	// Y verificar por el código embebido funciona igual que el OTP.
	st, body = doReq(t, ts.URL, "POST", "/doctor/verify-access", "", map[string]any{"access_code": code})
	if st != http.StatusOK {
		t.Fatalf("expected 200 verify via qr code, got %d body=%s", st, string(body))
	}
}

func TestHTTP_RevokeFlow(t *testing.T) {
	ts := newTestServer(t)

	_, body := doReq(t, ts.URL, "POST", "/patient/access-codes", "patient-1", map[string]any{"method": "otp"})
	var issued struct {
		Code string `json:"code"`
	}
	_ = json.Unmarshal(body, &issued)

	// Otro paciente no puede revocar un código ajeno.
	st, _ := doReq(t, ts.URL, "POST", "/patient/access-codes/"+issued.Code+"/revoke", "patient-2", nil)
	if st != http.StatusForbidden {
		t.Fatalf("expected 403 foreign revoke, got %d", st)
	}

	st, body = doReq(t, ts.URL, "POST", "/patient/access-codes/"+issued.Code+"/revoke", "patient-1", nil)
	if st != http.StatusOK {
		t.Fatalf("expected 200 revoke, got %d body=%s", st, string(body))
	}
	var revoked struct {
		State string `json:"state"`
	}
	_ = json.Unmarshal(body, &revoked)
	if revoked.State != "revoked" {
		t.Fatalf("expected revoked state, got %s", string(body))
	}

	// Verificación posterior: denegación opaca.
	st, body = doReq(t, ts.URL, "POST", "/doctor/verify-access", "", map[string]any{"access_code": issued.Code})
	if st != http.StatusForbidden {
		t.Fatalf("expected 403 after revoke, got %d body=%s", st, string(body))
	}
}

func TestHTTP_IssueRateLimited(t *testing.T) {
	ts := newTestServer(t)

	for i := 0; i < accessgrants.MaxActivePerPatient; i++ {
		st, body := doReq(t, ts.URL, "POST", "/patient/access-codes", "patient-1", map[string]any{"method": "otp"})
		if st != http.StatusCreated {
			t.Fatalf("issue #%d: expected 201, got %d body=%s", i+1, st, string(body))
		}
	}

	st, body := doReq(t, ts.URL, "POST", "/patient/access-codes", "patient-1", map[string]any{"method": "otp"})
	if st != http.StatusTooManyRequests {
		t.Fatalf("expected 429 on issue #%d, got %d body=%s", accessgrants.MaxActivePerPatient+1, st, string(body))
	}
}

func TestHTTP_IssueRequiresAuth(t *testing.T) {
	ts := newTestServer(t)

	st, _ := doReq(t, ts.URL, "POST", "/patient/access-codes", "", map[string]any{"method": "otp"})
	if st != http.StatusUnauthorized {
		t.Fatalf("expected 401 without patient session, got %d", st)
	}
}

func doReq(t *testing.T, baseURL, method, path, debugPatientID string, body any) (int, []byte) {
	t.Helper()

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("json marshal: %v", err)
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, baseURL+path, rdr)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if debugPatientID != "" {
		req.Header.Set("X-Debug-Patient-ID", debugPatientID)
	}

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()

	respBody, _ := io.ReadAll(res.Body)
	return res.StatusCode, respBody
}
