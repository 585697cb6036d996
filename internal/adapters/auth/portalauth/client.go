package portalauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"patient-record-access/internal/ports/auth"
)

var (
	ErrAuthNotConfigured = errors.New("portal auth client not configured")
	ErrAuthUnauthorized  = errors.New("portal auth unauthorized")
	ErrAuthUpstream      = errors.New("portal auth upstream error")
)

// Config del cliente contra el servicio de auth del portal.
// BaseURL y APIKey normalmente vienen de env vars.
type Config struct {
	BaseURL string
	APIKey  string

	// Header de la API key; default "X-Api-Key".
	APIKeyHeader string
	Timeout      time.Duration
}

type Client struct {
	baseURL      string
	apiKey       string
	apiKeyHeader string
	httpClient   *http.Client
}

func NewClient(cfg Config) *Client {
	h := strings.TrimSpace(cfg.APIKeyHeader)
	if h == "" {
		h = "X-Api-Key"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &Client{
		baseURL:      strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:       strings.TrimSpace(cfg.APIKey),
		apiKeyHeader: h,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *Client) IsConfigured() bool {
	return c != nil && c.baseURL != ""
}

type verifyRequest struct {
	Token string `json:"token"`
}

type verifyResponse struct {
	PatientID string `json:"patient_id"`
	Email     string `json:"email"`
}

// VerifyToken valida un token de sesión de paciente contra el portal.
func (c *Client) VerifyToken(ctx context.Context, token string) (auth.Claims, error) {
	if !c.IsConfigured() {
		return auth.Claims{}, ErrAuthNotConfigured
	}

	body, err := json.Marshal(verifyRequest{Token: token})
	if err != nil {
		return auth.Claims{}, fmt.Errorf("%w: %v", ErrAuthUpstream, err)
	}

	url := c.baseURL + "/v1/tokens/verify"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(body)))
	if err != nil {
		return auth.Claims{}, fmt.Errorf("%w: %v", ErrAuthUpstream, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set(c.apiKeyHeader, c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return auth.Claims{}, fmt.Errorf("%w: %v", ErrAuthUpstream, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// ok
	case http.StatusUnauthorized, http.StatusForbidden:
		return auth.Claims{}, ErrAuthUnauthorized
	default:
		return auth.Claims{}, fmt.Errorf("%w: status=%d", ErrAuthUpstream, resp.StatusCode)
	}

	var out verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return auth.Claims{}, fmt.Errorf("%w: invalid json: %v", ErrAuthUpstream, err)
	}

	return auth.Claims{
		PatientID: out.PatientID,
		Email:     out.Email,
	}, nil
}
