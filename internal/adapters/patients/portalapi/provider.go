package portalapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"patient-record-access/internal/platform/httpclient"
	"patient-record-access/internal/ports/patients"
)

var (
	ErrNotConfigured = errors.New("patients provider not configured")
	ErrUpstream      = errors.New("patients provider upstream error")
)

// Config del proveedor de datos de paciente (el backend del portal).
// BaseURL y APIKey vienen de env en quien lo instancia.
type Config struct {
	BaseURL string
	APIKey  string

	// Header de la API key; default "X-Api-Key".
	APIKeyHeader string
	Timeout      time.Duration
}

// Provider implementa patients.SnapshotProvider contra la API interna del portal.
type Provider struct {
	client       *httpclient.Client
	apiKey       string
	apiKeyHeader string
}

func NewProvider(cfg Config) (*Provider, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return nil, ErrNotConfigured
	}

	c, err := httpclient.NewWithBaseURL(base, cfg.Timeout)
	if err != nil {
		return nil, err
	}

	header := strings.TrimSpace(cfg.APIKeyHeader)
	if header == "" {
		header = "X-Api-Key"
	}

	return &Provider{
		client:       c,
		apiKey:       strings.TrimSpace(cfg.APIKey),
		apiKeyHeader: header,
	}, nil
}

// GetSnapshot trae la proyección read-only del paciente.
func (p *Provider) GetSnapshot(ctx context.Context, patientID string) (patients.Snapshot, error) {
	patientID = strings.TrimSpace(patientID)
	if patientID == "" {
		return patients.Snapshot{}, patients.ErrPatientNotFound
	}

	var snap patients.Snapshot
	headers := map[string]string{}
	if p.apiKey != "" {
		headers[p.apiKeyHeader] = p.apiKey
	}

	path := "/internal/patients/" + url.PathEscape(patientID) + "/snapshot"
	err := p.client.DoJSON(ctx, http.MethodGet, path, headers, nil, &snap)
	if err != nil {
		var httpErr *httpclient.HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
			return patients.Snapshot{}, patients.ErrPatientNotFound
		}
		return patients.Snapshot{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	return snap, nil
}
