package portalauth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"patient-record-access/internal/ports/auth"
)

var ErrTokenEmpty = errors.New("token is empty")

// Verifier implementa auth.AuthVerifier contra el servicio de auth del portal.
type Verifier struct {
	client *Client
}

func NewVerifier(client *Client) *Verifier {
	return &Verifier{client: client}
}

func (v *Verifier) Verify(ctx context.Context, token string) (auth.Claims, error) {
	if v == nil || v.client == nil {
		return auth.Claims{}, ErrAuthNotConfigured
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return auth.Claims{}, ErrTokenEmpty
	}

	claims, err := v.client.VerifyToken(ctx, token)
	if err != nil {
		return auth.Claims{}, fmt.Errorf("portal auth verify failed: %w", err)
	}

	claims.PatientID = strings.TrimSpace(claims.PatientID)
	if claims.PatientID == "" {
		return auth.Claims{}, errors.New("portal auth claims missing patient id")
	}

	return claims, nil
}
