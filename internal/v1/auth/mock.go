package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/tinchat/server/internal/v1/logging"
)

// MockVerifier is a development-only verifier that trusts the payload
// segment of the credential without checking the signature, so the
// user id matches what the frontend dev tooling issued.
type MockVerifier struct{}

var _ Verifier = (*MockVerifier)(nil)

func (m *MockVerifier) Verify(ctx context.Context, credential string) (*Identity, error) {
	if credential == "" {
		return nil, ErrInvalidCredential
	}

	id := &Identity{
		UserID: "dev-user-123",
		Name:   "Dev User",
		Email:  "dev@example.com",
	}

	parts := strings.Split(credential, ".")
	if len(parts) == 3 {
		if payload, err := base64.RawURLEncoding.DecodeString(parts[1]); err == nil {
			var claims map[string]interface{}
			if json.Unmarshal(payload, &claims) == nil {
				if sub, ok := claims["sub"].(string); ok && sub != "" {
					id.UserID = sub
				}
				if n, ok := claims["name"].(string); ok {
					id.Name = n
				}
				if u, ok := claims["username"].(string); ok {
					id.Username = u
				}
				if e, ok := claims["email"].(string); ok {
					id.Email = e
				}
				logging.Debug(ctx, "MockVerifier trusted credential payload", zap.String("user_id", id.UserID))
			}
		}
	}
	return id, nil
}
