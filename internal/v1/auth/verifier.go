// Package auth verifies bearer credentials against the external
// identity provider and caches the verdicts.
//
// Two strategies run in order: a session lookup against the provider
// API (when the credential decodes to a JWT-like payload carrying a
// session claim), then direct signature verification against the
// provider's JWKS. First success wins. Network failures surface as
// ErrTryAgain so callers can distinguish "retry later" from a terminal
// ErrInvalidCredential.
package auth

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"go.uber.org/zap"

	"github.com/tinchat/server/internal/v1/cache"
	"github.com/tinchat/server/internal/v1/logging"
	"github.com/tinchat/server/internal/v1/metrics"
)

// Verification outcomes. ErrTryAgain marks a transient provider
// failure; everything else that fails is ErrInvalidCredential.
var (
	ErrInvalidCredential = errors.New("invalid credential")
	ErrTryAgain          = errors.New("identity provider unavailable")
)

var errJWKSUnavailable = errors.New("jwks unavailable")

const (
	// providerTimeout bounds every network call to the provider.
	providerTimeout = 2 * time.Second

	// verdictTTL is how long a cached verification result stays valid.
	verdictTTL = 5 * time.Minute

	// verdictCacheSize bounds the verdict LRU.
	verdictCacheSize = 1000

	// credentialPrefixLen is how much of the credential keys the cache.
	// Long enough to clear the constant JWT header segment, short
	// enough to keep the keys cheap.
	credentialPrefixLen = 64

	defaultAPIURL = "https://api.clerk.com"
)

// Identity is a verified user as reported by the provider.
type Identity struct {
	UserID    string
	Username  string
	Name      string
	Email     string
	AvatarURL string
}

// Verifier turns a credential into an Identity or a rejection.
type Verifier interface {
	Verify(ctx context.Context, credential string) (*Identity, error)
}

type verdict struct {
	identity *Identity
	terminal bool
	at       time.Time
}

// ProviderVerifier verifies credentials against the hosted identity
// provider, caching verdicts for verdictTTL keyed by credential prefix.
type ProviderVerifier struct {
	apiURL  string
	client  *http.Client
	keyFunc jwt.Keyfunc
	results *cache.LRU[verdict]
}

var _ Verifier = (*ProviderVerifier)(nil)

type sessionClaims struct {
	Name     string `json:"name,omitempty"`
	Username string `json:"username,omitempty"`
	Email    string `json:"email,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
	jwt.RegisteredClaims
}

// NewProviderVerifier connects to the provider at apiURL (the hosted
// default when empty) using secretKey, registers the provider JWKS in a
// refreshing cache, and fetches the keys once to prove connectivity.
// Additional jwk.RegisterOption values are passed through for tests.
func NewProviderVerifier(ctx context.Context, secretKey, apiURL string, regOpts ...jwk.RegisterOption) (*ProviderVerifier, error) {
	if apiURL == "" {
		apiURL = defaultAPIURL
	}
	apiURL = strings.TrimRight(apiURL, "/")

	client := &http.Client{
		Timeout: providerTimeout,
		Transport: &bearerTransport{
			secret: secretKey,
			base:   http.DefaultTransport,
		},
	}

	jwksURL := apiURL + "/v1/jwks"
	keyCache := jwk.NewCache(ctx)

	opts := []jwk.RegisterOption{
		jwk.WithRefreshInterval(1 * time.Hour),
		jwk.WithHTTPClient(client),
	}
	opts = append(opts, regOpts...)

	if err := keyCache.Register(jwksURL, opts...); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL in cache: %w", err)
	}
	if _, err := keyCache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed to fetch initial JWKS: %w", err)
	}

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, errors.New("kid header not found")
		}

		keys, err := keyCache.Get(ctx, jwksURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errJWKSUnavailable, err)
		}

		key, found := keys.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("key with kid %s not found", kid)
		}

		var pubKey interface{}
		if err := key.Raw(&pubKey); err != nil {
			return nil, fmt.Errorf("failed to get raw public key: %w", err)
		}
		return pubKey, nil
	}

	return &ProviderVerifier{
		apiURL:  apiURL,
		client:  client,
		keyFunc: keyFunc,
		results: cache.NewLRU[verdict](verdictCacheSize),
	}, nil
}

// Verify resolves a credential to an Identity. Verdicts, including
// terminal rejections, are cached; transient provider failures are
// never cached and return ErrTryAgain.
func (v *ProviderVerifier) Verify(ctx context.Context, credential string) (*Identity, error) {
	if credential == "" {
		return nil, ErrInvalidCredential
	}

	key := cacheKey(credential)
	if cached, ok := v.results.Get(key); ok && time.Since(cached.at) < verdictTTL {
		metrics.RecordCache("verifier", true)
		if cached.terminal {
			return nil, ErrInvalidCredential
		}
		id := *cached.identity
		return &id, nil
	}
	metrics.RecordCache("verifier", false)

	transient := false

	if sid, ok := sessionClaim(credential); ok {
		id, err := v.lookupSession(ctx, sid, credential)
		if err == nil {
			v.results.Set(key, verdict{identity: id, at: time.Now()})
			out := *id
			return &out, nil
		}
		if errors.Is(err, ErrTryAgain) {
			transient = true
		}
		logging.Debug(ctx, "Session lookup did not verify, trying direct verification", zap.Error(err))
	}

	id, err := v.verifyToken(credential)
	if err == nil {
		v.results.Set(key, verdict{identity: id, at: time.Now()})
		out := *id
		return &out, nil
	}

	if transient || errors.Is(err, errJWKSUnavailable) {
		// Do not cache: the credential may verify once the provider is
		// reachable again.
		return nil, fmt.Errorf("%w: %v", ErrTryAgain, err)
	}

	v.results.Set(key, verdict{terminal: true, at: time.Now()})
	logging.Debug(ctx, "Credential rejected", zap.Error(err))
	return nil, ErrInvalidCredential
}

// lookupSession verifies the credential through the provider's session
// endpoint. A definitive provider "no" is terminal; network trouble and
// provider 5xx map to ErrTryAgain.
func (v *ProviderVerifier) lookupSession(ctx context.Context, sessionID, credential string) (*Identity, error) {
	endpoint := v.apiURL + "/v1/sessions/" + url.PathEscape(sessionID) + "/verify"

	body, err := json.Marshal(map[string]string{"token": credential})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTryAgain, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var session struct {
			UserID string `json:"user_id"`
		}
		if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&session); err != nil {
			return nil, fmt.Errorf("failed to decode session response: %w", err)
		}
		if session.UserID == "" {
			return nil, errors.New("session verify returned no user id")
		}
		return &Identity{UserID: session.UserID}, nil

	case resp.StatusCode >= http.StatusInternalServerError, resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: session endpoint returned %d", ErrTryAgain, resp.StatusCode)

	default:
		return nil, fmt.Errorf("session verify rejected with status %d", resp.StatusCode)
	}
}

// verifyToken checks the credential signature against the provider
// JWKS and extracts the subject.
func (v *ProviderVerifier) verifyToken(credential string) (*Identity, error) {
	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(credential, claims, v.keyFunc)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("token is invalid")
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}

	return &Identity{
		UserID:    claims.Subject,
		Username:  claims.Username,
		Name:      claims.Name,
		Email:     claims.Email,
		AvatarURL: claims.ImageURL,
	}, nil
}

// sessionClaim extracts the session id claim from a JWT-like credential
// without verifying it. Verification happens against the provider.
func sessionClaim(credential string) (string, bool) {
	parts := strings.Split(credential, ".")
	if len(parts) != 3 {
		return "", false
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", false
	}
	var claims struct {
		SessionID string `json:"sid"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return "", false
	}
	return claims.SessionID, claims.SessionID != ""
}

func cacheKey(credential string) string {
	if len(credential) > credentialPrefixLen {
		return credential[:credentialPrefixLen]
	}
	return credential
}

// bearerTransport stamps the provider secret on every outgoing request,
// including the JWKS refreshes.
type bearerTransport struct {
	secret string
	base   http.RoundTripper
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+t.secret)
	return t.base.RoundTrip(clone)
}
