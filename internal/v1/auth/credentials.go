package auth

import (
	"net/http"
	"strings"
)

// sessionCookies are the provider cookie names checked in order.
var sessionCookies = []string{"__session", "__clerk_session"}

// ExtractCredential pulls the bearer credential off an HTTP request:
// the Authorization header first, then the provider session cookies,
// then the token query parameter. Returns "" when none is present.
func ExtractCredential(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
	}
	for _, name := range sessionCookies {
		if c, err := r.Cookie(name); err == nil && c.Value != "" {
			return c.Value
		}
	}
	return r.URL.Query().Get("token")
}
