package httpserver

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

// VerifySignature checks the HMAC-SHA256 hex signature of a delivery body.
// With no secret configured verification is bypassed; that is a deliberate
// dev-mode escape hatch, production should always set the secrets.
//
// Sources differ in header naming, so the source-specific header is tried
// first and the generic X-Hook-Signature second. Some senders prefix the
// digest with "sha256=".
func VerifySignature(r *http.Request, source string, secret string, body []byte) bool {
	if secret == "" {
		return true
	}
	sig := r.Header.Get("X-" + capitalize(source) + "-Signature")
	if sig == "" {
		sig = r.Header.Get("X-Hook-Signature")
	}
	if sig == "" {
		return false
	}
	sig = strings.TrimPrefix(sig, "sha256=")

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(sig)))
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
