package binance

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"regexp"

	"github.com/gregtusar/vaultd/pkg/apperr"
)

const apiKeyHeader = "X-MBX-APIKEY"

var credentialPattern = regexp.MustCompile(`^[A-Za-z0-9]{64}$`)

// Credentials is a decrypted key pair. It exists only for the duration of a
// request and must never be logged; String masks it.
type Credentials struct {
	APIKey    string
	APISecret string
}

func (c Credentials) String() string {
	return "Credentials{" + MaskKey(c.APIKey) + "}"
}

// MaskKey keeps the first four characters of an API key for log correlation.
func MaskKey(apiKey string) string {
	if len(apiKey) <= 4 {
		return "****"
	}
	return apiKey[:4] + "****"
}

// Validate checks the venue's key format before anything is sent.
func (c Credentials) Validate() error {
	if c.APIKey == "" {
		return apperr.New(apperr.KindValidation, apperr.CodeInvalidAPIKey, "API key is required")
	}
	if !credentialPattern.MatchString(c.APIKey) {
		return apperr.New(apperr.KindValidation, apperr.CodeInvalidAPIKey, "API key must be 64 letters and numbers")
	}
	if c.APISecret == "" {
		return apperr.New(apperr.KindValidation, apperr.CodeInvalidAPISecret, "API secret is required")
	}
	if !credentialPattern.MatchString(c.APISecret) {
		return apperr.New(apperr.KindValidation, apperr.CodeInvalidAPISecret, "API secret must be 64 letters and numbers")
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of the exact query string that is sent.
func Sign(secret, queryString string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(queryString))
	return hex.EncodeToString(h.Sum(nil))
}

func addAuthHeader(req *http.Request, apiKey string) {
	if apiKey != "" {
		req.Header.Set(apiKeyHeader, apiKey)
	}
}
