package models

import (
	"time"
)

// Credential holds an exchange key pair encrypted at rest. Each field carries
// its own IV and tag; they are never shared between the two ciphertexts.
type Credential struct {
	ID              string    `json:"id"`
	OwnerID         string    `json:"ownerId"`
	Label           string    `json:"label"`
	CipherAPIKey    string    `json:"cipherApiKey"`
	CipherAPISecret string    `json:"cipherApiSecret"`
	APIKeyIV        string    `json:"apiKeyIv"`
	SecretIV        string    `json:"secretIv"`
	APIKeyTag       string    `json:"apiKeyTag"`
	SecretTag       string    `json:"secretTag"`
	ViewToken       string    `json:"viewToken,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

// SignedRequest is built per call and never persisted. It has no field for
// the secret.
type SignedRequest struct {
	Endpoint  string
	BaseURL   string
	Query     string
	Signature string
	Timestamp int64
}

func (r SignedRequest) URL() string {
	return r.BaseURL + r.Endpoint + "?" + r.Query + "&signature=" + r.Signature
}
