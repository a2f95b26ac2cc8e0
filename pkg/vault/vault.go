package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gregtusar/vaultd/pkg/apperr"
	"github.com/gregtusar/vaultd/pkg/models"
)

const (
	ivSize  = 16
	tagSize = 16
	keySize = 32
)

// ErrDecrypt is returned for every authenticity failure. It never says which
// part of a credential failed.
var ErrDecrypt = apperr.New(apperr.KindCrypto, apperr.CodeDecryption, "credential could not be decrypted")

// Sealed is one independently encrypted field, hex encoded.
type Sealed struct {
	Ciphertext string
	IV         string
	Tag        string
}

// Vault performs AES-256-GCM envelope encryption with a key derived once at
// construction. It does no I/O.
type Vault struct {
	aead   cipher.AEAD
	random io.Reader
}

// DeriveKey accepts a 64-character hex string as the raw key; any other
// non-empty material is hashed with SHA-256.
func DeriveKey(material string) ([]byte, error) {
	material = strings.TrimSpace(material)
	if material == "" {
		return nil, errors.New("vault: master key material is empty")
	}
	if len(material) == keySize*2 {
		if b, err := hex.DecodeString(material); err == nil {
			return b, nil
		}
	}
	sum := sha256.Sum256([]byte(material))
	return sum[:], nil
}

func New(material string) (*Vault, error) {
	key, err := DeriveKey(material)
	if err != nil {
		return nil, err
	}
	return NewWithKey(key)
}

func NewWithKey(key []byte) (*Vault, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("vault: key must be %d bytes, got %d", keySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: create cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, fmt.Errorf("vault: create gcm: %w", err)
	}
	return &Vault{aead: aead, random: rand.Reader}, nil
}

// Encrypt seals plaintext under a fresh random IV.
func (v *Vault) Encrypt(plaintext string) (Sealed, error) {
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(v.random, iv); err != nil {
		return Sealed{}, fmt.Errorf("vault: generate iv: %w", err)
	}

	out := v.aead.Seal(nil, iv, []byte(plaintext), nil)
	ct, tag := out[:len(out)-tagSize], out[len(out)-tagSize:]

	return Sealed{
		Ciphertext: hex.EncodeToString(ct),
		IV:         hex.EncodeToString(iv),
		Tag:        hex.EncodeToString(tag),
	}, nil
}

// Decrypt fails closed with ErrDecrypt on any malformed input or tag mismatch.
func (v *Vault) Decrypt(s Sealed) (string, error) {
	ct, err := hex.DecodeString(s.Ciphertext)
	if err != nil {
		return "", ErrDecrypt
	}
	iv, err := hex.DecodeString(s.IV)
	if err != nil || len(iv) != ivSize {
		return "", ErrDecrypt
	}
	tag, err := hex.DecodeString(s.Tag)
	if err != nil || len(tag) != tagSize {
		return "", ErrDecrypt
	}

	pt, err := v.aead.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(pt), nil
}

// SealCredential encrypts key and secret independently, each under its own IV.
func (v *Vault) SealCredential(ownerID, label, apiKey, apiSecret string) (*models.Credential, error) {
	key, err := v.Encrypt(apiKey)
	if err != nil {
		return nil, err
	}
	secret, err := v.Encrypt(apiSecret)
	if err != nil {
		return nil, err
	}

	return &models.Credential{
		ID:              uuid.NewString(),
		OwnerID:         ownerID,
		Label:           label,
		CipherAPIKey:    key.Ciphertext,
		CipherAPISecret: secret.Ciphertext,
		APIKeyIV:        key.IV,
		SecretIV:        secret.IV,
		APIKeyTag:       key.Tag,
		SecretTag:       secret.Tag,
		ViewToken:       uuid.NewString(),
		CreatedAt:       time.Now().UTC(),
	}, nil
}

func (v *Vault) OpenCredential(c *models.Credential) (apiKey, apiSecret string, err error) {
	apiKey, err = v.Decrypt(Sealed{Ciphertext: c.CipherAPIKey, IV: c.APIKeyIV, Tag: c.APIKeyTag})
	if err != nil {
		return "", "", err
	}
	apiSecret, err = v.Decrypt(Sealed{Ciphertext: c.CipherAPISecret, IV: c.SecretIV, Tag: c.SecretTag})
	if err != nil {
		return "", "", err
	}
	return apiKey, apiSecret, nil
}
