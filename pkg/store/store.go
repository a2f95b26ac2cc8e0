package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/gregtusar/vaultd/pkg/models"
)

var (
	ErrNotFound     = errors.New("store: not found")
	ErrInvalidOwner = errors.New("store: owner id must be non-empty and free of NUL bytes")
)

// checkOwner rejects owner ids that would collide in the badger key layout.
func checkOwner(ownerID string) error {
	if ownerID == "" || strings.Contains(ownerID, sep) {
		return ErrInvalidOwner
	}
	return nil
}

// Store persists encrypted credentials and snapshot history. It never sees
// plaintext secrets.
type Store interface {
	SaveCredential(ctx context.Context, cred *models.Credential) error
	CredentialByOwner(ctx context.Context, ownerID string) (*models.Credential, error)
	CredentialByViewToken(ctx context.Context, token string) (*models.Credential, error)
	DeleteCredential(ctx context.Context, ownerID string) error
	// Owners lists every owner with a stored credential, sorted.
	Owners(ctx context.Context) ([]string, error)
	AppendSnapshot(ctx context.Context, ownerID string, snap models.AccountSnapshot) error
	// History returns records with UpdateTime >= since, oldest first.
	History(ctx context.Context, ownerID string, since int64) ([]models.SnapshotRecord, error)
	Close() error
}

// Memory is a process-local Store used in tests and when no path is configured.
type Memory struct {
	mu        sync.RWMutex
	creds     map[string]models.Credential
	tokens    map[string]string
	snapshots map[string][]models.SnapshotRecord
}

func NewMemory() *Memory {
	return &Memory{
		creds:     make(map[string]models.Credential),
		tokens:    make(map[string]string),
		snapshots: make(map[string][]models.SnapshotRecord),
	}
}

func (m *Memory) SaveCredential(_ context.Context, cred *models.Credential) error {
	if cred == nil {
		return errors.New("store: credential is required")
	}
	if err := checkOwner(cred.OwnerID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.creds[cred.OwnerID]; ok && prev.ViewToken != "" {
		delete(m.tokens, prev.ViewToken)
	}
	m.creds[cred.OwnerID] = *cred
	if cred.ViewToken != "" {
		m.tokens[cred.ViewToken] = cred.OwnerID
	}
	return nil
}

func (m *Memory) CredentialByOwner(_ context.Context, ownerID string) (*models.Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.creds[ownerID]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (m *Memory) CredentialByViewToken(ctx context.Context, token string) (*models.Credential, error) {
	m.mu.RLock()
	owner, ok := m.tokens[token]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return m.CredentialByOwner(ctx, owner)
}

func (m *Memory) DeleteCredential(_ context.Context, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.creds[ownerID]
	if !ok {
		return ErrNotFound
	}
	delete(m.tokens, c.ViewToken)
	delete(m.creds, ownerID)
	return nil
}

func (m *Memory) Owners(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.creds))
	for owner := range m.creds {
		out = append(out, owner)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) AppendSnapshot(_ context.Context, ownerID string, snap models.AccountSnapshot) error {
	if err := checkOwner(ownerID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	recs := append(m.snapshots[ownerID], models.SnapshotRecord{OwnerID: ownerID, Snapshot: snap})
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].Snapshot.UpdateTime < recs[j].Snapshot.UpdateTime
	})
	m.snapshots[ownerID] = recs
	return nil
}

func (m *Memory) History(_ context.Context, ownerID string, since int64) ([]models.SnapshotRecord, error) {
	if err := checkOwner(ownerID); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []models.SnapshotRecord{}
	for _, r := range m.snapshots[ownerID] {
		if r.Snapshot.UpdateTime >= since {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }
