package portfolio

import (
	"context"
	"sync"
	"time"

	"github.com/gregtusar/vaultd/pkg/apperr"
	"github.com/gregtusar/vaultd/pkg/binance"
	"github.com/gregtusar/vaultd/pkg/models"
	"github.com/gregtusar/vaultd/pkg/store"
	"github.com/sirupsen/logrus"
)

// Sealer encrypts and decrypts credential pairs. *vault.Vault implements it.
type Sealer interface {
	SealCredential(ownerID, label, apiKey, apiSecret string) (*models.Credential, error)
	OpenCredential(c *models.Credential) (apiKey, apiSecret string, err error)
}

// Accounts is the aggregation surface. *aggregator.Aggregator implements it.
type Accounts interface {
	GetCombinedAccountInfo(ctx context.Context, creds binance.Credentials) (*models.AccountSnapshot, error)
	Snapshot(ctx context.Context, ownerID string, creds binance.Credentials) (*models.AccountSnapshot, error)
}

// Prober makes the cheapest signed call that proves a key pair works.
type Prober interface {
	SpotAccount(ctx context.Context, creds binance.Credentials) (models.SpotAccount, error)
}

type Limiter interface {
	Allow(key string) bool
	TimeUntilNextSlot(key string) time.Duration
}

// Service ties the vault, store and aggregator together for one process. It
// decrypts credentials only for the duration of a call.
type Service struct {
	sealer   Sealer
	store    store.Store
	accounts Accounts
	prober   Prober
	limiter  Limiter
	logger   *logrus.Logger

	mu      sync.Mutex
	stopCh  chan struct{}
	stopped chan struct{}
}

func NewService(sealer Sealer, st store.Store, accounts Accounts, prober Prober, limiter Limiter, logger *logrus.Logger) *Service {
	return &Service{
		sealer:   sealer,
		store:    st,
		accounts: accounts,
		prober:   prober,
		limiter:  limiter,
		logger:   logger,
	}
}

// TestConnection validates the key pair and makes one signed venue call.
// Well-formed pairs are rate limited per clientKey.
func (s *Service) TestConnection(ctx context.Context, clientKey string, creds binance.Credentials) error {
	if err := creds.Validate(); err != nil {
		return err
	}
	if !s.limiter.Allow(clientKey) {
		return apperr.RateLimited(s.limiter.TimeUntilNextSlot(clientKey))
	}

	if _, err := s.prober.SpotAccount(ctx, creds); err != nil {
		s.logger.WithError(err).WithField("api_key", binance.MaskKey(creds.APIKey)).Info("Connection test failed")
		return err
	}
	return nil
}

// RegisterCredential tests the pair and, on success, stores it sealed. Any
// previous credential for the owner is replaced and its view token revoked.
func (s *Service) RegisterCredential(ctx context.Context, clientKey, ownerID, label string, creds binance.Credentials) (*models.Credential, error) {
	if ownerID == "" {
		return nil, apperr.New(apperr.KindAuth, apperr.CodeUnauthorized, "owner identity is required")
	}
	if err := s.TestConnection(ctx, clientKey, creds); err != nil {
		return nil, err
	}

	cred, err := s.sealer.SealCredential(ownerID, label, creds.APIKey, creds.APISecret)
	if err != nil {
		return nil, err
	}
	if err := s.store.SaveCredential(ctx, cred); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"owner_id":      ownerID,
		"credential_id": cred.ID,
		"api_key":       binance.MaskKey(creds.APIKey),
	}).Info("Stored credential")
	return cred, nil
}

func (s *Service) DeleteCredential(ctx context.Context, ownerID string) error {
	return s.store.DeleteCredential(ctx, ownerID)
}

// Account aggregates the owner's balances and records the snapshot.
func (s *Service) Account(ctx context.Context, ownerID string) (*models.AccountSnapshot, error) {
	creds, err := s.open(s.store.CredentialByOwner(ctx, ownerID))
	if err != nil {
		return nil, err
	}
	return s.accounts.Snapshot(ctx, ownerID, creds)
}

// PublicAccount serves the read-only view behind a view token. It is not
// recorded as history.
func (s *Service) PublicAccount(ctx context.Context, token string) (*models.AccountSnapshot, error) {
	if token == "" {
		return nil, store.ErrNotFound
	}
	creds, err := s.open(s.store.CredentialByViewToken(ctx, token))
	if err != nil {
		return nil, err
	}
	return s.accounts.GetCombinedAccountInfo(ctx, creds)
}

func (s *Service) History(ctx context.Context, ownerID string, since int64) ([]models.SnapshotRecord, error) {
	return s.store.History(ctx, ownerID, since)
}

func (s *Service) open(cred *models.Credential, err error) (binance.Credentials, error) {
	if err != nil {
		return binance.Credentials{}, err
	}
	key, secret, err := s.sealer.OpenCredential(cred)
	if err != nil {
		return binance.Credentials{}, err
	}
	return binance.Credentials{APIKey: key, APISecret: secret}, nil
}

// Start snapshots every stored owner once per interval until Stop or ctx ends.
func (s *Service) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	s.stopCh = make(chan struct{})
	s.stopped = make(chan struct{})

	s.logger.WithField("interval", interval.String()).Info("Starting history recorder")
	go s.record(ctx, interval, s.stopCh, s.stopped)
}

func (s *Service) Stop() {
	s.mu.Lock()
	stopCh, stopped := s.stopCh, s.stopped
	s.stopCh, s.stopped = nil, nil
	s.mu.Unlock()

	if stopCh == nil {
		return
	}
	s.logger.Info("Stopping history recorder")
	close(stopCh)
	<-stopped
}

func (s *Service) record(ctx context.Context, interval time.Duration, stopCh, stopped chan struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			s.RecordAll(ctx)
		}
	}
}

// RecordAll snapshots each owner in turn. A failing owner is logged and
// skipped. It returns the number of snapshots taken.
func (s *Service) RecordAll(ctx context.Context) int {
	owners, err := s.store.Owners(ctx)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list credential owners")
		return 0
	}

	n := 0
	for _, owner := range owners {
		if ctx.Err() != nil {
			break
		}
		if _, err := s.Account(ctx, owner); err != nil {
			s.logger.WithError(err).WithField("owner_id", owner).Warn("Failed to record snapshot")
			continue
		}
		n++
	}
	return n
}
