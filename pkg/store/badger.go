package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/gregtusar/vaultd/pkg/models"
)

const sep = "\x00"

type BadgerOptions struct {
	Path string
	// EncryptionKey enables badger's at-rest encryption; 16, 24 or 32 bytes.
	EncryptionKey []byte
	InMemory      bool
}

// Badger is the durable Store. Credential ciphertexts are already sealed by
// the vault; the optional badger encryption covers snapshot history too.
type Badger struct {
	db *badger.DB
}

func OpenBadger(opts BadgerOptions) (*Badger, error) {
	if strings.TrimSpace(opts.Path) == "" && !opts.InMemory {
		return nil, errors.New("store: path is required")
	}

	bopts := badger.DefaultOptions(opts.Path).WithLogger(nil)
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	if len(opts.EncryptionKey) > 0 {
		bopts = bopts.
			WithEncryptionKey(opts.EncryptionKey).
			WithIndexCacheSize(100 << 20)
	}

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Badger{db: db}, nil
}

func credKey(ownerID string) []byte { return []byte("cred" + sep + ownerID) }
func tokenKey(token string) []byte { return []byte("token" + sep + token) }
func snapPrefix(ownerID string) []byte {
	return []byte("snap" + sep + ownerID + sep)
}
func snapKey(ownerID string, ts int64) []byte {
	return []byte(fmt.Sprintf("%s%020d%s%s", snapPrefix(ownerID), ts, sep, uuid.NewString()))
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func (b *Badger) SaveCredential(_ context.Context, cred *models.Credential) error {
	if cred == nil {
		return errors.New("store: credential is required")
	}
	if err := checkOwner(cred.OwnerID); err != nil {
		return err
	}
	val, err := json.Marshal(cred)
	if err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		var prev models.Credential
		switch err := getJSON(txn, credKey(cred.OwnerID), &prev); {
		case err == nil && prev.ViewToken != "":
			if err := txn.Delete(tokenKey(prev.ViewToken)); err != nil {
				return err
			}
		case err != nil && !errors.Is(err, ErrNotFound):
			return err
		}

		if err := txn.Set(credKey(cred.OwnerID), val); err != nil {
			return err
		}
		if cred.ViewToken != "" {
			return txn.Set(tokenKey(cred.ViewToken), []byte(cred.OwnerID))
		}
		return nil
	})
}

func (b *Badger) CredentialByOwner(_ context.Context, ownerID string) (*models.Credential, error) {
	var c models.Credential
	err := b.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, credKey(ownerID), &c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (b *Badger) CredentialByViewToken(_ context.Context, token string) (*models.Credential, error) {
	var c models.Credential
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(tokenKey(token))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		owner, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return getJSON(txn, credKey(string(owner)), &c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (b *Badger) DeleteCredential(_ context.Context, ownerID string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		var c models.Credential
		if err := getJSON(txn, credKey(ownerID), &c); err != nil {
			return err
		}
		if c.ViewToken != "" {
			if err := txn.Delete(tokenKey(c.ViewToken)); err != nil {
				return err
			}
		}
		return txn.Delete(credKey(ownerID))
	})
}

func (b *Badger) Owners(context.Context) ([]string, error) {
	prefix := []byte("cred" + sep)
	out := []string{}
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			out = append(out, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *Badger) AppendSnapshot(_ context.Context, ownerID string, snap models.AccountSnapshot) error {
	if err := checkOwner(ownerID); err != nil {
		return err
	}
	val, err := json.Marshal(models.SnapshotRecord{OwnerID: ownerID, Snapshot: snap})
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(snapKey(ownerID, snap.UpdateTime), val)
	})
}

func (b *Badger) History(_ context.Context, ownerID string, since int64) ([]models.SnapshotRecord, error) {
	if err := checkOwner(ownerID); err != nil {
		return nil, err
	}
	if since < 0 {
		since = 0
	}
	prefix := snapPrefix(ownerID)
	start := []byte(fmt.Sprintf("%s%020d", prefix, since))

	out := []models.SnapshotRecord{}
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 100})
		defer it.Close()

		for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
			var rec models.SnapshotRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *Badger) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}
