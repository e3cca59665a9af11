package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/and161185/learnlog/internal/crypto/clientcrypto"
	"github.com/and161185/learnlog/internal/errs"
)

// SaltKey holds the per-store Argon2id salt. It is stored in the clear.
const SaltKey = "seal/salt"

// SealedStore encrypts every value written to the wrapped store.
type SealedStore struct {
	inner Store
	key   []byte
}

// Sealed wraps inner so that values are sealed with a key derived from passphrase.
// The salt is created on first use and reused afterwards.
func Sealed(ctx context.Context, inner Store, passphrase []byte) (*SealedStore, error) {
	salt, err := inner.Get(ctx, SaltKey)
	if errors.Is(err, errs.ErrNotFound) {
		salt, err = clientcrypto.Rand(clientcrypto.SaltLen)
		if err != nil {
			return nil, err
		}
		if err = inner.Put(ctx, SaltKey, salt); err != nil {
			return nil, fmt.Errorf("store salt: %w", err)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("load salt: %w", err)
	}
	return &SealedStore{inner: inner, key: clientcrypto.DeriveKey(passphrase, salt)}, nil
}

// Get opens the value stored under key.
func (s *SealedStore) Get(ctx context.Context, key string) ([]byte, error) {
	blob, err := s.inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	pt, err := clientcrypto.Open(s.key, []byte(key), blob)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	return pt, nil
}

// Put seals value and writes it under key.
func (s *SealedStore) Put(ctx context.Context, key string, value []byte) error {
	blob, err := clientcrypto.Seal(s.key, []byte(key), value)
	if err != nil {
		return err
	}
	return s.inner.Put(ctx, key, blob)
}

func (s *SealedStore) Delete(ctx context.Context, key string) error { return s.inner.Delete(ctx, key) }

func (s *SealedStore) Close() error { return s.inner.Close() }
