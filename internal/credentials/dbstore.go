package credentials

import (
	"context"
	"errors"

	"github.com/repoherd/repoherd/internal/database"
	"github.com/repoherd/repoherd/internal/repos"
)

// DatabaseStore serves credential lookups from the encrypted secrets table.
// Secrets of the requested method are shared across repositories; the first
// one by name wins.
type DatabaseStore struct {
	db *database.Database
}

func NewDatabaseStore(db *database.Database) *DatabaseStore {
	return &DatabaseStore{db: db}
}

func (s *DatabaseStore) Lookup(ctx context.Context, method Method, _ repos.Ref) (any, error) {
	secrets, err := s.db.SecretsByType(ctx, string(method))
	if err != nil {
		if errors.Is(err, database.ErrEncryptionKeyNotSet) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if len(secrets) == 0 {
		return nil, ErrNotFound
	}
	return secrets[0].Typed(ctx)
}

// Chain tries stores in order, falling through on ErrNotFound.
type Chain []Store

func (c Chain) Lookup(ctx context.Context, method Method, repo repos.Ref) (any, error) {
	for _, store := range c {
		value, err := store.Lookup(ctx, method, repo)
		if err == nil {
			return value, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, ErrNotFound
}
