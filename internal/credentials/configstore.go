package credentials

import (
	"context"
	"slices"

	"github.com/repoherd/repoherd/internal/config"
	"github.com/repoherd/repoherd/internal/repos"
)

// ConfigStore serves credential lookups from the secrets section of the
// configuration file. A repository's own credentials list takes precedence;
// unbound secrets of the requested method act as a shared fallback.
type ConfigStore struct {
	root *config.Root
}

func NewConfigStore(root *config.Root) *ConfigStore {
	return &ConfigStore{root: root}
}

func (s *ConfigStore) Lookup(ctx context.Context, method Method, repo repos.Ref) (any, error) {
	for _, rc := range s.root.Repositories {
		if !rc.Ref().Equal(repo) {
			continue
		}
		for _, ref := range rc.Credentials {
			if Method(ref.Method()) == method {
				return ref.Resolve(ctx)
			}
		}
		break
	}

	// Shared secrets, by name for determinism.
	names := make([]string, 0, len(s.root.Secrets))
	for name := range s.root.Secrets {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		if secret := s.root.Secrets[name]; Method(secret.Method()) == method {
			return secret.Typed(ctx)
		}
	}

	return nil, ErrNotFound
}
