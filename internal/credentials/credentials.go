// Package credentials implements repository credential resolution. Given an
// ordered preference list of access methods, the resolver queries a secret
// store for each method in turn and returns the first usable handle. Secret
// material never leaves the handle; logs and reports only ever see the method
// tag and the expiry.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-git/go-git/v5/plumbing/transport"

	"github.com/repoherd/repoherd/internal/config"
	"github.com/repoherd/repoherd/internal/logging"
	"github.com/repoherd/repoherd/internal/repos"
)

// Method tags the access method a credential belongs to.
type Method string

const (
	MethodDeployKey         Method = "deploy_key"
	MethodFineGrainedPAT    Method = "fine_grained_pat"
	MethodPAT               Method = "pat"
	MethodCollaboratorToken Method = "collaborator_token"
	MethodGitHubApp         Method = "github_app"

	// MethodNone marks anonymous access to a public repository.
	MethodNone Method = "none"
)

// Anonymous returns the handle used for public repositories. Its transport
// auth is nil, which git clients treat as unauthenticated access.
func Anonymous() *Handle {
	return &Handle{method: MethodNone}
}

// DefaultOrder is the documented method preference: most narrowly scoped
// credentials first.
var DefaultOrder = []Method{
	MethodDeployKey,
	MethodFineGrainedPAT,
	MethodPAT,
	MethodCollaboratorToken,
	MethodGitHubApp,
}

// ParseMethod validates a method tag, e.g. from a discovery hint.
func ParseMethod(s string) (Method, error) {
	switch m := Method(s); m {
	case MethodDeployKey, MethodFineGrainedPAT, MethodPAT, MethodCollaboratorToken, MethodGitHubApp:
		return m, nil
	}
	return "", fmt.Errorf("unknown credential method %q", s)
}

var (
	// ErrNotFound is returned by stores when no credential of the requested
	// method exists for the repository.
	ErrNotFound = errors.New("credential not found")

	// ErrNoUsableCredential is returned by Resolve after all candidate
	// methods have been exhausted. It indicates missing configuration and is
	// terminal: callers must not retry.
	ErrNoUsableCredential = errors.New("no usable credential")
)

// Store abstracts the source of secrets. Lookup returns the typed secret
// value for the given method and repository, or ErrNotFound.
type Store interface {
	Lookup(ctx context.Context, method Method, repo repos.Ref) (any, error)
}

// Handle is an opaque reference to one resolved credential. Only the method
// tag, expiry and scope are observable; the secret itself is reachable solely
// as a git transport auth method.
type Handle struct {
	method    Method
	expiry    *time.Time
	readWrite bool
	auth      transport.AuthMethod
}

func (h *Handle) Method() Method     { return h.method }
func (h *Handle) Expiry() *time.Time { return h.expiry }
func (h *Handle) ReadWrite() bool    { return h.readWrite }

// Auth returns the git transport authentication for this credential.
func (h *Handle) Auth() transport.AuthMethod { return h.auth }

// String renders the observable parts of the handle. It never includes
// secret material.
func (h *Handle) String() string {
	if h.expiry != nil {
		return fmt.Sprintf("%s (expires %s)", h.method, h.expiry.Format(time.RFC3339))
	}
	return string(h.method)
}

// Resolver turns method preference lists into usable credential handles.
type Resolver struct {
	store Store
	log   *logging.Logger
	gh    github
	now   func() time.Time
}

func NewResolver(store Store, log *logging.Logger) *Resolver {
	return &Resolver{store: store, log: log, now: time.Now}
}

// Resolve iterates candidates in preference order and returns the first valid
// handle, together with the candidates that were not tried. The remainder
// lets the caller fall back to the next-best credential if the returned one
// is rejected at transport time. Methods whose secrets are missing or expired
// are skipped. Once all candidates are exhausted, ErrNoUsableCredential is
// returned; the resolver itself never fetches or mutates secrets.
func (r *Resolver) Resolve(ctx context.Context, repo repos.Ref, candidates []Method) (*Handle, []Method, error) {
	if len(candidates) == 0 {
		candidates = DefaultOrder
	}

	for i, method := range candidates {
		value, err := r.store.Lookup(ctx, method, repo)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, nil, fmt.Errorf("credential lookup %s for %s: %w", method, repo, err)
		}

		handle, err := r.handle(ctx, method, value)
		if err != nil {
			r.log.Debugf("Skipping credential %s for %s: %v", method, repo, err)
			continue
		}

		if handle.expiry != nil && !handle.expiry.After(r.now()) {
			r.log.Debugf("Skipping expired credential %s for %s", method, repo)
			continue
		}

		return handle, candidates[i+1:], nil
	}

	return nil, nil, fmt.Errorf("%w for %s after trying %d method(s)", ErrNoUsableCredential, repo, len(candidates))
}

func (r *Resolver) handle(ctx context.Context, method Method, value any) (*Handle, error) {
	switch value := value.(type) {
	case config.SecretDeployKey:
		auth, err := newSSHAuth(value.Key, value.Passphrase, value.Fingerprints)
		if err != nil {
			return nil, err
		}
		return &Handle{method: method, auth: auth}, nil

	case config.SecretFineGrainedPAT:
		expiry, err := value.ExpiresAt()
		if err != nil {
			return nil, err
		}
		return &Handle{
			method:    method,
			expiry:    expiry,
			readWrite: value.ReadWrite,
			auth:      tokenBasicAuth(value.Token),
		}, nil

	case config.SecretPAT:
		return &Handle{method: method, readWrite: true, auth: tokenBasicAuth(value.Token)}, nil

	case config.SecretCollaboratorToken:
		return &Handle{
			method:    method,
			readWrite: true,
			auth: &basicAuth{
				Username: value.Username,
				Password: value.Password,
				Headers:  value.Headers,
			},
		}, nil

	case config.SecretGitHubApp:
		token, err := r.gh.Token(ctx, value.IntegrationID, value.InstallationID, []byte(value.PrivateKey))
		if err != nil {
			return nil, err
		}
		return &Handle{method: method, readWrite: true, auth: tokenBasicAuth(token)}, nil

	default:
		return nil, fmt.Errorf("unsupported secret type for method %s: %T", method, value)
	}
}
