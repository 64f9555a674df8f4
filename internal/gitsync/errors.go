package gitsync

import (
	"context"
	"errors"
	"net"

	"github.com/go-git/go-git/v5/plumbing/transport"
)

// AuthError indicates the remote rejected the presented credential. The job
// retries once with the next-best credential if the resolver has
// alternatives; otherwise the pass is terminal.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return "authentication failed: " + e.Err.Error() }
func (e *AuthError) Unwrap() error { return e.Err }

// NetworkError indicates a transient transport failure. Retried with capped
// exponential backoff.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string { return "network failure: " + e.Err.Error() }
func (e *NetworkError) Unwrap() error { return e.Err }

// CorruptWorkspaceError indicates the local checkout is unusable. Recovered
// with one forced re-clone; terminal if that also fails.
type CorruptWorkspaceError struct {
	Err error
}

func (e *CorruptWorkspaceError) Error() string { return "corrupt workspace: " + e.Err.Error() }
func (e *CorruptWorkspaceError) Unwrap() error { return e.Err }

// classifyRemote maps go-git transport failures onto the orchestrator's
// error taxonomy. Note that GitHub reports private repositories as not found
// when the credential lacks access, so ErrRepositoryNotFound counts as an
// authentication failure rather than a permanent one.
func classifyRemote(err error) error {
	switch {
	case errors.Is(err, transport.ErrAuthenticationRequired),
		errors.Is(err, transport.ErrAuthorizationFailed),
		errors.Is(err, transport.ErrRepositoryNotFound):
		return &AuthError{Err: err}

	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &NetworkError{Err: err}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &NetworkError{Err: err}
	}

	// Remaining transport failures are treated as transient: retrying a
	// genuinely broken remote exhausts the attempt budget and surfaces in
	// the report either way.
	return &NetworkError{Err: err}
}
