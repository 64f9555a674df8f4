// Package repos defines the core identifiers and record types shared by the
// repository lifecycle components: repository references, sync watermarks,
// sync results and workflow reports.
package repos

import (
	"fmt"
	"strings"
	"time"
)

// Protocol selects the transport used for clone and fetch operations.
type Protocol string

const (
	ProtocolHTTPS Protocol = "https"
	ProtocolSSH   Protocol = "ssh"
)

// Ref identifies a repository. Equality is by (Host, Owner, Name); the
// protocol is a transport preference and does not participate in identity.
type Ref struct {
	Host     string
	Owner    string
	Name     string
	Protocol Protocol
}

// ParseRef parses "owner/name" or "host/owner/name" into a Ref. The host
// defaults to github.com, the protocol to HTTPS.
func ParseRef(s string) (Ref, error) {
	parts := strings.Split(strings.Trim(s, "/"), "/")
	switch len(parts) {
	case 2:
		return Ref{Host: "github.com", Owner: parts[0], Name: parts[1], Protocol: ProtocolHTTPS}, nil
	case 3:
		return Ref{Host: parts[0], Owner: parts[1], Name: parts[2], Protocol: ProtocolHTTPS}, nil
	default:
		return Ref{}, fmt.Errorf("invalid repository reference %q, expected [host/]owner/name", s)
	}
}

func (r Ref) String() string {
	return r.Host + "/" + r.Owner + "/" + r.Name
}

// Key returns the identity of the repository, used for map keys and for
// serializing jobs per repository. Protocol is deliberately excluded.
func (r Ref) Key() string {
	return r.Host + "/" + r.Owner + "/" + r.Name
}

// Dir returns the workspace directory name for the repository.
func (r Ref) Dir() string {
	return r.Owner + "_" + r.Name
}

// CloneURL renders the remote URL for the preferred protocol.
func (r Ref) CloneURL() string {
	if r.Protocol == ProtocolSSH {
		return fmt.Sprintf("git@%s:%s/%s.git", r.Host, r.Owner, r.Name)
	}
	return fmt.Sprintf("https://%s/%s/%s.git", r.Host, r.Owner, r.Name)
}

func (r Ref) Equal(other Ref) bool {
	return r.Host == other.Host && r.Owner == other.Owner && r.Name == other.Name
}

// Watermark records the last commit a workspace has been synchronized to.
// Watermarks are monotonic per repository: a sync never moves one backwards
// unless a forced re-clone was requested.
type Watermark struct {
	Commit   string    `json:"commit"`
	SyncedAt time.Time `json:"synced_at"`
}

// IsZero reports whether the watermark has never been set.
func (w Watermark) IsZero() bool {
	return w.Commit == ""
}

// SyncResult describes the outcome of one clone or sync pass.
type SyncResult struct {
	Before       *Watermark    `json:"before,omitempty"`
	After        Watermark     `json:"after"`
	ChangedPaths []string      `json:"changed_paths"`
	Full         bool          `json:"full"` // initial clone or forced re-clone, ChangedPaths is the complete file list
	Duration     time.Duration `json:"duration"`
}

// NoOp reports whether the pass found the workspace already current.
func (r *SyncResult) NoOp() bool {
	return !r.Full && len(r.ChangedPaths) == 0
}

// ErrorKind classifies terminal and transient failures for reporting.
type ErrorKind string

const (
	ErrorKindNone               ErrorKind = "none"
	ErrorKindNoUsableCredential ErrorKind = "no_usable_credential"
	ErrorKindAuth               ErrorKind = "auth"
	ErrorKindNetwork            ErrorKind = "network"
	ErrorKindCorruptWorkspace   ErrorKind = "corrupt_workspace"
	ErrorKindInternal           ErrorKind = "internal"
)

// Report is a point-in-time snapshot of one job pass. Reports are immutable
// once created and accumulate in the report sink.
type Report struct {
	Repository   string        `json:"repository" sql:"repository"`
	State        string        `json:"state" sql:"state"`
	Attempts     int           `json:"attempts" sql:"attempts"`
	Duration     time.Duration `json:"duration" sql:"duration"`
	ChangedPaths int           `json:"changed_paths" sql:"changed_paths"`
	ErrorKind    ErrorKind     `json:"error_kind" sql:"error_kind"`
	Error        string        `json:"error,omitempty" sql:"error"`
	Timestamp    time.Time     `json:"timestamp" sql:"timestamp"`
}
