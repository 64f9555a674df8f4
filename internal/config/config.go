package config

import (
	"fmt"
	"iter"
	"slices"
	"sort"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/repoherd/repoherd/internal/repos"
	"github.com/repoherd/repoherd/internal/util"
)

// Internal configuration data structures for repoherd.

// Root is the top-level configuration structure.
type Root struct {
	Repositories map[string]*Repository `json:"repositories,omitempty"`
	Secrets      map[string]*Secret     `json:"secrets,omitempty"` // Schema validation overrides Secret to object type.
	Workspace    *Workspace             `json:"workspace,omitempty"`
	Database     *Database              `json:"database,omitempty"`
	Service      *Service               `json:"service,omitempty"`
}

// UnmarshalYAML implements the yaml.Unmarshaler interface for the Root struct.
// Resources are defined as mappings where keys are the resource names. It also
// injects the secret store into each secret reference so that internal callers
// can resolve secret values as needed.
func (r *Root) UnmarshalYAML(bs []byte) error {
	type rawRoot Root // avoid recursive calls to UnmarshalYAML by type aliasing
	var raw rawRoot

	if err := yaml.Unmarshal(bs, &raw); err != nil {
		return fmt.Errorf("failed to decode Root: %w", err)
	}

	*r = Root(raw)
	return r.unmarshal()
}

func (r *Root) unmarshal() error {
	for name, secret := range r.Secrets {
		if secret == nil {
			secret = &Secret{}
			r.Secrets[name] = secret
		}
		secret.Name = name
	}

	for name, repo := range r.Repositories {
		if repo == nil {
			repo = &Repository{}
			r.Repositories[name] = repo
		}
		repo.Name = name
		if repo.Owner == "" && repo.Repo == "" {
			// The map key doubles as "owner/name" when no fields are given.
			ref, err := repos.ParseRef(name)
			if err != nil {
				return fmt.Errorf("repository %q: owner and repo are not configured and the name is not of the form owner/name", name)
			}
			repo.Host, repo.Owner, repo.Repo = ref.Host, ref.Owner, ref.Name
		}
		if repo.Host == "" {
			repo.Host = "github.com"
		}
		if repo.Protocol == "" {
			repo.Protocol = string(repos.ProtocolHTTPS)
		}
		for _, ref := range repo.Credentials {
			if err := r.bind(ref); err != nil {
				return fmt.Errorf("repository %q: %w", name, err)
			}
		}
	}

	if r.Service != nil && r.Service.WebhookSecret != nil {
		if err := r.bind(r.Service.WebhookSecret); err != nil {
			return fmt.Errorf("service: %w", err)
		}
	}

	return nil
}

func (r *Root) bind(ref *SecretRef) error {
	secret, ok := r.Secrets[ref.Name]
	if !ok {
		return fmt.Errorf("secret %q not found", ref.Name)
	}
	ref.value = secret
	return nil
}

// Parse decodes and validates a configuration file.
func Parse(bs []byte) (*Root, error) {
	if err := Validate(bs); err != nil {
		return nil, err
	}

	var root Root
	if err := yaml.Unmarshal(bs, &root); err != nil {
		return nil, err
	}

	return &root, nil
}

// SortedRepositories returns the configured repositories in name order.
func (r *Root) SortedRepositories() iter.Seq[*Repository] {
	names := slices.Sorted(keys(r.Repositories))
	return func(yield func(*Repository) bool) {
		for _, name := range names {
			if !yield(r.Repositories[name]) {
				return
			}
		}
	}
}

func keys[V any](m map[string]V) iter.Seq[string] {
	return func(yield func(string) bool) {
		for k := range m {
			if !yield(k) {
				return
			}
		}
	}
}

// Repository defines one repository managed by the orchestrator.
type Repository struct {
	Name          string       `json:"-"`
	Host          string       `json:"host,omitempty"` // defaults to github.com
	Owner         string       `json:"owner"`
	Repo          string       `json:"repo"`
	Protocol      string       `json:"protocol,omitempty" enum:"https,ssh"`
	URL           string       `json:"url,omitempty"`    // overrides the clone URL derived from host/owner/repo
	Public        bool         `json:"public,omitempty"` // access anonymously; no credential is resolved
	Reference     *string      `json:"reference,omitempty"` // branch or tag; defaults to the remote default branch
	Credentials   []*SecretRef `json:"credentials,omitempty"`
	IncludedPaths StringSet    `json:"included_paths,omitempty"`
	ExcludedPaths StringSet    `json:"excluded_paths,omitempty"`

	_ struct{} `additionalProperties:"false"`
}

// Ref returns the repository identity used throughout the orchestrator.
func (r *Repository) Ref() repos.Ref {
	return repos.Ref{
		Host:     r.Host,
		Owner:    r.Owner,
		Name:     r.Repo,
		Protocol: repos.Protocol(r.Protocol),
	}
}

func (r *Repository) Equal(other *Repository) bool {
	return fastEqual(r, other, func(r, other *Repository) bool {
		return r.Name == other.Name &&
			r.Host == other.Host &&
			r.Owner == other.Owner &&
			r.Repo == other.Repo &&
			r.Protocol == other.Protocol &&
			r.URL == other.URL &&
			r.Public == other.Public &&
			util.PtrEqual(r.Reference, other.Reference) &&
			secretRefsEqual(r.Credentials, other.Credentials) &&
			r.IncludedPaths.Equal(other.IncludedPaths) &&
			r.ExcludedPaths.Equal(other.ExcludedPaths)
	})
}

func secretRefsEqual(a, b []*SecretRef) bool {
	return slices.EqualFunc(a, b, func(a, b *SecretRef) bool { return a.Equal(b) })
}

// Workspace configures the on-disk root under which working copies live. Each
// repository owns the directory <dir>/<owner>_<name> exclusively while a sync
// pass is in flight.
type Workspace struct {
	Dir string `json:"dir,omitempty"`

	_ struct{} `additionalProperties:"false"`
}

const DefaultWorkspaceDir = "cloned_repos"

func (w *Workspace) Directory() string {
	if w == nil || w.Dir == "" {
		return DefaultWorkspaceDir
	}
	return w.Dir
}

// Database configures report and watermark persistence.
type Database struct {
	SQL           *SQLDatabase `json:"sql,omitempty"`
	EncryptionKey string       `json:"encryption_key,omitempty"` // 32 bytes, base64 or raw; ${ENV} expanded

	_ struct{} `additionalProperties:"false"`
}

type SQLDatabase struct {
	Driver string `json:"driver,omitempty" enum:"sqlite,postgres,pgx"`
	DSN    string `json:"dsn,omitempty"`

	_ struct{} `additionalProperties:"false"`
}

// Service configures the coordinator and its HTTP surface.
type Service struct {
	Listen          string     `json:"listen,omitempty"`
	Workers         int        `json:"workers,omitempty"`
	PollInterval    Duration   `json:"poll_interval,omitzero"`
	DebounceWindow  Duration   `json:"debounce_window,omitzero"`
	MaxAttempts     int        `json:"max_attempts,omitempty"`
	RetryBackoff    Duration   `json:"retry_backoff,omitzero"`
	MaxRetryBackoff Duration   `json:"max_retry_backoff,omitzero"`
	WebhookSecret   *SecretRef `json:"webhook_secret,omitempty"`

	_ struct{} `additionalProperties:"false"`
}

// Defaults follow the documented agent settings: three attempts per pass and
// a five minute polling cadence.
const (
	DefaultListen          = ":8282"
	DefaultWorkers         = 4
	DefaultPollInterval    = 5 * time.Minute
	DefaultDebounceWindow  = 10 * time.Second
	DefaultMaxAttempts     = 3
	DefaultRetryBackoff    = 5 * time.Second
	DefaultMaxRetryBackoff = 5 * time.Minute
)

// Instead of marshaling and unmarshaling as int64 it uses strings, like "5m" or "0.5s".
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	if len(data) >= 2 && data[0] == '"' {
		data = data[1 : len(data)-1]
	}
	val, err := time.ParseDuration(string(data))
	*d = Duration(val)
	return err
}

func (d *Duration) UnmarshalYAML(bs []byte) error {
	var s string
	if err := yaml.Unmarshal(bs, &s); err != nil {
		return err
	}
	val, err := time.ParseDuration(s)
	*d = Duration(val)
	return err
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

type StringSet []string

func (a StringSet) Equal(b StringSet) bool {
	return util.SetEqual(a, b, func(s string) string { return s }, func(a, b string) bool { return a == b })
}

func (a StringSet) Sorted() []string {
	s := slices.Clone(a)
	sort.Strings(s)
	return s
}

func fastEqual[V any](a, b *V, slowEqual func(a, b *V) bool) bool {
	return util.FastEqual(a, b, slowEqual)
}
