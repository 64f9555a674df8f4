package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"reflect"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/goccy/go-yaml"
	"github.com/swaggest/jsonschema-go"
)

var wellknownFingerprints = []string{
	"SHA256:uNiVztksCsDhcc0u9e8BujQXVUpKZIDTMczCvj3tD2s", // github.com https://docs.github.com/en/github/authenticating-to-github/githubs-ssh-key-fingerprints
	"SHA256:p2QAMXNIC1TJYWeIOttrVc98/R1BUFWu3/LiyKgUfQM", // github.com
	"SHA256:+DiY3wvvV6TuJJhbpZisF/zLDA0zPMSvHdkr4UvCOqU", // github.com
	"SHA256:zzXQOXSRBEiUtuE8AikJYKwbHaxvSc0ojez9YXaGp1A", // bitbucket.org https://support.atlassian.com/bitbucket-cloud/docs/configure-ssh-and-two-step-verification/
	"SHA256:ohD8VZEXGWo6Ez8GSEJQ9WpafgLFsOfLOtGGQCQo6Og", // dev.azure.com
}

// Secret defines the configuration for credentials used to access managed
// repositories.
//
// Each secret is stored as a map of key-value pairs. The secret type is
// declared in the map under the "type" key. For example, a classic personal
// access token looks like this (in YAML):
//
// my_secret:
//
//	type: pat
//	token: ${GITHUB_TOKEN}
//
// Values may refer to environment variables using the ${VAR_NAME} syntax; the
// actual value is read from the environment when the secret is resolved.
//
// Currently the following secret types are supported:
//
//   - "deploy_key" for repository-scoped SSH keys. Value for key "key" (private key PEM) is expected.
//     "fingerprints" (string array) and "passphrase" are optional.
//   - "fine_grained_pat" for fine-grained personal access tokens. Values for keys "token" and
//     optional "expires" (RFC 3339) and "read_write" (bool) are expected.
//   - "pat" for classic personal access tokens. Value for key "token" is expected.
//   - "collaborator_token" for collaborator session credentials. Values for keys "username" and
//     "password" are expected. "headers" (string array) is optional.
//   - "github_app" for GitHub App installation authentication. Values for keys "integration_id",
//     "installation_id", and "private_key" are expected.
type Secret struct {
	Name  string         `json:"-"`
	Value map[string]any `json:"-"`
}

func (s *Secret) Ref() *SecretRef {
	return &SecretRef{Name: s.Name, value: s}
}

func (*Secret) PrepareJSONSchema(schema *jsonschema.Schema) error {
	schema.Type = nil
	schema.AddType(jsonschema.Object)
	return nil
}

func (s *Secret) MarshalYAML() (any, error) {
	if len(s.Value) == 0 {
		return map[string]any{}, nil
	}
	return s.Value, nil
}

func (s *Secret) MarshalJSON() ([]byte, error) {
	v, err := s.MarshalYAML()
	if err != nil {
		return nil, err
	}

	return json.Marshal(v)
}

func (s *Secret) UnmarshalYAML(bs []byte) error {
	if err := yaml.Unmarshal(bs, &s.Value); err != nil {
		return fmt.Errorf("expected mapping node: %w", err)
	}
	return nil
}

func (s *Secret) UnmarshalJSON(bs []byte) error {
	return json.Unmarshal(bs, &s.Value)
}

func (s *Secret) Equal(other *Secret) bool {
	return fastEqual(s, other, func(s, other *Secret) bool {
		return s.Name == other.Name && reflect.DeepEqual(s.Value, other.Value)
	})
}

// Method returns the declared secret type without resolving the value.
func (s *Secret) Method() string {
	if t, ok := s.Value["type"].(string); ok {
		return t
	}
	return ""
}

// get retrieves the values from any external source as necessary.
func (s *Secret) get() (map[string]any, error) {
	value := make(map[string]any, len(s.Value))

	for k, v := range s.Value {
		switch v := v.(type) {
		case string:
			value[k] = os.ExpandEnv(v)
		default: // Keep non-string values as is
			value[k] = v
		}
	}

	return value, nil
}

func (s *Secret) Typed(context.Context) (any, error) {
	m, err := s.get() // Ensure values are resolved
	if err != nil {
		return nil, err
	}

	if len(m) == 0 {
		return nil, fmt.Errorf("secret %q is not configured", s.Name)
	}

	switch m["type"] {
	case "deploy_key":
		var value SecretDeployKey
		if err := decode(m, &value); err != nil {
			return nil, err
		} else if value.Key == "" {
			return nil, errors.New("missing key in deploy key secret")
		}

		// If no fingerprints are provided, use well-known ones for popular services.
		if len(value.Fingerprints) == 0 {
			value.Fingerprints = wellknownFingerprints
		}

		return value, nil

	case "fine_grained_pat":
		var value SecretFineGrainedPAT
		if err := decode(m, &value); err != nil {
			return nil, err
		} else if value.Token == "" {
			return nil, errors.New("missing token in fine-grained PAT secret")
		}

		return value, nil

	case "pat":
		var value SecretPAT
		if err := decode(m, &value); err != nil {
			return nil, err
		} else if value.Token == "" {
			return nil, errors.New("missing token in PAT secret")
		}

		return value, nil

	case "collaborator_token":
		var value SecretCollaboratorToken
		if err := decode(m, &value); err != nil {
			return nil, err
		} else if value.Password == "" {
			return nil, errors.New("missing password in collaborator token secret")
		}

		return value, nil

	case "github_app":
		var value SecretGitHubApp
		if err := decode(m, &value); err != nil {
			return nil, err
		} else if value.IntegrationID == 0 || value.InstallationID == 0 {
			return nil, errors.New("missing integration_id or installation_id in GitHub App secret")
		}

		return value, nil

	default:
		return nil, fmt.Errorf("unknown secret type %q", s.Value["type"])
	}
}

type SecretDeployKey struct {
	Key          string   `json:"key"`                    // Private key as PEM.
	Passphrase   string   `json:"passphrase,omitempty"`   // Optional passphrase for the private key.
	Fingerprints []string `json:"fingerprints,omitempty"` // Optional SSH key fingerprints.
}

type SecretFineGrainedPAT struct {
	Token     string `json:"token"`
	Expires   string `json:"expires,omitempty"` // RFC 3339 expiry of the token.
	ReadWrite bool   `json:"read_write,omitempty"`
}

// ExpiresAt parses the expiry instant, if one was configured.
func (s SecretFineGrainedPAT) ExpiresAt() (*time.Time, error) {
	if s.Expires == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s.Expires)
	if err != nil {
		return nil, fmt.Errorf("invalid expires value %q: %w", s.Expires, err)
	}
	return &t, nil
}

type SecretPAT struct {
	Token string `json:"token"`
}

type SecretCollaboratorToken struct {
	Username string   `json:"username"`
	Password string   `json:"password"`
	Headers  []string `json:"headers,omitempty"` // Optional additional headers for HTTP requests.
}

type SecretGitHubApp struct {
	IntegrationID  int64  `json:"integration_id"`
	InstallationID int64  `json:"installation_id"`
	PrivateKey     string `json:"private_key"` // Private key as PEM.
}

// SecretRef is a by-name reference to a secret, resolved against the secrets
// section of the configuration during unmarshalling.
type SecretRef struct {
	Name  string `json:"-"`
	value *Secret
}

// Resolve retrieves the secret value from the secret store. If the secret is
// not found, an error is returned. If the secret is found, it returns the
// typed secret value.
func (s *SecretRef) Resolve(ctx context.Context) (any, error) {
	if s.value == nil {
		return nil, fmt.Errorf("secret %q not found", s.Name)
	}

	return s.value.Typed(ctx)
}

// Method returns the declared type of the referenced secret.
func (s *SecretRef) Method() string {
	if s.value == nil {
		return ""
	}
	return s.value.Method()
}

func (s *SecretRef) MarshalYAML() (any, error) {
	if s.Name == "" {
		return nil, nil
	}
	return s.Name, nil
}

func (s *SecretRef) MarshalJSON() ([]byte, error) {
	v, err := s.MarshalYAML()
	if err != nil {
		return nil, err
	}

	return json.Marshal(v)
}

func (s *SecretRef) UnmarshalYAML(bs []byte) error {
	if err := yaml.Unmarshal(bs, &s.Name); err != nil {
		return fmt.Errorf("expected scalar node: %w", err)
	}
	return nil
}

func (s *SecretRef) UnmarshalJSON(bs []byte) error {
	if err := json.Unmarshal(bs, &s.Name); err != nil {
		return fmt.Errorf("failed to unmarshal SecretRef: %w", err)
	}

	return nil
}

func (s *SecretRef) Equal(other *SecretRef) bool {
	return fastEqual(s, other, func(s, other *SecretRef) bool {
		return s.Name == other.Name && s.value.Equal(other.value)
	})
}

// we use this one so we don't need duplicate tags on every struct
func decode(input any, output any) error {
	config := &mapstructure.DecoderConfig{
		TagName:  "json",
		Metadata: nil,
		Result:   output,
	}

	decoder, err := mapstructure.NewDecoder(config)
	if err != nil {
		return err
	}

	return decoder.Decode(input)
}
