package config_test

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/repoherd/repoherd/internal/config"
	"github.com/repoherd/repoherd/internal/repos"
)

func TestParseSecretResolve(t *testing.T) {

	result, err := config.Parse([]byte(`{
		repositories: {
			acme/widgets: {
				credentials: [secret1]
			}
		},
		secrets: {
			secret1: {
				type: pat,
				token: '${REPOHERD_TOKEN}'
			}
		}
	}`))
	if err != nil {
		t.Fatal(err)
	}

	t.Setenv("REPOHERD_TOKEN", "passw0rd")

	value, err := result.Repositories["acme/widgets"].Credentials[0].Resolve(t.Context())
	if err != nil {
		t.Fatal(err)
	}

	exp := config.SecretPAT{Token: "passw0rd"}

	if !reflect.DeepEqual(value, exp) {
		t.Fatalf("expected: %v\n\ngot: %v", exp, value)
	}
}

func TestParseRepositoryKeyShorthand(t *testing.T) {

	result, err := config.Parse([]byte(`{
		repositories: {
			acme/widgets: {}
		}
	}`))
	if err != nil {
		t.Fatal(err)
	}

	repo := result.Repositories["acme/widgets"]
	exp := repos.Ref{Host: "github.com", Owner: "acme", Name: "widgets", Protocol: repos.ProtocolHTTPS}
	if diff := cmp.Diff(exp, repo.Ref()); diff != "" {
		t.Fatalf("unexpected ref (-want +got):\n%s", diff)
	}
}

func TestParseRepositoryExplicitFields(t *testing.T) {

	result, err := config.Parse([]byte(`{
		repositories: {
			main: {
				host: git.corp.example.com,
				owner: platform,
				repo: infra,
				protocol: ssh,
				url: 'git@git.corp.example.com:platform/infra.git',
				reference: release-2026,
				included_paths: ['src/**'],
				excluded_paths: ['**/*.md']
			}
		}
	}`))
	if err != nil {
		t.Fatal(err)
	}

	repo := result.Repositories["main"]
	if repo.Name != "main" {
		t.Errorf("expected name main, got %q", repo.Name)
	}
	if repo.Ref().Host != "git.corp.example.com" || repo.Ref().Owner != "platform" {
		t.Errorf("unexpected ref %v", repo.Ref())
	}
	if repo.URL == "" || repo.Reference == nil || *repo.Reference != "release-2026" {
		t.Errorf("unexpected repository %+v", repo)
	}
}

func TestParseBadRepositoryKey(t *testing.T) {

	_, err := config.Parse([]byte(`{
		repositories: {
			widgets: {}
		}
	}`))
	if err == nil || !strings.Contains(err.Error(), "owner/name") {
		t.Fatalf("expected a name format error, got %v", err)
	}
}

func TestParseUnknownSecretReference(t *testing.T) {

	_, err := config.Parse([]byte(`{
		repositories: {
			acme/widgets: {
				credentials: [nosuch]
			}
		}
	}`))
	if err == nil || !strings.Contains(err.Error(), `secret "nosuch" not found`) {
		t.Fatalf("expected a missing secret error, got %v", err)
	}
}

func TestValidateRejectsUnknownFields(t *testing.T) {

	_, err := config.Parse([]byte(`{
		repositories: {
			acme/widgets: {
				branch: main
			}
		}
	}`))
	if err == nil {
		t.Fatal("expected a validation error for an unknown field")
	}
}

func TestParseServiceDurations(t *testing.T) {

	result, err := config.Parse([]byte(`{
		service: {
			poll_interval: 90s,
			debounce_window: 250ms,
			retry_backoff: 2s,
			max_retry_backoff: 1m
		}
	}`))
	if err != nil {
		t.Fatal(err)
	}

	svc := result.Service
	if time.Duration(svc.PollInterval) != 90*time.Second {
		t.Errorf("unexpected poll interval %s", svc.PollInterval)
	}
	if time.Duration(svc.DebounceWindow) != 250*time.Millisecond {
		t.Errorf("unexpected debounce window %s", svc.DebounceWindow)
	}
	if time.Duration(svc.MaxRetryBackoff) != time.Minute {
		t.Errorf("unexpected max retry backoff %s", svc.MaxRetryBackoff)
	}
}

func TestSortedRepositories(t *testing.T) {

	result, err := config.Parse([]byte(`{
		repositories: {
			zeta/z: {},
			acme/widgets: {},
			mid/m: {}
		}
	}`))
	if err != nil {
		t.Fatal(err)
	}

	var names []string
	for repo := range result.SortedRepositories() {
		names = append(names, repo.Name)
	}
	exp := []string{"acme/widgets", "mid/m", "zeta/z"}
	if diff := cmp.Diff(exp, names); diff != "" {
		t.Fatalf("unexpected order (-want +got):\n%s", diff)
	}
}

func TestWorkspaceDefaultDirectory(t *testing.T) {
	var w *config.Workspace
	if w.Directory() != config.DefaultWorkspaceDir {
		t.Errorf("unexpected default workspace directory %q", w.Directory())
	}
}

func TestRepositoryEqual(t *testing.T) {
	ref := "main"
	a := &config.Repository{Name: "acme/widgets", Owner: "acme", Repo: "widgets", Reference: &ref}
	b := &config.Repository{Name: "acme/widgets", Owner: "acme", Repo: "widgets", Reference: &ref}
	if !a.Equal(b) {
		t.Error("expected repositories to be equal")
	}

	b.URL = "https://mirror.example.com/widgets.git"
	if a.Equal(b) {
		t.Error("expected URL change to break equality")
	}
}
