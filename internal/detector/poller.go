package detector

import (
	"context"
	"fmt"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/storage/memory"

	"github.com/repoherd/repoherd/internal/logging"
	"github.com/repoherd/repoherd/internal/repos"
)

// WatermarkSource reads the last recorded watermark for a repository.
// A nil watermark means the repository has never been synchronized.
type WatermarkSource interface {
	Watermark(ctx context.Context, repo repos.Ref) (*repos.Watermark, error)
}

// AuthSource produces the transport auth to use for lightweight remote
// queries. It may return nil for public repositories.
type AuthSource func(ctx context.Context, repo repos.Ref) (transport.AuthMethod, error)

// RefSource returns the pinned branch for a repository, or nil for the
// remote default branch.
type RefSource func(repo repos.Ref) *string

// Poller answers ShouldSync by listing remote refs (no fetch, no object
// transfer) and comparing the advertised tip against the stored watermark.
type Poller struct {
	watermarks WatermarkSource
	auth       AuthSource
	reference  RefSource
	remote     string
	log        *logging.Logger
}

func NewPoller(watermarks WatermarkSource, auth AuthSource, reference RefSource, log *logging.Logger) *Poller {
	return &Poller{watermarks: watermarks, auth: auth, reference: reference, log: log}
}

// WithRemote overrides the remote URL derived from the repository identity.
func (p *Poller) WithRemote(url string) *Poller {
	p.remote = url
	return p
}

func (p *Poller) ShouldSync(ctx context.Context, repo repos.Ref) (bool, error) {
	wm, err := p.watermarks.Watermark(ctx, repo)
	if err != nil {
		return false, err
	}
	if wm == nil || wm.IsZero() {
		// Never synchronized: always due.
		return true, nil
	}

	var auth transport.AuthMethod
	if p.auth != nil {
		if auth, err = p.auth(ctx, repo); err != nil {
			return false, err
		}
	}

	url := p.remote
	if url == "" {
		url = repo.CloneURL()
	}

	tip, err := remoteTip(ctx, url, auth, p.reference(repo))
	if err != nil {
		return false, err
	}

	if tip != wm.Commit {
		p.log.Debugf("Remote tip of %s moved from %s to %s", repo, wm.Commit, tip)
		return true, nil
	}
	return false, nil
}

// remoteTip resolves the advertised tip of the given branch, or of HEAD when
// no branch is pinned, using a ref listing only.
func remoteTip(ctx context.Context, url string, auth transport.AuthMethod, branch *string) (string, error) {
	remote := git.NewRemote(memory.NewStorage(), &gitconfig.RemoteConfig{
		Name: "origin",
		URLs: []string{url},
	})

	refs, err := remote.ListContext(ctx, &git.ListOptions{Auth: auth})
	if err != nil {
		return "", err
	}

	var want plumbing.ReferenceName
	if branch != nil {
		want = plumbing.NewBranchReferenceName(*branch)
	} else {
		// Follow the symbolic HEAD to the default branch.
		for _, ref := range refs {
			if ref.Name() == plumbing.HEAD {
				if ref.Type() == plumbing.HashReference {
					return ref.Hash().String(), nil
				}
				want = ref.Target()
				break
			}
		}
		if want == "" {
			return "", fmt.Errorf("remote %s does not advertise HEAD", url)
		}
	}

	for _, ref := range refs {
		if ref.Name() == want {
			return ref.Hash().String(), nil
		}
	}

	return "", fmt.Errorf("remote %s does not advertise %s", url, want)
}
