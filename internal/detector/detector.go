// Package detector decides whether a repository is due for a sync pass. Two
// interchangeable strategies implement the same capability: a poller that
// compares the remote tip against the stored watermark, and an event sink
// that coalesces inbound push notifications. Both are safe to consult while
// a sync for the same repository is in flight; a positive answer mid-sync
// results in the coordinator queueing another pass, never interrupting one.
package detector

import (
	"context"

	"github.com/repoherd/repoherd/internal/repos"
)

type Detector interface {
	ShouldSync(ctx context.Context, repo repos.Ref) (bool, error)
}
