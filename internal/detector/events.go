package detector

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/repoherd/repoherd/internal/logging"
	"github.com/repoherd/repoherd/internal/repos"
)

const deliveryCacheSize = 4096

type pending struct {
	first time.Time
	count int
	tip   string
}

// Events collapses bursts of push notifications into a single sync decision
// per repository. The first notification opens a debounce window; further
// notifications inside the window accumulate, and ShouldSync reports true
// once the window has elapsed.
type Events struct {
	window time.Duration
	now    func() time.Time
	log    *logging.Logger

	mu      sync.Mutex
	pending map[string]*pending
	seen    *lru.Cache[string, struct{}]
}

func NewEvents(window time.Duration, log *logging.Logger) *Events {
	seen, _ := lru.New[string, struct{}](deliveryCacheSize)
	return &Events{
		window:  window,
		now:     time.Now,
		log:     log,
		pending: map[string]*pending{},
		seen:    seen,
	}
}

// Notify records a push notification for repo. Notifications carrying a
// delivery identifier already seen are dropped so that webhook redeliveries
// do not reopen a window.
func (e *Events) Notify(repo repos.Ref, tip string, deliveryID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if deliveryID != "" {
		if _, dup := e.seen.Get(deliveryID); dup {
			e.log.Debugf("Dropping duplicate delivery %s for %s", deliveryID, repo)
			return
		}
		e.seen.Add(deliveryID, struct{}{})
	}

	key := repo.Key()
	p, ok := e.pending[key]
	if !ok {
		p = &pending{first: e.now()}
		e.pending[key] = p
	}
	p.count++
	p.tip = tip
}

func (e *Events) ShouldSync(_ context.Context, repo repos.Ref) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.pending[repo.Key()]
	if !ok {
		return false, nil
	}
	if e.now().Sub(p.first) < e.window {
		return false, nil
	}

	delete(e.pending, repo.Key())
	e.log.Debugf("Dispatching sync for %s after %d notification(s)", repo, p.count)
	return true, nil
}

// Pending reports whether a notification window is open for repo.
func (e *Events) Pending(repo repos.Ref) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.pending[repo.Key()]
	return ok
}
