// Package service implements the workflow coordinator: it owns the worker
// pool, maintains the one-job-per-repository mapping and drains completed
// passes into the report stream.
package service

import (
	"cmp"
	"context"
	"fmt"
	"iter"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-git/go-git/v5/plumbing/transport"

	"github.com/repoherd/repoherd/internal/config"
	"github.com/repoherd/repoherd/internal/credentials"
	"github.com/repoherd/repoherd/internal/database"
	"github.com/repoherd/repoherd/internal/detector"
	"github.com/repoherd/repoherd/internal/gitsync"
	"github.com/repoherd/repoherd/internal/job"
	"github.com/repoherd/repoherd/internal/logging"
	"github.com/repoherd/repoherd/internal/pool"
	"github.com/repoherd/repoherd/internal/progress"
	"github.com/repoherd/repoherd/internal/repos"
)

// Reanalyzer receives the fire-and-forget handoff after a sync pass changed
// the working copy. Implementations must not block on analysis completion.
type Reanalyzer interface {
	TriggerReanalysis(ctx context.Context, repo repos.Ref, result repos.SyncResult) error
}

// Coordinator wires the configured repositories to workers in a fixed-size
// pool. Sync passes for the same repository are strictly serialized by the
// pool; passes for different repositories run in parallel up to the worker
// count.
type Coordinator struct {
	config     *config.Root
	db         *database.Database
	resolver   *credentials.Resolver
	events     *detector.Events
	reanalyzer Reanalyzer
	pool       *pool.Pool
	log        *logging.Logger
	bar        *progress.Bar
	singleShot bool
	noProgress bool

	mu      sync.Mutex
	workers map[string]*RepoWorker
}

func New() *Coordinator {
	return &Coordinator{
		log:     logging.NewNopLogger(),
		workers: map[string]*RepoWorker{},
	}
}

func (c *Coordinator) WithConfig(root *config.Root) *Coordinator {
	c.config = root
	return c
}

func (c *Coordinator) WithDatabase(db *database.Database) *Coordinator {
	c.db = db
	return c
}

func (c *Coordinator) WithLogger(log *logging.Logger) *Coordinator {
	c.log = log
	return c
}

func (c *Coordinator) WithReanalyzer(r Reanalyzer) *Coordinator {
	c.reanalyzer = r
	return c
}

// WithSingleShot makes every worker run exactly one pass and Run return once
// all passes have completed.
func (c *Coordinator) WithSingleShot(singleShot bool) *Coordinator {
	c.singleShot = singleShot
	return c
}

func (c *Coordinator) WithNoProgress(noProgress bool) *Coordinator {
	c.noProgress = noProgress
	return c
}

func (c *Coordinator) Database() *database.Database {
	return c.db
}

// Events returns the push notification sink for the webhook surface.
func (c *Coordinator) Events() *detector.Events {
	return c.events
}

func (c *Coordinator) service() config.Service {
	if c.config != nil && c.config.Service != nil {
		return *c.config.Service
	}
	return config.Service{}
}

// Run starts the coordinator and blocks until ctx is canceled, or, in
// single-shot mode, until every repository has completed one pass.
func (c *Coordinator) Run(ctx context.Context) error {
	svc := c.service()

	if err := c.db.InitDB(ctx); err != nil {
		return err
	}

	store := credentials.Chain{
		credentials.NewConfigStore(c.config),
		credentials.NewDatabaseStore(c.db),
	}
	c.resolver = credentials.NewResolver(store, c.log)

	c.events = detector.NewEvents(cmp.Or(time.Duration(svc.DebounceWindow), config.DefaultDebounceWindow), c.log)

	c.bar = progress.New(len(c.config.Repositories), "Synchronizing repositories", c.singleShot && !c.noProgress)
	c.pool = pool.New(cmp.Or(svc.Workers, config.DefaultWorkers))
	defer c.pool.Close()

	for rc := range c.config.SortedRepositories() {
		if err := c.launch(rc); err != nil {
			return err
		}
	}

	if c.singleShot {
		c.waitDone(ctx)
		c.bar.Finish()
		return ctx.Err()
	}

	go c.flushEvents(ctx, cmp.Or(time.Duration(svc.DebounceWindow), config.DefaultDebounceWindow))

	<-ctx.Done()
	c.pool.Close()
	c.interrupt()
	return ctx.Err()
}

// Enqueue requests a sync pass for the repository. It is idempotent: a repo
// whose forced pass is already pending is left alone, and a repo that is
// mid-sync has its next pass queued after the current one completes.
func (c *Coordinator) Enqueue(repo repos.Ref) error {
	c.mu.Lock()
	worker, ok := c.workers[repo.Key()]
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("repository %s is not managed", repo)
	}

	if worker.Force() {
		return c.pool.Trigger(repo.Key())
	}
	return nil
}

// Managed reports whether the repository has a live job.
func (c *Coordinator) Managed(repo repos.Ref) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.workers[repo.Key()]
	return ok
}

// NotifyPush feeds an inbound push notification into the event detector.
func (c *Coordinator) NotifyPush(repo repos.Ref, tip string, deliveryID string) {
	c.events.Notify(repo, tip, deliveryID)
}

// ReportsSince streams workflow reports recorded at or after the given
// timestamp. The sequence is finite and restartable from any timestamp.
func (c *Coordinator) ReportsSince(ctx context.Context, since time.Time) iter.Seq2[repos.Report, error] {
	return c.db.ReportsSince(since)(ctx)
}

func (c *Coordinator) launch(rc *config.Repository) error {
	repo := rc.Ref()
	svc := c.service()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.workers[repo.Key()]; ok {
		return nil
	}

	path := filepath.Join(c.config.Workspace.Directory(), repo.Dir())
	syncer := gitsync.New(path, repo, c.log).WithReference(rc.Reference)
	if rc.URL != "" {
		syncer = syncer.WithRemote(rc.URL)
	}

	if len(rc.IncludedPaths) > 0 || len(rc.ExcludedPaths) > 0 {
		filter, err := gitsync.NewPathFilter(rc.IncludedPaths, rc.ExcludedPaths)
		if err != nil {
			return fmt.Errorf("repository %s: %w", repo, err)
		}
		syncer = syncer.WithPathFilter(filter)
	}

	auth := c.authSource()
	if rc.Public {
		auth = nil
	}
	poller := detector.NewPoller(watermarkSource{c.db}, auth, func(repos.Ref) *string { return rc.Reference }, c.log)
	if rc.URL != "" {
		poller = poller.WithRemote(rc.URL)
	}

	worker := NewRepoWorker(rc, syncer, c.resolver, c.db, c.log, c.bar).
		WithDetector(poller).
		WithReanalyzer(c.reanalyzer).
		WithJob(job.New(repo, cmp.Or(svc.MaxAttempts, config.DefaultMaxAttempts))).
		WithBackoff(job.Backoff{
			Base: cmp.Or(time.Duration(svc.RetryBackoff), config.DefaultRetryBackoff),
			Max:  cmp.Or(time.Duration(svc.MaxRetryBackoff), config.DefaultMaxRetryBackoff),
		}).
		WithInterval(cmp.Or(time.Duration(svc.PollInterval), config.DefaultPollInterval)).
		WithSingleShot(c.singleShot)

	c.workers[repo.Key()] = worker
	c.pool.Add(repo.Key(), worker.Execute)
	return nil
}

// flushEvents promotes matured debounce windows into forced sync passes.
func (c *Coordinator) flushEvents(ctx context.Context, window time.Duration) {
	interval := max(window/2, time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		workers := make([]*RepoWorker, 0, len(c.workers))
		for _, w := range c.workers {
			workers = append(workers, w)
		}
		c.mu.Unlock()

		for _, w := range workers {
			due, err := c.events.ShouldSync(ctx, w.repo)
			if err != nil || !due {
				continue
			}
			if err := c.Enqueue(w.repo); err != nil {
				c.log.Warnf("%v", err)
			}
		}
	}
}

// waitDone blocks until all single-shot workers have finished.
func (c *Coordinator) waitDone(ctx context.Context) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		done := true
		c.mu.Lock()
		for _, w := range c.workers {
			if !w.Done() {
				done = false
				break
			}
		}
		c.mu.Unlock()

		if done {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// interrupt records a shutdown report for jobs parked between attempts.
// Workers that are mid-run observe the pool cancellation and record their own
// interrupt reports.
func (c *Coordinator) interrupt() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, w := range c.workers {
		if w.job.State() == job.RetryScheduled {
			w.interrupt(time.Now())
		}
	}
}

// UpdateConfig reconciles a newly loaded configuration against the running
// workers: changed repositories are restarted, removed ones die on their next
// run, and new ones are launched.
func (c *Coordinator) UpdateConfig(root *config.Root) error {
	c.mu.Lock()
	c.config = root
	workers := make(map[string]*RepoWorker, len(c.workers))
	for k, w := range c.workers {
		workers[k] = w
	}
	c.mu.Unlock()

	for key, w := range workers {
		var found *config.Repository
		for rc := range root.SortedRepositories() {
			if rc.Ref().Key() == key {
				found = rc
				break
			}
		}
		w.UpdateConfig(found)
	}

	for rc := range root.SortedRepositories() {
		if err := c.launch(rc); err != nil {
			return err
		}
	}
	return nil
}

type watermarkSource struct {
	db *database.Database
}

func (s watermarkSource) Watermark(ctx context.Context, repo repos.Ref) (*repos.Watermark, error) {
	return s.db.GetWatermark(ctx, repo)
}

// authSource resolves a credential for lightweight remote ref queries.
func (c *Coordinator) authSource() detector.AuthSource {
	return func(ctx context.Context, repo repos.Ref) (transport.AuthMethod, error) {
		handle, _, err := c.resolver.Resolve(ctx, repo, nil)
		if err != nil {
			return nil, err
		}
		return handle.Auth(), nil
	}
}
