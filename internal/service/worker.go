package service

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/repoherd/repoherd/internal/config"
	"github.com/repoherd/repoherd/internal/credentials"
	"github.com/repoherd/repoherd/internal/database"
	"github.com/repoherd/repoherd/internal/detector"
	"github.com/repoherd/repoherd/internal/gitsync"
	"github.com/repoherd/repoherd/internal/job"
	"github.com/repoherd/repoherd/internal/logging"
	"github.com/repoherd/repoherd/internal/metrics"
	"github.com/repoherd/repoherd/internal/progress"
	"github.com/repoherd/repoherd/internal/repos"
)

// RepoWorker drives one repository's job through its sync passes. Each
// Execute call is one scheduled run: it consults the change detector, resolves
// a credential, synchronizes the working copy and records the outcome. The
// returned deadline re-arms the worker in the pool; the zero time removes it.
type RepoWorker struct {
	repo       repos.Ref
	repoConfig *config.Repository
	syncer     *gitsync.Syncer
	resolver   *credentials.Resolver
	db         *database.Database
	detect     detector.Detector
	reanalyzer Reanalyzer
	job        *job.Job
	backoff    job.Backoff
	interval   time.Duration
	singleShot bool
	log        *logging.Logger
	bar        *progress.Bar

	changed chan struct{}
	done    chan struct{}
	forced  atomic.Bool

	// Credential fallback state across retry runs.
	handle    *credentials.Handle
	remaining []credentials.Method
	reresolve bool
	fellBack  bool
}

func NewRepoWorker(rc *config.Repository, syncer *gitsync.Syncer, resolver *credentials.Resolver, db *database.Database, logger *logging.Logger, bar *progress.Bar) *RepoWorker {
	return &RepoWorker{
		repo:       rc.Ref(),
		repoConfig: rc,
		syncer:     syncer,
		resolver:   resolver,
		db:         db,
		log:        logger,
		bar:        bar,
		changed:    make(chan struct{}), done: make(chan struct{}),
		interval: config.DefaultPollInterval,
	}
}

func (w *RepoWorker) WithDetector(d detector.Detector) *RepoWorker {
	w.detect = d
	return w
}

func (w *RepoWorker) WithReanalyzer(r Reanalyzer) *RepoWorker {
	w.reanalyzer = r
	return w
}

func (w *RepoWorker) WithJob(j *job.Job) *RepoWorker {
	w.job = j
	return w
}

func (w *RepoWorker) WithBackoff(b job.Backoff) *RepoWorker {
	w.backoff = b
	return w
}

func (w *RepoWorker) WithInterval(d time.Duration) *RepoWorker {
	w.interval = d
	return w
}

func (w *RepoWorker) WithSingleShot(singleShot bool) *RepoWorker {
	w.singleShot = singleShot
	return w
}

func (w *RepoWorker) Job() *job.Job {
	return w.job
}

func (w *RepoWorker) Done() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// Force makes the next run skip the change detector. Returns false when a
// forced run is already pending.
func (w *RepoWorker) Force() bool {
	return !w.forced.Swap(true)
}

func (w *RepoWorker) UpdateConfig(rc *config.Repository) {
	if rc == nil || !w.repoConfig.Equal(rc) {
		w.changeConfiguration()
	}
}

// Execute runs one scheduled iteration for the repository.
func (w *RepoWorker) Execute(ctx context.Context) time.Time {
	startTime := time.Now()

	defer w.bar.Add(1)

	// If a configuration change was requested, remove the worker from the
	// pool and signal this worker being done.
	if w.configurationChanged() {
		return w.die()
	}

	retrying := w.job.State() == job.RetryScheduled

	if !retrying {
		if !w.forced.Swap(false) && !w.singleShot {
			due, err := w.detect.ShouldSync(ctx, w.repo)
			if err != nil {
				w.log.Warnf("Change detection for %s failed: %v", w.repo, err)
				return startTime.Add(w.interval)
			}
			if !due {
				return startTime.Add(w.interval)
			}
		}

		if err := w.job.Dispatch(startTime); err != nil {
			w.log.Warnf("%v", err)
			return startTime.Add(w.interval)
		}
		w.handle, w.remaining, w.reresolve, w.fellBack = nil, nil, false, false
	} else {
		if err := w.reenter(); err != nil {
			w.log.Warnf("%v", err)
			return startTime.Add(w.interval)
		}
	}

	if w.job.State() == job.ResolvingCredential {
		if next := w.resolve(ctx, startTime); !next.IsZero() || w.Done() {
			return next
		}
	}

	return w.sync(ctx, startTime)
}

// reenter resumes a pass from RETRY_SCHEDULED. Auth failures force the next
// candidate credential; network failures retry with the one already in hand.
func (w *RepoWorker) reenter() error {
	if w.reresolve || w.handle == nil {
		return w.job.RetryWithCredential()
	}
	return w.job.Retry()
}

// resolve obtains a credential handle, honoring the candidates left over from
// a failed attempt. It returns the worker's next deadline when the pass ends
// here, or the zero time when syncing should proceed.
func (w *RepoWorker) resolve(ctx context.Context, startTime time.Time) time.Time {
	if w.repoConfig.Public {
		// Public repositories are accessed anonymously.
		w.handle, w.remaining = credentials.Anonymous(), nil
		if err := w.job.CredentialResolved(); err != nil {
			w.log.Warnf("%v", err)
			return startTime.Add(w.interval)
		}
		var zero time.Time
		return zero
	}

	candidates := w.candidates()
	if w.reresolve {
		candidates = w.remaining
		w.reresolve = false
	}

	handle, remaining, err := w.resolver.Resolve(ctx, w.repo, candidates)
	if err != nil {
		if errors.Is(err, credentials.ErrNoUsableCredential) {
			w.log.Warnf("No usable credential for %s: %v", w.repo, err)
			if err := w.job.NoUsableCredential(err); err != nil {
				w.log.Warnf("%v", err)
			}
			return w.finish(ctx, startTime)
		}

		w.log.Warnf("Credential resolution for %s failed: %v", w.repo, err)
		return w.fail(ctx, startTime, repos.ErrorKindInternal, err)
	}

	w.handle, w.remaining = handle, remaining
	w.log.Debugf("Resolved credential %s for %s", handle, w.repo)

	if err := w.job.CredentialResolved(); err != nil {
		w.log.Warnf("%v", err)
		return startTime.Add(w.interval)
	}

	var zero time.Time
	return zero
}

func (w *RepoWorker) sync(ctx context.Context, startTime time.Time) time.Time {
	prev, err := w.db.GetWatermark(ctx, w.repo)
	if err != nil {
		w.log.Warnf("Loading watermark for %s failed: %v", w.repo, err)
		return w.fail(ctx, startTime, repos.ErrorKindInternal, err)
	}

	result, err := w.syncer.Sync(ctx, w.handle.Auth(), prev)

	var corrupt *gitsync.CorruptWorkspaceError
	if errors.As(err, &corrupt) {
		// One forced re-clone attempt before giving up on the workspace.
		w.log.Warnf("Workspace for %s is corrupt, forcing a re-clone: %v", w.repo, err)
		result, err = w.syncer.ForceResync(ctx, w.handle.Auth())
		if err != nil {
			if interrupted(ctx, err) {
				return w.interrupt(startTime)
			}
			if err2 := w.job.Fail(repos.ErrorKindCorruptWorkspace, err); err2 != nil {
				w.log.Warnf("%v", err2)
			}
			return w.finish(ctx, startTime)
		}
	} else if err != nil {
		if interrupted(ctx, err) {
			return w.interrupt(startTime)
		}
		return w.syncFailed(ctx, startTime, err)
	}

	return w.succeed(ctx, startTime, result)
}

func (w *RepoWorker) syncFailed(ctx context.Context, startTime time.Time, err error) time.Time {
	w.log.Warnf("Synchronizing %s failed: %v", w.repo, err)

	var kind repos.ErrorKind
	var authErr *gitsync.AuthError

	switch {
	case errors.As(err, &authErr):
		kind = repos.ErrorKindAuth
		if len(w.remaining) == 0 || w.fellBack {
			// At most one fallback to an alternate credential per pass.
			return w.fail(ctx, startTime, kind, err)
		}
		w.reresolve, w.fellBack = true, true
	default:
		kind = repos.ErrorKindNetwork
	}

	delay, err2 := w.job.SyncFailed(kind, err, w.backoff)
	if err2 != nil {
		w.log.Warnf("%v", err2)
		return startTime.Add(w.interval)
	}

	if w.job.State() == job.RetryScheduled {
		metrics.JobRetryScheduled(w.repo.String())
		w.log.Debugf("Retrying %s in %s (attempt %d)", w.repo, delay, w.job.Attempts())
		return time.Now().Add(delay)
	}

	return w.finish(ctx, startTime)
}

func (w *RepoWorker) succeed(ctx context.Context, startTime time.Time, result *repos.SyncResult) time.Time {
	if err := w.job.SyncSucceeded(*result); err != nil {
		w.log.Warnf("%v", err)
		return startTime.Add(w.interval)
	}

	if err := w.db.UpsertWatermark(ctx, w.repo, result.After, result.Full); err != nil {
		w.log.Warnf("Recording watermark for %s failed: %v", w.repo, err)
	}

	// An already-current workspace produces no downstream work.
	if !result.NoOp() && w.reanalyzer != nil {
		if err := w.reanalyzer.TriggerReanalysis(ctx, w.repo, *result); err != nil {
			w.log.Warnf("Re-analysis trigger for %s failed: %v", w.repo, err)
		}
	}

	if err := w.job.Acknowledged(); err != nil {
		w.log.Warnf("%v", err)
	}

	w.log.Debugf("Synchronized %s at %s (%d changed path(s))", w.repo, result.After.Commit, len(result.ChangedPaths))
	return w.finish(ctx, startTime)
}

func (w *RepoWorker) fail(ctx context.Context, startTime time.Time, kind repos.ErrorKind, err error) time.Time {
	if err2 := w.job.Fail(kind, err); err2 != nil {
		w.log.Warnf("%v", err2)
	}
	return w.finish(ctx, startTime)
}

// finish records the report for a terminal pass and re-arms the worker for
// its next cadence.
func (w *RepoWorker) finish(ctx context.Context, startTime time.Time) time.Time {
	report := w.job.Report(time.Now())

	if report.ErrorKind == repos.ErrorKindNone {
		metrics.JobPassSucceeded(w.repo.String(), startTime)
	} else {
		metrics.JobPassFailed(w.repo.String(), string(report.ErrorKind))
	}

	if err := w.db.InsertReport(ctx, report); err != nil {
		w.log.Warnf("Recording report for %s failed: %v", w.repo, err)
	}

	if err := w.job.Reset(); err != nil {
		w.log.Warnf("%v", err)
	}

	if w.singleShot {
		return w.die()
	}

	return time.Now().Add(w.interval)
}

// interrupt handles a shutdown observed mid-pass: the job is forced to
// REPORTED with the state it was interrupted in, and the worker dies.
func (w *RepoWorker) interrupt(startTime time.Time) time.Time {
	last := w.job.Interrupt()
	report := w.job.Report(time.Now())
	report.State = last.String()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.db.InsertReport(ctx, report); err != nil {
		w.log.Warnf("Recording report for %s failed: %v", w.repo, err)
	}

	w.log.Debugf("Interrupted %s in state %s after %s", w.repo, last, time.Since(startTime))
	return w.die()
}

func (w *RepoWorker) changeConfiguration() {
	select {
	case <-w.changed:
	default:
		close(w.changed)
	}
}

func (w *RepoWorker) configurationChanged() bool {
	select {
	case <-w.changed:
		return true
	default:
		return false
	}
}

func (w *RepoWorker) die() time.Time {
	select {
	case <-w.done:
	default:
		close(w.done)
	}

	var zero time.Time
	return zero
}

func (w *RepoWorker) candidates() []credentials.Method {
	var methods []credentials.Method
	for _, ref := range w.repoConfig.Credentials {
		if m, err := credentials.ParseMethod(ref.Method()); err == nil {
			methods = append(methods, m)
		}
	}
	return methods
}

func interrupted(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}
