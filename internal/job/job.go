// Package job implements the per-repository lifecycle state machine. A Job is
// created once per repository and cycles through sync passes for as long as
// the repository is under management.
package job

import (
	"fmt"
	"sync"
	"time"

	"github.com/repoherd/repoherd/internal/repos"
)

type State int

const (
	Pending State = iota
	ResolvingCredential
	Syncing
	AwaitingReanalysisAck
	Reported
	RetryScheduled
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case ResolvingCredential:
		return "RESOLVING_CREDENTIAL"
	case Syncing:
		return "SYNCING"
	case AwaitingReanalysisAck:
		return "AWAITING_REANALYSIS_ACK"
	case Reported:
		return "REPORTED"
	case RetryScheduled:
		return "RETRY_SCHEDULED"
	case Failed:
		return "FAILED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether the state ends the current pass.
func (s State) Terminal() bool {
	return s == Reported || s == Failed
}

var transitions = map[State][]State{
	Pending:               {ResolvingCredential},
	ResolvingCredential:   {Syncing, Failed},
	Syncing:               {AwaitingReanalysisAck, RetryScheduled, Failed},
	AwaitingReanalysisAck: {Reported},
	RetryScheduled:        {ResolvingCredential, Syncing},
	Reported:              {Pending},
	Failed:                {Pending},
}

// Job tracks one repository's lifecycle across repeated sync passes.
type Job struct {
	mu          sync.Mutex
	repo        repos.Ref
	state       State
	attempts    int
	maxAttempts int
	started     time.Time
	lastErr     error
	errorKind   repos.ErrorKind
	result      *repos.SyncResult // current pass only, nil until SyncSucceeded
	history     []repos.SyncResult
}

func New(repo repos.Ref, maxAttempts int) *Job {
	return &Job{repo: repo, state: Pending, maxAttempts: maxAttempts}
}

func (j *Job) Repo() repos.Ref {
	return j.repo
}

func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

func (j *Job) Attempts() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.attempts
}

// History returns the accumulated sync results of all passes, newest last.
func (j *Job) History() []repos.SyncResult {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]repos.SyncResult, len(j.history))
	copy(out, j.history)
	return out
}

func (j *Job) transition(to State) error {
	for _, allowed := range transitions[j.state] {
		if allowed == to {
			j.state = to
			return nil
		}
	}
	return fmt.Errorf("illegal transition %v -> %v for %v", j.state, to, j.repo)
}

// Dispatch starts a pass: PENDING -> RESOLVING_CREDENTIAL.
func (j *Job) Dispatch(now time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.transition(ResolvingCredential); err != nil {
		return err
	}
	j.started = now
	j.attempts = 0
	j.lastErr = nil
	j.errorKind = repos.ErrorKindNone
	j.result = nil
	return nil
}

// CredentialResolved records a usable credential and moves to SYNCING.
func (j *Job) CredentialResolved() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.transition(Syncing); err != nil {
		return err
	}
	j.attempts++
	return nil
}

// NoUsableCredential terminates the pass. No retry is scheduled.
func (j *Job) NoUsableCredential(err error) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err2 := j.transition(Failed); err2 != nil {
		return err2
	}
	j.lastErr = err
	j.errorKind = repos.ErrorKindNoUsableCredential
	return nil
}

// SyncSucceeded records the result and moves to AWAITING_REANALYSIS_ACK.
func (j *Job) SyncSucceeded(result repos.SyncResult) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.transition(AwaitingReanalysisAck); err != nil {
		return err
	}
	j.result = &result
	j.history = append(j.history, result)
	return nil
}

// SyncFailed classifies a sync failure. When attempts remain the job moves to
// RETRY_SCHEDULED and the returned delay says how long to wait before the
// next attempt; otherwise the job moves to FAILED and the delay is zero.
func (j *Job) SyncFailed(kind repos.ErrorKind, err error, backoff Backoff) (time.Duration, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.lastErr = err
	j.errorKind = kind
	if j.attempts >= j.maxAttempts {
		return 0, j.transition(Failed)
	}
	if err2 := j.transition(RetryScheduled); err2 != nil {
		return 0, err2
	}
	return backoff.Delay(j.attempts), nil
}

// Fail terminates the pass regardless of remaining attempts. Used for auth
// rejections with no alternative credential left.
func (j *Job) Fail(kind repos.ErrorKind, err error) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err2 := j.transition(Failed); err2 != nil {
		return err2
	}
	j.lastErr = err
	j.errorKind = kind
	return nil
}

// Retry re-enters SYNCING from RETRY_SCHEDULED, keeping the credential from
// the failed attempt. Use RetryWithCredential to force re-resolution.
func (j *Job) Retry() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.transition(Syncing); err != nil {
		return err
	}
	j.attempts++
	return nil
}

// RetryWithCredential re-enters RESOLVING_CREDENTIAL from RETRY_SCHEDULED so
// the next attempt picks the next-best credential.
func (j *Job) RetryWithCredential() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.transition(ResolvingCredential)
}

// Acknowledged records that the downstream re-analysis trigger was invoked.
func (j *Job) Acknowledged() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.transition(Reported)
}

// Interrupt forces the job to REPORTED from whatever state it is in,
// recording the state it was interrupted in. Used on shutdown.
func (j *Job) Interrupt() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	last := j.state
	j.state = Reported
	return last
}

// Reset returns a terminal job to PENDING for its next sync trigger.
func (j *Job) Reset() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.transition(Pending)
}

// Report snapshots the outcome of the current pass.
func (j *Job) Report(now time.Time) repos.Report {
	j.mu.Lock()
	defer j.mu.Unlock()
	r := repos.Report{
		Repository: j.repo.String(),
		State:      j.state.String(),
		Attempts:   j.attempts,
		ErrorKind:  j.errorKind,
		Timestamp:  now,
	}
	if !j.started.IsZero() {
		r.Duration = now.Sub(j.started)
	}
	if j.lastErr != nil {
		r.Error = j.lastErr.Error()
	}
	if j.result != nil {
		r.ChangedPaths = len(j.result.ChangedPaths)
	}
	return r
}
