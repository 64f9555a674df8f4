package job

import (
	"errors"
	"testing"
	"time"

	"github.com/repoherd/repoherd/internal/repos"
)

var testRepo = repos.Ref{Host: "github.com", Owner: "acme", Name: "widgets"}

func TestLifecycle(t *testing.T) {
	j := New(testRepo, 3)
	now := time.Now()

	if err := j.Dispatch(now); err != nil {
		t.Fatal(err)
	}
	if err := j.CredentialResolved(); err != nil {
		t.Fatal(err)
	}
	if err := j.SyncSucceeded(repos.SyncResult{
		After:        repos.Watermark{Commit: "abc", SyncedAt: now},
		ChangedPaths: []string{"main.go"},
	}); err != nil {
		t.Fatal(err)
	}
	if err := j.Acknowledged(); err != nil {
		t.Fatal(err)
	}

	if j.State() != Reported {
		t.Fatalf("expected REPORTED, got %v", j.State())
	}

	report := j.Report(now.Add(time.Second))
	if report.Repository != "github.com/acme/widgets" {
		t.Errorf("unexpected repository %q", report.Repository)
	}
	if report.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", report.Attempts)
	}
	if report.ChangedPaths != 1 {
		t.Errorf("expected 1 changed path, got %d", report.ChangedPaths)
	}
	if report.ErrorKind != repos.ErrorKindNone {
		t.Errorf("unexpected error kind %q", report.ErrorKind)
	}
	if report.Duration != time.Second {
		t.Errorf("unexpected duration %v", report.Duration)
	}
}

func TestCyclical(t *testing.T) {
	j := New(testRepo, 3)

	// Two full passes through the state machine on the same job.
	for range 2 {
		if err := j.Dispatch(time.Now()); err != nil {
			t.Fatal(err)
		}
		if err := j.CredentialResolved(); err != nil {
			t.Fatal(err)
		}
		if err := j.SyncSucceeded(repos.SyncResult{After: repos.Watermark{Commit: "abc", SyncedAt: time.Now()}}); err != nil {
			t.Fatal(err)
		}
		if err := j.Acknowledged(); err != nil {
			t.Fatal(err)
		}
		if err := j.Reset(); err != nil {
			t.Fatal(err)
		}
	}

	if got := len(j.History()); got != 2 {
		t.Errorf("expected 2 results in history, got %d", got)
	}
}

// TestRetryBound drives the job against a sync that always fails and checks
// it gives up after exactly the configured number of attempts.
func TestRetryBound(t *testing.T) {
	const maxAttempts = 3
	j := New(testRepo, maxAttempts)
	backoff := Backoff{Base: time.Millisecond, Max: 10 * time.Millisecond}
	netErr := errors.New("dial tcp: connection refused")

	if err := j.Dispatch(time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := j.CredentialResolved(); err != nil {
		t.Fatal(err)
	}

	attempts := 0
	for {
		attempts++
		delay, err := j.SyncFailed(repos.ErrorKindNetwork, netErr, backoff)
		if err != nil {
			t.Fatal(err)
		}
		if j.State() == Failed {
			break
		}
		if j.State() != RetryScheduled {
			t.Fatalf("expected RETRY_SCHEDULED, got %v", j.State())
		}
		if delay <= 0 {
			t.Fatal("expected a positive retry delay")
		}
		if err := j.Retry(); err != nil {
			t.Fatal(err)
		}
	}

	if attempts != maxAttempts {
		t.Errorf("expected to fail after exactly %d attempts, got %d", maxAttempts, attempts)
	}
	if j.Attempts() != maxAttempts {
		t.Errorf("expected attempt counter of %d, got %d", maxAttempts, j.Attempts())
	}

	report := j.Report(time.Now())
	if report.State != "FAILED" {
		t.Errorf("unexpected state %q", report.State)
	}
	if report.ErrorKind != repos.ErrorKindNetwork {
		t.Errorf("unexpected error kind %q", report.ErrorKind)
	}
}

func TestNoUsableCredentialTerminal(t *testing.T) {
	j := New(testRepo, 3)

	if err := j.Dispatch(time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := j.NoUsableCredential(errors.New("no usable credential")); err != nil {
		t.Fatal(err)
	}

	if j.State() != Failed {
		t.Fatalf("expected FAILED, got %v", j.State())
	}

	// No retry from here: only a reset for the next trigger is allowed.
	if err := j.Retry(); err == nil {
		t.Error("expected an error on retry from FAILED")
	}
	if err := j.Reset(); err != nil {
		t.Fatal(err)
	}
	if j.State() != Pending {
		t.Fatalf("expected PENDING, got %v", j.State())
	}

	report := j.Report(time.Now())
	if report.ErrorKind != repos.ErrorKindNoUsableCredential {
		t.Errorf("unexpected error kind %q", report.ErrorKind)
	}
}

func TestIllegalTransitions(t *testing.T) {
	j := New(testRepo, 3)

	if err := j.CredentialResolved(); err == nil {
		t.Error("expected an error resolving from PENDING")
	}
	if err := j.SyncSucceeded(repos.SyncResult{}); err == nil {
		t.Error("expected an error succeeding from PENDING")
	}
	if err := j.Acknowledged(); err == nil {
		t.Error("expected an error acknowledging from PENDING")
	}
}

func TestInterrupt(t *testing.T) {
	j := New(testRepo, 3)

	if err := j.Dispatch(time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := j.CredentialResolved(); err != nil {
		t.Fatal(err)
	}

	if last := j.Interrupt(); last != Syncing {
		t.Errorf("expected SYNCING, got %v", last)
	}
	if j.State() != Reported {
		t.Errorf("expected REPORTED, got %v", j.State())
	}
}

func TestBackoff(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 10 * time.Second}

	for attempt, want := range map[int]time.Duration{
		1: time.Second,
		2: 2 * time.Second,
		3: 4 * time.Second,
		4: 8 * time.Second,
		5: 10 * time.Second, // capped
		9: 10 * time.Second,
	} {
		// Jitter lands in [want/2, want].
		if d := b.Delay(attempt); d < want/2 || d > want {
			t.Errorf("attempt %d: delay %v outside [%v, %v]", attempt, d, want/2, want)
		}
	}
}

func TestFailedPassReportsNoChangedPaths(t *testing.T) {
	j := New(testRepo, 1)
	now := time.Now()

	// A successful pass with three changed paths.
	if err := j.Dispatch(now); err != nil {
		t.Fatal(err)
	}
	if err := j.CredentialResolved(); err != nil {
		t.Fatal(err)
	}
	if err := j.SyncSucceeded(repos.SyncResult{
		After:        repos.Watermark{Commit: "abc", SyncedAt: now},
		ChangedPaths: []string{"a.go", "b.go", "c.go"},
	}); err != nil {
		t.Fatal(err)
	}
	if err := j.Acknowledged(); err != nil {
		t.Fatal(err)
	}
	if got := j.Report(now).ChangedPaths; got != 3 {
		t.Fatalf("expected 3 changed paths, got %d", got)
	}
	if err := j.Reset(); err != nil {
		t.Fatal(err)
	}

	// The next pass fails terminally without syncing anything. Its report
	// must not carry the previous pass's changed-path count.
	if err := j.Dispatch(now.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	if err := j.CredentialResolved(); err != nil {
		t.Fatal(err)
	}
	if _, err := j.SyncFailed(repos.ErrorKindNetwork, errors.New("connection reset"), Backoff{Base: time.Second, Max: time.Minute}); err != nil {
		t.Fatal(err)
	}
	if j.State() != Failed {
		t.Fatalf("expected FAILED, got %v", j.State())
	}

	report := j.Report(now.Add(2 * time.Minute))
	if report.ChangedPaths != 0 {
		t.Errorf("failed pass synced nothing but report claims %d changed paths", report.ChangedPaths)
	}
	if report.ErrorKind != repos.ErrorKindNetwork {
		t.Errorf("unexpected error kind %q", report.ErrorKind)
	}

	// The history still remembers the earlier success.
	if got := len(j.History()); got != 1 {
		t.Errorf("expected 1 result in history, got %d", got)
	}
}
