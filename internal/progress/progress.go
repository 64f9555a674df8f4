// Package progress wraps the terminal progress bar used in single-shot runs.
// A nil Bar is a no-op so callers never need to guard their updates.
package progress

import (
	"github.com/schollz/progressbar/v3"
)

type Bar struct {
	bar *progressbar.ProgressBar
}

// New creates a progress bar for n steps. When enabled is false the returned
// bar discards all updates.
func New(n int, description string, enabled bool) *Bar {
	if !enabled {
		return nil
	}
	return &Bar{bar: progressbar.Default(int64(n), description)}
}

func (b *Bar) Add(n int) {
	if b == nil || b.bar == nil {
		return
	}
	_ = b.bar.Add(n)
}

func (b *Bar) Finish() {
	if b == nil || b.bar == nil {
		return
	}
	_ = b.bar.Finish()
}
