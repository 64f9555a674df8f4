package job

import (
	"math/rand"
	"time"
)

// Backoff computes the delay before retry attempt n (1-based). The delay
// doubles per attempt up to Max and is jittered so that many jobs failing at
// once do not retry in lockstep.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			d = b.Max
			break
		}
	}
	if d > b.Max {
		d = b.Max
	}
	// Jitter in [d/2, d).
	return d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
}
