package supervisor

import "time"

const defaultMaxBackoff = time.Minute

// Backoff slows respawning of workers that keep dying young. The zero value
// disables it: every exit is followed by an immediate respawn, no matter how
// fast workers crash.
type Backoff struct {
	// Initial is the delay after the first short-lived exit. Zero disables
	// backoff.
	Initial time.Duration
	// Max caps the delay. Zero means one minute.
	Max time.Duration
	// MinUptime is how long a worker must have run for its exit to reset
	// the delay.
	MinUptime time.Duration
}

type backoffState struct {
	Backoff
	failures int
}

// next returns how long to wait before replacing a worker that ran for uptime.
func (b *backoffState) next(uptime time.Duration) time.Duration {
	if b.Initial <= 0 {
		return 0
	}
	if uptime >= b.MinUptime {
		b.failures = 0
		return 0
	}
	b.failures++

	limit := b.Max
	if limit <= 0 {
		limit = defaultMaxBackoff
	}
	d := b.Initial
	for i := 1; i < b.failures && d < limit; i++ {
		d *= 2
	}
	if d > limit {
		d = limit
	}
	return d
}
