// Package progress converts raw byte-count callbacks from the fetch
// library into rate-limited percentage updates. The fetch side may report
// at arbitrary frequency and occasionally out of order; the throttler
// bounds both the store-write rate and the notification rate to a small
// constant number of operations per job.
package progress

// Default thresholds, in percentage points. Persist gates writes to the job
// store, Notify gates events pushed to live subscribers; keeping them
// separate decouples storage-write frequency from network traffic.
const (
	DefaultPersistStep = 0.5
	DefaultNotifyStep  = 1.0
)

// Sample is the throttler's verdict for one callback.
type Sample struct {
	Percent float64
	Persist bool
	Notify  bool
}

// Throttler tracks one execution attempt. Not safe for concurrent use; the
// fetch library invokes the progress callback from a single goroutine.
type Throttler struct {
	persistStep float64
	notifyStep  float64

	current       float64
	lastPersisted float64
	lastNotified  float64
	done          bool
}

// New creates a throttler with the given thresholds; non-positive values
// fall back to the defaults.
func New(persistStep, notifyStep float64) *Throttler {
	if persistStep <= 0 {
		persistStep = DefaultPersistStep
	}
	if notifyStep <= 0 {
		notifyStep = DefaultNotifyStep
	}
	return &Throttler{persistStep: persistStep, notifyStep: notifyStep}
}

// Observe processes one raw callback. When total is unknown (<= 0) the
// last-known percentage is kept and nothing fires. Values are clamped to
// [0, 100] and never regress within the attempt.
func (t *Throttler) Observe(downloaded, total int64) Sample {
	if t.done {
		return Sample{Percent: t.current}
	}
	if total <= 0 {
		return Sample{Percent: t.current}
	}

	pct := float64(downloaded) / float64(total) * 100
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	// Monotonic non-decrease: out-of-order callbacks must not make the UI
	// flicker backwards.
	if pct < t.current {
		pct = t.current
	}
	t.current = pct

	return t.sample()
}

// Finish forces the attempt to 100 percent, firing whatever has not been
// emitted yet. Used when the fetch returns successfully.
func (t *Throttler) Finish() Sample {
	t.current = 100
	s := t.sample()
	t.done = true
	return s
}

func (t *Throttler) sample() Sample {
	s := Sample{Percent: t.current}

	if t.current-t.lastPersisted >= t.persistStep || (t.current >= 100 && t.lastPersisted < 100) {
		s.Persist = true
		t.lastPersisted = t.current
	}
	if t.current-t.lastNotified >= t.notifyStep || (t.current >= 100 && t.lastNotified < 100) {
		s.Notify = true
		t.lastNotified = t.current
	}
	return s
}

// Percent returns the last computed percentage.
func (t *Throttler) Percent() float64 {
	return t.current
}
