package usecase

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Debouncer collapses bursts of change notifications into one wakeup. A
// wakeup fires once no notification has arrived for the quiet window, and
// never later than maxWait after the first notification of the burst.
type Debouncer struct {
	quiet   time.Duration
	maxWait time.Duration
	log     *zap.Logger

	mu      sync.Mutex
	pending bool
	first   time.Time
	count   int
	gen     uint64
	timer   *time.Timer
	closed  bool

	out chan struct{}
}

func NewDebouncer(quiet, maxWait time.Duration, log *zap.Logger) *Debouncer {
	if quiet <= 0 {
		quiet = 500 * time.Millisecond
	}
	if maxWait < quiet {
		maxWait = 10 * quiet
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Debouncer{quiet: quiet, maxWait: maxWait, log: log, out: make(chan struct{}, 1)}
}

// Notify records a change. It never blocks.
func (d *Debouncer) Notify(reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}

	now := time.Now()
	if !d.pending {
		d.pending = true
		d.first = now
		d.count = 0
	}
	d.count++

	deadline := now.Add(d.quiet)
	if limit := d.first.Add(d.maxWait); deadline.After(limit) {
		deadline = limit
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.timer = time.AfterFunc(time.Until(deadline), func() { d.fire(gen) })

	d.log.Debug("sync notification", zap.String("reason", reason), zap.Int("burst", d.count))
}

// C delivers at most one buffered wakeup per burst.
func (d *Debouncer) C() <-chan struct{} {
	return d.out
}

func (d *Debouncer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.pending = false
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	return nil
}

func (d *Debouncer) fire(gen uint64) {
	d.mu.Lock()
	if gen != d.gen || !d.pending {
		d.mu.Unlock()
		return
	}
	d.pending = false
	d.timer = nil
	count := d.count
	d.mu.Unlock()

	select {
	case d.out <- struct{}{}:
	default:
	}
	d.log.Debug("sync wakeup", zap.Int("coalesced", count))
}
