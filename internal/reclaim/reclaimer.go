// Package reclaim deletes served artifacts once their grace period is over.
package reclaim

import (
	"log/slog"
	"sync"
	"time"

	"mp3relay/internal/clock"
	"mp3relay/internal/metrics"
)

// ReasonGrace labels deletions made by the reclaimer.
const ReasonGrace = "grace"

// Deleter removes the artifact of one job. Deleting a missing artifact must
// succeed.
type Deleter interface {
	Delete(id string) error
}

// Reclaimer schedules artifact deletions on a clock. Scheduling never
// blocks; the deletion runs on the clock's own goroutine.
type Reclaimer struct {
	clock   clock.Clock
	store   Deleter
	metrics metrics.Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	seq     uint64
	pending map[uint64]pendingDelete
	closed  bool
}

type pendingDelete struct {
	id    string
	timer clock.Timer
}

// New returns a Reclaimer. A nil metrics is replaced by metrics.Noop.
func New(c clock.Clock, store Deleter, m metrics.Metrics, logger *slog.Logger) *Reclaimer {
	if m == nil {
		m = metrics.Noop{}
	}
	return &Reclaimer{
		clock:   c,
		store:   store,
		metrics: m,
		logger:  logger,
		pending: make(map[uint64]pendingDelete),
	}
}

// Schedule deletes the artifact for id once delay has elapsed. After Close
// the deletion happens immediately.
func (r *Reclaimer) Schedule(id string, delay time.Duration) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.reclaim(id)
		return
	}
	r.seq++
	key := r.seq
	// Register before arming: a fake clock may fire synchronously.
	r.pending[key] = pendingDelete{id: id}
	r.mu.Unlock()

	timer := r.clock.AfterFunc(delay, func() { r.fire(key) })

	r.mu.Lock()
	if p, ok := r.pending[key]; ok {
		p.timer = timer
		r.pending[key] = p
	}
	r.mu.Unlock()
	r.logger.Debug("reclamation scheduled", "job_id", id, "delay", delay)
}

// Pending returns the number of deletions that have not run yet.
func (r *Reclaimer) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Close stops every pending timer and runs those deletions now, so no
// served artifact outlives the process. An entry whose timer already expired
// but whose callback has not yet run is deleted here too: the late callback
// finds no entry and does nothing.
func (r *Reclaimer) Close() {
	r.mu.Lock()
	r.closed = true
	ids := make([]string, 0, len(r.pending))
	for key, p := range r.pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		ids = append(ids, p.id)
		delete(r.pending, key)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.reclaim(id)
	}
	if len(ids) > 0 {
		r.logger.Info("flushed pending reclamations", "count", len(ids))
	}
}

func (r *Reclaimer) fire(key uint64) {
	r.mu.Lock()
	p, ok := r.pending[key]
	delete(r.pending, key)
	r.mu.Unlock()
	if !ok {
		return
	}
	r.reclaim(p.id)
}

func (r *Reclaimer) reclaim(id string) {
	err := r.store.Delete(id)
	r.metrics.IncReclaimed(ReasonGrace, err)
	if err != nil {
		r.logger.Error("reclaim artifact", "job_id", id, "error", err)
		return
	}
	r.logger.Info("artifact reclaimed", "job_id", id)
}
