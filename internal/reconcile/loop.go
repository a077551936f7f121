// Package reconcile implements the asynchronous resource-state
// reconciliation core: a per-scope polling loop that tracks resources
// through transient lifecycle states, and an action coordinator that merges
// user-issued commands with poll results without stale overwrites or
// duplicate in-flight requests.
package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/vkuzmin/fleetwatch/internal/cloud"
	"github.com/vkuzmin/fleetwatch/internal/eventbus"
	"github.com/vkuzmin/fleetwatch/internal/metrics"
	"github.com/vkuzmin/fleetwatch/internal/resource"
)

// Fetch origins, for logs and metrics.
const (
	originEnter  = "enter"
	originManual = "manual"
	originTick   = "tick"
	originForced = "forced"
)

// pollTask is the handle of one live polling goroutine. Closing stop under
// loop.mu is the synchronous cancellation point: once closed, the task fires
// no further tick.
type pollTask struct {
	stop chan struct{}
}

// loop owns all mutable state of one scope: the latest accepted snapshot,
// the fetch sequence counter, and the polling task handle. Every transition
// is a critical section under mu; only the fetcher calls happen outside it.
type loop struct {
	scope   resource.Scope
	fetcher cloud.Fetcher
	bus     *eventbus.Bus
	cfg     Config
	limiter *rate.Limiter

	mu       sync.Mutex
	closed   bool
	fetchSeq uint64
	accepted *resource.Snapshot
	task     *pollTask

	// anomalies tracks unrecognized states already surfaced, one event per
	// (resource, state) occurrence.
	anomalies map[string]resource.State
}

func newLoop(scope resource.Scope, fetcher cloud.Fetcher, bus *eventbus.Bus, cfg Config) *loop {
	burst := int(cfg.RateLimitRPS)
	if burst < 1 {
		burst = 1
	}
	return &loop{
		scope:     scope,
		fetcher:   fetcher,
		bus:       bus,
		cfg:       cfg,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), burst),
		anomalies: make(map[string]resource.State),
	}
}

// refresh performs one fetch and applies the result. The sequence number is
// stamped at initiation, so a fetch started later always outranks a slower
// one started earlier, whichever completes first.
func (l *loop) refresh(ctx context.Context, origin string) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrScopeNotActive
	}
	l.fetchSeq++
	seq := l.fetchSeq
	l.mu.Unlock()

	if err := l.limiter.Wait(ctx); err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, l.cfg.CallTimeout)
	resources, err := l.fetcher.Fetch(cctx, l.scope)
	cancel()

	if err != nil {
		// Transient by definition: surface once, keep the previous snapshot
		// on display, stay on schedule.
		metrics.FetchesTotal.WithLabelValues(l.scope.Key(), origin, "error").Inc()
		log.Warn().
			Err(err).
			Str("scope", l.scope.Key()).
			Str("origin", origin).
			Uint64("seq", seq).
			Msg("Fetch failed, keeping previous snapshot")
		l.bus.Publish(eventbus.Event{
			Type:   eventbus.TypeFetchError,
			Scope:  l.scope,
			Reason: err.Error(),
		})
		return &FetchError{Scope: l.scope, Err: err}
	}

	metrics.FetchesTotal.WithLabelValues(l.scope.Key(), origin, "ok").Inc()
	snap := &resource.Snapshot{
		Scope:     l.scope,
		Seq:       seq,
		Taken:     time.Now(),
		Resources: resources,
	}
	l.apply(snap, origin)
	return nil
}

// apply accepts or discards a fetched snapshot, reclassifies the scope's
// transience, and starts or stops the polling task accordingly.
func (l *loop) apply(snap *resource.Snapshot, origin string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		// Scope exited while the fetch was in flight; the result must not
		// mutate anything.
		log.Debug().
			Str("scope", l.scope.Key()).
			Uint64("seq", snap.Seq).
			Msg("Discarding fetch result for exited scope")
		return
	}

	if l.accepted != nil && snap.Seq <= l.accepted.Seq {
		metrics.StaleSnapshotsTotal.WithLabelValues(l.scope.Key()).Inc()
		log.Debug().
			Str("scope", l.scope.Key()).
			Uint64("seq", snap.Seq).
			Uint64("accepted_seq", l.accepted.Seq).
			Str("origin", origin).
			Msg("Discarding stale snapshot")
		return
	}

	transient := 0
	for i := range snap.Resources {
		r := &snap.Resources[i]
		tr, known := resource.Classify(r.Kind, r.State)
		if !known {
			r.StateUnknown = true
			l.surfaceAnomalyLocked(r)
		} else {
			delete(l.anomalies, r.ID)
		}
		if tr == resource.Transient {
			transient++
		}
	}

	l.accepted = snap
	metrics.TransientResources.WithLabelValues(l.scope.Key()).Set(float64(transient))

	log.Debug().
		Str("scope", l.scope.Key()).
		Uint64("seq", snap.Seq).
		Int("resources", len(snap.Resources)).
		Int("transient", transient).
		Str("origin", origin).
		Msg("Snapshot applied")

	if transient > 0 {
		l.startPollingLocked()
	} else {
		l.stopPollingLocked()
	}
}

// surfaceAnomalyLocked reports an unrecognized state once per occurrence.
func (l *loop) surfaceAnomalyLocked(r *resource.Resource) {
	if l.anomalies[r.ID] == r.State {
		return
	}
	l.anomalies[r.ID] = r.State
	metrics.StateAnomaliesTotal.WithLabelValues(l.scope.Key(), string(r.Kind)).Inc()
	log.Warn().
		Str("scope", l.scope.Key()).
		Str("resource", r.ID).
		Str("kind", string(r.Kind)).
		Str("state", string(r.State)).
		Msg("Resource reports unrecognized state, treating as stable")
	l.bus.Publish(eventbus.Event{
		Type:       eventbus.TypeStateAnomaly,
		Scope:      l.scope,
		ResourceID: r.ID,
		State:      r.State,
	})
}

func (l *loop) startPollingLocked() {
	if l.task != nil || l.closed {
		return
	}
	t := &pollTask{stop: make(chan struct{})}
	l.task = t
	metrics.PollingTasks.Inc()
	log.Info().
		Str("scope", l.scope.Key()).
		Dur("poll_interval", l.cfg.PollInterval).
		Msg("Polling started")
	l.bus.Publish(eventbus.Event{Type: eventbus.TypePollingStarted, Scope: l.scope})
	go l.run(t)
}

func (l *loop) stopPollingLocked() {
	if l.task == nil {
		return
	}
	close(l.task.stop)
	l.task = nil
	metrics.PollingTasks.Dec()
	log.Info().Str("scope", l.scope.Key()).Msg("Polling stopped")
	l.bus.Publish(eventbus.Event{Type: eventbus.TypePollingStopped, Scope: l.scope})
}

// run is the polling task. It never touches loop state directly; every tick
// goes through refresh/apply, which hold the lock.
func (l *loop) run(t *pollTask) {
	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			// The task may have been stopped between the tick firing and
			// this point; never fetch on behalf of a dead task.
			select {
			case <-t.stop:
				return
			default:
			}
			// Errors are surfaced inside refresh; the schedule continues.
			_ = l.refresh(context.Background(), originTick)
		}
	}
}

// close exits the scope: the polling task is cancelled synchronously and any
// in-flight fetch result will be discarded on arrival.
func (l *loop) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	l.stopPollingLocked()
}

// snapshot returns a copy of the latest accepted snapshot.
func (l *loop) snapshot() (resource.Snapshot, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.accepted == nil {
		return resource.Snapshot{}, false
	}
	return l.accepted.Clone(), true
}

// polling reports whether a polling task is currently alive.
func (l *loop) polling() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.task != nil
}

// resourceTransient reports whether the resource is mid-transition according
// to the latest accepted snapshot. Unknown resources are not transient.
func (l *loop) resourceTransient(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.accepted == nil {
		return false
	}
	r := l.accepted.Find(id)
	if r == nil {
		return false
	}
	tr, _ := resource.Classify(r.Kind, r.State)
	return tr == resource.Transient
}
