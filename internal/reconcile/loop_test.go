package reconcile

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vkuzmin/fleetwatch/internal/cloud/cloudtest"
	"github.com/vkuzmin/fleetwatch/internal/resource"
)

func TestLoopApplyRejectsStaleSequence(t *testing.T) {
	l := newLoop(testScope, cloudtest.New(), newTestBus(t), slowConfig())

	newer := &resource.Snapshot{
		Scope:     testScope,
		Seq:       5,
		Resources: []resource.Resource{cluster("c1", resource.StateRunning)},
	}
	l.apply(newer, originManual)

	// A lower sequence number arriving later must leave the accepted
	// snapshot untouched.
	older := &resource.Snapshot{
		Scope:     testScope,
		Seq:       4,
		Resources: []resource.Resource{cluster("c1", resource.StateProvisioning)},
	}
	l.apply(older, originTick)

	snap, ok := l.snapshot()
	if !ok {
		t.Fatal("expected an accepted snapshot")
	}
	if snap.Seq != 5 {
		t.Errorf("accepted seq = %d, want 5", snap.Seq)
	}
	if got := snap.Resources[0].State; got != resource.StateRunning {
		t.Errorf("accepted state = %s, want RUNNING", got)
	}

	// Equal sequence numbers: first completion wins, duplicate discarded.
	dup := &resource.Snapshot{
		Scope:     testScope,
		Seq:       5,
		Resources: []resource.Resource{cluster("c1", resource.StateStopping)},
	}
	l.apply(dup, originTick)
	snap, _ = l.snapshot()
	if got := snap.Resources[0].State; got != resource.StateRunning {
		t.Errorf("duplicate seq overwrote accepted snapshot: state = %s", got)
	}
}

func TestLoopSingleTaskAcrossTransientApplies(t *testing.T) {
	l := newLoop(testScope, cloudtest.New(), newTestBus(t), slowConfig())
	defer l.close()

	l.apply(&resource.Snapshot{
		Scope: testScope, Seq: 1,
		Resources: []resource.Resource{cluster("c1", resource.StateProvisioning)},
	}, originEnter)

	l.mu.Lock()
	first := l.task
	l.mu.Unlock()
	if first == nil {
		t.Fatal("expected a polling task after a transient snapshot")
	}

	// Another transient snapshot must reuse the live task, never start a
	// second one.
	l.apply(&resource.Snapshot{
		Scope: testScope, Seq: 2,
		Resources: []resource.Resource{cluster("c1", resource.StateProvisioning)},
	}, originTick)

	l.mu.Lock()
	second := l.task
	l.mu.Unlock()
	if second != first {
		t.Fatal("a second polling task was started for the same scope")
	}

	// All-stable snapshot stops the task synchronously.
	l.apply(&resource.Snapshot{
		Scope: testScope, Seq: 3,
		Resources: []resource.Resource{cluster("c1", resource.StateRunning)},
	}, originTick)

	l.mu.Lock()
	stopped := l.task == nil
	l.mu.Unlock()
	if !stopped {
		t.Fatal("polling task still alive after all-stable snapshot")
	}
	select {
	case <-first.stop:
	default:
		t.Fatal("stopped task's stop channel was not closed")
	}

	// A fresh transient snapshot starts a new task.
	l.apply(&resource.Snapshot{
		Scope: testScope, Seq: 4,
		Resources: []resource.Resource{cluster("c1", resource.StateStopping)},
	}, originManual)
	if !l.polling() {
		t.Fatal("expected polling to restart on a fresh transient snapshot")
	}
}

func TestLoopDiscardsResultAfterClose(t *testing.T) {
	provider := cloudtest.New()
	release := make(chan struct{})
	var calls int32
	provider.SetFetchHook(func(ctx context.Context, scope resource.Scope) ([]resource.Resource, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return []resource.Resource{cluster("c1", resource.StateProvisioning)}, nil
	})

	l := newLoop(testScope, provider, newTestBus(t), slowConfig())

	done := make(chan error, 1)
	go func() { done <- l.refresh(context.Background(), originEnter) }()

	waitFor(t, 2*time.Second, "fetch to start", func() bool {
		return atomic.LoadInt32(&calls) == 1
	})

	// Scope exits while the network call is in flight; the result must be
	// discarded on arrival without mutating anything.
	l.close()
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("refresh returned %v, want nil (result silently discarded)", err)
	}
	if _, ok := l.snapshot(); ok {
		t.Fatal("snapshot applied after scope was closed")
	}
	if l.polling() {
		t.Fatal("polling task started after scope was closed")
	}
}

func TestLoopFetchErrorKeepsSnapshotAndSchedule(t *testing.T) {
	provider := cloudtest.New()
	provider.SetResources(testScope, cluster("c1", resource.StateProvisioning))

	l := newLoop(testScope, provider, newTestBus(t), fastConfig())
	defer l.close()

	if err := l.refresh(context.Background(), originEnter); err != nil {
		t.Fatalf("initial refresh: %v", err)
	}
	if !l.polling() {
		t.Fatal("expected polling after transient snapshot")
	}
	before, _ := l.snapshot()

	// Failures do not stop the schedule and leave the previous snapshot as
	// the displayed state.
	provider.SetFetchError(errors.New("backend unavailable"))
	countAtFailure := provider.FetchCount(testScope)
	waitFor(t, 2*time.Second, "ticks to continue through fetch errors", func() bool {
		return provider.FetchCount(testScope) >= countAtFailure+3
	})
	if !l.polling() {
		t.Fatal("polling stopped on fetch error")
	}
	after, ok := l.snapshot()
	if !ok || after.Seq != before.Seq {
		t.Fatalf("displayed snapshot changed across fetch errors: %d -> %d", before.Seq, after.Seq)
	}

	// Recovery: the next successful tick resolves the resource and polling
	// stops on its own.
	provider.SetState(testScope, "c1", resource.StateRunning)
	provider.SetFetchError(nil)
	waitFor(t, 2*time.Second, "polling to stop after recovery", func() bool {
		return !l.polling()
	})
	final, _ := l.snapshot()
	if got := final.Resources[0].State; got != resource.StateRunning {
		t.Errorf("final state = %s, want RUNNING", got)
	}
}

func TestLoopNoTickAfterIdle(t *testing.T) {
	provider := cloudtest.New()
	provider.SetResources(testScope, cluster("c1", resource.StateProvisioning))
	provider.SetTransition(testScope, "c1", 3, resource.StateRunning)

	l := newLoop(testScope, provider, newTestBus(t), fastConfig())
	defer l.close()

	if err := l.refresh(context.Background(), originEnter); err != nil {
		t.Fatalf("initial refresh: %v", err)
	}
	waitFor(t, 2*time.Second, "polling to stop", func() bool {
		return !l.polling()
	})

	// Once idle, no further tick may fire for the scope.
	quiesced := provider.FetchCount(testScope)
	time.Sleep(6 * l.cfg.PollInterval)
	if got := provider.FetchCount(testScope); got != quiesced {
		t.Errorf("fetch count moved from %d to %d after loop went idle", quiesced, got)
	}
}

func TestLoopUnknownStateAnomaly(t *testing.T) {
	provider := cloudtest.New()
	provider.SetResources(testScope, resource.Resource{
		ID:    "c1",
		Kind:  resource.KindCluster,
		State: resource.State("SPINNING"),
	})

	l := newLoop(testScope, provider, newTestBus(t), slowConfig())
	defer l.close()

	if err := l.refresh(context.Background(), originEnter); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	// Unknown states never keep a loop polling, but are flagged.
	if l.polling() {
		t.Fatal("unknown state must classify stable, loop should stay idle")
	}
	snap, _ := l.snapshot()
	if !snap.Resources[0].StateUnknown {
		t.Error("resource with unrecognized state not flagged")
	}
}
