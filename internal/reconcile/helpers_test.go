package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/vkuzmin/fleetwatch/internal/eventbus"
	"github.com/vkuzmin/fleetwatch/internal/resource"
)

var testScope = resource.Scope{Project: "acme", Location: "fsn1"}

// fastConfig keeps tests snappy: a 25ms tick and a near-immediate forced
// refresh. Tests asserting "no tick happened" use slowConfig instead.
func fastConfig() Config {
	return Config{
		PollInterval:       25 * time.Millisecond,
		ForcedRefreshDelay: 5 * time.Millisecond,
		CallTimeout:        2 * time.Second,
		RateLimitRPS:       1000,
	}
}

// slowConfig makes the tick effectively unreachable within a test run, so
// any observed fetch must come from enter, manual or forced refresh.
func slowConfig() Config {
	cfg := fastConfig()
	cfg.PollInterval = time.Hour
	return cfg
}

func newTestBus(t *testing.T) *eventbus.Bus {
	t.Helper()
	bus := eventbus.NewWithConfig(1, 64)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		bus.Close(ctx)
	})
	return bus
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func cluster(id string, state resource.State) resource.Resource {
	return resource.Resource{ID: id, Kind: resource.KindCluster, State: state}
}

func nodePool(id string, state resource.State) resource.Resource {
	return resource.Resource{ID: id, Kind: resource.KindNodePool, State: state}
}
