package reconcile

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/vkuzmin/fleetwatch/internal/cloud"
	"github.com/vkuzmin/fleetwatch/internal/eventbus"
	"github.com/vkuzmin/fleetwatch/internal/resource"
)

// scopeHandle pairs the loop and coordinator owning one active scope. A new
// handle is allocated on every enter, so results belonging to a superseded
// owner can never reach the current one.
type scopeHandle struct {
	loop  *loop
	coord *coordinator
}

// Tracker is the presentation layer's single entry point. It owns at most
// one loop and one coordinator per active scope and enforces the scope
// lifecycle: enter fetches immediately, exit cancels synchronously, the last
// entrant wins.
type Tracker struct {
	fetcher    cloud.Fetcher
	dispatcher cloud.Dispatcher
	bus        *eventbus.Bus
	cfg        Config

	mu     sync.Mutex
	scopes map[string]*scopeHandle
}

// NewTracker creates a tracker over the given collaborators.
func NewTracker(fetcher cloud.Fetcher, dispatcher cloud.Dispatcher, bus *eventbus.Bus, cfg Config) *Tracker {
	return &Tracker{
		fetcher:    fetcher,
		dispatcher: dispatcher,
		bus:        bus,
		cfg:        cfg.withDefaults(),
		scopes:     make(map[string]*scopeHandle),
	}
}

// Enter activates a scope and performs one immediate fetch. Entering an
// already-active scope supersedes the previous owner: its polling task is
// cancelled and its command locks released before the new loop starts.
func (t *Tracker) Enter(scope resource.Scope) error {
	if err := scope.Validate(); err != nil {
		return err
	}

	t.mu.Lock()
	if prev, ok := t.scopes[scope.Key()]; ok {
		log.Info().Str("scope", scope.Key()).Msg("Scope re-entered, superseding previous owner")
		prev.loop.close()
		prev.coord.close()
	}
	l := newLoop(scope, t.fetcher, t.bus, t.cfg)
	h := &scopeHandle{
		loop:  l,
		coord: newCoordinator(scope, t.dispatcher, l, t.bus, t.cfg),
	}
	t.scopes[scope.Key()] = h
	t.mu.Unlock()

	log.Info().Str("scope", scope.Key()).Msg("Scope entered")

	// Initial fetch; polling starts by itself if anything is transient.
	go func() {
		_ = h.loop.refresh(context.Background(), originEnter)
	}()
	return nil
}

// Exit deactivates a scope. The polling task is cancelled synchronously and
// the coordinator's locks are released; results of calls still in flight are
// discarded on arrival.
func (t *Tracker) Exit(scope resource.Scope) error {
	t.mu.Lock()
	h, ok := t.scopes[scope.Key()]
	if ok {
		delete(t.scopes, scope.Key())
	}
	t.mu.Unlock()

	if !ok {
		return ErrScopeNotActive
	}
	h.loop.close()
	h.coord.close()
	log.Info().Str("scope", scope.Key()).Msg("Scope exited")
	return nil
}

// Refresh performs one user-triggered fetch for an active scope.
func (t *Tracker) Refresh(ctx context.Context, scope resource.Scope) error {
	h, ok := t.handle(scope)
	if !ok {
		return ErrScopeNotActive
	}
	return h.loop.refresh(ctx, originManual)
}

// Submit runs a command through the scope's coordinator. A missing ID is
// assigned here so every dispatch is correlatable in logs and events.
func (t *Tracker) Submit(ctx context.Context, cmd cloud.Command) (cloud.Command, error) {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	h, ok := t.handle(cmd.Scope)
	if !ok {
		return cmd, ErrScopeNotActive
	}
	return cmd, h.coord.submit(ctx, cmd)
}

// LatestSnapshot returns a copy of the scope's latest accepted snapshot.
func (t *Tracker) LatestSnapshot(scope resource.Scope) (resource.Snapshot, bool) {
	h, ok := t.handle(scope)
	if !ok {
		return resource.Snapshot{}, false
	}
	return h.loop.snapshot()
}

// IsPolling reports whether the scope currently has a live polling task.
func (t *Tracker) IsPolling(scope resource.Scope) bool {
	h, ok := t.handle(scope)
	return ok && h.loop.polling()
}

// CommandStatus returns the last known outcome for a (resource, kind) pair.
func (t *Tracker) CommandStatus(scope resource.Scope, resourceID string, kind cloud.CommandKind) CommandStatus {
	h, ok := t.handle(scope)
	if !ok {
		return CommandStatus{State: CommandIdle}
	}
	return h.coord.status(resourceID, kind)
}

// ActiveScopes lists the scopes currently entered.
func (t *Tracker) ActiveScopes() []resource.Scope {
	t.mu.Lock()
	defer t.mu.Unlock()
	scopes := make([]resource.Scope, 0, len(t.scopes))
	for _, h := range t.scopes {
		scopes = append(scopes, h.loop.scope)
	}
	return scopes
}

// Close exits every active scope.
func (t *Tracker) Close() {
	t.mu.Lock()
	handles := make([]*scopeHandle, 0, len(t.scopes))
	for _, h := range t.scopes {
		handles = append(handles, h)
	}
	t.scopes = make(map[string]*scopeHandle)
	t.mu.Unlock()

	for _, h := range handles {
		h.loop.close()
		h.coord.close()
	}
}

func (t *Tracker) handle(scope resource.Scope) (*scopeHandle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.scopes[scope.Key()]
	return h, ok
}
