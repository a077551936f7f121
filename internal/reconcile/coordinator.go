package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vkuzmin/fleetwatch/internal/cloud"
	"github.com/vkuzmin/fleetwatch/internal/eventbus"
	"github.com/vkuzmin/fleetwatch/internal/metrics"
	"github.com/vkuzmin/fleetwatch/internal/resource"
)

// CommandState is the presentation-facing status of a (resource, kind) pair.
type CommandState string

const (
	CommandIdle      CommandState = "idle"
	CommandInflight  CommandState = "inflight"
	CommandSucceeded CommandState = "succeeded"
	CommandFailed    CommandState = "failed"
)

// CommandStatus is the last known outcome for a (resource, kind) pair.
type CommandStatus struct {
	State     CommandState `json:"state"`
	CommandID string       `json:"command_id,omitempty"`
	Reason    string       `json:"reason,omitempty"`
	Updated   time.Time    `json:"updated,omitempty"`
}

type commandKey struct {
	resourceID string
	kind       cloud.CommandKind
}

// coordinator serializes user-issued commands for one scope. It only ever
// reads the loop's snapshot (to validate eligibility) and writes per-command
// lock state; displayed resource state changes only via a fetch round trip.
type coordinator struct {
	scope      resource.Scope
	dispatcher cloud.Dispatcher
	loop       *loop
	bus        *eventbus.Bus
	cfg        Config

	mu       sync.Mutex
	closed   bool
	inflight map[commandKey]struct{}
	statuses map[commandKey]CommandStatus
}

func newCoordinator(scope resource.Scope, dispatcher cloud.Dispatcher, l *loop, bus *eventbus.Bus, cfg Config) *coordinator {
	return &coordinator{
		scope:      scope,
		dispatcher: dispatcher,
		loop:       l,
		bus:        bus,
		cfg:        cfg,
		inflight:   make(map[commandKey]struct{}),
		statuses:   make(map[commandKey]CommandStatus),
	}
}

// submit issues exactly one dispatcher call for the command, or rejects it
// locally. On success the owning loop is forced to re-poll out of schedule.
func (c *coordinator) submit(ctx context.Context, cmd cloud.Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	key := commandKey{resourceID: cmd.ResourceID, kind: cmd.Kind}

	// Never issue a second lifecycle command against a resource that is
	// already mid-transition.
	if cmd.Kind.Lifecycle() && c.loop.resourceTransient(cmd.ResourceID) {
		c.reject(cmd, ErrTransientTarget.Error())
		return ErrTransientTarget
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrScopeNotActive
	}
	if _, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		c.reject(cmd, ErrBusy.Error())
		return ErrBusy
	}
	c.inflight[key] = struct{}{}
	c.statuses[key] = CommandStatus{State: CommandInflight, CommandID: cmd.ID, Updated: time.Now()}
	c.mu.Unlock()

	log.Info().
		Str("scope", c.scope.Key()).
		Str("command_id", cmd.ID).
		Str("kind", string(cmd.Kind)).
		Str("resource", cmd.ResourceID).
		Msg("Dispatching command")

	cctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	err := c.dispatcher.Dispatch(cctx, cmd)
	cancel()

	c.mu.Lock()
	delete(c.inflight, key)
	if c.closed {
		// Scope exited while the call was in flight; the outcome is
		// discarded and no forced refresh happens.
		c.mu.Unlock()
		return ErrScopeNotActive
	}
	if err != nil {
		c.statuses[key] = CommandStatus{
			State:     CommandFailed,
			CommandID: cmd.ID,
			Reason:    err.Error(),
			Updated:   time.Now(),
		}
		c.mu.Unlock()
		metrics.CommandsTotal.WithLabelValues(c.scope.Key(), string(cmd.Kind), "failed").Inc()
		log.Warn().
			Err(err).
			Str("scope", c.scope.Key()).
			Str("command_id", cmd.ID).
			Str("kind", string(cmd.Kind)).
			Str("resource", cmd.ResourceID).
			Msg("Command failed")
		c.bus.Publish(eventbus.Event{
			Type:       eventbus.TypeCommandFailed,
			Scope:      c.scope,
			ResourceID: cmd.ResourceID,
			CommandID:  cmd.ID,
			Command:    string(cmd.Kind),
			Reason:     err.Error(),
		})
		return &CommandError{Cmd: cmd, Err: err}
	}
	c.statuses[key] = CommandStatus{State: CommandSucceeded, CommandID: cmd.ID, Updated: time.Now()}
	c.mu.Unlock()

	metrics.CommandsTotal.WithLabelValues(c.scope.Key(), string(cmd.Kind), "succeeded").Inc()
	log.Info().
		Str("scope", c.scope.Key()).
		Str("command_id", cmd.ID).
		Str("kind", string(cmd.Kind)).
		Str("resource", cmd.ResourceID).
		Msg("Command succeeded")
	c.bus.Publish(eventbus.Event{
		Type:       eventbus.TypeCommandSucceeded,
		Scope:      c.scope,
		ResourceID: cmd.ResourceID,
		CommandID:  cmd.ID,
		Command:    string(cmd.Kind),
	})

	c.scheduleForcedRefresh(cmd)
	return nil
}

// scheduleForcedRefresh runs one out-of-schedule fetch after the configured
// delay, so the user sees the state begin transitioning without waiting for
// the next tick. A scope exited in the meantime makes it a no-op.
func (c *coordinator) scheduleForcedRefresh(cmd cloud.Command) {
	time.AfterFunc(c.cfg.ForcedRefreshDelay, func() {
		err := c.loop.refresh(context.Background(), originForced)
		if err != nil && !errors.Is(err, ErrScopeNotActive) {
			log.Warn().
				Err(err).
				Str("scope", c.scope.Key()).
				Str("command_id", cmd.ID).
				Msg("Forced refresh after command failed")
		}
	})
}

// reject surfaces a local rejection without contacting the dispatcher. The
// pair's recorded status is left untouched.
func (c *coordinator) reject(cmd cloud.Command, reason string) {
	metrics.CommandsTotal.WithLabelValues(c.scope.Key(), string(cmd.Kind), "rejected").Inc()
	log.Warn().
		Str("scope", c.scope.Key()).
		Str("command_id", cmd.ID).
		Str("kind", string(cmd.Kind)).
		Str("resource", cmd.ResourceID).
		Str("reason", reason).
		Msg("Command rejected locally")
	c.bus.Publish(eventbus.Event{
		Type:       eventbus.TypeCommandRejected,
		Scope:      c.scope,
		ResourceID: cmd.ResourceID,
		CommandID:  cmd.ID,
		Command:    string(cmd.Kind),
		Reason:     reason,
	})
}

// status returns the last known outcome for a (resource, kind) pair.
func (c *coordinator) status(resourceID string, kind cloud.CommandKind) CommandStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.statuses[commandKey{resourceID: resourceID, kind: kind}]
	if !ok {
		return CommandStatus{State: CommandIdle}
	}
	return st
}

// close releases all command locks for the scope. In-flight dispatcher calls
// discard their outcome on return.
func (c *coordinator) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.inflight = make(map[commandKey]struct{})
	c.statuses = make(map[commandKey]CommandStatus)
}
