// Package cloudtest provides a scripted in-memory cloud backend. Tests use
// it to control fetch results, failure injection and completion ordering;
// the daemon wires it as a demo backend when no real cloud is configured.
package cloudtest

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/vkuzmin/fleetwatch/internal/cloud"
	"github.com/vkuzmin/fleetwatch/internal/resource"
)

// transition flips a resource to a new state after N further fetches.
type transition struct {
	after int
	to    resource.State
}

// Provider implements cloud.Fetcher and cloud.Dispatcher over an in-memory
// resource table.
type Provider struct {
	mu          sync.Mutex
	resources   map[string][]resource.Resource
	transitions map[string]*transition // key: scopeKey + "/" + resourceID
	fetchCount  map[string]int
	dispatched  []cloud.Command

	fetchErr    error
	dispatchErr error

	// Hooks take full control of a call when set.
	fetchHook    func(ctx context.Context, scope resource.Scope) ([]resource.Resource, error)
	dispatchHook func(ctx context.Context, cmd cloud.Command) error

	// simulateEffects makes Dispatch mutate the resource table the way a
	// real backend would: the target enters a transient state and settles a
	// couple of fetches later. Off by default so tests stay explicit.
	simulateEffects bool
}

// New creates an empty provider.
func New() *Provider {
	return &Provider{
		resources:   make(map[string][]resource.Resource),
		transitions: make(map[string]*transition),
		fetchCount:  make(map[string]int),
	}
}

// NewSimulated creates a provider that simulates command effects, for demo
// mode and end-to-end style tests.
func NewSimulated() *Provider {
	p := New()
	p.simulateEffects = true
	return p
}

// SetResources replaces the resource set for a scope.
func (p *Provider) SetResources(scope resource.Scope, rs ...resource.Resource) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resources[scope.Key()] = append([]resource.Resource(nil), rs...)
}

// SetState sets one resource's state directly.
func (p *Provider) SetState(scope resource.Scope, id string, state resource.State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rs := p.resources[scope.Key()]
	for i := range rs {
		if rs[i].ID == id {
			rs[i].State = state
		}
	}
}

// SetTransition schedules a state flip for a resource after the given number
// of further fetches of its scope.
func (p *Provider) SetTransition(scope resource.Scope, id string, afterFetches int, to resource.State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transitions[scope.Key()+"/"+id] = &transition{after: afterFetches, to: to}
}

// SetFetchError makes every subsequent Fetch fail with err (nil clears).
func (p *Provider) SetFetchError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fetchErr = err
}

// SetDispatchError makes every subsequent Dispatch fail with err (nil clears).
func (p *Provider) SetDispatchError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dispatchErr = err
}

// SetFetchHook takes full control of Fetch.
func (p *Provider) SetFetchHook(hook func(ctx context.Context, scope resource.Scope) ([]resource.Resource, error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fetchHook = hook
}

// SetDispatchHook takes full control of Dispatch.
func (p *Provider) SetDispatchHook(hook func(ctx context.Context, cmd cloud.Command) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dispatchHook = hook
}

// Dispatched returns a copy of all commands that reached the provider.
func (p *Provider) Dispatched() []cloud.Command {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]cloud.Command(nil), p.dispatched...)
}

// FetchCount returns how many times the scope was fetched.
func (p *Provider) FetchCount(scope resource.Scope) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fetchCount[scope.Key()]
}

// Fetch implements cloud.Fetcher.
func (p *Provider) Fetch(ctx context.Context, scope resource.Scope) ([]resource.Resource, error) {
	p.mu.Lock()
	hook := p.fetchHook
	p.mu.Unlock()
	if hook != nil {
		return hook(ctx, scope)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.fetchCount[scope.Key()]++

	if p.fetchErr != nil {
		return nil, p.fetchErr
	}

	p.advanceLocked(scope)

	rs := p.resources[scope.Key()]
	out := make([]resource.Resource, len(rs))
	copy(out, rs)
	return out, nil
}

// advanceLocked ticks down scheduled transitions for a scope.
func (p *Provider) advanceLocked(scope resource.Scope) {
	rs := p.resources[scope.Key()]
	kept := rs[:0]
	for i := range rs {
		key := scope.Key() + "/" + rs[i].ID
		tr, ok := p.transitions[key]
		if ok {
			tr.after--
			if tr.after <= 0 {
				delete(p.transitions, key)
				if tr.to == "" {
					continue // deletion completed, resource disappears
				}
				rs[i].State = tr.to
			}
		}
		kept = append(kept, rs[i])
	}
	p.resources[scope.Key()] = kept
}

// Dispatch implements cloud.Dispatcher.
func (p *Provider) Dispatch(ctx context.Context, cmd cloud.Command) error {
	p.mu.Lock()
	hook := p.dispatchHook
	p.mu.Unlock()
	if hook != nil {
		p.record(cmd)
		return hook(ctx, cmd)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.dispatched = append(p.dispatched, cmd)

	if p.dispatchErr != nil {
		return p.dispatchErr
	}
	if p.simulateEffects {
		return p.applyEffectLocked(cmd)
	}
	return nil
}

func (p *Provider) record(cmd cloud.Command) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dispatched = append(p.dispatched, cmd)
}

// applyEffectLocked mimics a real backend: the target enters a transient
// state immediately and settles two fetches later.
func (p *Provider) applyEffectLocked(cmd cloud.Command) error {
	scopeKey := cmd.Scope.Key()
	rs := p.resources[scopeKey]

	if cmd.Kind == cloud.CommandAddChild {
		name := cmd.Params["name"]
		if name == "" {
			name = fmt.Sprintf("%s-pool-%d", cmd.ResourceID, len(rs))
		}
		p.resources[scopeKey] = append(rs, resource.Resource{
			ID:    name,
			Kind:  resource.KindNodePool,
			State: resource.StateProvisioning,
			Attrs: map[string]string{"parent": cmd.ResourceID},
		})
		p.transitions[scopeKey+"/"+name] = &transition{after: 2, to: resource.StateRunning}
		return nil
	}

	var target *resource.Resource
	for i := range rs {
		if rs[i].ID == cmd.ResourceID {
			target = &rs[i]
			break
		}
	}
	if target == nil {
		return fmt.Errorf("resource %s not found in %s", cmd.ResourceID, cmd.Scope)
	}

	trKey := scopeKey + "/" + cmd.ResourceID
	switch cmd.Kind {
	case cloud.CommandStart:
		target.State = resource.StateProvisioning
		p.transitions[trKey] = &transition{after: 2, to: resource.StateRunning}
	case cloud.CommandStop:
		target.State = resource.StateStopping
		p.transitions[trKey] = &transition{after: 2, to: resource.StateStopped}
	case cloud.CommandDelete, cloud.CommandRemoveChild:
		target.State = resource.StateDeleting
		p.transitions[trKey] = &transition{after: 2, to: ""}
	case cloud.CommandResize:
		target.State = resource.StateResizing
		if n := cmd.Params["replicas"]; n != "" {
			if _, err := strconv.Atoi(n); err != nil {
				return fmt.Errorf("invalid replicas %q", n)
			}
			if target.Attrs == nil {
				target.Attrs = map[string]string{}
			}
			target.Attrs["replicas"] = n
		}
		p.transitions[trKey] = &transition{after: 2, to: resource.StateRunning}
	default:
		return fmt.Errorf("unsupported command kind %q", cmd.Kind)
	}
	return nil
}
