package reconcile

import (
	"errors"
	"fmt"

	"github.com/vkuzmin/fleetwatch/internal/cloud"
	"github.com/vkuzmin/fleetwatch/internal/resource"
)

var (
	// ErrBusy rejects a command while one of the same kind is still in
	// flight for the same resource. The dispatcher is never contacted.
	ErrBusy = errors.New("command of this kind already in flight for resource")

	// ErrTransientTarget rejects a lifecycle command against a resource that
	// is currently mid-transition.
	ErrTransientTarget = errors.New("resource is mid-transition")

	// ErrScopeNotActive is returned for operations against a scope that was
	// never entered or has been exited.
	ErrScopeNotActive = errors.New("scope is not active")
)

// FetchError wraps a fetcher failure. It is transient by definition: the
// loop keeps its schedule and the previous snapshot stays on display.
type FetchError struct {
	Scope resource.Scope
	Err   error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Scope, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// CommandError wraps a dispatcher failure. It is surfaced once and never
// retried automatically.
type CommandError struct {
	Cmd cloud.Command
	Err error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %s %s/%s: %v", e.Cmd.Kind, e.Cmd.Scope, e.Cmd.ResourceID, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }
