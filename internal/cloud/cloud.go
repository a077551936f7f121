// Package cloud defines the two collaborator contracts the reconciliation
// core depends on: fetching the current state of a scope's resources and
// dispatching mutating commands. Implementations live in subpackages; the
// core never sees a wire format.
package cloud

import (
	"context"
	"fmt"

	"github.com/vkuzmin/fleetwatch/internal/resource"
)

// Fetcher returns the current resource set for a scope. Implementations are
// stateless and idempotent; they may be slow or fail transiently. Sequence
// numbering is owned by the caller, not the fetcher.
type Fetcher interface {
	Fetch(ctx context.Context, scope resource.Scope) ([]resource.Resource, error)
}

// Dispatcher issues one mutating call for a command. It does not return the
// new resource state; the caller must re-fetch to observe the effect.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd Command) error
}

// Provider is a backend implementing both contracts.
type Provider interface {
	Fetcher
	Dispatcher
}

// CommandKind is a user intent against one resource.
type CommandKind string

const (
	CommandStart       CommandKind = "start"
	CommandStop        CommandKind = "stop"
	CommandDelete      CommandKind = "delete"
	CommandResize      CommandKind = "resize"
	CommandAddChild    CommandKind = "add-child"
	CommandRemoveChild CommandKind = "remove-child"
)

// Lifecycle reports whether the command transitions the target through its
// lifecycle. Lifecycle commands against a resource already mid-transition
// are rejected locally, before any dispatcher call.
func (k CommandKind) Lifecycle() bool {
	switch k {
	case CommandStart, CommandStop, CommandDelete:
		return true
	}
	return false
}

// Valid reports whether the kind is one of the recognized intents.
func (k CommandKind) Valid() bool {
	switch k {
	case CommandStart, CommandStop, CommandDelete, CommandResize, CommandAddChild, CommandRemoveChild:
		return true
	}
	return false
}

// Command is one user-submitted intent. ID is assigned at submission and
// used only for log and event correlation.
type Command struct {
	ID         string            `json:"id"`
	Scope      resource.Scope    `json:"scope"`
	Kind       CommandKind       `json:"kind"`
	ResourceID string            `json:"resource_id"`
	Params     map[string]string `json:"params,omitempty"`
}

// Validate checks the command is well-formed before it reaches a dispatcher.
func (c Command) Validate() error {
	if !c.Kind.Valid() {
		return fmt.Errorf("unrecognized command kind %q", c.Kind)
	}
	if c.ResourceID == "" {
		return fmt.Errorf("command %s requires a resource id", c.Kind)
	}
	return c.Scope.Validate()
}
