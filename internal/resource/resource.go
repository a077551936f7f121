// Package resource defines the data model shared by the reconciliation core:
// resources, scopes, and sequence-numbered snapshots.
package resource

import (
	"fmt"
	"time"
)

// Kind identifies the type of a tracked resource. The reconciler treats all
// kinds identically; kind-specific meaning lives in the presentation layer.
type Kind string

const (
	KindCluster  Kind = "cluster"
	KindNodePool Kind = "nodepool"
)

// State is the lifecycle state a resource reports from the backend.
type State string

const (
	StateProvisioning State = "PROVISIONING"
	StateRunning      State = "RUNNING"
	StateReconciling  State = "RECONCILING"
	StateResizing     State = "RESIZING"
	StateStopping     State = "STOPPING"
	StateStopped      State = "STOPPED"
	StateDeleting     State = "DELETING"
	StateError        State = "ERROR"
)

// Resource is one tracked backend object. ID is opaque and unique within a
// scope. Attrs is an uninterpreted attribute bag (name, counts, versions).
type Resource struct {
	ID    string            `json:"id"`
	Kind  Kind              `json:"kind"`
	State State             `json:"state"`
	Attrs map[string]string `json:"attrs,omitempty"`

	// StateUnknown marks a resource whose reported state was not in the
	// known enumeration for its kind. Such resources are treated as stable
	// for polling purposes but flagged for display.
	StateUnknown bool `json:"state_unknown,omitempty"`
}

// Scope identifies one view's resource set: a project in a location.
type Scope struct {
	Project  string `json:"project"`
	Location string `json:"location"`
}

// Key returns the canonical map key for the scope.
func (s Scope) Key() string {
	return s.Project + "/" + s.Location
}

func (s Scope) String() string {
	return s.Key()
}

// Validate checks that both scope fields are set.
func (s Scope) Validate() error {
	if s.Project == "" || s.Location == "" {
		return fmt.Errorf("scope requires project and location, got %q/%q", s.Project, s.Location)
	}
	return nil
}

// Snapshot is an ordered collection of resources captured by one fetch,
// tagged with the scope it was fetched for and a per-scope monotonic
// sequence number. A snapshot is never applied after a snapshot with a
// higher sequence number has been applied for the same scope.
type Snapshot struct {
	Scope     Scope      `json:"scope"`
	Seq       uint64     `json:"seq"`
	Taken     time.Time  `json:"taken"`
	Resources []Resource `json:"resources"`
}

// Find returns the resource with the given id, or nil.
func (s *Snapshot) Find(id string) *Resource {
	for i := range s.Resources {
		if s.Resources[i].ID == id {
			return &s.Resources[i]
		}
	}
	return nil
}

// Clone returns a deep copy, so callers can hand snapshots out without
// exposing the loop's internal slice.
func (s *Snapshot) Clone() Snapshot {
	out := Snapshot{Scope: s.Scope, Seq: s.Seq, Taken: s.Taken}
	out.Resources = make([]Resource, len(s.Resources))
	copy(out.Resources, s.Resources)
	for i := range out.Resources {
		if s.Resources[i].Attrs == nil {
			continue
		}
		attrs := make(map[string]string, len(s.Resources[i].Attrs))
		for k, v := range s.Resources[i].Attrs {
			attrs[k] = v
		}
		out.Resources[i].Attrs = attrs
	}
	return out
}
