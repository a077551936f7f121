// Package hcloudprov adapts Hetzner Cloud as a fleetwatch backend. Scopes
// map onto label-selected servers; commands map onto server actions. The
// adapter is deliberately thin: it owns no polling, no retries, no state.
package hcloudprov

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"
	"github.com/rs/zerolog/log"

	"github.com/vkuzmin/fleetwatch/internal/cloud"
	"github.com/vkuzmin/fleetwatch/internal/resource"
)

// Labels the adapter selects and stamps on managed servers.
const (
	labelProject = "fleetwatch-project"
	labelKind    = "fleetwatch-kind"
	labelParent  = "fleetwatch-parent"
)

// Provider implements cloud.Fetcher and cloud.Dispatcher over the Hetzner
// Cloud API.
type Provider struct {
	client *hcloud.Client
}

// New creates a provider with the given API token.
func New(token string) *Provider {
	return &Provider{
		client: hcloud.NewClient(
			hcloud.WithToken(token),
			hcloud.WithApplication("fleetwatch", ""),
		),
	}
}

// Fetch lists the scope's servers and maps them to resources.
func (p *Provider) Fetch(ctx context.Context, scope resource.Scope) ([]resource.Resource, error) {
	servers, err := p.client.Server.AllWithOpts(ctx, hcloud.ServerListOpts{
		ListOpts: hcloud.ListOpts{
			LabelSelector: fmt.Sprintf("%s=%s", labelProject, scope.Project),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}

	out := make([]resource.Resource, 0, len(servers))
	for _, srv := range servers {
		if srv.Datacenter == nil || srv.Datacenter.Location == nil ||
			srv.Datacenter.Location.Name != scope.Location {
			continue
		}
		out = append(out, mapServer(srv))
	}
	return out, nil
}

func mapServer(srv *hcloud.Server) resource.Resource {
	attrs := map[string]string{
		"name": srv.Name,
	}
	if srv.ServerType != nil {
		attrs["server_type"] = srv.ServerType.Name
	}
	if parent := srv.Labels[labelParent]; parent != "" {
		attrs["parent"] = parent
	}

	kind := resource.KindCluster
	if srv.Labels[labelKind] == string(resource.KindNodePool) {
		kind = resource.KindNodePool
	}

	return resource.Resource{
		ID:    strconv.FormatInt(srv.ID, 10),
		Kind:  kind,
		State: stateFromStatus(srv.Status),
		Attrs: attrs,
	}
}

// stateFromStatus maps Hetzner server statuses onto the reconciler's state
// enumeration. Anything unexpected is passed through verbatim so the
// classifier can flag it instead of this adapter guessing.
func stateFromStatus(status hcloud.ServerStatus) resource.State {
	switch status {
	case hcloud.ServerStatusInitializing, hcloud.ServerStatusStarting:
		return resource.StateProvisioning
	case hcloud.ServerStatusRunning:
		return resource.StateRunning
	case hcloud.ServerStatusStopping:
		return resource.StateStopping
	case hcloud.ServerStatusOff:
		return resource.StateStopped
	case hcloud.ServerStatusDeleting:
		return resource.StateDeleting
	case hcloud.ServerStatusMigrating, hcloud.ServerStatusRebuilding:
		return resource.StateReconciling
	default:
		return resource.State(strings.ToUpper(string(status)))
	}
}

// Dispatch issues exactly one mutating API call. It never waits for the
// resulting action to finish; observing the effect is the caller's job via
// re-fetch.
func (p *Provider) Dispatch(ctx context.Context, cmd cloud.Command) error {
	log.Debug().
		Str("command_id", cmd.ID).
		Str("kind", string(cmd.Kind)).
		Str("resource", cmd.ResourceID).
		Msg("Dispatching to Hetzner Cloud")

	if cmd.Kind == cloud.CommandAddChild {
		return p.createChild(ctx, cmd)
	}

	srv, err := p.serverByID(ctx, cmd.ResourceID)
	if err != nil {
		return err
	}

	switch cmd.Kind {
	case cloud.CommandStart:
		_, _, err = p.client.Server.Poweron(ctx, srv)
	case cloud.CommandStop:
		_, _, err = p.client.Server.Shutdown(ctx, srv)
	case cloud.CommandDelete, cloud.CommandRemoveChild:
		_, _, err = p.client.Server.DeleteWithResult(ctx, srv)
	case cloud.CommandResize:
		err = p.resize(ctx, srv, cmd)
	default:
		return fmt.Errorf("unsupported command kind %q", cmd.Kind)
	}
	if err != nil {
		return fmt.Errorf("failed to %s server %s: %w", cmd.Kind, cmd.ResourceID, err)
	}
	return nil
}

func (p *Provider) resize(ctx context.Context, srv *hcloud.Server, cmd cloud.Command) error {
	typeName := cmd.Params["server_type"]
	if typeName == "" {
		return fmt.Errorf("resize requires a server_type param")
	}
	serverType, _, err := p.client.ServerType.Get(ctx, typeName)
	if err != nil {
		return fmt.Errorf("failed to get server type: %w", err)
	}
	if serverType == nil {
		return fmt.Errorf("server type not found: %s", typeName)
	}
	_, _, err = p.client.Server.ChangeType(ctx, srv, hcloud.ServerChangeTypeOpts{
		ServerType:  serverType,
		UpgradeDisk: false,
	})
	return err
}

func (p *Provider) createChild(ctx context.Context, cmd cloud.Command) error {
	name := cmd.Params["name"]
	typeName := cmd.Params["server_type"]
	imageName := cmd.Params["image"]
	if name == "" || typeName == "" || imageName == "" {
		return fmt.Errorf("add-child requires name, server_type and image params")
	}

	serverType, _, err := p.client.ServerType.Get(ctx, typeName)
	if err != nil {
		return fmt.Errorf("failed to get server type: %w", err)
	}
	if serverType == nil {
		return fmt.Errorf("server type not found: %s", typeName)
	}

	image, _, err := p.client.Image.Get(ctx, imageName)
	if err != nil {
		return fmt.Errorf("failed to get image: %w", err)
	}
	if image == nil {
		return fmt.Errorf("image not found: %s", imageName)
	}

	location, _, err := p.client.Location.Get(ctx, cmd.Scope.Location)
	if err != nil {
		return fmt.Errorf("failed to get location: %w", err)
	}

	_, _, err = p.client.Server.Create(ctx, hcloud.ServerCreateOpts{
		Name:       name,
		ServerType: serverType,
		Image:      image,
		Location:   location,
		Labels: map[string]string{
			labelProject: cmd.Scope.Project,
			labelKind:    string(resource.KindNodePool),
			labelParent:  cmd.ResourceID,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create server %s: %w", name, err)
	}
	return nil
}

func (p *Provider) serverByID(ctx context.Context, id string) (*hcloud.Server, error) {
	numeric, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid server id: %s", id)
	}
	srv, _, err := p.client.Server.GetByID(ctx, numeric)
	if err != nil {
		return nil, fmt.Errorf("failed to get server: %w", err)
	}
	if srv == nil {
		return nil, fmt.Errorf("server not found: %s", id)
	}
	return srv, nil
}
