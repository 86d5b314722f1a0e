// Package resources defines the concrete bridge facades: admin users,
// workflows and RFPs, each with its resource-specific extension.
package resources

import (
	"github.com/proposalhub/apibridge/internal/authz"
	"github.com/proposalhub/apibridge/internal/bridge"
	"github.com/proposalhub/apibridge/internal/transport"
)

// Set holds the registered facades.
type Set struct {
	AdminUsers *AdminUsers
	Workflows  *Workflows
	RFPs       *RFPs
}

// Names returns the resource names in registration order.
func Names() []string {
	return []string{AdminUsersResource, WorkflowsResource, RFPsResource}
}

// Endpoints maps each resource to its backend collection.
func Endpoints() map[string]string {
	return map[string]string{
		AdminUsersResource: AdminUsersEndpoint,
		WorkflowsResource:  "/" + WorkflowsResource,
		RFPsResource:       "/" + RFPsResource,
	}
}

// extensionActions lists the gated actions each resource adds to CRUD.
var extensionActions = map[string][]authz.Action{
	AdminUsersResource: {authz.ActionValidate},
}

// Register initializes the three facades in reg. configs holds per-resource
// overrides; a resource without one uses bridge.DefaultConfig. opts apply to
// every facade. If any facade fails, the ones already registered are torn
// down again.
func Register(reg *bridge.Registry, t transport.Transport, configs map[string]bridge.Config, opts ...bridge.Option) (*Set, error) {
	endpoints := Endpoints()
	optionsFor := func(resource string) []bridge.Option {
		out := make([]bridge.Option, 0, len(opts)+3)
		out = append(out, opts...)
		out = append(out, bridge.WithEndpoint(endpoints[resource]), bridge.WithActions(extensionActions[resource]...))
		if config, ok := configs[resource]; ok {
			out = append(out, bridge.WithConfig(config))
		}
		return out
	}

	var registered []string
	rollback := func() {
		for _, name := range registered {
			_ = reg.Teardown(name)
		}
	}

	users, err := bridge.Init[AdminUser](reg, AdminUsersResource, t, optionsFor(AdminUsersResource)...)
	if err != nil {
		return nil, err
	}
	registered = append(registered, AdminUsersResource)

	workflows, err := bridge.Init[Workflow](reg, WorkflowsResource, t, optionsFor(WorkflowsResource)...)
	if err != nil {
		rollback()
		return nil, err
	}
	registered = append(registered, WorkflowsResource)

	rfps, err := bridge.Init[RFP](reg, RFPsResource, t, optionsFor(RFPsResource)...)
	if err != nil {
		rollback()
		return nil, err
	}

	return &Set{
		AdminUsers: &AdminUsers{Facade: users},
		Workflows:  &Workflows{Facade: workflows},
		RFPs:       &RFPs{Facade: rfps},
	}, nil
}

// Lookup rebuilds the set from facades already registered in reg.
func Lookup(reg *bridge.Registry) (*Set, error) {
	users, err := bridge.Lookup[AdminUser](reg, AdminUsersResource)
	if err != nil {
		return nil, err
	}
	workflows, err := bridge.Lookup[Workflow](reg, WorkflowsResource)
	if err != nil {
		return nil, err
	}
	rfps, err := bridge.Lookup[RFP](reg, RFPsResource)
	if err != nil {
		return nil, err
	}
	return &Set{
		AdminUsers: &AdminUsers{Facade: users},
		Workflows:  &Workflows{Facade: workflows},
		RFPs:       &RFPs{Facade: rfps},
	}, nil
}
