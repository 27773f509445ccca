// Package resolver decides which concrete server instance and which
// tenant credential a tool invocation should use.
package resolver

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"mcpgate/internal/domain"
	"mcpgate/internal/infra/telemetry"
)

// Resolver implements domain.TargetResolver. Resolution is a
// deterministic function of (tool routing config, auth context,
// instance set); it holds no state of its own.
type Resolver struct {
	store  domain.AssignmentStore
	teams  domain.TeamDirectory
	logger *zap.Logger
}

type Options struct {
	Store  domain.AssignmentStore
	Teams  domain.TeamDirectory
	Logger *zap.Logger
}

func New(opts Options) *Resolver {
	if opts.Store == nil {
		panic("resolver requires an assignment store")
	}
	if opts.Teams == nil {
		panic("resolver requires a team directory")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		store:  opts.Store,
		teams:  opts.Teams,
		logger: logger.Named("resolver"),
	}
}

// Resolve returns the id of the server instance to execute against.
func (r *Resolver) Resolve(ctx context.Context, tool domain.AgentTool, item domain.CatalogItem, auth *domain.TokenAuthContext) (string, error) {
	switch tool.Routing {
	case domain.RoutingStatic:
		return r.resolveStatic(tool, item)
	case domain.RoutingDynamic:
		return r.resolveDynamic(ctx, tool, item, auth)
	default:
		return "", domain.E(domain.CodeInvalidArgument, "resolver",
			fmt.Sprintf("tool %q has unknown routing mode %q", tool.Name, tool.Routing), nil)
	}
}

// resolveStatic requires the pre-configured pointer matching the
// catalog item's server type. A missing pointer is a configuration
// error, not a transient failure.
func (r *Resolver) resolveStatic(tool domain.AgentTool, item domain.CatalogItem) (string, error) {
	switch item.ServerType {
	case domain.ServerTypeLocal:
		if tool.ExecutionSourceID == "" {
			return "", fmt.Errorf("tool %q (catalog item %q): %w", tool.Name, item.DisplayName, domain.ErrMissingExecutionSource)
		}
		return tool.ExecutionSourceID, nil
	case domain.ServerTypeRemote:
		if tool.CredentialSourceID == "" {
			return "", fmt.Errorf("tool %q (catalog item %q): %w", tool.Name, item.DisplayName, domain.ErrMissingCredentialSource)
		}
		return tool.CredentialSourceID, nil
	default:
		return "", domain.E(domain.CodeInvalidArgument, "resolver",
			fmt.Sprintf("catalog item %q has unknown server type %q", item.ID, item.ServerType), nil)
	}
}

// resolveDynamic evaluates the priority chain over the catalog item's
// installed instances, first match wins:
//
//  1. an instance owned by the caller directly, with no team
//     attribution ("bring your own credential");
//  2. an instance without team attribution whose owner is a confirmed
//     member of the caller's team;
//  3. any instance whose owner is a member of the caller's team;
//  4. with an organization-wide token, the first instance in
//     enumeration order.
//
// Branches 2 and 3 are intentionally distinct: the no-team-attribution
// tiebreak prefers personal credentials over team-provisioned ones.
func (r *Resolver) resolveDynamic(ctx context.Context, tool domain.AgentTool, item domain.CatalogItem, auth *domain.TokenAuthContext) (string, error) {
	if auth == nil {
		return "", fmt.Errorf("tool %q: %w", tool.Name, domain.ErrMissingAuthContext)
	}

	instances, err := r.store.ListServerInstances(ctx, item.ID)
	if err != nil {
		return "", fmt.Errorf("list instances for catalog item %q: %w", item.ID, err)
	}

	if auth.UserID != "" {
		for _, inst := range instances {
			if inst.OwnerID == auth.UserID && inst.TeamID == "" {
				r.logResolved(tool, inst, "own-credential")
				return inst.ID, nil
			}
		}
	}

	if auth.TeamID != "" {
		for _, inst := range instances {
			if inst.TeamID != "" || inst.OwnerID == "" {
				continue
			}
			ok, err := r.teams.IsMember(ctx, inst.OwnerID, auth.TeamID)
			if err != nil {
				return "", fmt.Errorf("check team membership of %q in %q: %w", inst.OwnerID, auth.TeamID, err)
			}
			if ok {
				r.logResolved(tool, inst, "team-member-untagged")
				return inst.ID, nil
			}
		}
		for _, inst := range instances {
			if inst.OwnerID == "" {
				continue
			}
			ok, err := r.teams.IsMember(ctx, inst.OwnerID, auth.TeamID)
			if err != nil {
				return "", fmt.Errorf("check team membership of %q in %q: %w", inst.OwnerID, auth.TeamID, err)
			}
			if ok {
				r.logResolved(tool, inst, "team-member-any")
				return inst.ID, nil
			}
		}
	}

	if auth.IsOrganizationToken && len(instances) > 0 {
		r.logResolved(tool, instances[0], "organization")
		return instances[0].ID, nil
	}

	return "", fmt.Errorf("catalog item %q (%s): %w", item.DisplayName, attemptedScope(auth), domain.ErrNoInstallationFound)
}

// attemptedScope names the contexts that were tried, for diagnosis.
func attemptedScope(auth *domain.TokenAuthContext) string {
	var parts []string
	if auth.UserID != "" {
		parts = append(parts, "user "+auth.UserID)
	}
	if auth.TeamID != "" {
		parts = append(parts, "team "+auth.TeamID)
	}
	if auth.IsOrganizationToken {
		parts = append(parts, "organization")
	}
	if len(parts) == 0 {
		return "no scope in auth context"
	}
	return "tried " + strings.Join(parts, ", ")
}

func (r *Resolver) logResolved(tool domain.AgentTool, inst domain.ServerInstance, branch string) {
	r.logger.Debug("target resolved",
		telemetry.ToolNameField(tool.Name),
		telemetry.InstanceIDField(inst.ID),
		zap.String("branch", branch),
	)
}
