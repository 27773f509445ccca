package resolver

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"mcpgate/internal/domain"
)

type fakeStore struct {
	instances map[string][]domain.ServerInstance
	listErr   error
}

func (f *fakeStore) AgentTool(context.Context, string, string) (*domain.AgentTool, error) {
	return nil, nil
}

func (f *fakeStore) AgentTools(context.Context, string) ([]domain.AgentTool, error) {
	return nil, nil
}

func (f *fakeStore) CatalogItem(context.Context, string) (*domain.CatalogItem, error) {
	return nil, nil
}

func (f *fakeStore) ServerInstance(context.Context, string) (*domain.ServerInstance, error) {
	return nil, nil
}

func (f *fakeStore) ListServerInstances(_ context.Context, catalogItemID string) ([]domain.ServerInstance, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.instances[catalogItemID], nil
}

type fakeTeams struct {
	members map[string][]string // teamID -> userIDs
	calls   int
}

func (f *fakeTeams) IsMember(_ context.Context, userID, teamID string) (bool, error) {
	f.calls++
	for _, id := range f.members[teamID] {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

func newResolver(store *fakeStore, teams *fakeTeams) *Resolver {
	return New(Options{Store: store, Teams: teams})
}

var (
	localItem  = domain.CatalogItem{ID: "cat-1", DisplayName: "My Server", ServerType: domain.ServerTypeLocal}
	remoteItem = domain.CatalogItem{ID: "cat-2", DisplayName: "Jira Cloud", ServerType: domain.ServerTypeRemote}
)

func TestResolveStaticLocal(t *testing.T) {
	r := newResolver(&fakeStore{}, &fakeTeams{})
	tool := domain.AgentTool{Name: "my-server__run", Routing: domain.RoutingStatic, ExecutionSourceID: "inst-7"}

	id, err := r.Resolve(context.Background(), tool, localItem, nil)
	require.NoError(t, err)
	require.Equal(t, "inst-7", id)
}

func TestResolveStaticMissingExecutionSource(t *testing.T) {
	r := newResolver(&fakeStore{}, &fakeTeams{})
	tool := domain.AgentTool{Name: "my-server__run", Routing: domain.RoutingStatic}

	_, err := r.Resolve(context.Background(), tool, localItem, nil)
	require.ErrorIs(t, err, domain.ErrMissingExecutionSource)
	require.Contains(t, err.Error(), "My Server")
}

func TestResolveStaticMissingCredentialSource(t *testing.T) {
	r := newResolver(&fakeStore{}, &fakeTeams{})
	tool := domain.AgentTool{Name: "jira-cloud__search", Routing: domain.RoutingStatic}

	_, err := r.Resolve(context.Background(), tool, remoteItem, nil)
	require.ErrorIs(t, err, domain.ErrMissingCredentialSource)
}

func TestResolveDynamicRequiresAuthContext(t *testing.T) {
	r := newResolver(&fakeStore{}, &fakeTeams{})
	tool := domain.AgentTool{Name: "my-server__run", Routing: domain.RoutingDynamic, CatalogItemID: "cat-1"}

	_, err := r.Resolve(context.Background(), tool, localItem, nil)
	require.ErrorIs(t, err, domain.ErrMissingAuthContext)
	require.NotErrorIs(t, err, domain.ErrNoInstallationFound)
}

func TestResolveDynamicPrefersOwnUntaggedInstance(t *testing.T) {
	// A: owned by caller, no team. B: owned by a teammate. A wins even
	// though the caller also holds a team token valid for B.
	store := &fakeStore{instances: map[string][]domain.ServerInstance{
		"cat-1": {
			{ID: "B", CatalogItemID: "cat-1", OwnerID: "teammate"},
			{ID: "A", CatalogItemID: "cat-1", OwnerID: "caller"},
		},
	}}
	teams := &fakeTeams{members: map[string][]string{"team-1": {"caller", "teammate"}}}
	r := newResolver(store, teams)
	tool := domain.AgentTool{Name: "my-server__run", Routing: domain.RoutingDynamic}
	auth := &domain.TokenAuthContext{UserID: "caller", TeamID: "team-1"}

	id, err := r.Resolve(context.Background(), tool, localItem, auth)
	require.NoError(t, err)
	require.Equal(t, "A", id)
	require.Zero(t, teams.calls, "own instance must win without membership lookups")
}

func TestResolveDynamicOwnInstanceWithTeamAttributionSkipped(t *testing.T) {
	// Branch 1 only matches instances without team attribution; an
	// owned-but-team-tagged instance falls through to branch 3.
	store := &fakeStore{instances: map[string][]domain.ServerInstance{
		"cat-1": {
			{ID: "A", CatalogItemID: "cat-1", OwnerID: "caller", TeamID: "team-1"},
		},
	}}
	teams := &fakeTeams{members: map[string][]string{"team-1": {"caller"}}}
	r := newResolver(store, teams)
	tool := domain.AgentTool{Name: "my-server__run", Routing: domain.RoutingDynamic}
	auth := &domain.TokenAuthContext{UserID: "caller", TeamID: "team-1"}

	id, err := r.Resolve(context.Background(), tool, localItem, auth)
	require.NoError(t, err)
	require.Equal(t, "A", id)
	require.Positive(t, teams.calls)
}

func TestResolveDynamicTeamMemberUntaggedBeforeTagged(t *testing.T) {
	store := &fakeStore{instances: map[string][]domain.ServerInstance{
		"cat-1": {
			{ID: "tagged", CatalogItemID: "cat-1", OwnerID: "m1", TeamID: "team-1"},
			{ID: "untagged", CatalogItemID: "cat-1", OwnerID: "m2"},
		},
	}}
	teams := &fakeTeams{members: map[string][]string{"team-1": {"m1", "m2"}}}
	r := newResolver(store, teams)
	tool := domain.AgentTool{Name: "my-server__run", Routing: domain.RoutingDynamic}
	auth := &domain.TokenAuthContext{UserID: "caller", TeamID: "team-1"}

	id, err := r.Resolve(context.Background(), tool, localItem, auth)
	require.NoError(t, err)
	require.Equal(t, "untagged", id)
}

func TestResolveDynamicFallbackChain(t *testing.T) {
	// Only B (owned by a teammate) exists: branch 2 picks it. Removing
	// B and granting an organization token falls back to branch 4.
	store := &fakeStore{instances: map[string][]domain.ServerInstance{
		"cat-1": {
			{ID: "B", CatalogItemID: "cat-1", OwnerID: "teammate"},
		},
	}}
	teams := &fakeTeams{members: map[string][]string{"team-1": {"teammate"}}}
	r := newResolver(store, teams)
	tool := domain.AgentTool{Name: "my-server__run", Routing: domain.RoutingDynamic}

	id, err := r.Resolve(context.Background(), tool, localItem,
		&domain.TokenAuthContext{UserID: "caller", TeamID: "team-1"})
	require.NoError(t, err)
	require.Equal(t, "B", id)

	store.instances["cat-1"] = []domain.ServerInstance{
		{ID: "org-owned", CatalogItemID: "cat-1", OwnerID: "someone-else"},
	}
	id, err = r.Resolve(context.Background(), tool, localItem,
		&domain.TokenAuthContext{UserID: "caller", IsOrganizationToken: true})
	require.NoError(t, err)
	require.Equal(t, "org-owned", id)
}

func TestResolveDynamicNoInstallationNamesScope(t *testing.T) {
	store := &fakeStore{instances: map[string][]domain.ServerInstance{}}
	teams := &fakeTeams{}
	r := newResolver(store, teams)
	tool := domain.AgentTool{Name: "my-server__run", Routing: domain.RoutingDynamic}

	_, err := r.Resolve(context.Background(), tool, localItem,
		&domain.TokenAuthContext{UserID: "u-9", TeamID: "t-3"})
	require.ErrorIs(t, err, domain.ErrNoInstallationFound)
	require.Contains(t, err.Error(), "user u-9")
	require.Contains(t, err.Error(), "team t-3")

	_, err = r.Resolve(context.Background(), tool, localItem,
		&domain.TokenAuthContext{IsOrganizationToken: true})
	require.ErrorIs(t, err, domain.ErrNoInstallationFound)
	require.Contains(t, err.Error(), "organization")
}

func TestResolveDynamicDeterministic(t *testing.T) {
	store := &fakeStore{instances: map[string][]domain.ServerInstance{
		"cat-1": {
			{ID: "i1", CatalogItemID: "cat-1", OwnerID: "m1"},
			{ID: "i2", CatalogItemID: "cat-1", OwnerID: "m2"},
			{ID: "i3", CatalogItemID: "cat-1", OwnerID: "m3"},
		},
	}}
	teams := &fakeTeams{members: map[string][]string{"team-1": {"m2", "m3"}}}
	r := newResolver(store, teams)
	tool := domain.AgentTool{Name: "my-server__run", Routing: domain.RoutingDynamic}
	auth := &domain.TokenAuthContext{UserID: "caller", TeamID: "team-1"}

	first, err := r.Resolve(context.Background(), tool, localItem, auth)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := r.Resolve(context.Background(), tool, localItem, auth)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}

func TestResolveDynamicStoreErrorPropagates(t *testing.T) {
	store := &fakeStore{listErr: errors.New("store down")}
	r := newResolver(store, &fakeTeams{})
	tool := domain.AgentTool{Name: "my-server__run", Routing: domain.RoutingDynamic}

	_, err := r.Resolve(context.Background(), tool, localItem, &domain.TokenAuthContext{UserID: "u"})
	require.ErrorContains(t, err, "store down")
}
