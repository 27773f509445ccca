package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"mcpgate/internal/domain"
)

type fakeStore struct {
	tools     []domain.AgentTool
	items     map[string]*domain.CatalogItem
	instances map[string]*domain.ServerInstance
	listCalls int
}

func (s *fakeStore) AgentTool(_ context.Context, agentID, toolName string) (*domain.AgentTool, error) {
	for i := range s.tools {
		if s.tools[i].AgentID == agentID && s.tools[i].Name == toolName {
			return &s.tools[i], nil
		}
	}
	return nil, nil
}

func (s *fakeStore) AgentTools(_ context.Context, agentID string) ([]domain.AgentTool, error) {
	s.listCalls++
	var out []domain.AgentTool
	for _, t := range s.tools {
		if t.AgentID == agentID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *fakeStore) CatalogItem(_ context.Context, id string) (*domain.CatalogItem, error) {
	return s.items[id], nil
}

func (s *fakeStore) ServerInstance(_ context.Context, id string) (*domain.ServerInstance, error) {
	return s.instances[id], nil
}

func (s *fakeStore) ListServerInstances(context.Context, string) ([]domain.ServerInstance, error) {
	return nil, nil
}

type fakeResolver struct{ instanceID string }

func (r *fakeResolver) Resolve(context.Context, domain.AgentTool, domain.CatalogItem, *domain.TokenAuthContext) (string, error) {
	return r.instanceID, nil
}

type fakeListConn struct{ tools []domain.ToolDescriptor }

func (c *fakeListConn) Ping(context.Context) error { return nil }
func (c *fakeListConn) Close() error               { return nil }

func (c *fakeListConn) ListTools(context.Context) ([]domain.ToolDescriptor, error) {
	return c.tools, nil
}

func (c *fakeListConn) CallTool(context.Context, string, map[string]any) (*domain.CallOutcome, error) {
	return &domain.CallOutcome{}, nil
}

type fakeProvider struct{ conn *fakeListConn }

func (p *fakeProvider) Get(context.Context, domain.ConnectionKey, domain.ConnectConfig) (domain.ServerConnection, error) {
	return p.conn, nil
}

type fakeTokens struct {
	personal map[string]*domain.TokenAuthContext
	org      *domain.TokenAuthContext
	team     map[string]*domain.TokenAuthContext
}

func (t *fakeTokens) UserToken(_ context.Context, userID string) (*domain.TokenAuthContext, error) {
	return t.personal[userID], nil
}

func (t *fakeTokens) OrganizationToken(context.Context) (*domain.TokenAuthContext, error) {
	return t.org, nil
}

func (t *fakeTokens) TeamToken(_ context.Context, teamID string) (*domain.TokenAuthContext, error) {
	return t.team[teamID], nil
}

type fakeAgents struct {
	shared map[string][]string
	admins map[string]bool
	err    error
}

func (a *fakeAgents) SharedTeams(_ context.Context, userID, agentID string) ([]string, error) {
	if a.err != nil {
		return nil, a.err
	}
	return a.shared[userID+"/"+agentID], nil
}

func (a *fakeAgents) IsAdministrator(_ context.Context, userID, agentID string) (bool, error) {
	return a.admins[userID+"/"+agentID], nil
}

type fakeExecutor struct {
	lastAuth *domain.TokenAuthContext
	result   domain.ToolResult
	meta     domain.CallMetadata
}

func (e *fakeExecutor) ExecuteWithMetadata(_ context.Context, agentID string, call domain.ToolCall, auth *domain.TokenAuthContext) (domain.ToolResult, domain.CallMetadata) {
	e.lastAuth = auth
	meta := e.meta
	meta.AgentID = agentID
	if e.result.ID == "" {
		return domain.ToolResult{ID: call.ID, Name: call.Name}, meta
	}
	return e.result, meta
}

type fakeEvictor struct {
	keys []domain.ConnectionKey
}

func (e *fakeEvictor) Evict(key domain.ConnectionKey) {
	e.keys = append(e.keys, key)
}

type ledgerRecord struct {
	call   domain.ToolCall
	result domain.ToolResult
	meta   domain.CallMetadata
}

type fakeLedger struct {
	records []ledgerRecord
}

func (l *fakeLedger) Record(_ context.Context, call domain.ToolCall, result domain.ToolResult, meta domain.CallMetadata) error {
	l.records = append(l.records, ledgerRecord{call: call, result: result, meta: meta})
	return nil
}

type fixture struct {
	store   *fakeStore
	tokens  *fakeTokens
	agents  *fakeAgents
	exec    *fakeExecutor
	conn    *fakeListConn
	evictor *fakeEvictor
	ledger  *fakeLedger
	clock   time.Time
}

func newFixture() *fixture {
	return &fixture{
		store: &fakeStore{
			tools: []domain.AgentTool{{
				ID:            "tool-1",
				AgentID:       "agent-1",
				Name:          "github-mcp__list_issues",
				CatalogItemID: "item-1",
				Routing:       domain.RoutingDynamic,
			}},
			items: map[string]*domain.CatalogItem{
				"item-1": {ID: "item-1", DisplayName: "GitHub MCP", ServerType: domain.ServerTypeLocal},
			},
			instances: map[string]*domain.ServerInstance{
				"inst-1": {ID: "inst-1", CatalogItemID: "item-1"},
			},
		},
		tokens: &fakeTokens{
			personal: map[string]*domain.TokenAuthContext{},
			team:     map[string]*domain.TokenAuthContext{},
		},
		agents: &fakeAgents{
			shared: map[string][]string{},
			admins: map[string]bool{},
		},
		exec:    &fakeExecutor{},
		evictor: &fakeEvictor{},
		ledger:  &fakeLedger{},
		conn: &fakeListConn{tools: []domain.ToolDescriptor{{
			Name:        "list_issues",
			Description: "List repository issues",
			InputSchema: json.RawMessage(`{"type":"object"}`),
		}}},
		clock: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (f *fixture) gateway(t *testing.T) *Gateway {
	t.Helper()
	return New(Options{
		Store:    f.store,
		Resolver: &fakeResolver{instanceID: "inst-1"},
		Conns:    &fakeProvider{conn: f.conn},
		Tokens:   f.tokens,
		Agents:   f.agents,
		Executor: f.exec,
		Evictor:  f.evictor,
		Ledger:   f.ledger,
		Now:      func() time.Time { return f.clock },
	})
}

func TestSelectTokenPrefersPersonal(t *testing.T) {
	f := newFixture()
	f.agents.shared["user-1/agent-1"] = []string{"team-1"}
	f.agents.admins["user-1/agent-1"] = true
	f.tokens.personal["user-1"] = &domain.TokenAuthContext{TokenID: "personal", UserID: "user-1"}
	f.tokens.org = &domain.TokenAuthContext{TokenID: "org", IsOrganizationToken: true}
	f.tokens.team["team-1"] = &domain.TokenAuthContext{TokenID: "team", TeamID: "team-1"}
	g := f.gateway(t)

	auth, err := g.selectToken(context.Background(), "agent-1", "user-1")
	require.NoError(t, err)
	require.Equal(t, "personal", auth.TokenID)
}

func TestSelectTokenOrganizationForAdministrator(t *testing.T) {
	f := newFixture()
	f.agents.admins["user-1/agent-1"] = true
	f.tokens.org = &domain.TokenAuthContext{TokenID: "org", IsOrganizationToken: true}
	g := f.gateway(t)

	auth, err := g.selectToken(context.Background(), "agent-1", "user-1")
	require.NoError(t, err)
	require.Equal(t, "org", auth.TokenID)
	require.True(t, auth.IsOrganizationToken)
}

func TestSelectTokenFallsBackToSharedTeam(t *testing.T) {
	f := newFixture()
	f.agents.shared["user-1/agent-1"] = []string{"team-a", "team-b"}
	f.tokens.team["team-b"] = &domain.TokenAuthContext{TokenID: "team-b-token", TeamID: "team-b"}
	g := f.gateway(t)

	auth, err := g.selectToken(context.Background(), "agent-1", "user-1")
	require.NoError(t, err)
	require.Equal(t, "team-b-token", auth.TokenID)
}

func TestSelectTokenNoneApplies(t *testing.T) {
	f := newFixture()
	g := f.gateway(t)

	auth, err := g.selectToken(context.Background(), "agent-1", "user-1")
	require.NoError(t, err)
	require.Nil(t, auth)
}

func TestListToolsEmptyWithoutToken(t *testing.T) {
	f := newFixture()
	g := f.gateway(t)

	tools, err := g.ListTools(context.Background(), "agent-1", "user-1", "prompt-1")
	require.NoError(t, err)
	require.Empty(t, tools)
	require.Zero(t, f.store.listCalls, "no token means no backend work")
}

func TestListToolsPrefixedDescriptors(t *testing.T) {
	f := newFixture()
	f.agents.shared["user-1/agent-1"] = []string{"team-1"}
	f.tokens.personal["user-1"] = &domain.TokenAuthContext{TokenID: "personal", UserID: "user-1"}
	g := f.gateway(t)

	tools, err := g.ListTools(context.Background(), "agent-1", "user-1", "prompt-1")
	require.NoError(t, err)

	want := []domain.ToolDescriptor{{
		Name:        "github-mcp__list_issues",
		Description: "List repository issues",
		InputSchema: json.RawMessage(`{"type":"object"}`),
	}}
	require.Empty(t, cmp.Diff(want, tools))
}

func TestListToolsCachedWithinTTL(t *testing.T) {
	f := newFixture()
	f.agents.shared["user-1/agent-1"] = []string{"team-1"}
	f.tokens.personal["user-1"] = &domain.TokenAuthContext{TokenID: "personal", UserID: "user-1"}
	g := f.gateway(t)

	_, err := g.ListTools(context.Background(), "agent-1", "user-1", "prompt-1")
	require.NoError(t, err)

	f.clock = f.clock.Add(29 * time.Second)
	_, err = g.ListTools(context.Background(), "agent-1", "user-1", "prompt-1")
	require.NoError(t, err)
	require.Equal(t, 1, f.store.listCalls, "second listing served from cache")
}

func TestListToolsTTLExpiry(t *testing.T) {
	f := newFixture()
	f.agents.shared["user-1/agent-1"] = []string{"team-1"}
	f.tokens.personal["user-1"] = &domain.TokenAuthContext{TokenID: "personal", UserID: "user-1"}
	g := f.gateway(t)

	_, err := g.ListTools(context.Background(), "agent-1", "user-1", "prompt-1")
	require.NoError(t, err)

	f.clock = f.clock.Add(31 * time.Second)
	_, err = g.ListTools(context.Background(), "agent-1", "user-1", "prompt-1")
	require.NoError(t, err)
	require.Equal(t, 2, f.store.listCalls, "expired entry re-reads the backends")
}

func TestListToolsDistinctPromptKeys(t *testing.T) {
	f := newFixture()
	f.agents.shared["user-1/agent-1"] = []string{"team-1"}
	f.tokens.personal["user-1"] = &domain.TokenAuthContext{TokenID: "personal", UserID: "user-1"}
	g := f.gateway(t)

	_, err := g.ListTools(context.Background(), "agent-1", "user-1", "prompt-1")
	require.NoError(t, err)
	_, err = g.ListTools(context.Background(), "agent-1", "user-1", "prompt-2")
	require.NoError(t, err)
	require.Equal(t, 2, f.store.listCalls, "prompt id is part of the cache key")
}

func TestInvalidateAgentDropsCaches(t *testing.T) {
	f := newFixture()
	f.agents.shared["user-1/agent-1"] = []string{"team-1"}
	f.tokens.personal["user-1"] = &domain.TokenAuthContext{TokenID: "personal", UserID: "user-1"}
	g := f.gateway(t)

	_, err := g.ListTools(context.Background(), "agent-1", "user-1", "prompt-1")
	require.NoError(t, err)

	g.InvalidateAgent("agent-1")
	_, err = g.ListTools(context.Background(), "agent-1", "user-1", "prompt-1")
	require.NoError(t, err)
	require.Equal(t, 2, f.store.listCalls)
}

func TestCallToolPassesSelectedAuth(t *testing.T) {
	f := newFixture()
	f.agents.shared["user-1/agent-1"] = []string{"team-1"}
	f.tokens.personal["user-1"] = &domain.TokenAuthContext{TokenID: "personal", UserID: "user-1"}
	g := f.gateway(t)

	call := domain.ToolCall{ID: "call-1", Name: "github-mcp__list_issues"}
	res := g.CallTool(context.Background(), "agent-1", "user-1", call)
	require.False(t, res.IsError)
	require.NotNil(t, f.exec.lastAuth)
	require.Equal(t, "personal", f.exec.lastAuth.TokenID)
}

func TestCallToolWithoutTokenUsesNilAuth(t *testing.T) {
	f := newFixture()
	g := f.gateway(t)

	call := domain.ToolCall{ID: "call-1", Name: "github-mcp__list_issues"}
	res := g.CallTool(context.Background(), "agent-1", "user-1", call)
	require.False(t, res.IsError)
	require.Nil(t, f.exec.lastAuth)
}

func TestCallToolTokenFailureRecorded(t *testing.T) {
	f := newFixture()
	f.agents.err = errors.New("directory unavailable")
	g := f.gateway(t)

	call := domain.ToolCall{ID: "call-1", Name: "github-mcp__list_issues"}
	res := g.CallTool(context.Background(), "agent-1", "user-1", call)
	require.True(t, res.IsError)
	require.Contains(t, res.Error, "directory unavailable")

	require.Len(t, f.ledger.records, 1, "a synthesized failure still gets its ledger record")
	rec := f.ledger.records[0]
	require.Equal(t, "call-1", rec.call.ID)
	require.True(t, rec.result.IsError)
	require.Equal(t, "agent-1", rec.meta.AgentID)
	require.Equal(t, "user-1", rec.meta.UserID)
	require.Equal(t, f.clock, rec.meta.StartedAt)
}

func TestInvalidateAgentEvictsCalledConnections(t *testing.T) {
	f := newFixture()
	f.agents.shared["user-1/agent-1"] = []string{"team-1"}
	f.tokens.personal["user-1"] = &domain.TokenAuthContext{TokenID: "personal", UserID: "user-1"}
	f.exec.meta = domain.CallMetadata{CatalogItemID: "item-1", InstanceID: "inst-1"}
	g := f.gateway(t)

	call := domain.ToolCall{ID: "call-1", Name: "github-mcp__list_issues"}
	res := g.CallTool(context.Background(), "agent-1", "user-1", call)
	require.False(t, res.IsError)

	g.InvalidateAgent("agent-1")
	require.Equal(t, []domain.ConnectionKey{{CatalogItemID: "item-1", InstanceID: "inst-1"}}, f.evictor.keys)
}

func TestInvalidateAgentEvictsListedConnections(t *testing.T) {
	f := newFixture()
	f.agents.shared["user-1/agent-1"] = []string{"team-1"}
	f.tokens.personal["user-1"] = &domain.TokenAuthContext{TokenID: "personal", UserID: "user-1"}
	g := f.gateway(t)

	_, err := g.ListTools(context.Background(), "agent-1", "user-1", "prompt-1")
	require.NoError(t, err)

	g.InvalidateAgent("agent-1")
	require.Equal(t, []domain.ConnectionKey{{CatalogItemID: "item-1", InstanceID: "inst-1"}}, f.evictor.keys)

	f.evictor.keys = nil
	g.InvalidateAgent("agent-1")
	require.Empty(t, f.evictor.keys, "a dropped session leaves nothing to evict")
}

func TestInvalidateAgentLeavesOtherAgents(t *testing.T) {
	f := newFixture()
	f.agents.shared["user-1/agent-1"] = []string{"team-1"}
	f.tokens.personal["user-1"] = &domain.TokenAuthContext{TokenID: "personal", UserID: "user-1"}
	f.exec.meta = domain.CallMetadata{CatalogItemID: "item-1", InstanceID: "inst-1"}
	g := f.gateway(t)

	call := domain.ToolCall{ID: "call-1", Name: "github-mcp__list_issues"}
	g.CallTool(context.Background(), "agent-1", "user-1", call)

	g.InvalidateAgent("agent-2")
	require.Empty(t, f.evictor.keys)
}
