// Package gateway is the caller-facing surface: it selects a token
// scope for each (agent, user) pair, serves tool metadata from a
// short-lived cache, and hands tool calls to the orchestrator.
package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"mcpgate/internal/domain"
	"mcpgate/internal/infra/telemetry"
)

const (
	DefaultToolCacheTTL     = 30 * time.Second
	DefaultListToolsTimeout = 30 * time.Second
)

// Executor is the orchestrator as seen by the gateway. The metadata
// return tells the gateway which connection served the call, so the
// session can reference it for later invalidation.
type Executor interface {
	ExecuteWithMetadata(ctx context.Context, agentID string, call domain.ToolCall, auth *domain.TokenAuthContext) (domain.ToolResult, domain.CallMetadata)
}

// ConnectionEvictor closes and drops one cached connection. Implemented
// by the connection manager.
type ConnectionEvictor interface {
	Evict(key domain.ConnectionKey)
}

type Config struct {
	// ToolCacheTTL bounds how long listed tool metadata is served
	// without re-reading the backends.
	ToolCacheTTL time.Duration
	// ListToolsTimeout bounds one backend list-tools round trip.
	ListToolsTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ToolCacheTTL <= 0 {
		c.ToolCacheTTL = DefaultToolCacheTTL
	}
	if c.ListToolsTimeout <= 0 {
		c.ListToolsTimeout = DefaultListToolsTimeout
	}
	return c
}

type sessionKey struct {
	AgentID string
	UserID  string
}

type toolsKey struct {
	AgentID  string
	UserID   string
	PromptID string
}

// session caches the token selection for one (agent, user) pair plus
// references to the connections the pair's traffic has used. It is
// long-lived; InvalidateAgent drops it and evicts those connections.
type session struct {
	auth *domain.TokenAuthContext
	keys map[domain.ConnectionKey]struct{}
}

type toolsEntry struct {
	tools     []domain.ToolDescriptor
	expiresAt time.Time
}

type Gateway struct {
	store    domain.AssignmentStore
	resolver domain.TargetResolver
	secrets  domain.SecretManager
	conns    domain.ConnectionProvider
	tokens   domain.TokenStore
	agents   domain.AgentDirectory
	exec     Executor
	evictor  ConnectionEvictor
	ledger   domain.Ledger
	cfg      Config
	metrics  domain.Metrics
	logger   *zap.Logger
	now      func() time.Time

	mu       sync.Mutex
	sessions map[sessionKey]*session
	tools    map[toolsKey]toolsEntry
}

type Options struct {
	Store    domain.AssignmentStore
	Resolver domain.TargetResolver
	Secrets  domain.SecretManager
	Conns    domain.ConnectionProvider
	Tokens   domain.TokenStore
	Agents   domain.AgentDirectory
	Executor Executor
	// Evictor lets InvalidateAgent tear down the connections a
	// session referenced. Optional.
	Evictor ConnectionEvictor
	// Ledger records results synthesized before the orchestrator is
	// reached, keeping one persisted result per call. Optional.
	Ledger  domain.Ledger
	Config  Config
	Metrics domain.Metrics
	Logger  *zap.Logger
	// Now overrides the clock; tests use it to drive TTL expiry.
	Now func() time.Time
}

func New(opts Options) *Gateway {
	if opts.Store == nil {
		panic("gateway requires an assignment store")
	}
	if opts.Resolver == nil {
		panic("gateway requires a target resolver")
	}
	if opts.Conns == nil {
		panic("gateway requires a connection provider")
	}
	if opts.Tokens == nil {
		panic("gateway requires a token store")
	}
	if opts.Agents == nil {
		panic("gateway requires an agent directory")
	}
	if opts.Executor == nil {
		panic("gateway requires an executor")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Gateway{
		store:    opts.Store,
		resolver: opts.Resolver,
		secrets:  opts.Secrets,
		conns:    opts.Conns,
		tokens:   opts.Tokens,
		agents:   opts.Agents,
		exec:     opts.Executor,
		evictor:  opts.Evictor,
		ledger:   opts.Ledger,
		cfg:      opts.Config.withDefaults(),
		metrics:  opts.Metrics,
		logger:   logger.Named("gateway"),
		now:      now,
		sessions: make(map[sessionKey]*session),
		tools:    make(map[toolsKey]toolsEntry),
	}
}

// CallTool executes one tool call under the caller's selected token
// scope. A caller without any usable token still reaches the
// orchestrator: statically routed tools work without one.
func (g *Gateway) CallTool(ctx context.Context, agentID, userID string, call domain.ToolCall) domain.ToolResult {
	auth, err := g.sessionAuth(ctx, agentID, userID)
	if err != nil {
		g.logger.Warn("token selection failed",
			telemetry.AgentIDField(agentID),
			zap.String("user_id", userID),
			zap.Error(err),
		)
		result := domain.ToolResult{
			ID:      call.ID,
			Name:    call.Name,
			IsError: true,
			Error:   err.Error(),
		}
		g.recordSynthesized(ctx, agentID, userID, call, result)
		return result
	}
	result, meta := g.exec.ExecuteWithMetadata(ctx, agentID, call, auth)
	if meta.CatalogItemID != "" && meta.InstanceID != "" {
		g.trackConnection(sessionKey{AgentID: agentID, UserID: userID}, domain.ConnectionKey{
			CatalogItemID: meta.CatalogItemID,
			InstanceID:    meta.InstanceID,
		})
	}
	return result
}

// recordSynthesized persists a result that never reached the
// orchestrator, so the one-result-per-call record stays complete.
// Best effort, like the orchestrator's own ledger write.
func (g *Gateway) recordSynthesized(ctx context.Context, agentID, userID string, call domain.ToolCall, result domain.ToolResult) {
	if g.ledger == nil {
		return
	}
	meta := domain.CallMetadata{
		AgentID:   agentID,
		UserID:    userID,
		StartedAt: g.now(),
	}
	if err := g.ledger.Record(context.WithoutCancel(ctx), call, result, meta); err != nil {
		g.logger.Error("ledger record failed",
			telemetry.EventField(telemetry.EventLedgerFailure),
			telemetry.ToolNameField(call.Name),
			zap.Error(err),
		)
		if g.metrics != nil {
			g.metrics.ObserveLedgerFailure()
		}
	}
}

// trackConnection remembers which connection a session's traffic used.
// Sessions already invalidated are not resurrected.
func (g *Gateway) trackConnection(sk sessionKey, key domain.ConnectionKey) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[sk]
	if !ok {
		return
	}
	if s.keys == nil {
		s.keys = make(map[domain.ConnectionKey]struct{})
	}
	s.keys[key] = struct{}{}
}

// ListTools returns the tool metadata visible to (agent, user, prompt).
// Results are cached per key for the configured TTL. A caller without
// any usable token sees an empty list, not an error.
func (g *Gateway) ListTools(ctx context.Context, agentID, userID, promptID string) ([]domain.ToolDescriptor, error) {
	key := toolsKey{AgentID: agentID, UserID: userID, PromptID: promptID}

	g.mu.Lock()
	entry, ok := g.tools[key]
	if ok && g.now().Before(entry.expiresAt) {
		g.mu.Unlock()
		g.observeCache("tools", true)
		return cloneDescriptors(entry.tools), nil
	}
	g.mu.Unlock()
	g.observeCache("tools", false)

	auth, err := g.sessionAuth(ctx, agentID, userID)
	if err != nil {
		return nil, err
	}
	if auth == nil {
		return nil, nil
	}

	tools, err := g.listAgentTools(ctx, sessionKey{AgentID: agentID, UserID: userID}, auth)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	g.tools[key] = toolsEntry{
		tools:     tools,
		expiresAt: g.now().Add(g.cfg.ToolCacheTTL),
	}
	g.mu.Unlock()
	return cloneDescriptors(tools), nil
}

// InvalidateAgent drops every cached session and tool listing for the
// agent and evicts the connections those sessions referenced. Called
// when assignments or instances change.
func (g *Gateway) InvalidateAgent(agentID string) {
	evict := make(map[domain.ConnectionKey]struct{})

	g.mu.Lock()
	for key, s := range g.sessions {
		if key.AgentID != agentID {
			continue
		}
		for ck := range s.keys {
			evict[ck] = struct{}{}
		}
		delete(g.sessions, key)
	}
	for key := range g.tools {
		if key.AgentID == agentID {
			delete(g.tools, key)
		}
	}
	g.mu.Unlock()

	if g.evictor == nil {
		return
	}
	for ck := range evict {
		g.evictor.Evict(ck)
	}
}

// InvalidateAll drops all cached sessions and listings. Used on config
// reload so new timeouts and prompt contexts take effect.
func (g *Gateway) InvalidateAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessions = make(map[sessionKey]*session)
	g.tools = make(map[toolsKey]toolsEntry)
}

// sessionAuth returns the cached token selection for (agent, user),
// computing it on first use. A nil auth with nil error means the
// caller has no usable token.
func (g *Gateway) sessionAuth(ctx context.Context, agentID, userID string) (*domain.TokenAuthContext, error) {
	key := sessionKey{AgentID: agentID, UserID: userID}

	g.mu.Lock()
	if s, ok := g.sessions[key]; ok {
		g.mu.Unlock()
		g.observeCache("sessions", true)
		return s.auth, nil
	}
	g.mu.Unlock()
	g.observeCache("sessions", false)

	auth, err := g.selectToken(ctx, agentID, userID)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	g.sessions[key] = &session{auth: auth}
	g.mu.Unlock()
	return auth, nil
}

// selectToken picks the caller's token scope for an agent, in strict
// priority: the caller's personal token when they share a team with
// the agent, the organization token when they administer it, then the
// token of a shared team. Returns (nil, nil) when nothing applies.
func (g *Gateway) selectToken(ctx context.Context, agentID, userID string) (*domain.TokenAuthContext, error) {
	shared, err := g.agents.SharedTeams(ctx, userID, agentID)
	if err != nil {
		return nil, fmt.Errorf("list shared teams for user %q: %w", userID, err)
	}

	if len(shared) > 0 {
		personal, err := g.tokens.UserToken(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("look up personal token for user %q: %w", userID, err)
		}
		if personal != nil {
			return personal, nil
		}
	}

	admin, err := g.agents.IsAdministrator(ctx, userID, agentID)
	if err != nil {
		return nil, fmt.Errorf("check administrator for user %q: %w", userID, err)
	}
	if admin {
		org, err := g.tokens.OrganizationToken(ctx)
		if err != nil {
			return nil, fmt.Errorf("look up organization token: %w", err)
		}
		if org != nil {
			return org, nil
		}
	}

	for _, teamID := range shared {
		token, err := g.tokens.TeamToken(ctx, teamID)
		if err != nil {
			return nil, fmt.Errorf("look up token for team %q: %w", teamID, err)
		}
		if token != nil {
			return token, nil
		}
	}
	return nil, nil
}

// listAgentTools reads the assigned tools and enriches each with the
// backend's descriptor. A tool whose backend cannot be reached is
// skipped with a log line; one broken server must not hide the rest.
func (g *Gateway) listAgentTools(ctx context.Context, sk sessionKey, auth *domain.TokenAuthContext) ([]domain.ToolDescriptor, error) {
	agentID := sk.AgentID
	assigned, err := g.store.AgentTools(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("list tools for agent %q: %w", agentID, err)
	}

	descriptors := make([]domain.ToolDescriptor, 0, len(assigned))
	for _, tool := range assigned {
		desc, err := g.describeTool(ctx, sk, tool, auth)
		if err != nil {
			if domain.IsConfigurationError(err) {
				g.logger.Error("tool listing skipped on configuration",
					telemetry.AgentIDField(agentID),
					telemetry.ToolNameField(tool.Name),
					zap.Error(err),
				)
			} else {
				g.logger.Warn("tool listing skipped",
					telemetry.AgentIDField(agentID),
					telemetry.ToolNameField(tool.Name),
					zap.Error(err),
				)
			}
			continue
		}
		descriptors = append(descriptors, desc)
	}
	return descriptors, nil
}

func (g *Gateway) describeTool(ctx context.Context, sk sessionKey, tool domain.AgentTool, auth *domain.TokenAuthContext) (domain.ToolDescriptor, error) {
	var zero domain.ToolDescriptor

	if tool.CatalogItemID == "" {
		return zero, fmt.Errorf("%w: tool %q", domain.ErrMissingCatalogReference, tool.Name)
	}
	item, err := g.store.CatalogItem(ctx, tool.CatalogItemID)
	if err != nil {
		return zero, fmt.Errorf("look up catalog item %q: %w", tool.CatalogItemID, err)
	}
	if item == nil {
		return zero, fmt.Errorf("%w: catalog item %q", domain.ErrMissingCatalogReference, tool.CatalogItemID)
	}

	instanceID, err := g.resolver.Resolve(ctx, tool, *item, auth)
	if err != nil {
		return zero, err
	}
	instance, err := g.store.ServerInstance(ctx, instanceID)
	if err != nil {
		return zero, fmt.Errorf("look up server instance %q: %w", instanceID, err)
	}
	if instance == nil {
		return zero, fmt.Errorf("%w: server instance %q", domain.ErrNoInstallationFound, instanceID)
	}

	var secret map[string]string
	if instance.SecretID != "" && g.secrets != nil {
		secret, err = g.secrets.GetSecret(ctx, instance.SecretID)
		if err != nil {
			return zero, fmt.Errorf("fetch secret %q: %w", instance.SecretID, err)
		}
	}

	connKey := domain.ConnectionKey{CatalogItemID: item.ID, InstanceID: instance.ID}
	conn, err := g.conns.Get(ctx, connKey, domain.ConnectConfig{
		Item:     *item,
		Instance: *instance,
		Secret:   secret,
	})
	if err != nil {
		return zero, err
	}
	g.trackConnection(sk, connKey)

	listCtx, cancel := context.WithTimeout(ctx, g.cfg.ListToolsTimeout)
	defer cancel()
	backendTools, err := conn.ListTools(listCtx)
	if err != nil {
		if listCtx.Err() != nil && ctx.Err() == nil {
			return zero, fmt.Errorf("list tools on %q: %w", item.DisplayName, domain.ErrTransportTimeout)
		}
		return zero, fmt.Errorf("list tools on %q: %w", item.DisplayName, err)
	}

	backendName := domain.StripToolPrefix(item.DisplayName, tool.Name)
	for _, bt := range backendTools {
		if bt.Name == backendName {
			return domain.ToolDescriptor{
				Name:        tool.Name,
				Description: bt.Description,
				InputSchema: bt.InputSchema,
			}, nil
		}
	}
	return zero, fmt.Errorf("tool %q not reported by %q", backendName, item.DisplayName)
}

func (g *Gateway) observeCache(cache string, hit bool) {
	if g.metrics != nil {
		g.metrics.ObserveGatewayCache(cache, hit)
	}
}

func cloneDescriptors(in []domain.ToolDescriptor) []domain.ToolDescriptor {
	out := make([]domain.ToolDescriptor, len(in))
	copy(out, in)
	return out
}
