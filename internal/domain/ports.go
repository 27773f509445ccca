package domain

import (
	"context"
	"encoding/json"
	"io"
	"time"
)

// ServerConnection is a live MCP connection to one server instance.
// Implementations wrap a vendor client session; callers never inspect
// the concrete transport.
type ServerConnection interface {
	Ping(ctx context.Context) error
	ListTools(ctx context.Context) ([]ToolDescriptor, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*CallOutcome, error)
	Close() error
}

// Transport establishes ServerConnections over one channel kind.
type Transport interface {
	Connect(ctx context.Context, cfg ConnectConfig) (ServerConnection, error)
}

// ConnectionProvider hands out live connections from a shared cache.
type ConnectionProvider interface {
	Get(ctx context.Context, key ConnectionKey, cfg ConnectConfig) (ServerConnection, error)
}

// TargetResolver decides which server instance a tool call should use.
type TargetResolver interface {
	Resolve(ctx context.Context, tool AgentTool, item CatalogItem, auth *TokenAuthContext) (string, error)
}

// AssignmentStore is the read-only view of tool assignments, catalog
// items and server instances owned by the administrative layer.
// Lookups return (nil, nil) when the record does not exist.
type AssignmentStore interface {
	AgentTool(ctx context.Context, agentID, toolName string) (*AgentTool, error)
	AgentTools(ctx context.Context, agentID string) ([]AgentTool, error)
	CatalogItem(ctx context.Context, id string) (*CatalogItem, error)
	ServerInstance(ctx context.Context, id string) (*ServerInstance, error)
	ListServerInstances(ctx context.Context, catalogItemID string) ([]ServerInstance, error)
}

// TeamDirectory answers explicit team-membership questions. Dynamic
// resolution uses this rather than cached group data.
type TeamDirectory interface {
	IsMember(ctx context.Context, userID, teamID string) (bool, error)
}

// AgentDirectory relates callers to agents for gateway-level token
// selection.
type AgentDirectory interface {
	SharedTeams(ctx context.Context, userID, agentID string) ([]string, error)
	IsAdministrator(ctx context.Context, userID, agentID string) (bool, error)
}

// TokenStore looks up credentials for gateway-level selection. Lookups
// return (nil, nil) when no matching token exists.
type TokenStore interface {
	UserToken(ctx context.Context, userID string) (*TokenAuthContext, error)
	OrganizationToken(ctx context.Context) (*TokenAuthContext, error)
	TeamToken(ctx context.Context, teamID string) (*TokenAuthContext, error)
}

// SecretManager resolves stored secrets to opaque key/value payloads.
type SecretManager interface {
	GetSecret(ctx context.Context, secretID string) (map[string]string, error)
}

// RuntimeManager resolves where a server instance is reachable and
// opens attach streams. Runtime topology construction lives outside
// this subsystem.
type RuntimeManager interface {
	ResolveTarget(ctx context.Context, instanceID string) (RuntimeTarget, error)
	OpenAttach(ctx context.Context, target AttachTarget) (IOStreams, error)
}

// IOStreams are the raw attach channels to a running container.
type IOStreams struct {
	Reader io.ReadCloser
	Writer io.WriteCloser
}

// Ledger is the append-only record of executed tool calls. The
// best-effort contract (failures logged, never blocking the response)
// belongs to the caller; implementations return errors normally.
type Ledger interface {
	Record(ctx context.Context, call ToolCall, result ToolResult, meta CallMetadata) error
}

// TemplateEngine applies a response-transform template to content.
// Pure from this subsystem's perspective.
type TemplateEngine interface {
	Apply(template string, content json.RawMessage) (json.RawMessage, error)
}

// PreviewCleaner releases side-effect resources opened during a tool
// call (e.g. a dedicated UI session) when execution aborts.
type PreviewCleaner interface {
	Cleanup(ctx context.Context, callID string) error
}

// NoopPreviewCleaner is the default when the preview feature is off.
type NoopPreviewCleaner struct{}

func (NoopPreviewCleaner) Cleanup(context.Context, string) error { return nil }

// Metrics records operational metrics for the gateway.
type Metrics interface {
	ObserveToolCall(catalogItem string, duration time.Duration, isError bool)
	ObserveConnectionCreate(catalogItem string, duration time.Duration, err error)
	ObserveConnectionEvict(catalogItem string)
	SetLiveConnections(count int)
	ObserveLedgerFailure()
	ObserveGatewayCache(cache string, hit bool)
}
