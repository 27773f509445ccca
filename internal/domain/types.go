package domain

import (
	"encoding/json"
	"time"
)

// ServerType distinguishes catalog items that run as orchestrated local
// processes from those reached over the network.
type ServerType string

const (
	ServerTypeLocal  ServerType = "local"
	ServerTypeRemote ServerType = "remote"
)

// TransportKind identifies the channel used to reach a running server.
type TransportKind string

const (
	// TransportAttach multiplexes MCP I/O over an attach stream to a
	// running container.
	TransportAttach TransportKind = "attach"
	// TransportStreamableHTTP speaks MCP over a streamable HTTP endpoint.
	TransportStreamableHTTP TransportKind = "streamable-http"
)

// RoutingMode selects how a tool's target instance is determined.
type RoutingMode string

const (
	// RoutingStatic pins the tool to a fixed execution or credential source.
	RoutingStatic RoutingMode = "static"
	// RoutingDynamic resolves the target per call from the caller's
	// auth context and the installed instance pool.
	RoutingDynamic RoutingMode = "dynamic"
)

// CatalogItem is a reusable definition of an installable MCP server.
// Read-only to this subsystem; owned by the administrative layer.
type CatalogItem struct {
	ID               string
	DisplayName      string
	ServerType       ServerType
	Transport        TransportKind
	ResponseTemplate string
}

// ServerInstance is a concrete installed copy of a CatalogItem. OwnerID,
// TeamID and SecretID are empty when unset.
type ServerInstance struct {
	ID            string
	CatalogItemID string
	OwnerID       string
	TeamID        string
	SecretID      string
}

// AgentTool is a tool-to-agent assignment record. Name carries the
// LLM-facing prefixed tool name.
type AgentTool struct {
	ID                 string
	AgentID            string
	Name               string
	CatalogItemID      string
	Routing            RoutingMode
	ExecutionSourceID  string
	CredentialSourceID string
	ResponseTemplate   string
}

// TokenAuthContext is the calling identity's authorization scope used
// during dynamic resolution.
type TokenAuthContext struct {
	TokenID             string
	TeamID              string
	IsOrganizationToken bool
	UserID              string
}

// ToolCall is a single tool invocation request. Immutable once created.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// ToolResult is the uniform outcome of a ToolCall. Exactly one is
// produced per call, regardless of where the pipeline failed.
type ToolResult struct {
	ID      string
	Name    string
	Content json.RawMessage
	IsError bool
	Error   string
}

// ConnectionKey uniquely identifies a cacheable live connection.
type ConnectionKey struct {
	CatalogItemID string
	InstanceID    string
}

// ToolDescriptor is backend tool metadata as reported by list-tools.
type ToolDescriptor struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// CallOutcome is the raw backend response to a tool call before
// post-processing.
type CallOutcome struct {
	Content json.RawMessage
	IsError bool
}

// CallMetadata accompanies a ledger record.
type CallMetadata struct {
	AgentID       string
	UserID        string
	CatalogItemID string
	InstanceID    string
	StartedAt     time.Time
	Duration      time.Duration
}

// AttachTarget addresses a specific running container.
type AttachTarget struct {
	Namespace string
	Pod       string
	Container string
}

// RuntimeTarget is the Runtime Manager's answer for where an instance
// is reachable: an HTTP endpoint, an attach handle, or both.
type RuntimeTarget struct {
	Endpoint string
	Attach   *AttachTarget
}

// ConnectConfig carries everything a transport needs to establish a
// connection to one server instance.
type ConnectConfig struct {
	Item     CatalogItem
	Instance ServerInstance
	Target   RuntimeTarget
	Secret   map[string]string
}
