package telemetry

import (
	"time"

	"go.uber.org/zap"
)

const (
	FieldEvent       = "event"
	FieldCatalogItem = "catalogItem"
	FieldInstanceID  = "instanceID"
	FieldAgentID     = "agentID"
	FieldToolName    = "tool"
	FieldDurationMs  = "duration_ms"
)

const (
	EventCallSuccess    = "call_success"
	EventCallFailure    = "call_failure"
	EventConnectSuccess = "connect_success"
	EventConnectFailure = "connect_failure"
	EventPingFailure    = "ping_failure"
	EventCacheEvict     = "cache_evict"
	EventLedgerFailure  = "ledger_failure"
)

func EventField(event string) zap.Field {
	return zap.String(FieldEvent, event)
}

func CatalogItemField(catalogItem string) zap.Field {
	return zap.String(FieldCatalogItem, catalogItem)
}

func InstanceIDField(instanceID string) zap.Field {
	return zap.String(FieldInstanceID, instanceID)
}

func AgentIDField(agentID string) zap.Field {
	return zap.String(FieldAgentID, agentID)
}

func ToolNameField(tool string) zap.Field {
	return zap.String(FieldToolName, tool)
}

func DurationField(duration time.Duration) zap.Field {
	return zap.Int64(FieldDurationMs, duration.Milliseconds())
}
