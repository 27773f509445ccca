package telemetry

import (
	"time"

	"mcpgate/internal/domain"
)

type NoopMetrics struct{}

func NewNoopMetrics() *NoopMetrics {
	return &NoopMetrics{}
}

func (n *NoopMetrics) ObserveToolCall(_ string, _ time.Duration, _ bool) {}

func (n *NoopMetrics) ObserveConnectionCreate(_ string, _ time.Duration, _ error) {}

func (n *NoopMetrics) ObserveConnectionEvict(_ string) {}

func (n *NoopMetrics) SetLiveConnections(_ int) {}

func (n *NoopMetrics) ObserveLedgerFailure() {}

func (n *NoopMetrics) ObserveGatewayCache(_ string, _ bool) {}

var _ domain.Metrics = (*NoopMetrics)(nil)
