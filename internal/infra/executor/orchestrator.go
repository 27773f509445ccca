// Package executor runs tool calls end to end: assignment lookup,
// target resolution, connection acquisition, the upstream call, and
// post-processing. Every failure collapses into an error ToolResult so
// callers always receive exactly one result per call.
package executor

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"mcpgate/internal/domain"
	"mcpgate/internal/infra/telemetry"
)

// Orchestrator drives the execution pipeline. All collaborators are
// injected; it owns no storage of its own.
type Orchestrator struct {
	store     domain.AssignmentStore
	resolver  domain.TargetResolver
	secrets   domain.SecretManager
	conns     domain.ConnectionProvider
	ledger    domain.Ledger
	templates domain.TemplateEngine
	cleaner   domain.PreviewCleaner
	metrics   domain.Metrics
	logger    *zap.Logger

	inFlight atomic.Int64
}

type Options struct {
	Store     domain.AssignmentStore
	Resolver  domain.TargetResolver
	Secrets   domain.SecretManager
	Conns     domain.ConnectionProvider
	Ledger    domain.Ledger
	Templates domain.TemplateEngine
	Cleaner   domain.PreviewCleaner
	Metrics   domain.Metrics
	Logger    *zap.Logger
}

func NewOrchestrator(opts Options) *Orchestrator {
	if opts.Store == nil {
		panic("orchestrator requires an assignment store")
	}
	if opts.Resolver == nil {
		panic("orchestrator requires a target resolver")
	}
	if opts.Conns == nil {
		panic("orchestrator requires a connection provider")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cleaner := opts.Cleaner
	if cleaner == nil {
		cleaner = domain.NoopPreviewCleaner{}
	}
	templates := opts.Templates
	if templates == nil {
		templates = noopTemplateEngine{}
	}
	return &Orchestrator{
		store:     opts.Store,
		resolver:  opts.Resolver,
		secrets:   opts.Secrets,
		conns:     opts.Conns,
		ledger:    opts.Ledger,
		templates: templates,
		cleaner:   cleaner,
		metrics:   opts.Metrics,
		logger:    logger.Named("executor"),
	}
}

// InFlight reports the number of tool calls currently executing.
func (o *Orchestrator) InFlight() int64 {
	return o.inFlight.Load()
}

// Execute runs one tool call for an agent. It never returns an error:
// every pipeline failure is folded into an error ToolResult, and the
// (call, result) pair is recorded in the ledger regardless of outcome.
func (o *Orchestrator) Execute(ctx context.Context, agentID string, call domain.ToolCall, auth *domain.TokenAuthContext) domain.ToolResult {
	result, _ := o.ExecuteWithMetadata(ctx, agentID, call, auth)
	return result
}

// ExecuteWithMetadata additionally returns the routing metadata of the
// call, so callers that keep per-tenant connection references know
// which connection served it.
func (o *Orchestrator) ExecuteWithMetadata(ctx context.Context, agentID string, call domain.ToolCall, auth *domain.TokenAuthContext) (domain.ToolResult, domain.CallMetadata) {
	started := time.Now()
	o.inFlight.Add(1)
	defer func() {
		// An aborted call may have opened side-effect resources
		// (e.g. a preview session); release them before the call
		// stops counting as in flight.
		if ctx.Err() != nil {
			cleanupCtx := context.WithoutCancel(ctx)
			if err := o.cleaner.Cleanup(cleanupCtx, call.ID); err != nil {
				o.logger.Warn("abort cleanup failed",
					zap.String("call_id", call.ID),
					zap.Error(err),
				)
			}
		}
		o.inFlight.Add(-1)
	}()

	result, meta := o.run(ctx, agentID, call, auth)
	meta.AgentID = agentID
	if auth != nil {
		meta.UserID = auth.UserID
	}
	meta.StartedAt = started
	meta.Duration = time.Since(started)

	o.record(ctx, call, result, meta)
	if o.metrics != nil {
		o.metrics.ObserveToolCall(meta.CatalogItemID, meta.Duration, result.IsError)
	}
	if !result.IsError {
		o.logger.Debug("tool call completed",
			telemetry.EventField(telemetry.EventCallSuccess),
			telemetry.AgentIDField(agentID),
			telemetry.ToolNameField(call.Name),
			telemetry.DurationField(meta.Duration),
		)
	}
	return result, meta
}

func (o *Orchestrator) run(ctx context.Context, agentID string, call domain.ToolCall, auth *domain.TokenAuthContext) (domain.ToolResult, domain.CallMetadata) {
	var meta domain.CallMetadata

	tool, err := o.store.AgentTool(ctx, agentID, call.Name)
	if err != nil {
		return o.failure(call, fmt.Errorf("look up tool %q: %w", call.Name, err)), meta
	}
	if tool == nil {
		return o.failure(call, fmt.Errorf("%w: %q", domain.ErrToolNotAssigned, call.Name)), meta
	}

	if tool.CatalogItemID == "" {
		return o.failure(call, fmt.Errorf("%w: tool %q", domain.ErrMissingCatalogReference, tool.Name)), meta
	}
	item, err := o.store.CatalogItem(ctx, tool.CatalogItemID)
	if err != nil {
		return o.failure(call, fmt.Errorf("look up catalog item %q: %w", tool.CatalogItemID, err)), meta
	}
	if item == nil {
		return o.failure(call, fmt.Errorf("%w: catalog item %q", domain.ErrMissingCatalogReference, tool.CatalogItemID)), meta
	}
	meta.CatalogItemID = item.ID

	instanceID, err := o.resolver.Resolve(ctx, *tool, *item, auth)
	if err != nil {
		return o.failure(call, err), meta
	}
	meta.InstanceID = instanceID

	instance, err := o.store.ServerInstance(ctx, instanceID)
	if err != nil {
		return o.failure(call, fmt.Errorf("look up server instance %q: %w", instanceID, err)), meta
	}
	if instance == nil {
		return o.failure(call, fmt.Errorf("%w: server instance %q", domain.ErrNoInstallationFound, instanceID)), meta
	}

	var secret map[string]string
	if instance.SecretID != "" {
		if o.secrets == nil {
			return o.failure(call, fmt.Errorf("instance %q requires secret %q but no secret manager is configured", instance.ID, instance.SecretID)), meta
		}
		secret, err = o.secrets.GetSecret(ctx, instance.SecretID)
		if err != nil {
			return o.failure(call, fmt.Errorf("fetch secret %q: %w", instance.SecretID, err)), meta
		}
	}

	key := domain.ConnectionKey{CatalogItemID: item.ID, InstanceID: instance.ID}
	conn, err := o.conns.Get(ctx, key, domain.ConnectConfig{
		Item:     *item,
		Instance: *instance,
		Secret:   secret,
	})
	if err != nil {
		return o.failure(call, err), meta
	}

	backendName := domain.StripToolPrefix(item.DisplayName, call.Name)
	outcome, err := conn.CallTool(ctx, backendName, call.Arguments)
	if err != nil {
		return o.failure(call, fmt.Errorf("call tool %q on %q: %w", backendName, item.DisplayName, err)), meta
	}

	content := outcome.Content
	if outcome.IsError {
		// The upstream content carries the error detail; the result is
		// only flagged, never rewritten.
		o.logger.Warn("upstream tool error",
			telemetry.EventField(telemetry.EventCallFailure),
			zap.String("call_id", call.ID),
			telemetry.ToolNameField(call.Name),
			zap.Error(domain.ErrUpstreamTool),
		)
	} else {
		content = o.transform(responseTemplate(tool, item), content, call)
	}
	return domain.ToolResult{
		ID:      call.ID,
		Name:    call.Name,
		Content: content,
		IsError: outcome.IsError,
	}, meta
}

// responseTemplate picks the tool-level override when present,
// otherwise the catalog item's template.
func responseTemplate(tool *domain.AgentTool, item *domain.CatalogItem) string {
	if tool.ResponseTemplate != "" {
		return tool.ResponseTemplate
	}
	return item.ResponseTemplate
}

// transform applies the response template. A template failure falls
// back to the untransformed content; it never turns a successful call
// into a failed one.
func (o *Orchestrator) transform(template string, content []byte, call domain.ToolCall) []byte {
	if template == "" {
		return content
	}
	transformed, err := o.templates.Apply(template, content)
	if err != nil {
		o.logger.Warn("response template failed, returning raw content",
			zap.String("call_id", call.ID),
			telemetry.ToolNameField(call.Name),
			zap.Error(err),
		)
		return content
	}
	return transformed
}

func (o *Orchestrator) failure(call domain.ToolCall, err error) domain.ToolResult {
	fields := []zap.Field{
		telemetry.EventField(telemetry.EventCallFailure),
		zap.String("call_id", call.ID),
		telemetry.ToolNameField(call.Name),
		zap.Error(err),
	}
	if code, ok := domain.CodeFrom(err); ok {
		fields = append(fields, zap.String("code", string(code)))
	}
	// Misconfiguration needs operator attention; transient failures
	// do not.
	if domain.IsConfigurationError(err) {
		o.logger.Error("tool call failed on configuration", fields...)
	} else {
		o.logger.Warn("tool call failed", fields...)
	}
	return domain.ToolResult{
		ID:      call.ID,
		Name:    call.Name,
		IsError: true,
		Error:   err.Error(),
	}
}

// record persists the call outcome. Persistence is best effort: the
// write survives caller cancellation and a failure never alters the
// returned result.
func (o *Orchestrator) record(ctx context.Context, call domain.ToolCall, result domain.ToolResult, meta domain.CallMetadata) {
	if o.ledger == nil {
		return
	}
	recordCtx := context.WithoutCancel(ctx)
	if err := o.ledger.Record(recordCtx, call, result, meta); err != nil {
		o.logger.Error("ledger record failed",
			telemetry.EventField(telemetry.EventLedgerFailure),
			zap.String("call_id", call.ID),
			telemetry.ToolNameField(call.Name),
			zap.Error(err),
		)
		if o.metrics != nil {
			o.metrics.ObserveLedgerFailure()
		}
	}
}
