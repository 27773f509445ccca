// Package transport establishes live MCP connections to server
// instances over the two supported channels: process-attach streams
// and streamable HTTP.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"mcpgate/internal/domain"
	"mcpgate/internal/infra/telemetry"
)

// AttachTransport reaches local server instances by multiplexing MCP
// I/O over an attach stream to the instance's running container. The
// attach handle comes from the Runtime Manager; this package never
// constructs runtime topology itself.
type AttachTransport struct {
	runtime domain.RuntimeManager
	logger  *zap.Logger
}

type AttachTransportOptions struct {
	Runtime domain.RuntimeManager
	Logger  *zap.Logger
}

func NewAttachTransport(opts AttachTransportOptions) *AttachTransport {
	if opts.Runtime == nil {
		panic("attach transport requires a runtime manager")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AttachTransport{
		runtime: opts.Runtime,
		logger:  logger.Named("attach_transport"),
	}
}

func (t *AttachTransport) Connect(ctx context.Context, cfg domain.ConnectConfig) (domain.ServerConnection, error) {
	if cfg.Target.Attach == nil {
		return nil, errors.New("attach target is required")
	}

	streams, err := t.runtime.OpenAttach(ctx, *cfg.Target.Attach)
	if err != nil {
		return nil, fmt.Errorf("open attach stream for instance %q: %w", cfg.Instance.ID, err)
	}
	if streams.Reader == nil || streams.Writer == nil {
		return nil, errors.New("runtime manager returned incomplete attach streams")
	}

	transport := &mcp.IOTransport{
		Reader: streams.Reader,
		Writer: streams.Writer,
	}
	session, err := newMCPClient().Connect(ctx, transport, nil)
	if err != nil {
		if closeErr := streams.Reader.Close(); closeErr != nil {
			t.logger.Warn("close attach reader failed", zap.Error(closeErr))
		}
		if closeErr := streams.Writer.Close(); closeErr != nil {
			t.logger.Warn("close attach writer failed", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("connect attach transport: %w", err)
	}

	t.logger.Debug("attach connection established",
		telemetry.CatalogItemField(cfg.Item.ID),
		telemetry.InstanceIDField(cfg.Instance.ID),
		zap.String("pod", cfg.Target.Attach.Pod),
	)
	return newServerConn(session, cfg.Item.DisplayName, t.logger.Named("conn")), nil
}
