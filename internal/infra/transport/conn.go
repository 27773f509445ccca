package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"mcpgate/internal/domain"
	"mcpgate/internal/infra/telemetry"
)

// clientVersion identifies this gateway to backend servers.
const clientVersion = "0.1.0"

// serverConn adapts an mcp.ClientSession to domain.ServerConnection.
type serverConn struct {
	session *mcp.ClientSession
	item    string
	logger  *zap.Logger
}

func newServerConn(session *mcp.ClientSession, item string, logger *zap.Logger) *serverConn {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &serverConn{
		session: session,
		item:    item,
		logger:  logger,
	}
}

func (c *serverConn) Ping(ctx context.Context) error {
	if err := c.session.Ping(ctx, nil); err != nil {
		return fmt.Errorf("ping %q: %w", c.item, err)
	}
	return nil
}

func (c *serverConn) ListTools(ctx context.Context) ([]domain.ToolDescriptor, error) {
	res, err := c.session.ListTools(ctx, &mcp.ListToolsParams{})
	if err != nil {
		return nil, fmt.Errorf("list tools for %q: %w", c.item, err)
	}
	out := make([]domain.ToolDescriptor, 0, len(res.Tools))
	for _, tool := range res.Tools {
		desc := domain.ToolDescriptor{
			Name:        tool.Name,
			Description: tool.Description,
		}
		if tool.InputSchema != nil {
			raw, err := json.Marshal(tool.InputSchema)
			if err != nil {
				c.logger.Warn("drop unmarshalable input schema",
					telemetry.CatalogItemField(c.item),
					telemetry.ToolNameField(tool.Name),
					zap.Error(err),
				)
			} else {
				desc.InputSchema = raw
			}
		}
		out = append(out, desc)
	}
	return out, nil
}

func (c *serverConn) CallTool(ctx context.Context, name string, args map[string]any) (*domain.CallOutcome, error) {
	res, err := c.session.CallTool(ctx, &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return nil, fmt.Errorf("call tool %q on %q: %w", name, c.item, err)
	}
	content, err := json.Marshal(res.Content)
	if err != nil {
		return nil, fmt.Errorf("encode tool content for %q: %w", name, err)
	}
	return &domain.CallOutcome{
		Content: content,
		IsError: res.IsError,
	}, nil
}

func (c *serverConn) Close() error {
	return c.session.Close()
}

func newMCPClient() *mcp.Client {
	return mcp.NewClient(&mcp.Implementation{
		Name:    "mcpgate",
		Version: clientVersion,
	}, nil)
}
