package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"mcpgate/internal/domain"
	"mcpgate/internal/infra/telemetry"
)

// Secret keys probed for a bearer credential, in order.
var bearerSecretKeys = []string{"token", "access_token", "api_key"}

// StreamableHTTPTransport reaches server instances over a streamable
// HTTP endpoint, injecting an Authorization header when the resolved
// credential carries a bearer token.
type StreamableHTTPTransport struct {
	logger *zap.Logger
}

type StreamableHTTPTransportOptions struct {
	Logger *zap.Logger
}

func NewStreamableHTTPTransport(opts StreamableHTTPTransportOptions) *StreamableHTTPTransport {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamableHTTPTransport{
		logger: logger.Named("http_transport"),
	}
}

func (t *StreamableHTTPTransport) Connect(ctx context.Context, cfg domain.ConnectConfig) (domain.ServerConnection, error) {
	endpoint := strings.TrimSpace(cfg.Target.Endpoint)
	if endpoint == "" {
		return nil, errors.New("streamable http endpoint is required")
	}

	client := &http.Client{
		Transport: newHeaderRoundTripper(buildHeaders(cfg)),
	}
	transport := &mcp.StreamableClientTransport{
		Endpoint:   endpoint,
		HTTPClient: client,
	}
	session, err := newMCPClient().Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("connect streamable http: %w", err)
	}

	t.logger.Debug("http connection established",
		telemetry.CatalogItemField(cfg.Item.ID),
		telemetry.InstanceIDField(cfg.Instance.ID),
	)
	return newServerConn(session, cfg.Item.DisplayName, t.logger.Named("conn")), nil
}

// buildHeaders derives request headers from the resolved credential.
// Remote servers get a bearer Authorization header; local HTTP servers
// usually carry no secret and get none.
func buildHeaders(cfg domain.ConnectConfig) http.Header {
	headers := http.Header{}
	if token := bearerToken(cfg.Secret); token != "" {
		headers.Set("Authorization", "Bearer "+token)
	}
	return headers
}

func bearerToken(secret map[string]string) string {
	for _, key := range bearerSecretKeys {
		if v := strings.TrimSpace(secret[key]); v != "" {
			return v
		}
	}
	return ""
}

type headerRoundTripper struct {
	base    http.RoundTripper
	headers http.Header
}

func newHeaderRoundTripper(headers http.Header) *headerRoundTripper {
	return &headerRoundTripper{
		base:    http.DefaultTransport,
		headers: headers,
	}
}

func (h *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	for key, values := range h.headers {
		req.Header.Del(key)
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	return h.base.RoundTrip(req)
}
