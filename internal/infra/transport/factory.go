package transport

import (
	"fmt"

	"mcpgate/internal/domain"
)

// SelectKind picks the transport kind for a resolved instance. It is a
// pure function of (serverType, declared kind, endpoint presence);
// connection selection never inspects runtime types.
//
// Remote catalog items are always reached over streamable HTTP. Local
// items use HTTP when the catalog declares it or the runtime exposes
// an endpoint for the instance; otherwise they are attached.
func SelectKind(serverType domain.ServerType, declared domain.TransportKind, hasEndpoint bool) domain.TransportKind {
	if serverType == domain.ServerTypeRemote {
		return domain.TransportStreamableHTTP
	}
	if declared == domain.TransportStreamableHTTP || hasEndpoint {
		return domain.TransportStreamableHTTP
	}
	return domain.TransportAttach
}

// Factory hands out the transport implementation for a kind.
type Factory struct {
	Attach         domain.Transport
	StreamableHTTP domain.Transport
}

func NewFactory(attach, streamableHTTP domain.Transport) *Factory {
	if attach == nil {
		panic("transport factory requires an attach transport")
	}
	if streamableHTTP == nil {
		panic("transport factory requires a streamable http transport")
	}
	return &Factory{
		Attach:         attach,
		StreamableHTTP: streamableHTTP,
	}
}

func (f *Factory) ForKind(kind domain.TransportKind) (domain.Transport, error) {
	switch kind {
	case domain.TransportAttach:
		return f.Attach, nil
	case domain.TransportStreamableHTTP:
		return f.StreamableHTTP, nil
	default:
		return nil, fmt.Errorf("unknown transport kind %q", kind)
	}
}
