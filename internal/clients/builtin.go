package clients

import (
	"context"

	"github.com/tendant/mcp-oauth-server/internal/domain"
)

// Built-in client ids.
const (
	TestClientID      = "mcp-test-client"
	InspectorClientID = "mcp-inspector"
	DesktopClientID   = "mcp-desktop"
)

type builtinClient struct {
	id  string
	req RegistrationRequest
}

var builtinClients = []builtinClient{
	{
		id: TestClientID,
		req: RegistrationRequest{
			ClientName:   "MCP Test Client",
			ClientType:   domain.ClientPublic,
			RedirectURIs: []string{"http://localhost:*", "http://127.0.0.1:*"},
			Scope:        "openid profile email mcp.read mcp.write",
		},
	},
	{
		id: InspectorClientID,
		req: RegistrationRequest{
			ClientName:   "MCP Inspector",
			ClientType:   domain.ClientPublic,
			RedirectURIs: []string{"http://localhost:*/oauth/callback", "http://127.0.0.1:*/oauth/callback"},
			Scope:        "openid profile mcp.read mcp.write",
		},
	},
	{
		id: DesktopClientID,
		req: RegistrationRequest{
			ClientName:   "MCP Desktop",
			ClientType:   domain.ClientPublic,
			RedirectURIs: []string{"http://localhost:*/callback", "https://claude.ai/api/mcp/auth_callback"},
			Scope:        "openid profile email mcp.read mcp.write",
		},
	},
}

// seedBuiltins registers the built-in clients. Failures are logged so an
// optional integration never blocks startup.
func (r *Registry) seedBuiltins(ctx context.Context) {
	for _, b := range builtinClients {
		if _, err := r.RegisterClient(ctx, b.req, b.id); err != nil {
			r.logger.Warn("failed to register built-in client", "client_id", b.id, "error", err)
		}
	}
}
