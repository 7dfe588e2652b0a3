// Package mcpconnect implements C2: wrap a transport in an MCP client,
// perform the capability handshake, and expose an idempotent cleanup.
package mcpconnect

import (
	"context"
	"sync"
	"time"

	"metamcp/internal/mcptransport"
	"metamcp/internal/poolerr"
	"metamcp/internal/serverconfig"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Session is the narrow surface of *mcp.ClientSession this package and its
// callers depend on, so tests can substitute a fake without standing up a
// real transport.
type Session interface {
	ListTools(ctx context.Context, params *mcp.ListToolsParams) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error)
	Close() error
}

// ConnectedClient is a live MCP client plus its transport. Exactly one
// transport exists per client; cleanup() closes both exactly once and is
// idempotent.
type ConnectedClient struct {
	ServerUUID string
	Session    Session

	once sync.Once
}

// Cleanup closes the underlying session exactly once. A second call is a
// no-op, satisfying the idempotent-cleanup invariant.
func (c *ConnectedClient) Cleanup() {
	c.once.Do(func() {
		if c.Session != nil {
			_ = c.Session.Close()
		}
	})
}

// Connector builds ConnectedClients from ServerConfig, retrying transient
// failures.
type Connector struct {
	factory      *mcptransport.Factory
	retries      int
	retryDelay   time.Duration
	clientName   string
	clientVer    string
}

// Options configures retry behavior and the client identity advertised
// during the MCP handshake.
type Options struct {
	Retries      int
	RetryDelay   time.Duration
	ClientName   string
	ClientVer    string
}

// New builds a Connector. Retries defaults to 3 and RetryDelay to 5s if
// left zero, matching the documented defaults.
func New(factory *mcptransport.Factory, opts Options) *Connector {
	if opts.Retries <= 0 {
		opts.Retries = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Second
	}
	if opts.ClientName == "" {
		opts.ClientName = "metamcp"
	}
	if opts.ClientVer == "" {
		opts.ClientVer = "dev"
	}
	return &Connector{
		factory:    factory,
		retries:    opts.Retries,
		retryDelay: opts.RetryDelay,
		clientName: opts.ClientName,
		clientVer:  opts.ClientVer,
	}
}

// Connect opens a transport and completes the handshake, retrying up to
// Retries times with RetryDelay between attempts. Each attempt constructs
// a fresh transport and client; reusing one after a failed connect is not
// safe.
func (c *Connector) Connect(ctx context.Context, cfg serverconfig.Config) (*ConnectedClient, error) {
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, poolerr.New(poolerr.TransportOpenFailed, cfg.Name, "", ctx.Err())
			case <-time.After(c.retryDelay):
			}
		}

		transport, err := c.factory.Open(ctx, cfg)
		if err != nil {
			lastErr = err
			continue
		}

		client := mcp.NewClient(&mcp.Implementation{Name: c.clientName, Version: c.clientVer}, nil)
		session, err := client.Connect(ctx, transport, nil)
		if err != nil {
			lastErr = poolerr.New(poolerr.HandshakeFailed, cfg.Name, "", err)
			// A handshake rejection is not a transport problem, but the
			// spec asks for a fixed retry count regardless of kind; only
			// distinguish the error kind returned to the caller.
			continue
		}

		return &ConnectedClient{ServerUUID: cfg.UUID, Session: session}, nil
	}
	if pe, ok := lastErr.(*poolerr.Error); ok {
		return nil, pe
	}
	return nil, poolerr.New(poolerr.TransportOpenFailed, cfg.Name, "", lastErr)
}
