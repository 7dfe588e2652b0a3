// Package composite implements C5: an MCP server logically tied to one
// namespace + one sessionId, serving tools/list by fan-out+merge and
// tools/call by server-prefix routing.
package composite

import (
	"context"
	"fmt"
	"sync"

	"metamcp/internal/filtercache"
	"metamcp/internal/logstore"
	"metamcp/internal/poolerr"
	"metamcp/internal/serverconfig"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Session is the subset of mcpconnect.ConnectedClient's session surface
// this package needs.
type Session interface {
	ListTools(ctx context.Context, params *mcp.ListToolsParams) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error)
}

// SessionSource resolves the live session for a server within the scope of
// this composite server's sessionId. Backed by mcppool.Pool.GetSession.
type SessionSource interface {
	GetSession(ctx context.Context, sessionID, serverUUID string, cfg serverconfig.Config) (Session, error)
}

// Server is the CompositeServer: fan-out tools/list merge and prefix-routed
// tools/call over the servers participating in one namespace.
type Server struct {
	NamespaceUUID string
	SessionID     string

	servers map[string]serverconfig.Config // serverUuid -> config
	pool    SessionSource
	logs    *logstore.Store

	mu     sync.Mutex
	closed bool
	filter *filtercache.Filter
}

// New constructs a CompositeServer for (namespaceUUID, sessionID) against
// the given participating servers.
func New(namespaceUUID, sessionID string, servers map[string]serverconfig.Config, pool SessionSource, logs *logstore.Store) *Server {
	cp := make(map[string]serverconfig.Config, len(servers))
	for k, v := range servers {
		cp[k] = v
	}
	return &Server{NamespaceUUID: namespaceUUID, SessionID: sessionID, servers: cp, pool: pool, logs: logs}
}

// SetFilter installs the C4 filter middleware applied by ListTools and
// CallTool. A nil filter (the default) disables filtering, passing every
// merged tool through unchanged.
func (s *Server) SetFilter(f *filtercache.Filter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filter = f
}

func (s *Server) logError(server, msg string, err error) {
	if s.logs != nil {
		s.logs.AddLog(server, "error", msg, err)
	}
}

// ListTools fans out tools/list to every participating server in parallel,
// merges with sanitize(serverName) + "__" + toolName prefixing. A
// downstream failure is logged and that server's tools are omitted; the
// aggregate call returns no error for downstream failures, so if every
// server fails the result is an empty tool list.
func (s *Server) ListTools(ctx context.Context) (*mcp.ListToolsResult, error) {
	type partial struct {
		tools []*mcp.Tool
		err   error
	}

	uuids := make([]string, 0, len(s.servers))
	for uuid := range s.servers {
		uuids = append(uuids, uuid)
	}
	results := make([]partial, len(uuids))

	var wg sync.WaitGroup
	for i, uuid := range uuids {
		i, uuid := i, uuid
		cfg := s.servers[uuid]
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess, err := s.pool.GetSession(ctx, s.SessionID, uuid, cfg)
			if err != nil {
				results[i] = partial{err: err}
				s.logError(cfg.Name, "failed to get session for tools/list", err)
				return
			}
			res, err := sess.ListTools(ctx, &mcp.ListToolsParams{})
			if err != nil {
				results[i] = partial{err: err}
				s.logError(cfg.Name, "downstream tools/list failed", err)
				return
			}
			serverName := cfg.Name
			prefixed := make([]*mcp.Tool, 0, len(res.Tools))
			for _, t := range res.Tools {
				cloned := *t
				cloned.Name = serverconfig.Sanitize(serverName) + "__" + t.Name
				prefixed = append(prefixed, &cloned)
			}
			results[i] = partial{tools: prefixed}
		}()
	}
	wg.Wait()

	merged := make([]*mcp.Tool, 0)
	for _, r := range results {
		if r.err == nil {
			merged = append(merged, r.tools...)
		}
	}
	res := &mcp.ListToolsResult{Tools: merged}

	s.mu.Lock()
	f := s.filter
	s.mu.Unlock()
	if f == nil {
		return res, nil
	}
	wrapped := f.WrapListTools(s.NamespaceUUID, func(ctx context.Context, _ *mcp.ListToolsParams) (*mcp.ListToolsResult, error) {
		return res, nil
	})
	return wrapped(ctx, &mcp.ListToolsParams{})
}

// CallTool decodes the server-prefix, routes to the matching participating
// server, and forwards the original tool name and arguments. When a filter
// is installed, an INACTIVE tool short-circuits to an isError result
// without reaching the downstream server.
func (s *Server) CallTool(ctx context.Context, compositeName string, arguments map[string]any) (*mcp.CallToolResult, error) {
	s.mu.Lock()
	f := s.filter
	s.mu.Unlock()
	if f == nil {
		return s.callToolRouted(ctx, compositeName, arguments)
	}
	wrapped := f.WrapCallTool(s.NamespaceUUID, func(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error) {
		return s.callToolRouted(ctx, params.Name, params.Arguments)
	})
	return wrapped(ctx, &mcp.CallToolParams{Name: compositeName, Arguments: arguments})
}

// callToolRouted is the unfiltered routing implementation shared by
// CallTool's filtered and unfiltered paths.
func (s *Server) callToolRouted(ctx context.Context, compositeName string, arguments map[string]any) (*mcp.CallToolResult, error) {
	idx := indexOfDoubleUnderscore(compositeName)
	if idx < 0 {
		return nil, poolerr.New(poolerr.UnknownTool, "", s.SessionID, fmt.Errorf("tool name %q has no server prefix", compositeName))
	}
	prefix, toolName := compositeName[:idx], compositeName[idx+2:]

	for uuid, cfg := range s.servers {
		if serverconfig.Sanitize(cfg.Name) != prefix {
			continue
		}
		sess, err := s.pool.GetSession(ctx, s.SessionID, uuid, cfg)
		if err != nil {
			return nil, poolerr.New(poolerr.DownstreamRequestFailed, cfg.Name, s.SessionID, err)
		}
		res, err := sess.CallTool(ctx, &mcp.CallToolParams{Name: toolName, Arguments: arguments})
		if err != nil {
			return nil, poolerr.New(poolerr.DownstreamRequestFailed, cfg.Name, s.SessionID, err)
		}
		return res, nil
	}
	return nil, poolerr.New(poolerr.UnknownTool, "", s.SessionID, fmt.Errorf("Unknown tool prefix %q", prefix))
}

func indexOfDoubleUnderscore(s string) int {
	for i := 0; i+1 < len(s); i++ {
		if s[i] == '_' && s[i+1] == '_' {
			return i
		}
	}
	return -1
}

// Cleanup closes only the CompositeServer itself; underlying
// ConnectedClients are released when the associated session is cleaned up
// at the McpPool level.
func (s *Server) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// Closed reports whether Cleanup has been called.
func (s *Server) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
