// Package invalidation implements C7: the router translating store
// mutations into precise McpPool/MetaPool refresh calls. It is
// fire-and-forget from the caller's perspective — every error is logged,
// never surfaced, since the store mutation that triggered it has already
// committed.
package invalidation

import (
	"context"

	"metamcp/internal/logstore"
	"metamcp/internal/serverconfig"
	"metamcp/internal/store"
)

// McpPoolTarget is the subset of mcppool.Pool the router needs.
type McpPoolTarget interface {
	EnsureIdleForNewServer(ctx context.Context, serverUUID string, cfg serverconfig.Config)
	InvalidateIdleSession(ctx context.Context, serverUUID string, newConfig serverconfig.Config)
	CleanupIdleSession(serverUUID string)
}

// MetaPoolTarget is the subset of metapool.Pool the router needs.
type MetaPoolTarget interface {
	EnsureIdleForNewNamespace(namespaceUUID string)
	InvalidateIdleServer(ctx context.Context, namespaceUUID string)
	InvalidateIdleServers(ctx context.Context, namespaceUUIDs []string)
	CleanupIdleServer(namespaceUUID string)
	InvalidateOpenApiSessions(ctx context.Context, namespaceUUIDs []string)
}

// FilterCacheTarget is the subset of filtercache.Cache the router needs.
type FilterCacheTarget interface {
	Clear(namespaceUUID string)
}

// Broadcaster propagates a mutation event to other process instances.
// internal/invalidation/broadcast.go's RedisBroadcaster satisfies this; it
// is optional and may be nil.
type Broadcaster interface {
	Publish(ctx context.Context, ev Event) error
}

// Kind enumerates the store mutations the router reacts to.
type Kind string

const (
	ServerCreated           Kind = "server_created"
	ServerConfigUpdated     Kind = "server_config_updated"
	ServerDeleted           Kind = "server_deleted"
	NamespaceCreated        Kind = "namespace_created"
	NamespaceServersUpdated Kind = "namespace_servers_updated"
	NamespaceDeleted        Kind = "namespace_deleted"
	ServerStatusToggled     Kind = "server_status_toggled"
	ToolStatusToggled       Kind = "tool_status_toggled"
	ToolsBulkRefreshed      Kind = "tools_bulk_refreshed"
)

// Event describes one store mutation, carrying only what the router needs
// to resolve affected namespaces and pool calls. ServerUUID/ServerConfig
// are populated for server-scoped mutations; NamespaceUUID for
// namespace-scoped ones.
type Event struct {
	Kind          Kind
	ServerUUID    string
	ServerConfig  serverconfig.Config
	NamespaceUUID string
}

// Router dispatches Events into McpPool/MetaPool/FilterCache calls and
// optionally rebroadcasts them to other instances.
type Router struct {
	mcp         McpPoolTarget
	meta        MetaPoolTarget
	filters     FilterCacheTarget
	namespaces  store.NamespaceStore
	logs        *logstore.Store
	broadcaster Broadcaster
}

// New builds a Router. filters and broadcaster may be nil.
func New(mcp McpPoolTarget, meta MetaPoolTarget, namespaces store.NamespaceStore, filters FilterCacheTarget, logs *logstore.Store, broadcaster Broadcaster) *Router {
	return &Router{mcp: mcp, meta: meta, filters: filters, namespaces: namespaces, logs: logs, broadcaster: broadcaster}
}

func (r *Router) logError(server, msg string, err error) {
	if r.logs != nil {
		r.logs.AddLog(server, "error", msg, err)
	}
}

// Dispatch applies ev locally per the §4.6 mutation table, then, if a
// broadcaster is configured, publishes it for other instances to apply via
// Apply. Errors are logged, never returned to the caller.
func (r *Router) Dispatch(ctx context.Context, ev Event) {
	r.Apply(ctx, ev)
	if r.broadcaster != nil {
		if err := r.broadcaster.Publish(ctx, ev); err != nil {
			r.logError(ev.ServerUUID, "failed to broadcast invalidation event", err)
		}
	}
}

// Apply performs only the local pool calls for ev, without broadcasting.
// Used both by Dispatch and by the broadcast subscriber applying events
// that originated on another instance.
func (r *Router) Apply(ctx context.Context, ev Event) {
	switch ev.Kind {
	case ServerCreated:
		r.mcp.EnsureIdleForNewServer(ctx, ev.ServerUUID, ev.ServerConfig)

	case ServerConfigUpdated:
		r.mcp.InvalidateIdleSession(ctx, ev.ServerUUID, ev.ServerConfig)
		ns := r.affectedNamespaces(ctx, ev.ServerUUID)
		r.meta.InvalidateIdleServers(ctx, ns)
		r.meta.InvalidateOpenApiSessions(ctx, ns)

	case ServerDeleted:
		ns := r.affectedNamespaces(ctx, ev.ServerUUID)
		r.mcp.CleanupIdleSession(ev.ServerUUID)
		r.meta.InvalidateIdleServers(ctx, ns)
		r.meta.InvalidateOpenApiSessions(ctx, ns)

	case NamespaceCreated:
		r.meta.EnsureIdleForNewNamespace(ev.NamespaceUUID)

	case NamespaceServersUpdated, ServerStatusToggled:
		r.meta.InvalidateIdleServer(ctx, ev.NamespaceUUID)
		r.meta.InvalidateOpenApiSessions(ctx, []string{ev.NamespaceUUID})

	case NamespaceDeleted:
		r.meta.CleanupIdleServer(ev.NamespaceUUID)
		r.meta.InvalidateOpenApiSessions(ctx, []string{ev.NamespaceUUID})

	case ToolStatusToggled:
		if r.filters != nil {
			r.filters.Clear(ev.NamespaceUUID)
		}

	case ToolsBulkRefreshed:
		r.meta.InvalidateIdleServer(ctx, ev.NamespaceUUID)
		r.meta.InvalidateOpenApiSessions(ctx, []string{ev.NamespaceUUID})
		if r.filters != nil {
			r.filters.Clear(ev.NamespaceUUID)
		}

	default:
		r.logError(ev.ServerUUID, "unknown invalidation event kind", nil)
	}
}

func (r *Router) affectedNamespaces(ctx context.Context, serverUUID string) []string {
	if r.namespaces == nil {
		return nil
	}
	ns, err := r.namespaces.FindNamespacesContainingServer(ctx, serverUUID)
	if err != nil {
		r.logError(serverUUID, "failed to resolve affected namespaces", err)
		return nil
	}
	return ns
}
