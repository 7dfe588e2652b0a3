// Package warmup implements C9: the startup routine that pre-populates
// idle entries in McpPool and MetaPool before the process starts serving
// traffic.
package warmup

import (
	"context"

	"metamcp/internal/logstore"
	"metamcp/internal/serverconfig"
)

// McpPoolTarget is the subset of mcppool.Pool the warmer needs.
type McpPoolTarget interface {
	EnsureIdleSessions(ctx context.Context, configs map[string]serverconfig.Config)
}

// MetaPoolTarget is the subset of metapool.Pool the warmer needs.
type MetaPoolTarget interface {
	EnsureIdleServers(ctx context.Context, namespaceUUIDs []string, includeInactive bool)
}

// ServerConfigLister enumerates every configured back-end server.
type ServerConfigLister interface {
	ListAll(ctx context.Context) ([]serverconfig.Config, error)
}

// NamespaceLister enumerates every namespace uuid.
type NamespaceLister interface {
	ListAll(ctx context.Context) ([]string, error)
}

// Warmer runs the boot-time idle warm-up sequence.
type Warmer struct {
	mcp        McpPoolTarget
	meta       MetaPoolTarget
	servers    ServerConfigLister
	namespaces NamespaceLister
	logs       *logstore.Store
}

// New builds a Warmer.
func New(mcp McpPoolTarget, meta MetaPoolTarget, servers ServerConfigLister, namespaces NamespaceLister, logs *logstore.Store) *Warmer {
	return &Warmer{mcp: mcp, meta: meta, servers: servers, namespaces: namespaces, logs: logs}
}

// Run lists every ServerConfig and synchronously ensures an idle McpPool
// entry for each, then lists every namespace and ensures an idle
// (includeInactive) MetaPool entry for each. Both phases log failures and
// never abort the rest of startup.
func (w *Warmer) Run(ctx context.Context) {
	cfgs, err := w.servers.ListAll(ctx)
	if err != nil {
		w.logError("failed to list server configs during warm-up", err)
	} else {
		byUUID := make(map[string]serverconfig.Config, len(cfgs))
		for _, c := range cfgs {
			byUUID[c.UUID] = c
		}
		w.mcp.EnsureIdleSessions(ctx, byUUID)
	}

	nss, err := w.namespaces.ListAll(ctx)
	if err != nil {
		w.logError("failed to list namespaces during warm-up", err)
		return
	}
	w.meta.EnsureIdleServers(ctx, nss, true)
}

func (w *Warmer) logError(msg string, err error) {
	if w.logs != nil {
		w.logs.AddLog("", "error", msg, err)
	}
}
