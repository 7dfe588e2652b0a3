// Package store defines the abstract persistence interfaces the pool core
// consumes: ServerConfigStore, NamespaceStore, ToolStatusStore. Concrete
// implementations live in store/memory and store/postgres.
package store

import (
	"context"

	"metamcp/internal/filtercache"
	"metamcp/internal/serverconfig"
)

// ServerConfigStore resolves ServerConfig values by uuid or by namespace.
type ServerConfigStore interface {
	GetByUUID(ctx context.Context, uuid string) (serverconfig.Config, bool, error)
	ListAll(ctx context.Context) ([]serverconfig.Config, error)
	// ListByNamespace returns the servers participating in namespaceUUID,
	// honoring includeInactive.
	ListByNamespace(ctx context.Context, namespaceUUID string, includeInactive bool) (map[string]serverconfig.Config, error)
}

// NamespaceID identifies one namespace.
type NamespaceID = string

// NamespaceStore enumerates namespaces and their relationship to servers.
type NamespaceStore interface {
	ListAll(ctx context.Context) ([]NamespaceID, error)
	FindNamespacesContainingServer(ctx context.Context, serverUUID string) ([]NamespaceID, error)
}

// ToolStatusStore resolves per-namespace tool enablement.
type ToolStatusStore interface {
	GetStatus(ctx context.Context, namespaceUUID, serverUUID, toolName string) (filtercache.Status, error)
}

// ServerResolverFromStore adapts a ServerConfigStore into a
// filtercache.ServerResolver by resolving a namespace's participating
// servers and matching on sanitized name.
type ServerResolverFromStore struct {
	Servers ServerConfigStore
}

// ResolveSanitizedName implements filtercache.ServerResolver.
func (s *ServerResolverFromStore) ResolveSanitizedName(namespaceUUID, sanitizedName string) (string, bool) {
	cfgs, err := s.Servers.ListByNamespace(context.Background(), namespaceUUID, true)
	if err != nil {
		return "", false
	}
	for uuid, cfg := range cfgs {
		if serverconfig.Sanitize(cfg.Name) == sanitizedName {
			return uuid, true
		}
	}
	return "", false
}
