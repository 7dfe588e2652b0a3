// Package memory provides in-process implementations of the store
// interfaces, used for local development and tests without a Postgres
// dependency.
package memory

import (
	"context"
	"sort"
	"sync"

	"metamcp/internal/filtercache"
	"metamcp/internal/serverconfig"
)

// namespaceServer is one member of a namespace: a server uuid and the
// server's status within that namespace.
type namespaceServer struct {
	serverUUID string
	status     filtercache.Status
}

// ServerConfigStore is an in-memory serverconfig.Config registry.
type ServerConfigStore struct {
	mu      sync.RWMutex
	servers map[string]serverconfig.Config
}

// NewServerConfigStore builds an empty store.
func NewServerConfigStore() *ServerConfigStore {
	return &ServerConfigStore{servers: map[string]serverconfig.Config{}}
}

// Put inserts or replaces cfg.
func (s *ServerConfigStore) Put(cfg serverconfig.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.servers[cfg.UUID] = cfg
}

// Delete removes uuid.
func (s *ServerConfigStore) Delete(uuid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.servers, uuid)
}

// GetByUUID implements store.ServerConfigStore.
func (s *ServerConfigStore) GetByUUID(ctx context.Context, uuid string) (serverconfig.Config, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.servers[uuid]
	return cfg, ok, nil
}

// ListAll implements store.ServerConfigStore.
func (s *ServerConfigStore) ListAll(ctx context.Context) ([]serverconfig.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]serverconfig.Config, 0, len(s.servers))
	for _, cfg := range s.servers {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out, nil
}

// NamespaceStore is an in-memory namespace-to-server membership registry.
type NamespaceStore struct {
	mu      sync.RWMutex
	members map[string][]namespaceServer // namespaceUUID -> servers
	servers *ServerConfigStore
}

// NewNamespaceStore builds an empty store backed by servers for config
// lookups.
func NewNamespaceStore(servers *ServerConfigStore) *NamespaceStore {
	return &NamespaceStore{members: map[string][]namespaceServer{}, servers: servers}
}

// SetMembers replaces the full server list (and per-server status) for ns.
func (n *NamespaceStore) SetMembers(ns string, members map[string]filtercache.Status) {
	n.mu.Lock()
	defer n.mu.Unlock()
	list := make([]namespaceServer, 0, len(members))
	for uuid, status := range members {
		list = append(list, namespaceServer{serverUUID: uuid, status: status})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].serverUUID < list[j].serverUUID })
	n.members[ns] = list
}

// DeleteNamespace removes ns entirely.
func (n *NamespaceStore) DeleteNamespace(ns string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.members, ns)
}

// ListAll implements store.NamespaceStore.
func (n *NamespaceStore) ListAll(ctx context.Context) ([]string, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]string, 0, len(n.members))
	for ns := range n.members {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out, nil
}

// FindNamespacesContainingServer implements store.NamespaceStore.
func (n *NamespaceStore) FindNamespacesContainingServer(ctx context.Context, serverUUID string) ([]string, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	var out []string
	for ns, members := range n.members {
		for _, m := range members {
			if m.serverUUID == serverUUID {
				out = append(out, ns)
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

// ListByNamespace resolves the ServerConfigs participating in ns, honoring
// includeInactive. This is the concrete method store.ServerResolverFromStore
// and metapool.ServerLister call through a small adapter (see Combined).
func (n *NamespaceStore) ListByNamespace(ctx context.Context, namespaceUUID string, includeInactive bool) (map[string]serverconfig.Config, error) {
	n.mu.RLock()
	members := append([]namespaceServer(nil), n.members[namespaceUUID]...)
	n.mu.RUnlock()

	out := map[string]serverconfig.Config{}
	for _, m := range members {
		if m.status == filtercache.StatusInactive && !includeInactive {
			continue
		}
		cfg, ok, err := n.servers.GetByUUID(ctx, m.serverUUID)
		if err != nil {
			return nil, err
		}
		if ok {
			out[m.serverUUID] = cfg
		}
	}
	return out, nil
}

// ToolStatusStore is an in-memory per-(namespace,server,tool) status
// registry.
type ToolStatusStore struct {
	mu   sync.RWMutex
	tool map[[3]string]filtercache.Status // [namespaceUUID, serverUUID, toolName]
}

// NewToolStatusStore builds an empty store.
func NewToolStatusStore() *ToolStatusStore {
	return &ToolStatusStore{tool: map[[3]string]filtercache.Status{}}
}

// SetStatus records the status of one (namespace, server, tool) triple.
func (t *ToolStatusStore) SetStatus(namespaceUUID, serverUUID, toolName string, status filtercache.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tool[[3]string{namespaceUUID, serverUUID, toolName}] = status
}

// GetStatus implements store.ToolStatusStore. Absence of a mapping is
// reported via filtercache.StatusAbsent so callers can fail open per §4.3.
func (t *ToolStatusStore) GetStatus(ctx context.Context, namespaceUUID, serverUUID, toolName string) (filtercache.Status, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	status, ok := t.tool[[3]string{namespaceUUID, serverUUID, toolName}]
	if !ok {
		return filtercache.StatusAbsent, nil
	}
	return status, nil
}

// Combined aggregates ServerConfigStore and NamespaceStore into a single
// value implementing store.ServerConfigStore in full (GetByUUID/ListAll
// from Servers, ListByNamespace from Namespaces). Callers that need one
// handle satisfying both store.ServerConfigStore and metapool.ServerLister
// should use this instead of the two stores separately.
type Combined struct {
	Servers    *ServerConfigStore
	Namespaces *NamespaceStore
}

// NewCombined builds a Combined store sharing the given servers registry
// with a fresh namespace membership registry.
func NewCombined(servers *ServerConfigStore) *Combined {
	return &Combined{Servers: servers, Namespaces: NewNamespaceStore(servers)}
}

func (c *Combined) GetByUUID(ctx context.Context, uuid string) (serverconfig.Config, bool, error) {
	return c.Servers.GetByUUID(ctx, uuid)
}

func (c *Combined) ListAll(ctx context.Context) ([]serverconfig.Config, error) {
	return c.Servers.ListAll(ctx)
}

func (c *Combined) ListByNamespace(ctx context.Context, namespaceUUID string, includeInactive bool) (map[string]serverconfig.Config, error) {
	return c.Namespaces.ListByNamespace(ctx, namespaceUUID, includeInactive)
}
