// Package metapool implements C6: the per-namespace idle/active
// CompositeServer registry, with the same structural design as McpPool,
// plus a dedicated deterministic "OpenAPI" session.
package metapool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"metamcp/internal/composite"
	"metamcp/internal/filtercache"
	"metamcp/internal/logstore"
	"metamcp/internal/mcppool"
	"metamcp/internal/serverconfig"
)

// ServerLister resolves the servers participating in a namespace.
// store.ServerConfigStore satisfies this.
type ServerLister interface {
	ListByNamespace(ctx context.Context, namespaceUUID string, includeInactive bool) (map[string]serverconfig.Config, error)
}

// poolAdapter lets *mcppool.Pool satisfy composite.SessionSource by
// projecting ConnectedClient down to its Session.
type poolAdapter struct {
	pool *mcppool.Pool
}

func (a *poolAdapter) GetSession(ctx context.Context, sessionID, serverUUID string, cfg serverconfig.Config) (composite.Session, error) {
	cc, err := a.pool.GetSession(ctx, sessionID, serverUUID, cfg)
	if err != nil {
		return nil, err
	}
	return cc.Session, nil
}

// Status is the monitoring snapshot for MetaPool.
type Status struct {
	IdleCount            int
	ActiveCount          int
	ActiveSessionIDs     []string
	IdleNamespaceUUIDs   []string
}

// Pool is the MetaPool.
type Pool struct {
	mu sync.Mutex

	idle             map[string]*composite.Server // namespaceUuid -> server
	active           map[string]*composite.Server // sessionId -> server
	sessionNamespace map[string]string            // sessionId -> namespaceUuid
	creating         map[string]bool              // namespaceUuid -> build in flight

	servers ServerLister
	mcp     *mcppool.Pool
	adapter *poolAdapter
	logs    *logstore.Store
	filter  *filtercache.Filter

	openapiSeq int64
	wg         sync.WaitGroup
}

// New builds an empty MetaPool. filter may be nil, in which case every
// CompositeServer built by this pool serves tools/list and tools/call
// unfiltered.
func New(servers ServerLister, mcpPool *mcppool.Pool, logs *logstore.Store, filter *filtercache.Filter) *Pool {
	return &Pool{
		idle:             map[string]*composite.Server{},
		active:           map[string]*composite.Server{},
		sessionNamespace: map[string]string{},
		creating:         map[string]bool{},
		servers:          servers,
		mcp:              mcpPool,
		adapter:          &poolAdapter{pool: mcpPool},
		logs:             logs,
		filter:           filter,
	}
}

func (p *Pool) build(ctx context.Context, namespaceUUID, sessionID string, includeInactive bool) (*composite.Server, error) {
	servers, err := p.servers.ListByNamespace(ctx, namespaceUUID, includeInactive)
	if err != nil {
		if p.logs != nil {
			p.logs.AddLog(namespaceUUID, "error", "failed to list namespace servers", err)
		}
		return nil, err
	}
	cs := composite.New(namespaceUUID, sessionID, servers, p.adapter, p.logs)
	cs.SetFilter(p.filter)
	return cs, nil
}

func (p *Pool) replenishIdle(namespaceUUID string) {
	p.mu.Lock()
	if p.creating[namespaceUUID] {
		p.mu.Unlock()
		return
	}
	if _, ok := p.idle[namespaceUUID]; ok {
		p.mu.Unlock()
		return
	}
	p.creating[namespaceUUID] = true
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		cs, err := p.build(context.Background(), namespaceUUID, idleSessionID(namespaceUUID), false)

		p.mu.Lock()
		delete(p.creating, namespaceUUID)
		if err != nil {
			p.mu.Unlock()
			return
		}
		_, raced := p.idle[namespaceUUID]
		if !raced {
			p.idle[namespaceUUID] = cs
		}
		p.mu.Unlock()

		if raced {
			cs.Cleanup()
		}
	}()
}

var idleMonotonic int64

func idleSessionID(namespaceUUID string) string {
	idleMonotonic++
	return fmt.Sprintf("idle_%s_%d", namespaceUUID, idleMonotonic)
}

// GetServer returns the CompositeServer bound to (sessionId, namespaceUuid),
// building or promoting one as needed.
func (p *Pool) GetServer(ctx context.Context, sessionID, namespaceUUID string, includeInactive bool) (*composite.Server, error) {
	p.mu.Lock()
	if cs, ok := p.active[sessionID]; ok {
		p.mu.Unlock()
		return cs, nil
	}
	if cs, ok := p.idle[namespaceUUID]; ok {
		delete(p.idle, namespaceUUID)
		p.active[sessionID] = cs
		p.sessionNamespace[sessionID] = namespaceUUID
		p.mu.Unlock()
		p.replenishIdle(namespaceUUID)
		return cs, nil
	}
	p.mu.Unlock()

	cs, err := p.build(ctx, namespaceUUID, sessionID, includeInactive)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.active[sessionID] = cs
	p.sessionNamespace[sessionID] = namespaceUUID
	p.mu.Unlock()
	p.replenishIdle(namespaceUUID)
	return cs, nil
}

// EnsureIdleServers synchronously builds an idle CompositeServer for every
// namespace in namespaceUUIDs without one, honoring includeInactive. Used
// at startup.
func (p *Pool) EnsureIdleServers(ctx context.Context, namespaceUUIDs []string, includeInactive bool) {
	var wg sync.WaitGroup
	for _, ns := range namespaceUUIDs {
		ns := ns
		p.mu.Lock()
		_, hasIdle := p.idle[ns]
		p.mu.Unlock()
		if hasIdle {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			cs, err := p.build(ctx, ns, idleSessionID(ns), includeInactive)
			if err != nil {
				return
			}
			p.mu.Lock()
			if _, raced := p.idle[ns]; !raced {
				p.idle[ns] = cs
			} else {
				p.mu.Unlock()
				cs.Cleanup()
				return
			}
			p.mu.Unlock()
		}()
	}
	wg.Wait()
}

// EnsureIdleForNewNamespace idempotently creates an idle entry for ns.
func (p *Pool) EnsureIdleForNewNamespace(ns string) {
	p.mu.Lock()
	_, hasIdle := p.idle[ns]
	p.mu.Unlock()
	if hasIdle {
		return
	}
	p.replenishIdle(ns)
}

// InvalidateIdleServer closes and discards the idle entry for ns (if any),
// clears the creating flag, and synchronously builds a fresh one.
func (p *Pool) InvalidateIdleServer(ctx context.Context, ns string) {
	p.mu.Lock()
	old, hadOld := p.idle[ns]
	delete(p.idle, ns)
	delete(p.creating, ns)
	p.mu.Unlock()

	if hadOld {
		old.Cleanup()
	}

	cs, err := p.build(ctx, ns, idleSessionID(ns), false)
	if err != nil {
		return
	}
	p.mu.Lock()
	p.idle[ns] = cs
	p.mu.Unlock()
}

// InvalidateIdleServers invalidates each namespace in nss.
func (p *Pool) InvalidateIdleServers(ctx context.Context, nss []string) {
	for _, ns := range nss {
		p.InvalidateIdleServer(ctx, ns)
	}
}

// CleanupIdleServer closes and discards the idle entry for ns. Used when a
// namespace is deleted.
func (p *Pool) CleanupIdleServer(ns string) {
	p.mu.Lock()
	old, hadOld := p.idle[ns]
	delete(p.idle, ns)
	delete(p.creating, ns)
	p.mu.Unlock()
	if hadOld {
		old.Cleanup()
	}
}

// CleanupSession releases the CompositeServer bound to sessionId and also
// calls McpPool.CleanupSession(sessionId) so the two levels stay coherent.
func (p *Pool) CleanupSession(sessionID string) {
	p.mu.Lock()
	cs, ok := p.active[sessionID]
	ns := p.sessionNamespace[sessionID]
	delete(p.active, sessionID)
	delete(p.sessionNamespace, sessionID)
	p.mu.Unlock()

	if ok {
		cs.Cleanup()
		p.replenishIdle(ns)
	}
	p.mcp.CleanupSession(sessionID)
}

// CleanupAll closes all idle and active CompositeServers and clears all
// maps.
func (p *Pool) CleanupAll() {
	p.mu.Lock()
	idle := p.idle
	active := p.active
	p.idle = map[string]*composite.Server{}
	p.active = map[string]*composite.Server{}
	p.sessionNamespace = map[string]string{}
	p.creating = map[string]bool{}
	p.mu.Unlock()

	for _, cs := range idle {
		cs.Cleanup()
	}
	for _, cs := range active {
		cs.Cleanup()
	}
}

// GetOpenApiServer returns the dedicated OpenAPI CompositeServer for ns,
// using the deterministic sessionId openapi_<ns>. The entry lives in
// active and is never auto-reclaimed.
func (p *Pool) GetOpenApiServer(ctx context.Context, ns string) (*composite.Server, error) {
	sid := openapiSessionID(ns)
	p.mu.Lock()
	if cs, ok := p.active[sid]; ok {
		p.mu.Unlock()
		return cs, nil
	}
	p.mu.Unlock()

	cs, err := p.build(ctx, ns, sid, true)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.active[sid] = cs
	p.sessionNamespace[sid] = ns
	p.mu.Unlock()
	return cs, nil
}

// InvalidateOpenApiSessions closes the existing OpenAPI entry for each ns
// in nss and builds a fresh one.
func (p *Pool) InvalidateOpenApiSessions(ctx context.Context, nss []string) {
	for _, ns := range nss {
		sid := openapiSessionID(ns)
		p.mu.Lock()
		old, hadOld := p.active[sid]
		delete(p.active, sid)
		p.mu.Unlock()
		if hadOld {
			old.Cleanup()
		}

		cs, err := p.build(ctx, ns, sid, true)
		if err != nil {
			continue
		}
		p.mu.Lock()
		p.active[sid] = cs
		p.sessionNamespace[sid] = ns
		p.mu.Unlock()
	}
}

func openapiSessionID(ns string) string {
	return "openapi_" + ns
}

// Wait blocks until in-flight background builds settle, or timeout elapses.
func (p *Pool) Wait(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
	}
}

// GetStatus returns a monitoring snapshot.
func (p *Pool) GetStatus() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Status{IdleCount: len(p.idle)}
	for ns := range p.idle {
		st.IdleNamespaceUUIDs = append(st.IdleNamespaceUUIDs, ns)
	}
	for sid := range p.active {
		st.ActiveCount++
		st.ActiveSessionIDs = append(st.ActiveSessionIDs, sid)
	}
	return st
}
