// Package mcppool implements C3: the per-server idle/active connection
// registry, with background idle warm-up and invalidation. The pool does
// not fingerprint or compare configs: a config passed to GetSession for a
// server it already tracks is not checked for changes, and a config change
// reaches the pool only through InvalidateIdleSession.
package mcppool

import (
	"context"
	"sync"
	"time"

	"metamcp/internal/mcpconnect"
	"metamcp/internal/serverconfig"

	"golang.org/x/sync/errgroup"
)

// LogSink receives pool-level diagnostic events. *logstore.Store satisfies
// this.
type LogSink interface {
	AddLog(serverName, level, message string, err error)
}

// Connector is the narrow surface of *mcpconnect.Connector this package
// depends on, so tests can substitute a fake that skips real transports
// and retry delays.
type Connector interface {
	Connect(ctx context.Context, cfg serverconfig.Config) (*mcpconnect.ConnectedClient, error)
}

// Status is the monitoring snapshot returned by GetStatus.
type Status struct {
	IdleCount        int
	ActiveCount      int
	ActiveSessionIDs []string
	IdleServerUUIDs  []string
}

// Pool is the McpPool: one durable connection per configured back-end
// server, a warm idle connection, and zero or more active bindings to
// user sessions.
type Pool struct {
	mu sync.Mutex

	idle           map[string]*mcpconnect.ConnectedClient            // serverUuid -> client
	active         map[string]map[string]*mcpconnect.ConnectedClient // sessionId -> serverUuid -> client
	sessionServers map[string]map[string]struct{}                   // sessionId -> set<serverUuid>
	configs        map[string]serverconfig.Config                   // serverUuid -> last-seen config
	creating       map[string]bool                                  // serverUuid -> build in flight

	connector Connector
	sink      LogSink

	wg sync.WaitGroup
}

// New builds an empty Pool.
func New(conn *mcpconnect.Connector, sink LogSink) *Pool {
	return NewWithConnector(conn, sink)
}

// NewWithConnector builds a Pool against any connector implementation
// (production code always passes a *mcpconnect.Connector; tests may pass a
// fake).
func NewWithConnector(conn Connector, sink LogSink) *Pool {
	return &Pool{
		idle:           map[string]*mcpconnect.ConnectedClient{},
		active:         map[string]map[string]*mcpconnect.ConnectedClient{},
		sessionServers: map[string]map[string]struct{}{},
		configs:        map[string]serverconfig.Config{},
		creating:       map[string]bool{},
		connector:      conn,
		sink:           sink,
	}
}

func (p *Pool) logError(server, msg string, err error) {
	if p.sink != nil {
		p.sink.AddLog(server, "error", msg, err)
	}
}

// build connects to cfg outside any lock.
func (p *Pool) build(ctx context.Context, cfg serverconfig.Config) (*mcpconnect.ConnectedClient, error) {
	cc, err := p.connector.Connect(ctx, cfg)
	if err != nil {
		p.logError(cfg.Name, "failed to build connection", err)
		return nil, err
	}
	return cc, nil
}

// replenishIdle runs a single guarded async build of the idle slot for
// serverUuid, using the most recently stored config. It is a no-op if a
// build is already in flight.
func (p *Pool) replenishIdle(serverUUID string) {
	p.mu.Lock()
	if p.creating[serverUUID] {
		p.mu.Unlock()
		return
	}
	if _, ok := p.idle[serverUUID]; ok {
		p.mu.Unlock()
		return
	}
	cfg, ok := p.configs[serverUUID]
	if !ok {
		p.mu.Unlock()
		return
	}
	p.creating[serverUUID] = true
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		cc, err := p.build(context.Background(), cfg)

		p.mu.Lock()
		delete(p.creating, serverUUID)
		if err != nil {
			p.mu.Unlock()
			return
		}
		_, raced := p.idle[serverUUID]
		if !raced {
			p.idle[serverUUID] = cc
		}
		p.mu.Unlock()

		if raced {
			// Someone else installed an idle entry (or promoted one back in
			// via InvalidateIdleSession) while this build was in flight.
			cc.Cleanup()
		}
	}()
}

// GetSession returns the ConnectedClient for (sessionId, serverUuid),
// building or promoting one as needed.
func (p *Pool) GetSession(ctx context.Context, sessionID, serverUUID string, cfg serverconfig.Config) (*mcpconnect.ConnectedClient, error) {
	p.mu.Lock()
	// Only seed configs on first sight. InvalidateIdleSession/
	// EnsureIdleSessions/EnsureIdleForNewServer are the authoritative
	// writers of config changes; a caller here may be holding an older
	// cfg value than one already invalidated in, and must not revert it.
	if _, known := p.configs[serverUUID]; !known {
		p.configs[serverUUID] = cfg
	}

	if byServer, ok := p.active[sessionID]; ok {
		if cc, ok := byServer[serverUUID]; ok {
			p.mu.Unlock()
			return cc, nil
		}
	}

	if cc, ok := p.idle[serverUUID]; ok {
		delete(p.idle, serverUUID)
		p.installActiveLocked(sessionID, serverUUID, cc)
		p.mu.Unlock()
		p.replenishIdle(serverUUID)
		return cc, nil
	}
	p.mu.Unlock()

	cc, err := p.build(ctx, cfg)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.installActiveLocked(sessionID, serverUUID, cc)
	p.mu.Unlock()
	p.replenishIdle(serverUUID)
	return cc, nil
}

// installActiveLocked must be called with mu held.
func (p *Pool) installActiveLocked(sessionID, serverUUID string, cc *mcpconnect.ConnectedClient) {
	if p.active[sessionID] == nil {
		p.active[sessionID] = map[string]*mcpconnect.ConnectedClient{}
	}
	p.active[sessionID][serverUUID] = cc
	if p.sessionServers[sessionID] == nil {
		p.sessionServers[sessionID] = map[string]struct{}{}
	}
	p.sessionServers[sessionID][serverUUID] = struct{}{}
}

// EnsureIdleSessions synchronously builds an idle entry for every
// serverUuid in configs that doesn't already have one. Used at startup.
func (p *Pool) EnsureIdleSessions(ctx context.Context, configs map[string]serverconfig.Config) {
	g, ctx := errgroup.WithContext(ctx)
	for uuid, cfg := range configs {
		uuid, cfg := uuid, cfg
		p.mu.Lock()
		p.configs[uuid] = cfg
		_, hasIdle := p.idle[uuid]
		p.mu.Unlock()
		if hasIdle {
			continue
		}
		g.Go(func() error {
			cc, err := p.build(ctx, cfg)
			if err != nil {
				return nil // logged; partial failures do not abort startup
			}
			p.mu.Lock()
			if _, raced := p.idle[uuid]; !raced {
				p.idle[uuid] = cc
			} else {
				p.mu.Unlock()
				cc.Cleanup()
				return nil
			}
			p.mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
}

// InvalidateIdleSession updates configs[serverUuid] to newConfig, closes
// and discards any current idle entry, clears the creating flag, then
// synchronously builds a fresh idle entry using newConfig.
func (p *Pool) InvalidateIdleSession(ctx context.Context, serverUUID string, newConfig serverconfig.Config) {
	p.mu.Lock()
	p.configs[serverUUID] = newConfig
	old, hadOld := p.idle[serverUUID]
	delete(p.idle, serverUUID)
	delete(p.creating, serverUUID)
	p.mu.Unlock()

	if hadOld {
		old.Cleanup()
	}

	cc, err := p.build(ctx, newConfig)
	if err != nil {
		return
	}
	p.mu.Lock()
	p.idle[serverUUID] = cc
	p.mu.Unlock()
}

// CleanupIdleSession closes and discards the idle entry for serverUuid and
// removes it from configs/creating. Used when a server is deleted.
func (p *Pool) CleanupIdleSession(serverUUID string) {
	p.mu.Lock()
	old, hadOld := p.idle[serverUUID]
	delete(p.idle, serverUUID)
	delete(p.configs, serverUUID)
	delete(p.creating, serverUUID)
	p.mu.Unlock()

	if hadOld {
		old.Cleanup()
	}
}

// EnsureIdleForNewServer idempotently creates an idle entry for serverUuid
// if none exists and none is being built.
func (p *Pool) EnsureIdleForNewServer(ctx context.Context, serverUUID string, cfg serverconfig.Config) {
	p.mu.Lock()
	p.configs[serverUUID] = cfg
	_, hasIdle := p.idle[serverUUID]
	p.mu.Unlock()
	if hasIdle {
		return
	}
	p.replenishIdle(serverUUID)
}

// CleanupSession closes every active client owned by sessionId in
// parallel, drops the active/sessionServers entries, and schedules async
// idle replenishment for each serverUuid the session had touched.
func (p *Pool) CleanupSession(sessionID string) {
	p.mu.Lock()
	byServer := p.active[sessionID]
	delete(p.active, sessionID)
	delete(p.sessionServers, sessionID)
	p.mu.Unlock()

	if len(byServer) == 0 {
		return
	}

	var wg sync.WaitGroup
	uuids := make([]string, 0, len(byServer))
	for uuid, cc := range byServer {
		uuids = append(uuids, uuid)
		wg.Add(1)
		go func(cc *mcpconnect.ConnectedClient) {
			defer wg.Done()
			cc.Cleanup()
		}(cc)
	}
	wg.Wait()

	for _, uuid := range uuids {
		p.replenishIdle(uuid)
	}
}

// CleanupAll closes all idle and active clients and clears all maps. It is
// the shutdown primitive; callers should invoke it (with a watchdog
// timeout) before process exit.
func (p *Pool) CleanupAll() {
	p.mu.Lock()
	idle := p.idle
	active := p.active
	p.idle = map[string]*mcpconnect.ConnectedClient{}
	p.active = map[string]map[string]*mcpconnect.ConnectedClient{}
	p.sessionServers = map[string]map[string]struct{}{}
	p.creating = map[string]bool{}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, cc := range idle {
		wg.Add(1)
		go func(cc *mcpconnect.ConnectedClient) { defer wg.Done(); cc.Cleanup() }(cc)
	}
	for _, byServer := range active {
		for _, cc := range byServer {
			wg.Add(1)
			go func(cc *mcpconnect.ConnectedClient) { defer wg.Done(); cc.Cleanup() }(cc)
		}
	}
	wg.Wait()
}

// Wait blocks until all in-flight background replenishment builds settle,
// or timeout elapses.
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
	for uuid := range p.idle {
		st.IdleServerUUIDs = append(st.IdleServerUUIDs, uuid)
	}
	for sid, byServer := range p.active {
		st.ActiveCount += len(byServer)
		st.ActiveSessionIDs = append(st.ActiveSessionIDs, sid)
	}
	return st
}
