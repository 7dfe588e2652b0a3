package mcppool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"metamcp/internal/mcpconnect"
	"metamcp/internal/serverconfig"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type fakeSession struct {
	closed int32
}

func (f *fakeSession) ListTools(ctx context.Context, params *mcp.ListToolsParams) (*mcp.ListToolsResult, error) {
	return &mcp.ListToolsResult{}, nil
}
func (f *fakeSession) CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error) {
	return &mcp.CallToolResult{}, nil
}
func (f *fakeSession) Close() error {
	atomic.AddInt32(&f.closed, 1)
	return nil
}

type fakeConnector struct {
	mu        sync.Mutex
	built     int
	buildErr  error
	buildFunc func(cfg serverconfig.Config) (*mcpconnect.ConnectedClient, error)
}

func (f *fakeConnector) Connect(ctx context.Context, cfg serverconfig.Config) (*mcpconnect.ConnectedClient, error) {
	f.mu.Lock()
	f.built++
	f.mu.Unlock()
	if f.buildFunc != nil {
		return f.buildFunc(cfg)
	}
	if f.buildErr != nil {
		return nil, f.buildErr
	}
	return &mcpconnect.ConnectedClient{ServerUUID: cfg.UUID, Session: &fakeSession{}}, nil
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %s", timeout)
	}
}

func TestScenarioA_IdlePromote(t *testing.T) {
	fc := &fakeConnector{}
	p := NewWithConnector(fc, nil)
	cfg := serverconfig.Config{UUID: "s1", Kind: serverconfig.KindSTDIO, Command: "x"}

	p.EnsureIdleSessions(context.Background(), map[string]serverconfig.Config{"s1": cfg})
	if st := p.GetStatus(); st.IdleCount != 1 {
		t.Fatalf("expected idle == 1, got %d", st.IdleCount)
	}

	p.mu.Lock()
	wantCC := p.idle["s1"]
	p.mu.Unlock()

	cc, err := p.GetSession(context.Background(), "sess-1", "s1", cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cc != wantCC {
		t.Fatalf("expected GetSession to return the exact previously-idle client")
	}

	st := p.GetStatus()
	if st.IdleCount != 0 {
		t.Fatalf("expected idle == 0 immediately after promote, got %d", st.IdleCount)
	}
	if st.ActiveCount != 1 {
		t.Fatalf("expected active == 1, got %d", st.ActiveCount)
	}

	waitFor(t, 200*time.Millisecond, func() bool { return p.GetStatus().IdleCount == 1 })
}

func TestScenarioB_CleanupOnSessionClose(t *testing.T) {
	fc := &fakeConnector{}
	p := NewWithConnector(fc, nil)
	cfg := serverconfig.Config{UUID: "s1", Kind: serverconfig.KindSTDIO, Command: "x"}
	p.EnsureIdleSessions(context.Background(), map[string]serverconfig.Config{"s1": cfg})

	cc, err := p.GetSession(context.Background(), "sess-1", "s1", cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fs := cc.Session.(*fakeSession)

	p.CleanupSession("sess-1")

	if st := p.GetStatus(); st.ActiveCount != 0 {
		t.Fatalf("expected active empty after cleanup, got %d", st.ActiveCount)
	}
	if atomic.LoadInt32(&fs.closed) != 1 {
		t.Fatalf("expected cleanup exactly once, got %d", fs.closed)
	}
	waitFor(t, 200*time.Millisecond, func() bool { return p.GetStatus().IdleCount == 1 })
}

func TestScenarioC_InvalidateOnConfigChange(t *testing.T) {
	fc := &fakeConnector{}
	p := NewWithConnector(fc, nil)
	cfg := serverconfig.Config{UUID: "s1", Kind: serverconfig.KindSTDIO, Command: "x", Args: []string{"a"}}
	p.EnsureIdleSessions(context.Background(), map[string]serverconfig.Config{"s1": cfg})

	p.mu.Lock()
	oldCC := p.idle["s1"]
	p.mu.Unlock()
	oldSession := oldCC.Session.(*fakeSession)

	cfgPrime := cfg
	cfgPrime.Args = []string{"a", "--extra"}
	p.InvalidateIdleSession(context.Background(), "s1", cfgPrime)

	if atomic.LoadInt32(&oldSession.closed) != 1 {
		t.Fatalf("expected old idle client to be cleaned up exactly once")
	}

	// Caller still has the stale cfg; GetSession uses the caller-supplied
	// config for the build it performs (caller is authoritative for its own
	// session), but the pool's stored config for replenishment is cfgPrime.
	if _, err := p.GetSession(context.Background(), "sess-2", "s1", cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	p.mu.Lock()
	stored := p.configs["s1"]
	p.mu.Unlock()
	if len(stored.Args) != 2 {
		t.Fatalf("expected stored config to be the invalidated cfgPrime, got %+v", stored)
	}
}

func TestNoDoubleOwnership(t *testing.T) {
	fc := &fakeConnector{}
	p := NewWithConnector(fc, nil)
	cfg := serverconfig.Config{UUID: "s1", Kind: serverconfig.KindSTDIO, Command: "x"}
	p.EnsureIdleSessions(context.Background(), map[string]serverconfig.Config{"s1": cfg})

	cc, err := p.GetSession(context.Background(), "sess-1", "s1", cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	p.mu.Lock()
	_, stillIdle := p.idle["s1"]
	p.mu.Unlock()
	if stillIdle {
		t.Fatalf("client must not be reachable through both idle and active")
	}
	_ = cc
}

func TestBuildFailureLeavesNoIdleEntry(t *testing.T) {
	fc := &fakeConnector{buildErr: context.DeadlineExceeded}
	p := NewWithConnector(fc, nil)
	cfg := serverconfig.Config{UUID: "s1", Kind: serverconfig.KindSTDIO, Command: "x"}

	_, err := p.GetSession(context.Background(), "sess-1", "s1", cfg)
	if err == nil {
		t.Fatalf("expected an error")
	}
	if st := p.GetStatus(); st.IdleCount != 0 || st.ActiveCount != 0 {
		t.Fatalf("expected no idle or active entries on build failure, got %+v", st)
	}
}

func TestCleanupAllClosesEverything(t *testing.T) {
	fc := &fakeConnector{}
	p := NewWithConnector(fc, nil)
	cfg := serverconfig.Config{UUID: "s1", Kind: serverconfig.KindSTDIO, Command: "x"}
	p.EnsureIdleSessions(context.Background(), map[string]serverconfig.Config{"s1": cfg})
	cc, _ := p.GetSession(context.Background(), "sess-1", "s1", cfg)
	fs := cc.Session.(*fakeSession)

	p.CleanupAll()

	if atomic.LoadInt32(&fs.closed) != 1 {
		t.Fatalf("expected active client cleaned up by CleanupAll")
	}
	if st := p.GetStatus(); st.IdleCount != 0 || st.ActiveCount != 0 {
		t.Fatalf("expected empty status after CleanupAll, got %+v", st)
	}
}
