package warmup

import (
	"context"
	"errors"
	"testing"

	"metamcp/internal/serverconfig"
)

type fakeMcpPool struct {
	got map[string]serverconfig.Config
}

func (f *fakeMcpPool) EnsureIdleSessions(ctx context.Context, configs map[string]serverconfig.Config) {
	f.got = configs
}

type fakeMetaPool struct {
	gotNS              []string
	gotIncludeInactive bool
}

func (f *fakeMetaPool) EnsureIdleServers(ctx context.Context, namespaceUUIDs []string, includeInactive bool) {
	f.gotNS = namespaceUUIDs
	f.gotIncludeInactive = includeInactive
}

type fakeServers struct {
	cfgs []serverconfig.Config
	err  error
}

func (f *fakeServers) ListAll(ctx context.Context) ([]serverconfig.Config, error) { return f.cfgs, f.err }

type fakeNamespaces struct {
	ids []string
	err error
}

func (f *fakeNamespaces) ListAll(ctx context.Context) ([]string, error) { return f.ids, f.err }

func TestRunWarmsBothPools(t *testing.T) {
	mcp := &fakeMcpPool{}
	meta := &fakeMetaPool{}
	servers := &fakeServers{cfgs: []serverconfig.Config{{UUID: "s1"}, {UUID: "s2"}}}
	namespaces := &fakeNamespaces{ids: []string{"ns1", "ns2"}}

	w := New(mcp, meta, servers, namespaces, nil)
	w.Run(context.Background())

	if len(mcp.got) != 2 {
		t.Fatalf("expected EnsureIdleSessions with 2 configs, got %d", len(mcp.got))
	}
	if len(meta.gotNS) != 2 || !meta.gotIncludeInactive {
		t.Fatalf("expected EnsureIdleServers([ns1 ns2], includeInactive=true), got %v %v", meta.gotNS, meta.gotIncludeInactive)
	}
}

func TestRunToleratesServerListFailure(t *testing.T) {
	mcp := &fakeMcpPool{}
	meta := &fakeMetaPool{}
	servers := &fakeServers{err: errors.New("db down")}
	namespaces := &fakeNamespaces{ids: []string{"ns1"}}

	w := New(mcp, meta, servers, namespaces, nil)
	w.Run(context.Background())

	if mcp.got != nil {
		t.Fatalf("expected EnsureIdleSessions not to be called on list failure")
	}
	if len(meta.gotNS) != 1 {
		t.Fatalf("expected namespace warm-up to still run after server list failure, got %v", meta.gotNS)
	}
}

func TestRunAbortsOnNamespaceListFailure(t *testing.T) {
	mcp := &fakeMcpPool{}
	meta := &fakeMetaPool{}
	servers := &fakeServers{cfgs: []serverconfig.Config{{UUID: "s1"}}}
	namespaces := &fakeNamespaces{err: errors.New("db down")}

	w := New(mcp, meta, servers, namespaces, nil)
	w.Run(context.Background())

	if len(mcp.got) != 1 {
		t.Fatalf("expected server warm-up to still have run")
	}
	if meta.gotNS != nil {
		t.Fatalf("expected namespace warm-up to be skipped after list failure")
	}
}
