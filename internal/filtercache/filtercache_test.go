package filtercache

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type fakeSource struct {
	calls  int
	status map[string]Status
	err    error
}

func (f *fakeSource) GetStatus(ctx context.Context, ns, server, tool string) (Status, error) {
	f.calls++
	if f.err != nil {
		return StatusAbsent, f.err
	}
	if st, ok := f.status[ns+"|"+server+"|"+tool]; ok {
		return st, nil
	}
	return StatusAbsent, nil
}

type fakeResolver struct {
	names map[string]string // sanitizedName -> serverUUID
}

func (r *fakeResolver) ResolveSanitizedName(ns, name string) (string, bool) {
	u, ok := r.names[name]
	return u, ok
}

func TestDecodeToolName(t *testing.T) {
	s, tname, ok := DecodeToolName("alpha__x")
	if !ok || s != "alpha" || tname != "x" {
		t.Fatalf("got %q %q %v", s, tname, ok)
	}
	if _, _, ok := DecodeToolName("noseparator"); ok {
		t.Fatalf("expected ok=false for missing separator")
	}
	// first "__" wins when the tool name itself contains "__".
	s, tname, ok = DecodeToolName("alpha__x__y")
	if !ok || s != "alpha" || tname != "x__y" {
		t.Fatalf("got %q %q %v", s, tname, ok)
	}
}

func TestCacheTTLExpiry(t *testing.T) {
	src := &fakeSource{status: map[string]Status{"ns|s1|t1": StatusInactive}}
	c := New(10*time.Millisecond, src)

	st, err := c.Get(context.Background(), "ns", "s1", "t1")
	if err != nil || st != StatusInactive {
		t.Fatalf("got %v %v", st, err)
	}
	if src.calls != 1 {
		t.Fatalf("expected 1 store call, got %d", src.calls)
	}
	// second call within TTL hits cache.
	_, _ = c.Get(context.Background(), "ns", "s1", "t1")
	if src.calls != 1 {
		t.Fatalf("expected cache hit, got %d store calls", src.calls)
	}

	time.Sleep(15 * time.Millisecond)
	_, _ = c.Get(context.Background(), "ns", "s1", "t1")
	if src.calls != 2 {
		t.Fatalf("expected expiry to trigger a second store call, got %d", src.calls)
	}
}

func TestClearByNamespace(t *testing.T) {
	src := &fakeSource{status: map[string]Status{"ns1|s|t": StatusActive, "ns2|s|t": StatusActive}}
	c := New(time.Minute, src)
	_, _ = c.Get(context.Background(), "ns1", "s", "t")
	_, _ = c.Get(context.Background(), "ns2", "s", "t")

	c.Clear("ns1")
	_, _ = c.Get(context.Background(), "ns1", "s", "t")
	_, _ = c.Get(context.Background(), "ns2", "s", "t")
	if src.calls != 3 {
		t.Fatalf("expected ns1 to be re-fetched after Clear, got %d calls", src.calls)
	}
}

func TestWrapListToolsDropsInactive(t *testing.T) {
	src := &fakeSource{status: map[string]Status{"ns|s1|y": StatusInactive}}
	f := &Filter{
		Cache:   New(time.Minute, src),
		Servers: &fakeResolver{names: map[string]string{"alpha": "s1"}},
	}
	inner := func(ctx context.Context, params *mcp.ListToolsParams) (*mcp.ListToolsResult, error) {
		return &mcp.ListToolsResult{Tools: []*mcp.Tool{
			{Name: "alpha__x"},
			{Name: "alpha__y"},
		}}, nil
	}
	wrapped := f.WrapListTools("ns", inner)
	res, err := wrapped(context.Background(), &mcp.ListToolsParams{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Tools) != 1 || res.Tools[0].Name != "alpha__x" {
		t.Fatalf("expected only alpha__x to survive, got %+v", res.Tools)
	}
}

func TestWrapCallToolBlocksInactive(t *testing.T) {
	src := &fakeSource{status: map[string]Status{"ns|s1|y": StatusInactive}}
	f := &Filter{
		Cache:   New(time.Minute, src),
		Servers: &fakeResolver{names: map[string]string{"alpha": "s1"}},
	}
	called := false
	inner := func(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error) {
		called = true
		return &mcp.CallToolResult{}, nil
	}
	wrapped := f.WrapCallTool("ns", inner)
	res, err := wrapped(context.Background(), &mcp.CallToolParams{Name: "alpha__y"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called {
		t.Fatalf("inner handler should not be invoked for an inactive tool")
	}
	if !res.IsError {
		t.Fatalf("expected isError result")
	}
	text := res.Content[0].(*mcp.TextContent).Text
	if !regexp.MustCompile(`(?i)inactive`).MatchString(text) {
		t.Fatalf("expected message to mention inactive, got %q", text)
	}
}

func TestWrapCallToolFailOpenOnNoMapping(t *testing.T) {
	src := &fakeSource{}
	f := &Filter{
		Cache:   New(time.Minute, src),
		Servers: &fakeResolver{names: map[string]string{"alpha": "s1"}},
	}
	called := false
	inner := func(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error) {
		called = true
		return &mcp.CallToolResult{}, nil
	}
	wrapped := f.WrapCallTool("ns", inner)
	if _, err := wrapped(context.Background(), &mcp.CallToolParams{Name: "alpha__unknown"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatalf("expected fail-open to delegate to inner handler")
	}
}
