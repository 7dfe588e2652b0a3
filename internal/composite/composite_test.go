package composite

import (
	"context"
	"errors"
	"testing"

	"metamcp/internal/filtercache"
	"metamcp/internal/poolerr"
	"metamcp/internal/serverconfig"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type fakeStatusSource struct {
	inactive map[[3]string]bool
}

func (f *fakeStatusSource) GetStatus(ctx context.Context, namespaceUUID, serverUUID, toolName string) (filtercache.Status, error) {
	if f.inactive[[3]string{namespaceUUID, serverUUID, toolName}] {
		return filtercache.StatusInactive, nil
	}
	return filtercache.StatusActive, nil
}

type fakeResolver struct {
	byName map[string]string // sanitized name -> serverUuid
}

func (f *fakeResolver) ResolveSanitizedName(namespaceUUID, sanitizedName string) (string, bool) {
	uuid, ok := f.byName[sanitizedName]
	return uuid, ok
}

type fakeSession struct {
	name     string
	tools    []*mcp.Tool
	listErr  error
	callFunc func(name string, args map[string]any) (*mcp.CallToolResult, error)
}

func (f *fakeSession) ListTools(ctx context.Context, params *mcp.ListToolsParams) (*mcp.ListToolsResult, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return &mcp.ListToolsResult{Tools: f.tools}, nil
}

func (f *fakeSession) CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error) {
	return f.callFunc(params.Name, params.Arguments)
}

type fakePool struct {
	sessions map[string]*fakeSession // serverUuid -> session
}

func (p *fakePool) GetSession(ctx context.Context, sessionID, serverUUID string, cfg serverconfig.Config) (Session, error) {
	s, ok := p.sessions[serverUUID]
	if !ok {
		return nil, errors.New("no such server")
	}
	return s, nil
}

func TestListToolsMergesAndPrefixes(t *testing.T) {
	pool := &fakePool{sessions: map[string]*fakeSession{
		"a": {tools: []*mcp.Tool{{Name: "x"}, {Name: "y"}}},
		"b": {tools: []*mcp.Tool{{Name: "z"}}},
	}}
	servers := map[string]serverconfig.Config{
		"a": {UUID: "a", Name: "alpha"},
		"b": {UUID: "b", Name: "beta"},
	}
	s := New("ns1", "sess1", servers, pool, nil)

	res, err := s.ListTools(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	names := map[string]bool{}
	for _, t := range res.Tools {
		names[t.Name] = true
	}
	for _, want := range []string{"alpha__x", "alpha__y", "beta__z"} {
		if !names[want] {
			t.Fatalf("expected %q in merged tool list, got %+v", want, names)
		}
	}
}

func TestListToolsFaultTolerance(t *testing.T) {
	pool := &fakePool{sessions: map[string]*fakeSession{
		"a": {tools: []*mcp.Tool{{Name: "x"}}},
		"b": {listErr: errors.New("boom")},
	}}
	servers := map[string]serverconfig.Config{
		"a": {UUID: "a", Name: "alpha"},
		"b": {UUID: "b", Name: "beta"},
	}
	s := New("ns1", "sess1", servers, pool, nil)

	res, err := s.ListTools(context.Background())
	if err != nil {
		t.Fatalf("aggregate call must not fail on partial failure: %v", err)
	}
	if len(res.Tools) != 1 || res.Tools[0].Name != "alpha__x" {
		t.Fatalf("expected only alpha__x to survive, got %+v", res.Tools)
	}
}

func TestCallToolRoutesByPrefix(t *testing.T) {
	var gotName string
	pool := &fakePool{sessions: map[string]*fakeSession{
		"a": {callFunc: func(name string, args map[string]any) (*mcp.CallToolResult, error) {
			gotName = name
			return &mcp.CallToolResult{}, nil
		}},
	}}
	servers := map[string]serverconfig.Config{"a": {UUID: "a", Name: "alpha"}}
	s := New("ns1", "sess1", servers, pool, nil)

	_, err := s.CallTool(context.Background(), "alpha__y", map[string]any{"k": "v"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotName != "y" {
		t.Fatalf("expected downstream call with original tool name %q, got %q", "y", gotName)
	}
}

func TestListToolsFiltersOutInactiveTool(t *testing.T) {
	pool := &fakePool{sessions: map[string]*fakeSession{
		"a": {tools: []*mcp.Tool{{Name: "x"}, {Name: "y"}}},
	}}
	servers := map[string]serverconfig.Config{"a": {UUID: "a", Name: "alpha"}}
	s := New("ns1", "sess1", servers, pool, nil)
	s.SetFilter(&filtercache.Filter{
		Cache: filtercache.New(0, &fakeStatusSource{inactive: map[[3]string]bool{{"ns1", "a", "y"}: true}}),
		Servers: &fakeResolver{byName: map[string]string{"alpha": "a"}},
	})

	res, err := s.ListTools(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Tools) != 1 || res.Tools[0].Name != "alpha__x" {
		t.Fatalf("expected only alpha__x to survive filtering, got %+v", res.Tools)
	}
}

func TestCallToolFilteredOutReturnsIsError(t *testing.T) {
	pool := &fakePool{sessions: map[string]*fakeSession{
		"a": {callFunc: func(name string, args map[string]any) (*mcp.CallToolResult, error) {
			t.Fatalf("downstream call must not be reached for a filtered-out tool")
			return nil, nil
		}},
	}}
	servers := map[string]serverconfig.Config{"a": {UUID: "a", Name: "alpha"}}
	s := New("ns1", "sess1", servers, pool, nil)
	s.SetFilter(&filtercache.Filter{
		Cache: filtercache.New(0, &fakeStatusSource{inactive: map[[3]string]bool{{"ns1", "a", "y"}: true}}),
		Servers: &fakeResolver{byName: map[string]string{"alpha": "a"}},
	})

	res, err := s.CallTool(context.Background(), "alpha__y", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.IsError {
		t.Fatalf("expected isError=true for a filtered-out tool, got %+v", res)
	}
}

func TestCallToolUnknownPrefix(t *testing.T) {
	servers := map[string]serverconfig.Config{"a": {UUID: "a", Name: "alpha"}}
	s := New("ns1", "sess1", servers, &fakePool{sessions: map[string]*fakeSession{}}, nil)

	_, err := s.CallTool(context.Background(), "gamma__q", nil)
	if !poolerr.Is(err, poolerr.UnknownTool) {
		t.Fatalf("expected UnknownTool error, got %v", err)
	}
}
