package mcpconnect

import (
	"context"
	"testing"
	"time"

	"metamcp/internal/mcptransport"
	"metamcp/internal/poolerr"
	"metamcp/internal/serverconfig"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

func TestConnectUnsupportedKindExhaustsRetriesAndPreservesKind(t *testing.T) {
	factory := mcptransport.New(mcptransport.Options{}, nil)
	connector := New(factory, Options{Retries: 2, RetryDelay: time.Millisecond})

	_, err := connector.Connect(context.Background(), serverconfig.Config{Kind: "WEIRD"})
	if !poolerr.Is(err, poolerr.UnsupportedKind) {
		t.Fatalf("expected UnsupportedKind, got %v", err)
	}
}

func TestConnectedClientCleanupIdempotent(t *testing.T) {
	fs := &fakeSession{}
	c := &ConnectedClient{ServerUUID: "u1", Session: fs}
	c.Cleanup()
	c.Cleanup()
	if fs.closeCalls != 1 {
		t.Fatalf("expected exactly one Close call, got %d", fs.closeCalls)
	}
}

type fakeSession struct {
	closeCalls int
}

func (f *fakeSession) ListTools(ctx context.Context, params *mcp.ListToolsParams) (*mcp.ListToolsResult, error) {
	return &mcp.ListToolsResult{}, nil
}
func (f *fakeSession) CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error) {
	return &mcp.CallToolResult{}, nil
}
func (f *fakeSession) Close() error {
	f.closeCalls++
	return nil
}
