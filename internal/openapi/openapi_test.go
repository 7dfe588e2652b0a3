package openapi

import (
	"encoding/json"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

func TestGenerateMethodByInputProperties(t *testing.T) {
	tools := []*mcp.Tool{
		{Name: "alpha__search", Description: "search things", InputSchema: json.RawMessage(`{"type":"object","properties":{"q":{"type":"string"}}}`)},
		{Name: "alpha__ping", Description: "ping", InputSchema: json.RawMessage(`{"type":"object"}`)},
	}
	doc := Generate("ep1", tools)

	if doc.Paths["/alpha__search"].Post == nil || doc.Paths["/alpha__search"].Get != nil {
		t.Fatalf("expected /alpha__search to be POST-mounted, got %+v", doc.Paths["/alpha__search"])
	}
	if doc.Paths["/alpha__ping"].Get == nil || doc.Paths["/alpha__ping"].Post != nil {
		t.Fatalf("expected /alpha__ping to be GET-mounted (no properties), got %+v", doc.Paths["/alpha__ping"])
	}
}

func TestGenerateIsByteStableForIdenticalToolList(t *testing.T) {
	toolsA := []*mcp.Tool{
		{Name: "b__tool", InputSchema: json.RawMessage(`{"type":"object"}`)},
		{Name: "a__tool", InputSchema: json.RawMessage(`{"type":"object"}`)},
	}
	toolsB := []*mcp.Tool{
		{Name: "a__tool", InputSchema: json.RawMessage(`{"type":"object"}`)},
		{Name: "b__tool", InputSchema: json.RawMessage(`{"type":"object"}`)},
	}

	docA, err := Marshal(Generate("ep1", toolsA))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	docB, err := Marshal(Generate("ep1", toolsB))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(docA) != string(docB) {
		t.Fatalf("expected byte-stable output regardless of input arrival order")
	}
}

func TestGenerateIncludesValidationErrorComponents(t *testing.T) {
	doc := Generate("ep1", nil)
	if _, ok := doc.Components.Schemas["HTTPValidationError"]; !ok {
		t.Fatalf("expected HTTPValidationError component schema")
	}
	if _, ok := doc.Components.Schemas["ValidationError"]; !ok {
		t.Fatalf("expected ValidationError component schema")
	}
}

func TestGenerateServerMountPoint(t *testing.T) {
	doc := Generate("myendpoint", nil)
	if len(doc.Servers) != 1 || doc.Servers[0].URL != "/metamcp/myendpoint/api" {
		t.Fatalf("unexpected server mount point: %+v", doc.Servers)
	}
}
