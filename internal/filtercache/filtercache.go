// Package filtercache implements C4: a TTL cache resolving
// (namespace, server, tool) -> ACTIVE/INACTIVE, plus the tools/list and
// tools/call middleware built on top of it.
package filtercache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"metamcp/internal/serverconfig"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Status is a tool's enablement state within a namespace.
type Status int

const (
	StatusActive Status = iota
	StatusInactive
	StatusAbsent
)

// StatusSource resolves a tool's status on a cache miss. Implementations
// back onto a ToolStatusStore.
type StatusSource interface {
	GetStatus(ctx context.Context, namespaceUUID, serverUUID, toolName string) (Status, error)
}

type key struct {
	namespace string
	server    string
	tool      string
}

type entry struct {
	status    Status
	expiresAt time.Time
}

// Cache is the (namespace, server, tool) -> status TTL cache.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[key]entry
	source  StatusSource
}

// New builds a Cache with the given TTL (default 1s if ttl <= 0) backed by
// source for misses.
func New(ttl time.Duration, source StatusSource) *Cache {
	if ttl <= 0 {
		ttl = time.Second
	}
	return &Cache{ttl: ttl, entries: map[key]entry{}, source: source}
}

// Get resolves status for (namespace, server, tool), consulting the cache
// first and the backing store on a miss or expiry.
func (c *Cache) Get(ctx context.Context, namespaceUUID, serverUUID, toolName string) (Status, error) {
	k := key{namespace: namespaceUUID, server: serverUUID, tool: toolName}
	now := time.Now()

	c.mu.Lock()
	if e, ok := c.entries[k]; ok {
		if now.Before(e.expiresAt) {
			c.mu.Unlock()
			return e.status, nil
		}
		delete(c.entries, k)
	}
	c.mu.Unlock()

	st, err := c.source.GetStatus(ctx, namespaceUUID, serverUUID, toolName)
	if err != nil {
		return StatusAbsent, err
	}

	c.mu.Lock()
	c.entries[k] = entry{status: st, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	return st, nil
}

// Clear removes all entries for namespaceUUID. If namespaceUUID is empty,
// the entire cache is emptied.
func (c *Cache) Clear(namespaceUUID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if namespaceUUID == "" {
		c.entries = map[key]entry{}
		return
	}
	for k := range c.entries {
		if k.namespace == namespaceUUID {
			delete(c.entries, k)
		}
	}
}

// DecodeToolName splits a composite tool name on the first "__". ok is
// false when no separator is present, meaning the tool is unmapped
// (pass-through/allow).
func DecodeToolName(compositeName string) (serverPart, toolPart string, ok bool) {
	idx := strings.Index(compositeName, "__")
	if idx < 0 {
		return "", "", false
	}
	return compositeName[:idx], compositeName[idx+2:], true
}

// ServerResolver maps a sanitized server name back to its serverUuid
// within a namespace.
type ServerResolver interface {
	ResolveSanitizedName(namespaceUUID, sanitizedName string) (serverUUID string, ok bool)
}

// Filter bundles the cache, the store, and a namespace/session resolver
// into the middleware described in §4.3.
type Filter struct {
	Cache          *Cache
	Servers        ServerResolver
	MessageTemplate string
}

const defaultMessageTemplate = `Tool "%s" is currently inactive and disallowed in this namespace: %s`

// template returns MessageTemplate, or the default when it is empty; the
// first %s is the tool name and the second the reason, matching the
// default in §4.3.
func (f *Filter) template() string {
	if f.MessageTemplate != "" {
		return f.MessageTemplate
	}
	return defaultMessageTemplate
}

func (f *Filter) classify(ctx context.Context, namespaceUUID, compositeName string) (Status, bool) {
	serverPart, toolPart, ok := DecodeToolName(compositeName)
	if !ok {
		return StatusActive, true // fail-open: name does not parse
	}
	serverUUID, ok := f.Servers.ResolveSanitizedName(namespaceUUID, serverPart)
	if !ok {
		return StatusActive, true // fail-open: no mapping
	}
	st, err := f.Cache.Get(ctx, namespaceUUID, serverUUID, toolPart)
	if err != nil {
		return StatusActive, true // fail-safe on classification errors: keep
	}
	if st == StatusAbsent {
		return StatusActive, true // fail-open: no mapping
	}
	return st, true
}

// ListToolsHandler matches the composite server's inner tools/list call.
type ListToolsHandler func(ctx context.Context, params *mcp.ListToolsParams) (*mcp.ListToolsResult, error)

// CallToolHandler matches the composite server's inner tools/call call.
type CallToolHandler func(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error)

// WrapListTools filters the inner handler's result down to tools whose
// namespace status is not INACTIVE.
func (f *Filter) WrapListTools(namespaceUUID string, inner ListToolsHandler) ListToolsHandler {
	return func(ctx context.Context, params *mcp.ListToolsParams) (*mcp.ListToolsResult, error) {
		res, err := inner(ctx, params)
		if err != nil {
			return nil, err
		}
		kept := make([]*mcp.Tool, 0, len(res.Tools))
		for _, tool := range res.Tools {
			st, _ := f.classify(ctx, namespaceUUID, tool.Name)
			if st != StatusInactive {
				kept = append(kept, tool)
			}
		}
		res.Tools = kept
		return res, nil
	}
}

// WrapCallTool blocks calls to INACTIVE tools with an isError result
// carrying the configured message, and delegates otherwise.
func (f *Filter) WrapCallTool(namespaceUUID string, inner CallToolHandler) CallToolHandler {
	return func(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error) {
		st, _ := f.classify(ctx, namespaceUUID, params.Name)
		if st == StatusInactive {
			msg := fmt.Sprintf(f.template(), params.Name, "disabled for this namespace")
			return &mcp.CallToolResult{
				IsError: true,
				Content: []mcp.Content{&mcp.TextContent{Text: msg}},
			}, nil
		}
		return inner(ctx, params)
	}
}

// Middleware is a handler decorator, matching the shape of
// mcp.Server.AddReceivingMiddleware's composition unit.
type Middleware func(CallToolHandler) CallToolHandler

// Compose applies middlewares right-to-left: Compose(m1, m2)(h) ==
// m2(m1(h))'s caller-visible order means the LAST middleware passed wraps
// first, i.e. Compose(m1, m2, m3)(h) = m3(m2(m1(h))). The filter is the
// outermost wrapper in the core configuration (pass it last).
func Compose(middlewares ...Middleware) Middleware {
	return func(h CallToolHandler) CallToolHandler {
		for _, m := range middlewares {
			h = m(h)
		}
		return h
	}
}
