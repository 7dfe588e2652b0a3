// Package httpapi is the minimal wire layer bridge in front of MetaPool:
// the four URL shapes from the external-interfaces table (SSE, Streamable
// HTTP, OpenAPI JSON, and per-tool JSON) translated into
// MetaPool.GetServer/GetOpenApiServer/CleanupSession calls. This is framing
// only; no pool semantics live here.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"metamcp/internal/composite"
	"metamcp/internal/logstore"
	"metamcp/internal/openapi"
	"metamcp/internal/poolerr"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog/log"
)

// MetaPool is the subset of metapool.Pool this package consumes.
type MetaPool interface {
	GetServer(ctx context.Context, sessionID, namespaceUUID string, includeInactive bool) (*composite.Server, error)
	GetOpenApiServer(ctx context.Context, namespaceUUID string) (*composite.Server, error)
	CleanupSession(sessionID string)
}

// EndpointResolver maps a public endpoint name to the namespace uuid it
// routes to. Endpoint naming and registration is an external-collaborator
// concern; a namespace-uuid-as-endpoint-name identity resolver is provided
// in identity.go for deployments with no separate naming layer.
type EndpointResolver interface {
	ResolveEndpoint(name string) (namespaceUUID string, ok bool)
}

// Server bridges HTTP/SSE/Streamable-HTTP to a MetaPool.
type Server struct {
	meta      MetaPool
	endpoints EndpointResolver
	logs      *logstore.Store
}

// New builds a Server.
func New(meta MetaPool, endpoints EndpointResolver, logs *logstore.Store) *Server {
	return &Server{meta: meta, endpoints: endpoints, logs: logs}
}

// Register mounts every route this package serves onto mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /{endpoint}/api/openapi.json", s.handleOpenAPI)
	mux.HandleFunc("POST /{endpoint}/api/{tool}", s.handleToolCall)
	mux.HandleFunc("GET /{endpoint}/api/{tool}", s.handleToolCall)
	mux.HandleFunc("POST /{endpoint}/mcp", s.handleStreamableHTTP)
	mux.HandleFunc("GET /{endpoint}/mcp", s.handleStreamableHTTP)
	mux.HandleFunc("DELETE /{endpoint}/mcp", s.handleStreamableHTTP)
	mux.HandleFunc("GET /{endpoint}/sse", s.handleSSE)
	mux.HandleFunc("POST /{endpoint}/message", s.handleMessage)
}

func (s *Server) resolveNamespace(w http.ResponseWriter, r *http.Request) (string, bool) {
	name := r.PathValue("endpoint")
	ns, ok := s.endpoints.ResolveEndpoint(name)
	if !ok {
		http.Error(w, fmt.Sprintf("unknown endpoint %q", name), http.StatusNotFound)
		return "", false
	}
	return ns, true
}

func (s *Server) logError(msg string, err error) {
	log.Error().Err(err).Msg(msg)
	if s.logs != nil {
		s.logs.AddLog("", string(logstore.LevelError), msg, err)
	}
}

// writeError maps a pool error to an HTTP status, per §7: UnknownTool ⇒
// 404, everything else ⇒ 502 (the downstream/transport failed, not the
// caller's request).
func writeError(w http.ResponseWriter, err error) {
	if poolerr.Is(err, poolerr.UnknownTool) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusBadGateway)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleOpenAPI serves GET /{endpoint}/api/openapi.json.
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	ns, ok := s.resolveNamespace(w, r)
	if !ok {
		return
	}
	cs, err := s.meta.GetOpenApiServer(r.Context(), ns)
	if err != nil {
		s.logError("failed to get openapi server", err)
		writeError(w, err)
		return
	}
	res, err := cs.ListTools(r.Context())
	if err != nil {
		s.logError("openapi tools/list failed", err)
		writeError(w, err)
		return
	}
	body, err := openapi.Marshal(openapi.Generate(r.PathValue("endpoint"), res.Tools))
	if err != nil {
		s.logError("openapi marshal failed", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

// handleToolCall serves POST|GET /{endpoint}/api/{tool}, invoking tools/call
// against the endpoint's OpenAPI (deterministic) session.
func (s *Server) handleToolCall(w http.ResponseWriter, r *http.Request) {
	ns, ok := s.resolveNamespace(w, r)
	if !ok {
		return
	}
	tool := r.PathValue("tool")

	args, err := decodeArguments(r)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	cs, err := s.meta.GetOpenApiServer(r.Context(), ns)
	if err != nil {
		s.logError("failed to get openapi server", err)
		writeError(w, err)
		return
	}
	res, err := cs.CallTool(r.Context(), tool, args)
	if err != nil {
		s.logError(fmt.Sprintf("tools/call failed for %q", tool), err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// decodeArguments reads tool call arguments from a POST JSON body, or from
// GET query parameters (each value taken as a string).
func decodeArguments(r *http.Request) (map[string]any, error) {
	if r.Method == http.MethodPost {
		if r.ContentLength == 0 {
			return nil, nil
		}
		defer r.Body.Close()
		var args map[string]any
		if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
			return nil, err
		}
		return args, nil
	}
	return queryToArguments(r.URL.Query()), nil
}

func queryToArguments(q url.Values) map[string]any {
	if len(q) == 0 {
		return nil
	}
	args := make(map[string]any, len(q))
	for k, vs := range q {
		if len(vs) == 1 {
			args[k] = vs[0]
		} else {
			args[k] = vs
		}
	}
	return args
}

// mcpSessionHeader is the Streamable HTTP session header per §6.
const mcpSessionHeader = "Mcp-Session-Id"

// handleStreamableHTTP serves POST|GET|DELETE /{endpoint}/mcp: a single
// JSON-RPC 2.0 request per call, keyed to a CompositeServer session by the
// Mcp-Session-Id header. A request with no header starts a new session and
// echoes the generated id back to the caller.
func (s *Server) handleStreamableHTTP(w http.ResponseWriter, r *http.Request) {
	ns, ok := s.resolveNamespace(w, r)
	if !ok {
		return
	}

	sessionID := r.Header.Get(mcpSessionHeader)
	if r.Method == http.MethodDelete {
		if sessionID == "" {
			http.Error(w, "missing "+mcpSessionHeader, http.StatusBadRequest)
			return
		}
		s.meta.CleanupSession(sessionID)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	newSession := sessionID == ""
	if newSession {
		sessionID = uuid.NewString()
	}
	cs, err := s.meta.GetServer(r.Context(), sessionID, ns, false)
	if err != nil {
		s.logError("failed to get session server", err)
		writeError(w, err)
		return
	}

	var req jsonRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	resp := s.dispatch(r.Context(), cs, req)

	w.Header().Set(mcpSessionHeader, sessionID)
	writeJSON(w, http.StatusOK, resp)
}

type jsonRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *jsonRPCError   `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// dispatch handles the two methods the composite server understands;
// anything else is reported as a JSON-RPC method-not-found error.
func (s *Server) dispatch(ctx context.Context, cs *composite.Server, req jsonRPCRequest) jsonRPCResponse {
	resp := jsonRPCResponse{JSONRPC: "2.0", ID: req.ID}
	switch req.Method {
	case "tools/list":
		res, err := cs.ListTools(ctx)
		if err != nil {
			s.logError("tools/list failed", err)
			resp.Error = &jsonRPCError{Code: -32000, Message: err.Error()}
			return resp
		}
		resp.Result = res
	case "tools/call":
		var params mcp.CallToolParams
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &params); err != nil {
				resp.Error = &jsonRPCError{Code: -32602, Message: "invalid params"}
				return resp
			}
		}
		res, err := cs.CallTool(ctx, params.Name, params.Arguments)
		if err != nil {
			s.logError(fmt.Sprintf("tools/call failed for %q", params.Name), err)
			code := -32000
			if poolerr.Is(err, poolerr.UnknownTool) {
				code = -32601
			}
			resp.Error = &jsonRPCError{Code: code, Message: err.Error()}
			return resp
		}
		resp.Result = res
	default:
		resp.Error = &jsonRPCError{Code: -32601, Message: "method not found: " + req.Method}
	}
	return resp
}
