package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// SSE sessions are not tracked in this package: handleSSE registers a new
// composite-server session in the MetaPool via GetServer, and handleMessage
// resolves it through MetaPool.GetServer by the sessionId query parameter
// the client echoes back, matching
// the MCP-SSE convention (GET /sse hands the client a sessionId it must
// attach to every POST /message).

// handleSSE serves GET /{endpoint}/sse: opens an MCP-SSE stream, assigns a
// new session against the endpoint's namespace, and emits an "endpoint"
// event carrying the sessionId the client must attach to POST /message.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	ns, ok := s.resolveNamespace(w, r)
	if !ok {
		return
	}

	fl, canFlush := w.(http.Flusher)
	if !canFlush {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	sessionID := uuid.NewString()
	if _, err := s.meta.GetServer(r.Context(), sessionID, ns, false); err != nil {
		s.logError("failed to open sse session", err)
		writeError(w, err)
		return
	}
	defer s.meta.CleanupSession(sessionID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	messagePath := fmt.Sprintf("/%s/message?sessionId=%s", r.PathValue("endpoint"), sessionID)
	fmt.Fprintf(w, "event: endpoint\ndata: %s\n\n", messagePath)
	fl.Flush()

	<-r.Context().Done()
}

// handleMessage serves POST /{endpoint}/message?sessionId=…: one JSON-RPC
// request against the session opened by a prior GET /sse call.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	ns, ok := s.resolveNamespace(w, r)
	if !ok {
		return
	}
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		http.Error(w, "missing sessionId", http.StatusBadRequest)
		return
	}

	cs, err := s.meta.GetServer(r.Context(), sessionID, ns, false)
	if err != nil {
		s.logError("failed to resolve sse session", err)
		writeError(w, err)
		return
	}

	var req jsonRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	resp := s.dispatch(r.Context(), cs, req)
	writeJSON(w, http.StatusAccepted, resp)
}
