package transport

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/relay-agent/runtime/internal/convmanager"
)

// handleListConversations reports every loop running on this node
// (spec.md §4.F get_running_agent_loops), optionally scoped to a user via
// ?user_id=.
func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	loops := s.mgr.GetRunningAgentLoops(userID, nil)
	writeJSONResponse(w, http.StatusOK, loops)
}

// handleGetConversation reports one conversation's info (spec.md §4.F
// get_agent_loop_info).
func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")
	info, ok := s.mgr.GetAgentLoopInfo(sid)
	if !ok {
		http.Error(w, `{"error":"conversation not found"}`, http.StatusNotFound)
		return
	}
	writeJSONResponse(w, http.StatusOK, info)
}

// handleCloseConversation force-closes a loop (spec.md §4.F close_session).
func (s *Server) handleCloseConversation(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")
	if err := s.mgr.CloseSession(sid); err != nil {
		if err == convmanager.ErrConversationNotFound {
			http.Error(w, `{"error":"conversation not found"}`, http.StatusNotFound)
			return
		}
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSONResponse(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
