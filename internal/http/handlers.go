package http

import (
	"encoding/json"
	"net/http"
	"strconv"

	. "github.com/rarestg/codex-conversation-manager/internal/logging"
	"github.com/rarestg/codex-conversation-manager/internal/search"
	"github.com/rarestg/codex-conversation-manager/internal/service"
)

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	years, err := s.service.SessionTree(r.URL.Query().Get("workspace"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tree": years})
}

func (s *Server) handleSessionRaw(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	data, err := s.service.SessionRaw(path)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/jsonl; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		L_debug("http: raw write aborted", "path", path, "error", err)
	}
}

func (s *Server) handleReindex(w http.ResponseWriter, r *http.Request) {
	summary, err := s.service.Reindex()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	summary, err := s.service.ResetAndReindex()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if !q.Has("q") {
		writeError(w, &service.Error{Kind: service.KindInvalidQuery, Message: "missing required parameter: q"})
		return
	}

	limit := 0
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}

	result, err := s.service.Search(search.Options{
		Query:      q.Get("q"),
		Workspace:  q.Get("workspace"),
		Limit:      limit,
		ResultSort: q.Get("resultSort"),
		GroupSort:  q.Get("groupSort"),
		RequestID:  q.Get("requestId"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	resolved, err := s.service.ResolveSession(q.Get("id"), q.Get("workspace"))
	if err != nil {
		writeError(w, err)
		return
	}
	if resolved == nil {
		// A miss is a soft null, not an error.
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, resolved)
}

func (s *Server) handleSessionMatches(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	matches, err := s.service.SessionMatches(q.Get("session"), q.Get("q"), q.Get("requestId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, matches)
}

func (s *Server) handleWorkspaces(w http.ResponseWriter, r *http.Request) {
	workspaces, err := s.service.Workspaces(r.URL.Query().Get("sort"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"workspaces": workspaces})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		L_debug("http: response write failed", "error", err)
	}
}

// writeError maps the service error taxonomy onto HTTP statuses and emits
// the structured payload.
func writeError(w http.ResponseWriter, err error) {
	serr := service.AsError(err)

	status := http.StatusInternalServerError
	switch serr.Kind {
	case service.KindInvalidPath, service.KindInvalidQuery:
		status = http.StatusBadRequest
	case service.KindNotFound:
		status = http.StatusNotFound
	case service.KindForbidden:
		status = http.StatusForbidden
	case service.KindRootMissing:
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		L_error("http: internal error", "kind", serr.Kind, "message", serr.Message)
	}
	writeJSON(w, status, serr)
}
