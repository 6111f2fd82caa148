package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/skobkin/perfsaver/internal/api"
	"github.com/skobkin/perfsaver/internal/world"
)

const (
	defaultNoticeLimit = 20
	maxJoinBody        = 4 << 10
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	if s.controller == nil {
		http.Error(w, "throttling disabled", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, r, http.StatusOK, s.controller.Status())
}

func (s *Server) handleGCHistory(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	if s.controller == nil {
		http.Error(w, "throttling disabled", http.StatusServiceUnavailable)
		return
	}
	st := s.controller.Status()
	s.writeJSON(w, r, http.StatusOK, api.NewGCHistoryResponse(s.controller.RecentGCRuns(), st.HeapLimitBytes))
}

func (s *Server) handleNotices(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}

	limit := defaultNoticeLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	s.writeJSON(w, r, http.StatusOK, s.hub.Recent(limit))
}

func (s *Server) handleWorlds(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}

	worlds := s.universe.Worlds()
	resp := api.WorldsResponse{
		ViewRadius: s.universe.Config().MaxViewRadius(),
		Worlds:     make([]world.Info, 0, len(worlds)),
	}
	for _, wd := range worlds {
		resp.Worlds = append(resp.Worlds, wd.Info())
	}
	s.writeJSON(w, r, http.StatusOK, resp)
}

// handleWorldSubresource serves /api/worlds/{name}/players and
// /api/worlds/{name}/players/{id}.
func (s *Server) handleWorldSubresource(w http.ResponseWriter, r *http.Request) {
	const prefix = "/api/worlds/"
	if !strings.HasPrefix(r.URL.Path, prefix) {
		http.NotFound(w, r)
		return
	}
	segments := strings.Split(strings.TrimPrefix(r.URL.Path, prefix), "/")
	if len(segments) < 2 || len(segments) > 3 || segments[0] == "" || segments[1] != "players" {
		http.NotFound(w, r)
		return
	}

	wd, err := s.universe.World(segments[0])
	if err != nil {
		http.NotFound(w, r)
		return
	}

	if len(segments) == 3 {
		if !allowMethod(w, r, http.MethodDelete) {
			return
		}
		s.removePlayer(w, r, wd, segments[2])
		return
	}

	if !allowMethod(w, r, http.MethodGet, http.MethodPost) {
		return
	}
	if r.Method == http.MethodPost {
		s.joinPlayer(w, r, wd)
		return
	}
	s.writeJSON(w, r, http.StatusOK, api.PlayersResponse{World: wd.Name(), Players: wd.Players()})
}

func (s *Server) joinPlayer(w http.ResponseWriter, r *http.Request, wd *world.World) {
	var req api.JoinRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJoinBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, "invalid join payload", http.StatusBadRequest)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}

	player := wd.AddPlayer(req.Name, req.X, req.Z)
	s.writeJSON(w, r, http.StatusCreated, player)
}

func (s *Server) removePlayer(w http.ResponseWriter, r *http.Request, wd *world.World, rawID string) {
	id, err := uuid.Parse(rawID)
	if err != nil {
		http.Error(w, "invalid player id", http.StatusBadRequest)
		return
	}
	if err := wd.RemovePlayer(id); err != nil {
		if errors.Is(err, world.ErrPlayerNotFound) {
			http.NotFound(w, r)
			return
		}
		s.loggerFromContext(r.Context()).Error("failed to remove player", "id", id, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
