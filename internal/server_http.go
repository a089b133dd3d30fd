package internal

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"syncroom/internal/storage"
)

type createRoomRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type roomsResponse struct {
	Rooms []RoomPayload `json:"rooms"`
}

// HandleRooms lists rooms (GET) or creates one (POST).
func (s *Server) HandleRooms(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListRooms(w, r)
	case http.MethodPost:
		s.handleCreateRoom(w, r)
	default:
		methodNotAllowed(w, "GET, POST")
	}
}

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.store.ListRooms(r.Context())
	if err != nil {
		jww.ERROR.Printf("list rooms: %v", err)
		writeError(w, http.StatusInternalServerError, errors.New("failed to list rooms"))
		return
	}
	resp := roomsResponse{Rooms: make([]RoomPayload, 0, len(rooms))}
	for i := range rooms {
		resp.Rooms = append(resp.Rooms, roomPayload(&rooms[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	if !s.httpLimiter.Allow(s.clientIP(r)) {
		http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		return
	}
	var req createRoomRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	room, err := s.store.CreateRoom(r.Context(), strings.TrimSpace(req.Name), req.Description)
	if err != nil {
		if errors.Is(err, storage.ErrRoomExists) {
			writeError(w, http.StatusConflict, errors.New("room already exists"))
			return
		}
		jww.ERROR.Printf("create room: %v", err)
		writeError(w, http.StatusInternalServerError, errors.New("failed to create room"))
		return
	}
	jww.INFO.Printf("room %d (%q) created over http", room.ID, room.Name)
	writeJSON(w, http.StatusCreated, roomPayload(room))
}

// HandleHealth reports liveness and the number of open connections.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		methodNotAllowed(w, "GET, HEAD")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"version":     Version,
		"connections": s.registry.Count(),
		"users":       len(s.registry.Users()),
	})
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics
}

func (s *Server) clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func decodeJSON(r *http.Request, out interface{}) error {
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func methodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
}
