package registry

import (
	"errors"
	"net/http"

	"github.com/drblury/matchwatch/internal/cache"
	"github.com/drblury/matchwatch/internal/model"
	"github.com/drblury/matchwatch/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/matchwatch/internal/runtime/logging"
)

const maxBodyBytes = 64 << 10

// Server exposes a Repository over HTTP. Every successful write drops the
// cached snapshot.
type Server struct {
	repo   Repository
	cache  *cache.Cache
	logger loggingpkg.ServiceLogger
	mux    *http.ServeMux
}

func NewServer(repo Repository, c *cache.Cache, logger loggingpkg.ServiceLogger) *Server {
	if logger == nil {
		logger = loggingpkg.Discard()
	}
	if c == nil {
		c = cache.New(nil, logger)
	}
	s := &Server{
		repo:   repo,
		cache:  c,
		logger: logger.With(loggingpkg.LogFields{"component": "registry_server"}),
		mux:    http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /get_summoners", s.list)
	s.mux.HandleFunc("POST /add_summoner", s.add)
	s.mux.HandleFunc("POST /update_summoner", s.update)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	entities, err := s.repo.List(r.Context())
	if err != nil {
		s.logger.Error("Listing summoners failed", err, nil)
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}
	if entities == nil {
		entities = []model.TrackedEntity{}
	}
	s.logger.Debug("Returning summoners", loggingpkg.LogFields{"count": len(entities)})
	writeJSON(w, http.StatusOK, entities)
}

func (s *Server) add(w http.ResponseWriter, r *http.Request) {
	reg, ok := s.decode(w, r)
	if !ok {
		return
	}
	if err := s.repo.Add(r.Context(), reg); err != nil {
		s.writeError(w, "Adding summoner failed", err, reg)
		return
	}
	s.cache.Delete(r.Context(), SnapshotKey)
	s.logger.Info("Added summoner", loggingpkg.LogFields{"entity": reg.Entity().String(), "group_id": reg.GroupID})
	writeJSON(w, http.StatusCreated, map[string]string{"status": "success"})
}

func (s *Server) update(w http.ResponseWriter, r *http.Request) {
	reg, ok := s.decode(w, r)
	if !ok {
		return
	}
	if err := s.repo.Update(r.Context(), reg); err != nil {
		s.writeError(w, "Updating summoner failed", err, reg)
		return
	}
	s.cache.Delete(r.Context(), SnapshotKey)
	s.logger.Info("Updated summoner", loggingpkg.LogFields{"entity": reg.Entity().String(), "group_id": reg.GroupID})
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request) (Registration, bool) {
	var reg Registration
	if err := jsoncodec.Decode(http.MaxBytesReader(w, r.Body, maxBodyBytes), &reg); err != nil {
		s.logger.Debug("Rejecting invalid JSON", loggingpkg.LogFields{"error": err.Error()})
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return Registration{}, false
	}
	if err := reg.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return Registration{}, false
	}
	return reg, true
}

func (s *Server) writeError(w http.ResponseWriter, msg string, err error, reg Registration) {
	switch {
	case errors.Is(err, ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrNotFound):
		http.Error(w, "Summoner not found", http.StatusNotFound)
	default:
		s.logger.Error(msg, err, loggingpkg.LogFields{"entity": reg.Entity().String(), "group_id": reg.GroupID})
		http.Error(w, "Database error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = jsoncodec.Encode(w, v)
}
