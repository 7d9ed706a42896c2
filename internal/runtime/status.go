package runtime

import (
	"net/http"
	"slices"
	"sort"

	"github.com/drblury/matchwatch/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/matchwatch/internal/runtime/logging"
	brokers "github.com/drblury/matchwatch/transport"
)

// QueueStatus reports the depth of one queue. Counts are -1 when the
// transport cannot report them.
type QueueStatus struct {
	Queue       string `json:"queue"`
	Pending     int64  `json:"pending"`
	DeadLetters int64  `json:"dead_letters"`
}

// StatusReport is the body of /api/queues.
type StatusReport struct {
	Transport   string             `json:"transport"`
	Durable     bool               `json:"durable"`
	Queues      []QueueStatus      `json:"queues"`
	PoisonQueue []PoisonQueueStats `json:"poison,omitempty"`
}

func (s *Service) registerStatusAPI() {
	if s.Conf.StatusPort == 0 {
		return
	}
	port := s.Conf.StatusPort
	s.RegisterHTTPHandler(port, "/api/handlers", s.withCORS(http.HandlerFunc(s.serveHandlers)))
	s.RegisterHTTPHandler(port, "/api/queues", s.withCORS(http.HandlerFunc(s.serveQueues)))
	s.RegisterHTTPHandler(port, "/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
}

func (s *Service) serveHandlers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, s.Handlers())
}

func (s *Service) serveQueues(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, s.QueueReport())
}

// QueueReport collects the depth of every queue a handler consumes from.
func (s *Service) QueueReport() StatusReport {
	report := StatusReport{
		Transport:   s.capabilities.Name,
		Durable:     s.capabilities.Durable,
		PoisonQueue: s.poisonMetrics.Snapshot(),
	}

	var queues []string
	for _, h := range s.Handlers() {
		if !slices.Contains(queues, h.ConsumeQueue) {
			queues = append(queues, h.ConsumeQueue)
		}
	}
	sort.Strings(queues)

	introspector, _ := s.subscriber.(brokers.QueueIntrospector)
	deadLetters, _ := s.subscriber.(brokers.DeadLetterCounter)
	for _, queue := range queues {
		status := QueueStatus{Queue: queue, Pending: -1, DeadLetters: -1}
		if introspector != nil {
			if n, err := introspector.GetPendingCount(queue); err == nil {
				status.Pending = n
			} else {
				s.Logger.Error("Reading queue depth failed", err, loggingpkg.LogFields{"queue": queue})
			}
		}
		if deadLetters != nil {
			if n, err := deadLetters.GetDeadLetterCount(queue); err == nil {
				status.DeadLetters = n
			}
		}
		report.Queues = append(report.Queues, status)
	}
	return report
}

func (s *Service) writeJSON(w http.ResponseWriter, v any) {
	body, err := jsoncodec.Marshal(v)
	if err != nil {
		s.Logger.Error("Encoding status response failed", err, nil)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

func (s *Service) withCORS(next http.Handler) http.Handler {
	allowed := s.Conf.StatusCORSAllowedOrigins
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && originAllowed(allowed, origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func originAllowed(allowed []string, origin string) bool {
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}
	return false
}
