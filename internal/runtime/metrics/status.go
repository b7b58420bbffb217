package metrics

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/chimpflow/internal/runtime/jsoncodec"
	"github.com/drblury/chimpflow/internal/runtime/logging"
)

// Status is the JSON document served at /status.
type Status struct {
	State      string   `json:"state"`
	ReplyQueue string   `json:"reply_queue,omitempty"`
	Counters   Snapshot `json:"counters"`
}

// StatusHandler serves the value returned by status as JSON.
func StatusHandler(status func() Status, logger logging.ServiceLogger) http.Handler {
	if logger == nil {
		logger = logging.Nop()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := jsoncodec.Encode(w, status()); err != nil {
			logger.Error("Failed to encode status", err, nil)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		}
	})
}

// Mux routes /metrics to gatherer and, when status is non-nil, /status to it.
func Mux(gatherer prometheus.Gatherer, status http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", Handler(gatherer))
	if status != nil {
		r.Handle("/status", status)
	}
	return r
}
