package handlers

import (
	"log/slog"
	"net/http"

	gorillahandlers "github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// corsHeaders are the request headers browsers may send cross-origin.
var corsHeaders = []string{"Origin", "X-Requested-With", "Content-Type", "Accept", "Authorization", requestIDHeader}

// NewRouter wires the routes and middleware. reg receives the HTTP
// collectors and gatherer backs /metrics. CORS wraps the whole router so
// preflight requests are answered before route matching.
func NewRouter(h *Handler, reg prometheus.Registerer, gatherer prometheus.Gatherer, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	httpMetrics := NewHTTPMetrics(reg)

	router := mux.NewRouter()
	router.Use(RequestID, RequestLogger(logger), httpMetrics.Middleware)

	router.HandleFunc("/", h.Root).Methods(http.MethodGet)
	router.HandleFunc("/identify", h.Identify).Methods(http.MethodPost)
	router.HandleFunc("/contacts/{id}", h.Contact).Methods(http.MethodGet)
	router.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	router.HandleFunc("/health/ready", h.Ready).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "no such route")
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})
	return gorillahandlers.CORS(
		gorillahandlers.AllowedOrigins([]string{"*"}),
		gorillahandlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		gorillahandlers.AllowedHeaders(corsHeaders),
		gorillahandlers.ExposedHeaders([]string{requestIDHeader}),
		gorillahandlers.OptionStatusCode(http.StatusOK),
	)(router)
}
