package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterDeps groups what the HTTP surface needs
type RouterDeps struct {
	Webhook  *WebhookHandler
	Admin    *AdminHandler
	Logs     http.HandlerFunc // nil disables /ws/logs
	Gatherer prometheus.Gatherer
}

// NewRouter builds the server mux
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/", func(w http.ResponseWriter, req *http.Request) {
		writeSuccess(w, req, http.StatusOK, map[string]string{
			"status": "running",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	})

	r.Post("/webhook", deps.Webhook.HandleEvent)
	r.Post("/webhook/{platform}", deps.Webhook.HandleEvent)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		deps.Admin.Routes(r)
	})

	if deps.Logs != nil {
		r.Get("/ws/logs", deps.Logs)
	}
	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}
	return r
}
