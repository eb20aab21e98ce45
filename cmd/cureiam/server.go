package main

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/yairfalse/cureiam/internal/daemon"
)

func newRouter(metrics http.Handler, health func() daemon.HealthStatus) *chi.Mux {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)

	router.Method(http.MethodGet, "/metrics", metrics)
	router.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		status := health()
		w.Header().Set("Content-Type", "application/json")
		if status.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(status)
	})
	return router
}
