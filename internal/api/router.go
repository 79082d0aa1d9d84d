package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func Router(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(loggingMiddleware(h.log))
	r.Use(middleware.Recoverer)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("scheduled-dispatch"))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/health", h.Health)
		r.Get("/scheduler/status", h.SchedulerStatus)

		r.Group(func(r chi.Router) {
			r.Use(h.authenticate)
			r.Post("/scheduler/start", h.SchedulerStart)
			r.Post("/scheduler/stop", h.SchedulerStop)
		})

		r.Route("/{channel}", func(r chi.Router) {
			r.Use(channelCtx)
			r.Use(h.authenticate)

			r.Post("/", h.CreateMessage)
			r.Get("/", h.ListMessages)
			r.Post("/send", h.SendNow)
			r.Get("/events", h.Events)
			r.Get("/{id}", h.GetMessage)
			r.Patch("/{id}", h.PatchMessage)
			r.Delete("/{id}", h.DeleteMessage)
		})
	})

	return r
}
