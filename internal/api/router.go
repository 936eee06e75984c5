package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/Heba-Ragheb/clinic-appointment/internal/auth"
	"github.com/Heba-Ragheb/clinic-appointment/internal/booking"
)

type RouterConfig struct {
	Service     *booking.Service
	Checks      []Check
	JWTSecret   string
	CORSOrigins []string
	Log         zerolog.Logger
	Env         string
	Version     string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	c := cors.New(corsOptions(cfg.CORSOrigins))

	r.Use(RequestIDMiddleware)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware(cfg.Log))
	r.Use(middleware.Recoverer)
	r.Use(c.Handler)

	health := NewHealthHandler(cfg.Checks, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	h := &handlers{svc: cfg.Service, log: cfg.Log}

	r.Get("/api/slots", h.availableSlots)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(cfg.JWTSecret, writeError))

		r.Post("/api/slots", h.createSlot)
		r.Get("/api/slots/mine", h.mySlots)
		r.Patch("/api/slots/{id}/book", h.markSlotBooked)
		r.Delete("/api/slots/{id}", h.deleteSlot)

		r.Post("/api/appointments", h.book)
		r.Get("/api/appointments", h.listAppointments)
		r.Get("/api/appointments/{id}", h.getAppointment)
		r.Patch("/api/appointments/{id}", h.updateStatus)
		r.Delete("/api/appointments/user/{id}", h.cancelAsPatient)
		r.Delete("/api/appointments/doctor/{id}", h.cancelAsProvider)
	})

	return r
}

// corsOptions allows credentials only for an explicit origin list. A
// wildcard origin never gets them.
func corsOptions(origins []string) cors.Options {
	wildcard := len(origins) == 0
	for _, o := range origins {
		if o == "*" {
			wildcard = true
		}
	}
	if wildcard {
		origins = []string{"*"}
	}

	return cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: !wildcard,
		MaxAge:           300,
	}
}
