package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimid "github.com/go-chi/chi/v5/middleware"

	"github.com/dbstudio/engine/internal/api/handlers"
	mw "github.com/dbstudio/engine/internal/api/middleware"
	"github.com/dbstudio/engine/internal/api/validators"
	"github.com/dbstudio/engine/internal/services"
)

type Dependencies struct {
	Instances services.InstanceService
	// Per-client request budget; zero values fall back to 10 rps, burst 20.
	RateLimitRPS   float64
	RateLimitBurst int
}

func NewRouter(dep Dependencies) http.Handler {
	rps, burst := dep.RateLimitRPS, dep.RateLimitBurst
	if rps <= 0 {
		rps = 10
	}
	if burst <= 0 {
		burst = 20
	}

	r := chi.NewRouter()

	// Built-in middleware
	r.Use(mw.RequestID)
	r.Use(mw.Recovery)
	r.Use(mw.Logging)
	r.Use(mw.RateLimit(rps, burst))
	r.Use(chimid.Compress(5))

	// Health endpoints
	hh := handlers.NewHealthHandler(dep.Instances)
	r.Get("/healthz", hh.Liveness)
	r.Get("/readyz", hh.Readiness)

	dh := handlers.NewDatabasesHandler(dep.Instances, validators.New())
	r.Route("/api/v1", func(api chi.Router) {
		// {ref} is the database id, except on PUT where it is the name.
		api.Route("/databases", func(dr chi.Router) {
			dr.Get("/", dh.List)
			dr.Post("/", dh.Create)
			dr.Get("/{ref}", dh.Get)
			dr.Put("/{ref}", dh.Update)
			dr.Delete("/{ref}", dh.Destroy)
			dr.Post("/{ref}/stop", dh.Stop)
			dr.Post("/{ref}/start", dh.Start)
			dr.Get("/{ref}/logs", dh.Logs)
			dr.Get("/{ref}/inspect", dh.Inspect)
		})
	})

	return r
}
