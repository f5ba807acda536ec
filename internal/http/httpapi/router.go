package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"retouch/internal/http/handlers"
	"retouch/internal/infra"
	"retouch/internal/middleware"
)

// Options carries the cross-cutting knobs the router wires into middleware.
type Options struct {
	Logger          infra.Logger
	AllowedOrigins  []string
	RateLimitPerMin int
	DefaultLocale   string
}

func NewRouter(app *handlers.App, opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(opts.Logger),
		middleware.CORS(opts.AllowedOrigins),
		middleware.I18N(opts.DefaultLocale),
	)
	if opts.RateLimitPerMin > 0 {
		r.Use(middleware.RateLimit(opts.RateLimitPerMin, time.Minute))
	}

	// Health
	r.Get("/v1/healthz", app.Health)

	r.Route("/v1/images", func(r chi.Router) {
		r.Post("/generate", app.ImagesGenerate)
		r.Post("/edit", app.ImagesEdit)
	})

	r.Route("/v1/edits", func(r chi.Router) {
		r.Post("/resolve", app.EditsResolve)
		r.Get("/history", app.EditsHistory)
		r.Get("/{key}", app.EditsGet)
	})

	r.Get("/v1/stats", app.Stats)

	return r
}
