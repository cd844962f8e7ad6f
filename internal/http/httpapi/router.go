package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"creatorstudio/internal/http/handlers"
	"creatorstudio/internal/infra"
	"creatorstudio/internal/middleware"
)

type Options struct {
	JWTSecret       string
	CORSOrigins     []string
	RateLimitPerMin int
	DefaultLocale   string
	CountryLookup   middleware.CountryLookup
	// StaticDir, when set, serves stored artifacts under /static.
	StaticDir string
	Logger    infra.Logger
}

func NewRouter(app *handlers.App, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		middleware.Logger(opts.Logger),
		chimw.Recoverer,
		middleware.CORS(opts.CORSOrigins),
	)

	r.Get("/v1/healthz", app.Health)
	r.Get("/v1/openapi.json", app.OpenAPIJSON)
	r.Get("/v1/docs", app.OpenAPIDocs)
	if opts.StaticDir != "" {
		r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.Dir(opts.StaticDir))))
	}

	r.Group(func(r chi.Router) {
		r.Use(
			middleware.AuthJWT(opts.JWTSecret),
			middleware.I18N(opts.DefaultLocale, opts.CountryLookup),
			middleware.RateLimit(opts.RateLimitPerMin, time.Minute),
		)
		r.Get("/v1/kinds", app.Kinds)
		r.Get("/v1/me/credits", app.Credits)
		r.Route("/v1/jobs", func(r chi.Router) {
			r.Get("/", app.ListJobs)
			r.Post("/{kind}", app.SubmitJob)
			r.Get("/{id}", app.GetJob)
			r.Delete("/{id}", app.DeleteJob)
			r.Get("/{id}/artifacts", app.JobArtifacts)
			r.Get("/{id}/events", app.JobEvents)
			r.Get("/{id}/ws", app.JobSocket)
		})
	})

	return r
}
