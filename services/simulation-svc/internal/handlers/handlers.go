package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"simulator/pkg/auth"
	"simulator/pkg/config"
	"simulator/pkg/metrics"
	"simulator/pkg/ratelimit"
	"simulator/pkg/swagger"
	"simulator/pkg/telemetry"
	"simulator/services/simulation-svc/internal/repository"
)

// SimulationService операции, которые HTTP слой вызывает у сервиса
type SimulationService interface {
	List(ctx context.Context, filter string, offset, count int, owner string) ([]*repository.Simulation, error)
	Get(ctx context.Context, id int64, owner string) (*repository.Simulation, error)
	Add(ctx context.Context, sim *repository.Simulation) (int64, error)
	Update(ctx context.Context, sim *repository.Simulation, owner string) (int64, error)
	Delete(ctx context.Context, id int64, owner string) (int64, error)
	GetActualStatus(ctx context.Context, sim *repository.Simulation, allowDownloading bool) (repository.Status, error)
	GetCurrent(owner string) *repository.Simulation
	Launch(ctx context.Context, id int64, owner string, allowDownloading bool) (*repository.Simulation, error)
	Halt(ctx context.Context, owner string) (*repository.Simulation, error)
	Ping(ctx context.Context) error
}

// Handler HTTP обработчики симуляций
type Handler struct {
	svc              SimulationService
	defaultPageSize  int
	maxPageSize      int
	allowDownloading bool
}

// NewHandler создаёт обработчики
func NewHandler(svc SimulationService, cfg *config.Config) *Handler {
	return &Handler{
		svc:              svc,
		defaultPageSize:  cfg.HTTP.DefaultPageSize,
		maxPageSize:      cfg.HTTP.MaxPageSize,
		allowDownloading: cfg.Runner.AllowDownloading,
	}
}

// RouterOptions зависимости middleware; nil отключает соответствующий слой
type RouterOptions struct {
	Config      *config.Config
	Metrics     *metrics.Metrics
	RateLimiter ratelimit.Limiter
	JWT         *auth.JWTManager
	Docs        []byte // OpenAPI документ; nil отключает /swagger
}

// NewRouter собирает chi роутер со всеми middleware
func NewRouter(h *Handler, opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(Recoverer)
	r.Use(telemetry.HTTPMiddleware(RoutePattern))
	r.Use(Logging)
	if opts.Metrics != nil {
		r.Use(Metrics(opts.Metrics))
	}
	if opts.Config != nil && opts.Config.HTTP.CORS.Enabled {
		r.Use(CORS(opts.Config.HTTP.CORS))
	}

	r.Get("/health", h.Health)
	r.Get("/ready", h.Ready)

	if opts.Docs != nil {
		docs := swagger.NewHandler(swagger.DefaultConfig(), opts.Docs)
		r.Get("/swagger", http.RedirectHandler("/swagger/", http.StatusMovedPermanently).ServeHTTP)
		r.Handle("/swagger/*", docs)
	}

	r.Route("/simulations", func(r chi.Router) {
		if opts.JWT != nil {
			required := opts.Config != nil && opts.Config.Auth.Required
			r.Use(auth.Middleware(opts.JWT, required, writeAuthError))
		}
		if opts.RateLimiter != nil {
			r.Use(RateLimit(opts.RateLimiter, ratelimit.PrincipalKey(auth.OwnerFromRequest), opts.Metrics))
		}
		r.Use(chimw.AllowContentType("application/json"))

		r.Get("/", h.List)
		r.Post("/", h.Create)
		r.Get("/current", h.Current)
		r.Post("/stop", h.Stop)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Put("/", h.Update)
			r.Delete("/", h.Delete)
			r.Get("/status", h.Status)
			r.Post("/start", h.Start)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, errRouteNotFound)
	})
	mux := r
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Allow", strings.Join(allowedMethods(mux, r.URL.Path), ", "))
		writeError(w, r, errMethodNotAllowed)
	})

	return r
}

var routeMethods = []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete}

// allowedMethods методы, для которых у пути есть маршрут
func allowedMethods(routes chi.Routes, path string) []string {
	var allowed []string
	for _, method := range routeMethods {
		if routes.Match(chi.NewRouteContext(), method, path) {
			allowed = append(allowed, method)
		}
	}
	return allowed
}

// RoutePattern возвращает шаблон chi маршрута после роутинга
func RoutePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return ""
	}
	return rctx.RoutePattern()
}
