package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/streamclub/allocator/api/controllers"
	"github.com/streamclub/allocator/api/middleware"
	"github.com/streamclub/allocator/internal/accounts"
	"github.com/streamclub/allocator/internal/claims"
	"github.com/streamclub/allocator/internal/events"
	"github.com/streamclub/allocator/internal/ledger"
	"github.com/streamclub/allocator/internal/pending"
	"github.com/streamclub/allocator/internal/tokens"
	"github.com/streamclub/allocator/pkg/config"
	"github.com/streamclub/allocator/pkg/enums"
	"github.com/streamclub/allocator/pkg/logger"
	"github.com/streamclub/allocator/pkg/redis"
)

// Deps is everything the HTTP surface is wired against.
type Deps struct {
	Config      *config.Config
	Logger      *logger.Logger
	Ready       map[string]controllers.Pinger
	Idempotency redis.IdempotencyStore
	Metrics     prometheus.Gatherer

	Ledger   ledger.Service
	Tokens   tokens.Service
	Events   events.Service
	Claims   claims.Service
	Accounts accounts.Service
	Pending  pending.Service
}

func NewRouter(deps Deps) http.Handler {
	cfg := deps.Config
	logg := deps.Logger

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(cfg.App.CORSOrigins),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, deps.Ready))
	})
	if deps.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Metrics, promhttp.HandlerOpts{}))
	}

	// Money-moving commands replay on a repeated Idempotency-Key.
	idem := middleware.Idempotency(deps.Idempotency, middleware.DefaultIdempotencyTTL, logg)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))

		r.Route("/score", func(r chi.Router) {
			r.Get("/", controllers.ScoreBalance(deps.Ledger, logg))
			r.Post("/sign-in", controllers.ScoreSignIn(deps.Ledger, logg))
			r.With(idem).Post("/transfer", controllers.ScoreTransfer(deps.Ledger, logg))
		})
		r.Route("/tokens", func(r chi.Router) {
			r.With(idem).Post("/purchase", controllers.TokenPurchase(deps.Tokens, cfg.Tokens.SystemEnabled, logg))
			r.Post("/redeem", controllers.TokenRedeem(deps.Tokens, logg))
		})
		r.Route("/events", func(r chi.Router) {
			r.With(idem).Post("/", controllers.CreateEvent(deps.Events, logg))
			r.Get("/{id}", controllers.GetEvent(deps.Events, logg))
			r.Post("/{id}/claim", controllers.ClaimEvent(deps.Claims, logg))
		})
		r.Route("/account", func(r chi.Router) {
			r.Get("/", controllers.AccountMe(deps.Accounts, logg))
			r.Patch("/", controllers.AccountRename(deps.Accounts, logg))
			r.Post("/password", controllers.AccountResetPassword(deps.Accounts, logg))
		})
		r.Post("/pending/{token}/confirm", controllers.ConfirmPending(deps.Pending, logg))

		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.RequireRole(logg, enums.RoleAdmin))

			r.Route("/tokens", func(r chi.Router) {
				r.Post("/", controllers.AdminIssueToken(deps.Tokens, logg))
				r.Get("/", controllers.AdminListTokens(deps.Tokens, logg))
				r.Delete("/{code}", controllers.AdminDeleteToken(deps.Pending, logg))
			})
			r.Route("/score", func(r chi.Router) {
				r.With(idem).Post("/credit", controllers.AdminCredit(deps.Ledger, logg))
				r.With(idem).Post("/debit", controllers.AdminDebit(deps.Ledger, logg))
				r.Put("/balance", controllers.AdminSetBalance(deps.Pending, logg))
				r.With(idem).Post("/grant", controllers.AdminGrant(deps.Ledger, logg))
			})
			r.Route("/accounts", func(r chi.Router) {
				r.Get("/", controllers.AdminListAccounts(deps.Accounts, logg))
				r.Delete("/{userId}", controllers.AdminExpireAccount(deps.Pending, logg))
			})
		})
	})

	return r
}
