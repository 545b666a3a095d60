package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"llm_wallet/internal/auth"
	"llm_wallet/internal/metering"
	"llm_wallet/internal/metrics"
	"llm_wallet/internal/middleware"
	"llm_wallet/internal/models"
	"llm_wallet/internal/storage"
	"llm_wallet/internal/utils"
)

// WalletStore reads wallets and starts billing cycles
type WalletStore interface {
	GetWallet(ctx context.Context, userID string) (*models.Wallet, error)
	ResetMonthlyAllowance(ctx context.Context, userID string, allowanceCents int64, tier models.PlanTier) error
}

// UsageStore serves usage history and reports
type UsageStore interface {
	Report(ctx context.Context, filter models.UsageReportFilter) ([]*models.FeatureUsageSummary, error)
	ListEvents(ctx context.Context, userID string, limit int) ([]*models.UsageEvent, error)
	GetQuotaUsage(ctx context.Context, userID string, feature models.Feature) (*storage.QuotaUsage, error)
}

// AnomalyStore lists and resolves settlement anomalies
type AnomalyStore interface {
	ListUnresolved(ctx context.Context, limit int) ([]*models.SettlementAnomaly, error)
	Resolve(ctx context.Context, id uuid.UUID) error
}

// Executor runs metered model calls
type Executor interface {
	Execute(ctx context.Context, req metering.Request) (*metering.Result, error)
}

// TopUpReconciler credits confirmed payments
type TopUpReconciler interface {
	Reconcile(ctx context.Context, sourceKey, userID string, amountCents int64) (bool, error)
}

// HealthChecker reports whether a backing store is reachable
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Dependencies aggregates all services the HTTP layer needs.
type Dependencies struct {
	Health    HealthChecker
	Cache     HealthChecker
	Wallets   WalletStore
	Usage     UsageStore
	Anomalies AnomalyStore
	Metering  Executor
	TopUps    TopUpReconciler
	Metrics   *metrics.Metrics
	Queues    map[string]QueueAdmin

	// TokenSecret verifies service tokens on /v1
	TokenSecret []byte

	now    func() time.Time
	logger *utils.Logger
}

// NewRouter creates the HTTP router with all dependencies wired up
func NewRouter(deps *Dependencies) http.Handler {
	if deps.now == nil {
		deps.now = time.Now
	}
	if deps.logger == nil {
		deps.logger = utils.NewLogger("http")
	}

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)

	registerRoutes(r, deps)
	return r
}

func registerRoutes(r chi.Router, deps *Dependencies) {
	// Health check endpoint - public
	r.Get("/healthz", deps.handleHealth)

	// Metrics endpoint - public
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		// Product backend: metered calls and payment confirmations
		r.Group(func(r chi.Router) {
			r.Use(middleware.ServiceAuth(deps.TokenSecret, auth.RoleService))
			r.Post("/meter", deps.handleMeter)
			r.Post("/topups", deps.handleTopUp)
		})

		// Read-only views
		r.Group(func(r chi.Router) {
			r.Use(middleware.ServiceAuth(deps.TokenSecret, auth.RoleViewer))
			r.Get("/wallets/{userID}", deps.handleGetWallet)
			r.Get("/wallets/{userID}/events", deps.handleListEvents)
			r.Get("/wallets/{userID}/quota/{feature}", deps.handleGetQuota)
			r.Get("/usage/report", deps.handleUsageReport)
		})

		// Operator actions
		r.Group(func(r chi.Router) {
			r.Use(middleware.ServiceAuth(deps.TokenSecret, auth.RoleOperator))
			r.Put("/wallets/{userID}/allowance", deps.handleResetAllowance)
			r.Get("/anomalies", deps.handleListAnomalies)
			r.Post("/anomalies/{id}/resolve", deps.handleResolveAnomaly)
			r.Get("/queues/{name}", deps.handleQueueStatus)
			r.Post("/queues/{name}/dlq/{id}/retry", deps.handleRetryDeadLetter)
		})
	})
}

func (d *Dependencies) handleHealth(w http.ResponseWriter, r *http.Request) {
	if d.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := d.Health.Health(ctx); err != nil {
			d.logger.Error("Health check failed", "error", err)
			utils.RespondWithError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	if d.Cache != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := d.Cache.Health(ctx); err != nil {
			d.logger.Error("Redis health check failed", "error", err)
			utils.RespondWithError(w, http.StatusServiceUnavailable, "redis unavailable")
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}
