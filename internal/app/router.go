package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/procura-erp/procura/internal/analytics"
	"github.com/procura-erp/procura/internal/audit"
	"github.com/procura-erp/procura/internal/auth"
	"github.com/procura-erp/procura/internal/budget"
	"github.com/procura-erp/procura/internal/contract"
	"github.com/procura-erp/procura/internal/invoice"
	"github.com/procura-erp/procura/internal/observability"
	"github.com/procura-erp/procura/internal/order"
	"github.com/procura-erp/procura/internal/procurement"
	"github.com/procura-erp/procura/internal/rfq"
	"github.com/procura-erp/procura/internal/shared"
	"github.com/procura-erp/procura/internal/vendors"
	"github.com/procura-erp/procura/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger      *slog.Logger
	Config      *Config
	Idempotency *shared.IdempotencyStore
	Auth        *auth.Middleware

	AuthHandler        *auth.Handler
	BudgetHandler      *budget.Handler
	ProcurementHandler *procurement.Handler
	RFQHandler         *rfq.Handler
	OrderHandler       *order.Handler
	InvoiceHandler     *invoice.Handler
	ContractHandler    *contract.Handler
	VendorsHandler     *vendors.Handler
	AnalyticsHandler   *analytics.Handler
	AuditHandler       *audit.Handler
	JobsHandler        *jobs.Handler

	Metrics *observability.Metrics
}

// NewRouter constructs the chi.Router with Procura defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:      params.Logger,
		Config:      params.Config,
		Idempotency: params.Idempotency,
		Metrics:     params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if params.Metrics != nil {
		r.Handle("/metrics", params.Metrics.Handler())
	}

	r.Route("/auth", func(pub chi.Router) {
		params.AuthHandler.MountRoutes(pub)
		pub.Group(func(priv chi.Router) {
			priv.Use(params.Auth.Authenticate)
			params.AuthHandler.MountProtectedRoutes(priv)
		})
	})

	r.Group(func(api chi.Router) {
		api.Use(params.Auth.Authenticate)

		api.Route("/budgets", func(br chi.Router) {
			br.Use(params.Auth.RequireAny(shared.RoleFinanceHead, shared.RoleFinance, shared.RoleManager))
			params.BudgetHandler.MountRoutes(br)
		})

		api.Route("/purchase-requests", func(pr chi.Router) {
			pr.Use(params.Auth.RequireAny(
				shared.RoleRequester, shared.RoleManager, shared.RoleFinanceHead, shared.RoleProcurement,
			))
			params.ProcurementHandler.MountRoutes(pr)
		})

		api.Route("/rfqs", func(rr chi.Router) {
			rr.Use(params.Auth.RequireAny(shared.RoleProcurement, shared.RoleVendor))
			params.RFQHandler.MountRoutes(rr)
		})

		api.Route("/purchase-orders", func(po chi.Router) {
			po.Use(params.Auth.RequireAny(shared.RoleProcurement, shared.RoleVendor, shared.RoleFinance))
			params.OrderHandler.MountRoutes(po)
		})

		api.Route("/invoices", func(ir chi.Router) {
			ir.Use(params.Auth.RequireAny(shared.RoleVendor, shared.RoleFinance, shared.RoleFinanceHead))
			params.InvoiceHandler.MountRoutes(ir)
		})

		api.Route("/contracts", func(cr chi.Router) {
			cr.Use(params.Auth.RequireAny(shared.RoleProcurement, shared.RoleFinanceHead))
			params.ContractHandler.MountRoutes(cr)
		})

		api.Route("/vendors", func(vr chi.Router) {
			vr.Use(params.Auth.RequireAny(shared.RoleProcurement))
			params.VendorsHandler.MountRoutes(vr)
		})

		api.Route("/analytics", func(ar chi.Router) {
			ar.Use(params.Auth.RequireAny(shared.RoleFinanceHead, shared.RoleFinance, shared.RoleManager, shared.RoleProcurement))
			params.AnalyticsHandler.MountRoutes(ar)
		})

		api.Route("/audit", func(au chi.Router) {
			au.Use(params.Auth.RequireAny(shared.RoleFinanceHead))
			params.AuditHandler.MountRoutes(au)
		})

		if params.JobsHandler != nil {
			api.Route("/jobs", func(jr chi.Router) {
				jr.Use(params.Auth.RequireAny(shared.RoleProcurement, shared.RoleFinanceHead))
				params.JobsHandler.MountRoutes(jr)
			})
		}
	})

	return r
}
