package analytics

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/procura-erp/procura/internal/platform/httpx"
)

// Handler serves the spend dashboards.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers analytics routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/spend", h.spend)
	r.Get("/summary", h.summary)
	r.Get("/dashboard", h.dashboard)
	r.Post("/invalidate", h.invalidate)
}

// invalidate forces a cache refresh, e.g. after backdated corrections.
func (h *Handler) invalidate(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Invalidate(r.Context()); err != nil {
		h.logger.Error("invalidate analytics", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) spend(w http.ResponseWriter, r *http.Request) {
	groupBy := r.URL.Query().Get("group_by")
	if groupBy == "" {
		groupBy = GroupByDepartment
	}
	fiscalYear, _ := strconv.Atoi(r.URL.Query().Get("fiscal_year"))
	rows, err := h.service.Spend(r.Context(), groupBy, fiscalYear)
	if err != nil {
		h.logger.Error("spend analytics", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"group_by": groupBy, "rows": rows})
}

func (h *Handler) summary(w http.ResponseWriter, r *http.Request) {
	fiscalYear, _ := strconv.Atoi(r.URL.Query().Get("fiscal_year"))
	summary, err := h.service.Dashboard(r.Context(), fiscalYear)
	if err != nil {
		h.logger.Error("summary analytics", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, summary)
}

type dashboardResponse struct {
	Summary      Summary    `json:"summary"`
	ByDepartment []SpendRow `json:"by_department"`
	ByVendor     []SpendRow `json:"by_vendor"`
	ByQuarter    []SpendRow `json:"by_quarter"`
}

// dashboard loads the headline summary and every spend grouping in one
// round trip for the overview page.
func (h *Handler) dashboard(w http.ResponseWriter, r *http.Request) {
	fiscalYear, _ := strconv.Atoi(r.URL.Query().Get("fiscal_year"))

	var resp dashboardResponse
	g, ctx := errgroup.WithContext(r.Context())

	g.Go(func() error {
		summary, err := h.service.Dashboard(ctx, fiscalYear)
		if err != nil {
			return err
		}
		resp.Summary = summary
		return nil
	})
	for _, grouping := range []struct {
		groupBy string
		dest    *[]SpendRow
	}{
		{GroupByDepartment, &resp.ByDepartment},
		{GroupByVendor, &resp.ByVendor},
		{GroupByQuarter, &resp.ByQuarter},
	} {
		g.Go(func() error {
			rows, err := h.service.Spend(ctx, grouping.groupBy, fiscalYear)
			if err != nil {
				return err
			}
			*grouping.dest = rows
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		h.logger.Error("dashboard analytics", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, resp)
}
