/*
handlers.go - HTTP API handlers for the ISO pricing core

PURPOSE:

	Exposes the pricing core via REST API. Handles HTTP request/response,
	JSON serialization, and delegates to the pricing package.

ENDPOINTS:

	Customers (reseller tree):
	  GET    /api/customers                          List nodes
	  POST   /api/customers                          Create or update a node
	  GET    /api/customers/{id}                     Get node
	  GET    /api/customers/{id}/ancestors           Chain up to the root
	  GET    /api/customers/{id}/commission          Effective commission (?user_id=)
	  PUT    /api/customers/{id}/commission          Set explicit override
	  DELETE /api/customers/{id}/commission          Clear override
	  GET    /api/customers/{id}/fees                Contracted merchant fees
	  PUT    /api/customers/{id}/fees                Replace fee table
	  GET    /api/customers/{id}/notifications       Notifications, newest first
	  POST   /api/customers/{id}/notifications/read-all

	Users:
	  GET    /api/users/{id}/customers               Customers the user acts for
	  POST   /api/users/{id}/customers               Attach user to a customer
	  GET    /api/users/{id}/margin                  Margin breakdown

	Pricing links:
	  GET    /api/links                              List (?customer_id=&status=)
	  POST   /api/links                              Create pendente link
	  GET    /api/links/{id}                         Get link
	  POST   /api/links/{id}/approve                 Validate with a rate table
	  POST   /api/links/{id}/reject                  Reject pendente link
	  GET    /api/links/{id}/snapshots               Live cost snapshot
	  POST   /api/links/{id}/snapshots/regenerate    Regenerate one link
	  GET    /api/links/{id}/versions                MDR version history
	  POST   /api/snapshots/regenerate               Batch regeneration

	Jobs:
	  POST   /api/lifecycle/run                      Run contract lifecycle
	  POST   /api/settlements/consolidate            Consolidate a month
	  GET    /api/settlements                        List (?year=&month=)
	  GET    /api/settlements/export                 XLSX (?year=&month=)
	  GET    /api/jobs/runs                          Job history (?job=&limit=)

	Notifications / settings:
	  POST   /api/notifications/{id}/read
	  GET    /api/settings/margin-split
	  PUT    /api/settings/margin-split

	Scenarios:
	  GET    /api/scenarios                          List demo scenarios
	  POST   /api/scenarios/load                     Load a demo scenario

ARCHITECTURE:

	Handler struct holds all dependencies:
	- Store: the transactional store plus the transaction feed
	- The pricing components, built once by NewHandler
	- Settings: the read-through settings cache
	- Jobs: records manual runs and guards them with the run lock

ERROR HANDLING:

	Errors are returned as {"error", "code", "details"} with a status derived
	from pricing.ErrorCode:
	- 400: validation_error
	- 404: not_found
	- 409: invalid_state, job_running
	- 422: cycle_detected, depth_exceeded
	- 503: downstream_unavailable
	- 500: internal

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/warp/iso-pricing/cache"
	"github.com/warp/iso-pricing/factory"
	"github.com/warp/iso-pricing/notify"
	"github.com/warp/iso-pricing/pricing"
)

const maxBodyBytes = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Backend is everything the API needs from storage.
type Backend interface {
	pricing.TxStore
	pricing.TransactionFeed
	pricing.FeedRecorder

	// Reset drops every row. Used by the scenario loader.
	Reset(ctx context.Context) error
}

// Options configures NewHandler. Zero values select defaults.
type Options struct {
	MaxDepth      int
	RenewalMonths int
	Concurrency   int
	Dispatcher    pricing.Dispatcher
	Settings      *cache.Settings
	Jobs          *JobRunner
	Log           logrus.FieldLogger
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store         Backend
	RateFactory   *factory.RateFactory
	Hierarchy     *pricing.HierarchyResolver
	Commissions   *pricing.CommissionResolver
	Directory     *pricing.Directory
	Snapshots     *pricing.SnapshotGenerator
	Approver      *pricing.LinkApprover
	Margins       *pricing.MarginCalculator
	Lifecycle     *pricing.LifecycleMonitor
	Settlements   *pricing.SettlementConsolidator
	Notifications *pricing.NotificationService
	Settings      *cache.Settings
	Jobs          *JobRunner
	Log           logrus.FieldLogger
	Now           func() time.Time

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler wires the pricing components over store.
func NewHandler(store Backend, opts Options) *Handler {
	log := opts.Log
	if log == nil {
		log = discardLogger()
	}
	renewal := opts.RenewalMonths
	if renewal <= 0 {
		renewal = pricing.DefaultRenewalMonths
	}
	dispatcher := opts.Dispatcher
	if dispatcher == nil {
		dispatcher = notify.Log{Logger: log}
	}
	settings := opts.Settings
	if settings == nil {
		settings = cache.NewSettings(cache.NewMemoryBackend(), store, pricing.DefaultMarginSplit(), cache.DefaultTTL, log)
	}
	jobs := opts.Jobs
	if jobs == nil {
		jobs = NewJobRunner(store, cache.NewLocalRunLock(), log)
	}

	hierarchy := pricing.NewHierarchyResolver(store, opts.MaxDepth)
	commissions := pricing.NewCommissionResolver(hierarchy, store)
	snapshots := pricing.NewSnapshotGenerator(store, log)
	settlements := pricing.NewSettlementConsolidator(store, store, log)
	if opts.Concurrency > 0 {
		snapshots.Concurrency = opts.Concurrency
		settlements.Concurrency = opts.Concurrency
	}

	return &Handler{
		Store:         store,
		RateFactory:   factory.NewRateFactory(),
		Hierarchy:     hierarchy,
		Commissions:   commissions,
		Directory:     pricing.NewDirectory(store, hierarchy),
		Snapshots:     snapshots,
		Approver:      pricing.NewLinkApprover(store, snapshots, renewal, log),
		Margins:       pricing.NewMarginCalculator(store, commissions, settings),
		Lifecycle:     pricing.NewLifecycleMonitor(store, snapshots, dispatcher, renewal, log),
		Settlements:   settlements,
		Notifications: &pricing.NotificationService{Store: store},
		Settings:      settings,
		Jobs:          jobs,
		Log:           log.WithField("component", "http"),
		Now:           time.Now,
	}
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func (h *Handler) now() time.Time { return h.Now().UTC() }

// SetClock replaces the time source of the handler and of every component
// that stamps rows.
func (h *Handler) SetClock(now func() time.Time) {
	h.Now = now
	h.Directory.Now = now
	h.Snapshots.Now = now
	h.Approver.Now = now
	h.Settlements.Now = now
	h.Jobs.Now = now
}

// Health reports whether the store is reachable.
// GET /api/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Store.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(r.Context()); err != nil {
			h.writeError(w, r, "Store unavailable", pricing.Downstream("ping", err))
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// CUSTOMER HANDLERS
// =============================================================================

// ListCustomers returns every node of the tree.
func (h *Handler) ListCustomers(w http.ResponseWriter, r *http.Request) {
	customers, err := h.Store.ListCustomers(r.Context())
	if err != nil {
		h.writeError(w, r, "Failed to list customers", pricing.Downstream("list customers", err))
		return
	}
	dtos := make([]CustomerDTO, len(customers))
	for i, c := range customers {
		dtos[i] = toCustomerDTO(c)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetCustomer returns a single node.
func (h *Handler) GetCustomer(w http.ResponseWriter, r *http.Request) {
	c, err := h.Store.GetCustomer(r.Context(), pricing.CustomerID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeError(w, r, "Customer not found", pricing.Downstream("get customer", err))
		return
	}
	writeJSON(w, http.StatusOK, toCustomerDTO(c))
}

// SaveCustomer creates a node or updates name, parent and active flag.
func (h *Handler) SaveCustomer(w http.ResponseWriter, r *http.Request) {
	var req SaveCustomerRequest
	if err := decodeRequest(w, r, &req); err != nil {
		h.writeError(w, r, "Invalid request body", err)
		return
	}

	c := pricing.Customer{
		ID:       pricing.CustomerID(req.ID),
		Name:     req.Name,
		ParentID: pricing.CustomerID(req.ParentID),
		Active:   true,
	}
	status := http.StatusCreated
	existing, err := h.Store.GetCustomer(r.Context(), c.ID)
	switch {
	case err == nil:
		c.Active = existing.Active
		c.CreatedAt = existing.CreatedAt
		status = http.StatusOK
	case !pricing.IsNotFound(err):
		h.writeError(w, r, "Failed to load customer", pricing.Downstream("get customer", err))
		return
	}
	if req.Active != nil {
		c.Active = *req.Active
	}

	if err := h.Directory.SaveCustomer(r.Context(), c); err != nil {
		h.writeError(w, r, "Failed to save customer", err)
		return
	}
	saved, err := h.Store.GetCustomer(r.Context(), c.ID)
	if err != nil {
		h.writeError(w, r, "Failed to load customer", pricing.Downstream("get customer", err))
		return
	}
	writeJSON(w, status, toCustomerDTO(saved))
}

// GetAncestors returns the chain from the node up to its root.
func (h *Handler) GetAncestors(w http.ResponseWriter, r *http.Request) {
	chain, err := h.Hierarchy.Ancestors(r.Context(), pricing.CustomerID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeError(w, r, "Failed to resolve hierarchy", err)
		return
	}
	dtos := make([]CustomerDTO, len(chain))
	for i, c := range chain {
		dtos[i] = toCustomerDTO(c)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ResolveCommission returns the effective commission of a user on a node.
// The user defaults to the caller.
func (h *Handler) ResolveCommission(w http.ResponseWriter, r *http.Request) {
	customerID := pricing.CustomerID(chi.URLParam(r, "id"))
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		if c := ClaimsFrom(r.Context()); c != nil {
			userID = c.UserID
		}
	}

	ec, err := h.Commissions.Resolve(r.Context(), pricing.UserID(userID), customerID)
	if err != nil {
		h.writeError(w, r, "Failed to resolve commission", err)
		return
	}
	writeJSON(w, http.StatusOK, CommissionDTO{
		UserID:              userID,
		CustomerID:          string(customerID),
		EffectiveCommission: ec,
	})
}

// SetCommission configures an explicit override on a node.
func (h *Handler) SetCommission(w http.ResponseWriter, r *http.Request) {
	var req CommissionRequest
	if err := decodeRequest(w, r, &req); err != nil {
		h.writeError(w, r, "Invalid request body", err)
		return
	}
	a := pricing.CommissionAssignment{
		CustomerID:        pricing.CustomerID(chi.URLParam(r, "id")),
		CategoryType:      req.CategoryType,
		CommissionPercent: req.CommissionPercent,
	}
	if err := h.Directory.SetCommission(r.Context(), a); err != nil {
		h.writeError(w, r, "Failed to set commission", err)
		return
	}
	a.CommissionPercent = pricing.NormalizeRate(a.CommissionPercent)
	writeJSON(w, http.StatusOK, map[string]any{
		"customer_id":        a.CustomerID,
		"category_type":      a.CategoryType,
		"commission_percent": a.CommissionPercent,
	})
}

// ClearCommission removes the override so the node inherits again.
func (h *Handler) ClearCommission(w http.ResponseWriter, r *http.Request) {
	if err := h.Directory.ClearCommission(r.Context(), pricing.CustomerID(chi.URLParam(r, "id"))); err != nil {
		h.writeError(w, r, "Failed to clear commission", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetContractedFees returns the merchant fee table of a node.
func (h *Handler) GetContractedFees(w http.ResponseWriter, r *http.Request) {
	id := pricing.CustomerID(chi.URLParam(r, "id"))
	if _, err := h.Store.GetCustomer(r.Context(), id); err != nil {
		h.writeError(w, r, "Customer not found", pricing.Downstream("get customer", err))
		return
	}
	fees, err := h.Store.ListContractedFees(r.Context(), id)
	if err != nil {
		h.writeError(w, r, "Failed to list fees", pricing.Downstream("list contracted fees", err))
		return
	}
	rates := make([]pricing.RateEntry, len(fees))
	for i, f := range fees {
		rates[i] = f.RateEntry
	}
	writeJSON(w, http.StatusOK, h.RateFactory.ToJSON(rates))
}

// SetContractedFees replaces the merchant fee table of a node. The body is
// a rate table in either factory layout.
func (h *Handler) SetContractedFees(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		h.writeError(w, r, "Invalid request body", err)
		return
	}
	fees, err := h.RateFactory.ParseRateTable(body)
	if err != nil {
		h.writeError(w, r, "Invalid fee table", err)
		return
	}
	if err := h.Directory.SetContractedFees(r.Context(), pricing.CustomerID(chi.URLParam(r, "id")), fees); err != nil {
		h.writeError(w, r, "Failed to save fees", err)
		return
	}
	writeJSON(w, http.StatusOK, h.RateFactory.ToJSON(fees))
}

// =============================================================================
// USER HANDLERS
// =============================================================================

// ListUserCustomers returns the customers a user acts for.
func (h *Handler) ListUserCustomers(w http.ResponseWriter, r *http.Request) {
	ids, err := h.Store.ListUserCustomers(r.Context(), pricing.UserID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeError(w, r, "Failed to list customers", pricing.Downstream("list user customers", err))
		return
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	writeJSON(w, http.StatusOK, out)
}

// AssignUser attaches a user to a customer.
func (h *Handler) AssignUser(w http.ResponseWriter, r *http.Request) {
	var req AssignUserRequest
	if err := decodeRequest(w, r, &req); err != nil {
		h.writeError(w, r, "Invalid request body", err)
		return
	}
	userID := pricing.UserID(chi.URLParam(r, "id"))
	if err := h.Directory.AssignUser(r.Context(), userID, pricing.CustomerID(req.CustomerID)); err != nil {
		h.writeError(w, r, "Failed to assign user", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"user_id": string(userID), "customer_id": req.CustomerID})
}

// GetMarginBreakdown computes the margin breakdown of a user. Non-admins
// may only read their own.
func (h *Handler) GetMarginBreakdown(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	if c := ClaimsFrom(r.Context()); c != nil && !c.IsAdmin && c.UserID != userID {
		writeJSON(w, http.StatusForbidden, ErrorResponse{Error: "cannot read another user's margin", Code: "forbidden"})
		return
	}
	breakdown, err := h.Margins.Compute(r.Context(), pricing.UserID(userID))
	if err != nil {
		h.writeError(w, r, "Failed to compute margin", err)
		return
	}
	writeJSON(w, http.StatusOK, breakdown)
}

// =============================================================================
// PRICING LINK HANDLERS
// =============================================================================

// ListLinks returns links filtered by customer_id and status.
func (h *Handler) ListLinks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	links, err := h.Store.ListPricingLinks(r.Context(), pricing.LinkFilter{
		CustomerID: pricing.CustomerID(q.Get("customer_id")),
		Status:     pricing.LinkStatus(q.Get("status")),
	})
	if err != nil {
		h.writeError(w, r, "Failed to list links", pricing.Downstream("list pricing links", err))
		return
	}
	dtos := make([]LinkDTO, len(links))
	for i, l := range links {
		dtos[i] = toLinkDTO(l)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateLink registers a pendente link.
func (h *Handler) CreateLink(w http.ResponseWriter, r *http.Request) {
	var req CreateLinkRequest
	if err := decodeRequest(w, r, &req); err != nil {
		h.writeError(w, r, "Invalid request body", err)
		return
	}
	link, err := h.Approver.Create(r.Context(), pricing.CustomerID(req.CustomerID), pricing.SupplierID(req.SupplierID), req.AutoRenew)
	if err != nil {
		h.writeError(w, r, "Failed to create link", err)
		return
	}
	writeJSON(w, http.StatusCreated, toLinkDTO(link))
}

// GetLink returns a single link.
func (h *Handler) GetLink(w http.ResponseWriter, r *http.Request) {
	link, err := h.Store.GetPricingLink(r.Context(), pricing.PricingLinkID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeError(w, r, "Link not found", pricing.Downstream("get pricing link", err))
		return
	}
	writeJSON(w, http.StatusOK, toLinkDTO(link))
}

// ApproveLink validates a link with its supplier cost table and writes the
// first snapshot generation.
func (h *Handler) ApproveLink(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		h.writeError(w, r, "Invalid request body", err)
		return
	}
	in, err := h.RateFactory.ParseApproval(body)
	if err != nil {
		h.writeError(w, r, "Invalid approval", err)
		return
	}
	link, version, err := h.Approver.Approve(r.Context(), pricing.PricingLinkID(chi.URLParam(r, "id")), in)
	if err != nil {
		h.writeError(w, r, "Failed to approve link", err)
		return
	}
	writeJSON(w, http.StatusOK, ApprovalResponse{Link: toLinkDTO(link), Version: version})
}

// RejectLink rejects a pendente link.
func (h *Handler) RejectLink(w http.ResponseWriter, r *http.Request) {
	link, err := h.Approver.Reject(r.Context(), pricing.PricingLinkID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeError(w, r, "Failed to reject link", err)
		return
	}
	writeJSON(w, http.StatusOK, toLinkDTO(link))
}

// GetLiveSnapshots returns the live cost snapshot of a link.
func (h *Handler) GetLiveSnapshots(w http.ResponseWriter, r *http.Request) {
	rows, err := h.Snapshots.Live(r.Context(), pricing.PricingLinkID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeError(w, r, "Failed to load snapshots", err)
		return
	}
	dtos := make([]SnapshotDTO, len(rows))
	for i, s := range rows {
		dtos[i] = toSnapshotDTO(s)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// RegenerateLink regenerates the snapshot of one link.
func (h *Handler) RegenerateLink(w http.ResponseWriter, r *http.Request) {
	version, err := h.Snapshots.Regenerate(r.Context(), pricing.PricingLinkID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeError(w, r, "Failed to regenerate snapshots", err)
		return
	}
	writeJSON(w, http.StatusOK, version)
}

// GetVersionHistory returns every snapshot generation, newest first.
func (h *Handler) GetVersionHistory(w http.ResponseWriter, r *http.Request) {
	versions, err := h.Snapshots.History(r.Context(), pricing.PricingLinkID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeError(w, r, "Failed to load version history", err)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

// RegenerateAll regenerates the listed links, or every validada link when
// the list is empty or ["*"].
func (h *Handler) RegenerateAll(w http.ResponseWriter, r *http.Request) {
	var req RegenerateRequest
	if err := decodeOptional(w, r, &req); err != nil {
		h.writeError(w, r, "Invalid request body", err)
		return
	}
	var ids []pricing.PricingLinkID
	for _, id := range req.PricingLinkIDs {
		if id == "*" {
			ids = nil
			break
		}
		ids = append(ids, pricing.PricingLinkID(id))
	}

	var result pricing.BatchResult
	_, err := h.Jobs.Run(r.Context(), pricing.JobSnapshots, func(ctx context.Context) (any, error) {
		var err error
		result, err = h.Snapshots.RegenerateAll(ctx, ids)
		return result, err
	})
	if err != nil {
		h.writeError(w, r, "Failed to regenerate snapshots", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// =============================================================================
// JOB HANDLERS
// =============================================================================

// RunLifecycle runs the contract lifecycle monitor once. The body may pin
// "now"; it defaults to the current time.
func (h *Handler) RunLifecycle(w http.ResponseWriter, r *http.Request) {
	var req LifecycleRunRequest
	if err := decodeOptional(w, r, &req); err != nil {
		h.writeError(w, r, "Invalid request body", err)
		return
	}
	now := h.now()
	if req.Now != nil {
		now = req.Now.UTC()
	}

	var result pricing.LifecycleResult
	_, err := h.Jobs.Run(r.Context(), pricing.JobContractLifecycle, func(ctx context.Context) (any, error) {
		var err error
		result, err = h.Lifecycle.Run(ctx, now)
		return result, err
	})
	if err != nil {
		h.writeError(w, r, "Lifecycle run failed", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ConsolidateSettlements consolidates one month.
func (h *Handler) ConsolidateSettlements(w http.ResponseWriter, r *http.Request) {
	var req ConsolidateRequest
	if err := decodeRequest(w, r, &req); err != nil {
		h.writeError(w, r, "Invalid request body", err)
		return
	}

	var result pricing.ConsolidationResult
	_, err := h.Jobs.Run(r.Context(), pricing.JobSettlement, func(ctx context.Context) (any, error) {
		var err error
		result, err = h.Settlements.Consolidate(ctx, req.Month, req.Year)
		return result, err
	})
	if err != nil {
		h.writeError(w, r, "Consolidation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ListSettlements returns the records of a period.
func (h *Handler) ListSettlements(w http.ResponseWriter, r *http.Request) {
	month, year, err := h.period(r)
	if err != nil {
		h.writeError(w, r, "Invalid period", err)
		return
	}
	records, err := h.Settlements.List(r.Context(), month, year)
	if err != nil {
		h.writeError(w, r, "Failed to list settlements", err)
		return
	}
	dtos := make([]SettlementDTO, len(records))
	for i, rec := range records {
		dtos[i] = toSettlementDTO(rec)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ExportSettlements streams the records of a period as an XLSX workbook.
func (h *Handler) ExportSettlements(w http.ResponseWriter, r *http.Request) {
	month, year, err := h.period(r)
	if err != nil {
		h.writeError(w, r, "Invalid period", err)
		return
	}
	records, err := h.Settlements.List(r.Context(), month, year)
	if err != nil {
		h.writeError(w, r, "Failed to list settlements", err)
		return
	}
	customers, err := h.Store.ListCustomers(r.Context())
	if err != nil {
		h.writeError(w, r, "Failed to list customers", pricing.Downstream("list customers", err))
		return
	}
	names := make(map[pricing.CustomerID]string, len(customers))
	for _, c := range customers {
		names[c.ID] = c.Name
	}

	f, err := SettlementWorkbook(records, names, year, month)
	if err != nil {
		h.writeError(w, r, "Failed to build workbook", err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=repasse-%04d-%02d.xlsx", year, month))
	if err := f.Write(w); err != nil {
		h.Log.WithError(err).Warn("failed to write workbook")
	}
}

// ListJobRuns returns recorded runs, newest first.
func (h *Handler) ListJobRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 500 {
			h.writeError(w, r, "Invalid limit", &pricing.ValidationError{Field: "limit", Message: "must be within [1, 500]"})
			return
		}
		limit = n
	}
	runs, err := h.Store.ListJobRuns(r.Context(), r.URL.Query().Get("job"), limit)
	if err != nil {
		h.writeError(w, r, "Failed to list job runs", pricing.Downstream("list job runs", err))
		return
	}
	dtos := make([]JobRunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toJobRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// NOTIFICATION HANDLERS
// =============================================================================

// ListNotifications returns the notifications of a customer.
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	items, err := h.Notifications.List(r.Context(), pricing.CustomerID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeError(w, r, "Failed to list notifications", err)
		return
	}
	dtos := make([]NotificationDTO, len(items))
	for i, n := range items {
		dtos[i] = toNotificationDTO(n)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// MarkNotificationRead marks one notification as read.
func (h *Handler) MarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	if err := h.Notifications.MarkRead(r.Context(), pricing.NotificationID(chi.URLParam(r, "id"))); err != nil {
		h.writeError(w, r, "Failed to mark notification", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MarkAllNotificationsRead marks every notification of a customer as read.
func (h *Handler) MarkAllNotificationsRead(w http.ResponseWriter, r *http.Request) {
	n, err := h.Notifications.MarkAllRead(r.Context(), pricing.CustomerID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeError(w, r, "Failed to mark notifications", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": n})
}

// =============================================================================
// SETTINGS HANDLERS
// =============================================================================

// GetMarginSplit returns the split in force.
func (h *Handler) GetMarginSplit(w http.ResponseWriter, r *http.Request) {
	ps, err := h.Settings.Get(r.Context())
	if err != nil {
		h.writeError(w, r, "Failed to load settings", err)
		return
	}
	writeJSON(w, http.StatusOK, MarginSplitDTO{MarginSplit: ps.MarginSplit, Source: ps.Source})
}

// UpdateMarginSplit stores a new split and invalidates the settings cache.
func (h *Handler) UpdateMarginSplit(w http.ResponseWriter, r *http.Request) {
	var req MarginSplitRequest
	if err := decodeRequest(w, r, &req); err != nil {
		h.writeError(w, r, "Invalid request body", err)
		return
	}
	split, err := h.Settings.SaveMarginSplit(r.Context(), pricing.MarginSplit{
		Outbank:   req.Outbank,
		Executivo: req.Executivo,
		Core:      req.Core,
	})
	if err != nil {
		h.writeError(w, r, "Failed to save margin split", err)
		return
	}
	writeJSON(w, http.StatusOK, MarginSplitDTO{MarginSplit: split, Source: "stored"})
}

// =============================================================================
// HELPERS
// =============================================================================

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, &pricing.ValidationError{Field: "body", Message: err.Error()}
	}
	return body, nil
}

// decodeRequest decodes a JSON body into dst and runs its validate tags.
func decodeRequest(w http.ResponseWriter, r *http.Request, dst any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst); err != nil {
		return &pricing.ValidationError{Field: "body", Message: err.Error()}
	}
	return validateStruct(dst)
}

// decodeOptional is decodeRequest for endpoints whose body may be empty.
func decodeOptional(w http.ResponseWriter, r *http.Request, dst any) error {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst)
	if err != nil && !errors.Is(err, io.EOF) {
		return &pricing.ValidationError{Field: "body", Message: err.Error()}
	}
	return validateStruct(dst)
}

func validateStruct(dst any) error {
	err := validate.Struct(dst)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &pricing.ValidationError{Field: fe.Field(), Message: fmt.Sprintf("failed %q validation", fe.Tag())}
	}
	return &pricing.ValidationError{Field: "body", Message: err.Error()}
}

// period reads ?year=&month=, defaulting to the previous calendar month.
func (h *Handler) period(r *http.Request) (month, year int, err error) {
	q := r.URL.Query()
	if q.Get("month") == "" && q.Get("year") == "" {
		month, year = pricing.PreviousMonth(h.now())
		return month, year, nil
	}
	if month, err = strconv.Atoi(q.Get("month")); err != nil {
		return 0, 0, &pricing.ValidationError{Field: "month", Message: "must be an integer"}
	}
	if year, err = strconv.Atoi(q.Get("year")); err != nil {
		return 0, 0, &pricing.ValidationError{Field: "year", Message: "must be an integer"}
	}
	return month, year, pricing.ValidatePeriod(month, year)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// statusFor maps an error to its HTTP status and stable code.
func statusFor(err error) (int, string) {
	if errors.Is(err, cache.ErrLocked) {
		return http.StatusConflict, "job_running"
	}
	code := pricing.ErrorCode(err)
	switch code {
	case pricing.CodeValidation:
		return http.StatusBadRequest, code
	case pricing.CodeNotFound:
		return http.StatusNotFound, code
	case pricing.CodeInvalidState:
		return http.StatusConflict, code
	case pricing.CodeCycleDetected, pricing.CodeDepthExceeded:
		return http.StatusUnprocessableEntity, code
	case pricing.CodeDownstreamUnavailable:
		return http.StatusServiceUnavailable, code
	default:
		return http.StatusInternalServerError, code
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, message string, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Log.WithFields(logrus.Fields{
			"request_id": middleware.GetReqID(r.Context()),
			"path":       r.URL.Path,
			"code":       code,
		}).WithError(err).Error(message)
	}
	resp := ErrorResponse{Error: message, Code: code}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
