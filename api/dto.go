/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:

	Defines the JSON structures for API communication. These types decouple
	the pricing domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:

	Customers:
	  CustomerDTO, SaveCustomerRequest, CommissionRequest, CommissionDTO

	Users:
	  AssignUserRequest

	Pricing links:
	  LinkDTO, CreateLinkRequest, SnapshotDTO, RegenerateRequest

	Settlement:
	  SettlementDTO, ConsolidateRequest

	Lifecycle:
	  LifecycleRunRequest

	Notifications:
	  NotificationDTO

	Settings / jobs:
	  MarginSplitRequest, MarginSplitDTO, JobRunDTO

	Scenarios:
	  ScenarioDTO, LoadScenarioRequest

VALIDATION:

	Request types carry validator/v10 tags. decodeRequest checks them and
	reports the first failing field as a pricing.ValidationError. Range
	checks on percents and rate tables stay in the pricing package.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/rates.go: Rate table JSON layouts
*/
package api

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/iso-pricing/pricing"
)

// =============================================================================
// CUSTOMERS
// =============================================================================

// CustomerDTO represents an ISO node in API responses.
type CustomerDTO struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ParentID  string `json:"parent_id,omitempty"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"created_at,omitempty"`
}

// SaveCustomerRequest creates or updates a node.
type SaveCustomerRequest struct {
	ID       string `json:"id" validate:"required,max=64"`
	Name     string `json:"name" validate:"required,max=200"`
	ParentID string `json:"parent_id" validate:"omitempty,max=64"`
	Active   *bool  `json:"active"`
}

// CommissionRequest sets an explicit commission override on a node.
type CommissionRequest struct {
	CategoryType      string          `json:"category_type" validate:"required,max=64"`
	CommissionPercent decimal.Decimal `json:"commission_percent"`
}

// CommissionDTO is the effective commission for a (user, customer) pair.
type CommissionDTO struct {
	UserID     string `json:"user_id"`
	CustomerID string `json:"customer_id"`
	pricing.EffectiveCommission
}

// AssignUserRequest attaches a platform user to a customer.
type AssignUserRequest struct {
	CustomerID string `json:"customer_id" validate:"required"`
}

// =============================================================================
// PRICING LINKS
// =============================================================================

// LinkDTO represents a pricing link in API responses.
type LinkDTO struct {
	ID          string `json:"id"`
	CustomerID  string `json:"customer_id"`
	SupplierID  string `json:"supplier_id"`
	Status      string `json:"status"`
	ValidFrom   string `json:"valid_from,omitempty"`
	ValidUntil  string `json:"valid_until,omitempty"`
	AutoRenew   bool   `json:"auto_renew"`
	Notified30d bool   `json:"notified30d"`
	Notified7d  bool   `json:"notified7d"`
	CreatedAt   string `json:"created_at,omitempty"`
	UpdatedAt   string `json:"updated_at,omitempty"`
}

// CreateLinkRequest registers a pendente link.
type CreateLinkRequest struct {
	CustomerID string `json:"customer_id" validate:"required"`
	SupplierID string `json:"supplier_id" validate:"required"`
	AutoRenew  bool   `json:"auto_renew"`
}

// ApprovalResponse is returned after a link is validated.
type ApprovalResponse struct {
	Link    LinkDTO            `json:"link"`
	Version pricing.MdrVersion `json:"version"`
}

// SnapshotDTO is one live snapshot row.
type SnapshotDTO struct {
	Method      string          `json:"method"`
	Brand       string          `json:"brand"`
	Band        string          `json:"band"`
	CostRate    decimal.Decimal `json:"cost_rate"`
	Generation  int             `json:"generation"`
	GeneratedAt string          `json:"generated_at"`
}

// RegenerateRequest lists the links to regenerate. An empty list or ["*"]
// means every validada link.
type RegenerateRequest struct {
	PricingLinkIDs []string `json:"pricing_link_ids" validate:"dive,required"`
}

// =============================================================================
// SETTLEMENT / LIFECYCLE
// =============================================================================

// SettlementDTO represents a monthly settlement row.
type SettlementDTO struct {
	ID               string          `json:"id"`
	CustomerID       string          `json:"customer_id"`
	Year             int             `json:"year"`
	Month            int             `json:"month"`
	TransactionCount int             `json:"transaction_count"`
	GrossAmount      decimal.Decimal `json:"gross_amount"`
	FeeAmount        decimal.Decimal `json:"fee_amount"`
	CostAmount       decimal.Decimal `json:"cost_amount"`
	CommissionAmount decimal.Decimal `json:"commission_amount"`
	NetAmount        decimal.Decimal `json:"net_amount"`
	UpdatedAt        string          `json:"updated_at"`
}

// ConsolidateRequest selects the period to consolidate.
type ConsolidateRequest struct {
	Month int `json:"month" validate:"min=1,max=12"`
	Year  int `json:"year" validate:"min=2000,max=9999"`
}

// LifecycleRunRequest optionally pins the evaluation instant.
type LifecycleRunRequest struct {
	Now *time.Time `json:"now"`
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

// NotificationDTO represents a stored notification.
type NotificationDTO struct {
	ID            string `json:"id"`
	CustomerID    string `json:"customer_id"`
	PricingLinkID string `json:"pricing_link_id"`
	Kind          string `json:"kind"`
	Read          bool   `json:"read"`
	CreatedAt     string `json:"created_at"`
}

// =============================================================================
// SETTINGS / JOBS
// =============================================================================

// MarginSplitRequest replaces the portal-wide margin split.
type MarginSplitRequest struct {
	Outbank   decimal.Decimal `json:"outbank"`
	Executivo decimal.Decimal `json:"executivo"`
	Core      decimal.Decimal `json:"core"`
}

// MarginSplitDTO reports the split in force and where it came from.
type MarginSplitDTO struct {
	pricing.MarginSplit
	Source string `json:"source"`
}

// JobRunDTO represents a recorded job execution.
type JobRunDTO struct {
	ID          string          `json:"id"`
	Job         string          `json:"job"`
	Status      string          `json:"status"`
	Summary     json.RawMessage `json:"summary,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   string          `json:"started_at"`
	CompletedAt string          `json:"completed_at,omitempty"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO describes a demo data set.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest is the request to load a scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

const timeFormat = time.RFC3339

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeFormat)
}

func toCustomerDTO(c pricing.Customer) CustomerDTO {
	return CustomerDTO{
		ID:        string(c.ID),
		Name:      c.Name,
		ParentID:  string(c.ParentID),
		Active:    c.Active,
		CreatedAt: formatTime(c.CreatedAt),
	}
}

func toLinkDTO(l pricing.PricingLink) LinkDTO {
	return LinkDTO{
		ID:          string(l.ID),
		CustomerID:  string(l.CustomerID),
		SupplierID:  string(l.SupplierID),
		Status:      string(l.Status),
		ValidFrom:   formatTime(l.ValidFrom),
		ValidUntil:  formatTime(l.ValidUntil),
		AutoRenew:   l.AutoRenew,
		Notified30d: l.Notified30d,
		Notified7d:  l.Notified7d,
		CreatedAt:   formatTime(l.CreatedAt),
		UpdatedAt:   formatTime(l.UpdatedAt),
	}
}

func toSnapshotDTO(s pricing.CostSnapshot) SnapshotDTO {
	return SnapshotDTO{
		Method:      string(s.Method),
		Brand:       s.Brand,
		Band:        string(s.Band),
		CostRate:    s.CostRate,
		Generation:  s.Generation,
		GeneratedAt: formatTime(s.GeneratedAt),
	}
}

func toSettlementDTO(r pricing.SettlementRecord) SettlementDTO {
	return SettlementDTO{
		ID:               r.ID,
		CustomerID:       string(r.CustomerID),
		Year:             r.Year,
		Month:            r.Month,
		TransactionCount: r.TransactionCount,
		GrossAmount:      r.GrossAmount,
		FeeAmount:        r.FeeAmount,
		CostAmount:       r.CostAmount,
		CommissionAmount: r.CommissionAmount,
		NetAmount:        r.NetAmount,
		UpdatedAt:        formatTime(r.UpdatedAt),
	}
}

func toNotificationDTO(n pricing.Notification) NotificationDTO {
	return NotificationDTO{
		ID:            string(n.ID),
		CustomerID:    string(n.CustomerID),
		PricingLinkID: string(n.PricingLinkID),
		Kind:          string(n.Kind),
		Read:          n.Read,
		CreatedAt:     formatTime(n.CreatedAt),
	}
}

func toJobRunDTO(r pricing.JobRun) JobRunDTO {
	dto := JobRunDTO{
		ID:        r.ID,
		Job:       r.Job,
		Status:    r.Status,
		Error:     r.Error,
		StartedAt: formatTime(r.StartedAt),
	}
	if r.Summary != "" {
		dto.Summary = json.RawMessage(r.Summary)
	}
	if r.CompletedAt != nil {
		dto.CompletedAt = formatTime(*r.CompletedAt)
	}
	return dto
}
