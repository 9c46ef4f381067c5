/*
Package pricing provides the financial computation core of the ISO network.

PURPOSE:

	Everything that turns a reseller tree, supplier cost tables and the
	transaction log into numbers: effective commissions, cost snapshots,
	margin breakdowns, contract lifecycle transitions and monthly
	settlement ("repasse") rows.

KEY CONCEPTS IN THIS FILE (types.go):
  - Identifiers: type-safe ids for customers, users, links, notifications
  - RateKey: payment method + card brand + installment band
  - Customer: a node of the ISO tree (parent id, never a pointer)
  - PricingLink: the MDR contract between an ISO and a supplier
  - CostSnapshot / MdrVersion: frozen supplier cost rates per generation
  - SettlementRecord: one row per (customer, year, month)

DESIGN PRINCIPLES:
 1. Precision: every rate, percent and amount is decimal.Decimal
 2. Rates and percents are normalized to RateScale places, money to MoneyScale
 3. Snapshots are immutable; regeneration swaps whole generations
 4. The tree is addressed by id; there are no back-pointers to cycle through

SEE ALSO:
  - errors.go: error taxonomy
  - store.go: persistence interfaces
  - hierarchy.go, commission.go, snapshot.go, margin.go, lifecycle.go, settlement.go
*/
package pricing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type CustomerID string
type UserID string
type SupplierID string
type PricingLinkID string
type NotificationID string

// =============================================================================
// DECIMAL SCALES
// =============================================================================

const (
	// RateScale is the number of decimal places kept for rates and percents.
	RateScale int32 = 4

	// MoneyScale is the number of decimal places kept for monetary amounts.
	MoneyScale int32 = 2
)

var (
	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)
)

// NormalizeRate rounds a rate or percent to RateScale places.
func NormalizeRate(d decimal.Decimal) decimal.Decimal { return d.Round(RateScale) }

// NormalizeMoney rounds a monetary amount to MoneyScale places.
func NormalizeMoney(d decimal.Decimal) decimal.Decimal { return d.Round(MoneyScale) }

// MustRate parses a decimal string and panics on failure. Intended for
// fixtures and constants.
func MustRate(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(fmt.Sprintf("pricing: invalid rate %q: %v", s, err))
	}
	return NormalizeRate(d)
}

// ValidatePercent rejects percents outside [0, 100].
func ValidatePercent(field string, p decimal.Decimal) error {
	if p.IsNegative() || p.GreaterThan(hundred) {
		return &ValidationError{Field: field, Message: fmt.Sprintf("must be within [0, 100], got %s", p.String())}
	}
	return nil
}

// =============================================================================
// RATE KEYS
// =============================================================================

type PaymentMethod string

const (
	MethodCredito PaymentMethod = "credito"
	MethodDebito  PaymentMethod = "debito"
	MethodPix     PaymentMethod = "pix"
	MethodVoucher PaymentMethod = "voucher"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodCredito, MethodDebito, MethodPix, MethodVoucher:
		return true
	}
	return false
}

// InstallmentBand groups installment counts that share a rate, e.g. "1",
// "2-6", "7-12".
type InstallmentBand string

// RateKey identifies one cell of a rate table.
type RateKey struct {
	Method PaymentMethod   `json:"method"`
	Brand  string          `json:"brand"`
	Band   InstallmentBand `json:"band"`
}

func (k RateKey) String() string {
	return string(k.Method) + "/" + k.Brand + "/" + string(k.Band)
}

// Less orders keys by method, brand, then band.
func (k RateKey) Less(o RateKey) bool {
	if k.Method != o.Method {
		return k.Method < o.Method
	}
	if k.Brand != o.Brand {
		return k.Brand < o.Brand
	}
	return k.Band < o.Band
}

// RateEntry is a single rate (in percent) for a key. Used both for supplier
// cost tables and for contracted merchant fees.
type RateEntry struct {
	RateKey
	Rate decimal.Decimal `json:"rate"`
}

// =============================================================================
// RESELLER TREE
// =============================================================================

// Customer is an ISO node. ParentID is empty for roots.
type Customer struct {
	ID        CustomerID
	Name      string
	ParentID  CustomerID
	Active    bool
	CreatedAt time.Time
}

func (c Customer) IsRoot() bool { return c.ParentID == "" }

// CommissionAssignment is an explicit commission override configured on a node.
type CommissionAssignment struct {
	CustomerID        CustomerID
	CategoryType      string
	CommissionPercent decimal.Decimal
}

func (a CommissionAssignment) Validate() error {
	if a.CustomerID == "" {
		return &ValidationError{Field: "customer_id", Message: "required"}
	}
	return ValidatePercent("commission_percent", a.CommissionPercent)
}

// =============================================================================
// PRICING LINKS
// =============================================================================

type LinkStatus string

const (
	LinkPendente  LinkStatus = "pendente"
	LinkValidada  LinkStatus = "validada"
	LinkRejeitada LinkStatus = "rejeitada"
	LinkExpirada  LinkStatus = "expirada"
)

// PricingLink is the MDR relationship between an ISO and a payment supplier.
type PricingLink struct {
	ID          PricingLinkID
	CustomerID  CustomerID
	SupplierID  SupplierID
	Status      LinkStatus
	ValidFrom   time.Time
	ValidUntil  time.Time
	AutoRenew   bool
	Notified30d bool
	Notified7d  bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// LinkFilter narrows ListPricingLinks. Zero values match everything.
type LinkFilter struct {
	CustomerID CustomerID
	Status     LinkStatus
}

// =============================================================================
// SNAPSHOTS
// =============================================================================

// CostSnapshot is one frozen supplier cost rate. Rows sharing a
// (PricingLinkID, Generation) form a snapshot set; the live set is the one
// with RetiredAt == nil.
type CostSnapshot struct {
	ID            string
	PricingLinkID PricingLinkID
	Generation    int
	RateKey
	CostRate    decimal.Decimal
	GeneratedAt time.Time
	RetiredAt   *time.Time
}

func (s CostSnapshot) Live() bool { return s.RetiredAt == nil }

// MdrVersion groups the snapshot rows of one generation.
type MdrVersion struct {
	PricingLinkID PricingLinkID `json:"pricing_link_id"`
	Generation    int           `json:"generation"`
	GeneratedAt   time.Time     `json:"generated_at"`
	RetiredAt     *time.Time    `json:"retired_at,omitempty"`
	Live          bool          `json:"live"`
	Rates         []RateEntry   `json:"rates"`
}

// ContractedFee is the fee charged to merchants under a customer for a key.
type ContractedFee struct {
	CustomerID CustomerID
	RateEntry
}

// =============================================================================
// SETTLEMENT
// =============================================================================

// SettlementRecord is the monthly pass-through row for a customer.
type SettlementRecord struct {
	ID               string
	CustomerID       CustomerID
	Year             int
	Month            int
	TransactionCount int
	GrossAmount      decimal.Decimal
	FeeAmount        decimal.Decimal
	CostAmount       decimal.Decimal
	CommissionAmount decimal.Decimal
	NetAmount        decimal.Decimal
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// SameFigures reports whether the derived fields of two records match.
func (r SettlementRecord) SameFigures(o SettlementRecord) bool {
	return r.TransactionCount == o.TransactionCount &&
		r.GrossAmount.Equal(o.GrossAmount) &&
		r.FeeAmount.Equal(o.FeeAmount) &&
		r.CostAmount.Equal(o.CostAmount) &&
		r.CommissionAmount.Equal(o.CommissionAmount) &&
		r.NetAmount.Equal(o.NetAmount)
}

// FeedRow is one aggregable row of the upstream transaction/commission log.
type FeedRow struct {
	TransactionID    string
	CustomerID       CustomerID
	OccurredAt       time.Time
	Amount           decimal.Decimal
	FeeAmount        decimal.Decimal
	CostAmount       decimal.Decimal
	CommissionAmount decimal.Decimal
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

type NotificationKind string

const (
	NotifyExpiring30d NotificationKind = "contrato_vence_30d"
	NotifyExpiring7d  NotificationKind = "contrato_vence_7d"
	NotifyExpired     NotificationKind = "contrato_expirado"
	NotifyRenewed     NotificationKind = "contrato_renovado"
)

type Notification struct {
	ID            NotificationID
	CustomerID    CustomerID
	PricingLinkID PricingLinkID
	Kind          NotificationKind
	Read          bool
	CreatedAt     time.Time
}

// =============================================================================
// JOB RUNS
// =============================================================================

// JobRun records one execution of a scheduled or manually triggered job.
type JobRun struct {
	ID          string
	Job         string
	Status      string // running, completed, failed
	Summary     string // JSON
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
}

const (
	JobContractLifecycle = "contract_lifecycle"
	JobSettlement        = "settlement"
	JobSnapshots         = "snapshots"
)

const (
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)
