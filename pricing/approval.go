package pricing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ApprovalInput is what the admin workflow supplies when validating a link.
type ApprovalInput struct {
	Rates      []RateEntry
	ValidFrom  time.Time // zero means now
	ValidUntil time.Time // zero means ValidFrom + RenewalMonths
	AutoRenew  *bool     // nil keeps the link's current flag
}

// LinkApprover owns the explicit status changes of a pricing link: creation
// as pendente, approval to validada and rejection.
type LinkApprover struct {
	Store         TxStore
	Snapshots     *SnapshotGenerator
	RenewalMonths int
	Now           func() time.Time
	Log           logrus.FieldLogger
}

func NewLinkApprover(store TxStore, snapshots *SnapshotGenerator, renewalMonths int, log logrus.FieldLogger) *LinkApprover {
	return &LinkApprover{
		Store:         store,
		Snapshots:     snapshots,
		RenewalMonths: renewalMonths,
		Now:           time.Now,
		Log:           orDiscard(log).WithField("component", "approval"),
	}
}

func (a *LinkApprover) now() time.Time {
	if a.Now == nil {
		return time.Now().UTC()
	}
	return a.Now().UTC()
}

// Create registers a new pendente link for a customer and supplier.
func (a *LinkApprover) Create(ctx context.Context, customerID CustomerID, supplierID SupplierID, autoRenew bool) (PricingLink, error) {
	if supplierID == "" {
		return PricingLink{}, &ValidationError{Field: "supplier_id", Message: "required"}
	}
	if _, err := a.Store.GetCustomer(ctx, customerID); err != nil {
		return PricingLink{}, Downstream("get customer", err)
	}
	now := a.now()
	link := PricingLink{
		ID:         PricingLinkID(uuid.NewString()),
		CustomerID: customerID,
		SupplierID: supplierID,
		Status:     LinkPendente,
		AutoRenew:  autoRenew,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := a.Store.SavePricingLink(ctx, link); err != nil {
		return PricingLink{}, Downstream("save pricing link", err)
	}
	return link, nil
}

// Approve validates a pendente link, or re-validates an expirada one. The
// rate table, the status change and the first snapshot generation commit
// together.
func (a *LinkApprover) Approve(ctx context.Context, id PricingLinkID, in ApprovalInput) (PricingLink, MdrVersion, error) {
	if len(in.Rates) == 0 {
		return PricingLink{}, MdrVersion{}, &ValidationError{Field: "rates", Message: "at least one rate is required"}
	}
	if err := ValidateRateTable("rates", in.Rates); err != nil {
		return PricingLink{}, MdrVersion{}, err
	}
	now := a.now()
	from := in.ValidFrom
	if from.IsZero() {
		from = now
	}
	until := in.ValidUntil
	if until.IsZero() {
		months := a.RenewalMonths
		if months <= 0 {
			months = DefaultRenewalMonths
		}
		until = from.AddDate(0, months, 0)
	}
	if !until.After(from) {
		return PricingLink{}, MdrVersion{}, &ValidationError{Field: "valid_until", Message: "must be after valid_from"}
	}

	var (
		link    PricingLink
		version MdrVersion
	)
	err := a.Store.WithTx(ctx, func(s Store) error {
		current, err := s.LockPricingLink(ctx, id)
		if err != nil {
			return err
		}
		if current.Status != LinkPendente && current.Status != LinkExpirada {
			return &InvalidStateError{Entity: "pricing_link", ID: string(id), State: string(current.Status), Operation: "approve"}
		}
		if err := s.SaveSupplierRates(ctx, id, NormalizeRateTable(in.Rates)); err != nil {
			return err
		}
		current.Status = LinkValidada
		current.ValidFrom = from.UTC()
		current.ValidUntil = until.UTC()
		current.Notified30d = false
		current.Notified7d = false
		if in.AutoRenew != nil {
			current.AutoRenew = *in.AutoRenew
		}
		current.UpdatedAt = now
		if err := s.SavePricingLink(ctx, current); err != nil {
			return err
		}
		link = current
		version, err = a.Snapshots.regenerateIn(ctx, s, current, now)
		return err
	})
	if err != nil {
		return PricingLink{}, MdrVersion{}, Downstream("approve pricing link", err)
	}

	orDiscard(a.Log).WithFields(logrus.Fields{
		"pricing_link_id": id,
		"customer_id":     link.CustomerID,
		"valid_until":     link.ValidUntil,
		"generation":      version.Generation,
	}).Info("pricing link validated")
	return link, version, nil
}

// Reject moves a pendente link to rejeitada.
func (a *LinkApprover) Reject(ctx context.Context, id PricingLinkID) (PricingLink, error) {
	var link PricingLink
	err := a.Store.WithTx(ctx, func(s Store) error {
		current, err := s.LockPricingLink(ctx, id)
		if err != nil {
			return err
		}
		if current.Status != LinkPendente {
			return &InvalidStateError{Entity: "pricing_link", ID: string(id), State: string(current.Status), Operation: "reject"}
		}
		current.Status = LinkRejeitada
		current.UpdatedAt = a.now()
		link = current
		return s.SavePricingLink(ctx, current)
	})
	if err != nil {
		return PricingLink{}, Downstream("reject pricing link", err)
	}
	return link, nil
}
