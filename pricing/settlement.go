/*
settlement.go - Monthly settlement (repasse) consolidation

PURPOSE:

	Aggregates the transaction/commission feed of every active customer for
	one month into a SettlementRecord keyed by (customer, year, month).

FIGURES:

	TransactionCount  number of feed rows
	GrossAmount       sum of transaction amounts
	FeeAmount         sum of MDR fees charged to merchants
	CostAmount        sum of supplier costs
	CommissionAmount  sum of commissions owed to the customer
	NetAmount         FeeAmount - CostAmount - CommissionAmount (platform net)

UPSERT:

	Each customer is consolidated in its own transaction holding the key
	lock. Absent records are created; records with different figures are
	overwritten in place (same ID and CreatedAt); records with identical
	figures are left untouched, so re-running a period with unchanged
	upstream data writes nothing.

	A period covers the feed's active customers plus every customer that
	already holds a record for it. A customer whose rows were all moved out
	of the month is rewritten with zero figures.
*/
package pricing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type ConsolidationResult struct {
	Year      int      `json:"year"`
	Month     int      `json:"month"`
	Success   bool     `json:"success"`
	Processed int      `json:"processed"`
	Total     int      `json:"total"`
	Created   int      `json:"created"`
	Updated   int      `json:"updated"`
	Unchanged int      `json:"unchanged"`
	Errors    []string `json:"errors"`
}

type upsertOutcome int

const (
	outcomeFailed upsertOutcome = iota
	outcomeCreated
	outcomeUpdated
	outcomeUnchanged
)

type SettlementConsolidator struct {
	Store       TxStore
	Feed        TransactionFeed
	Now         func() time.Time
	Concurrency int
	Log         logrus.FieldLogger
}

func NewSettlementConsolidator(store TxStore, feed TransactionFeed, log logrus.FieldLogger) *SettlementConsolidator {
	return &SettlementConsolidator{
		Store:       store,
		Feed:        feed,
		Now:         time.Now,
		Concurrency: DefaultConcurrency,
		Log:         orDiscard(log).WithField("component", "settlement"),
	}
}

func (c *SettlementConsolidator) now() time.Time {
	if c.Now == nil {
		return time.Now().UTC()
	}
	return c.Now().UTC()
}

func (c *SettlementConsolidator) log() logrus.FieldLogger { return orDiscard(c.Log) }

// ValidatePeriod rejects months outside 1..12 and non-positive years.
func ValidatePeriod(month, year int) error {
	if month < 1 || month > 12 {
		return &ValidationError{Field: "month", Message: fmt.Sprintf("must be within [1, 12], got %d", month)}
	}
	if year < 1 {
		return &ValidationError{Field: "year", Message: fmt.Sprintf("must be positive, got %d", year)}
	}
	return nil
}

// PreviousMonth returns the (month, year) before the one containing t.
func PreviousMonth(t time.Time) (month, year int) {
	first := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -1, 0)
	return int(first.Month()), first.Year()
}

// Consolidate upserts one settlement record per active customer.
func (c *SettlementConsolidator) Consolidate(ctx context.Context, month, year int) (ConsolidationResult, error) {
	result := ConsolidationResult{Year: year, Month: month, Errors: []string{}}
	if err := ValidatePeriod(month, year); err != nil {
		return result, err
	}

	customers, err := c.periodCustomers(ctx, month, year)
	if err != nil {
		return result, err
	}

	var mu sync.Mutex
	failed := forEach(ctx, customers, c.Concurrency,
		func(id CustomerID) string { return string(id) },
		func(ctx context.Context, id CustomerID) error {
			o, err := c.consolidateCustomer(ctx, id, month, year)
			mu.Lock()
			defer mu.Unlock()
			switch o {
			case outcomeCreated:
				result.Created++
			case outcomeUpdated:
				result.Updated++
			case outcomeUnchanged:
				result.Unchanged++
			}
			return err
		})
	for _, f := range failed {
		c.log().WithFields(logrus.Fields{
			"customer_id": f.Key,
			"year":        year,
			"month":       month,
			"code":        ErrorCode(f.Err),
		}).WithError(f.Err).Warn("settlement consolidation failed")
	}

	batch := newBatchResult(len(customers), failed)
	result.Success = batch.Success
	result.Processed = batch.Processed
	result.Total = batch.Total
	result.Errors = batch.Errors

	c.log().WithFields(logrus.Fields{
		"year":      year,
		"month":     month,
		"created":   result.Created,
		"updated":   result.Updated,
		"unchanged": result.Unchanged,
		"failed":    len(failed),
	}).Info("settlement consolidation finished")
	return result, nil
}

// periodCustomers unions the feed's active customers with those already
// settled for the period.
func (c *SettlementConsolidator) periodCustomers(ctx context.Context, month, year int) ([]CustomerID, error) {
	active, err := c.Feed.ActiveCustomers(ctx, year, month)
	if err != nil {
		return nil, Downstream("list active customers", err)
	}
	settled, err := c.Store.ListSettlements(ctx, year, month)
	if err != nil {
		return nil, Downstream("list settlements", err)
	}
	seen := make(map[CustomerID]bool, len(active)+len(settled))
	customers := make([]CustomerID, 0, len(active)+len(settled))
	for _, id := range active {
		if !seen[id] {
			seen[id] = true
			customers = append(customers, id)
		}
	}
	for _, r := range settled {
		if !seen[r.CustomerID] {
			seen[r.CustomerID] = true
			customers = append(customers, r.CustomerID)
		}
	}
	return customers, nil
}

func (c *SettlementConsolidator) consolidateCustomer(ctx context.Context, customerID CustomerID, month, year int) (upsertOutcome, error) {
	rows, err := c.Feed.TransactionsAndCommissionsFor(ctx, customerID, year, month)
	if err != nil {
		return outcomeFailed, Downstream("load transaction feed", err)
	}
	figures, err := Aggregate(customerID, month, year, rows)
	if err != nil {
		return outcomeFailed, err
	}

	outcome := outcomeFailed
	err = c.Store.WithTx(ctx, func(s Store) error {
		existing, err := s.LockSettlement(ctx, customerID, year, month)
		if err != nil {
			return err
		}
		now := c.now()
		record := figures
		switch {
		case existing == nil:
			record.ID = uuid.NewString()
			record.CreatedAt = now
			record.UpdatedAt = now
			outcome = outcomeCreated
		case existing.SameFigures(figures):
			outcome = outcomeUnchanged
			return nil
		default:
			record.ID = existing.ID
			record.CreatedAt = existing.CreatedAt
			record.UpdatedAt = now
			outcome = outcomeUpdated
		}
		return s.SaveSettlement(ctx, record)
	})
	if err != nil {
		return outcomeFailed, Downstream("save settlement", err)
	}
	return outcome, nil
}

// Aggregate sums the feed rows of one customer for one month. Rows for
// another customer, outside the month, or with negative amounts are
// rejected.
func Aggregate(customerID CustomerID, month, year int, rows []FeedRow) (SettlementRecord, error) {
	rec := SettlementRecord{
		CustomerID:       customerID,
		Year:             year,
		Month:            month,
		GrossAmount:      decimal.Zero,
		FeeAmount:        decimal.Zero,
		CostAmount:       decimal.Zero,
		CommissionAmount: decimal.Zero,
	}
	for _, r := range rows {
		if r.CustomerID != customerID {
			return SettlementRecord{}, &ValidationError{
				Field:   "customer_id",
				Message: fmt.Sprintf("transaction %s belongs to %s", r.TransactionID, r.CustomerID),
			}
		}
		at := r.OccurredAt.UTC()
		if at.Year() != year || int(at.Month()) != month {
			return SettlementRecord{}, &ValidationError{
				Field:   "occurred_at",
				Message: fmt.Sprintf("transaction %s is outside %04d-%02d", r.TransactionID, year, month),
			}
		}
		for _, f := range []struct {
			name string
			v    decimal.Decimal
		}{
			{"amount", r.Amount},
			{"fee_amount", r.FeeAmount},
			{"cost_amount", r.CostAmount},
			{"commission_amount", r.CommissionAmount},
		} {
			if f.v.IsNegative() {
				return SettlementRecord{}, &ValidationError{
					Field:   f.name,
					Message: fmt.Sprintf("transaction %s has negative value %s", r.TransactionID, f.v),
				}
			}
		}
		rec.TransactionCount++
		rec.GrossAmount = rec.GrossAmount.Add(r.Amount)
		rec.FeeAmount = rec.FeeAmount.Add(r.FeeAmount)
		rec.CostAmount = rec.CostAmount.Add(r.CostAmount)
		rec.CommissionAmount = rec.CommissionAmount.Add(r.CommissionAmount)
	}
	rec.GrossAmount = NormalizeMoney(rec.GrossAmount)
	rec.FeeAmount = NormalizeMoney(rec.FeeAmount)
	rec.CostAmount = NormalizeMoney(rec.CostAmount)
	rec.CommissionAmount = NormalizeMoney(rec.CommissionAmount)
	rec.NetAmount = rec.FeeAmount.Sub(rec.CostAmount).Sub(rec.CommissionAmount)
	return rec, nil
}

// List returns the records of a period ordered by customer.
func (c *SettlementConsolidator) List(ctx context.Context, month, year int) ([]SettlementRecord, error) {
	if err := ValidatePeriod(month, year); err != nil {
		return nil, err
	}
	out, err := c.Store.ListSettlements(ctx, year, month)
	if err != nil {
		return nil, Downstream("list settlements", err)
	}
	return out, nil
}
