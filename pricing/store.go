/*
store.go - Persistence interfaces for the pricing core

PURPOSE:

	Defines the boundary between the pricing computations and the
	relational store. Components depend on the narrowest interface they
	need (the hierarchy resolver only sees CustomerReader); the composed
	Store is what backends implement.

KEY INTERFACES:

	Store:            every entity the core reads or writes
	TxStore:          Store + WithTx (one unit of work, all-or-nothing)
	TransactionFeed:  the external, already-populated transaction log

LOCKING CONTRACT:

	LockPricingLink and LockSettlement must be called inside WithTx. They
	serialize concurrent units of work on the same pricing link or on the
	same (customer, year, month) key until the transaction ends. Backends
	may serialize more coarsely than that.

IMPLEMENTATIONS:
  - pricing/store/memory.go: in-memory, for tests and dev mode
  - store/sqlite/sqlite.go: default backend
  - store/postgres/postgres.go: gorm/PostgreSQL with row-level locks
*/
package pricing

import (
	"context"
	"time"
)

// =============================================================================
// READ/WRITE SLICES
// =============================================================================

// CustomerReader is all the hierarchy resolver needs.
type CustomerReader interface {
	// GetCustomer returns a *NotFoundError when the id is unknown.
	GetCustomer(ctx context.Context, id CustomerID) (Customer, error)
}

type CustomerStore interface {
	CustomerReader
	SaveCustomer(ctx context.Context, c Customer) error
	ListCustomers(ctx context.Context) ([]Customer, error)
}

// CommissionReader returns (nil, nil) when a customer has no explicit assignment.
type CommissionReader interface {
	GetCommissionAssignment(ctx context.Context, id CustomerID) (*CommissionAssignment, error)
}

type CommissionStore interface {
	CommissionReader
	SaveCommissionAssignment(ctx context.Context, a CommissionAssignment) error
	DeleteCommissionAssignment(ctx context.Context, id CustomerID) error
}

// UserStore maps platform users to the customers they act for.
type UserStore interface {
	ListUserCustomers(ctx context.Context, userID UserID) ([]CustomerID, error)
	AssignUserCustomer(ctx context.Context, userID UserID, customerID CustomerID) error
}

type PricingLinkStore interface {
	GetPricingLink(ctx context.Context, id PricingLinkID) (PricingLink, error)

	// LockPricingLink reads the link and holds a write lock on it until the
	// enclosing transaction ends.
	LockPricingLink(ctx context.Context, id PricingLinkID) (PricingLink, error)

	ListPricingLinks(ctx context.Context, filter LinkFilter) ([]PricingLink, error)
	SavePricingLink(ctx context.Context, l PricingLink) error
}

type RateStore interface {
	// ListSupplierRates returns the validated supplier cost table of a link.
	ListSupplierRates(ctx context.Context, linkID PricingLinkID) ([]RateEntry, error)

	// SaveSupplierRates replaces the whole cost table of a link.
	SaveSupplierRates(ctx context.Context, linkID PricingLinkID, rates []RateEntry) error

	ListContractedFees(ctx context.Context, customerID CustomerID) ([]ContractedFee, error)

	// SaveContractedFees replaces the whole merchant fee table of a customer.
	SaveContractedFees(ctx context.Context, customerID CustomerID, fees []RateEntry) error
}

type SnapshotStore interface {
	// ListLiveSnapshots returns the rows of the live generation, ordered by key.
	ListLiveSnapshots(ctx context.Context, linkID PricingLinkID) ([]CostSnapshot, error)

	// ListSnapshotHistory returns every row of every generation, newest
	// generation first.
	ListSnapshotHistory(ctx context.Context, linkID PricingLinkID) ([]CostSnapshot, error)

	// LatestSnapshotGeneration returns 0 when the link has never been snapshotted.
	LatestSnapshotGeneration(ctx context.Context, linkID PricingLinkID) (int, error)

	// ReplaceSnapshots retires the live generation (RetiredAt = retiredAt)
	// and inserts rows as the new live generation. Callers run it inside
	// WithTx so the swap is a single commit.
	ReplaceSnapshots(ctx context.Context, linkID PricingLinkID, rows []CostSnapshot, retiredAt time.Time) error
}

type SettlementStore interface {
	// LockSettlement holds a write lock on the (customer, year, month) key
	// until the enclosing transaction ends and returns the existing record,
	// or nil when there is none.
	LockSettlement(ctx context.Context, customerID CustomerID, year, month int) (*SettlementRecord, error)

	// SaveSettlement inserts or overwrites the record for its key.
	SaveSettlement(ctx context.Context, r SettlementRecord) error

	ListSettlements(ctx context.Context, year, month int) ([]SettlementRecord, error)
}

type NotificationStore interface {
	CreateNotification(ctx context.Context, n Notification) error

	// ListNotifications returns newest first.
	ListNotifications(ctx context.Context, customerID CustomerID) ([]Notification, error)

	MarkNotificationRead(ctx context.Context, id NotificationID) error
	MarkAllNotificationsRead(ctx context.Context, customerID CustomerID) (int, error)
}

// SettingsStore persists portal-wide settings.
type SettingsStore interface {
	// GetMarginSplit returns (nil, nil) when no split has been configured.
	GetMarginSplit(ctx context.Context) (*MarginSplit, error)
	SaveMarginSplit(ctx context.Context, s MarginSplit) error
}

type JobRunStore interface {
	SaveJobRun(ctx context.Context, r JobRun) error

	// ListJobRuns returns newest first. An empty job matches all jobs.
	ListJobRuns(ctx context.Context, job string, limit int) ([]JobRun, error)
}

// =============================================================================
// COMPOSED STORE
// =============================================================================

type Store interface {
	CustomerStore
	CommissionStore
	UserStore
	PricingLinkStore
	RateStore
	SnapshotStore
	SettlementStore
	NotificationStore
	SettingsStore
	JobRunStore
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// TRANSACTION FEED - External collaborator, read-only to the core
// =============================================================================

type TransactionFeed interface {
	// ActiveCustomers lists customers with at least one feed row in the month.
	ActiveCustomers(ctx context.Context, year, month int) ([]CustomerID, error)

	TransactionsAndCommissionsFor(ctx context.Context, customerID CustomerID, year, month int) ([]FeedRow, error)
}

// FeedRecorder appends rows to the transaction log. Only the demo scenario
// loader and tests write the feed; production ingestion happens upstream.
type FeedRecorder interface {
	RecordTransactions(ctx context.Context, rows []FeedRow) error
}
