/*
Package postgres provides a PostgreSQL implementation of the pricing store
on top of gorm.

CONCURRENCY:

	Unlike the SQLite store, many connections run at once here, so the
	exclusive reads are real row locks:
	  - LockPricingLink selects the link FOR UPDATE.
	  - LockSettlement takes a transaction-scoped advisory lock on the
	    (customer, year, month) key before reading, which also serializes
	    the first insert when no row exists yet.
	Both only make sense inside WithTx; outside a transaction the lock is
	released as soon as the statement finishes.

SCHEMA:

	Tables are created by AutoMigrate from the row models below. The
	partial index on live snapshots is created by hand since gorm tags
	cannot express a WHERE clause.
*/
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/warp/iso-pricing/pricing"
)

// =============================================================================
// ROW MODELS
// =============================================================================

type customerRow struct {
	ID        string  `gorm:"primaryKey"`
	Name      string  `gorm:"not null"`
	ParentID  *string `gorm:"index"`
	Active    bool    `gorm:"not null;default:true"`
	CreatedAt time.Time
}

func (customerRow) TableName() string { return "customers" }

type commissionRow struct {
	CustomerID        string          `gorm:"primaryKey"`
	CategoryType      string          `gorm:"not null"`
	CommissionPercent decimal.Decimal `gorm:"type:numeric(9,4);not null"`
}

func (commissionRow) TableName() string { return "commission_assignments" }

type userCustomerRow struct {
	UserID     string `gorm:"primaryKey"`
	CustomerID string `gorm:"primaryKey"`
}

func (userCustomerRow) TableName() string { return "user_customers" }

type linkRow struct {
	ID          string `gorm:"primaryKey"`
	CustomerID  string `gorm:"index;not null"`
	SupplierID  string `gorm:"not null"`
	Status      string `gorm:"index;not null"`
	ValidFrom   *time.Time
	ValidUntil  *time.Time
	AutoRenew   bool
	Notified30d bool `gorm:"column:notified_30d"`
	Notified7d  bool `gorm:"column:notified_7d"`
	CreatedAt   time.Time
	UpdatedAt   time.Time `gorm:"autoUpdateTime:false"`
}

func (linkRow) TableName() string { return "pricing_links" }

type rateRow struct {
	PricingLinkID string          `gorm:"primaryKey"`
	Method        string          `gorm:"primaryKey"`
	Brand         string          `gorm:"primaryKey"`
	Band          string          `gorm:"primaryKey"`
	Rate          decimal.Decimal `gorm:"type:numeric(9,4);not null"`
}

func (rateRow) TableName() string { return "supplier_rates" }

type feeRow struct {
	CustomerID string          `gorm:"primaryKey"`
	Method     string          `gorm:"primaryKey"`
	Brand      string          `gorm:"primaryKey"`
	Band       string          `gorm:"primaryKey"`
	FeeRate    decimal.Decimal `gorm:"type:numeric(9,4);not null"`
}

func (feeRow) TableName() string { return "contracted_fees" }

type snapshotRow struct {
	ID            string          `gorm:"primaryKey"`
	PricingLinkID string          `gorm:"not null;uniqueIndex:idx_cost_snapshots_generation,priority:1"`
	Generation    int             `gorm:"not null;uniqueIndex:idx_cost_snapshots_generation,priority:2"`
	Method        string          `gorm:"not null;uniqueIndex:idx_cost_snapshots_generation,priority:3"`
	Brand         string          `gorm:"not null;uniqueIndex:idx_cost_snapshots_generation,priority:4"`
	Band          string          `gorm:"not null;uniqueIndex:idx_cost_snapshots_generation,priority:5"`
	CostRate      decimal.Decimal `gorm:"type:numeric(9,4);not null"`
	GeneratedAt   time.Time       `gorm:"not null"`
	RetiredAt     *time.Time
}

func (snapshotRow) TableName() string { return "cost_snapshots" }

type settlementRow struct {
	ID               string          `gorm:"primaryKey"`
	CustomerID       string          `gorm:"not null;uniqueIndex:idx_settlements_period,priority:1"`
	Year             int             `gorm:"not null;uniqueIndex:idx_settlements_period,priority:2"`
	Month            int             `gorm:"not null;uniqueIndex:idx_settlements_period,priority:3"`
	TransactionCount int             `gorm:"not null"`
	GrossAmount      decimal.Decimal `gorm:"type:numeric(18,2);not null"`
	FeeAmount        decimal.Decimal `gorm:"type:numeric(18,2);not null"`
	CostAmount       decimal.Decimal `gorm:"type:numeric(18,2);not null"`
	CommissionAmount decimal.Decimal `gorm:"type:numeric(18,2);not null"`
	NetAmount        decimal.Decimal `gorm:"type:numeric(18,2);not null"`
	CreatedAt        time.Time
	UpdatedAt        time.Time `gorm:"autoUpdateTime:false"`
}

func (settlementRow) TableName() string { return "settlements" }

type notificationRow struct {
	ID            string `gorm:"primaryKey"`
	CustomerID    string `gorm:"index:idx_notifications_customer,priority:1;not null"`
	PricingLinkID *string
	Kind          string    `gorm:"not null"`
	Read          bool      `gorm:"not null;default:false"`
	CreatedAt     time.Time `gorm:"index:idx_notifications_customer,priority:2"`
}

func (notificationRow) TableName() string { return "notifications" }

type settingRow struct {
	Key       string `gorm:"primaryKey"`
	Value     string `gorm:"type:jsonb;not null"`
	UpdatedAt time.Time
}

func (settingRow) TableName() string { return "portal_settings" }

type jobRunRow struct {
	ID          string `gorm:"primaryKey"`
	Job         string `gorm:"index:idx_job_runs_job,priority:1;not null"`
	Status      string `gorm:"not null"`
	Summary     string
	Error       string
	StartedAt   time.Time `gorm:"index:idx_job_runs_job,priority:2;not null"`
	CompletedAt *time.Time
}

func (jobRunRow) TableName() string { return "job_runs" }

type transactionRow struct {
	ID               string          `gorm:"primaryKey"`
	CustomerID       string          `gorm:"index:idx_transactions_customer_time,priority:1;not null"`
	OccurredAt       time.Time       `gorm:"index:idx_transactions_customer_time,priority:2;not null"`
	Amount           decimal.Decimal `gorm:"type:numeric(18,2);not null"`
	FeeAmount        decimal.Decimal `gorm:"type:numeric(18,2);not null"`
	CostAmount       decimal.Decimal `gorm:"type:numeric(18,2);not null"`
	CommissionAmount decimal.Decimal `gorm:"type:numeric(18,2);not null"`
}

func (transactionRow) TableName() string { return "transactions" }

var models = []any{
	&customerRow{}, &commissionRow{}, &userCustomerRow{}, &linkRow{}, &rateRow{}, &feeRow{},
	&snapshotRow{}, &settlementRow{}, &notificationRow{}, &settingRow{}, &jobRunRow{}, &transactionRow{},
}

// =============================================================================
// STORE
// =============================================================================

// Store implements pricing.TxStore and the transaction feed with gorm.
type Store struct {
	db *gorm.DB
}

// Open connects to dsn and migrates the schema.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	if err := s.db.AutoMigrate(models...); err != nil {
		return err
	}
	return s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_cost_snapshots_live
		ON cost_snapshots (pricing_link_id) WHERE retired_at IS NULL`).Error
}

// Close releases the underlying pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// WithTx runs fn inside a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(pricing.Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

// Reset truncates every table.
func (s *Store) Reset(ctx context.Context) error {
	return s.db.WithContext(ctx).Exec(`TRUNCATE customers, commission_assignments, user_customers,
		pricing_links, supplier_rates, contracted_fees, cost_snapshots, settlements,
		notifications, portal_settings, job_runs, transactions`).Error
}

func (s *Store) q(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

func notFound(err error, kind, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &pricing.NotFoundError{Kind: kind, ID: id}
	}
	return err
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	t = t.UTC()
	return &t
}

func utc(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}

// =============================================================================
// CUSTOMERS, COMMISSIONS, USERS
// =============================================================================

func (s *Store) GetCustomer(ctx context.Context, id pricing.CustomerID) (pricing.Customer, error) {
	var row customerRow
	if err := s.q(ctx).First(&row, "id = ?", id).Error; err != nil {
		return pricing.Customer{}, notFound(err, "customer", string(id))
	}
	return row.toCustomer(), nil
}

func (r customerRow) toCustomer() pricing.Customer {
	return pricing.Customer{
		ID:        pricing.CustomerID(r.ID),
		Name:      r.Name,
		ParentID:  pricing.CustomerID(deref(r.ParentID)),
		Active:    r.Active,
		CreatedAt: r.CreatedAt.UTC(),
	}
}

func (s *Store) SaveCustomer(ctx context.Context, c pricing.Customer) error {
	row := customerRow{
		ID:        string(c.ID),
		Name:      c.Name,
		ParentID:  optional(string(c.ParentID)),
		Active:    c.Active,
		CreatedAt: c.CreatedAt.UTC(),
	}
	return s.q(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "parent_id", "active"}),
	}).Create(&row).Error
}

func (s *Store) ListCustomers(ctx context.Context) ([]pricing.Customer, error) {
	var rows []customerRow
	if err := s.q(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]pricing.Customer, len(rows))
	for i, r := range rows {
		out[i] = r.toCustomer()
	}
	return out, nil
}

func (s *Store) GetCommissionAssignment(ctx context.Context, id pricing.CustomerID) (*pricing.CommissionAssignment, error) {
	var rows []commissionRow
	if err := s.q(ctx).Where("customer_id = ?", id).Limit(1).Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &pricing.CommissionAssignment{
		CustomerID:        id,
		CategoryType:      rows[0].CategoryType,
		CommissionPercent: rows[0].CommissionPercent,
	}, nil
}

func (s *Store) SaveCommissionAssignment(ctx context.Context, a pricing.CommissionAssignment) error {
	row := commissionRow{
		CustomerID:        string(a.CustomerID),
		CategoryType:      a.CategoryType,
		CommissionPercent: a.CommissionPercent,
	}
	return s.q(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

func (s *Store) DeleteCommissionAssignment(ctx context.Context, id pricing.CustomerID) error {
	return s.q(ctx).Delete(&commissionRow{}, "customer_id = ?", id).Error
}

func (s *Store) ListUserCustomers(ctx context.Context, userID pricing.UserID) ([]pricing.CustomerID, error) {
	var ids []pricing.CustomerID
	err := s.q(ctx).Model(&userCustomerRow{}).
		Where("user_id = ?", userID).
		Order("customer_id").
		Pluck("customer_id", &ids).Error
	return ids, err
}

func (s *Store) AssignUserCustomer(ctx context.Context, userID pricing.UserID, customerID pricing.CustomerID) error {
	row := userCustomerRow{UserID: string(userID), CustomerID: string(customerID)}
	return s.q(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
}

// =============================================================================
// PRICING LINKS AND RATE TABLES
// =============================================================================

func (r linkRow) toLink() pricing.PricingLink {
	return pricing.PricingLink{
		ID:          pricing.PricingLinkID(r.ID),
		CustomerID:  pricing.CustomerID(r.CustomerID),
		SupplierID:  pricing.SupplierID(r.SupplierID),
		Status:      pricing.LinkStatus(r.Status),
		ValidFrom:   utc(r.ValidFrom),
		ValidUntil:  utc(r.ValidUntil),
		AutoRenew:   r.AutoRenew,
		Notified30d: r.Notified30d,
		Notified7d:  r.Notified7d,
		CreatedAt:   r.CreatedAt.UTC(),
		UpdatedAt:   r.UpdatedAt.UTC(),
	}
}

func (s *Store) GetPricingLink(ctx context.Context, id pricing.PricingLinkID) (pricing.PricingLink, error) {
	var row linkRow
	if err := s.q(ctx).First(&row, "id = ?", id).Error; err != nil {
		return pricing.PricingLink{}, notFound(err, "pricing_link", string(id))
	}
	return row.toLink(), nil
}

// LockPricingLink reads the link with FOR UPDATE.
func (s *Store) LockPricingLink(ctx context.Context, id pricing.PricingLinkID) (pricing.PricingLink, error) {
	var row linkRow
	err := s.q(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, "id = ?", id).Error
	if err != nil {
		return pricing.PricingLink{}, notFound(err, "pricing_link", string(id))
	}
	return row.toLink(), nil
}

func (s *Store) ListPricingLinks(ctx context.Context, f pricing.LinkFilter) ([]pricing.PricingLink, error) {
	q := s.q(ctx).Order("id")
	if f.CustomerID != "" {
		q = q.Where("customer_id = ?", f.CustomerID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	var rows []linkRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]pricing.PricingLink, len(rows))
	for i, r := range rows {
		out[i] = r.toLink()
	}
	return out, nil
}

func (s *Store) SavePricingLink(ctx context.Context, l pricing.PricingLink) error {
	row := linkRow{
		ID:          string(l.ID),
		CustomerID:  string(l.CustomerID),
		SupplierID:  string(l.SupplierID),
		Status:      string(l.Status),
		ValidFrom:   optionalTime(l.ValidFrom),
		ValidUntil:  optionalTime(l.ValidUntil),
		AutoRenew:   l.AutoRenew,
		Notified30d: l.Notified30d,
		Notified7d:  l.Notified7d,
		CreatedAt:   l.CreatedAt.UTC(),
		UpdatedAt:   l.UpdatedAt.UTC(),
	}
	return s.q(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status", "valid_from", "valid_until", "auto_renew", "notified_30d", "notified_7d", "updated_at",
		}),
	}).Create(&row).Error
}

func (s *Store) ListSupplierRates(ctx context.Context, id pricing.PricingLinkID) ([]pricing.RateEntry, error) {
	var rows []rateRow
	if err := s.q(ctx).Where("pricing_link_id = ?", id).Order("method, brand, band").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]pricing.RateEntry, len(rows))
	for i, r := range rows {
		out[i] = pricing.RateEntry{
			RateKey: pricing.RateKey{Method: pricing.PaymentMethod(r.Method), Brand: r.Brand, Band: pricing.InstallmentBand(r.Band)},
			Rate:    r.Rate,
		}
	}
	return out, nil
}

func (s *Store) SaveSupplierRates(ctx context.Context, id pricing.PricingLinkID, rates []pricing.RateEntry) error {
	return s.q(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&rateRow{}, "pricing_link_id = ?", id).Error; err != nil {
			return err
		}
		if len(rates) == 0 {
			return nil
		}
		rows := make([]rateRow, len(rates))
		for i, r := range rates {
			rows[i] = rateRow{
				PricingLinkID: string(id),
				Method:        string(r.Method),
				Brand:         r.Brand,
				Band:          string(r.Band),
				Rate:          r.Rate,
			}
		}
		return tx.Create(&rows).Error
	})
}

func (s *Store) ListContractedFees(ctx context.Context, id pricing.CustomerID) ([]pricing.ContractedFee, error) {
	var rows []feeRow
	if err := s.q(ctx).Where("customer_id = ?", id).Order("method, brand, band").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]pricing.ContractedFee, len(rows))
	for i, r := range rows {
		out[i] = pricing.ContractedFee{
			CustomerID: id,
			RateEntry: pricing.RateEntry{
				RateKey: pricing.RateKey{Method: pricing.PaymentMethod(r.Method), Brand: r.Brand, Band: pricing.InstallmentBand(r.Band)},
				Rate:    r.FeeRate,
			},
		}
	}
	return out, nil
}

func (s *Store) SaveContractedFees(ctx context.Context, id pricing.CustomerID, fees []pricing.RateEntry) error {
	return s.q(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&feeRow{}, "customer_id = ?", id).Error; err != nil {
			return err
		}
		if len(fees) == 0 {
			return nil
		}
		rows := make([]feeRow, len(fees))
		for i, r := range fees {
			rows[i] = feeRow{
				CustomerID: string(id),
				Method:     string(r.Method),
				Brand:      r.Brand,
				Band:       string(r.Band),
				FeeRate:    r.Rate,
			}
		}
		return tx.Create(&rows).Error
	})
}

// =============================================================================
// SNAPSHOTS
// =============================================================================

func (r snapshotRow) toSnapshot() pricing.CostSnapshot {
	s := pricing.CostSnapshot{
		ID:            r.ID,
		PricingLinkID: pricing.PricingLinkID(r.PricingLinkID),
		Generation:    r.Generation,
		RateKey:       pricing.RateKey{Method: pricing.PaymentMethod(r.Method), Brand: r.Brand, Band: pricing.InstallmentBand(r.Band)},
		CostRate:      r.CostRate,
		GeneratedAt:   r.GeneratedAt.UTC(),
	}
	if r.RetiredAt != nil {
		t := r.RetiredAt.UTC()
		s.RetiredAt = &t
	}
	return s
}

func (s *Store) findSnapshots(q *gorm.DB) ([]pricing.CostSnapshot, error) {
	var rows []snapshotRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]pricing.CostSnapshot, len(rows))
	for i, r := range rows {
		out[i] = r.toSnapshot()
	}
	return out, nil
}

func (s *Store) ListLiveSnapshots(ctx context.Context, id pricing.PricingLinkID) ([]pricing.CostSnapshot, error) {
	return s.findSnapshots(s.q(ctx).
		Where("pricing_link_id = ? AND retired_at IS NULL", id).
		Order("method, brand, band"))
}

func (s *Store) ListSnapshotHistory(ctx context.Context, id pricing.PricingLinkID) ([]pricing.CostSnapshot, error) {
	return s.findSnapshots(s.q(ctx).
		Where("pricing_link_id = ?", id).
		Order("generation DESC, method, brand, band"))
}

func (s *Store) LatestSnapshotGeneration(ctx context.Context, id pricing.PricingLinkID) (int, error) {
	var gen int
	err := s.q(ctx).Model(&snapshotRow{}).
		Where("pricing_link_id = ?", id).
		Select("COALESCE(MAX(generation), 0)").
		Scan(&gen).Error
	return gen, err
}

func (s *Store) ReplaceSnapshots(ctx context.Context, id pricing.PricingLinkID, rows []pricing.CostSnapshot, retiredAt time.Time) error {
	if err := s.q(ctx).Model(&snapshotRow{}).
		Where("pricing_link_id = ? AND retired_at IS NULL", id).
		Update("retired_at", retiredAt.UTC()).Error; err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	out := make([]snapshotRow, len(rows))
	for i, r := range rows {
		out[i] = snapshotRow{
			ID:            r.ID,
			PricingLinkID: string(id),
			Generation:    r.Generation,
			Method:        string(r.Method),
			Brand:         r.Brand,
			Band:          string(r.Band),
			CostRate:      r.CostRate,
			GeneratedAt:   r.GeneratedAt.UTC(),
		}
	}
	return s.q(ctx).Create(&out).Error
}

// =============================================================================
// SETTLEMENTS
// =============================================================================

func (r settlementRow) toRecord() pricing.SettlementRecord {
	return pricing.SettlementRecord{
		ID:               r.ID,
		CustomerID:       pricing.CustomerID(r.CustomerID),
		Year:             r.Year,
		Month:            r.Month,
		TransactionCount: r.TransactionCount,
		GrossAmount:      r.GrossAmount,
		FeeAmount:        r.FeeAmount,
		CostAmount:       r.CostAmount,
		CommissionAmount: r.CommissionAmount,
		NetAmount:        r.NetAmount,
		CreatedAt:        r.CreatedAt.UTC(),
		UpdatedAt:        r.UpdatedAt.UTC(),
	}
}

// LockSettlement serializes work on one (customer, year, month) key with
// pg_advisory_xact_lock and then reads the row, if any, FOR UPDATE.
func (s *Store) LockSettlement(ctx context.Context, id pricing.CustomerID, year, month int) (*pricing.SettlementRecord, error) {
	key := fmt.Sprintf("settlement:%s:%04d-%02d", id, year, month)
	if err := s.q(ctx).Exec("SELECT pg_advisory_xact_lock(hashtext(?))", key).Error; err != nil {
		return nil, err
	}
	var rows []settlementRow
	err := s.q(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("customer_id = ? AND year = ? AND month = ?", id, year, month).
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	r := rows[0].toRecord()
	return &r, nil
}

func (s *Store) SaveSettlement(ctx context.Context, r pricing.SettlementRecord) error {
	row := settlementRow{
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
		CreatedAt:        r.CreatedAt.UTC(),
		UpdatedAt:        r.UpdatedAt.UTC(),
	}
	return s.q(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "customer_id"}, {Name: "year"}, {Name: "month"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"transaction_count", "gross_amount", "fee_amount", "cost_amount",
			"commission_amount", "net_amount", "updated_at",
		}),
	}).Create(&row).Error
}

func (s *Store) ListSettlements(ctx context.Context, year, month int) ([]pricing.SettlementRecord, error) {
	var rows []settlementRow
	if err := s.q(ctx).Where("year = ? AND month = ?", year, month).Order("customer_id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]pricing.SettlementRecord, len(rows))
	for i, r := range rows {
		out[i] = r.toRecord()
	}
	return out, nil
}

// =============================================================================
// NOTIFICATIONS, SETTINGS, JOB RUNS
// =============================================================================

func (s *Store) CreateNotification(ctx context.Context, n pricing.Notification) error {
	return s.q(ctx).Create(&notificationRow{
		ID:            string(n.ID),
		CustomerID:    string(n.CustomerID),
		PricingLinkID: optional(string(n.PricingLinkID)),
		Kind:          string(n.Kind),
		Read:          n.Read,
		CreatedAt:     n.CreatedAt.UTC(),
	}).Error
}

func (s *Store) ListNotifications(ctx context.Context, id pricing.CustomerID) ([]pricing.Notification, error) {
	var rows []notificationRow
	if err := s.q(ctx).Where("customer_id = ?", id).Order("created_at DESC, id DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]pricing.Notification, len(rows))
	for i, r := range rows {
		out[i] = pricing.Notification{
			ID:            pricing.NotificationID(r.ID),
			CustomerID:    pricing.CustomerID(r.CustomerID),
			PricingLinkID: pricing.PricingLinkID(deref(r.PricingLinkID)),
			Kind:          pricing.NotificationKind(r.Kind),
			Read:          r.Read,
			CreatedAt:     r.CreatedAt.UTC(),
		}
	}
	return out, nil
}

func (s *Store) MarkNotificationRead(ctx context.Context, id pricing.NotificationID) error {
	res := s.q(ctx).Model(&notificationRow{}).Where("id = ?", id).Update("read", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return &pricing.NotFoundError{Kind: "notification", ID: string(id)}
	}
	return nil
}

func (s *Store) MarkAllNotificationsRead(ctx context.Context, id pricing.CustomerID) (int, error) {
	res := s.q(ctx).Model(&notificationRow{}).Where("customer_id = ? AND read = ?", id, false).Update("read", true)
	return int(res.RowsAffected), res.Error
}

const marginSplitKey = "margin_split"

func (s *Store) GetMarginSplit(ctx context.Context) (*pricing.MarginSplit, error) {
	var rows []settingRow
	if err := s.q(ctx).Where("key = ?", marginSplitKey).Limit(1).Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	var split pricing.MarginSplit
	if err := json.Unmarshal([]byte(rows[0].Value), &split); err != nil {
		return nil, fmt.Errorf("failed to decode margin split: %w", err)
	}
	return &split, nil
}

func (s *Store) SaveMarginSplit(ctx context.Context, split pricing.MarginSplit) error {
	b, err := json.Marshal(split)
	if err != nil {
		return err
	}
	return s.q(ctx).Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&settingRow{Key: marginSplitKey, Value: string(b)}).Error
}

func (s *Store) SaveJobRun(ctx context.Context, r pricing.JobRun) error {
	row := jobRunRow{
		ID:          r.ID,
		Job:         r.Job,
		Status:      r.Status,
		Summary:     r.Summary,
		Error:       r.Error,
		StartedAt:   r.StartedAt.UTC(),
		CompletedAt: r.CompletedAt,
	}
	return s.q(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "summary", "error", "completed_at"}),
	}).Create(&row).Error
}

func (s *Store) ListJobRuns(ctx context.Context, job string, limit int) ([]pricing.JobRun, error) {
	q := s.q(ctx).Order("started_at DESC")
	if job != "" {
		q = q.Where("job = ?", job)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []jobRunRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]pricing.JobRun, len(rows))
	for i, r := range rows {
		out[i] = pricing.JobRun{
			ID:          r.ID,
			Job:         r.Job,
			Status:      r.Status,
			Summary:     r.Summary,
			Error:       r.Error,
			StartedAt:   r.StartedAt.UTC(),
			CompletedAt: r.CompletedAt,
		}
	}
	return out, nil
}

// =============================================================================
// TRANSACTION FEED
// =============================================================================

func monthRange(year, month int) (time.Time, time.Time) {
	start := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

func (s *Store) ActiveCustomers(ctx context.Context, year, month int) ([]pricing.CustomerID, error) {
	from, to := monthRange(year, month)
	var ids []pricing.CustomerID
	err := s.q(ctx).Model(&transactionRow{}).
		Distinct("customer_id").
		Where("occurred_at >= ? AND occurred_at < ?", from, to).
		Order("customer_id").
		Pluck("customer_id", &ids).Error
	return ids, err
}

func (s *Store) TransactionsAndCommissionsFor(ctx context.Context, id pricing.CustomerID, year, month int) ([]pricing.FeedRow, error) {
	from, to := monthRange(year, month)
	var rows []transactionRow
	err := s.q(ctx).
		Where("customer_id = ? AND occurred_at >= ? AND occurred_at < ?", id, from, to).
		Order("occurred_at, id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]pricing.FeedRow, len(rows))
	for i, r := range rows {
		out[i] = pricing.FeedRow{
			TransactionID:    r.ID,
			CustomerID:       pricing.CustomerID(r.CustomerID),
			OccurredAt:       r.OccurredAt.UTC(),
			Amount:           r.Amount,
			FeeAmount:        r.FeeAmount,
			CostAmount:       r.CostAmount,
			CommissionAmount: r.CommissionAmount,
		}
	}
	return out, nil
}

func (s *Store) RecordTransactions(ctx context.Context, rows []pricing.FeedRow) error {
	if len(rows) == 0 {
		return nil
	}
	out := make([]transactionRow, len(rows))
	for i, r := range rows {
		out[i] = transactionRow{
			ID:               r.TransactionID,
			CustomerID:       string(r.CustomerID),
			OccurredAt:       r.OccurredAt.UTC(),
			Amount:           r.Amount,
			FeeAmount:        r.FeeAmount,
			CostAmount:       r.CostAmount,
			CommissionAmount: r.CommissionAmount,
		}
	}
	return s.q(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&out).Error
}

var (
	_ pricing.TxStore         = (*Store)(nil)
	_ pricing.TransactionFeed = (*Store)(nil)
	_ pricing.FeedRecorder    = (*Store)(nil)
)
