// Package store provides an in-memory pricing.TxStore for tests and dev mode.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/iso-pricing/pricing"
)

// =============================================================================
// TABLES - Unlocked state shared by Memory and its transaction view
// =============================================================================

type settlementKey struct {
	CustomerID pricing.CustomerID
	Year       int
	Month      int
}

type tables struct {
	customers     map[pricing.CustomerID]pricing.Customer
	commissions   map[pricing.CustomerID]pricing.CommissionAssignment
	userCustomers map[pricing.UserID][]pricing.CustomerID
	links         map[pricing.PricingLinkID]pricing.PricingLink
	supplierRates map[pricing.PricingLinkID][]pricing.RateEntry
	snapshots     map[pricing.PricingLinkID][]pricing.CostSnapshot
	fees          map[pricing.CustomerID][]pricing.RateEntry
	settlements   map[settlementKey]pricing.SettlementRecord
	notifications []pricing.Notification
	split         *pricing.MarginSplit
	jobRuns       []pricing.JobRun
	feed          []pricing.FeedRow
}

func newTables() *tables {
	return &tables{
		customers:     make(map[pricing.CustomerID]pricing.Customer),
		commissions:   make(map[pricing.CustomerID]pricing.CommissionAssignment),
		userCustomers: make(map[pricing.UserID][]pricing.CustomerID),
		links:         make(map[pricing.PricingLinkID]pricing.PricingLink),
		supplierRates: make(map[pricing.PricingLinkID][]pricing.RateEntry),
		snapshots:     make(map[pricing.PricingLinkID][]pricing.CostSnapshot),
		fees:          make(map[pricing.CustomerID][]pricing.RateEntry),
		settlements:   make(map[settlementKey]pricing.SettlementRecord),
	}
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneSliceMap[K comparable, V any](m map[K][]V) map[K][]V {
	out := make(map[K][]V, len(m))
	for k, v := range m {
		out[k] = append([]V(nil), v...)
	}
	return out
}

// clone copies every table. Rows are values and are never mutated in place,
// so copying the containers is enough for rollback.
func (t *tables) clone() *tables {
	c := &tables{
		customers:     cloneMap(t.customers),
		commissions:   cloneMap(t.commissions),
		userCustomers: cloneSliceMap(t.userCustomers),
		links:         cloneMap(t.links),
		supplierRates: cloneSliceMap(t.supplierRates),
		snapshots:     cloneSliceMap(t.snapshots),
		fees:          cloneSliceMap(t.fees),
		settlements:   cloneMap(t.settlements),
		notifications: append([]pricing.Notification(nil), t.notifications...),
		jobRuns:       append([]pricing.JobRun(nil), t.jobRuns...),
		feed:          append([]pricing.FeedRow(nil), t.feed...),
	}
	if t.split != nil {
		s := *t.split
		c.split = &s
	}
	return c
}

// --- customers ---

func (t *tables) GetCustomer(_ context.Context, id pricing.CustomerID) (pricing.Customer, error) {
	c, ok := t.customers[id]
	if !ok {
		return pricing.Customer{}, &pricing.NotFoundError{Kind: "customer", ID: string(id)}
	}
	return c, nil
}

func (t *tables) SaveCustomer(_ context.Context, c pricing.Customer) error {
	t.customers[c.ID] = c
	return nil
}

func (t *tables) ListCustomers(_ context.Context) ([]pricing.Customer, error) {
	out := make([]pricing.Customer, 0, len(t.customers))
	for _, c := range t.customers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- commissions ---

func (t *tables) GetCommissionAssignment(_ context.Context, id pricing.CustomerID) (*pricing.CommissionAssignment, error) {
	a, ok := t.commissions[id]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (t *tables) SaveCommissionAssignment(_ context.Context, a pricing.CommissionAssignment) error {
	t.commissions[a.CustomerID] = a
	return nil
}

func (t *tables) DeleteCommissionAssignment(_ context.Context, id pricing.CustomerID) error {
	delete(t.commissions, id)
	return nil
}

// --- users ---

func (t *tables) ListUserCustomers(_ context.Context, userID pricing.UserID) ([]pricing.CustomerID, error) {
	return append([]pricing.CustomerID(nil), t.userCustomers[userID]...), nil
}

func (t *tables) AssignUserCustomer(_ context.Context, userID pricing.UserID, customerID pricing.CustomerID) error {
	for _, id := range t.userCustomers[userID] {
		if id == customerID {
			return nil
		}
	}
	t.userCustomers[userID] = append(t.userCustomers[userID], customerID)
	return nil
}

// --- pricing links ---

func (t *tables) GetPricingLink(_ context.Context, id pricing.PricingLinkID) (pricing.PricingLink, error) {
	l, ok := t.links[id]
	if !ok {
		return pricing.PricingLink{}, &pricing.NotFoundError{Kind: "pricing_link", ID: string(id)}
	}
	return l, nil
}

// LockPricingLink is a plain read: the transaction already holds the store lock.
func (t *tables) LockPricingLink(ctx context.Context, id pricing.PricingLinkID) (pricing.PricingLink, error) {
	return t.GetPricingLink(ctx, id)
}

func (t *tables) ListPricingLinks(_ context.Context, f pricing.LinkFilter) ([]pricing.PricingLink, error) {
	var out []pricing.PricingLink
	for _, l := range t.links {
		if f.CustomerID != "" && l.CustomerID != f.CustomerID {
			continue
		}
		if f.Status != "" && l.Status != f.Status {
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *tables) SavePricingLink(_ context.Context, l pricing.PricingLink) error {
	t.links[l.ID] = l
	return nil
}

// --- rates ---

func (t *tables) ListSupplierRates(_ context.Context, id pricing.PricingLinkID) ([]pricing.RateEntry, error) {
	return append([]pricing.RateEntry(nil), t.supplierRates[id]...), nil
}

func (t *tables) SaveSupplierRates(_ context.Context, id pricing.PricingLinkID, rates []pricing.RateEntry) error {
	t.supplierRates[id] = append([]pricing.RateEntry(nil), rates...)
	return nil
}

func (t *tables) ListContractedFees(_ context.Context, id pricing.CustomerID) ([]pricing.ContractedFee, error) {
	out := make([]pricing.ContractedFee, 0, len(t.fees[id]))
	for _, r := range t.fees[id] {
		out = append(out, pricing.ContractedFee{CustomerID: id, RateEntry: r})
	}
	return out, nil
}

func (t *tables) SaveContractedFees(_ context.Context, id pricing.CustomerID, fees []pricing.RateEntry) error {
	t.fees[id] = append([]pricing.RateEntry(nil), fees...)
	return nil
}

// --- snapshots ---

func (t *tables) ListLiveSnapshots(_ context.Context, id pricing.PricingLinkID) ([]pricing.CostSnapshot, error) {
	var out []pricing.CostSnapshot
	for _, s := range t.snapshots[id] {
		if s.Live() {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j].RateKey) })
	return out, nil
}

func (t *tables) ListSnapshotHistory(_ context.Context, id pricing.PricingLinkID) ([]pricing.CostSnapshot, error) {
	out := append([]pricing.CostSnapshot(nil), t.snapshots[id]...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Generation != out[j].Generation {
			return out[i].Generation > out[j].Generation
		}
		return out[i].Less(out[j].RateKey)
	})
	return out, nil
}

func (t *tables) LatestSnapshotGeneration(_ context.Context, id pricing.PricingLinkID) (int, error) {
	latest := 0
	for _, s := range t.snapshots[id] {
		if s.Generation > latest {
			latest = s.Generation
		}
	}
	return latest, nil
}

func (t *tables) ReplaceSnapshots(_ context.Context, id pricing.PricingLinkID, rows []pricing.CostSnapshot, retiredAt time.Time) error {
	existing := t.snapshots[id]
	next := make([]pricing.CostSnapshot, 0, len(existing)+len(rows))
	for _, s := range existing {
		if s.Live() {
			at := retiredAt
			s.RetiredAt = &at
		}
		next = append(next, s)
	}
	t.snapshots[id] = append(next, rows...)
	return nil
}

// --- settlements ---

func (t *tables) LockSettlement(_ context.Context, id pricing.CustomerID, year, month int) (*pricing.SettlementRecord, error) {
	r, ok := t.settlements[settlementKey{id, year, month}]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (t *tables) SaveSettlement(_ context.Context, r pricing.SettlementRecord) error {
	t.settlements[settlementKey{r.CustomerID, r.Year, r.Month}] = r
	return nil
}

func (t *tables) ListSettlements(_ context.Context, year, month int) ([]pricing.SettlementRecord, error) {
	var out []pricing.SettlementRecord
	for k, r := range t.settlements {
		if k.Year == year && k.Month == month {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CustomerID < out[j].CustomerID })
	return out, nil
}

// --- notifications ---

func (t *tables) CreateNotification(_ context.Context, n pricing.Notification) error {
	t.notifications = append(t.notifications, n)
	return nil
}

func (t *tables) ListNotifications(_ context.Context, id pricing.CustomerID) ([]pricing.Notification, error) {
	var out []pricing.Notification
	for i := len(t.notifications) - 1; i >= 0; i-- {
		if t.notifications[i].CustomerID == id {
			out = append(out, t.notifications[i])
		}
	}
	return out, nil
}

func (t *tables) MarkNotificationRead(_ context.Context, id pricing.NotificationID) error {
	for i := range t.notifications {
		if t.notifications[i].ID == id {
			t.notifications[i].Read = true
			return nil
		}
	}
	return &pricing.NotFoundError{Kind: "notification", ID: string(id)}
}

func (t *tables) MarkAllNotificationsRead(_ context.Context, id pricing.CustomerID) (int, error) {
	n := 0
	for i := range t.notifications {
		if t.notifications[i].CustomerID == id && !t.notifications[i].Read {
			t.notifications[i].Read = true
			n++
		}
	}
	return n, nil
}

// --- settings and job runs ---

func (t *tables) GetMarginSplit(_ context.Context) (*pricing.MarginSplit, error) {
	if t.split == nil {
		return nil, nil
	}
	s := *t.split
	return &s, nil
}

func (t *tables) SaveMarginSplit(_ context.Context, s pricing.MarginSplit) error {
	t.split = &s
	return nil
}

func (t *tables) SaveJobRun(_ context.Context, r pricing.JobRun) error {
	for i := range t.jobRuns {
		if t.jobRuns[i].ID == r.ID {
			t.jobRuns[i] = r
			return nil
		}
	}
	t.jobRuns = append(t.jobRuns, r)
	return nil
}

func (t *tables) ListJobRuns(_ context.Context, job string, limit int) ([]pricing.JobRun, error) {
	var out []pricing.JobRun
	for i := len(t.jobRuns) - 1; i >= 0; i-- {
		if job != "" && t.jobRuns[i].Job != job {
			continue
		}
		out = append(out, t.jobRuns[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// --- transaction feed ---

func inMonth(at time.Time, year, month int) bool {
	at = at.UTC()
	return at.Year() == year && int(at.Month()) == month
}

func (t *tables) ActiveCustomers(_ context.Context, year, month int) ([]pricing.CustomerID, error) {
	seen := make(map[pricing.CustomerID]bool)
	var out []pricing.CustomerID
	for _, r := range t.feed {
		if inMonth(r.OccurredAt, year, month) && !seen[r.CustomerID] {
			seen[r.CustomerID] = true
			out = append(out, r.CustomerID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (t *tables) TransactionsAndCommissionsFor(_ context.Context, id pricing.CustomerID, year, month int) ([]pricing.FeedRow, error) {
	var out []pricing.FeedRow
	for _, r := range t.feed {
		if r.CustomerID == id && inMonth(r.OccurredAt, year, month) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (t *tables) RecordTransactions(_ context.Context, rows []pricing.FeedRow) error {
next:
	for _, r := range rows {
		for i := range t.feed {
			if t.feed[i].TransactionID == r.TransactionID {
				t.feed[i] = r
				continue next
			}
		}
		t.feed = append(t.feed, r)
	}
	return nil
}

// =============================================================================
// MEMORY STORE - Locked access to the tables
// =============================================================================

// Memory is safe for concurrent use. A transaction holds the write lock for
// its whole duration, so readers observe either the state before it or the
// state after it commits.
type Memory struct {
	mu sync.RWMutex
	t  *tables
}

func NewMemory() *Memory {
	return &Memory{t: newTables()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(pricing.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	snapshot := m.t.clone()
	if err := fn(m.t); err != nil {
		m.t = snapshot
		return err
	}
	return nil
}

// Reset drops every row.
func (m *Memory) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.t = newTables()
	return nil
}

func read[T any](m *Memory, fn func(*tables) (T, error)) (T, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(m.t)
}

func write(m *Memory, fn func(*tables) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.t)
}

func (m *Memory) GetCustomer(ctx context.Context, id pricing.CustomerID) (pricing.Customer, error) {
	return read(m, func(t *tables) (pricing.Customer, error) { return t.GetCustomer(ctx, id) })
}

func (m *Memory) SaveCustomer(ctx context.Context, c pricing.Customer) error {
	return write(m, func(t *tables) error { return t.SaveCustomer(ctx, c) })
}

func (m *Memory) ListCustomers(ctx context.Context) ([]pricing.Customer, error) {
	return read(m, func(t *tables) ([]pricing.Customer, error) { return t.ListCustomers(ctx) })
}

func (m *Memory) GetCommissionAssignment(ctx context.Context, id pricing.CustomerID) (*pricing.CommissionAssignment, error) {
	return read(m, func(t *tables) (*pricing.CommissionAssignment, error) { return t.GetCommissionAssignment(ctx, id) })
}

func (m *Memory) SaveCommissionAssignment(ctx context.Context, a pricing.CommissionAssignment) error {
	return write(m, func(t *tables) error { return t.SaveCommissionAssignment(ctx, a) })
}

func (m *Memory) DeleteCommissionAssignment(ctx context.Context, id pricing.CustomerID) error {
	return write(m, func(t *tables) error { return t.DeleteCommissionAssignment(ctx, id) })
}

func (m *Memory) ListUserCustomers(ctx context.Context, id pricing.UserID) ([]pricing.CustomerID, error) {
	return read(m, func(t *tables) ([]pricing.CustomerID, error) { return t.ListUserCustomers(ctx, id) })
}

func (m *Memory) AssignUserCustomer(ctx context.Context, userID pricing.UserID, customerID pricing.CustomerID) error {
	return write(m, func(t *tables) error { return t.AssignUserCustomer(ctx, userID, customerID) })
}

func (m *Memory) GetPricingLink(ctx context.Context, id pricing.PricingLinkID) (pricing.PricingLink, error) {
	return read(m, func(t *tables) (pricing.PricingLink, error) { return t.GetPricingLink(ctx, id) })
}

func (m *Memory) LockPricingLink(ctx context.Context, id pricing.PricingLinkID) (pricing.PricingLink, error) {
	return m.GetPricingLink(ctx, id)
}

func (m *Memory) ListPricingLinks(ctx context.Context, f pricing.LinkFilter) ([]pricing.PricingLink, error) {
	return read(m, func(t *tables) ([]pricing.PricingLink, error) { return t.ListPricingLinks(ctx, f) })
}

func (m *Memory) SavePricingLink(ctx context.Context, l pricing.PricingLink) error {
	return write(m, func(t *tables) error { return t.SavePricingLink(ctx, l) })
}

func (m *Memory) ListSupplierRates(ctx context.Context, id pricing.PricingLinkID) ([]pricing.RateEntry, error) {
	return read(m, func(t *tables) ([]pricing.RateEntry, error) { return t.ListSupplierRates(ctx, id) })
}

func (m *Memory) SaveSupplierRates(ctx context.Context, id pricing.PricingLinkID, rates []pricing.RateEntry) error {
	return write(m, func(t *tables) error { return t.SaveSupplierRates(ctx, id, rates) })
}

func (m *Memory) ListContractedFees(ctx context.Context, id pricing.CustomerID) ([]pricing.ContractedFee, error) {
	return read(m, func(t *tables) ([]pricing.ContractedFee, error) { return t.ListContractedFees(ctx, id) })
}

func (m *Memory) SaveContractedFees(ctx context.Context, id pricing.CustomerID, fees []pricing.RateEntry) error {
	return write(m, func(t *tables) error { return t.SaveContractedFees(ctx, id, fees) })
}

func (m *Memory) ListLiveSnapshots(ctx context.Context, id pricing.PricingLinkID) ([]pricing.CostSnapshot, error) {
	return read(m, func(t *tables) ([]pricing.CostSnapshot, error) { return t.ListLiveSnapshots(ctx, id) })
}

func (m *Memory) ListSnapshotHistory(ctx context.Context, id pricing.PricingLinkID) ([]pricing.CostSnapshot, error) {
	return read(m, func(t *tables) ([]pricing.CostSnapshot, error) { return t.ListSnapshotHistory(ctx, id) })
}

func (m *Memory) LatestSnapshotGeneration(ctx context.Context, id pricing.PricingLinkID) (int, error) {
	return read(m, func(t *tables) (int, error) { return t.LatestSnapshotGeneration(ctx, id) })
}

func (m *Memory) ReplaceSnapshots(ctx context.Context, id pricing.PricingLinkID, rows []pricing.CostSnapshot, retiredAt time.Time) error {
	return write(m, func(t *tables) error { return t.ReplaceSnapshots(ctx, id, rows, retiredAt) })
}

func (m *Memory) LockSettlement(ctx context.Context, id pricing.CustomerID, year, month int) (*pricing.SettlementRecord, error) {
	return read(m, func(t *tables) (*pricing.SettlementRecord, error) { return t.LockSettlement(ctx, id, year, month) })
}

func (m *Memory) SaveSettlement(ctx context.Context, r pricing.SettlementRecord) error {
	return write(m, func(t *tables) error { return t.SaveSettlement(ctx, r) })
}

func (m *Memory) ListSettlements(ctx context.Context, year, month int) ([]pricing.SettlementRecord, error) {
	return read(m, func(t *tables) ([]pricing.SettlementRecord, error) { return t.ListSettlements(ctx, year, month) })
}

func (m *Memory) CreateNotification(ctx context.Context, n pricing.Notification) error {
	return write(m, func(t *tables) error { return t.CreateNotification(ctx, n) })
}

func (m *Memory) ListNotifications(ctx context.Context, id pricing.CustomerID) ([]pricing.Notification, error) {
	return read(m, func(t *tables) ([]pricing.Notification, error) { return t.ListNotifications(ctx, id) })
}

func (m *Memory) MarkNotificationRead(ctx context.Context, id pricing.NotificationID) error {
	return write(m, func(t *tables) error { return t.MarkNotificationRead(ctx, id) })
}

func (m *Memory) MarkAllNotificationsRead(ctx context.Context, id pricing.CustomerID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.t.MarkAllNotificationsRead(ctx, id)
}

func (m *Memory) GetMarginSplit(ctx context.Context) (*pricing.MarginSplit, error) {
	return read(m, func(t *tables) (*pricing.MarginSplit, error) { return t.GetMarginSplit(ctx) })
}

func (m *Memory) SaveMarginSplit(ctx context.Context, s pricing.MarginSplit) error {
	return write(m, func(t *tables) error { return t.SaveMarginSplit(ctx, s) })
}

func (m *Memory) SaveJobRun(ctx context.Context, r pricing.JobRun) error {
	return write(m, func(t *tables) error { return t.SaveJobRun(ctx, r) })
}

func (m *Memory) ListJobRuns(ctx context.Context, job string, limit int) ([]pricing.JobRun, error) {
	return read(m, func(t *tables) ([]pricing.JobRun, error) { return t.ListJobRuns(ctx, job, limit) })
}

func (m *Memory) ActiveCustomers(ctx context.Context, year, month int) ([]pricing.CustomerID, error) {
	return read(m, func(t *tables) ([]pricing.CustomerID, error) { return t.ActiveCustomers(ctx, year, month) })
}

func (m *Memory) TransactionsAndCommissionsFor(ctx context.Context, id pricing.CustomerID, year, month int) ([]pricing.FeedRow, error) {
	return read(m, func(t *tables) ([]pricing.FeedRow, error) {
		return t.TransactionsAndCommissionsFor(ctx, id, year, month)
	})
}

func (m *Memory) RecordTransactions(ctx context.Context, rows []pricing.FeedRow) error {
	return write(m, func(t *tables) error { return t.RecordTransactions(ctx, rows) })
}

var (
	_ pricing.TxStore         = (*Memory)(nil)
	_ pricing.Store           = (*tables)(nil)
	_ pricing.TransactionFeed = (*Memory)(nil)
	_ pricing.FeedRecorder    = (*Memory)(nil)
)
