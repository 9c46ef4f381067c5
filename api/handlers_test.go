package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/warp/iso-pricing/pricing"
	"github.com/warp/iso-pricing/pricing/store"
	"github.com/warp/iso-pricing/store/sqlite"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var testNow = time.Date(2026, time.March, 15, 12, 0, 0, 0, time.UTC)

type testServer struct {
	h      *Handler
	router http.Handler
}

func newTestServer(t *testing.T, backend Backend, opts RouterOptions) *testServer {
	t.Helper()
	h := NewHandler(backend, Options{RenewalMonths: 12})
	h.SetClock(func() time.Time { return testNow })
	return &testServer{h: h, router: NewRouter(h, opts)}
}

func newMemoryServer(t *testing.T) *testServer {
	return newTestServer(t, store.NewMemory(), RouterOptions{})
}

func newSQLiteServer(t *testing.T) *testServer {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return newTestServer(t, s, RouterOptions{})
}

func (s *testServer) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func requireStatus(t *testing.T, rec *httptest.ResponseRecorder, status int) {
	t.Helper()
	require.Equal(t, status, rec.Code, rec.Body.String())
}

func assertErrorCode(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	requireStatus(t, rec, status)
	assert.Equal(t, code, decode[ErrorResponse](t, rec).Code)
}

const cieloTable = `[
  {"method": "credito", "brand": "visa", "band": "1", "rate": "1.90"},
  {"method": "debito", "brand": "visa", "band": "1", "rate": "0.90"}
]`

// =============================================================================
// AUTH
// =============================================================================

func TestAPI_Authentication(t *testing.T) {
	// GIVEN: A server that verifies tokens
	verifier := NewJWTVerifier("test-secret")
	s := newTestServer(t, store.NewMemory(), RouterOptions{Verifier: verifier})
	admin, err := verifier.Issue("admin-1", true, time.Hour)
	require.NoError(t, err)
	exec, err := verifier.Issue("exec-ana", false, time.Hour)
	require.NoError(t, err)

	// THEN: Health needs no token
	requireStatus(t, s.do(t, http.MethodGet, "/api/health", nil, ""), http.StatusOK)

	// AND: Other routes do
	assertErrorCode(t, s.do(t, http.MethodGet, "/api/customers", nil, ""), http.StatusUnauthorized, "unauthorized")
	assertErrorCode(t, s.do(t, http.MethodGet, "/api/customers", nil, "not-a-token"), http.StatusUnauthorized, "unauthorized")

	// AND: Reads are open to any user, writes need the admin flag
	requireStatus(t, s.do(t, http.MethodGet, "/api/customers", nil, exec), http.StatusOK)
	body := SaveCustomerRequest{ID: "iso-1", Name: "ISO 1"}
	assertErrorCode(t, s.do(t, http.MethodPost, "/api/customers", body, exec), http.StatusForbidden, "forbidden")
	requireStatus(t, s.do(t, http.MethodPost, "/api/customers", body, admin), http.StatusCreated)

	// AND: A user cannot read another user's margin
	assertErrorCode(t, s.do(t, http.MethodGet, "/api/users/exec-bruno/margin", nil, exec), http.StatusForbidden, "forbidden")
}

// =============================================================================
// CUSTOMERS / COMMISSIONS
// =============================================================================

func TestAPI_CustomerTreeAndCommissions(t *testing.T) {
	s := newMemoryServer(t)

	// GIVEN: root > iso-sul > iso-poa
	requireStatus(t, s.do(t, http.MethodPost, "/api/customers", SaveCustomerRequest{ID: "root", Name: "Outbank"}, ""), http.StatusCreated)
	requireStatus(t, s.do(t, http.MethodPost, "/api/customers", SaveCustomerRequest{ID: "iso-sul", Name: "Sul", ParentID: "root"}, ""), http.StatusCreated)
	requireStatus(t, s.do(t, http.MethodPost, "/api/customers", SaveCustomerRequest{ID: "iso-poa", Name: "POA", ParentID: "iso-sul"}, ""), http.StatusCreated)

	// WHEN: Re-parenting root under its grandchild
	rec := s.do(t, http.MethodPost, "/api/customers", SaveCustomerRequest{ID: "root", Name: "Outbank", ParentID: "iso-poa"}, "")

	// THEN: The cycle is rejected
	assertErrorCode(t, rec, http.StatusUnprocessableEntity, pricing.CodeCycleDetected)

	// AND: Ancestors run up to the root
	chain := decode[[]CustomerDTO](t, s.do(t, http.MethodGet, "/api/customers/iso-poa/ancestors", nil, ""))
	require.Len(t, chain, 3)
	assert.Equal(t, "root", chain[2].ID)

	// WHEN: An out-of-range commission is set
	rec = s.do(t, http.MethodPut, "/api/customers/iso-sul/commission", `{"category_type": "iso", "commission_percent": "150"}`, "")
	assertErrorCode(t, rec, http.StatusBadRequest, pricing.CodeValidation)

	// WHEN: A valid override is set on iso-sul
	rec = s.do(t, http.MethodPut, "/api/customers/iso-sul/commission", `{"category_type": "iso", "commission_percent": "12.5"}`, "")
	requireStatus(t, rec, http.StatusOK)

	// THEN: iso-poa inherits it
	got := decode[CommissionDTO](t, s.do(t, http.MethodGet, "/api/customers/iso-poa/commission?user_id=exec-ana", nil, ""))
	assert.Equal(t, "12.5", got.Percent.String())
	assert.True(t, got.Inherited)
	assert.Equal(t, pricing.CustomerID("iso-sul"), got.SourceCustomerID)

	// WHEN: The override is cleared
	requireStatus(t, s.do(t, http.MethodDelete, "/api/customers/iso-sul/commission", nil, ""), http.StatusNoContent)

	// THEN: The default applies
	got = decode[CommissionDTO](t, s.do(t, http.MethodGet, "/api/customers/iso-poa/commission?user_id=exec-ana", nil, ""))
	assert.True(t, got.Percent.IsZero())
	assert.Nil(t, got.CategoryType)

	// AND: Unknown customers are 404
	assertErrorCode(t, s.do(t, http.MethodGet, "/api/customers/nope", nil, ""), http.StatusNotFound, pricing.CodeNotFound)
}

func TestAPI_ValidationFromTags(t *testing.T) {
	s := newMemoryServer(t)

	rec := s.do(t, http.MethodPost, "/api/customers", `{"name": "No id"}`, "")
	assertErrorCode(t, rec, http.StatusBadRequest, pricing.CodeValidation)
	assert.Contains(t, decode[ErrorResponse](t, rec).Details, "id")

	rec = s.do(t, http.MethodPost, "/api/settlements/consolidate", ConsolidateRequest{Month: 13, Year: 2026}, "")
	assertErrorCode(t, rec, http.StatusBadRequest, pricing.CodeValidation)

	rec = s.do(t, http.MethodPost, "/api/links", `{not json`, "")
	assertErrorCode(t, rec, http.StatusBadRequest, pricing.CodeValidation)
}

// =============================================================================
// PRICING LINKS / SNAPSHOTS
// =============================================================================

func TestAPI_LinkApprovalAndVersions(t *testing.T) {
	s := newMemoryServer(t)
	requireStatus(t, s.do(t, http.MethodPost, "/api/customers", SaveCustomerRequest{ID: "iso-1", Name: "ISO 1"}, ""), http.StatusCreated)

	// GIVEN: A pendente link
	rec := s.do(t, http.MethodPost, "/api/links", CreateLinkRequest{CustomerID: "iso-1", SupplierID: "cielo", AutoRenew: true}, "")
	requireStatus(t, rec, http.StatusCreated)
	link := decode[LinkDTO](t, rec)
	assert.Equal(t, string(pricing.LinkPendente), link.Status)

	// AND: Snapshots cannot be regenerated before validation
	rec = s.do(t, http.MethodPost, "/api/links/"+link.ID+"/snapshots/regenerate", nil, "")
	assertErrorCode(t, rec, http.StatusConflict, pricing.CodeInvalidState)

	// WHEN: Approving it with a cost table
	rec = s.do(t, http.MethodPost, "/api/links/"+link.ID+"/approve", `{"rates": `+cieloTable+`, "valid_until": "2027-03-15T00:00:00Z"}`, "")

	// THEN: It is validada with generation 1
	requireStatus(t, rec, http.StatusOK)
	approved := decode[ApprovalResponse](t, rec)
	assert.Equal(t, string(pricing.LinkValidada), approved.Link.Status)
	assert.Equal(t, "2027-03-15T00:00:00Z", approved.Link.ValidUntil)
	assert.Equal(t, 1, approved.Version.Generation)
	assert.Len(t, approved.Version.Rates, 2)

	// WHEN: Regenerating
	rec = s.do(t, http.MethodPost, "/api/links/"+link.ID+"/snapshots/regenerate", nil, "")
	requireStatus(t, rec, http.StatusOK)
	assert.Equal(t, 2, decode[pricing.MdrVersion](t, rec).Generation)

	// THEN: The live set is generation 2 with the same rates
	live := decode[[]SnapshotDTO](t, s.do(t, http.MethodGet, "/api/links/"+link.ID+"/snapshots", nil, ""))
	require.Len(t, live, 2)
	for _, row := range live {
		assert.Equal(t, 2, row.Generation)
	}
	assert.Equal(t, "1.9", live[0].CostRate.String())

	// AND: History lists both generations, newest first
	versions := decode[[]pricing.MdrVersion](t, s.do(t, http.MethodGet, "/api/links/"+link.ID+"/versions", nil, ""))
	require.Len(t, versions, 2)
	assert.Equal(t, 2, versions[0].Generation)
	assert.True(t, versions[0].Live)
	assert.False(t, versions[1].Live)
	assert.NotNil(t, versions[1].RetiredAt)

	// AND: A validada link cannot be rejected
	assertErrorCode(t, s.do(t, http.MethodPost, "/api/links/"+link.ID+"/reject", nil, ""), http.StatusConflict, pricing.CodeInvalidState)

	// AND: Unknown links are 404
	assertErrorCode(t, s.do(t, http.MethodPost, "/api/links/nope/approve", `{"rates": `+cieloTable+`}`, ""), http.StatusNotFound, pricing.CodeNotFound)
}

func TestAPI_ApproveRejectsBadTable(t *testing.T) {
	s := newMemoryServer(t)
	requireStatus(t, s.do(t, http.MethodPost, "/api/customers", SaveCustomerRequest{ID: "iso-1", Name: "ISO 1"}, ""), http.StatusCreated)
	link := decode[LinkDTO](t, s.do(t, http.MethodPost, "/api/links", CreateLinkRequest{CustomerID: "iso-1", SupplierID: "cielo"}, ""))

	rec := s.do(t, http.MethodPost, "/api/links/"+link.ID+"/approve", `{"rates": [{"method": "boleto", "brand": "x", "band": "1", "rate": "1"}]}`, "")
	assertErrorCode(t, rec, http.StatusBadRequest, pricing.CodeValidation)

	// The link stays pendente
	got := decode[LinkDTO](t, s.do(t, http.MethodGet, "/api/links/"+link.ID, nil, ""))
	assert.Equal(t, string(pricing.LinkPendente), got.Status)
}

func TestAPI_RegenerateAll(t *testing.T) {
	s := newMemoryServer(t)
	requireStatus(t, s.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "iso-network"}, ""), http.StatusOK)

	// WHEN: Regenerating every link
	rec := s.do(t, http.MethodPost, "/api/snapshots/regenerate", RegenerateRequest{PricingLinkIDs: []string{"*"}}, "")

	// THEN: All three succeed
	requireStatus(t, rec, http.StatusOK)
	result := decode[pricing.BatchResult](t, rec)
	assert.True(t, result.Success)
	assert.Equal(t, 3, result.Processed)
	assert.Equal(t, 3, result.Total)

	// WHEN: One id is unknown
	links := decode[[]LinkDTO](t, s.do(t, http.MethodGet, "/api/links?customer_id=iso-norte", nil, ""))
	require.Len(t, links, 1)
	rec = s.do(t, http.MethodPost, "/api/snapshots/regenerate", RegenerateRequest{PricingLinkIDs: []string{links[0].ID, "missing"}}, "")

	// THEN: The batch reports the partial failure
	requireStatus(t, rec, http.StatusOK)
	result = decode[pricing.BatchResult](t, rec)
	assert.False(t, result.Success)
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 2, result.Total)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "missing")

	// AND: Each batch was recorded as a job run
	runs := decode[[]JobRunDTO](t, s.do(t, http.MethodGet, "/api/jobs/runs?job="+pricing.JobSnapshots, nil, ""))
	assert.Len(t, runs, 2)
}

// =============================================================================
// MARGIN / SETTLEMENT
// =============================================================================

func TestAPI_MarginAndSettlement(t *testing.T) {
	backends := map[string]func(*testing.T) *testServer{
		"memory": newMemoryServer,
		"sqlite": newSQLiteServer,
	}
	for name, newServer := range backends {
		t.Run(name, func(t *testing.T) {
			s := newServer(t)

			// GIVEN: The iso-network scenario
			requireStatus(t, s.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "iso-network"}, ""), http.StatusOK)
			current := decode[ScenarioDTO](t, s.do(t, http.MethodGet, "/api/scenarios/current", nil, ""))
			assert.Equal(t, "iso-network", current.ID)

			// WHEN: Computing exec-ana's margin
			rec := s.do(t, http.MethodGet, "/api/users/exec-ana/margin", nil, "")

			// THEN: One line per key with both a cost and a contracted fee
			requireStatus(t, rec, http.StatusOK)
			breakdown := decode[pricing.MarginBreakdown](t, rec)
			assert.Len(t, breakdown.Lines, 8)
			assert.Equal(t, "0.3", breakdown.Split.Outbank.String())

			// AND: Tiers and commission add up to the raw margin
			tot := breakdown.Totals
			sum := tot.MarginOutbank.Add(tot.MarginExecutivo).Add(tot.MarginCore).Add(tot.Commission)
			assert.True(t, sum.Equal(tot.RawMargin), "%s != %s", sum, tot.RawMargin)

			// AND: iso-sul-poa inherits 10% from iso-sul, iso-norte has none
			percents := map[pricing.CustomerID]string{}
			for _, c := range breakdown.Commissions {
				percents[c.CustomerID] = c.Percent.String()
			}
			assert.Equal(t, map[pricing.CustomerID]string{"iso-sul-poa": "10", "iso-norte": "0"}, percents)

			// AND: Unknown users are 404
			assertErrorCode(t, s.do(t, http.MethodGet, "/api/users/nobody/margin", nil, ""), http.StatusNotFound, pricing.CodeNotFound)

			// WHEN: Consolidating last month twice
			period := ConsolidateRequest{Month: 2, Year: 2026}
			rec = s.do(t, http.MethodPost, "/api/settlements/consolidate", period, "")
			requireStatus(t, rec, http.StatusOK)
			first := decode[pricing.ConsolidationResult](t, rec)
			rec = s.do(t, http.MethodPost, "/api/settlements/consolidate", period, "")
			requireStatus(t, rec, http.StatusOK)
			second := decode[pricing.ConsolidationResult](t, rec)

			// THEN: The first creates, the second changes nothing
			assert.True(t, first.Success)
			assert.Equal(t, 3, first.Created)
			assert.Equal(t, 0, second.Created)
			assert.Equal(t, 0, second.Updated)
			assert.Equal(t, 3, second.Unchanged)

			// AND: Listing defaults to the previous month
			records := decode[[]SettlementDTO](t, s.do(t, http.MethodGet, "/api/settlements", nil, ""))
			require.Len(t, records, 3)
			byCustomer := map[string]SettlementDTO{}
			for _, r := range records {
				byCustomer[r.CustomerID] = r
			}
			norte := byCustomer["iso-norte"]
			assert.Equal(t, 5, norte.TransactionCount)
			assert.Equal(t, "449.5", norte.GrossAmount.String())
			assert.Equal(t, "4.7", norte.NetAmount.String())

			// AND: Both runs were recorded
			runs := decode[[]JobRunDTO](t, s.do(t, http.MethodGet, "/api/jobs/runs?job="+pricing.JobSettlement, nil, ""))
			require.Len(t, runs, 2)
			for _, run := range runs {
				assert.Equal(t, pricing.JobCompleted, run.Status)
				assert.NotEmpty(t, run.Summary)
			}
		})
	}
}

func TestAPI_ExportSettlements(t *testing.T) {
	s := newMemoryServer(t)
	requireStatus(t, s.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "iso-network"}, ""), http.StatusOK)
	requireStatus(t, s.do(t, http.MethodPost, "/api/settlements/consolidate", ConsolidateRequest{Month: 2, Year: 2026}, ""), http.StatusOK)

	// WHEN: Exporting February
	rec := s.do(t, http.MethodGet, "/api/settlements/export?year=2026&month=2", nil, "")

	// THEN: The body is a workbook with a header and one row per customer
	requireStatus(t, rec, http.StatusOK)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "repasse-2026-02.xlsx")

	f, err := excelize.OpenReader(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows("Repasse 2026-02", excelize.Options{RawCellValue: true})
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, settlementHeadings, rows[0])

	names := map[string]string{}
	for _, row := range rows[1:] {
		names[row[0]] = row[1]
	}
	assert.Equal(t, "ISO Norte", names["iso-norte"])

	// AND: A bad period is rejected
	assertErrorCode(t, s.do(t, http.MethodGet, "/api/settlements/export?year=2026&month=0", nil, ""), http.StatusBadRequest, pricing.CodeValidation)
}

// =============================================================================
// LIFECYCLE / NOTIFICATIONS
// =============================================================================

func TestAPI_LifecycleAndNotifications(t *testing.T) {
	s := newMemoryServer(t)
	requireStatus(t, s.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "expiring-contracts"}, ""), http.StatusOK)

	// WHEN: Running the lifecycle
	rec := s.do(t, http.MethodPost, "/api/lifecycle/run", nil, "")

	// THEN: One link per transition
	requireStatus(t, rec, http.StatusOK)
	first := decode[pricing.LifecycleResult](t, rec)
	assert.Equal(t, 5, first.Evaluated)
	assert.Equal(t, 1, first.Notified30d)
	assert.Equal(t, 1, first.Notified7d)
	assert.Equal(t, 1, first.AutoRenewed)
	assert.Equal(t, 1, first.Expired)
	assert.Empty(t, first.Errors)

	// WHEN: Running again at the same instant
	rec = s.do(t, http.MethodPost, "/api/lifecycle/run", LifecycleRunRequest{Now: &testNow}, "")

	// THEN: Nothing changes
	requireStatus(t, rec, http.StatusOK)
	second := decode[pricing.LifecycleResult](t, rec)
	assert.Zero(t, second.Notified30d+second.Notified7d+second.AutoRenewed+second.Expired)

	// AND: Four notifications were recorded
	items := decode[[]NotificationDTO](t, s.do(t, http.MethodGet, "/api/customers/iso-centro/notifications", nil, ""))
	require.Len(t, items, 4)
	kinds := map[string]bool{}
	for _, n := range items {
		kinds[n.Kind] = true
		assert.False(t, n.Read)
	}
	assert.Equal(t, map[string]bool{
		string(pricing.NotifyExpiring30d): true,
		string(pricing.NotifyExpiring7d):  true,
		string(pricing.NotifyRenewed):     true,
		string(pricing.NotifyExpired):     true,
	}, kinds)

	// WHEN: Marking one, then all, as read
	requireStatus(t, s.do(t, http.MethodPost, "/api/notifications/"+items[0].ID+"/read", nil, ""), http.StatusNoContent)
	rec = s.do(t, http.MethodPost, "/api/customers/iso-centro/notifications/read-all", nil, "")

	// THEN: Only the remaining three change
	requireStatus(t, rec, http.StatusOK)
	assert.Equal(t, 3, decode[map[string]int](t, rec)["updated"])
}

func TestAPI_LifecycleRejectsOverlappingRun(t *testing.T) {
	s := newMemoryServer(t)

	// GIVEN: Another runner holds the lifecycle lock
	release, err := s.h.Jobs.Lock.Acquire(context.Background(), pricing.JobContractLifecycle, time.Minute)
	require.NoError(t, err)
	defer release(context.Background())

	// WHEN / THEN: A manual run is refused and nothing is recorded
	assertErrorCode(t, s.do(t, http.MethodPost, "/api/lifecycle/run", nil, ""), http.StatusConflict, "job_running")
	runs := decode[[]JobRunDTO](t, s.do(t, http.MethodGet, "/api/jobs/runs", nil, ""))
	assert.Empty(t, runs)
}

// =============================================================================
// SETTINGS / SCENARIOS
// =============================================================================

func TestAPI_MarginSplitSettings(t *testing.T) {
	s := newMemoryServer(t)

	got := decode[MarginSplitDTO](t, s.do(t, http.MethodGet, "/api/settings/margin-split", nil, ""))
	assert.Equal(t, "default", got.Source)
	assert.Equal(t, "0.5", got.Core.String())

	// WHEN: A split that does not sum to one is submitted
	rec := s.do(t, http.MethodPut, "/api/settings/margin-split", `{"outbank": "0.5", "executivo": "0.5", "core": "0.5"}`, "")
	assertErrorCode(t, rec, http.StatusBadRequest, pricing.CodeValidation)

	// WHEN: A valid split is submitted
	rec = s.do(t, http.MethodPut, "/api/settings/margin-split", `{"outbank": "0.25", "executivo": "0.25", "core": "0.5"}`, "")
	requireStatus(t, rec, http.StatusOK)

	// THEN: The next read sees it despite the cached default
	got = decode[MarginSplitDTO](t, s.do(t, http.MethodGet, "/api/settings/margin-split", nil, ""))
	assert.Equal(t, "stored", got.Source)
	assert.Equal(t, "0.25", got.Outbank.String())
}

func TestAPI_Scenarios(t *testing.T) {
	s := newMemoryServer(t)

	list := decode[[]ScenarioDTO](t, s.do(t, http.MethodGet, "/api/scenarios", nil, ""))
	assert.Len(t, list, 2)

	assertErrorCode(t, s.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"}, ""), http.StatusBadRequest, pricing.CodeValidation)

	// Loading twice replaces rather than duplicates
	for i := 0; i < 2; i++ {
		requireStatus(t, s.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "iso-network"}, ""), http.StatusOK)
	}
	customers := decode[[]CustomerDTO](t, s.do(t, http.MethodGet, "/api/customers", nil, ""))
	assert.Len(t, customers, 5)

	requireStatus(t, s.do(t, http.MethodPost, "/api/scenarios/reset", nil, ""), http.StatusOK)
	customers = decode[[]CustomerDTO](t, s.do(t, http.MethodGet, "/api/customers", nil, ""))
	assert.Empty(t, customers)
	assert.Equal(t, "null\n", s.do(t, http.MethodGet, "/api/scenarios/current", nil, "").Body.String())
}
