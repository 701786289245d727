package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"gothamvending/backend/internal/cache"
	"gothamvending/backend/internal/domain"
	"gothamvending/backend/internal/finance"
	"gothamvending/backend/internal/store"
	"gothamvending/backend/internal/store/memory"
)

type mapSummaryCache struct {
	mu      sync.Mutex
	entries map[string]*domain.SalesSummaryResponse
}

func newMapSummaryCache() *mapSummaryCache {
	return &mapSummaryCache{entries: make(map[string]*domain.SalesSummaryResponse)}
}

func (c *mapSummaryCache) Get(_ context.Context, key string) (*domain.SalesSummaryResponse, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	copied := *v
	return &copied, true, nil
}

func (c *mapSummaryCache) Set(_ context.Context, key string, value *domain.SalesSummaryResponse, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	copied := *value
	c.entries[key] = &copied
	return nil
}

func newTestService(t *testing.T, summaries cache.SummaryCache) *Service {
	t.Helper()
	return New(memory.NewSeeded(), finance.NewResolver(0), summaries, time.Minute)
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: "admin"})
}

func viewerCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "viewer", Role: "viewer"})
}

// marchWindow sits fully inside the seeded policy's coverage year and spans
// exactly 30 days, so the premium proration fraction is 1.0.
func marchWindow() domain.ReportingWindow {
	year := time.Now().UTC().Year()
	return domain.ReportingWindow{
		Start: time.Date(year, time.March, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(year, time.March, 30, 0, 0, 0, 0, time.UTC),
	}
}

func recordSale(t *testing.T, svc *Service, machineID string, qty, price, cost int64) {
	t.Helper()
	window := marchWindow()
	_, err := svc.RecordSale(adminCtx(), domain.SaleCreateRequest{
		MachineID:      machineID,
		Quantity:       qty,
		UnitPriceCents: price,
		UnitCostCents:  cost,
		OccurredAt:     window.Start.Add(12 * time.Hour),
	})
	if err != nil {
		t.Fatalf("record sale on %s: %v", machineID, err)
	}
}

func TestRecordSaleRequiresAdmin(t *testing.T) {
	svc := newTestService(t, nil)

	_, err := svc.RecordSale(viewerCtx(), domain.SaleCreateRequest{MachineID: "vm-0001", Quantity: 1, UnitPriceCents: 100})
	if !errors.Is(err, ErrAdminRequired) {
		t.Fatalf("expected ErrAdminRequired, got %v", err)
	}
}

func TestRecordSaleUnknownMachine(t *testing.T) {
	svc := newTestService(t, nil)

	_, err := svc.RecordSale(adminCtx(), domain.SaleCreateRequest{MachineID: "vm-nope", Quantity: 1, UnitPriceCents: 100})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRecordSaleIdempotent(t *testing.T) {
	svc := newTestService(t, nil)

	req := domain.SaleCreateRequest{
		IdempotencyKey: "telemetry-batch-17",
		MachineID:      "vm-0001",
		Quantity:       2,
		UnitPriceCents: 250,
		UnitCostCents:  100,
	}

	first, err := svc.RecordSale(adminCtx(), req)
	if err != nil {
		t.Fatalf("first record: %v", err)
	}
	if first.Duplicate {
		t.Fatal("first record flagged duplicate")
	}

	second, err := svc.RecordSale(adminCtx(), req)
	if err != nil {
		t.Fatalf("replay record: %v", err)
	}
	if !second.Duplicate {
		t.Fatal("replay not flagged duplicate")
	}
	if second.Sale.ID != first.Sale.ID {
		t.Fatalf("replay returned different sale: %s vs %s", second.Sale.ID, first.Sale.ID)
	}
}

func TestRecordSaleClampsNegativeInputs(t *testing.T) {
	svc := newTestService(t, nil)

	resp, err := svc.RecordSale(adminCtx(), domain.SaleCreateRequest{
		MachineID:      "vm-0001",
		Quantity:       -3,
		UnitPriceCents: -250,
		UnitCostCents:  -1,
	})
	if err != nil {
		t.Fatalf("record sale: %v", err)
	}
	if resp.Sale.Quantity != 0 || resp.Sale.UnitPriceCents != 0 || resp.Sale.UnitCostCents != 0 {
		t.Fatalf("negative inputs not clamped: %+v", resp.Sale)
	}
}

func TestSalesSummaryComputesFees(t *testing.T) {
	svc := newTestService(t, nil)

	// vm-0001 resolves to 290 bps + 10 cents fixed: per unit
	// round(250*0.029)=7, +10 = 17, times 3 units = 51.
	recordSale(t, svc, "vm-0001", 3, 250, 100)

	resp, err := svc.SalesSummary(adminCtx(), marchWindow())
	if err != nil {
		t.Fatalf("sales summary: %v", err)
	}

	if resp.Sales != 1 {
		t.Fatalf("expected 1 sale, got %d", resp.Sales)
	}
	if resp.Summary.GrossCents != 750 {
		t.Fatalf("gross = %d, want 750", resp.Summary.GrossCents)
	}
	if resp.Summary.FeeCents != 51 {
		t.Fatalf("fees = %d, want 51", resp.Summary.FeeCents)
	}
	if resp.Summary.NetCents != 750-300-51 {
		t.Fatalf("net = %d, want %d", resp.Summary.NetCents, 750-300-51)
	}
}

func TestSalesSummaryUsesCache(t *testing.T) {
	summaries := newMapSummaryCache()
	svc := newTestService(t, summaries)

	recordSale(t, svc, "vm-0001", 1, 200, 50)

	first, err := svc.SalesSummary(adminCtx(), marchWindow())
	if err != nil {
		t.Fatalf("first summary: %v", err)
	}
	if first.Cached {
		t.Fatal("first summary should be a cache miss")
	}

	second, err := svc.SalesSummary(adminCtx(), marchWindow())
	if err != nil {
		t.Fatalf("second summary: %v", err)
	}
	if !second.Cached {
		t.Fatal("second summary should be served from cache")
	}
	if second.Summary != first.Summary {
		t.Fatalf("cached summary diverged: %+v vs %+v", second.Summary, first.Summary)
	}
}

func TestCommissionReportPerLocation(t *testing.T) {
	svc := newTestService(t, nil)

	// Midtown (percent_gross 1000 bps) earns on vm-0001's gross of 750:
	// round(750*0.10) = 75. Eastside (hybrid, floor 15000) has no sales so the
	// minimum applies. Union Depot is model none.
	recordSale(t, svc, "vm-0001", 3, 250, 100)

	resp, err := svc.CommissionReport(adminCtx(), marchWindow())
	if err != nil {
		t.Fatalf("commission report: %v", err)
	}

	byLocation := make(map[string]domain.LocationCommissionRow, len(resp.Rows))
	for _, row := range resp.Rows {
		byLocation[row.LocationID] = row
	}

	if got := byLocation["loc-midtown-office"].CommissionCents; got != 75 {
		t.Fatalf("midtown commission = %d, want 75", got)
	}
	if got := byLocation["loc-eastside-gym"].CommissionCents; got != 15000 {
		t.Fatalf("eastside commission = %d, want 15000 (minimum)", got)
	}
	if got := byLocation["loc-union-depot"].CommissionCents; got != 0 {
		t.Fatalf("union depot commission = %d, want 0", got)
	}
	if resp.TotalCommissionCents != 75+15000 {
		t.Fatalf("total commission = %d, want %d", resp.TotalCommissionCents, 75+15000)
	}
}

func TestInsuranceReportSplitsPremium(t *testing.T) {
	svc := newTestService(t, nil)

	// One global 100% allocation of a 30000-cent premium over 5 machines
	// inside a full premium month: 6000 each.
	resp, err := svc.InsuranceReport(adminCtx(), marchWindow())
	if err != nil {
		t.Fatalf("insurance report: %v", err)
	}

	if len(resp.Rows) != 5 {
		t.Fatalf("expected 5 machine rows, got %d", len(resp.Rows))
	}
	for _, row := range resp.Rows {
		if row.ShareCents != 6000 {
			t.Fatalf("machine %s share = %d, want 6000", row.MachineID, row.ShareCents)
		}
	}
	if resp.TotalShareCents != 30000 {
		t.Fatalf("total share = %d, want 30000", resp.TotalShareCents)
	}
}

func TestMachineProfitReportSubtractsInsurance(t *testing.T) {
	svc := newTestService(t, nil)

	recordSale(t, svc, "vm-0001", 3, 250, 100)

	resp, err := svc.MachineProfitReport(adminCtx(), marchWindow())
	if err != nil {
		t.Fatalf("machine profit report: %v", err)
	}

	if len(resp.Rows) != 5 {
		t.Fatalf("expected 5 rows, got %d", len(resp.Rows))
	}
	// Rows are sorted by profit descending; vm-0001 is the only earner.
	top := resp.Rows[0]
	if top.MachineID != "vm-0001" {
		t.Fatalf("top row is %s, want vm-0001", top.MachineID)
	}
	wantProfit := int64(750-300-51) - 6000
	if top.ProfitCents != wantProfit {
		t.Fatalf("vm-0001 profit = %d, want %d", top.ProfitCents, wantProfit)
	}
	for _, row := range resp.Rows[1:] {
		if row.ProfitCents != -6000 {
			t.Fatalf("idle machine %s profit = %d, want -6000", row.MachineID, row.ProfitCents)
		}
	}
}

func TestReloadFeeRulesCountsMappedMachines(t *testing.T) {
	svc := newTestService(t, nil)

	resp, err := svc.ReloadFeeRules(adminCtx())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if resp.Machines != 4 {
		t.Fatalf("loaded %d machine rules, want 4", resp.Machines)
	}
}

func TestUpsertMappingRefreshesFees(t *testing.T) {
	svc := newTestService(t, nil)

	recordSale(t, svc, "vm-0001", 3, 250, 100)

	before, err := svc.SalesSummary(adminCtx(), marchWindow())
	if err != nil {
		t.Fatalf("summary before: %v", err)
	}
	if before.Summary.FeeCents != 51 {
		t.Fatalf("fees before = %d, want 51", before.Summary.FeeCents)
	}

	zero := 0.0
	_, err = svc.UpsertMapping(adminCtx(), domain.MachineProcessorMapping{
		MachineID:   "vm-0001",
		ProcessorID: "proc-nayax",
		PercentFee:  &zero,
		FixedFee:    &zero,
	})
	if err != nil {
		t.Fatalf("upsert mapping: %v", err)
	}

	after, err := svc.SalesSummary(adminCtx(), marchWindow())
	if err != nil {
		t.Fatalf("summary after: %v", err)
	}
	if after.Summary.FeeCents != 0 {
		t.Fatalf("fees after override = %d, want 0", after.Summary.FeeCents)
	}
}

func TestCreateLocationRejectsBadModel(t *testing.T) {
	svc := newTestService(t, nil)

	_, err := svc.CreateLocation(adminCtx(), domain.LocationCreateRequest{
		Name:       "Harbor Terminal",
		Commission: domain.CommissionPolicy{Model: "revenue_share"},
	})
	if !errors.Is(err, store.ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestCreateInsuranceAllocationValidation(t *testing.T) {
	svc := newTestService(t, nil)
	flat := int64(5000)

	cases := []struct {
		name string
		req  domain.InsuranceAllocationCreateRequest
	}{
		{"missing policy", domain.InsuranceAllocationCreateRequest{Level: domain.AllocationLevelGlobal, FlatMonthlyCents: &flat}},
		{"machine level without machine", domain.InsuranceAllocationCreateRequest{PolicyID: "pol-fleet", Level: domain.AllocationLevelMachine, FlatMonthlyCents: &flat}},
		{"no amount", domain.InsuranceAllocationCreateRequest{PolicyID: "pol-fleet", Level: domain.AllocationLevelGlobal}},
		{"bad level", domain.InsuranceAllocationCreateRequest{PolicyID: "pol-fleet", Level: "fleet", FlatMonthlyCents: &flat}},
	}

	for _, tc := range cases {
		if _, err := svc.CreateInsuranceAllocation(adminCtx(), tc.req); !errors.Is(err, store.ErrInvalid) {
			t.Fatalf("%s: expected ErrInvalid, got %v", tc.name, err)
		}
	}
}

func TestMutationsWriteAuditLog(t *testing.T) {
	svc := newTestService(t, nil)

	created, err := svc.CreateMachine(adminCtx(), domain.MachineCreateRequest{Label: "Annex combo", LocationID: "loc-union-depot"})
	if err != nil {
		t.Fatalf("create machine: %v", err)
	}

	logs, err := svc.ListAuditLogs(adminCtx(), 10)
	if err != nil {
		t.Fatalf("list audit logs: %v", err)
	}
	if len(logs) == 0 {
		t.Fatal("expected at least one audit entry")
	}
	found := false
	for _, entry := range logs {
		if entry.Action == "machine_create" && entry.EntityID == created.ID {
			found = true
			if entry.ActorUsername != "admin" {
				t.Fatalf("audit actor = %s, want admin", entry.ActorUsername)
			}
		}
	}
	if !found {
		t.Fatal("machine_create audit entry missing")
	}
}
