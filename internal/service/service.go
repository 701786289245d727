package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"gothamvending/backend/internal/cache"
	"gothamvending/backend/internal/domain"
	"gothamvending/backend/internal/finance"
	"gothamvending/backend/internal/store"
)

// ErrAdminRequired is returned by mutating operations when the context actor
// is missing or holds the viewer role.
var ErrAdminRequired = errors.New("admin role required")

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo       store.Repository
	resolver   *finance.Resolver
	summaries  cache.SummaryCache
	summaryTTL time.Duration
}

func New(repo store.Repository, resolver *finance.Resolver, summaries cache.SummaryCache, summaryTTL time.Duration) *Service {
	if summaries == nil {
		summaries = cache.NoopSummaryCache{}
	}
	if summaryTTL <= 0 {
		summaryTTL = time.Minute
	}

	return &Service{
		repo:       repo,
		resolver:   resolver,
		summaries:  summaries,
		summaryTTL: summaryTTL,
	}
}

func (s *Service) requireAdmin(ctx context.Context) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return ErrAdminRequired
	}
	return nil
}

func (s *Service) logAudit(ctx context.Context, action, entityType, entityID, detail string) {
	actor, _ := ActorFromContext(ctx)
	err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            uuid.NewString(),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil {
		log.Printf("[service] WARN: failed to write audit log action=%s entity=%s: %v", action, entityID, err)
	}
}

func (s *Service) ListMachines(ctx context.Context) ([]domain.Machine, error) {
	return s.repo.ListMachines(ctx)
}

func (s *Service) CreateMachine(ctx context.Context, req domain.MachineCreateRequest) (domain.Machine, error) {
	if err := s.requireAdmin(ctx); err != nil {
		return domain.Machine{}, err
	}

	req.Label = strings.TrimSpace(req.Label)
	if req.Label == "" {
		return domain.Machine{}, store.ErrInvalid
	}

	machine := domain.Machine{
		ID:         "vm-" + uuid.NewString()[:8],
		LocationID: strings.TrimSpace(req.LocationID),
		Label:      req.Label,
		Status:     domain.MachineStatusActive,
	}

	created, err := s.repo.CreateMachine(ctx, machine)
	if err != nil {
		return domain.Machine{}, err
	}

	s.logAudit(ctx, "machine_create", "machine", created.ID, fmt.Sprintf("label=%s,location=%s", created.Label, created.LocationID))
	return *created, nil
}

func (s *Service) UpdateMachine(ctx context.Context, id string, req domain.MachineUpdateRequest) (domain.Machine, error) {
	if err := s.requireAdmin(ctx); err != nil {
		return domain.Machine{}, err
	}

	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Machine{}, store.ErrInvalid
	}

	existing, err := s.repo.GetMachineByID(ctx, id)
	if err != nil {
		return domain.Machine{}, err
	}

	updated := *existing
	if req.Label != nil {
		label := strings.TrimSpace(*req.Label)
		if label == "" {
			return domain.Machine{}, store.ErrInvalid
		}
		updated.Label = label
	}
	if req.LocationID != nil {
		updated.LocationID = strings.TrimSpace(*req.LocationID)
	}
	if req.Status != nil {
		if *req.Status != domain.MachineStatusActive && *req.Status != domain.MachineStatusInactive {
			return domain.Machine{}, store.ErrInvalid
		}
		updated.Status = *req.Status
	}

	saved, err := s.repo.UpdateMachine(ctx, updated)
	if err != nil {
		return domain.Machine{}, err
	}

	s.logAudit(ctx, "machine_update", "machine", saved.ID, fmt.Sprintf("label=%s,location=%s,status=%s", saved.Label, saved.LocationID, saved.Status))
	return *saved, nil
}

func (s *Service) ListLocations(ctx context.Context) ([]domain.Location, error) {
	return s.repo.ListLocations(ctx)
}

func validCommissionModel(model string) bool {
	switch model {
	case domain.CommissionModelNone, domain.CommissionModelPercentGross,
		domain.CommissionModelFlatMonth, domain.CommissionModelHybrid:
		return true
	}
	return false
}

func validateCommission(policy domain.CommissionPolicy) error {
	if !validCommissionModel(policy.Model) {
		return store.ErrInvalid
	}
	if policy.PercentBps < 0 || policy.PercentBps > 10000 {
		return store.ErrInvalid
	}
	if policy.FlatMonthlyCents < 0 || policy.MinMonthlyCents < 0 {
		return store.ErrInvalid
	}
	return nil
}

func (s *Service) CreateLocation(ctx context.Context, req domain.LocationCreateRequest) (domain.Location, error) {
	if err := s.requireAdmin(ctx); err != nil {
		return domain.Location{}, err
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return domain.Location{}, store.ErrInvalid
	}
	if req.Commission.Model == "" {
		req.Commission.Model = domain.CommissionModelNone
	}
	if err := validateCommission(req.Commission); err != nil {
		return domain.Location{}, err
	}

	location := domain.Location{
		ID:         "loc-" + uuid.NewString()[:8],
		Name:       req.Name,
		Commission: req.Commission,
	}

	created, err := s.repo.CreateLocation(ctx, location)
	if err != nil {
		return domain.Location{}, err
	}

	s.logAudit(ctx, "location_create", "location", created.ID, fmt.Sprintf("name=%s,model=%s", created.Name, created.Commission.Model))
	return *created, nil
}

func (s *Service) UpdateLocation(ctx context.Context, id string, req domain.LocationUpdateRequest) (domain.Location, error) {
	if err := s.requireAdmin(ctx); err != nil {
		return domain.Location{}, err
	}

	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Location{}, store.ErrInvalid
	}

	existing, err := s.repo.GetLocationByID(ctx, id)
	if err != nil {
		return domain.Location{}, err
	}

	updated := *existing
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return domain.Location{}, store.ErrInvalid
		}
		updated.Name = name
	}
	if req.Commission != nil {
		if err := validateCommission(*req.Commission); err != nil {
			return domain.Location{}, err
		}
		updated.Commission = *req.Commission
	}

	saved, err := s.repo.UpdateLocation(ctx, updated)
	if err != nil {
		return domain.Location{}, err
	}

	s.logAudit(ctx, "location_update", "location", saved.ID, fmt.Sprintf("name=%s,model=%s", saved.Name, saved.Commission.Model))
	return *saved, nil
}

func (s *Service) ListProcessors(ctx context.Context) ([]domain.PaymentProcessor, error) {
	return s.repo.ListProcessors(ctx)
}

func (s *Service) CreateProcessor(ctx context.Context, req domain.ProcessorCreateRequest) (domain.PaymentProcessor, error) {
	if err := s.requireAdmin(ctx); err != nil {
		return domain.PaymentProcessor{}, err
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return domain.PaymentProcessor{}, store.ErrInvalid
	}
	if req.DefaultPercentFee != nil && (*req.DefaultPercentFee < 0 || *req.DefaultPercentFee > 100) {
		return domain.PaymentProcessor{}, store.ErrInvalid
	}
	if req.DefaultFixedFee != nil && *req.DefaultFixedFee < 0 {
		return domain.PaymentProcessor{}, store.ErrInvalid
	}

	processor := domain.PaymentProcessor{
		ID:                "proc-" + uuid.NewString()[:8],
		Name:              req.Name,
		DefaultPercentFee: req.DefaultPercentFee,
		DefaultFixedFee:   req.DefaultFixedFee,
	}

	created, err := s.repo.CreateProcessor(ctx, processor)
	if err != nil {
		return domain.PaymentProcessor{}, err
	}

	s.logAudit(ctx, "processor_create", "processor", created.ID, created.Name)
	return *created, nil
}

func (s *Service) ListMappings(ctx context.Context) ([]domain.MachineProcessorMapping, error) {
	return s.repo.ListMappings(ctx)
}

func (s *Service) UpsertMapping(ctx context.Context, mapping domain.MachineProcessorMapping) (domain.MachineProcessorMapping, error) {
	if err := s.requireAdmin(ctx); err != nil {
		return domain.MachineProcessorMapping{}, err
	}

	mapping.MachineID = strings.TrimSpace(mapping.MachineID)
	mapping.ProcessorID = strings.TrimSpace(mapping.ProcessorID)
	if mapping.MachineID == "" || mapping.ProcessorID == "" {
		return domain.MachineProcessorMapping{}, store.ErrInvalid
	}
	if mapping.PercentFee != nil && (*mapping.PercentFee < 0 || *mapping.PercentFee > 100) {
		return domain.MachineProcessorMapping{}, store.ErrInvalid
	}
	if mapping.FixedFee != nil && *mapping.FixedFee < 0 {
		return domain.MachineProcessorMapping{}, store.ErrInvalid
	}

	saved, err := s.repo.UpsertMapping(ctx, mapping)
	if err != nil {
		return domain.MachineProcessorMapping{}, err
	}

	s.logAudit(ctx, "mapping_upsert", "mapping", saved.MachineID, fmt.Sprintf("processor=%s", saved.ProcessorID))

	// Mapping changes invalidate the resolved rules immediately; waiting out
	// the TTL would leave reports computing stale fees.
	if _, err := s.ReloadFeeRules(ctx); err != nil {
		log.Printf("[service] WARN: fee rule reload after mapping upsert failed: %v", err)
	}

	return *saved, nil
}

func (s *Service) DeleteMapping(ctx context.Context, machineID string) error {
	if err := s.requireAdmin(ctx); err != nil {
		return err
	}

	machineID = strings.TrimSpace(machineID)
	if machineID == "" {
		return store.ErrInvalid
	}

	if err := s.repo.DeleteMapping(ctx, machineID); err != nil {
		return err
	}

	s.logAudit(ctx, "mapping_delete", "mapping", machineID, "")

	if _, err := s.ReloadFeeRules(ctx); err != nil {
		log.Printf("[service] WARN: fee rule reload after mapping delete failed: %v", err)
	}
	return nil
}

// ReloadFeeRules rebuilds the resolver's rule cache from the store. A
// partial failure leaves the previously loaded rules serving; the resolver
// never degrades below "no rule found".
func (s *Service) ReloadFeeRules(ctx context.Context) (domain.FeeRuleReloadResponse, error) {
	mappings, err := s.repo.ListMappings(ctx)
	if err != nil {
		return domain.FeeRuleReloadResponse{}, err
	}
	processors, err := s.repo.ListProcessors(ctx)
	if err != nil {
		return domain.FeeRuleReloadResponse{}, err
	}

	count := s.resolver.Load(mappings, processors)
	return domain.FeeRuleReloadResponse{
		Machines: count,
		LoadedAt: time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// ensureFeeRules loads the rule cache on first use. Reports still proceed if
// the load fails: fees degrade to zero rather than failing the aggregation.
func (s *Service) ensureFeeRules(ctx context.Context) {
	if s.resolver.Loaded() {
		return
	}
	if _, err := s.ReloadFeeRules(ctx); err != nil {
		log.Printf("[service] WARN: fee rule load failed, reporting fees as zero: %v", err)
	}
}

func (s *Service) RecordSale(ctx context.Context, req domain.SaleCreateRequest) (domain.SaleCreateResponse, error) {
	if err := s.requireAdmin(ctx); err != nil {
		return domain.SaleCreateResponse{}, err
	}

	req.MachineID = strings.TrimSpace(req.MachineID)
	if req.MachineID == "" {
		return domain.SaleCreateResponse{}, store.ErrInvalid
	}
	if _, err := s.repo.GetMachineByID(ctx, req.MachineID); err != nil {
		return domain.SaleCreateResponse{}, err
	}

	// Upstream imports occasionally carry negative quantities or prices;
	// the dashboard policy is to coerce to zero, not reject the row.
	sale := domain.SaleLine{
		ID:             uuid.NewString(),
		MachineID:      req.MachineID,
		Quantity:       clampCents(req.Quantity),
		UnitPriceCents: clampCents(req.UnitPriceCents),
		UnitCostCents:  clampCents(req.UnitCostCents),
		Product:        strings.TrimSpace(req.Product),
		OccurredAt:     req.OccurredAt,
	}
	if sale.OccurredAt.IsZero() {
		sale.OccurredAt = time.Now().UTC()
	}

	created, duplicate, err := s.repo.CreateSale(ctx, sale, strings.TrimSpace(req.IdempotencyKey))
	if err != nil {
		return domain.SaleCreateResponse{}, err
	}

	if !duplicate {
		s.logAudit(ctx, "sale_record", "sale", created.ID, fmt.Sprintf("machine=%s,qty=%d,price=%d", created.MachineID, created.Quantity, created.UnitPriceCents))
	}

	return domain.SaleCreateResponse{Sale: *created, Duplicate: duplicate}, nil
}

func clampCents(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

// normalizeWindow defaults an empty window to the trailing 30 days, the
// dashboard's fixed approximation of "monthly".
func normalizeWindow(window domain.ReportingWindow) domain.ReportingWindow {
	if window.End.IsZero() {
		window.End = time.Now().UTC()
	}
	if window.Start.IsZero() {
		window.Start = window.End.AddDate(0, 0, -30)
	}
	return window
}

func summaryCacheKey(window domain.ReportingWindow) string {
	return fmt.Sprintf("summary:%d:%d", window.Start.Unix(), window.End.Unix())
}

func (s *Service) SalesSummary(ctx context.Context, window domain.ReportingWindow) (domain.SalesSummaryResponse, error) {
	window = normalizeWindow(window)
	key := summaryCacheKey(window)

	if cached, found, err := s.summaries.Get(ctx, key); err == nil && found {
		resp := *cached
		resp.Cached = true
		return resp, nil
	} else if err != nil {
		log.Printf("[service] WARN: summary cache read failed: %v", err)
	}

	s.ensureFeeRules(ctx)
	sales, err := s.repo.ListSales(ctx, window)
	if err != nil {
		return domain.SalesSummaryResponse{}, err
	}

	resp := domain.SalesSummaryResponse{
		Window:  window,
		Sales:   int64(len(sales)),
		Summary: finance.AggregateWithFees(sales, s.resolver.FeeFor),
	}

	if err := s.summaries.Set(ctx, key, &resp, s.summaryTTL); err != nil {
		log.Printf("[service] WARN: summary cache write failed: %v", err)
	}

	return resp, nil
}

func (s *Service) CommissionReport(ctx context.Context, window domain.ReportingWindow) (domain.CommissionReportResponse, error) {
	window = normalizeWindow(window)

	locations, err := s.repo.ListLocations(ctx)
	if err != nil {
		return domain.CommissionReportResponse{}, err
	}
	machines, err := s.repo.ListMachines(ctx)
	if err != nil {
		return domain.CommissionReportResponse{}, err
	}
	sales, err := s.repo.ListSales(ctx, window)
	if err != nil {
		return domain.CommissionReportResponse{}, err
	}

	locationByMachine := make(map[string]string, len(machines))
	for _, m := range machines {
		locationByMachine[m.ID] = m.LocationID
	}

	grossByLocation := make(map[string]int64, len(locations))
	for _, sale := range sales {
		locID := locationByMachine[sale.MachineID]
		if locID == "" {
			continue
		}
		grossByLocation[locID] += clampCents(sale.Quantity) * clampCents(sale.UnitPriceCents)
	}

	resp := domain.CommissionReportResponse{Window: window}
	for _, location := range locations {
		gross := grossByLocation[location.ID]
		commission := finance.MonthlyCommission(location.Commission, gross)
		resp.Rows = append(resp.Rows, domain.LocationCommissionRow{
			LocationID:      location.ID,
			LocationName:    location.Name,
			Model:           location.Commission.Model,
			GrossCents:      gross,
			CommissionCents: commission,
		})
		resp.TotalCommissionCents += commission
	}

	return resp, nil
}

func (s *Service) InsuranceReport(ctx context.Context, window domain.ReportingWindow) (domain.InsuranceReportResponse, error) {
	window = normalizeWindow(window)

	machines, err := s.repo.ListMachines(ctx)
	if err != nil {
		return domain.InsuranceReportResponse{}, err
	}
	policies, err := s.repo.ListInsurancePolicies(ctx)
	if err != nil {
		return domain.InsuranceReportResponse{}, err
	}
	allocations, err := s.repo.ListInsuranceAllocations(ctx)
	if err != nil {
		return domain.InsuranceReportResponse{}, err
	}

	shares := finance.AllocateInsurance(machines, policies, allocations, window.Start, window.End)

	resp := domain.InsuranceReportResponse{Window: window}
	for _, machine := range machines {
		share := shares[machine.ID]
		resp.Rows = append(resp.Rows, domain.MachineInsuranceRow{
			MachineID:  machine.ID,
			Label:      machine.Label,
			LocationID: machine.LocationID,
			ShareCents: share,
		})
		resp.TotalShareCents += share
	}

	return resp, nil
}

func (s *Service) MachineProfitReport(ctx context.Context, window domain.ReportingWindow) (domain.MachineProfitReportResponse, error) {
	window = normalizeWindow(window)

	machines, err := s.repo.ListMachines(ctx)
	if err != nil {
		return domain.MachineProfitReportResponse{}, err
	}
	sales, err := s.repo.ListSales(ctx, window)
	if err != nil {
		return domain.MachineProfitReportResponse{}, err
	}
	policies, err := s.repo.ListInsurancePolicies(ctx)
	if err != nil {
		return domain.MachineProfitReportResponse{}, err
	}
	allocations, err := s.repo.ListInsuranceAllocations(ctx)
	if err != nil {
		return domain.MachineProfitReportResponse{}, err
	}

	s.ensureFeeRules(ctx)

	salesByMachine := make(map[string][]domain.SaleLine, len(machines))
	for _, sale := range sales {
		salesByMachine[sale.MachineID] = append(salesByMachine[sale.MachineID], sale)
	}

	shares := finance.AllocateInsurance(machines, policies, allocations, window.Start, window.End)

	resp := domain.MachineProfitReportResponse{Window: window}
	for _, machine := range machines {
		rows := salesByMachine[machine.ID]
		summary := finance.AggregateWithFees(rows, s.resolver.FeeFor)
		share := shares[machine.ID]
		resp.Rows = append(resp.Rows, domain.MachineProfitRow{
			MachineID:           machine.ID,
			Label:               machine.Label,
			LocationID:          machine.LocationID,
			Sales:               int64(len(rows)),
			Summary:             summary,
			InsuranceShareCents: share,
			ProfitCents:         summary.NetCents - share,
		})
	}

	sort.Slice(resp.Rows, func(i, j int) bool { return resp.Rows[i].ProfitCents > resp.Rows[j].ProfitCents })
	return resp, nil
}

func (s *Service) CreateInsurancePolicy(ctx context.Context, req domain.InsurancePolicyCreateRequest) (domain.InsurancePolicy, error) {
	if err := s.requireAdmin(ctx); err != nil {
		return domain.InsurancePolicy{}, err
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || req.MonthlyPremiumCents < 0 {
		return domain.InsurancePolicy{}, store.ErrInvalid
	}

	start, err := time.Parse("2006-01-02", req.CoverageStart)
	if err != nil {
		return domain.InsurancePolicy{}, store.ErrInvalid
	}
	end, err := time.Parse("2006-01-02", req.CoverageEnd)
	if err != nil {
		return domain.InsurancePolicy{}, store.ErrInvalid
	}
	if end.Before(start) {
		return domain.InsurancePolicy{}, store.ErrInvalid
	}

	policy := domain.InsurancePolicy{
		ID:                  "pol-" + uuid.NewString()[:8],
		Name:                req.Name,
		CoverageStart:       start,
		CoverageEnd:         end,
		MonthlyPremiumCents: req.MonthlyPremiumCents,
	}

	created, err := s.repo.CreateInsurancePolicy(ctx, policy)
	if err != nil {
		return domain.InsurancePolicy{}, err
	}

	s.logAudit(ctx, "insurance_policy_create", "insurance_policy", created.ID, fmt.Sprintf("name=%s,premium=%d", created.Name, created.MonthlyPremiumCents))
	return *created, nil
}

func (s *Service) ListInsurancePolicies(ctx context.Context) ([]domain.InsurancePolicy, error) {
	return s.repo.ListInsurancePolicies(ctx)
}

func (s *Service) CreateInsuranceAllocation(ctx context.Context, req domain.InsuranceAllocationCreateRequest) (domain.InsuranceAllocation, error) {
	if err := s.requireAdmin(ctx); err != nil {
		return domain.InsuranceAllocation{}, err
	}

	req.PolicyID = strings.TrimSpace(req.PolicyID)
	if req.PolicyID == "" {
		return domain.InsuranceAllocation{}, store.ErrInvalid
	}

	switch req.Level {
	case domain.AllocationLevelMachine:
		if strings.TrimSpace(req.MachineID) == "" {
			return domain.InsuranceAllocation{}, store.ErrInvalid
		}
	case domain.AllocationLevelLocation:
		// empty location id is the unassigned-machine bucket, allowed
	case domain.AllocationLevelGlobal:
		req.MachineID = ""
		req.LocationID = ""
	default:
		return domain.InsuranceAllocation{}, store.ErrInvalid
	}

	if req.FlatMonthlyCents == nil && req.AllocatedPctBps == nil {
		return domain.InsuranceAllocation{}, store.ErrInvalid
	}
	if req.FlatMonthlyCents != nil && *req.FlatMonthlyCents < 0 {
		return domain.InsuranceAllocation{}, store.ErrInvalid
	}
	if req.AllocatedPctBps != nil && (*req.AllocatedPctBps < 0 || *req.AllocatedPctBps > 10000) {
		return domain.InsuranceAllocation{}, store.ErrInvalid
	}

	allocation := domain.InsuranceAllocation{
		ID:               "al-" + uuid.NewString()[:8],
		PolicyID:         req.PolicyID,
		Level:            req.Level,
		MachineID:        strings.TrimSpace(req.MachineID),
		LocationID:       strings.TrimSpace(req.LocationID),
		FlatMonthlyCents: req.FlatMonthlyCents,
		AllocatedPctBps:  req.AllocatedPctBps,
	}

	created, err := s.repo.CreateInsuranceAllocation(ctx, allocation)
	if err != nil {
		return domain.InsuranceAllocation{}, err
	}

	s.logAudit(ctx, "insurance_allocation_create", "insurance_allocation", created.ID, fmt.Sprintf("policy=%s,level=%s", created.PolicyID, created.Level))
	return *created, nil
}

func (s *Service) ListInsuranceAllocations(ctx context.Context) ([]domain.InsuranceAllocation, error) {
	return s.repo.ListInsuranceAllocations(ctx)
}

func (s *Service) DeleteInsuranceAllocation(ctx context.Context, id string) error {
	if err := s.requireAdmin(ctx); err != nil {
		return err
	}

	id = strings.TrimSpace(id)
	if id == "" {
		return store.ErrInvalid
	}

	if err := s.repo.DeleteInsuranceAllocation(ctx, id); err != nil {
		return err
	}
	s.logAudit(ctx, "insurance_allocation_delete", "insurance_allocation", id, "")
	return nil
}

func (s *Service) ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error) {
	if err := s.requireAdmin(ctx); err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = 100
	}
	return s.repo.ListAuditLogs(ctx, limit)
}
