package memory

import (
	"context"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"gothamvending/backend/internal/domain"
	"gothamvending/backend/internal/store"
)

type Store struct {
	mu              sync.RWMutex
	machinesByID    map[string]domain.Machine
	locationsByID   map[string]domain.Location
	processorsByID  map[string]domain.PaymentProcessor
	mappings        map[string]domain.MachineProcessorMapping
	salesByID       map[string]domain.SaleLine
	salesByIdem     map[string]string
	policiesByID    map[string]domain.InsurancePolicy
	allocationsByID map[string]domain.InsuranceAllocation
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials come from SEED_ADMIN_PASSWORD and SEED_VIEWER_PASSWORD; if
// unset, hardcoded dev defaults are used with a warning. These never reach
// production (the backend uses PostgreSQL when DATABASE_URL is set).
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	viewerPwd := envOr("SEED_VIEWER_PASSWORD", "viewer123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_VIEWER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_VIEWER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"viewer", viewerPwd, "viewer"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func floatPtr(v float64) *float64 { return &v }
func int64Ptr(v int64) *int64     { return &v }

func NewSeeded() *Store {
	locations := []domain.Location{
		{ID: "loc-midtown-office", Name: "Midtown Office Tower", Commission: domain.CommissionPolicy{
			Model: domain.CommissionModelPercentGross, PercentBps: 1000,
		}},
		{ID: "loc-eastside-gym", Name: "Eastside Fitness", Commission: domain.CommissionPolicy{
			Model: domain.CommissionModelHybrid, PercentBps: 500, FlatMonthlyCents: 10000, MinMonthlyCents: 15000,
		}},
		{ID: "loc-union-depot", Name: "Union Depot", Commission: domain.CommissionPolicy{
			Model: domain.CommissionModelNone,
		}},
	}

	machines := []domain.Machine{
		{ID: "vm-0001", LocationID: "loc-midtown-office", Label: "Lobby snacks", Status: domain.MachineStatusActive},
		{ID: "vm-0002", LocationID: "loc-midtown-office", Label: "Floor 12 drinks", Status: domain.MachineStatusActive},
		{ID: "vm-0003", LocationID: "loc-eastside-gym", Label: "Gym combo", Status: domain.MachineStatusActive},
		{ID: "vm-0004", LocationID: "loc-union-depot", Label: "Concourse drinks", Status: domain.MachineStatusActive},
		{ID: "vm-0005", LocationID: "", Label: "Warehouse spare", Status: domain.MachineStatusInactive},
	}

	processors := []domain.PaymentProcessor{
		{ID: "proc-nayax", Name: "Nayax", DefaultPercentFee: floatPtr(2.9), DefaultFixedFee: floatPtr(0.1)},
		{ID: "proc-cantaloupe", Name: "Cantaloupe", DefaultPercentFee: floatPtr(3.95), DefaultFixedFee: floatPtr(0)},
	}

	mappings := []domain.MachineProcessorMapping{
		{MachineID: "vm-0001", ProcessorID: "proc-nayax"},
		{MachineID: "vm-0002", ProcessorID: "proc-nayax", PercentFee: floatPtr(2.5)},
		{MachineID: "vm-0003", ProcessorID: "proc-cantaloupe"},
		{MachineID: "vm-0004", ProcessorID: "proc-cantaloupe", FixedFee: floatPtr(0.05)},
	}

	now := time.Now().UTC()
	policies := []domain.InsurancePolicy{
		{
			ID:                  "pol-fleet",
			Name:                "Fleet liability",
			CoverageStart:       time.Date(now.Year(), time.January, 1, 0, 0, 0, 0, time.UTC),
			CoverageEnd:         time.Date(now.Year(), time.December, 31, 0, 0, 0, 0, time.UTC),
			MonthlyPremiumCents: 30000,
		},
	}

	allocations := []domain.InsuranceAllocation{
		{ID: "al-fleet-global", PolicyID: "pol-fleet", Level: domain.AllocationLevelGlobal, AllocatedPctBps: int64Ptr(10000)},
	}

	locationMap := make(map[string]domain.Location, len(locations))
	for _, l := range locations {
		locationMap[l.ID] = l
	}
	machineMap := make(map[string]domain.Machine, len(machines))
	for _, m := range machines {
		machineMap[m.ID] = m
	}
	processorMap := make(map[string]domain.PaymentProcessor, len(processors))
	for _, p := range processors {
		processorMap[p.ID] = p
	}
	mappingMap := make(map[string]domain.MachineProcessorMapping, len(mappings))
	for _, m := range mappings {
		mappingMap[m.MachineID] = m
	}
	policyMap := make(map[string]domain.InsurancePolicy, len(policies))
	for _, p := range policies {
		policyMap[p.ID] = p
	}
	allocationMap := make(map[string]domain.InsuranceAllocation, len(allocations))
	for _, a := range allocations {
		allocationMap[a.ID] = a
	}

	return &Store{
		machinesByID:    machineMap,
		locationsByID:   locationMap,
		processorsByID:  processorMap,
		mappings:        mappingMap,
		salesByID:       make(map[string]domain.SaleLine),
		salesByIdem:     make(map[string]string),
		policiesByID:    policyMap,
		allocationsByID: allocationMap,
		auditLogs:       make([]domain.AuditLog, 0, 128),
		usersByUsername: seedUsers(),
	}
}

func New() *Store {
	return &Store{
		machinesByID:    make(map[string]domain.Machine),
		locationsByID:   make(map[string]domain.Location),
		processorsByID:  make(map[string]domain.PaymentProcessor),
		mappings:        make(map[string]domain.MachineProcessorMapping),
		salesByID:       make(map[string]domain.SaleLine),
		salesByIdem:     make(map[string]string),
		policiesByID:    make(map[string]domain.InsurancePolicy),
		allocationsByID: make(map[string]domain.InsuranceAllocation),
		auditLogs:       make([]domain.AuditLog, 0, 16),
		usersByUsername: make(map[string]domain.UserAccount),
	}
}

func (s *Store) ListMachines(_ context.Context) ([]domain.Machine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	machines := make([]domain.Machine, 0, len(s.machinesByID))
	for _, m := range s.machinesByID {
		machines = append(machines, m)
	}
	sort.Slice(machines, func(i, j int) bool { return machines[i].ID < machines[j].ID })
	return machines, nil
}

func (s *Store) CreateMachine(_ context.Context, machine domain.Machine) (*domain.Machine, error) {
	if machine.ID == "" || machine.Label == "" {
		return nil, store.ErrInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.machinesByID[machine.ID]; exists {
		return nil, store.ErrConflict
	}
	if machine.LocationID != "" {
		if _, exists := s.locationsByID[machine.LocationID]; !exists {
			return nil, store.ErrInvalid
		}
	}
	s.machinesByID[machine.ID] = machine
	created := machine
	return &created, nil
}

func (s *Store) GetMachineByID(_ context.Context, id string) (*domain.Machine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	machine, ok := s.machinesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	found := machine
	return &found, nil
}

func (s *Store) UpdateMachine(_ context.Context, machine domain.Machine) (*domain.Machine, error) {
	if machine.ID == "" || machine.Label == "" {
		return nil, store.ErrInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.machinesByID[machine.ID]; !exists {
		return nil, store.ErrNotFound
	}
	if machine.LocationID != "" {
		if _, exists := s.locationsByID[machine.LocationID]; !exists {
			return nil, store.ErrInvalid
		}
	}
	s.machinesByID[machine.ID] = machine
	updated := machine
	return &updated, nil
}

func (s *Store) ListLocations(_ context.Context) ([]domain.Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	locations := make([]domain.Location, 0, len(s.locationsByID))
	for _, l := range s.locationsByID {
		locations = append(locations, l)
	}
	sort.Slice(locations, func(i, j int) bool { return locations[i].ID < locations[j].ID })
	return locations, nil
}

func (s *Store) CreateLocation(_ context.Context, location domain.Location) (*domain.Location, error) {
	if location.ID == "" || location.Name == "" {
		return nil, store.ErrInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.locationsByID[location.ID]; exists {
		return nil, store.ErrConflict
	}
	s.locationsByID[location.ID] = location
	created := location
	return &created, nil
}

func (s *Store) GetLocationByID(_ context.Context, id string) (*domain.Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	location, ok := s.locationsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	found := location
	return &found, nil
}

func (s *Store) UpdateLocation(_ context.Context, location domain.Location) (*domain.Location, error) {
	if location.ID == "" || location.Name == "" {
		return nil, store.ErrInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.locationsByID[location.ID]; !exists {
		return nil, store.ErrNotFound
	}
	s.locationsByID[location.ID] = location
	updated := location
	return &updated, nil
}

func (s *Store) ListProcessors(_ context.Context) ([]domain.PaymentProcessor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	processors := make([]domain.PaymentProcessor, 0, len(s.processorsByID))
	for _, p := range s.processorsByID {
		processors = append(processors, p)
	}
	sort.Slice(processors, func(i, j int) bool { return processors[i].ID < processors[j].ID })
	return processors, nil
}

func (s *Store) CreateProcessor(_ context.Context, processor domain.PaymentProcessor) (*domain.PaymentProcessor, error) {
	if processor.ID == "" || processor.Name == "" {
		return nil, store.ErrInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.processorsByID[processor.ID]; exists {
		return nil, store.ErrConflict
	}
	s.processorsByID[processor.ID] = processor
	created := processor
	return &created, nil
}

func (s *Store) ListMappings(_ context.Context) ([]domain.MachineProcessorMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mappings := make([]domain.MachineProcessorMapping, 0, len(s.mappings))
	for _, m := range s.mappings {
		mappings = append(mappings, m)
	}
	sort.Slice(mappings, func(i, j int) bool { return mappings[i].MachineID < mappings[j].MachineID })
	return mappings, nil
}

func (s *Store) UpsertMapping(_ context.Context, mapping domain.MachineProcessorMapping) (*domain.MachineProcessorMapping, error) {
	if mapping.MachineID == "" || mapping.ProcessorID == "" {
		return nil, store.ErrInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.machinesByID[mapping.MachineID]; !exists {
		return nil, store.ErrNotFound
	}
	if _, exists := s.processorsByID[mapping.ProcessorID]; !exists {
		return nil, store.ErrNotFound
	}
	s.mappings[mapping.MachineID] = mapping
	saved := mapping
	return &saved, nil
}

func (s *Store) DeleteMapping(_ context.Context, machineID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.mappings[machineID]; !exists {
		return store.ErrNotFound
	}
	delete(s.mappings, machineID)
	return nil
}

func (s *Store) CreateSale(_ context.Context, sale domain.SaleLine, idempotencyKey string) (*domain.SaleLine, bool, error) {
	if sale.MachineID == "" {
		return nil, false, store.ErrInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if idempotencyKey != "" {
		if existingID, ok := s.salesByIdem[idempotencyKey]; ok {
			existing := s.salesByID[existingID]
			return &existing, true, nil
		}
	}

	if sale.ID == "" {
		sale.ID = uuid.NewString()
	}
	if sale.OccurredAt.IsZero() {
		sale.OccurredAt = time.Now().UTC()
	}
	s.salesByID[sale.ID] = sale
	if idempotencyKey != "" {
		s.salesByIdem[idempotencyKey] = sale.ID
	}

	created := sale
	return &created, false, nil
}

func (s *Store) ListSales(_ context.Context, window domain.ReportingWindow) ([]domain.SaleLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sales := make([]domain.SaleLine, 0, len(s.salesByID))
	for _, sale := range s.salesByID {
		if !window.Start.IsZero() && sale.OccurredAt.Before(window.Start) {
			continue
		}
		if !window.End.IsZero() && sale.OccurredAt.After(window.End) {
			continue
		}
		sales = append(sales, sale)
	}
	sort.Slice(sales, func(i, j int) bool { return sales[i].OccurredAt.Before(sales[j].OccurredAt) })
	return sales, nil
}

func (s *Store) CreateInsurancePolicy(_ context.Context, policy domain.InsurancePolicy) (*domain.InsurancePolicy, error) {
	if policy.ID == "" || policy.Name == "" {
		return nil, store.ErrInvalid
	}
	if policy.CoverageEnd.Before(policy.CoverageStart) {
		return nil, store.ErrInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.policiesByID[policy.ID]; exists {
		return nil, store.ErrConflict
	}
	s.policiesByID[policy.ID] = policy
	created := policy
	return &created, nil
}

func (s *Store) ListInsurancePolicies(_ context.Context) ([]domain.InsurancePolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	policies := make([]domain.InsurancePolicy, 0, len(s.policiesByID))
	for _, p := range s.policiesByID {
		policies = append(policies, p)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].ID < policies[j].ID })
	return policies, nil
}

func (s *Store) CreateInsuranceAllocation(_ context.Context, allocation domain.InsuranceAllocation) (*domain.InsuranceAllocation, error) {
	if allocation.ID == "" || allocation.PolicyID == "" {
		return nil, store.ErrInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.policiesByID[allocation.PolicyID]; !exists {
		return nil, store.ErrNotFound
	}
	if _, exists := s.allocationsByID[allocation.ID]; exists {
		return nil, store.ErrConflict
	}
	s.allocationsByID[allocation.ID] = allocation
	created := allocation
	return &created, nil
}

func (s *Store) ListInsuranceAllocations(_ context.Context) ([]domain.InsuranceAllocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	allocations := make([]domain.InsuranceAllocation, 0, len(s.allocationsByID))
	for _, a := range s.allocationsByID {
		allocations = append(allocations, a)
	}
	sort.Slice(allocations, func(i, j int) bool { return allocations[i].ID < allocations[j].ID })
	return allocations, nil
}

func (s *Store) DeleteInsuranceAllocation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.allocationsByID[id]; !exists {
		return store.ErrNotFound
	}
	delete(s.allocationsByID, id)
	return nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	logs := make([]domain.AuditLog, len(s.auditLogs))
	copy(logs, s.auditLogs)
	sort.Slice(logs, func(i, j int) bool { return logs[i].CreatedAt.After(logs[j].CreatedAt) })
	if limit > 0 && len(logs) > limit {
		logs = logs[:limit]
	}
	return logs, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	username := strings.TrimSpace(user.Username)
	if username == "" || user.Password == "" {
		return store.ErrInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrConflict
	}
	user.Username = username
	s.usersByUsername[username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, u := range s.usersByUsername {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	if username == "" || password == "" {
		return store.ErrInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}
