package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"gothamvending/backend/internal/domain"
	"gothamvending/backend/internal/store"
)

type Store struct {
	db *sql.DB
}

// New opens the database and verifies connectivity with exponential backoff.
// Vending admin deployments often start alongside the database container, so
// a cold boot may race the database becoming ready.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	retryPolicy := backoff.NewExponentialBackOff()
	retryPolicy.MaxElapsedTime = 45 * time.Second
	retryPolicy.MaxInterval = 10 * time.Second

	err = backoff.Retry(func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
		defer cancel()
		return db.PingContext(pingCtx)
	}, backoff.WithContext(retryPolicy, ctx))
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}

func (s *Store) ListMachines(ctx context.Context) ([]domain.Machine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(location_id, ''), label, status
		FROM machines
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	machines := make([]domain.Machine, 0, 64)
	for rows.Next() {
		var m domain.Machine
		if err := rows.Scan(&m.ID, &m.LocationID, &m.Label, &m.Status); err != nil {
			return nil, err
		}
		machines = append(machines, m)
	}
	return machines, rows.Err()
}

func (s *Store) CreateMachine(ctx context.Context, machine domain.Machine) (*domain.Machine, error) {
	if machine.ID == "" || machine.Label == "" {
		return nil, store.ErrInvalid
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO machines (id, location_id, label, status, created_at, updated_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, now(), now())
	`, machine.ID, machine.LocationID, machine.Label, machine.Status)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		if isForeignKeyViolation(err) {
			return nil, store.ErrInvalid
		}
		return nil, err
	}

	created := machine
	return &created, nil
}

func (s *Store) GetMachineByID(ctx context.Context, id string) (*domain.Machine, error) {
	var m domain.Machine
	err := s.db.QueryRowContext(ctx, `
		SELECT id, COALESCE(location_id, ''), label, status
		FROM machines
		WHERE id = $1
	`, id).Scan(&m.ID, &m.LocationID, &m.Label, &m.Status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

func (s *Store) UpdateMachine(ctx context.Context, machine domain.Machine) (*domain.Machine, error) {
	if machine.ID == "" || machine.Label == "" {
		return nil, store.ErrInvalid
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE machines
		SET location_id = NULLIF($2, ''), label = $3, status = $4, updated_at = now()
		WHERE id = $1
	`, machine.ID, machine.LocationID, machine.Label, machine.Status)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, store.ErrInvalid
		}
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}

	updated := machine
	return &updated, nil
}

func (s *Store) ListLocations(ctx context.Context) ([]domain.Location, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, commission_model, commission_percent_bps, commission_flat_monthly_cents, commission_min_monthly_cents
		FROM locations
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	locations := make([]domain.Location, 0, 32)
	for rows.Next() {
		var l domain.Location
		if err := rows.Scan(&l.ID, &l.Name, &l.Commission.Model, &l.Commission.PercentBps,
			&l.Commission.FlatMonthlyCents, &l.Commission.MinMonthlyCents); err != nil {
			return nil, err
		}
		locations = append(locations, l)
	}
	return locations, rows.Err()
}

func (s *Store) CreateLocation(ctx context.Context, location domain.Location) (*domain.Location, error) {
	if location.ID == "" || location.Name == "" {
		return nil, store.ErrInvalid
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO locations (id, name, commission_model, commission_percent_bps, commission_flat_monthly_cents, commission_min_monthly_cents, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,now(),now())
	`, location.ID, location.Name, location.Commission.Model, location.Commission.PercentBps,
		location.Commission.FlatMonthlyCents, location.Commission.MinMonthlyCents)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}

	created := location
	return &created, nil
}

func (s *Store) GetLocationByID(ctx context.Context, id string) (*domain.Location, error) {
	var l domain.Location
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, commission_model, commission_percent_bps, commission_flat_monthly_cents, commission_min_monthly_cents
		FROM locations
		WHERE id = $1
	`, id).Scan(&l.ID, &l.Name, &l.Commission.Model, &l.Commission.PercentBps,
		&l.Commission.FlatMonthlyCents, &l.Commission.MinMonthlyCents)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &l, nil
}

func (s *Store) UpdateLocation(ctx context.Context, location domain.Location) (*domain.Location, error) {
	if location.ID == "" || location.Name == "" {
		return nil, store.ErrInvalid
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE locations
		SET name = $2, commission_model = $3, commission_percent_bps = $4,
		    commission_flat_monthly_cents = $5, commission_min_monthly_cents = $6, updated_at = now()
		WHERE id = $1
	`, location.ID, location.Name, location.Commission.Model, location.Commission.PercentBps,
		location.Commission.FlatMonthlyCents, location.Commission.MinMonthlyCents)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}

	updated := location
	return &updated, nil
}

func (s *Store) ListProcessors(ctx context.Context) ([]domain.PaymentProcessor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, default_percent_fee, default_fixed_fee
		FROM payment_processors
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	processors := make([]domain.PaymentProcessor, 0, 8)
	for rows.Next() {
		var p domain.PaymentProcessor
		if err := rows.Scan(&p.ID, &p.Name, &p.DefaultPercentFee, &p.DefaultFixedFee); err != nil {
			return nil, err
		}
		processors = append(processors, p)
	}
	return processors, rows.Err()
}

func (s *Store) CreateProcessor(ctx context.Context, processor domain.PaymentProcessor) (*domain.PaymentProcessor, error) {
	if processor.ID == "" || processor.Name == "" {
		return nil, store.ErrInvalid
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_processors (id, name, default_percent_fee, default_fixed_fee, created_at)
		VALUES ($1,$2,$3,$4,now())
	`, processor.ID, processor.Name, processor.DefaultPercentFee, processor.DefaultFixedFee)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}

	created := processor
	return &created, nil
}

func (s *Store) ListMappings(ctx context.Context) ([]domain.MachineProcessorMapping, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT machine_id, processor_id, percent_fee, fixed_fee
		FROM machine_processor_mappings
		ORDER BY machine_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	mappings := make([]domain.MachineProcessorMapping, 0, 64)
	for rows.Next() {
		var m domain.MachineProcessorMapping
		if err := rows.Scan(&m.MachineID, &m.ProcessorID, &m.PercentFee, &m.FixedFee); err != nil {
			return nil, err
		}
		mappings = append(mappings, m)
	}
	return mappings, rows.Err()
}

func (s *Store) UpsertMapping(ctx context.Context, mapping domain.MachineProcessorMapping) (*domain.MachineProcessorMapping, error) {
	if mapping.MachineID == "" || mapping.ProcessorID == "" {
		return nil, store.ErrInvalid
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO machine_processor_mappings (machine_id, processor_id, percent_fee, fixed_fee, updated_at)
		VALUES ($1,$2,$3,$4,now())
		ON CONFLICT (machine_id)
		DO UPDATE SET processor_id = EXCLUDED.processor_id, percent_fee = EXCLUDED.percent_fee,
		              fixed_fee = EXCLUDED.fixed_fee, updated_at = now()
	`, mapping.MachineID, mapping.ProcessorID, mapping.PercentFee, mapping.FixedFee)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	saved := mapping
	return &saved, nil
}

func (s *Store) DeleteMapping(ctx context.Context, machineID string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM machine_processor_mappings WHERE machine_id = $1
	`, machineID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CreateSale(ctx context.Context, sale domain.SaleLine, idempotencyKey string) (*domain.SaleLine, bool, error) {
	if sale.MachineID == "" || sale.ID == "" {
		return nil, false, store.ErrInvalid
	}

	if idempotencyKey != "" {
		var existing domain.SaleLine
		err := s.db.QueryRowContext(ctx, `
			SELECT id, machine_id, quantity, unit_price_cents, unit_cost_cents, COALESCE(product, ''), occurred_at
			FROM sales
			WHERE idempotency_key = $1
		`, idempotencyKey).Scan(&existing.ID, &existing.MachineID, &existing.Quantity,
			&existing.UnitPriceCents, &existing.UnitCostCents, &existing.Product, &existing.OccurredAt)
		if err == nil {
			return &existing, true, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, false, err
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sales (id, machine_id, quantity, unit_price_cents, unit_cost_cents, product, idempotency_key, occurred_at, created_at)
		VALUES ($1,$2,$3,$4,$5,NULLIF($6,''),NULLIF($7,''),$8,now())
	`, sale.ID, sale.MachineID, sale.Quantity, sale.UnitPriceCents, sale.UnitCostCents,
		sale.Product, idempotencyKey, sale.OccurredAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, false, store.ErrInvalid
		}
		if isUniqueViolation(err) {
			// Concurrent insert with the same idempotency key won the race.
			return s.CreateSale(ctx, sale, idempotencyKey)
		}
		return nil, false, err
	}

	created := sale
	return &created, false, nil
}

func (s *Store) ListSales(ctx context.Context, window domain.ReportingWindow) ([]domain.SaleLine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, machine_id, quantity, unit_price_cents, unit_cost_cents, COALESCE(product, ''), occurred_at
		FROM sales
		WHERE occurred_at >= $1 AND occurred_at <= $2
		ORDER BY occurred_at
	`, window.Start, window.End)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.SaleLine, 0, 512)
	for rows.Next() {
		var sale domain.SaleLine
		if err := rows.Scan(&sale.ID, &sale.MachineID, &sale.Quantity, &sale.UnitPriceCents,
			&sale.UnitCostCents, &sale.Product, &sale.OccurredAt); err != nil {
			return nil, err
		}
		sales = append(sales, sale)
	}
	return sales, rows.Err()
}

func (s *Store) CreateInsurancePolicy(ctx context.Context, policy domain.InsurancePolicy) (*domain.InsurancePolicy, error) {
	if policy.ID == "" || policy.Name == "" || policy.CoverageEnd.Before(policy.CoverageStart) {
		return nil, store.ErrInvalid
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO insurance_policies (id, name, coverage_start, coverage_end, monthly_premium_cents, created_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, policy.ID, policy.Name, policy.CoverageStart, policy.CoverageEnd, policy.MonthlyPremiumCents)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}

	created := policy
	return &created, nil
}

func (s *Store) ListInsurancePolicies(ctx context.Context) ([]domain.InsurancePolicy, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, coverage_start, coverage_end, monthly_premium_cents
		FROM insurance_policies
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	policies := make([]domain.InsurancePolicy, 0, 16)
	for rows.Next() {
		var p domain.InsurancePolicy
		if err := rows.Scan(&p.ID, &p.Name, &p.CoverageStart, &p.CoverageEnd, &p.MonthlyPremiumCents); err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

func (s *Store) CreateInsuranceAllocation(ctx context.Context, allocation domain.InsuranceAllocation) (*domain.InsuranceAllocation, error) {
	if allocation.ID == "" || allocation.PolicyID == "" {
		return nil, store.ErrInvalid
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO insurance_allocations (id, policy_id, level, machine_id, location_id, flat_monthly_cents, allocated_pct_bps, created_at)
		VALUES ($1,$2,$3,NULLIF($4,''),NULLIF($5,''),$6,$7,now())
	`, allocation.ID, allocation.PolicyID, allocation.Level, allocation.MachineID,
		allocation.LocationID, allocation.FlatMonthlyCents, allocation.AllocatedPctBps)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, store.ErrNotFound
		}
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}

	created := allocation
	return &created, nil
}

func (s *Store) ListInsuranceAllocations(ctx context.Context) ([]domain.InsuranceAllocation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, policy_id, level, COALESCE(machine_id, ''), COALESCE(location_id, ''), flat_monthly_cents, allocated_pct_bps
		FROM insurance_allocations
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	allocations := make([]domain.InsuranceAllocation, 0, 32)
	for rows.Next() {
		var a domain.InsuranceAllocation
		if err := rows.Scan(&a.ID, &a.PolicyID, &a.Level, &a.MachineID, &a.LocationID,
			&a.FlatMonthlyCents, &a.AllocatedPctBps); err != nil {
			return nil, err
		}
		allocations = append(allocations, a)
	}
	return allocations, rows.Err()
}

func (s *Store) DeleteInsuranceAllocation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM insurance_allocations WHERE id = $1
	`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action,
			&entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	if user.Username == "" || user.Password == "" {
		return store.ErrInvalid
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password, role, active, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil && isUniqueViolation(err) {
		return store.ErrConflict
	}
	return err
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	if username == "" || password == "" {
		return store.ErrInvalid
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET password = $2 WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}
