package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"gothamvending/backend/internal/domain"
)

func TestCreateSaleIdempotency(t *testing.T) {
	databaseURL := os.Getenv("GOTHAMVENDING_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set GOTHAMVENDING_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})

	stamp := time.Now().UnixNano()
	machineID := fmt.Sprintf("vm-it-%d", stamp)
	saleID := fmt.Sprintf("sale-it-%d", stamp)
	idempotencyKey := fmt.Sprintf("idem-it-%d", stamp)

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sales WHERE machine_id = $1`, machineID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM machines WHERE id = $1`, machineID)
	})

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO machines (id, location_id, label, status, created_at, updated_at)
		VALUES ($1, NULL, 'Integration test machine', 'active', now(), now())
	`, machineID); err != nil {
		t.Fatalf("insert machine: %v", err)
	}

	sale := domain.SaleLine{
		ID:             saleID,
		MachineID:      machineID,
		Quantity:       2,
		UnitPriceCents: 250,
		UnitCostCents:  95,
		OccurredAt:     time.Now().UTC(),
	}

	created, duplicate, err := s.CreateSale(ctx, sale, idempotencyKey)
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	if duplicate {
		t.Fatalf("first insert reported duplicate")
	}

	replay := sale
	replay.ID = saleID + "-replay"
	again, duplicate, err := s.CreateSale(ctx, replay, idempotencyKey)
	if err != nil {
		t.Fatalf("replay sale: %v", err)
	}
	if !duplicate {
		t.Fatalf("expected duplicate on idempotency replay")
	}
	if again.ID != created.ID {
		t.Fatalf("replay returned different sale: %s vs %s", again.ID, created.ID)
	}
}
