package cache

import (
	"context"
	"time"

	"gothamvending/backend/internal/domain"
)

// SummaryCache holds computed sales summaries keyed by reporting window so
// dashboard refreshes do not refetch and refold thousands of sale rows.
type SummaryCache interface {
	Get(ctx context.Context, key string) (*domain.SalesSummaryResponse, bool, error)
	Set(ctx context.Context, key string, value *domain.SalesSummaryResponse, ttl time.Duration) error
}

type NoopSummaryCache struct{}

func (NoopSummaryCache) Get(_ context.Context, _ string) (*domain.SalesSummaryResponse, bool, error) {
	return nil, false, nil
}

func (NoopSummaryCache) Set(_ context.Context, _ string, _ *domain.SalesSummaryResponse, _ time.Duration) error {
	return nil
}
