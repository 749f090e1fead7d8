package cache

import (
	"context"
	"time"

	"github.com/santialv/DOTENDERO-sub001/internal/domain"
)

// CatalogCache holds the catalog view a checkout session prices lines from.
// The ledger stays authoritative; the cached stock is a mirror that checkout
// decrements after a successful sale.
type CatalogCache interface {
	Get(ctx context.Context, orgID string) ([]domain.Product, bool, error)
	Set(ctx context.Context, orgID string, products []domain.Product, ttl time.Duration) error
	DecrementStock(ctx context.Context, orgID string, sold map[string]int) error
	Invalidate(ctx context.Context, orgID string) error
}

type NoopCatalogCache struct{}

func (NoopCatalogCache) Get(_ context.Context, _ string) ([]domain.Product, bool, error) {
	return nil, false, nil
}

func (NoopCatalogCache) Set(_ context.Context, _ string, _ []domain.Product, _ time.Duration) error {
	return nil
}

func (NoopCatalogCache) DecrementStock(_ context.Context, _ string, _ map[string]int) error {
	return nil
}

func (NoopCatalogCache) Invalidate(_ context.Context, _ string) error {
	return nil
}

func applySold(products []domain.Product, sold map[string]int) {
	for i := range products {
		qty, ok := sold[products[i].ID]
		if !ok {
			continue
		}
		products[i].Stock -= qty
		if products[i].Stock < 0 {
			products[i].Stock = 0
		}
	}
}
