package cache

import (
	"context"
	"time"

	"posreturn/internal/domain"
)

// InvoiceCache holds read views of invoices. Commits never read from it.
type InvoiceCache interface {
	Get(ctx context.Context, invoiceNo string) (*domain.InvoiceSnapshot, bool, error)
	Set(ctx context.Context, snapshot *domain.InvoiceSnapshot, ttl time.Duration) error
	Invalidate(ctx context.Context, invoiceNo string) error
}

type NoopInvoiceCache struct{}

func (NoopInvoiceCache) Get(_ context.Context, _ string) (*domain.InvoiceSnapshot, bool, error) {
	return nil, false, nil
}

func (NoopInvoiceCache) Set(_ context.Context, _ *domain.InvoiceSnapshot, _ time.Duration) error {
	return nil
}

func (NoopInvoiceCache) Invalidate(_ context.Context, _ string) error {
	return nil
}
