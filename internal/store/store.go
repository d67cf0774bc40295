package store

import (
	"context"
	"errors"
	"time"

	"posreturn/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrInvalidTransaction = errors.New("invalid transaction")
	// ErrConflict reports that a ledger line no longer holds the returned
	// quantity a commit was validated against.
	ErrConflict = errors.New("ledger conflict")
)

type Repository interface {
	GetInvoice(ctx context.Context, invoiceNo string) (*domain.InvoiceSnapshot, error)
	CommitReturn(ctx context.Context, commit domain.ReturnCommit) (*domain.ReturnRecord, error)
	CommitExchange(ctx context.Context, commit domain.ExchangeCommit) (*domain.ExchangeRecord, error)
	ListReturns(ctx context.Context, invoiceNo string) ([]domain.ReturnRecord, error)
	ListExchanges(ctx context.Context, invoiceNo string) ([]domain.ExchangeRecord, error)
	GetStock(ctx context.Context, designID int64, size string) (int, error)
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

// Seeder records sales and stock levels produced by the checkout side of the
// POS.
type Seeder interface {
	CreateInvoice(ctx context.Context, snapshot domain.InvoiceSnapshot) error
	SetStock(ctx context.Context, designID int64, size string, qty int) error
}

// ReturnStock lists the stock increments for goods coming back in a return.
func ReturnStock(record domain.ReturnRecord) []domain.StockAdjustment {
	return returnedStock(record.Items)
}

// ExchangeStock lists returned goods as increments followed by new goods as
// decrements.
func ExchangeStock(record domain.ExchangeRecord) []domain.StockAdjustment {
	adjustments := returnedStock(record.ReturnItems)
	for _, item := range record.NewItems {
		adjustments = append(adjustments, domain.StockAdjustment{DesignID: item.DesignID, Size: item.Size, Qty: -item.Quantity})
	}
	return adjustments
}

func returnedStock(lines []domain.ReturnedLine) []domain.StockAdjustment {
	adjustments := make([]domain.StockAdjustment, 0, len(lines))
	for _, line := range lines {
		adjustments = append(adjustments, domain.StockAdjustment{DesignID: line.DesignID, Size: line.Size, Qty: line.Quantity})
	}
	return adjustments
}
