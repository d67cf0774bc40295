// Package storetest holds the behaviour every store implementation must share.
package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"posreturn/internal/domain"
	"posreturn/internal/store"
	"posreturn/internal/xid"
)

type Store interface {
	store.Repository
	store.Seeder
}

// Run executes the suite. open must return a store that is safe to write to;
// invoice numbers and usernames are unique per run so a shared database works.
func Run(t *testing.T, open func(t *testing.T) Store) {
	t.Run("GetInvoiceNotFound", func(t *testing.T) {
		s := open(t)
		_, err := s.GetInvoice(context.Background(), uniqueName("INV-MISSING"))
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("CreateInvoiceNormalizesLines", func(t *testing.T) {
		s := open(t)
		snap := seedInvoice(t, s)

		assert.Equal(t, "Meera Iyer", snap.Invoice.CustomerName)
		require.Len(t, snap.Items, 2)
		line := lineFor(t, snap, 101)
		assert.NotZero(t, line.LineID)
		assert.Equal(t, "M", line.Size)
		assert.Equal(t, "KRT-101", line.DesignCode)
		assert.Equal(t, 3, line.SoldQty)
		assert.Equal(t, 0, line.AlreadyReturned)
		assert.True(t, line.UnitPrice.Equal(decimal.RequireFromString("500.00")))

		err := s.CreateInvoice(context.Background(), snap)
		assert.ErrorIs(t, err, store.ErrInvalidTransaction)
	})

	t.Run("CommitReturnAppliesLedgerAndStock", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		snap := seedInvoice(t, s)
		line := lineFor(t, snap, 101)
		require.NoError(t, s.SetStock(ctx, 101, "M", 4))

		record := returnRecord(snap, line, 2)
		created, err := s.CommitReturn(ctx, domain.ReturnCommit{
			Record: record,
			Ledger: []domain.LedgerDelta{{LineID: line.LineID, Quantity: 2, ExpectedReturned: 0}},
		})
		require.NoError(t, err)
		assert.Equal(t, record.ReturnRef, created.ReturnRef)

		after, err := s.GetInvoice(ctx, snap.Invoice.InvoiceNo)
		require.NoError(t, err)
		assert.Equal(t, 2, lineFor(t, *after, 101).AlreadyReturned)
		assert.Equal(t, 0, lineFor(t, *after, 102).AlreadyReturned)

		stock, err := s.GetStock(ctx, 101, "m")
		require.NoError(t, err)
		assert.Equal(t, 6, stock)

		returns, err := s.ListReturns(ctx, snap.Invoice.InvoiceNo)
		require.NoError(t, err)
		require.Len(t, returns, 1)
		assert.Equal(t, "Cash", returns[0].PaymentMode)
		assert.True(t, returns[0].TotalRefund.Equal(decimal.RequireFromString("1000")))
		require.Len(t, returns[0].Items, 1)
		assert.Equal(t, 2, returns[0].Items[0].Quantity)
		assert.Equal(t, line.LineID, returns[0].Items[0].LineID)
	})

	t.Run("CommitReturnCreatesMissingStockRow", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		snap := seedInvoice(t, s)
		line := lineFor(t, snap, 102)

		// A shared database may already hold the row from an earlier run.
		before, err := s.GetStock(ctx, 102, "L")
		if err != nil {
			require.ErrorIs(t, err, store.ErrNotFound)
			before = 0
		}

		_, err = s.CommitReturn(ctx, domain.ReturnCommit{
			Record: returnRecord(snap, line, 1),
			Ledger: []domain.LedgerDelta{{LineID: line.LineID, Quantity: 1, ExpectedReturned: 0}},
		})
		require.NoError(t, err)

		stock, err := s.GetStock(ctx, 102, "L")
		require.NoError(t, err)
		assert.Equal(t, before+1, stock)
	})

	t.Run("CommitReturnRejectsStaleLedger", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		snap := seedInvoice(t, s)
		line := lineFor(t, snap, 101)
		delta := domain.LedgerDelta{LineID: line.LineID, Quantity: 2, ExpectedReturned: 0}

		_, err := s.CommitReturn(ctx, domain.ReturnCommit{Record: returnRecord(snap, line, 2), Ledger: []domain.LedgerDelta{delta}})
		require.NoError(t, err)

		// Same expectation as the first commit: the line has moved on.
		_, err = s.CommitReturn(ctx, domain.ReturnCommit{Record: returnRecord(snap, line, 2), Ledger: []domain.LedgerDelta{delta}})
		assert.ErrorIs(t, err, store.ErrConflict)

		after, err := s.GetInvoice(ctx, snap.Invoice.InvoiceNo)
		require.NoError(t, err)
		assert.Equal(t, 2, lineFor(t, *after, 101).AlreadyReturned)

		returns, err := s.ListReturns(ctx, snap.Invoice.InvoiceNo)
		require.NoError(t, err)
		assert.Len(t, returns, 1)
	})

	t.Run("CommitReturnNeverOverdrawsLine", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		snap := seedInvoice(t, s)
		line := lineFor(t, snap, 101)

		_, err := s.CommitReturn(ctx, domain.ReturnCommit{
			Record: returnRecord(snap, line, 4),
			Ledger: []domain.LedgerDelta{{LineID: line.LineID, Quantity: 4, ExpectedReturned: 0}},
		})
		assert.ErrorIs(t, err, store.ErrConflict)

		after, err := s.GetInvoice(ctx, snap.Invoice.InvoiceNo)
		require.NoError(t, err)
		assert.Equal(t, 0, lineFor(t, *after, 101).AlreadyReturned)
	})

	t.Run("CommitExchangeMovesStock", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		snap := seedInvoice(t, s)
		line := lineFor(t, snap, 101)
		require.NoError(t, s.SetStock(ctx, 101, "M", 1))
		require.NoError(t, s.SetStock(ctx, 101, "L", 2))

		record := exchangeRecord(snap, line, 1, domain.NewItem{
			DesignID:  101,
			Size:      "L",
			Quantity:  1,
			UnitPrice: amount("500.00"),
			LineTotal: amount("500.00"),
		})
		created, err := s.CommitExchange(ctx, domain.ExchangeCommit{
			Record: record,
			Ledger: []domain.LedgerDelta{{LineID: line.LineID, Quantity: 1, ExpectedReturned: 0}},
		})
		require.NoError(t, err)
		assert.Equal(t, domain.SettlementEven, created.Settlement.Type)

		after, err := s.GetInvoice(ctx, snap.Invoice.InvoiceNo)
		require.NoError(t, err)
		assert.Equal(t, 1, lineFor(t, *after, 101).AlreadyReturned)

		medium, err := s.GetStock(ctx, 101, "M")
		require.NoError(t, err)
		assert.Equal(t, 2, medium)
		large, err := s.GetStock(ctx, 101, "L")
		require.NoError(t, err)
		assert.Equal(t, 1, large)

		exchanges, err := s.ListExchanges(ctx, snap.Invoice.InvoiceNo)
		require.NoError(t, err)
		require.Len(t, exchanges, 1)
		got := exchanges[0]
		assert.Equal(t, record.ExchangeRef, got.ExchangeRef)
		assert.Equal(t, domain.PaymentModeNone, got.PaymentMode)
		assert.Equal(t, domain.SettlementEven, got.Settlement.Type)
		assert.True(t, got.DiscountPercent.Equal(decimal.NewFromInt(10)))
		assert.True(t, got.NewValue.Equal(decimal.NewFromInt(500)))
		require.Len(t, got.ReturnItems, 1)
		require.Len(t, got.NewItems, 1)
		assert.Equal(t, "L", got.NewItems[0].Size)
	})

	t.Run("CommitExchangeRollsBackOnInsufficientStock", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		snap := seedInvoice(t, s)
		line := lineFor(t, snap, 101)
		require.NoError(t, s.SetStock(ctx, 101, "M", 1))
		require.NoError(t, s.SetStock(ctx, 303, "XL", 1))

		record := exchangeRecord(snap, line, 1, domain.NewItem{
			DesignID:  303,
			Size:      "XL",
			Quantity:  2,
			UnitPrice: amount("250.00"),
			LineTotal: amount("500.00"),
		})
		_, err := s.CommitExchange(ctx, domain.ExchangeCommit{
			Record: record,
			Ledger: []domain.LedgerDelta{{LineID: line.LineID, Quantity: 1, ExpectedReturned: 0}},
		})
		assert.ErrorIs(t, err, store.ErrInsufficientStock)

		after, err := s.GetInvoice(ctx, snap.Invoice.InvoiceNo)
		require.NoError(t, err)
		assert.Equal(t, 0, lineFor(t, *after, 101).AlreadyReturned)

		medium, err := s.GetStock(ctx, 101, "M")
		require.NoError(t, err)
		assert.Equal(t, 1, medium)
		extraLarge, err := s.GetStock(ctx, 303, "XL")
		require.NoError(t, err)
		assert.Equal(t, 1, extraLarge)

		exchanges, err := s.ListExchanges(ctx, snap.Invoice.InvoiceNo)
		require.NoError(t, err)
		assert.Empty(t, exchanges)
	})

	t.Run("AuditLogsNewestFirst", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		base := time.Now().UTC().Truncate(time.Second)
		first := domain.AuditLog{ID: xid.New("audit"), ActorUsername: "cashier", ActorRole: "cashier", Action: "return_create", EntityType: "return", EntityID: "RET-1", CreatedAt: base}
		second := domain.AuditLog{ID: xid.New("audit"), ActorUsername: "admin", ActorRole: "admin", Action: "exchange_create", EntityType: "exchange", EntityID: "EXC-1", CreatedAt: base.Add(time.Second)}
		require.NoError(t, s.CreateAuditLog(ctx, first))
		require.NoError(t, s.CreateAuditLog(ctx, second))

		logs, err := s.ListAuditLogs(ctx, base, base.Add(2*time.Second), 50)
		require.NoError(t, err)
		ids := make([]string, 0, len(logs))
		for _, entry := range logs {
			if entry.ID == first.ID || entry.ID == second.ID {
				ids = append(ids, entry.ID)
			}
		}
		assert.Equal(t, []string{second.ID, first.ID}, ids)
	})

	t.Run("Users", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		username := uniqueName("kasir")

		require.NoError(t, s.CreateUser(ctx, domain.UserAccount{Username: username, Password: "$2a$10$hash", Role: "cashier"}))
		assert.ErrorIs(t, s.CreateUser(ctx, domain.UserAccount{Username: username, Password: "x"}), store.ErrInvalidTransaction)
		require.NoError(t, s.UpdateUserPassword(ctx, username, "$2a$10$other"))
		assert.ErrorIs(t, s.UpdateUserPassword(ctx, uniqueName("ghost"), "x"), store.ErrNotFound)

		users, err := s.ListUsers(ctx)
		require.NoError(t, err)
		var found *domain.UserAccount
		for i := range users {
			if users[i].Username == username {
				found = &users[i]
			}
		}
		require.NotNil(t, found)
		assert.Equal(t, "$2a$10$other", found.Password)
		assert.True(t, found.Active)
	})
}

func uniqueName(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

func amount(v string) domain.Amount {
	return domain.NewAmount(decimal.RequireFromString(v))
}

func seedInvoice(t *testing.T, s Store) domain.InvoiceSnapshot {
	t.Helper()
	invoiceNo := uniqueName("INV")
	err := s.CreateInvoice(context.Background(), domain.InvoiceSnapshot{
		Invoice: domain.Invoice{
			InvoiceNo:    invoiceNo,
			CustomerName: "Meera Iyer",
			Phone:        "9000012345",
			BillDate:     time.Date(2026, 10, 1, 10, 0, 0, 0, time.UTC),
			PaymentMode:  "Card",
		},
		Items: []domain.SoldLineItem{
			{DesignID: 101, DesignCode: "KRT-101", ProductName: "Cotton Kurta", Color: "Indigo", Size: " m", UnitPrice: amount("500.00"), SoldQty: 3},
			{DesignID: 102, Size: "L", UnitPrice: amount("250.50"), SoldQty: 1},
		},
	})
	require.NoError(t, err)

	snap, err := s.GetInvoice(context.Background(), invoiceNo)
	require.NoError(t, err)
	return *snap
}

func lineFor(t *testing.T, snap domain.InvoiceSnapshot, designID int64) domain.SoldLineItem {
	t.Helper()
	for _, line := range snap.Items {
		if line.DesignID == designID {
			return line
		}
	}
	t.Fatalf("design %d not on invoice %s", designID, snap.Invoice.InvoiceNo)
	return domain.SoldLineItem{}
}

func returnedLine(line domain.SoldLineItem, qty int) domain.ReturnedLine {
	return domain.ReturnedLine{
		LineID:    line.LineID,
		DesignID:  line.DesignID,
		Size:      line.Size,
		Quantity:  qty,
		UnitPrice: line.UnitPrice,
		LineTotal: domain.NewAmount(line.UnitPrice.Mul(decimal.NewFromInt(int64(qty)))),
	}
}

func returnRecord(snap domain.InvoiceSnapshot, line domain.SoldLineItem, qty int) domain.ReturnRecord {
	returned := returnedLine(line, qty)
	return domain.ReturnRecord{
		ReturnRef:   xid.Ref("RET", time.Now()),
		InvoiceNo:   snap.Invoice.InvoiceNo,
		PaymentMode: "Cash",
		Items:       []domain.ReturnedLine{returned},
		TotalRefund: returned.LineTotal,
		ProcessedBy: "cashier",
		CreatedAt:   time.Now().UTC().Truncate(time.Second),
	}
}

func exchangeRecord(snap domain.InvoiceSnapshot, line domain.SoldLineItem, qty int, newItem domain.NewItem) domain.ExchangeRecord {
	returned := returnedLine(line, qty)
	return domain.ExchangeRecord{
		ExchangeRef:     xid.Ref("EXC", time.Now()),
		InvoiceNo:       snap.Invoice.InvoiceNo,
		PaymentMode:     domain.PaymentModeNone,
		ReturnItems:     []domain.ReturnedLine{returned},
		NewItems:        []domain.NewItem{newItem},
		DiscountPercent: amount("10"),
		ReturnedValue:   returned.LineTotal,
		NewValue:        newItem.LineTotal,
		DiscountAmount:  amount("50"),
		Settlement:      domain.Settlement{Type: domain.SettlementEven, Amount: amount("0")},
		ProcessedBy:     "cashier",
		CreatedAt:       time.Now().UTC().Truncate(time.Second),
	}
}
