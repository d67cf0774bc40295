// Package sqlite keeps sales and settlements in a local SQLite file for
// single-terminal shops that run without a database server.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	sqlitedriver "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"posreturn/internal/domain"
	"posreturn/internal/settlement"
	"posreturn/internal/store"
	"posreturn/internal/xid"
)

type saleRow struct {
	InvoiceNo    string `gorm:"primaryKey;size:64"`
	CustomerName string
	Phone        string
	BillDate     time.Time
	PaymentMode  string
}

func (saleRow) TableName() string { return "sales" }

type saleItemRow struct {
	ID          int64           `gorm:"primaryKey;autoIncrement"`
	InvoiceNo   string          `gorm:"size:64;not null;uniqueIndex:idx_sale_items_line,priority:1"`
	DesignID    int64           `gorm:"not null;uniqueIndex:idx_sale_items_line,priority:2"`
	Size        string          `gorm:"size:10;not null;uniqueIndex:idx_sale_items_line,priority:3"`
	DesignCode  string
	ProductName string
	Color       string
	Quantity    int             `gorm:"not null"`
	Price       decimal.Decimal `gorm:"type:text;not null"`
	ReturnedQty int             `gorm:"not null;default:0"`
}

func (saleItemRow) TableName() string { return "sale_items" }

type stockRow struct {
	DesignID int64  `gorm:"primaryKey;autoIncrement:false"`
	Size     string `gorm:"primaryKey;size:10"`
	Stock    int    `gorm:"not null"`
}

func (stockRow) TableName() string { return "design_stock" }

type returnRow struct {
	ReturnRef   string          `gorm:"primaryKey;size:64"`
	InvoiceNo   string          `gorm:"size:64;not null;index"`
	PaymentMode string          `gorm:"not null"`
	TotalRefund decimal.Decimal `gorm:"type:text;not null"`
	ProcessedBy string
	CreatedAt   time.Time
}

func (returnRow) TableName() string { return "returns" }

type returnItemRow struct {
	ID        int64           `gorm:"primaryKey;autoIncrement"`
	ReturnRef string          `gorm:"size:64;not null;index"`
	LineID    int64           `gorm:"not null"`
	DesignID  int64           `gorm:"not null"`
	Size      string          `gorm:"size:10;not null"`
	Quantity  int             `gorm:"not null"`
	UnitPrice decimal.Decimal `gorm:"type:text;not null"`
}

func (returnItemRow) TableName() string { return "return_items" }

type exchangeRow struct {
	ExchangeRef      string          `gorm:"primaryKey;size:64"`
	InvoiceNo        string          `gorm:"size:64;not null;index"`
	PaymentMode      string          `gorm:"not null"`
	DiscountPercent  decimal.Decimal `gorm:"type:text;not null"`
	ReturnedValue    decimal.Decimal `gorm:"type:text;not null"`
	NewValue         decimal.Decimal `gorm:"type:text;not null"`
	DiscountAmount   decimal.Decimal `gorm:"type:text;not null"`
	SettlementType   string          `gorm:"size:10;not null"`
	SettlementAmount decimal.Decimal `gorm:"type:text;not null"`
	ProcessedBy      string
	CreatedAt        time.Time
}

func (exchangeRow) TableName() string { return "exchanges" }

const (
	kindReturn = "return"
	kindNew    = "new"
)

type exchangeItemRow struct {
	ID          int64           `gorm:"primaryKey;autoIncrement"`
	ExchangeRef string          `gorm:"size:64;not null;index"`
	Kind        string          `gorm:"size:10;not null"`
	LineID      int64           `gorm:"not null;default:0"`
	DesignID    int64           `gorm:"not null"`
	Size        string          `gorm:"size:10;not null"`
	Quantity    int             `gorm:"not null"`
	UnitPrice   decimal.Decimal `gorm:"type:text;not null"`
}

func (exchangeItemRow) TableName() string { return "exchange_items" }

type auditLogRow struct {
	ID            string `gorm:"primaryKey;size:64"`
	ActorUsername string
	ActorRole     string
	Action        string
	EntityType    string
	EntityID      string
	Detail        string
	CreatedAt     time.Time `gorm:"index"`
}

func (auditLogRow) TableName() string { return "audit_logs" }

type userRow struct {
	Username  string `gorm:"primaryKey;size:64"`
	Password  string `gorm:"not null"`
	Role      string `gorm:"not null"`
	Active    bool
	CreatedAt time.Time
}

func (userRow) TableName() string { return "users" }

type Store struct {
	db *gorm.DB
}

func New(path string) (*Store, error) {
	dsn := path
	if strings.Contains(dsn, "?") {
		dsn += "&_busy_timeout=5000&_foreign_keys=on"
	} else {
		dsn += "?_busy_timeout=5000&_foreign_keys=on"
	}

	db, err := gorm.Open(sqlitedriver.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer; a single connection keeps transactions from
	// tripping over "database is locked".
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&saleRow{}, &saleItemRow{}, &stockRow{},
		&returnRow{}, &returnItemRow{},
		&exchangeRow{}, &exchangeItemRow{},
		&auditLogRow{}, &userRow{},
	); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) CreateInvoice(ctx context.Context, snapshot domain.InvoiceSnapshot) error {
	invoiceNo := strings.TrimSpace(snapshot.Invoice.InvoiceNo)
	if invoiceNo == "" || len(snapshot.Items) == 0 {
		return store.ErrInvalidTransaction
	}

	items := make([]saleItemRow, 0, len(snapshot.Items))
	seen := make(map[settlement.LineKey]bool, len(snapshot.Items))
	for _, item := range snapshot.Items {
		key := settlement.KeyOf(item.DesignID, item.Size)
		if seen[key] || item.SoldQty < 1 || item.AlreadyReturned < 0 || item.AlreadyReturned > item.SoldQty || item.UnitPrice.IsNegative() {
			return store.ErrInvalidTransaction
		}
		seen[key] = true
		items = append(items, saleItemRow{
			InvoiceNo:   invoiceNo,
			DesignID:    item.DesignID,
			Size:        key.Size,
			DesignCode:  item.DesignCode,
			ProductName: item.ProductName,
			Color:       item.Color,
			Quantity:    item.SoldQty,
			Price:       item.UnitPrice.Decimal,
			ReturnedQty: item.AlreadyReturned,
		})
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&saleRow{}).Where("invoice_no = ?", invoiceNo).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return store.ErrInvalidTransaction
		}
		sale := saleRow{
			InvoiceNo:    invoiceNo,
			CustomerName: snapshot.Invoice.CustomerName,
			Phone:        snapshot.Invoice.Phone,
			BillDate:     snapshot.Invoice.BillDate.UTC(),
			PaymentMode:  snapshot.Invoice.PaymentMode,
		}
		if err := tx.Create(&sale).Error; err != nil {
			return err
		}
		return tx.Create(&items).Error
	})
}

func (s *Store) SetStock(ctx context.Context, designID int64, size string, qty int) error {
	if qty < 0 {
		return store.ErrInvalidTransaction
	}
	row := stockRow{DesignID: designID, Size: settlement.NormalizeSize(size), Stock: qty}
	return s.db.WithContext(ctx).Save(&row).Error
}

func (s *Store) GetInvoice(ctx context.Context, invoiceNo string) (*domain.InvoiceSnapshot, error) {
	db := s.db.WithContext(ctx)

	var sale saleRow
	if err := db.First(&sale, "invoice_no = ?", strings.TrimSpace(invoiceNo)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	var rows []saleItemRow
	if err := db.Where("invoice_no = ?", sale.InvoiceNo).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}

	items := make([]domain.SoldLineItem, 0, len(rows))
	for _, row := range rows {
		items = append(items, domain.SoldLineItem{
			LineID:          row.ID,
			DesignID:        row.DesignID,
			DesignCode:      row.DesignCode,
			ProductName:     row.ProductName,
			Color:           row.Color,
			Size:            row.Size,
			UnitPrice:       domain.NewAmount(row.Price),
			SoldQty:         row.Quantity,
			AlreadyReturned: row.ReturnedQty,
		})
	}

	return &domain.InvoiceSnapshot{
		Invoice: domain.Invoice{
			InvoiceNo:    sale.InvoiceNo,
			CustomerName: sale.CustomerName,
			Phone:        sale.Phone,
			BillDate:     sale.BillDate,
			PaymentMode:  sale.PaymentMode,
		},
		Items: items,
	}, nil
}

func (s *Store) GetStock(ctx context.Context, designID int64, size string) (int, error) {
	var row stockRow
	err := s.db.WithContext(ctx).First(&row, "design_id = ? AND size = ?", designID, settlement.NormalizeSize(size)).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, store.ErrNotFound
		}
		return 0, err
	}
	return row.Stock, nil
}

func (s *Store) CommitReturn(ctx context.Context, commit domain.ReturnCommit) (*domain.ReturnRecord, error) {
	record := commit.Record
	if strings.TrimSpace(record.ReturnRef) == "" || len(record.Items) == 0 || len(commit.Ledger) == 0 {
		return nil, store.ErrInvalidTransaction
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := requireSale(tx, record.InvoiceNo); err != nil {
			return err
		}
		if err := applyLedger(tx, record.InvoiceNo, commit.Ledger); err != nil {
			return err
		}
		if err := tx.Create(&returnRow{
			ReturnRef:   record.ReturnRef,
			InvoiceNo:   record.InvoiceNo,
			PaymentMode: record.PaymentMode,
			TotalRefund: record.TotalRefund.Decimal,
			ProcessedBy: record.ProcessedBy,
			CreatedAt:   record.CreatedAt.UTC(),
		}).Error; err != nil {
			return err
		}
		items := make([]returnItemRow, 0, len(record.Items))
		for _, line := range record.Items {
			items = append(items, returnItemRow{
				ReturnRef: record.ReturnRef,
				LineID:    line.LineID,
				DesignID:  line.DesignID,
				Size:      line.Size,
				Quantity:  line.Quantity,
				UnitPrice: line.UnitPrice.Decimal,
			})
		}
		if err := tx.Create(&items).Error; err != nil {
			return err
		}
		return applyStock(tx, store.ReturnStock(record))
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *Store) CommitExchange(ctx context.Context, commit domain.ExchangeCommit) (*domain.ExchangeRecord, error) {
	record := commit.Record
	if strings.TrimSpace(record.ExchangeRef) == "" || len(record.ReturnItems) == 0 || len(record.NewItems) == 0 || len(commit.Ledger) == 0 {
		return nil, store.ErrInvalidTransaction
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := requireSale(tx, record.InvoiceNo); err != nil {
			return err
		}
		if err := applyLedger(tx, record.InvoiceNo, commit.Ledger); err != nil {
			return err
		}
		if err := tx.Create(&exchangeRow{
			ExchangeRef:      record.ExchangeRef,
			InvoiceNo:        record.InvoiceNo,
			PaymentMode:      record.PaymentMode,
			DiscountPercent:  record.DiscountPercent.Decimal,
			ReturnedValue:    record.ReturnedValue.Decimal,
			NewValue:         record.NewValue.Decimal,
			DiscountAmount:   record.DiscountAmount.Decimal,
			SettlementType:   string(record.Settlement.Type),
			SettlementAmount: record.Settlement.Amount.Decimal,
			ProcessedBy:      record.ProcessedBy,
			CreatedAt:        record.CreatedAt.UTC(),
		}).Error; err != nil {
			return err
		}

		items := make([]exchangeItemRow, 0, len(record.ReturnItems)+len(record.NewItems))
		for _, line := range record.ReturnItems {
			items = append(items, exchangeItemRow{
				ExchangeRef: record.ExchangeRef,
				Kind:        kindReturn,
				LineID:      line.LineID,
				DesignID:    line.DesignID,
				Size:        line.Size,
				Quantity:    line.Quantity,
				UnitPrice:   line.UnitPrice.Decimal,
			})
		}
		for _, item := range record.NewItems {
			items = append(items, exchangeItemRow{
				ExchangeRef: record.ExchangeRef,
				Kind:        kindNew,
				DesignID:    item.DesignID,
				Size:        item.Size,
				Quantity:    item.Quantity,
				UnitPrice:   item.UnitPrice.Decimal,
			})
		}
		if err := tx.Create(&items).Error; err != nil {
			return err
		}
		return applyStock(tx, store.ExchangeStock(record))
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func requireSale(tx *gorm.DB, invoiceNo string) error {
	var count int64
	if err := tx.Model(&saleRow{}).Where("invoice_no = ?", invoiceNo).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return store.ErrNotFound
	}
	return nil
}

// applyLedger increments returned_qty only on rows that still hold the
// expected value.
func applyLedger(tx *gorm.DB, invoiceNo string, deltas []domain.LedgerDelta) error {
	for _, delta := range deltas {
		if delta.Quantity < 1 {
			return store.ErrInvalidTransaction
		}
		res := tx.Model(&saleItemRow{}).
			Where("id = ? AND invoice_no = ? AND returned_qty = ? AND returned_qty + ? <= quantity",
				delta.LineID, invoiceNo, delta.ExpectedReturned, delta.Quantity).
			Update("returned_qty", gorm.Expr("returned_qty + ?", delta.Quantity))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return store.ErrConflict
		}
	}
	return nil
}

func applyStock(tx *gorm.DB, adjustments []domain.StockAdjustment) error {
	for _, adj := range adjustments {
		size := settlement.NormalizeSize(adj.Size)
		if adj.Qty >= 0 {
			res := tx.Model(&stockRow{}).
				Where("design_id = ? AND size = ?", adj.DesignID, size).
				Update("stock", gorm.Expr("stock + ?", adj.Qty))
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				if err := tx.Create(&stockRow{DesignID: adj.DesignID, Size: size, Stock: adj.Qty}).Error; err != nil {
					return err
				}
			}
			continue
		}

		need := -adj.Qty
		res := tx.Model(&stockRow{}).
			Where("design_id = ? AND size = ? AND stock >= ?", adj.DesignID, size, need).
			Update("stock", gorm.Expr("stock - ?", need))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: design %d size %s", store.ErrInsufficientStock, adj.DesignID, size)
		}
	}
	return nil
}

func (s *Store) ListReturns(ctx context.Context, invoiceNo string) ([]domain.ReturnRecord, error) {
	db := s.db.WithContext(ctx)

	var rows []returnRow
	if err := db.Where("invoice_no = ?", invoiceNo).Order("created_at, return_ref").Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return []domain.ReturnRecord{}, nil
	}

	refs := make([]string, 0, len(rows))
	for _, row := range rows {
		refs = append(refs, row.ReturnRef)
	}
	var itemRows []returnItemRow
	if err := db.Where("return_ref IN ?", refs).Order("id").Find(&itemRows).Error; err != nil {
		return nil, err
	}
	itemsByRef := make(map[string][]domain.ReturnedLine, len(rows))
	for _, item := range itemRows {
		itemsByRef[item.ReturnRef] = append(itemsByRef[item.ReturnRef], returnedLine(item.LineID, item.DesignID, item.Size, item.Quantity, item.UnitPrice))
	}

	records := make([]domain.ReturnRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, domain.ReturnRecord{
			ReturnRef:   row.ReturnRef,
			InvoiceNo:   row.InvoiceNo,
			PaymentMode: row.PaymentMode,
			Items:       itemsByRef[row.ReturnRef],
			TotalRefund: domain.NewAmount(row.TotalRefund),
			ProcessedBy: row.ProcessedBy,
			CreatedAt:   row.CreatedAt,
		})
	}
	return records, nil
}

func (s *Store) ListExchanges(ctx context.Context, invoiceNo string) ([]domain.ExchangeRecord, error) {
	db := s.db.WithContext(ctx)

	var rows []exchangeRow
	if err := db.Where("invoice_no = ?", invoiceNo).Order("created_at, exchange_ref").Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return []domain.ExchangeRecord{}, nil
	}

	refs := make([]string, 0, len(rows))
	for _, row := range rows {
		refs = append(refs, row.ExchangeRef)
	}
	var itemRows []exchangeItemRow
	if err := db.Where("exchange_ref IN ?", refs).Order("id").Find(&itemRows).Error; err != nil {
		return nil, err
	}
	returned := make(map[string][]domain.ReturnedLine, len(rows))
	added := make(map[string][]domain.NewItem, len(rows))
	for _, item := range itemRows {
		if item.Kind == kindNew {
			added[item.ExchangeRef] = append(added[item.ExchangeRef], domain.NewItem{
				DesignID:  item.DesignID,
				Size:      item.Size,
				Quantity:  item.Quantity,
				UnitPrice: domain.NewAmount(item.UnitPrice),
				LineTotal: domain.NewAmount(item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity)))),
			})
			continue
		}
		returned[item.ExchangeRef] = append(returned[item.ExchangeRef], returnedLine(item.LineID, item.DesignID, item.Size, item.Quantity, item.UnitPrice))
	}

	records := make([]domain.ExchangeRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, domain.ExchangeRecord{
			ExchangeRef:     row.ExchangeRef,
			InvoiceNo:       row.InvoiceNo,
			PaymentMode:     row.PaymentMode,
			ReturnItems:     returned[row.ExchangeRef],
			NewItems:        added[row.ExchangeRef],
			DiscountPercent: domain.NewAmount(row.DiscountPercent),
			ReturnedValue:   domain.NewAmount(row.ReturnedValue),
			NewValue:        domain.NewAmount(row.NewValue),
			DiscountAmount:  domain.NewAmount(row.DiscountAmount),
			Settlement: domain.Settlement{
				Type:   domain.SettlementType(row.SettlementType),
				Amount: domain.NewAmount(row.SettlementAmount),
			},
			ProcessedBy: row.ProcessedBy,
			CreatedAt:   row.CreatedAt,
		})
	}
	return records, nil
}

func returnedLine(lineID, designID int64, size string, qty int, unitPrice decimal.Decimal) domain.ReturnedLine {
	return domain.ReturnedLine{
		LineID:    lineID,
		DesignID:  designID,
		Size:      size,
		Quantity:  qty,
		UnitPrice: domain.NewAmount(unitPrice),
		LineTotal: domain.NewAmount(unitPrice.Mul(decimal.NewFromInt(int64(qty)))),
	}
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Create(&auditLogRow{
		ID:            entry.ID,
		ActorUsername: entry.ActorUsername,
		ActorRole:     entry.ActorRole,
		Action:        entry.Action,
		EntityType:    entry.EntityType,
		EntityID:      entry.EntityID,
		Detail:        entry.Detail,
		CreatedAt:     entry.CreatedAt.UTC(),
	}).Error
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	query := s.db.WithContext(ctx).
		Where("created_at >= ? AND created_at < ?", from.UTC(), to.UTC()).
		Order("created_at DESC, id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var rows []auditLogRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	logs := make([]domain.AuditLog, 0, len(rows))
	for _, row := range rows {
		logs = append(logs, domain.AuditLog{
			ID:            row.ID,
			ActorUsername: row.ActorUsername,
			ActorRole:     row.ActorRole,
			Action:        row.Action,
			EntityType:    row.EntityType,
			EntityID:      row.EntityID,
			Detail:        row.Detail,
			CreatedAt:     row.CreatedAt,
		})
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidTransaction
	}
	if user.Role == "" {
		user.Role = "cashier"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&userRow{}).Where("username = ?", username).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return store.ErrInvalidTransaction
		}
		return tx.Create(&userRow{
			Username:  username,
			Password:  user.Password,
			Role:      user.Role,
			Active:    true,
			CreatedAt: user.CreatedAt.UTC(),
		}).Error
	})
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	var rows []userRow
	if err := s.db.WithContext(ctx).Order("username").Find(&rows).Error; err != nil {
		return nil, err
	}
	users := make([]domain.UserAccount, 0, len(rows))
	for _, row := range rows {
		users = append(users, domain.UserAccount{
			Username:  row.Username,
			Password:  row.Password,
			Role:      row.Role,
			Active:    row.Active,
			CreatedAt: row.CreatedAt,
		})
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}
	res := s.db.WithContext(ctx).Model(&userRow{}).Where("username = ?", username).Update("password", password)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}
