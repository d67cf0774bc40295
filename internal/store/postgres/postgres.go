package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"posreturn/internal/domain"
	"posreturn/internal/settlement"
	"posreturn/internal/store"
	"posreturn/internal/xid"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates any missing tables. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) CreateInvoice(ctx context.Context, snapshot domain.InvoiceSnapshot) error {
	invoiceNo := strings.TrimSpace(snapshot.Invoice.InvoiceNo)
	if invoiceNo == "" || len(snapshot.Items) == 0 {
		return store.ErrInvalidTransaction
	}
	seen := make(map[settlement.LineKey]bool, len(snapshot.Items))
	for _, item := range snapshot.Items {
		key := settlement.KeyOf(item.DesignID, item.Size)
		if seen[key] || item.SoldQty < 1 || item.AlreadyReturned < 0 || item.AlreadyReturned > item.SoldQty || item.UnitPrice.IsNegative() {
			return store.ErrInvalidTransaction
		}
		seen[key] = true
	}

	billDate := snapshot.Invoice.BillDate
	if billDate.IsZero() {
		billDate = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sales (invoice_no, customer_name, phone, bill_date, payment_mode)
		VALUES ($1,$2,$3,$4,$5)
	`, invoiceNo, snapshot.Invoice.CustomerName, snapshot.Invoice.Phone, billDate, snapshot.Invoice.PaymentMode)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidTransaction
		}
		return err
	}

	for _, item := range snapshot.Items {
		if item.DesignCode != "" || item.ProductName != "" || item.Color != "" {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO designs (design_id, design_code, product_name, color)
				VALUES ($1,$2,$3,$4)
				ON CONFLICT (design_id)
				DO UPDATE SET design_code = EXCLUDED.design_code, product_name = EXCLUDED.product_name, color = EXCLUDED.color
			`, item.DesignID, item.DesignCode, item.ProductName, item.Color)
			if err != nil {
				return err
			}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO sale_items (invoice_no, design_id, size, quantity, price, returned_qty)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, invoiceNo, item.DesignID, settlement.NormalizeSize(item.Size), item.SoldQty, item.UnitPrice.Decimal, item.AlreadyReturned)
		if err != nil {
			if isUniqueViolation(err) {
				return store.ErrInvalidTransaction
			}
			return err
		}
	}

	return tx.Commit()
}

func (s *Store) SetStock(ctx context.Context, designID int64, size string, qty int) error {
	if qty < 0 {
		return store.ErrInvalidTransaction
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO design_stock (design_id, size, stock)
		VALUES ($1,$2,$3)
		ON CONFLICT (design_id, size)
		DO UPDATE SET stock = EXCLUDED.stock
	`, designID, settlement.NormalizeSize(size), qty)
	return err
}

func (s *Store) GetInvoice(ctx context.Context, invoiceNo string) (*domain.InvoiceSnapshot, error) {
	var invoice domain.Invoice
	err := s.db.QueryRowContext(ctx, `
		SELECT invoice_no, customer_name, phone, bill_date, payment_mode
		FROM sales
		WHERE invoice_no = $1
	`, strings.TrimSpace(invoiceNo)).Scan(&invoice.InvoiceNo, &invoice.CustomerName, &invoice.Phone, &invoice.BillDate, &invoice.PaymentMode)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT si.id, si.design_id, COALESCE(d.design_code, ''), COALESCE(d.product_name, ''), COALESCE(d.color, ''),
			si.size, si.price, si.quantity, si.returned_qty
		FROM sale_items si
		LEFT JOIN designs d ON d.design_id = si.design_id
		WHERE si.invoice_no = $1
		ORDER BY si.id
	`, invoice.InvoiceNo)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.SoldLineItem, 0, 8)
	for rows.Next() {
		var item domain.SoldLineItem
		var price decimal.Decimal
		if err := rows.Scan(&item.LineID, &item.DesignID, &item.DesignCode, &item.ProductName, &item.Color,
			&item.Size, &price, &item.SoldQty, &item.AlreadyReturned); err != nil {
			return nil, err
		}
		item.UnitPrice = domain.NewAmount(price)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &domain.InvoiceSnapshot{Invoice: invoice, Items: items}, nil
}

func (s *Store) GetStock(ctx context.Context, designID int64, size string) (int, error) {
	var qty int
	err := s.db.QueryRowContext(ctx, `
		SELECT stock FROM design_stock WHERE design_id = $1 AND size = $2
	`, designID, settlement.NormalizeSize(size)).Scan(&qty)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, store.ErrNotFound
		}
		return 0, err
	}
	return qty, nil
}

func (s *Store) CommitReturn(ctx context.Context, commit domain.ReturnCommit) (*domain.ReturnRecord, error) {
	record := commit.Record
	if strings.TrimSpace(record.ReturnRef) == "" || len(record.Items) == 0 || len(commit.Ledger) == 0 {
		return nil, store.ErrInvalidTransaction
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := lockSale(ctx, tx, record.InvoiceNo); err != nil {
		return nil, mapTxError(err)
	}
	if err := applyLedger(ctx, tx, record.InvoiceNo, commit.Ledger); err != nil {
		return nil, mapTxError(err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO returns (return_ref, invoice_no, payment_mode, total_refund, processed_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, record.ReturnRef, record.InvoiceNo, record.PaymentMode, record.TotalRefund.Decimal, record.ProcessedBy, record.CreatedAt)
	if err != nil {
		return nil, mapTxError(err)
	}
	for _, line := range record.Items {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO return_items (return_ref, line_id, design_id, size, quantity, unit_price)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, record.ReturnRef, line.LineID, line.DesignID, line.Size, line.Quantity, line.UnitPrice.Decimal)
		if err != nil {
			return nil, mapTxError(err)
		}
	}
	if err := applyStock(ctx, tx, store.ReturnStock(record)); err != nil {
		return nil, mapTxError(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, mapTxError(err)
	}
	created := record
	return &created, nil
}

func (s *Store) CommitExchange(ctx context.Context, commit domain.ExchangeCommit) (*domain.ExchangeRecord, error) {
	record := commit.Record
	if strings.TrimSpace(record.ExchangeRef) == "" || len(record.ReturnItems) == 0 || len(record.NewItems) == 0 || len(commit.Ledger) == 0 {
		return nil, store.ErrInvalidTransaction
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := lockSale(ctx, tx, record.InvoiceNo); err != nil {
		return nil, mapTxError(err)
	}
	if err := applyLedger(ctx, tx, record.InvoiceNo, commit.Ledger); err != nil {
		return nil, mapTxError(err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO exchanges (
			exchange_ref, invoice_no, payment_mode, discount_percent, returned_value, new_value,
			discount_amount, settlement_type, settlement_amount, processed_by, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, record.ExchangeRef, record.InvoiceNo, record.PaymentMode, record.DiscountPercent.Decimal, record.ReturnedValue.Decimal,
		record.NewValue.Decimal, record.DiscountAmount.Decimal, string(record.Settlement.Type), record.Settlement.Amount.Decimal,
		record.ProcessedBy, record.CreatedAt)
	if err != nil {
		return nil, mapTxError(err)
	}
	for _, line := range record.ReturnItems {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO exchange_items (exchange_ref, kind, line_id, design_id, size, quantity, unit_price)
			VALUES ($1,'return',$2,$3,$4,$5,$6)
		`, record.ExchangeRef, line.LineID, line.DesignID, line.Size, line.Quantity, line.UnitPrice.Decimal)
		if err != nil {
			return nil, mapTxError(err)
		}
	}
	for _, item := range record.NewItems {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO exchange_items (exchange_ref, kind, line_id, design_id, size, quantity, unit_price)
			VALUES ($1,'new',NULL,$2,$3,$4,$5)
		`, record.ExchangeRef, item.DesignID, item.Size, item.Quantity, item.UnitPrice.Decimal)
		if err != nil {
			return nil, mapTxError(err)
		}
	}
	if err := applyStock(ctx, tx, store.ExchangeStock(record)); err != nil {
		return nil, mapTxError(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, mapTxError(err)
	}
	created := record
	return &created, nil
}

// lockSale serializes writers of one invoice for the rest of the transaction.
func lockSale(ctx context.Context, tx *sql.Tx, invoiceNo string) error {
	var locked string
	err := tx.QueryRowContext(ctx, `SELECT invoice_no FROM sales WHERE invoice_no = $1 FOR UPDATE`, invoiceNo).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

func applyLedger(ctx context.Context, tx *sql.Tx, invoiceNo string, deltas []domain.LedgerDelta) error {
	for _, delta := range deltas {
		if delta.Quantity < 1 {
			return store.ErrInvalidTransaction
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE sale_items
			SET returned_qty = returned_qty + $1
			WHERE id = $2 AND invoice_no = $3 AND returned_qty = $4 AND returned_qty + $1 <= quantity
		`, delta.Quantity, delta.LineID, invoiceNo, delta.ExpectedReturned)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return store.ErrConflict
		}
	}
	return nil
}

func applyStock(ctx context.Context, tx *sql.Tx, adjustments []domain.StockAdjustment) error {
	for _, adj := range adjustments {
		size := settlement.NormalizeSize(adj.Size)
		if adj.Qty >= 0 {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO design_stock (design_id, size, stock)
				VALUES ($1,$2,$3)
				ON CONFLICT (design_id, size)
				DO UPDATE SET stock = design_stock.stock + EXCLUDED.stock
			`, adj.DesignID, size, adj.Qty)
			if err != nil {
				return err
			}
			continue
		}

		need := -adj.Qty
		res, err := tx.ExecContext(ctx, `
			UPDATE design_stock
			SET stock = stock - $3
			WHERE design_id = $1 AND size = $2 AND stock >= $3
		`, adj.DesignID, size, need)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("%w: design %d size %s", store.ErrInsufficientStock, adj.DesignID, size)
		}
	}
	return nil
}

func (s *Store) ListReturns(ctx context.Context, invoiceNo string) ([]domain.ReturnRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT return_ref, invoice_no, payment_mode, total_refund, processed_by, created_at
		FROM returns
		WHERE invoice_no = $1
		ORDER BY created_at, return_ref
	`, invoiceNo)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]domain.ReturnRecord, 0, 8)
	index := make(map[string]int)
	for rows.Next() {
		var record domain.ReturnRecord
		var total decimal.Decimal
		if err := rows.Scan(&record.ReturnRef, &record.InvoiceNo, &record.PaymentMode, &total, &record.ProcessedBy, &record.CreatedAt); err != nil {
			return nil, err
		}
		record.TotalRefund = domain.NewAmount(total)
		index[record.ReturnRef] = len(records)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return records, nil
	}

	itemRows, err := s.db.QueryContext(ctx, `
		SELECT ri.return_ref, ri.line_id, ri.design_id, ri.size, ri.quantity, ri.unit_price
		FROM return_items ri
		JOIN returns r ON r.return_ref = ri.return_ref
		WHERE r.invoice_no = $1
		ORDER BY ri.id
	`, invoiceNo)
	if err != nil {
		return nil, err
	}
	defer itemRows.Close()

	for itemRows.Next() {
		var ref string
		var line domain.ReturnedLine
		var price decimal.Decimal
		if err := itemRows.Scan(&ref, &line.LineID, &line.DesignID, &line.Size, &line.Quantity, &price); err != nil {
			return nil, err
		}
		line.UnitPrice = domain.NewAmount(price)
		line.LineTotal = domain.NewAmount(price.Mul(decimal.NewFromInt(int64(line.Quantity))))
		if i, ok := index[ref]; ok {
			records[i].Items = append(records[i].Items, line)
		}
	}
	if err := itemRows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *Store) ListExchanges(ctx context.Context, invoiceNo string) ([]domain.ExchangeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT exchange_ref, invoice_no, payment_mode, discount_percent, returned_value, new_value,
			discount_amount, settlement_type, settlement_amount, processed_by, created_at
		FROM exchanges
		WHERE invoice_no = $1
		ORDER BY created_at, exchange_ref
	`, invoiceNo)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]domain.ExchangeRecord, 0, 8)
	index := make(map[string]int)
	for rows.Next() {
		var record domain.ExchangeRecord
		var discountPct, returnedValue, newValue, discountAmount, settlementAmount decimal.Decimal
		var settlementType string
		if err := rows.Scan(&record.ExchangeRef, &record.InvoiceNo, &record.PaymentMode, &discountPct, &returnedValue, &newValue,
			&discountAmount, &settlementType, &settlementAmount, &record.ProcessedBy, &record.CreatedAt); err != nil {
			return nil, err
		}
		record.DiscountPercent = domain.NewAmount(discountPct)
		record.ReturnedValue = domain.NewAmount(returnedValue)
		record.NewValue = domain.NewAmount(newValue)
		record.DiscountAmount = domain.NewAmount(discountAmount)
		record.Settlement = domain.Settlement{Type: domain.SettlementType(settlementType), Amount: domain.NewAmount(settlementAmount)}
		index[record.ExchangeRef] = len(records)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return records, nil
	}

	itemRows, err := s.db.QueryContext(ctx, `
		SELECT ei.exchange_ref, ei.kind, COALESCE(ei.line_id, 0), ei.design_id, ei.size, ei.quantity, ei.unit_price
		FROM exchange_items ei
		JOIN exchanges e ON e.exchange_ref = ei.exchange_ref
		WHERE e.invoice_no = $1
		ORDER BY ei.id
	`, invoiceNo)
	if err != nil {
		return nil, err
	}
	defer itemRows.Close()

	for itemRows.Next() {
		var ref, kind, size string
		var lineID, designID int64
		var qty int
		var price decimal.Decimal
		if err := itemRows.Scan(&ref, &kind, &lineID, &designID, &size, &qty, &price); err != nil {
			return nil, err
		}
		i, ok := index[ref]
		if !ok {
			continue
		}
		total := domain.NewAmount(price.Mul(decimal.NewFromInt(int64(qty))))
		if kind == "new" {
			records[i].NewItems = append(records[i].NewItems, domain.NewItem{
				DesignID: designID, Size: size, Quantity: qty, UnitPrice: domain.NewAmount(price), LineTotal: total,
			})
			continue
		}
		records[i].ReturnItems = append(records[i].ReturnItems, domain.ReturnedLine{
			LineID: lineID, DesignID: designID, Size: size, Quantity: qty, UnitPrice: domain.NewAmount(price), LineTotal: total,
		})
	}
	if err := itemRows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, 64)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
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
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password, role, active, created_at)
		VALUES ($1,$2,$3,true,$4)
	`, username, user.Password, user.Role, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidTransaction
		}
		return err
	}
	return nil
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
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}
	res, err := s.db.ExecContext(ctx, `UPDATE users SET password = $1 WHERE username = $2`, password, username)
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

// mapTxError turns serialization failures and deadlocks into ErrConflict so
// the caller can re-read and retry.
func mapTxError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01") {
		return fmt.Errorf("%w: %s", store.ErrConflict, pgErr.Message)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
