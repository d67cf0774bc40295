package memory

import (
	"context"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"posreturn/internal/domain"
	"posreturn/internal/settlement"
	"posreturn/internal/store"
	"posreturn/internal/xid"
)

type stockKey struct {
	designID int64
	size     string
}

func keyOf(designID int64, size string) stockKey {
	return stockKey{designID: designID, size: settlement.NormalizeSize(size)}
}

type Store struct {
	mu         sync.RWMutex
	invoices   map[string]domain.Invoice
	lines      map[string][]domain.SoldLineItem
	stock      map[stockKey]int
	returns    []domain.ReturnRecord
	exchanges  []domain.ExchangeRecord
	auditLogs  []domain.AuditLog
	users      map[string]domain.UserAccount
	nextLineID int64
}

func New() *Store {
	return &Store{
		invoices:  make(map[string]domain.Invoice),
		lines:     make(map[string][]domain.SoldLineItem),
		stock:     make(map[stockKey]int),
		returns:   make([]domain.ReturnRecord, 0, 32),
		exchanges: make([]domain.ExchangeRecord, 0, 32),
		auditLogs: make([]domain.AuditLog, 0, 128),
		users:     make(map[string]domain.UserAccount),
	}
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD,
// falling back to dev defaults with a warning.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Warn().Msg("memory store: using default dev credentials, set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatal().Err(err).Str("username", u.username).Msg("memory store: failed to hash seed password")
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

// NewSeeded returns a store holding demo sales, stock and users.
func NewSeeded() *Store {
	s := New()
	s.users = seedUsers()

	billDate := time.Now().UTC().AddDate(0, 0, -3).Truncate(time.Hour)
	price := func(v string) domain.Amount { return domain.NewAmount(decimal.RequireFromString(v)) }
	sales := []domain.InvoiceSnapshot{
		{
			Invoice: domain.Invoice{InvoiceNo: "INV-1001", CustomerName: "Asha Verma", Phone: "9876501234", BillDate: billDate, PaymentMode: "UPI"},
			Items: []domain.SoldLineItem{
				{DesignID: 101, DesignCode: "KRT-101", ProductName: "Cotton Kurta", Color: "Indigo", Size: "M", UnitPrice: price("500.00"), SoldQty: 2},
				{DesignID: 102, DesignCode: "DUP-102", ProductName: "Silk Dupatta", Color: "Maroon", Size: "FREE", UnitPrice: price("350.00"), SoldQty: 1},
			},
		},
		{
			Invoice: domain.Invoice{InvoiceNo: "INV-1002", CustomerName: "Rahul Nair", Phone: "9812345670", BillDate: billDate, PaymentMode: "Cash"},
			Items: []domain.SoldLineItem{
				{DesignID: 201, DesignCode: "SHR-201", ProductName: "Linen Shirt", Color: "White", Size: "L", UnitPrice: price("799.00"), SoldQty: 3},
			},
		},
	}
	for _, sale := range sales {
		if err := s.CreateInvoice(context.Background(), sale); err != nil {
			log.Fatal().Err(err).Str("invoice_no", sale.Invoice.InvoiceNo).Msg("memory store: failed to seed invoice")
		}
	}

	for _, st := range []struct {
		designID int64
		size     string
		qty      int
	}{
		{101, "S", 6}, {101, "M", 4}, {101, "L", 5},
		{102, "FREE", 8},
		{201, "M", 3}, {201, "L", 2}, {201, "XL", 4},
	} {
		s.stock[keyOf(st.designID, st.size)] = st.qty
	}
	return s
}

func (s *Store) CreateInvoice(_ context.Context, snapshot domain.InvoiceSnapshot) error {
	invoiceNo := strings.TrimSpace(snapshot.Invoice.InvoiceNo)
	if invoiceNo == "" || len(snapshot.Items) == 0 {
		return store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.invoices[invoiceNo]; exists {
		return store.ErrInvalidTransaction
	}

	seen := make(map[stockKey]bool, len(snapshot.Items))
	lines := make([]domain.SoldLineItem, 0, len(snapshot.Items))
	nextID := s.nextLineID
	for _, item := range snapshot.Items {
		key := keyOf(item.DesignID, item.Size)
		if seen[key] || item.SoldQty < 1 || item.AlreadyReturned < 0 || item.AlreadyReturned > item.SoldQty || item.UnitPrice.IsNegative() {
			return store.ErrInvalidTransaction
		}
		seen[key] = true
		nextID++
		item.LineID = nextID
		item.Size = key.size
		lines = append(lines, item)
	}

	invoice := snapshot.Invoice
	invoice.InvoiceNo = invoiceNo
	s.invoices[invoiceNo] = invoice
	s.lines[invoiceNo] = lines
	s.nextLineID = nextID
	return nil
}

func (s *Store) SetStock(_ context.Context, designID int64, size string, qty int) error {
	if qty < 0 {
		return store.ErrInvalidTransaction
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stock[keyOf(designID, size)] = qty
	return nil
}

func (s *Store) GetInvoice(_ context.Context, invoiceNo string) (*domain.InvoiceSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	invoice, ok := s.invoices[strings.TrimSpace(invoiceNo)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &domain.InvoiceSnapshot{
		Invoice: invoice,
		Items:   slices.Clone(s.lines[invoice.InvoiceNo]),
	}, nil
}

func (s *Store) GetStock(_ context.Context, designID int64, size string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	qty, ok := s.stock[keyOf(designID, size)]
	if !ok {
		return 0, store.ErrNotFound
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

	s.mu.Lock()
	defer s.mu.Unlock()

	// A request abandoned before this point must not change anything.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lines, err := s.stageLedgerLocked(record.InvoiceNo, commit.Ledger)
	if err != nil {
		return nil, err
	}
	stock, err := s.stageStockLocked(store.ReturnStock(record))
	if err != nil {
		return nil, err
	}

	s.lines[record.InvoiceNo] = lines
	for key, qty := range stock {
		s.stock[key] = qty
	}
	s.returns = append(s.returns, cloneReturn(record))

	created := cloneReturn(record)
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

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lines, err := s.stageLedgerLocked(record.InvoiceNo, commit.Ledger)
	if err != nil {
		return nil, err
	}
	stock, err := s.stageStockLocked(store.ExchangeStock(record))
	if err != nil {
		return nil, err
	}

	s.lines[record.InvoiceNo] = lines
	for key, qty := range stock {
		s.stock[key] = qty
	}
	s.exchanges = append(s.exchanges, cloneExchange(record))

	created := cloneExchange(record)
	return &created, nil
}

// stageLedgerLocked applies deltas to a copy of the invoice lines, one at a
// time, so a repeated line sees the increment of the one before it.
func (s *Store) stageLedgerLocked(invoiceNo string, deltas []domain.LedgerDelta) ([]domain.SoldLineItem, error) {
	current, ok := s.lines[invoiceNo]
	if !ok {
		return nil, store.ErrNotFound
	}
	staged := slices.Clone(current)
	for _, delta := range deltas {
		if delta.Quantity < 1 {
			return nil, store.ErrInvalidTransaction
		}
		idx := slices.IndexFunc(staged, func(line domain.SoldLineItem) bool { return line.LineID == delta.LineID })
		if idx < 0 {
			return nil, store.ErrInvalidTransaction
		}
		line := &staged[idx]
		if line.AlreadyReturned != delta.ExpectedReturned || line.AlreadyReturned+delta.Quantity > line.SoldQty {
			return nil, store.ErrConflict
		}
		line.AlreadyReturned += delta.Quantity
	}
	return staged, nil
}

// stageStockLocked returns the resulting level of every touched key. Keys
// without a stock row start at zero.
func (s *Store) stageStockLocked(adjustments []domain.StockAdjustment) (map[stockKey]int, error) {
	staged := make(map[stockKey]int, len(adjustments))
	for _, adj := range adjustments {
		key := keyOf(adj.DesignID, adj.Size)
		level, ok := staged[key]
		if !ok {
			level = s.stock[key]
		}
		level += adj.Qty
		if level < 0 {
			return nil, store.ErrInsufficientStock
		}
		staged[key] = level
	}
	return staged, nil
}

func (s *Store) ListReturns(_ context.Context, invoiceNo string) ([]domain.ReturnRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.ReturnRecord, 0, 8)
	for _, record := range s.returns {
		if record.InvoiceNo == invoiceNo {
			result = append(result, cloneReturn(record))
		}
	}
	slices.SortStableFunc(result, func(a, b domain.ReturnRecord) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return result, nil
}

func (s *Store) ListExchanges(_ context.Context, invoiceNo string) ([]domain.ExchangeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.ExchangeRecord, 0, 8)
	for _, record := range s.exchanges {
		if record.InvoiceNo == invoiceNo {
			result = append(result, cloneExchange(record))
		}
	}
	slices.SortStableFunc(result, func(a, b domain.ExchangeRecord) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return result, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 64)
	for _, entry := range s.auditLogs {
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
	}

	slices.SortFunc(result, func(a, b domain.AuditLog) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.Compare(b.ID, a.ID)
		}
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidTransaction
	}
	if _, exists := s.users[username]; exists {
		return store.ErrInvalidTransaction
	}
	user.Username = username
	if user.Role == "" {
		user.Role = "cashier"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.users[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}
	user, exists := s.users[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.users[username] = user
	return nil
}

func cloneReturn(record domain.ReturnRecord) domain.ReturnRecord {
	record.Items = slices.Clone(record.Items)
	return record
}

func cloneExchange(record domain.ExchangeRecord) domain.ExchangeRecord {
	record.ReturnItems = slices.Clone(record.ReturnItems)
	record.NewItems = slices.Clone(record.NewItems)
	return record
}
