package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"posreturn/internal/cache"
	"posreturn/internal/domain"
	"posreturn/internal/lock"
	"posreturn/internal/notify"
	"posreturn/internal/settlement"
	"posreturn/internal/store"
	"posreturn/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// commitAttempts is the first try plus one retry after a ledger conflict.
const commitAttempts = 2

type Service struct {
	repo      store.Repository
	locker    lock.Locker
	invoices  cache.InvoiceCache
	cacheTTL  time.Duration
	notifier  notify.Publisher
	validator settlement.Validator
	now       func() time.Time
}

// New wires the service. Nil collaborators fall back to an in-process locker,
// no cache and no notifications.
func New(repo store.Repository, locker lock.Locker, invoices cache.InvoiceCache, notifier notify.Publisher, cacheTTL time.Duration) *Service {
	if locker == nil {
		locker = lock.NewLocalLocker()
	}
	if invoices == nil {
		invoices = cache.NoopInvoiceCache{}
	}
	if notifier == nil {
		notifier = notify.Noop{}
	}

	return &Service{
		repo:      repo,
		locker:    locker,
		invoices:  invoices,
		cacheTTL:  cacheTTL,
		notifier:  notifier,
		validator: settlement.ReturnValidator{},
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) GetInvoice(ctx context.Context, invoiceNo string) (domain.InvoiceSnapshot, error) {
	invoiceNo = strings.TrimSpace(invoiceNo)
	if invoiceNo == "" {
		return domain.InvoiceSnapshot{}, settlement.ErrInvoiceNotFound
	}

	cached, ok, err := s.invoices.Get(ctx, invoiceNo)
	if err != nil {
		log.Warn().Err(err).Str("invoice_no", invoiceNo).Msg("invoice cache read failed")
	}
	if ok && cached != nil {
		return *cached, nil
	}

	snapshot, err := s.loadSnapshot(ctx, invoiceNo)
	if err != nil {
		return domain.InvoiceSnapshot{}, err
	}
	if err := s.invoices.Set(ctx, &snapshot, s.cacheTTL); err != nil {
		log.Warn().Err(err).Str("invoice_no", invoiceNo).Msg("invoice cache write failed")
	}
	return snapshot, nil
}

// loadSnapshot always reads the repository so validation sees committed state.
func (s *Service) loadSnapshot(ctx context.Context, invoiceNo string) (domain.InvoiceSnapshot, error) {
	snapshot, err := s.repo.GetInvoice(ctx, invoiceNo)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.InvoiceSnapshot{}, fmt.Errorf("%w: %s", settlement.ErrInvoiceNotFound, invoiceNo)
		}
		return domain.InvoiceSnapshot{}, err
	}
	return *snapshot, nil
}

func (s *Service) ProcessReturn(ctx context.Context, req domain.ReturnRequest) (domain.ReturnResponse, error) {
	paymentMode := strings.TrimSpace(req.PaymentMode)
	if paymentMode == "" {
		return domain.ReturnResponse{}, settlement.ErrPaymentModeRequired
	}
	invoiceNo := strings.TrimSpace(req.InvoiceNo)

	var committed *domain.ReturnRecord
	err := s.withInvoiceLock(ctx, invoiceNo, func() error {
		return s.commitWithRetry(ctx, invoiceNo, func() error {
			snapshot, err := s.loadSnapshot(ctx, invoiceNo)
			if err != nil {
				return err
			}
			lines, err := s.validator.Validate(settlement.NewLedger(snapshot.Items), req.Items)
			if err != nil {
				return err
			}

			now := s.now()
			record := domain.ReturnRecord{
				ReturnRef:   xid.Ref("RET", now),
				InvoiceNo:   snapshot.Invoice.InvoiceNo,
				PaymentMode: paymentMode,
				Items:       settlement.ReturnedLines(lines),
				TotalRefund: domain.NewAmount(settlement.ReturnedValue(lines)),
				ProcessedBy: actorName(ctx),
				CreatedAt:   now,
			}
			committed, err = s.repo.CommitReturn(ctx, domain.ReturnCommit{
				Record: record,
				Ledger: settlement.LedgerDeltas(lines),
			})
			return err
		})
	})
	if err != nil {
		return domain.ReturnResponse{}, err
	}

	s.afterCommit(ctx, committed.InvoiceNo, domain.StockMovement{
		Reference:   committed.ReturnRef,
		InvoiceNo:   committed.InvoiceNo,
		Kind:        "return",
		Adjustments: store.ReturnStock(*committed),
		At:          committed.CreatedAt,
	})
	s.logAudit(ctx, "return_create", "return", committed.ReturnRef,
		fmt.Sprintf("invoice=%s,lines=%d,refund=%s,payment=%s", committed.InvoiceNo, len(committed.Items), committed.TotalRefund.StringFixed(2), committed.PaymentMode))
	log.Info().
		Str("return_ref", committed.ReturnRef).
		Str("invoice_no", committed.InvoiceNo).
		Str("total_refund", committed.TotalRefund.StringFixed(2)).
		Msg("return committed")

	return domain.ReturnResponse{
		ReturnRef:   committed.ReturnRef,
		TotalRefund: committed.TotalRefund,
		Record:      *committed,
	}, nil
}

func (s *Service) ProcessExchange(ctx context.Context, req domain.ExchangeRequest) (domain.ExchangeResponse, error) {
	newItems, err := settlement.PriceNewItems(req.NewItems)
	if err != nil {
		return domain.ExchangeResponse{}, err
	}
	if err := settlement.ValidateDiscount(req.DiscountPercent); err != nil {
		return domain.ExchangeResponse{}, err
	}
	invoiceNo := strings.TrimSpace(req.InvoiceNo)

	var committed *domain.ExchangeRecord
	err = s.withInvoiceLock(ctx, invoiceNo, func() error {
		return s.commitWithRetry(ctx, invoiceNo, func() error {
			snapshot, err := s.loadSnapshot(ctx, invoiceNo)
			if err != nil {
				return err
			}
			lines, quote, err := s.quote(snapshot, req.ReturnItems, newItems, req.DiscountPercent)
			if err != nil {
				return err
			}

			paymentMode := strings.TrimSpace(req.PaymentMode)
			if quote.Settlement.Type == domain.SettlementEven {
				paymentMode = domain.PaymentModeNone
			} else if paymentMode == "" {
				return fmt.Errorf("%w: exchange settles as %s %s", settlement.ErrPaymentModeRequired,
					quote.Settlement.Type, quote.Settlement.Amount.StringFixed(2))
			}

			now := s.now()
			record := domain.ExchangeRecord{
				ExchangeRef:     xid.Ref("EXC", now),
				InvoiceNo:       snapshot.Invoice.InvoiceNo,
				PaymentMode:     paymentMode,
				ReturnItems:     settlement.ReturnedLines(lines),
				NewItems:        newItems,
				DiscountPercent: quote.DiscountPercent,
				ReturnedValue:   quote.ReturnedValue,
				NewValue:        quote.NewValue,
				DiscountAmount:  quote.DiscountAmount,
				Settlement:      quote.Settlement,
				ProcessedBy:     actorName(ctx),
				CreatedAt:       now,
			}
			committed, err = s.repo.CommitExchange(ctx, domain.ExchangeCommit{
				Record: record,
				Ledger: settlement.LedgerDeltas(lines),
			})
			return err
		})
	})
	if err != nil {
		return domain.ExchangeResponse{}, err
	}

	s.afterCommit(ctx, committed.InvoiceNo, domain.StockMovement{
		Reference:   committed.ExchangeRef,
		InvoiceNo:   committed.InvoiceNo,
		Kind:        "exchange",
		Adjustments: store.ExchangeStock(*committed),
		At:          committed.CreatedAt,
	})
	s.logAudit(ctx, "exchange_create", "exchange", committed.ExchangeRef,
		fmt.Sprintf("invoice=%s,settlement=%s,amount=%s,payment=%s", committed.InvoiceNo, committed.Settlement.Type, committed.Settlement.Amount.StringFixed(2), committed.PaymentMode))
	log.Info().
		Str("exchange_ref", committed.ExchangeRef).
		Str("invoice_no", committed.InvoiceNo).
		Str("settlement", string(committed.Settlement.Type)).
		Str("amount", committed.Settlement.Amount.StringFixed(2)).
		Msg("exchange committed")

	return domain.ExchangeResponse{
		ExchangeRef: committed.ExchangeRef,
		Settlement:  committed.Settlement,
		Record:      *committed,
	}, nil
}

// QuoteExchange prices an exchange against the committed invoice without
// committing anything or requiring a payment mode. It bypasses the invoice
// cache so a quote never reflects a superseded ledger.
func (s *Service) QuoteExchange(ctx context.Context, req domain.ExchangeRequest) (domain.Quote, error) {
	newItems, err := settlement.PriceNewItems(req.NewItems)
	if err != nil {
		return domain.Quote{}, err
	}
	invoiceNo := strings.TrimSpace(req.InvoiceNo)
	if invoiceNo == "" {
		return domain.Quote{}, settlement.ErrInvoiceNotFound
	}
	snapshot, err := s.loadSnapshot(ctx, invoiceNo)
	if err != nil {
		return domain.Quote{}, err
	}
	_, quote, err := s.quote(snapshot, req.ReturnItems, newItems, req.DiscountPercent)
	return quote, err
}

func (s *Service) quote(snapshot domain.InvoiceSnapshot, returnItems []domain.ReturnItemRequest, newItems []domain.NewItem, discountPercent decimal.Decimal) ([]settlement.ValidatedLine, domain.Quote, error) {
	lines, err := s.validator.Validate(settlement.NewLedger(snapshot.Items), returnItems)
	if err != nil {
		return nil, domain.Quote{}, err
	}
	quote, err := settlement.Calculate(settlement.ReturnedValue(lines), settlement.NewItemsValue(newItems), discountPercent)
	if err != nil {
		return nil, domain.Quote{}, err
	}
	return lines, quote, nil
}

func (s *Service) InvoiceHistory(ctx context.Context, invoiceNo string) (domain.InvoiceHistory, error) {
	invoiceNo = strings.TrimSpace(invoiceNo)
	if _, err := s.loadSnapshot(ctx, invoiceNo); err != nil {
		return domain.InvoiceHistory{}, err
	}

	returns, err := s.repo.ListReturns(ctx, invoiceNo)
	if err != nil {
		return domain.InvoiceHistory{}, err
	}
	exchanges, err := s.repo.ListExchanges(ctx, invoiceNo)
	if err != nil {
		return domain.InvoiceHistory{}, err
	}
	return domain.InvoiceHistory{InvoiceNo: invoiceNo, Returns: returns, Exchanges: exchanges}, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if !to.After(from) {
		return nil, store.ErrInvalidTransaction
	}
	return s.repo.ListAuditLogs(ctx, from, to, limit)
}

func (s *Service) withInvoiceLock(ctx context.Context, invoiceNo string, fn func() error) error {
	if invoiceNo == "" {
		return settlement.ErrInvoiceNotFound
	}
	release, err := s.locker.Lock(ctx, invoiceNo)
	if err != nil {
		return fmt.Errorf("lock invoice %s: %w", invoiceNo, err)
	}
	defer release()
	return fn()
}

// commitWithRetry re-runs read, validate and commit once when the store
// reports a ledger conflict.
func (s *Service) commitWithRetry(ctx context.Context, invoiceNo string, attempt func() error) error {
	var err error
	for i := 0; i < commitAttempts; i++ {
		err = attempt()
		if !errors.Is(err, store.ErrConflict) {
			return err
		}
		log.Warn().Err(err).Str("invoice_no", invoiceNo).Int("attempt", i+1).Msg("ledger conflict on commit")
		if ctx.Err() != nil {
			break
		}
	}
	return fmt.Errorf("%w: %v", settlement.ErrConcurrencyConflict, err)
}

func (s *Service) afterCommit(ctx context.Context, invoiceNo string, movement domain.StockMovement) {
	if err := s.invoices.Invalidate(ctx, invoiceNo); err != nil {
		log.Warn().Err(err).Str("invoice_no", invoiceNo).Msg("invoice cache invalidation failed")
	}
	if err := s.notifier.Publish(ctx, movement); err != nil {
		log.Warn().Err(err).Str("reference", movement.Reference).Msg("stock notification failed")
	}
}

func actorName(ctx context.Context) string {
	if actor, ok := ActorFromContext(ctx); ok {
		return actor.Username
	}
	return "system"
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     s.now(),
	}); err != nil {
		log.Warn().Err(err).Str("action", action).Str("entity", entityType+"/"+entityID).Msg("failed to write audit log")
	}
}
