package settlement

import (
	"fmt"
	"math"

	"posreturn/internal/domain"
)

type ValidatedLine struct {
	Line     domain.SoldLineItem
	Quantity int
}

// Validator checks requested return quantities against a ledger. Returns and
// exchanges share one implementation.
type Validator interface {
	Validate(ledger *Ledger, items []domain.ReturnItemRequest) ([]ValidatedLine, error)
}

type ReturnValidator struct{}

func (ReturnValidator) Validate(ledger *Ledger, items []domain.ReturnItemRequest) ([]ValidatedLine, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: no items to return", ErrEmptyRequest)
	}

	order := make([]LineKey, 0, len(items))
	totals := make(map[LineKey]int, len(items))
	for _, item := range items {
		key := KeyOf(item.DesignID, item.Size)
		if item.Quantity <= 0 {
			return nil, fmt.Errorf("%w: design %d size %s quantity %d", ErrInvalidQuantity, key.DesignID, key.Size, item.Quantity)
		}
		total, seen := totals[key]
		if !seen {
			order = append(order, key)
		}
		if total > math.MaxInt-item.Quantity {
			return nil, fmt.Errorf("%w: design %d size %s requested more than can be counted",
				ErrQuantityExceedsReturnable, key.DesignID, key.Size)
		}
		totals[key] = total + item.Quantity
	}

	validated := make([]ValidatedLine, 0, len(order))
	for _, key := range order {
		qty := totals[key]
		line, ok := ledger.Lookup(key.DesignID, key.Size)
		if !ok {
			return nil, fmt.Errorf("%w: design %d size %s", ErrLineNotFound, key.DesignID, key.Size)
		}
		if qty > line.Returnable() {
			return nil, fmt.Errorf("%w: design %d size %s requested %d, returnable %d",
				ErrQuantityExceedsReturnable, key.DesignID, key.Size, qty, line.Returnable())
		}
		validated = append(validated, ValidatedLine{Line: line, Quantity: qty})
	}

	if len(validated) == 0 {
		return nil, fmt.Errorf("%w: no items to return", ErrEmptyRequest)
	}
	return validated, nil
}

// ReturnedLines converts validated lines into the record form, priced at the
// original unit price.
func ReturnedLines(lines []ValidatedLine) []domain.ReturnedLine {
	out := make([]domain.ReturnedLine, 0, len(lines))
	for _, v := range lines {
		price := v.Line.UnitPrice.Decimal
		out = append(out, domain.ReturnedLine{
			LineID:    v.Line.LineID,
			DesignID:  v.Line.DesignID,
			Size:      v.Line.Size,
			Quantity:  v.Quantity,
			UnitPrice: domain.NewAmount(price),
			LineTotal: domain.NewAmount(price.Mul(decimalQty(v.Quantity))),
		})
	}
	return out
}

// LedgerDeltas pins every increment to the returned quantity it was validated
// against.
func LedgerDeltas(lines []ValidatedLine) []domain.LedgerDelta {
	out := make([]domain.LedgerDelta, 0, len(lines))
	for _, v := range lines {
		out = append(out, domain.LedgerDelta{
			LineID:           v.Line.LineID,
			Quantity:         v.Quantity,
			ExpectedReturned: v.Line.AlreadyReturned,
		})
	}
	return out
}
