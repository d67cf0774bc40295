package settlement

import (
	"fmt"

	"github.com/shopspring/decimal"

	"posreturn/internal/domain"
)

var (
	// Epsilon is the tolerance under which an exchange counts as even.
	Epsilon = decimal.New(1, -2)

	hundred = decimal.NewFromInt(100)
)

func decimalQty(qty int) decimal.Decimal {
	return decimal.NewFromInt(int64(qty))
}

func ReturnedValue(lines []ValidatedLine) decimal.Decimal {
	total := decimal.Zero
	for _, v := range lines {
		total = total.Add(v.Line.UnitPrice.Mul(decimalQty(v.Quantity)))
	}
	return total
}

func NewItemsValue(items []domain.NewItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.UnitPrice.Mul(decimalQty(item.Quantity)))
	}
	return total
}

func ValidateDiscount(discountPercent decimal.Decimal) error {
	if discountPercent.IsNegative() || discountPercent.GreaterThan(hundred) {
		return fmt.Errorf("%w: got %s", ErrInvalidDiscount, discountPercent.String())
	}
	return nil
}

// Calculate applies the discount to the new items only and classifies the
// difference against the returned value.
func Calculate(returnedValue, newValue, discountPercent decimal.Decimal) (domain.Quote, error) {
	if err := ValidateDiscount(discountPercent); err != nil {
		return domain.Quote{}, err
	}

	discountAmount := newValue.Mul(discountPercent).Div(hundred)
	netNew := newValue.Sub(discountAmount)
	difference := returnedValue.Sub(netNew)

	settlement := domain.Settlement{Type: domain.SettlementEven, Amount: domain.NewAmount(decimal.Zero)}
	switch {
	case difference.Abs().LessThan(Epsilon):
	case difference.IsPositive():
		settlement = domain.Settlement{Type: domain.SettlementRefund, Amount: domain.NewAmount(difference)}
	default:
		settlement = domain.Settlement{Type: domain.SettlementCollect, Amount: domain.NewAmount(difference.Neg())}
	}

	return domain.Quote{
		ReturnedValue:   domain.NewAmount(returnedValue),
		NewValue:        domain.NewAmount(newValue),
		DiscountPercent: domain.NewAmount(discountPercent),
		DiscountAmount:  domain.NewAmount(discountAmount),
		NetNew:          domain.NewAmount(netNew),
		Difference:      domain.NewAmount(difference),
		Settlement:      settlement,
	}, nil
}
