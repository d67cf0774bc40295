package settlement

import (
	"fmt"

	"posreturn/internal/domain"
)

// PriceNewItems checks the replacement goods of an exchange and fixes their
// line totals. Sizes are normalized so stock keys match sold lines.
func PriceNewItems(items []domain.NewItemRequest) ([]domain.NewItem, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: no new items", ErrEmptyRequest)
	}

	priced := make([]domain.NewItem, 0, len(items))
	for _, item := range items {
		size := NormalizeSize(item.Size)
		if item.Quantity <= 0 {
			return nil, fmt.Errorf("%w: new item design %d size %s", ErrInvalidQuantity, item.DesignID, size)
		}
		if item.Price == nil {
			return nil, fmt.Errorf("%w: new item design %d size %s", ErrPriceMissing, item.DesignID, size)
		}
		if item.Price.IsNegative() {
			return nil, fmt.Errorf("%w: new item design %d size %s has negative price", ErrPriceMissing, item.DesignID, size)
		}
		price := *item.Price
		priced = append(priced, domain.NewItem{
			DesignID:  item.DesignID,
			Size:      size,
			Quantity:  item.Quantity,
			UnitPrice: domain.NewAmount(price),
			LineTotal: domain.NewAmount(price.Mul(decimalQty(item.Quantity))),
		})
	}
	return priced, nil
}
