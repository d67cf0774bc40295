package settlement

import "errors"

var (
	ErrInvoiceNotFound           = errors.New("invoice not found")
	ErrLineNotFound              = errors.New("line item not found on invoice")
	ErrQuantityExceedsReturnable = errors.New("quantity exceeds returnable")
	ErrEmptyRequest              = errors.New("empty request")
	ErrPriceMissing              = errors.New("price missing")
	ErrPaymentModeRequired       = errors.New("payment mode required")
	ErrConcurrencyConflict       = errors.New("invoice was modified concurrently, please retry")
	ErrInvalidQuantity           = errors.New("quantity must be greater than zero")
	ErrInvalidDiscount           = errors.New("discount percent must be between 0 and 100")
)
