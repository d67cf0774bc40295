package settlement

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"posreturn/internal/domain"
)

func sampleLedger() *Ledger {
	return NewLedger([]domain.SoldLineItem{
		{LineID: 1, DesignID: 101, Size: "M", UnitPrice: domain.NewAmount(decimal.NewFromInt(500)), SoldQty: 3, AlreadyReturned: 1},
		{LineID: 2, DesignID: 101, Size: "L", UnitPrice: domain.NewAmount(decimal.NewFromInt(500)), SoldQty: 1},
		{LineID: 3, DesignID: 202, Size: "xl", UnitPrice: domain.NewAmount(decimal.NewFromInt(300)), SoldQty: 2},
	})
}

func TestReturnValidatorGroupsAndKeepsRequestOrder(t *testing.T) {
	lines, err := ReturnValidator{}.Validate(sampleLedger(), []domain.ReturnItemRequest{
		{DesignID: 202, Size: "XL", Quantity: 1},
		{DesignID: 101, Size: "m", Quantity: 1},
		{DesignID: 202, Size: " xl ", Quantity: 1},
	})
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, int64(3), lines[0].Line.LineID)
	assert.Equal(t, 2, lines[0].Quantity)
	assert.Equal(t, int64(1), lines[1].Line.LineID)
	assert.Equal(t, 1, lines[1].Quantity)
}

func TestReturnValidatorRejectsOverRequest(t *testing.T) {
	_, err := ReturnValidator{}.Validate(sampleLedger(), []domain.ReturnItemRequest{
		{DesignID: 101, Size: "M", Quantity: 2},
		{DesignID: 101, Size: "M", Quantity: 1},
	})
	assert.ErrorIs(t, err, ErrQuantityExceedsReturnable)
}

func TestReturnValidatorErrors(t *testing.T) {
	cases := []struct {
		name  string
		items []domain.ReturnItemRequest
		want  error
	}{
		{name: "empty", items: nil, want: ErrEmptyRequest},
		{name: "unknown line", items: []domain.ReturnItemRequest{{DesignID: 999, Size: "M", Quantity: 1}}, want: ErrLineNotFound},
		{name: "zero quantity", items: []domain.ReturnItemRequest{{DesignID: 101, Size: "L", Quantity: 0}}, want: ErrInvalidQuantity},
		{name: "negative group", items: []domain.ReturnItemRequest{
			{DesignID: 101, Size: "L", Quantity: 1},
			{DesignID: 101, Size: "L", Quantity: -2},
		}, want: ErrInvalidQuantity},
		{name: "negative line offsets positive", items: []domain.ReturnItemRequest{
			{DesignID: 101, Size: "M", Quantity: 3},
			{DesignID: 101, Size: "M", Quantity: -2},
		}, want: ErrInvalidQuantity},
		{name: "quantities overflow when summed", items: []domain.ReturnItemRequest{
			{DesignID: 101, Size: "L", Quantity: math.MaxInt/2 + 1},
			{DesignID: 101, Size: "L", Quantity: math.MaxInt/2 + 1},
			{DesignID: 101, Size: "L", Quantity: math.MaxInt/2 + 1},
			{DesignID: 101, Size: "L", Quantity: math.MaxInt/2 + 2},
		}, want: ErrQuantityExceedsReturnable},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ReturnValidator{}.Validate(sampleLedger(), tc.items)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestReturnValidatorRejectsFullyReturnedLine(t *testing.T) {
	ledger := NewLedger([]domain.SoldLineItem{
		{LineID: 9, DesignID: 7, Size: "S", SoldQty: 2, AlreadyReturned: 2},
	})
	assert.Equal(t, 0, ledger.Returnable(7, "s"))

	_, err := ReturnValidator{}.Validate(ledger, []domain.ReturnItemRequest{{DesignID: 7, Size: "S", Quantity: 1}})
	assert.ErrorIs(t, err, ErrQuantityExceedsReturnable)
}

func TestLedgerDeltasCarryExpectedReturned(t *testing.T) {
	lines, err := ReturnValidator{}.Validate(sampleLedger(), []domain.ReturnItemRequest{{DesignID: 101, Size: "M", Quantity: 2}})
	require.NoError(t, err)

	deltas := LedgerDeltas(lines)
	require.Len(t, deltas, 1)
	assert.Equal(t, domain.LedgerDelta{LineID: 1, Quantity: 2, ExpectedReturned: 1}, deltas[0])

	returned := ReturnedLines(lines)
	require.Len(t, returned, 1)
	assert.Equal(t, "1000.00", returned[0].LineTotal.StringFixed(2))
}

func TestPriceNewItems(t *testing.T) {
	price := decimal.NewFromInt(400)
	negative := decimal.NewFromInt(-1)

	items, err := PriceNewItems([]domain.NewItemRequest{{DesignID: 5, Size: " m", Quantity: 2, Price: &price}})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "M", items[0].Size)
	assert.Equal(t, "800.00", items[0].LineTotal.StringFixed(2))

	_, err = PriceNewItems(nil)
	assert.ErrorIs(t, err, ErrEmptyRequest)

	_, err = PriceNewItems([]domain.NewItemRequest{{DesignID: 5, Size: "M", Quantity: 1}})
	assert.ErrorIs(t, err, ErrPriceMissing)

	_, err = PriceNewItems([]domain.NewItemRequest{{DesignID: 5, Size: "M", Quantity: 1, Price: &negative}})
	assert.ErrorIs(t, err, ErrPriceMissing)

	_, err = PriceNewItems([]domain.NewItemRequest{{DesignID: 5, Size: "M", Quantity: 0, Price: &price}})
	assert.ErrorIs(t, err, ErrInvalidQuantity)
}
