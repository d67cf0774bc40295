package settlement

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"posreturn/internal/domain"
)

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func TestCalculateSettlement(t *testing.T) {
	cases := []struct {
		name     string
		returned string
		newValue string
		discount string
		wantType domain.SettlementType
		wantAmt  string
		wantNet  string
		wantDiff string
	}{
		{name: "refund after discount", returned: "1000.00", newValue: "800.00", discount: "10", wantType: domain.SettlementRefund, wantAmt: "280.00", wantNet: "720.00", wantDiff: "280.00"},
		{name: "even swap", returned: "500.00", newValue: "500.00", discount: "0", wantType: domain.SettlementEven, wantAmt: "0.00", wantNet: "500.00", wantDiff: "0.00"},
		{name: "collect balance", returned: "300.00", newValue: "500.00", discount: "0", wantType: domain.SettlementCollect, wantAmt: "200.00", wantNet: "500.00", wantDiff: "-200.00"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			quote, err := Calculate(dec(t, tc.returned), dec(t, tc.newValue), dec(t, tc.discount))
			require.NoError(t, err)
			assert.Equal(t, tc.wantType, quote.Settlement.Type)
			assert.Equal(t, tc.wantAmt, quote.Settlement.Amount.StringFixed(2))
			assert.Equal(t, tc.wantNet, quote.NetNew.StringFixed(2))
			assert.Equal(t, tc.wantDiff, quote.Difference.StringFixed(2))
		})
	}
}

func TestCalculateUsesEpsilonForEvenExchange(t *testing.T) {
	quote, err := Calculate(dec(t, "100.009"), dec(t, "100"), decimal.Zero)
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementEven, quote.Settlement.Type)
	assert.True(t, quote.Settlement.Amount.IsZero())

	quote, err = Calculate(dec(t, "99.991"), dec(t, "100"), decimal.Zero)
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementEven, quote.Settlement.Type)

	quote, err = Calculate(dec(t, "100.01"), dec(t, "100"), decimal.Zero)
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementRefund, quote.Settlement.Type)
	assert.Equal(t, "0.01", quote.Settlement.Amount.StringFixed(2))
}

func TestCalculateKeepsPrecisionUntilSerialized(t *testing.T) {
	// 33.33% of 99.99 has sub-cent digits.
	quote, err := Calculate(dec(t, "0"), dec(t, "99.99"), dec(t, "33.33"))
	require.NoError(t, err)
	assert.Equal(t, "33.326667", quote.DiscountAmount.String())
	assert.Equal(t, domain.SettlementCollect, quote.Settlement.Type)
	assert.Equal(t, "66.66", quote.Settlement.Amount.StringFixed(2))
}

func TestCalculateRejectsDiscountOutOfRange(t *testing.T) {
	_, err := Calculate(decimal.Zero, dec(t, "10"), dec(t, "-1"))
	assert.ErrorIs(t, err, ErrInvalidDiscount)

	_, err = Calculate(decimal.Zero, dec(t, "10"), dec(t, "100.5"))
	assert.ErrorIs(t, err, ErrInvalidDiscount)

	quote, err := Calculate(decimal.Zero, dec(t, "10"), dec(t, "100"))
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementEven, quote.Settlement.Type)
}

func TestReturnedAndNewValues(t *testing.T) {
	lines := []ValidatedLine{
		{Line: domain.SoldLineItem{UnitPrice: domain.NewAmount(dec(t, "250.00"))}, Quantity: 2},
		{Line: domain.SoldLineItem{UnitPrice: domain.NewAmount(dec(t, "125.50"))}, Quantity: 4},
	}
	assert.Equal(t, "1002.00", ReturnedValue(lines).StringFixed(2))

	items := []domain.NewItem{
		{UnitPrice: domain.NewAmount(dec(t, "400")), Quantity: 2},
	}
	assert.Equal(t, "800.00", NewItemsValue(items).StringFixed(2))
}
