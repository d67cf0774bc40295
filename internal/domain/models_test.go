package domain

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAmountMarshalsWithTwoDecimals(t *testing.T) {
	payload, err := json.Marshal(Settlement{
		Type:   SettlementRefund,
		Amount: NewAmount(decimal.RequireFromString("280.456")),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"REFUND","amount":280.46}`, string(payload))
	assert.Contains(t, string(payload), `"amount":280.46`)

	payload, err = json.Marshal(struct {
		Zero Amount `json:"zero"`
	}{})
	require.NoError(t, err)
	assert.Equal(t, `{"zero":0.00}`, string(payload))
}

func TestSoldLineItemExposesReturnable(t *testing.T) {
	line := SoldLineItem{
		LineID:          4,
		DesignID:        12,
		Size:            "M",
		UnitPrice:       NewAmount(decimal.NewFromInt(450)),
		SoldQty:         3,
		AlreadyReturned: 1,
	}

	payload, err := json.Marshal(line)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, float64(2), decoded["returnable"])
	assert.Equal(t, float64(450), decoded["unit_price"])
	assert.NotContains(t, decoded, "design_code")

	var back SoldLineItem
	require.NoError(t, json.Unmarshal(payload, &back))
	assert.True(t, back.UnitPrice.Equal(decimal.NewFromInt(450)))
	assert.Equal(t, 2, back.Returnable())
}
