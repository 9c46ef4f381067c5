package factory

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/iso-pricing/pricing"
)

func TestParseRateTable_FlatList(t *testing.T) {
	f := NewRateFactory()

	rates, err := f.ParseRateTable([]byte(`[
		{"method": "pix", "brand": "pix", "band": "1", "rate": 0.99},
		{"method": "credito", "brand": "visa", "band": "2-6", "rate": "2.49123"},
		{"method": "credito", "brand": "visa", "band": "1", "rate": "2.15"}
	]`))

	require.NoError(t, err)
	require.Len(t, rates, 3)
	// Sorted by key and rounded to four places
	assert.Equal(t, "credito/visa/1", rates[0].RateKey.String())
	assert.Equal(t, "2.4912", rates[1].Rate.String())
	assert.Equal(t, pricing.MethodPix, rates[2].Method)
}

func TestParseRateTable_Grid(t *testing.T) {
	f := NewRateFactory()

	rates, err := f.ParseRateTable([]byte(`{
		"debito":  {"visa": {"1": "1.10"}},
		"credito": {"visa": {"1": "2.15", "2-6": "2.49"}, "master": {"1": "2.10"}}
	}`))

	require.NoError(t, err)
	require.Len(t, rates, 4)
	assert.Equal(t, pricing.RateKey{Method: pricing.MethodCredito, Brand: "master", Band: "1"}, rates[0].RateKey)

	// The grid round-trips
	again, err := json.Marshal(f.ToGrid(rates))
	require.NoError(t, err)
	back, err := f.ParseRateTable(again)
	require.NoError(t, err)
	assert.Equal(t, rates, back)
}

func TestParseRateTable_Rejects(t *testing.T) {
	f := NewRateFactory()

	tests := map[string]string{
		"empty body":     ``,
		"null":           `null`,
		"scalar":         `42`,
		"bad json":       `[{"method": }]`,
		"unknown method": `[{"method": "boleto", "brand": "x", "band": "1", "rate": "1"}]`,
		"negative rate":  `[{"method": "pix", "brand": "pix", "band": "1", "rate": "-0.1"}]`,
		"over 100":       `{"credito": {"visa": {"1": "101"}}}`,
		"duplicate": `[
			{"method": "pix", "brand": "pix", "band": "1", "rate": "1"},
			{"method": "pix", "brand": "pix", "band": "1", "rate": "2"}
		]`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := f.ParseRateTable([]byte(body))
			assert.ErrorIs(t, err, pricing.ErrValidation)
		})
	}
}

func TestParseApproval(t *testing.T) {
	f := NewRateFactory()

	// GIVEN: An approval with an explicit window
	in, err := f.ParseApproval([]byte(`{
		"rates": [{"method": "credito", "brand": "visa", "band": "1", "rate": "2.15"}],
		"valid_from": "2026-01-01T00:00:00-03:00",
		"valid_until": "2027-01-01T00:00:00Z",
		"auto_renew": true
	}`))

	// THEN: Times are UTC and the flag is carried
	require.NoError(t, err)
	assert.Len(t, in.Rates, 1)
	assert.Equal(t, time.Date(2026, time.January, 1, 3, 0, 0, 0, time.UTC), in.ValidFrom)
	require.NotNil(t, in.AutoRenew)
	assert.True(t, *in.AutoRenew)

	// AND: Omitting the window leaves it to the approver
	in, err = f.ParseApproval([]byte(`{"rates": {"pix": {"pix": {"1": "0.5"}}}}`))
	require.NoError(t, err)
	assert.True(t, in.ValidFrom.IsZero())
	assert.Nil(t, in.AutoRenew)

	// AND: An inverted window is rejected
	_, err = f.ParseApproval([]byte(`{
		"rates": {"pix": {"pix": {"1": "0.5"}}},
		"valid_from": "2027-01-01T00:00:00Z",
		"valid_until": "2026-01-01T00:00:00Z"
	}`))
	assert.ErrorIs(t, err, pricing.ErrValidation)

	_, err = f.ParseApproval([]byte(`{"valid_from": "2027-01-01T00:00:00Z"}`))
	assert.ErrorIs(t, err, pricing.ErrValidation)
}
