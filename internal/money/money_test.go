package money

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    Amount
		wantErr bool
	}{
		{"100000", 10000000, false},
		{"100000.5", 10000050, false},
		{"0.01", 1, false},
		{".25", 25, false},
		{"-3.10", -310, false},
		{"1.234", 0, true},
		{"1.2.3", 0, true},
		{"abc", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestString(t *testing.T) {
	assert.Equal(t, "100000.00", FromUnits(100000).String())
	assert.Equal(t, "0.05", Amount(5).String())
	assert.Equal(t, "-1.50", Amount(-150).String())
}

func TestPctAndClamp(t *testing.T) {
	price := FromUnits(100000)
	deposit := price.Pct(0.10).Clamp(FromUnits(500), FromUnits(10000))
	assert.Equal(t, FromUnits(10000), deposit)

	small := FromUnits(2000).Pct(0.10).Clamp(FromUnits(500), FromUnits(10000))
	assert.Equal(t, FromUnits(500), small)

	huge := FromUnits(5000000).Pct(0.10).Clamp(FromUnits(500), FromUnits(10000))
	assert.Equal(t, FromUnits(10000), huge)
}

func TestJSON(t *testing.T) {
	var v struct {
		A Amount `json:"a"`
		B Amount `json:"b"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":"95000.00","b":12.5}`), &v))
	assert.Equal(t, FromUnits(95000), v.A)
	assert.Equal(t, Amount(1250), v.B)

	out, err := json.Marshal(v)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":"95000.00","b":"12.50"}`, string(out))
}
