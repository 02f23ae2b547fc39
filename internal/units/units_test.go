package units

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvert(t *testing.T) {
	cases := []struct {
		name  string
		value float64
		from  string
		to    string
		want  float64
	}{
		{name: "fahrenheit to celsius", value: 212, from: "degF", to: "degC", want: 100},
		{name: "celsius alias", value: 20, from: "°C", to: "K", want: 293.15},
		{name: "same unit", value: 21.5, from: "degC", to: "celsius", want: 21.5},
		{name: "bar to kPa", value: 1.5, from: "bar", to: "kPa", want: 150},
		{name: "kWh to Wh", value: 2, from: "kWh", to: "Wh", want: 2000},
		{name: "percent to ratio", value: 45, from: "%", to: "ratio", want: 0.45},
		{name: "litres per minute to m3/h", value: 1000, from: "L/min", to: "m3/h", want: 60},
		{name: "milliwatts to watts", value: 500, from: "mW", to: "W", want: 0.5},
		{name: "megawatts to watts", value: 2, from: "MW", to: "W", want: 2e6},
		{name: "millipascal to pascal", value: 1, from: "mPa", to: "Pa", want: 1e-3},
		{name: "megapascal to kPa", value: 1, from: "MPa", to: "kPa", want: 1000},
		{name: "milliwatt hours to Wh", value: 1500, from: "mWh", to: "Wh", want: 1.5},
		{name: "word alias ignores case", value: 0, from: "Celsius", to: "KELVIN", want: 273.15},
		{name: "unambiguous symbol ignores case", value: 3, from: "KWH", to: "kWh", want: 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Convert(tc.value, tc.from, tc.to)
			require.NoError(t, err)
			assert.InDelta(t, tc.want, got, 1e-9)
		})
	}
}

func TestConvertErrors(t *testing.T) {
	_, err := Convert(1, "bar", "degC")
	assert.True(t, errors.Is(err, ErrIncompatibleUnits))

	_, err = Convert(1, "furlong", "m")
	assert.True(t, errors.Is(err, ErrUnknownUnit))

	for _, ambiguous := range []string{"mw", "Mw", "mpa", "MWH"} {
		_, err = Convert(1, ambiguous, "W")
		assert.True(t, errors.Is(err, ErrUnknownUnit), ambiguous)
	}
}

func TestLookupKeepsPrefixCase(t *testing.T) {
	milli, ok := Lookup(" mW ")
	require.True(t, ok)
	assert.Equal(t, "mW", milli.Symbol)

	mega, ok := Lookup("MW")
	require.True(t, ok)
	assert.Equal(t, "MW", mega.Symbol)

	assert.Equal(t, "mPa", Canonical("mPa"))
	assert.Equal(t, "MPa", Canonical("MPa"))
	assert.Equal(t, "", Canonical("mpa"))
}

func TestQuantityDimension(t *testing.T) {
	d, ok := QuantityDimension("Temperature")
	require.True(t, ok)
	assert.Equal(t, Temperature, d)

	_, ok = QuantityDimension("vibes")
	assert.False(t, ok)
	assert.Equal(t, "degC", Canonical(" C "))
	assert.Equal(t, "", Canonical("parsec"))
}
