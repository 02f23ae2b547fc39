// Package units converts sensor values between units of the same dimension.
package units

import (
	"errors"
	"fmt"
	"strings"
)

type Dimension string

const (
	Temperature Dimension = "temperature"
	Pressure    Dimension = "pressure"
	Power       Dimension = "power"
	Energy      Dimension = "energy"
	Flow        Dimension = "flow"
	Voltage     Dimension = "voltage"
	Current     Dimension = "current"
	Ratio       Dimension = "ratio"
	Length      Dimension = "length"
	Mass        Dimension = "mass"
	Speed       Dimension = "speed"
	Frequency   Dimension = "frequency"
	Volume      Dimension = "volume"
	Count       Dimension = "count"
)

var (
	ErrUnknownUnit       = errors.New("unknown_unit")
	ErrIncompatibleUnits = errors.New("incompatible_units")
)

// Unit maps a value onto its dimension's base unit as value*factor + offset.
type Unit struct {
	Symbol    string
	Dimension Dimension
	factor    float64
	offset    float64
}

func (u Unit) toBase(v float64) float64   { return v*u.factor + u.offset }
func (u Unit) fromBase(v float64) float64 { return (v - u.offset) / u.factor }

var (
	catalog = map[string]Unit{}
	exact   = map[string]string{}
)

// folded holds lower-cased names; "" marks a name shared by two units
// ("mw" is both mW and MW) which must be spelled exactly.
var folded = map[string]string{}

func register(symbol string, dim Dimension, factor, offset float64, alias ...string) {
	catalog[symbol] = Unit{Symbol: symbol, Dimension: dim, factor: factor, offset: offset}
	for _, name := range append([]string{symbol}, alias...) {
		exact[name] = symbol
		key := strings.ToLower(name)
		if prev, ok := folded[key]; ok && prev != symbol {
			folded[key] = ""
			continue
		}
		folded[key] = symbol
	}
}

func init() {
	// base: kelvin
	register("K", Temperature, 1, 0, "kelvin")
	register("degC", Temperature, 1, 273.15, "°C", "C", "celsius", "deg_c", "degc")
	register("degF", Temperature, 5.0/9.0, 273.15-32*5.0/9.0, "°F", "F", "fahrenheit", "deg_f")

	// base: pascal
	register("Pa", Pressure, 1, 0, "pascal")
	register("mPa", Pressure, 1e-3, 0)
	register("kPa", Pressure, 1e3, 0)
	register("MPa", Pressure, 1e6, 0)
	register("hPa", Pressure, 100, 0, "mbar")
	register("bar", Pressure, 1e5, 0)
	register("psi", Pressure, 6894.757293168, 0)

	// base: watt
	register("W", Power, 1, 0, "watt")
	register("mW", Power, 1e-3, 0)
	register("kW", Power, 1e3, 0)
	register("MW", Power, 1e6, 0)

	// base: joule
	register("J", Energy, 1, 0, "joule")
	register("mWh", Energy, 3.6, 0)
	register("Wh", Energy, 3600, 0)
	register("kWh", Energy, 3.6e6, 0)
	register("MWh", Energy, 3.6e9, 0)

	// base: cubic metre per second
	register("m3/s", Flow, 1, 0, "m³/s")
	register("m3/h", Flow, 1.0/3600, 0, "m³/h")
	register("L/s", Flow, 1e-3, 0, "l/s")
	register("L/min", Flow, 1e-3/60, 0, "l/min", "lpm")
	register("gpm", Flow, 3.785411784e-3/60, 0)

	register("V", Voltage, 1, 0, "volt")
	register("mV", Voltage, 1e-3, 0)
	register("kV", Voltage, 1e3, 0)

	register("A", Current, 1, 0, "amp", "ampere")
	register("mA", Current, 1e-3, 0)

	// base: fraction
	register("ratio", Ratio, 1, 0, "fraction")
	register("%", Ratio, 1e-2, 0, "percent", "pct", "%RH", "%rh")
	register("ppm", Ratio, 1e-6, 0)

	// base: metre
	register("m", Length, 1, 0, "metre", "meter")
	register("cm", Length, 1e-2, 0)
	register("mm", Length, 1e-3, 0)
	register("ft", Length, 0.3048, 0)
	register("in", Length, 0.0254, 0)

	register("kg", Mass, 1, 0)
	register("g", Mass, 1e-3, 0)
	register("t", Mass, 1e3, 0, "tonne")
	register("lb", Mass, 0.45359237, 0)

	register("m/s", Speed, 1, 0)
	register("km/h", Speed, 1.0/3.6, 0, "kph")
	register("mph", Speed, 0.44704, 0)

	register("Hz", Frequency, 1, 0, "hertz")
	register("rpm", Frequency, 1.0/60, 0)

	register("m3", Volume, 1, 0, "m³")
	register("L", Volume, 1e-3, 0, "l", "litre", "liter")
	register("gal", Volume, 3.785411784e-3, 0)

	register("count", Count, 1, 0, "1", "pcs")
}

// Lookup resolves a symbol or alias, ignoring surrounding space. An exact
// spelling always wins; otherwise case is ignored unless the lower-cased
// name is shared by units that differ only in SI prefix case.
func Lookup(symbol string) (Unit, bool) {
	name := strings.TrimSpace(symbol)
	if name == "" {
		return Unit{}, false
	}
	if canonical, ok := exact[name]; ok {
		return catalog[canonical], true
	}
	canonical := folded[strings.ToLower(name)]
	if canonical == "" {
		return Unit{}, false
	}
	return catalog[canonical], true
}

// Canonical returns the registered symbol for an alias, or "" when unknown.
func Canonical(symbol string) string {
	u, ok := Lookup(symbol)
	if !ok {
		return ""
	}
	return u.Symbol
}

// Convert expresses value (in unit from) in unit to.
func Convert(value float64, from, to string) (float64, error) {
	src, ok := Lookup(from)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownUnit, from)
	}
	dst, ok := Lookup(to)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownUnit, to)
	}
	if src.Dimension != dst.Dimension {
		return 0, fmt.Errorf("%w: %s is %s, %s is %s", ErrIncompatibleUnits, src.Symbol, src.Dimension, dst.Symbol, dst.Dimension)
	}
	if src.Symbol == dst.Symbol {
		return value, nil
	}
	return dst.fromBase(src.toBase(value)), nil
}

var quantityDimensions = map[string]Dimension{
	"temperature":       Temperature,
	"air_temperature":   Temperature,
	"water_temperature": Temperature,
	"soil_temperature":  Temperature,
	"pressure":          Pressure,
	"power":             Power,
	"active_power":      Power,
	"energy":            Energy,
	"flow_rate":         Flow,
	"voltage":           Voltage,
	"current":           Current,
	"humidity":          Ratio,
	"relative_humidity": Ratio,
	"soil_moisture":     Ratio,
	"co2":               Ratio,
	"level":             Length,
	"distance":          Length,
	"mass":              Mass,
	"weight":            Mass,
	"speed":             Speed,
	"wind_speed":        Speed,
	"frequency":         Frequency,
	"rotation":          Frequency,
	"volume":            Volume,
	"count":             Count,
}

// QuantityDimension returns the expected dimension of a known physical quantity.
func QuantityDimension(quantity string) (Dimension, bool) {
	d, ok := quantityDimensions[strings.ToLower(strings.TrimSpace(quantity))]
	return d, ok
}
