package units

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dratasich/signalk-go-client-sdk/events"
)

type fetcherFunc func(ctx context.Context) (map[string]events.PathConversion, error)

func (f fetcherFunc) FetchConversions(ctx context.Context) (map[string]events.PathConversion, error) {
	return f(ctx)
}

func speedConversion() events.PathConversion {
	return events.PathConversion{
		BaseUnit:   "m/s",
		Category:   "speed",
		TargetUnit: "kn",
		Conversions: map[string]events.UnitConversion{
			"kn":   {Formula: "value * 1.94384", InverseFormula: "value / 1.94384", Symbol: "kn"},
			"km/h": {Formula: "value * 3.6", InverseFormula: "value / 3.6", Symbol: "km/h"},
		},
	}
}

func fixture(t *testing.T) *Engine {
	e := NewEngine(fetcherFunc(func(ctx context.Context) (map[string]events.PathConversion, error) {
		return map[string]events.PathConversion{
			"navigation.speedOverGround": speedConversion(),
			"environment.water.temperature": {
				BaseUnit:   "K",
				Category:   "temperature",
				TargetUnit: "C",
				Conversions: map[string]events.UnitConversion{
					"C": {Formula: "value - 273.15", InverseFormula: "value + 273.15", Symbol: "°C"},
					"F": {Formula: "(value - 273.15) * 9 / 5 + 32", InverseFormula: "(value - 32) * 5 / 9 + 273.15", Symbol: "°F"},
				},
			},
			"electrical.batteries.house.stateOfCharge": {
				BaseUnit:   "ratio",
				Category:   "percentage",
				TargetUnit: "%",
				Conversions: map[string]events.UnitConversion{
					"%": {Formula: "value * 100", InverseFormula: "value / 100", Symbol: "%"},
				},
			},
			"environment.depth.belowKeel": {
				BaseUnit:   "m",
				Category:   "depth",
				TargetUnit: "m",
			},
		}, nil
	}))
	require.NoError(t, e.LoadSnapshot(context.Background()))
	return e
}

func TestSpeedOverGround(t *testing.T) {
	// arrange
	e := fixture(t)

	// act
	kn, err := e.Convert("navigation.speedOverGround", 3.6)
	require.NoError(t, err)
	text := e.Format("navigation.speedOverGround", events.Number(3.6))
	symbol, ok := e.SymbolFor("navigation.speedOverGround")

	// assert
	assert.InDelta(t, 7.00, kn, 0.005)
	assert.Equal(t, "7.0 kn", text)
	assert.True(t, ok)
	assert.Equal(t, "kn", symbol)
	assert.Equal(t, CategorySpeed, e.Category("navigation.speedOverGround"))
}

func TestRoundTrip(t *testing.T) {
	e := fixture(t)
	paths := []string{
		"navigation.speedOverGround",
		"environment.water.temperature",
		"electrical.batteries.house.stateOfCharge",
	}
	for _, path := range paths {
		for _, x := range []float64{0, 0.5, 1, 3.6, 293.15, 1e4} {
			display, err := e.Convert(path, x)
			require.NoError(t, err)
			si, err := e.ConvertToSI(path, display)
			require.NoError(t, err)
			assert.InDelta(t, x, si, 1e-9, "%s(%v)", path, x)
		}
	}
}

func TestSliderWriteBack(t *testing.T) {
	// a slider showing 45 % must write the ratio 0.45
	e := fixture(t)

	si, err := e.ConvertToSI("electrical.batteries.house.stateOfCharge", 45)

	require.NoError(t, err)
	assert.InDelta(t, 0.45, si, 1e-12)
}

func TestConvertToSIFrom(t *testing.T) {
	e := fixture(t)

	si, err := e.ConvertToSIFrom("navigation.speedOverGround", "km/h", 36)
	require.NoError(t, err)
	assert.InDelta(t, 10, si, 1e-9)

	si, err = e.ConvertToSIFrom("navigation.speedOverGround", "m/s", 5)
	require.NoError(t, err)
	assert.Equal(t, 5.0, si)

	_, err = e.ConvertToSIFrom("navigation.speedOverGround", "mph", 5)
	assert.True(t, errors.Is(err, ErrUnknownUnit))
}

func TestExplicitIdentity(t *testing.T) {
	// target unit equals the base unit: identity, but a conversion exists
	e := fixture(t)

	v, err := e.Convert("environment.depth.belowKeel", 4.2)
	require.NoError(t, err)
	symbol, ok := e.SymbolFor("environment.depth.belowKeel")

	assert.Equal(t, 4.2, v)
	assert.True(t, ok)
	assert.Equal(t, "m", symbol)
	assert.Equal(t, "4.2 m", e.Format("environment.depth.belowKeel", events.Number(4.2)))
}

func TestPassThrough(t *testing.T) {
	e := fixture(t)

	v, err := e.Convert("propulsion.main.revolutions", 12.5)
	require.NoError(t, err)
	si, err := e.ConvertToSI("propulsion.main.revolutions", 12.5)
	require.NoError(t, err)
	_, ok := e.SymbolFor("propulsion.main.revolutions")

	assert.Equal(t, 12.5, v)
	assert.Equal(t, 12.5, si)
	assert.False(t, ok)
	assert.Equal(t, "12.5", e.Format("propulsion.main.revolutions", events.Number(12.5)))
	assert.Equal(t, "anchored", e.Format("navigation.state", events.String("anchored")))
}

func TestNoInverse(t *testing.T) {
	e := NewEngine(nil)
	e.Replace(map[string]events.PathConversion{
		"navigation.log": {
			BaseUnit: "m", TargetUnit: "nm",
			Conversions: map[string]events.UnitConversion{"nm": {Formula: "value / 1852", Symbol: "nm"}},
		},
	})

	_, err := e.ConvertToSI("navigation.log", 1)

	assert.True(t, errors.Is(err, ErrNoInverse))
}

func TestApplyUpdate(t *testing.T) {
	// arrange
	e := fixture(t)
	require.Equal(t, 4, e.Len())

	// act: delta merges only the named path
	e.HandleMessage([]byte(`{
		"type": "delta",
		"conversions": {
			"navigation.speedOverGround": {
				"baseUnit": "m/s", "category": "speed", "targetUnit": "km/h",
				"conversions": {"km/h": {"formula": "value * 3.6", "inverseFormula": "value / 3.6", "symbol": "km/h"}}
			}
		}
	}`))

	// assert
	assert.Equal(t, 4, e.Len())
	v, err := e.Convert("navigation.speedOverGround", 10)
	require.NoError(t, err)
	assert.InDelta(t, 36, v, 1e-9)

	// act: full replaces everything
	e.HandleMessage([]byte(`{
		"type": "full",
		"conversions": {
			"environment.wind.speedApparent": {
				"baseUnit": "m/s", "category": "windSpeed", "targetUnit": "kn",
				"conversions": {"kn": {"formula": "value * 1.94384", "inverseFormula": "value / 1.94384", "symbol": "kn"}}
			}
		}
	}`))

	// assert
	assert.Equal(t, 1, e.Len())
	_, ok := e.Spec("navigation.speedOverGround")
	assert.False(t, ok)
	assert.Equal(t, CategoryWindSpeed, e.Category("environment.wind.speedApparent"))
}

func TestIgnoresUnknownMessages(t *testing.T) {
	e := fixture(t)

	e.HandleMessage([]byte(`{"type": "hello"}`))
	e.HandleMessage([]byte(`garbage`))
	e.HandleMessage([]byte(`{"type": "delta", "conversions": "oops"}`))

	assert.Equal(t, 4, e.Len())
}

func TestCategoryFallback(t *testing.T) {
	// arrange: path knows its base unit but has no formula, two category
	// defaults share the base unit m/s
	e := NewEngine(nil)
	e.SetCategoryDefaults(map[string]events.PathConversion{
		"windSpeed": {BaseUnit: "m/s", TargetUnit: "km/h", Conversions: map[string]events.UnitConversion{
			"km/h": {Formula: "value * 3.6", InverseFormula: "value / 3.6", Symbol: "km/h"},
		}},
		"speed": {BaseUnit: "m/s", TargetUnit: "kn", Conversions: map[string]events.UnitConversion{
			"kn": {Formula: "value * 1.94384", InverseFormula: "value / 1.94384", Symbol: "kn"},
		}},
	})
	e.Replace(map[string]events.PathConversion{
		"navigation.speedThroughWater": {BaseUnit: "m/s", Category: "custom"},
		"environment.wind.speedTrue":   {BaseUnit: "m/s", Category: "windSpeed"},
	})

	// act & assert: unknown category falls back to the first matching
	// base unit in sorted order ("speed" < "windSpeed")
	for i := 0; i < 20; i++ {
		symbol, ok := e.SymbolFor("navigation.speedThroughWater")
		require.True(t, ok)
		assert.Equal(t, "kn", symbol)
	}
	assert.Equal(t, CategoryUnknown, e.Category("navigation.speedThroughWater"))
	spec, _ := e.Spec("navigation.speedThroughWater")
	assert.Equal(t, "custom", spec.CategoryName)

	// known category name wins over base unit matching
	symbol, _ := e.SymbolFor("environment.wind.speedTrue")
	assert.Equal(t, "km/h", symbol)
}

func TestInvalidFormulaSkipped(t *testing.T) {
	e := NewEngine(nil)
	e.Replace(map[string]events.PathConversion{
		"navigation.speedOverGround": {
			BaseUnit: "m/s", TargetUnit: "kn",
			Conversions: map[string]events.UnitConversion{"kn": {Formula: "value *** ", Symbol: "kn"}},
		},
	})

	v, err := e.Convert("navigation.speedOverGround", 3)

	require.NoError(t, err)
	assert.Equal(t, 3.0, v)
}

func TestParseCategory(t *testing.T) {
	assert.Equal(t, CategoryNone, ParseCategory(""))
	assert.Equal(t, CategorySpeed, ParseCategory("speed"))
	assert.Equal(t, CategoryWindSpeed, ParseCategory("windSpeed"))
	assert.Equal(t, CategoryUnknown, ParseCategory("flux-capacitance"))
	assert.Equal(t, "m/s", CategorySpeed.BaseUnit())
	assert.Equal(t, "unknown", CategoryUnknown.String())
}
