package units

import (
	"fmt"
	"math"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/dratasich/signalk-go-client-sdk/events"
)

// Formula converts between the base unit and one display unit
//
// Expressions use the single free variable `value`, e.g. `value * 1.94384`.
type Formula struct {
	Unit    string
	Expr    string
	Inverse string
	Symbol  string

	forward *vm.Program
	inverse *vm.Program
}

func compileFormula(unit string, uc events.UnitConversion) (*Formula, error) {
	f := &Formula{
		Unit:    unit,
		Expr:    strings.TrimSpace(uc.Formula),
		Inverse: strings.TrimSpace(uc.InverseFormula),
		Symbol:  uc.Symbol,
	}
	if f.Symbol == "" {
		f.Symbol = unit
	}
	var err error
	if !isIdentity(f.Expr) {
		if f.forward, err = compile(f.Expr); err != nil {
			return nil, fmt.Errorf("formula %q: %w", f.Expr, err)
		}
	}
	if f.Inverse != "" && !isIdentity(f.Inverse) {
		if f.inverse, err = compile(f.Inverse); err != nil {
			return nil, fmt.Errorf("inverse formula %q: %w", f.Inverse, err)
		}
	}
	return f, nil
}

// Identity reports whether the formula leaves values unchanged
func (f *Formula) Identity() bool {
	return f.forward == nil
}

// HasInverse reports whether display values can be converted back
func (f *Formula) HasInverse() bool {
	return f.forward == nil || f.inverse != nil || f.Inverse == "value"
}

func (f *Formula) apply(v float64) (float64, error) {
	if f.forward == nil {
		return v, nil
	}
	return run(f.forward, v)
}

func (f *Formula) applyInverse(v float64) (float64, error) {
	switch {
	case f.forward == nil:
		return v, nil
	case f.inverse != nil:
		return run(f.inverse, v)
	case f.Inverse == "value":
		return v, nil
	default:
		return 0, ErrNoInverse
	}
}

func isIdentity(src string) bool {
	return src == "" || src == "value"
}

func compile(src string) (*vm.Program, error) {
	return expr.Compile(src, expr.Env(map[string]any{"value": 0.0}), expr.AsFloat64())
}

func run(p *vm.Program, v float64) (float64, error) {
	out, err := expr.Run(p, map[string]any{"value": v})
	if err != nil {
		return 0, err
	}
	f, ok := out.(float64)
	if !ok {
		return 0, fmt.Errorf("formula returned %T", out)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("formula returned %v", f)
	}
	return f, nil
}
