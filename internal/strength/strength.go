// Package strength combines the three link confidences of an explanation
// chain into one score.
package strength

import (
	"fmt"
	"math"
	"strings"

	"github.com/google/cel-go/cel"
)

// Links are the confidences of the Issuer→Drug, Drug→Target and
// Target→Disease assertions.
type Links struct {
	IssuerDrug    float64
	DrugTarget    float64
	TargetDisease float64
}

// Strategy turns links into a chain strength in [0,1].
type Strategy interface {
	Name() string
	Combine(Links) (float64, error)
}

// Strategy names accepted in configuration.
const (
	Product = "product"
	Min     = "min"
	Mean    = "mean"
	CEL     = "cel"
)

// Parse builds a strategy by name. expr is only read for the cel strategy.
func Parse(name, expr string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", Product:
		return funcStrategy{Product, func(l Links) float64 { return l.IssuerDrug * l.DrugTarget * l.TargetDisease }}, nil
	case Min:
		return funcStrategy{Min, func(l Links) float64 { return math.Min(l.IssuerDrug, math.Min(l.DrugTarget, l.TargetDisease)) }}, nil
	case Mean:
		return funcStrategy{Mean, func(l Links) float64 { return (l.IssuerDrug + l.DrugTarget + l.TargetDisease) / 3 }}, nil
	case CEL:
		return NewExpression(expr)
	}
	return nil, fmt.Errorf("unknown strength strategy %q", name)
}

type funcStrategy struct {
	name string
	fn   func(Links) float64
}

func (f funcStrategy) Name() string { return f.name }

func (f funcStrategy) Combine(l Links) (float64, error) {
	return round(f.fn(l)), nil
}

// Expression evaluates a CEL formula over issuer_drug, drug_target and
// target_disease. The formula must produce a double.
type Expression struct {
	source string
	prg    cel.Program
}

// NewExpression compiles and type-checks a CEL formula.
func NewExpression(source string) (*Expression, error) {
	if strings.TrimSpace(source) == "" {
		return nil, fmt.Errorf("cel strategy requires an expression")
	}
	env, err := cel.NewEnv(
		cel.Variable("issuer_drug", cel.DoubleType),
		cel.Variable("drug_target", cel.DoubleType),
		cel.Variable("target_disease", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("creating CEL env: %w", err)
	}
	ast, issues := env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compiling strength expression: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.DoubleType) {
		return nil, fmt.Errorf("strength expression must yield double, got %s", ast.OutputType())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("building strength program: %w", err)
	}
	return &Expression{source: source, prg: prg}, nil
}

func (e *Expression) Name() string { return CEL }

// Source returns the formula text.
func (e *Expression) Source() string { return e.source }

// Combine evaluates the formula and clamps the result to [0,1].
func (e *Expression) Combine(l Links) (float64, error) {
	out, _, err := e.prg.Eval(map[string]any{
		"issuer_drug":    l.IssuerDrug,
		"drug_target":    l.DrugTarget,
		"target_disease": l.TargetDisease,
	})
	if err != nil {
		return 0, fmt.Errorf("evaluating strength expression: %w", err)
	}
	v, ok := out.Value().(float64)
	if !ok {
		return 0, fmt.Errorf("strength expression returned %T", out.Value())
	}
	if math.IsNaN(v) {
		return 0, fmt.Errorf("strength expression returned NaN")
	}
	return round(math.Max(0, math.Min(1, v))), nil
}

func round(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
