package parser

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"gopkg.in/Knetic/govaluate.v3"
)

// Properties holds xacro-style named values, unevaluated.
type Properties map[string]string

var exprFunctions = map[string]govaluate.ExpressionFunction{
	"radians": unary(func(v float64) float64 { return v * math.Pi / 180 }),
	"degrees": unary(func(v float64) float64 { return v * 180 / math.Pi }),
	"sin":     unary(math.Sin),
	"cos":     unary(math.Cos),
	"tan":     unary(math.Tan),
	"sqrt":    unary(math.Sqrt),
	"abs":     unary(math.Abs),
}

func unary(fn func(float64) float64) govaluate.ExpressionFunction {
	return func(args ...interface{}) (interface{}, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("expected 1 argument, got %d", len(args))
		}
		v, ok := args[0].(float64)
		if !ok {
			return nil, fmt.Errorf("argument is not numeric: %v", args[0])
		}
		return fn(v), nil
	}
}

// Evaluator expands ${...} expressions against a property set.
type Evaluator struct {
	props  Properties
	values map[string]interface{}
	busy   map[string]bool
}

// NewEvaluator creates an Evaluator with pi and e predefined.
func NewEvaluator(props Properties) *Evaluator {
	return &Evaluator{
		props:  props,
		values: map[string]interface{}{"pi": math.Pi, "e": math.E},
		busy:   make(map[string]bool),
	}
}

// Expand replaces each ${expr} in s by its numeric value. Text without
// expressions is returned unchanged.
func (ev *Evaluator) Expand(s string) (string, error) {
	if !strings.Contains(s, "${") {
		return s, nil
	}
	var b strings.Builder
	rest := s
	for {
		start := strings.Index(rest, "${")
		if start < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.Index(rest[start:], "}")
		if end < 0 {
			return "", fmt.Errorf("unterminated expression in %q", s)
		}
		b.WriteString(rest[:start])
		v, err := ev.eval(rest[start+2 : start+end])
		if err != nil {
			return "", err
		}
		b.WriteString(formatValue(v))
		rest = rest[start+end+1:]
	}
	return b.String(), nil
}

func (ev *Evaluator) eval(expression string) (interface{}, error) {
	e, err := govaluate.NewEvaluableExpressionWithFunctions(expression, exprFunctions)
	if err != nil {
		return nil, fmt.Errorf("expression %q: %w", expression, err)
	}
	params := make(map[string]interface{}, len(ev.values))
	for k, v := range ev.values {
		params[k] = v
	}
	for _, name := range e.Vars() {
		if _, ok := params[name]; ok {
			continue
		}
		v, err := ev.property(name)
		if err != nil {
			return nil, err
		}
		params[name] = v
	}
	v, err := e.Evaluate(params)
	if err != nil {
		return nil, fmt.Errorf("expression %q: %w", expression, err)
	}
	return v, nil
}

func (ev *Evaluator) property(name string) (interface{}, error) {
	if v, ok := ev.values[name]; ok {
		return v, nil
	}
	raw, ok := ev.props[name]
	if !ok {
		return nil, fmt.Errorf("undefined property %q", name)
	}
	if ev.busy[name] {
		return nil, fmt.Errorf("property %q refers to itself", name)
	}
	ev.busy[name] = true
	defer delete(ev.busy, name)

	expanded, err := ev.Expand(raw)
	if err != nil {
		return nil, err
	}
	var v interface{} = expanded
	if f, err := strconv.ParseFloat(strings.TrimSpace(expanded), 64); err == nil {
		v = f
	}
	ev.values[name] = v
	return v, nil
}

func formatValue(v interface{}) string {
	switch x := v.(type) {
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}
