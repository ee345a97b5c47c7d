package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/flowmill/orchestrator/pkg/interpreter"
	"github.com/flowmill/orchestrator/pkg/workflow"
)

// ConditionHandler branches on a field read from state. Config: {field,
// operator in {eq,ne,gt,lt,contains}, value, onTrue, onFalse}. Numeric
// operators (gt, lt) coerce both operands to float64.
type ConditionHandler struct{}

func (ConditionHandler) Execute(ctx context.Context, step *workflow.Step, execCtx *interpreter.Context) (interpreter.HandlerResult, error) {
	field, _ := step.Config["field"].(string)
	operator, _ := step.Config["operator"].(string)
	expected := step.Config["value"]
	onTrue, _ := step.Config["onTrue"].(string)
	onFalse, _ := step.Config["onFalse"].(string)

	actual, _ := execCtx.State.Get(field)

	matched, err := evaluate(operator, actual, expected)
	if err != nil {
		return interpreter.HandlerResult{}, err
	}

	var next *string
	if matched {
		if onTrue != "" {
			next = &onTrue
		}
	} else {
		if onFalse != "" {
			next = &onFalse
		}
	}

	return interpreter.HandlerResult{
		Output: workflow.State{"condition": matched},
		Next:   next,
	}, nil
}

func evaluate(operator string, actual, expected any) (bool, error) {
	switch operator {
	case "eq":
		return fmt.Sprint(actual) == fmt.Sprint(expected), nil
	case "ne":
		return fmt.Sprint(actual) != fmt.Sprint(expected), nil
	case "contains":
		a, _ := actual.(string)
		e, _ := expected.(string)
		return strings.Contains(a, e), nil
	case "gt", "lt":
		a, aok := toNumber(actual)
		e, eok := toNumber(expected)
		if !aok || !eok {
			return false, fmt.Errorf("condition: %s requires numeric operands", operator)
		}
		if operator == "gt" {
			return a > e, nil
		}
		return a < e, nil
	default:
		return false, fmt.Errorf("condition: unknown operator %q", operator)
	}
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
