package routing

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/irfndi/optiroute/internal/models"
)

// Condition operators.
const (
	OpEq       = "eq"
	OpGt       = "gt"
	OpLt       = "lt"
	OpGte      = "gte"
	OpLte      = "lte"
	OpIn       = "in"
	OpContains = "contains"
)

var (
	ErrUnknownField    = errors.New("unknown condition field")
	ErrUnknownOperator = errors.New("unknown condition operator")
	ErrBadValue        = errors.New("malformed condition value")
)

// ConditionInput is what rule conditions are evaluated against. Routing is
// entity-agnostic, so entity_type conditions always pass.
type ConditionInput struct {
	ComplexityScore     float64
	ComplexityLevel     models.ComplexityLevel
	ContentType         models.ContentType
	Strategy            models.Strategy
	CostSensitive       bool
	QualityCritical     bool
	RequireFastResponse bool
}

// MatchRule reports whether every condition of the rule holds. An error means
// the rule is malformed and must be skipped.
func MatchRule(rule models.RoutingRule, in ConditionInput) (bool, error) {
	for _, c := range rule.Conditions {
		ok, err := EvaluateCondition(c, in)
		if err != nil {
			return false, fmt.Errorf("rule %s: condition %s %s: %w", rule.ID, c.Field, c.Operator, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// EvaluateCondition checks one field/operator/value triple.
func EvaluateCondition(c models.RuleCondition, in ConditionInput) (bool, error) {
	op := strings.ToLower(strings.TrimSpace(c.Operator))
	switch strings.ToLower(strings.TrimSpace(c.Field)) {
	case "entity_type":
		return true, nil
	case "complexity_score":
		return compareNumber(op, in.ComplexityScore, c.Value)
	case "complexity_level":
		return compareString(op, string(in.ComplexityLevel), c.Value)
	case "content_type":
		return compareString(op, string(in.ContentType), c.Value)
	case "strategy":
		return compareString(op, string(in.Strategy), c.Value)
	case "cost_sensitive":
		return compareBool(op, in.CostSensitive, c.Value)
	case "quality_critical":
		return compareBool(op, in.QualityCritical, c.Value)
	case "require_fast_response":
		return compareBool(op, in.RequireFastResponse, c.Value)
	default:
		return false, ErrUnknownField
	}
}

func compareNumber(op string, actual float64, raw json.RawMessage) (bool, error) {
	if op == OpIn {
		var list []float64
		if err := json.Unmarshal(raw, &list); err != nil {
			return false, ErrBadValue
		}
		for _, v := range list {
			if v == actual {
				return true, nil
			}
		}
		return false, nil
	}

	var want float64
	if err := json.Unmarshal(raw, &want); err != nil {
		return false, ErrBadValue
	}
	switch op {
	case OpEq:
		return actual == want, nil
	case OpGt:
		return actual > want, nil
	case OpLt:
		return actual < want, nil
	case OpGte:
		return actual >= want, nil
	case OpLte:
		return actual <= want, nil
	default:
		return false, ErrUnknownOperator
	}
}

func compareString(op, actual string, raw json.RawMessage) (bool, error) {
	actual = strings.ToLower(actual)
	switch op {
	case OpEq, OpContains:
		var want string
		if err := json.Unmarshal(raw, &want); err != nil {
			return false, ErrBadValue
		}
		want = strings.ToLower(want)
		if op == OpEq {
			return actual == want, nil
		}
		return strings.Contains(actual, want), nil
	case OpIn:
		var list []string
		if err := json.Unmarshal(raw, &list); err != nil {
			return false, ErrBadValue
		}
		for _, v := range list {
			if strings.ToLower(v) == actual {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, ErrUnknownOperator
	}
}

func compareBool(op string, actual bool, raw json.RawMessage) (bool, error) {
	if op != OpEq {
		return false, ErrUnknownOperator
	}
	var want bool
	if err := json.Unmarshal(raw, &want); err != nil {
		return false, ErrBadValue
	}
	return actual == want, nil
}
