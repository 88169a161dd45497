package gates

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/conductor-ci/conductor/internal/expressions"
	"github.com/conductor-ci/conductor/pkg/schema"
)

// System evaluates weighted quality criteria against analysis payloads at
// workflow transition points. Safe for concurrent use.
type System struct {
	mu       sync.RWMutex
	profiles map[schema.GateType]gateProfile

	jq     *expressions.GoJQEngine
	expr   *expressions.ExprEngine
	logger *slog.Logger
}

// Option customizes a System.
type Option func(*System)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *System) { s.logger = l }
}

// NewSystem creates a System with the default gate profiles.
func NewSystem(opts ...Option) *System {
	s := &System{
		profiles: defaultProfiles(),
		jq:       expressions.NewGoJQEngine(),
		expr:     expressions.NewExprEngine(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Criteria returns a copy of the active criteria for a gate type.
func (s *System) Criteria(gateType schema.GateType) []schema.GateCriterion {
	s.mu.RLock()
	defer s.mu.RUnlock()

	profile := s.profiles[gateType]
	out := make([]schema.GateCriterion, len(profile.criteria))
	copy(out, profile.criteria)
	return out
}

// SetCriteria replaces the criteria for a gate type, e.g. after applying an
// adaptation suggestion. Thresholds for the verdict are unchanged.
func (s *System) SetCriteria(gateType schema.GateType, criteria []schema.GateCriterion) {
	s.mu.Lock()
	defer s.mu.Unlock()

	profile := s.profiles[gateType]
	profile.criteria = make([]schema.GateCriterion, len(criteria))
	copy(profile.criteria, criteria)
	s.profiles[gateType] = profile
}

// ExecuteGate evaluates every criterion of the gate type against the analysis
// payload and aggregates into a weighted score and verdict. A failed required
// criterion forces FAILED regardless of the aggregate score.
func (s *System) ExecuteGate(ctx context.Context, gateType schema.GateType, executionID string, data map[string]any) (*schema.GateResult, error) {
	s.mu.RLock()
	profile, ok := s.profiles[gateType]
	s.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown gate type %q", gateType)
	}

	result := &schema.GateResult{
		GateType:    gateType,
		ExecutionID: executionID,
		EvaluatedAt: time.Now().UTC(),
	}

	var weightedSum, totalWeight float64
	requiredFailed := false

	for _, criterion := range profile.criteria {
		cr := s.evaluateCriterion(ctx, criterion, data)
		result.Criteria = append(result.Criteria, cr)

		weight := criterion.Weight
		if weight <= 0 {
			weight = 1
		}
		weightedSum += cr.Score * weight
		totalWeight += weight

		if criterion.Required && !cr.Passed {
			requiredFailed = true
		}
		if !cr.Passed {
			result.Recommendations = append(result.Recommendations,
				recommendation(criterion, cr))
		}
	}

	if totalWeight > 0 {
		result.Score = weightedSum / totalWeight
	}

	switch {
	case requiredFailed:
		result.Status = schema.GateFailed
	case result.Score >= profile.passThreshold:
		result.Status = schema.GatePassed
	case result.Score >= profile.warningThreshold:
		result.Status = schema.GateWarning
	default:
		result.Status = schema.GateFailed
	}

	s.logger.Info("gate evaluated",
		"gate_type", gateType,
		"execution_id", executionID,
		"status", result.Status,
		"score", result.Score)

	return result, nil
}

// evaluateCriterion resolves the measured value and scores it. A metric that
// cannot be resolved counts as failed with zero score.
func (s *System) evaluateCriterion(ctx context.Context, criterion schema.GateCriterion, data map[string]any) schema.CriterionResult {
	cr := schema.CriterionResult{
		Name:     criterion.Name,
		Required: criterion.Required,
	}

	value, found := s.lookupValue(ctx, criterion, data)
	if !found {
		cr.Missing = true
		return cr
	}

	cr.Value = value
	cr.Passed = compare(value, criterion.Threshold, criterion.Operator)
	if cr.Passed {
		cr.Score = 1.0
	} else {
		cr.Score = proximityScore(value, criterion.Threshold, criterion.Operator)
	}
	return cr
}

// lookupValue resolves a criterion's measured value with fallback precedence:
// direct key in the payload, then the jq Source path, then the Expression.
func (s *System) lookupValue(ctx context.Context, criterion schema.GateCriterion, data map[string]any) (float64, bool) {
	if raw, ok := data[criterion.Name]; ok {
		if v, ok := toFloat(raw); ok {
			return v, true
		}
	}

	if criterion.Source != "" {
		out, err := s.jq.Evaluate(ctx, criterion.Source, data)
		if err == nil {
			if v, ok := toFloat(out); ok {
				return v, true
			}
		} else {
			s.logger.Debug("jq source failed", "criterion", criterion.Name, "error", err)
		}
	}

	if criterion.Expression != "" {
		out, err := s.expr.Evaluate(ctx, criterion.Expression, data)
		if err == nil {
			if v, ok := toFloat(out); ok {
				return v, true
			}
		} else {
			s.logger.Debug("expression failed", "criterion", criterion.Name, "error", err)
		}
	}

	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

func recommendation(criterion schema.GateCriterion, cr schema.CriterionResult) string {
	if cr.Missing {
		return fmt.Sprintf("%s: metric missing from analysis payload", criterion.Name)
	}
	return fmt.Sprintf("%s: measured %.3g, needs %s %.3g",
		criterion.Name, cr.Value, criterion.Operator, criterion.Threshold)
}
