package alerting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eddielth/agri-pipeline/cache"
	"github.com/eddielth/agri-pipeline/event"
	"github.com/eddielth/agri-pipeline/storage"
)

// ErrUnknownCondition is returned for rule conditions other than >, < and ==
var ErrUnknownCondition = errors.New("unknown condition")

// Violated reports whether value breaks "value <condition> threshold"
func Violated(condition string, value, threshold float64) (bool, error) {
	switch condition {
	case ">":
		return value > threshold, nil
	case "<":
		return value < threshold, nil
	case "==":
		return value == threshold, nil
	default:
		return false, fmt.Errorf("%w: %q", ErrUnknownCondition, condition)
	}
}

// Evaluation is the state a reading carries through the pipeline
type Evaluation struct {
	Reading event.Reading
	Now     time.Time

	Rules      []event.Rule
	Matched    []event.Rule
	Violations []event.Rule
	Alerts     []event.Alert

	// RuleErrors collects rules that could not be evaluated
	RuleErrors []error
}

// Stage transforms an evaluation; stop ends the pipeline early without error
type Stage func(ctx context.Context, ev *Evaluation) (stop bool, err error)

// Pipeline runs its stages in order
type Pipeline []Stage

// Run executes the stages until one stops or fails
func (p Pipeline) Run(ctx context.Context, ev *Evaluation) error {
	for _, stage := range p {
		stop, err := stage(ctx, ev)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}
	return nil
}

// DefaultPipeline loads rules cache-first, then matches, evaluates and builds alerts
func DefaultPipeline(rules *cache.RuleCache, store storage.RuleStore) Pipeline {
	return Pipeline{
		LoadRules(rules, store),
		MatchSensorType,
		Evaluate,
		BuildAlerts,
	}
}

// LoadRules fetches the reading's field rules through the cache
func LoadRules(rules *cache.RuleCache, store storage.RuleStore) Stage {
	return func(ctx context.Context, ev *Evaluation) (bool, error) {
		loaded, err := rules.GetOrLoad(ctx, ev.Reading.FieldID, store.RulesForField)
		if err != nil {
			return false, fmt.Errorf("load rules for %s: %w", ev.Reading.FieldID, err)
		}
		ev.Rules = loaded
		return len(loaded) == 0, nil
	}
}

// MatchSensorType keeps the rules written for the reading's sensor type
func MatchSensorType(_ context.Context, ev *Evaluation) (bool, error) {
	ev.Matched = ev.Matched[:0]
	for _, r := range ev.Rules {
		if r.SensorType == ev.Reading.SensorType {
			ev.Matched = append(ev.Matched, r)
		}
	}
	return len(ev.Matched) == 0, nil
}

// Evaluate keeps the matched rules the reading violates. Rules that cannot be
// evaluated are recorded in RuleErrors and skipped.
func Evaluate(_ context.Context, ev *Evaluation) (bool, error) {
	for _, r := range ev.Matched {
		violated, err := Violated(r.Condition, ev.Reading.Value, r.Threshold)
		if err != nil {
			ev.RuleErrors = append(ev.RuleErrors, fmt.Errorf("rule %d: %w", r.ID, err))
			continue
		}
		if violated {
			ev.Violations = append(ev.Violations, r)
		}
	}
	return len(ev.Violations) == 0, nil
}

// BuildAlerts turns every violation into an alert stamped with the evaluation time
func BuildAlerts(_ context.Context, ev *Evaluation) (bool, error) {
	for _, r := range ev.Violations {
		ev.Alerts = append(ev.Alerts, event.Alert{
			SensorType: r.SensorType,
			Message:    r.Message,
			FieldID:    r.FieldID,
			OwnerID:    r.OwnerID,
			Timestamp:  ev.Now,
		})
	}
	return false, nil
}
