package alert

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/jnarwell/wit-sub006/errors"
)

// ConditionKind discriminates condition variants.
type ConditionKind string

const (
	KindThreshold    ConditionKind = "threshold"
	KindRateOfChange ConditionKind = "rate_of_change"
	KindPattern      ConditionKind = "pattern"
	KindCorrelation  ConditionKind = "correlation"
)

// Condition is what an alert watches for. The set of implementations is closed.
type Condition interface {
	Kind() ConditionKind
	Validate() error
	condition()
}

// Threshold holds while the value is below Min or above Max.
type Threshold struct {
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`
}

// RateOfChange holds while the value changes faster than MaxPerSecond
// between consecutive readings, in either direction.
type RateOfChange struct {
	MaxPerSecond float64 `json:"max_per_second"`
}

// Pattern holds while the formatted value matches Regex.
type Pattern struct {
	Regex string `json:"regex"`
}

// Correlation pairs each reading of the alert's channel with the latest value
// of another sensor's channel. It holds while the Pearson coefficient over
// the last Window pairs is below MinCoefficient.
type Correlation struct {
	Sensor         uuid.UUID `json:"sensor"`
	Channel        uint16    `json:"channel"`
	Window         int       `json:"window"`
	MinCoefficient float64   `json:"min_coefficient"`
}

func (Threshold) Kind() ConditionKind    { return KindThreshold }
func (RateOfChange) Kind() ConditionKind { return KindRateOfChange }
func (Pattern) Kind() ConditionKind      { return KindPattern }
func (Correlation) Kind() ConditionKind  { return KindCorrelation }

func (Threshold) condition()    {}
func (RateOfChange) condition() {}
func (Pattern) condition()      {}
func (Correlation) condition()  {}

func (c Threshold) Validate() error {
	if c.Min == nil && c.Max == nil {
		return invalidCondition(KindThreshold, "needs min or max")
	}
	if c.Min != nil && c.Max != nil && *c.Min > *c.Max {
		return invalidCondition(KindThreshold, "min %g is above max %g", *c.Min, *c.Max)
	}
	for _, v := range []*float64{c.Min, c.Max} {
		if v != nil && math.IsNaN(*v) {
			return invalidCondition(KindThreshold, "bound is NaN")
		}
	}
	return nil
}

func (c RateOfChange) Validate() error {
	if !(c.MaxPerSecond > 0) || math.IsInf(c.MaxPerSecond, 0) {
		return invalidCondition(KindRateOfChange, "max_per_second must be positive")
	}
	return nil
}

func (c Pattern) Validate() error {
	if c.Regex == "" {
		return invalidCondition(KindPattern, "empty regex")
	}
	return nil
}

func (c Correlation) Validate() error {
	if c.Sensor == uuid.Nil {
		return invalidCondition(KindCorrelation, "missing sensor")
	}
	if c.Window < 3 {
		return invalidCondition(KindCorrelation, "window must hold at least 3 pairs")
	}
	if c.MinCoefficient < -1 || c.MinCoefficient > 1 {
		return invalidCondition(KindCorrelation, "min_coefficient %g outside [-1, 1]", c.MinCoefficient)
	}
	return nil
}

// Holds reports whether v is outside the bounds.
func (c Threshold) Holds(v float64) bool {
	return (c.Min != nil && v < *c.Min) || (c.Max != nil && v > *c.Max)
}

func invalidCondition(kind ConditionKind, format string, args ...any) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %s condition: "+format, append([]any{errors.ErrInvalidConfig, kind}, args...)...),
		"alert", "Validate", "validate condition")
}

type conditionEnvelope struct {
	Kind ConditionKind `json:"kind"`
}

// MarshalCondition encodes c as a JSON object with a "kind" discriminator.
func MarshalCondition(c Condition) ([]byte, error) {
	if c == nil {
		return []byte("null"), nil
	}
	body, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	fields["kind"], _ = json.Marshal(c.Kind())
	return json.Marshal(fields)
}

// UnmarshalCondition decodes and validates a condition object.
func UnmarshalCondition(data []byte) (Condition, error) {
	var env conditionEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.WrapInvalid(err, "alert", "UnmarshalCondition", "decode condition kind")
	}
	var (
		c   Condition
		err error
	)
	switch env.Kind {
	case KindThreshold:
		c, err = decodeAs[Threshold](data)
	case KindRateOfChange:
		c, err = decodeAs[RateOfChange](data)
	case KindPattern:
		c, err = decodeAs[Pattern](data)
	case KindCorrelation:
		c, err = decodeAs[Correlation](data)
	default:
		return nil, errors.WrapInvalid(fmt.Errorf("%w: unknown condition kind %q", errors.ErrInvalidConfig, env.Kind),
			"alert", "UnmarshalCondition", "resolve condition kind")
	}
	if err != nil {
		return nil, errors.WrapInvalid(err, "alert", "UnmarshalCondition", "decode condition")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func decodeAs[T Condition](data []byte) (Condition, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// pearson returns the correlation coefficient of xs and ys. ok is false when
// either series is constant.
func pearson(xs, ys []float64) (r float64, ok bool) {
	n := float64(len(xs))
	var sx, sy float64
	for i := range xs {
		sx += xs[i]
		sy += ys[i]
	}
	mx, my := sx/n, sy/n
	var cov, vx, vy float64
	for i := range xs {
		dx, dy := xs[i]-mx, ys[i]-my
		cov += dx * dy
		vx += dx * dx
		vy += dy * dy
	}
	if vx == 0 || vy == 0 {
		return 0, false
	}
	return cov / math.Sqrt(vx*vy), true
}
