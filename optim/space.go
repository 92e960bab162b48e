// Package optim runs cross-validated hyperparameter search.
//
// A search draws assignments from a Space with goptuna's TPE sampler, scores
// every assignment on each split of a dataset (Evaluator), and spreads the
// trial budget over worker processes that share a single ledger
// (Coordinator). Optimizer ties it together: split, search, then refit the
// best model on all rows.
package optim

import (
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/c-bata/goptuna"
	"github.com/samber/lo"

	"github.com/YuminosukeSato/metaboptim/core/model"
	"github.com/YuminosukeSato/metaboptim/pkg/errors"
)

// Suggester is the part of a Bayesian search trial that draws values.
// *goptuna.Trial satisfies it.
type Suggester interface {
	SuggestFloat(name string, low, high float64) (float64, error)
	SuggestLogFloat(name string, low, high float64) (float64, error)
	SuggestInt(name string, low, high int) (int, error)
	SuggestCategorical(name string, choices []string) (string, error)
}

var _ Suggester = (*goptuna.Trial)(nil)

// ParamRange is the domain of one hyperparameter: either a continuous
// [Min, Max] range (optionally integer valued, optionally log scaled) or a
// discrete set of values.
//
// Fields are exported so a range can travel to worker processes; build
// ranges with NewParamRange, which validates them.
type ParamRange struct {
	Bounded bool
	Min     float64
	Max     float64
	Log     bool
	Integer bool

	// Values holds the discrete set. Elements are strings, bools, ints or
	// float64s.
	Values []any
}

// RangeOption configures a ParamRange.
type RangeOption func(*ParamRange)

// WithBounds sets a continuous range.
func WithBounds(min, max float64) RangeOption {
	return func(r *ParamRange) {
		r.Bounded = true
		r.Min, r.Max = min, max
	}
}

// WithDiscrete sets a discrete set of allowed values.
func WithDiscrete(values ...any) RangeOption {
	return func(r *ParamRange) { r.Values = append([]any(nil), values...) }
}

// WithLog samples the range on a log scale.
func WithLog() RangeOption {
	return func(r *ParamRange) { r.Log = true }
}

// WithInteger restricts the range to integers.
func WithInteger() RangeOption {
	return func(r *ParamRange) { r.Integer = true }
}

// NewParamRange builds and validates a range.
func NewParamRange(opts ...RangeOption) (*ParamRange, error) {
	r := &ParamRange{}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.validate(""); err != nil {
		return nil, err
	}
	return r, nil
}

// MustParamRange is NewParamRange that panics on error, for package-level
// search grids.
func MustParamRange(opts ...RangeOption) *ParamRange {
	r, err := NewParamRange(opts...)
	if err != nil {
		panic(err)
	}
	return r
}

// FloatRange is a uniform float range.
func FloatRange(min, max float64) *ParamRange {
	return MustParamRange(WithBounds(min, max))
}

// LogFloatRange is a log-uniform float range.
func LogFloatRange(min, max float64) *ParamRange {
	return MustParamRange(WithBounds(min, max), WithLog())
}

// IntRange is a uniform integer range.
func IntRange(min, max int) *ParamRange {
	return MustParamRange(WithBounds(float64(min), float64(max)), WithInteger())
}

// Choice is a discrete set.
func Choice(values ...any) *ParamRange {
	return MustParamRange(WithDiscrete(values...))
}

// IsDiscrete reports whether the range is a discrete set.
func (r *ParamRange) IsDiscrete() bool { return !r.Bounded }

func (r *ParamRange) validate(name string) error {
	const op = "ParamRange"
	bad := func(reason string, value any) error {
		return errors.NewConfigurationError(op, name, reason, value)
	}

	switch {
	case r.Bounded && r.Values != nil:
		return bad("both bounds and a discrete set are given", r.Values)
	case !r.Bounded && r.Values == nil:
		return bad("neither bounds nor a discrete set is given", nil)
	}

	if !r.Bounded {
		if len(r.Values) == 0 {
			return bad("discrete set is empty", r.Values)
		}
		if r.Log || r.Integer {
			return bad("log and integer apply to bounded ranges only", r.Values)
		}
		seen := map[string]bool{}
		for _, v := range r.Values {
			enc, err := encodeChoice(v)
			if err != nil {
				return bad(err.Error(), v)
			}
			if seen[enc] {
				return bad("duplicate discrete value", v)
			}
			seen[enc] = true
		}
		return nil
	}

	if math.IsNaN(r.Min) || math.IsNaN(r.Max) || math.IsInf(r.Min, 0) || math.IsInf(r.Max, 0) {
		return bad("bounds must be finite", []float64{r.Min, r.Max})
	}
	if r.Min >= r.Max {
		return bad("min must be below max", []float64{r.Min, r.Max})
	}
	if r.Log && r.Min <= 0 {
		return bad("log scale requires min > 0", r.Min)
	}
	if r.Integer && (r.Min != math.Trunc(r.Min) || r.Max != math.Trunc(r.Max)) {
		return bad("integer bounds must be whole numbers", []float64{r.Min, r.Max})
	}
	return nil
}

// Sample draws one value for name from s. It returns the typed value and
// its string encoding, as recorded in the ledger.
func (r *ParamRange) Sample(s Suggester, name string) (any, string, error) {
	if !r.Bounded {
		choices := r.choices()
		picked, err := s.SuggestCategorical(name, choices)
		if err != nil {
			return nil, "", errors.Wrapf(err, "suggest %s", name)
		}
		v, err := r.decode(picked)
		return v, picked, err
	}

	switch {
	case r.Integer && r.Log:
		f, err := s.SuggestLogFloat(name, r.Min, r.Max)
		if err != nil {
			return nil, "", errors.Wrapf(err, "suggest %s", name)
		}
		v := int(math.Max(r.Min, math.Min(r.Max, math.Round(f))))
		return v, strconv.Itoa(v), nil
	case r.Integer:
		v, err := s.SuggestInt(name, int(r.Min), int(r.Max))
		if err != nil {
			return nil, "", errors.Wrapf(err, "suggest %s", name)
		}
		return v, strconv.Itoa(v), nil
	case r.Log:
		v, err := s.SuggestLogFloat(name, r.Min, r.Max)
		if err != nil {
			return nil, "", errors.Wrapf(err, "suggest %s", name)
		}
		return v, formatFloat(v), nil
	default:
		v, err := s.SuggestFloat(name, r.Min, r.Max)
		if err != nil {
			return nil, "", errors.Wrapf(err, "suggest %s", name)
		}
		return v, formatFloat(v), nil
	}
}

func (r *ParamRange) choices() []string {
	return lo.Map(r.Values, func(v any, _ int) string {
		enc, _ := encodeChoice(v)
		return enc
	})
}

// decode maps a recorded string back to a typed value of this range.
func (r *ParamRange) decode(s string) (any, error) {
	if !r.Bounded {
		for _, v := range r.Values {
			if enc, _ := encodeChoice(v); enc == s {
				return v, nil
			}
		}
		return nil, errors.NewDataIntegrityErrorf("ParamRange.decode", "%q is not one of %v", s, r.Values)
	}
	if r.Integer {
		v, err := strconv.Atoi(s)
		if err != nil {
			return nil, errors.Wrapf(err, "decode %q", s)
		}
		return v, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %q", s)
	}
	return v, nil
}

func encodeChoice(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case bool:
		return strconv.FormatBool(x), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case float64:
		return formatFloat(x), nil
	default:
		return "", errors.Newf("unsupported discrete value type %T", v)
	}
}

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

// Space maps hyperparameter names to their ranges.
type Space map[string]*ParamRange

// Names returns the parameter names in sorted order.
func (s Space) Names() []string {
	names := lo.Keys(s)
	sort.Strings(names)
	return names
}

// Validate checks every range in the space.
func (s Space) Validate() error {
	for _, name := range s.Names() {
		r := s[name]
		if r == nil {
			return errors.NewConfigurationError("Space", name, "range is nil", nil)
		}
		if err := r.validate(name); err != nil {
			return err
		}
	}
	return nil
}

// Sample draws a full assignment, one parameter at a time in name order.
func (s Space) Sample(sg Suggester) (model.Params, map[string]string, error) {
	params := make(model.Params, len(s))
	encoded := make(map[string]string, len(s))
	for _, name := range s.Names() {
		v, enc, err := s[name].Sample(sg, name)
		if err != nil {
			return nil, nil, err
		}
		params[name] = v
		encoded[name] = enc
	}
	return params, encoded, nil
}

// Decode rebuilds typed parameters from their recorded encoding. Names that
// are not part of the space are an error.
func (s Space) Decode(encoded map[string]string) (model.Params, error) {
	params := make(model.Params, len(encoded))
	for name, enc := range encoded {
		r, ok := s[name]
		if !ok {
			return nil, errors.NewDataIntegrityErrorf("Space.Decode", "parameter %q is not in the search space", name)
		}
		v, err := r.decode(enc)
		if err != nil {
			return nil, err
		}
		params[name] = v
	}
	return params, nil
}

// String renders the space for logs.
func (s Space) String() string {
	out := "{"
	for i, name := range s.Names() {
		if i > 0 {
			out += ", "
		}
		r := s[name]
		switch {
		case !r.Bounded:
			out += fmt.Sprintf("%s: %v", name, r.Values)
		case r.Log:
			out += fmt.Sprintf("%s: log[%g, %g]", name, r.Min, r.Max)
		default:
			out += fmt.Sprintf("%s: [%g, %g]", name, r.Min, r.Max)
		}
	}
	return out + "}"
}
