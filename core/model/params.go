package model

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/YuminosukeSato/metaboptim/pkg/errors"
)

// Params stores hyper-parameters for a model. It is a map between parameter
// names and values. For example, a random forest could be configured by:
//
//	model.Params{
//		"n_estimators": 200,
//		"max_depth":    6,
//		"max_features": "sqrt",
//	}
//
// Values coming out of the search space are float64, int, string or bool.
type Params map[string]any

// Copy hyper-parameters.
func (p Params) Copy() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Overwrite returns a new Params with the entries of other on top of p.
func (p Params) Overwrite(other Params) Params {
	merged := p.Copy()
	for k, v := range other {
		merged[k] = v
	}
	return merged
}

// Keys returns the parameter names in sorted order.
func (p Params) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// GetInt gets an integer parameter. Whole float64 values are accepted.
func (p Params) GetInt(name string, def int) (int, error) {
	v, ok := p[name]
	if !ok {
		return def, nil
	}
	switch v := v.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v == math.Trunc(v) {
			return int(v), nil
		}
	}
	return def, errors.NewConfigurationError("Params.GetInt", name, "expected an integer", v)
}

// GetFloat gets a float parameter. Integers are converted.
func (p Params) GetFloat(name string, def float64) (float64, error) {
	v, ok := p[name]
	if !ok {
		return def, nil
	}
	switch v := v.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	}
	return def, errors.NewConfigurationError("Params.GetFloat", name, "expected a number", v)
}

// GetString gets a string parameter.
func (p Params) GetString(name string, def string) (string, error) {
	v, ok := p[name]
	if !ok {
		return def, nil
	}
	if s, ok := v.(string); ok {
		return s, nil
	}
	return def, errors.NewConfigurationError("Params.GetString", name, "expected a string", v)
}

// GetBool gets a boolean parameter. The strings "true" and "false" are accepted.
func (p Params) GetBool(name string, def bool) (bool, error) {
	v, ok := p[name]
	if !ok {
		return def, nil
	}
	switch v := v.(type) {
	case bool:
		return v, nil
	case string:
		switch strings.ToLower(v) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
	}
	return def, errors.NewConfigurationError("Params.GetBool", name, "expected a boolean", v)
}

// RequireKnown rejects parameter names that the model does not understand.
func (p Params) RequireKnown(op string, known ...string) error {
	allowed := make(map[string]struct{}, len(known))
	for _, k := range known {
		allowed[k] = struct{}{}
	}
	for _, k := range p.Keys() {
		if _, ok := allowed[k]; !ok {
			return errors.NewConfigurationError(op, k, "unknown hyperparameter", p[k])
		}
	}
	return nil
}

// String renders the parameters as JSON with sorted keys.
func (p Params) String() string {
	b, err := json.Marshal(map[string]any(p))
	if err != nil {
		return fmt.Sprintf("%v", map[string]any(p))
	}
	return string(b)
}
