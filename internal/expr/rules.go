package expr

import (
	"fmt"
	"math"
)

// ConfigurationError is returned when a rule list is malformed or cannot
// produce a value.
type ConfigurationError struct {
	Path string
	Msg  string
	Err  error
}

func (e *ConfigurationError) Error() string {
	switch {
	case e.Err != nil && e.Msg != "":
		return fmt.Sprintf("%s: %s: %v", e.Path, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Path, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Path, e.Msg)
	}
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// Rule pairs a predicate with the value it selects.
type Rule[T any] struct {
	If   *Expr
	Then T
}

// Rules is an ordered list of rules ending in an optional default. It is
// immutable once built and safe for concurrent use.
type Rules[T any] struct {
	path       string
	rules      []Rule[T]
	def        T
	hasDefault bool
}

// NewRules builds a rule list. def may be nil when there is no else branch.
func NewRules[T any](path string, rules []Rule[T], def *T) Rules[T] {
	r := Rules[T]{path: path, rules: append([]Rule[T](nil), rules...)}
	if def != nil {
		r.def = *def
		r.hasDefault = true
	}
	return r
}

// Const returns a rule list that always yields v.
func Const[T any](path string, v T) Rules[T] {
	return Rules[T]{path: path, def: v, hasDefault: true}
}

// IsZero reports whether the list has neither rules nor a default.
func (r Rules[T]) IsZero() bool {
	return len(r.rules) == 0 && !r.hasDefault
}

// Eval returns the value of the first rule whose predicate matches env, or
// the default. Declaration order is significant.
func (r Rules[T]) Eval(env Env) (T, error) {
	for _, rule := range r.rules {
		if rule.If.Match(env) {
			return rule.Then, nil
		}
	}
	if r.hasDefault {
		return r.def, nil
	}
	var zero T
	return zero, &ConfigurationError{Path: r.path, Msg: "no rule matched and no else value is defined"}
}

// ParseRules converts a decoded configuration value into a rule list.
// Accepted shapes are a bare scalar, or an array whose entries are tables of
// the form {if = "...", then = V} with an optional trailing {else = V}.
// A nil raw value yields a zero Rules.
func ParseRules[T any](path string, raw interface{}, conv func(interface{}) (T, error)) (Rules[T], error) {
	if raw == nil {
		return Rules[T]{path: path}, nil
	}

	list, ok := raw.([]interface{})
	if !ok {
		v, err := conv(raw)
		if err != nil {
			return Rules[T]{}, &ConfigurationError{Path: path, Err: err}
		}
		return Const(path, v), nil
	}

	out := Rules[T]{path: path}
	for i, item := range list {
		entryPath := fmt.Sprintf("%s[%d]", path, i)
		tbl, ok := item.(map[string]interface{})
		if !ok {
			return Rules[T]{}, &ConfigurationError{Path: entryPath, Msg: "expected a table with if/then or else"}
		}
		if out.hasDefault {
			return Rules[T]{}, &ConfigurationError{Path: entryPath, Msg: "rule after else is unreachable"}
		}

		if elseVal, ok := tbl["else"]; ok {
			if len(tbl) != 1 {
				return Rules[T]{}, &ConfigurationError{Path: entryPath, Msg: "else must not be combined with other keys"}
			}
			v, err := conv(elseVal)
			if err != nil {
				return Rules[T]{}, &ConfigurationError{Path: entryPath + ".else", Err: err}
			}
			out.def = v
			out.hasDefault = true
			continue
		}

		src, ok := tbl["if"].(string)
		if !ok {
			return Rules[T]{}, &ConfigurationError{Path: entryPath, Msg: "missing string 'if' key"}
		}
		thenVal, ok := tbl["then"]
		if !ok {
			return Rules[T]{}, &ConfigurationError{Path: entryPath, Msg: "missing 'then' key"}
		}
		cond, err := Parse(src)
		if err != nil {
			return Rules[T]{}, &ConfigurationError{Path: entryPath + ".if", Err: err}
		}
		v, err := conv(thenVal)
		if err != nil {
			return Rules[T]{}, &ConfigurationError{Path: entryPath + ".then", Err: err}
		}
		out.rules = append(out.rules, Rule[T]{If: cond, Then: v})
	}
	return out, nil
}

// ToInt64 converts numeric configuration values.
func ToInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, fmt.Errorf("value %d out of range", n)
		}
		return int64(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("expected an integer, got %v", n)
		}
		return int64(n), nil
	}
	return 0, fmt.Errorf("expected an integer, got %T", v)
}

// ToBool converts boolean configuration values.
func ToBool(v interface{}) (bool, error) {
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("expected a boolean, got %T", v)
	}
	return b, nil
}
