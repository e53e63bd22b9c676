// Package option validates caller-selected assignment options and resolves
// them into environment overlays.
package option

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/archlab/labrunner/labspec"
)

// InvalidOptionError reports an option key or value the descriptor does not allow
type InvalidOptionError struct {
	Key     string
	Value   string
	Allowed []string // allowed keys when the key is unknown, otherwise allowed values
	BadKey  bool
}

func (e *InvalidOptionError) Error() string {
	if e.BadKey {
		return fmt.Sprintf("illegal user option %q. Valid options are [%s]", e.Key, strings.Join(e.Allowed, ", "))
	}
	return fmt.Sprintf("illegal value %q for user option %q. Valid values are [%s]", e.Value, e.Key, strings.Join(e.Allowed, ", "))
}

// Validate checks the options against the valid option set
func Validate(options map[string]string, valid map[string]labspec.Resolver) error {
	for _, k := range slices.Sorted(maps.Keys(options)) {
		if err := validateOne(k, options[k], valid); err != nil {
			return err
		}
	}
	return nil
}

func validateOne(k, v string, valid map[string]labspec.Resolver) error {
	r, ok := valid[k]
	if !ok {
		return &InvalidOptionError{
			Key:     k,
			Value:   v,
			Allowed: slices.Sorted(maps.Keys(valid)),
			BadKey:  true,
		}
	}
	if !r.IsTable() {
		return nil
	}
	if _, ok := r.Values[v]; !ok {
		return &InvalidOptionError{
			Key:     k,
			Value:   v,
			Allowed: r.AllowedValues(),
		}
	}
	return nil
}

// Resolve validates both the explicit options and the defaults and returns
// the combined overlay. Defaults not overridden are applied first so that
// explicit choices win on key collisions.
func Resolve(options map[string]string, valid map[string]labspec.Resolver, defaults map[string]string) (labspec.Overlay, error) {
	if err := Validate(options, valid); err != nil {
		return nil, err
	}
	if err := Validate(defaults, valid); err != nil {
		return nil, err
	}

	rt := make(labspec.Overlay)
	for _, k := range slices.Sorted(maps.Keys(defaults)) {
		if _, ok := options[k]; ok {
			continue
		}
		o, _ := valid[k].Resolve(defaults[k])
		rt.Merge(o)
	}
	for _, k := range slices.Sorted(maps.Keys(options)) {
		o, _ := valid[k].Resolve(options[k])
		rt.Merge(o)
	}
	return rt, nil
}

// Apply resolves the options and merges the result into env. env is left
// untouched when validation fails.
func Apply(env labspec.Overlay, options map[string]string, valid map[string]labspec.Resolver, defaults map[string]string) error {
	o, err := Resolve(options, valid, defaults)
	if err != nil {
		return err
	}
	env.Merge(o)
	return nil
}

// ParseAssignment parses a single key=value option
func ParseAssignment(s string) (key, value string, err error) {
	k, v, ok := strings.Cut(s, "=")
	if !ok || k == "" {
		return "", "", fmt.Errorf("option %q is not of the form key=value", s)
	}
	return k, v, nil
}
