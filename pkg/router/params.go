package router

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// BindParams populates a struct from path params. The target must be a
// pointer to a struct with `param` tags. A splat param binds to a []string
// field split on "/".
//
//	var p struct {
//		PostID int `param:"postId"`
//	}
//	err := router.BindParams(m.Params, &p)
func BindParams(params map[string]string, target any) error {
	return bind(target, "param", func(name string) (any, bool) {
		v, ok := params[name]
		return v, ok
	})
}

// BindSearch populates a struct from search params with `search` tags.
// Values produced by JSONSearch (numbers, bools, strings, lists) are
// converted to the field type.
func BindSearch(search map[string]any, target any) error {
	return bind(target, "search", func(name string) (any, bool) {
		v, ok := search[name]
		return v, ok
	})
}

func bind(target any, tag string, lookup func(string) (any, bool)) error {
	if target == nil {
		return nil
	}

	v := reflect.ValueOf(target)
	if v.Kind() != reflect.Ptr {
		return fmt.Errorf("target must be a pointer, got %s", v.Kind())
	}
	v = v.Elem()
	if v.Kind() != reflect.Struct {
		return fmt.Errorf("target must be a pointer to struct, got pointer to %s", v.Kind())
	}

	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		name := field.Tag.Get(tag)
		if name == "" {
			continue
		}
		value, ok := lookup(name)
		if !ok {
			continue
		}
		fv := v.Field(i)
		if !fv.CanSet() {
			continue
		}
		if err := setField(fv, value); err != nil {
			return fmt.Errorf("binding %s %q: %w", tag, name, err)
		}
	}
	return nil
}

// setField sets a field from a string or a decoded JSON value.
func setField(field reflect.Value, value any) error {
	if value == nil {
		return nil
	}
	s, isString := value.(string)
	if !isString {
		s = fmt.Sprint(value)
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(s)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer: %s", s)
		}
		field.SetInt(n)

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid unsigned integer: %s", s)
		}
		field.SetUint(n)

	case reflect.Float32, reflect.Float64:
		n, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("invalid float: %s", s)
		}
		field.SetFloat(n)

	case reflect.Bool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return fmt.Errorf("invalid boolean: %s", s)
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice element type: %s", field.Type().Elem().Kind())
		}
		var parts []string
		switch vv := value.(type) {
		case []any:
			for _, item := range vv {
				parts = append(parts, fmt.Sprint(item))
			}
		case string:
			// Splat params: "a/b/c" → ["a", "b", "c"]
			if vv != "" {
				parts = strings.Split(vv, "/")
			}
		default:
			parts = []string{s}
		}
		field.Set(reflect.ValueOf(parts))

	default:
		return fmt.Errorf("unsupported type: %s", field.Kind())
	}
	return nil
}

// ValidateParam validates a param value against a type name: int, uint,
// uuid or string. Unknown types accept any value.
func ValidateParam(value, paramType string) error {
	switch paramType {
	case "int", "int64", "int32", "int16", "int8":
		if _, err := strconv.ParseInt(value, 10, 64); err != nil {
			return fmt.Errorf("invalid integer: %s", value)
		}
	case "uint", "uint64", "uint32", "uint16", "uint8":
		if _, err := strconv.ParseUint(value, 10, 64); err != nil {
			return fmt.Errorf("invalid unsigned integer: %s", value)
		}
	case "uuid":
		if _, err := uuid.Parse(value); err != nil {
			return fmt.Errorf("invalid UUID: %s", value)
		}
	}
	return nil
}

// ParamTypes returns a parseParams hook that validates params by type name.
func ParamTypes(types map[string]string) func(map[string]string) (map[string]string, error) {
	return func(params map[string]string) (map[string]string, error) {
		for name, typ := range types {
			v, ok := params[name]
			if !ok {
				continue
			}
			if err := ValidateParam(v, typ); err != nil {
				return nil, fmt.Errorf("param %q: %w", name, err)
			}
		}
		return params, nil
	}
}
