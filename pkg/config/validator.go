package config

import (
	"fmt"
	"reflect"
	"strings"
)

// Field paths below use Go field names joined by dots, e.g. "Bus.URL".

// RequiredFields fails when any of fields holds its zero value.
func RequiredFields(fields ...string) Validator {
	return ValidatorFunc(func(config interface{}) error {
		var missing []string
		for _, path := range fields {
			v, err := fieldAt(config, path)
			if err != nil {
				return err
			}
			if v.IsZero() {
				missing = append(missing, path)
			}
		}
		if len(missing) > 0 {
			return fmt.Errorf("required fields are missing: %s", strings.Join(missing, ", "))
		}
		return nil
	})
}

// RangeValidator fails when a numeric field lies outside [min, max].
func RangeValidator(path string, min, max float64) Validator {
	return ValidatorFunc(func(config interface{}) error {
		v, err := fieldAt(config, path)
		if err != nil {
			return err
		}
		var n float64
		switch v.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			n = float64(v.Int())
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			n = float64(v.Uint())
		case reflect.Float32, reflect.Float64:
			n = v.Float()
		default:
			return fmt.Errorf("field %s is not numeric", path)
		}
		if n < min || n > max {
			return fmt.Errorf("field %s value %v is out of range [%v, %v]", path, n, min, max)
		}
		return nil
	})
}

// StringLengthValidator fails when a string field is shorter than minLen
// or longer than maxLen bytes.
func StringLengthValidator(path string, minLen, maxLen int) Validator {
	return ValidatorFunc(func(config interface{}) error {
		v, err := fieldAt(config, path)
		if err != nil {
			return err
		}
		if v.Kind() != reflect.String {
			return fmt.Errorf("field %s is not a string", path)
		}
		if n := v.Len(); n < minLen || n > maxLen {
			return fmt.Errorf("field %s length %d is out of range [%d, %d]", path, n, minLen, maxLen)
		}
		return nil
	})
}

// OneOfValidator fails unless the field equals one of allowed.
func OneOfValidator(path string, allowed ...interface{}) Validator {
	return ValidatorFunc(func(config interface{}) error {
		v, err := fieldAt(config, path)
		if err != nil {
			return err
		}
		got := v.Interface()
		for _, a := range allowed {
			if reflect.DeepEqual(got, a) {
				return nil
			}
		}
		return fmt.Errorf("field %s value %v is not one of allowed values: %v", path, got, allowed)
	})
}

func fieldAt(config interface{}, path string) (reflect.Value, error) {
	v := reflect.ValueOf(config)
	for _, part := range strings.Split(path, ".") {
		for v.Kind() == reflect.Ptr {
			v = v.Elem()
		}
		if v.Kind() != reflect.Struct {
			return reflect.Value{}, fmt.Errorf("field %s not found", path)
		}
		v = v.FieldByName(part)
		if !v.IsValid() {
			return reflect.Value{}, fmt.Errorf("field %s not found", path)
		}
	}
	return v, nil
}
