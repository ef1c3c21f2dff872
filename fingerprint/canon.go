package fingerprint

import (
	"fmt"
	"reflect"
)

// reflectCanonicalize encodes v using reflection when v does not implement
// Canonicalize directly. It supports the same primitive/container shapes
// the type bridge (typebridge package) accepts as predictor input/output
// field values: ints, floats, bool, string, []byte, slices, maps keyed by
// string, pointers (nil-able "Option" values), and structs (encoded as a
// map of their exported fields, sorted by name).
func reflectCanonicalize(w *Writer, v any) error {
	rv := reflect.ValueOf(v)
	return canonValue(w, rv)
}

func canonValue(w *Writer, rv reflect.Value) error {
	if !rv.IsValid() {
		w.writeNil()
		return nil
	}

	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			w.writeNil()
			return nil
		}
		return canonValue(w, rv.Elem())

	case reflect.String:
		w.writeString("", rv.String())
		return nil

	case reflect.Bool:
		w.writeBool(rv.Bool())
		return nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		w.writeInt64(rv.Int())
		return nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		w.writeUint64("", rv.Uint())
		return nil

	case reflect.Float32, reflect.Float64:
		w.writeFloat64("", rv.Float())
		return nil

	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
			if rv.Kind() == reflect.Slice && rv.IsNil() {
				w.writeNil()
				return nil
			}
			w.writeBytes(rv.Bytes())
			return nil
		}
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			w.writeNil()
			return nil
		}
		n := rv.Len()
		w.beginSeq(n)
		for i := 0; i < n; i++ {
			if err := canonValue(w, rv.Index(i)); err != nil {
				return fmt.Errorf("index %d: %w", i, err)
			}
		}
		return nil

	case reflect.Map:
		if rv.IsNil() {
			w.writeNil()
			return nil
		}
		if rv.Type().Key().Kind() != reflect.String {
			return fmt.Errorf("map key type %s is not canonicalizable (only string keys are supported)", rv.Type().Key())
		}
		m := make(map[string]reflect.Value, rv.Len())
		generic := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k := iter.Key().String()
			m[k] = iter.Value()
			generic[k] = nil
		}
		keys := sortedKeys(generic)
		w.beginMap(len(keys))
		for _, k := range keys {
			w.writeString("", k)
			if err := canonValue(w, m[k]); err != nil {
				return fmt.Errorf("key %q: %w", k, err)
			}
		}
		return nil

	case reflect.Struct:
		t := rv.Type()
		fields := make(map[string]reflect.Value)
		names := make(map[string]any)
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if f.PkgPath != "" {
				continue // unexported
			}
			name := f.Name
			if tag, ok := f.Tag.Lookup("fingerprint"); ok {
				if tag == "-" {
					continue
				}
				if tag != "" {
					name = tag
				}
			}
			fields[name] = rv.Field(i)
			names[name] = nil
		}
		keys := sortedKeys(names)
		w.beginMap(len(keys))
		for _, k := range keys {
			w.writeString("", k)
			if err := canonValue(w, fields[k]); err != nil {
				return fmt.Errorf("field %q: %w", k, err)
			}
		}
		return nil

	default:
		return fmt.Errorf("value of kind %s is not canonicalizable", rv.Kind())
	}
}
