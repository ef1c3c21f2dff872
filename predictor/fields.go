package predictor

import (
	"fmt"
	"reflect"

	"github.com/dop251/goja"

	"github.com/joeycumines/promptbridge/bridgeerr"
	"github.com/joeycumines/promptbridge/typebridge"
)

// extractFields reads in's struct fields into a map keyed by their
// signature names, restricted to names (the signature's declared input
// fields). in must be a struct or pointer to struct whose fields were
// already checked by validateAgainst at construction time.
func extractFields(in any, names []string) (map[string]any, error) {
	rv := reflect.ValueOf(in)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil, bridgeerr.New(bridgeerr.KindEncoding, "predictor: input is a nil pointer")
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil, bridgeerr.New(bridgeerr.KindEncoding, fmt.Sprintf("predictor: input must be a struct, got %s", rv.Kind()))
	}

	byName := make(map[string]reflect.Value, rv.NumField())
	t := rv.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" {
			continue
		}
		byName[fieldSignatureName(f)] = rv.Field(i)
	}

	out := make(map[string]any, len(names))
	for _, name := range names {
		fv, ok := byName[name]
		if !ok {
			return nil, bridgeerr.New(bridgeerr.KindEncoding, fmt.Sprintf("predictor: input signature field %q has no matching struct field", name))
		}
		out[name] = fv.Interface()
	}
	return out, nil
}

// decodeOutput decodes the foreign result v into a fresh O, populating
// only the fields named by names (the signature's declared output
// fields). A name absent from v is left as O's zero value when the
// matching Go field is a pointer (spec §4.5: missing optional outputs
// decode to nil), and is an encoding error otherwise.
func decodeOutput[O any](dec *typebridge.Decoder, v goja.Value, names []string) (O, error) {
	var out O

	values, present, err := dec.DecodeFields(v, names)
	if err != nil {
		return out, err
	}

	rv := reflect.ValueOf(&out).Elem()
	t := rv.Type()
	byName := make(map[string]reflect.Value, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" {
			continue
		}
		byName[fieldSignatureName(f)] = rv.Field(i)
	}

	for _, name := range names {
		field, ok := byName[name]
		if !ok {
			return out, bridgeerr.New(bridgeerr.KindEncoding, fmt.Sprintf("predictor: output signature field %q has no matching struct field", name))
		}
		if !present[name] {
			if field.Kind() == reflect.Ptr {
				continue
			}
			return out, bridgeerr.New(bridgeerr.KindEncoding, fmt.Sprintf("predictor: foreign result missing required output field %q", name))
		}
		if err := dec.Decode(values[name], field.Addr().Interface()); err != nil {
			return out, fmt.Errorf("output field %q: %w", name, err)
		}
	}

	return out, nil
}
