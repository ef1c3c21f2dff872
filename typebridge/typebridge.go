// Package typebridge converts between Go values and goja.Value, per spec
// §4.4. It is the only package in promptbridge that knows how to walk Go
// struct fields into and out of the foreign runtime's kwargs-style dicts.
package typebridge

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"

	"github.com/dop251/goja"

	"github.com/joeycumines/promptbridge/bridgeerr"
)

// ToForeign is implemented by types that know how to encode themselves into
// a goja.Value without reflection.
type ToForeign interface {
	ToForeignValue(enc *Encoder) (goja.Value, error)
}

// FromForeign is implemented by types that know how to decode themselves
// from a goja.Value without reflection. Implementations must be pointer
// receivers so Decoder.Decode can populate them in place.
type FromForeign interface {
	FromForeignValue(dec *Decoder, v goja.Value) error
}

// Encoder converts Go values into goja.Value, bound to one live runtime.
type Encoder struct {
	vm *goja.Runtime
}

// NewEncoder returns an Encoder bound to vm. Callers must hold a
// runtimelock.Token for vm for the lifetime of any call through enc.
func NewEncoder(vm *goja.Runtime) *Encoder { return &Encoder{vm: vm} }

// VM returns the bound runtime, for custom ToForeign implementations that
// need to construct objects directly.
func (enc *Encoder) VM() *goja.Runtime { return enc.vm }

// Encode converts v into a goja.Value following spec §4.4's supported
// shapes: ToForeign implementations first, then primitives, []byte,
// slices/arrays, string-keyed maps, pointers (nil becomes undefined,
// non-nil dereferences), and struct fields (exported fields only, `json`
// tag name overridable by a `foreign` tag, `foreign:"-"` to skip).
func (enc *Encoder) Encode(v any) (goja.Value, error) {
	if v == nil {
		return goja.Undefined(), nil
	}
	if tf, ok := v.(ToForeign); ok {
		return tf.ToForeignValue(enc)
	}
	return enc.encodeReflect(reflect.ValueOf(v))
}

// EncodeFields encodes a map[string]any into a plain foreign object,
// used for predictor input kwargs (spec §4.4, §4.5).
func (enc *Encoder) EncodeFields(fields map[string]any) (*goja.Object, error) {
	obj := enc.vm.NewObject()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fv, err := enc.Encode(fields[k])
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		if err := obj.Set(k, fv); err != nil {
			return nil, bridgeerr.Wrap(bridgeerr.KindEncoding, fmt.Sprintf("setting field %q", k), err)
		}
	}
	return obj, nil
}

func (enc *Encoder) encodeReflect(rv reflect.Value) (goja.Value, error) {
	if !rv.IsValid() {
		return goja.Undefined(), nil
	}

	switch rv.Kind() {
	case reflect.Ptr:
		if rv.IsNil() {
			return goja.Undefined(), nil
		}
		return enc.encodeReflect(rv.Elem())

	case reflect.Interface:
		if rv.IsNil() {
			return goja.Undefined(), nil
		}
		return enc.Encode(rv.Interface())

	case reflect.String:
		return enc.vm.ToValue(rv.String()), nil

	case reflect.Bool:
		return enc.vm.ToValue(rv.Bool()), nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return enc.vm.ToValue(rv.Int()), nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return enc.vm.ToValue(rv.Uint()), nil

	case reflect.Float32, reflect.Float64:
		return enc.vm.ToValue(rv.Float()), nil

	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
			if rv.Kind() == reflect.Slice && rv.IsNil() {
				return goja.Undefined(), nil
			}
			return enc.vm.ToValue(enc.vm.NewArrayBuffer(append([]byte(nil), rv.Bytes()...))), nil
		}
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return goja.Undefined(), nil
		}
		n := rv.Len()
		out := make([]any, n)
		for i := 0; i < n; i++ {
			ev, err := enc.encodeReflect(rv.Index(i))
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			out[i] = ev
		}
		return enc.vm.ToValue(out), nil

	case reflect.Map:
		if rv.IsNil() {
			return goja.Undefined(), nil
		}
		if rv.Type().Key().Kind() != reflect.String {
			return nil, bridgeerr.New(bridgeerr.KindEncoding, fmt.Sprintf("map key type %s is not encodable", rv.Type().Key()))
		}
		obj := enc.vm.NewObject()
		keys := make([]string, 0, rv.Len())
		iter := rv.MapRange()
		values := make(map[string]reflect.Value, rv.Len())
		for iter.Next() {
			k := iter.Key().String()
			keys = append(keys, k)
			values[k] = iter.Value()
		}
		sort.Strings(keys)
		for _, k := range keys {
			ev, err := enc.encodeReflect(values[k])
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			if err := obj.Set(k, ev); err != nil {
				return nil, bridgeerr.Wrap(bridgeerr.KindEncoding, fmt.Sprintf("setting key %q", k), err)
			}
		}
		return obj, nil

	case reflect.Struct:
		obj := enc.vm.NewObject()
		t := rv.Type()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if f.PkgPath != "" {
				continue
			}
			name, skip := fieldName(f)
			if skip {
				continue
			}
			ev, err := enc.encodeReflect(rv.Field(i))
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", name, err)
			}
			if err := obj.Set(name, ev); err != nil {
				return nil, bridgeerr.Wrap(bridgeerr.KindEncoding, fmt.Sprintf("setting field %q", name), err)
			}
		}
		return obj, nil

	default:
		return nil, bridgeerr.New(bridgeerr.KindEncoding, fmt.Sprintf("value of kind %s is not encodable", rv.Kind()))
	}
}

// Decoder converts goja.Value back into Go values, bound to one live
// runtime.
type Decoder struct {
	vm *goja.Runtime
}

// NewDecoder returns a Decoder bound to vm.
func NewDecoder(vm *goja.Runtime) *Decoder { return &Decoder{vm: vm} }

// VM returns the bound runtime.
func (dec *Decoder) VM() *goja.Runtime { return dec.vm }

// Decode populates out (which must be a non-nil pointer) from v.
func (dec *Decoder) Decode(v goja.Value, out any) error {
	if out == nil {
		return bridgeerr.New(bridgeerr.KindEncoding, "decode target is nil")
	}
	if ff, ok := out.(FromForeign); ok {
		return ff.FromForeignValue(dec, v)
	}

	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return bridgeerr.New(bridgeerr.KindEncoding, "decode target must be a non-nil pointer")
	}
	return dec.decodeReflect(v, rv.Elem())
}

// DecodeFields decodes a foreign kwargs-style object into a map, used for
// predictor output decoding (spec §4.4, §4.5). Missing attributes named in
// fieldNames are recorded as absent in the returned set.
func (dec *Decoder) DecodeFields(v goja.Value, fieldNames []string) (map[string]goja.Value, map[string]bool, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil, bridgeerr.New(bridgeerr.KindEncoding, "cannot decode fields from undefined/null")
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil, nil, bridgeerr.New(bridgeerr.KindEncoding, "expected an object to decode fields from")
	}
	values := make(map[string]goja.Value, len(fieldNames))
	present := make(map[string]bool, len(fieldNames))
	for _, name := range fieldNames {
		fv := obj.Get(name)
		if fv == nil || goja.IsUndefined(fv) {
			present[name] = false
			continue
		}
		present[name] = true
		values[name] = fv
	}
	return values, present, nil
}

func (dec *Decoder) decodeReflect(v goja.Value, rv reflect.Value) error {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		rv.Set(reflect.Zero(rv.Type()))
		return nil
	}

	switch rv.Kind() {
	case reflect.Ptr:
		elem := reflect.New(rv.Type().Elem())
		if err := dec.decodeReflect(v, elem.Elem()); err != nil {
			return err
		}
		rv.Set(elem)
		return nil

	case reflect.String:
		rv.SetString(v.String())
		return nil

	case reflect.Bool:
		rv.SetBool(v.ToBoolean())
		return nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		rv.SetInt(v.ToInteger())
		return nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		rv.SetUint(uint64(v.ToInteger()))
		return nil

	case reflect.Float32, reflect.Float64:
		f := v.ToFloat()
		if math.IsNaN(f) {
			f = math.NaN()
		}
		rv.SetFloat(f)
		return nil

	case reflect.Slice:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			if ab, ok := v.Export().(goja.ArrayBuffer); ok {
				rv.SetBytes(ab.Bytes())
				return nil
			}
			return bridgeerr.New(bridgeerr.KindEncoding, "expected an ArrayBuffer for a []byte field")
		}
		obj, ok := v.(*goja.Object)
		if !ok {
			return bridgeerr.New(bridgeerr.KindEncoding, "expected an array")
		}
		length := int(obj.Get("length").ToInteger())
		out := reflect.MakeSlice(rv.Type(), length, length)
		for i := 0; i < length; i++ {
			if err := dec.decodeReflect(obj.Get(fmt.Sprint(i)), out.Index(i)); err != nil {
				return fmt.Errorf("index %d: %w", i, err)
			}
		}
		rv.Set(out)
		return nil

	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return bridgeerr.New(bridgeerr.KindEncoding, fmt.Sprintf("map key type %s is not decodable", rv.Type().Key()))
		}
		obj, ok := v.(*goja.Object)
		if !ok {
			return bridgeerr.New(bridgeerr.KindEncoding, "expected an object")
		}
		out := reflect.MakeMap(rv.Type())
		for _, k := range obj.Keys() {
			elem := reflect.New(rv.Type().Elem()).Elem()
			if err := dec.decodeReflect(obj.Get(k), elem); err != nil {
				return fmt.Errorf("key %q: %w", k, err)
			}
			out.SetMapIndex(reflect.ValueOf(k), elem)
		}
		rv.Set(out)
		return nil

	case reflect.Struct:
		obj, ok := v.(*goja.Object)
		if !ok {
			return bridgeerr.New(bridgeerr.KindEncoding, "expected an object")
		}
		t := rv.Type()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if f.PkgPath != "" {
				continue
			}
			name, skip := fieldName(f)
			if skip {
				continue
			}
			fv := obj.Get(name)
			if fv == nil || goja.IsUndefined(fv) {
				continue
			}
			if err := dec.decodeReflect(fv, rv.Field(i)); err != nil {
				return fmt.Errorf("field %q: %w", name, err)
			}
		}
		return nil

	default:
		return bridgeerr.New(bridgeerr.KindEncoding, fmt.Sprintf("value of kind %s is not decodable", rv.Kind()))
	}
}

// fieldName resolves the foreign-side name for a struct field, honoring a
// `foreign` tag, falling back to `json`, falling back to the field's Go
// name. A tag value of "-" means skip the field.
func fieldName(f reflect.StructField) (name string, skip bool) {
	if tag, ok := f.Tag.Lookup("foreign"); ok {
		name, _, _ = strings.Cut(tag, ",")
		if name == "-" {
			return "", true
		}
		if name != "" {
			return name, false
		}
	}
	if tag, ok := f.Tag.Lookup("json"); ok {
		name, _, _ = strings.Cut(tag, ",")
		if name == "-" {
			return "", true
		}
		if name != "" {
			return name, false
		}
	}
	return f.Name, false
}
