package predictor

import (
	"fmt"
	"reflect"
	"strings"
	"unicode"

	"github.com/joeycumines/promptbridge/bridgeerr"
)

// signature is a parsed "in1, in2 -> out1, out2" declaration (spec §4.5).
type signature struct {
	raw     string
	inputs  []string
	outputs []string
}

func parseSignature(raw string) (signature, error) {
	left, right, ok := strings.Cut(raw, "->")
	if !ok {
		return signature{}, bridgeerr.New(bridgeerr.KindConfiguration, fmt.Sprintf("signature %q missing '->'", raw))
	}

	inputs := splitFields(left)
	outputs := splitFields(right)

	if len(inputs) == 0 {
		return signature{}, bridgeerr.New(bridgeerr.KindConfiguration, fmt.Sprintf("signature %q declares no input fields", raw))
	}
	if len(outputs) == 0 {
		return signature{}, bridgeerr.New(bridgeerr.KindConfiguration, fmt.Sprintf("signature %q declares no output fields", raw))
	}

	return signature{raw: raw, inputs: inputs, outputs: outputs}, nil
}

func splitFields(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// validateAgainst checks that every field name in names has a matching
// field in t, resolved via a `promptbridge` struct tag or, absent one, the
// snake_case of the Go field name.
func validateAgainst(t reflect.Type, names []string) error {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return bridgeerr.New(bridgeerr.KindConfiguration, fmt.Sprintf("type %s must be a struct to bind a signature", t))
	}

	available := make(map[string]bool)
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" {
			continue
		}
		available[fieldSignatureName(f)] = true
	}

	for _, name := range names {
		if !available[name] {
			return bridgeerr.New(bridgeerr.KindConfiguration, fmt.Sprintf("signature field %q has no matching field on %s", name, t))
		}
	}
	return nil
}

func fieldSignatureName(f reflect.StructField) string {
	if tag, ok := f.Tag.Lookup("promptbridge"); ok && tag != "" {
		return tag
	}
	return snakeCase(f.Name)
}

func snakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}
