package bridgeerr

import (
	"strings"

	"github.com/dop251/goja"
)

// FromForeignException classifies a value thrown by the foreign runtime
// into an *Error, per spec §4.2's pattern table. v is typically the
// .Value() of a *goja.Exception, or a goja.Value captured from a rejected
// Promise.
func FromForeignException(rt *goja.Runtime, v goja.Value) *Error {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return New(KindForeignException, "foreign runtime raised an empty exception")
	}

	var class, message string
	if obj, ok := v.(*goja.Object); ok {
		class = exportString(obj.Get("name"))
		message = exportString(obj.Get("message"))
		if class == "" {
			class = obj.ClassName()
		}
	} else {
		message = v.String()
	}

	lowerMsg := strings.ToLower(message)

	switch {
	case strings.Contains(class, "AssertionError"):
		return New(KindAssertion, message)
	case class == "TimeoutError", strings.Contains(lowerMsg, "timed out"):
		return New(KindTimeout, message)
	case strings.Contains(message, "429"), strings.Contains(lowerMsg, "rate limit"),
		strings.Contains(strings.ToLower(class), "ratelimit"):
		return New(KindRateLimited, message)
	case isTransportClass(class), strings.Contains(lowerMsg, "connection"),
		strings.Contains(lowerMsg, "socket"), strings.Contains(lowerMsg, "dns"):
		return New(KindTransport, message)
	case strings.Contains(lowerMsg, "module not found"), strings.Contains(lowerMsg, "import"):
		return New(KindForeignImport, message)
	case strings.Contains(lowerMsg, "not configured"):
		return New(KindNotConfigured, message)
	default:
		e := New(KindForeignException, message)
		e.ForeignClass = class
		if obj, ok := v.(*goja.Object); ok {
			if tb := exportString(obj.Get("stack")); tb != "" {
				e.ForeignTraceback = tb
			}
		}
		return e
	}
}

func isTransportClass(class string) bool {
	lower := strings.ToLower(class)
	for _, s := range []string{"connectionerror", "socketerror", "dnserror", "networkerror"} {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

func exportString(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	return v.String()
}
