package foreignrt

import (
	"fmt"

	"github.com/dop251/goja"
)

// ForeignError lets a Handler raise a specific foreign exception shape
// (name/message/stack) rather than an opaque Go error wrapped via
// rt.NewGoError - useful for deterministically exercising
// bridgeerr.FromForeignException's classification table (AssertionError,
// TimeoutError, RateLimitError, ConnectionError, or any custom class name).
type ForeignError struct {
	Name    string
	Message string
}

func (e *ForeignError) Error() string {
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

func (e *ForeignError) toObject(rt *goja.Runtime) *goja.Object {
	obj := rt.NewObject()
	_ = obj.Set("name", e.Name)
	_ = obj.Set("message", e.Message)
	_ = obj.Set("stack", e.Error())
	return obj
}
