package runtimelock

import "github.com/dop251/goja"

// ForeignHandle owns a reference into the foreign runtime's heap (a class
// instance, a function, a callback closure). It may be freely moved across
// goroutines — only its Value is unsafe to touch without a Token.
//
// This mirrors the teacher's split between a Promise's lazily-allocated id
// (safe to pass around) and the registry slot it resolves to (only
// touchable from the loop goroutine): a ForeignHandle is the inert,
// movable half, and its Value only becomes meaningful paired with a Token.
type ForeignHandle struct {
	r *Runtime
	v goja.Value
}

// NewHandle wraps v, which must have been obtained while tok was held
// against the same Runtime that produced tok.
func NewHandle(tok *Token, v goja.Value) *ForeignHandle {
	tok.mustOpen()
	return &ForeignHandle{r: tok.r, v: v}
}

// Value returns the wrapped goja.Value. tok must be a live Token for the
// same Runtime that produced h; passing a Token from a different Runtime
// panics, since the underlying Value is meaningless outside its runtime.
func (h *ForeignHandle) Value(tok *Token) goja.Value {
	tok.mustOpen()
	if tok.r != h.r {
		panic("runtimelock: ForeignHandle used with a Token from a different Runtime")
	}
	return h.v
}

// Clone produces an independent ForeignHandle referencing the same
// underlying value; both may be Dropped independently.
func (h *ForeignHandle) Clone() *ForeignHandle {
	return &ForeignHandle{r: h.r, v: h.v}
}

// Drop releases h's reference. Since goja values are garbage collected by
// the Go runtime once unreachable, Drop's only job is to make that
// unreachability immediate rather than waiting on h's own lifetime.
func (h *ForeignHandle) Drop() {
	h.v = nil
}
