package compiler

import (
	"github.com/slisp-lang/slisp/internal/ir"
	"github.com/slisp-lang/slisp/internal/value"
)

// Context is the per-function compilation state spec.md §3 calls
// CompileContext: the local slot map, the scope stack, the temp-slot
// allocator, the high-water mark, the deferred-free list, and the
// per-slot ValueKind cache.
type Context struct {
	fnName string

	locals map[string]int   // name -> slot
	scopes []map[string]bool // stack of names bound in each open scope

	nextSlot      int
	highWaterSlot int
	freeSlots     []int // holes left by scopes that have already closed

	valueKinds       map[int]value.Kind // slot -> inferred kind
	heapAllocatedVar map[string]bool    // name -> true if its binding owns a heap value

	// deferredTempSlots holds temp slots allocated for an in-progress
	// collection-literal construction group; they are NOT returned to
	// freeSlots until the group's RuntimeCall has been emitted (4.4
	// pitfall: releasing early lets later elements of the same literal
	// overwrite earlier ones before _vector_create/_map_create runs).
	deferredTempSlots []int

	nextLabel int

	// allLocals records every slot ever bound to a name, in binding
	// order, for ir.Function.Locals — used by the planner/codegen for
	// frame metadata, not by allocation itself (which uses freeSlots).
	allLocals []ir.Local
}

// NewContext starts a fresh per-function compilation context.
func NewContext(fnName string) *Context {
	return &Context{
		fnName:           fnName,
		locals:           make(map[string]int),
		valueKinds:       make(map[int]value.Kind),
		heapAllocatedVar: make(map[string]bool),
	}
}

// PushScope opens a new lexical scope (let body, function body).
func (c *Context) PushScope() {
	c.scopes = append(c.scopes, make(map[string]bool))
}

// PopScope closes the innermost scope, returning its bound slots to the
// free list for reuse by later, non-overlapping scopes (I3: a slot bound
// to a variable is never reused for a temporary within the SAME
// still-open let group, only after that group's scope actually closes).
func (c *Context) PopScope() {
	n := len(c.scopes)
	if n == 0 {
		return
	}
	top := c.scopes[n-1]
	c.scopes = c.scopes[:n-1]
	for name := range top {
		slot, ok := c.locals[name]
		if !ok {
			continue
		}
		delete(c.locals, name)
		c.freeSlots = append(c.freeSlots, slot)
	}
}

// BindLocal allocates (or reuses a free) slot for name in the current
// scope and records its static kind.
func (c *Context) BindLocal(name string, kind value.Kind, heap bool) int {
	slot := c.allocSlot()
	c.locals[name] = slot
	c.valueKinds[slot] = kind
	if heap {
		c.heapAllocatedVar[name] = true
	}
	if n := len(c.scopes); n > 0 {
		c.scopes[n-1][name] = true
	}
	c.allLocals = append(c.allLocals, ir.Local{Name: name, Slot: slot, Kind: kind, HeapOwner: heap})
	return slot
}

// Locals returns every slot bound to a source-level name during this
// function's compilation, in binding order.
func (c *Context) Locals() []ir.Local {
	return c.allLocals
}

// AllocTemp allocates a slot for a compiler-managed temporary that is
// not a source-level binding (e.g. an element of a collection literal
// under construction).
func (c *Context) AllocTemp(kind value.Kind) int {
	slot := c.allocSlot()
	c.valueKinds[slot] = kind
	c.deferredTempSlots = append(c.deferredTempSlots, slot)
	return slot
}

// ReleaseTempGroup returns every temp slot accumulated since the last
// call to ReleaseTempGroup to the free list. Call this only after the
// RuntimeCall that consumes them has been emitted.
func (c *Context) ReleaseTempGroup() {
	c.freeSlots = append(c.freeSlots, c.deferredTempSlots...)
	c.deferredTempSlots = nil
}

func (c *Context) allocSlot() int {
	var slot int
	if n := len(c.freeSlots); n > 0 {
		slot = c.freeSlots[n-1]
		c.freeSlots = c.freeSlots[:n-1]
	} else {
		slot = c.nextSlot
		c.nextSlot++
	}
	if slot+1 > c.highWaterSlot {
		c.highWaterSlot = slot + 1
	}
	return slot
}

// LookupLocal returns the slot and kind bound to name, if any.
func (c *Context) LookupLocal(name string) (slot int, kind value.Kind, ok bool) {
	slot, ok = c.locals[name]
	if !ok {
		return 0, value.KindAny, false
	}
	return slot, c.valueKinds[slot], true
}

// IsHeapOwner reports whether name's binding owns a heap allocation the
// liveness planner must eventually free.
func (c *Context) IsHeapOwner(name string) bool {
	return c.heapAllocatedVar[name]
}

// NewLabel allocates a fresh label id, unique across the whole function
// currently being compiled, used to build Jump/JumpIfZero/Label groups
// that stay correctly matched no matter how ir.Concat later splices
// their surrounding subsequences together.
func (c *Context) NewLabel() int {
	id := c.nextLabel
	c.nextLabel++
	return id
}

// LocalCount returns the number of stack slots this function's frame
// needs (its high-water mark across the whole compilation).
func (c *Context) LocalCount() int {
	return c.highWaterSlot
}
