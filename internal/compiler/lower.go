// Package compiler lowers the reader's AST into the stack-machine IR
// (spec.md §3-4.2). Lowering happens in two whole-program passes: pass A
// lowers every function with KindAny parameters and records the kind
// each call site actually passes for each parameter slot; pass B
// re-lowers every function seeded with those observed kinds so that
// calls to functions defined later in the file still get monomorphic
// codegen. The string table is shared across both passes so interning
// stays stable (P6).
package compiler

import (
	"fmt"

	"github.com/slisp-lang/slisp/internal/ast"
	"github.com/slisp-lang/slisp/internal/diag"
	"github.com/slisp-lang/slisp/internal/ir"
	"github.com/slisp-lang/slisp/internal/value"
)

// paramKey identifies one parameter slot of one top-level function.
type paramKey struct {
	Func  string
	Index int
}

// funcDecl is a top-level defn/def node plus its parsed signature.
type funcDecl struct {
	Name   string
	Params []string
	Body   []*ast.Node
}

// Compiler drives the two-phase lowering of a whole program.
type Compiler struct {
	prog *ir.Program

	decls   []*funcDecl
	byName  map[string]*funcDecl
	retKind map[string]value.Kind // observed/declared return kind, best-effort

	paramKinds  map[paramKey]value.Kind
	paramSeen   map[paramKey]bool
	anonCounter int
	anonNames   map[*ast.Node]string
}

// NewCompiler returns a Compiler ready to lower a program.
func NewCompiler() *Compiler {
	return &Compiler{
		prog:       ir.NewProgram(),
		byName:     make(map[string]*funcDecl),
		retKind:    make(map[string]value.Kind),
		paramKinds: make(map[paramKey]value.Kind),
		paramSeen:  make(map[paramKey]bool),
		anonNames:  make(map[*ast.Node]string),
	}
}

// observeParamKind folds a call-site argument kind into the running
// inference for one parameter slot: first observation wins outright,
// any conflicting later observation collapses the slot back to KindAny
// so phase B never generates code for a kind narrower than reality.
func (c *Compiler) observeParamKind(key paramKey, kind value.Kind) {
	if !c.paramSeen[key] {
		c.paramKinds[key] = kind
		c.paramSeen[key] = true
		return
	}
	if c.paramKinds[key] != kind {
		c.paramKinds[key] = value.KindAny
	}
}

// phase distinguishes the two lowering passes.
type phase int

const (
	phaseA phase = iota // observe call-site argument kinds
	phaseB              // final lowering, seeded with phaseA's observations
)

// Compile lowers every top-level form into c.prog and returns it.
func Compile(forms []*ast.Node) (*ir.Program, error) {
	c := NewCompiler()
	if err := c.collectDecls(forms); err != nil {
		return nil, err
	}

	// Phase A: throwaway lowering to populate paramKinds. Indexed so
	// that anonymous (fn ...) literals hoisted into c.decls mid-pass by
	// lowerFunc are themselves visited before the pass ends.
	for i := 0; i < len(c.decls); i++ {
		if _, err := c.lowerFunc(c.decls[i], phaseA); err != nil {
			return nil, err
		}
	}

	// Phase B: real lowering, seeded with phase A's observations. Hoisted
	// anonymous functions were already appended to c.decls during phase
	// A, so this pass sees the complete, stable function set. It lowers
	// into the same c.prog, so the string table phase A interned is kept
	// (phase A appended no functions to c.prog).
	for i := 0; i < len(c.decls); i++ {
		fn, err := c.lowerFunc(c.decls[i], phaseB)
		if err != nil {
			return nil, err
		}
		c.prog.Funcs = append(c.prog.Funcs, fn)
	}
	if c.byName["-main"] == nil {
		return nil, diag.New(diag.PhaseLower, ast.Pos{}, "program defines no -main function")
	}
	c.prog.HeapNeeded = programUsesHeap(c.prog)
	return c.prog, nil
}

// programUsesHeap reports whether prog calls any runtime helper at all.
// Every OpRuntimeCall symbol either allocates directly (_vector_create,
// _map_create, _string_concat_n, ...) or, for the handful of read-only
// queries (_coll_count, _string_equals, _map_get, ...), operates on a
// heap value that something else in the program must have allocated to
// produce in the first place — so "any runtime call" is a safe,
// over-approximate trigger for emitting the entry stub's `call
// _heap_init` (spec.md §4.5 "Entry stub"). The only cost of the
// over-approximation is an unused 1 MiB mmap reservation on the rare
// program that only ever reads a caller-supplied collection; that is
// cheaper than enumerating each helper's allocation behavior by hand
// and risking a missed case that leaves heap_base/free_list_head
// uninitialized for a program that really does allocate.
func programUsesHeap(prog *ir.Program) bool {
	for _, fn := range prog.Funcs {
		for _, inst := range fn.Code {
			switch inst.Op {
			case ir.OpRuntimeCall, ir.OpAllocate, ir.OpPushKeyword:
				return true
			}
		}
	}
	return false
}

// collectDecls walks top-level forms, registering every defn/def as a
// funcDecl (def becomes a niladic function — the IR has no separate
// global-binding concept, so a top-level constant is just a function
// with zero parameters whose callers use an ordinary Call).
func (c *Compiler) collectDecls(forms []*ast.Node) error {
	for _, f := range forms {
		switch {
		case f.IsForm("defn"):
			d, err := parseDefn(f)
			if err != nil {
				return err
			}
			c.register(d)
		case f.IsForm("def"):
			d, err := parseDef(f)
			if err != nil {
				return err
			}
			c.register(d)
		default:
			return diag.New(diag.PhaseLower, f.Pos, "top-level forms must be defn or def")
		}
	}
	return nil
}

func (c *Compiler) register(d *funcDecl) {
	c.decls = append(c.decls, d)
	c.byName[d.Name] = d
}

func parseDefn(f *ast.Node) (*funcDecl, error) {
	// (defn name [params...] body...)
	if len(f.Children) < 3 {
		return nil, diag.New(diag.PhaseLower, f.Pos, "defn requires a name, a parameter vector, and a body")
	}
	nameNode := f.Children[1]
	if nameNode.Kind != ast.NodeSymbol {
		return nil, diag.New(diag.PhaseLower, nameNode.Pos, "defn name must be a symbol")
	}
	paramsNode := f.Children[2]
	if paramsNode.Kind != ast.NodeVector {
		return nil, diag.New(diag.PhaseLower, paramsNode.Pos, "defn parameter list must be a vector")
	}
	var params []string
	for _, p := range paramsNode.Children {
		if p.Kind != ast.NodeSymbol {
			return nil, diag.New(diag.PhaseLower, p.Pos, "defn parameters must be symbols")
		}
		params = append(params, p.Str)
	}
	return &funcDecl{Name: nameNode.Str, Params: params, Body: f.Children[3:]}, nil
}

func parseDef(f *ast.Node) (*funcDecl, error) {
	// (def name expr)
	if len(f.Children) != 3 {
		return nil, diag.New(diag.PhaseLower, f.Pos, "def requires exactly a name and a value expression")
	}
	nameNode := f.Children[1]
	if nameNode.Kind != ast.NodeSymbol {
		return nil, diag.New(diag.PhaseLower, nameNode.Pos, "def name must be a symbol")
	}
	return &funcDecl{Name: nameNode.Str, Body: f.Children[2:3]}, nil
}

// lowerFunc lowers one function body, with scope/locals bound for its
// parameters first.
func (c *Compiler) lowerFunc(d *funcDecl, ph phase) (*ir.Function, error) {
	ctx := NewContext(d.Name)
	ctx.PushScope()

	for i, pname := range d.Params {
		kind := value.KindAny
		if ph == phaseB {
			kind = c.paramKinds[paramKey{Func: d.Name, Index: i}]
		}
		// Parameters arrive as borrows (the caller keeps ownership and
		// frees its own copy), so heap=false even when kind is a heap
		// kind — the planner must never free a slot it doesn't own.
		ctx.BindLocal(pname, kind, false)
	}

	// Every body form but the last is evaluated for effect only; its
	// value is left dead on the stack for the liveness planner to free
	// like any other unused temporary. Only the last form's value
	// becomes the return value.
	var body ir.Seq
	lastKind := value.KindNil
	for i, form := range d.Body {
		seq, kind, err := c.lowerForm(ctx, form, ph)
		if err != nil {
			return nil, err
		}
		body = ir.Concat(body, seq)
		if i == len(d.Body)-1 {
			lastKind = kind
		}
	}
	body = append(body, ir.Inst{Op: ir.OpReturn, Kind: lastKind})

	if ph == phaseB {
		c.retKind[d.Name] = lastKind
	}

	fn := &ir.Function{
		Name:       d.Name,
		ParamCount: len(d.Params),
		Locals:     ctx.Locals(),
		FrameSlots: ctx.LocalCount(),
		Code:       body,
	}
	return fn, nil
}

// lowerForm dispatches a single AST node to its lowering rule, returning
// the IR that evaluates it (leaving exactly one value on the stack) and
// that value's statically known Kind (KindAny if it cannot be inferred
// in this pass).
func (c *Compiler) lowerForm(ctx *Context, n *ast.Node, ph phase) (ir.Seq, value.Kind, error) {
	switch n.Kind {
	case ast.NodeNumber:
		return ir.Seq{{Op: ir.OpPushNumber, Num: n.Num, Kind: value.KindNumber}}, value.KindNumber, nil
	case ast.NodeBool:
		return ir.Seq{{Op: ir.OpPushBool, Bool: n.Bool, Kind: value.KindBool}}, value.KindBool, nil
	case ast.NodeNil:
		return ir.Seq{{Op: ir.OpPushNil, Kind: value.KindNil}}, value.KindNil, nil
	case ast.NodeString:
		idx := c.prog.InternString(n.Str)
		return ir.Seq{{Op: ir.OpPushString, Arg: idx, Kind: value.KindString}}, value.KindString, nil
	case ast.NodeKeyword:
		idx := c.prog.InternString(n.Str)
		return ir.Seq{{Op: ir.OpPushKeyword, Arg: idx, Name: n.Str, Kind: value.KindKeyword}}, value.KindKeyword, nil
	case ast.NodeSymbol:
		slot, kind, ok := ctx.LookupLocal(n.Str)
		if !ok {
			// A top-level def is a niladic function, so a bare reference
			// to it (or to any zero-parameter function) is a call.
			if d := c.byName[n.Str]; d != nil && len(d.Params) == 0 {
				return c.lowerUserCall(ctx, n.Str, nil, ph)
			}
			return nil, value.KindAny, diag.New(diag.PhaseLower, n.Pos, "unbound symbol: "+n.Str)
		}
		return ir.Seq{{Op: ir.OpLoadLocal, Arg: slot, Kind: kind}}, kind, nil
	case ast.NodeVector:
		return c.lowerCollectionLiteral(ctx, n, "_vector_create", value.KindVector, ph)
	case ast.NodeSet:
		return c.lowerCollectionLiteral(ctx, n, "_set_create", value.KindSet, ph)
	case ast.NodeMap:
		return c.lowerCollectionLiteral(ctx, n, "_map_create", value.KindMap, ph)
	case ast.NodeList:
		return c.lowerList(ctx, n, ph)
	default:
		return nil, value.KindAny, diag.New(diag.PhaseLower, n.Pos, fmt.Sprintf("cannot lower node kind %d", n.Kind))
	}
}

// lowerCollectionLiteral evaluates every element into its own temp slot
// (so they all stay alive simultaneously — see Context.AllocTemp) then
// issues one RuntimeCall that consumes them in order. Map literals are
// flattened key/value pairs and are passed through unchanged: the arity
// passed to _map_create is the element count, always even.
//
// The created collection must own independent copies of any heap-typed
// element (spec: inserting a vector into a map must not let later
// mutation of the original vector show through the map). The runtime
// helpers themselves have no tag bits to branch on in this unboxed-word
// model, so the clone happens here instead, at the one place that still
// knows each element's static kind: a heap-kind child's value is passed
// through its Kind's clone helper before being stashed in its temp slot,
// and _vector_create/_map_create/_set_create then just copy the
// (already-cloned) pointers verbatim.
func (c *Compiler) lowerCollectionLiteral(ctx *Context, n *ast.Node, symbol string, kind value.Kind, ph phase) (ir.Seq, value.Kind, error) {
	var seq ir.Seq
	type elt struct {
		slot int
		kind value.Kind
	}
	var elts []elt
	for _, child := range n.Children {
		cseq, ckind, err := c.lowerForm(ctx, child, ph)
		if err != nil {
			return nil, value.KindAny, err
		}
		if helper := ckind.CloneHelper(); helper != "" {
			cseq = append(cseq, ir.Inst{Op: ir.OpRuntimeCall, Name: helper, Arg: 1, Kind: ckind})
		}
		slot := ctx.AllocTemp(ckind)
		seq = ir.Concat(seq, cseq, ir.Seq{{Op: ir.OpStoreLocal, Arg: slot, Kind: ckind}})
		elts = append(elts, elt{slot, ckind})
	}
	for _, e := range elts {
		seq = ir.Concat(seq, ir.Seq{{Op: ir.OpLoadLocal, Arg: e.slot, Kind: e.kind}})
	}
	seq = append(seq, ir.Inst{Op: ir.OpRuntimeCall, Name: symbol, Arg: len(elts), Kind: kind})
	ctx.ReleaseTempGroup()
	return seq, kind, nil
}
