package compiler

import (
	"fmt"

	"github.com/slisp-lang/slisp/internal/ast"
	"github.com/slisp-lang/slisp/internal/diag"
	"github.com/slisp-lang/slisp/internal/ir"
	"github.com/slisp-lang/slisp/internal/value"
)

var binaryArith = map[string]ir.Opcode{
	"+": ir.OpAdd, "-": ir.OpSub, "*": ir.OpMul, "/": ir.OpDiv, "mod": ir.OpMod,
}

var comparisonOps = map[string]ir.Opcode{
	"=": ir.OpEq, "!=": ir.OpNeq, "<": ir.OpLt, ">": ir.OpGt, "<=": ir.OpLeq, ">=": ir.OpGeq,
}

// builtinCalls maps a builtin form name to the runtime symbol it
// compiles to and the exact argument count the symbol expects, for the
// one-shot (non-higher-order) collection/string helpers. CloneArgs
// names the argument indices (0-based, in call-written order) that get
// freshly inserted into a container by this symbol: spec.md's
// deep-clone-at-collection-boundaries rule applies to those exactly the
// way it applies to collection-literal elements (see
// lowerCollectionLiteral), because the runtime helpers themselves have
// no tag to clone by at the point they'd need to.
var builtinCalls = map[string]struct {
	Symbol    string
	Arity     int
	Kind      value.Kind
	CloneArgs []int
}{
	"first":       {"_vector_first", 1, value.KindAny, nil},
	"rest":        {"_vector_rest", 1, value.KindVector, nil},
	"cons":        {"_vector_cons", 2, value.KindVector, []int{0}},
	"conj":        {"_vector_conj", 2, value.KindVector, []int{1}},
	"concat":      {"_vector_concat", 2, value.KindVector, nil},
	"count":       {"_coll_count", 1, value.KindNumber, nil},
	"nth":         {"_vector_nth", 2, value.KindAny, nil},
	"reverse":     {"_vector_reverse", 1, value.KindVector, nil},
	"get":         {"_map_get", 2, value.KindAny, nil},
	"assoc":       {"_map_assoc", 3, value.KindMap, []int{2}},
	"dissoc":      {"_map_dissoc", 2, value.KindMap, nil},
	"keys":        {"_map_keys", 1, value.KindVector, nil},
	"vals":        {"_map_vals", 1, value.KindVector, nil},
	"merge":       {"_map_merge", 2, value.KindMap, nil},
	"contains?":   {"_coll_contains", 2, value.KindBool, nil},
	"empty?":      {"_coll_empty", 1, value.KindBool, nil},
	"select-keys": {"_map_select_keys", 2, value.KindMap, nil},
	"zipmap":      {"_map_zipmap", 2, value.KindMap, nil},
}

// higherOrderCalls map a builtin name that takes a function reference as
// its first argument to the runtime symbol that, internally, performs
// the indirect call per element (the hand-assembled helper loads the
// passed function pointer into a scratch register and issues `call`
// itself — see internal/runtimelib).
var higherOrderCalls = map[string]struct {
	Symbol string
	Kind   value.Kind
}{
	"map":    {"_vector_map", value.KindVector},
	"filter": {"_vector_filter", value.KindVector},
	"reduce": {"_vector_reduce", value.KindAny},
}

// lowerList dispatches a parenthesized form to the right lowering rule.
func (c *Compiler) lowerList(ctx *Context, n *ast.Node, ph phase) (ir.Seq, value.Kind, error) {
	if len(n.Children) == 0 {
		return nil, value.KindAny, diag.New(diag.PhaseLower, n.Pos, "empty form")
	}
	head := n.Children[0]
	if head.Kind != ast.NodeSymbol {
		return nil, value.KindAny, diag.New(diag.PhaseLower, head.Pos, "form head must be a symbol")
	}
	args := n.Children[1:]

	switch head.Str {
	case "let":
		return c.lowerLet(ctx, n, ph)
	case "if":
		return c.lowerIf(ctx, n, ph)
	case "fn":
		return c.lowerFnLiteral(ctx, n, ph)
	case "do":
		return c.lowerDo(ctx, args, ph)
	case "str":
		return c.lowerStr(ctx, args, ph)
	case "not":
		if len(args) != 1 {
			return nil, value.KindAny, diag.New(diag.PhaseLower, n.Pos, "not takes exactly one argument")
		}
		seq, _, err := c.lowerForm(ctx, args[0], ph)
		if err != nil {
			return nil, value.KindAny, err
		}
		seq = append(seq, ir.Inst{Op: ir.OpNot, Kind: value.KindBool})
		return seq, value.KindBool, nil
	case "and", "or":
		return c.lowerVariadicLogical(ctx, head.Str, args, ph)
	}

	if op, ok := binaryArith[head.Str]; ok {
		return c.lowerArith(ctx, head.Str, op, args, ph)
	}
	if op, ok := comparisonOps[head.Str]; ok {
		if len(args) != 2 {
			return nil, value.KindAny, diag.New(diag.PhaseLower, n.Pos, head.Str+" takes exactly two arguments")
		}
		return c.lowerBinary(ctx, args[0], args[1], op, value.KindBool, ph)
	}
	if bi, ok := higherOrderCalls[head.Str]; ok {
		return c.lowerHigherOrder(ctx, head.Str, bi.Symbol, bi.Kind, args, ph)
	}
	if bi, ok := builtinCalls[head.Str]; ok {
		if len(args) != bi.Arity {
			return nil, value.KindAny, diag.New(diag.PhaseLower, n.Pos, fmt.Sprintf("%s takes exactly %d argument(s)", head.Str, bi.Arity))
		}
		return c.lowerRuntimeCall(ctx, bi.Symbol, bi.Kind, bi.CloneArgs, args, ph)
	}
	if _, ok := c.byName[head.Str]; ok {
		return c.lowerUserCall(ctx, head.Str, args, ph)
	}
	return nil, value.KindAny, diag.New(diag.PhaseLower, head.Pos, "unknown function: "+head.Str)
}

func (c *Compiler) lowerDo(ctx *Context, args []*ast.Node, ph phase) (ir.Seq, value.Kind, error) {
	if len(args) == 0 {
		return ir.Seq{{Op: ir.OpPushNil, Kind: value.KindNil}}, value.KindNil, nil
	}
	var seq ir.Seq
	var kind value.Kind
	for i, a := range args {
		s, k, err := c.lowerForm(ctx, a, ph)
		if err != nil {
			return nil, value.KindAny, err
		}
		seq = ir.Concat(seq, s)
		if i == len(args)-1 {
			kind = k
		} else {
			// A non-final form's value is unused: store it into a temp
			// slot so the do leaves exactly one value on the stack.
			seq = append(seq, ir.Inst{Op: ir.OpStoreLocal, Arg: ctx.AllocTemp(k), Kind: k})
		}
	}
	return seq, kind, nil
}

// lowerLet lowers (let [name1 expr1 name2 expr2 ...] body...). Bindings
// see earlier bindings in the same let but not later ones, matching
// left-to-right evaluation order everywhere else in the language.
func (c *Compiler) lowerLet(ctx *Context, n *ast.Node, ph phase) (ir.Seq, value.Kind, error) {
	if len(n.Children) < 2 {
		return nil, value.KindAny, diag.New(diag.PhaseLower, n.Pos, "let requires a binding vector")
	}
	bindings := n.Children[1]
	if bindings.Kind != ast.NodeVector || len(bindings.Children)%2 != 0 {
		return nil, value.KindAny, diag.New(diag.PhaseLower, bindings.Pos, "let bindings must be an even-length vector")
	}
	body := n.Children[2:]

	ctx.PushScope()
	defer ctx.PopScope()

	var seq ir.Seq
	for i := 0; i < len(bindings.Children); i += 2 {
		nameNode := bindings.Children[i]
		valNode := bindings.Children[i+1]
		if nameNode.Kind != ast.NodeSymbol {
			return nil, value.KindAny, diag.New(diag.PhaseLower, nameNode.Pos, "let binding name must be a symbol")
		}
		vseq, vkind, err := c.lowerForm(ctx, valNode, ph)
		if err != nil {
			return nil, value.KindAny, err
		}
		// Binding a name directly to another symbol (let [a x]) makes a
		// second owning reference to whatever heap value x holds unless
		// we clone here, the same deep-clone-at-a-boundary rule applied
		// to collection-literal elements in lowerCollectionLiteral —
		// otherwise both a and x would be freed independently for the
		// same allocation.
		if valNode.Kind == ast.NodeSymbol {
			if helper := vkind.CloneHelper(); helper != "" {
				vseq = append(vseq, ir.Inst{Op: ir.OpRuntimeCall, Name: helper, Arg: 1, Kind: vkind})
			}
		}
		slot := ctx.BindLocal(nameNode.Str, vkind, vkind.Ownable())
		seq = ir.Concat(seq, vseq, ir.Seq{{Op: ir.OpStoreLocal, Arg: slot, Kind: vkind}})
	}

	bseq, bkind, err := c.lowerDo(ctx, body, ph)
	if err != nil {
		return nil, value.KindAny, err
	}
	seq = ir.Concat(seq, bseq)
	return seq, bkind, nil
}

func (c *Compiler) lowerIf(ctx *Context, n *ast.Node, ph phase) (ir.Seq, value.Kind, error) {
	if len(n.Children) < 3 || len(n.Children) > 4 {
		return nil, value.KindAny, diag.New(diag.PhaseLower, n.Pos, "if takes a condition, a then-branch, and an optional else-branch")
	}
	condSeq, _, err := c.lowerForm(ctx, n.Children[1], ph)
	if err != nil {
		return nil, value.KindAny, err
	}
	thenSeq, thenKind, err := c.lowerForm(ctx, n.Children[2], ph)
	if err != nil {
		return nil, value.KindAny, err
	}
	var elseSeq ir.Seq
	elseKind := value.KindNil
	if len(n.Children) == 4 {
		elseSeq, elseKind, err = c.lowerForm(ctx, n.Children[3], ph)
		if err != nil {
			return nil, value.KindAny, err
		}
	} else {
		elseSeq = ir.Seq{{Op: ir.OpPushNil, Kind: value.KindNil}}
	}

	lElse := ctx.NewLabel()
	lEnd := ctx.NewLabel()

	seq := ir.Concat(
		condSeq,
		ir.Seq{{Op: ir.OpJumpIfZero, Arg: lElse}},
		thenSeq,
		ir.Seq{{Op: ir.OpJump, Arg: lEnd}},
		ir.Seq{{Op: ir.OpLabel, Arg: lElse}},
		elseSeq,
		ir.Seq{{Op: ir.OpLabel, Arg: lEnd}},
	)

	kind := value.KindAny
	if thenKind == elseKind {
		kind = thenKind
	}
	return seq, kind, nil
}

// lowerFnLiteral hoists (fn [params] body...) into a synthetic top-level
// function (non-capturing: it may only reference its own parameters and
// globals, never the enclosing lexical scope) and lowers to the
// function-address it evaluates to.
func (c *Compiler) lowerFnLiteral(ctx *Context, n *ast.Node, ph phase) (ir.Seq, value.Kind, error) {
	name, ok := c.anonNames[n]
	if !ok {
		if len(n.Children) < 3 {
			return nil, value.KindAny, diag.New(diag.PhaseLower, n.Pos, "fn requires a parameter vector and a body")
		}
		paramsNode := n.Children[1]
		if paramsNode.Kind != ast.NodeVector {
			return nil, value.KindAny, diag.New(diag.PhaseLower, paramsNode.Pos, "fn parameter list must be a vector")
		}
		var params []string
		for _, p := range paramsNode.Children {
			if p.Kind != ast.NodeSymbol {
				return nil, value.KindAny, diag.New(diag.PhaseLower, p.Pos, "fn parameters must be symbols")
			}
			params = append(params, p.Str)
		}
		c.anonCounter++
		name = fmt.Sprintf("fn$%d", c.anonCounter)
		c.anonNames[n] = name
		c.register(&funcDecl{Name: name, Params: params, Body: n.Children[2:]})
	}
	return ir.Seq{{Op: ir.OpPushFunctionAddress, Name: name, Kind: value.KindAny}}, value.KindAny, nil
}

func (c *Compiler) lowerArith(ctx *Context, opName string, op ir.Opcode, args []*ast.Node, ph phase) (ir.Seq, value.Kind, error) {
	if len(args) == 0 {
		return nil, value.KindAny, diag.New(diag.PhaseLower, ast.Pos{}, opName+" requires at least one argument")
	}
	if opName == "-" && len(args) == 1 {
		seq, _, err := c.lowerForm(ctx, args[0], ph)
		if err != nil {
			return nil, value.KindAny, err
		}
		seq = append(seq, ir.Inst{Op: ir.OpNeg, Kind: value.KindNumber})
		return seq, value.KindNumber, nil
	}
	seq, _, err := c.lowerForm(ctx, args[0], ph)
	if err != nil {
		return nil, value.KindAny, err
	}
	for _, a := range args[1:] {
		rseq, _, err := c.lowerForm(ctx, a, ph)
		if err != nil {
			return nil, value.KindAny, err
		}
		seq = ir.Concat(seq, rseq, ir.Seq{{Op: op, Kind: value.KindNumber}})
	}
	return seq, value.KindNumber, nil
}

func (c *Compiler) lowerBinary(ctx *Context, lhs, rhs *ast.Node, op ir.Opcode, kind value.Kind, ph phase) (ir.Seq, value.Kind, error) {
	lseq, _, err := c.lowerForm(ctx, lhs, ph)
	if err != nil {
		return nil, value.KindAny, err
	}
	rseq, _, err := c.lowerForm(ctx, rhs, ph)
	if err != nil {
		return nil, value.KindAny, err
	}
	seq := ir.Concat(lseq, rseq, ir.Seq{{Op: op, Kind: kind}})
	return seq, kind, nil
}

func (c *Compiler) lowerVariadicLogical(ctx *Context, opName string, args []*ast.Node, ph phase) (ir.Seq, value.Kind, error) {
	if len(args) == 0 {
		return ir.Seq{{Op: ir.OpPushBool, Bool: opName == "and", Kind: value.KindBool}}, value.KindBool, nil
	}
	op := ir.OpAnd
	if opName == "or" {
		op = ir.OpOr
	}
	seq, _, err := c.lowerForm(ctx, args[0], ph)
	if err != nil {
		return nil, value.KindAny, err
	}
	for _, a := range args[1:] {
		rseq, _, err := c.lowerForm(ctx, a, ph)
		if err != nil {
			return nil, value.KindAny, err
		}
		seq = ir.Concat(seq, rseq, ir.Seq{{Op: op, Kind: value.KindBool}})
	}
	return seq, value.KindBool, nil
}

// lowerStr concatenates N arguments into a single string, normalizing
// every non-string argument to its string representation first (spec's
// "str" is the only place an arbitrary value is coerced to text).
//
// Normalization dispatches on the statically known Kind, matching
// internal/runtimelib's one-symbol-per-concrete-kind helpers:
// KindNumber gets the cheap `_string_from_number`; anything that stayed
// KindAny through kind inference falls back to the polymorphic
// `_string_normalize`, which is the only runtime helper that ever has to
// inspect a value it cannot format by its own fixed byte layout.
func (c *Compiler) lowerStr(ctx *Context, args []*ast.Node, ph phase) (ir.Seq, value.Kind, error) {
	var seq ir.Seq
	for _, a := range args {
		aseq, akind, err := c.lowerForm(ctx, a, ph)
		if err != nil {
			return nil, value.KindAny, err
		}
		seq = ir.Concat(seq, aseq)
		switch akind {
		case value.KindString:
			// already a string; nothing to normalize
		case value.KindNumber:
			seq = append(seq, ir.Inst{Op: ir.OpRuntimeCall, Name: "_string_from_number", Arg: 1, Kind: value.KindString})
		default:
			seq = append(seq, ir.Inst{Op: ir.OpRuntimeCall, Name: "_string_normalize", Arg: 1, Kind: value.KindString})
		}
	}
	seq = append(seq, ir.Inst{Op: ir.OpRuntimeCall, Name: "_string_concat_n", Arg: len(args), Kind: value.KindString})
	return seq, value.KindString, nil
}

func (c *Compiler) lowerRuntimeCall(ctx *Context, symbol string, kind value.Kind, cloneArgs []int, args []*ast.Node, ph phase) (ir.Seq, value.Kind, error) {
	clone := make(map[int]bool, len(cloneArgs))
	for _, i := range cloneArgs {
		clone[i] = true
	}
	var seq ir.Seq
	for i, a := range args {
		aseq, akind, err := c.lowerForm(ctx, a, ph)
		if err != nil {
			return nil, value.KindAny, err
		}
		seq = ir.Concat(seq, aseq)
		if clone[i] {
			if helper := akind.CloneHelper(); helper != "" {
				seq = append(seq, ir.Inst{Op: ir.OpRuntimeCall, Name: helper, Arg: 1, Kind: akind})
			}
		}
	}
	seq = append(seq, ir.Inst{Op: ir.OpRuntimeCall, Name: symbol, Arg: len(args), Kind: kind})
	return seq, kind, nil
}

// lowerHigherOrder lowers (map f coll), (filter f coll), (reduce f init
// coll) and similar forms whose first argument names a function. A bare
// symbol naming a known top-level function lowers to its address
// directly; anything else (an inline fn literal, or an expression
// expected to already hold one) lowers normally.
func (c *Compiler) lowerHigherOrder(ctx *Context, formName, symbol string, kind value.Kind, args []*ast.Node, ph phase) (ir.Seq, value.Kind, error) {
	if len(args) == 0 {
		return nil, value.KindAny, diag.New(diag.PhaseLower, ast.Pos{}, formName+" requires a function argument")
	}
	fnArg := args[0]
	var fnSeq ir.Seq
	if fnArg.Kind == ast.NodeSymbol {
		if _, ok := c.byName[fnArg.Str]; ok {
			fnSeq = ir.Seq{{Op: ir.OpPushFunctionAddress, Name: fnArg.Str, Kind: value.KindAny}}
		}
	}
	if fnSeq == nil {
		var err error
		fnSeq, _, err = c.lowerForm(ctx, fnArg, ph)
		if err != nil {
			return nil, value.KindAny, err
		}
	}
	seq := fnSeq
	for _, a := range args[1:] {
		aseq, _, err := c.lowerForm(ctx, a, ph)
		if err != nil {
			return nil, value.KindAny, err
		}
		seq = ir.Concat(seq, aseq)
	}
	seq = append(seq, ir.Inst{Op: ir.OpRuntimeCall, Name: symbol, Arg: len(args), Kind: kind})
	return seq, kind, nil
}

// lowerUserCall lowers a call to a function defined at top level via
// defn/def/fn. Arguments are evaluated strictly left to right, and in
// phase A each argument's observed kind feeds the parameter-kind table
// phase B reads back.
func (c *Compiler) lowerUserCall(ctx *Context, name string, args []*ast.Node, ph phase) (ir.Seq, value.Kind, error) {
	decl := c.byName[name]
	if len(args) != len(decl.Params) {
		return nil, value.KindAny, diag.New(diag.PhaseLower, ast.Pos{}, fmt.Sprintf("%s takes %d argument(s), got %d", name, len(decl.Params), len(args)))
	}
	var seq ir.Seq
	for i, a := range args {
		aseq, akind, err := c.lowerForm(ctx, a, ph)
		if err != nil {
			return nil, value.KindAny, err
		}
		if ph == phaseA {
			c.observeParamKind(paramKey{Func: name, Index: i}, akind)
		}
		seq = ir.Concat(seq, aseq)
	}
	retKind := c.retKind[name] // only populated once phase B has lowered the callee
	seq = append(seq, ir.Inst{Op: ir.OpCall, Name: name, Arg: len(args), Kind: retKind})
	return seq, retKind, nil
}
