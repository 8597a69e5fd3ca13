// Package jit implements jaxpr recording and caching as a Trace/Tracer
// pair on top of package trace (spec.md §4.4): Jit(f) returns a wrapped
// function that traces f to a Jaxpr the first time it sees a given
// input shape/dtype signature, caches it, and replays the cached
// program on every call with that signature — fusion of the replayed
// equations into single kernels falls out for free from array's own
// lazily-fusing builders (see DESIGN.md), so this package owns recording
// and reuse, not a separate fusion pass.
package jit

import (
	"fmt"
	"strings"
	"sync"

	"k8s.io/klog/v2"

	"github.com/tracekernel/tracekernel/array"
	"github.com/tracekernel/tracekernel/errs"
	"github.com/tracekernel/tracekernel/internal/errkit"
	"github.com/tracekernel/tracekernel/trace"
	"github.com/tracekernel/tracekernel/trace/pytree"
	"github.com/tracekernel/tracekernel/transforms/jvp"
	"github.com/tracekernel/tracekernel/transforms/vmap"
)

func init() {
	jvp.JitCallLinearize = linearizeJitCall
	vmap.JitCallBatch = batchJitCall
}

func linearizeJitCall(params any, pairs []*jvp.Pair) []trace.Tracer {
	jx := params.(trace.JitCallParams).Jaxpr.(*Jaxpr)
	operands := make([]trace.Tracer, len(pairs))
	for i, p := range pairs {
		operands[i] = p
	}
	return evalJaxpr(jx, operands)
}

func batchJitCall(params any, pairs []*vmap.Batched) []trace.Tracer {
	jx := params.(trace.JitCallParams).Jaxpr.(*Jaxpr)
	operands := make([]trace.Tracer, len(pairs))
	for i, p := range pairs {
		operands[i] = p
	}
	return evalJaxpr(jx, operands)
}

type entry struct {
	jaxpr     *Jaxpr
	outStruct *pytree.Tree
}

// Jit returns a wrapped version of f. f is written against the `any`
// tree of tracers a call hands it, exactly like transforms/jvp.Of and
// transforms/vmap.Of; each call to the wrapped function flattens its
// argument pytree, looks up a cached Jaxpr by structural key (spec.md
// §4.4's "Reuse"), traces and stores one on a cache miss, and replays it.
func Jit(f func(any) any) func(any) any {
	cache := &sync.Map{}
	return func(args any) any {
		leaves, structure := pytree.Flatten(args)
		key := cacheKeyOf(leaves, structure)
		var e entry
		if cached, ok := cache.Load(key); ok {
			e = cached.(entry)
		} else {
			e = traceToJaxpr(f, leaves, structure)
			cache.Store(key, e)
			klog.V(1).Infof("jit: traced %d equations for signature %q", len(e.jaxpr.Eqns), key)
		}
		return runJitted(e.jaxpr, e.outStruct, leaves)
	}
}

// cacheKeyOf fingerprints the call's argument structure plus every
// leaf's shape and dtype. A plain string comparison is enough here: the
// key only needs to round-trip through sync.Map's own equality check,
// not serve as a structural hash exposed to a caller, so fmt/strings
// from the standard library are the whole job (see DESIGN.md).
func cacheKeyOf(leaves []any, structure *pytree.Tree) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%+v", structure)
	for _, leaf := range leaves {
		a, ok := leaf.(*array.Array)
		if !ok {
			errkit.Throw(errs.NewUnsupportedError("jit: cache key leaf is a %T, not *array.Array", leaf))
		}
		fmt.Fprintf(&b, "|%v:%s", a.Shape(), a.DType())
	}
	return b.String()
}

func traceToJaxpr(f func(any) any, leaves []any, structure *pytree.Tree) entry {
	tr := &Trace{level: trace.Global().NextLevel()}
	inVars := make([]*Var, len(leaves))
	wrapped := make([]any, len(leaves))
	for i, leaf := range leaves {
		a, ok := leaf.(*array.Array)
		if !ok {
			errkit.Throw(errs.NewUnsupportedError("jit: arg leaf %d is a %T, not *array.Array", i, leaf))
		}
		v := tr.newVar(trace.AbstractValue{Shape: a.Shape(), DType: a.DType()})
		inVars[i] = v
		wrapped[i] = &JaxVar{owner: tr, v: v}
	}

	pop := trace.Global().Push(tr)
	defer pop()
	result := f(pytree.Unflatten(structure, wrapped))

	outLeaves, outStruct := pytree.Flatten(result)
	outVars := make([]*Var, len(outLeaves))
	for i, leaf := range outLeaves {
		outVars[i] = asJaxVar(tr, leaf, i).v
	}

	jx := &Jaxpr{
		ConstVars: tr.constVars,
		Consts:    tr.consts,
		InVars:    inVars,
		Eqns:      tr.eqns,
		OutVars:   outVars,
	}
	return entry{jaxpr: jx, outStruct: outStruct}
}

func asJaxVar(tr *Trace, leaf any, index int) *JaxVar {
	switch v := leaf.(type) {
	case *JaxVar:
		return v
	case *array.Array:
		aval := trace.AbstractValue{Shape: v.Shape(), DType: v.DType()}
		return tr.Lift(trace.NewConcrete(v, aval)).(*JaxVar)
	case trace.Tracer:
		return tr.Lift(v).(*JaxVar)
	default:
		errkit.Throw(errs.NewUnsupportedError("jit: output leaf %d has unsupported type %T", index, leaf))
		panic("unreachable")
	}
}

// runJitted replays jx against the call's actual leaves. If no outer
// transform is tracing right now, it runs the jaxpr directly; otherwise
// it emits a single jitCall primitive so the active trace's own rule
// (jvp's or vmap's, wired above) sees one opaque call rather than the
// unrolled body, matching spec.md §4.2's "JVP-transformed exactly once".
func runJitted(jx *Jaxpr, outStruct *pytree.Tree, leaves []any) any {
	operands := make([]trace.Tracer, 0, len(jx.ConstVars)+len(leaves))
	for i, v := range jx.ConstVars {
		operands = append(operands, trace.NewConcrete(jx.Consts[i], v.aval))
	}
	for i, leaf := range leaves {
		if tr, ok := leaf.(trace.Tracer); ok {
			operands = append(operands, tr)
		} else {
			operands = append(operands, trace.NewConcrete(leaf, jx.InVars[i].aval))
		}
	}

	var outs []trace.Tracer
	if trace.Global().Top() == nil {
		outs = evalJaxpr(jx, operands)
	} else {
		params := trace.JitCallParams{Jaxpr: jx, NumConsts: len(jx.ConstVars)}
		outs = trace.Bind(trace.JitCall, params, operands...)
	}

	outLeaves := make([]any, len(outs))
	for i, o := range outs {
		if c, ok := o.(*trace.Concrete); ok {
			outLeaves[i] = c.Value
		} else {
			outLeaves[i] = o
		}
	}
	return pytree.Unflatten(outStruct, outLeaves)
}
