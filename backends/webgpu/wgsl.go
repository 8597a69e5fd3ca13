// Package webgpu implements the GPU-compute backend: kernels are lowered
// to WGSL compute shaders dispatched over the output's linear index, one
// invocation per output element, with buffers bound in GlobalIndex gid
// order followed by the output and a size uniform. Shader generation
// (this file) is a pure function of the kernel, so compiled modules are
// cached by source; the device plumbing lives in webgpu.go and follows
// the zero-CGO go-webgpu bindings.
package webgpu

import (
	"fmt"
	"math"
	"strings"

	"github.com/tracekernel/tracekernel/dtypes"
	"github.com/tracekernel/tracekernel/errs"
	"github.com/tracekernel/tracekernel/internal/errkit"
	"github.com/tracekernel/tracekernel/kernel"
	"github.com/tracekernel/tracekernel/scalar"
)

// workgroupSize is the number of invocations per workgroup; dispatch
// rounds the output size up to a whole number of workgroups and the
// shader guards the tail.
const workgroupSize = 256

// GenerateWGSL returns the WGSL compute-shader source implementing k.
func GenerateWGSL(k *kernel.Kernel) string {
	g := &generator{inputDTypes: map[int]dtypes.DType{}}
	g.collectInputs(k.Expr)
	if k.Reduction != nil {
		g.collectInputs(k.Reduction.Combine)
		if k.Reduction.Epilogue != nil {
			g.collectInputs(k.Reduction.Epilogue)
		}
	}

	nargs := k.NArgs()
	var header strings.Builder
	for gid := 0; gid < nargs; gid++ {
		dt, ok := g.inputDTypes[gid]
		if !ok {
			dt = k.OutputDType
		}
		fmt.Fprintf(&header, "@group(0) @binding(%d) var<storage, read> in%d: array<%s>;\n", gid, gid, wgslType(dt))
	}
	fmt.Fprintf(&header, "@group(0) @binding(%d) var<storage, read_write> out: array<%s>;\n", nargs, wgslType(k.OutputDType))
	fmt.Fprintf(&header, "\nstruct Params {\n    size: u32,\n}\n@group(0) @binding(%d) var<uniform> params: Params;\n", nargs+1)

	var body strings.Builder
	body.WriteString("    if (global_id.x >= params.size) {\n        return;\n    }\n")
	body.WriteString("    let gidx: i32 = i32(global_id.x);\n")

	var result string
	if k.Reduction == nil {
		result = g.emit(&body, k.Expr, "    ", nil)
	} else {
		r := k.Reduction
		fmt.Fprintf(&body, "    var acc: %s = %s;\n", wgslType(r.Identity.DType), literal(r.Identity))
		fmt.Fprintf(&body, "    for (var ridx: i32 = 0; ridx < %d; ridx = ridx + 1) {\n", r.AxisSize)
		elem := g.emit(&body, k.Expr, "        ", nil)
		combined := g.emit(&body, r.Combine, "        ", map[string]string{"racc": "acc", "relem": elem})
		fmt.Fprintf(&body, "        acc = %s;\n", combined)
		body.WriteString("    }\n")
		result = "acc"
		if r.Epilogue != nil {
			result = g.emit(&body, r.Epilogue, "    ", map[string]string{"racc": "acc"})
		}
	}
	fmt.Fprintf(&body, "    out[global_id.x] = %s;\n", result)

	var src strings.Builder
	src.WriteString(header.String())
	src.WriteString("\n")
	if g.needFloorDiv {
		src.WriteString(floorDivHelper)
	}
	if g.needFloorMod {
		src.WriteString(floorModHelper)
	}
	fmt.Fprintf(&src, "@compute @workgroup_size(%d)\nfn main(@builtin(global_invocation_id) global_id: vec3<u32>) {\n", workgroupSize)
	src.WriteString(body.String())
	src.WriteString("}\n")
	return src.String()
}

const floorDivHelper = `fn floordiv_i32(a: i32, b: i32) -> i32 {
    var q: i32 = a / b;
    if ((a % b != 0) && ((a < 0) != (b < 0))) {
        q = q - 1;
    }
    return q;
}

`

const floorModHelper = `fn floormod_i32(a: i32, b: i32) -> i32 {
    var r: i32 = a % b;
    if ((r != 0) && ((r < 0) != (b < 0))) {
        r = r + b;
    }
    return r;
}

`

type generator struct {
	inputDTypes  map[int]dtypes.DType
	nextVar      int
	needFloorDiv bool
	needFloorMod bool
}

func (g *generator) collectInputs(e *scalar.Expr) {
	if e.Op == scalar.OpGlobalIndex {
		gid := e.Arg.(scalar.GlobalIndexArg).Gid
		if prev, ok := g.inputDTypes[gid]; ok && prev != e.DType {
			errkit.Throw(errs.NewDtypeError("webgpu: input %d read as both %s and %s", gid, prev, e.DType))
		}
		g.inputDTypes[gid] = e.DType
	}
	for _, s := range e.Sources {
		g.collectInputs(s)
	}
}

// emit writes let-bindings for e's subtree to body and returns the WGSL
// expression (a variable name or literal) for e's value. Each call uses
// its own memo so a DAG node shared within one scope is computed once.
func (g *generator) emit(body *strings.Builder, e *scalar.Expr, indent string, env map[string]string) string {
	memo := map[*scalar.Expr]string{}
	return g.emitNode(body, e, indent, env, memo)
}

func (g *generator) emitNode(body *strings.Builder, e *scalar.Expr, indent string, env map[string]string, memo map[*scalar.Expr]string) string {
	if name, ok := memo[e]; ok {
		return name
	}
	expr := g.nodeExpr(body, e, indent, env, memo)
	if e.Op == scalar.OpConst || e.Op == scalar.OpSpecial {
		memo[e] = expr
		return expr
	}
	name := fmt.Sprintf("v%d", g.nextVar)
	g.nextVar++
	fmt.Fprintf(body, "%slet %s = %s;\n", indent, name, expr)
	memo[e] = name
	return name
}

func (g *generator) nodeExpr(body *strings.Builder, e *scalar.Expr, indent string, env map[string]string, memo map[*scalar.Expr]string) string {
	sub := func(i int) string {
		return g.emitNode(body, e.Sources[i], indent, env, memo)
	}
	switch e.Op {
	case scalar.OpAdd:
		if e.DType == dtypes.Bool {
			return fmt.Sprintf("(%s || %s)", sub(0), sub(1))
		}
		return fmt.Sprintf("(%s + %s)", sub(0), sub(1))
	case scalar.OpSub:
		return fmt.Sprintf("(%s - %s)", sub(0), sub(1))
	case scalar.OpMul:
		if e.DType == dtypes.Bool {
			return fmt.Sprintf("(%s && %s)", sub(0), sub(1))
		}
		return fmt.Sprintf("(%s * %s)", sub(0), sub(1))
	case scalar.OpIDiv:
		if e.DType == dtypes.Float32 {
			return fmt.Sprintf("(%s / %s)", sub(0), sub(1))
		}
		if e.DType == dtypes.Uint32 {
			return fmt.Sprintf("(%s / %s)", sub(0), sub(1))
		}
		g.needFloorDiv = true
		return fmt.Sprintf("floordiv_i32(%s, %s)", sub(0), sub(1))
	case scalar.OpMod:
		if e.DType == dtypes.Uint32 {
			return fmt.Sprintf("(%s %% %s)", sub(0), sub(1))
		}
		if e.DType != dtypes.Int32 {
			errkit.Throw(errs.NewUnsupportedError("webgpu: mod over dtype %s has no shader lowering", e.DType))
		}
		g.needFloorMod = true
		return fmt.Sprintf("floormod_i32(%s, %s)", sub(0), sub(1))
	case scalar.OpCmpLt:
		return fmt.Sprintf("(%s < %s)", sub(0), sub(1))
	case scalar.OpCmpNe:
		return fmt.Sprintf("(%s != %s)", sub(0), sub(1))
	case scalar.OpSin:
		return fmt.Sprintf("sin(%s)", sub(0))
	case scalar.OpCos:
		return fmt.Sprintf("cos(%s)", sub(0))
	case scalar.OpWhere:
		cond := sub(0)
		ifTrue := sub(1)
		ifFalse := sub(2)
		return fmt.Sprintf("select(%s, %s, %s)", ifFalse, ifTrue, cond)
	case scalar.OpConst:
		return literal(e.Arg.(scalar.Value))
	case scalar.OpSpecial:
		name := e.Arg.(scalar.SpecialArg).Name
		if bound, ok := env[name]; ok {
			return bound
		}
		if name == "gidx" || name == "ridx" {
			return name
		}
		errkit.Throw(errs.NewUnsupportedError("webgpu: unbound special %q in kernel expression", name))
		panic("unreachable")
	case scalar.OpGlobalIndex:
		gid := e.Arg.(scalar.GlobalIndexArg).Gid
		return fmt.Sprintf("in%d[u32(%s)]", gid, sub(0))
	default:
		errkit.Throw(errs.NewUnsupportedError("webgpu: scalar op %s has no shader lowering", e.Op))
		panic("unreachable")
	}
}

func wgslType(dt dtypes.DType) string {
	switch dt {
	case dtypes.Int32:
		return "i32"
	case dtypes.Uint32:
		return "u32"
	case dtypes.Float32:
		return "f32"
	default:
		errkit.Throw(errs.NewUnsupportedError("webgpu: dtype %s has no storage-buffer representation", dt))
		panic("unreachable")
	}
}

func literal(v scalar.Value) string {
	switch v.DType {
	case dtypes.Bool:
		if v.Bool {
			return "true"
		}
		return "false"
	case dtypes.Int32:
		// bitcast keeps the emission exact for every value, including
		// the minimum i32, which has no WGSL decimal literal form.
		return fmt.Sprintf("bitcast<i32>(0x%08xu)", uint32(v.I32))
	case dtypes.Uint32:
		return fmt.Sprintf("%du", v.U32)
	case dtypes.Float32:
		return fmt.Sprintf("bitcast<f32>(0x%08xu)", math.Float32bits(v.F32))
	default:
		errkit.Throw(errs.NewUnsupportedError("webgpu: dtype %s has no literal form", v.DType))
		panic("unreachable")
	}
}
