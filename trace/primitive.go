package trace

// Primitive names one of the core operations the tracing framework knows
// how to process (spec.md §4.1). Every transform (jvp, vmap, jit) carries
// a rule table keyed by Primitive.
type Primitive string

const (
	Add        Primitive = "add"
	Mul        Primitive = "mul"
	IDiv       Primitive = "idiv"
	Mod        Primitive = "mod"
	Neg        Primitive = "neg"
	Reciprocal Primitive = "reciprocal"
	Sin        Primitive = "sin"
	Cos        Primitive = "cos"
	Min        Primitive = "min"
	Max        Primitive = "max"
	Compare    Primitive = "compare" // Params: CompareParams.
	ReduceSum  Primitive = "reduceSum"
	Where      Primitive = "where"
	Transpose  Primitive = "transpose" // Params: TransposeParams.
	Broadcast  Primitive = "broadcast" // Params: BroadcastParams.
	Reshape    Primitive = "reshape"   // Params: ReshapeParams.
	Flip       Primitive = "flip"      // Params: FlipParams.
	JitCall    Primitive = "jitCall"   // Params: JitCallParams.
)

// CompareParams selects which comparison Compare performs.
type CompareParams struct {
	Op string // "lt" or "ne".
}

// TransposeParams gives the permutation applied to the operand's axes.
type TransposeParams struct {
	Perm []int
}

// BroadcastParams gives the target shape and which of its axes correspond
// to the operand's existing axes (the rest are new, size-1-broadcast axes).
type BroadcastParams struct {
	Shape []int64
	Axes  []int
}

// ReshapeParams gives the target shape.
type ReshapeParams struct {
	Shape []int64
}

// FlipParams names the axes to reverse.
type FlipParams struct {
	Axes []int
}

// ReduceSumParams names the axes summed over.
type ReduceSumParams struct {
	Axes []int
}

// JitCallParams carries the jaxpr a jitCall invokes and how many of its
// leading inputs are captured constants rather than call arguments.
type JitCallParams struct {
	Jaxpr     any // *jit.Jaxpr; typed any here to avoid an import cycle with package jit.
	NumConsts int
}
