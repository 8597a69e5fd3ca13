// Package einsum implements Einstein-summation contraction over lazy
// arrays: PlanFor finds the cheapest pairwise contraction order by an
// exhaustive FLOP-cost search, and Einsum lowers each pairwise step to
// transpose/reshape/broadcast/multiply/sum calls on package array, so a
// contraction is expressed entirely in terms of the core primitive set
// (spec.md §4.1 has no dedicated matmul/einsum primitive).
package einsum

import (
	"strings"

	"golang.org/x/exp/slices"

	"github.com/tracekernel/tracekernel/array"
	"github.com/tracekernel/tracekernel/errs"
	"github.com/tracekernel/tracekernel/internal/errkit"
	"github.com/tracekernel/tracekernel/internal/xset"
)

// Step is one pairwise contraction: the two operand ids to contract.
// Ids 0..n-1 name the original operands; the result of step i gets id
// n+i, so a step can reference earlier intermediates.
type Step [2]int

// Plan holds a contraction order and its total cost in floating-point
// operations (2 x the product of every distinct dimension touched by a
// pairwise step, summed over steps).
type Plan struct {
	Path  []Step
	Flops int64
}

type operand struct {
	id     int
	labels string
}

// expression is a parsed einsum spec: per-operand label strings and the
// output label string.
type expression struct {
	inputs []string
	output string
}

func parse(expr string, nOperands int) expression {
	lhs, output, explicit := strings.Cut(expr, "->")
	inputs := strings.Split(lhs, ",")
	if len(inputs) != nOperands {
		errkit.Throw(errs.NewShapeError("einsum: expression %q names %d operands, got %d", expr, len(inputs), nOperands))
	}
	counts := map[rune]int{}
	for _, labels := range inputs {
		seen := xset.Make[rune](len(labels))
		for _, l := range labels {
			if l < 'a' || l > 'z' {
				errkit.Throw(errs.NewShapeError("einsum: invalid axis label %q in %q", l, expr))
			}
			if seen.Has(l) {
				errkit.Throw(errs.NewUnsupportedError("einsum: repeated label %q within one operand of %q (diagonals are not supported)", l, expr))
			}
			seen.Insert(l)
			counts[l]++
		}
	}
	if !explicit {
		// Implicit output: labels appearing exactly once, alphabetically.
		var once []rune
		for l, c := range counts {
			if c == 1 {
				once = append(once, l)
			}
		}
		slices.Sort(once)
		output = string(once)
	}
	for _, l := range output {
		if counts[l] == 0 {
			errkit.Throw(errs.NewShapeError("einsum: output label %q does not appear in any operand of %q", l, expr))
		}
	}
	return expression{inputs: inputs, output: output}
}

// dimsOf binds every label to its dimension size, checking agreement
// across operands.
func dimsOf(ex expression, shapes [][]int64) map[rune]int64 {
	dims := map[rune]int64{}
	for i, labels := range ex.inputs {
		if len(shapes[i]) != len(labels) {
			errkit.Throw(errs.NewShapeError("einsum: operand %d has rank %d but labels %q", i, len(shapes[i]), labels))
		}
		for j, l := range labels {
			d := shapes[i][j]
			if prev, ok := dims[l]; ok && prev != d {
				errkit.Throw(errs.NewShapeError("einsum: label %q bound to both %d and %d", l, prev, d))
			}
			dims[l] = d
		}
	}
	return dims
}

// PlanFor returns the cheapest pairwise contraction order for expr over
// operands of the given shapes.
func PlanFor(expr string, shapes ...[]int64) Plan {
	ex := parse(expr, len(shapes))
	dims := dimsOf(ex, shapes)
	ops := make([]operand, len(shapes))
	for i, labels := range ex.inputs {
		ops[i] = operand{id: i, labels: labels}
	}
	if len(ops) == 1 {
		return Plan{Path: nil, Flops: 0}
	}
	flops, path := search(ops, ex.output, dims, len(ops))
	return Plan{Path: path, Flops: flops}
}

// search exhaustively tries every pairwise contraction order. Operand
// counts in real expressions are small, so the factorial search is
// cheaper than getting a heuristic wrong.
func search(ops []operand, output string, dims map[rune]int64, nextID int) (int64, []Step) {
	if len(ops) == 1 {
		return 0, nil
	}
	best := int64(-1)
	var bestPath []Step
	for i := 0; i < len(ops); i++ {
		for j := i + 1; j < len(ops); j++ {
			stepCost := pairCost(ops[i].labels, ops[j].labels, dims)
			rest := make([]operand, 0, len(ops)-1)
			for k, op := range ops {
				if k != i && k != j {
					rest = append(rest, op)
				}
			}
			keep := neededLater(ops[i].labels, ops[j].labels, rest, output)
			merged := operand{id: nextID, labels: mergedLabels(ops[i].labels, ops[j].labels, keep)}
			restCost, restPath := search(append(rest, merged), output, dims, nextID+1)
			total := stepCost + restCost
			if best < 0 || total < best {
				best = total
				bestPath = append([]Step{{ops[i].id, ops[j].id}}, restPath...)
			}
		}
	}
	return best, bestPath
}

// pairCost is 2 x the product of every distinct dimension the pairwise
// contraction touches (one multiply and one add per cell of the full
// iteration space).
func pairCost(a, b string, dims map[rune]int64) int64 {
	cost := int64(2)
	seen := xset.Make[rune]()
	for _, l := range a + b {
		if !seen.Has(l) {
			seen.Insert(l)
			cost *= dims[l]
		}
	}
	return cost
}

// neededLater reports which labels of the pair must survive the
// contraction: those in the final output or in any other remaining
// operand.
func neededLater(a, b string, rest []operand, output string) xset.Set[rune] {
	keep := xset.With([]rune(output)...)
	for _, op := range rest {
		keep.Insert([]rune(op.labels)...)
	}
	return keep
}

// mergedLabels gives the result labels of contracting a with b under
// keep: shared kept labels first (in a's order), then a's own, then b's.
func mergedLabels(a, b string, keep xset.Set[rune]) string {
	var batch, freeA, freeB strings.Builder
	for _, l := range a {
		inB := strings.ContainsRune(b, l)
		switch {
		case inB && keep.Has(l):
			batch.WriteRune(l)
		case !inB:
			freeA.WriteRune(l)
		}
	}
	for _, l := range b {
		if !strings.ContainsRune(a, l) {
			freeB.WriteRune(l)
		}
	}
	return batch.String() + freeA.String() + freeB.String()
}

// Einsum evaluates expr over operands along the optimal contraction path.
func Einsum(expr string, operands ...*array.Array) *array.Array {
	if len(operands) == 0 {
		errkit.Throw(errs.NewShapeError("einsum: no operands"))
	}
	shapes := make([][]int64, len(operands))
	for i, op := range operands {
		shapes[i] = op.Shape()
	}
	ex := parse(expr, len(operands))
	dimsOf(ex, shapes) // validates label/dimension agreement.
	plan := PlanFor(expr, shapes...)

	type entry struct {
		id     int
		labels string
		arr    *array.Array
		owned  bool // intermediate, disposed once consumed.
	}
	live := make([]entry, len(operands))
	for i, op := range operands {
		live[i] = entry{id: i, labels: ex.inputs[i], arr: op}
	}
	nextID := len(operands)

	take := func(id int) entry {
		for k, e := range live {
			if e.id == id {
				live = append(live[:k], live[k+1:]...)
				return e
			}
		}
		errkit.Throw(errs.NewShapeError("einsum: contraction path references unknown operand %d", id))
		panic("unreachable")
	}

	for _, step := range plan.Path {
		a := take(step[0])
		b := take(step[1])
		rest := make([]operand, len(live))
		for i, e := range live {
			rest[i] = operand{id: e.id, labels: e.labels}
		}
		keep := neededLater(a.labels, b.labels, rest, ex.output)
		labels := mergedLabels(a.labels, b.labels, keep)
		arr := contractPair(a.arr, a.labels, b.arr, b.labels, labels, keep)
		if a.owned {
			a.arr.Dispose()
		}
		if b.owned {
			b.arr.Dispose()
		}
		live = append(live, entry{id: nextID, labels: labels, arr: arr, owned: true})
		nextID++
	}

	final := live[0]
	return finish(final.arr, final.labels, ex.output, final.owned)
}

// contractPair computes one pairwise contraction, aligning both operands
// to [shared kept..., a-only..., b-only..., contracted...] and lowering
// to broadcast-multiply-sum.
func contractPair(a *array.Array, aLabels string, b *array.Array, bLabels, outLabels string, keep xset.Set[rune]) *array.Array {
	var contracted []rune
	for _, l := range aLabels {
		if strings.ContainsRune(bLabels, l) && !keep.Has(l) {
			contracted = append(contracted, l)
		}
	}
	aligned := outLabels + string(contracted)
	aT := alignTo(a, aLabels, aligned)
	bT := alignTo(b, bLabels, aligned)

	target := make([]int64, len(aligned))
	aShape, bShape := aT.Shape(), bT.Shape()
	for i := range target {
		target[i] = max64(aShape[i], bShape[i])
	}
	aB := aT.BroadcastTo(target)
	aT.Dispose()
	bB := bT.BroadcastTo(target)
	bT.Dispose()
	prod := aB.Mul(bB)
	aB.Dispose()
	bB.Dispose()

	if len(contracted) == 0 {
		return prod
	}
	axes := make([]int, len(contracted))
	for i := range contracted {
		axes[i] = len(outLabels) + i
	}
	out := prod.Sum(axes, false)
	prod.Dispose()
	return out
}

// alignTo transposes a's labeled axes into the order of target labels,
// inserting size-1 axes for target labels a does not carry.
func alignTo(a *array.Array, labels, target string) *array.Array {
	perm := make([]int, 0, len(labels))
	for _, l := range target {
		if idx := strings.IndexRune(labels, l); idx >= 0 {
			perm = append(perm, idx)
		}
	}
	t := a.Transpose(perm)

	shape := make([]int64, len(target))
	tShape := t.Shape()
	k := 0
	for i, l := range target {
		if strings.ContainsRune(labels, l) {
			shape[i] = tShape[k]
			k++
		} else {
			shape[i] = 1
		}
	}
	out := t.Reshape(shape)
	t.Dispose()
	return out
}

// finish reduces away labels absent from the output and reorders the
// rest, covering both the single-operand case ("ij->i") and a final
// intermediate whose label order differs from the requested output.
func finish(a *array.Array, labels, output string, owned bool) *array.Array {
	var drop []int
	for i, l := range labels {
		if !strings.ContainsRune(output, l) {
			drop = append(drop, i)
		}
	}
	cur, curLabels := a, labels
	if len(drop) > 0 {
		summed := cur.Sum(drop, false)
		if owned {
			cur.Dispose()
		}
		cur = summed
		owned = true
		var kept strings.Builder
		for _, l := range labels {
			if strings.ContainsRune(output, l) {
				kept.WriteRune(l)
			}
		}
		curLabels = kept.String()
	}
	if curLabels == output {
		if !owned {
			cur.IncRef()
		}
		return cur
	}
	perm := make([]int, len(output))
	for i, l := range output {
		perm[i] = strings.IndexRune(curLabels, l)
	}
	out := cur.Transpose(perm)
	if owned {
		cur.Dispose()
	}
	return out
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
