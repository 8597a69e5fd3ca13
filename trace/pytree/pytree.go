// Package pytree implements tree flattening over arbitrarily nested
// structures of leaves (spec.md §4.1): the public API flattens its
// arguments to a leaf list plus a structure descriptor, runs the flat
// core, then unflattens outputs by the descriptor recorded on the way in.
package pytree

import (
	"fmt"
	"sort"

	"github.com/tracekernel/tracekernel/errs"
)

// Tree describes the shape of a nested structure with its leaves
// stripped out: a Leaf, an ordered Sequence of subtrees (a slice/tuple),
// or a Mapping of named subtrees with sorted keys (a map, traversed in a
// fixed key order so flatten/unflatten agree).
type Tree struct {
	Kind     Kind
	Children []*Tree
	Keys     []string // set only when Kind == Map; parallel to Children.
}

type Kind int

const (
	Leaf Kind = iota
	Sequence
	Map
)

// Flatten decomposes value into its leaves (in a fixed left-to-right,
// sorted-key order) and a Tree describing how to reassemble them.
func Flatten(value any) (leaves []any, structure *Tree) {
	switch v := value.(type) {
	case []any:
		structure = &Tree{Kind: Sequence}
		for _, child := range v {
			childLeaves, childTree := Flatten(child)
			leaves = append(leaves, childLeaves...)
			structure.Children = append(structure.Children, childTree)
		}
		return leaves, structure
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		structure = &Tree{Kind: Map, Keys: keys}
		for _, k := range keys {
			childLeaves, childTree := Flatten(v[k])
			leaves = append(leaves, childLeaves...)
			structure.Children = append(structure.Children, childTree)
		}
		return leaves, structure
	default:
		return []any{value}, &Tree{Kind: Leaf}
	}
}

// Unflatten reassembles a value from leaves according to structure,
// consuming leaves in the same order Flatten produced them.
func Unflatten(structure *Tree, leaves []any) any {
	v, rest := unflatten(structure, leaves)
	if len(rest) != 0 {
		panic(fmt.Sprintf("pytree.Unflatten: %d unconsumed leaves", len(rest)))
	}
	return v
}

func unflatten(t *Tree, leaves []any) (any, []any) {
	switch t.Kind {
	case Leaf:
		if len(leaves) == 0 {
			panic("pytree.Unflatten: ran out of leaves")
		}
		return leaves[0], leaves[1:]
	case Sequence:
		out := make([]any, len(t.Children))
		rest := leaves
		for i, child := range t.Children {
			out[i], rest = unflatten(child, rest)
		}
		return out, rest
	case Map:
		out := make(map[string]any, len(t.Children))
		rest := leaves
		for i, child := range t.Children {
			var v any
			v, rest = unflatten(child, rest)
			out[t.Keys[i]] = v
		}
		return out, rest
	default:
		panic("pytree.Unflatten: unknown tree kind")
	}
}

// Equal reports whether two structures describe the same shape, ignoring leaves.
func Equal(a, b *Tree) bool {
	if a.Kind != b.Kind || len(a.Children) != len(b.Children) {
		return false
	}
	if a.Kind == Map {
		for i := range a.Keys {
			if a.Keys[i] != b.Keys[i] {
				return false
			}
		}
	}
	for i := range a.Children {
		if !Equal(a.Children[i], b.Children[i]) {
			return false
		}
	}
	return true
}

// describe renders a structure for a tree-mismatch error message: a
// compact path-free shape summary, e.g. "[leaf, {a: leaf, b: [leaf, leaf]}]".
func describe(t *Tree) string {
	switch t.Kind {
	case Leaf:
		return "leaf"
	case Sequence:
		s := "["
		for i, c := range t.Children {
			if i > 0 {
				s += ", "
			}
			s += describe(c)
		}
		return s + "]"
	case Map:
		s := "{"
		for i, k := range t.Keys {
			if i > 0 {
				s += ", "
			}
			s += k + ": " + describe(t.Children[i])
		}
		return s + "}"
	default:
		return "?"
	}
}

// CheckEqual returns a *errs.TreeMismatchError naming both structures if
// they differ, or nil if they match. Used to compare a function's
// primals/tangents or argnums selection.
func CheckEqual(a, b *Tree) error {
	if Equal(a, b) {
		return nil
	}
	return errs.NewTreeMismatchError(describe(a), describe(b))
}
